package settlement

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/splitvault/internal/chain"
	"github.com/betbot/splitvault/internal/domain"
	"github.com/betbot/splitvault/internal/ledger"
)

var (
	morpho   = common.HexToAddress("0x2003")
	usdc     = common.HexToAddress("0x2004")
	holder   = common.HexToAddress("0x5001")
	contract = common.HexToAddress("0x9100")
)

var start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func sampleOrder() Order {
	return Order{
		SellToken:  morpho,
		BuyToken:   usdc,
		Receiver:   holder,
		SellAmount: big.NewInt(100),
		BuyAmount:  big.NewInt(94),
		ValidTo:    uint32(start.Add(10 * time.Minute).Unix()),
		AppData:    [32]byte{0x01},
		FeeAmount:  new(big.Int),
	}
}

// stubSigner 只认可一笔预先登记的订单
type stubSigner struct {
	addr   common.Address
	domain Domain
	order  Order
	calls  int
}

func (s *stubSigner) Address() common.Address { return s.addr }

func (s *stubSigner) IsValidSignature(_ context.Context, hash common.Hash, payload []byte) ([4]byte, error) {
	s.calls++
	want, err := s.domain.Hash(s.order)
	if err != nil {
		return [4]byte{}, err
	}
	decoded, err := DecodePayload(payload)
	if err != nil {
		return [4]byte{}, err
	}
	if hash != want || !decoded.Equal(s.order) {
		return [4]byte{}, nil
	}
	return MagicValue, nil
}

// TestHashIsDeterministic 测试订单哈希确定且区分字段
func TestHashIsDeterministic(t *testing.T) {
	d := NewDomain(1, contract)
	o := sampleOrder()

	h1, err := d.Hash(o)
	require.NoError(t, err)
	h2, err := d.Hash(sampleOrder())
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, common.Hash{}, h1)

	o.SellAmount = big.NewInt(101)
	h3, err := d.Hash(o)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)

	h4, err := NewDomain(10, contract).Hash(sampleOrder())
	require.NoError(t, err)
	assert.NotEqual(t, h1, h4)
}

// TestPayloadRoundTrip 测试签名负载编解码
func TestPayloadRoundTrip(t *testing.T) {
	o := sampleOrder()
	raw, err := EncodePayload(o)
	require.NoError(t, err)
	assert.Len(t, raw, 8*32)

	back, err := DecodePayload(raw)
	require.NoError(t, err)
	assert.True(t, back.Equal(o))

	_, err = DecodePayload(raw[:64])
	assert.Error(t, err)
}

type settleFixture struct {
	clock  *chain.ManualClock
	ledger *ledger.Memory
	settle *Settlement
	signer *stubSigner
}

func newSettleFixture(t *testing.T) *settleFixture {
	t.Helper()
	ctx := context.Background()
	clock := chain.NewManualClock(start)
	rt := chain.NewRuntime(clock, nil)
	l := ledger.NewMemory(rt)
	require.NoError(t, l.RegisterToken(ctx, ledger.Token{Address: morpho, Symbol: "MORPHO", Decimals: 0}))
	require.NoError(t, l.RegisterToken(ctx, ledger.Token{Address: usdc, Symbol: "USDC", Decimals: 0}))
	require.NoError(t, l.Mint(ctx, morpho, holder, big.NewInt(100)))
	require.NoError(t, l.Mint(ctx, usdc, contract, big.NewInt(1000)))
	require.NoError(t, l.Approve(ctx, morpho, holder, contract, big.NewInt(100)))

	d := NewDomain(1, contract)
	return &settleFixture{
		clock:  clock,
		ledger: l,
		settle: New(rt, l, d),
		signer: &stubSigner{addr: holder, domain: d, order: sampleOrder()},
	}
}

// TestSettleMovesFunds 测试结算转移双方资产
func TestSettleMovesFunds(t *testing.T) {
	ctx := context.Background()
	f := newSettleFixture(t)

	hash, err := f.settle.Settle(ctx, f.signer, sampleOrder(), big.NewInt(95))
	require.NoError(t, err)

	sold, err := f.ledger.BalanceOf(ctx, morpho, holder)
	require.NoError(t, err)
	assert.Zero(t, sold.Sign())
	bought, err := f.ledger.BalanceOf(ctx, usdc, holder)
	require.NoError(t, err)
	assert.Equal(t, int64(95), bought.Int64())

	fill, ok := f.settle.FillOf(ctx, hash)
	require.True(t, ok)
	assert.Equal(t, holder, fill.Owner)

	_, err = f.settle.Settle(ctx, f.signer, sampleOrder(), big.NewInt(95))
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}

// TestSettleRejections 测试结算拒绝无效订单
func TestSettleRejections(t *testing.T) {
	ctx := context.Background()
	f := newSettleFixture(t)

	_, err := f.settle.Settle(ctx, f.signer, sampleOrder(), big.NewInt(93))
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)

	other := sampleOrder()
	other.BuyAmount = big.NewInt(10)
	_, err = f.settle.Settle(ctx, f.signer, other, big.NewInt(95))
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)

	f.clock.Advance(11 * time.Minute)
	_, err = f.settle.Settle(ctx, f.signer, sampleOrder(), big.NewInt(95))
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)

	bal, err := f.ledger.BalanceOf(ctx, morpho, holder)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Int64())
}

// TestSettleNeedsAllowance 测试结算需要卖出代币额度
func TestSettleNeedsAllowance(t *testing.T) {
	ctx := context.Background()
	f := newSettleFixture(t)
	require.NoError(t, f.ledger.Approve(ctx, morpho, holder, contract, big.NewInt(0)))

	_, err := f.settle.Settle(ctx, f.signer, sampleOrder(), big.NewInt(95))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	_, ok := f.settle.FillOf(ctx, mustHash(t, sampleOrder()))
	assert.False(t, ok)
}

func mustHash(t *testing.T, o Order) common.Hash {
	t.Helper()
	h, err := NewDomain(1, contract).Hash(o)
	require.NoError(t, err)
	return h
}
