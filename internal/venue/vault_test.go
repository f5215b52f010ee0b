package venue

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/splitvault/internal/chain"
	"github.com/betbot/splitvault/internal/domain"
	"github.com/betbot/splitvault/internal/ledger"
)

var (
	usdc  = common.HexToAddress("0x1001")
	vault = common.HexToAddress("0x7A01")
	alice = common.HexToAddress("0xA11CE")
)

func newVault(t *testing.T) (*Vault, *ledger.Memory) {
	t.Helper()
	ctx := context.Background()
	rt := chain.NewRuntime(chain.SystemClock{}, nil)
	l := ledger.NewMemory(rt)
	require.NoError(t, l.RegisterToken(ctx, ledger.Token{Address: usdc, Symbol: "USDC", Decimals: 6}))
	require.NoError(t, l.Mint(ctx, usdc, alice, big.NewInt(1000)))
	require.NoError(t, l.Approve(ctx, usdc, alice, vault, big.NewInt(1000)))
	return NewVault(rt, l, "venue-a", vault, usdc), l
}

// TestDepositAccruesAndRedeems 测试存入、计息与赎回
func TestDepositAccruesAndRedeems(t *testing.T) {
	ctx := context.Background()
	v, l := newVault(t)

	shares, err := v.Deposit(ctx, alice, big.NewInt(600))
	require.NoError(t, err)
	assert.Equal(t, int64(600), shares.Int64())

	// 利息直接转入场所
	require.NoError(t, l.Mint(ctx, usdc, vault, big.NewInt(60)))
	value, err := v.CurrentValue(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(660), value.Int64())

	out, err := v.Redeem(ctx, alice, big.NewInt(300))
	require.NoError(t, err)
	assert.Equal(t, int64(330), out.Int64())

	held, err := v.SharesOf(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(300), held.Int64())

	bal, err := l.BalanceOf(ctx, usdc, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(730), bal.Int64())
}

// TestRedeemBeyondShares 测试赎回超过持有份额
func TestRedeemBeyondShares(t *testing.T) {
	ctx := context.Background()
	v, _ := newVault(t)
	_, err := v.Deposit(ctx, alice, big.NewInt(100))
	require.NoError(t, err)

	_, err = v.Redeem(ctx, alice, big.NewInt(101))
	assert.Equal(t, domain.CodeInsufficientBalance, domain.CodeOf(err))
	_, err = v.Deposit(ctx, alice, big.NewInt(0))
	assert.Equal(t, domain.CodeZeroAmount, domain.CodeOf(err))
}

// TestDepositNeedsAllowance 测试存入需要额度
func TestDepositNeedsAllowance(t *testing.T) {
	ctx := context.Background()
	v, l := newVault(t)
	require.NoError(t, l.Approve(ctx, usdc, alice, vault, big.NewInt(10)))

	_, err := v.Deposit(ctx, alice, big.NewInt(11))
	assert.Equal(t, domain.CodeInsufficientBalance, domain.CodeOf(err))
	held, err := v.SharesOf(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, held.Sign())
}

// TestHaltedVenueFails 测试停用的场所拒绝调用
func TestHaltedVenueFails(t *testing.T) {
	ctx := context.Background()
	v, _ := newVault(t)
	_, err := v.Deposit(ctx, alice, big.NewInt(100))
	require.NoError(t, err)

	require.NoError(t, v.SetHalted(ctx, true))
	_, err = v.Redeem(ctx, alice, big.NewInt(1))
	assert.ErrorIs(t, err, ErrVenueHalted)
	_, err = v.Deposit(ctx, alice, big.NewInt(1))
	assert.ErrorIs(t, err, ErrVenueHalted)

	require.NoError(t, v.SetHalted(ctx, false))
	out, err := v.Redeem(ctx, alice, big.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, int64(100), out.Int64())
}
