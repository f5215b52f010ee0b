package deploy

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
	"github.com/betbot/splitvault/internal/events"
	"github.com/betbot/splitvault/internal/keeper"
	"github.com/betbot/splitvault/pkg/config"
	"github.com/betbot/splitvault/pkg/wallet"
)

const testMnemonic = "test test test test test test test test test test test junk"

const testConfig = `
chain:
  chain_id: 1
  registry: "0x00000000000000000000000000000000000a0001"
  settlement: "0x9008D19f58AAbD9eD0D60971565AA8510560ab41"
accounts:
  mnemonic: "test test test test test test test test test test test junk"
  admin: 0
  operator: 1
  guardian: 2
tokens:
  - {symbol: USDC, address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", decimals: 6}
  - {symbol: MORPHO, address: "0x58D97B57BB95320F9a05dC918Aef65434969c2B2", decimals: 18}
feeds:
  - from: MORPHO
    to: USDC
    steps:
      - {label: MORPHO/ETH, rate: "0.0006", decimals: 18, heartbeat: 24h}
      - {label: USDC/ETH, rate: "0.0004", decimals: 18, reverse: true, heartbeat: 24h}
implementations:
  - {label: split-v1, address: "0x00000000000000000000000000000000000b0001", min_order_validity: 5m, max_order_validity: 1h}
  - {label: split-v2, address: "0x00000000000000000000000000000000000b0002", type: 1, min_order_validity: 5m, max_order_validity: 1h}
strategies:
  - name: alice-usdc
    address: "0x00000000000000000000000000000000000c0001"
    owner_index: 10
    implementation: split-v1
    base_asset: USDC
    venue_a: {name: venue-a, address: "0x00000000000000000000000000000000000d0001"}
    venue_b: {name: venue-b, address: "0x00000000000000000000000000000000000d0002"}
    split: {a: 6000, b: 4000}
    reward_tokens: [MORPHO]
    slippage_bps: 200
    initial_deposit: "1000"
    target: {a: 5000, b: 5000}
keeper:
  schedule: "@every 1m"
  order_validity: 30m
`

var (
	instanceAddr = common.HexToAddress("0x00000000000000000000000000000000000c0001")
	usdc         = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	morpho       = common.HexToAddress("0x58D97B57BB95320F9a05dC918Aef65434969c2B2")
)

func deployTest(t *testing.T) (*System, *config.Config, *events.Recorder) {
	t.Helper()
	cfg, err := config.Parse([]byte(testConfig), ".yaml")
	require.NoError(t, err)
	rec := &events.Recorder{}
	sys, err := Deploy(context.Background(), cfg, Options{
		Clock:     chain.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		Observers: []events.Handler{rec},
	})
	require.NoError(t, err)
	return sys, cfg, rec
}

// TestDeployFromConfig 测试按配置部署全部组件
func TestDeployFromConfig(t *testing.T) {
	ctx := context.Background()
	sys, _, rec := deployTest(t)

	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), sys.Accounts.Admin)
	assert.Equal(t, common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"), sys.Accounts.Operator)
	assert.Equal(t, common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"), sys.Accounts.Guardian)

	k, err := wallet.NewKeyring(testMnemonic)
	require.NoError(t, err)
	owner, err := k.Address(10)
	require.NoError(t, err)

	inst, ok := sys.Instances[instanceAddr]
	require.True(t, ok)
	assert.Equal(t, owner, inst.Owner(ctx))
	assert.Equal(t, []common.Address{instanceAddr}, sys.Registry.StrategiesOf(ctx, owner))
	assert.Equal(t, sys.Registry.TypeOf(ctx, common.HexToAddress("0x00000000000000000000000000000000000b0001")),
		sys.Registry.TypeOf(ctx, common.HexToAddress("0x00000000000000000000000000000000000b0002")))

	b, err := inst.Balances(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(600_000_000), b.A.Int64())
	assert.Equal(t, int64(400_000_000), b.B.Int64())
	assert.Len(t, sys.Venues, 2)
	assert.Equal(t, domain.Split{A: 5000, B: 5000}, sys.Targets[instanceAddr])
	assert.Contains(t, rec.Names(), "StrategyRegistered")
}

// TestDeployRejectsInvalidConfig 测试无效配置拒绝部署
func TestDeployRejectsInvalidConfig(t *testing.T) {
	cfg, err := config.Parse([]byte(testConfig), ".yaml")
	require.NoError(t, err)
	cfg.Accounts.Mnemonic = ""
	_, err = Deploy(context.Background(), cfg, Options{})
	assert.Error(t, err)
}

// TestKeeperPassOverDeployment 测试 keeper 在完整部署上收割与再平衡
func TestKeeperPassOverDeployment(t *testing.T) {
	ctx := context.Background()
	sys, cfg, _ := deployTest(t)
	inst := sys.Instances[instanceAddr]

	ten := new(big.Int).Mul(big.NewInt(10), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	require.NoError(t, sys.Ledger.Mint(ctx, morpho, instanceAddr, ten))

	k, err := sys.NewKeeper(cfg.Keeper)
	require.NoError(t, err)
	sum := k.RunOnce(ctx)
	assert.Equal(t, keeper.Summary{Visited: 1, Harvested: 1, Rebalanced: 1}, sum)
	assert.Equal(t, domain.Split{A: 5000, B: 5000}, inst.Split(ctx))

	pending := inst.PendingOrders(ctx)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(15_000_000), pending[0].Quote.Int64())
	assert.Equal(t, int64(14_700_000), pending[0].Order.BuyAmount.Int64())

	settlementAddr := common.HexToAddress(cfg.Chain.Settlement)
	require.NoError(t, sys.Ledger.Mint(ctx, usdc, settlementAddr, big.NewInt(100_000_000)))
	_, err = sys.Settlement.Settle(ctx, inst, pending[0].Order, big.NewInt(15_000_000))
	require.NoError(t, err)

	// 下一轮巡检清理已成交订单并把买入的基础资产并入仓位
	sum = k.RunOnce(ctx)
	assert.Equal(t, keeper.Summary{Visited: 1, Harvested: 1}, sum)
	assert.Empty(t, inst.PendingOrders(ctx))
	b, err := inst.Balances(ctx)
	require.NoError(t, err)
	assert.Zero(t, b.Idle.Sign())
	assert.Equal(t, int64(1_015_000_000), b.Total.Int64())
	assert.Equal(t, int64(507_500_000), b.A.Int64())
}

// TestFeedRefresherKeepsDeploymentQuoting 模拟价格源超过心跳后由刷新器恢复
func TestFeedRefresherKeepsDeploymentQuoting(t *testing.T) {
	ctx := context.Background()
	cfg, err := config.Parse([]byte(testConfig), ".yaml")
	require.NoError(t, err)
	clock := chain.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	sys, err := Deploy(ctx, cfg, Options{Clock: clock})
	require.NoError(t, err)

	r, err := sys.NewFeedRefresher()
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, 12*time.Hour, r.Interval())

	ten := new(big.Int).Mul(big.NewInt(10), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	clock.Advance(25 * time.Hour)
	_, err = sys.Oracle.Quote(ctx, ten, morpho, usdc)
	assert.ErrorIs(t, err, domain.ErrStalePrice)

	require.NoError(t, r.Refresh(ctx))
	q, err := sys.Oracle.Quote(ctx, ten, morpho, usdc)
	require.NoError(t, err)
	assert.Equal(t, int64(15_000_000), q.Int64())
}
