package strategy

import (
	"context"
	"math/big"
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/splitvault/internal/domain"
	"github.com/betbot/splitvault/internal/venue"
)

// TestInitializeOnce 测试只能初始化一次
func TestInitializeOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	err := f.inst.Initialize(ctx, operator, InitParams{
		Owner: alice, Implementation: implV1, BaseAsset: baseToken,
		VenueA: f.venueA, VenueB: f.venueB, Split: domain.Split{A: 5000, B: 5000},
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyInitialized)
	assert.Equal(t, domain.Split{A: 6000, B: 4000}, f.inst.Split(ctx))
	assert.Equal(t, registryAddr, f.inst.Registry(ctx))
	assert.Equal(t, "v1", f.inst.Logic(ctx).Label)
}

// TestInitializeValidation 测试初始化参数校验
func TestInitializeValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	valid := func() InitParams {
		return InitParams{
			Owner: alice, Implementation: implV1, BaseAsset: baseToken,
			VenueA: f.venueA, VenueB: f.venueB, Split: domain.Split{A: 5000, B: 5000},
		}
	}
	cases := []struct {
		name   string
		caller common.Address
		mutate func(p *InitParams)
		code   domain.Code
	}{
		{"not operator", stranger, func(*InitParams) {}, domain.CodeUnauthorized},
		{"zero owner", operator, func(p *InitParams) { p.Owner = common.Address{} }, domain.CodeZeroAddress},
		{"same venue", operator, func(p *InitParams) { p.VenueB = f.venueA }, domain.CodeVenueFailure},
		{"asset mismatch", operator, func(p *InitParams) {
			p.VenueB = venue.NewVault(f.rt, f.ledger, "foo", common.HexToAddress("0x7C01"), fooToken)
		}, domain.CodeVenueFailure},
		{"unbound implementation", operator, func(p *InitParams) { p.Implementation = common.HexToAddress("0x4444") }, domain.CodeNoImplementationCode},
		{"bad split", operator, func(p *InitParams) { p.Split = domain.Split{A: 6000, B: 5000} }, domain.CodeInvalidSplit},
		{"bad slippage", operator, func(p *InitParams) { p.SlippageBps = domain.BpsDenominator + 1 }, domain.CodeInvalidSlippage},
		{"base as reward", operator, func(p *InitParams) { p.RewardTokens = []common.Address{baseToken} }, domain.CodeCannotAddBaseAsset},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inst := New(common.BigToAddress(big.NewInt(int64(0x6000+i))), f.deps())
			p := valid()
			tc.mutate(&p)
			err := inst.Initialize(ctx, tc.caller, p)
			assert.Equal(t, tc.code, domain.CodeOf(err))
			assert.Equal(t, common.Address{}, inst.Owner(ctx))
		})
	}
}

// TestScenarioSplitAndRebalance 6000/4000 存入 1000 → 600/400；再平衡到 5000/5000 → 500/500
func TestScenarioSplitAndRebalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	mode, err := f.inst.Mode(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeEmpty, mode)

	f.deposit(t, 1000)
	b := f.balances(t)
	assert.Equal(t, int64(600), b.A.Int64())
	assert.Equal(t, int64(400), b.B.Int64())
	assert.Zero(t, b.Idle.Sign())
	assert.Equal(t, int64(0), f.tokenBalance(t, baseToken, alice))

	mode, err = f.inst.Mode(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModePositioned, mode)

	require.NoError(t, f.inst.Rebalance(ctx, operator, domain.Split{A: 5000, B: 5000}))
	b = f.balances(t)
	assert.Equal(t, int64(500), b.A.Int64())
	assert.Equal(t, int64(500), b.B.Int64())
	assert.Equal(t, domain.Split{A: 5000, B: 5000}, f.inst.Split(ctx))
	assert.Equal(t, []string{"Deposited", "Rebalanced"}, f.rec.Names())

	// 场所不再保留旧份额
	shares, err := f.venueA.SharesOf(ctx, instAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(500), shares.Int64())
}

// TestInvalidSplitLeavesStateUntouched 测试无效比例不改变状态
func TestInvalidSplitLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.deposit(t, 1000)
	before := f.balances(t)
	f.rec.Reset()

	for _, s := range []domain.Split{{A: 6000, B: 5000}, {A: 0, B: 0}, {A: 10000, B: 1}} {
		err := f.inst.Rebalance(ctx, operator, s)
		assert.ErrorIs(t, err, domain.ErrInvalidSplit)
	}
	after := f.balances(t)
	assert.Equal(t, before.A.Int64(), after.A.Int64())
	assert.Equal(t, before.B.Int64(), after.B.Int64())
	assert.Equal(t, domain.Split{A: 6000, B: 4000}, f.inst.Split(ctx))
	assert.Empty(t, f.rec.Records())

	// 单边比例合法
	require.NoError(t, f.inst.Rebalance(ctx, operator, domain.Split{A: 10000, B: 0}))
	after = f.balances(t)
	assert.Equal(t, int64(1000), after.A.Int64())
	assert.Zero(t, after.B.Sign())
}

// TestDepositAuthorization 测试存入与再平衡的权限
func TestDepositAuthorization(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	err := f.inst.Deposit(ctx, operator, big.NewInt(10))
	assert.ErrorIs(t, err, domain.ErrNotOwner)
	err = f.inst.Deposit(ctx, alice, big.NewInt(0))
	assert.ErrorIs(t, err, domain.ErrZeroAmount)
	err = f.inst.Deposit(ctx, alice, big.NewInt(1001))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	err = f.inst.Rebalance(ctx, alice, domain.Split{A: 5000, B: 5000})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

// TestWithdrawConservesValue 测试取出前后价值守恒
func TestWithdrawConservesValue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.deposit(t, 1000)

	require.NoError(t, f.inst.Withdraw(ctx, alice, big.NewInt(250)))
	b := f.balances(t)
	assert.Equal(t, int64(450), b.A.Int64())
	assert.Equal(t, int64(300), b.B.Int64())
	assert.Equal(t, int64(250), f.tokenBalance(t, baseToken, alice))
	assert.Equal(t, int64(1000), b.Total.Int64()+f.tokenBalance(t, baseToken, alice))

	// 利息只进入 A：按当前价值占比赎回
	require.NoError(t, f.ledger.Mint(ctx, baseToken, venueAAddr, big.NewInt(150)))
	b = f.balances(t)
	require.Equal(t, int64(900), b.Total.Int64())
	require.NoError(t, f.inst.Withdraw(ctx, alice, big.NewInt(900)))
	b = f.balances(t)
	assert.Zero(t, b.Total.Sign())
	assert.Equal(t, int64(1150), f.tokenBalance(t, baseToken, alice))

	mode, err := f.inst.Mode(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeEmpty, mode)
}

// TestWithdrawDriftBoundedWithSharedVenues 场所有其他持有人且已计息时，
// 取出前后总额之差与取出数量相差不超过每个场所 1 个单位
func TestWithdrawDriftBoundedWithSharedVenues(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 60; i++ {
		f := newFixture(t)
		require.NoError(t, f.ledger.Mint(ctx, baseToken, bob, big.NewInt(10_000)))
		for _, v := range []*venue.Vault{f.venueA, f.venueB} {
			require.NoError(t, f.ledger.Approve(ctx, baseToken, bob, v.Address(), big.NewInt(10_000)))
			_, err := v.Deposit(ctx, bob, big.NewInt(rng.Int63n(2000)+1))
			require.NoError(t, err)
		}
		deposited := rng.Int63n(901) + 100
		f.deposit(t, deposited)
		require.NoError(t, f.ledger.Mint(ctx, baseToken, venueAAddr, big.NewInt(rng.Int63n(500)+1)))
		require.NoError(t, f.ledger.Mint(ctx, baseToken, venueBAddr, big.NewInt(rng.Int63n(500)+1)))

		before := f.balances(t).Total.Int64()
		amount := rng.Int63n(before) + 1
		require.NoError(t, f.inst.Withdraw(ctx, alice, big.NewInt(amount)), "case %d", i)
		after := f.balances(t).Total.Int64()

		drift := before - amount - after
		assert.GreaterOrEqual(t, drift, int64(0), "case %d: before=%d amount=%d after=%d", i, before, amount, after)
		assert.LessOrEqual(t, drift, int64(2), "case %d: before=%d amount=%d after=%d", i, before, amount, after)
		assert.Equal(t, 1000-deposited+amount, f.tokenBalance(t, baseToken, alice), "case %d", i)
	}
}

// TestWithdrawUsesIdleFirstProportionally 测试取出按闲置与场所的当前占比分摊
func TestWithdrawUsesIdleFirstProportionally(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.deposit(t, 1000)
	// 外部转入的闲置资金
	require.NoError(t, f.ledger.Mint(ctx, baseToken, instAddr, big.NewInt(1000)))

	require.NoError(t, f.inst.Withdraw(ctx, alice, big.NewInt(400)))
	b := f.balances(t)
	assert.Equal(t, int64(800), b.Idle.Int64())
	assert.Equal(t, int64(480), b.A.Int64())
	assert.Equal(t, int64(320), b.B.Int64())
}

// TestWithdrawLimits 测试取出数量限制
func TestWithdrawLimits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.deposit(t, 1000)

	err := f.inst.Withdraw(ctx, alice, big.NewInt(1001))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	err = f.inst.Withdraw(ctx, bob, big.NewInt(1))
	assert.ErrorIs(t, err, domain.ErrNotOwner)
}

// TestRemainderFollowsImplementation 测试取整余量归属随实现版本变化
func TestRemainderFollowsImplementation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.deposit(t, 999)
	b := f.balances(t)
	assert.Equal(t, int64(599), b.A.Int64())
	assert.Equal(t, int64(399), b.B.Int64())
	assert.Equal(t, int64(1), b.Idle.Int64())

	require.NoError(t, f.registry.UpgradeStrategy(ctx, alice, instAddr, implV2))
	assert.Equal(t, implV2, f.inst.Implementation(ctx))
	assert.True(t, f.inst.Logic(ctx).RemainderToA)

	require.NoError(t, f.inst.Rebalance(ctx, operator, domain.Split{A: 6000, B: 4000}))
	b = f.balances(t)
	assert.Equal(t, int64(600), b.A.Int64())
	assert.Equal(t, int64(399), b.B.Int64())
	assert.Zero(t, b.Idle.Sign())
}

// TestVenueFailureRevertsEverything 测试场所失败时整笔操作回滚
func TestVenueFailureRevertsEverything(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.deposit(t, 1000)
	f.rec.Reset()

	require.NoError(t, f.venueB.SetHalted(ctx, true))
	err := f.inst.Rebalance(ctx, operator, domain.Split{A: 5000, B: 5000})
	assert.ErrorIs(t, err, domain.ErrVenueFailure)
	assert.ErrorIs(t, err, venue.ErrVenueHalted)
	assert.Equal(t, domain.KindExternal, domain.KindOf(err))

	b := f.balances(t)
	assert.Equal(t, int64(600), b.A.Int64())
	assert.Equal(t, int64(400), b.B.Int64())
	assert.Zero(t, b.Idle.Sign())
	assert.Empty(t, f.rec.Records())
}

// TestScenarioPauseBlocksFundFlows Guardian 暂停后所有资金入口失败，恢复后正常
func TestScenarioPauseBlocksFundFlows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.deposit(t, 500)
	require.NoError(t, f.access.Pause(ctx, guardian))

	assert.ErrorIs(t, f.inst.Deposit(ctx, alice, big.NewInt(100)), domain.ErrPaused)
	assert.ErrorIs(t, f.inst.Withdraw(ctx, alice, big.NewInt(100)), domain.ErrPaused)
	assert.ErrorIs(t, f.inst.Rebalance(ctx, operator, domain.Split{A: 5000, B: 5000}), domain.ErrPaused)
	_, err := f.inst.HarvestRewards(ctx, operator, nil)
	assert.ErrorIs(t, err, domain.ErrPaused)
	// 暂停检查先于鉴权
	assert.ErrorIs(t, f.inst.Deposit(ctx, stranger, big.NewInt(100)), domain.ErrPaused)

	require.NoError(t, f.access.Unpause(ctx, guardian))
	f.deposit(t, 100)
	require.NoError(t, f.inst.Withdraw(ctx, alice, big.NewInt(100)))
	require.NoError(t, f.inst.Rebalance(ctx, operator, domain.Split{A: 5000, B: 5000}))
	_, err = f.inst.HarvestRewards(ctx, operator, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(500), f.balances(t).Total.Int64())
}

// reentrantVault 在存入时回调实例
type reentrantVault struct {
	*venue.Vault
	hook    func(ctx context.Context) error
	hookErr error
}

func (v *reentrantVault) Deposit(ctx context.Context, from common.Address, amount *big.Int) (*big.Int, error) {
	if v.hook != nil {
		if v.hookErr = v.hook(ctx); v.hookErr != nil {
			return nil, v.hookErr
		}
	}
	return v.Vault.Deposit(ctx, from, amount)
}

// TestReentrantCallRejected 测试重入调用被拒绝
func TestReentrantCallRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	evil := &reentrantVault{Vault: venue.NewVault(f.rt, f.ledger, "evil", common.HexToAddress("0x7E01"), baseToken)}
	addr := common.HexToAddress("0x5002")
	inst := f.newInstance(t, addr, evil, f.venueB)
	require.NoError(t, f.ledger.Approve(ctx, baseToken, alice, addr, big.NewInt(1000)))
	evil.hook = func(ctx context.Context) error {
		return inst.Withdraw(ctx, alice, big.NewInt(1))
	}

	err := inst.Deposit(ctx, alice, big.NewInt(100))
	assert.ErrorIs(t, err, domain.ErrVenueFailure)
	assert.ErrorIs(t, err, domain.ErrReentrantCall)
	assert.ErrorIs(t, evil.hookErr, domain.ErrReentrantCall)
	assert.Equal(t, int64(1000), f.tokenBalance(t, baseToken, alice))

	// 锁随事务回滚释放
	evil.hook = nil
	require.NoError(t, inst.Deposit(ctx, alice, big.NewInt(100)))
}

// TestTransferOwnershipSyncsRegistry 测试转移所有权同步到注册中心
func TestTransferOwnershipSyncsRegistry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.deposit(t, 100)
	f.rec.Reset()

	assert.ErrorIs(t, f.inst.TransferOwnership(ctx, bob, bob), domain.ErrNotOwner)
	assert.ErrorIs(t, f.inst.TransferOwnership(ctx, alice, common.Address{}), domain.ErrZeroAddress)

	require.NoError(t, f.inst.TransferOwnership(ctx, alice, bob))
	assert.Equal(t, bob, f.inst.Owner(ctx))
	assert.Equal(t, bob, f.registry.OwnerOf(ctx, instAddr))
	assert.Equal(t, []common.Address{instAddr}, f.registry.StrategiesOf(ctx, bob))
	assert.Empty(t, f.registry.StrategiesOf(ctx, alice))
	assert.Equal(t, []string{"StrategyOwnerChanged", "StrategyOwnerChanged"}, f.rec.Names())

	assert.ErrorIs(t, f.inst.Withdraw(ctx, alice, big.NewInt(1)), domain.ErrNotOwner)
	require.NoError(t, f.inst.Withdraw(ctx, bob, big.NewInt(100)))
	assert.Equal(t, int64(100), f.tokenBalance(t, baseToken, bob))

	assert.ErrorIs(t, f.registry.UpgradeStrategy(ctx, alice, instAddr, implV2), domain.ErrNotOwner)
	require.NoError(t, f.registry.UpgradeStrategy(ctx, bob, instAddr, implV2))
}

// TestUpgradeOnlyThroughRegistry 测试只有注册中心可以升级实例
func TestUpgradeOnlyThroughRegistry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.deposit(t, 1000)

	err := f.inst.UpgradeTo(ctx, alice, implV2)
	assert.ErrorIs(t, err, domain.ErrOnlyRegistry)
	err = f.inst.UpgradeTo(ctx, registryAddr, common.HexToAddress("0x4444"))
	assert.ErrorIs(t, err, domain.ErrNoImplementationCode)

	err = f.registry.UpgradeStrategy(ctx, alice, instAddr, implOther)
	assert.ErrorIs(t, err, domain.ErrIncompatibleType)
	assert.Equal(t, implV1, f.inst.Implementation(ctx))

	require.NoError(t, f.registry.UpgradeStrategy(ctx, alice, instAddr, implV2))
	assert.Equal(t, "v2", f.inst.Logic(ctx).Label)
	b := f.balances(t)
	assert.Equal(t, int64(600), b.A.Int64())
	assert.Equal(t, int64(400), b.B.Int64())
	assert.Equal(t, alice, f.inst.Owner(ctx))
}

// TestRecoverForeignAsset 测试只能找回无关代币
func TestRecoverForeignAsset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.ledger.Mint(ctx, fooToken, instAddr, big.NewInt(42)))
	require.NoError(t, f.ledger.Mint(ctx, rewardToken, instAddr, big.NewInt(5)))

	for _, token := range []common.Address{baseToken, rewardToken, venueAAddr, venueBAddr} {
		err := f.inst.RecoverForeignAsset(ctx, alice, token, alice, big.NewInt(1))
		assert.ErrorIs(t, err, domain.ErrProtectedAsset, token.Hex())
	}
	err := f.inst.RecoverForeignAsset(ctx, operator, fooToken, operator, big.NewInt(42))
	assert.ErrorIs(t, err, domain.ErrNotOwner)

	require.NoError(t, f.inst.RecoverForeignAsset(ctx, alice, fooToken, bob, big.NewInt(42)))
	assert.Equal(t, int64(42), f.tokenBalance(t, fooToken, bob))
	assert.Equal(t, int64(5), f.tokenBalance(t, rewardToken, instAddr))
}
