package strategy

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/betbot/splitvault/internal/access"
	"github.com/betbot/splitvault/internal/chain"
	"github.com/betbot/splitvault/internal/domain"
	"github.com/betbot/splitvault/internal/events"
	"github.com/betbot/splitvault/internal/ledger"
	"github.com/betbot/splitvault/internal/oracle"
	"github.com/betbot/splitvault/internal/registry"
	"github.com/betbot/splitvault/internal/settlement"
	"github.com/betbot/splitvault/internal/venue"
)

var (
	admin    = common.HexToAddress("0xA0")
	operator = common.HexToAddress("0xB0")
	guardian = common.HexToAddress("0xC0")
	alice    = common.HexToAddress("0xA11CE")
	bob      = common.HexToAddress("0xB0B")
	stranger = common.HexToAddress("0xD0")

	baseToken   = common.HexToAddress("0x1001")
	rewardToken = common.HexToAddress("0x1002")
	fooToken    = common.HexToAddress("0x1003")

	venueAAddr     = common.HexToAddress("0x7A01")
	venueBAddr     = common.HexToAddress("0x7B01")
	registryAddr   = common.HexToAddress("0x9000")
	settlementAddr = common.HexToAddress("0x9100")
	instAddr       = common.HexToAddress("0x5001")

	implV1    = common.HexToAddress("0x1111")
	implV2    = common.HexToAddress("0x2222")
	implOther = common.HexToAddress("0x3333")
)

var genesis = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	rt       *chain.Runtime
	clock    *chain.ManualClock
	rec      *events.Recorder
	ledger   *ledger.Memory
	access   *access.Registry
	oracle   *oracle.Composer
	feed     *oracle.ManualFeed
	registry *registry.Registry
	catalog  *Catalog
	settle   *settlement.Settlement
	venueA   *venue.Vault
	venueB   *venue.Vault
	inst     *Instance
}

// newFixture 部署完整环境：6000/4000 比例、200 bps 滑点、alice 持有 1000 基础资产并已授权实例
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{clock: chain.NewManualClock(genesis), rec: &events.Recorder{}}
	bus := events.NewBus()
	bus.Subscribe(f.rec)
	f.rt = chain.NewRuntime(f.clock, bus)

	f.ledger = ledger.NewMemory(f.rt)
	for _, tk := range []ledger.Token{
		{Address: baseToken, Symbol: "BASE", Decimals: 0},
		{Address: rewardToken, Symbol: "RWD", Decimals: 0},
		{Address: fooToken, Symbol: "FOO", Decimals: 0},
	} {
		require.NoError(t, f.ledger.RegisterToken(ctx, tk))
	}

	var err error
	f.access, err = access.New(f.rt, admin)
	require.NoError(t, err)
	require.NoError(t, f.access.GrantRole(ctx, admin, domain.RoleOperator, operator))
	require.NoError(t, f.access.GrantRole(ctx, admin, domain.RoleGuardian, guardian))

	f.oracle = oracle.NewComposer(f.rt, f.access, f.ledger)
	f.feed = oracle.NewManualFeed(f.rt, 8)
	require.NoError(t, f.feed.Set(ctx, big.NewInt(95_000_000), time.Time{}))
	require.NoError(t, f.oracle.Configure(ctx, operator, rewardToken, baseToken,
		oracle.FeedChain{{Source: f.feed, Heartbeat: time.Hour, Label: "RWD/BASE"}}))

	f.registry = registry.New(f.rt, f.access, registryAddr)
	f.catalog = NewCatalog()
	require.NoError(t, f.catalog.Bind(implV1, DefaultLogic("v1")))
	v2 := DefaultLogic("v2")
	v2.RemainderToA = true
	require.NoError(t, f.catalog.Bind(implV2, v2))
	require.NoError(t, f.catalog.Bind(implOther, DefaultLogic("other")))
	_, err = f.registry.WhitelistImplementation(ctx, operator, implV1, 0)
	require.NoError(t, err)
	_, err = f.registry.WhitelistImplementation(ctx, operator, implV2, 1)
	require.NoError(t, err)
	_, err = f.registry.WhitelistImplementation(ctx, operator, implOther, 0)
	require.NoError(t, err)

	f.settle = settlement.New(f.rt, f.ledger, settlement.NewDomain(1, settlementAddr))
	require.NoError(t, f.ledger.Mint(ctx, baseToken, settlementAddr, big.NewInt(1_000_000)))

	f.venueA = venue.NewVault(f.rt, f.ledger, "venue-a", venueAAddr, baseToken)
	f.venueB = venue.NewVault(f.rt, f.ledger, "venue-b", venueBAddr, baseToken)

	f.inst = f.newInstance(t, instAddr, f.venueA, f.venueB)
	require.NoError(t, f.registry.RegisterStrategy(ctx, operator, alice, f.inst))

	require.NoError(t, f.ledger.Mint(ctx, baseToken, alice, big.NewInt(1000)))
	require.NoError(t, f.ledger.Approve(ctx, baseToken, alice, instAddr, big.NewInt(1_000_000)))
	f.rec.Reset()
	return f
}

func (f *fixture) deps() Deps {
	return Deps{
		Runtime:    f.rt,
		Guard:      f.access,
		Ledger:     f.ledger,
		Oracle:     f.oracle,
		Registry:   f.registry,
		Catalog:    f.catalog,
		Settlement: f.settle.Domain(),
		Fills:      f.settle,
	}
}

func (f *fixture) newInstance(t *testing.T, addr common.Address, a, b venue.Venue) *Instance {
	t.Helper()
	inst := New(addr, f.deps())
	require.NoError(t, inst.Initialize(context.Background(), operator, InitParams{
		Owner:          alice,
		Implementation: implV1,
		BaseAsset:      baseToken,
		VenueA:         a,
		VenueB:         b,
		Split:          domain.Split{A: 6000, B: 4000},
		SlippageBps:    200,
		RewardTokens:   []common.Address{rewardToken},
	}))
	return inst
}

func (f *fixture) balances(t *testing.T) Balances {
	t.Helper()
	b, err := f.inst.Balances(context.Background())
	require.NoError(t, err)
	return b
}

func (f *fixture) tokenBalance(t *testing.T, token, holder common.Address) int64 {
	t.Helper()
	b, err := f.ledger.BalanceOf(context.Background(), token, holder)
	require.NoError(t, err)
	return b.Int64()
}

func (f *fixture) deposit(t *testing.T, amount int64) {
	t.Helper()
	require.NoError(t, f.inst.Deposit(context.Background(), alice, big.NewInt(amount)))
}

// rewardOrder 卖出 amount 奖励代币、最少买入 minOut 基础资产、validFor 后过期
func (f *fixture) rewardOrder(amount, minOut int64, validFor time.Duration) settlement.Order {
	return settlement.Order{
		SellToken:  rewardToken,
		BuyToken:   baseToken,
		Receiver:   instAddr,
		SellAmount: big.NewInt(amount),
		BuyAmount:  big.NewInt(minOut),
		ValidTo:    uint32(f.clock.Now().Add(validFor).Unix()),
		FeeAmount:  new(big.Int),
	}
}
