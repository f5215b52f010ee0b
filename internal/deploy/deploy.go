package deploy

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/betbot/splitvault/internal/access"
	"github.com/betbot/splitvault/internal/chain"
	"github.com/betbot/splitvault/internal/domain"
	"github.com/betbot/splitvault/internal/events"
	"github.com/betbot/splitvault/internal/keeper"
	"github.com/betbot/splitvault/internal/ledger"
	"github.com/betbot/splitvault/internal/oracle"
	"github.com/betbot/splitvault/internal/registry"
	"github.com/betbot/splitvault/internal/settlement"
	"github.com/betbot/splitvault/internal/strategy"
	"github.com/betbot/splitvault/internal/venue"
	"github.com/betbot/splitvault/pkg/config"
	"github.com/betbot/splitvault/pkg/wallet"
)

var log = logrus.WithField("component", "deploy")

// Accounts 角色账户
type Accounts struct {
	Admin    common.Address
	Operator common.Address
	Guardian common.Address
}

// Options 部署选项
type Options struct {
	Clock     chain.Clock
	Observers []events.Handler // 在首个事务之前订阅
}

// System 一次部署得到的全部组件
type System struct {
	Runtime    *chain.Runtime
	Bus        *events.Bus
	Ledger     *ledger.Memory
	Access     *access.Registry
	Oracle     *oracle.Composer
	Registry   *registry.Registry
	Catalog    *strategy.Catalog
	Settlement *settlement.Settlement
	Accounts   Accounts

	Feeds     map[string][]*oracle.ManualFeed // "FROM/TO" -> 各跳价格源
	Venues    map[common.Address]*venue.Vault
	Instances map[common.Address]*strategy.Instance
	Targets   map[common.Address]domain.Split

	keyring      *wallet.Keyring
	minHeartbeat time.Duration
}

// Deploy 按配置在进程内执行底座上部署全部组件
func Deploy(ctx context.Context, cfg *config.Config, opts Options) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置无效: %w", err)
	}
	keyring, err := wallet.NewKeyring(cfg.Accounts.Mnemonic)
	if err != nil {
		return nil, err
	}
	accts, err := deriveAccounts(keyring, cfg.Accounts)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus()
	for _, h := range opts.Observers {
		bus.Subscribe(h)
	}
	rt := chain.NewRuntime(opts.Clock, bus)

	sys := &System{
		Runtime:   rt,
		Bus:       bus,
		Ledger:    ledger.NewMemory(rt),
		Accounts:  accts,
		Feeds:     make(map[string][]*oracle.ManualFeed),
		Venues:    make(map[common.Address]*venue.Vault),
		Instances: make(map[common.Address]*strategy.Instance),
		Targets:   make(map[common.Address]domain.Split),
		keyring:   keyring,
	}

	for _, t := range cfg.Tokens {
		if err := sys.Ledger.RegisterToken(ctx, ledger.Token{Address: common.HexToAddress(t.Address), Symbol: t.Symbol, Decimals: t.Decimals}); err != nil {
			return nil, fmt.Errorf("注册代币 %s 失败: %w", t.Symbol, err)
		}
	}

	if sys.Access, err = access.New(rt, accts.Admin); err != nil {
		return nil, err
	}
	if err := sys.Access.GrantRole(ctx, accts.Admin, domain.RoleOperator, accts.Operator); err != nil {
		return nil, err
	}
	if err := sys.Access.GrantRole(ctx, accts.Admin, domain.RoleGuardian, accts.Guardian); err != nil {
		return nil, err
	}

	sys.Oracle = oracle.NewComposer(rt, sys.Access, sys.Ledger)
	if err := sys.configureFeeds(ctx, cfg); err != nil {
		return nil, err
	}

	sys.Registry = registry.New(rt, sys.Access, common.HexToAddress(cfg.Chain.Registry))
	sys.Catalog = strategy.NewCatalog()
	if err := sys.publishImplementations(ctx, cfg); err != nil {
		return nil, err
	}

	sys.Settlement = settlement.New(rt, sys.Ledger, settlement.NewDomain(cfg.Chain.ChainID, common.HexToAddress(cfg.Chain.Settlement)))

	for _, sc := range cfg.Strategies {
		if err := sys.deployStrategy(ctx, cfg, sc); err != nil {
			return nil, fmt.Errorf("部署策略 %s 失败: %w", sc.Name, err)
		}
	}
	log.Infof("[Deploy] 部署完成: tokens=%d feeds=%d implementations=%d strategies=%d height=%d",
		len(cfg.Tokens), len(cfg.Feeds), len(cfg.Implementations), len(sys.Instances), rt.Height())
	return sys, nil
}

func deriveAccounts(k *wallet.Keyring, cfg config.AccountsConfig) (Accounts, error) {
	var out Accounts
	for _, item := range []struct {
		index uint32
		dst   *common.Address
	}{{cfg.Admin, &out.Admin}, {cfg.Operator, &out.Operator}, {cfg.Guardian, &out.Guardian}} {
		addr, err := k.Address(item.index)
		if err != nil {
			return Accounts{}, err
		}
		*item.dst = addr
	}
	return out, nil
}

func tokenAddress(cfg *config.Config, symbol string) common.Address {
	t, _ := cfg.Token(symbol)
	return common.HexToAddress(t.Address)
}

func (s *System) configureFeeds(ctx context.Context, cfg *config.Config) error {
	for _, f := range cfg.Feeds {
		key := strings.ToUpper(f.From) + "/" + strings.ToUpper(f.To)
		var steps oracle.FeedChain
		for _, sc := range f.Steps {
			rate, err := domain.ParseUnits(sc.Rate, sc.Decimals)
			if err != nil {
				return fmt.Errorf("价格链 %s: %w", key, err)
			}
			feed := oracle.NewManualFeed(s.Runtime, sc.Decimals)
			if err := feed.Set(ctx, rate, s.Runtime.Now(ctx)); err != nil {
				return err
			}
			s.Feeds[key] = append(s.Feeds[key], feed)
			if hb := sc.Heartbeat.Duration; s.minHeartbeat == 0 || hb < s.minHeartbeat {
				s.minHeartbeat = hb
			}
			steps = append(steps, oracle.Step{Source: feed, Reverse: sc.Reverse, Heartbeat: sc.Heartbeat.Duration, Label: sc.Label})
		}
		if err := s.Oracle.Configure(ctx, s.Accounts.Operator, tokenAddress(cfg, f.From), tokenAddress(cfg, f.To), steps); err != nil {
			return fmt.Errorf("配置价格链 %s 失败: %w", key, err)
		}
	}
	return nil
}

func (s *System) publishImplementations(ctx context.Context, cfg *config.Config) error {
	for _, ic := range cfg.Implementations {
		handle := common.HexToAddress(ic.Address)
		logic := strategy.Logic{
			Label:            ic.Label,
			MinOrderValidity: ic.MinOrderValidity.Duration,
			MaxOrderValidity: ic.MaxOrderValidity.Duration,
			FoldThreshold:    new(big.Int),
			RemainderToA:     ic.RemainderToA,
		}
		if ic.FoldThreshold != "" {
			if _, ok := logic.FoldThreshold.SetString(ic.FoldThreshold, 10); !ok {
				return fmt.Errorf("实现 %s: fold_threshold 无效", ic.Label)
			}
		}
		if err := s.Catalog.Bind(handle, logic); err != nil {
			return err
		}
		typeID, err := s.Registry.WhitelistImplementation(ctx, s.Accounts.Operator, handle, domain.TypeID(ic.Type))
		if err != nil {
			return fmt.Errorf("白名单 %s 失败: %w", ic.Label, err)
		}
		log.Infof("[Deploy] 实现已发布: label=%s handle=%s type=%d", ic.Label, handle.Hex(), typeID)
	}
	return nil
}

func (s *System) vault(name string, addr, asset common.Address) (*venue.Vault, error) {
	if v, ok := s.Venues[addr]; ok {
		if v.Asset() != asset {
			return nil, fmt.Errorf("场所 %s 已用于其他资产", addr.Hex())
		}
		return v, nil
	}
	v := venue.NewVault(s.Runtime, s.Ledger, name, addr, asset)
	s.Venues[addr] = v
	return v, nil
}

func (s *System) deployStrategy(ctx context.Context, cfg *config.Config, sc config.StrategyConfig) error {
	owner, err := s.keyring.Address(sc.OwnerIndex)
	if err != nil {
		return err
	}
	base := tokenAddress(cfg, sc.BaseAsset)
	va, err := s.vault(sc.VenueA.Name, common.HexToAddress(sc.VenueA.Address), base)
	if err != nil {
		return err
	}
	vb, err := s.vault(sc.VenueB.Name, common.HexToAddress(sc.VenueB.Address), base)
	if err != nil {
		return err
	}
	impl, _ := cfg.Implementation(sc.Implementation)
	rewards := make([]common.Address, 0, len(sc.RewardTokens))
	for _, r := range sc.RewardTokens {
		rewards = append(rewards, tokenAddress(cfg, r))
	}

	addr := common.HexToAddress(sc.Address)
	inst := strategy.New(addr, strategy.Deps{
		Runtime:    s.Runtime,
		Guard:      s.Access,
		Ledger:     s.Ledger,
		Oracle:     s.Oracle,
		Registry:   s.Registry,
		Catalog:    s.Catalog,
		Settlement: s.Settlement.Domain(),
		Fills:      s.Settlement,
	})
	if err := inst.Initialize(ctx, s.Accounts.Operator, strategy.InitParams{
		Owner:          owner,
		Implementation: common.HexToAddress(impl.Address),
		BaseAsset:      base,
		VenueA:         va,
		VenueB:         vb,
		Split:          domain.Split{A: sc.Split.A, B: sc.Split.B},
		SlippageBps:    sc.SlippageBps,
		RewardTokens:   rewards,
	}); err != nil {
		return err
	}
	if err := s.Registry.RegisterStrategy(ctx, s.Accounts.Operator, owner, inst); err != nil {
		return err
	}
	s.Instances[addr] = inst
	if sc.Target != nil {
		s.Targets[addr] = domain.Split{A: sc.Target.A, B: sc.Target.B}
	}

	if sc.InitialDeposit != "" {
		t, _ := cfg.Token(sc.BaseAsset)
		amount, err := domain.ParseUnits(sc.InitialDeposit, t.Decimals)
		if err != nil {
			return err
		}
		if amount.Sign() > 0 {
			if err := s.Fund(ctx, owner, inst, amount); err != nil {
				return err
			}
		}
	}
	log.Infof("[Deploy] 策略已部署: name=%s instance=%s owner=%s", sc.Name, addr.Hex(), owner.Hex())
	return nil
}

// Fund 给所有者铸造基础资产并存入实例（模拟环境）
func (s *System) Fund(ctx context.Context, owner common.Address, inst *strategy.Instance, amount *big.Int) error {
	base := inst.BaseAsset(ctx)
	if err := s.Ledger.Mint(ctx, base, owner, amount); err != nil {
		return err
	}
	if err := s.Ledger.Approve(ctx, base, owner, inst.Address(), amount); err != nil {
		return err
	}
	return inst.Deposit(ctx, owner, amount)
}

// Resolve 把实例地址解析为 keeper 可操作的实例
func (s *System) Resolve(addr common.Address) (keeper.Strategy, bool) {
	inst, ok := s.Instances[addr]
	if !ok {
		return nil, false
	}
	return inst, true
}

// NewKeeper 基于本次部署构造 keeper
func (s *System) NewKeeper(cfg config.KeeperConfig) (*keeper.Keeper, error) {
	orders := &keeper.QuotedOrders{
		Balances: s.Ledger,
		Oracle:   s.Oracle,
		Clock:    clockOf(s.Runtime),
		Validity: cfg.OrderValidity.Duration,
	}
	return keeper.New(keeper.Config{
		Operator: s.Accounts.Operator,
		Schedule: cfg.Schedule,
		Targets:  s.Targets,
	}, s.Registry, s.Resolve, orders)
}

// NewFeedRefresher 以最短心跳的一半为间隔刷新全部模拟价格源；没有价格源时返回 nil
func (s *System) NewFeedRefresher() (*oracle.Refresher, error) {
	if len(s.Feeds) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(s.Feeds))
	for k := range s.Feeds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var feeds []*oracle.ManualFeed
	for _, k := range keys {
		feeds = append(feeds, s.Feeds[k]...)
	}
	return oracle.NewRefresher(s.Runtime, s.minHeartbeat/2, feeds...)
}

type runtimeClock struct{ rt *chain.Runtime }

func (c runtimeClock) Now() time.Time { return c.rt.Now(context.Background()) }

func clockOf(rt *chain.Runtime) keeper.Clock { return runtimeClock{rt} }
