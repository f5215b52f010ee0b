package strategy

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/betbot/splitvault/internal/access"
	"github.com/betbot/splitvault/internal/chain"
	"github.com/betbot/splitvault/internal/domain"
	"github.com/betbot/splitvault/internal/events"
	"github.com/betbot/splitvault/internal/ledger"
	"github.com/betbot/splitvault/internal/oracle"
	"github.com/betbot/splitvault/internal/settlement"
	"github.com/betbot/splitvault/internal/venue"
)

var log = logrus.WithField("component", "strategy")

// Mode 由余额推导的实例状态
type Mode string

const (
	ModeEmpty      Mode = "Empty"
	ModePositioned Mode = "Positioned"
	ModeDraining   Mode = "Draining"
)

// Quoter 价格闸门
type Quoter interface {
	Evaluate(ctx context.Context, amountIn *big.Int, from, to common.Address, proposedMinOut *big.Int, slippageBps uint32) (oracle.Verdict, error)
}

// Controller 绑定的策略注册中心
type Controller interface {
	Address() common.Address
	IsRegistered(ctx context.Context, instance common.Address) bool
	TransferStrategyOwner(ctx context.Context, caller, newOwner common.Address) error
}

// FillChecker 结算方成交记录查询
type FillChecker interface {
	FillOf(ctx context.Context, hash common.Hash) (settlement.Fill, bool)
}

// Deps 实例依赖的外部组件
type Deps struct {
	Runtime    *chain.Runtime
	Guard      access.Guard
	Ledger     ledger.Ledger
	Oracle     Quoter
	Registry   Controller
	Catalog    *Catalog
	Settlement settlement.Domain
	Fills      FillChecker // 可为空；为空时已成交订单在过期后才清理
}

// InitParams 初始化参数
type InitParams struct {
	Owner          common.Address
	Implementation common.Address
	BaseAsset      common.Address
	VenueA         venue.Venue
	VenueB         venue.Venue
	Split          domain.Split
	SlippageBps    uint32
	RewardTokens   []common.Address
}

// PendingOrder 实例已授权、等待结算方回调的订单
type PendingOrder struct {
	Hash         common.Hash
	Order        settlement.Order
	Quote        *big.Int
	Floor        *big.Int
	AuthorizedAt time.Time
}

// Expired 订单在 now 时刻是否已过期
func (p PendingOrder) Expired(now time.Time) bool {
	return now.Unix() > int64(p.Order.ValidTo)
}

// Balances 资产分布
type Balances struct {
	Idle  *big.Int
	A     *big.Int
	B     *big.Int
	Total *big.Int
}

type state struct {
	initialized bool
	owner       common.Address
	impl        common.Address
	baseAsset   common.Address
	venueA      venue.Venue
	venueB      venue.Venue
	split       domain.Split
	slippageBps uint32
	rewards     []common.Address
	pending     map[common.Hash]PendingOrder

	entered  bool
	draining bool
}

func (s *state) clone() *state {
	out := *s
	out.rewards = append([]common.Address(nil), s.rewards...)
	out.pending = make(map[common.Hash]PendingOrder, len(s.pending))
	for k, v := range s.pending {
		out.pending[k] = v
	}
	return &out
}

// Instance 单账户隔离的托管单元：资金在两个收益场所间按比例分配，奖励代币通过签名订单换回基础资产。
//
// 状态布局与实现无关；实现句柄经 Catalog 间接映射到 Logic，升级只由绑定的注册中心切换指针。
type Instance struct {
	addr common.Address
	rt   *chain.Runtime
	deps Deps

	state *state
}

// New 创建未初始化的实例
func New(addr common.Address, deps Deps) *Instance {
	s := &Instance{
		addr: addr,
		rt:   deps.Runtime,
		deps: deps,
		state: &state{
			pending: make(map[common.Hash]PendingOrder),
		},
	}
	deps.Runtime.Register(s)
	return s
}

// Checkpoint 实现 chain.Journaled
func (s *Instance) Checkpoint() func() {
	snap := s.state.clone()
	return func() { s.state = snap }
}

// Initialize 一次性初始化；仅 Operator
func (s *Instance) Initialize(ctx context.Context, caller common.Address, p InitParams) error {
	const op = "strategy.initialize"
	return s.rt.Execute(ctx, op, func(ctx context.Context) error {
		if err := s.deps.Guard.RequireNotPaused(ctx, op); err != nil {
			return err
		}
		if s.state.initialized {
			return domain.Errf(domain.CodeAlreadyInitialized, op, "%s", s.addr.Hex())
		}
		if _, err := s.deps.Guard.Authorize(ctx, caller, domain.RoleOperator); err != nil {
			return err
		}
		if p.Owner == (common.Address{}) || p.BaseAsset == (common.Address{}) {
			return domain.Errf(domain.CodeZeroAddress, op, "owner/base asset")
		}
		if p.VenueA == nil || p.VenueB == nil {
			return domain.Errf(domain.CodeZeroAddress, op, "venue")
		}
		if p.VenueA.Address() == p.VenueB.Address() {
			return domain.Errf(domain.CodeVenueFailure, op, "venues A and B are the same")
		}
		for _, v := range []venue.Venue{p.VenueA, p.VenueB} {
			if v.Asset() != p.BaseAsset {
				return domain.Errf(domain.CodeVenueFailure, op, "venue %s asset %s != base %s",
					v.Address().Hex(), v.Asset().Hex(), p.BaseAsset.Hex())
			}
		}
		if _, ok := s.deps.Catalog.Lookup(p.Implementation); !ok {
			return domain.Errf(domain.CodeNoImplementationCode, op, "%s", p.Implementation.Hex())
		}
		if err := p.Split.Validate(); err != nil {
			return err
		}
		if p.SlippageBps > domain.BpsDenominator {
			return domain.Errf(domain.CodeInvalidSlippage, op, "%d", p.SlippageBps)
		}

		s.state.initialized = true
		s.state.owner = p.Owner
		s.state.impl = p.Implementation
		s.state.baseAsset = p.BaseAsset
		s.state.venueA = p.VenueA
		s.state.venueB = p.VenueB
		s.state.split = p.Split
		s.state.slippageBps = p.SlippageBps
		for _, t := range p.RewardTokens {
			if err := s.addReward(op, t); err != nil {
				return err
			}
		}
		chain.Emit(ctx, events.StrategyInitializedEvent{
			Instance: s.addr, Owner: p.Owner, Implementation: p.Implementation, BaseAsset: p.BaseAsset, Split: p.Split,
		})
		log.Infof("[Strategy] 实例已初始化: instance=%s owner=%s impl=%s split=%s", s.addr.Hex(), p.Owner.Hex(), p.Implementation.Hex(), p.Split)
		return nil
	})
}

// mutate 写入口的公共前置：暂停优先于一切前置条件检查，然后是初始化与重入检查
func (s *Instance) mutate(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := s.rt.Execute(ctx, op, func(ctx context.Context) error {
		if err := s.deps.Guard.RequireNotPaused(ctx, op); err != nil {
			return err
		}
		if !s.state.initialized {
			return domain.Errf(domain.CodeNotInitialized, op, "%s", s.addr.Hex())
		}
		if s.state.entered {
			return domain.Errf(domain.CodeReentrantCall, op, "%s", s.addr.Hex())
		}
		s.state.entered = true
		defer func() { s.state.entered = false }()
		return fn(ctx)
	})
	if err != nil {
		log.Debugf("[Strategy] %s 被拒绝: instance=%s err=%v", op, s.addr.Hex(), err)
	}
	return err
}

func (s *Instance) authorizeOwner(op string, caller common.Address) (domain.Authorization, error) {
	if caller != s.state.owner {
		return domain.Authorization{}, domain.Errf(domain.CodeNotOwner, op, "caller %s", caller.Hex())
	}
	return domain.Authorization{Caller: caller, AsOwner: true}, nil
}

func (s *Instance) authorizeOwnerOrOperator(ctx context.Context, op string, caller common.Address) (domain.Authorization, error) {
	if caller == s.state.owner {
		return domain.Authorization{Caller: caller, AsOwner: true}, nil
	}
	return s.deps.Guard.Authorize(ctx, caller, domain.RoleOperator)
}

func (s *Instance) logic() Logic {
	l, ok := s.deps.Catalog.Lookup(s.state.impl)
	if !ok {
		return DefaultLogic("unbound")
	}
	return l
}

func (s *Instance) Address() common.Address { return s.addr }

// Registry 绑定的控制注册中心
func (s *Instance) Registry(context.Context) common.Address { return s.deps.Registry.Address() }

func (s *Instance) Owner(ctx context.Context) common.Address {
	out, _ := chain.Read(ctx, s.rt, func(context.Context) (common.Address, error) { return s.state.owner, nil })
	return out
}

func (s *Instance) Implementation(ctx context.Context) common.Address {
	out, _ := chain.Read(ctx, s.rt, func(context.Context) (common.Address, error) { return s.state.impl, nil })
	return out
}

func (s *Instance) BaseAsset(ctx context.Context) common.Address {
	out, _ := chain.Read(ctx, s.rt, func(context.Context) (common.Address, error) { return s.state.baseAsset, nil })
	return out
}

func (s *Instance) Split(ctx context.Context) domain.Split {
	out, _ := chain.Read(ctx, s.rt, func(context.Context) (domain.Split, error) { return s.state.split, nil })
	return out
}

func (s *Instance) SlippageBps(ctx context.Context) uint32 {
	out, _ := chain.Read(ctx, s.rt, func(context.Context) (uint32, error) { return s.state.slippageBps, nil })
	return out
}

// Logic 当前实现的规则
func (s *Instance) Logic(ctx context.Context) Logic {
	out, _ := chain.Read(ctx, s.rt, func(context.Context) (Logic, error) { return s.logic(), nil })
	return out
}

func (s *Instance) RewardTokens(ctx context.Context) []common.Address {
	out, _ := chain.Read(ctx, s.rt, func(context.Context) ([]common.Address, error) {
		return append([]common.Address(nil), s.state.rewards...), nil
	})
	return out
}

func (s *Instance) isReward(token common.Address) bool {
	for _, t := range s.state.rewards {
		if t == token {
			return true
		}
	}
	return false
}

// Balances 闲置与两个场所的可赎回价值
func (s *Instance) Balances(ctx context.Context) (Balances, error) {
	return chain.Read(ctx, s.rt, func(ctx context.Context) (Balances, error) {
		return s.balances(ctx)
	})
}

// TotalBalance 闲置 + 两个场所可赎回价值
func (s *Instance) TotalBalance(ctx context.Context) (*big.Int, error) {
	b, err := s.Balances(ctx)
	if err != nil {
		return nil, err
	}
	return b.Total, nil
}

// Mode 由余额推导的状态
func (s *Instance) Mode(ctx context.Context) (Mode, error) {
	return chain.Read(ctx, s.rt, func(ctx context.Context) (Mode, error) {
		if s.state.draining {
			return ModeDraining, nil
		}
		b, err := s.balances(ctx)
		if err != nil {
			return "", err
		}
		if b.Total.Sign() == 0 {
			return ModeEmpty, nil
		}
		return ModePositioned, nil
	})
}

func (s *Instance) balances(ctx context.Context) (Balances, error) {
	if !s.state.initialized {
		return Balances{Idle: new(big.Int), A: new(big.Int), B: new(big.Int), Total: new(big.Int)}, nil
	}
	idle, err := s.idle(ctx)
	if err != nil {
		return Balances{}, err
	}
	a, err := s.state.venueA.CurrentValue(ctx, s.addr)
	if err != nil {
		return Balances{}, domain.Wrap(domain.CodeVenueFailure, "strategy.balances", err, "venue A value")
	}
	b, err := s.state.venueB.CurrentValue(ctx, s.addr)
	if err != nil {
		return Balances{}, domain.Wrap(domain.CodeVenueFailure, "strategy.balances", err, "venue B value")
	}
	total := new(big.Int).Add(idle, a)
	total.Add(total, b)
	return Balances{Idle: idle, A: a, B: b, Total: total}, nil
}

func (s *Instance) idle(ctx context.Context) (*big.Int, error) {
	return s.deps.Ledger.BalanceOf(ctx, s.state.baseAsset, s.addr)
}
