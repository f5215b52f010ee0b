package registry

import (
	"context"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/betbot/splitvault/internal/access"
	"github.com/betbot/splitvault/internal/chain"
	"github.com/betbot/splitvault/internal/domain"
)

var log = logrus.WithField("component", "registry")

// Strategy 注册中心需要的实例能力
type Strategy interface {
	Address() common.Address
	// Registry 实例绑定的控制注册中心
	Registry(ctx context.Context) common.Address
	Implementation(ctx context.Context) common.Address
	Owner(ctx context.Context) common.Address
	// UpgradeTo 仅允许绑定的注册中心调用
	UpgradeTo(ctx context.Context, caller, implementation common.Address) error
}

type implInfo struct {
	typeID      domain.TypeID
	whitelisted bool
	seq         uint64 // 白名单顺序，用于回退 latest
}

type record struct {
	strategy Strategy
	owner    common.Address // 所有者缓存，以实例为准
	typeID   domain.TypeID
	seq      uint64
}

type state struct {
	nextType   domain.TypeID
	seq        uint64
	impls      map[common.Address]implInfo
	latest     map[domain.TypeID]common.Address
	strategies map[common.Address]record
	owned      map[common.Address]map[common.Address]struct{}
}

func (s *state) clone() *state {
	out := &state{
		nextType:   s.nextType,
		seq:        s.seq,
		impls:      make(map[common.Address]implInfo, len(s.impls)),
		latest:     make(map[domain.TypeID]common.Address, len(s.latest)),
		strategies: make(map[common.Address]record, len(s.strategies)),
		owned:      make(map[common.Address]map[common.Address]struct{}, len(s.owned)),
	}
	for k, v := range s.impls {
		out.impls[k] = v
	}
	for k, v := range s.latest {
		out.latest[k] = v
	}
	for k, v := range s.strategies {
		out.strategies[k] = v
	}
	for acct, set := range s.owned {
		cp := make(map[common.Address]struct{}, len(set))
		for i := range set {
			cp[i] = struct{}{}
		}
		out.owned[acct] = cp
	}
	return out
}

// Registry 策略注册中心：按兼容类型管理实现版本白名单，记录账户与实例的归属，并授权升级。
//
// 所有者索引是实例内部 owner 字段的缓存，依赖实例的 TransferStrategyOwner 回调保持同步，
// 最多滞后一次调用；鉴权一律以实例为准。
type Registry struct {
	addr  common.Address
	rt    *chain.Runtime
	guard access.Guard
	state *state
}

func New(rt *chain.Runtime, guard access.Guard, addr common.Address) *Registry {
	r := &Registry{
		addr:  addr,
		rt:    rt,
		guard: guard,
		state: &state{
			nextType:   1,
			impls:      make(map[common.Address]implInfo),
			latest:     make(map[domain.TypeID]common.Address),
			strategies: make(map[common.Address]record),
			owned:      make(map[common.Address]map[common.Address]struct{}),
		},
	}
	rt.Register(r)
	return r
}

// Checkpoint 实现 chain.Journaled
func (r *Registry) Checkpoint() func() {
	snap := r.state.clone()
	return func() { r.state = snap }
}

// Address 注册中心地址
func (r *Registry) Address() common.Address { return r.addr }

func sortBy[T any](list []T, less func(a, b T) bool) {
	sort.Slice(list, func(i, j int) bool { return less(list[i], list[j]) })
}
