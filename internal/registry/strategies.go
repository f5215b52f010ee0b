package registry

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/betbot/splitvault/internal/chain"
	"github.com/betbot/splitvault/internal/domain"
	"github.com/betbot/splitvault/internal/events"
)

// RegisterStrategy 登记 account 拥有的策略实例，记录其当前实现的类型
func (r *Registry) RegisterStrategy(ctx context.Context, caller, account common.Address, inst Strategy) error {
	const op = "registry.registerStrategy"
	return r.rt.Execute(ctx, op, func(ctx context.Context) error {
		if err := r.guard.RequireNotPaused(ctx, op); err != nil {
			return err
		}
		if _, err := r.guard.Authorize(ctx, caller, domain.RoleOperator); err != nil {
			return err
		}
		if inst == nil || inst.Address() == (common.Address{}) {
			return domain.Errf(domain.CodeZeroAddress, op, "instance")
		}
		if account == (common.Address{}) {
			return domain.Errf(domain.CodeZeroAddress, op, "account")
		}
		addr := inst.Address()
		if bound := inst.Registry(ctx); bound != r.addr {
			return domain.Errf(domain.CodeNotRegistryBound, op, "%s is bound to %s", addr.Hex(), bound.Hex())
		}
		if _, ok := r.state.strategies[addr]; ok {
			return domain.Errf(domain.CodeAlreadyRegistered, op, "%s", addr.Hex())
		}
		if owner := inst.Owner(ctx); owner != account {
			return domain.Errf(domain.CodeOwnerMismatch, op, "instance owner %s, account %s", owner.Hex(), account.Hex())
		}
		impl := inst.Implementation(ctx)
		info, ok := r.state.impls[impl]
		if !ok || !info.whitelisted {
			return domain.Errf(domain.CodeNotWhitelisted, op, "implementation %s", impl.Hex())
		}

		r.state.seq++
		r.state.strategies[addr] = record{strategy: inst, owner: account, typeID: info.typeID, seq: r.state.seq}
		r.index(account, addr)
		chain.Emit(ctx, events.StrategyRegisteredEvent{Instance: addr, Owner: account, Implementation: impl, Type: info.typeID})
		log.Infof("[Registry] 策略已登记: instance=%s owner=%s impl=%s type=%d", addr.Hex(), account.Hex(), impl.Hex(), info.typeID)
		return nil
	})
}

// UpgradeStrategy 把实例切换到同类型的另一个白名单版本。
// 所有权以实例自身记录为准，成功后刷新注册中心缓存。
func (r *Registry) UpgradeStrategy(ctx context.Context, caller, instance, newImpl common.Address) error {
	const op = "registry.upgradeStrategy"
	return r.rt.Execute(ctx, op, func(ctx context.Context) error {
		if err := r.guard.RequireNotPaused(ctx, op); err != nil {
			return err
		}
		rec, ok := r.state.strategies[instance]
		if !ok {
			return domain.Errf(domain.CodeNotRegistered, op, "%s", instance.Hex())
		}
		owner := rec.strategy.Owner(ctx)
		if caller != owner {
			return domain.Errf(domain.CodeNotOwner, op, "caller %s", caller.Hex())
		}
		info, known := r.state.impls[newImpl]
		if !known || !info.whitelisted {
			return domain.Errf(domain.CodeNotWhitelisted, op, "implementation %s", newImpl.Hex())
		}
		if info.typeID != rec.typeID {
			return domain.Errf(domain.CodeIncompatibleType, op, "instance type %d, implementation type %d", rec.typeID, info.typeID)
		}

		from := rec.strategy.Implementation(ctx)
		if err := rec.strategy.UpgradeTo(ctx, r.addr, newImpl); err != nil {
			return err
		}
		if rec.owner != owner {
			r.move(instance, rec.owner, owner)
			rec.owner = owner
		}
		r.state.strategies[instance] = rec
		chain.Emit(ctx, events.StrategyUpgradedEvent{Instance: instance, From: from, To: newImpl, Type: rec.typeID})
		log.Infof("[Registry] 策略已升级: instance=%s %s -> %s type=%d", instance.Hex(), from.Hex(), newImpl.Hex(), rec.typeID)
		return nil
	})
}

// TransferStrategyOwner 实例所有权变更回调，只能由实例自身调用
func (r *Registry) TransferStrategyOwner(ctx context.Context, caller, newOwner common.Address) error {
	const op = "registry.transferStrategyOwner"
	return r.rt.Execute(ctx, op, func(ctx context.Context) error {
		rec, ok := r.state.strategies[caller]
		if !ok {
			return domain.Errf(domain.CodeNotRegistered, op, "caller %s is not a registered instance", caller.Hex())
		}
		if newOwner == (common.Address{}) {
			return domain.Errf(domain.CodeZeroAddress, op, "owner")
		}
		prev := rec.owner
		if prev == newOwner {
			return nil
		}
		r.move(caller, prev, newOwner)
		rec.owner = newOwner
		r.state.strategies[caller] = rec
		chain.Emit(ctx, events.StrategyOwnerChangedEvent{Instance: caller, PreviousOwner: prev, NewOwner: newOwner, Source: "registry"})
		log.Infof("[Registry] 策略所有者已同步: instance=%s %s -> %s", caller.Hex(), prev.Hex(), newOwner.Hex())
		return nil
	})
}

func (r *Registry) index(account, instance common.Address) {
	set, ok := r.state.owned[account]
	if !ok {
		set = make(map[common.Address]struct{})
		r.state.owned[account] = set
	}
	set[instance] = struct{}{}
}

func (r *Registry) move(instance, from, to common.Address) {
	if set, ok := r.state.owned[from]; ok {
		delete(set, instance)
		if len(set) == 0 {
			delete(r.state.owned, from)
		}
	}
	r.index(to, instance)
}

// StrategiesOf account 拥有的实例，按登记顺序
func (r *Registry) StrategiesOf(ctx context.Context, account common.Address) []common.Address {
	out, _ := chain.Read(ctx, r.rt, func(context.Context) ([]common.Address, error) {
		set := r.state.owned[account]
		list := make([]common.Address, 0, len(set))
		for a := range set {
			list = append(list, a)
		}
		sortBy(list, func(a, b common.Address) bool {
			return r.state.strategies[a].seq < r.state.strategies[b].seq
		})
		return list, nil
	})
	return out
}

// Accounts 拥有至少一个实例的账户（地址升序）
func (r *Registry) Accounts(ctx context.Context) []common.Address {
	out, _ := chain.Read(ctx, r.rt, func(context.Context) ([]common.Address, error) {
		list := make([]common.Address, 0, len(r.state.owned))
		for a := range r.state.owned {
			list = append(list, a)
		}
		sortBy(list, func(a, b common.Address) bool { return a.Cmp(b) < 0 })
		return list, nil
	})
	return out
}

// OwnerOf 注册中心缓存的所有者；未登记返回零地址
func (r *Registry) OwnerOf(ctx context.Context, instance common.Address) common.Address {
	out, _ := chain.Read(ctx, r.rt, func(context.Context) (common.Address, error) {
		return r.state.strategies[instance].owner, nil
	})
	return out
}

// IsRegistered 实例是否已登记
func (r *Registry) IsRegistered(ctx context.Context, instance common.Address) bool {
	ok, _ := chain.Read(ctx, r.rt, func(context.Context) (bool, error) {
		_, ok := r.state.strategies[instance]
		return ok, nil
	})
	return ok
}

// StrategyType 实例登记时记录的类型，升级后不变
func (r *Registry) StrategyType(ctx context.Context, instance common.Address) domain.TypeID {
	t, _ := chain.Read(ctx, r.rt, func(context.Context) (domain.TypeID, error) {
		return r.state.strategies[instance].typeID, nil
	})
	return t
}
