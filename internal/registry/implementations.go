package registry

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/betbot/splitvault/internal/chain"
	"github.com/betbot/splitvault/internal/domain"
	"github.com/betbot/splitvault/internal/events"
)

// WhitelistImplementation 把实现版本加入白名单，并设为所属类型的 latest。
// explicitType 为 0 时分配新类型；否则该类型必须已存在（或恰为下一个未用类型号），且 handle 不能已属于其他类型。
func (r *Registry) WhitelistImplementation(ctx context.Context, caller, handle common.Address, explicitType domain.TypeID) (domain.TypeID, error) {
	const op = "registry.whitelistImplementation"
	var assigned domain.TypeID
	err := r.rt.Execute(ctx, op, func(ctx context.Context) error {
		if err := r.guard.RequireNotPaused(ctx, op); err != nil {
			return err
		}
		if _, err := r.guard.Authorize(ctx, caller, domain.RoleOperator); err != nil {
			return err
		}
		if handle == (common.Address{}) {
			return domain.Errf(domain.CodeZeroAddress, op, "implementation")
		}

		info, known := r.state.impls[handle]
		newType := false
		switch {
		case explicitType == 0 && known:
			// 已分配类型的 handle 重新加入白名单，沿用原类型
			assigned = info.typeID
		case explicitType == 0:
			assigned = r.state.nextType
			r.state.nextType++
			newType = true
		default:
			if known && info.typeID != explicitType {
				return domain.Errf(domain.CodeTypeMismatch, op, "%s already has type %d, not %d",
					handle.Hex(), info.typeID, explicitType)
			}
			switch {
			case explicitType == r.state.nextType:
				// 显式指定下一个未用类型号等同于新建类型
				r.state.nextType++
				newType = true
			case explicitType > r.state.nextType:
				return domain.Errf(domain.CodeTypeMismatch, op, "type %d does not exist", explicitType)
			}
			assigned = explicitType
		}

		r.state.seq++
		r.state.impls[handle] = implInfo{typeID: assigned, whitelisted: true, seq: r.state.seq}
		r.state.latest[assigned] = handle
		chain.Emit(ctx, events.ImplementationWhitelistedEvent{Implementation: handle, Type: assigned, NewType: newType})
		log.Infof("[Registry] 实现加入白名单: impl=%s type=%d newType=%v", handle.Hex(), assigned, newType)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return assigned, nil
}

// DelistImplementation 撤销白名单（类型归属保留）；若其为 latest，则回退到该类型最近一个仍在白名单的版本
func (r *Registry) DelistImplementation(ctx context.Context, caller, handle common.Address) error {
	const op = "registry.delistImplementation"
	return r.rt.Execute(ctx, op, func(ctx context.Context) error {
		if err := r.guard.RequireNotPaused(ctx, op); err != nil {
			return err
		}
		if _, err := r.guard.Authorize(ctx, caller, domain.RoleOperator); err != nil {
			return err
		}
		info, ok := r.state.impls[handle]
		if !ok || !info.whitelisted {
			return domain.Errf(domain.CodeNotWhitelisted, op, "%s", handle.Hex())
		}
		info.whitelisted = false
		r.state.impls[handle] = info

		if r.state.latest[info.typeID] == handle {
			var best common.Address
			var bestSeq uint64
			for h, other := range r.state.impls {
				if other.typeID == info.typeID && other.whitelisted && other.seq > bestSeq {
					best, bestSeq = h, other.seq
				}
			}
			if bestSeq == 0 {
				delete(r.state.latest, info.typeID)
			} else {
				r.state.latest[info.typeID] = best
			}
		}
		latest := r.state.latest[info.typeID]
		chain.Emit(ctx, events.ImplementationDelistedEvent{Implementation: handle, Type: info.typeID, Latest: latest})
		log.Warnf("[Registry] 实现移出白名单: impl=%s type=%d latest=%s", handle.Hex(), info.typeID, latest.Hex())
		return nil
	})
}

// TypeOf handle 的兼容类型；未分配返回 0
func (r *Registry) TypeOf(ctx context.Context, handle common.Address) domain.TypeID {
	t, _ := chain.Read(ctx, r.rt, func(context.Context) (domain.TypeID, error) {
		return r.state.impls[handle].typeID, nil
	})
	return t
}

// IsWhitelisted handle 是否在白名单
func (r *Registry) IsWhitelisted(ctx context.Context, handle common.Address) bool {
	ok, _ := chain.Read(ctx, r.rt, func(context.Context) (bool, error) {
		return r.state.impls[handle].whitelisted, nil
	})
	return ok
}

// LatestImplementation 类型的最新版本；不存在返回零地址
func (r *Registry) LatestImplementation(ctx context.Context, typeID domain.TypeID) common.Address {
	h, _ := chain.Read(ctx, r.rt, func(context.Context) (common.Address, error) {
		return r.state.latest[typeID], nil
	})
	return h
}

// Versions 类型下全部仍在白名单的版本，按加入顺序
func (r *Registry) Versions(ctx context.Context, typeID domain.TypeID) []common.Address {
	out, _ := chain.Read(ctx, r.rt, func(context.Context) ([]common.Address, error) {
		type kv struct {
			h   common.Address
			seq uint64
		}
		var list []kv
		for h, info := range r.state.impls {
			if info.typeID == typeID && info.whitelisted {
				list = append(list, kv{h, info.seq})
			}
		}
		sortBy(list, func(a, b kv) bool { return a.seq < b.seq })
		hs := make([]common.Address, 0, len(list))
		for _, e := range list {
			hs = append(hs, e.h)
		}
		return hs, nil
	})
	return out
}
