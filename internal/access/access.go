package access

import (
	"context"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/betbot/splitvault/internal/chain"
	"github.com/betbot/splitvault/internal/domain"
	"github.com/betbot/splitvault/internal/events"
)

var log = logrus.WithField("component", "access")

type state struct {
	members map[domain.Role]map[common.Address]struct{}
	paused  bool
}

func (s *state) clone() *state {
	out := &state{members: make(map[domain.Role]map[common.Address]struct{}, len(s.members)), paused: s.paused}
	for r, m := range s.members {
		cp := make(map[common.Address]struct{}, len(m))
		for a := range m {
			cp[a] = struct{}{}
		}
		out.members[r] = cp
	}
	return out
}

// Registry 角色权限与暂停开关。至少保留一个 Admin。
type Registry struct {
	rt    *chain.Runtime
	state *state
}

// New 创建权限注册表，admin 为初始管理员
func New(rt *chain.Runtime, admin common.Address) (*Registry, error) {
	if admin == (common.Address{}) {
		return nil, domain.Errf(domain.CodeZeroAddress, "access.new", "initial admin")
	}
	r := &Registry{
		rt: rt,
		state: &state{members: map[domain.Role]map[common.Address]struct{}{
			domain.RoleAdmin: {admin: {}},
		}},
	}
	rt.Register(r)
	return r, nil
}

// Checkpoint 实现 chain.Journaled
func (r *Registry) Checkpoint() func() {
	snap := r.state.clone()
	return func() { r.state = snap }
}

func (r *Registry) has(role domain.Role, account common.Address) bool {
	_, ok := r.state.members[role][account]
	return ok
}

// Authorize 守卫：caller 须持有 roles 之一，返回命中的角色
func (r *Registry) Authorize(ctx context.Context, caller common.Address, roles ...domain.Role) (domain.Authorization, error) {
	return chain.Read(ctx, r.rt, func(context.Context) (domain.Authorization, error) {
		for _, role := range roles {
			if r.has(role, caller) {
				return domain.Authorization{Caller: caller, Role: role}, nil
			}
		}
		return domain.Authorization{}, domain.Errf(domain.CodeUnauthorized, "access.authorize",
			"%s lacks %v", caller.Hex(), roles)
	})
}

// RequireNotPaused 守卫：暂停期间拒绝写入口
func (r *Registry) RequireNotPaused(ctx context.Context, op string) error {
	_, err := chain.Read(ctx, r.rt, func(context.Context) (struct{}, error) {
		if r.state.paused {
			return struct{}{}, domain.Errf(domain.CodePaused, op, "system paused")
		}
		return struct{}{}, nil
	})
	return err
}

// HasRole 是否持有角色
func (r *Registry) HasRole(ctx context.Context, role domain.Role, account common.Address) bool {
	ok, _ := chain.Read(ctx, r.rt, func(context.Context) (bool, error) {
		return r.has(role, account), nil
	})
	return ok
}

// Members 角色成员（地址升序）
func (r *Registry) Members(ctx context.Context, role domain.Role) []common.Address {
	out, _ := chain.Read(ctx, r.rt, func(context.Context) ([]common.Address, error) {
		m := r.state.members[role]
		list := make([]common.Address, 0, len(m))
		for a := range m {
			list = append(list, a)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Cmp(list[j]) < 0 })
		return list, nil
	})
	return out
}

// Paused 当前是否暂停
func (r *Registry) Paused(ctx context.Context) bool {
	p, _ := chain.Read(ctx, r.rt, func(context.Context) (bool, error) {
		return r.state.paused, nil
	})
	return p
}

// GrantRole 授予角色，仅 Admin；已持有时不产生事件
func (r *Registry) GrantRole(ctx context.Context, caller common.Address, role domain.Role, account common.Address) error {
	const op = "access.grantRole"
	return r.rt.Execute(ctx, op, func(ctx context.Context) error {
		if _, err := r.Authorize(ctx, caller, domain.RoleAdmin); err != nil {
			return err
		}
		if !role.Valid() {
			return domain.Errf(domain.CodeInvalidRole, op, "unknown role %d", role)
		}
		if account == (common.Address{}) {
			return domain.Errf(domain.CodeZeroAddress, op, "account")
		}
		if r.has(role, account) {
			return nil
		}
		m, ok := r.state.members[role]
		if !ok {
			m = make(map[common.Address]struct{})
			r.state.members[role] = m
		}
		m[account] = struct{}{}
		chain.Emit(ctx, events.RoleChangedEvent{Role: role, Account: account, Sender: caller, Granted: true})
		log.Infof("[Access] 授予角色: role=%s account=%s by=%s", role, account.Hex(), caller.Hex())
		return nil
	})
}

// RevokeRole 撤销角色，仅 Admin；撤销最后一个 Admin 失败
func (r *Registry) RevokeRole(ctx context.Context, caller common.Address, role domain.Role, account common.Address) error {
	const op = "access.revokeRole"
	return r.rt.Execute(ctx, op, func(ctx context.Context) error {
		if _, err := r.Authorize(ctx, caller, domain.RoleAdmin); err != nil {
			return err
		}
		return r.remove(ctx, op, caller, role, account)
	})
}

// RenounceRole 主动放弃自己的角色；同样受最后一个 Admin 规则约束
func (r *Registry) RenounceRole(ctx context.Context, caller common.Address, role domain.Role) error {
	const op = "access.renounceRole"
	return r.rt.Execute(ctx, op, func(ctx context.Context) error {
		if !r.has(role, caller) {
			return domain.Errf(domain.CodeUnauthorized, op, "%s does not hold %s", caller.Hex(), role)
		}
		return r.remove(ctx, op, caller, role, caller)
	})
}

func (r *Registry) remove(ctx context.Context, op string, caller common.Address, role domain.Role, account common.Address) error {
	if !r.has(role, account) {
		return nil
	}
	if role == domain.RoleAdmin && len(r.state.members[domain.RoleAdmin]) == 1 {
		return domain.Errf(domain.CodeCannotRemoveLastAdmin, op, "%s is the only admin", account.Hex())
	}
	delete(r.state.members[role], account)
	chain.Emit(ctx, events.RoleChangedEvent{Role: role, Account: account, Sender: caller, Granted: false})
	log.Infof("[Access] 撤销角色: role=%s account=%s by=%s", role, account.Hex(), caller.Hex())
	return nil
}

// Pause 暂停，仅 Guardian；重复暂停失败
func (r *Registry) Pause(ctx context.Context, caller common.Address) error {
	return r.setPaused(ctx, "access.pause", caller, true)
}

// Unpause 恢复，仅 Guardian；未暂停时失败
func (r *Registry) Unpause(ctx context.Context, caller common.Address) error {
	return r.setPaused(ctx, "access.unpause", caller, false)
}

func (r *Registry) setPaused(ctx context.Context, op string, caller common.Address, paused bool) error {
	return r.rt.Execute(ctx, op, func(ctx context.Context) error {
		if _, err := r.Authorize(ctx, caller, domain.RoleGuardian); err != nil {
			return err
		}
		if r.state.paused == paused {
			return domain.Errf(domain.CodeInvalidPauseState, op, "paused already %v", paused)
		}
		r.state.paused = paused
		chain.Emit(ctx, events.PauseStateChangedEvent{Paused: paused, Sender: caller})
		log.Warnf("[Access] 暂停状态变化: paused=%v by=%s", paused, caller.Hex())
		return nil
	})
}
