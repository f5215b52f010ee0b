package strategy

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/betbot/splitvault/internal/chain"
	"github.com/betbot/splitvault/internal/domain"
	"github.com/betbot/splitvault/internal/events"
)

// TransferOwnership 变更所有者；已登记时回调注册中心同步所有者索引。仅所有者
func (s *Instance) TransferOwnership(ctx context.Context, caller, newOwner common.Address) error {
	const op = "strategy.transferOwnership"
	return s.mutate(ctx, op, func(ctx context.Context) error {
		if _, err := s.authorizeOwner(op, caller); err != nil {
			return err
		}
		if newOwner == (common.Address{}) {
			return domain.Errf(domain.CodeZeroAddress, op, "new owner")
		}
		prev := s.state.owner
		if prev == newOwner {
			return nil
		}
		s.state.owner = newOwner
		chain.Emit(ctx, events.StrategyOwnerChangedEvent{Instance: s.addr, PreviousOwner: prev, NewOwner: newOwner, Source: "instance"})
		if s.deps.Registry.IsRegistered(ctx, s.addr) {
			if err := s.deps.Registry.TransferStrategyOwner(ctx, s.addr, newOwner); err != nil {
				return err
			}
		}
		log.Infof("[Strategy] 所有者变更: instance=%s %s -> %s", s.addr.Hex(), prev.Hex(), newOwner.Hex())
		return nil
	})
}

// RecoverForeignAsset 转出误转入的无关代币；基础资产与奖励代币受保护。仅所有者
func (s *Instance) RecoverForeignAsset(ctx context.Context, caller, token, to common.Address, amount *big.Int) error {
	const op = "strategy.recoverForeignAsset"
	return s.mutate(ctx, op, func(ctx context.Context) error {
		if _, err := s.authorizeOwner(op, caller); err != nil {
			return err
		}
		if token == s.state.baseAsset || s.isReward(token) ||
			token == s.state.venueA.Address() || token == s.state.venueB.Address() {
			return domain.Errf(domain.CodeProtectedAsset, op, "%s", token.Hex())
		}
		if to == (common.Address{}) {
			return domain.Errf(domain.CodeZeroAddress, op, "recipient")
		}
		if domain.IsZeroOrNil(amount) || amount.Sign() < 0 {
			return domain.Errf(domain.CodeZeroAmount, op, "amount %v", amount)
		}
		if err := s.deps.Ledger.Transfer(ctx, token, s.addr, to, amount); err != nil {
			return err
		}
		chain.Emit(ctx, events.ForeignAssetRecoveredEvent{Instance: s.addr, Token: token, To: to, Amount: new(big.Int).Set(amount)})
		log.Infof("[Strategy] 转出无关资产: instance=%s token=%s to=%s amount=%s", s.addr.Hex(), token.Hex(), to.Hex(), amount)
		return nil
	})
}

// UpgradeTo 切换实现句柄，保留全部状态；仅绑定的注册中心可调用
func (s *Instance) UpgradeTo(ctx context.Context, caller, implementation common.Address) error {
	const op = "strategy.upgradeTo"
	return s.rt.Execute(ctx, op, func(ctx context.Context) error {
		if caller != s.deps.Registry.Address() {
			return domain.Errf(domain.CodeOnlyRegistry, op, "caller %s", caller.Hex())
		}
		if !s.state.initialized {
			return domain.Errf(domain.CodeNotInitialized, op, "%s", s.addr.Hex())
		}
		if _, ok := s.deps.Catalog.Lookup(implementation); !ok {
			return domain.Errf(domain.CodeNoImplementationCode, op, "%s", implementation.Hex())
		}
		prev := s.state.impl
		s.state.impl = implementation
		log.Infof("[Strategy] 实现已切换: instance=%s %s -> %s", s.addr.Hex(), prev.Hex(), implementation.Hex())
		return nil
	})
}
