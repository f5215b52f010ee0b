package strategy

import (
	"context"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/betbot/splitvault/internal/chain"
	"github.com/betbot/splitvault/internal/domain"
	"github.com/betbot/splitvault/internal/events"
	"github.com/betbot/splitvault/internal/settlement"
)

// HarvestReport 一次收割的结果
type HarvestReport struct {
	Folded     *big.Int
	Authorized []common.Hash
	Skipped    []common.Address // 有余额但没有对应订单的奖励代币
}

// HarvestRewards 把闲置基础资产并入当前比例，并为每个有余额的奖励代币授权一笔预签名订单。
// 实例不直接兑换：订单必须通过价格闸门与有效期窗口，成交后买入的基础资产进入闲置，由下一次收割并入。
// 所有者或 Operator 可调用。
func (s *Instance) HarvestRewards(ctx context.Context, caller common.Address, orders []settlement.Order) (HarvestReport, error) {
	const op = "strategy.harvestRewards"
	var report HarvestReport
	err := s.mutate(ctx, op, func(ctx context.Context) error {
		report = HarvestReport{Folded: new(big.Int)}
		if _, err := s.authorizeOwnerOrOperator(ctx, op, caller); err != nil {
			return err
		}
		now := s.rt.Now(ctx)
		if err := s.prune(ctx, op, now); err != nil {
			return err
		}

		byToken := make(map[common.Address]settlement.Order, len(orders))
		for _, o := range orders {
			if !s.isReward(o.SellToken) {
				return domain.Errf(domain.CodeInvalidOrder, op, "sell token %s is not a reward token", o.SellToken.Hex())
			}
			if _, dup := byToken[o.SellToken]; dup {
				return domain.Errf(domain.CodeInvalidOrder, op, "more than one order for %s", o.SellToken.Hex())
			}
			byToken[o.SellToken] = o
		}

		idle, err := s.idle(ctx)
		if err != nil {
			return err
		}
		if idle.Sign() > 0 && idle.Cmp(s.logic().foldThreshold()) > 0 {
			toA, toB, err := s.reposition(ctx, op, s.state.split)
			if err != nil {
				return err
			}
			report.Folded = idle
			chain.Emit(ctx, events.RebalancedEvent{Instance: s.addr, Old: s.state.split, New: s.state.split, ToA: toA, ToB: toB, Reason: "harvest"})
		}

		for _, token := range s.state.rewards {
			bal, err := s.deps.Ledger.BalanceOf(ctx, token, s.addr)
			if err != nil {
				return err
			}
			o, ok := byToken[token]
			if bal.Sign() == 0 {
				if ok {
					return domain.Errf(domain.CodeInvalidOrder, op, "no %s balance to sell", token.Hex())
				}
				continue
			}
			if !ok {
				report.Skipped = append(report.Skipped, token)
				continue
			}
			hash, err := s.authorizeOrder(ctx, op, now, o, bal)
			if err != nil {
				return err
			}
			report.Authorized = append(report.Authorized, hash)
		}

		chain.Emit(ctx, events.HarvestedEvent{
			Instance: s.addr, Folded: new(big.Int).Set(report.Folded),
			Authorized: len(report.Authorized), Skipped: len(report.Skipped),
		})
		log.Infof("[Strategy] 收割完成: instance=%s folded=%s authorized=%d skipped=%d",
			s.addr.Hex(), report.Folded, len(report.Authorized), len(report.Skipped))
		return nil
	})
	if err != nil {
		return HarvestReport{}, err
	}
	return report, nil
}

// authorizeOrder 校验订单并记录为待结算，按卖出数量追加结算方额度
func (s *Instance) authorizeOrder(ctx context.Context, op string, now time.Time, o settlement.Order, balance *big.Int) (common.Hash, error) {
	if o.BuyToken != s.state.baseAsset {
		return common.Hash{}, domain.Errf(domain.CodeInvalidOrder, op, "buy token %s is not the base asset", o.BuyToken.Hex())
	}
	if o.Receiver != s.addr {
		return common.Hash{}, domain.Errf(domain.CodeInvalidOrder, op, "receiver %s is not the instance", o.Receiver.Hex())
	}
	if domain.IsZeroOrNil(o.SellAmount) || o.SellAmount.Sign() < 0 {
		return common.Hash{}, domain.Errf(domain.CodeInvalidOrder, op, "sell amount %v", o.SellAmount)
	}
	if o.BuyAmount == nil || o.BuyAmount.Sign() <= 0 {
		return common.Hash{}, domain.Errf(domain.CodeInvalidOrder, op, "buy amount %v", o.BuyAmount)
	}
	if o.FeeAmount != nil && o.FeeAmount.Sign() != 0 {
		return common.Hash{}, domain.Errf(domain.CodeInvalidOrder, op, "fee amount must be zero")
	}
	committed := s.committed(o.SellToken)
	if free := new(big.Int).Sub(balance, committed); o.SellAmount.Cmp(free) > 0 {
		return common.Hash{}, domain.Errf(domain.CodeInvalidOrder, op, "sell amount %s > free balance %s", o.SellAmount, free)
	}

	l := s.logic()
	remaining := time.Duration(int64(o.ValidTo)-now.Unix()) * time.Second
	if remaining < l.MinOrderValidity || remaining > l.MaxOrderValidity {
		return common.Hash{}, domain.Errf(domain.CodeInvalidOrder, op, "validity %s outside [%s, %s]",
			remaining, l.MinOrderValidity, l.MaxOrderValidity)
	}

	verdict, err := s.deps.Oracle.Evaluate(ctx, o.SellAmount, o.SellToken, s.state.baseAsset, o.BuyAmount, s.state.slippageBps)
	if err != nil {
		return common.Hash{}, err
	}
	if !verdict.Accepted {
		return common.Hash{}, domain.Errf(domain.CodeInvalidOrder, op, "min out %s below floor %s (quote %s)",
			o.BuyAmount, verdict.Floor, verdict.Quote)
	}

	hash, err := s.deps.Settlement.Hash(o)
	if err != nil {
		return common.Hash{}, domain.Wrap(domain.CodeInvalidOrder, op, err, "hash")
	}
	if _, exists := s.state.pending[hash]; exists {
		return common.Hash{}, domain.Errf(domain.CodeInvalidOrder, op, "order %s already authorized", hash.Hex())
	}
	if err := s.adjustAllowance(ctx, o.SellToken, o.SellAmount); err != nil {
		return common.Hash{}, err
	}
	s.state.pending[hash] = PendingOrder{
		Hash: hash, Order: o, Quote: verdict.Quote, Floor: verdict.Floor, AuthorizedAt: now,
	}
	chain.Emit(ctx, events.OrderAuthorizedEvent{
		Instance: s.addr, OrderHash: hash, SellToken: o.SellToken, SellAmount: new(big.Int).Set(o.SellAmount),
		MinOut: new(big.Int).Set(o.BuyAmount), Quote: verdict.Quote, ValidTo: o.ValidTo,
	})
	log.Infof("[Strategy] 订单已授权: instance=%s hash=%s sell=%s %s minOut=%s %s",
		s.addr.Hex(), hash.Hex(), o.SellAmount, o.SellToken.Hex(), o.BuyAmount, verdict)
	return hash, nil
}

// committed token 上仍待结算订单的卖出总量
func (s *Instance) committed(token common.Address) *big.Int {
	sum := new(big.Int)
	for _, p := range s.state.pending {
		if p.Order.SellToken == token {
			sum.Add(sum, p.Order.SellAmount)
		}
	}
	return sum
}

// adjustAllowance 结算方额度增减 delta，不低于 0
func (s *Instance) adjustAllowance(ctx context.Context, token common.Address, delta *big.Int) error {
	spender := s.deps.Settlement.Contract
	cur, err := s.deps.Ledger.Allowance(ctx, token, s.addr, spender)
	if err != nil {
		return err
	}
	next := new(big.Int).Add(cur, delta)
	if next.Sign() < 0 {
		next.SetInt64(0)
	}
	return s.deps.Ledger.Approve(ctx, token, s.addr, spender, next)
}

// filled 结算方是否已成交该订单
func (s *Instance) filled(ctx context.Context, hash common.Hash) bool {
	if s.deps.Fills == nil {
		return false
	}
	_, ok := s.deps.Fills.FillOf(ctx, hash)
	return ok
}

// revoke 删除待结算订单。已成交订单的额度已被结算方消耗，只删除记录并以 settled 通知；
// 其余订单收回卖出数量的额度。
func (s *Instance) revoke(ctx context.Context, p PendingOrder, reason string) error {
	delete(s.state.pending, p.Hash)
	if s.filled(ctx, p.Hash) {
		chain.Emit(ctx, events.OrderRevokedEvent{Instance: s.addr, OrderHash: p.Hash, Reason: "settled"})
		return nil
	}
	if err := s.adjustAllowance(ctx, p.Order.SellToken, new(big.Int).Neg(p.Order.SellAmount)); err != nil {
		return err
	}
	chain.Emit(ctx, events.OrderRevokedEvent{Instance: s.addr, OrderHash: p.Hash, Reason: reason})
	return nil
}

// prune 清理已成交与已过期的订单
func (s *Instance) prune(ctx context.Context, op string, now time.Time) error {
	for _, p := range s.sortedPending() {
		if !p.Expired(now) && !s.filled(ctx, p.Hash) {
			continue
		}
		if err := s.revoke(ctx, p, "expired"); err != nil {
			return err
		}
		log.Debugf("[Strategy] %s 清理订单: instance=%s hash=%s", op, s.addr.Hex(), p.Hash.Hex())
	}
	return nil
}

func (s *Instance) sortedPending() []PendingOrder {
	out := make([]PendingOrder, 0, len(s.state.pending))
	for _, p := range s.state.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AuthorizedAt.Equal(out[j].AuthorizedAt) {
			return out[i].AuthorizedAt.Before(out[j].AuthorizedAt)
		}
		return out[i].Hash.Hex() < out[j].Hash.Hex()
	})
	return out
}

// CancelOrder 撤销待结算订单并收回额度；所有者或 Operator
func (s *Instance) CancelOrder(ctx context.Context, caller common.Address, hash common.Hash) error {
	const op = "strategy.cancelOrder"
	return s.mutate(ctx, op, func(ctx context.Context) error {
		if _, err := s.authorizeOwnerOrOperator(ctx, op, caller); err != nil {
			return err
		}
		p, ok := s.state.pending[hash]
		if !ok {
			return domain.Errf(domain.CodeUnknownOrder, op, "%s", hash.Hex())
		}
		if err := s.revoke(ctx, p, "cancelled"); err != nil {
			return err
		}
		log.Infof("[Strategy] 订单已撤销: instance=%s hash=%s", s.addr.Hex(), hash.Hex())
		return nil
	})
}

// PendingOrders 待结算订单（含已成交或已过期但尚未清理的）
func (s *Instance) PendingOrders(ctx context.Context) []PendingOrder {
	out, _ := chain.Read(ctx, s.rt, func(context.Context) ([]PendingOrder, error) {
		return s.sortedPending(), nil
	})
	return out
}

// IsValidSignature 结算方回调：hash 必须是本实例授权且未过期的订单，且 payload 解出的订单与记录一致
func (s *Instance) IsValidSignature(ctx context.Context, hash common.Hash, payload []byte) ([4]byte, error) {
	const op = "strategy.isValidSignature"
	return chain.Read(ctx, s.rt, func(ctx context.Context) ([4]byte, error) {
		p, ok := s.state.pending[hash]
		if !ok {
			return [4]byte{}, domain.Errf(domain.CodeUnknownOrder, op, "%s", hash.Hex())
		}
		if p.Expired(s.rt.Now(ctx)) {
			return [4]byte{}, domain.Errf(domain.CodeInvalidOrder, op, "order %s expired", hash.Hex())
		}
		o, err := settlement.DecodePayload(payload)
		if err != nil {
			return [4]byte{}, domain.Wrap(domain.CodeInvalidOrder, op, err, "payload")
		}
		if !o.Equal(p.Order) {
			return [4]byte{}, domain.Errf(domain.CodeInvalidOrder, op, "payload does not match order %s", hash.Hex())
		}
		return settlement.MagicValue, nil
	})
}

// SetRewardToken 增删奖励代币；基础资产不能加入。仅 Operator
func (s *Instance) SetRewardToken(ctx context.Context, caller, token common.Address, add bool) error {
	const op = "strategy.setRewardToken"
	return s.mutate(ctx, op, func(ctx context.Context) error {
		if _, err := s.deps.Guard.Authorize(ctx, caller, domain.RoleOperator); err != nil {
			return err
		}
		if add {
			if s.isReward(token) {
				return nil
			}
			if err := s.addReward(op, token); err != nil {
				return err
			}
		} else {
			if !s.isReward(token) {
				return nil
			}
			kept := make([]common.Address, 0, len(s.state.rewards))
			for _, t := range s.state.rewards {
				if t != token {
					kept = append(kept, t)
				}
			}
			s.state.rewards = kept
			for _, p := range s.sortedPending() {
				if p.Order.SellToken == token {
					if err := s.revoke(ctx, p, "reward token removed"); err != nil {
						return err
					}
				}
			}
		}
		chain.Emit(ctx, events.RewardTokenUpdatedEvent{Instance: s.addr, Token: token, Added: add})
		log.Infof("[Strategy] 奖励代币变更: instance=%s token=%s added=%v", s.addr.Hex(), token.Hex(), add)
		return nil
	})
}

func (s *Instance) addReward(op string, token common.Address) error {
	if token == (common.Address{}) {
		return domain.Errf(domain.CodeZeroAddress, op, "reward token")
	}
	if token == s.state.baseAsset {
		return domain.Errf(domain.CodeCannotAddBaseAsset, op, "%s", token.Hex())
	}
	if !s.isReward(token) {
		s.state.rewards = append(s.state.rewards, token)
	}
	return nil
}

// SetSlippage 设置收割订单的滑点容忍度（基点）；仅 Operator
func (s *Instance) SetSlippage(ctx context.Context, caller common.Address, bps uint32) error {
	const op = "strategy.setSlippage"
	return s.mutate(ctx, op, func(ctx context.Context) error {
		if _, err := s.deps.Guard.Authorize(ctx, caller, domain.RoleOperator); err != nil {
			return err
		}
		if bps > domain.BpsDenominator {
			return domain.Errf(domain.CodeInvalidSlippage, op, "%d bps", bps)
		}
		old := s.state.slippageBps
		s.state.slippageBps = bps
		chain.Emit(ctx, events.SlippageUpdatedEvent{Instance: s.addr, Old: old, New: bps})
		log.Infof("[Strategy] 滑点变更: instance=%s %d -> %d bps", s.addr.Hex(), old, bps)
		return nil
	})
}
