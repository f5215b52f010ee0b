package strategy

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/betbot/splitvault/internal/chain"
	"github.com/betbot/splitvault/internal/domain"
	"github.com/betbot/splitvault/internal/events"
	"github.com/betbot/splitvault/internal/venue"
)

// Deposit 从所有者拉取 amount 基础资产（需事先 approve 给实例），并按当前比例分配全部闲置资产；仅所有者
func (s *Instance) Deposit(ctx context.Context, caller common.Address, amount *big.Int) error {
	const op = "strategy.deposit"
	return s.mutate(ctx, op, func(ctx context.Context) error {
		if _, err := s.authorizeOwner(op, caller); err != nil {
			return err
		}
		if domain.IsZeroOrNil(amount) || amount.Sign() < 0 {
			return domain.Errf(domain.CodeZeroAmount, op, "amount %v", amount)
		}
		before, err := s.idle(ctx)
		if err != nil {
			return err
		}
		if err := s.deps.Ledger.TransferFrom(ctx, s.state.baseAsset, s.addr, caller, s.addr, amount); err != nil {
			return err
		}
		after, err := s.idle(ctx)
		if err != nil {
			return err
		}
		if got := new(big.Int).Sub(after, before); got.Cmp(amount) != 0 {
			return domain.Errf(domain.CodeVenueFailure, op, "received %s, expected %s", got, amount)
		}

		toA, toB, err := s.allocate(ctx, op, after, s.state.split)
		if err != nil {
			return err
		}
		chain.Emit(ctx, events.DepositedEvent{Instance: s.addr, Owner: caller, Amount: new(big.Int).Set(amount), ToA: toA, ToB: toB})
		log.Infof("[Strategy] 存入: instance=%s owner=%s amount=%s toA=%s toB=%s", s.addr.Hex(), caller.Hex(), amount, toA, toB)
		return nil
	})
}

// Withdraw 按两个场所的当前价值占比（而非名义比例）赎回并转给所有者；取整余量留在闲置。仅所有者
func (s *Instance) Withdraw(ctx context.Context, caller common.Address, amount *big.Int) error {
	const op = "strategy.withdraw"
	return s.mutate(ctx, op, func(ctx context.Context) error {
		if _, err := s.authorizeOwner(op, caller); err != nil {
			return err
		}
		if domain.IsZeroOrNil(amount) || amount.Sign() < 0 {
			return domain.Errf(domain.CodeZeroAmount, op, "amount %v", amount)
		}
		bal, err := s.balances(ctx)
		if err != nil {
			return err
		}
		if amount.Cmp(bal.Total) > 0 {
			return domain.Errf(domain.CodeInsufficientBalance, op, "amount %s > total %s", amount, bal.Total)
		}

		fromIdle := domain.MinInt(bal.Idle, domain.MulDiv(amount, bal.Idle, bal.Total))
		remaining := new(big.Int).Sub(amount, fromIdle)
		invested := new(big.Int).Add(bal.A, bal.B)
		needA := domain.MulDiv(remaining, bal.A, invested)
		needB := new(big.Int).Sub(remaining, needA)

		s.state.draining = true
		gotA, err := s.redeemPart(ctx, op, s.state.venueA, needA, bal.A)
		if err != nil {
			return err
		}
		gotB, err := s.redeemPart(ctx, op, s.state.venueB, needB, bal.B)
		if err != nil {
			return err
		}
		s.state.draining = false

		idle, err := s.idle(ctx)
		if err != nil {
			return err
		}
		if idle.Cmp(amount) < 0 {
			return domain.Errf(domain.CodeVenueFailure, op, "freed %s, need %s", idle, amount)
		}
		if err := s.deps.Ledger.Transfer(ctx, s.state.baseAsset, s.addr, caller, amount); err != nil {
			return err
		}
		chain.Emit(ctx, events.WithdrawnEvent{Instance: s.addr, Owner: caller, Amount: new(big.Int).Set(amount), FromA: gotA, FromB: gotB})
		log.Infof("[Strategy] 取出: instance=%s owner=%s amount=%s fromA=%s fromB=%s", s.addr.Hex(), caller.Hex(), amount, gotA, gotB)
		return nil
	})
}

// Rebalance 全部赎回到闲置，再按新比例全部重新分配；仅 Operator
func (s *Instance) Rebalance(ctx context.Context, caller common.Address, split domain.Split) error {
	const op = "strategy.rebalance"
	return s.mutate(ctx, op, func(ctx context.Context) error {
		if _, err := s.deps.Guard.Authorize(ctx, caller, domain.RoleOperator); err != nil {
			return err
		}
		if err := split.Validate(); err != nil {
			return domain.Errf(domain.CodeInvalidSplit, op, "%d+%d != %d", split.A, split.B, domain.SplitTotal)
		}
		old := s.state.split
		toA, toB, err := s.reposition(ctx, op, split)
		if err != nil {
			return err
		}
		s.state.split = split
		chain.Emit(ctx, events.RebalancedEvent{Instance: s.addr, Old: old, New: split, ToA: toA, ToB: toB, Reason: "rebalance"})
		log.Infof("[Strategy] 再平衡: instance=%s %s -> %s toA=%s toB=%s", s.addr.Hex(), old, split, toA, toB)
		return nil
	})
}

// reposition 赎回两个场所的全部份额，再按 split 分配全部闲置
func (s *Instance) reposition(ctx context.Context, op string, split domain.Split) (*big.Int, *big.Int, error) {
	s.state.draining = true
	if _, err := s.redeemAll(ctx, op, s.state.venueA); err != nil {
		return nil, nil, err
	}
	if _, err := s.redeemAll(ctx, op, s.state.venueB); err != nil {
		return nil, nil, err
	}
	s.state.draining = false
	idle, err := s.idle(ctx)
	if err != nil {
		return nil, nil, err
	}
	return s.allocate(ctx, op, idle, split)
}

// allocate 把 amount 按比例存入两个场所，向下取整，余量按规则留在闲置或计入 A
func (s *Instance) allocate(ctx context.Context, op string, amount *big.Int, split domain.Split) (*big.Int, *big.Int, error) {
	toA := domain.MulBps(amount, split.A)
	toB := domain.MulBps(amount, split.B)
	if s.logic().RemainderToA {
		rest := new(big.Int).Sub(amount, toA)
		toA.Add(toA, rest.Sub(rest, toB))
	}
	if err := s.depositTo(ctx, op, s.state.venueA, toA); err != nil {
		return nil, nil, err
	}
	if err := s.depositTo(ctx, op, s.state.venueB, toB); err != nil {
		return nil, nil, err
	}
	return toA, toB, nil
}

// depositTo 存入后以账本余额变化校验，不信任场所返回值
func (s *Instance) depositTo(ctx context.Context, op string, v venue.Venue, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	before, err := s.idle(ctx)
	if err != nil {
		return err
	}
	if err := s.deps.Ledger.Approve(ctx, s.state.baseAsset, s.addr, v.Address(), amount); err != nil {
		return err
	}
	if _, err := v.Deposit(ctx, s.addr, amount); err != nil {
		return domain.Wrap(domain.CodeVenueFailure, op, err, "deposit %s into %s", amount, v.Address().Hex())
	}
	after, err := s.idle(ctx)
	if err != nil {
		return err
	}
	if spent := new(big.Int).Sub(before, after); spent.Cmp(amount) != 0 {
		return domain.Errf(domain.CodeVenueFailure, op, "venue %s pulled %s, expected %s", v.Address().Hex(), spent, amount)
	}
	if err := s.deps.Ledger.Approve(ctx, s.state.baseAsset, s.addr, v.Address(), new(big.Int)); err != nil {
		return err
	}
	return nil
}

// redeemAll 赎回全部份额，返回账本实际增加量
func (s *Instance) redeemAll(ctx context.Context, op string, v venue.Venue) (*big.Int, error) {
	shares, err := v.SharesOf(ctx, s.addr)
	if err != nil {
		return nil, domain.Wrap(domain.CodeVenueFailure, op, err, "shares of %s", v.Address().Hex())
	}
	return s.redeemShares(ctx, op, v, shares)
}

// redeemPart 赎回价值至少为 need 的份额（份额向上取整，不超过持有量）
func (s *Instance) redeemPart(ctx context.Context, op string, v venue.Venue, need, value *big.Int) (*big.Int, error) {
	if need.Sign() == 0 {
		return new(big.Int), nil
	}
	shares, err := v.SharesOf(ctx, s.addr)
	if err != nil {
		return nil, domain.Wrap(domain.CodeVenueFailure, op, err, "shares of %s", v.Address().Hex())
	}
	if need.Cmp(value) < 0 {
		shares = domain.MinInt(shares, domain.MulDivUp(need, shares, value))
	}
	return s.redeemShares(ctx, op, v, shares)
}

func (s *Instance) redeemShares(ctx context.Context, op string, v venue.Venue, shares *big.Int) (*big.Int, error) {
	if shares.Sign() == 0 {
		return new(big.Int), nil
	}
	before, err := s.idle(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := v.Redeem(ctx, s.addr, shares); err != nil {
		return nil, domain.Wrap(domain.CodeVenueFailure, op, err, "redeem %s shares from %s", shares, v.Address().Hex())
	}
	after, err := s.idle(ctx)
	if err != nil {
		return nil, err
	}
	got := new(big.Int).Sub(after, before)
	if got.Sign() < 0 {
		return nil, domain.Errf(domain.CodeVenueFailure, op, "idle decreased by %s during redeem", new(big.Int).Neg(got))
	}
	return got, nil
}
