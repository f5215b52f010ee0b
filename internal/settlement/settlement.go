package settlement

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/betbot/splitvault/internal/chain"
	"github.com/betbot/splitvault/internal/domain"
	"github.com/betbot/splitvault/internal/events"
	"github.com/betbot/splitvault/internal/ledger"
)

var log = logrus.WithField("component", "settlement")

// Signer 订单持有方的签名校验回调
type Signer interface {
	Address() common.Address
	IsValidSignature(ctx context.Context, hash common.Hash, payload []byte) ([4]byte, error)
}

// Fill 成交记录
type Fill struct {
	OrderHash  common.Hash
	Owner      common.Address
	SellAmount *big.Int
	BuyAmount  *big.Int
}

// Settlement 内存结算方：回调持有方校验订单，按授权额度拉取卖出代币，从自有流动性支付买入代币
type Settlement struct {
	rt     *chain.Runtime
	ledger ledger.Ledger
	domain Domain
	fills  map[common.Hash]Fill
}

func New(rt *chain.Runtime, l ledger.Ledger, d Domain) *Settlement {
	s := &Settlement{rt: rt, ledger: l, domain: d, fills: make(map[common.Hash]Fill)}
	rt.Register(s)
	return s
}

// Checkpoint 实现 chain.Journaled
func (s *Settlement) Checkpoint() func() {
	snap := make(map[common.Hash]Fill, len(s.fills))
	for k, v := range s.fills {
		snap[k] = v
	}
	return func() { s.fills = snap }
}

func (s *Settlement) Address() common.Address { return s.domain.Contract }
func (s *Settlement) Domain() Domain          { return s.domain }

// Settle 成交订单，executed 为实际买入数量（不得低于订单 BuyAmount）
func (s *Settlement) Settle(ctx context.Context, owner Signer, o Order, executed *big.Int) (common.Hash, error) {
	const op = "settlement.settle"
	var hash common.Hash
	err := s.rt.Execute(ctx, op, func(ctx context.Context) error {
		h, err := s.domain.Hash(o)
		if err != nil {
			return domain.Wrap(domain.CodeInvalidOrder, op, err, "hash")
		}
		hash = h
		if _, done := s.fills[h]; done {
			return domain.Errf(domain.CodeInvalidOrder, op, "order %s already filled", h.Hex())
		}
		if now := s.rt.Now(ctx); now.Unix() > int64(o.ValidTo) {
			return domain.Errf(domain.CodeInvalidOrder, op, "order %s expired", h.Hex())
		}
		if executed == nil || executed.Cmp(orNone(o.BuyAmount)) < 0 {
			return domain.Errf(domain.CodeInvalidOrder, op, "executed %v below limit %s", executed, orNone(o.BuyAmount))
		}
		if domain.IsZeroOrNil(o.SellAmount) {
			return domain.Errf(domain.CodeZeroAmount, op, "sell amount")
		}
		payload, err := EncodePayload(o)
		if err != nil {
			return domain.Wrap(domain.CodeInvalidOrder, op, err, "payload")
		}
		magic, err := owner.IsValidSignature(ctx, h, payload)
		if err != nil {
			return err
		}
		if magic != MagicValue {
			return domain.Errf(domain.CodeInvalidOrder, op, "signature rejected for %s", h.Hex())
		}
		if err := s.ledger.TransferFrom(ctx, o.SellToken, s.Address(), owner.Address(), s.Address(), o.SellAmount); err != nil {
			return err
		}
		if err := s.ledger.Transfer(ctx, o.BuyToken, s.Address(), o.Receiver, executed); err != nil {
			return err
		}
		s.fills[h] = Fill{OrderHash: h, Owner: owner.Address(), SellAmount: new(big.Int).Set(o.SellAmount), BuyAmount: new(big.Int).Set(executed)}
		chain.Emit(ctx, events.OrderSettledEvent{
			Settlement: s.Address(), Owner: owner.Address(), OrderHash: h,
			SellAmount: new(big.Int).Set(o.SellAmount), BuyAmount: new(big.Int).Set(executed),
		})
		log.Infof("[Settlement] 订单成交: hash=%s owner=%s sell=%s buy=%s", h.Hex(), owner.Address().Hex(), o.SellAmount, executed)
		return nil
	})
	if err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// FillOf 查询成交记录
func (s *Settlement) FillOf(ctx context.Context, hash common.Hash) (Fill, bool) {
	type res struct {
		f  Fill
		ok bool
	}
	r, _ := chain.Read(ctx, s.rt, func(context.Context) (res, error) {
		f, ok := s.fills[hash]
		return res{f, ok}, nil
	})
	return r.f, r.ok
}
