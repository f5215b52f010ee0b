package venue

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/splitvault/internal/chain"
	"github.com/betbot/splitvault/internal/domain"
	"github.com/betbot/splitvault/internal/ledger"
)

var log = logrus.WithField("component", "venue")

// ErrVenueHalted 场所被人为停用（模拟外部故障）
var ErrVenueHalted = errors.New("venue: halted")

type vaultState struct {
	totalShares *big.Int
	shares      map[common.Address]*big.Int
	halted      bool
}

func (s *vaultState) clone() *vaultState {
	out := &vaultState{
		totalShares: new(big.Int).Set(s.totalShares),
		shares:      make(map[common.Address]*big.Int, len(s.shares)),
		halted:      s.halted,
	}
	for k, v := range s.shares {
		out.shares[k] = new(big.Int).Set(v)
	}
	return out
}

// Vault 份额记账的内存收益场所（ERC4626 语义）：
// 总资产 = 场所在账本上的基础资产余额，利息以直接转入资产的方式体现。
type Vault struct {
	rt     *chain.Runtime
	ledger ledger.Ledger
	addr   common.Address
	asset  common.Address
	name   string
	state  *vaultState
}

var _ Venue = (*Vault)(nil)

func NewVault(rt *chain.Runtime, l ledger.Ledger, name string, addr, asset common.Address) *Vault {
	v := &Vault{
		rt:     rt,
		ledger: l,
		addr:   addr,
		asset:  asset,
		name:   name,
		state:  &vaultState{totalShares: new(big.Int), shares: make(map[common.Address]*big.Int)},
	}
	rt.Register(v)
	return v
}

// Checkpoint 实现 chain.Journaled
func (v *Vault) Checkpoint() func() {
	snap := v.state.clone()
	return func() { v.state = snap }
}

func (v *Vault) Address() common.Address { return v.addr }
func (v *Vault) Asset() common.Address   { return v.asset }
func (v *Vault) Name() string            { return v.name }

// SetHalted 停用/恢复场所
func (v *Vault) SetHalted(ctx context.Context, halted bool) error {
	return v.rt.Execute(ctx, "venue.setHalted", func(context.Context) error {
		v.state.halted = halted
		return nil
	})
}

func (v *Vault) totalAssets(ctx context.Context) (*big.Int, error) {
	return v.ledger.BalanceOf(ctx, v.asset, v.addr)
}

func (v *Vault) Deposit(ctx context.Context, from common.Address, amount *big.Int) (*big.Int, error) {
	var minted *big.Int
	err := v.rt.Execute(ctx, "venue.deposit", func(ctx context.Context) error {
		if v.state.halted {
			return ErrVenueHalted
		}
		if domain.IsZeroOrNil(amount) {
			return domain.Errf(domain.CodeZeroAmount, "venue.deposit", "amount")
		}
		assets, err := v.totalAssets(ctx)
		if err != nil {
			return err
		}
		if v.state.totalShares.Sign() == 0 || assets.Sign() == 0 {
			minted = new(big.Int).Set(amount)
		} else {
			minted = domain.MulDiv(amount, v.state.totalShares, assets)
		}
		if minted.Sign() == 0 {
			return domain.Errf(domain.CodeZeroAmount, "venue.deposit", "amount %s mints no shares", amount)
		}
		if err := v.ledger.TransferFrom(ctx, v.asset, v.addr, from, v.addr, amount); err != nil {
			return err
		}
		v.state.totalShares = new(big.Int).Add(v.state.totalShares, minted)
		v.state.shares[from] = new(big.Int).Add(v.sharesOf(from), minted)
		log.Debugf("[%s] deposit: from=%s amount=%s shares=%s", v.name, from.Hex(), amount, minted)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return minted, nil
}

func (v *Vault) Redeem(ctx context.Context, holder common.Address, shares *big.Int) (*big.Int, error) {
	var out *big.Int
	err := v.rt.Execute(ctx, "venue.redeem", func(ctx context.Context) error {
		if v.state.halted {
			return ErrVenueHalted
		}
		held := v.sharesOf(holder)
		if shares == nil || shares.Sign() <= 0 || shares.Cmp(held) > 0 {
			return domain.Errf(domain.CodeInsufficientBalance, "venue.redeem", "shares %v of %s", shares, held)
		}
		assets, err := v.totalAssets(ctx)
		if err != nil {
			return err
		}
		out = domain.MulDiv(shares, assets, v.state.totalShares)
		v.state.totalShares = new(big.Int).Sub(v.state.totalShares, shares)
		rest := new(big.Int).Sub(held, shares)
		if rest.Sign() == 0 {
			delete(v.state.shares, holder)
		} else {
			v.state.shares[holder] = rest
		}
		if out.Sign() > 0 {
			if err := v.ledger.Transfer(ctx, v.asset, v.addr, holder, out); err != nil {
				return err
			}
		}
		log.Debugf("[%s] redeem: holder=%s shares=%s assets=%s", v.name, holder.Hex(), shares, out)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (v *Vault) SharesOf(ctx context.Context, holder common.Address) (*big.Int, error) {
	return chain.Read(ctx, v.rt, func(context.Context) (*big.Int, error) {
		return new(big.Int).Set(v.sharesOf(holder)), nil
	})
}

func (v *Vault) CurrentValue(ctx context.Context, holder common.Address) (*big.Int, error) {
	return chain.Read(ctx, v.rt, func(ctx context.Context) (*big.Int, error) {
		if v.state.totalShares.Sign() == 0 {
			return new(big.Int), nil
		}
		assets, err := v.totalAssets(ctx)
		if err != nil {
			return nil, err
		}
		return domain.MulDiv(v.sharesOf(holder), assets, v.state.totalShares), nil
	})
}

func (v *Vault) sharesOf(holder common.Address) *big.Int {
	if s, ok := v.state.shares[holder]; ok {
		return s
	}
	return new(big.Int)
}
