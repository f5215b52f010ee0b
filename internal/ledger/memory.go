package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/betbot/splitvault/internal/chain"
	"github.com/betbot/splitvault/internal/domain"
)

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

type memoryState struct {
	tokens     map[common.Address]Token
	balances   map[common.Address]map[common.Address]*big.Int
	allowances map[common.Address]map[allowanceKey]*big.Int
}

func (s *memoryState) clone() *memoryState {
	out := &memoryState{
		tokens:     make(map[common.Address]Token, len(s.tokens)),
		balances:   make(map[common.Address]map[common.Address]*big.Int, len(s.balances)),
		allowances: make(map[common.Address]map[allowanceKey]*big.Int, len(s.allowances)),
	}
	for k, v := range s.tokens {
		out.tokens[k] = v
	}
	for tok, m := range s.balances {
		cp := make(map[common.Address]*big.Int, len(m))
		for h, b := range m {
			cp[h] = new(big.Int).Set(b)
		}
		out.balances[tok] = cp
	}
	for tok, m := range s.allowances {
		cp := make(map[allowanceKey]*big.Int, len(m))
		for k, a := range m {
			cp[k] = new(big.Int).Set(a)
		}
		out.allowances[tok] = cp
	}
	return out
}

// Memory 内存账本，所有写操作在执行底座的事务中完成
type Memory struct {
	rt    *chain.Runtime
	state *memoryState
}

var _ Ledger = (*Memory)(nil)

func NewMemory(rt *chain.Runtime) *Memory {
	m := &Memory{
		rt: rt,
		state: &memoryState{
			tokens:     make(map[common.Address]Token),
			balances:   make(map[common.Address]map[common.Address]*big.Int),
			allowances: make(map[common.Address]map[allowanceKey]*big.Int),
		},
	}
	rt.Register(m)
	return m
}

// Checkpoint 实现 chain.Journaled
func (m *Memory) Checkpoint() func() {
	snap := m.state.clone()
	return func() { m.state = snap }
}

// RegisterToken 登记代币
func (m *Memory) RegisterToken(ctx context.Context, t Token) error {
	return m.rt.Execute(ctx, "ledger.registerToken", func(ctx context.Context) error {
		if t.Address == (common.Address{}) {
			return domain.Errf(domain.CodeZeroAddress, "ledger.registerToken", "token address")
		}
		m.state.tokens[t.Address] = t
		return nil
	})
}

// Tokens 已登记代币
func (m *Memory) Tokens(ctx context.Context) []Token {
	out, _ := chain.Read(ctx, m.rt, func(context.Context) ([]Token, error) {
		ts := make([]Token, 0, len(m.state.tokens))
		for _, t := range m.state.tokens {
			ts = append(ts, t)
		}
		return ts, nil
	})
	return out
}

func (m *Memory) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	return chain.Read(ctx, m.rt, func(context.Context) (uint8, error) {
		t, ok := m.state.tokens[token]
		if !ok {
			return 0, ErrUnknownToken
		}
		return t.Decimals, nil
	})
}

func (m *Memory) BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	return chain.Read(ctx, m.rt, func(context.Context) (*big.Int, error) {
		if _, ok := m.state.tokens[token]; !ok {
			return nil, ErrUnknownToken
		}
		return new(big.Int).Set(m.balance(token, holder)), nil
	})
}

func (m *Memory) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return chain.Read(ctx, m.rt, func(context.Context) (*big.Int, error) {
		if _, ok := m.state.tokens[token]; !ok {
			return nil, ErrUnknownToken
		}
		a, ok := m.state.allowances[token][allowanceKey{owner, spender}]
		if !ok {
			return new(big.Int), nil
		}
		return new(big.Int).Set(a), nil
	})
}

func (m *Memory) Transfer(ctx context.Context, token, from, to common.Address, amount *big.Int) error {
	return m.rt.Execute(ctx, "ledger.transfer", func(ctx context.Context) error {
		return m.move(token, from, to, amount)
	})
}

func (m *Memory) Approve(ctx context.Context, token, owner, spender common.Address, amount *big.Int) error {
	return m.rt.Execute(ctx, "ledger.approve", func(ctx context.Context) error {
		if _, ok := m.state.tokens[token]; !ok {
			return ErrUnknownToken
		}
		if amount == nil || amount.Sign() < 0 {
			return domain.Errf(domain.CodeZeroAmount, "ledger.approve", "negative allowance")
		}
		all, ok := m.state.allowances[token]
		if !ok {
			all = make(map[allowanceKey]*big.Int)
			m.state.allowances[token] = all
		}
		k := allowanceKey{owner, spender}
		if amount.Sign() == 0 {
			delete(all, k)
			return nil
		}
		all[k] = new(big.Int).Set(amount)
		return nil
	})
}

func (m *Memory) TransferFrom(ctx context.Context, token, spender, from, to common.Address, amount *big.Int) error {
	return m.rt.Execute(ctx, "ledger.transferFrom", func(ctx context.Context) error {
		if _, ok := m.state.tokens[token]; !ok {
			return ErrUnknownToken
		}
		if amount == nil || amount.Sign() < 0 {
			return domain.Errf(domain.CodeZeroAmount, "ledger.transferFrom", "negative amount")
		}
		if spender != from {
			k := allowanceKey{from, spender}
			a := m.state.allowances[token][k]
			if a == nil || a.Cmp(amount) < 0 {
				return domain.Errf(domain.CodeInsufficientBalance, "ledger.transferFrom",
					"allowance of %s for %s below %s", from.Hex(), spender.Hex(), amount)
			}
			rest := new(big.Int).Sub(a, amount)
			if rest.Sign() == 0 {
				delete(m.state.allowances[token], k)
			} else {
				m.state.allowances[token][k] = rest
			}
		}
		return m.move(token, from, to, amount)
	})
}

// Mint 增发（模拟外部资金流入，例如奖励领取或利息）
func (m *Memory) Mint(ctx context.Context, token, to common.Address, amount *big.Int) error {
	return m.rt.Execute(ctx, "ledger.mint", func(ctx context.Context) error {
		if _, ok := m.state.tokens[token]; !ok {
			return ErrUnknownToken
		}
		if amount == nil || amount.Sign() <= 0 {
			return domain.Errf(domain.CodeZeroAmount, "ledger.mint", "amount")
		}
		m.credit(token, to, amount)
		return nil
	})
}

// Burn 销毁（模拟场所亏损）
func (m *Memory) Burn(ctx context.Context, token, from common.Address, amount *big.Int) error {
	return m.rt.Execute(ctx, "ledger.burn", func(ctx context.Context) error {
		if _, ok := m.state.tokens[token]; !ok {
			return ErrUnknownToken
		}
		bal := m.balance(token, from)
		if bal.Cmp(amount) < 0 {
			return domain.Errf(domain.CodeInsufficientBalance, "ledger.burn", "balance %s < %s", bal, amount)
		}
		m.setBalance(token, from, new(big.Int).Sub(bal, amount))
		return nil
	})
}

func (m *Memory) balance(token, holder common.Address) *big.Int {
	if b, ok := m.state.balances[token][holder]; ok {
		return b
	}
	return new(big.Int)
}

func (m *Memory) setBalance(token, holder common.Address, v *big.Int) {
	bals, ok := m.state.balances[token]
	if !ok {
		bals = make(map[common.Address]*big.Int)
		m.state.balances[token] = bals
	}
	bals[holder] = v
}

func (m *Memory) credit(token, to common.Address, amount *big.Int) {
	m.setBalance(token, to, new(big.Int).Add(m.balance(token, to), amount))
}

func (m *Memory) move(token, from, to common.Address, amount *big.Int) error {
	if _, ok := m.state.tokens[token]; !ok {
		return ErrUnknownToken
	}
	if amount == nil || amount.Sign() < 0 {
		return domain.Errf(domain.CodeZeroAmount, "ledger.transfer", "negative amount")
	}
	if to == (common.Address{}) {
		return domain.Errf(domain.CodeZeroAddress, "ledger.transfer", "recipient")
	}
	bal := m.balance(token, from)
	if bal.Cmp(amount) < 0 {
		return domain.Errf(domain.CodeInsufficientBalance, "ledger.transfer",
			"%s holds %s, needs %s", from.Hex(), bal, amount)
	}
	m.setBalance(token, from, new(big.Int).Sub(bal, amount))
	m.credit(token, to, amount)
	return nil
}
