package oracle

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/betbot/splitvault/internal/access"
	"github.com/betbot/splitvault/internal/chain"
	"github.com/betbot/splitvault/internal/domain"
	"github.com/betbot/splitvault/internal/events"
	"github.com/betbot/splitvault/pkg/cache"
)

var log = logrus.WithField("component", "oracle")

// MaxFeedDecimals 单个价格源允许的最大精度
const MaxFeedDecimals = 36

// TokenDecimals 代币精度查询（账本提供）
type TokenDecimals interface {
	Decimals(ctx context.Context, token common.Address) (uint8, error)
}

type pair struct {
	from common.Address
	to   common.Address
}

type resolvedStep struct {
	Step
	decimals uint8
}

// Composer 组合多跳参考价格得到报价，并校验最小成交量是否在滑点容忍度内。
//
// 链式组合时分子分母分别累乘，代币精度差在全部跳数之后统一缩放，只在最后做一次向下取整。
type Composer struct {
	rt     *chain.Runtime
	guard  access.Guard
	tokens TokenDecimals

	tokenDecimals *cache.InMemoryCache[common.Address, uint8]
	chains        map[pair][]resolvedStep
}

func NewComposer(rt *chain.Runtime, guard access.Guard, tokens TokenDecimals) *Composer {
	c := &Composer{
		rt:            rt,
		guard:         guard,
		tokens:        tokens,
		tokenDecimals: cache.NewInMemoryCache[common.Address, uint8](0),
		chains:        make(map[pair][]resolvedStep),
	}
	rt.Register(c)
	return c
}

// Checkpoint 实现 chain.Journaled
func (c *Composer) Checkpoint() func() {
	snap := make(map[pair][]resolvedStep, len(c.chains))
	for k, v := range c.chains {
		snap[k] = v
	}
	return func() { c.chains = snap }
}

func (c *Composer) decimalsOf(ctx context.Context, token common.Address) (uint8, error) {
	return c.tokenDecimals.GetOrLoad(token, func() (uint8, error) {
		return c.tokens.Decimals(ctx, token)
	})
}

// Configure 设置 (from, to) 的价格链，替换已有配置；仅 Operator
func (c *Composer) Configure(ctx context.Context, caller, from, to common.Address, feeds FeedChain) error {
	const op = "oracle.configure"
	return c.rt.Execute(ctx, op, func(ctx context.Context) error {
		if err := c.guard.RequireNotPaused(ctx, op); err != nil {
			return err
		}
		if _, err := c.guard.Authorize(ctx, caller, domain.RoleOperator); err != nil {
			return err
		}
		resolved, err := c.resolve(ctx, from, to, feeds)
		if err != nil {
			return err
		}
		c.chains[pair{from, to}] = resolved
		chain.Emit(ctx, events.FeedChainConfiguredEvent{From: from, To: to, Steps: len(resolved)})
		log.Infof("[Oracle] 配置价格链: %s -> %s steps=%d", from.Hex(), to.Hex(), len(resolved))
		return nil
	})
}

func (c *Composer) resolve(ctx context.Context, from, to common.Address, feeds FeedChain) ([]resolvedStep, error) {
	const op = "oracle.configure"
	if len(feeds) == 0 {
		return nil, domain.Errf(domain.CodeInvalidFeedChain, op, "empty chain")
	}
	if from == to {
		return nil, domain.Errf(domain.CodeInvalidFeedChain, op, "from == to")
	}
	if _, err := c.decimalsOf(ctx, from); err != nil {
		return nil, domain.Wrap(domain.CodeInvalidFeedChain, op, err, "from token %s decimals", from.Hex())
	}
	if _, err := c.decimalsOf(ctx, to); err != nil {
		return nil, domain.Wrap(domain.CodeInvalidFeedChain, op, err, "to token %s decimals", to.Hex())
	}
	out := make([]resolvedStep, 0, len(feeds))
	for i, s := range feeds {
		if s.Source == nil {
			return nil, domain.Errf(domain.CodeInvalidFeedChain, op, "step %d has no source", i)
		}
		if s.Heartbeat <= 0 {
			return nil, domain.Errf(domain.CodeInvalidFeedChain, op, "step %d heartbeat %s", i, s.Heartbeat)
		}
		d, err := s.Source.Decimals(ctx)
		if err != nil {
			return nil, domain.Wrap(domain.CodeInvalidFeedChain, op, err, "step %d decimals", i)
		}
		if d > MaxFeedDecimals {
			return nil, domain.Errf(domain.CodeInvalidFeedChain, op, "step %d decimals %d > %d", i, d, MaxFeedDecimals)
		}
		out = append(out, resolvedStep{Step: s, decimals: d})
	}
	return out, nil
}

// Steps 已配置的跳数；未配置返回 0
func (c *Composer) Steps(ctx context.Context, from, to common.Address) int {
	n, _ := chain.Read(ctx, c.rt, func(context.Context) (int, error) {
		return len(c.chains[pair{from, to}]), nil
	})
	return n
}

// Quote 按价格链把 amountIn 个 from 换算为 to 的预期数量（向下取整）
func (c *Composer) Quote(ctx context.Context, amountIn *big.Int, from, to common.Address) (*big.Int, error) {
	return chain.Read(ctx, c.rt, func(ctx context.Context) (*big.Int, error) {
		return c.quote(ctx, amountIn, from, to)
	})
}

func (c *Composer) quote(ctx context.Context, amountIn *big.Int, from, to common.Address) (*big.Int, error) {
	const op = "oracle.quote"
	if amountIn == nil || amountIn.Sign() < 0 {
		return nil, domain.Errf(domain.CodeZeroAmount, op, "amount %v", amountIn)
	}
	steps, ok := c.chains[pair{from, to}]
	if !ok || len(steps) == 0 {
		return nil, domain.Errf(domain.CodeInvalidFeedChain, op, "no chain for %s -> %s", from.Hex(), to.Hex())
	}

	now := c.rt.Now(ctx)
	num := new(big.Int).Set(amountIn)
	den := big.NewInt(1)
	for i, s := range steps {
		rate, updatedAt, err := s.Source.LatestRate(ctx)
		if err != nil {
			return nil, domain.Wrap(domain.CodeInvalidPrice, op, err, "step %d (%s) read", i, s.Label)
		}
		if rate == nil || rate.Sign() <= 0 {
			return nil, domain.Errf(domain.CodeInvalidPrice, op, "step %d (%s) rate %v", i, s.Label, rate)
		}
		if updatedAt.IsZero() || now.Sub(updatedAt) > s.Heartbeat {
			return nil, domain.Errf(domain.CodeStalePrice, op, "step %d (%s) updated %s, heartbeat %s",
				i, s.Label, updatedAt.Format("2006-01-02T15:04:05Z07:00"), s.Heartbeat)
		}
		scale := pow10(s.decimals)
		if s.Reverse {
			num.Mul(num, scale)
			den.Mul(den, rate)
		} else {
			num.Mul(num, rate)
			den.Mul(den, scale)
		}
	}

	fromDec, err := c.decimalsOf(ctx, from)
	if err != nil {
		return nil, domain.Wrap(domain.CodeInvalidFeedChain, op, err, "from decimals")
	}
	toDec, err := c.decimalsOf(ctx, to)
	if err != nil {
		return nil, domain.Wrap(domain.CodeInvalidFeedChain, op, err, "to decimals")
	}
	if toDec >= fromDec {
		num.Mul(num, pow10(toDec-fromDec))
	} else {
		den.Mul(den, pow10(fromDec-toDec))
	}
	return num.Quo(num, den), nil
}

// Floor quote*(10000-bps)/10000，向下取整
func Floor(quote *big.Int, slippageBps uint32) (*big.Int, error) {
	if slippageBps > domain.BpsDenominator {
		return nil, domain.Errf(domain.CodeInvalidSlippage, "oracle.floor", "%d bps > %d", slippageBps, domain.BpsDenominator)
	}
	return domain.MulBps(quote, domain.BpsDenominator-slippageBps), nil
}

// Verdict Accepts 的详细结果
type Verdict struct {
	Quote    *big.Int
	Floor    *big.Int
	Accepted bool
}

func (v Verdict) String() string {
	return fmt.Sprintf("quote=%s floor=%s accepted=%v", v.Quote, v.Floor, v.Accepted)
}

// Evaluate 计算报价与容忍下限；价格失效时返回错误而非默认值
func (c *Composer) Evaluate(ctx context.Context, amountIn *big.Int, from, to common.Address, proposedMinOut *big.Int, slippageBps uint32) (Verdict, error) {
	return chain.Read(ctx, c.rt, func(ctx context.Context) (Verdict, error) {
		if proposedMinOut == nil || proposedMinOut.Sign() < 0 {
			return Verdict{}, domain.Errf(domain.CodeZeroAmount, "oracle.accepts", "min out %v", proposedMinOut)
		}
		q, err := c.quote(ctx, amountIn, from, to)
		if err != nil {
			return Verdict{}, err
		}
		floor, err := Floor(q, slippageBps)
		if err != nil {
			return Verdict{}, err
		}
		return Verdict{Quote: q, Floor: floor, Accepted: proposedMinOut.Cmp(floor) >= 0}, nil
	})
}

// Accepts proposedMinOut >= quote*(10000-bps)/10000。只校验，不执行兑换。
func (c *Composer) Accepts(ctx context.Context, amountIn *big.Int, from, to common.Address, proposedMinOut *big.Int, slippageBps uint32) (bool, error) {
	v, err := c.Evaluate(ctx, amountIn, from, to, proposedMinOut, slippageBps)
	if err != nil {
		return false, err
	}
	return v.Accepted, nil
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
