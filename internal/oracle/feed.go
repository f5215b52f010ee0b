package oracle

import (
	"context"
	"math/big"
	"time"

	"github.com/betbot/splitvault/internal/chain"
)

// RateSource 参考价格源（Chainlink 风格）
type RateSource interface {
	Decimals(ctx context.Context) (uint8, error)
	LatestRate(ctx context.Context) (rate *big.Int, updatedAt time.Time, err error)
}

// Step 价格链中的一跳
type Step struct {
	Source    RateSource
	Reverse   bool          // true: 除以价格；false: 乘以价格
	Heartbeat time.Duration // 允许的最大数据年龄
	Label     string        // 仅用于日志
}

// FeedChain 有序价格链
type FeedChain []Step

type manualState struct {
	rate      *big.Int
	updatedAt time.Time
}

// ManualFeed 手动推送的价格源（模拟/测试）
type ManualFeed struct {
	rt       *chain.Runtime
	decimals uint8
	state    manualState
}

var _ RateSource = (*ManualFeed)(nil)

func NewManualFeed(rt *chain.Runtime, decimals uint8) *ManualFeed {
	f := &ManualFeed{rt: rt, decimals: decimals, state: manualState{rate: new(big.Int)}}
	rt.Register(f)
	return f
}

// Checkpoint 实现 chain.Journaled
func (f *ManualFeed) Checkpoint() func() {
	snap := manualState{rate: new(big.Int).Set(f.state.rate), updatedAt: f.state.updatedAt}
	return func() { f.state = snap }
}

// Set 推送新价格；at 为零值时使用当前区块时间
func (f *ManualFeed) Set(ctx context.Context, rate *big.Int, at time.Time) error {
	return f.rt.Execute(ctx, "feed.set", func(ctx context.Context) error {
		if at.IsZero() {
			at = f.rt.Now(ctx)
		}
		f.state = manualState{rate: new(big.Int).Set(rate), updatedAt: at}
		return nil
	})
}

func (f *ManualFeed) Decimals(context.Context) (uint8, error) { return f.decimals, nil }

func (f *ManualFeed) LatestRate(ctx context.Context) (*big.Int, time.Time, error) {
	type out struct {
		rate *big.Int
		at   time.Time
	}
	o, err := chain.Read(ctx, f.rt, func(context.Context) (out, error) {
		return out{rate: new(big.Int).Set(f.state.rate), at: f.state.updatedAt}, nil
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	return o.rate, o.at, nil
}
