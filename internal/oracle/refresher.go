package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/betbot/splitvault/internal/chain"
)

// Refresher 周期性以当前区块时间重新发布手动价格源的最新价格，避免心跳超时。
// 只用于进程内模拟部署；真实价格源由外部推送。
type Refresher struct {
	rt       *chain.Runtime
	feeds    []*ManualFeed
	interval time.Duration
}

func NewRefresher(rt *chain.Runtime, interval time.Duration, feeds ...*ManualFeed) (*Refresher, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("refresher: interval must be positive, got %s", interval)
	}
	return &Refresher{rt: rt, feeds: feeds, interval: interval}, nil
}

// Interval 刷新间隔
func (r *Refresher) Interval() time.Duration { return r.interval }

// Refresh 在一个事务内刷新全部价格源
func (r *Refresher) Refresh(ctx context.Context) error {
	if len(r.feeds) == 0 {
		return nil
	}
	return r.rt.Execute(ctx, "feed.refresh", func(ctx context.Context) error {
		for _, f := range r.feeds {
			rate, _, err := f.LatestRate(ctx)
			if err != nil {
				return err
			}
			if err := f.Set(ctx, rate, time.Time{}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Run 按间隔刷新直到 ctx 结束；单次失败只记录日志
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	log.Infof("[Oracle] 价格源刷新已启动: feeds=%d interval=%s", len(r.feeds), r.interval)
	for {
		select {
		case <-ctx.Done():
			log.Infof("[Oracle] 价格源刷新已停止")
			return nil
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				log.Warnf("[Oracle] 价格源刷新失败: %v", err)
			}
		}
	}
}
