package keeper

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/betbot/splitvault/internal/domain"
	"github.com/betbot/splitvault/internal/metrics"
	"github.com/betbot/splitvault/internal/settlement"
	"github.com/betbot/splitvault/internal/strategy"
)

var log = logrus.WithField("component", "keeper")

// Strategy keeper 操作的实例能力
type Strategy interface {
	Address() common.Address
	BaseAsset(ctx context.Context) common.Address
	RewardTokens(ctx context.Context) []common.Address
	SlippageBps(ctx context.Context) uint32
	Split(ctx context.Context) domain.Split
	PendingOrders(ctx context.Context) []strategy.PendingOrder
	HarvestRewards(ctx context.Context, caller common.Address, orders []settlement.Order) (strategy.HarvestReport, error)
	Rebalance(ctx context.Context, caller common.Address, split domain.Split) error
}

// Directory 注册中心的枚举能力
type Directory interface {
	Accounts(ctx context.Context) []common.Address
	StrategiesOf(ctx context.Context, account common.Address) []common.Address
}

// OrderSource 为实例准备收割订单
type OrderSource interface {
	OrdersFor(ctx context.Context, s Strategy) ([]settlement.Order, error)
}

// Config keeper 配置
type Config struct {
	Operator common.Address
	Schedule string                          // cron 表达式（5 段，或 @every 1m）
	Targets  map[common.Address]domain.Split // 目标比例；未配置的实例只收割
}

// Summary 一次巡检的结果
type Summary struct {
	Visited    int
	Harvested  int
	Rebalanced int
	Failed     int
}

func (s Summary) String() string {
	return fmt.Sprintf("visited=%d harvested=%d rebalanced=%d failed=%d", s.Visited, s.Harvested, s.Rebalanced, s.Failed)
}

// Keeper 定时巡检全部已登记实例：先收割，再按目标比例再平衡。
// 失败只记录与计数，不在巡检内重试。
type Keeper struct {
	cfg     Config
	dir     Directory
	resolve func(common.Address) (Strategy, bool)
	orders  OrderSource

	mu sync.Mutex // 同一时刻只有一次巡检
}

func New(cfg Config, dir Directory, resolve func(common.Address) (Strategy, bool), orders OrderSource) (*Keeper, error) {
	if cfg.Operator == (common.Address{}) {
		return nil, fmt.Errorf("keeper: operator is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("keeper: invalid schedule %q: %w", cfg.Schedule, err)
	}
	for addr, split := range cfg.Targets {
		if err := split.Validate(); err != nil {
			return nil, fmt.Errorf("keeper: target for %s: %w", addr.Hex(), err)
		}
	}
	return &Keeper{cfg: cfg, dir: dir, resolve: resolve, orders: orders}, nil
}

// RunOnce 执行一次巡检
func (k *Keeper) RunOnce(ctx context.Context) Summary {
	k.mu.Lock()
	defer k.mu.Unlock()

	start := time.Now()
	var sum Summary
	for _, account := range k.dir.Accounts(ctx) {
		for _, addr := range k.dir.StrategiesOf(ctx, account) {
			if ctx.Err() != nil {
				log.Warnf("[Keeper] 巡检中断: %v", ctx.Err())
				metrics.RecordKeeperPass(true, time.Since(start))
				return sum
			}
			s, ok := k.resolve(addr)
			if !ok {
				log.Warnf("[Keeper] 未知实例，跳过: instance=%s", addr.Hex())
				continue
			}
			sum.Visited++
			k.visit(ctx, s, &sum)
		}
	}
	metrics.RecordKeeperPass(sum.Failed > 0, time.Since(start))
	log.Infof("[Keeper] 巡检完成: %s elapsed=%s", sum, time.Since(start))
	return sum
}

func (k *Keeper) visit(ctx context.Context, s Strategy, sum *Summary) {
	var orders []settlement.Order
	if k.orders != nil {
		var err error
		orders, err = k.orders.OrdersFor(ctx, s)
		if err != nil {
			sum.Failed++
			metrics.RecordKeeperAction("orders", string(domain.KindOf(err)))
			log.Warnf("[Keeper] 准备订单失败: instance=%s err=%v", s.Address().Hex(), err)
			orders = nil
		}
	}
	report, err := s.HarvestRewards(ctx, k.cfg.Operator, orders)
	if err != nil {
		sum.Failed++
		metrics.RecordKeeperAction("harvest", string(domain.KindOf(err)))
		log.Warnf("[Keeper] 收割失败: instance=%s err=%v", s.Address().Hex(), err)
	} else {
		sum.Harvested++
		metrics.RecordKeeperAction("harvest", "ok")
		log.Debugf("[Keeper] 收割: instance=%s folded=%s authorized=%d", s.Address().Hex(), report.Folded, len(report.Authorized))
	}

	target, ok := k.cfg.Targets[s.Address()]
	if !ok || target == s.Split(ctx) {
		return
	}
	if err := s.Rebalance(ctx, k.cfg.Operator, target); err != nil {
		sum.Failed++
		metrics.RecordKeeperAction("rebalance", string(domain.KindOf(err)))
		log.Warnf("[Keeper] 再平衡失败: instance=%s target=%s err=%v", s.Address().Hex(), target, err)
		return
	}
	sum.Rebalanced++
	metrics.RecordKeeperAction("rebalance", "ok")
}

// Run 按 cron 计划巡检，直到 ctx 取消
func (k *Keeper) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(k.cfg.Schedule, func() { k.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("keeper: schedule %q: %w", k.cfg.Schedule, err)
	}
	log.Infof("[Keeper] 已启动: schedule=%s operator=%s", k.cfg.Schedule, k.cfg.Operator.Hex())
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	log.Infof("[Keeper] 已停止")
	return nil
}

// Quoter 订单定价
type Quoter = strategy.Quoter

// BalanceReader 奖励代币余额
type BalanceReader interface {
	BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error)
}

// Clock 订单有效期的时间来源
type Clock interface {
	Now() time.Time
}

// QuotedOrders 按参考价格下限构造收割订单：卖出全部奖励余额，最少买入 = 容忍下限
type QuotedOrders struct {
	Balances BalanceReader
	Oracle   Quoter
	Clock    Clock
	Validity time.Duration
}

var _ OrderSource = (*QuotedOrders)(nil)

func (q *QuotedOrders) OrdersFor(ctx context.Context, s Strategy) ([]settlement.Order, error) {
	base := s.BaseAsset(ctx)
	bps := s.SlippageBps(ctx)
	now := q.Clock.Now()
	validTo := uint32(now.Add(q.Validity).Unix())
	committed := make(map[common.Address]*big.Int)
	for _, p := range s.PendingOrders(ctx) {
		if p.Expired(now) {
			continue
		}
		sum, ok := committed[p.Order.SellToken]
		if !ok {
			sum = new(big.Int)
			committed[p.Order.SellToken] = sum
		}
		sum.Add(sum, p.Order.SellAmount)
	}
	var out []settlement.Order
	for _, token := range s.RewardTokens(ctx) {
		bal, err := q.Balances.BalanceOf(ctx, token, s.Address())
		if err != nil {
			return nil, err
		}
		if c, ok := committed[token]; ok {
			bal = new(big.Int).Sub(bal, c)
		}
		if bal.Sign() <= 0 {
			continue
		}
		v, err := q.Oracle.Evaluate(ctx, bal, token, base, new(big.Int), bps)
		if err != nil {
			return nil, err
		}
		if v.Floor.Sign() == 0 {
			continue
		}
		out = append(out, settlement.Order{
			SellToken:  token,
			BuyToken:   base,
			Receiver:   s.Address(),
			SellAmount: bal,
			BuyAmount:  v.Floor,
			ValidTo:    validTo,
			FeeAmount:  new(big.Int),
		})
	}
	return out, nil
}
