package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/splitvault/internal/domain"
)

var log = logrus.WithField("component", "chain")

// Journaled 参与事务回滚的有状态组件。
// Checkpoint 返回一个恢复函数，调用后组件状态回到 Checkpoint 时刻。
type Journaled interface {
	Checkpoint() (restore func())
}

// Receipt 已提交事务的回执，事件仅在提交后对外发布
type Receipt struct {
	ID     uint64
	Name   string
	At     time.Time
	Events []any
}

// Sink 已提交事务的接收方（事件总线）
type Sink interface {
	Publish(r Receipt)
}

// Runtime 执行底座：串行化所有写调用，单个入口要么全部生效要么全部回滚。
//
// 嵌套调用（策略回调注册中心、场所重入策略）复用外层事务，并拥有自己的回滚点。
type Runtime struct {
	mu    sync.RWMutex
	clock Clock
	sink  Sink

	regMu     sync.Mutex
	journaled []Journaled

	seq uint64
}

type ctxKey struct{}

type frame struct {
	tx       *tx
	readOnly bool
	now      time.Time
}

type tx struct {
	id     uint64
	name   string
	events []any
}

// NewRuntime 创建执行底座；sink 可为空
func NewRuntime(clock Clock, sink Sink) *Runtime {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Runtime{clock: clock, sink: sink}
}

// Register 注册需要参与回滚的组件
func (r *Runtime) Register(j Journaled) {
	r.regMu.Lock()
	r.journaled = append(r.journaled, j)
	r.regMu.Unlock()
}

func (r *Runtime) checkpoint() func() {
	r.regMu.Lock()
	js := make([]Journaled, len(r.journaled))
	copy(js, r.journaled)
	r.regMu.Unlock()

	restores := make([]func(), 0, len(js))
	for _, j := range js {
		restores = append(restores, j.Checkpoint())
	}
	return func() {
		for i := len(restores) - 1; i >= 0; i-- {
			restores[i]()
		}
	}
}

// Execute 以事务方式执行一个写入口。fn 返回错误（或 panic）时回滚全部状态与事件。
func (r *Runtime) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if f := frameFrom(ctx); f != nil {
		if f.readOnly {
			return domain.Errf(domain.CodeReadOnlyFrame, name, "write attempted inside a view")
		}
		return r.nested(ctx, f, name, fn)
	}

	r.mu.Lock()
	t := &tx{id: r.seq + 1, name: name}
	f := &frame{tx: t, now: r.clock.Now()}
	restore := r.checkpoint()

	err := run(context.WithValue(ctx, ctxKey{}, f), fn)
	if err != nil {
		restore()
		r.mu.Unlock()
		log.Debugf("tx reverted: name=%s err=%v", name, err)
		return err
	}
	r.seq = t.id
	sink := r.sink
	r.mu.Unlock()

	if sink != nil && len(t.events) > 0 {
		sink.Publish(Receipt{ID: t.id, Name: name, At: f.now, Events: t.events})
	}
	return nil
}

func (r *Runtime) nested(ctx context.Context, f *frame, name string, fn func(ctx context.Context) error) error {
	mark := len(f.tx.events)
	restore := r.checkpoint()
	if err := run(ctx, fn); err != nil {
		restore()
		f.tx.events = f.tx.events[:mark]
		log.Debugf("nested call reverted: tx=%s call=%s err=%v", f.tx.name, name, err)
		return err
	}
	return nil
}

func run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic during execution: %v", p)
		}
	}()
	return fn(ctx)
}

// View 只读访问；在事务内直接执行，事务外持读锁
func (r *Runtime) View(ctx context.Context, fn func(ctx context.Context) error) error {
	if frameFrom(ctx) != nil {
		return fn(ctx)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fn(context.WithValue(ctx, ctxKey{}, &frame{readOnly: true, now: r.clock.Now()}))
}

// Read View 的泛型便捷版本
func Read[T any](ctx context.Context, r *Runtime, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.View(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Now 当前区块时间：事务内固定为事务开始时刻
func (r *Runtime) Now(ctx context.Context) time.Time {
	if f := frameFrom(ctx); f != nil {
		return f.now
	}
	return r.clock.Now()
}

// Height 已提交事务数
func (r *Runtime) Height() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seq
}

// Emit 在当前事务中记录事件，提交后发布；事务外调用被忽略
func Emit(ctx context.Context, event any) {
	f := frameFrom(ctx)
	if f == nil || f.tx == nil {
		return
	}
	f.tx.events = append(f.tx.events, event)
}

// InTx 是否处于写事务中
func InTx(ctx context.Context) bool {
	f := frameFrom(ctx)
	return f != nil && f.tx != nil
}

// TxName 当前事务名称（用于日志）
func TxName(ctx context.Context) string {
	if f := frameFrom(ctx); f != nil && f.tx != nil {
		return f.tx.name
	}
	return ""
}

func frameFrom(ctx context.Context) *frame {
	if ctx == nil {
		return nil
	}
	f, _ := ctx.Value(ctxKey{}).(*frame)
	return f
}
