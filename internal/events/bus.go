package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/splitvault/internal/chain"
)

var log = logrus.WithField("component", "events")

// Record 已提交事务中的单个事件
type Record struct {
	TxID   uint64
	TxName string
	At     time.Time
	Index  int
	Event  Event
}

// Handler 事件观察者
type Handler interface {
	HandleEvent(ctx context.Context, rec Record)
}

// HandlerFunc 函数适配
type HandlerFunc func(ctx context.Context, rec Record)

func (f HandlerFunc) HandleEvent(ctx context.Context, rec Record) { f(ctx, rec) }

// Bus 同步分发已提交事件；观察者 panic 不影响其他观察者
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

var _ chain.Sink = (*Bus)(nil)

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe 注册观察者
func (b *Bus) Subscribe(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Publish 实现 chain.Sink
func (b *Bus) Publish(r chain.Receipt) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	ctx := context.Background()
	for i, raw := range r.Events {
		ev, ok := raw.(Event)
		if !ok {
			log.Warnf("[Bus] 忽略未知事件类型: tx=%d type=%T", r.ID, raw)
			continue
		}
		rec := Record{TxID: r.ID, TxName: r.Name, At: r.At, Index: i, Event: ev}
		for _, h := range handlers {
			dispatch(ctx, h, rec)
		}
	}
}

func dispatch(ctx context.Context, h Handler, rec Record) {
	defer func() {
		if p := recover(); p != nil {
			log.Errorf("[Bus] 观察者 panic: event=%s tx=%d panic=%v", rec.Event.EventName(), rec.TxID, p)
		}
	}()
	h.HandleEvent(ctx, rec)
}

// Recorder 记录全部事件的观察者（测试与调试用）
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

func (r *Recorder) HandleEvent(_ context.Context, rec Record) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
}

// Records 全部记录的副本
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// Names 事件名序列
func (r *Recorder) Names() []string {
	recs := r.Records()
	out := make([]string, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Event.EventName())
	}
	return out
}

// Reset 清空
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.records = nil
	r.mu.Unlock()
}

func (rec Record) String() string {
	return fmt.Sprintf("tx=%d(%s)#%d %s", rec.TxID, rec.TxName, rec.Index, rec.Event.EventName())
}
