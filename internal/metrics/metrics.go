package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/betbot/splitvault/internal/events"
)

var (
	// Registry 应用自有的 collector
	Registry = prometheus.NewRegistry()

	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "splitvault",
			Subsystem: "chain",
			Name:      "events_total",
			Help:      "Committed events by name.",
		},
		[]string{"event"},
	)

	committedTx = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "splitvault",
			Subsystem: "chain",
			Name:      "last_tx_id",
			Help:      "Id of the last transaction whose events were published.",
		},
	)

	keeperPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "splitvault",
			Subsystem: "keeper",
			Name:      "passes_total",
			Help:      "Keeper passes by outcome.",
		},
		[]string{"result"},
	)

	keeperActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "splitvault",
			Subsystem: "keeper",
			Name:      "actions_total",
			Help:      "Keeper entry-point calls by action and error kind.",
		},
		[]string{"action", "result"},
	)

	keeperDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "splitvault",
			Subsystem: "keeper",
			Name:      "pass_duration_seconds",
			Help:      "Duration of keeper passes.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		eventsTotal,
		committedTx,
		keeperPasses,
		keeperActions,
		keeperDuration,
	)
}

// EventCounter 事件总线观察者，按事件名计数
type EventCounter struct{}

var _ events.Handler = EventCounter{}

func (EventCounter) HandleEvent(_ context.Context, rec events.Record) {
	eventsTotal.WithLabelValues(rec.Event.EventName()).Inc()
	committedTx.Set(float64(rec.TxID))
}

// RecordKeeperPass 记录一次 keeper 巡检
func RecordKeeperPass(failed bool, duration time.Duration) {
	result := "ok"
	if failed {
		result = "failed"
	}
	keeperPasses.WithLabelValues(result).Inc()
	keeperDuration.Observe(duration.Seconds())
}

// RecordKeeperAction 记录 keeper 发起的入口调用；result 为 "ok" 或错误分类
func RecordKeeperAction(action, result string) {
	keeperActions.WithLabelValues(action, result).Inc()
}
