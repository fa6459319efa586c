package telemetry

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the engine.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with critical paths such as task enqueue and execution.
type Collector interface {
	IncTaskEnqueued(kind, priority string)
	IncTaskExecuted(kind string)
	IncTasksDrained(count int)
	SetQueueDepth(depth int)
	SetWorkerCount(count int)
	IncPollRound()
	IncCallbackInvocation(channel uint32)
	IncControlError(op string)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncTaskEnqueued(string, string)  {}
func (noopCollector) IncTaskExecuted(string)          {}
func (noopCollector) IncTasksDrained(int)             {}
func (noopCollector) SetQueueDepth(int)               {}
func (noopCollector) SetWorkerCount(int)              {}
func (noopCollector) IncPollRound()                   {}
func (noopCollector) IncCallbackInvocation(uint32)    {}
func (noopCollector) IncControlError(string)          {}

// PrometheusCollector exposes engine counters via Prometheus.
type PrometheusCollector struct {
	enqueued  *prometheus.CounterVec
	executed  *prometheus.CounterVec
	drained   prometheus.Counter
	depth     prometheus.Gauge
	workers   prometheus.Gauge
	rounds    prometheus.Counter
	callbacks *prometheus.CounterVec
	ctrlErrs  *prometheus.CounterVec
}

var registryMu sync.Mutex

// NewPrometheusCollector registers the engine metrics with the provided
// registerer. Passing nil uses the default registerer. Re-registering against
// the same registerer reuses the existing collectors.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	registryMu.Lock()
	defer registryMu.Unlock()

	c := &PrometheusCollector{}

	enqueued := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cellbench_tasks_enqueued_total",
		Help: "Number of tasks pushed onto the work queue per kind and priority.",
	}, []string{"kind", "priority"})
	v, err := registerOrReuse(reg, enqueued)
	if err != nil {
		return nil, err
	}
	c.enqueued = v.(*prometheus.CounterVec)

	executed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cellbench_tasks_executed_total",
		Help: "Number of tasks executed by the worker pool per kind.",
	}, []string{"kind"})
	v, err = registerOrReuse(reg, executed)
	if err != nil {
		return nil, err
	}
	c.executed = v.(*prometheus.CounterVec)

	drained := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cellbench_tasks_drained_total",
		Help: "Number of queued tasks dropped during shutdown.",
	})
	v, err = registerOrReuse(reg, drained)
	if err != nil {
		return nil, err
	}
	c.drained = v.(prometheus.Counter)

	depth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cellbench_queue_depth",
		Help: "Number of tasks currently queued.",
	})
	v, err = registerOrReuse(reg, depth)
	if err != nil {
		return nil, err
	}
	c.depth = v.(prometheus.Gauge)

	workers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cellbench_workers",
		Help: "Current size of the worker pool.",
	})
	v, err = registerOrReuse(reg, workers)
	if err != nil {
		return nil, err
	}
	c.workers = v.(prometheus.Gauge)

	rounds := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cellbench_poll_rounds_total",
		Help: "Number of telemetry polling rounds completed by the ingestor.",
	})
	v, err = registerOrReuse(reg, rounds)
	if err != nil {
		return nil, err
	}
	c.rounds = v.(prometheus.Counter)

	callbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cellbench_callback_invocations_total",
		Help: "Number of reaction callbacks invoked per channel.",
	}, []string{"channel"})
	v, err = registerOrReuse(reg, callbacks)
	if err != nil {
		return nil, err
	}
	c.callbacks = v.(*prometheus.CounterVec)

	ctrlErrs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cellbench_control_errors_total",
		Help: "Number of failed control port handoffs per operation.",
	}, []string{"op"})
	v, err = registerOrReuse(reg, ctrlErrs)
	if err != nil {
		return nil, err
	}
	c.ctrlErrs = v.(*prometheus.CounterVec)

	return c, nil
}

func registerOrReuse(reg prometheus.Registerer, collector prometheus.Collector) (prometheus.Collector, error) {
	if err := reg.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector, nil
		}
		return nil, err
	}
	return collector, nil
}

// IncTaskEnqueued counts a push onto the work queue.
func (p *PrometheusCollector) IncTaskEnqueued(kind, priority string) {
	if p == nil || p.enqueued == nil {
		return
	}
	p.enqueued.WithLabelValues(kind, priority).Inc()
}

// IncTaskExecuted counts a completed task execution.
func (p *PrometheusCollector) IncTaskExecuted(kind string) {
	if p == nil || p.executed == nil {
		return
	}
	p.executed.WithLabelValues(kind).Inc()
}

// IncTasksDrained counts tasks dropped during shutdown.
func (p *PrometheusCollector) IncTasksDrained(count int) {
	if p == nil || p.drained == nil || count <= 0 {
		return
	}
	p.drained.Add(float64(count))
}

// SetQueueDepth updates the queue depth gauge.
func (p *PrometheusCollector) SetQueueDepth(depth int) {
	if p == nil || p.depth == nil {
		return
	}
	p.depth.Set(float64(depth))
}

// SetWorkerCount updates the pool size gauge.
func (p *PrometheusCollector) SetWorkerCount(count int) {
	if p == nil || p.workers == nil {
		return
	}
	p.workers.Set(float64(count))
}

// IncPollRound counts a completed ingestor round.
func (p *PrometheusCollector) IncPollRound() {
	if p == nil || p.rounds == nil {
		return
	}
	p.rounds.Inc()
}

// IncCallbackInvocation counts a reaction invocation for a channel.
func (p *PrometheusCollector) IncCallbackInvocation(channel uint32) {
	if p == nil || p.callbacks == nil {
		return
	}
	p.callbacks.WithLabelValues(strconv.FormatUint(uint64(channel), 10)).Inc()
}

// IncControlError counts a failed control port handoff.
func (p *PrometheusCollector) IncControlError(op string) {
	if p == nil || p.ctrlErrs == nil {
		return
	}
	p.ctrlErrs.WithLabelValues(op).Inc()
}
