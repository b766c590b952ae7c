package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/eleven-am/weft/internal/domain"
)

// Prometheus implements the MetricsCollector over a dedicated registry so
// tests and multiple engine instances never collide on registration.
type Prometheus struct {
	registry *prometheus.Registry

	executionsStarted  prometheus.Counter
	executionsResumed  prometheus.Counter
	executionsFinished *prometheus.CounterVec
	nodesStarted       prometheus.Counter
	nodesFinished      *prometheus.CounterVec
	nodeDuration       prometheus.Histogram
	retriesScheduled   *prometheus.CounterVec
	idempotentReplays  prometheus.Counter
	casConflicts       prometheus.Counter
	leaseEvents        *prometheus.CounterVec
	invocationsInFlight prometheus.Gauge
	tasksEnqueued      prometheus.Counter
	tasksDeadLettered  prometheus.Counter
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Prometheus{
		registry: registry,
		executionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "weft_executions_started_total",
			Help: "Executions started by this worker.",
		}),
		executionsResumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "weft_executions_resumed_total",
			Help: "Executions resumed from persisted state.",
		}),
		executionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_executions_finished_total",
			Help: "Executions finished, by terminal status.",
		}, []string{"status"}),
		nodesStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "weft_nodes_started_total",
			Help: "Node invocations started.",
		}),
		nodesFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_nodes_finished_total",
			Help: "Node invocations finished, by terminal status.",
		}, []string{"status"}),
		nodeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "weft_node_duration_seconds",
			Help:    "Wall time of completed node invocations.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60, 300},
		}),
		retriesScheduled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_retries_scheduled_total",
			Help: "Node retries scheduled, by action key.",
		}, []string{"action"}),
		idempotentReplays: factory.NewCounter(prometheus.CounterOpts{
			Name: "weft_idempotent_replays_total",
			Help: "Node invocations satisfied from cached idempotency results.",
		}),
		casConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "weft_cas_conflicts_total",
			Help: "State transitions lost to a concurrent writer.",
		}),
		leaseEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_lease_events_total",
			Help: "Lease protocol events, by kind.",
		}, []string{"kind"}),
		invocationsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "weft_invocations_in_flight",
			Help: "Node invocations currently running in this worker.",
		}),
		tasksEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "weft_tasks_enqueued_total",
			Help: "Work items enqueued to the task queue.",
		}),
		tasksDeadLettered: factory.NewCounter(prometheus.CounterOpts{
			Name: "weft_tasks_dead_lettered_total",
			Help: "Work items moved to the dead-letter set.",
		}),
	}
}

// Registry exposes the backing registry for the observability server's
// promhttp handler.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

func (p *Prometheus) ExecutionStarted() {
	p.executionsStarted.Inc()
}

func (p *Prometheus) ExecutionResumed() {
	p.executionsResumed.Inc()
}

func (p *Prometheus) ExecutionFinished(status domain.ExecutionStatus) {
	p.executionsFinished.WithLabelValues(string(status)).Inc()
}

func (p *Prometheus) NodeStarted() {
	p.nodesStarted.Inc()
}

func (p *Prometheus) NodeFinished(status domain.NodeStatus, duration time.Duration) {
	p.nodesFinished.WithLabelValues(string(status)).Inc()
	if status == domain.NodeCompleted {
		p.nodeDuration.Observe(duration.Seconds())
	}
}

func (p *Prometheus) RetryScheduled(actionKey string) {
	p.retriesScheduled.WithLabelValues(actionKey).Inc()
}

func (p *Prometheus) IdempotentReplay() {
	p.idempotentReplays.Inc()
}

func (p *Prometheus) CASConflict() {
	p.casConflicts.Inc()
}

func (p *Prometheus) LeaseAcquired() {
	p.leaseEvents.WithLabelValues("acquired").Inc()
}

func (p *Prometheus) LeaseRenewed() {
	p.leaseEvents.WithLabelValues("renewed").Inc()
}

func (p *Prometheus) LeaseLost() {
	p.leaseEvents.WithLabelValues("lost").Inc()
}

func (p *Prometheus) InvocationStarted() {
	p.invocationsInFlight.Inc()
}

func (p *Prometheus) InvocationFinished() {
	p.invocationsInFlight.Dec()
}

func (p *Prometheus) TaskEnqueued() {
	p.tasksEnqueued.Inc()
}

func (p *Prometheus) TaskDeadLettered() {
	p.tasksDeadLettered.Inc()
}
