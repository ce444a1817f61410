// Package metrics exposes Prometheus collectors for the execution engine.
// Every method is safe on a nil *Collector so metrics stay optional.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the engine's Prometheus metrics.
type Collector struct {
	executionsStarted  *prometheus.CounterVec
	executionsFinished *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec

	stepsFinished *prometheus.CounterVec
	stepRetries   *prometheus.CounterVec

	handlerCalls    *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	aiTokens        *prometheus.CounterVec
	aiCost          *prometheus.CounterVec

	approvalDecisions *prometheus.CounterVec
	staleEvents       *prometheus.CounterVec
	timersFired       *prometheus.CounterVec

	poolActive prometheus.Gauge
	poolQueued prometheus.Gauge
}

// NewCollector registers the engine metrics on reg under namespace.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		executionsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_started_total",
			Help:      "Execution instances started, by workflow name.",
		}, []string{"workflow"}),
		executionsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_finished_total",
			Help:      "Execution instances that reached a terminal status.",
		}, []string{"workflow", "status"}),
		executionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time from start to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 12),
		}, []string{"workflow", "status"}),
		stepsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_finished_total",
			Help:      "Steps that reached a terminal status, by node kind.",
		}, []string{"kind", "status"}),
		stepRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Retries scheduled for task and AI agent steps.",
		}, []string{"kind"}),
		handlerCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_calls_total",
			Help:      "Handler invocations by handler key and outcome.",
		}, []string{"handler", "outcome"}),
		handlerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Handler invocation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handler"}),
		aiTokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_tokens_total",
			Help:      "Tokens reported by AI agent handlers.",
		}, []string{"model"}),
		aiCost: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_cost_total",
			Help:      "Cost reported by AI agent handlers.",
		}, []string{"model"}),
		approvalDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_decisions_total",
			Help:      "Approval decisions recorded.",
		}, []string{"decision"}),
		staleEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_events_total",
			Help:      "Events discarded by the stale guard.",
		}, []string{"type"}),
		timersFired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_fired_total",
			Help:      "Timer events delivered to executions.",
		}, []string{"type"}),
		poolActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_pool_active",
			Help:      "Handler calls currently running.",
		}),
		poolQueued: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_pool_queued",
			Help:      "Handler calls waiting for a worker.",
		}),
	}
}

func (c *Collector) ExecutionStarted(workflow string) {
	if c == nil {
		return
	}
	c.executionsStarted.WithLabelValues(workflow).Inc()
}

func (c *Collector) ExecutionFinished(workflow, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.executionsFinished.WithLabelValues(workflow, status).Inc()
	c.executionDuration.WithLabelValues(workflow, status).Observe(d.Seconds())
}

func (c *Collector) StepFinished(kind, status string) {
	if c == nil {
		return
	}
	c.stepsFinished.WithLabelValues(kind, status).Inc()
}

func (c *Collector) StepRetried(kind string) {
	if c == nil {
		return
	}
	c.stepRetries.WithLabelValues(kind).Inc()
}

// HandlerCall records one handler invocation. outcome is ok, error, deferred
// or circuit_open.
func (c *Collector) HandlerCall(handler, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.handlerCalls.WithLabelValues(handler, outcome).Inc()
	c.handlerDuration.WithLabelValues(handler).Observe(d.Seconds())
}

func (c *Collector) AIUsage(model string, tokens int, cost float64) {
	if c == nil {
		return
	}
	c.aiTokens.WithLabelValues(model).Add(float64(tokens))
	c.aiCost.WithLabelValues(model).Add(cost)
}

func (c *Collector) ApprovalDecision(decision string) {
	if c == nil {
		return
	}
	c.approvalDecisions.WithLabelValues(decision).Inc()
}

func (c *Collector) StaleEvent(eventType string) {
	if c == nil {
		return
	}
	c.staleEvents.WithLabelValues(eventType).Inc()
}

func (c *Collector) TimerFired(eventType string) {
	if c == nil {
		return
	}
	c.timersFired.WithLabelValues(eventType).Inc()
}

// Pool sets the worker pool gauges.
func (c *Collector) Pool(active, queued int64) {
	if c == nil {
		return
	}
	c.poolActive.Set(float64(active))
	c.poolQueued.Set(float64(queued))
}
