// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Collector aggregates the framework's Prometheus metrics. A nil *Collector
// is valid and records nothing, so instrumentation points need no guards.
type Collector struct {
	dispatchedTotal    *prometheus.CounterVec
	processedTotal     *prometheus.CounterVec
	processingDuration *prometheus.HistogramVec
	deadLetteredTotal  *prometheus.CounterVec
	reclaimedTotal     *prometheus.CounterVec

	breakerTransitions *prometheus.CounterVec

	workflowRunsTotal   *prometheus.CounterVec
	workflowRunDuration *prometheus.HistogramVec
	workflowCycles      *prometheus.HistogramVec

	externalCallsTotal *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a collector and registers its metrics on reg. Pass
// prometheus.DefaultRegisterer for the process-wide registry.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := func(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
		v := prometheus.NewCounterVec(opts, labels)
		reg.MustRegister(v)
		return v
	}

	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.dispatchedTotal = factory(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_dispatched_total",
		Help:      "Total number of messages dispatched",
	}, []string{"transport"})

	c.processedTotal = factory(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_processed_total",
		Help:      "Total number of stream entries processed",
	}, []string{"agent", "status"})

	c.processingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "message_processing_duration_seconds",
		Help:      "Handler processing duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"agent"})
	reg.MustRegister(c.processingDuration)

	c.deadLetteredTotal = factory(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_dead_lettered_total",
		Help:      "Total number of entries moved to a dead-letter stream",
	}, []string{"agent"})

	c.reclaimedTotal = factory(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_reclaimed_total",
		Help:      "Total number of idle pending entries reclaimed",
	}, []string{"agent"})

	c.breakerTransitions = factory(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_transitions_total",
		Help:      "Total number of circuit breaker state transitions",
	}, []string{"breaker", "from", "to"})

	c.workflowRunsTotal = factory(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflow_runs_total",
		Help:      "Total number of workflow runs by outcome",
	}, []string{"workflow", "status"})

	c.workflowRunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "workflow_run_duration_seconds",
		Help:      "Workflow run duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"workflow"})
	reg.MustRegister(c.workflowRunDuration)

	c.workflowCycles = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "workflow_agent_cycles",
		Help:      "Agent cycles consumed per workflow run",
		Buckets:   []float64{1, 2, 5, 10, 20, 50},
	}, []string{"workflow"})
	reg.MustRegister(c.workflowCycles)

	c.externalCallsTotal = factory(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "external_agent_calls_total",
		Help:      "Total number of external agent webhook calls by outcome",
	}, []string{"agent", "outcome"})

	return c
}

// RecordDispatched counts one dispatched message on a transport.
func (c *Collector) RecordDispatched(transport string) {
	if c == nil {
		return
	}
	c.dispatchedTotal.WithLabelValues(transport).Inc()
}

// RecordProcessed counts one processed stream entry and its duration.
func (c *Collector) RecordProcessed(agent, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.processedTotal.WithLabelValues(agent, status).Inc()
	c.processingDuration.WithLabelValues(agent).Observe(d.Seconds())
}

// RecordDeadLettered counts one entry moved to a DLQ stream.
func (c *Collector) RecordDeadLettered(agent string) {
	if c == nil {
		return
	}
	c.deadLetteredTotal.WithLabelValues(agent).Inc()
}

// RecordReclaimed counts entries recovered from dead consumers.
func (c *Collector) RecordReclaimed(agent string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.reclaimedTotal.WithLabelValues(agent).Add(float64(n))
}

// RecordBreakerTransition counts one circuit breaker state change.
func (c *Collector) RecordBreakerTransition(breaker, from, to string) {
	if c == nil {
		return
	}
	c.breakerTransitions.WithLabelValues(breaker, from, to).Inc()
}

// RecordWorkflowRun counts one workflow run with its outcome and cost.
func (c *Collector) RecordWorkflowRun(workflow, status string, cycles int, d time.Duration) {
	if c == nil {
		return
	}
	c.workflowRunsTotal.WithLabelValues(workflow, status).Inc()
	c.workflowRunDuration.WithLabelValues(workflow).Observe(d.Seconds())
	c.workflowCycles.WithLabelValues(workflow).Observe(float64(cycles))
}

// RecordExternalCall counts one external agent call outcome.
func (c *Collector) RecordExternalCall(agent, outcome string) {
	if c == nil {
		return
	}
	c.externalCallsTotal.WithLabelValues(agent, outcome).Inc()
}
