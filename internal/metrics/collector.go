// Package metrics provides internal metrics collection for the
// orchestration core. This package is internal and should not be imported
// by external projects.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates prometheus instruments for the orchestration core.
type Collector struct {
	// Workflow metrics
	workflowsTotal   *prometheus.CounterVec
	workflowDuration *prometheus.HistogramVec

	// Step metrics
	stepsTotal   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	stepRetries  *prometheus.CounterVec

	// Circuit breaker metrics
	breakerTransitions *prometheus.CounterVec

	// Pool metrics
	poolUtilization  *prometheus.GaugeVec
	healthyInstances *prometheus.GaugeVec
	scalingDecisions *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers the orchestration instruments under a namespace.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.workflowsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_total",
			Help:      "Workflow instances by terminal status",
		},
		[]string{"status"},
	)
	c.workflowDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "End-to-end workflow instance duration",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"definition_id"},
	)
	c.stepsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Step executions by role and outcome",
		},
		[]string{"role", "status"},
	)
	c.stepDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Single step dispatch duration",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"role"},
	)
	c.stepRetries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Step retries by backoff strategy",
		},
		[]string{"strategy"},
	)
	c.breakerTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		},
		[]string{"to_state"},
	)
	c.poolUtilization = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_utilization",
			Help:      "Load over capacity per capability role",
		},
		[]string{"role"},
	)
	c.healthyInstances = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "healthy_instances",
			Help:      "Active instances per capability role",
		},
		[]string{"role"},
	)
	c.scalingDecisions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scaling_decisions_total",
			Help:      "Auto-scaler recommendations by direction",
		},
		[]string{"role", "direction"},
	)
	return c
}

// RecordWorkflow counts a terminal workflow and observes its duration.
func (c *Collector) RecordWorkflow(definitionID, status string, seconds float64) {
	c.workflowsTotal.WithLabelValues(status).Inc()
	c.workflowDuration.WithLabelValues(definitionID).Observe(seconds)
}

// RecordStep counts a step outcome and observes its dispatch duration.
func (c *Collector) RecordStep(role, status string, seconds float64) {
	c.stepsTotal.WithLabelValues(role, status).Inc()
	c.stepDuration.WithLabelValues(role).Observe(seconds)
}

// RecordRetry counts one scheduled retry.
func (c *Collector) RecordRetry(strategy string) {
	c.stepRetries.WithLabelValues(strategy).Inc()
}

// RecordBreakerTransition counts a breaker state change.
func (c *Collector) RecordBreakerTransition(toState string) {
	c.breakerTransitions.WithLabelValues(toState).Inc()
}

// SetPoolUtilization updates the utilization gauge for a role.
func (c *Collector) SetPoolUtilization(role string, utilization float64) {
	c.poolUtilization.WithLabelValues(role).Set(utilization)
}

// SetHealthyInstances updates the active-instance gauge for a role.
func (c *Collector) SetHealthyInstances(role string, count int) {
	c.healthyInstances.WithLabelValues(role).Set(float64(count))
}

// RecordScalingDecision counts one auto-scaler recommendation.
func (c *Collector) RecordScalingDecision(role, direction string) {
	c.scalingDecisions.WithLabelValues(role, direction).Inc()
}
