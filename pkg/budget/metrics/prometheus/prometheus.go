// Package prommetrics implements budget.Metrics with Prometheus collectors.
package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/gobudget/pkg/budget"
)

// Metrics implements budget.Metrics using Prometheus.
type Metrics struct {
	evaluationsTotal           *prometheus.CounterVec
	evaluationDuration         *prometheus.HistogramVec
	costTotal                  *prometheus.CounterVec
	costAmount                 *prometheus.HistogramVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	rolloversTotal             prometheus.Counter
	degradedDashboardsTotal    prometheus.Counter
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		evaluationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_evaluations_total",
			Help:      "Total number of admission decisions.",
		}, []string{"kind", "reason", "allowed"}),

		evaluationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "budget_evaluation_duration_seconds",
			Help:      "Latency of admission decisions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),

		costTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_cost_total",
			Help:      "Total cost booked into the usage ledger.",
		}, []string{"kind"}),

		costAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "budget_cost_amount",
			Help:      "Distribution of booked cost per action.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"kind"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		rolloversTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_rollovers_total",
			Help:      "Total number of tenant day rollovers.",
		}),

		degradedDashboardsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_degraded_dashboards_total",
			Help:      "Total number of dashboards served from defaults after a storage failure.",
		}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordEvaluation(kind budget.ActionKind, reason budget.Reason, allowed bool, duration time.Duration) {
	label := string(reason)
	if label == "" {
		label = "none"
	}
	m.evaluationsTotal.WithLabelValues(string(kind), label, strconv.FormatBool(allowed)).Inc()
	m.evaluationDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
}

func (m *Metrics) RecordCost(kind budget.ActionKind, amount float64) {
	m.costTotal.WithLabelValues(string(kind)).Add(amount)
	m.costAmount.WithLabelValues(string(kind)).Observe(amount)
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordRollover() {
	m.rolloversTotal.Inc()
}

func (m *Metrics) RecordDegradedDashboard() {
	m.degradedDashboardsTotal.Inc()
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}
