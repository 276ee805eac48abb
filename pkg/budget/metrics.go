package budget

import "time"

// Metrics defines the interface for tracking governor operations and performance.
type Metrics interface {
	// RecordEvaluation records an admission decision.
	RecordEvaluation(kind ActionKind, reason Reason, allowed bool, duration time.Duration)

	// RecordCost records cost booked into the ledger.
	RecordCost(kind ActionKind, amount float64)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordRollover records a day rollover for a tenant.
	RecordRollover()

	// RecordDegradedDashboard records a dashboard served from defaults after a storage failure.
	RecordDegradedDashboard()

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordEvaluation(ActionKind, Reason, bool, time.Duration)         {}
func (n *NoopMetrics) RecordCost(ActionKind, float64)                                    {}
func (n *NoopMetrics) RecordStorageOperation(operation string, d time.Duration, e error) {}
func (n *NoopMetrics) RecordRollover()                                                   {}
func (n *NoopMetrics) RecordDegradedDashboard()                                          {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                      {}
