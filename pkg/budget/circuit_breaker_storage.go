package budget

import "context"

// CircuitBreakerStorage routes every Storage call through a CircuitBreaker so
// that a failing backend is shed quickly instead of stalling admission.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

// NewCircuitBreakerStorage wraps storage with cb.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{storage: storage, cb: cb}
}

func guarded[T any](ctx context.Context, cb CircuitBreaker, call func() (T, error)) (T, error) {
	var out T
	err := cb.Execute(ctx, func() error {
		var err error
		out, err = call()
		return err
	})
	return out, err
}

func (s *CircuitBreakerStorage) GetLimits(ctx context.Context, tenantID string) (*Limits, error) {
	return guarded(ctx, s.cb, func() (*Limits, error) { return s.storage.GetLimits(ctx, tenantID) })
}

func (s *CircuitBreakerStorage) SetLimits(ctx context.Context, tenantID string, limits *Limits) error {
	return s.cb.Execute(ctx, func() error { return s.storage.SetLimits(ctx, tenantID, limits) })
}

func (s *CircuitBreakerStorage) GetEmergencyStop(ctx context.Context, tenantID string) (bool, error) {
	return guarded(ctx, s.cb, func() (bool, error) { return s.storage.GetEmergencyStop(ctx, tenantID) })
}

func (s *CircuitBreakerStorage) SetEmergencyStop(ctx context.Context, tenantID string, enabled bool) error {
	return s.cb.Execute(ctx, func() error { return s.storage.SetEmergencyStop(ctx, tenantID, enabled) })
}

func (s *CircuitBreakerStorage) GetUsage(ctx context.Context, tenantID, day string) (*UsageRecord, error) {
	return guarded(ctx, s.cb, func() (*UsageRecord, error) { return s.storage.GetUsage(ctx, tenantID, day) })
}

func (s *CircuitBreakerStorage) RecordCost(ctx context.Context, event *CostEvent) (*UsageRecord, error) {
	return guarded(ctx, s.cb, func() (*UsageRecord, error) { return s.storage.RecordCost(ctx, event) })
}

func (s *CircuitBreakerStorage) ResetUsage(ctx context.Context, tenantID, day string) error {
	return s.cb.Execute(ctx, func() error { return s.storage.ResetUsage(ctx, tenantID, day) })
}
