// Package memory provides an in-memory implementation of the budget.Storage interface.
// This implementation is primarily intended for testing, development and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/gobudget/pkg/budget"
)

// Storage implements budget.Storage using in-memory maps
type Storage struct {
	mu      sync.RWMutex
	limits  map[string]*budget.Limits
	stops   map[string]bool
	tenants map[string]*tenantLedger
}

// tenantLedger serialises usage updates for one tenant
type tenantLedger struct {
	mu   sync.Mutex
	days map[string]*budget.UsageRecord
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		limits:  make(map[string]*budget.Limits),
		stops:   make(map[string]bool),
		tenants: make(map[string]*tenantLedger),
	}
}

// GetLimits implements budget.Storage
func (s *Storage) GetLimits(_ context.Context, tenantID string) (*budget.Limits, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limits, ok := s.limits[tenantID]
	if !ok {
		return nil, budget.ErrTenantNotFound
	}

	// Return a copy to prevent external mutations
	limitsCopy := *limits
	return &limitsCopy, nil
}

// SetLimits implements budget.Storage
func (s *Storage) SetLimits(_ context.Context, tenantID string, limits *budget.Limits) error {
	if limits == nil || tenantID == "" {
		return fmt.Errorf("invalid limits")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	limitsCopy := *limits
	s.limits[tenantID] = &limitsCopy
	return nil
}

// GetEmergencyStop implements budget.Storage
func (s *Storage) GetEmergencyStop(_ context.Context, tenantID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stops[tenantID], nil
}

// SetEmergencyStop implements budget.Storage
func (s *Storage) SetEmergencyStop(_ context.Context, tenantID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops[tenantID] = enabled
	return nil
}

// GetUsage implements budget.Storage
func (s *Storage) GetUsage(_ context.Context, tenantID, day string) (*budget.UsageRecord, error) {
	ledger := s.ledger(tenantID, false)
	if ledger == nil {
		return nil, nil
	}

	ledger.mu.Lock()
	defer ledger.mu.Unlock()

	usage, ok := ledger.days[day]
	if !ok {
		return nil, nil // No usage yet is not an error
	}
	return usage.Clone(), nil
}

// RecordCost implements budget.Storage; increments for one tenant are serialised
func (s *Storage) RecordCost(_ context.Context, event *budget.CostEvent) (*budget.UsageRecord, error) {
	if event == nil || event.TenantID == "" || event.Day == "" {
		return nil, fmt.Errorf("invalid cost event")
	}
	if event.Cost.IsNegative() {
		return nil, budget.ErrInvalidAmount
	}

	ledger := s.ledger(event.TenantID, true)
	ledger.mu.Lock()
	defer ledger.mu.Unlock()

	usage, ok := ledger.days[event.Day]
	if !ok {
		usage = budget.NewUsageRecord(event.TenantID, event.Day)
		ledger.days[event.Day] = usage
	}
	event.Apply(usage)
	return usage.Clone(), nil
}

// ResetUsage implements budget.Storage
func (s *Storage) ResetUsage(_ context.Context, tenantID, day string) error {
	ledger := s.ledger(tenantID, true)
	ledger.mu.Lock()
	defer ledger.mu.Unlock()

	if _, ok := ledger.days[day]; !ok {
		fresh := budget.NewUsageRecord(tenantID, day)
		fresh.UpdatedAt = time.Now().UTC()
		ledger.days[day] = fresh
	}
	return nil
}

// Prune drops usage records of days before the given day key
func (s *Storage) Prune(before string) int {
	s.mu.RLock()
	ledgers := make([]*tenantLedger, 0, len(s.tenants))
	for _, l := range s.tenants {
		ledgers = append(ledgers, l)
	}
	s.mu.RUnlock()

	removed := 0
	for _, l := range ledgers {
		l.mu.Lock()
		for day := range l.days {
			if day < before {
				delete(l.days, day)
				removed++
			}
		}
		l.mu.Unlock()
	}
	return removed
}

// Now implements budget.TimeSource using the local clock
func (s *Storage) Now(_ context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}

func (s *Storage) ledger(tenantID string, create bool) *tenantLedger {
	s.mu.RLock()
	l, ok := s.tenants[tenantID]
	s.mu.RUnlock()
	if ok || !create {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok = s.tenants[tenantID]; ok {
		return l
	}
	l = &tenantLedger{days: make(map[string]*budget.UsageRecord)}
	s.tenants[tenantID] = l
	return l
}
