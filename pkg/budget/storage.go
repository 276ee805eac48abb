package budget

import (
	"context"
	"time"
)

// Storage defines the interface for budget persistence
// All methods use concrete types from this package to avoid import cycles
type Storage interface {
	// GetLimits retrieves a tenant's limits
	// Returns ErrTenantNotFound if none were stored
	GetLimits(ctx context.Context, tenantID string) (*Limits, error)

	// SetLimits stores a tenant's limits in a single write
	// Limits are validated by the Governor before reaching storage
	SetLimits(ctx context.Context, tenantID string, limits *Limits) error

	// GetEmergencyStop returns the tenant's kill-switch flag (false if never set)
	GetEmergencyStop(ctx context.Context, tenantID string) (bool, error)

	// SetEmergencyStop sets the tenant's kill-switch flag
	SetEmergencyStop(ctx context.Context, tenantID string, enabled bool) error

	// GetUsage retrieves usage for a tenant-local day
	// Returns *UsageRecord, nil (if no usage), or error
	GetUsage(ctx context.Context, tenantID, day string) (*UsageRecord, error)

	// RecordCost atomically books a cost event into the event's day (transaction-safe)
	// Two concurrent calls for the same tenant must both be reflected
	// Returns the record after the increment
	RecordCost(ctx context.Context, event *CostEvent) (*UsageRecord, error)

	// ResetUsage creates an empty record for the day if none exists
	// Existing records are left untouched
	ResetUsage(ctx context.Context, tenantID, day string) error
}

// TimeSource defines an interface for getting time from the storage engine.
// This ensures consistency in distributed systems by using storage engine time
// instead of application server time, preventing clock skew issues.
type TimeSource interface {
	// Now returns the current time from the storage engine.
	Now(ctx context.Context) (time.Time, error)
}
