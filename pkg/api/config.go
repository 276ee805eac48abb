package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/gobudget/pkg/budget"
)

// DefaultTenantHeader is the header read when no GetTenantID is configured
const DefaultTenantHeader = "X-Tenant-ID"

// Config holds configuration for the budget API handler
type Config struct {
	// Governor is the budget governor instance (required)
	Governor *budget.Governor

	// GetTenantID extracts the tenant ID from the HTTP request
	// If nil, reads the X-Tenant-ID header
	GetTenantID func(*http.Request) string

	// OnError handles errors (missing tenant, storage, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// MaxRetries bounds retries of transient storage failures (default: 3, negative disables)
	MaxRetries int

	// RetryInterval is the initial backoff between retries (default: 50ms)
	RetryInterval time.Duration

	// Logger is used for request-level logging (default: NoopLogger)
	Logger budget.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Governor == nil {
		return fmt.Errorf("governor is required")
	}
	return nil
}

// NewHandler creates a new budget API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.GetTenantID == nil {
		config.GetTenantID = FromHeader(DefaultTenantHeader)
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 50 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = &budget.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common TenantID extraction patterns

// FromHeader returns a GetTenantID function that extracts the tenant ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetTenantID function that extracts the tenant ID from request context
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if tenantID, ok := r.Context().Value(key).(string); ok {
			return tenantID
		}
		return ""
	}
}
