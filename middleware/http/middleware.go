// Package http provides HTTP middleware for budget admission control
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/mihaimyh/gobudget/middleware/internal/admission"
	"github.com/mihaimyh/gobudget/pkg/budget"
)

const (
	// WarningHeader is set on admitted requests that crossed the warning threshold
	WarningHeader = admission.WarningHeader

	// CostHeader may be set by the handler to report the request's actual cost
	CostHeader = admission.CostHeader
)

// TenantIDExtractor extracts the tenant ID from an HTTP request
// Return empty string if the tenant is unknown
type TenantIDExtractor func(r *http.Request) string

// AgentIDExtractor extracts the agent ID used for per-agent cost attribution
type AgentIDExtractor func(r *http.Request) string

// ActionExtractor describes the action a request performs
// For example: one LLM call with an estimated cost taken from the body
type ActionExtractor func(r *http.Request) (budget.Action, error)

// Config holds middleware configuration
type Config struct {
	// Governor is the budget governor instance (required)
	Governor *budget.Governor

	// GetTenantID extracts tenant ID from request (required)
	GetTenantID TenantIDExtractor

	// GetAction describes the proposed action (required)
	GetAction ActionExtractor

	// GetAgentID extracts the agent ID (optional)
	// If nil, reads the X-Agent-ID header
	GetAgentID AgentIDExtractor

	// HoldAutoLoopSlot reserves one of the tenant's concurrent auto-loop slots
	// while an auto-loop iteration request is being served
	HoldAutoLoopSlot bool

	// OnDenied is called when the action is denied
	// If nil, returns a JSON body with 402, 403 or 429 depending on the reason
	OnDenied func(w http.ResponseWriter, r *http.Request, decision *budget.Decision)

	// OnUnauthorized is called when no tenant could be extracted
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when evaluation fails
	// If nil, returns a status derived from the error
	OnError func(w http.ResponseWriter, r *http.Request, err error)

	// Logger receives cost recording failures (default: NoopLogger)
	Logger budget.Logger
}

// Middleware creates an HTTP middleware that admits requests against the tenant budget
// and records their cost after a successful response
func Middleware(config Config) func(http.Handler) http.Handler {
	// Validate required configuration at startup (fail fast)
	if config.Governor == nil {
		panic("gobudget/http: Config.Governor is required")
	}
	if config.GetTenantID == nil {
		panic("gobudget/http: Config.GetTenantID is required")
	}
	if config.GetAction == nil {
		panic("gobudget/http: Config.GetAction is required")
	}

	// Set defaults
	if config.GetAgentID == nil {
		config.GetAgentID = AgentFromHeader("X-Agent-ID")
	}

	gate := &admission.Gate{
		Governor: config.Governor,
		Logger:   config.Logger,
		HoldSlot: config.HoldAutoLoopSlot,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Extract tenant ID
			tenantID := config.GetTenantID(r)
			if tenantID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			action, err := config.GetAction(r)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Bad Request", http.StatusBadRequest)
				}
				return
			}

			ctx := r.Context()
			decision, release, err := gate.Admit(ctx, tenantID, action)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, http.StatusText(admission.ErrorStatus(err)), admission.ErrorStatus(err))
				}
				return
			}

			if !decision.Allowed {
				w.Header().Set(admission.ReasonHeader, string(decision.Reason))
				if config.OnDenied != nil {
					config.OnDenied(w, r, decision)
				} else {
					defaultDenied(w, decision)
				}
				return
			}
			defer release()

			if decision.Warning {
				w.Header().Set(WarningHeader, admission.WarningValue(decision))
			}
			if decision.Override {
				w.Header().Set(admission.ReasonHeader, string(decision.Reason))
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			gate.Settle(context.WithoutCancel(ctx), tenantID, config.GetAgentID(r), action.Kind, decision, rec.status, w.Header().Get(CostHeader))
		})
	}
}

// HandlerFunc creates an HTTP middleware that admits requests (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// statusRecorder captures the status code written by the handler
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func defaultDenied(w http.ResponseWriter, decision *budget.Decision) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(admission.DeniedStatus(decision.Reason))
	_ = json.NewEncoder(w).Encode(admission.DeniedBody(decision))
}

// Common extractors for convenience

// ContextKey is a type for context keys
type ContextKey string

const (
	// TenantIDKey is the context key for tenant ID
	TenantIDKey ContextKey = "budget:tenantID"
)

// FromContext returns a TenantIDExtractor that gets tenant ID from request context
func FromContext(key ContextKey) TenantIDExtractor {
	return func(r *http.Request) string {
		if tenantID, ok := r.Context().Value(key).(string); ok {
			return tenantID
		}
		return ""
	}
}

// FromHeader returns a TenantIDExtractor that gets tenant ID from a header
func FromHeader(headerName string) TenantIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// AgentFromHeader returns an AgentIDExtractor that gets agent ID from a header
func AgentFromHeader(headerName string) AgentIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// LLMCall returns an ActionExtractor for one manually triggered LLM call with
// a fixed estimate. Past the daily cap it is still admitted, with a warning.
// Use AutonomousLLMCall for routes driven by agents.
func LLMCall(estimate decimal.Decimal) ActionExtractor {
	return func(*http.Request) (budget.Action, error) {
		return budget.Action{Kind: budget.ActionLLMCall, EstimatedCost: estimate}, nil
	}
}

// AutonomousLLMCall returns an ActionExtractor for one agent-driven LLM call
// that is denied once it would exceed the daily cap
func AutonomousLLMCall(estimate decimal.Decimal) ActionExtractor {
	return func(*http.Request) (budget.Action, error) {
		return budget.Action{Kind: budget.ActionLLMCall, EstimatedCost: estimate, Autonomous: true}, nil
	}
}

// ManualFromHeader wraps an ActionExtractor so that LLM calls are autonomous
// unless the header is "true", in which case they run as manual tasks that may
// exceed the daily cap. Anyone who can set the header can lift the cap: mount
// it only behind an authenticated operator route, never on a public one.
func ManualFromHeader(headerName string, base ActionExtractor) ActionExtractor {
	return func(r *http.Request) (budget.Action, error) {
		action, err := base(r)
		if err != nil {
			return action, err
		}
		action.Autonomous = r.Header.Get(headerName) != "true"
		return action, nil
	}
}

// AutoLoopIteration returns an ActionExtractor for one auto-loop iteration priced by the tenant's limits
func AutoLoopIteration() ActionExtractor {
	return func(*http.Request) (budget.Action, error) {
		return budget.Action{Kind: budget.ActionAutoLoopIteration}, nil
	}
}

// WithTenantID adds tenant ID to request context
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}
