// Package gin provides Gin middleware for budget admission control
package gin

import (
	"context"
	"net/http"

	gongin "github.com/gin-gonic/gin"
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

// TenantIDExtractor extracts the tenant ID from a Gin context
// Return empty string if the tenant is unknown
type TenantIDExtractor func(c *gongin.Context) string

// AgentIDExtractor extracts the agent ID used for per-agent cost attribution
type AgentIDExtractor func(c *gongin.Context) string

// ActionExtractor describes the action a request performs
type ActionExtractor func(c *gongin.Context) (budget.Action, error)

// Config holds middleware configuration
type Config struct {
	// Governor is the budget governor instance (required)
	Governor *budget.Governor

	// GetTenantID extracts tenant ID from context (required)
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
	// If nil, uses default response: JSON with 402, 403 or 429 depending on the reason
	OnDenied func(c *gongin.Context, decision *budget.Decision)

	// OnUnauthorized is called when no tenant could be extracted
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns a status derived from the error
	OnError func(c *gongin.Context, err error)

	// OnWarning is called when an admitted action crosses the warning threshold.
	// If nil, the X-Budget-Warning header is added.
	//
	// IMPORTANT: This function should ONLY set headers (c.Header).
	// Do NOT write to the response body or status code, as this will
	// interfere with the handler that runs after the middleware.
	OnWarning func(c *gongin.Context, decision *budget.Decision)

	// Logger receives cost recording failures (default: NoopLogger)
	Logger budget.Logger
}

// Middleware creates a Gin middleware that admits requests against the tenant budget
// and records their cost after a successful response
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Governor == nil {
		panic("gobudget/gin: Config.Governor is required")
	}
	if cfg.GetTenantID == nil {
		panic("gobudget/gin: Config.GetTenantID is required")
	}
	if cfg.GetAction == nil {
		panic("gobudget/gin: Config.GetAction is required")
	}

	// Set defaults
	if cfg.GetAgentID == nil {
		cfg.GetAgentID = AgentFromHeader("X-Agent-ID")
	}
	if cfg.OnWarning == nil {
		cfg.OnWarning = defaultWarningHandler
	}

	gate := &admission.Gate{
		Governor: cfg.Governor,
		Logger:   cfg.Logger,
		HoldSlot: cfg.HoldAutoLoopSlot,
	}

	return func(c *gongin.Context) {
		// Extract tenant ID
		tenantID := cfg.GetTenantID(c)
		if tenantID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		action, err := cfg.GetAction(c)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusBadRequest, gongin.H{"error": "Bad Request"})
			}
			c.Abort()
			return
		}

		ctx := c.Request.Context()
		decision, release, err := gate.Admit(ctx, tenantID, action)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				defaultError(c, err)
			}
			c.Abort()
			return
		}

		if !decision.Allowed {
			c.Header(admission.ReasonHeader, string(decision.Reason))
			if cfg.OnDenied != nil {
				cfg.OnDenied(c, decision)
			} else {
				defaultDenied(c, decision)
			}
			c.Abort()
			return
		}
		defer release()

		if decision.Warning {
			cfg.OnWarning(c, decision)
		}
		if decision.Override {
			c.Header(admission.ReasonHeader, string(decision.Reason))
		}

		// Proceed to handler
		c.Next()

		gate.Settle(context.WithoutCancel(ctx), tenantID, cfg.GetAgentID(c), action.Kind, decision,
			c.Writer.Status(), c.Writer.Header().Get(CostHeader))
	}
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultDenied(c *gongin.Context, decision *budget.Decision) {
	c.JSON(admission.DeniedStatus(decision.Reason), admission.DeniedBody(decision))
}

func defaultError(c *gongin.Context, err error) {
	status := admission.ErrorStatus(err)
	c.JSON(status, gongin.H{"error": http.StatusText(status)})
}

func defaultWarningHandler(c *gongin.Context, decision *budget.Decision) {
	c.Header(WarningHeader, admission.WarningValue(decision))
}

// Convenience extractors for Tenant ID

// FromContext returns a TenantIDExtractor that gets tenant ID from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// tenant information via c.Set("TenantID", "...") or similar.
func FromContext(key string) TenantIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a TenantIDExtractor that gets tenant ID from a header
func FromHeader(headerName string) TenantIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a TenantIDExtractor that gets tenant ID from a route parameter
func FromParam(paramName string) TenantIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// AgentFromHeader returns an AgentIDExtractor that gets agent ID from a header
func AgentFromHeader(headerName string) AgentIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// Convenience extractors for Action

// LLMCall returns an ActionExtractor for one manually triggered LLM call with
// a fixed estimate. Past the daily cap it is still admitted, with a warning.
// Use AutonomousLLMCall for routes driven by agents.
func LLMCall(estimate decimal.Decimal) ActionExtractor {
	return func(*gongin.Context) (budget.Action, error) {
		return budget.Action{Kind: budget.ActionLLMCall, EstimatedCost: estimate}, nil
	}
}

// AutonomousLLMCall returns an ActionExtractor for one agent-driven LLM call
// that is denied once it would exceed the daily cap
func AutonomousLLMCall(estimate decimal.Decimal) ActionExtractor {
	return func(*gongin.Context) (budget.Action, error) {
		return budget.Action{Kind: budget.ActionLLMCall, EstimatedCost: estimate, Autonomous: true}, nil
	}
}

// AutoLoopIteration returns an ActionExtractor for one auto-loop iteration priced by the tenant's limits
func AutoLoopIteration() ActionExtractor {
	return func(*gongin.Context) (budget.Action, error) {
		return budget.Action{Kind: budget.ActionAutoLoopIteration}, nil
	}
}

// ManualFromHeader wraps an ActionExtractor so that LLM calls are autonomous
// unless the header is "true", in which case they run as manual tasks that may
// exceed the daily cap. Anyone who can set the header can lift the cap: mount
// it only behind an authenticated operator route, never on a public one.
func ManualFromHeader(headerName string, base ActionExtractor) ActionExtractor {
	return func(c *gongin.Context) (budget.Action, error) {
		action, err := base(c)
		if err != nil {
			return action, err
		}
		action.Autonomous = c.GetHeader(headerName) != "true"
		return action, nil
	}
}
