// Package echo provides Echo middleware for budget admission control
package echo

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
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

// TenantIDExtractor extracts the tenant ID from an Echo context
// Return empty string if the tenant is unknown
type TenantIDExtractor func(c echo.Context) string

// AgentIDExtractor extracts the agent ID used for per-agent cost attribution
type AgentIDExtractor func(c echo.Context) string

// ActionExtractor describes the action a request performs
type ActionExtractor func(c echo.Context) (budget.Action, error)

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

	// HoldAutoLoopSlot reserves a concurrent auto-loop slot while an iteration is served
	HoldAutoLoopSlot bool

	// OnDenied is called when the action is denied
	// If nil, uses default response: JSON with 402, 403 or 429 depending on the reason
	OnDenied func(c echo.Context, decision *budget.Decision) error

	// OnUnauthorized is called when no tenant could be extracted
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns a status derived from the error
	OnError func(c echo.Context, err error) error

	// OnWarning is called when an admitted action crosses the warning threshold.
	// If nil, the X-Budget-Warning header is added.
	//
	// IMPORTANT: This function should ONLY set headers (c.Response().Header().Set).
	// Do NOT write to the response body (c.JSON, c.String, etc.) or status code,
	// as this will interfere with the handler that runs after the middleware.
	OnWarning func(c echo.Context, decision *budget.Decision)

	// Logger receives cost recording failures (default: NoopLogger)
	Logger budget.Logger
}

// Middleware creates an Echo middleware that admits requests against the tenant budget
// and records their cost after a successful response
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Governor == nil {
		panic("gobudget/echo: Config.Governor is required")
	}
	if cfg.GetTenantID == nil {
		panic("gobudget/echo: Config.GetTenantID is required")
	}
	if cfg.GetAction == nil {
		panic("gobudget/echo: Config.GetAction is required")
	}

	// Set defaults
	if cfg.GetAgentID == nil {
		cfg.GetAgentID = AgentFromHeader("X-Agent-ID")
	}
	if cfg.OnUnauthorized == nil {
		cfg.OnUnauthorized = defaultUnauthorized
	}
	if cfg.OnDenied == nil {
		cfg.OnDenied = defaultDenied
	}
	if cfg.OnError == nil {
		cfg.OnError = defaultError
	}
	if cfg.OnWarning == nil {
		cfg.OnWarning = defaultWarningHandler
	}

	gate := &admission.Gate{
		Governor: cfg.Governor,
		Logger:   cfg.Logger,
		HoldSlot: cfg.HoldAutoLoopSlot,
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := cfg.GetTenantID(c)
			if tenantID == "" {
				return cfg.OnUnauthorized(c)
			}

			action, err := cfg.GetAction(c)
			if err != nil {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "Bad Request"})
			}

			ctx := c.Request().Context()
			decision, release, err := gate.Admit(ctx, tenantID, action)
			if err != nil {
				return cfg.OnError(c, err)
			}

			if !decision.Allowed {
				c.Response().Header().Set(admission.ReasonHeader, string(decision.Reason))
				return cfg.OnDenied(c, decision)
			}
			defer release()

			if decision.Warning {
				cfg.OnWarning(c, decision)
			}
			if decision.Override {
				c.Response().Header().Set(admission.ReasonHeader, string(decision.Reason))
			}

			// Proceed to handler; an error is rendered later by Echo and is not billed
			if err := next(c); err != nil {
				return err
			}

			gate.Settle(context.WithoutCancel(ctx), tenantID, cfg.GetAgentID(c), action.Kind, decision,
				c.Response().Status, c.Response().Header().Get(CostHeader))
			return nil
		}
	}
}

// Default handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultDenied(c echo.Context, decision *budget.Decision) error {
	return c.JSON(admission.DeniedStatus(decision.Reason), admission.DeniedBody(decision))
}

func defaultError(c echo.Context, err error) error {
	status := admission.ErrorStatus(err)
	return c.JSON(status, map[string]string{"error": http.StatusText(status)})
}

func defaultWarningHandler(c echo.Context, decision *budget.Decision) {
	c.Response().Header().Set(WarningHeader, admission.WarningValue(decision))
}

// Convenience extractors for Tenant ID

// FromContext returns a TenantIDExtractor that gets tenant ID from Echo context values
// This is the recommended approach for integrating with auth middleware that sets
// tenant information via c.Set("TenantID", "...") or similar.
func FromContext(key string) TenantIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a TenantIDExtractor that gets tenant ID from a header
func FromHeader(headerName string) TenantIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a TenantIDExtractor that gets tenant ID from a route parameter
func FromParam(paramName string) TenantIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// AgentFromHeader returns an AgentIDExtractor that gets agent ID from a header
func AgentFromHeader(headerName string) AgentIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// Convenience extractors for Action

// LLMCall returns an ActionExtractor for one manually triggered LLM call with
// a fixed estimate. Past the daily cap it is still admitted, with a warning.
// Use AutonomousLLMCall for routes driven by agents.
func LLMCall(estimate decimal.Decimal) ActionExtractor {
	return func(echo.Context) (budget.Action, error) {
		return budget.Action{Kind: budget.ActionLLMCall, EstimatedCost: estimate}, nil
	}
}

// AutonomousLLMCall returns an ActionExtractor for one agent-driven LLM call
// that is denied once it would exceed the daily cap
func AutonomousLLMCall(estimate decimal.Decimal) ActionExtractor {
	return func(echo.Context) (budget.Action, error) {
		return budget.Action{Kind: budget.ActionLLMCall, EstimatedCost: estimate, Autonomous: true}, nil
	}
}

// AutoLoopIteration returns an ActionExtractor for one auto-loop iteration priced by the tenant's limits
func AutoLoopIteration() ActionExtractor {
	return func(echo.Context) (budget.Action, error) {
		return budget.Action{Kind: budget.ActionAutoLoopIteration}, nil
	}
}

// ManualFromHeader wraps an ActionExtractor so that LLM calls are autonomous
// unless the header is "true", in which case they run as manual tasks that may
// exceed the daily cap. Anyone who can set the header can lift the cap: mount
// it only behind an authenticated operator route, never on a public one.
func ManualFromHeader(headerName string, base ActionExtractor) ActionExtractor {
	return func(c echo.Context) (budget.Action, error) {
		action, err := base(c)
		if err != nil {
			return action, err
		}
		action.Autonomous = c.Request().Header.Get(headerName) != "true"
		return action, nil
	}
}
