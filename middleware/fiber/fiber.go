// Package fiber provides Fiber middleware for budget admission control
package fiber

import (
	"context"
	"net/http"

	"github.com/gofiber/fiber/v2"
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

// TenantIDExtractor extracts the tenant ID from a Fiber context
// Return empty string if the tenant is unknown
type TenantIDExtractor func(c *fiber.Ctx) string

// AgentIDExtractor extracts the agent ID used for per-agent cost attribution
type AgentIDExtractor func(c *fiber.Ctx) string

// ActionExtractor describes the action a request performs
type ActionExtractor func(c *fiber.Ctx) (budget.Action, error)

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
	OnDenied func(c *fiber.Ctx, decision *budget.Decision) error

	// OnUnauthorized is called when no tenant could be extracted
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns a status derived from the error
	OnError func(c *fiber.Ctx, err error) error

	// OnWarning is called when an admitted action crosses the warning threshold.
	// If nil, the X-Budget-Warning header is added.
	//
	// IMPORTANT: This function should ONLY set headers (c.Set).
	// Do NOT write to the response body or status code.
	OnWarning func(c *fiber.Ctx, decision *budget.Decision)

	// Logger receives cost recording failures (default: NoopLogger)
	Logger budget.Logger
}

// Middleware creates a Fiber middleware that admits requests against the tenant budget
// and records their cost after a successful response
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Governor == nil {
		panic("gobudget/fiber: Config.Governor is required")
	}
	if cfg.GetTenantID == nil {
		panic("gobudget/fiber: Config.GetTenantID is required")
	}
	if cfg.GetAction == nil {
		panic("gobudget/fiber: Config.GetAction is required")
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

	return func(c *fiber.Ctx) error {
		tenantID := cfg.GetTenantID(c)
		if tenantID == "" {
			return cfg.OnUnauthorized(c)
		}

		action, err := cfg.GetAction(c)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Bad Request"})
		}

		// Fiber uses fasthttp, so the request context comes from c.UserContext()
		ctx := c.UserContext()
		decision, release, err := gate.Admit(ctx, tenantID, action)
		if err != nil {
			return cfg.OnError(c, err)
		}

		if !decision.Allowed {
			c.Set(admission.ReasonHeader, string(decision.Reason))
			return cfg.OnDenied(c, decision)
		}
		defer release()

		if decision.Warning {
			cfg.OnWarning(c, decision)
		}
		if decision.Override {
			c.Set(admission.ReasonHeader, string(decision.Reason))
		}

		if err := c.Next(); err != nil {
			return err
		}

		gate.Settle(context.WithoutCancel(ctx), tenantID, cfg.GetAgentID(c), action.Kind, decision,
			c.Response().StatusCode(), c.GetRespHeader(CostHeader))
		return nil
	}
}

// Default handlers

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultDenied(c *fiber.Ctx, decision *budget.Decision) error {
	return c.Status(admission.DeniedStatus(decision.Reason)).JSON(admission.DeniedBody(decision))
}

func defaultError(c *fiber.Ctx, err error) error {
	status := admission.ErrorStatus(err)
	return c.Status(status).JSON(fiber.Map{"error": http.StatusText(status)})
}

func defaultWarningHandler(c *fiber.Ctx, decision *budget.Decision) {
	c.Set(WarningHeader, admission.WarningValue(decision))
}

// Convenience extractors for Tenant ID

// FromContext returns a TenantIDExtractor that gets tenant ID from Fiber locals
// This is the recommended approach for integrating with auth middleware that sets
// tenant information via c.Locals("TenantID", "...") or similar.
func FromContext(key string) TenantIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a TenantIDExtractor that gets tenant ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) TenantIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a TenantIDExtractor that gets tenant ID from a route parameter
func FromParam(paramName string) TenantIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// AgentFromHeader returns an AgentIDExtractor that gets agent ID from a header
func AgentFromHeader(headerName string) AgentIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// Convenience extractors for Action

// LLMCall returns an ActionExtractor for one manually triggered LLM call with
// a fixed estimate. Past the daily cap it is still admitted, with a warning.
// Use AutonomousLLMCall for routes driven by agents.
func LLMCall(estimate decimal.Decimal) ActionExtractor {
	return func(*fiber.Ctx) (budget.Action, error) {
		return budget.Action{Kind: budget.ActionLLMCall, EstimatedCost: estimate}, nil
	}
}

// AutonomousLLMCall returns an ActionExtractor for one agent-driven LLM call
// that is denied once it would exceed the daily cap
func AutonomousLLMCall(estimate decimal.Decimal) ActionExtractor {
	return func(*fiber.Ctx) (budget.Action, error) {
		return budget.Action{Kind: budget.ActionLLMCall, EstimatedCost: estimate, Autonomous: true}, nil
	}
}

// AutoLoopIteration returns an ActionExtractor for one auto-loop iteration priced by the tenant's limits
func AutoLoopIteration() ActionExtractor {
	return func(*fiber.Ctx) (budget.Action, error) {
		return budget.Action{Kind: budget.ActionAutoLoopIteration}, nil
	}
}

// ManualFromHeader wraps an ActionExtractor so that LLM calls are autonomous
// unless the header is "true", in which case they run as manual tasks that may
// exceed the daily cap. Anyone who can set the header can lift the cap: mount
// it only behind an authenticated operator route, never on a public one.
func ManualFromHeader(headerName string, base ActionExtractor) ActionExtractor {
	return func(c *fiber.Ctx) (budget.Action, error) {
		action, err := base(c)
		if err != nil {
			return action, err
		}
		action.Autonomous = c.Get(headerName) != "true"
		return action, nil
	}
}
