// Package admission holds the evaluate-then-record flow shared by the
// framework middlewares.
package admission

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mihaimyh/gobudget/pkg/budget"
)

const (
	// WarningHeader carries the projected usage percent when a warning is raised
	WarningHeader = "X-Budget-Warning"

	// ReasonHeader carries the decision reason on denial or override
	ReasonHeader = "X-Budget-Reason"

	// CostHeader may be set by the handler to report the actual cost of the request
	CostHeader = "X-Budget-Cost"
)

// Gate evaluates actions before a handler runs and books their cost afterwards
type Gate struct {
	Governor *budget.Governor
	Logger   budget.Logger

	// HoldSlot reserves an auto-loop concurrency slot for the duration of the handler
	HoldSlot bool
}

// Admit evaluates the action. When allowed it returns a release func that
// must be called once the handler has finished.
func (g *Gate) Admit(ctx context.Context, tenantID string, action budget.Action) (*budget.Decision, func(), error) {
	decision, err := g.Governor.Evaluate(ctx, tenantID, action)
	if err != nil {
		return nil, nil, err
	}
	if !decision.Allowed {
		return decision, nil, nil
	}

	release := func() {}
	if g.HoldSlot && action.Kind == budget.ActionAutoLoopIteration {
		release, err = g.Governor.AcquireAutoLoopSlot(ctx, tenantID)
		if err != nil {
			return nil, nil, err
		}
	}
	return decision, release, nil
}

// Settle records the cost of a completed request. Responses with status >= 400 are not billed.
func (g *Gate) Settle(ctx context.Context, tenantID, agentID string, kind budget.ActionKind, decision *budget.Decision, status int, reported string) {
	if status >= http.StatusBadRequest {
		return
	}

	cost := ActualCost(decision.Cost, reported)
	if _, err := g.Governor.Record(ctx, tenantID, agentID, kind, cost); err != nil {
		g.logger().Error("failed to record request cost",
			budget.Field{Key: "tenant_id", Value: tenantID},
			budget.Field{Key: "kind", Value: string(kind)},
			budget.Field{Key: "cost", Value: cost.String()},
			budget.Field{Key: "error", Value: err.Error()},
		)
	}
}

func (g *Gate) logger() budget.Logger {
	if g.Logger == nil {
		return &budget.NoopLogger{}
	}
	return g.Logger
}

// ActualCost prefers the handler-reported cost and falls back to the priced estimate
func ActualCost(priced decimal.Decimal, reported string) decimal.Decimal {
	if reported = strings.TrimSpace(reported); reported != "" {
		if d, err := decimal.NewFromString(reported); err == nil && !d.IsNegative() {
			return d
		}
	}
	return priced
}

// DeniedStatus maps a denial reason to an HTTP status code
func DeniedStatus(reason budget.Reason) int {
	switch reason {
	case budget.ReasonBudgetExceeded:
		return http.StatusPaymentRequired
	case budget.ReasonEmergencyStop:
		return http.StatusForbidden
	default:
		return http.StatusTooManyRequests
	}
}

// ErrorStatus maps an evaluation error to an HTTP status code
func ErrorStatus(err error) int {
	switch {
	case errors.Is(err, budget.ErrConcurrencyCapReached):
		return http.StatusTooManyRequests
	case errors.Is(err, budget.ErrInvalidAmount), errors.Is(err, budget.ErrInvalidAction):
		return http.StatusBadRequest
	case budget.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WarningValue formats the projected usage percent for WarningHeader
func WarningValue(d *budget.Decision) string {
	return fmt.Sprintf("%.1f%%", d.ProjectedPercent)
}

// DeniedBody is the default JSON body of a denied request
func DeniedBody(d *budget.Decision) map[string]interface{} {
	return map[string]interface{}{
		"error":            "budget limit reached",
		"reason":           d.Reason,
		"projectedSpent":   d.ProjectedSpent.String(),
		"projectedPercent": d.ProjectedPercent,
	}
}
