package api

import (
	"github.com/shopspring/decimal"

	"github.com/mihaimyh/gobudget/pkg/budget"
)

// Response is the envelope every endpoint returns
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	// Fields lists rejected limit fields on validation failure
	Fields []budget.FieldError `json:"fields,omitempty"`
}

// DashboardResponse is returned by GET /budget/dashboard
type DashboardResponse struct {
	Response
	Dashboard *budget.Dashboard `json:"dashboard"`
}

// LimitsResponse is returned by GET /budget/limits
type LimitsResponse struct {
	Response
	Limits budget.Limits `json:"limits"`
}

// EmergencyStopRequest is the body of POST /budget/emergency-stop
type EmergencyStopRequest struct {
	Enabled bool `json:"enabled"`
}

// EmergencyStopResponse is returned by POST /budget/emergency-stop
type EmergencyStopResponse struct {
	Response
	Enabled bool `json:"enabled"`
}

// DecisionResponse is returned by POST /budget/evaluate
type DecisionResponse struct {
	Response
	Decision *budget.Decision `json:"decision"`
}

// RecordRequest is the body of POST /budget/usage
type RecordRequest struct {
	Kind    budget.ActionKind `json:"kind"`
	AgentID string            `json:"agentId"`
	Cost    decimal.Decimal   `json:"cost"`
}

// UsageResponse is returned by GET and POST /budget/usage
type UsageResponse struct {
	Response
	Usage *budget.UsageRecord `json:"usage"`
}
