package budget

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActionKind identifies the kind of cost-incurring action being admitted or recorded
type ActionKind string

const (
	// ActionLLMCall is a single LLM invocation
	ActionLLMCall ActionKind = "llm_call"
	// ActionAutoLoopIteration is one cycle of an autonomous agent loop
	ActionAutoLoopIteration ActionKind = "auto_loop_iteration"
)

// Valid reports whether k is a known action kind
func (k ActionKind) Valid() bool {
	return k == ActionLLMCall || k == ActionAutoLoopIteration
}

// Reason explains an admission decision
type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonBudgetExceeded       Reason = "BudgetExceeded"
	ReasonIterationCapReached  Reason = "IterationCapReached"
	ReasonDailyCallCapReached  Reason = "DailyCallCapReached"
	ReasonHourlyCallCapReached Reason = "HourlyCallCapReached"
	ReasonEmergencyStop        Reason = "EmergencyStop"
)

// Limits is the budget policy of a single tenant
type Limits struct {
	// DailyMaxAmount is the spend cap per tenant-local day. Must be > 0.
	DailyMaxAmount decimal.Decimal `json:"dailyMaxAmount"`

	// WarningThresholdPercent is the usage percentage (1-100) at which warnings start
	WarningThresholdPercent int `json:"warningThresholdPercent"`

	// AutoLoopMaxIterationsPerDay caps autonomous loop iterations per day
	AutoLoopMaxIterationsPerDay int64 `json:"autoLoopMaxIterationsPerDay"`

	// AutoLoopMaxConcurrent caps concurrently running autonomous loops
	AutoLoopMaxConcurrent int64 `json:"autoLoopMaxConcurrent"`

	// AutoLoopIterationCost is the default price of one iteration when the caller gives no estimate
	AutoLoopIterationCost decimal.Decimal `json:"autoLoopIterationCost"`

	// MaxCallsPerHour is advisory unless Config.EnforceHourlyCallCap is set.
	// 0 means no hourly cap.
	MaxCallsPerHour int64 `json:"maxCallsPerHour"`

	// MaxCallsPerDay caps LLM calls per day. 0 allows no LLM calls.
	MaxCallsPerDay int64 `json:"maxCallsPerDay"`

	// Timezone is the IANA zone whose midnight starts a new budget day (default: UTC)
	Timezone string `json:"timezone,omitempty"`
}

// DefaultLimits returns the built-in policy used for tenants without configured limits
func DefaultLimits() Limits {
	return Limits{
		DailyMaxAmount:              decimal.NewFromInt(100),
		WarningThresholdPercent:     80,
		AutoLoopMaxIterationsPerDay: 100,
		AutoLoopMaxConcurrent:       3,
		AutoLoopIterationCost:       decimal.RequireFromString("0.05"),
		MaxCallsPerHour:             1000,
		MaxCallsPerDay:              10000,
		Timezone:                    "UTC",
	}
}

// Location resolves the tenant timezone, falling back to UTC
func (l Limits) Location() *time.Location {
	if l.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(l.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// UsageRecord is a tenant's usage for one calendar day
type UsageRecord struct {
	TenantID string `json:"tenantId"`

	// Day is the tenant-local calendar day, formatted 2006-01-02
	Day string `json:"day"`

	TotalSpent             decimal.Decimal            `json:"totalSpent"`
	LLMCallCount           int64                      `json:"llmCallCount"`
	AutoLoopIterationCount int64                      `json:"autoLoopIterationCount"`
	CostByAgent            map[string]decimal.Decimal `json:"costByAgent"`

	// HourKey identifies the hourly window HourlyCallCount belongs to, formatted 2006-01-02T15
	HourKey         string `json:"hourKey,omitempty"`
	HourlyCallCount int64  `json:"hourlyCallCount"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// NewUsageRecord returns an empty record for the given tenant and day
func NewUsageRecord(tenantID, day string) *UsageRecord {
	return &UsageRecord{
		TenantID:    tenantID,
		Day:         day,
		TotalSpent:  decimal.Zero,
		CostByAgent: make(map[string]decimal.Decimal),
	}
}

// Clone returns a deep copy of the record
func (u *UsageRecord) Clone() *UsageRecord {
	if u == nil {
		return nil
	}
	c := *u
	c.CostByAgent = make(map[string]decimal.Decimal, len(u.CostByAgent))
	for k, v := range u.CostByAgent {
		c.CostByAgent[k] = v
	}
	return &c
}

// CallsInHour returns the LLM call count of the given hourly window
func (u *UsageRecord) CallsInHour(hourKey string) int64 {
	if u == nil || u.HourKey != hourKey {
		return 0
	}
	return u.HourlyCallCount
}

// CostEvent is one booked cost, passed to Storage.RecordCost
type CostEvent struct {
	TenantID string
	AgentID  string
	Kind     ActionKind
	Cost     decimal.Decimal
	Day      string
	HourKey  string
	At       time.Time
}

// Apply adds the event to the record in place.
// Storage backends that hold the record in memory share this to keep the
// counters identical across implementations.
func (e *CostEvent) Apply(u *UsageRecord) {
	if u.CostByAgent == nil {
		u.CostByAgent = make(map[string]decimal.Decimal)
	}
	u.TotalSpent = u.TotalSpent.Add(e.Cost)
	u.CostByAgent[e.AgentID] = u.CostByAgent[e.AgentID].Add(e.Cost)

	switch e.Kind {
	case ActionLLMCall:
		u.LLMCallCount++
		if u.HourKey != e.HourKey {
			u.HourKey = e.HourKey
			u.HourlyCallCount = 0
		}
		u.HourlyCallCount++
	case ActionAutoLoopIteration:
		u.AutoLoopIterationCount++
	}
	u.UpdatedAt = e.At
}

// Status is derived from Limits and the current UsageRecord and never stored
type Status struct {
	Remaining           decimal.Decimal `json:"remaining"`
	UsagePercent        float64         `json:"usagePercent"`
	IterationsRemaining int64           `json:"iterationsRemaining"`
	Warning             bool            `json:"warning"`
	Allowed             bool            `json:"allowed"`

	// Advisory counters
	CallsRemainingToday  int64 `json:"callsRemainingToday"`
	CallsThisHour        int64 `json:"callsThisHour"`
	HourlyCallCapReached bool  `json:"hourlyCallCapReached"`
}

// Action is a proposed cost-incurring action
type Action struct {
	Kind          ActionKind      `json:"kind"`
	EstimatedCost decimal.Decimal `json:"estimatedCost"`

	// Autonomous marks an LLM call made by a self-driving agent rather than
	// a manually triggered task. LLM calls are manual by default and may
	// exceed the daily cap with a warning; autonomous calls and auto-loop
	// iterations never bypass it.
	Autonomous bool `json:"autonomous,omitempty"`
}

// Decision is the result of an admission check
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason,omitempty"`
	Warning bool   `json:"warning"`

	// Override is set when a manual action was allowed past the daily cap
	Override bool `json:"override,omitempty"`

	// Cost is the price used for the projection; auto-loop iterations
	// without an estimate are priced at Limits.AutoLoopIterationCost
	Cost decimal.Decimal `json:"cost"`

	ProjectedSpent   decimal.Decimal `json:"projectedSpent"`
	ProjectedPercent float64         `json:"projectedPercent"`
}

// Dashboard is a consistent snapshot of a tenant's budget
type Dashboard struct {
	Limits               Limits       `json:"limits"`
	Usage                *UsageRecord `json:"usage"`
	Status               Status       `json:"status"`
	EmergencyStopEnabled bool         `json:"emergencyStopEnabled"`

	// Degraded is set when storage failed and defaults were returned
	Degraded bool `json:"degraded,omitempty"`
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// Enabled determines if the circuit breaker is active
	Enabled bool

	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is the duration to wait before transitioning from Open to Half-Open (default: 30 seconds)
	ResetTimeout time.Duration
}

// Config holds governor configuration
type Config struct {
	// DefaultLimits applies to tenants without stored limits (default: DefaultLimits())
	DefaultLimits *Limits

	// EnforceHourlyCallCap turns MaxCallsPerHour from a reported figure into an admission rule
	EnforceHourlyCallCap bool

	// Clock supplies wall-clock time (default: system clock)
	Clock Clock

	// TimeSource, when set, is preferred over Clock so all instances agree on the day boundary
	TimeSource TimeSource

	// CircuitBreakerConfig wraps the storage with a circuit breaker when enabled
	CircuitBreakerConfig *CircuitBreakerConfig

	// Metrics is used for tracking governor operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger
}
