package budget

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Governor tracks per-tenant spend against limits, admits cost-incurring
// actions and serves dashboard snapshots. It owns no budget state of its
// own beyond the newest day observed per tenant; limits and usage live in
// Storage.
type Governor struct {
	storage  Storage
	config   Config
	clock    Clock
	logger   Logger
	metrics  Metrics

	mu       sync.Mutex
	defaults Limits
	dayMarks map[string]dayMark // tenantID -> newest day observed in the tenant's zone

	slots *slotPool
}

// NewGovernor creates a new budget governor with the given storage and configuration
func NewGovernor(storage Storage, config *Config) (*Governor, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}

	var cfg Config
	if config != nil {
		cfg = *config
	}

	defaults := DefaultLimits()
	if cfg.DefaultLimits != nil {
		if err := cfg.DefaultLimits.Validate(); err != nil {
			return nil, fmt.Errorf("invalid default limits: %w", err)
		}
		defaults = *cfg.DefaultLimits
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}

	if cb := cfg.CircuitBreakerConfig; cb != nil && cb.Enabled {
		threshold := cb.FailureThreshold
		if threshold <= 0 {
			threshold = 5
		}
		timeout := cb.ResetTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		metrics := cfg.Metrics
		logger := withComponent(cfg.Logger, "storage")
		breaker := NewDefaultCircuitBreaker(threshold, timeout, func(state CircuitBreakerState) {
			metrics.RecordCircuitBreakerStateChange(string(state))
			logger.Warn("storage circuit breaker state changed", Field{"state", string(state)})
		})
		storage = NewCircuitBreakerStorage(storage, breaker)
	}

	return &Governor{
		storage:  storage,
		config:   cfg,
		defaults: defaults,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		dayMarks: make(map[string]dayMark),
		slots:    newSlotPool(),
	}, nil
}

// GetLimits returns the tenant's limits, or the default limits if none are stored
func (g *Governor) GetLimits(ctx context.Context, tenantID string) (Limits, error) {
	if tenantID == "" {
		return Limits{}, ErrInvalidTenant
	}
	return g.resolveLimits(ctx, tenantID)
}

// SetLimits validates and stores the tenant's limits.
// Invalid limits are rejected with a *ValidationError and nothing is written.
func (g *Governor) SetLimits(ctx context.Context, tenantID string, limits Limits) error {
	if tenantID == "" {
		return ErrInvalidTenant
	}
	if err := limits.Validate(); err != nil {
		return err
	}
	if limits.Timezone == "" {
		limits.Timezone = "UTC"
	}

	start := time.Now()
	err := g.storage.SetLimits(ctx, tenantID, &limits)
	g.metrics.RecordStorageOperation("set_limits", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to set limits: %w", err)
	}

	g.track(tenantID, DayKey(g.now(ctx), limits.Location()), limits.Location())
	g.logger.Info("budget limits updated",
		tenantField(tenantID),
		amountField("daily_max_amount", limits.DailyMaxAmount),
		Field{"warning_threshold_percent", limits.WarningThresholdPercent},
	)
	return nil
}

// SetDefaultLimits replaces the limits served to tenants without stored limits
func (g *Governor) SetDefaultLimits(limits Limits) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	if limits.Timezone == "" {
		limits.Timezone = "UTC"
	}
	g.mu.Lock()
	g.defaults = limits
	g.mu.Unlock()
	g.logger.Info("default budget limits updated", amountField("daily_max_amount", limits.DailyMaxAmount))
	return nil
}

// DefaultLimits returns the limits served to tenants without stored limits
func (g *Governor) DefaultLimits() Limits {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.defaults
}

// EmergencyStop reports whether the tenant's kill-switch is engaged
func (g *Governor) EmergencyStop(ctx context.Context, tenantID string) (bool, error) {
	if tenantID == "" {
		return false, ErrInvalidTenant
	}
	start := time.Now()
	enabled, err := g.storage.GetEmergencyStop(ctx, tenantID)
	g.metrics.RecordStorageOperation("get_emergency_stop", time.Since(start), err)
	if err != nil {
		return false, fmt.Errorf("failed to get emergency stop: %w", err)
	}
	return enabled, nil
}

// SetEmergencyStop engages or releases the tenant's kill-switch.
// While engaged, status.Allowed is false and every action is denied.
func (g *Governor) SetEmergencyStop(ctx context.Context, tenantID string, enabled bool) error {
	if tenantID == "" {
		return ErrInvalidTenant
	}
	start := time.Now()
	err := g.storage.SetEmergencyStop(ctx, tenantID, enabled)
	g.metrics.RecordStorageOperation("set_emergency_stop", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to set emergency stop: %w", err)
	}
	g.logger.Warn("emergency stop changed", tenantField(tenantID), Field{"enabled", enabled})
	return nil
}

// RecordLLMCall books the cost of a completed LLM call
func (g *Governor) RecordLLMCall(ctx context.Context, tenantID, agentID string, cost decimal.Decimal) (*UsageRecord, error) {
	return g.record(ctx, tenantID, agentID, ActionLLMCall, cost)
}

// RecordAutoLoopIteration books the cost of a completed auto-loop iteration
func (g *Governor) RecordAutoLoopIteration(ctx context.Context, tenantID, agentID string, cost decimal.Decimal) (*UsageRecord, error) {
	return g.record(ctx, tenantID, agentID, ActionAutoLoopIteration, cost)
}

// Record books a completed action of the given kind
func (g *Governor) Record(ctx context.Context, tenantID, agentID string, kind ActionKind, cost decimal.Decimal) (*UsageRecord, error) {
	return g.record(ctx, tenantID, agentID, kind, cost)
}

func (g *Governor) record(ctx context.Context, tenantID, agentID string, kind ActionKind, cost decimal.Decimal) (*UsageRecord, error) {
	if tenantID == "" {
		return nil, ErrInvalidTenant
	}
	if !kind.Valid() {
		return nil, ErrInvalidAction
	}
	if cost.IsNegative() {
		return nil, ErrInvalidAmount
	}

	limits, err := g.resolveLimits(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	now := g.now(ctx)
	day, hour := g.currentWindow(tenantID, limits.Location(), now)

	start := time.Now()
	usage, err := g.storage.RecordCost(ctx, &CostEvent{
		TenantID: tenantID,
		AgentID:  agentID,
		Kind:     kind,
		Cost:     cost,
		Day:      day,
		HourKey:  hour,
		At:       now.UTC(),
	})
	g.metrics.RecordStorageOperation("record_cost", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to record cost: %w", err)
	}

	g.metrics.RecordCost(kind, cost.InexactFloat64())
	return usage, nil
}

// GetUsage returns the tenant's usage for the current day, zeroed if there is none
func (g *Governor) GetUsage(ctx context.Context, tenantID string) (*UsageRecord, error) {
	if tenantID == "" {
		return nil, ErrInvalidTenant
	}
	limits, err := g.resolveLimits(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	day, _ := g.currentWindow(tenantID, limits.Location(), g.now(ctx))
	return g.loadUsage(ctx, tenantID, day)
}

// Evaluate decides whether an action may start. It never writes to the ledger;
// callers record the actual cost after the action completes.
func (g *Governor) Evaluate(ctx context.Context, tenantID string, action Action) (*Decision, error) {
	if tenantID == "" {
		return nil, ErrInvalidTenant
	}
	if !action.Kind.Valid() {
		return nil, ErrInvalidAction
	}
	if action.EstimatedCost.IsNegative() {
		return nil, ErrInvalidAmount
	}

	start := time.Now()

	limits, err := g.resolveLimits(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	stop, err := g.EmergencyStop(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	day, hour := g.currentWindow(tenantID, limits.Location(), g.now(ctx))
	usage, err := g.loadUsage(ctx, tenantID, day)
	if err != nil {
		return nil, err
	}

	decision := Decide(limits, usage, stop, hour, action, g.config.EnforceHourlyCallCap)

	g.metrics.RecordEvaluation(action.Kind, decision.Reason, decision.Allowed, time.Since(start))
	if !decision.Allowed {
		g.logger.Info("action denied",
			tenantField(tenantID),
			Field{"kind", string(action.Kind)},
			Field{"reason", string(decision.Reason)},
		)
	} else if decision.Override {
		g.logger.Warn("manual action allowed past daily budget",
			tenantField(tenantID),
			amountField("projected_spent", decision.ProjectedSpent),
		)
	}
	return decision, nil
}

// Decide applies the admission rules to a snapshot of limits and usage
func Decide(limits Limits, usage *UsageRecord, emergencyStop bool, hourKey string, action Action, enforceHourly bool) *Decision {
	if usage == nil {
		usage = NewUsageRecord("", "")
	}

	cost := action.EstimatedCost
	if action.Kind == ActionAutoLoopIteration && cost.IsZero() {
		cost = limits.AutoLoopIterationCost
	}
	projected := usage.TotalSpent.Add(cost)

	d := &Decision{
		Cost:             cost,
		ProjectedSpent:   projected,
		ProjectedPercent: usagePercent(projected, limits.DailyMaxAmount),
	}
	deny := func(r Reason) *Decision {
		d.Allowed = false
		d.Reason = r
		return d
	}

	// auto-loop iterations and autonomous calls never bypass the cap
	manual := action.Kind == ActionLLMCall && !action.Autonomous

	switch {
	case emergencyStop:
		return deny(ReasonEmergencyStop)
	case action.Kind == ActionAutoLoopIteration && usage.AutoLoopIterationCount >= limits.AutoLoopMaxIterationsPerDay:
		return deny(ReasonIterationCapReached)
	case action.Kind == ActionLLMCall && usage.LLMCallCount >= limits.MaxCallsPerDay:
		return deny(ReasonDailyCallCapReached)
	case action.Kind == ActionLLMCall && enforceHourly && hourlyCapReached(limits, usage.CallsInHour(hourKey)):
		return deny(ReasonHourlyCallCapReached)
	}

	overCap := projected.GreaterThan(limits.DailyMaxAmount) ||
		!usage.TotalSpent.LessThan(limits.DailyMaxAmount)
	if overCap {
		if !manual {
			return deny(ReasonBudgetExceeded)
		}
		d.Allowed = true
		d.Warning = true
		d.Override = true
		d.Reason = ReasonBudgetExceeded
		return d
	}

	d.Allowed = true
	d.Warning = d.ProjectedPercent >= float64(limits.WarningThresholdPercent)
	return d
}

// GetDashboard composes limits, usage and status into one snapshot.
// Storage failures degrade to default limits and a zeroed record.
func (g *Governor) GetDashboard(ctx context.Context, tenantID string) (*Dashboard, error) {
	if tenantID == "" {
		return nil, ErrInvalidTenant
	}

	limits, err := g.resolveLimits(ctx, tenantID)
	if err != nil {
		return g.degradedDashboard(ctx, tenantID, err), nil
	}
	stop, err := g.EmergencyStop(ctx, tenantID)
	if err != nil {
		return g.degradedDashboard(ctx, tenantID, err), nil
	}
	day, hour := g.currentWindow(tenantID, limits.Location(), g.now(ctx))
	usage, err := g.loadUsage(ctx, tenantID, day)
	if err != nil {
		return g.degradedDashboard(ctx, tenantID, err), nil
	}

	return &Dashboard{
		Limits:               limits,
		Usage:                usage,
		Status:               ComputeStatus(limits, usage, stop, hour),
		EmergencyStopEnabled: stop,
	}, nil
}

func (g *Governor) degradedDashboard(ctx context.Context, tenantID string, cause error) *Dashboard {
	g.metrics.RecordDegradedDashboard()
	g.logger.Error("dashboard degraded to defaults",
		tenantField(tenantID),
		errField(cause),
	)

	limits := g.DefaultLimits()
	now := g.now(ctx)
	loc := limits.Location()
	usage := NewUsageRecord(tenantID, DayKey(now, loc))
	return &Dashboard{
		Limits:   limits,
		Usage:    usage,
		Status:   ComputeStatus(limits, usage, false, HourKey(now, loc)),
		Degraded: true,
	}
}

// AcquireAutoLoopSlot reserves one of the tenant's AutoLoopMaxConcurrent slots.
// The returned release func is idempotent.
func (g *Governor) AcquireAutoLoopSlot(ctx context.Context, tenantID string) (func(), error) {
	if tenantID == "" {
		return nil, ErrInvalidTenant
	}
	limits, err := g.resolveLimits(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	release, ok := g.slots.tryAcquire(tenantID, limits.AutoLoopMaxConcurrent)
	if !ok {
		return nil, ErrConcurrencyCapReached
	}
	return release, nil
}

// Rollover starts a new day for every tracked tenant whose local day has
// turned over. It is called by the Scheduler; ledger access performs the
// same turnover lazily.
func (g *Governor) Rollover(ctx context.Context) error {
	now := g.now(ctx)

	var errs []error
	for _, tenantID := range g.trackedTenants() {
		limits, err := g.resolveLimits(ctx, tenantID)
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenantID, err))
			continue
		}
		day := DayKey(now, limits.Location())
		if !g.advance(tenantID, day, limits.Location()) {
			continue
		}

		start := time.Now()
		err = g.storage.ResetUsage(ctx, tenantID, day)
		g.metrics.RecordStorageOperation("reset_usage", time.Since(start), err)
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenantID, err))
			continue
		}
	}
	return errors.Join(errs...)
}

// CurrentDay returns the day key the ledger books into for the tenant
func (g *Governor) CurrentDay(ctx context.Context, tenantID string) (string, error) {
	limits, err := g.GetLimits(ctx, tenantID)
	if err != nil {
		return "", err
	}
	day, _ := g.currentWindow(tenantID, limits.Location(), g.now(ctx))
	return day, nil
}

func (g *Governor) resolveLimits(ctx context.Context, tenantID string) (Limits, error) {
	start := time.Now()
	limits, err := g.storage.GetLimits(ctx, tenantID)
	if errors.Is(err, ErrTenantNotFound) {
		err = nil
		limits = nil
	}
	g.metrics.RecordStorageOperation("get_limits", time.Since(start), err)
	if err != nil {
		return Limits{}, fmt.Errorf("failed to get limits: %w", err)
	}
	if limits == nil {
		return g.DefaultLimits(), nil
	}
	return *limits, nil
}

func (g *Governor) loadUsage(ctx context.Context, tenantID, day string) (*UsageRecord, error) {
	start := time.Now()
	usage, err := g.storage.GetUsage(ctx, tenantID, day)
	g.metrics.RecordStorageOperation("get_usage", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	if usage == nil {
		return NewUsageRecord(tenantID, day), nil
	}
	return usage, nil
}

// now prefers the storage engine's clock when one is configured
func (g *Governor) now(ctx context.Context) time.Time {
	if g.config.TimeSource != nil {
		t, err := g.config.TimeSource.Now(ctx)
		if err == nil {
			return t
		}
		g.logger.Warn("time source unavailable, using local clock", errField(err))
	}
	return g.clock.Now()
}

// dayMark is the newest day key observed for a tenant. Day keys are only
// comparable within one zone, so a mark taken in another zone is discarded.
type dayMark struct {
	day  string
	zone string
}

func (m dayMark) in(loc *time.Location) string {
	if m.zone != loc.String() {
		return ""
	}
	return m.day
}

// currentWindow returns the day and hour keys to book into. The day never
// moves backwards for a tenant once a later day has been observed in its zone.
func (g *Governor) currentWindow(tenantID string, loc *time.Location, now time.Time) (day, hour string) {
	computed := DayKey(now, loc)
	hour = HourKey(now, loc)

	g.mu.Lock()
	mark := g.dayMarks[tenantID].in(loc)
	day = laterDay(mark, computed)
	g.dayMarks[tenantID] = dayMark{day: day, zone: loc.String()}
	g.mu.Unlock()

	if mark != "" && day != mark {
		g.rolledOver(tenantID, mark, day)
	}
	if day != computed {
		// clock is behind the observed day; book into its first hour
		hour = day + "T00"
	}
	return day, hour
}

// advance moves the tenant's mark forward and reports whether it moved
func (g *Governor) advance(tenantID, day string, loc *time.Location) bool {
	g.mu.Lock()
	mark := g.dayMarks[tenantID].in(loc)
	if day <= mark {
		g.mu.Unlock()
		return false
	}
	g.dayMarks[tenantID] = dayMark{day: day, zone: loc.String()}
	g.mu.Unlock()

	if mark != "" {
		g.rolledOver(tenantID, mark, day)
	}
	return true
}

func (g *Governor) rolledOver(tenantID, previous, day string) {
	g.metrics.RecordRollover()
	g.logger.Info("budget day rolled over",
		tenantField(tenantID),
		Field{"previous_day", previous},
		Field{"day", day},
	)
}

// track records the day seen when limits are written. A zone change
// replaces the mark outright.
func (g *Governor) track(tenantID, day string, loc *time.Location) {
	g.mu.Lock()
	defer g.mu.Unlock()
	mark := g.dayMarks[tenantID].in(loc)
	g.dayMarks[tenantID] = dayMark{day: laterDay(mark, day), zone: loc.String()}
}

func (g *Governor) trackedTenants() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	tenants := make([]string, 0, len(g.dayMarks))
	for t := range g.dayMarks {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)
	return tenants
}
