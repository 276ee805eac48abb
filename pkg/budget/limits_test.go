package budget

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testLimits() Limits {
	return Limits{
		DailyMaxAmount:              dec("100"),
		WarningThresholdPercent:     75,
		AutoLoopMaxIterationsPerDay: 10,
		AutoLoopMaxConcurrent:       2,
		AutoLoopIterationCost:       dec("0.05"),
		MaxCallsPerHour:             5,
		MaxCallsPerDay:              20,
		Timezone:                    "UTC",
	}
}

func usageWith(spent string) *UsageRecord {
	u := NewUsageRecord("t1", "2026-03-01")
	u.TotalSpent = dec(spent)
	return u
}

func TestLimits_Validate(t *testing.T) {
	assert.NoError(t, DefaultLimits().Validate())

	tests := []struct {
		name   string
		modify func(*Limits)
		field  string
	}{
		{"zero max", func(l *Limits) { l.DailyMaxAmount = decimal.Zero }, "dailyMaxAmount"},
		{"negative max", func(l *Limits) { l.DailyMaxAmount = dec("-1") }, "dailyMaxAmount"},
		{"threshold above 100", func(l *Limits) { l.WarningThresholdPercent = 150 }, "warningThresholdPercent"},
		{"threshold zero", func(l *Limits) { l.WarningThresholdPercent = 0 }, "warningThresholdPercent"},
		{"negative iterations", func(l *Limits) { l.AutoLoopMaxIterationsPerDay = -1 }, "autoLoopMaxIterationsPerDay"},
		{"negative concurrency", func(l *Limits) { l.AutoLoopMaxConcurrent = -1 }, "autoLoopMaxConcurrent"},
		{"negative iteration cost", func(l *Limits) { l.AutoLoopIterationCost = dec("-0.01") }, "autoLoopIterationCost"},
		{"negative hourly", func(l *Limits) { l.MaxCallsPerHour = -1 }, "maxCallsPerHour"},
		{"negative daily", func(l *Limits) { l.MaxCallsPerDay = -1 }, "maxCallsPerDay"},
		{"unknown zone", func(l *Limits) { l.Timezone = "Mars/Olympus" }, "timezone"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := testLimits()
			tt.modify(&l)

			err := l.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			require.Len(t, verr.Fields, 1)
			assert.Equal(t, tt.field, verr.Fields[0].Field)
		})
	}
}

func TestLimits_ValidateReportsAllFields(t *testing.T) {
	l := Limits{WarningThresholdPercent: 150, MaxCallsPerDay: -1}

	var verr *ValidationError
	require.ErrorAs(t, l.Validate(), &verr)
	assert.Len(t, verr.Fields, 3)
	assert.Contains(t, verr.Error(), "warningThresholdPercent")
}

func TestComputeStatus(t *testing.T) {
	limits := testLimits()

	t.Run("warning below cap", func(t *testing.T) {
		s := ComputeStatus(limits, usageWith("80"), false, "")
		assert.Equal(t, 80.0, s.UsagePercent)
		assert.True(t, s.Warning)
		assert.True(t, s.Allowed)
		assert.True(t, s.Remaining.Equal(dec("20")))
	})

	t.Run("at cap", func(t *testing.T) {
		s := ComputeStatus(limits, usageWith("100"), false, "")
		assert.False(t, s.Allowed)
		assert.True(t, s.Remaining.IsZero())
		assert.Equal(t, 100.0, s.UsagePercent)
	})

	t.Run("over cap is not clamped", func(t *testing.T) {
		s := ComputeStatus(limits, usageWith("120"), false, "")
		assert.False(t, s.Allowed)
		assert.True(t, s.Remaining.IsZero())
		assert.Equal(t, 120.0, s.UsagePercent)
	})

	t.Run("emergency stop", func(t *testing.T) {
		s := ComputeStatus(limits, usageWith("0"), true, "")
		assert.False(t, s.Allowed)
		assert.False(t, s.Warning)
	})

	t.Run("nil usage", func(t *testing.T) {
		s := ComputeStatus(limits, nil, false, "")
		assert.True(t, s.Allowed)
		assert.True(t, s.Remaining.Equal(dec("100")))
		assert.Equal(t, int64(10), s.IterationsRemaining)
		assert.Equal(t, int64(20), s.CallsRemainingToday)
	})

	t.Run("counters", func(t *testing.T) {
		u := usageWith("1")
		u.AutoLoopIterationCount = 12
		u.LLMCallCount = 7
		u.HourKey = "2026-03-01T10"
		u.HourlyCallCount = 5

		s := ComputeStatus(limits, u, false, "2026-03-01T10")
		assert.Equal(t, int64(0), s.IterationsRemaining)
		assert.Equal(t, int64(13), s.CallsRemainingToday)
		assert.Equal(t, int64(5), s.CallsThisHour)
		assert.True(t, s.HourlyCallCapReached)

		s = ComputeStatus(limits, u, false, "2026-03-01T11")
		assert.Equal(t, int64(0), s.CallsThisHour)
		assert.False(t, s.HourlyCallCapReached)
	})
}

func TestDecide(t *testing.T) {
	llm := func(cost string) Action { return Action{Kind: ActionLLMCall, EstimatedCost: dec(cost)} }
	autonomous := func(cost string) Action {
		return Action{Kind: ActionLLMCall, EstimatedCost: dec(cost), Autonomous: true}
	}

	tests := []struct {
		name     string
		usage    func() *UsageRecord
		stop     bool
		action   Action
		hourly   bool
		allowed  bool
		reason   Reason
		warning  bool
		override bool
	}{
		{
			name:    "well under cap",
			usage:   func() *UsageRecord { return usageWith("10") },
			action:  llm("5"),
			allowed: true,
		},
		{
			name:    "projection crosses warning threshold",
			usage:   func() *UsageRecord { return usageWith("70") },
			action:  llm("10"),
			allowed: true,
			warning: true,
		},
		{
			name:    "projection lands exactly on cap",
			usage:   func() *UsageRecord { return usageWith("90") },
			action:  llm("10"),
			allowed: true,
			warning: true,
		},
		{
			name:     "plain call over cap is a manual task",
			usage:    func() *UsageRecord { return usageWith("95") },
			action:   llm("10"),
			allowed:  true,
			reason:   ReasonBudgetExceeded,
			warning:  true,
			override: true,
		},
		{
			name:     "manual call once cap is spent",
			usage:    func() *UsageRecord { return usageWith("100") },
			action:   llm("5"),
			allowed:  true,
			reason:   ReasonBudgetExceeded,
			warning:  true,
			override: true,
		},
		{
			name:   "autonomous call over cap",
			usage:  func() *UsageRecord { return usageWith("95") },
			action: autonomous("10"),
			reason: ReasonBudgetExceeded,
		},
		{
			name:   "free autonomous call once cap is spent",
			usage:  func() *UsageRecord { return usageWith("100") },
			action: autonomous("0"),
			reason: ReasonBudgetExceeded,
		},
		{
			name:   "iteration over cap",
			usage:  func() *UsageRecord { return usageWith("95") },
			action: Action{Kind: ActionAutoLoopIteration, EstimatedCost: dec("10")},
			reason: ReasonBudgetExceeded,
		},
		{
			name: "iteration cap",
			usage: func() *UsageRecord {
				u := usageWith("0")
				u.AutoLoopIterationCount = 10
				return u
			},
			action: Action{Kind: ActionAutoLoopIteration},
			reason: ReasonIterationCapReached,
		},
		{
			name: "daily call cap",
			usage: func() *UsageRecord {
				u := usageWith("0")
				u.LLMCallCount = 20
				return u
			},
			action: llm("0.01"),
			reason: ReasonDailyCallCapReached,
		},
		{
			name: "hourly cap is advisory by default",
			usage: func() *UsageRecord {
				u := usageWith("0")
				u.HourKey = "2026-03-01T10"
				u.HourlyCallCount = 5
				return u
			},
			action:  llm("0.01"),
			allowed: true,
		},
		{
			name: "hourly cap when enforced",
			usage: func() *UsageRecord {
				u := usageWith("0")
				u.HourKey = "2026-03-01T10"
				u.HourlyCallCount = 5
				return u
			},
			action: llm("0.01"),
			hourly: true,
			reason: ReasonHourlyCallCapReached,
		},
		{
			name:   "emergency stop beats manual",
			usage:  func() *UsageRecord { return usageWith("0") },
			stop:   true,
			action: llm("1"),
			reason: ReasonEmergencyStop,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(testLimits(), tt.usage(), tt.stop, "2026-03-01T10", tt.action, tt.hourly)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, tt.warning, d.Warning)
			assert.Equal(t, tt.override, d.Override)
		})
	}
}

func TestDecide_IterationWithoutEstimateUsesConfiguredCost(t *testing.T) {
	d := Decide(testLimits(), usageWith("1"), false, "", Action{Kind: ActionAutoLoopIteration}, false)

	assert.True(t, d.Allowed)
	assert.True(t, d.Cost.Equal(dec("0.05")))
	assert.True(t, d.ProjectedSpent.Equal(dec("1.05")))
}

func TestHourlyCap_ZeroMeansNoCap(t *testing.T) {
	limits := testLimits()
	limits.MaxCallsPerHour = 0
	u := usageWith("1")
	u.HourKey = "2026-03-01T10"
	u.HourlyCallCount = 7

	s := ComputeStatus(limits, u, false, "2026-03-01T10")
	assert.False(t, s.HourlyCallCapReached)

	d := Decide(limits, u, false, "2026-03-01T10", Action{Kind: ActionLLMCall, EstimatedCost: dec("1")}, true)
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Reason)
}

func TestDecide_NilUsage(t *testing.T) {
	d := Decide(testLimits(), nil, false, "", Action{Kind: ActionLLMCall, EstimatedCost: dec("80")}, false)

	assert.True(t, d.Allowed)
	assert.True(t, d.Warning)
	assert.Equal(t, 80.0, d.ProjectedPercent)
}

func TestCostEvent_Apply(t *testing.T) {
	u := NewUsageRecord("t1", "2026-03-01")

	(&CostEvent{AgentID: "a", Kind: ActionLLMCall, Cost: dec("0.10"), HourKey: "2026-03-01T10"}).Apply(u)
	(&CostEvent{AgentID: "a", Kind: ActionLLMCall, Cost: dec("0.20"), HourKey: "2026-03-01T10"}).Apply(u)
	(&CostEvent{AgentID: "b", Kind: ActionAutoLoopIteration, Cost: dec("0.05")}).Apply(u)
	(&CostEvent{AgentID: "a", Kind: ActionLLMCall, Cost: dec("0.01"), HourKey: "2026-03-01T11"}).Apply(u)

	assert.True(t, u.TotalSpent.Equal(dec("0.36")))
	assert.True(t, u.CostByAgent["a"].Equal(dec("0.31")))
	assert.True(t, u.CostByAgent["b"].Equal(dec("0.05")))
	assert.Equal(t, int64(3), u.LLMCallCount)
	assert.Equal(t, int64(1), u.AutoLoopIterationCount)
	assert.Equal(t, "2026-03-01T11", u.HourKey)
	assert.Equal(t, int64(1), u.HourlyCallCount)
}

func TestUsageRecord_Clone(t *testing.T) {
	u := usageWith("1")
	u.CostByAgent["a"] = dec("1")

	c := u.Clone()
	c.CostByAgent["a"] = dec("2")

	assert.True(t, u.CostByAgent["a"].Equal(dec("1")))
	assert.Nil(t, (*UsageRecord)(nil).Clone())
}
