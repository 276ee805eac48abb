package budget

import (
	"time"

	"github.com/shopspring/decimal"
)

// Validate checks every field of the limits and reports all violations at once
func (l Limits) Validate() error {
	verr := &ValidationError{}

	if !l.DailyMaxAmount.IsPositive() {
		verr.add("dailyMaxAmount", "must be greater than 0")
	}
	if l.WarningThresholdPercent < 1 || l.WarningThresholdPercent > 100 {
		verr.add("warningThresholdPercent", "must be between 1 and 100")
	}
	if l.AutoLoopMaxIterationsPerDay < 0 {
		verr.add("autoLoopMaxIterationsPerDay", "must not be negative")
	}
	if l.AutoLoopMaxConcurrent < 0 {
		verr.add("autoLoopMaxConcurrent", "must not be negative")
	}
	if l.AutoLoopIterationCost.IsNegative() {
		verr.add("autoLoopIterationCost", "must not be negative")
	}
	if l.MaxCallsPerHour < 0 {
		verr.add("maxCallsPerHour", "must not be negative")
	}
	if l.MaxCallsPerDay < 0 {
		verr.add("maxCallsPerDay", "must not be negative")
	}
	if l.Timezone != "" {
		if _, err := time.LoadLocation(l.Timezone); err != nil {
			verr.add("timezone", "unknown time zone")
		}
	}

	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

// ComputeStatus derives the budget status from limits and the day's usage.
// It is a pure function; hourKey selects the hourly window to report.
func ComputeStatus(limits Limits, usage *UsageRecord, emergencyStop bool, hourKey string) Status {
	spent := decimal.Zero
	var calls, iterations int64
	if usage != nil {
		spent = usage.TotalSpent
		calls = usage.LLMCallCount
		iterations = usage.AutoLoopIterationCount
	}

	remaining := limits.DailyMaxAmount.Sub(spent)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}

	percent := usagePercent(spent, limits.DailyMaxAmount)

	iterationsRemaining := limits.AutoLoopMaxIterationsPerDay - iterations
	if iterationsRemaining < 0 {
		iterationsRemaining = 0
	}

	callsRemaining := limits.MaxCallsPerDay - calls
	if callsRemaining < 0 {
		callsRemaining = 0
	}

	hourly := usage.CallsInHour(hourKey)

	return Status{
		Remaining:            remaining,
		UsagePercent:         percent,
		IterationsRemaining:  iterationsRemaining,
		Warning:              percent >= float64(limits.WarningThresholdPercent),
		Allowed:              spent.LessThan(limits.DailyMaxAmount) && !emergencyStop,
		CallsRemainingToday:  callsRemaining,
		CallsThisHour:        hourly,
		HourlyCallCapReached: hourlyCapReached(limits, hourly),
	}
}

// hourlyCapReached reports whether calls fill the hourly cap; a zero cap never fills
func hourlyCapReached(limits Limits, calls int64) bool {
	return limits.MaxCallsPerHour > 0 && calls >= limits.MaxCallsPerHour
}

// usagePercent returns spent/max*100, or 0 when max is 0. Not capped at 100.
func usagePercent(spent, max decimal.Decimal) float64 {
	if max.IsZero() {
		return 0
	}
	return spent.Mul(decimal.NewFromInt(100)).Div(max).InexactFloat64()
}
