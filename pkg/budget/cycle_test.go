package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDayKey_TenantLocal(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	ts := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-03-02", DayKey(ts, time.UTC))
	assert.Equal(t, "2026-03-01", DayKey(ts, ny))
	assert.Equal(t, "2026-03-01T22", HourKey(ts, ny))
}

func TestNextMidnight(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 2026-03-08 is a 23 hour day in New York
	ts := time.Date(2026, 3, 8, 0, 0, 0, 0, ny)
	next := NextMidnight(ts, ny)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, ny), next)
	assert.Equal(t, 23*time.Hour, next.Sub(ts))

	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		NextMidnight(time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC), time.UTC))
}

func TestLaterDay(t *testing.T) {
	assert.Equal(t, "2026-03-02", laterDay("2026-03-01", "2026-03-02"))
	assert.Equal(t, "2026-03-02", laterDay("2026-03-02", "2026-03-01"))
	assert.Equal(t, "2026-03-01", laterDay("", "2026-03-01"))
}

func TestLimits_Location(t *testing.T) {
	assert.Equal(t, time.UTC, Limits{}.Location())
	assert.Equal(t, time.UTC, Limits{Timezone: "Nowhere/Land"}.Location())
	assert.Equal(t, "Europe/Berlin", Limits{Timezone: "Europe/Berlin"}.Location().String())
}
