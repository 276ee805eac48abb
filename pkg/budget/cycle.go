package budget

import "time"

const (
	dayLayout  = "2006-01-02"
	hourLayout = "2006-01-02T15"
)

// Clock supplies wall-clock time
type Clock interface {
	Now() time.Time
}

// SystemClock is the default Clock
type SystemClock struct{}

// Now returns time.Now()
func (SystemClock) Now() time.Time { return time.Now() }

// DayKey returns the tenant-local calendar day of t
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(dayLayout)
}

// HourKey returns the tenant-local hourly window of t
func HourKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(hourLayout)
}

// NextMidnight returns the start of the tenant-local day following t.
// DST transitions are handled by time.Date normalisation.
func NextMidnight(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day()+1, 0, 0, 0, 0, loc)
}

// laterDay returns the later of two day keys; keys sort lexically
func laterDay(a, b string) string {
	if a > b {
		return a
	}
	return b
}
