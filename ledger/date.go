package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// DATE - Calendar date (streaks are keyed by date, not timestamp)
// =============================================================================

type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

// NewDate builds a Date; out-of-range values are normalized by time.Date.
func NewDate(year int, month time.Month, day int) Date {
	return DateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC), time.UTC)
}

// DateOf returns the calendar date of t as seen in loc.
func DateOf(t time.Time, loc *time.Location) Date {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return DateOf(t, time.UTC), nil
}

func (d Date) IsZero() bool { return d == Date{} }

func (d Date) midnight() time.Time { return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC) }

func (d Date) AddDays(n int) Date     { return DateOf(d.midnight().AddDate(0, 0, n), time.UTC) }
func (d Date) Before(other Date) bool { return d.midnight().Before(other.midnight()) }
func (d Date) After(other Date) bool  { return d.midnight().After(other.midnight()) }
func (d Date) String() string         { return d.midnight().Format(dateLayout) }

// DaysBetween returns to - from in whole days.
func DaysBetween(from, to Date) int {
	return int(to.midnight().Sub(from.midnight()).Hours() / 24)
}
