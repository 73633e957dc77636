package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - Closed date window used by rollups and history checks
// =============================================================================

// Period is a closed interval of calendar days [From, To], in UTC.
// Both ends are inclusive: a period from March 1 to March 31 includes
// everything dated on March 31.
type Period struct {
	From time.Time
	To   time.Time
}

// NewPeriod normalizes both ends to the start of their day.
func NewPeriod(from, to time.Time) (Period, error) {
	p := Period{From: startOfDay(from), To: startOfDay(to)}
	if p.To.Before(p.From) {
		return Period{}, invalid("period", "end %s is before start %s", p.To.Format(dateLayout), p.From.Format(dateLayout))
	}
	return p, nil
}

// MustPeriod is NewPeriod for literals in tests and scenarios.
func MustPeriod(from, to time.Time) Period {
	p, err := NewPeriod(from, to)
	if err != nil {
		panic(err)
	}
	return p
}

// Start returns the first instant in the period.
func (p Period) Start() time.Time { return startOfDay(p.From) }

// EndExclusive returns the first instant after the period.
func (p Period) EndExclusive() time.Time { return startOfDay(p.To).AddDate(0, 0, 1) }

// Contains returns true if t falls on any day within the period.
func (p Period) Contains(t time.Time) bool {
	t = t.UTC()
	return !t.Before(p.Start()) && t.Before(p.EndExclusive())
}

// Days returns the number of calendar days covered by the period.
func (p Period) Days() int {
	return DaysBetween(p.From, p.To) + 1
}

// Previous returns the period of equal length that ends the day before
// this one starts.
func (p Period) Previous() Period {
	length := DaysBetween(p.From, p.To)
	end := startOfDay(p.From).AddDate(0, 0, -1)
	return Period{From: end.AddDate(0, 0, -length), To: end}
}

func (p Period) String() string {
	return fmt.Sprintf("[%s, %s]", p.From.Format(dateLayout), p.To.Format(dateLayout))
}

// =============================================================================
// TIME UTILITIES
// =============================================================================

const dateLayout = "2006-01-02"

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the number of whole days from one date to another.
func DaysBetween(from, to time.Time) int {
	return int(startOfDay(to).Sub(startOfDay(from)).Hours() / 24)
}

// ParseDate parses a YYYY-MM-DD date in UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, invalid("date", "invalid date %q (use YYYY-MM-DD)", s)
	}
	return t, nil
}
