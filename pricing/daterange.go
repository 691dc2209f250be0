package pricing

import (
	"time"

	"github.com/warp/fuel-ledger/inventory"
)

// DateLayout is the wire and storage format of price validity dates.
const DateLayout = "2006-01-02"

// =============================================================================
// DATE RANGE - Inclusive validity window of a price
// =============================================================================

// DateRange is an inclusive range of calendar days [From, To].
// Both ends are normalized to UTC midnight.
type DateRange struct {
	From time.Time
	To   time.Time
}

// NewDateRange normalizes both ends and validates the order.
func NewDateRange(from, to time.Time) (DateRange, error) {
	r := DateRange{From: Day(from), To: Day(to)}
	if err := r.Validate(); err != nil {
		return DateRange{}, err
	}
	return r, nil
}

// ParseDateRange parses two YYYY-MM-DD strings.
func ParseDateRange(from, to string) (DateRange, error) {
	f, err := ParseDate("date_from", from)
	if err != nil {
		return DateRange{}, err
	}
	t, err := ParseDate("date_to", to)
	if err != nil {
		return DateRange{}, err
	}
	return NewDateRange(f, t)
}

// ParseDate parses a YYYY-MM-DD string, naming field in the error.
func ParseDate(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, inventory.Invalid(field, "required")
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, inventory.Invalid(field, "expected YYYY-MM-DD")
	}
	return t, nil
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Validate rejects zero or inverted ranges.
func (r DateRange) Validate() error {
	switch {
	case r.From.IsZero():
		return inventory.Invalid("date_from", "required")
	case r.To.IsZero():
		return inventory.Invalid("date_to", "required")
	case r.To.Before(r.From):
		return inventory.Invalid("date_to", "must not be before date_from")
	}
	return nil
}

// Contains returns true if the day of t is within [From, To].
func (r DateRange) Contains(t time.Time) bool {
	day := Day(t)
	return !day.Before(r.From) && !day.After(r.To)
}

// Overlaps is the interval intersection test:
// r.From <= other.To AND r.To >= other.From.
func (r DateRange) Overlaps(other DateRange) bool {
	return !r.From.After(other.To) && !r.To.Before(other.From)
}

// Days returns the number of days in the range, both ends included.
func (r DateRange) Days() int {
	return int(r.To.Sub(r.From).Hours()/24) + 1
}

func (r DateRange) String() string {
	return "[" + r.From.Format(DateLayout) + ", " + r.To.Format(DateLayout) + "]"
}
