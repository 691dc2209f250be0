package pricing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/warp/fuel-ledger/inventory"
)

var (
	// ErrPriceNotFound is returned when a referenced price record doesn't exist.
	ErrPriceNotFound = fmt.Errorf("price record %w", inventory.ErrNotFound)

	// ErrOverlapDetected is the class of OverlapError. Outside strict mode it
	// is reported, never returned.
	ErrOverlapDetected = errors.New("overlapping price records")

	// ErrDuplicatePrice is returned when creating a record whose id exists.
	ErrDuplicatePrice = errors.New("price record already exists")
)

// OverlapError lists the active records that conflict with a write.
type OverlapError struct {
	Scope    Scope
	Validity DateRange
	Overlaps []Overlap
}

func (e *OverlapError) Error() string {
	ids := make([]string, len(e.Overlaps))
	for i, o := range e.Overlaps {
		ids[i] = o.ID + " " + o.Validity.String()
	}
	return fmt.Sprintf("price %s for %s overlaps %d active record(s): %s",
		e.Validity, e.Scope, len(e.Overlaps), strings.Join(ids, ", "))
}

func (e *OverlapError) Unwrap() error {
	return ErrOverlapDetected
}
