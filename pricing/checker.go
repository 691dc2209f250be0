/*
checker.go - Price Validity Checker

PURPOSE:
  Detects active price records of the same scope whose validity
  intersects a candidate range. At most one active record per scope
  should cover any given day; the checker finds violations.

OVERLAP TEST:
  existing.From <= candidate.To AND existing.To >= candidate.From

  [2024-01-01, 2024-01-31] vs [2024-01-15, 2024-02-15]  overlap
  [2024-01-01, 2024-01-31] vs [2024-02-01, 2024-02-28]  no overlap

RESULT:
  Status is "error" iff at least one overlap exists. There is no warning tier.

SEE ALSO:
  - service.go: calls the checker on every write (advisory or strict)
*/
package pricing

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Checker runs overlap checks against a Store.
type Checker struct {
	store  Store
	logger *logrus.Logger
}

// NewChecker creates a Checker.
func NewChecker(store Store, logger *logrus.Logger) *Checker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Checker{store: store, logger: logger}
}

// CheckOverlap returns the active records of scope overlapping r.
// excludeID skips the record being edited.
func (c *Checker) CheckOverlap(ctx context.Context, scope Scope, r DateRange, excludeID string) (OverlapResult, error) {
	if err := scope.Validate(); err != nil {
		return OverlapResult{}, err
	}
	if err := r.Validate(); err != nil {
		return OverlapResult{}, err
	}

	found, err := c.store.FindOverlapping(ctx, scope, r, excludeID)
	if err != nil {
		return OverlapResult{}, fmt.Errorf("find overlapping prices: %w", err)
	}

	result := OverlapResult{Status: StatusOK, Overlaps: []Overlap{}}
	for _, rec := range found {
		// Stores filter in SQL; re-check so a loose query can't leak results.
		if rec.ID == excludeID || !rec.IsActive || rec.Scope != scope || !rec.Validity.Overlaps(r) {
			continue
		}
		result.Overlaps = append(result.Overlaps, Overlap{ID: rec.ID, Validity: rec.Validity})
	}
	if len(result.Overlaps) > 0 {
		result.Status = StatusError
		c.logger.WithFields(logrus.Fields{
			"scope":    scope.String(),
			"range":    r.String(),
			"overlaps": len(result.Overlaps),
		}).Debug("price overlap detected")
	}
	return result, nil
}
