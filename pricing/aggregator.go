/*
aggregator.go - Volume Selection Aggregator

PURPOSE:
  Answers "how much was actually sold under this price": the sum of deal
  quantities matching a scope and an inclusive date range.

ROUTING:
  All deal families live in one deal table; CounterpartyType selects the
  family. Role picks the filter column: supplier-side prices match deals
  by supplier id, buyer-side prices by buyer id. The two never combine.

CACHE:
  RefreshSoldVolume writes the total back onto the record. The write is a
  plain overwrite, so recomputing is always safe.
*/
package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Aggregator sums deal volumes.
type Aggregator struct {
	deals  VolumeSource
	prices Store
	clock  func() time.Time
	logger *logrus.Logger
}

// NewAggregator creates an Aggregator. prices may be nil if write-back
// is not needed.
func NewAggregator(deals VolumeSource, prices Store, logger *logrus.Logger) *Aggregator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Aggregator{
		deals:  deals,
		prices: prices,
		clock:  func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// CalculateSelection returns the total deal volume for scope within r.
func (a *Aggregator) CalculateSelection(ctx context.Context, scope Scope, r DateRange) (decimal.Decimal, error) {
	if err := scope.Validate(); err != nil {
		return decimal.Zero, err
	}
	if err := r.Validate(); err != nil {
		return decimal.Zero, err
	}
	total, err := a.deals.SumVolume(ctx, QueryFor(scope, r))
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum deal volume: %w", err)
	}
	return total, nil
}

// RefreshSoldVolume recomputes the selection for a record over its own
// scope and validity and caches it as SoldVolume.
func (a *Aggregator) RefreshSoldVolume(ctx context.Context, id string) (PriceRecord, error) {
	if a.prices == nil {
		return PriceRecord{}, fmt.Errorf("refresh sold volume: no price store configured")
	}
	rec, err := a.prices.GetPrice(ctx, id)
	if err != nil {
		return PriceRecord{}, err
	}

	total, err := a.CalculateSelection(ctx, rec.Scope, rec.Validity)
	if err != nil {
		return PriceRecord{}, err
	}

	at := a.clock()
	if err := a.prices.SetSoldVolume(ctx, id, total, at); err != nil {
		// Best-effort cache: report the figure even if it couldn't be stored.
		a.logger.WithFields(logrus.Fields{
			"price_id": id,
			"volume":   total.String(),
		}).WithError(err).Warn("sold volume cache write failed")
		rec.SoldVolume = total
		return *rec, nil
	}

	rec.SoldVolume = total
	rec.SoldVolumeAt = &at
	return *rec, nil
}
