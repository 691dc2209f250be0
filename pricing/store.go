package pricing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store persists price records.
type Store interface {
	// CreatePrice inserts a record. Returns ErrDuplicatePrice if the id exists.
	CreatePrice(ctx context.Context, p PriceRecord) error

	// UpdatePrice replaces the mutable fields of an existing record,
	// the sold volume cache included.
	// Returns ErrPriceNotFound if it does not exist.
	UpdatePrice(ctx context.Context, p PriceRecord) error

	// GetPrice returns one record or ErrPriceNotFound.
	GetPrice(ctx context.Context, id string) (*PriceRecord, error)

	// FindOverlapping returns active records with exactly this scope whose
	// validity intersects r, excluding excludeID, ordered by date_from.
	FindOverlapping(ctx context.Context, scope Scope, r DateRange, excludeID string) ([]PriceRecord, error)

	// SetSoldVolume overwrites the sold volume cache.
	SetSoldVolume(ctx context.Context, id string, volume decimal.Decimal, at time.Time) error
}

// VolumeSource sums deal quantities. The unified deal table implements it.
type VolumeSource interface {
	// SumVolume returns the total quantity of non-deleted deals matching q.
	// No match returns zero.
	SumVolume(ctx context.Context, q VolumeQuery) (decimal.Decimal, error)
}
