package deals

import (
	"context"
	"time"
)

// Store persists deals and transfers. The deal table is also the
// pricing.VolumeSource, so SQL implementations satisfy both.
type Store interface {
	CreateDeal(ctx context.Context, d Deal) error
	// UpdateDeal replaces the deal. Returns ErrDealNotFound if missing.
	UpdateDeal(ctx context.Context, d Deal) error
	// GetDeal returns the deal, soft-deleted or not.
	GetDeal(ctx context.Context, id string) (*Deal, error)
	SoftDeleteDeal(ctx context.Context, id, actor string, at time.Time) error

	CreateTransfer(ctx context.Context, t Transfer) error
	UpdateTransfer(ctx context.Context, t Transfer) error
	GetTransfer(ctx context.Context, id string) (*Transfer, error)
	SoftDeleteTransfer(ctx context.Context, id, actor string, at time.Time) error
}
