package deals

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/fuel-ledger/config"
	"github.com/warp/fuel-ledger/ids"
	"github.com/warp/fuel-ledger/inventory"
)

// Service writes deals and transfers and posts their ledger legs.
//
// The ledger is written first: it validates stock and warehouses and is
// the part that must never drift. If the record write then fails, the
// ledger write is compensated through the same engine. A compensation
// that fails itself is kept in Unresolved until the process restarts.
type Service struct {
	engine *inventory.Engine
	store  Store
	clock  func() time.Time
	logger *logrus.Logger

	mu         sync.Mutex
	unresolved []Unresolved
}

// Unresolved is a record write whose ledger compensation failed. The
// ledger holds legs for Source that the record store does not match.
type Unresolved struct {
	Source inventory.SourceRef
	Op     string
	Cause  string
	Err    string
	At     time.Time
}

// NewService creates a Service.
func NewService(engine *inventory.Engine, store Store, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		engine: engine,
		store:  store,
		clock:  func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// WithClock replaces the service clock. Used by tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// =============================================================================
// DEALS
// =============================================================================

// GetDeal returns a live deal.
func (s *Service) GetDeal(ctx context.Context, id string) (Deal, error) {
	d, err := s.store.GetDeal(ctx, id)
	if err != nil {
		return Deal{}, err
	}
	if d.IsDeleted() {
		return Deal{}, ErrDealNotFound
	}
	return *d, nil
}

// CreateDeal saves a deal and applies its legs.
func (s *Service) CreateDeal(ctx context.Context, d Deal, actor string) (Result[Deal], error) {
	if d.ID == "" {
		d.ID = ids.New()
	}
	if err := d.Validate(); err != nil {
		return Result[Deal]{}, err
	}
	if _, err := s.store.GetDeal(ctx, d.ID); err == nil {
		return Result[Deal]{}, fmt.Errorf("deal %s: %w", d.ID, ErrDuplicate)
	} else if !errors.Is(err, inventory.ErrNotFound) {
		return Result[Deal]{}, err
	}
	now := s.clock()
	d.CreatedAt, d.UpdatedAt = now, now
	d.DeletedAt, d.DeletedBy = nil, ""

	var entries []inventory.Entry
	if moves := d.Movements(actor); len(moves) > 0 {
		var err error
		if entries, err = s.engine.ApplyMovements(ctx, moves); err != nil {
			return Result[Deal]{}, err
		}
	}

	if err := s.store.CreateDeal(ctx, d); err != nil {
		s.undo(ctx, d.Source(), entries, actor, "CreateDeal", err)
		return Result[Deal]{}, err
	}

	s.logger.WithFields(logrus.Fields{
		"deal_id":  d.ID,
		"type":     d.Type,
		"quantity": d.Quantity.String(),
		"legs":     len(entries),
	}).Info("deal created")
	return Result[Deal]{Record: d, Entries: entries}, nil
}

// UpdateDeal replaces a deal. Its old legs are reversed and the new ones
// applied in one ledger transaction.
func (s *Service) UpdateDeal(ctx context.Context, d Deal, actor string) (Result[Deal], error) {
	existing, err := s.GetDeal(ctx, d.ID)
	if err != nil {
		return Result[Deal]{}, err
	}
	if err := d.Validate(); err != nil {
		return Result[Deal]{}, err
	}
	d.CreatedAt = existing.CreatedAt
	d.UpdatedAt = s.clock()

	reversals, entries, err := s.engine.Repost(ctx, d.Source(), d.Movements(actor), actor, "deal updated")
	if err != nil {
		return Result[Deal]{}, err
	}

	if err := s.store.UpdateDeal(ctx, d); err != nil {
		s.compensate(ctx, d.Source(), existing.Movements(actor), actor, "UpdateDeal", err)
		return Result[Deal]{}, err
	}

	s.logger.WithFields(logrus.Fields{
		"deal_id":   d.ID,
		"reversals": len(reversals),
		"legs":      len(entries),
	}).Info("deal updated")
	return Result[Deal]{Record: d, Reversals: reversals, Entries: entries}, nil
}

// DeleteDeal reverses the deal's legs and soft deletes it.
func (s *Service) DeleteDeal(ctx context.Context, id, actor string) (Result[Deal], error) {
	existing, err := s.GetDeal(ctx, id)
	if err != nil {
		return Result[Deal]{}, err
	}

	reversals, err := s.engine.ReverseSource(ctx, existing.Source(), actor, "deal deleted")
	if err != nil {
		return Result[Deal]{}, err
	}

	at := s.clock()
	if err := s.store.SoftDeleteDeal(ctx, id, actor, at); err != nil {
		s.compensate(ctx, existing.Source(), existing.Movements(actor), actor, "DeleteDeal", err)
		return Result[Deal]{}, err
	}
	existing.DeletedAt, existing.DeletedBy = &at, actor

	s.logger.WithFields(logrus.Fields{"deal_id": id, "reversals": len(reversals)}).Info("deal deleted")
	return Result[Deal]{Record: existing, Reversals: reversals}, nil
}

// =============================================================================
// TRANSFERS
// =============================================================================

func (s *Service) GetTransfer(ctx context.Context, id string) (Transfer, error) {
	t, err := s.store.GetTransfer(ctx, id)
	if err != nil {
		return Transfer{}, err
	}
	if t.IsDeleted() {
		return Transfer{}, ErrTransferNotFound
	}
	return *t, nil
}

// CreateTransfer saves a transfer and applies both legs atomically.
func (s *Service) CreateTransfer(ctx context.Context, t Transfer, actor string) (Result[Transfer], error) {
	if t.ID == "" {
		t.ID = ids.NewUUID()
	}
	if err := t.Validate(); err != nil {
		return Result[Transfer]{}, err
	}
	if _, err := s.store.GetTransfer(ctx, t.ID); err == nil {
		return Result[Transfer]{}, fmt.Errorf("transfer %s: %w", t.ID, ErrDuplicate)
	} else if !errors.Is(err, inventory.ErrNotFound) {
		return Result[Transfer]{}, err
	}
	now := s.clock()
	t.CreatedAt, t.UpdatedAt = now, now
	t.DeletedAt, t.DeletedBy = nil, ""

	entries, err := s.engine.ApplyMovements(ctx, t.Movements(actor))
	if err != nil {
		return Result[Transfer]{}, err
	}
	if err := s.store.CreateTransfer(ctx, t); err != nil {
		s.undo(ctx, t.Source(), entries, actor, "CreateTransfer", err)
		return Result[Transfer]{}, err
	}

	s.logger.WithFields(logrus.Fields{
		"transfer_id": t.ID,
		"from":        t.FromWarehouseID,
		"to":          t.ToWarehouseID,
		"quantity":    t.Quantity.String(),
	}).Info("transfer created")
	return Result[Transfer]{Record: t, Entries: entries}, nil
}

func (s *Service) UpdateTransfer(ctx context.Context, t Transfer, actor string) (Result[Transfer], error) {
	existing, err := s.GetTransfer(ctx, t.ID)
	if err != nil {
		return Result[Transfer]{}, err
	}
	if err := t.Validate(); err != nil {
		return Result[Transfer]{}, err
	}
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = s.clock()

	reversals, entries, err := s.engine.Repost(ctx, t.Source(), t.Movements(actor), actor, "transfer updated")
	if err != nil {
		return Result[Transfer]{}, err
	}
	if err := s.store.UpdateTransfer(ctx, t); err != nil {
		s.compensate(ctx, t.Source(), existing.Movements(actor), actor, "UpdateTransfer", err)
		return Result[Transfer]{}, err
	}

	s.logger.WithFields(logrus.Fields{"transfer_id": t.ID, "reversals": len(reversals)}).Info("transfer updated")
	return Result[Transfer]{Record: t, Reversals: reversals, Entries: entries}, nil
}

func (s *Service) DeleteTransfer(ctx context.Context, id, actor string) (Result[Transfer], error) {
	existing, err := s.GetTransfer(ctx, id)
	if err != nil {
		return Result[Transfer]{}, err
	}

	reversals, err := s.engine.ReverseSource(ctx, existing.Source(), actor, "transfer deleted")
	if err != nil {
		return Result[Transfer]{}, err
	}

	at := s.clock()
	if err := s.store.SoftDeleteTransfer(ctx, id, actor, at); err != nil {
		s.compensate(ctx, existing.Source(), existing.Movements(actor), actor, "DeleteTransfer", err)
		return Result[Transfer]{}, err
	}
	existing.DeletedAt, existing.DeletedBy = &at, actor

	s.logger.WithFields(logrus.Fields{"transfer_id": id, "reversals": len(reversals)}).Info("transfer deleted")
	return Result[Transfer]{Record: existing, Reversals: reversals}, nil
}

// undo reverses exactly the entries a failed create posted, newest first.
// Other live entries of the same source are left alone.
func (s *Service) undo(ctx context.Context, src inventory.SourceRef, entries []inventory.Entry, actor, funcName string, cause error) {
	config.LogError(s.logger, "deals", funcName, "record write failed after ledger post", src.String(), cause)
	for i := len(entries) - 1; i >= 0; i-- {
		if _, err := s.engine.Reverse(ctx, entries[i].ID, actor, "compensation: "+cause.Error()); err != nil {
			s.unresolvedf(src, funcName, cause, err)
			return
		}
	}
}

// compensate puts the ledger back to the legs of the stored record after
// an update or delete of that record failed.
func (s *Service) compensate(ctx context.Context, src inventory.SourceRef, restore []inventory.Movement, actor, funcName string, cause error) {
	config.LogError(s.logger, "deals", funcName, "record write failed after ledger post", src.String(), cause)
	if _, _, err := s.engine.Repost(ctx, src, restore, actor, "compensation: "+cause.Error()); err != nil {
		s.unresolvedf(src, funcName, cause, err)
	}
}

func (s *Service) unresolvedf(src inventory.SourceRef, funcName string, cause, err error) {
	s.logger.WithFields(logrus.Fields{
		"module":      "deals",
		"funcName":    funcName,
		"source_kind": src.Kind,
		"source_id":   src.ID,
		"cause":       cause.Error(),
	}).WithError(err).Error("ledger compensation failed, source needs manual reconciliation")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.unresolved = append(s.unresolved, Unresolved{
		Source: src,
		Op:     funcName,
		Cause:  cause.Error(),
		Err:    err.Error(),
		At:     s.clock(),
	})
}

// Unresolved lists the failed compensations seen by this process.
func (s *Service) Unresolved() []Unresolved {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Unresolved(nil), s.unresolved...)
}
