/*
service.go - Price record write path

PURPOSE:
  Creates, updates and (de)activates price records. Every write of an
  active record runs the overlap check first.

MODES:
  advisory: overlaps are logged, counted and returned next to the saved
            record. The write goes through.
  strict:   overlaps reject the write with *OverlapError.

  Deactivating a record never checks: it can only remove overlaps.

SOLD VOLUME:
  Update keeps the cached SoldVolume while the scope and validity stay
  put. When either moves, the cache describes other deals, so it is
  recomputed through the configured VolumeRefresher. Without one the
  figure is zeroed and SoldVolumeAt cleared until the next refresh.

SERIALIZATION:
  Check-then-write is done under a per-scope lock so two concurrent
  strict writes cannot both pass the check.
*/
package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/fuel-ledger/ids"
	"github.com/warp/fuel-ledger/inventory"
)

// Mode selects advisory or strict overlap handling.
type Mode string

const (
	ModeAdvisory Mode = "advisory"
	ModeStrict   Mode = "strict"
)

// ParseMode parses a mode name. Empty means advisory.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeAdvisory:
		return ModeAdvisory, nil
	case ModeStrict:
		return ModeStrict, nil
	}
	return "", fmt.Errorf("unknown price overlap mode %q", s)
}

// Recorder receives pricing events. metrics.Collector implements it.
type Recorder interface {
	OverlapDetected(mode Mode, blocked bool, count int)
}

// VolumeRefresher recomputes a record's cached sold volume.
// *Aggregator implements it.
type VolumeRefresher interface {
	RefreshSoldVolume(ctx context.Context, id string) (PriceRecord, error)
}

type nopRecorder struct{}

func (nopRecorder) OverlapDetected(Mode, bool, int) {}

// SaveResult is a saved record plus any overlaps found in advisory mode.
type SaveResult struct {
	Record   PriceRecord
	Overlaps []Overlap
}

// Service is the price write path.
type Service struct {
	store    Store
	checker  *Checker
	locker   inventory.Locker
	mode     Mode
	clock    func() time.Time
	logger   *logrus.Logger
	recorder Recorder
	volumes  VolumeRefresher
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

func WithMode(m Mode) ServiceOption { return func(s *Service) { s.mode = m } }

func WithLocker(l inventory.Locker) ServiceOption { return func(s *Service) { s.locker = l } }

func WithClock(clock func() time.Time) ServiceOption { return func(s *Service) { s.clock = clock } }

func WithRecorder(r Recorder) ServiceOption { return func(s *Service) { s.recorder = r } }

// WithVolumeRefresher recomputes SoldVolume after an update that moves a
// record's scope or validity.
func WithVolumeRefresher(v VolumeRefresher) ServiceOption {
	return func(s *Service) { s.volumes = v }
}

// NewService creates a Service in advisory mode unless configured otherwise.
func NewService(store Store, logger *logrus.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Service{
		store:    store,
		checker:  NewChecker(store, logger),
		locker:   inventory.NewKeyedMutex(),
		mode:     ModeAdvisory,
		clock:    func() time.Time { return time.Now().UTC() },
		logger:   logger,
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mode returns the configured overlap mode.
func (s *Service) Mode() Mode { return s.mode }

// Checker exposes the read-only overlap check.
func (s *Service) Checker() *Checker { return s.checker }

// Get returns one record.
func (s *Service) Get(ctx context.Context, id string) (PriceRecord, error) {
	rec, err := s.store.GetPrice(ctx, id)
	if err != nil {
		return PriceRecord{}, err
	}
	return *rec, nil
}

// Create validates, checks overlaps and inserts a record.
func (s *Service) Create(ctx context.Context, rec PriceRecord) (SaveResult, error) {
	if rec.ID == "" {
		rec.ID = ids.NewUUID()
	}
	rec.Validity = DateRange{From: Day(rec.Validity.From), To: Day(rec.Validity.To)}
	if err := rec.Validate(); err != nil {
		return SaveResult{}, err
	}
	now := s.clock()
	rec.CreatedAt, rec.UpdatedAt = now, now

	return s.guarded(ctx, rec, func() error {
		return s.store.CreatePrice(ctx, rec)
	})
}

// Update replaces an existing record's scope, validity and payload.
// The sold volume cache is kept unless the scope or validity moved.
func (s *Service) Update(ctx context.Context, rec PriceRecord) (SaveResult, error) {
	existing, err := s.store.GetPrice(ctx, rec.ID)
	if err != nil {
		return SaveResult{}, err
	}
	rec.Validity = DateRange{From: Day(rec.Validity.From), To: Day(rec.Validity.To)}
	if err := rec.Validate(); err != nil {
		return SaveResult{}, err
	}
	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = s.clock()

	moved := rec.Scope != existing.Scope || !rec.Validity.From.Equal(existing.Validity.From) ||
		!rec.Validity.To.Equal(existing.Validity.To)
	if moved {
		rec.SoldVolume = decimal.Zero
		rec.SoldVolumeAt = nil
	} else {
		rec.SoldVolume = existing.SoldVolume
		rec.SoldVolumeAt = existing.SoldVolumeAt
	}

	res, err := s.guarded(ctx, rec, func() error {
		return s.store.UpdatePrice(ctx, rec)
	})
	if err != nil || !moved || s.volumes == nil {
		return res, err
	}

	refreshed, err := s.volumes.RefreshSoldVolume(ctx, rec.ID)
	if err != nil {
		// The record is saved; a stale zero is corrected by the next refresh.
		s.logger.WithFields(logrus.Fields{
			"price_id": rec.ID,
			"scope":    rec.Scope.String(),
		}).WithError(err).Warn("sold volume refresh after scope change failed")
		return res, nil
	}
	res.Record.SoldVolume = refreshed.SoldVolume
	res.Record.SoldVolumeAt = refreshed.SoldVolumeAt
	return res, nil
}

// SetActive toggles a record. Activation runs the overlap check.
func (s *Service) SetActive(ctx context.Context, id string, active bool) (SaveResult, error) {
	existing, err := s.store.GetPrice(ctx, id)
	if err != nil {
		return SaveResult{}, err
	}
	rec := *existing
	rec.IsActive = active
	rec.UpdatedAt = s.clock()

	return s.guarded(ctx, rec, func() error {
		return s.store.UpdatePrice(ctx, rec)
	})
}

// guarded runs the overlap gate and write under the scope lock.
func (s *Service) guarded(ctx context.Context, rec PriceRecord, write func() error) (SaveResult, error) {
	unlock, err := s.locker.Lock(ctx, "pricing:"+rec.Scope.String())
	if err != nil {
		return SaveResult{}, fmt.Errorf("lock price scope: %w", err)
	}
	defer unlock()

	var overlaps []Overlap
	if rec.IsActive {
		result, err := s.checker.CheckOverlap(ctx, rec.Scope, rec.Validity, rec.ID)
		if err != nil {
			return SaveResult{}, err
		}
		overlaps = result.Overlaps
	}

	if len(overlaps) > 0 {
		blocked := s.mode == ModeStrict
		s.recorder.OverlapDetected(s.mode, blocked, len(overlaps))
		fields := logrus.Fields{
			"price_id": rec.ID,
			"scope":    rec.Scope.String(),
			"range":    rec.Validity.String(),
			"overlaps": len(overlaps),
			"mode":     s.mode,
		}
		if blocked {
			s.logger.WithFields(fields).Info("price write rejected: overlapping active record")
			return SaveResult{}, &OverlapError{Scope: rec.Scope, Validity: rec.Validity, Overlaps: overlaps}
		}
		s.logger.WithFields(fields).Warn("price saved with overlapping active record")
	}

	if err := write(); err != nil {
		return SaveResult{}, err
	}
	if overlaps == nil {
		overlaps = []Overlap{}
	}
	return SaveResult{Record: rec, Overlaps: overlaps}, nil
}
