/*
engine.go - Ledger Engine

PURPOSE:
  The Engine is the single write path for warehouse stock. It applies a
  movement to one (warehouse, product) pair, computes the new balance and
  weighted-average cost, and persists the position and its ledger entry in
  one transaction.

CRITICAL INVARIANTS:
  1. ATOMIC: position update and entry append commit together or not at all
  2. SERIALIZED: movements on the same pair never interleave (Locker + CAS)
  3. APPEND-ONLY: reversals are new entries, history is never edited
  4. REPLAYABLE: Replay(entries) == stored position

FLOW (ApplyMovements):
  1. Validate every movement (no writes on failure)
  2. Lock all involved pairs in sorted order
  3. WithTx: load warehouse + position, Apply, SavePosition (CAS), AppendEntry
  4. Retry the transaction on ErrConcurrentModification
  5. After commit: metrics and logs (clamp warnings at WARN)

SEE ALSO:
  - cost.go: the arithmetic
  - store.go: persistence contract
  - locker.go: per-pair serialization
*/
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/fuel-ledger/ids"
)

const (
	defaultRetries   = 3
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// Recorder receives engine events. metrics.Collector implements it.
type Recorder interface {
	EntryAppended(e Entry)
	MovementFailed(kind Kind, err error)
}

type nopRecorder struct{}

func (nopRecorder) EntryAppended(Entry)        {}
func (nopRecorder) MovementFailed(Kind, error) {}

// =============================================================================
// ENGINE
// =============================================================================

// Engine applies movements to warehouse positions.
type Engine struct {
	store    TxStore
	locker   Locker
	policy   NegativeBalancePolicy
	retries  int
	clock    func() time.Time
	newID    func() EntryID
	logger   *logrus.Logger
	recorder Recorder
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocker replaces the in-process KeyedMutex, e.g. with lock.Redis.
func WithLocker(l Locker) Option { return func(e *Engine) { e.locker = l } }

// WithPolicy sets the negative balance policy. Default PolicyClamp.
func WithPolicy(p NegativeBalancePolicy) Option { return func(e *Engine) { e.policy = p } }

// WithRetries sets how often a transaction is retried after a lost CAS.
func WithRetries(n int) Option { return func(e *Engine) { e.retries = n } }

func WithClock(clock func() time.Time) Option { return func(e *Engine) { e.clock = clock } }

func WithIDGenerator(gen func() EntryID) Option { return func(e *Engine) { e.newID = gen } }

func WithLogger(l *logrus.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithRecorder(r Recorder) Option { return func(e *Engine) { e.recorder = r } }

// NewEngine creates an Engine over store.
func NewEngine(store TxStore, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		locker:   NewKeyedMutex(),
		policy:   PolicyClamp,
		retries:  defaultRetries,
		clock:    func() time.Time { return time.Now().UTC() },
		newID:    func() EntryID { return EntryID(ids.New()) },
		logger:   logrus.StandardLogger(),
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the configured negative balance policy.
func (e *Engine) Policy() NegativeBalancePolicy { return e.policy }

// Store exposes the underlying store for read-only callers.
func (e *Engine) Store() TxStore { return e.store }

// =============================================================================
// MOVEMENTS
// =============================================================================

// ApplyMovement applies one movement. See ApplyMovements.
func (e *Engine) ApplyMovement(ctx context.Context, m Movement) (Entry, error) {
	entries, err := e.ApplyMovements(ctx, []Movement{m})
	if err != nil {
		return Entry{}, err
	}
	return entries[0], nil
}

// ApplyMovements applies movements in order inside one transaction.
// Either every entry is written or none is.
func (e *Engine) ApplyMovements(ctx context.Context, moves []Movement) ([]Entry, error) {
	if len(moves) == 0 {
		return nil, Invalid("movements", "at least one movement is required")
	}
	keys := make([]PairKey, 0, len(moves))
	for i, m := range moves {
		if err := validateMovement(m); err != nil {
			e.recorder.MovementFailed(m.Kind, err)
			return nil, fmt.Errorf("movement %d: %w", i, err)
		}
		keys = append(keys, m.Key())
	}

	unlock, err := lockPairs(ctx, e.locker, keys)
	if err != nil {
		return nil, fmt.Errorf("lock pairs: %w", err)
	}
	defer unlock()

	var entries []Entry
	err = e.withRetry(ctx, func() error {
		entries = entries[:0]
		return e.store.WithTx(ctx, func(s Store) error {
			for _, m := range moves {
				entry, err := e.applyOne(ctx, s, m)
				if err != nil {
					return err
				}
				entries = append(entries, entry)
			}
			return nil
		})
	})
	if err != nil {
		e.failed(moves[0].Kind, err, logrus.Fields{
			"warehouse_id": moves[0].WarehouseID,
			"product":      moves[0].Product,
			"source":       moves[0].Source.String(),
		})
		return nil, err
	}

	e.committed(entries)
	return entries, nil
}

func (e *Engine) applyOne(ctx context.Context, s Store, m Movement) (Entry, error) {
	key := m.Key()
	if err := requireWarehouse(ctx, s, m.WarehouseID); err != nil {
		return Entry{}, err
	}

	pos, err := s.GetPosition(ctx, key)
	if err != nil {
		return Entry{}, fmt.Errorf("load position %s: %w", key, err)
	}
	latest, err := s.LatestEntry(ctx, key)
	if err != nil {
		return Entry{}, fmt.Errorf("load latest entry %s: %w", key, err)
	}
	at, err := e.stamp(m.TransactedAt, m.LiftBackdated, latest)
	if err != nil {
		return Entry{}, err
	}

	unitPrice := m.UnitPrice
	if unitPrice == nil && m.TotalSum == nil && m.CostFrom != nil {
		src, err := s.GetPosition(ctx, *m.CostFrom)
		if err != nil {
			return Entry{}, fmt.Errorf("load cost source %s: %w", *m.CostFrom, err)
		}
		if src.AverageCost.IsPositive() {
			unitPrice = Price(src.AverageCost)
		}
	}

	out, err := Apply(pos, Step{Kind: m.Kind, Quantity: m.Quantity, UnitPrice: unitPrice, TotalSum: m.TotalSum}, e.policy)
	if err != nil {
		return Entry{}, err
	}

	entry := e.newEntry(pos, latest, out, at)
	entry.Kind = m.Kind
	entry.Requested = m.Quantity
	entry.Source = m.Source
	entry.Actor = m.Actor
	entry.Reason = m.Reason

	if err := e.persist(ctx, s, pos, out, entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// =============================================================================
// REVERSALS
// =============================================================================

// Reverse appends a reversal of the given entry.
func (e *Engine) Reverse(ctx context.Context, id EntryID, actor, reason string) (Entry, error) {
	orig, err := e.store.GetEntry(ctx, id)
	if err != nil {
		return Entry{}, err
	}

	unlock, err := lockPairs(ctx, e.locker, []PairKey{orig.Key()})
	if err != nil {
		return Entry{}, fmt.Errorf("lock pair: %w", err)
	}
	defer unlock()

	var entry Entry
	err = e.withRetry(ctx, func() error {
		return e.store.WithTx(ctx, func(s Store) error {
			var err error
			entry, err = e.reverseOne(ctx, s, id, actor, reason)
			return err
		})
	})
	if err != nil {
		e.failed(KindReversal, err, logrus.Fields{"entry_id": id})
		return Entry{}, err
	}

	e.committed([]Entry{entry})
	return entry, nil
}

// ReverseSource reverses every live entry created by src, newest first,
// in one transaction. It returns the reversal entries (possibly none).
func (e *Engine) ReverseSource(ctx context.Context, src SourceRef, actor, reason string) ([]Entry, error) {
	existing, err := e.store.EntriesBySource(ctx, src)
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		return nil, nil
	}
	keys := make([]PairKey, 0, len(existing))
	for _, en := range existing {
		keys = append(keys, en.Key())
	}

	unlock, err := lockPairs(ctx, e.locker, keys)
	if err != nil {
		return nil, fmt.Errorf("lock pairs: %w", err)
	}
	defer unlock()

	var reversals []Entry
	err = e.withRetry(ctx, func() error {
		reversals = reversals[:0]
		return e.store.WithTx(ctx, func(s Store) error {
			entries, err := s.EntriesBySource(ctx, src)
			if err != nil {
				return err
			}
			live, err := liveEntries(ctx, s, entries)
			if err != nil {
				return err
			}
			for i := len(live) - 1; i >= 0; i-- {
				rev, err := e.reverseOne(ctx, s, live[i].ID, actor, reason)
				if err != nil {
					return err
				}
				reversals = append(reversals, rev)
			}
			return nil
		})
	})
	if err != nil {
		e.failed(KindReversal, err, logrus.Fields{"source": src.String()})
		return nil, err
	}

	e.committed(reversals)
	return reversals, nil
}

// Repost reverses every live entry of src and applies moves in one
// transaction. Used when a deal or transfer is edited. moves may be empty.
func (e *Engine) Repost(ctx context.Context, src SourceRef, moves []Movement, actor, reason string) (reversals, entries []Entry, err error) {
	for i, m := range moves {
		if m.Source != src {
			return nil, nil, fmt.Errorf("movement %d: %w", i, Invalid("source", "must match the reposted source"))
		}
		if err := validateMovement(m); err != nil {
			e.recorder.MovementFailed(m.Kind, err)
			return nil, nil, fmt.Errorf("movement %d: %w", i, err)
		}
	}
	existing, err := e.store.EntriesBySource(ctx, src)
	if err != nil {
		return nil, nil, err
	}
	keys := make([]PairKey, 0, len(existing)+len(moves))
	for _, en := range existing {
		keys = append(keys, en.Key())
	}
	for _, m := range moves {
		keys = append(keys, m.Key())
	}
	if len(keys) == 0 {
		return nil, nil, nil
	}

	unlock, err := lockPairs(ctx, e.locker, keys)
	if err != nil {
		return nil, nil, fmt.Errorf("lock pairs: %w", err)
	}
	defer unlock()

	err = e.withRetry(ctx, func() error {
		reversals, entries = reversals[:0], entries[:0]
		return e.store.WithTx(ctx, func(s Store) error {
			current, err := s.EntriesBySource(ctx, src)
			if err != nil {
				return err
			}
			live, err := liveEntries(ctx, s, current)
			if err != nil {
				return err
			}
			for i := len(live) - 1; i >= 0; i-- {
				rev, err := e.reverseOne(ctx, s, live[i].ID, actor, reason)
				if err != nil {
					return err
				}
				reversals = append(reversals, rev)
			}
			for _, m := range moves {
				entry, err := e.applyOne(ctx, s, m)
				if err != nil {
					return err
				}
				entries = append(entries, entry)
			}
			return nil
		})
	})
	if err != nil {
		e.failed(KindReversal, err, logrus.Fields{"source": src.String()})
		return nil, nil, err
	}

	e.committed(append(append([]Entry{}, reversals...), entries...))
	return reversals, entries, nil
}

func (e *Engine) reverseOne(ctx context.Context, s Store, id EntryID, actor, reason string) (Entry, error) {
	orig, err := s.GetEntry(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	if orig.Kind == KindReversal {
		return Entry{}, ErrReverseReversal
	}
	prior, err := s.FindReversal(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	if prior != nil {
		return Entry{}, fmt.Errorf("entry %s reversed by %s: %w", id, prior.ID, ErrAlreadyReversed)
	}

	key := orig.Key()
	pos, err := s.GetPosition(ctx, key)
	if err != nil {
		return Entry{}, fmt.Errorf("load position %s: %w", key, err)
	}
	latest, err := s.LatestEntry(ctx, key)
	if err != nil {
		return Entry{}, fmt.Errorf("load latest entry %s: %w", key, err)
	}
	at, err := e.stamp(time.Time{}, false, latest)
	if err != nil {
		return Entry{}, err
	}

	out, err := Apply(pos, Step{
		Kind:      KindReversal,
		Quantity:  orig.Quantity.Neg(),
		UnitPrice: orig.UnitPrice,
		Reverses:  orig,
	}, e.policy)
	if err != nil {
		return Entry{}, err
	}

	entry := e.newEntry(pos, latest, out, at)
	entry.Kind = KindReversal
	entry.Requested = orig.Quantity.Neg()
	entry.Source = orig.Source
	entry.ReversesID = orig.ID
	entry.ReversedKind = orig.Kind
	entry.Actor = actor
	entry.Reason = reason

	if err := e.persist(ctx, s, pos, out, entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func liveEntries(ctx context.Context, s Store, entries []Entry) ([]Entry, error) {
	reversed := make(map[EntryID]bool)
	for _, en := range entries {
		if en.Kind == KindReversal {
			reversed[en.ReversesID] = true
		}
	}
	var live []Entry
	for _, en := range entries {
		if en.Kind == KindReversal || reversed[en.ID] {
			continue
		}
		// A reversal may have been filed under a different source.
		rev, err := s.FindReversal(ctx, en.ID)
		if err != nil {
			return nil, err
		}
		if rev == nil {
			live = append(live, en)
		}
	}
	return live, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Snapshot returns the warehouse with one position per registered product.
func (e *Engine) Snapshot(ctx context.Context, id WarehouseID) (WarehouseSnapshot, error) {
	w, err := e.store.GetWarehouse(ctx, id)
	if err != nil {
		return WarehouseSnapshot{}, err
	}
	if w.IsDeleted() {
		return WarehouseSnapshot{}, ErrWarehouseNotFound
	}
	stored, err := e.store.ListPositions(ctx, id)
	if err != nil {
		return WarehouseSnapshot{}, err
	}

	byProduct := make(map[Product]Position, len(stored))
	for _, p := range stored {
		byProduct[p.Product] = p
	}
	positions := make([]Position, 0, len(stored))
	for _, info := range ListProducts() {
		p, ok := byProduct[info.Code]
		if !ok {
			p = Position{WarehouseID: id, Product: info.Code}
		}
		delete(byProduct, info.Code)
		positions = append(positions, p)
	}
	for _, p := range stored {
		if _, extra := byProduct[p.Product]; extra {
			positions = append(positions, p)
		}
	}
	return WarehouseSnapshot{Warehouse: *w, Positions: positions}, nil
}

// Entries returns a newest-first page of ledger entries.
// History of soft-deleted warehouses stays readable.
func (e *Engine) Entries(ctx context.Context, q EntryQuery) (EntryPage, error) {
	if q.Product != "" && !q.Product.Valid() {
		return EntryPage{}, Invalid("product", fmt.Sprintf("unknown product %q", q.Product))
	}
	if q.Offset < 0 {
		return EntryPage{}, Invalid("offset", "must not be negative")
	}
	switch {
	case q.Limit <= 0:
		q.Limit = defaultPageLimit
	case q.Limit > maxPageLimit:
		q.Limit = maxPageLimit
	}
	if _, err := e.store.GetWarehouse(ctx, q.WarehouseID); err != nil {
		return EntryPage{}, err
	}

	entries, total, err := e.store.ListEntries(ctx, q)
	if err != nil {
		return EntryPage{}, err
	}
	if entries == nil {
		entries = []Entry{}
	}
	return EntryPage{Entries: entries, Total: total, Limit: q.Limit, Offset: q.Offset}, nil
}

// Reconcile replays the pair's history and compares it with the stored position.
func (e *Engine) Reconcile(ctx context.Context, key PairKey) (Reconciliation, error) {
	if !key.Product.Valid() {
		return Reconciliation{}, Invalid("product", fmt.Sprintf("unknown product %q", key.Product))
	}
	if _, err := e.store.GetWarehouse(ctx, key.WarehouseID); err != nil {
		return Reconciliation{}, err
	}

	var (
		stored  Position
		entries []Entry
	)
	err := e.store.WithTx(ctx, func(s Store) error {
		var err error
		if stored, err = s.GetPosition(ctx, key); err != nil {
			return err
		}
		entries, err = s.LoadEntries(ctx, key)
		return err
	})
	if err != nil {
		return Reconciliation{}, err
	}

	replayed, err := Replay(key, entries)
	if err != nil {
		return Reconciliation{}, err
	}
	matches := stored.Balance.Equal(replayed.Balance) && stored.AverageCost.Equal(replayed.AverageCost)
	if !matches {
		e.logger.WithFields(logrus.Fields{
			"warehouse_id":     key.WarehouseID,
			"product":          key.Product,
			"stored_balance":   stored.Balance.String(),
			"replayed_balance": replayed.Balance.String(),
			"stored_cost":      stored.AverageCost.String(),
			"replayed_cost":    replayed.AverageCost.String(),
		}).Error("ledger replay does not match stored position")
	}
	return Reconciliation{Stored: stored, Replayed: replayed, Entries: len(entries), Matches: matches}, nil
}

// =============================================================================
// INTERNALS
// =============================================================================

func validateMovement(m Movement) error {
	switch {
	case m.WarehouseID == "":
		return Invalid("warehouse_id", "required")
	case !m.Product.Valid():
		return Invalid("product", fmt.Sprintf("unknown product %q", m.Product))
	case !m.Kind.Valid():
		return Invalid("kind", fmt.Sprintf("unsupported kind %q", m.Kind))
	case m.Quantity.IsZero():
		return Invalid("quantity", "must not be zero")
	case m.Kind.IsInflow() && m.Quantity.IsNegative():
		return Invalid("quantity", fmt.Sprintf("%s requires a positive delta", m.Kind))
	case m.Kind.IsOutflow() && m.Quantity.IsPositive():
		return Invalid("quantity", fmt.Sprintf("%s requires a negative delta", m.Kind))
	case m.UnitPrice != nil && m.UnitPrice.IsNegative():
		return Invalid("unit_price", "must not be negative")
	case m.TotalSum != nil && m.TotalSum.IsNegative():
		return Invalid("total_sum", "must not be negative")
	case m.Source.IsZero():
		return Invalid("source", "required")
	case m.CostFrom != nil && !m.Kind.IsInflow():
		return Invalid("cost_from", "only inflows can inherit a cost")
	}
	return nil
}

func requireWarehouse(ctx context.Context, s Store, id WarehouseID) error {
	w, err := s.GetWarehouse(ctx, id)
	if err != nil {
		return err
	}
	if w.IsDeleted() {
		return fmt.Errorf("%s: %w", id, ErrWarehouseNotFound)
	}
	return nil
}

// stamp picks the transaction timestamp. Caller timestamps may not precede
// the latest entry unless lift is set; engine timestamps are lifted to it.
func (e *Engine) stamp(requested time.Time, lift bool, latest *Entry) (time.Time, error) {
	if requested.IsZero() {
		now := e.clock()
		if latest != nil && now.Before(latest.TransactedAt) {
			return latest.TransactedAt, nil
		}
		return now, nil
	}
	requested = requested.UTC()
	if latest != nil && requested.Before(latest.TransactedAt) {
		if lift {
			return latest.TransactedAt, nil
		}
		return time.Time{}, fmt.Errorf("%s before %s: %w",
			requested.Format(time.RFC3339), latest.TransactedAt.Format(time.RFC3339), ErrBackdated)
	}
	return requested, nil
}

func (e *Engine) newEntry(pos Position, latest *Entry, out Outcome, at time.Time) Entry {
	seq := int64(1)
	if latest != nil {
		seq = latest.Sequence + 1
	}
	return Entry{
		ID:                e.newID(),
		WarehouseID:       pos.WarehouseID,
		Product:           pos.Product,
		Sequence:          seq,
		Quantity:          out.Applied,
		Shortfall:         out.Shortfall,
		UnitPrice:         out.UnitPrice,
		TotalSum:          out.TotalSum,
		BalanceBefore:     pos.Balance,
		BalanceAfter:      out.Balance,
		AverageCostBefore: pos.AverageCost,
		AverageCostAfter:  out.AverageCost,
		TransactedAt:      at,
		CreatedAt:         e.clock(),
	}
}

func (e *Engine) persist(ctx context.Context, s Store, pos Position, out Outcome, entry Entry) error {
	next := pos
	next.Balance = out.Balance
	next.AverageCost = out.AverageCost
	next.Version = pos.Version + 1
	next.UpdatedAt = entry.CreatedAt

	if err := s.SavePosition(ctx, next, pos.Version); err != nil {
		return fmt.Errorf("save position %s: %w", pos.WarehouseID, err)
	}
	if err := s.AppendEntry(ctx, entry); err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	return nil
}

func (e *Engine) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= e.retries; attempt++ {
		if err = fn(); err == nil || !IsRetryable(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		e.logger.WithField("attempt", attempt+1).Debug("position version conflict, retrying")
	}
	return err
}

func (e *Engine) committed(entries []Entry) {
	for _, en := range entries {
		e.recorder.EntryAppended(en)
		fields := logrus.Fields{
			"entry_id":     en.ID,
			"warehouse_id": en.WarehouseID,
			"product":      en.Product,
			"kind":         en.Kind,
			"quantity":     en.Quantity.String(),
			"balance":      en.BalanceAfter.String(),
			"average_cost": en.AverageCostAfter.String(),
			"source_kind":  en.Source.Kind,
			"source_id":    en.Source.ID,
		}
		if w := en.Warning(); w != nil {
			fields["shortfall"] = w.Shortfall.String()
			e.logger.WithFields(fields).Warn("outflow clamped at zero balance")
			continue
		}
		e.logger.WithFields(fields).Debug("ledger entry appended")
	}
}

func (e *Engine) failed(kind Kind, err error, fields logrus.Fields) {
	e.recorder.MovementFailed(kind, err)
	entry := e.logger.WithFields(fields).WithField("kind", kind)
	if IsClientError(err) || IsNotFound(err) || errors.Is(err, context.Canceled) {
		entry.WithError(err).Info("movement rejected")
		return
	}
	entry.WithError(err).Error("movement failed")
}
