// Package store provides in-memory inventory.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/fuel-ledger/inventory"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a transactional in-memory store. WithTx takes the write lock,
// snapshots all maps and restores them if fn fails.
type Memory struct {
	mu sync.RWMutex
	data

	failAppend error // returned once by the next AppendEntry
}

type data struct {
	warehouses map[inventory.WarehouseID]inventory.Warehouse
	positions  map[inventory.PairKey]inventory.Position
	entries    map[inventory.PairKey][]inventory.Entry // creation order
	byID       map[inventory.EntryID]inventory.Entry
	reversals  map[inventory.EntryID]inventory.EntryID
}

func NewMemory() *Memory {
	return &Memory{data: newData()}
}

func newData() data {
	return data{
		warehouses: make(map[inventory.WarehouseID]inventory.Warehouse),
		positions:  make(map[inventory.PairKey]inventory.Position),
		entries:    make(map[inventory.PairKey][]inventory.Entry),
		byID:       make(map[inventory.EntryID]inventory.Entry),
		reversals:  make(map[inventory.EntryID]inventory.EntryID),
	}
}

// FailNextAppend makes the next AppendEntry return err. Tests use it to
// check that a failed entry write also discards the position write.
func (m *Memory) FailNextAppend(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAppend = err
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(inventory.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(&txView{m: m}); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

func (m *Memory) CreateWarehouse(ctx context.Context, w inventory.Warehouse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createWarehouse(w)
}

func (m *Memory) GetWarehouse(ctx context.Context, id inventory.WarehouseID) (*inventory.Warehouse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getWarehouse(id)
}

func (m *Memory) ListWarehouses(ctx context.Context) ([]inventory.Warehouse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listWarehouses(), nil
}

func (m *Memory) SoftDeleteWarehouse(ctx context.Context, id inventory.WarehouseID, actor string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.softDelete(id, actor, at)
}

func (m *Memory) GetPosition(ctx context.Context, k inventory.PairKey) (inventory.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getPosition(k), nil
}

func (m *Memory) ListPositions(ctx context.Context, id inventory.WarehouseID) ([]inventory.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listPositions(id), nil
}

func (m *Memory) SavePosition(ctx context.Context, pos inventory.Position, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.savePosition(pos, expected)
}

func (m *Memory) AppendEntry(ctx context.Context, e inventory.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendEntry(e)
}

func (m *Memory) GetEntry(ctx context.Context, id inventory.EntryID) (*inventory.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getEntry(id)
}

func (m *Memory) LatestEntry(ctx context.Context, k inventory.PairKey) (*inventory.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latestEntry(k), nil
}

func (m *Memory) ListEntries(ctx context.Context, q inventory.EntryQuery) ([]inventory.Entry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries, total := m.listEntries(q)
	return entries, total, nil
}

func (m *Memory) LoadEntries(ctx context.Context, k inventory.PairKey) ([]inventory.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadEntries(k), nil
}

func (m *Memory) FindReversal(ctx context.Context, id inventory.EntryID) (*inventory.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findReversal(id), nil
}

func (m *Memory) EntriesBySource(ctx context.Context, src inventory.SourceRef) ([]inventory.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entriesBySource(src), nil
}

// =============================================================================
// TRANSACTIONAL VIEW - Used inside WithTx, lock already held
// =============================================================================

type txView struct {
	m *Memory
}

func (tv *txView) CreateWarehouse(_ context.Context, w inventory.Warehouse) error {
	return tv.m.createWarehouse(w)
}

func (tv *txView) GetWarehouse(_ context.Context, id inventory.WarehouseID) (*inventory.Warehouse, error) {
	return tv.m.getWarehouse(id)
}

func (tv *txView) ListWarehouses(_ context.Context) ([]inventory.Warehouse, error) {
	return tv.m.listWarehouses(), nil
}

func (tv *txView) SoftDeleteWarehouse(_ context.Context, id inventory.WarehouseID, actor string, at time.Time) error {
	return tv.m.softDelete(id, actor, at)
}

func (tv *txView) GetPosition(_ context.Context, k inventory.PairKey) (inventory.Position, error) {
	return tv.m.getPosition(k), nil
}

func (tv *txView) ListPositions(_ context.Context, id inventory.WarehouseID) ([]inventory.Position, error) {
	return tv.m.listPositions(id), nil
}

func (tv *txView) SavePosition(_ context.Context, pos inventory.Position, expected int64) error {
	return tv.m.savePosition(pos, expected)
}

func (tv *txView) AppendEntry(_ context.Context, e inventory.Entry) error {
	return tv.m.appendEntry(e)
}

func (tv *txView) GetEntry(_ context.Context, id inventory.EntryID) (*inventory.Entry, error) {
	return tv.m.getEntry(id)
}

func (tv *txView) LatestEntry(_ context.Context, k inventory.PairKey) (*inventory.Entry, error) {
	return tv.m.latestEntry(k), nil
}

func (tv *txView) ListEntries(_ context.Context, q inventory.EntryQuery) ([]inventory.Entry, int, error) {
	entries, total := tv.m.listEntries(q)
	return entries, total, nil
}

func (tv *txView) LoadEntries(_ context.Context, k inventory.PairKey) ([]inventory.Entry, error) {
	return tv.m.loadEntries(k), nil
}

func (tv *txView) FindReversal(_ context.Context, id inventory.EntryID) (*inventory.Entry, error) {
	return tv.m.findReversal(id), nil
}

func (tv *txView) EntriesBySource(_ context.Context, src inventory.SourceRef) ([]inventory.Entry, error) {
	return tv.m.entriesBySource(src), nil
}

// =============================================================================
// LOCKED OPERATIONS - Caller holds m.mu
// =============================================================================

func (d data) clone() data {
	c := newData()
	for k, v := range d.warehouses {
		c.warehouses[k] = v
	}
	for k, v := range d.positions {
		c.positions[k] = v
	}
	for k, v := range d.entries {
		c.entries[k] = append([]inventory.Entry{}, v...)
	}
	for k, v := range d.byID {
		c.byID[k] = v
	}
	for k, v := range d.reversals {
		c.reversals[k] = v
	}
	return c
}

func (m *Memory) createWarehouse(w inventory.Warehouse) error {
	if _, ok := m.warehouses[w.ID]; ok {
		return inventory.ErrDuplicateWarehouse
	}
	w.BaseIDs = append([]string{}, w.BaseIDs...)
	m.warehouses[w.ID] = w
	return nil
}

func (m *Memory) getWarehouse(id inventory.WarehouseID) (*inventory.Warehouse, error) {
	w, ok := m.warehouses[id]
	if !ok {
		return nil, inventory.ErrWarehouseNotFound
	}
	return &w, nil
}

func (m *Memory) listWarehouses() []inventory.Warehouse {
	out := make([]inventory.Warehouse, 0, len(m.warehouses))
	for _, w := range m.warehouses {
		if !w.IsDeleted() {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Memory) softDelete(id inventory.WarehouseID, actor string, at time.Time) error {
	w, ok := m.warehouses[id]
	if !ok || w.IsDeleted() {
		return inventory.ErrWarehouseNotFound
	}
	w.DeletedAt = &at
	w.DeletedBy = actor
	m.warehouses[id] = w
	return nil
}

func (m *Memory) getPosition(k inventory.PairKey) inventory.Position {
	if p, ok := m.positions[k]; ok {
		return p
	}
	return inventory.Position{WarehouseID: k.WarehouseID, Product: k.Product}
}

func (m *Memory) listPositions(id inventory.WarehouseID) []inventory.Position {
	var out []inventory.Position
	for k, p := range m.positions {
		if k.WarehouseID == id {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Product < out[j].Product })
	return out
}

func (m *Memory) savePosition(pos inventory.Position, expected int64) error {
	k := inventory.PairKey{WarehouseID: pos.WarehouseID, Product: pos.Product}
	if m.getPosition(k).Version != expected {
		return inventory.ErrConcurrentModification
	}
	m.positions[k] = pos
	return nil
}

func (m *Memory) appendEntry(e inventory.Entry) error {
	if err := m.failAppend; err != nil {
		m.failAppend = nil
		return err
	}
	if _, dup := m.byID[e.ID]; dup {
		return inventory.ErrConcurrentModification
	}
	k := e.Key()
	if latest := m.latestEntry(k); latest != nil && latest.Sequence >= e.Sequence {
		return inventory.ErrConcurrentModification
	}
	m.entries[k] = append(m.entries[k], e)
	m.byID[e.ID] = e
	if e.Kind == inventory.KindReversal {
		m.reversals[e.ReversesID] = e.ID
	}
	return nil
}

func (m *Memory) getEntry(id inventory.EntryID) (*inventory.Entry, error) {
	e, ok := m.byID[id]
	if !ok {
		return nil, inventory.ErrEntryNotFound
	}
	return &e, nil
}

func (m *Memory) latestEntry(k inventory.PairKey) *inventory.Entry {
	entries := m.entries[k]
	if len(entries) == 0 {
		return nil
	}
	e := entries[len(entries)-1]
	return &e
}

func (m *Memory) listEntries(q inventory.EntryQuery) ([]inventory.Entry, int) {
	var all []inventory.Entry
	for k, entries := range m.entries {
		if k.WarehouseID != q.WarehouseID || (q.Product != "" && k.Product != q.Product) {
			continue
		}
		all = append(all, entries...)
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if !a.TransactedAt.Equal(b.TransactedAt) {
			return a.TransactedAt.After(b.TransactedAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})

	total := len(all)
	if q.Offset >= total {
		return []inventory.Entry{}, total
	}
	end := q.Offset + q.Limit
	if q.Limit <= 0 || end > total {
		end = total
	}
	return all[q.Offset:end], total
}

func (m *Memory) loadEntries(k inventory.PairKey) []inventory.Entry {
	out := append([]inventory.Entry{}, m.entries[k]...)
	inventory.SortEntries(out)
	return out
}

func (m *Memory) findReversal(id inventory.EntryID) *inventory.Entry {
	revID, ok := m.reversals[id]
	if !ok {
		return nil
	}
	e := m.byID[revID]
	return &e
}

func (m *Memory) entriesBySource(src inventory.SourceRef) []inventory.Entry {
	var out []inventory.Entry
	for _, e := range m.byID {
		if e.Source == src {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
