/*
store.go - Persistence interface for warehouses, positions and ledger entries

PURPOSE:
  Defines the boundary between the Engine and the database. Positions are
  the only mutable rows and are written with a compare-and-swap on Version.
  Entries are append-only.

KEY INTERFACES:
  Store:   reads and writes used by the Engine
  TxStore: Store plus WithTx for atomic position+entry writes

APPEND-ONLY CONTRACT:
  - AppendEntry(): the only entry write
  - NO UpdateEntry() or DeleteEntry() methods exist
  - Corrections are KindReversal entries

LOCKING:
  GetPosition inside WithTx is the read that precedes a write. SQL stores
  that support it take a row lock there (SELECT ... FOR UPDATE). SavePosition
  always checks the expected version so a missed lock still cannot lose
  an update.

IMPLEMENTATIONS:
  - inventory/store/memory.go: in-memory for tests
  - store/sqlite: default runtime store
  - store/postgres: multi-instance deployments

SEE ALSO:
  - engine.go: the only caller of the write methods
*/
package inventory

import (
	"context"
	"time"
)

// Store persists warehouses, positions and entries.
type Store interface {
	// CreateWarehouse inserts a new warehouse. Returns ErrDuplicateWarehouse
	// if the id is taken.
	CreateWarehouse(ctx context.Context, w Warehouse) error

	// GetWarehouse returns the warehouse, soft-deleted or not.
	// Returns ErrWarehouseNotFound if the id is unknown.
	GetWarehouse(ctx context.Context, id WarehouseID) (*Warehouse, error)

	// ListWarehouses returns warehouses that are not soft-deleted, by name.
	ListWarehouses(ctx context.Context) ([]Warehouse, error)

	// SoftDeleteWarehouse stamps DeletedAt/DeletedBy.
	SoftDeleteWarehouse(ctx context.Context, id WarehouseID, actor string, at time.Time) error

	// GetPosition returns the position for the pair. A pair with no history
	// returns a zero position with Version 0.
	GetPosition(ctx context.Context, key PairKey) (Position, error)

	// ListPositions returns every stored position of a warehouse.
	ListPositions(ctx context.Context, id WarehouseID) ([]Position, error)

	// SavePosition writes pos if the stored version equals expectedVersion.
	// Returns ErrConcurrentModification otherwise.
	SavePosition(ctx context.Context, pos Position, expectedVersion int64) error

	// AppendEntry persists an entry. This is the ONLY entry write.
	AppendEntry(ctx context.Context, e Entry) error

	// GetEntry returns one entry or ErrEntryNotFound.
	GetEntry(ctx context.Context, id EntryID) (*Entry, error)

	// LatestEntry returns the entry with the highest Sequence for the pair,
	// or nil if the pair has no history.
	LatestEntry(ctx context.Context, key PairKey) (*Entry, error)

	// ListEntries returns a newest-first page and the total count.
	ListEntries(ctx context.Context, q EntryQuery) ([]Entry, int, error)

	// LoadEntries returns all entries of a pair ordered by (TransactedAt, Sequence).
	LoadEntries(ctx context.Context, key PairKey) ([]Entry, error)

	// FindReversal returns the reversal of the given entry, or nil.
	FindReversal(ctx context.Context, id EntryID) (*Entry, error)

	// EntriesBySource returns all entries caused by a source record,
	// including reversals, in creation order.
	EntriesBySource(ctx context.Context, src SourceRef) ([]Entry, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
