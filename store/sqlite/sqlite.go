/*
Package sqlite provides the SQLite-backed store, the default runtime store.

PURPOSE:
  Opens the database, migrates the schema and wraps it in sqlstore.Store,
  which implements every persistence contract:

  inventory.TxStore:    warehouses, positions, ledger entries
  pricing.Store:        price records
  pricing.VolumeSource: deal volume sums
  deals.Store:          deals and transfers

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on ledger_entries (except Reset)
  - Corrections via reversal entries only
  - idx_ledger_reverses makes a second reversal of an entry impossible

KEY TABLES:
  warehouses:      Warehouse accounts (soft delete)
  positions:       Balance + average cost per (warehouse, product), CAS on version
  ledger_entries:  Immutable movement history
  price_records:   Contractual prices with validity ranges
  deals:           Unified table for every deal type
  transfers:       Inter-warehouse moves

INDEXES:
  - idx_ledger_pair_seq:      one entry per (pair, seq), the replay order
  - idx_ledger_source:        ReverseSource lookups
  - idx_prices_scope_range:   overlap check (hot path)
  - idx_deals_buyer/supplier: volume selection

CONCURRENCY:
  SQLite has a single writer. The pool is limited to one connection and
  transactions are serialized in-process, so a CAS conflict can only come
  from another process sharing the file.

WAL MODE:
  File databases are opened with WAL so readers don't block the writer.

USAGE:
  store, err := sqlite.New("./data/fuel.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := inventory.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - store/sqlstore: the queries
  - store/postgres: multi-instance deployments
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/fuel-ledger/store/sqlstore"
)

// Store is a sqlstore.Store over SQLite.
type Store struct {
	*sqlstore.Store
}

// Dialect is the SQLite flavour of the shared queries.
var Dialect = sqlstore.Dialect{
	Name:        "sqlite",
	SerializeTx: true,
	IsUnique:    isUniqueConstraintError,
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	if dbPath == ":memory:" {
		dsn = "file::memory:?_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: a private :memory: database per connection otherwise,
	// and SQLite has a single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{Store: sqlstore.New(db, Dialect)}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	return s.Exec(ctx, schema)
}

const schema = `
	-- Warehouse accounts
	CREATE TABLE IF NOT EXISTS warehouses (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		base_ids TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP,
		deleted_by TEXT
	);

	-- Positions (the only mutable ledger rows, CAS on version)
	-- Decimals are TEXT: NUMERIC affinity would round them through REAL.
	CREATE TABLE IF NOT EXISTS positions (
		warehouse_id TEXT NOT NULL REFERENCES warehouses(id),
		product TEXT NOT NULL,
		balance TEXT NOT NULL,
		average_cost TEXT NOT NULL,
		version INTEGER NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (warehouse_id, product)
	);

	-- Ledger entries (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		warehouse_id TEXT NOT NULL REFERENCES warehouses(id),
		product TEXT NOT NULL,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		quantity TEXT NOT NULL,
		requested TEXT NOT NULL,
		shortfall TEXT NOT NULL,
		unit_price TEXT,
		total_sum TEXT,
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		avg_cost_before TEXT NOT NULL,
		avg_cost_after TEXT NOT NULL,
		source_kind TEXT NOT NULL,
		source_id TEXT NOT NULL,
		reverses_id TEXT REFERENCES ledger_entries(id),
		reversed_kind TEXT,
		actor TEXT NOT NULL,
		reason TEXT,
		transacted_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_pair_seq
		ON ledger_entries(warehouse_id, product, seq);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_reverses
		ON ledger_entries(reverses_id) WHERE reverses_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_ledger_source
		ON ledger_entries(source_kind, source_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_pair_time
		ON ledger_entries(warehouse_id, product, transacted_at);

	-- Price records
	CREATE TABLE IF NOT EXISTS price_records (
		id TEXT PRIMARY KEY,
		counterparty_id TEXT NOT NULL,
		counterparty_type TEXT NOT NULL,
		role TEXT NOT NULL,
		product TEXT NOT NULL,
		basis_id TEXT NOT NULL,
		date_from DATE NOT NULL,
		date_to DATE NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT 1,
		prices_json TEXT NOT NULL,
		contracted_volume TEXT NOT NULL DEFAULT '0',
		sold_volume TEXT NOT NULL DEFAULT '0',
		sold_volume_at TIMESTAMP,
		currency TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_prices_scope_range
		ON price_records(counterparty_id, counterparty_type, role, product, basis_id, date_from, date_to)
		WHERE is_active = 1;

	-- Deals (every deal type, one table)
	CREATE TABLE IF NOT EXISTS deals (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		supplier_id TEXT NOT NULL,
		buyer_id TEXT NOT NULL,
		basis_id TEXT NOT NULL,
		product TEXT NOT NULL,
		quantity TEXT NOT NULL,
		purchase_price TEXT NOT NULL,
		sale_price TEXT NOT NULL,
		deal_date DATE NOT NULL,
		receipt_warehouse_id TEXT REFERENCES warehouses(id),
		issue_warehouse_id TEXT REFERENCES warehouses(id),
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP,
		deleted_by TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_deals_buyer
		ON deals(type, buyer_id, basis_id, product, deal_date) WHERE deleted_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_deals_supplier
		ON deals(type, supplier_id, basis_id, product, deal_date) WHERE deleted_at IS NULL;

	-- Transfers
	CREATE TABLE IF NOT EXISTS transfers (
		id TEXT PRIMARY KEY,
		from_warehouse_id TEXT NOT NULL REFERENCES warehouses(id),
		to_warehouse_id TEXT NOT NULL REFERENCES warehouses(id),
		product TEXT NOT NULL,
		quantity TEXT NOT NULL,
		transfer_date DATE NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP,
		deleted_by TEXT
	);
`

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
