/*
Package sqlstore implements every persistence contract on database/sql.

PURPOSE:
  One implementation of inventory.TxStore, pricing.Store,
  pricing.VolumeSource and deals.Store, shared by the SQLite and
  PostgreSQL packages. The dialect supplies what differs: placeholders,
  row locks, unique-violation detection and writer serialization.

APPEND-ONLY ENFORCEMENT:
  - ledger_entries has INSERT and SELECT statements only
  - corrections are reversal rows pointing at reverses_id
  - a unique index on reverses_id makes a second reversal impossible

CONCURRENCY:
  positions.version is the CAS column. SavePosition updates
  "WHERE version = expected" and reports ErrConcurrentModification when no
  row matched. Dialects with row locks also take FOR UPDATE on the
  position read inside a transaction.

TYPES:
  Decimals travel as strings (shopspring/decimal Valuer and Scanner).
  Calendar dates are bound as YYYY-MM-DD strings so day comparisons
  stay textual in SQLite and native in PostgreSQL.

SEE ALSO:
  - store/sqlite, store/postgres: dialects and schemas
  - inventory/store.go: the ledger contract
*/
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/warp/fuel-ledger/deals"
	"github.com/warp/fuel-ledger/inventory"
	"github.com/warp/fuel-ledger/pricing"
)

var (
	_ inventory.TxStore    = (*Store)(nil)
	_ pricing.Store        = (*Store)(nil)
	_ pricing.VolumeSource = (*Store)(nil)
	_ deals.Store          = (*Store)(nil)
)

// Dialect captures what differs between SQL engines.
type Dialect struct {
	Name string

	// Numbered placeholders ($1, $2, ...) instead of ?.
	NumberedParams bool

	// LockRows appends FOR UPDATE to position reads inside a transaction.
	LockRows bool

	// SerializeTx runs one transaction at a time in-process.
	SerializeTx bool

	// IsUnique reports a unique or primary key violation.
	IsUnique func(error) bool
}

// Store is the database/sql implementation of all store contracts.
type Store struct {
	*queries
	db *sql.DB
	mu sync.Mutex
}

// New wraps an open database. The schema must already exist.
func New(db *sql.DB, d Dialect) *Store {
	if d.IsUnique == nil {
		d.IsUnique = func(error) bool { return false }
	}
	dialect := d
	return &Store{queries: &queries{q: db, d: &dialect}, db: db}
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks the connection. Used by /healthz.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Exec runs a schema statement (migrations).
func (s *Store) Exec(ctx context.Context, stmt string) error {
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

// WithTx executes fn within a database transaction.
// If fn returns error, the transaction is rolled back.
func (s *Store) WithTx(ctx context.Context, fn func(inventory.Store) error) error {
	if s.d.SerializeTx {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx, d: s.d, inTx: true}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Reset deletes every row. Used when loading demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	return s.WithTx(ctx, func(st inventory.Store) error {
		x := st.(*queries)
		for _, table := range []string{"ledger_entries", "positions", "deals", "transfers", "price_records", "warehouses"} {
			if _, err := x.exec(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("reset %s: %w", table, err)
			}
		}
		return nil
	})
}

// =============================================================================
// QUERIES - shared by the pool and by transactions
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q    querier
	d    *Dialect
	inTx bool
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (x *queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return x.q.ExecContext(ctx, x.rebind(query), args...)
}

func (x *queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return x.q.QueryContext(ctx, x.rebind(query), args...)
}

func (x *queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return x.q.QueryRowContext(ctx, x.rebind(query), args...)
}

// rebind rewrites ? placeholders for dialects that number them.
func (x *queries) rebind(query string) string {
	if !x.d.NumberedParams {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Rebind is exported for dialect tests.
func Rebind(d Dialect, query string) string {
	return (&queries{d: &d}).rebind(query)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
