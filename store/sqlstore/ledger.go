package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/fuel-ledger/inventory"
)

// =============================================================================
// WAREHOUSES
// =============================================================================

const warehouseColumns = `id, name, base_ids, created_at, deleted_at, deleted_by`

func (x *queries) CreateWarehouse(ctx context.Context, w inventory.Warehouse) error {
	bases := w.BaseIDs
	if bases == nil {
		bases = []string{}
	}
	basesJSON, err := json.Marshal(bases)
	if err != nil {
		return fmt.Errorf("encode base ids: %w", err)
	}
	_, err = x.exec(ctx, `
		INSERT INTO warehouses (`+warehouseColumns+`)
		VALUES (?, ?, ?, ?, NULL, NULL)`,
		string(w.ID), w.Name, string(basesJSON), w.CreatedAt.UTC(),
	)
	if err != nil {
		if x.d.IsUnique(err) {
			return inventory.ErrDuplicateWarehouse
		}
		return fmt.Errorf("failed to insert warehouse: %w", err)
	}
	return nil
}

func (x *queries) GetWarehouse(ctx context.Context, id inventory.WarehouseID) (*inventory.Warehouse, error) {
	row := x.queryRow(ctx, `SELECT `+warehouseColumns+` FROM warehouses WHERE id = ?`, string(id))
	w, err := scanWarehouse(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, inventory.ErrWarehouseNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (x *queries) ListWarehouses(ctx context.Context) ([]inventory.Warehouse, error) {
	rows, err := x.query(ctx, `
		SELECT `+warehouseColumns+` FROM warehouses
		WHERE deleted_at IS NULL
		ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query warehouses: %w", err)
	}
	defer rows.Close()

	var out []inventory.Warehouse
	for rows.Next() {
		w, err := scanWarehouse(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (x *queries) SoftDeleteWarehouse(ctx context.Context, id inventory.WarehouseID, actor string, at time.Time) error {
	res, err := x.exec(ctx, `
		UPDATE warehouses SET deleted_at = ?, deleted_by = ?
		WHERE id = ? AND deleted_at IS NULL`,
		at.UTC(), nullString(actor), string(id),
	)
	if err != nil {
		return fmt.Errorf("failed to delete warehouse: %w", err)
	}
	if ok, err := affectedOne(res); err != nil {
		return err
	} else if !ok {
		return inventory.ErrWarehouseNotFound
	}
	return nil
}

func scanWarehouse(r rowScanner) (inventory.Warehouse, error) {
	var (
		w         inventory.Warehouse
		basesJSON sql.NullString
		deletedAt sql.NullTime
		deletedBy sql.NullString
	)
	if err := r.Scan(&w.ID, &w.Name, &basesJSON, &w.CreatedAt, &deletedAt, &deletedBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return w, err
		}
		return w, fmt.Errorf("failed to scan warehouse: %w", err)
	}
	if basesJSON.Valid && basesJSON.String != "" {
		if err := json.Unmarshal([]byte(basesJSON.String), &w.BaseIDs); err != nil {
			return w, fmt.Errorf("decode base ids of %s: %w", w.ID, err)
		}
	}
	w.CreatedAt = w.CreatedAt.UTC()
	if deletedAt.Valid {
		t := deletedAt.Time.UTC()
		w.DeletedAt = &t
	}
	w.DeletedBy = deletedBy.String
	return w, nil
}

// =============================================================================
// POSITIONS
// =============================================================================

const positionColumns = `warehouse_id, product, balance, average_cost, version, updated_at`

func (x *queries) GetPosition(ctx context.Context, key inventory.PairKey) (inventory.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE warehouse_id = ? AND product = ?`
	if x.inTx && x.d.LockRows {
		query += ` FOR UPDATE`
	}
	pos, err := scanPosition(x.queryRow(ctx, query, string(key.WarehouseID), string(key.Product)))
	if errors.Is(err, sql.ErrNoRows) {
		return inventory.Position{WarehouseID: key.WarehouseID, Product: key.Product}, nil
	}
	return pos, err
}

func (x *queries) ListPositions(ctx context.Context, id inventory.WarehouseID) ([]inventory.Position, error) {
	rows, err := x.query(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE warehouse_id = ?
		ORDER BY product ASC`, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var out []inventory.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SavePosition inserts the first version of a pair and CAS-updates later ones.
func (x *queries) SavePosition(ctx context.Context, pos inventory.Position, expectedVersion int64) error {
	if expectedVersion == 0 {
		_, err := x.exec(ctx, `
			INSERT INTO positions (`+positionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?)`,
			string(pos.WarehouseID), string(pos.Product), pos.Balance, pos.AverageCost, pos.Version, pos.UpdatedAt.UTC(),
		)
		if err != nil {
			if x.d.IsUnique(err) {
				return inventory.ErrConcurrentModification
			}
			return fmt.Errorf("failed to insert position: %w", err)
		}
		return nil
	}

	res, err := x.exec(ctx, `
		UPDATE positions
		SET balance = ?, average_cost = ?, version = ?, updated_at = ?
		WHERE warehouse_id = ? AND product = ? AND version = ?`,
		pos.Balance, pos.AverageCost, pos.Version, pos.UpdatedAt.UTC(),
		string(pos.WarehouseID), string(pos.Product), expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update position: %w", err)
	}
	if ok, err := affectedOne(res); err != nil {
		return err
	} else if !ok {
		return inventory.ErrConcurrentModification
	}
	return nil
}

func scanPosition(r rowScanner) (inventory.Position, error) {
	var p inventory.Position
	err := r.Scan(&p.WarehouseID, &p.Product, &p.Balance, &p.AverageCost, &p.Version, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("failed to scan position: %w", err)
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

// =============================================================================
// LEDGER ENTRIES (append-only)
// =============================================================================

const entryColumns = `id, warehouse_id, product, seq, kind,
	quantity, requested, shortfall, unit_price, total_sum,
	balance_before, balance_after, avg_cost_before, avg_cost_after,
	source_kind, source_id, reverses_id, reversed_kind,
	actor, reason, transacted_at, created_at`

// AppendEntry is the ONLY write to ledger_entries.
func (x *queries) AppendEntry(ctx context.Context, e inventory.Entry) error {
	_, err := x.exec(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.ID), string(e.WarehouseID), string(e.Product), e.Sequence, string(e.Kind),
		e.Quantity, e.Requested, e.Shortfall, nullDecimal(e.UnitPrice), nullDecimal(e.TotalSum),
		e.BalanceBefore, e.BalanceAfter, e.AverageCostBefore, e.AverageCostAfter,
		string(e.Source.Kind), e.Source.ID, nullString(string(e.ReversesID)), nullString(string(e.ReversedKind)),
		e.Actor, nullString(e.Reason), e.TransactedAt.UTC(), e.CreatedAt.UTC(),
	)
	if err != nil {
		// Duplicate (pair, seq) or second reversal: someone else wrote first.
		if x.d.IsUnique(err) {
			return inventory.ErrConcurrentModification
		}
		return fmt.Errorf("failed to append entry: %w", err)
	}
	return nil
}

func (x *queries) GetEntry(ctx context.Context, id inventory.EntryID) (*inventory.Entry, error) {
	e, err := scanEntry(x.queryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, inventory.ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (x *queries) LatestEntry(ctx context.Context, key inventory.PairKey) (*inventory.Entry, error) {
	e, err := scanEntry(x.queryRow(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE warehouse_id = ? AND product = ?
		ORDER BY seq DESC
		LIMIT 1`, string(key.WarehouseID), string(key.Product)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (x *queries) ListEntries(ctx context.Context, q inventory.EntryQuery) ([]inventory.Entry, int, error) {
	where := `WHERE warehouse_id = ?`
	args := []any{string(q.WarehouseID)}
	if q.Product != "" {
		where += ` AND product = ?`
		args = append(args, string(q.Product))
	}

	var total int
	if err := x.queryRow(ctx, `SELECT COUNT(*) FROM ledger_entries `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count entries: %w", err)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = total
	}
	entries, err := x.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries `+where+`
		ORDER BY transacted_at DESC, created_at DESC, id DESC
		LIMIT ? OFFSET ?`, append(args, limit, q.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (x *queries) LoadEntries(ctx context.Context, key inventory.PairKey) ([]inventory.Entry, error) {
	return x.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE warehouse_id = ? AND product = ?
		ORDER BY transacted_at ASC, seq ASC`, string(key.WarehouseID), string(key.Product))
}

func (x *queries) FindReversal(ctx context.Context, id inventory.EntryID) (*inventory.Entry, error) {
	e, err := scanEntry(x.queryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE reverses_id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (x *queries) EntriesBySource(ctx context.Context, src inventory.SourceRef) ([]inventory.Entry, error) {
	return x.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE source_kind = ? AND source_id = ?
		ORDER BY created_at ASC, id ASC`, string(src.Kind), src.ID)
}

func (x *queries) queryEntries(ctx context.Context, query string, args ...any) ([]inventory.Entry, error) {
	rows, err := x.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var out []inventory.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(r rowScanner) (inventory.Entry, error) {
	var (
		e            inventory.Entry
		unitPrice    decimal.NullDecimal
		totalSum     decimal.NullDecimal
		reversesID   sql.NullString
		reversedKind sql.NullString
		reason       sql.NullString
	)
	err := r.Scan(
		&e.ID, &e.WarehouseID, &e.Product, &e.Sequence, &e.Kind,
		&e.Quantity, &e.Requested, &e.Shortfall, &unitPrice, &totalSum,
		&e.BalanceBefore, &e.BalanceAfter, &e.AverageCostBefore, &e.AverageCostAfter,
		&e.Source.Kind, &e.Source.ID, &reversesID, &reversedKind,
		&e.Actor, &reason, &e.TransactedAt, &e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}
	if unitPrice.Valid {
		e.UnitPrice = inventory.Price(unitPrice.Decimal)
	}
	if totalSum.Valid {
		e.TotalSum = inventory.Price(totalSum.Decimal)
	}
	e.ReversesID = inventory.EntryID(reversesID.String)
	e.ReversedKind = inventory.Kind(reversedKind.String)
	e.Reason = reason.String
	e.TransactedAt = e.TransactedAt.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}
