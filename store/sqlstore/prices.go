package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/fuel-ledger/pricing"
)

// =============================================================================
// PRICE RECORDS (pricing.Store)
// =============================================================================

const priceColumns = `id, counterparty_id, counterparty_type, role, product, basis_id,
	date_from, date_to, is_active, prices_json, contracted_volume,
	sold_volume, sold_volume_at, currency, created_at, updated_at`

func (x *queries) CreatePrice(ctx context.Context, p pricing.PriceRecord) error {
	pricesJSON, err := json.Marshal(p.Prices)
	if err != nil {
		return fmt.Errorf("encode prices: %w", err)
	}
	_, err = x.exec(ctx, `
		INSERT INTO price_records (`+priceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Scope.CounterpartyID, string(p.Scope.CounterpartyType), string(p.Scope.Role),
		string(p.Scope.Product), p.Scope.BasisID,
		dateArg(p.Validity.From), dateArg(p.Validity.To), p.IsActive, string(pricesJSON),
		p.ContractedVolume, p.SoldVolume, nullTime(p.SoldVolumeAt), p.Currency,
		p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	)
	if err != nil {
		if x.d.IsUnique(err) {
			return pricing.ErrDuplicatePrice
		}
		return fmt.Errorf("failed to insert price record: %w", err)
	}
	return nil
}

func (x *queries) UpdatePrice(ctx context.Context, p pricing.PriceRecord) error {
	pricesJSON, err := json.Marshal(p.Prices)
	if err != nil {
		return fmt.Errorf("encode prices: %w", err)
	}
	res, err := x.exec(ctx, `
		UPDATE price_records SET
			counterparty_id = ?, counterparty_type = ?, role = ?, product = ?, basis_id = ?,
			date_from = ?, date_to = ?, is_active = ?, prices_json = ?, contracted_volume = ?,
			sold_volume = ?, sold_volume_at = ?, currency = ?, updated_at = ?
		WHERE id = ?`,
		p.Scope.CounterpartyID, string(p.Scope.CounterpartyType), string(p.Scope.Role),
		string(p.Scope.Product), p.Scope.BasisID,
		dateArg(p.Validity.From), dateArg(p.Validity.To), p.IsActive, string(pricesJSON), p.ContractedVolume,
		p.SoldVolume, nullTime(p.SoldVolumeAt), p.Currency, p.UpdatedAt.UTC(), p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update price record: %w", err)
	}
	if ok, err := affectedOne(res); err != nil {
		return err
	} else if !ok {
		return pricing.ErrPriceNotFound
	}
	return nil
}

func (x *queries) GetPrice(ctx context.Context, id string) (*pricing.PriceRecord, error) {
	p, err := scanPrice(x.queryRow(ctx, `SELECT `+priceColumns+` FROM price_records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pricing.ErrPriceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// FindOverlapping runs the interval test in SQL:
// date_from <= r.To AND date_to >= r.From.
func (x *queries) FindOverlapping(ctx context.Context, scope pricing.Scope, r pricing.DateRange, excludeID string) ([]pricing.PriceRecord, error) {
	rows, err := x.query(ctx, `
		SELECT `+priceColumns+` FROM price_records
		WHERE counterparty_id = ? AND counterparty_type = ? AND role = ?
		  AND product = ? AND basis_id = ?
		  AND is_active = ?
		  AND date_from <= ? AND date_to >= ?
		  AND id <> ?
		ORDER BY date_from ASC, id ASC`,
		scope.CounterpartyID, string(scope.CounterpartyType), string(scope.Role),
		string(scope.Product), scope.BasisID,
		true,
		dateArg(r.To), dateArg(r.From),
		excludeID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query overlapping prices: %w", err)
	}
	defer rows.Close()

	var out []pricing.PriceRecord
	for rows.Next() {
		p, err := scanPrice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (x *queries) SetSoldVolume(ctx context.Context, id string, volume decimal.Decimal, at time.Time) error {
	res, err := x.exec(ctx, `UPDATE price_records SET sold_volume = ?, sold_volume_at = ? WHERE id = ?`,
		volume, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set sold volume: %w", err)
	}
	if ok, err := affectedOne(res); err != nil {
		return err
	} else if !ok {
		return pricing.ErrPriceNotFound
	}
	return nil
}

func scanPrice(r rowScanner) (pricing.PriceRecord, error) {
	var (
		p            pricing.PriceRecord
		pricesJSON   string
		soldVolumeAt sql.NullTime
	)
	err := r.Scan(
		&p.ID, &p.Scope.CounterpartyID, &p.Scope.CounterpartyType, &p.Scope.Role,
		&p.Scope.Product, &p.Scope.BasisID,
		&p.Validity.From, &p.Validity.To, &p.IsActive, &pricesJSON, &p.ContractedVolume,
		&p.SoldVolume, &soldVolumeAt, &p.Currency, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("failed to scan price record: %w", err)
	}
	if err := json.Unmarshal([]byte(pricesJSON), &p.Prices); err != nil {
		return p, fmt.Errorf("decode prices of %s: %w", p.ID, err)
	}
	p.Validity = pricing.DateRange{From: pricing.Day(p.Validity.From), To: pricing.Day(p.Validity.To)}
	if soldVolumeAt.Valid {
		t := soldVolumeAt.Time.UTC()
		p.SoldVolumeAt = &t
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

// =============================================================================
// VOLUME SELECTION (pricing.VolumeSource)
// =============================================================================

// SumVolume adds deal quantities in Go so SQLite's REAL arithmetic never
// touches them.
func (x *queries) SumVolume(ctx context.Context, q pricing.VolumeQuery) (decimal.Decimal, error) {
	party := "buyer_id"
	if q.Role == pricing.RoleSupplier {
		party = "supplier_id"
	}
	rows, err := x.query(ctx, `
		SELECT quantity FROM deals
		WHERE type = ? AND `+party+` = ? AND basis_id = ? AND product = ?
		  AND deal_date >= ? AND deal_date <= ?
		  AND deleted_at IS NULL`,
		string(q.Type), q.CounterpartyID, q.BasisID, string(q.Product),
		dateArg(q.Range.From), dateArg(q.Range.To),
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query deal volume: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var qty decimal.Decimal
		if err := rows.Scan(&qty); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan deal quantity: %w", err)
		}
		total = total.Add(qty)
	}
	return total, rows.Err()
}

func dateArg(t time.Time) string {
	return pricing.Day(t).Format(pricing.DateLayout)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
