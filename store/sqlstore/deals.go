package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/fuel-ledger/deals"
	"github.com/warp/fuel-ledger/inventory"
)

// =============================================================================
// DEALS (unified table for every deal type)
// =============================================================================

const dealColumns = `id, type, supplier_id, buyer_id, basis_id, product, quantity,
	purchase_price, sale_price, deal_date, receipt_warehouse_id, issue_warehouse_id,
	created_at, updated_at, deleted_at, deleted_by`

func (x *queries) CreateDeal(ctx context.Context, d deals.Deal) error {
	_, err := x.exec(ctx, `
		INSERT INTO deals (`+dealColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)`,
		d.ID, string(d.Type), d.SupplierID, d.BuyerID, d.BasisID, string(d.Product), d.Quantity,
		d.PurchasePrice, d.SalePrice, dateArg(d.DealDate),
		nullString(string(d.ReceiptWarehouseID)), nullString(string(d.IssueWarehouseID)),
		d.CreatedAt.UTC(), d.UpdatedAt.UTC(),
	)
	if err != nil {
		if x.d.IsUnique(err) {
			return deals.ErrDuplicate
		}
		return fmt.Errorf("failed to insert deal: %w", err)
	}
	return nil
}

func (x *queries) UpdateDeal(ctx context.Context, d deals.Deal) error {
	res, err := x.exec(ctx, `
		UPDATE deals SET
			type = ?, supplier_id = ?, buyer_id = ?, basis_id = ?, product = ?, quantity = ?,
			purchase_price = ?, sale_price = ?, deal_date = ?,
			receipt_warehouse_id = ?, issue_warehouse_id = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		string(d.Type), d.SupplierID, d.BuyerID, d.BasisID, string(d.Product), d.Quantity,
		d.PurchasePrice, d.SalePrice, dateArg(d.DealDate),
		nullString(string(d.ReceiptWarehouseID)), nullString(string(d.IssueWarehouseID)), d.UpdatedAt.UTC(),
		d.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update deal: %w", err)
	}
	if ok, err := affectedOne(res); err != nil {
		return err
	} else if !ok {
		return deals.ErrDealNotFound
	}
	return nil
}

func (x *queries) GetDeal(ctx context.Context, id string) (*deals.Deal, error) {
	var (
		d         deals.Deal
		receipt   sql.NullString
		issue     sql.NullString
		deletedAt sql.NullTime
		deletedBy sql.NullString
	)
	err := x.queryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = ?`, id).Scan(
		&d.ID, &d.Type, &d.SupplierID, &d.BuyerID, &d.BasisID, &d.Product, &d.Quantity,
		&d.PurchasePrice, &d.SalePrice, &d.DealDate, &receipt, &issue,
		&d.CreatedAt, &d.UpdatedAt, &deletedAt, &deletedBy,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, deals.ErrDealNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan deal: %w", err)
	}
	d.ReceiptWarehouseID = inventory.WarehouseID(receipt.String)
	d.IssueWarehouseID = inventory.WarehouseID(issue.String)
	d.DealDate = d.DealDate.UTC()
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	if deletedAt.Valid {
		t := deletedAt.Time.UTC()
		d.DeletedAt = &t
	}
	d.DeletedBy = deletedBy.String
	return &d, nil
}

func (x *queries) SoftDeleteDeal(ctx context.Context, id, actor string, at time.Time) error {
	return x.softDelete(ctx, "deals", id, actor, at, deals.ErrDealNotFound)
}

// =============================================================================
// TRANSFERS
// =============================================================================

const transferColumns = `id, from_warehouse_id, to_warehouse_id, product, quantity, transfer_date,
	created_at, updated_at, deleted_at, deleted_by`

func (x *queries) CreateTransfer(ctx context.Context, t deals.Transfer) error {
	_, err := x.exec(ctx, `
		INSERT INTO transfers (`+transferColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)`,
		t.ID, string(t.FromWarehouseID), string(t.ToWarehouseID), string(t.Product), t.Quantity,
		dateArg(t.TransferDate), t.CreatedAt.UTC(), t.UpdatedAt.UTC(),
	)
	if err != nil {
		if x.d.IsUnique(err) {
			return deals.ErrDuplicate
		}
		return fmt.Errorf("failed to insert transfer: %w", err)
	}
	return nil
}

func (x *queries) UpdateTransfer(ctx context.Context, t deals.Transfer) error {
	res, err := x.exec(ctx, `
		UPDATE transfers SET
			from_warehouse_id = ?, to_warehouse_id = ?, product = ?, quantity = ?,
			transfer_date = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		string(t.FromWarehouseID), string(t.ToWarehouseID), string(t.Product), t.Quantity,
		dateArg(t.TransferDate), t.UpdatedAt.UTC(), t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update transfer: %w", err)
	}
	if ok, err := affectedOne(res); err != nil {
		return err
	} else if !ok {
		return deals.ErrTransferNotFound
	}
	return nil
}

func (x *queries) GetTransfer(ctx context.Context, id string) (*deals.Transfer, error) {
	var (
		t         deals.Transfer
		deletedAt sql.NullTime
		deletedBy sql.NullString
	)
	err := x.queryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = ?`, id).Scan(
		&t.ID, &t.FromWarehouseID, &t.ToWarehouseID, &t.Product, &t.Quantity, &t.TransferDate,
		&t.CreatedAt, &t.UpdatedAt, &deletedAt, &deletedBy,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, deals.ErrTransferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan transfer: %w", err)
	}
	t.TransferDate = t.TransferDate.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if deletedAt.Valid {
		at := deletedAt.Time.UTC()
		t.DeletedAt = &at
	}
	t.DeletedBy = deletedBy.String
	return &t, nil
}

func (x *queries) SoftDeleteTransfer(ctx context.Context, id, actor string, at time.Time) error {
	return x.softDelete(ctx, "transfers", id, actor, at, deals.ErrTransferNotFound)
}

func (x *queries) softDelete(ctx context.Context, table, id, actor string, at time.Time, notFound error) error {
	res, err := x.exec(ctx, `UPDATE `+table+` SET deleted_at = ?, deleted_by = ? WHERE id = ? AND deleted_at IS NULL`,
		at.UTC(), nullString(actor), id)
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	if ok, err := affectedOne(res); err != nil {
		return err
	} else if !ok {
		return notFound
	}
	return nil
}
