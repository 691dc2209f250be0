/*
Package deals records purchases, sales, refuelings and inter-warehouse
transfers, and turns their lifecycle into ledger movements.

LEGS:
  Deal (wholesale):         receipt into ReceiptWarehouseID at PurchasePrice
                            sale out of IssueWarehouseID at SalePrice
  Deal (refueling):         receipt as above
                            consumption out of IssueWarehouseID
  Deal (refueling_abroad):  no stock moves, record only
  Transfer:                 transfer_out from FromWarehouseID
                            transfer_in to ToWarehouseID at the source's cost

  Either warehouse of a deal is optional; a deal without both moves only
  the side that is set.

  Legs are stamped with the deal (or transfer) date. A date older than the
  pair's latest entry is lifted to that entry, so ledger order is kept.

LIFECYCLE:
  create  -> ApplyMovements(legs)
  update  -> Repost(source, new legs): old legs reversed, new applied, one tx
  delete  -> ReverseSource(source), then soft delete

SEE ALSO:
  - service.go
  - pricing/aggregator.go: reads the same deal table for volume selection
*/
package deals

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/fuel-ledger/inventory"
	"github.com/warp/fuel-ledger/pricing"
)

// Deal is one row of the unified deal table.
type Deal struct {
	ID                 string
	Type               pricing.CounterpartyType
	SupplierID         string
	BuyerID            string
	BasisID            string
	Product            inventory.Product
	Quantity           decimal.Decimal // kg, > 0
	PurchasePrice      decimal.Decimal
	SalePrice          decimal.Decimal
	DealDate           time.Time
	ReceiptWarehouseID inventory.WarehouseID
	IssueWarehouseID   inventory.WarehouseID
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DeletedAt          *time.Time
	DeletedBy          string
}

func (d Deal) IsDeleted() bool { return d.DeletedAt != nil }

// Source is the ledger source of the deal's movements.
func (d Deal) Source() inventory.SourceRef {
	return inventory.SourceRef{Kind: inventory.SourceDeal, ID: d.ID}
}

// Validate checks the deal before any movement is derived from it.
func (d Deal) Validate() error {
	switch {
	case !d.Type.Valid():
		return inventory.Invalid("type", fmt.Sprintf("unknown deal type %q", d.Type))
	case d.SupplierID == "":
		return inventory.Invalid("supplier_id", "required")
	case d.BuyerID == "":
		return inventory.Invalid("buyer_id", "required")
	case d.BasisID == "":
		return inventory.Invalid("basis_id", "required")
	case !d.Product.Valid():
		return inventory.Invalid("product", fmt.Sprintf("unknown product %q", d.Product))
	case !d.Quantity.IsPositive():
		return inventory.Invalid("quantity", "must be positive")
	case d.PurchasePrice.IsNegative():
		return inventory.Invalid("purchase_price", "must not be negative")
	case d.SalePrice.IsNegative():
		return inventory.Invalid("sale_price", "must not be negative")
	case d.DealDate.IsZero():
		return inventory.Invalid("deal_date", "required")
	case d.Type == pricing.TypeRefuelingAbroad && (d.ReceiptWarehouseID != "" || d.IssueWarehouseID != ""):
		return inventory.Invalid("type", "refueling abroad does not move warehouse stock")
	}
	return nil
}

// Movements derives the ledger legs of the deal, receipt first.
func (d Deal) Movements(actor string) []inventory.Movement {
	if d.Type == pricing.TypeRefuelingAbroad {
		return nil
	}
	var moves []inventory.Movement
	if d.ReceiptWarehouseID != "" {
		moves = append(moves, inventory.Movement{
			WarehouseID:   d.ReceiptWarehouseID,
			Product:       d.Product,
			Kind:          inventory.KindReceipt,
			Quantity:      d.Quantity,
			UnitPrice:     positive(d.PurchasePrice),
			Source:        d.Source(),
			Actor:         actor,
			Reason:        fmt.Sprintf("%s purchase from %s", d.Type, d.SupplierID),
			TransactedAt:  d.DealDate,
			LiftBackdated: true,
		})
	}
	if d.IssueWarehouseID != "" {
		kind := inventory.KindSale
		if d.Type == pricing.TypeRefueling {
			kind = inventory.KindConsumption
		}
		moves = append(moves, inventory.Movement{
			WarehouseID:   d.IssueWarehouseID,
			Product:       d.Product,
			Kind:          kind,
			Quantity:      d.Quantity.Neg(),
			UnitPrice:     positive(d.SalePrice),
			Source:        d.Source(),
			Actor:         actor,
			Reason:        fmt.Sprintf("%s to %s", d.Type, d.BuyerID),
			TransactedAt:  d.DealDate,
			LiftBackdated: true,
		})
	}
	return moves
}

// Transfer moves stock between two warehouses.
type Transfer struct {
	ID              string
	FromWarehouseID inventory.WarehouseID
	ToWarehouseID   inventory.WarehouseID
	Product         inventory.Product
	Quantity        decimal.Decimal
	TransferDate    time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       *time.Time
	DeletedBy       string
}

func (t Transfer) IsDeleted() bool { return t.DeletedAt != nil }

func (t Transfer) Source() inventory.SourceRef {
	return inventory.SourceRef{Kind: inventory.SourceTransfer, ID: t.ID}
}

func (t Transfer) Validate() error {
	switch {
	case t.FromWarehouseID == "":
		return inventory.Invalid("from_warehouse_id", "required")
	case t.ToWarehouseID == "":
		return inventory.Invalid("to_warehouse_id", "required")
	case t.FromWarehouseID == t.ToWarehouseID:
		return inventory.Invalid("to_warehouse_id", "must differ from from_warehouse_id")
	case !t.Product.Valid():
		return inventory.Invalid("product", fmt.Sprintf("unknown product %q", t.Product))
	case !t.Quantity.IsPositive():
		return inventory.Invalid("quantity", "must be positive")
	case t.TransferDate.IsZero():
		return inventory.Invalid("transfer_date", "required")
	}
	return nil
}

// Movements returns the out leg then the in leg. The in leg is valued at
// the source pair's average cost.
func (t Transfer) Movements(actor string) []inventory.Movement {
	from := inventory.PairKey{WarehouseID: t.FromWarehouseID, Product: t.Product}
	return []inventory.Movement{
		{
			WarehouseID:   t.FromWarehouseID,
			Product:       t.Product,
			Kind:          inventory.KindTransferOut,
			Quantity:      t.Quantity.Neg(),
			Source:        t.Source(),
			Actor:         actor,
			Reason:        "transfer to " + string(t.ToWarehouseID),
			TransactedAt:  t.TransferDate,
			LiftBackdated: true,
		},
		{
			WarehouseID:   t.ToWarehouseID,
			Product:       t.Product,
			Kind:          inventory.KindTransferIn,
			Quantity:      t.Quantity,
			Source:        t.Source(),
			Actor:         actor,
			Reason:        "transfer from " + string(t.FromWarehouseID),
			CostFrom:      &from,
			TransactedAt:  t.TransferDate,
			LiftBackdated: true,
		},
	}
}

// Result is a saved record with the ledger entries its write produced.
type Result[T any] struct {
	Record    T
	Reversals []inventory.Entry
	Entries   []inventory.Entry
}

func positive(v decimal.Decimal) *decimal.Decimal {
	if !v.IsPositive() {
		return nil
	}
	return inventory.Price(v)
}
