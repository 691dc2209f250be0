/*
Package inventory provides the warehouse inventory ledger.

PURPOSE:
  Tracks fuel stock per (warehouse, product) pair. Every receipt, sale,
  transfer, consumption and adjustment goes through the Engine, which
  updates the running balance and weighted-average unit cost and appends
  an immutable Entry describing the change.

KEY CONCEPTS IN THIS FILE (types.go):
  - Warehouse: a storage location with linked supply bases
  - Position: current balance and average cost for one product in one warehouse
  - Entry: immutable ledger record with before/after snapshots
  - Movement: a requested change, the input to the Engine
  - SourceRef: the deal/transfer/manual action that caused a movement

DESIGN PRINCIPLES:
  1. Immutability: entries are never modified, only reversed
  2. Precision: all quantities and prices are decimal.Decimal
  3. One write path: every balance change goes through Engine.ApplyMovements
  4. Replayable: folding entries from (0, 0) reproduces every Position

USAGE:
  entry, err := engine.ApplyMovement(ctx, inventory.Movement{
      WarehouseID: "wh-north",
      Product:     inventory.ProductKerosene,
      Kind:        inventory.KindReceipt,
      Quantity:    decimal.NewFromInt(1000),
      UnitPrice:   inventory.Price(decimal.NewFromInt(50)),
      Source:      inventory.SourceRef{Kind: inventory.SourceDeal, ID: "deal-1"},
      Actor:       "operator@example.com",
  })

SEE ALSO:
  - engine.go: applies movements atomically
  - cost.go: weighted-average arithmetic
  - replay.go: reconstruction from entry history
  - store.go: persistence contracts
*/
package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type WarehouseID string
type EntryID string

// =============================================================================
// MOVEMENT KINDS
// =============================================================================

// Kind classifies a ledger entry.
type Kind string

const (
	KindReceipt     Kind = "receipt"      // purchase delivered into the warehouse
	KindSale        Kind = "sale"         // wholesale shipment out
	KindTransferIn  Kind = "transfer_in"  // inter-warehouse inflow
	KindTransferOut Kind = "transfer_out" // inter-warehouse outflow
	KindConsumption Kind = "consumption"  // aircraft refueling from storage
	KindAdjustment  Kind = "adjustment"   // stock count correction, either sign
	KindReversal    Kind = "reversal"     // explicit undo of an earlier entry
)

// Valid reports whether k is a kind callers may submit.
// KindReversal is produced only by Engine.Reverse.
func (k Kind) Valid() bool {
	switch k {
	case KindReceipt, KindSale, KindTransferIn, KindTransferOut, KindConsumption, KindAdjustment:
		return true
	}
	return false
}

// IsInflow reports whether the kind must carry a positive delta.
func (k Kind) IsInflow() bool {
	return k == KindReceipt || k == KindTransferIn
}

// IsOutflow reports whether the kind must carry a negative delta.
func (k Kind) IsOutflow() bool {
	return k == KindSale || k == KindTransferOut || k == KindConsumption
}

// AffectsCost reports whether a priced movement of this kind reweights
// the average cost. Only positive deltas ever reweight.
func (k Kind) AffectsCost() bool {
	return k == KindReceipt || k == KindTransferIn || k == KindAdjustment
}

// =============================================================================
// SOURCE REFERENCE
// =============================================================================

// SourceKind names the record type that triggered a movement.
type SourceKind string

const (
	SourceDeal     SourceKind = "deal"
	SourceTransfer SourceKind = "transfer"
	SourceManual   SourceKind = "manual"
	SourceScenario SourceKind = "scenario"
)

// SourceRef points back at the originating record.
type SourceRef struct {
	Kind SourceKind
	ID   string
}

func (s SourceRef) String() string { return string(s.Kind) + ":" + s.ID }

func (s SourceRef) IsZero() bool { return s.Kind == "" && s.ID == "" }

// =============================================================================
// WAREHOUSE ACCOUNT
// =============================================================================

// Warehouse is a storage location. Balances live in Positions.
type Warehouse struct {
	ID        WarehouseID
	Name      string
	BaseIDs   []string
	CreatedAt time.Time
	DeletedAt *time.Time
	DeletedBy string
}

// IsDeleted reports whether the warehouse was soft-deleted.
func (w Warehouse) IsDeleted() bool { return w.DeletedAt != nil }

// Position is the current state of one product in one warehouse.
//
// AverageCost is meaningful only while Balance > 0. At zero it keeps the
// last value, but cost.go gives it no weight in the next receipt.
type Position struct {
	WarehouseID WarehouseID
	Product     Product
	Balance     decimal.Decimal
	AverageCost decimal.Decimal
	Version     int64 // bumped on every write, used for compare-and-swap
	UpdatedAt   time.Time
}

// Value is the stock valuation of the position.
func (p Position) Value() decimal.Decimal {
	if !p.Balance.IsPositive() {
		return decimal.Zero
	}
	return p.Balance.Mul(p.AverageCost)
}

// PairKey identifies a (warehouse, product) pair.
type PairKey struct {
	WarehouseID WarehouseID
	Product     Product
}

func (k PairKey) String() string { return string(k.WarehouseID) + "/" + string(k.Product) }

// =============================================================================
// LEDGER ENTRY
// =============================================================================

// Entry is one immutable ledger record.
// Entries are never updated or deleted. Corrections are KindReversal entries.
type Entry struct {
	ID          EntryID
	WarehouseID WarehouseID
	Product     Product
	Sequence    int64 // per-pair creation order, starts at 1

	Kind Kind

	// Quantity is the signed delta actually applied to the balance.
	// Requested is what the caller asked for; it differs only when an
	// outflow was clamped at zero.
	Quantity  decimal.Decimal
	Requested decimal.Decimal
	Shortfall decimal.Decimal

	UnitPrice *decimal.Decimal
	TotalSum  *decimal.Decimal

	BalanceBefore     decimal.Decimal
	BalanceAfter      decimal.Decimal
	AverageCostBefore decimal.Decimal
	AverageCostAfter  decimal.Decimal

	Source       SourceRef
	ReversesID   EntryID // set only on KindReversal
	ReversedKind Kind    // kind of the entry being reversed

	Actor        string
	Reason       string
	TransactedAt time.Time
	CreatedAt    time.Time
}

// Key returns the (warehouse, product) pair the entry belongs to.
func (e Entry) Key() PairKey { return PairKey{WarehouseID: e.WarehouseID, Product: e.Product} }

// Warning returns the clamp warning for this entry, or nil.
func (e Entry) Warning() *InsufficientBalanceWarning {
	if !e.Shortfall.IsPositive() {
		return nil
	}
	return &InsufficientBalanceWarning{
		WarehouseID: e.WarehouseID,
		Product:     e.Product,
		Available:   e.BalanceBefore,
		Requested:   e.Requested.Neg(),
		Shortfall:   e.Shortfall,
	}
}

// ChangedCost reports whether the entry moved the average cost.
func (e Entry) ChangedCost() bool {
	return !e.AverageCostBefore.Equal(e.AverageCostAfter)
}

// =============================================================================
// MOVEMENT - Engine input
// =============================================================================

// Movement is a requested change to one (warehouse, product) pair.
//
// Quantity is signed: positive for receipt/transfer-in, negative for
// sale/transfer-out/consumption. The engine validates the sign against
// Kind but never flips it.
type Movement struct {
	WarehouseID  WarehouseID
	Product      Product
	Kind         Kind
	Quantity     decimal.Decimal
	UnitPrice    *decimal.Decimal
	TotalSum     *decimal.Decimal
	Source       SourceRef
	Actor        string
	Reason       string
	TransactedAt time.Time // zero means "now", stamped under the pair lock

	// LiftBackdated lifts a TransactedAt that precedes the pair's latest
	// entry up to that entry instead of failing with ErrBackdated. Deal legs
	// carry their business date this way.
	LiftBackdated bool

	// CostFrom prices an unpriced inflow at that pair's average cost as read
	// inside the transaction. Transfers use it so value follows the fuel.
	CostFrom *PairKey
}

// Key returns the pair the movement targets.
func (m Movement) Key() PairKey { return PairKey{WarehouseID: m.WarehouseID, Product: m.Product} }

// Price is a helper for building optional decimal fields.
func Price(d decimal.Decimal) *decimal.Decimal { return &d }

// =============================================================================
// READ MODELS
// =============================================================================

// WarehouseSnapshot is the account view returned by Engine.Snapshot.
type WarehouseSnapshot struct {
	Warehouse Warehouse
	Positions []Position
}

// EntryQuery selects ledger entries for paginated listing.
type EntryQuery struct {
	WarehouseID WarehouseID
	Product     Product // empty = all products
	Limit       int
	Offset      int
}

// EntryPage is a newest-first page of entries.
type EntryPage struct {
	Entries []Entry
	Total   int
	Limit   int
	Offset  int
}

// Reconciliation compares a stored position with the replay of its entries.
type Reconciliation struct {
	Stored   Position
	Replayed Position
	Entries  int
	Matches  bool
}
