/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the API. Decimals travel as strings (shopspring/decimal
  marshals quoted), calendar dates as YYYY-MM-DD, timestamps as RFC 3339.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Request types carry validator/v10 tags for shape checks (required,
  oneof, lengths). Domain rules (signs, known products, date order) stay
  in the domain packages so every caller gets them.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/fuel-ledger/deals"
	"github.com/warp/fuel-ledger/inventory"
	"github.com/warp/fuel-ledger/pricing"
)

// =============================================================================
// WAREHOUSES
// =============================================================================

type WarehouseDTO struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	BaseIDs   []string   `json:"base_ids"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	DeletedBy string     `json:"deleted_by,omitempty"`
}

type CreateWarehouseRequest struct {
	ID      string   `json:"id" validate:"omitempty,max=64"`
	Name    string   `json:"name" validate:"required,max=200"`
	BaseIDs []string `json:"base_ids" validate:"omitempty,dive,required"`
}

type PositionDTO struct {
	Product     string          `json:"product"`
	Balance     decimal.Decimal `json:"balance"`
	AverageCost decimal.Decimal `json:"average_cost"`
	Value       decimal.Decimal `json:"value"`
	Version     int64           `json:"version"`
	UpdatedAt   *time.Time      `json:"updated_at,omitempty"`
}

// SnapshotDTO is the warehouse account: one position per product.
type SnapshotDTO struct {
	Warehouse WarehouseDTO  `json:"warehouse"`
	Positions []PositionDTO `json:"positions"`
}

type ReconciliationDTO struct {
	WarehouseID string      `json:"warehouse_id"`
	Product     string      `json:"product"`
	Stored      PositionDTO `json:"stored"`
	Replayed    PositionDTO `json:"replayed"`
	Entries     int         `json:"entries"`
	Matches     bool        `json:"matches"`
}

// =============================================================================
// LEDGER
// =============================================================================

type EntryDTO struct {
	ID                string           `json:"id"`
	WarehouseID       string           `json:"warehouse_id"`
	Product           string           `json:"product"`
	Sequence          int64            `json:"sequence"`
	Kind              string           `json:"kind"`
	Quantity          decimal.Decimal  `json:"quantity"`
	Requested         decimal.Decimal  `json:"requested"`
	Shortfall         decimal.Decimal  `json:"shortfall"`
	UnitPrice         *decimal.Decimal `json:"unit_price,omitempty"`
	TotalSum          *decimal.Decimal `json:"total_sum,omitempty"`
	BalanceBefore     decimal.Decimal  `json:"balance_before"`
	BalanceAfter      decimal.Decimal  `json:"balance_after"`
	AverageCostBefore decimal.Decimal  `json:"average_cost_before"`
	AverageCostAfter  decimal.Decimal  `json:"average_cost_after"`
	SourceKind        string           `json:"source_kind"`
	SourceID          string           `json:"source_id"`
	ReversesID        string           `json:"reverses_id,omitempty"`
	ReversedKind      string           `json:"reversed_kind,omitempty"`
	Actor             string           `json:"actor"`
	Reason            string           `json:"reason,omitempty"`
	TransactedAt      time.Time        `json:"transacted_at"`
	CreatedAt         time.Time        `json:"created_at"`
}

type EntryPageDTO struct {
	Entries []EntryDTO `json:"entries"`
	Total   int        `json:"total"`
	Limit   int        `json:"limit"`
	Offset  int        `json:"offset"`
}

// WarningDTO reports an outflow clamped at zero. It is not an error.
type WarningDTO struct {
	Code        string          `json:"code"`
	EntryID     string          `json:"entry_id"`
	WarehouseID string          `json:"warehouse_id"`
	Product     string          `json:"product"`
	Available   decimal.Decimal `json:"available"`
	Requested   decimal.Decimal `json:"requested"`
	Shortfall   decimal.Decimal `json:"shortfall"`
}

type ShortfallDTO struct {
	Available string `json:"available"`
	Requested string `json:"requested"`
	Shortfall string `json:"shortfall"`
}

// MovementRequest is a manual movement, typically a stock count adjustment.
type MovementRequest struct {
	WarehouseID  string           `json:"warehouse_id" validate:"required"`
	Product      string           `json:"product" validate:"required"`
	Kind         string           `json:"kind" validate:"required,oneof=receipt sale transfer_in transfer_out consumption adjustment"`
	Quantity     decimal.Decimal  `json:"quantity"`
	UnitPrice    *decimal.Decimal `json:"unit_price,omitempty"`
	TotalSum     *decimal.Decimal `json:"total_sum,omitempty"`
	TransactedAt *time.Time       `json:"transacted_at,omitempty"`
	Reference    string           `json:"reference,omitempty" validate:"max=128"`
	Reason       string           `json:"reason,omitempty" validate:"max=500"`
}

// MovementResponse carries the entries a write produced and any clamp warnings.
type MovementResponse struct {
	Entries  []EntryDTO   `json:"entries"`
	Warnings []WarningDTO `json:"warnings,omitempty"`
}

type ReverseRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// =============================================================================
// DEALS AND TRANSFERS
// =============================================================================

type DealRequest struct {
	Type               string          `json:"type" validate:"required,oneof=wholesale refueling refueling_abroad"`
	SupplierID         string          `json:"supplier_id" validate:"required"`
	BuyerID            string          `json:"buyer_id" validate:"required"`
	BasisID            string          `json:"basis_id" validate:"required"`
	Product            string          `json:"product" validate:"required"`
	Quantity           decimal.Decimal `json:"quantity"`
	PurchasePrice      decimal.Decimal `json:"purchase_price"`
	SalePrice          decimal.Decimal `json:"sale_price"`
	DealDate           string          `json:"deal_date" validate:"required,datetime=2006-01-02"`
	ReceiptWarehouseID string          `json:"receipt_warehouse_id,omitempty"`
	IssueWarehouseID   string          `json:"issue_warehouse_id,omitempty"`
}

type DealDTO struct {
	ID                 string          `json:"id"`
	Type               string          `json:"type"`
	SupplierID         string          `json:"supplier_id"`
	BuyerID            string          `json:"buyer_id"`
	BasisID            string          `json:"basis_id"`
	Product            string          `json:"product"`
	Quantity           decimal.Decimal `json:"quantity"`
	PurchasePrice      decimal.Decimal `json:"purchase_price"`
	SalePrice          decimal.Decimal `json:"sale_price"`
	DealDate           string          `json:"deal_date"`
	ReceiptWarehouseID string          `json:"receipt_warehouse_id,omitempty"`
	IssueWarehouseID   string          `json:"issue_warehouse_id,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	DeletedAt          *time.Time      `json:"deleted_at,omitempty"`
	DeletedBy          string          `json:"deleted_by,omitempty"`
}

type TransferRequest struct {
	FromWarehouseID string          `json:"from_warehouse_id" validate:"required"`
	ToWarehouseID   string          `json:"to_warehouse_id" validate:"required"`
	Product         string          `json:"product" validate:"required"`
	Quantity        decimal.Decimal `json:"quantity"`
	TransferDate    string          `json:"transfer_date" validate:"required,datetime=2006-01-02"`
}

type TransferDTO struct {
	ID              string          `json:"id"`
	FromWarehouseID string          `json:"from_warehouse_id"`
	ToWarehouseID   string          `json:"to_warehouse_id"`
	Product         string          `json:"product"`
	Quantity        decimal.Decimal `json:"quantity"`
	TransferDate    string          `json:"transfer_date"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	DeletedAt       *time.Time      `json:"deleted_at,omitempty"`
	DeletedBy       string          `json:"deleted_by,omitempty"`
}

// RecordResponse wraps a deal or transfer with the ledger entries its write produced.
type RecordResponse[T any] struct {
	Record    T            `json:"record"`
	Reversals []EntryDTO   `json:"reversals"`
	Entries   []EntryDTO   `json:"entries"`
	Warnings  []WarningDTO `json:"warnings,omitempty"`
}

// =============================================================================
// PRICES
// =============================================================================

type PriceRequest struct {
	CounterpartyID   string              `json:"counterparty_id" validate:"required"`
	CounterpartyType string              `json:"counterparty_type" validate:"required,oneof=wholesale refueling refueling_abroad"`
	Role             string              `json:"role" validate:"required,oneof=supplier buyer"`
	Product          string              `json:"product" validate:"required"`
	BasisID          string              `json:"basis_id" validate:"required"`
	DateFrom         string              `json:"date_from" validate:"required,datetime=2006-01-02"`
	DateTo           string              `json:"date_to" validate:"required,datetime=2006-01-02"`
	IsActive         *bool               `json:"is_active,omitempty"`
	Prices           []pricing.PriceTier `json:"prices" validate:"required,min=1"`
	ContractedVolume decimal.Decimal     `json:"contracted_volume"`
	Currency         string              `json:"currency" validate:"required,len=3"`
}

type SetActiveRequest struct {
	IsActive *bool `json:"is_active" validate:"required"`
}

type PriceDTO struct {
	ID               string              `json:"id"`
	CounterpartyID   string              `json:"counterparty_id"`
	CounterpartyType string              `json:"counterparty_type"`
	Role             string              `json:"role"`
	Product          string              `json:"product"`
	BasisID          string              `json:"basis_id"`
	DateFrom         string              `json:"date_from"`
	DateTo           string              `json:"date_to"`
	IsActive         bool                `json:"is_active"`
	Prices           []pricing.PriceTier `json:"prices"`
	ContractedVolume decimal.Decimal     `json:"contracted_volume"`
	SoldVolume       decimal.Decimal     `json:"sold_volume"`
	RemainingVolume  decimal.Decimal     `json:"remaining_volume"`
	SoldVolumeAt     *time.Time          `json:"sold_volume_at,omitempty"`
	Currency         string              `json:"currency"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

type OverlapDTO struct {
	ID       string `json:"id"`
	DateFrom string `json:"date_from"`
	DateTo   string `json:"date_to"`
}

// PriceSaveResponse is the saved record plus, in advisory mode, the
// overlapping records it was saved alongside.
type PriceSaveResponse struct {
	Price    PriceDTO     `json:"price"`
	Overlaps []OverlapDTO `json:"overlaps"`
}

type OverlapCheckDTO struct {
	Status   string       `json:"status"`
	Overlaps []OverlapDTO `json:"overlaps"`
}

type SelectionDTO struct {
	CounterpartyID   string          `json:"counterparty_id"`
	CounterpartyType string          `json:"counterparty_type"`
	Role             string          `json:"role"`
	Product          string          `json:"product"`
	BasisID          string          `json:"basis_id"`
	DateFrom         string          `json:"date_from"`
	DateTo           string          `json:"date_to"`
	Volume           decimal.Decimal `json:"volume"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toWarehouseDTO(w inventory.Warehouse) WarehouseDTO {
	bases := w.BaseIDs
	if bases == nil {
		bases = []string{}
	}
	return WarehouseDTO{
		ID:        string(w.ID),
		Name:      w.Name,
		BaseIDs:   bases,
		CreatedAt: w.CreatedAt,
		DeletedAt: w.DeletedAt,
		DeletedBy: w.DeletedBy,
	}
}

func toPositionDTO(p inventory.Position) PositionDTO {
	dto := PositionDTO{
		Product:     string(p.Product),
		Balance:     p.Balance,
		AverageCost: p.AverageCost,
		Value:       p.Value(),
		Version:     p.Version,
	}
	if !p.UpdatedAt.IsZero() {
		t := p.UpdatedAt
		dto.UpdatedAt = &t
	}
	return dto
}

func toEntryDTO(e inventory.Entry) EntryDTO {
	return EntryDTO{
		ID:                string(e.ID),
		WarehouseID:       string(e.WarehouseID),
		Product:           string(e.Product),
		Sequence:          e.Sequence,
		Kind:              string(e.Kind),
		Quantity:          e.Quantity,
		Requested:         e.Requested,
		Shortfall:         e.Shortfall,
		UnitPrice:         e.UnitPrice,
		TotalSum:          e.TotalSum,
		BalanceBefore:     e.BalanceBefore,
		BalanceAfter:      e.BalanceAfter,
		AverageCostBefore: e.AverageCostBefore,
		AverageCostAfter:  e.AverageCostAfter,
		SourceKind:        string(e.Source.Kind),
		SourceID:          e.Source.ID,
		ReversesID:        string(e.ReversesID),
		ReversedKind:      string(e.ReversedKind),
		Actor:             e.Actor,
		Reason:            e.Reason,
		TransactedAt:      e.TransactedAt,
		CreatedAt:         e.CreatedAt,
	}
}

func toEntryDTOs(entries []inventory.Entry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	return dtos
}

func toWarnings(entries ...[]inventory.Entry) []WarningDTO {
	var out []WarningDTO
	for _, list := range entries {
		for _, e := range list {
			w := e.Warning()
			if w == nil {
				continue
			}
			out = append(out, WarningDTO{
				Code:        "insufficient_balance",
				EntryID:     string(e.ID),
				WarehouseID: string(w.WarehouseID),
				Product:     string(w.Product),
				Available:   w.Available,
				Requested:   w.Requested,
				Shortfall:   w.Shortfall,
			})
		}
	}
	return out
}

func toDealDTO(d deals.Deal) DealDTO {
	return DealDTO{
		ID:                 d.ID,
		Type:               string(d.Type),
		SupplierID:         d.SupplierID,
		BuyerID:            d.BuyerID,
		BasisID:            d.BasisID,
		Product:            string(d.Product),
		Quantity:           d.Quantity,
		PurchasePrice:      d.PurchasePrice,
		SalePrice:          d.SalePrice,
		DealDate:           d.DealDate.Format(pricing.DateLayout),
		ReceiptWarehouseID: string(d.ReceiptWarehouseID),
		IssueWarehouseID:   string(d.IssueWarehouseID),
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
		DeletedAt:          d.DeletedAt,
		DeletedBy:          d.DeletedBy,
	}
}

func toTransferDTO(t deals.Transfer) TransferDTO {
	return TransferDTO{
		ID:              t.ID,
		FromWarehouseID: string(t.FromWarehouseID),
		ToWarehouseID:   string(t.ToWarehouseID),
		Product:         string(t.Product),
		Quantity:        t.Quantity,
		TransferDate:    t.TransferDate.Format(pricing.DateLayout),
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
		DeletedAt:       t.DeletedAt,
		DeletedBy:       t.DeletedBy,
	}
}

func toRecordResponse[T, D any](res deals.Result[T], conv func(T) D) RecordResponse[D] {
	return RecordResponse[D]{
		Record:    conv(res.Record),
		Reversals: toEntryDTOs(res.Reversals),
		Entries:   toEntryDTOs(res.Entries),
		Warnings:  toWarnings(res.Reversals, res.Entries),
	}
}

func toPriceDTO(p pricing.PriceRecord) PriceDTO {
	return PriceDTO{
		ID:               p.ID,
		CounterpartyID:   p.Scope.CounterpartyID,
		CounterpartyType: string(p.Scope.CounterpartyType),
		Role:             string(p.Scope.Role),
		Product:          string(p.Scope.Product),
		BasisID:          p.Scope.BasisID,
		DateFrom:         p.Validity.From.Format(pricing.DateLayout),
		DateTo:           p.Validity.To.Format(pricing.DateLayout),
		IsActive:         p.IsActive,
		Prices:           p.Prices,
		ContractedVolume: p.ContractedVolume,
		SoldVolume:       p.SoldVolume,
		RemainingVolume:  p.RemainingVolume(),
		SoldVolumeAt:     p.SoldVolumeAt,
		Currency:         p.Currency,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

func toOverlapDTOs(overlaps []pricing.Overlap) []OverlapDTO {
	dtos := make([]OverlapDTO, len(overlaps))
	for i, o := range overlaps {
		dtos[i] = OverlapDTO{
			ID:       o.ID,
			DateFrom: o.Validity.From.Format(pricing.DateLayout),
			DateTo:   o.Validity.To.Format(pricing.DateLayout),
		}
	}
	return dtos
}
