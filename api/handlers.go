/*
handlers.go - HTTP API handlers for the fuel ledger

PURPOSE:
  Exposes the ledger engine, the pricing service and the deal service
  over REST. Handles HTTP request/response, JSON serialization, and
  delegates to domain logic.

ENDPOINTS:
  Warehouses:
    GET    /api/warehouses                   List warehouses
    POST   /api/warehouses                   Create warehouse
    GET    /api/warehouses/{id}              Account snapshot
    DELETE /api/warehouses/{id}              Soft delete
    GET    /api/warehouses/{id}/entries      Ledger entries, newest first
    GET    /api/warehouses/{id}/reconcile    Replay vs stored position

  Ledger:
    POST   /api/movements                    Manual movement
    POST   /api/entries/{id}/reverse         Explicit reversal

  Deals and transfers:
    POST/GET/PUT/DELETE /api/deals[/{id}]
    POST/GET/PUT/DELETE /api/transfers[/{id}]

  Prices:
    POST   /api/prices                       Create (advisory or strict)
    GET    /api/prices/check-overlap         Overlap check
    GET    /api/prices/selection             Volume selection
    GET    /api/prices/{id}                  Lookup
    PUT    /api/prices/{id}                  Update
    PUT    /api/prices/{id}/active           Activate / deactivate
    POST   /api/prices/{id}/selection        Selection + sold volume write-back

REQUEST FLOW:
  1. Decode and validate the body (validator/v10)
  2. Convert to domain types (dates, products)
  3. Call the domain service
  4. Serialize response
  5. Domain errors go through writeDomainError

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Status mapping
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/fuel-ledger/deals"
	"github.com/warp/fuel-ledger/ids"
	"github.com/warp/fuel-ledger/inventory"
	"github.com/warp/fuel-ledger/pricing"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is what the handlers need beyond the domain services.
type Store interface {
	inventory.TxStore
	Reset(ctx context.Context) error
	Ping(ctx context.Context) error
}

// Deps are the handler dependencies.
type Deps struct {
	Store     Store
	Engine    *inventory.Engine
	Prices    *pricing.Service
	Selection *pricing.Aggregator
	Deals     *deals.Service
	Logger    *logrus.Logger
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	store     Store
	engine    *inventory.Engine
	prices    *pricing.Service
	selection *pricing.Aggregator
	deals     *deals.Service
	logger    *logrus.Logger
	validate  *validator.Validate
	clock     func() time.Time

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		store:     d.Store,
		engine:    d.Engine,
		prices:    d.Prices,
		selection: d.Selection,
		deals:     d.Deals,
		logger:    logger,
		validate:  v,
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// decode reads a JSON body into dst and runs its validate tags.
func (h *Handler) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return inventory.Invalid("body", err.Error())
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			reason := fe.Tag()
			if fe.Param() != "" {
				reason += "=" + fe.Param()
			}
			return inventory.Invalid(fe.Field(), "failed "+reason)
		}
		return inventory.Invalid("body", err.Error())
	}
	return nil
}

// =============================================================================
// WAREHOUSE HANDLERS
// =============================================================================

// ListWarehouses returns warehouses that are not soft-deleted.
func (h *Handler) ListWarehouses(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListWarehouses(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]WarehouseDTO, len(list))
	for i, wh := range list {
		dtos[i] = toWarehouseDTO(wh)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateWarehouse creates a warehouse with zero positions.
func (h *Handler) CreateWarehouse(w http.ResponseWriter, r *http.Request) {
	var req CreateWarehouseRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	wh := inventory.Warehouse{
		ID:        inventory.WarehouseID(req.ID),
		Name:      req.Name,
		BaseIDs:   req.BaseIDs,
		CreatedAt: h.clock(),
	}
	if wh.ID == "" {
		wh.ID = inventory.WarehouseID(ids.NewUUID())
	}
	if err := h.store.CreateWarehouse(r.Context(), wh); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWarehouseDTO(wh))
}

// GetWarehouse returns the account snapshot.
// GET /api/warehouses/{id}
func (h *Handler) GetWarehouse(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.Snapshot(r.Context(), inventory.WarehouseID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	positions := make([]PositionDTO, len(snap.Positions))
	for i, p := range snap.Positions {
		positions[i] = toPositionDTO(p)
	}
	writeJSON(w, http.StatusOK, SnapshotDTO{Warehouse: toWarehouseDTO(snap.Warehouse), Positions: positions})
}

// DeleteWarehouse soft-deletes a warehouse. Its history stays readable.
func (h *Handler) DeleteWarehouse(w http.ResponseWriter, r *http.Request) {
	id := inventory.WarehouseID(chi.URLParam(r, "id"))
	if err := h.store.SoftDeleteWarehouse(r.Context(), id, ActorFrom(r.Context()), h.clock()); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListEntries returns a page of ledger entries.
// GET /api/warehouses/{id}/entries?product=&limit=&offset=
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q, "limit")
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	offset, err := intParam(q, "offset")
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	page, err := h.engine.Entries(r.Context(), inventory.EntryQuery{
		WarehouseID: inventory.WarehouseID(chi.URLParam(r, "id")),
		Product:     inventory.Product(q.Get("product")),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, EntryPageDTO{
		Entries: toEntryDTOs(page.Entries),
		Total:   page.Total,
		Limit:   page.Limit,
		Offset:  page.Offset,
	})
}

// Reconcile replays history and compares it with the stored positions.
// Without ?product= every registered product is reconciled.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id := inventory.WarehouseID(chi.URLParam(r, "id"))
	var products []inventory.Product
	if p := r.URL.Query().Get("product"); p != "" {
		products = []inventory.Product{inventory.Product(p)}
	} else {
		for _, info := range inventory.ListProducts() {
			products = append(products, info.Code)
		}
	}

	out := make([]ReconciliationDTO, 0, len(products))
	for _, product := range products {
		rec, err := h.engine.Reconcile(r.Context(), inventory.PairKey{WarehouseID: id, Product: product})
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		out = append(out, ReconciliationDTO{
			WarehouseID: string(id),
			Product:     string(product),
			Stored:      toPositionDTO(rec.Stored),
			Replayed:    toPositionDTO(rec.Replayed),
			Entries:     rec.Entries,
			Matches:     rec.Matches,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// ApplyMovement applies a manual movement.
// POST /api/movements
func (h *Handler) ApplyMovement(w http.ResponseWriter, r *http.Request) {
	var req MovementRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	ref := req.Reference
	if ref == "" {
		ref = ids.New()
	}
	m := inventory.Movement{
		WarehouseID: inventory.WarehouseID(req.WarehouseID),
		Product:     inventory.Product(req.Product),
		Kind:        inventory.Kind(req.Kind),
		Quantity:    req.Quantity,
		UnitPrice:   req.UnitPrice,
		TotalSum:    req.TotalSum,
		Source:      inventory.SourceRef{Kind: inventory.SourceManual, ID: ref},
		Actor:       ActorFrom(r.Context()),
		Reason:      req.Reason,
	}
	if req.TransactedAt != nil {
		m.TransactedAt = *req.TransactedAt
	}

	entry, err := h.engine.ApplyMovement(r.Context(), m)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	entries := []inventory.Entry{entry}
	writeJSON(w, http.StatusCreated, MovementResponse{Entries: toEntryDTOs(entries), Warnings: toWarnings(entries)})
}

// ReverseEntry appends a reversal of one entry.
// POST /api/entries/{id}/reverse
func (h *Handler) ReverseEntry(w http.ResponseWriter, r *http.Request) {
	var req ReverseRequest
	if r.ContentLength != 0 {
		if err := h.decode(r, &req); err != nil {
			h.writeDomainError(w, r, err)
			return
		}
	}
	entry, err := h.engine.Reverse(r.Context(), inventory.EntryID(chi.URLParam(r, "id")), ActorFrom(r.Context()), req.Reason)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	entries := []inventory.Entry{entry}
	writeJSON(w, http.StatusCreated, MovementResponse{Entries: toEntryDTOs(entries), Warnings: toWarnings(entries)})
}

// =============================================================================
// DEAL HANDLERS
// =============================================================================

func (h *Handler) CreateDeal(w http.ResponseWriter, r *http.Request) {
	d, err := h.dealFromRequest(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	res, err := h.deals.CreateDeal(r.Context(), d, ActorFrom(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRecordResponse(res, toDealDTO))
}

func (h *Handler) GetDeal(w http.ResponseWriter, r *http.Request) {
	d, err := h.deals.GetDeal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDealDTO(d))
}

// UpdateDeal reverses the deal's legs and applies the new ones.
func (h *Handler) UpdateDeal(w http.ResponseWriter, r *http.Request) {
	d, err := h.dealFromRequest(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	d.ID = chi.URLParam(r, "id")
	res, err := h.deals.UpdateDeal(r.Context(), d, ActorFrom(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordResponse(res, toDealDTO))
}

func (h *Handler) DeleteDeal(w http.ResponseWriter, r *http.Request) {
	res, err := h.deals.DeleteDeal(r.Context(), chi.URLParam(r, "id"), ActorFrom(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordResponse(res, toDealDTO))
}

func (h *Handler) dealFromRequest(r *http.Request) (deals.Deal, error) {
	var req DealRequest
	if err := h.decode(r, &req); err != nil {
		return deals.Deal{}, err
	}
	date, err := pricing.ParseDate("deal_date", req.DealDate)
	if err != nil {
		return deals.Deal{}, err
	}
	return deals.Deal{
		Type:               pricing.CounterpartyType(req.Type),
		SupplierID:         req.SupplierID,
		BuyerID:            req.BuyerID,
		BasisID:            req.BasisID,
		Product:            inventory.Product(req.Product),
		Quantity:           req.Quantity,
		PurchasePrice:      req.PurchasePrice,
		SalePrice:          req.SalePrice,
		DealDate:           date,
		ReceiptWarehouseID: inventory.WarehouseID(req.ReceiptWarehouseID),
		IssueWarehouseID:   inventory.WarehouseID(req.IssueWarehouseID),
	}, nil
}

// =============================================================================
// TRANSFER HANDLERS
// =============================================================================

func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	t, err := h.transferFromRequest(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	res, err := h.deals.CreateTransfer(r.Context(), t, ActorFrom(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRecordResponse(res, toTransferDTO))
}

func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	t, err := h.deals.GetTransfer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransferDTO(t))
}

func (h *Handler) UpdateTransfer(w http.ResponseWriter, r *http.Request) {
	t, err := h.transferFromRequest(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	t.ID = chi.URLParam(r, "id")
	res, err := h.deals.UpdateTransfer(r.Context(), t, ActorFrom(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordResponse(res, toTransferDTO))
}

func (h *Handler) DeleteTransfer(w http.ResponseWriter, r *http.Request) {
	res, err := h.deals.DeleteTransfer(r.Context(), chi.URLParam(r, "id"), ActorFrom(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordResponse(res, toTransferDTO))
}

func (h *Handler) transferFromRequest(r *http.Request) (deals.Transfer, error) {
	var req TransferRequest
	if err := h.decode(r, &req); err != nil {
		return deals.Transfer{}, err
	}
	date, err := pricing.ParseDate("transfer_date", req.TransferDate)
	if err != nil {
		return deals.Transfer{}, err
	}
	return deals.Transfer{
		FromWarehouseID: inventory.WarehouseID(req.FromWarehouseID),
		ToWarehouseID:   inventory.WarehouseID(req.ToWarehouseID),
		Product:         inventory.Product(req.Product),
		Quantity:        req.Quantity,
		TransferDate:    date,
	}, nil
}

// =============================================================================
// PRICE HANDLERS
// =============================================================================

// CreatePrice saves a price record. In advisory mode overlaps come back
// with the 201; in strict mode they are a 409.
func (h *Handler) CreatePrice(w http.ResponseWriter, r *http.Request) {
	rec, err := h.priceFromRequest(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	res, err := h.prices.Create(r.Context(), rec)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, PriceSaveResponse{Price: toPriceDTO(res.Record), Overlaps: toOverlapDTOs(res.Overlaps)})
}

func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	rec, err := h.prices.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPriceDTO(rec))
}

func (h *Handler) UpdatePrice(w http.ResponseWriter, r *http.Request) {
	rec, err := h.priceFromRequest(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	rec.ID = chi.URLParam(r, "id")
	res, err := h.prices.Update(r.Context(), rec)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PriceSaveResponse{Price: toPriceDTO(res.Record), Overlaps: toOverlapDTOs(res.Overlaps)})
}

// SetPriceActive activates or deactivates a record.
// PUT /api/prices/{id}/active {"is_active": false}
func (h *Handler) SetPriceActive(w http.ResponseWriter, r *http.Request) {
	var req SetActiveRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	res, err := h.prices.SetActive(r.Context(), chi.URLParam(r, "id"), *req.IsActive)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PriceSaveResponse{Price: toPriceDTO(res.Record), Overlaps: toOverlapDTOs(res.Overlaps)})
}

// CheckOverlap runs the read-only overlap check.
// GET /api/prices/check-overlap?counterparty_id=&...&date_from=&date_to=&exclude_id=
func (h *Handler) CheckOverlap(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope, dr, err := scopeFromQuery(q)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	res, err := h.prices.Checker().CheckOverlap(r.Context(), scope, dr, q.Get("exclude_id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, OverlapCheckDTO{Status: string(res.Status), Overlaps: toOverlapDTOs(res.Overlaps)})
}

// Selection sums deal volume for a scope and range.
// GET /api/prices/selection?counterparty_id=&...&date_from=&date_to=
func (h *Handler) Selection(w http.ResponseWriter, r *http.Request) {
	scope, dr, err := scopeFromQuery(r.URL.Query())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	total, err := h.selection.CalculateSelection(r.Context(), scope, dr)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSelectionDTO(scope, dr, total))
}

// RefreshSelection recomputes a record's selection and stores it as sold volume.
// POST /api/prices/{id}/selection
func (h *Handler) RefreshSelection(w http.ResponseWriter, r *http.Request) {
	rec, err := h.selection.RefreshSoldVolume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPriceDTO(rec))
}

func (h *Handler) priceFromRequest(r *http.Request) (pricing.PriceRecord, error) {
	var req PriceRequest
	if err := h.decode(r, &req); err != nil {
		return pricing.PriceRecord{}, err
	}
	dr, err := pricing.ParseDateRange(req.DateFrom, req.DateTo)
	if err != nil {
		return pricing.PriceRecord{}, err
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	return pricing.PriceRecord{
		Scope: pricing.Scope{
			CounterpartyID:   req.CounterpartyID,
			CounterpartyType: pricing.CounterpartyType(req.CounterpartyType),
			Role:             pricing.Role(req.Role),
			Product:          inventory.Product(req.Product),
			BasisID:          req.BasisID,
		},
		Validity:         dr,
		IsActive:         active,
		Prices:           req.Prices,
		ContractedVolume: req.ContractedVolume,
		Currency:         strings.ToUpper(req.Currency),
	}, nil
}

// =============================================================================
// HEALTH
// =============================================================================

// Healthz pings the database.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func scopeFromQuery(q url.Values) (pricing.Scope, pricing.DateRange, error) {
	scope := pricing.Scope{
		CounterpartyID:   q.Get("counterparty_id"),
		CounterpartyType: pricing.CounterpartyType(q.Get("counterparty_type")),
		Role:             pricing.Role(q.Get("role")),
		Product:          inventory.Product(q.Get("product")),
		BasisID:          q.Get("basis_id"),
	}
	if err := scope.Validate(); err != nil {
		return pricing.Scope{}, pricing.DateRange{}, err
	}
	dr, err := pricing.ParseDateRange(q.Get("date_from"), q.Get("date_to"))
	if err != nil {
		return pricing.Scope{}, pricing.DateRange{}, err
	}
	return scope, dr, nil
}

func toSelectionDTO(s pricing.Scope, dr pricing.DateRange, volume decimal.Decimal) SelectionDTO {
	return SelectionDTO{
		CounterpartyID:   s.CounterpartyID,
		CounterpartyType: string(s.CounterpartyType),
		Role:             string(s.Role),
		Product:          string(s.Product),
		BasisID:          s.BasisID,
		DateFrom:         dr.From.Format(pricing.DateLayout),
		DateTo:           dr.To.Format(pricing.DateLayout),
		Volume:           volume,
	}
}

func intParam(q url.Values, name string) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, inventory.Invalid(name, fmt.Sprintf("not an integer: %q", raw))
	}
	return n, nil
}
