/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Pre-built scenarios that populate the database with warehouses,
	movements, deals and price records showing specific ledger behaviour.

AVAILABLE SCENARIOS:

	weighted-average:  1000 kg @ 50, 500 kg @ 56, sell 600 -> 900 kg @ 52
	clamp-and-reverse: oversell clamped at zero, then reversed
	deal-lifecycle:    wholesale deals, a refueling, a transfer, an edited deal
	price-selection:   contract prices with volume selection over January deals

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create warehouses
 3. Post movements, deals and transfers through the services
 4. Create price records

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "weighted-average"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add it to the loaders map

NOTE:

	Scenarios reset the database. Only use in development/demo environments.
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/fuel-ledger/deals"
	"github.com/warp/fuel-ledger/inventory"
	"github.com/warp/fuel-ledger/pricing"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "weighted-average",
		Name:        "Weighted Average",
		Description: "Two receipts at different prices and a sale: 900 kg left at 52",
	},
	{
		ID:          "clamp-and-reverse",
		Name:        "Clamp and Reverse",
		Description: "A sale larger than the stock is clamped at zero, then reversed",
	},
	{
		ID:          "deal-lifecycle",
		Name:        "Deal Lifecycle",
		Description: "Wholesale and refueling deals, a transfer between warehouses, an edited and a deleted deal",
	},
	{
		ID:          "price-selection",
		Name:        "Price Selection",
		Description: "Buyer contract prices for January with 350 kg of deals selected against them",
	},
}

func (h *Handler) loaders() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"weighted-average":  h.loadWeightedAverageScenario,
		"clamp-and-reverse": h.loadClampAndReverseScenario,
		"deal-lifecycle":    h.loadDealLifecycleScenario,
		"price-selection":   h.loadPriceSelectionScenario,
	}
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	load, ok := h.loaders()[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown_scenario", fmt.Sprintf("unknown scenario %q", req.ScenarioID))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.store.Reset(ctx); err != nil {
		h.writeDomainError(w, r, fmt.Errorf("reset database: %w", err))
		return
	}
	h.currentScenario = ""

	if err := load(ctx); err != nil {
		h.writeDomainError(w, r, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}
	h.currentScenario = req.ScenarioID

	h.logger.WithField("scenario", req.ScenarioID).Info("scenario loaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.store.Reset(r.Context()); err != nil {
		h.writeDomainError(w, r, fmt.Errorf("reset database: %w", err))
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

const scenarioActor = "scenario"

func (h *Handler) loadWeightedAverageScenario(ctx context.Context) error {
	if err := h.createWarehouses(ctx, "wh-north"); err != nil {
		return err
	}
	base := time.Date(2024, time.January, 10, 9, 0, 0, 0, time.UTC)
	return h.postManual(ctx, "wh-north", base,
		step{inventory.KindReceipt, "1000", "50", "initial fill"},
		step{inventory.KindReceipt, "500", "56", "second delivery"},
		step{inventory.KindSale, "-600", "", "airline uplift"},
	)
}

func (h *Handler) loadClampAndReverseScenario(ctx context.Context) error {
	if err := h.createWarehouses(ctx, "wh-north"); err != nil {
		return err
	}
	base := time.Date(2024, time.January, 10, 9, 0, 0, 0, time.UTC)
	if err := h.postManual(ctx, "wh-north", base,
		step{inventory.KindReceipt, "100", "50", "initial fill"},
		step{inventory.KindSale, "-150", "", "sale booked before the delivery arrived"},
	); err != nil {
		return err
	}

	page, err := h.engine.Entries(ctx, inventory.EntryQuery{
		WarehouseID: "wh-north",
		Product:     inventory.ProductKerosene,
		Limit:       1,
	})
	if err != nil {
		return err
	}
	if len(page.Entries) == 0 {
		return fmt.Errorf("no entries after posting")
	}
	_, err = h.engine.Reverse(ctx, page.Entries[0].ID, scenarioActor, "sale was entered twice")
	return err
}

func (h *Handler) loadDealLifecycleScenario(ctx context.Context) error {
	if err := h.createWarehouses(ctx, "wh-north", "wh-south"); err != nil {
		return err
	}

	first, err := h.deals.CreateDeal(ctx, wholesale("2024-01-05", "1000", "50", "55", "wh-north", ""), scenarioActor)
	if err != nil {
		return err
	}
	// The first delivery turned out to be 1100 kg.
	edited := first.Record
	edited.Quantity = decimal.NewFromInt(1100)
	if _, err := h.deals.UpdateDeal(ctx, edited, scenarioActor); err != nil {
		return err
	}

	if _, err := h.deals.CreateDeal(ctx, wholesale("2024-01-08", "500", "56", "60", "wh-north", "wh-north"), scenarioActor); err != nil {
		return err
	}

	refuel := wholesale("2024-01-12", "200", "0", "62", "", "wh-north")
	refuel.Type = pricing.TypeRefueling
	refuel.BuyerID = "cp-charter"
	if _, err := h.deals.CreateDeal(ctx, refuel, scenarioActor); err != nil {
		return err
	}

	if _, err := h.deals.CreateTransfer(ctx, deals.Transfer{
		FromWarehouseID: "wh-north",
		ToWarehouseID:   "wh-south",
		Product:         inventory.ProductKerosene,
		Quantity:        decimal.NewFromInt(300),
		TransferDate:    pricing.Day(time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)),
	}, scenarioActor); err != nil {
		return err
	}

	abroad := wholesale("2024-01-20", "80", "70", "75", "", "")
	abroad.Type = pricing.TypeRefuelingAbroad
	res, err := h.deals.CreateDeal(ctx, abroad, scenarioActor)
	if err != nil {
		return err
	}
	_, err = h.deals.DeleteDeal(ctx, res.Record.ID, scenarioActor)
	return err
}

func (h *Handler) loadPriceSelectionScenario(ctx context.Context) error {
	if err := h.createWarehouses(ctx, "wh-north"); err != nil {
		return err
	}
	for _, dl := range []struct{ date, qty string }{
		{"2024-01-05", "100"},
		{"2024-01-31", "250"},
		{"2024-02-01", "50"},
	} {
		if _, err := h.deals.CreateDeal(ctx, wholesale(dl.date, dl.qty, "50", "55", "wh-north", ""), scenarioActor); err != nil {
			return err
		}
	}

	scope := pricing.Scope{
		CounterpartyID:   "cp-aero",
		CounterpartyType: pricing.TypeWholesale,
		Role:             pricing.RoleBuyer,
		Product:          inventory.ProductKerosene,
		BasisID:          "basis-1",
	}
	months := []struct {
		from, to string
		tiers    []pricing.PriceTier
	}{
		{"2024-01-01", "2024-01-31", []pricing.PriceTier{
			{Value: decimal.NewFromInt(55)},
			{Value: decimal.NewFromInt(54), MinVolume: decimal.NewFromInt(300), Label: "volume discount"},
		}},
		{"2024-02-01", "2024-02-29", []pricing.PriceTier{{Value: decimal.NewFromInt(57)}}},
	}
	for _, m := range months {
		dr, err := pricing.ParseDateRange(m.from, m.to)
		if err != nil {
			return err
		}
		res, err := h.prices.Create(ctx, pricing.PriceRecord{
			Scope:            scope,
			Validity:         dr,
			IsActive:         true,
			Prices:           m.tiers,
			ContractedVolume: decimal.NewFromInt(1000),
			Currency:         "USD",
		})
		if err != nil {
			return err
		}
		if _, err := h.selection.RefreshSoldVolume(ctx, res.Record.ID); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

type step struct {
	kind      inventory.Kind
	quantity  string
	unitPrice string
	reason    string
}

func (h *Handler) createWarehouses(ctx context.Context, whIDs ...string) error {
	names := map[string]string{
		"wh-north": "North apron tank farm",
		"wh-south": "South apron tank farm",
	}
	for _, id := range whIDs {
		if err := h.store.CreateWarehouse(ctx, inventory.Warehouse{
			ID:        inventory.WarehouseID(id),
			Name:      names[id],
			BaseIDs:   []string{"basis-1"},
			CreatedAt: h.clock(),
		}); err != nil {
			return err
		}
	}
	return nil
}

// postManual posts steps one hour apart starting at base.
func (h *Handler) postManual(ctx context.Context, wh string, base time.Time, steps ...step) error {
	for i, s := range steps {
		m := inventory.Movement{
			WarehouseID:  inventory.WarehouseID(wh),
			Product:      inventory.ProductKerosene,
			Kind:         s.kind,
			Quantity:     decimal.RequireFromString(s.quantity),
			Source:       inventory.SourceRef{Kind: inventory.SourceScenario, ID: fmt.Sprintf("%s-%d", wh, i+1)},
			Actor:        scenarioActor,
			Reason:       s.reason,
			TransactedAt: base.Add(time.Duration(i) * time.Hour),
		}
		if s.unitPrice != "" {
			m.UnitPrice = inventory.Price(decimal.RequireFromString(s.unitPrice))
		}
		if _, err := h.engine.ApplyMovement(ctx, m); err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, s.kind, err)
		}
	}
	return nil
}

func wholesale(date, qty, purchase, sale, receiptWH, issueWH string) deals.Deal {
	d, _ := time.Parse(pricing.DateLayout, date)
	return deals.Deal{
		Type:               pricing.TypeWholesale,
		SupplierID:         "cp-refinery",
		BuyerID:            "cp-aero",
		BasisID:            "basis-1",
		Product:            inventory.ProductKerosene,
		Quantity:           decimal.RequireFromString(qty),
		PurchasePrice:      decimal.RequireFromString(purchase),
		SalePrice:          decimal.RequireFromString(sale),
		DealDate:           d,
		ReceiptWarehouseID: inventory.WarehouseID(receiptWH),
		IssueWarehouseID:   inventory.WarehouseID(issueWH),
	}
}
