package deals_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fuel-ledger/deals"
	"github.com/warp/fuel-ledger/inventory"
	"github.com/warp/fuel-ledger/inventory/store"
	"github.com/warp/fuel-ledger/pricing"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type memDeals struct {
	mu        sync.Mutex
	deals     map[string]deals.Deal
	transfers map[string]deals.Transfer
	failWrite error
}

func newMemDeals() *memDeals {
	return &memDeals{deals: map[string]deals.Deal{}, transfers: map[string]deals.Transfer{}}
}

func (m *memDeals) CreateDeal(_ context.Context, d deals.Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return m.failWrite
	}
	if _, ok := m.deals[d.ID]; ok {
		return deals.ErrDuplicate
	}
	m.deals[d.ID] = d
	return nil
}

func (m *memDeals) UpdateDeal(_ context.Context, d deals.Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return m.failWrite
	}
	if _, ok := m.deals[d.ID]; !ok {
		return deals.ErrDealNotFound
	}
	m.deals[d.ID] = d
	return nil
}

func (m *memDeals) GetDeal(_ context.Context, id string) (*deals.Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deals[id]
	if !ok {
		return nil, deals.ErrDealNotFound
	}
	return &d, nil
}

func (m *memDeals) SoftDeleteDeal(_ context.Context, id, actor string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deals[id]
	if !ok {
		return deals.ErrDealNotFound
	}
	d.DeletedAt, d.DeletedBy = &at, actor
	m.deals[id] = d
	return nil
}

func (m *memDeals) CreateTransfer(_ context.Context, t deals.Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return m.failWrite
	}
	m.transfers[t.ID] = t
	return nil
}

func (m *memDeals) UpdateTransfer(_ context.Context, t deals.Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transfers[t.ID]; !ok {
		return deals.ErrTransferNotFound
	}
	m.transfers[t.ID] = t
	return nil
}

func (m *memDeals) GetTransfer(_ context.Context, id string) (*deals.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[id]
	if !ok {
		return nil, deals.ErrTransferNotFound
	}
	return &t, nil
}

func (m *memDeals) SoftDeleteTransfer(_ context.Context, id, actor string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[id]
	if !ok {
		return deals.ErrTransferNotFound
	}
	t.DeletedAt, t.DeletedBy = &at, actor
	m.transfers[id] = t
	return nil
}

type fixture struct {
	svc    *deals.Service
	engine *inventory.Engine
	ledger *store.Memory
	deals  *memDeals
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	ledger := store.NewMemory()
	ctx := context.Background()
	for _, id := range []inventory.WarehouseID{"wh-north", "wh-south"} {
		require.NoError(t, ledger.CreateWarehouse(ctx, inventory.Warehouse{ID: id, Name: string(id)}))
	}
	engine := inventory.NewEngine(ledger, inventory.WithLogger(logger))
	dl := newMemDeals()
	return fixture{svc: deals.NewService(engine, dl, logger), engine: engine, ledger: ledger, deals: dl}
}

func (f fixture) position(t *testing.T, wh inventory.WarehouseID) inventory.Position {
	t.Helper()
	pos, err := f.ledger.GetPosition(context.Background(), inventory.PairKey{WarehouseID: wh, Product: inventory.ProductKerosene})
	require.NoError(t, err)
	return pos
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(d(want)), "want %s, got %s", want, got)
}

func wholesale(qty, buy, sell string) deals.Deal {
	return deals.Deal{
		Type:               pricing.TypeWholesale,
		SupplierID:         "cp-refinery",
		BuyerID:            "cp-aero",
		BasisID:            "basis-1",
		Product:            inventory.ProductKerosene,
		Quantity:           d(qty),
		PurchasePrice:      d(buy),
		SalePrice:          d(sell),
		DealDate:           time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		ReceiptWarehouseID: "wh-north",
	}
}

// =============================================================================
// DEALS
// =============================================================================

func TestCreateDeal_PostsReceiptAndIssue(t *testing.T) {
	// GIVEN: Stock of 1000 @ 50 in wh-north
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateDeal(ctx, wholesale("1000", "50", "0"), "trader")
	require.NoError(t, err)

	// WHEN: A wholesale deal buys 500 @ 56 into north and sells 500 out of north
	dl := wholesale("500", "56", "60")
	dl.IssueWarehouseID = "wh-north"
	res, err := f.svc.CreateDeal(ctx, dl, "trader")
	require.NoError(t, err)

	// THEN: Receipt then sale, both tagged with the deal
	require.Len(t, res.Entries, 2)
	assert.Equal(t, inventory.KindReceipt, res.Entries[0].Kind)
	assert.Equal(t, inventory.KindSale, res.Entries[1].Kind)
	assert.Equal(t, res.Record.ID, res.Entries[0].Source.ID)
	assert.Equal(t, inventory.SourceDeal, res.Entries[1].Source.Kind)
	pos := f.position(t, "wh-north")
	assertDecimal(t, "1000", pos.Balance)
	assertDecimal(t, "52", pos.AverageCost)

	got, err := f.svc.GetDeal(ctx, res.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, "trader", res.Entries[0].Actor)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestCreateDeal_RefuelingConsumes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateDeal(ctx, wholesale("100", "50", "0"), "trader")
	require.NoError(t, err)

	refuel := wholesale("40", "0", "70")
	refuel.Type = pricing.TypeRefueling
	refuel.ReceiptWarehouseID = ""
	refuel.IssueWarehouseID = "wh-north"
	res, err := f.svc.CreateDeal(ctx, refuel, "ops")
	require.NoError(t, err)

	require.Len(t, res.Entries, 1)
	assert.Equal(t, inventory.KindConsumption, res.Entries[0].Kind)
	assertDecimal(t, "60", f.position(t, "wh-north").Balance)
}

func TestCreateDeal_AbroadMovesNoStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	abroad := wholesale("40", "50", "70")
	abroad.Type = pricing.TypeRefuelingAbroad
	abroad.ReceiptWarehouseID = ""
	res, err := f.svc.CreateDeal(ctx, abroad, "ops")
	require.NoError(t, err)
	assert.Empty(t, res.Entries)

	abroad.ID = ""
	abroad.IssueWarehouseID = "wh-north"
	_, err = f.svc.CreateDeal(ctx, abroad, "ops")
	assert.ErrorIs(t, err, inventory.ErrValidation)
}

func TestUpdateDeal_RepostsLegs(t *testing.T) {
	// GIVEN: A deal that received 1000 @ 50
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.svc.CreateDeal(ctx, wholesale("1000", "50", "0"), "trader")
	require.NoError(t, err)

	// WHEN: The quantity is corrected to 800 @ 55
	upd := created.Record
	upd.Quantity = d("800")
	upd.PurchasePrice = d("55")
	res, err := f.svc.UpdateDeal(ctx, upd, "trader")
	require.NoError(t, err)

	// THEN: The old receipt is reversed and the new one applied
	require.Len(t, res.Reversals, 1)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, created.Entries[0].ID, res.Reversals[0].ReversesID)
	pos := f.position(t, "wh-north")
	assertDecimal(t, "800", pos.Balance)
	assertDecimal(t, "55", pos.AverageCost)

	rec, err := f.engine.Reconcile(ctx, inventory.PairKey{WarehouseID: "wh-north", Product: inventory.ProductKerosene})
	require.NoError(t, err)
	assert.True(t, rec.Matches)
}

func TestUpdateDeal_MoveToOtherWarehouse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.svc.CreateDeal(ctx, wholesale("300", "50", "0"), "trader")
	require.NoError(t, err)

	upd := created.Record
	upd.ReceiptWarehouseID = "wh-south"
	_, err = f.svc.UpdateDeal(ctx, upd, "trader")
	require.NoError(t, err)

	assertDecimal(t, "0", f.position(t, "wh-north").Balance)
	assertDecimal(t, "300", f.position(t, "wh-south").Balance)
}

func TestDeleteDeal_ReversesAndHides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.svc.CreateDeal(ctx, wholesale("300", "50", "0"), "trader")
	require.NoError(t, err)

	res, err := f.svc.DeleteDeal(ctx, created.Record.ID, "auditor")
	require.NoError(t, err)
	require.Len(t, res.Reversals, 1)
	require.NotNil(t, res.Record.DeletedAt)
	assert.Equal(t, "auditor", res.Record.DeletedBy)
	assertDecimal(t, "0", f.position(t, "wh-north").Balance)

	_, err = f.svc.GetDeal(ctx, created.Record.ID)
	assert.ErrorIs(t, err, deals.ErrDealNotFound)
	_, err = f.svc.DeleteDeal(ctx, created.Record.ID, "auditor")
	assert.ErrorIs(t, err, inventory.ErrNotFound)
}

func TestCreateDeal_RecordWriteFails_LedgerCompensated(t *testing.T) {
	// GIVEN: A deal store that refuses writes
	f := newFixture(t)
	ctx := context.Background()
	f.deals.failWrite = errors.New("db down")

	// WHEN: A deal is created
	_, err := f.svc.CreateDeal(ctx, wholesale("300", "50", "0"), "trader")

	// THEN: The error surfaces and the receipt is reversed
	require.Error(t, err)
	pos := f.position(t, "wh-north")
	assertDecimal(t, "0", pos.Balance)
	page, err := f.engine.Entries(ctx, inventory.EntryQuery{WarehouseID: "wh-north"})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, inventory.KindReversal, page.Entries[0].Kind)
}

func TestCreateDeal_DuplicateID_LeavesExistingStock(t *testing.T) {
	// GIVEN: deal-1 received 1000 @ 50
	f := newFixture(t)
	ctx := context.Background()
	first := wholesale("1000", "50", "0")
	first.ID = "deal-1"
	_, err := f.svc.CreateDeal(ctx, first, "trader")
	require.NoError(t, err)

	// WHEN: Another deal reuses the id
	again := wholesale("200", "60", "0")
	again.ID = "deal-1"
	_, err = f.svc.CreateDeal(ctx, again, "trader")

	// THEN: It is refused before anything is posted
	require.ErrorIs(t, err, deals.ErrDuplicate)
	pos := f.position(t, "wh-north")
	assertDecimal(t, "1000", pos.Balance)
	assertDecimal(t, "50", pos.AverageCost)
	page, err := f.engine.Entries(ctx, inventory.EntryQuery{WarehouseID: "wh-north"})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	// AND: deal-1 is untouched
	got, err := f.svc.GetDeal(ctx, "deal-1")
	require.NoError(t, err)
	assertDecimal(t, "1000", got.Quantity)
}

func TestCreateDeal_RaceOnID_UndoesOnlyOwnLegs(t *testing.T) {
	// GIVEN: deal-2 exists in the ledger, but the record store only sees
	// it after the second create has passed the id check
	f := newFixture(t)
	ctx := context.Background()
	first := wholesale("1000", "50", "0")
	first.ID = "deal-2"
	_, err := f.svc.CreateDeal(ctx, first, "trader")
	require.NoError(t, err)
	f.deals.failWrite = deals.ErrDuplicate
	delete(f.deals.deals, "deal-2")

	// WHEN: The second create posts its receipt and then loses the insert
	again := wholesale("200", "60", "0")
	again.ID = "deal-2"
	again.DealDate = time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	_, err = f.svc.CreateDeal(ctx, again, "trader")

	// THEN: Only its own receipt is reversed
	require.ErrorIs(t, err, deals.ErrDuplicate)
	pos := f.position(t, "wh-north")
	assertDecimal(t, "1000", pos.Balance)
	assertDecimal(t, "50", pos.AverageCost)
	page, err := f.engine.Entries(ctx, inventory.EntryQuery{WarehouseID: "wh-north"})
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
	assert.Equal(t, inventory.KindReversal, page.Entries[0].Kind)
	assert.Equal(t, page.Entries[1].ID, page.Entries[0].ReversesID)
	assert.Empty(t, f.svc.Unresolved())
}

func TestCreateTransfer_DuplicateID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateDeal(ctx, wholesale("1000", "50", "0"), "trader")
	require.NoError(t, err)

	tr := deals.Transfer{
		ID:              "tr-1",
		FromWarehouseID: "wh-north",
		ToWarehouseID:   "wh-south",
		Product:         inventory.ProductKerosene,
		Quantity:        d("100"),
		TransferDate:    time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
	}
	_, err = f.svc.CreateTransfer(ctx, tr, "ops")
	require.NoError(t, err)

	_, err = f.svc.CreateTransfer(ctx, tr, "ops")
	require.ErrorIs(t, err, deals.ErrDuplicate)
	assertDecimal(t, "900", f.position(t, "wh-north").Balance)
	assertDecimal(t, "100", f.position(t, "wh-south").Balance)
}

// lockBudget grants a fixed number of locks, then fails.
type lockBudget struct {
	inner *inventory.KeyedMutex
	left  int
}

func (l *lockBudget) Lock(ctx context.Context, key string) (func(), error) {
	if l.left == 0 {
		return nil, errors.New("lock service unavailable")
	}
	l.left--
	return l.inner.Lock(ctx, key)
}

func TestCreateDeal_CompensationFails_ReportedUnresolved(t *testing.T) {
	// GIVEN: The record store is down and the engine can lock only once
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	ledger := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, ledger.CreateWarehouse(ctx, inventory.Warehouse{ID: "wh-north", Name: "north"}))
	engine := inventory.NewEngine(ledger,
		inventory.WithLogger(logger),
		inventory.WithLocker(&lockBudget{inner: inventory.NewKeyedMutex(), left: 1}),
	)
	dl := newMemDeals()
	dl.failWrite = errors.New("db down")
	svc := deals.NewService(engine, dl, logger)

	// WHEN: A deal is created
	deal := wholesale("300", "50", "0")
	deal.ID = "deal-3"
	_, err := svc.CreateDeal(ctx, deal, "trader")

	// THEN: The record error surfaces and the stuck source is listed
	require.EqualError(t, err, "db down")
	stuck := svc.Unresolved()
	require.Len(t, stuck, 1)
	assert.Equal(t, inventory.SourceRef{Kind: inventory.SourceDeal, ID: "deal-3"}, stuck[0].Source)
	assert.Equal(t, "CreateDeal", stuck[0].Op)
	assert.Equal(t, "db down", stuck[0].Cause)
}

func TestDeal_LegsCarryDealDate(t *testing.T) {
	// GIVEN: A deal dated 2024-03-01 into an empty warehouse
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.CreateDeal(ctx, wholesale("100", "50", "0"), "trader")
	require.NoError(t, err)

	// THEN: The leg is stamped with the deal date
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	assert.True(t, res.Entries[0].TransactedAt.Equal(day), "got %s", res.Entries[0].TransactedAt)

	// WHEN: A deal dated earlier is booked after it
	late := wholesale("50", "50", "0")
	late.DealDate = time.Date(2024, 2, 20, 0, 0, 0, 0, time.UTC)
	res2, err := f.svc.CreateDeal(ctx, late, "trader")

	// THEN: It is accepted and lifted to the latest entry, keeping ledger order
	require.NoError(t, err)
	assert.True(t, res2.Entries[0].TransactedAt.Equal(day))

	rec, err := f.engine.Reconcile(ctx, inventory.PairKey{WarehouseID: "wh-north", Product: inventory.ProductKerosene})
	require.NoError(t, err)
	assert.True(t, rec.Matches)
}

func TestDeal_Validation(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*deals.Deal)
		field string
	}{
		{"bad type", func(x *deals.Deal) { x.Type = "barter" }, "type"},
		{"no supplier", func(x *deals.Deal) { x.SupplierID = "" }, "supplier_id"},
		{"no basis", func(x *deals.Deal) { x.BasisID = "" }, "basis_id"},
		{"zero quantity", func(x *deals.Deal) { x.Quantity = decimal.Zero }, "quantity"},
		{"negative price", func(x *deals.Deal) { x.PurchasePrice = d("-1") }, "purchase_price"},
		{"no date", func(x *deals.Deal) { x.DealDate = time.Time{} }, "deal_date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := wholesale("10", "50", "0")
			tt.edit(&x)
			var verr *inventory.ValidationError
			require.ErrorAs(t, x.Validate(), &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

// =============================================================================
// TRANSFERS
// =============================================================================

func TestTransfer_LifeCycle(t *testing.T) {
	// GIVEN: north holds 1000 @ 50, south holds 100 @ 40
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateDeal(ctx, wholesale("1000", "50", "0"), "trader")
	require.NoError(t, err)
	south := wholesale("100", "40", "0")
	south.ReceiptWarehouseID = "wh-south"
	_, err = f.svc.CreateDeal(ctx, south, "trader")
	require.NoError(t, err)

	// WHEN: 100 moves north -> south
	tr := deals.Transfer{
		FromWarehouseID: "wh-north",
		ToWarehouseID:   "wh-south",
		Product:         inventory.ProductKerosene,
		Quantity:        d("100"),
		TransferDate:    time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
	}
	res, err := f.svc.CreateTransfer(ctx, tr, "ops")
	require.NoError(t, err)

	// THEN: Value follows the fuel, (100*40 + 100*50)/200 = 45
	require.Len(t, res.Entries, 2)
	assert.Equal(t, inventory.KindTransferOut, res.Entries[0].Kind)
	assert.Equal(t, inventory.KindTransferIn, res.Entries[1].Kind)
	assertDecimal(t, "900", f.position(t, "wh-north").Balance)
	assertDecimal(t, "50", f.position(t, "wh-north").AverageCost)
	assertDecimal(t, "200", f.position(t, "wh-south").Balance)
	assertDecimal(t, "45", f.position(t, "wh-south").AverageCost)

	// AND: Updating to 50 reposts both legs
	upd := res.Record
	upd.Quantity = d("50")
	ures, err := f.svc.UpdateTransfer(ctx, upd, "ops")
	require.NoError(t, err)
	assert.Len(t, ures.Reversals, 2)
	assertDecimal(t, "950", f.position(t, "wh-north").Balance)
	assertDecimal(t, "150", f.position(t, "wh-south").Balance)

	// AND: Deleting restores both sides
	_, err = f.svc.DeleteTransfer(ctx, res.Record.ID, "ops")
	require.NoError(t, err)
	assertDecimal(t, "1000", f.position(t, "wh-north").Balance)
	south40 := f.position(t, "wh-south")
	assertDecimal(t, "100", south40.Balance)
	assertDecimal(t, "40", south40.AverageCost)

	_, err = f.svc.GetTransfer(ctx, res.Record.ID)
	assert.ErrorIs(t, err, deals.ErrTransferNotFound)
}

func TestTransfer_SameWarehouseRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateTransfer(context.Background(), deals.Transfer{
		FromWarehouseID: "wh-north",
		ToWarehouseID:   "wh-north",
		Product:         inventory.ProductKerosene,
		Quantity:        d("10"),
		TransferDate:    time.Now(),
	}, "ops")
	assert.ErrorIs(t, err, inventory.ErrValidation)
}
