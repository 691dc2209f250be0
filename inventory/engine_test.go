package inventory_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fuel-ledger/inventory"
	"github.com/warp/fuel-ledger/inventory/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock() *stepClock {
	return &stepClock{t: time.Date(2024, time.March, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newEngine(t *testing.T, opts ...inventory.Option) (*inventory.Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	ctx := context.Background()
	for _, id := range []inventory.WarehouseID{"wh-north", "wh-south"} {
		require.NoError(t, mem.CreateWarehouse(ctx, inventory.Warehouse{ID: id, Name: string(id)}))
	}
	clock := newStepClock()
	base := []inventory.Option{inventory.WithClock(clock.Now), inventory.WithLogger(quietLogger())}
	return inventory.NewEngine(mem, append(base, opts...)...), mem
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func p(s string) *decimal.Decimal { return inventory.Price(d(s)) }

func receipt(wh inventory.WarehouseID, qty, price string) inventory.Movement {
	return inventory.Movement{
		WarehouseID: wh,
		Product:     inventory.ProductKerosene,
		Kind:        inventory.KindReceipt,
		Quantity:    d(qty),
		UnitPrice:   p(price),
		Source:      inventory.SourceRef{Kind: inventory.SourceManual, ID: "test"},
		Actor:       "tester",
	}
}

func outflow(wh inventory.WarehouseID, kind inventory.Kind, qty string) inventory.Movement {
	return inventory.Movement{
		WarehouseID: wh,
		Product:     inventory.ProductKerosene,
		Kind:        kind,
		Quantity:    d(qty).Neg(),
		Source:      inventory.SourceRef{Kind: inventory.SourceManual, ID: "test"},
		Actor:       "tester",
	}
}

func position(t *testing.T, mem *store.Memory, wh inventory.WarehouseID) inventory.Position {
	t.Helper()
	pos, err := mem.GetPosition(context.Background(), inventory.PairKey{WarehouseID: wh, Product: inventory.ProductKerosene})
	require.NoError(t, err)
	return pos
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msg ...any) {
	t.Helper()
	assert.Truef(t, d(want).Equal(got), "want %s, got %s %v", want, got, msg)
}

// =============================================================================
// WEIGHTED AVERAGE COST
// =============================================================================

func TestEngine_ReceiveReceiveSell_Scenario(t *testing.T) {
	// GIVEN: An empty warehouse
	engine, _ := newEngine(t)
	ctx := context.Background()

	// WHEN: 1000kg @ 50.00 arrive
	e1, err := engine.ApplyMovement(ctx, receipt("wh-north", "1000", "50.00"))
	require.NoError(t, err)

	// THEN: balance 1000, cost 50
	assertDecimal(t, "1000", e1.BalanceAfter)
	assertDecimal(t, "50", e1.AverageCostAfter)
	assertDecimal(t, "0", e1.BalanceBefore)
	assertDecimal(t, "50000", *e1.TotalSum)

	// WHEN: 500kg @ 56.00 arrive
	e2, err := engine.ApplyMovement(ctx, receipt("wh-north", "500", "56.00"))
	require.NoError(t, err)

	// THEN: cost = (1000*50 + 500*56) / 1500 = 52
	assertDecimal(t, "1500", e2.BalanceAfter)
	assertDecimal(t, "52", e2.AverageCostAfter)
	assertDecimal(t, "50", e2.AverageCostBefore)

	// WHEN: 600kg are sold
	e3, err := engine.ApplyMovement(ctx, outflow("wh-north", inventory.KindSale, "600"))
	require.NoError(t, err)

	// THEN: balance 900, cost unchanged
	assertDecimal(t, "900", e3.BalanceAfter)
	assertDecimal(t, "52", e3.AverageCostAfter)
	assert.Nil(t, e3.Warning())
	assert.Equal(t, int64(3), e3.Sequence)
}

func TestEngine_WeightedAverage_MatchesTrueAverage(t *testing.T) {
	// GIVEN: A sequence of priced receipts into a fresh account
	engine, mem := newEngine(t)
	ctx := context.Background()

	lots := []struct{ qty, price string }{
		{"1000", "50.00"}, {"300", "51.17"}, {"725.5", "49.93"}, {"12", "61.01"},
		{"4000", "47.333"}, {"0.75", "80"}, {"999", "52.5"}, {"333", "53.125"},
	}

	totalQty, totalValue := decimal.Zero, decimal.Zero
	for _, lot := range lots {
		_, err := engine.ApplyMovement(ctx, receipt("wh-north", lot.qty, lot.price))
		require.NoError(t, err)
		totalQty = totalQty.Add(d(lot.qty))
		totalValue = totalValue.Add(d(lot.qty).Mul(d(lot.price)))
	}

	// THEN: average cost equals the quantity-weighted mean of all prices
	pos := position(t, mem, "wh-north")
	want := totalValue.Div(totalQty)
	assert.True(t, pos.AverageCost.Sub(want).Abs().LessThan(d("0.000001")),
		"avg cost %s, true average %s", pos.AverageCost, want)
	assertDecimal(t, totalQty.String(), pos.Balance)
}

func TestEngine_Outflows_DoNotChangeCost(t *testing.T) {
	engine, _ := newEngine(t)
	ctx := context.Background()

	_, err := engine.ApplyMovement(ctx, receipt("wh-north", "1300", "50.2"))
	require.NoError(t, err)

	for _, kind := range []inventory.Kind{inventory.KindSale, inventory.KindTransferOut, inventory.KindConsumption} {
		e, err := engine.ApplyMovement(ctx, outflow("wh-north", kind, "100"))
		require.NoError(t, err, kind)
		assert.True(t, e.AverageCostBefore.Equal(e.AverageCostAfter), "kind %s moved cost", kind)
		assert.False(t, e.ChangedCost())
	}
}

func TestEngine_UnpricedReceipt_KeepsCost(t *testing.T) {
	engine, _ := newEngine(t)
	ctx := context.Background()

	_, err := engine.ApplyMovement(ctx, receipt("wh-north", "100", "40"))
	require.NoError(t, err)

	m := receipt("wh-north", "100", "1")
	m.UnitPrice = nil
	e, err := engine.ApplyMovement(ctx, m)
	require.NoError(t, err)

	assertDecimal(t, "200", e.BalanceAfter)
	assertDecimal(t, "40", e.AverageCostAfter)
	assert.Nil(t, e.UnitPrice)
}

func TestEngine_TotalSumOnly_DerivesUnitPrice(t *testing.T) {
	engine, _ := newEngine(t)

	m := receipt("wh-north", "400", "1")
	m.UnitPrice = nil
	m.TotalSum = p("22000")
	e, err := engine.ApplyMovement(context.Background(), m)
	require.NoError(t, err)

	assertDecimal(t, "55", *e.UnitPrice)
	assertDecimal(t, "55", e.AverageCostAfter)
}

func TestEngine_ZeroBalance_OldCostHasNoWeight(t *testing.T) {
	// GIVEN: Stock fully sold, cost retained at 50
	engine, _ := newEngine(t)
	ctx := context.Background()
	_, err := engine.ApplyMovement(ctx, receipt("wh-north", "100", "50"))
	require.NoError(t, err)
	e, err := engine.ApplyMovement(ctx, outflow("wh-north", inventory.KindSale, "100"))
	require.NoError(t, err)
	assertDecimal(t, "0", e.BalanceAfter)
	assertDecimal(t, "50", e.AverageCostAfter)

	// WHEN: New stock arrives at 60
	e, err = engine.ApplyMovement(ctx, receipt("wh-north", "10", "60"))
	require.NoError(t, err)

	// THEN: The retained 50 does not dilute the new cost
	assertDecimal(t, "60", e.AverageCostAfter)
}

// =============================================================================
// NEGATIVE BALANCE POLICY
// =============================================================================

func TestEngine_Clamp_ReportsShortfall(t *testing.T) {
	// GIVEN: 10kg in stock, clamp policy (default)
	engine, mem := newEngine(t)
	ctx := context.Background()
	_, err := engine.ApplyMovement(ctx, receipt("wh-north", "10", "50"))
	require.NoError(t, err)

	// WHEN: 50kg are sold
	e, err := engine.ApplyMovement(ctx, outflow("wh-north", inventory.KindSale, "50"))

	// THEN: Not an error, balance floors at 0 and the warning carries -40
	require.NoError(t, err)
	assertDecimal(t, "0", e.BalanceAfter)
	assertDecimal(t, "-10", e.Quantity)
	assertDecimal(t, "-50", e.Requested)
	assertDecimal(t, "40", e.Shortfall)

	w := e.Warning()
	require.NotNil(t, w)
	assertDecimal(t, "10", w.Available)
	assertDecimal(t, "50", w.Requested)
	assertDecimal(t, "40", w.Shortfall)
	assert.True(t, errors.Is(w, inventory.ErrInsufficientBalance))

	assertDecimal(t, "0", position(t, mem, "wh-north").Balance)
}

func TestEngine_Reject_WritesNothing(t *testing.T) {
	engine, mem := newEngine(t, inventory.WithPolicy(inventory.PolicyReject))
	ctx := context.Background()
	_, err := engine.ApplyMovement(ctx, receipt("wh-north", "10", "50"))
	require.NoError(t, err)

	_, err = engine.ApplyMovement(ctx, outflow("wh-north", inventory.KindConsumption, "25"))

	var ibe *inventory.InsufficientBalanceError
	require.ErrorAs(t, err, &ibe)
	assertDecimal(t, "15", ibe.Shortfall)
	assertDecimal(t, "10", ibe.Available)
	assert.True(t, inventory.IsClientError(err))

	pos := position(t, mem, "wh-north")
	assertDecimal(t, "10", pos.Balance)
	assert.Equal(t, int64(1), pos.Version)
}

func TestEngine_Allow_GoesNegative(t *testing.T) {
	engine, _ := newEngine(t, inventory.WithPolicy(inventory.PolicyAllow))
	ctx := context.Background()

	e, err := engine.ApplyMovement(ctx, outflow("wh-north", inventory.KindSale, "25"))
	require.NoError(t, err)
	assertDecimal(t, "-25", e.BalanceAfter)
	assert.Nil(t, e.Warning())

	// A receipt into a negative balance is weighted by the incoming lot only
	e, err = engine.ApplyMovement(ctx, receipt("wh-north", "100", "56"))
	require.NoError(t, err)
	assertDecimal(t, "75", e.BalanceAfter)
	assertDecimal(t, "56", e.AverageCostAfter)
}

// =============================================================================
// REVERSALS
// =============================================================================

func TestEngine_Reverse_RestoresExactly(t *testing.T) {
	// GIVEN: 1000 @ 50 then 300 @ 51 (cost is a repeating decimal)
	engine, mem := newEngine(t)
	ctx := context.Background()
	_, err := engine.ApplyMovement(ctx, receipt("wh-north", "1000", "50"))
	require.NoError(t, err)
	before := position(t, mem, "wh-north")

	e, err := engine.ApplyMovement(ctx, receipt("wh-north", "300", "51"))
	require.NoError(t, err)
	require.False(t, e.AverageCostAfter.Equal(before.AverageCost))

	// WHEN: The second receipt is reversed
	rev, err := engine.Reverse(ctx, e.ID, "tester", "wrong lot")
	require.NoError(t, err)

	// THEN: Balance and cost are exactly the pre-movement values
	after := position(t, mem, "wh-north")
	assert.True(t, after.Balance.Equal(before.Balance))
	assert.True(t, after.AverageCost.Equal(before.AverageCost), "cost %s != %s", after.AverageCost, before.AverageCost)
	assert.Equal(t, inventory.KindReversal, rev.Kind)
	assert.Equal(t, e.ID, rev.ReversesID)
	assert.Equal(t, inventory.KindReceipt, rev.ReversedKind)
	assertDecimal(t, "-300", rev.Quantity)
}

func TestEngine_Reverse_ClampedSale_RestoresBalance(t *testing.T) {
	engine, mem := newEngine(t)
	ctx := context.Background()
	_, err := engine.ApplyMovement(ctx, receipt("wh-north", "10", "50"))
	require.NoError(t, err)

	sale, err := engine.ApplyMovement(ctx, outflow("wh-north", inventory.KindSale, "50"))
	require.NoError(t, err)

	_, err = engine.Reverse(ctx, sale.ID, "tester", "")
	require.NoError(t, err)

	pos := position(t, mem, "wh-north")
	assertDecimal(t, "10", pos.Balance)
	assertDecimal(t, "50", pos.AverageCost)
}

func TestEngine_Reverse_WithInterveningMovements_Unweights(t *testing.T) {
	// GIVEN: 1000@50, 500@56 (cost 52), then a sale moves the balance
	engine, mem := newEngine(t)
	ctx := context.Background()
	_, err := engine.ApplyMovement(ctx, receipt("wh-north", "1000", "50"))
	require.NoError(t, err)
	lot, err := engine.ApplyMovement(ctx, receipt("wh-north", "500", "56"))
	require.NoError(t, err)
	_, err = engine.ApplyMovement(ctx, outflow("wh-north", inventory.KindSale, "500"))
	require.NoError(t, err)

	// WHEN: The 56 lot is reversed after the sale
	_, err = engine.Reverse(ctx, lot.ID, "tester", "")
	require.NoError(t, err)

	// THEN: (1000*52 - 500*56) / 500 = 48
	pos := position(t, mem, "wh-north")
	assertDecimal(t, "500", pos.Balance)
	assertDecimal(t, "48", pos.AverageCost)
}

func TestEngine_Reverse_Twice_Rejected(t *testing.T) {
	engine, _ := newEngine(t)
	ctx := context.Background()
	e, err := engine.ApplyMovement(ctx, receipt("wh-north", "10", "50"))
	require.NoError(t, err)

	rev, err := engine.Reverse(ctx, e.ID, "tester", "")
	require.NoError(t, err)

	_, err = engine.Reverse(ctx, e.ID, "tester", "")
	assert.ErrorIs(t, err, inventory.ErrAlreadyReversed)

	_, err = engine.Reverse(ctx, rev.ID, "tester", "")
	assert.ErrorIs(t, err, inventory.ErrReverseReversal)

	_, err = engine.Reverse(ctx, "missing", "tester", "")
	assert.ErrorIs(t, err, inventory.ErrEntryNotFound)
}

func TestEngine_ReverseSource_UndoesAllLegs(t *testing.T) {
	// GIVEN: A deal that received 100@40 and issued 30 from the same pair
	engine, mem := newEngine(t)
	ctx := context.Background()
	_, err := engine.ApplyMovement(ctx, receipt("wh-north", "200", "50"))
	require.NoError(t, err)
	before := position(t, mem, "wh-north")

	src := inventory.SourceRef{Kind: inventory.SourceDeal, ID: "deal-7"}
	in := receipt("wh-north", "100", "40")
	in.Source = src
	out := outflow("wh-north", inventory.KindSale, "30")
	out.Source = src
	_, err = engine.ApplyMovements(ctx, []inventory.Movement{in, out})
	require.NoError(t, err)

	// WHEN: The deal is reversed
	revs, err := engine.ReverseSource(ctx, src, "tester", "deal deleted")
	require.NoError(t, err)

	// THEN: Two reversals, newest leg first, and the position is restored
	require.Len(t, revs, 2)
	assert.Equal(t, inventory.KindSale, revs[0].ReversedKind)
	assert.Equal(t, inventory.KindReceipt, revs[1].ReversedKind)
	after := position(t, mem, "wh-north")
	assert.True(t, after.Balance.Equal(before.Balance))
	assert.True(t, after.AverageCost.Equal(before.AverageCost))

	// AND: A second ReverseSource finds nothing live
	revs, err = engine.ReverseSource(ctx, src, "tester", "")
	require.NoError(t, err)
	assert.Empty(t, revs)
}

func TestEngine_Repost_ReplacesLegs(t *testing.T) {
	// GIVEN: 200@50 on hand and a deal that received 100@40
	engine, mem := newEngine(t)
	ctx := context.Background()
	_, err := engine.ApplyMovement(ctx, receipt("wh-north", "200", "50"))
	require.NoError(t, err)

	src := inventory.SourceRef{Kind: inventory.SourceDeal, ID: "deal-8"}
	in := receipt("wh-north", "100", "40")
	in.Source = src
	_, err = engine.ApplyMovement(ctx, in)
	require.NoError(t, err)

	// WHEN: The deal is edited to 200@40
	edited := receipt("wh-north", "200", "40")
	edited.Source = src
	revs, entries, err := engine.Repost(ctx, src, []inventory.Movement{edited}, "tester", "quantity corrected")

	// THEN: The old leg is reversed, the new one applied
	require.NoError(t, err)
	require.Len(t, revs, 1)
	require.Len(t, entries, 1)
	assertDecimal(t, "50", revs[0].AverageCostAfter, "snap back before the new leg")

	// AND: (200*50 + 200*40) / 400 = 45
	pos := position(t, mem, "wh-north")
	assertDecimal(t, "400", pos.Balance)
	assertDecimal(t, "45", pos.AverageCost)
}

func TestEngine_Repost_FailureKeepsOldLegs(t *testing.T) {
	// GIVEN: Reject policy and a deal that received 100@40
	engine, mem := newEngine(t, inventory.WithPolicy(inventory.PolicyReject))
	ctx := context.Background()
	src := inventory.SourceRef{Kind: inventory.SourceDeal, ID: "deal-9"}
	in := receipt("wh-north", "100", "40")
	in.Source = src
	_, err := engine.ApplyMovement(ctx, in)
	require.NoError(t, err)
	before := position(t, mem, "wh-north")

	// WHEN: The repost would sell more than is left once the receipt is gone
	sale := outflow("wh-north", inventory.KindSale, "10")
	sale.Source = src
	_, _, err = engine.Repost(ctx, src, []inventory.Movement{sale}, "tester", "")

	// THEN: Nothing changed, the receipt is still live
	require.ErrorIs(t, err, inventory.ErrInsufficientBalance)
	after := position(t, mem, "wh-north")
	assert.True(t, after.Balance.Equal(before.Balance))
	assert.Equal(t, before.Version, after.Version)

	live, err := engine.ReverseSource(ctx, src, "tester", "")
	require.NoError(t, err)
	assert.Len(t, live, 1)
}

func TestEngine_Repost_RejectsForeignSource(t *testing.T) {
	engine, _ := newEngine(t)
	src := inventory.SourceRef{Kind: inventory.SourceDeal, ID: "deal-10"}

	_, _, err := engine.Repost(context.Background(), src, []inventory.Movement{receipt("wh-north", "1", "1")}, "tester", "")

	require.ErrorIs(t, err, inventory.ErrValidation)
}

// =============================================================================
// REPLAY
// =============================================================================

func TestEngine_Replay_ReproducesPosition(t *testing.T) {
	// GIVEN: A mixed history with a clamp and a reversal
	engine, mem := newEngine(t)
	ctx := context.Background()
	moves := []inventory.Movement{
		receipt("wh-north", "1000", "50"),
		receipt("wh-north", "300", "51"),
		outflow("wh-north", inventory.KindSale, "700"),
		receipt("wh-north", "120.5", "49.99"),
		outflow("wh-north", inventory.KindConsumption, "2000"), // clamped
		receipt("wh-north", "10", "60"),
	}
	var last inventory.Entry
	for _, m := range moves {
		e, err := engine.ApplyMovement(ctx, m)
		require.NoError(t, err)
		last = e
	}
	_, err := engine.Reverse(ctx, last.ID, "tester", "")
	require.NoError(t, err)
	_, err = engine.ApplyMovement(ctx, receipt("wh-north", "77", "51.3"))
	require.NoError(t, err)

	// WHEN: The history is replayed from zero
	key := inventory.PairKey{WarehouseID: "wh-north", Product: inventory.ProductKerosene}
	entries, err := mem.LoadEntries(ctx, key)
	require.NoError(t, err)
	replayed, err := inventory.Replay(key, entries)
	require.NoError(t, err)

	// THEN: It lands on the stored position
	stored := position(t, mem, "wh-north")
	assert.True(t, stored.Balance.Equal(replayed.Balance), "balance %s vs %s", stored.Balance, replayed.Balance)
	assert.True(t, stored.AverageCost.Equal(replayed.AverageCost), "cost %s vs %s", stored.AverageCost, replayed.AverageCost)
	assert.Equal(t, stored.Version, replayed.Version)
	require.NoError(t, inventory.VerifyChain(entries))

	rec, err := engine.Reconcile(ctx, key)
	require.NoError(t, err)
	assert.True(t, rec.Matches)
	assert.Equal(t, len(entries), rec.Entries)
}

// =============================================================================
// ATOMICITY AND VALIDATION
// =============================================================================

func TestEngine_FailedEntryWrite_LeavesPositionUntouched(t *testing.T) {
	engine, mem := newEngine(t, inventory.WithRetries(0))
	ctx := context.Background()
	_, err := engine.ApplyMovement(ctx, receipt("wh-north", "100", "50"))
	require.NoError(t, err)

	// WHEN: The entry write fails after the position write
	mem.FailNextAppend(errors.New("disk full"))
	_, err = engine.ApplyMovement(ctx, receipt("wh-north", "100", "70"))
	require.Error(t, err)

	// THEN: Neither change is visible
	pos := position(t, mem, "wh-north")
	assertDecimal(t, "100", pos.Balance)
	assertDecimal(t, "50", pos.AverageCost)
	page, err := engine.Entries(ctx, inventory.EntryQuery{WarehouseID: "wh-north"})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestEngine_BatchFailure_RollsBackEarlierLegs(t *testing.T) {
	engine, mem := newEngine(t, inventory.WithPolicy(inventory.PolicyReject))
	ctx := context.Background()

	_, err := engine.ApplyMovements(ctx, []inventory.Movement{
		receipt("wh-south", "100", "50"),
		outflow("wh-north", inventory.KindTransferOut, "100"),
	})
	require.ErrorIs(t, err, inventory.ErrInsufficientBalance)
	assertDecimal(t, "0", position(t, mem, "wh-south").Balance)
}

func TestEngine_Validation(t *testing.T) {
	engine, _ := newEngine(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(m *inventory.Movement)
	}{
		{"zero quantity", func(m *inventory.Movement) { m.Quantity = decimal.Zero }},
		{"receipt with negative delta", func(m *inventory.Movement) { m.Quantity = d("-5") }},
		{"sale with positive delta", func(m *inventory.Movement) { m.Kind = inventory.KindSale }},
		{"unknown product", func(m *inventory.Movement) { m.Product = "diesel" }},
		{"unknown kind", func(m *inventory.Movement) { m.Kind = "gift" }},
		{"reversal kind", func(m *inventory.Movement) { m.Kind = inventory.KindReversal }},
		{"negative price", func(m *inventory.Movement) { m.UnitPrice = p("-1") }},
		{"missing source", func(m *inventory.Movement) { m.Source = inventory.SourceRef{} }},
		{"missing warehouse", func(m *inventory.Movement) { m.WarehouseID = "" }},
		{"cost source on outflow", func(m *inventory.Movement) {
			m.Kind = inventory.KindSale
			m.Quantity = d("-1")
			m.CostFrom = &inventory.PairKey{WarehouseID: "wh-south", Product: inventory.ProductKerosene}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := receipt("wh-north", "10", "50")
			tt.mutate(&m)
			_, err := engine.ApplyMovement(ctx, m)
			assert.ErrorIs(t, err, inventory.ErrValidation)
		})
	}
}

func TestEngine_WarehouseNotFound(t *testing.T) {
	engine, mem := newEngine(t)
	ctx := context.Background()

	_, err := engine.ApplyMovement(ctx, receipt("wh-ghost", "10", "50"))
	assert.ErrorIs(t, err, inventory.ErrWarehouseNotFound)
	assert.True(t, inventory.IsNotFound(err))

	require.NoError(t, mem.SoftDeleteWarehouse(ctx, "wh-south", "admin", time.Now()))
	_, err = engine.ApplyMovement(ctx, receipt("wh-south", "10", "50"))
	assert.ErrorIs(t, err, inventory.ErrWarehouseNotFound)

	_, err = engine.Snapshot(ctx, "wh-south")
	assert.ErrorIs(t, err, inventory.ErrWarehouseNotFound)
}

func TestEngine_Backdated_Rejected(t *testing.T) {
	engine, _ := newEngine(t)
	ctx := context.Background()

	m := receipt("wh-north", "10", "50")
	m.TransactedAt = time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	_, err := engine.ApplyMovement(ctx, m)
	require.NoError(t, err)

	m.TransactedAt = time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC)
	_, err = engine.ApplyMovement(ctx, m)
	assert.ErrorIs(t, err, inventory.ErrBackdated)

	// Engine-stamped movements are lifted to the latest timestamp
	e, err := engine.ApplyMovement(ctx, receipt("wh-north", "1", "50"))
	require.NoError(t, err)
	assert.False(t, e.TransactedAt.Before(time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)))
}

func TestEngine_Backdated_LiftedWhenAsked(t *testing.T) {
	// GIVEN: a pair whose latest entry is June 1
	engine, _ := newEngine(t)
	ctx := context.Background()
	june := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	m := receipt("wh-north", "10", "50")
	m.TransactedAt = june
	_, err := engine.ApplyMovement(ctx, m)
	require.NoError(t, err)

	// WHEN: a May movement asks to be lifted
	m = receipt("wh-north", "10", "70")
	m.TransactedAt = time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC)
	m.LiftBackdated = true
	e, err := engine.ApplyMovement(ctx, m)

	// THEN: it lands on June 1 and replay agrees with the stored position
	require.NoError(t, err)
	assert.True(t, e.TransactedAt.Equal(june), "got %s", e.TransactedAt)
	assert.True(t, e.AverageCostAfter.Equal(d("60")), "got %s", e.AverageCostAfter)
	rec, err := engine.Reconcile(ctx, inventory.PairKey{WarehouseID: "wh-north", Product: inventory.ProductKerosene})
	require.NoError(t, err)
	assert.True(t, rec.Matches)

	// An explicit later date is kept as given
	m = receipt("wh-north", "1", "60")
	m.TransactedAt = time.Date(2024, time.July, 1, 0, 0, 0, 0, time.UTC)
	m.LiftBackdated = true
	e, err = engine.ApplyMovement(ctx, m)
	require.NoError(t, err)
	assert.True(t, e.TransactedAt.Equal(m.TransactedAt))
}

// =============================================================================
// TRANSFERS
// =============================================================================

func TestEngine_Transfer_CarriesSourceCost(t *testing.T) {
	engine, mem := newEngine(t)
	ctx := context.Background()
	_, err := engine.ApplyMovement(ctx, receipt("wh-north", "1000", "52"))
	require.NoError(t, err)
	_, err = engine.ApplyMovement(ctx, receipt("wh-south", "100", "40"))
	require.NoError(t, err)

	src := inventory.SourceRef{Kind: inventory.SourceTransfer, ID: "tr-1"}
	northKey := inventory.PairKey{WarehouseID: "wh-north", Product: inventory.ProductKerosene}
	out := outflow("wh-north", inventory.KindTransferOut, "300")
	out.Source = src
	in := inventory.Movement{
		WarehouseID: "wh-south", Product: inventory.ProductKerosene, Kind: inventory.KindTransferIn,
		Quantity: d("300"), Source: src, CostFrom: &northKey,
	}
	entries, err := engine.ApplyMovements(ctx, []inventory.Movement{out, in})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// THEN: north keeps cost 52, south blends 100@40 with 300@52 = 49
	assertDecimal(t, "700", position(t, mem, "wh-north").Balance)
	assertDecimal(t, "52", position(t, mem, "wh-north").AverageCost)
	assertDecimal(t, "400", position(t, mem, "wh-south").Balance)
	assertDecimal(t, "49", position(t, mem, "wh-south").AverageCost)
	assertDecimal(t, "52", *entries[1].UnitPrice)
}

// =============================================================================
// QUERIES
// =============================================================================

func TestEngine_Entries_NewestFirstPaginated(t *testing.T) {
	engine, _ := newEngine(t)
	ctx := context.Background()
	var ids []inventory.EntryID
	for i := 1; i <= 5; i++ {
		e, err := engine.ApplyMovement(ctx, receipt("wh-north", fmt.Sprint(i), "50"))
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}

	page, err := engine.Entries(ctx, inventory.EntryQuery{WarehouseID: "wh-north", Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, ids[3], page.Entries[0].ID)
	assert.Equal(t, ids[2], page.Entries[1].ID)

	page, err = engine.Entries(ctx, inventory.EntryQuery{WarehouseID: "wh-north", Product: inventory.ProductAdditive})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
	assert.NotNil(t, page.Entries)

	_, err = engine.Entries(ctx, inventory.EntryQuery{WarehouseID: "wh-ghost"})
	assert.ErrorIs(t, err, inventory.ErrWarehouseNotFound)
}

func TestEngine_Snapshot_ListsEveryProduct(t *testing.T) {
	engine, _ := newEngine(t)
	ctx := context.Background()
	_, err := engine.ApplyMovement(ctx, receipt("wh-north", "10", "50"))
	require.NoError(t, err)

	snap, err := engine.Snapshot(ctx, "wh-north")
	require.NoError(t, err)
	require.Len(t, snap.Positions, 2)

	byProduct := map[inventory.Product]inventory.Position{}
	for _, pos := range snap.Positions {
		byProduct[pos.Product] = pos
	}
	assertDecimal(t, "10", byProduct[inventory.ProductKerosene].Balance)
	assertDecimal(t, "0", byProduct[inventory.ProductAdditive].Balance)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestEngine_ConcurrentMovements_NoLostUpdates(t *testing.T) {
	// GIVEN: N goroutines hitting the same pair
	engine, mem := newEngine(t, inventory.WithPolicy(inventory.PolicyAllow))
	ctx := context.Background()
	const n = 64

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := receipt("wh-north", "10", "50")
			if i%4 == 0 {
				m = outflow("wh-north", inventory.KindSale, "5")
			}
			_, err := engine.ApplyMovement(ctx, m)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// THEN: 48 receipts of 10 and 16 sales of 5 = 400
	pos := position(t, mem, "wh-north")
	assertDecimal(t, "400", pos.Balance)
	assert.Equal(t, int64(n), pos.Version)

	key := inventory.PairKey{WarehouseID: "wh-north", Product: inventory.ProductKerosene}
	entries, err := mem.LoadEntries(ctx, key)
	require.NoError(t, err)
	require.NoError(t, inventory.VerifyChain(entries))
}

// optimisticStore runs transactions without a store-wide lock. Reads see
// committed data; writes are buffered and checked against the stored
// position version at commit, the way a row-versioned SQL database
// behaves under read committed.
type optimisticStore struct {
	*store.Memory
	conflicts atomic.Int64
	afterRead func() // called after every in-tx position read
}

type positionWrite struct {
	pos      inventory.Position
	expected int64
}

type optimisticTx struct {
	inventory.Store
	owner     *optimisticStore
	positions []positionWrite
	entries   []inventory.Entry
}

func (o *optimisticStore) WithTx(ctx context.Context, fn func(inventory.Store) error) error {
	tx := &optimisticTx{Store: o.Memory, owner: o}
	if err := fn(tx); err != nil {
		return err
	}
	err := o.Memory.WithTx(ctx, func(s inventory.Store) error {
		for _, w := range tx.positions {
			if err := s.SavePosition(ctx, w.pos, w.expected); err != nil {
				return err
			}
		}
		for _, e := range tx.entries {
			if err := s.AppendEntry(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, inventory.ErrConcurrentModification) {
		o.conflicts.Add(1)
	}
	return err
}

func (tx *optimisticTx) GetPosition(ctx context.Context, k inventory.PairKey) (inventory.Position, error) {
	pos, err := tx.Store.GetPosition(ctx, k)
	if tx.owner.afterRead != nil {
		tx.owner.afterRead()
	}
	return pos, err
}

func (tx *optimisticTx) SavePosition(_ context.Context, pos inventory.Position, expected int64) error {
	tx.positions = append(tx.positions, positionWrite{pos: pos, expected: expected})
	return nil
}

func (tx *optimisticTx) AppendEntry(_ context.Context, e inventory.Entry) error {
	tx.entries = append(tx.entries, e)
	return nil
}

type nopLocker struct{}

func (nopLocker) Lock(context.Context, string) (func(), error) { return func() {}, nil }

func newOptimisticEngine(t *testing.T, locker inventory.Locker, opts ...inventory.Option) (*inventory.Engine, *optimisticStore) {
	t.Helper()
	mem := store.NewMemory()
	require.NoError(t, mem.CreateWarehouse(context.Background(), inventory.Warehouse{ID: "wh-north", Name: "north"}))
	opt := &optimisticStore{Memory: mem}
	base := []inventory.Option{
		inventory.WithClock(newStepClock().Now),
		inventory.WithLogger(quietLogger()),
		inventory.WithLocker(locker),
	}
	return inventory.NewEngine(opt, append(base, opts...)...), opt
}

// pairUp holds the first two position reads until both have happened or
// wait runs out.
func pairUp(wait time.Duration) func() {
	var mu sync.Mutex
	arrived := 0
	both := make(chan struct{})
	return func() {
		mu.Lock()
		arrived++
		n := arrived
		if n == 2 {
			close(both)
		}
		mu.Unlock()
		if n > 2 {
			return
		}
		select {
		case <-both:
		case <-time.After(wait):
		}
	}
}

func applyTwoReceipts(t *testing.T, engine *inventory.Engine) {
	t.Helper()
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.ApplyMovement(context.Background(), receipt("wh-north", "10", "50"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestEngine_PairLock_PreventsInterleavedReads(t *testing.T) {
	// GIVEN: A store that does not serialize transactions, and the keyed mutex
	engine, opt := newOptimisticEngine(t, inventory.NewKeyedMutex())
	opt.afterRead = pairUp(100 * time.Millisecond)

	// WHEN: Two receipts race on the same pair
	applyTwoReceipts(t, engine)

	// THEN: The second read waited for the first commit: no version conflict
	assert.Zero(t, opt.conflicts.Load())
	pos, err := opt.GetPosition(context.Background(), inventory.PairKey{WarehouseID: "wh-north", Product: inventory.ProductKerosene})
	require.NoError(t, err)
	assertDecimal(t, "20", pos.Balance)
	assert.Equal(t, int64(2), pos.Version)
}

func TestEngine_WithoutPairLock_CASRetryKeepsBothUpdates(t *testing.T) {
	// GIVEN: The same store with a locker that locks nothing
	engine, opt := newOptimisticEngine(t, nopLocker{})
	opt.afterRead = pairUp(time.Second)

	// WHEN: Both receipts read version 0 before either commits
	applyTwoReceipts(t, engine)

	// THEN: One commit lost the version check and was retried
	assert.Equal(t, int64(1), opt.conflicts.Load())

	// AND: Neither update was lost
	key := inventory.PairKey{WarehouseID: "wh-north", Product: inventory.ProductKerosene}
	pos, err := opt.GetPosition(context.Background(), key)
	require.NoError(t, err)
	assertDecimal(t, "20", pos.Balance)
	entries, err := opt.LoadEntries(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.NoError(t, inventory.VerifyChain(entries))
}

func TestEngine_WithoutPairLock_RetriesExhausted(t *testing.T) {
	// GIVEN: No pair lock and no retries
	engine, opt := newOptimisticEngine(t, nopLocker{}, inventory.WithRetries(0))
	opt.afterRead = pairUp(time.Second)

	// WHEN: Two receipts race
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.ApplyMovement(context.Background(), receipt("wh-north", "10", "50"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	// THEN: The loser reports the conflict instead of overwriting
	var failed int
	for err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, inventory.ErrConcurrentModification)
			failed++
		}
	}
	assert.Equal(t, 1, failed)
	pos, err := opt.GetPosition(context.Background(), inventory.PairKey{WarehouseID: "wh-north", Product: inventory.ProductKerosene})
	require.NoError(t, err)
	assertDecimal(t, "10", pos.Balance)
}

func TestEngine_PairLock_ManyWritersOnNonSerializingStore(t *testing.T) {
	// GIVEN: 64 writers on a store that leaves isolation to the pair lock
	engine, opt := newOptimisticEngine(t, inventory.NewKeyedMutex(), inventory.WithPolicy(inventory.PolicyAllow))
	ctx := context.Background()
	const n = 64

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := receipt("wh-north", "10", "50")
			if i%4 == 0 {
				m = outflow("wh-north", inventory.KindSale, "5")
			}
			_, err := engine.ApplyMovement(ctx, m)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// THEN: Every writer saw the previous commit
	assert.Zero(t, opt.conflicts.Load())
	key := inventory.PairKey{WarehouseID: "wh-north", Product: inventory.ProductKerosene}
	pos, err := opt.GetPosition(ctx, key)
	require.NoError(t, err)
	assertDecimal(t, "400", pos.Balance)
	assert.Equal(t, int64(n), pos.Version)
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	km := inventory.NewKeyedMutex()
	unlock, err := km.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = km.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // idempotent
	unlock2, err := km.Lock(context.Background(), "k")
	require.NoError(t, err)
	unlock2()
}
