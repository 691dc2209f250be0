/*
replay.go - Position reconstruction from ledger history

PURPOSE:
  The ordered entry sequence is the source of truth. Replay folds it from
  (balance=0, averageCost=0) through the same Apply rules the Engine uses
  and must land on the stored Position. Reconcile reports any drift.

ORDERING:
  Entries are ordered by TransactedAt, then Sequence. The Engine refuses
  backdated movements, so this is also the order in which they were applied.

WHY APPLIED QUANTITY:
  Replay folds Entry.Quantity (the delta actually applied) with PolicyAllow.
  A clamp is already baked into Quantity, so history replays the same way
  even if the configured policy has changed since.

SEE ALSO:
  - cost.go: Apply
  - engine.go: Reconcile
*/
package inventory

import (
	"fmt"
	"sort"
)

// SortEntries orders entries for replay: TransactedAt, then Sequence.
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.TransactedAt.Equal(b.TransactedAt) {
			return a.TransactedAt.Before(b.TransactedAt)
		}
		return a.Sequence < b.Sequence
	})
}

// Replay rebuilds the position of one pair from its entries.
// The input slice is not modified.
func Replay(key PairKey, entries []Entry) (Position, error) {
	ordered := make([]Entry, len(entries))
	copy(ordered, entries)
	SortEntries(ordered)

	pos := Position{WarehouseID: key.WarehouseID, Product: key.Product}
	byID := make(map[EntryID]*Entry, len(ordered))

	for i := range ordered {
		e := &ordered[i]
		if e.Key() != key {
			return Position{}, fmt.Errorf("entry %s belongs to %s, not %s", e.ID, e.Key(), key)
		}

		step := Step{Kind: e.Kind, Quantity: e.Quantity, UnitPrice: e.UnitPrice, TotalSum: e.TotalSum}
		if e.Kind == KindReversal {
			orig, ok := byID[e.ReversesID]
			if !ok {
				return Position{}, fmt.Errorf("entry %s reverses unknown entry %s", e.ID, e.ReversesID)
			}
			step.Reverses = orig
		}

		out, err := Apply(pos, step, PolicyAllow)
		if err != nil {
			return Position{}, fmt.Errorf("replay entry %s: %w", e.ID, err)
		}
		pos.Balance = out.Balance
		pos.AverageCost = out.AverageCost
		pos.Version++
		pos.UpdatedAt = e.CreatedAt
		byID[e.ID] = e
	}
	return pos, nil
}

// VerifyChain checks that each entry's before-snapshot equals the previous
// entry's after-snapshot. It returns the first break found.
func VerifyChain(entries []Entry) error {
	ordered := make([]Entry, len(entries))
	copy(ordered, entries)
	SortEntries(ordered)

	for i := 1; i < len(ordered); i++ {
		prev, cur := ordered[i-1], ordered[i]
		if !prev.BalanceAfter.Equal(cur.BalanceBefore) || !prev.AverageCostAfter.Equal(cur.AverageCostBefore) {
			return fmt.Errorf("ledger chain broken between %s and %s", prev.ID, cur.ID)
		}
	}
	return nil
}
