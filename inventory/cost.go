/*
cost.go - Weighted-average cost arithmetic

PURPOSE:
  Pure functions that turn (position, movement) into the next position.
  The Engine calls Apply inside its transaction and Replay calls it when
  folding history, so both paths share one set of rules.

WEIGHTED AVERAGE:
  For a cost-affecting inflow of q units at unit price p:

    weight  = max(B0, 0)
    newCost = (weight*C0 + q*p) / (weight + q)   if B0 + q > 0
            = 0                                  otherwise

  For B0 >= 0 this is the moving-average formula. A negative balance
  (possible only under PolicyAllow) carries no weight.

  Outflows and unpriced inflows keep C0.

NEGATIVE BALANCE POLICY:
  clamp:  balance floors at zero, the missing quantity is the Shortfall
  reject: the movement fails with InsufficientBalanceError
  allow:  balance goes negative

REVERSALS:
  A reversal applies -original.Quantity. If the original moved the cost and
  the position still equals the original's after-state, the cost snaps back
  to the original's AverageCostBefore. Snapping keeps a reversal exact even
  when the forward division was rounded. Otherwise the original receipt is
  unweighted with the same formula and a negative q.

SEE ALSO:
  - engine.go: persists the outcome
  - replay.go: folds entries through Apply
*/
package inventory

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// NegativeBalancePolicy decides what happens when an outflow exceeds stock.
type NegativeBalancePolicy string

const (
	PolicyClamp  NegativeBalancePolicy = "clamp"
	PolicyReject NegativeBalancePolicy = "reject"
	PolicyAllow  NegativeBalancePolicy = "allow"
)

// ParseNegativeBalancePolicy parses a policy name. Empty means clamp.
func ParseNegativeBalancePolicy(s string) (NegativeBalancePolicy, error) {
	switch NegativeBalancePolicy(s) {
	case "", PolicyClamp:
		return PolicyClamp, nil
	case PolicyReject:
		return PolicyReject, nil
	case PolicyAllow:
		return PolicyAllow, nil
	}
	return "", fmt.Errorf("unknown negative balance policy %q", s)
}

// Step is one movement as seen by Apply.
type Step struct {
	Kind      Kind
	Quantity  decimal.Decimal
	UnitPrice *decimal.Decimal
	TotalSum  *decimal.Decimal
	Reverses  *Entry // required when Kind == KindReversal
}

// Outcome is the result of Apply.
type Outcome struct {
	Balance     decimal.Decimal
	AverageCost decimal.Decimal
	Applied     decimal.Decimal // delta actually applied
	Shortfall   decimal.Decimal // > 0 only when clamped
	UnitPrice   *decimal.Decimal
	TotalSum    *decimal.Decimal
}

// Apply computes the next position for pos after step under policy.
// It never mutates its inputs.
func Apply(pos Position, step Step, policy NegativeBalancePolicy) (Outcome, error) {
	b0, c0 := pos.Balance, pos.AverageCost
	q := step.Quantity

	unit, total := resolvePricing(q, step.UnitPrice, step.TotalSum)
	out := Outcome{UnitPrice: unit, TotalSum: total}

	newBalance := b0.Add(q)
	newCost := c0

	switch {
	case step.Kind == KindReversal:
		if step.Reverses == nil {
			return Outcome{}, Invalid("reverses", "reversal without original entry")
		}
		newCost = reversalCost(b0, c0, q, step.Reverses)
	case step.Kind.AffectsCost() && q.IsPositive() && unit != nil && unit.IsPositive():
		newCost = weightedCost(b0, c0, q, *unit)
	}

	out.Applied = q
	out.Shortfall = decimal.Zero

	if q.IsNegative() && newBalance.IsNegative() {
		switch policy {
		case PolicyReject:
			return Outcome{}, &InsufficientBalanceError{
				WarehouseID: pos.WarehouseID,
				Product:     pos.Product,
				Available:   b0,
				Requested:   q.Neg(),
				Shortfall:   q.Neg().Sub(decimal.Max(b0, decimal.Zero)),
			}
		case PolicyAllow:
			// balance goes negative as requested
		default:
			floor := decimal.Min(b0, decimal.Zero)
			clamped := decimal.Max(newBalance, floor)
			out.Applied = clamped.Sub(b0)
			out.Shortfall = out.Applied.Sub(q)
			newBalance = clamped
		}
	}

	out.Balance = newBalance
	out.AverageCost = newCost
	return out, nil
}

// weightedCost is the moving-average formula for an inflow of q at price p.
func weightedCost(b0, c0, q, p decimal.Decimal) decimal.Decimal {
	weight := decimal.Max(b0, decimal.Zero)
	denom := weight.Add(q)
	if !b0.Add(q).IsPositive() || !denom.IsPositive() {
		return decimal.Zero
	}
	return weight.Mul(c0).Add(q.Mul(p)).Div(denom)
}

func reversalCost(b0, c0, q decimal.Decimal, orig *Entry) decimal.Decimal {
	if !orig.ChangedCost() {
		return c0
	}
	if b0.Equal(orig.BalanceAfter) && c0.Equal(orig.AverageCostAfter) {
		return orig.AverageCostBefore
	}
	if orig.UnitPrice == nil {
		return c0
	}
	weight := decimal.Max(b0, decimal.Zero)
	denom := weight.Add(q)
	if !b0.Add(q).IsPositive() || !denom.IsPositive() {
		return decimal.Zero
	}
	cost := weight.Mul(c0).Add(q.Mul(*orig.UnitPrice)).Div(denom)
	if cost.IsNegative() {
		return decimal.Zero
	}
	return cost
}

// resolvePricing fills whichever of unit price and total sum is missing.
func resolvePricing(q decimal.Decimal, unit, total *decimal.Decimal) (*decimal.Decimal, *decimal.Decimal) {
	abs := q.Abs()
	switch {
	case unit != nil && total != nil:
		return Price(*unit), Price(*total)
	case unit != nil:
		return Price(*unit), Price(unit.Mul(abs))
	case total != nil && !abs.IsZero():
		return Price(total.Div(abs)), Price(*total)
	case total != nil:
		return nil, Price(*total)
	}
	return nil, nil
}
