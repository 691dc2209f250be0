/*
Package pricing holds contractual prices and the checks around them.

PURPOSE:
  A PriceRecord is a price valid over an inclusive date range for one
  Scope: (counterparty, counterparty type, role, product, basis). Two
  components work on them:

  Checker:    finds active records of the same scope with intersecting
              validity (at most one should exist)
  Aggregator: sums deal volumes matching a scope and range, to show how
              much was actually sold under a price

  Service is the write path. In advisory mode it flags overlaps and saves
  anyway. In strict mode it refuses the write.

SEE ALSO:
  - checker.go, aggregator.go, service.go
  - store/sqlite, store/postgres: Store and VolumeSource implementations
*/
package pricing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/fuel-ledger/inventory"
)

// =============================================================================
// SCOPE
// =============================================================================

// CounterpartyType selects the deal family a price applies to.
type CounterpartyType string

const (
	TypeWholesale       CounterpartyType = "wholesale"
	TypeRefueling       CounterpartyType = "refueling"
	TypeRefuelingAbroad CounterpartyType = "refueling_abroad"
)

func (t CounterpartyType) Valid() bool {
	return t == TypeWholesale || t == TypeRefueling || t == TypeRefuelingAbroad
}

// Role is the side of the deal the counterparty is on.
type Role string

const (
	RoleSupplier Role = "supplier"
	RoleBuyer    Role = "buyer"
)

func (r Role) Valid() bool { return r == RoleSupplier || r == RoleBuyer }

// Scope identifies which deals a price applies to. Matching is exact on
// every field, by id.
type Scope struct {
	CounterpartyID   string
	CounterpartyType CounterpartyType
	Role             Role
	Product          inventory.Product
	BasisID          string
}

// Validate rejects incomplete scopes.
func (s Scope) Validate() error {
	switch {
	case s.CounterpartyID == "":
		return inventory.Invalid("counterparty_id", "required")
	case !s.CounterpartyType.Valid():
		return inventory.Invalid("counterparty_type", fmt.Sprintf("unknown type %q", s.CounterpartyType))
	case !s.Role.Valid():
		return inventory.Invalid("role", fmt.Sprintf("unknown role %q", s.Role))
	case !s.Product.Valid():
		return inventory.Invalid("product", fmt.Sprintf("unknown product %q", s.Product))
	case s.BasisID == "":
		return inventory.Invalid("basis_id", "required")
	}
	return nil
}

func (s Scope) String() string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", s.CounterpartyType, s.Role, s.CounterpartyID, s.Product, s.BasisID)
}

// =============================================================================
// PRICE RECORD
// =============================================================================

// PriceTier is one price value. Records with several tiers price by volume
// band (MinVolume) or by label (e.g. "summer", "with delivery").
type PriceTier struct {
	Value     decimal.Decimal `json:"value"`
	MinVolume decimal.Decimal `json:"min_volume"`
	Label     string          `json:"label,omitempty"`
}

// PriceRecord is a contractual price.
type PriceRecord struct {
	ID               string
	Scope            Scope
	Validity         DateRange
	IsActive         bool
	Prices           []PriceTier
	ContractedVolume decimal.Decimal
	SoldVolume       decimal.Decimal // cache, see Aggregator.RefreshSoldVolume
	SoldVolumeAt     *time.Time
	Currency         string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Validate checks the record before it is written.
func (p PriceRecord) Validate() error {
	if err := p.Scope.Validate(); err != nil {
		return err
	}
	if err := p.Validity.Validate(); err != nil {
		return err
	}
	if len(p.Prices) == 0 {
		return inventory.Invalid("prices", "at least one price is required")
	}
	for i, tier := range p.Prices {
		if tier.Value.IsNegative() {
			return inventory.Invalid(fmt.Sprintf("prices[%d].value", i), "must not be negative")
		}
		if tier.MinVolume.IsNegative() {
			return inventory.Invalid(fmt.Sprintf("prices[%d].min_volume", i), "must not be negative")
		}
	}
	if p.ContractedVolume.IsNegative() {
		return inventory.Invalid("contracted_volume", "must not be negative")
	}
	if len(p.Currency) != 3 {
		return inventory.Invalid("currency", "expected ISO 4217 code")
	}
	return nil
}

// PriceFor returns the tier value for a deal volume: the tier with the
// highest MinVolume not above volume. Falls back to the first tier.
func (p PriceRecord) PriceFor(volume decimal.Decimal) decimal.Decimal {
	if len(p.Prices) == 0 {
		return decimal.Zero
	}
	best := p.Prices[0]
	for _, tier := range p.Prices[1:] {
		if !tier.MinVolume.GreaterThan(volume) && tier.MinVolume.GreaterThan(best.MinVolume) {
			best = tier
		}
	}
	return best.Value
}

// RemainingVolume is contracted minus sold, floored at zero.
func (p PriceRecord) RemainingVolume() decimal.Decimal {
	return decimal.Max(p.ContractedVolume.Sub(p.SoldVolume), decimal.Zero)
}

// =============================================================================
// CHECK RESULTS
// =============================================================================

// Status is the outcome of an overlap check. There is no warning tier.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Overlap is one conflicting record.
type Overlap struct {
	ID       string
	Validity DateRange
}

// OverlapResult is returned by Checker.CheckOverlap.
type OverlapResult struct {
	Status   Status
	Overlaps []Overlap
}

// HasOverlaps reports whether the check found any conflict.
func (r OverlapResult) HasOverlaps() bool { return len(r.Overlaps) > 0 }

// VolumeQuery selects deals for aggregation.
type VolumeQuery struct {
	Type           CounterpartyType
	Role           Role
	CounterpartyID string // matched against supplier id or buyer id, per Role
	BasisID        string
	Product        inventory.Product
	Range          DateRange
}

// QueryFor builds the volume query for a scope and range.
func QueryFor(s Scope, r DateRange) VolumeQuery {
	return VolumeQuery{
		Type:           s.CounterpartyType,
		Role:           s.Role,
		CounterpartyID: s.CounterpartyID,
		BasisID:        s.BasisID,
		Product:        s.Product,
		Range:          r,
	}
}
