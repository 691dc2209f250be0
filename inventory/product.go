/*
product.go - Product registration and lookup

PURPOSE:
  Every position and entry is tagged with a Product. The registry holds the
  products a deployment trades so that strings coming from HTTP or storage
  can be checked before they reach the ledger.

USAGE:
  p, ok := inventory.LookupProduct("kerosene")
  inventory.RegisterProduct(inventory.ProductInfo{Code: "avgas", Name: "Avgas 100LL", Unit: "kg"})

SEE ALSO:
  - types.go: Position and Entry carry a Product
*/
package inventory

import (
	"sort"
	"sync"
)

// Product is the product tag of a position.
type Product string

const (
	ProductKerosene Product = "kerosene" // jet fuel, the primary product
	ProductAdditive Product = "additive" // anti-icing fluid blended on refueling
)

// ProductInfo describes a registered product.
type ProductInfo struct {
	Code Product
	Name string
	Unit string
}

var (
	productRegistry = map[Product]ProductInfo{
		ProductKerosene: {Code: ProductKerosene, Name: "Jet kerosene", Unit: "kg"},
		ProductAdditive: {Code: ProductAdditive, Name: "Anti-icing additive", Unit: "kg"},
	}
	productMu sync.RWMutex
)

// RegisterProduct adds or replaces a product in the registry.
func RegisterProduct(p ProductInfo) {
	productMu.Lock()
	defer productMu.Unlock()
	productRegistry[p.Code] = p
}

// LookupProduct finds a registered product by code.
func LookupProduct(code string) (ProductInfo, bool) {
	productMu.RLock()
	defer productMu.RUnlock()
	p, ok := productRegistry[Product(code)]
	return p, ok
}

// Valid reports whether the product is registered.
func (p Product) Valid() bool {
	_, ok := LookupProduct(string(p))
	return ok
}

// ListProducts returns all registered products sorted by code.
func ListProducts() []ProductInfo {
	productMu.RLock()
	defer productMu.RUnlock()

	out := make([]ProductInfo, 0, len(productRegistry))
	for _, p := range productRegistry {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
