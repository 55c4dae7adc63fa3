// Package bundle expands a bundle cart line into its constituent products.
package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"storefront-checkout/internal/domain"
	"storefront-checkout/internal/pricing"
)

// Constituent is one product carried inside a bundle purchase.
type Constituent struct {
	ProductID string
	VariantID string
	Quantity  int
	// StandaloneCents is the undiscounted price of Quantity units bought on their own.
	StandaloneCents int64
	// AttributedCents is this constituent's pro-rata share of the bundle price.
	// It is used for reporting only and never charged.
	AttributedCents int64
}

// Fingerprint identifies a bundle's contents independent of item order.
func Fingerprint(items []domain.BundleItem) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		parts = append(parts, fmt.Sprintf("%s:%s:%d", it.ProductID, it.VariantID, it.Quantity))
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Verify compares the fingerprint recorded at add-to-cart time with the
// bundle's current contents.
func Verify(recorded string, bundle domain.Product) error {
	if !bundle.IsBundle() {
		return nil
	}
	if recorded != Fingerprint(bundle.BundleItems) {
		return fmt.Errorf("bundle %s: %w", bundle.ID, domain.ErrBundleContentsChanged)
	}
	return nil
}

// Expand splits a bundle priced at bundlePriceCents into its constituents.
// products must contain every constituent product.
func Expand(bundle domain.Product, bundlePriceCents int64, products map[string]domain.Product) ([]Constituent, error) {
	if !bundle.IsBundle() {
		return nil, domain.Mismatch(bundle.ID, "product is not a bundle")
	}
	if len(bundle.BundleItems) == 0 {
		return nil, domain.Mismatch(bundle.ID, "bundle has no products")
	}

	out := make([]Constituent, 0, len(bundle.BundleItems))
	var standaloneTotal int64
	for _, item := range bundle.BundleItems {
		p, ok := products[item.ProductID]
		if !ok {
			return nil, domain.Mismatch(bundle.ID, "bundled product %s is missing from the catalog", item.ProductID)
		}
		if item.VariantID != "" {
			if _, ok := p.Variant(item.VariantID); !ok {
				return nil, domain.Mismatch(bundle.ID, "bundled variant %s of %s no longer exists", item.VariantID, item.ProductID)
			}
		}
		qty := max(item.Quantity, 1)
		standalone := pricing.StandalonePrice(p, item.VariantID) * int64(qty)
		standaloneTotal += standalone
		out = append(out, Constituent{
			ProductID:       item.ProductID,
			VariantID:       item.VariantID,
			Quantity:        qty,
			StandaloneCents: standalone,
		})
	}

	attribute(out, bundlePriceCents, standaloneTotal)
	return out, nil
}

// attribute splits price pro-rata by standalone price. The rounding remainder
// goes to the last constituent so the shares always sum to price.
func attribute(cs []Constituent, price, standaloneTotal int64) {
	var assigned int64
	for i := range cs {
		if i == len(cs)-1 {
			cs[i].AttributedCents = price - assigned
			return
		}
		var share int64
		if standaloneTotal > 0 {
			share = price * cs[i].StandaloneCents / standaloneTotal
		} else {
			share = price / int64(len(cs))
		}
		cs[i].AttributedCents = share
		assigned += share
	}
}
