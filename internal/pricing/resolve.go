// Package pricing computes undiscounted line prices from a catalog snapshot.
package pricing

import (
	"storefront-checkout/internal/domain"
)

// LinePrice is the undiscounted price of one cart line in the product's
// native currency.
type LinePrice struct {
	UnitCents  int64
	Quantity   int
	TotalCents int64
	Currency   string
}

// Resolve prices line against product. It never mutates either argument.
func Resolve(product domain.Product, line domain.CartLine) (LinePrice, error) {
	if line.ProductID != product.ID {
		return LinePrice{}, domain.Mismatch(line.ProductID, "line references product %s", product.ID)
	}
	if !product.Available {
		return LinePrice{}, domain.Mismatch(product.ID, "product is no longer available")
	}

	var (
		variant    domain.Variant
		hasVariant bool
	)
	if line.VariantID != "" {
		variant, hasVariant = product.Variant(line.VariantID)
		if !hasVariant {
			return LinePrice{}, domain.Mismatch(product.ID, "variant %s no longer exists", line.VariantID)
		}
		if !variant.Available {
			return LinePrice{}, domain.Mismatch(product.ID, "variant %s is sold out", line.VariantID)
		}
	}

	quantity := line.Quantity
	if quantity < 1 {
		return LinePrice{}, domain.Mismatch(product.ID, "quantity must be at least 1")
	}

	var floor int64
	switch {
	case product.IsMembership():
		if line.Rental {
			return LinePrice{}, domain.Mismatch(product.ID, "memberships cannot be rented")
		}
		price, err := membershipPrice(product, variant, hasVariant, line.Recurrence)
		if err != nil {
			return LinePrice{}, err
		}
		floor = price
		quantity = 1
	default:
		if line.Recurrence != domain.RecurrenceNone {
			return LinePrice{}, domain.Mismatch(product.ID, "recurrence %s on a one-time product", line.Recurrence)
		}
		base := product.PriceCents
		if line.Rental {
			if product.RentalPriceCents == nil {
				return LinePrice{}, domain.Mismatch(product.ID, "product is not available for rent")
			}
			base = *product.RentalPriceCents
		}
		floor = base + variant.PriceDifferenceCents
	}
	if product.IsBundle() {
		quantity = 1
	}

	unit := floor
	if line.PWYWCents != nil {
		if !product.PWYW {
			return LinePrice{}, domain.Mismatch(product.ID, "product no longer accepts a custom price")
		}
		if *line.PWYWCents < floor {
			return LinePrice{}, &domain.MinimumPriceError{
				ProductID:    product.ID,
				OfferedCents: *line.PWYWCents,
				MinimumCents: floor,
				Currency:     product.Currency,
			}
		}
		unit = *line.PWYWCents
	}

	return LinePrice{
		UnitCents:  unit,
		Quantity:   quantity,
		TotalCents: unit * int64(quantity),
		Currency:   domain.NormalizeCurrency(product.Currency),
	}, nil
}

func membershipPrice(product domain.Product, variant domain.Variant, hasVariant bool, recurrence domain.Recurrence) (int64, error) {
	if recurrence == domain.RecurrenceNone {
		return 0, domain.Mismatch(product.ID, "membership requires a recurrence")
	}
	prices := product.RecurrencePrices
	if hasVariant && len(variant.RecurrencePrices) > 0 {
		prices = variant.RecurrencePrices
	} else if !hasVariant && len(product.Variants) > 0 {
		return 0, domain.Mismatch(product.ID, "membership requires a tier")
	}
	price, ok := prices[recurrence]
	if !ok {
		return 0, domain.Mismatch(product.ID, "recurrence %s is not offered", recurrence)
	}
	return price, nil
}

// StandalonePrice is the undiscounted unit price of a product/variant outside
// any cart context. It is used for bundle attribution.
func StandalonePrice(product domain.Product, variantID string) int64 {
	price := product.PriceCents
	if variantID == "" {
		return price
	}
	if v, ok := product.Variant(variantID); ok {
		if product.IsMembership() {
			for _, r := range []domain.Recurrence{domain.RecurrenceMonthly, domain.RecurrenceQuarterly, domain.RecurrenceBiannual, domain.RecurrenceYearly} {
				if p, ok := v.RecurrencePrices[r]; ok {
					return p
				}
			}
		}
		price += v.PriceDifferenceCents
	}
	return price
}
