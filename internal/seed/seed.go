// Package seed loads a small demo catalog for manual testing.
package seed

import (
	"context"
	"errors"
	"fmt"

	"storefront-checkout/internal/domain"
)

type productWriter interface {
	Upsert(ctx context.Context, product domain.Product) (*domain.Product, error)
}

type codeWriter interface {
	Create(ctx context.Context, code domain.OfferCode) (*domain.OfferCode, error)
}

func ptr[T any](v T) *T { return &v }

// Products is the demo catalog: two sellers, a membership with tiers, a
// pay-what-you-want zine and a bundle.
func Products() []domain.Product {
	return []domain.Product{
		{ID: "demo-ebook", SellerID: "seller-ada", Name: "Demo Ebook", Kind: domain.KindDigital, PriceCents: 1500, Currency: "usd", Available: true},
		{ID: "demo-course", SellerID: "seller-ada", Name: "Demo Course", Kind: domain.KindDigital, PriceCents: 4900, Currency: "usd", Available: true,
			RentalPriceCents: ptr(int64(900)),
			Variants: []domain.Variant{
				{ID: "with-workbook", Name: "With workbook", PriceDifferenceCents: 1000, Available: true},
			}},
		{ID: "demo-zine", SellerID: "seller-ada", Name: "Demo Zine", Kind: domain.KindDigital, PriceCents: 300, Currency: "usd", PWYW: true, Available: true},
		{ID: "demo-bundle", SellerID: "seller-ada", Name: "Ebook and Course", Kind: domain.KindBundle, PriceCents: 5000, Currency: "usd", Available: true,
			BundleItems: []domain.BundleItem{
				{ProductID: "demo-ebook", Quantity: 1},
				{ProductID: "demo-course", Quantity: 1},
			}},
		{ID: "demo-club", SellerID: "seller-bo", Name: "Demo Club", Kind: domain.KindMembership, Currency: "eur", Available: true,
			Variants: []domain.Variant{
				{ID: "basic", Name: "Basic", Available: true, RecurrencePrices: map[domain.Recurrence]int64{
					domain.RecurrenceMonthly: 500, domain.RecurrenceYearly: 5000,
				}},
				{ID: "pro", Name: "Pro", Available: true, RecurrencePrices: map[domain.Recurrence]int64{
					domain.RecurrenceMonthly: 1500, domain.RecurrenceYearly: 15000,
				}},
			}},
	}
}

// Codes are the demo offer codes for Products.
func Codes() []domain.OfferCode {
	return []domain.OfferCode{
		{Code: "WELCOME10", SellerID: "seller-ada", Universal: true, Discount: domain.Percentage{Value: 10}},
		{Code: "COURSE5", SellerID: "seller-ada", ProductIDs: []string{"demo-course"}, Discount: domain.Fixed{Cents: 500, Currency: "usd"},
			MinimumQuantity: ptr(1), MaxUses: ptr(100)},
		{Code: "CLUBHALF", SellerID: "seller-bo", Universal: true, Discount: domain.Percentage{Value: 50}, DurationInBillingCycles: ptr(3)},
	}
}

// Apply writes the demo catalog. It is idempotent: products are upserted and
// codes that already exist are left alone.
func Apply(ctx context.Context, products productWriter, codes codeWriter) error {
	for _, p := range Products() {
		if _, err := products.Upsert(ctx, p); err != nil {
			return fmt.Errorf("upsert product %s: %w", p.ID, err)
		}
	}
	for _, c := range Codes() {
		if _, err := codes.Create(ctx, c); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
			return fmt.Errorf("create code %s: %w", c.Code, err)
		}
	}
	return nil
}
