package seed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-checkout/internal/bundle"
	"storefront-checkout/internal/domain"
	"storefront-checkout/internal/pricing"
	offercoderepo "storefront-checkout/internal/repository/offercode"
	productrepo "storefront-checkout/internal/repository/product"
)

func TestApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	products := productrepo.NewMemory()
	codes := offercoderepo.NewMemory()

	require.NoError(t, Apply(ctx, products, codes))
	require.NoError(t, Apply(ctx, products, codes))

	found, err := codes.FindByCodes(ctx, []string{"seller-ada", "seller-bo"}, []string{"welcome10", "course5", "clubhalf"})
	require.NoError(t, err)
	assert.Len(t, found, 3)
}

func TestDemoCatalogPrices(t *testing.T) {
	catalog := map[string]domain.Product{}
	for _, p := range Products() {
		catalog[p.ID] = p
	}

	for _, p := range Products() {
		line := domain.CartLine{ProductID: p.ID, Quantity: 1}
		if p.IsMembership() {
			line.VariantID = p.Variants[0].ID
			line.Recurrence = domain.RecurrenceMonthly
		}
		_, err := pricing.Resolve(p, line)
		assert.NoError(t, err, p.ID)
	}

	box := catalog["demo-bundle"]
	cs, err := bundle.Expand(box, box.PriceCents, catalog)
	require.NoError(t, err)
	var sum int64
	for _, c := range cs {
		sum += c.AttributedCents
	}
	assert.Equal(t, box.PriceCents, sum)

	for _, c := range Codes() {
		assert.True(t, c.InWindow(time.Now()), c.Code)
	}
}
