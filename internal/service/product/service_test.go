package product

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-checkout/internal/domain"
	productrepo "storefront-checkout/internal/repository/product"
)

func TestCatalogHidesWithdrawnProducts(t *testing.T) {
	repo := productrepo.NewMemory(
		domain.Product{ID: "p1", SellerID: "s1", Name: "One", Kind: domain.KindDigital, PriceCents: 100, Currency: "usd", Available: true},
		domain.Product{ID: "p2", SellerID: "s1", Name: "Two", Kind: domain.KindDigital, PriceCents: 200, Currency: "usd"},
		domain.Product{ID: "p3", SellerID: "s2", Name: "Three", Kind: domain.KindDigital, PriceCents: 300, Currency: "usd", Available: true},
	)
	svc := New(repo)
	ctx := context.Background()

	list, err := svc.ListBySeller(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "p1", list[0].ID)

	_, err = svc.Get(ctx, "p2")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	p, err := svc.Get(ctx, "p3")
	require.NoError(t, err)
	assert.Equal(t, "s2", p.SellerID)

	_, err = svc.ListBySeller(ctx, " ")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
