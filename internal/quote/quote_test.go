package quote

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-checkout/internal/domain"
	offercoderepo "storefront-checkout/internal/repository/offercode"
	productrepo "storefront-checkout/internal/repository/product"
)

var now = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

func fixtures() (*productrepo.Memory, *offercoderepo.Memory) {
	products := productrepo.NewMemory(
		domain.Product{ID: "a", SellerID: "s1", Kind: domain.KindDigital, PriceCents: 1000, Currency: "usd", Available: true},
		domain.Product{ID: "b", SellerID: "s2", Kind: domain.KindDigital, PriceCents: 2000, Currency: "usd", Available: true},
		domain.Product{ID: "box", SellerID: "s1", Kind: domain.KindBundle, PriceCents: 1500, Currency: "usd", Available: true,
			BundleItems: []domain.BundleItem{{ProductID: "inner", Quantity: 2}}},
		domain.Product{ID: "inner", SellerID: "s1", Kind: domain.KindDigital, PriceCents: 900, Currency: "usd", Available: true},
	)
	codes := offercoderepo.NewMemory(
		domain.OfferCode{ID: "oc-s1", Code: "SAVE", SellerID: "s1", Universal: true, Discount: domain.Percentage{Value: 10}},
		domain.OfferCode{ID: "oc-s2", Code: "save", SellerID: "s2", ProductIDs: []string{"zzz"}, Discount: domain.Percentage{Value: 10}},
	)
	return products, codes
}

func TestLoadIncludesConstituentsAndSellerCodes(t *testing.T) {
	products, codes := fixtures()
	lines := []domain.CartLine{{ID: "l1", ProductID: "box", Quantity: 1}}

	snap, err := Load(context.Background(), products, codes, lines, []string{"SAVE"}, "a")
	require.NoError(t, err)
	assert.Contains(t, snap.Products, "inner")
	assert.Contains(t, snap.Products, "a")
	require.Len(t, snap.Codes, 1, "only sellers present in the cart are searched")
	assert.Equal(t, "oc-s1", snap.Codes[0].ID)
}

func TestBuildStrictAndLenient(t *testing.T) {
	products, codes := fixtures()
	lines := []domain.CartLine{
		{ID: "l1", ProductID: "a", Quantity: 2},
		{ID: "l2", ProductID: "b", Quantity: 1},
	}
	applied := []domain.AppliedCode{{Code: "save", Source: domain.CodeSourceManual}, {Code: "GHOST", Source: domain.CodeSourceManual}}
	snap, err := Load(context.Background(), products, codes, lines, []string{"save", "GHOST"})
	require.NoError(t, err)

	q, err := Build(lines, applied, snap, now, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"GHOST"}, q.Missing)
	assert.Equal(t, int64(1800), q.Lines[0].Discounted.TotalCents)
	assert.Equal(t, int64(2000), q.Lines[1].Discounted.TotalCents)
	assert.Empty(t, q.Result.Detached, "s1's SAVE keeps the string attached")
	assert.Equal(t, map[string]int64{"usd": 3800}, q.TotalsByCurrency())

	strict, err := Build(lines, applied, snap, now, true)
	require.NoError(t, err)
	assert.Equal(t, q.TotalsByCurrency(), strict.TotalsByCurrency())

	alone := lines[1:]
	_, err = Build(alone, applied, snap, now, true)
	require.ErrorIs(t, err, domain.ErrIneligibleDiscount, "no offer with the string applies")
}

func TestBuildMissingProduct(t *testing.T) {
	products, _ := fixtures()
	lines := []domain.CartLine{{ID: "l1", ProductID: "gone", Quantity: 1}, {ID: "l2", ProductID: "a", Quantity: 1, DisplayedCents: 1000}}
	snap, err := Load(context.Background(), products, offercoderepo.NewMemory(), lines, nil)
	require.NoError(t, err)

	_, err = Build(lines, nil, snap, now, true)
	require.ErrorIs(t, err, domain.ErrCatalogMismatch)

	q, err := Build(lines, nil, snap, now, false)
	require.NoError(t, err)
	require.Len(t, q.Lines, 2)
	assert.False(t, q.Lines[0].Priced())
	require.ErrorIs(t, q.Lines[0].Err, domain.ErrCatalogMismatch)
	assert.True(t, q.Lines[1].Priced())
	assert.Equal(t, "l2", q.Lines[1].Discounted.LineID)
	assert.Equal(t, map[string]int64{"usd": 1000}, q.TotalsByCurrency())
}
