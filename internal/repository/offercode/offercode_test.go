package offercode

import (
	"context"
	"errors"
	"testing"
	"time"

	"storefront-checkout/internal/db/dbtest"
	"storefront-checkout/internal/domain"
)

func exerciseRepository(t *testing.T, repo Repository) {
	t.Helper()
	ctx := context.Background()
	maxUses := 5
	expires := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	half, err := repo.Create(ctx, domain.OfferCode{
		Code: "Half", SellerID: "s1", Universal: true,
		Discount: domain.Percentage{Value: 50}, MaxUses: &maxUses, ExpiresAt: &expires,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := repo.Create(ctx, domain.OfferCode{
		Code: "half", SellerID: "s2", ProductIDs: []string{"p9"},
		Discount: domain.Fixed{Cents: 300, Currency: "EUR"},
	}); err != nil {
		t.Fatalf("Create for second seller: %v", err)
	}
	if _, err := repo.Create(ctx, domain.OfferCode{Code: "HALF", SellerID: "s1", Discount: domain.Percentage{Value: 10}}); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	found, err := repo.FindByCodes(ctx, []string{"s1"}, []string{" HALF "})
	if err != nil {
		t.Fatalf("FindByCodes: %v", err)
	}
	if len(found) != 1 || found[0].ID != half.ID {
		t.Fatalf("expected only the s1 code, got %+v", found)
	}
	if found[0].Discount != (domain.Percentage{Value: 50}) || *found[0].MaxUses != 5 || !found[0].ExpiresAt.Equal(expires) {
		t.Fatalf("fields not round-tripped: %+v", found[0])
	}

	both, err := repo.FindByCodes(ctx, []string{"s1", "s2"}, []string{"half"})
	if err != nil {
		t.Fatalf("FindByCodes both: %v", err)
	}
	if len(both) != 2 {
		t.Fatalf("expected two codes, got %d", len(both))
	}
	for _, c := range both {
		if c.SellerID == "s2" && c.Discount != (domain.Fixed{Cents: 300, Currency: "eur"}) {
			t.Fatalf("fixed discount not round-tripped: %+v", c.Discount)
		}
	}

	if err := repo.IncrementUses(ctx, map[string]int{half.ID: 2}); err != nil {
		t.Fatalf("IncrementUses: %v", err)
	}
	found, _ = repo.FindByCodes(ctx, []string{"s1"}, []string{"half"})
	if found[0].Uses != 2 {
		t.Fatalf("expected 2 uses, got %d", found[0].Uses)
	}
}

func TestMemory(t *testing.T) {
	exerciseRepository(t, NewMemory())
}

func TestPostgres(t *testing.T) {
	exerciseRepository(t, NewPostgres(dbtest.Pool(t), nil))
}
