package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/go-cmp/cmp"

	"storefront-checkout/internal/domain"
	productrepo "storefront-checkout/internal/repository/product"
)

type stubProductRepo struct {
	items []domain.Product
	err   error
}

func (s *stubProductRepo) Upsert(_ context.Context, p domain.Product) (*domain.Product, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.items = append(s.items, p)
	return &p, nil
}

const header = "id,seller_id,name,kind,price_cents,currency,pwyw,available,rental_price_cents,variant.id,variant.name,variant.price_difference_cents,recurrence,recurrence.price_cents,bundle.product_id,bundle.variant_id,bundle.quantity"

func TestCSVImporter_Run(t *testing.T) {
	csvData := header + `
ebook,s1,Ebook,digital,1500,USD,,,,,,,,,,,
film,s1,Film,digital,2000,usd,false,true,500,hd,HD,300,,,,,
club,s2,Club,membership,0,usd,,,,gold,Gold,0,monthly,900,,,
,,,,,,,,,gold,,,yearly,9000,,,
,,,,,,,,,silver,Silver,0,monthly,400,,,
box,s1,Box,bundle,3000,usd,,,,,,,,,ebook,,1
,,,,,,,,,,,,,,film,hd,2
`
	repo := &stubProductRepo{}
	count, err := NewCSVImporter(strings.NewReader(csvData), repo).Run(context.Background())
	if err != nil {
		t.Fatalf("import run: %v", err)
	}
	if count != 4 || len(repo.items) != 4 {
		t.Fatalf("expected 4 products imported, got %d (%d saved)", count, len(repo.items))
	}

	ebook := repo.items[0]
	if ebook.Kind != domain.KindDigital || ebook.PriceCents != 1500 || ebook.Currency != "usd" || !ebook.Available {
		t.Fatalf("unexpected ebook: %+v", ebook)
	}

	film := repo.items[1]
	if film.RentalPriceCents == nil || *film.RentalPriceCents != 500 {
		t.Fatalf("expected rental price on film, got %+v", film.RentalPriceCents)
	}
	if v, ok := film.Variant("hd"); !ok || v.PriceDifferenceCents != 300 {
		t.Fatalf("expected hd variant, got %+v", film.Variants)
	}

	club := repo.items[2]
	if len(club.Variants) != 2 {
		t.Fatalf("expected 2 tiers, got %+v", club.Variants)
	}
	gold, _ := club.Variant("gold")
	if gold.RecurrencePrices[domain.RecurrenceMonthly] != 900 || gold.RecurrencePrices[domain.RecurrenceYearly] != 9000 {
		t.Fatalf("unexpected gold prices: %+v", gold.RecurrencePrices)
	}

	box := repo.items[3]
	want := []domain.BundleItem{{ProductID: "ebook", Quantity: 1}, {ProductID: "film", VariantID: "hd", Quantity: 2}}
	if diff := cmp.Diff(want, box.BundleItems); diff != "" {
		t.Fatalf("bundle items mismatch (-want +got):\n%s", diff)
	}
}

func TestCSVImporter_RejectsBadRows(t *testing.T) {
	cases := map[string]string{
		"unknown kind":   "x,s1,X,gadget,100,usd,,,,,,,,,,,",
		"negative price": "x,s1,X,digital,-1,usd,,,,,,,,,,,",
		"missing seller": "x,,X,digital,100,usd,,,,,,,,,,,",
		"empty bundle":   "x,s1,X,bundle,100,usd,,,,,,,,,,,",
		"bad bundle qty": "x,s1,X,bundle,100,usd,,,,,,,,,a,,zero",
		"bad pwyw flag":  "x,s1,X,digital,100,usd,maybe,,,,,,,,,,",
	}
	for name, row := range cases {
		t.Run(name, func(t *testing.T) {
			repo := &stubProductRepo{}
			_, err := NewCSVImporter(strings.NewReader(header+"\n"+row+"\n"), repo).Run(context.Background())
			if err == nil {
				t.Fatalf("expected error for %q", row)
			}
			if len(repo.items) != 0 {
				t.Fatalf("nothing should be saved, got %+v", repo.items)
			}
		})
	}
}

func TestCSVImporter_StopsOnWriteError(t *testing.T) {
	repo := &stubProductRepo{err: errors.New("db down")}
	csvData := header + "\nx,s1,X,digital,100,usd,,,,,,,,,,,\n"
	count, err := NewCSVImporter(strings.NewReader(csvData), repo).Run(context.Background())
	if err == nil || count != 0 {
		t.Fatalf("expected write error and no imports, got %d, %v", count, err)
	}
}

func TestCSVImporter_GeneratedCatalog(t *testing.T) {
	faker := gofakeit.New(42)
	var (
		b    strings.Builder
		want = map[string]int64{}
	)
	b.WriteString(header + "\n")
	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("p-%d", i)
		price := int64(faker.IntRange(100, 99999))
		want[id] = price
		// Names with commas exercise CSV quoting.
		name := strings.ReplaceAll(faker.ProductName(), `"`, "") + ", " + faker.Color()
		fmt.Fprintf(&b, "%s,%s,\"%s\",digital,%d,usd,,,,,,,,,,,\n", id, faker.UUID(), name, price)
	}

	repo := productrepo.NewMemory()
	count, err := NewCSVImporter(strings.NewReader(b.String()), repo).Run(context.Background())
	if err != nil {
		t.Fatalf("import run: %v", err)
	}
	if count != len(want) {
		t.Fatalf("expected %d products, got %d", len(want), count)
	}
	for id, price := range want {
		p, err := repo.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if p.PriceCents != price || !strings.Contains(p.Name, ", ") {
			t.Fatalf("unexpected product %s: %+v", id, p)
		}
	}
}
