package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"storefront-checkout/internal/domain"
)

type ProductWriter interface {
	Upsert(ctx context.Context, product domain.Product) (*domain.Product, error)
}

// CSVImporter reads catalog CSV exports and inserts/updates products.
//
// A row with an id starts a product. Following rows without an id add a
// variant, a recurrence price or a bundle item to that product.
type CSVImporter struct {
	reader      *csv.Reader
	productRepo ProductWriter
}

func NewCSVImporter(r io.Reader, repo ProductWriter) *CSVImporter {
	csvr := csv.NewReader(r)
	csvr.FieldsPerRecord = -1 // rows may have trailing commas
	return &CSVImporter{
		reader:      csvr,
		productRepo: repo,
	}
}

// Run parses CSV rows and upserts products. It returns how many products
// were written before the first error.
func (i *CSVImporter) Run(ctx context.Context) (int, error) {
	headers, err := i.reader.Read()
	if err != nil {
		return 0, fmt.Errorf("read headers: %w", err)
	}
	index := headerIndex(headers)

	var (
		current  *domain.Product
		imported int
		line     = 1
	)

	for {
		record, err := i.reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return imported, fmt.Errorf("read row: %w", err)
		}
		line++

		if id := pick(record, index, "id"); id != "" {
			if current != nil {
				if err := i.save(ctx, current); err != nil {
					return imported, err
				}
				imported++
			}
			current, err = parseProduct(record, index)
			if err != nil {
				return imported, fmt.Errorf("line %d: %w", line, err)
			}
			if err := addDetail(current, record, index); err != nil {
				return imported, fmt.Errorf("line %d: %w", line, err)
			}
			continue
		}

		if current == nil {
			continue
		}
		if err := addDetail(current, record, index); err != nil {
			return imported, fmt.Errorf("line %d: %w", line, err)
		}
	}

	if current != nil {
		if err := i.save(ctx, current); err != nil {
			return imported, err
		}
		imported++
	}

	return imported, nil
}

func (i *CSVImporter) save(ctx context.Context, p *domain.Product) error {
	if p.SellerID == "" || p.Name == "" || p.Currency == "" {
		return fmt.Errorf("invalid product row (missing required fields) for id %q", p.ID)
	}
	if p.IsBundle() && len(p.BundleItems) == 0 {
		return fmt.Errorf("bundle %q has no items", p.ID)
	}
	if _, err := i.productRepo.Upsert(ctx, *p); err != nil {
		return fmt.Errorf("upsert product %q: %w", p.ID, err)
	}
	return nil
}

func parseProduct(record []string, index map[string]int) (*domain.Product, error) {
	p := &domain.Product{
		ID:        pick(record, index, "id"),
		SellerID:  pick(record, index, "seller_id"),
		Name:      pick(record, index, "name"),
		Kind:      domain.ProductKind(strings.ToLower(pick(record, index, "kind"))),
		Currency:  strings.ToLower(pick(record, index, "currency")),
		Available: true,
	}
	if p.Kind == "" {
		p.Kind = domain.KindDigital
	}
	switch p.Kind {
	case domain.KindDigital, domain.KindMembership, domain.KindCall, domain.KindBundle, domain.KindPhysical:
	default:
		return nil, fmt.Errorf("unknown kind %q", p.Kind)
	}

	var err error
	if p.PriceCents, err = cents(pick(record, index, "price_cents")); err != nil {
		return nil, fmt.Errorf("price_cents: %w", err)
	}
	if p.PWYW, err = flag(pick(record, index, "pwyw"), false); err != nil {
		return nil, fmt.Errorf("pwyw: %w", err)
	}
	if p.Available, err = flag(pick(record, index, "available"), true); err != nil {
		return nil, fmt.Errorf("available: %w", err)
	}
	if raw := pick(record, index, "rental_price_cents"); raw != "" {
		rent, err := cents(raw)
		if err != nil {
			return nil, fmt.Errorf("rental_price_cents: %w", err)
		}
		p.RentalPriceCents = &rent
	}
	return p, nil
}

// addDetail applies the variant, recurrence and bundle columns of one row.
// A recurrence price on a row that names a variant belongs to that variant.
func addDetail(p *domain.Product, record []string, index map[string]int) error {
	variantID := pick(record, index, "variant.id")
	if variantID != "" {
		if _, ok := p.Variant(variantID); !ok {
			diff, err := cents(pick(record, index, "variant.price_difference_cents"))
			if err != nil {
				return fmt.Errorf("variant.price_difference_cents: %w", err)
			}
			p.Variants = append(p.Variants, domain.Variant{
				ID:                   variantID,
				Name:                 pick(record, index, "variant.name"),
				PriceDifferenceCents: diff,
				Available:            true,
			})
		}
	}

	if rec := pick(record, index, "recurrence"); rec != "" {
		price, err := cents(pick(record, index, "recurrence.price_cents"))
		if err != nil {
			return fmt.Errorf("recurrence.price_cents: %w", err)
		}
		r := domain.Recurrence(strings.ToLower(rec))
		if variantID != "" {
			for n := range p.Variants {
				if p.Variants[n].ID != variantID {
					continue
				}
				if p.Variants[n].RecurrencePrices == nil {
					p.Variants[n].RecurrencePrices = map[domain.Recurrence]int64{}
				}
				p.Variants[n].RecurrencePrices[r] = price
			}
		} else {
			if p.RecurrencePrices == nil {
				p.RecurrencePrices = map[domain.Recurrence]int64{}
			}
			p.RecurrencePrices[r] = price
		}
	}

	if item := pick(record, index, "bundle.product_id"); item != "" {
		qty := 1
		if raw := pick(record, index, "bundle.quantity"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				return fmt.Errorf("bundle.quantity: invalid value %q", raw)
			}
			qty = n
		}
		p.BundleItems = append(p.BundleItems, domain.BundleItem{
			ProductID: item,
			VariantID: pick(record, index, "bundle.variant_id"),
			Quantity:  qty,
		})
	}
	return nil
}

func headerIndex(headers []string) map[string]int {
	idx := make(map[string]int, len(headers))
	for i, h := range headers {
		idx[strings.TrimSpace(h)] = i
	}
	return idx
}

func pick(record []string, index map[string]int, key string) string {
	pos, ok := index[key]
	if !ok || pos >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[pos])
}

func cents(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("negative amount %d", v)
	}
	return v, nil
}

func flag(raw string, def bool) (bool, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.ParseBool(raw)
}
