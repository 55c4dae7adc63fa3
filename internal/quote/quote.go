// Package quote prices a set of cart lines against a catalog snapshot and the
// cart's attached offer codes. Cart mutations and checkout share it so both
// compute exactly the same numbers.
package quote

import (
	"context"
	"slices"
	"time"

	"storefront-checkout/internal/discount"
	"storefront-checkout/internal/domain"
	"storefront-checkout/internal/pricing"
)

type Catalog interface {
	GetMany(ctx context.Context, ids []string) (map[string]domain.Product, error)
}

type CodeFinder interface {
	FindByCodes(ctx context.Context, sellerIDs, codes []string) ([]domain.OfferCode, error)
}

// Line is one cart line with its undiscounted and discounted prices. Err is
// set, and the prices left empty, when a lenient build could not price it.
type Line struct {
	CartLine   domain.CartLine
	Product    domain.Product
	Price      pricing.LinePrice
	Discounted discount.DiscountedLine
	Err        error
}

// Priced reports whether the line has a price.
func (l Line) Priced() bool { return l.Err == nil }

type Quote struct {
	Lines  []Line
	Result discount.Result
	// Missing lists attached codes that match no offer code of any seller in
	// the cart.
	Missing []string
}

// TotalsByCurrency sums the discounted line totals per native currency.
func (q *Quote) TotalsByCurrency() map[string]int64 {
	return q.Result.TotalsByCurrency()
}

// Snapshot is the catalog and offer-code state a quote is computed from.
type Snapshot struct {
	Products map[string]domain.Product
	Codes    []domain.OfferCode
}

// Load fetches every product referenced by lines (bundle constituents
// included) plus extra, and the offer codes named by codes for the sellers
// involved.
func Load(ctx context.Context, catalog Catalog, finder CodeFinder, lines []domain.CartLine, codes []string, extra ...string) (Snapshot, error) {
	ids := make([]string, 0, len(lines)+len(extra))
	for _, l := range lines {
		ids = appendUnique(ids, l.ProductID)
	}
	for _, id := range extra {
		ids = appendUnique(ids, id)
	}
	products, err := catalog.GetMany(ctx, ids)
	if err != nil {
		return Snapshot{}, err
	}

	var constituents []string
	for _, p := range products {
		for _, item := range p.BundleItems {
			if _, ok := products[item.ProductID]; !ok {
				constituents = appendUnique(constituents, item.ProductID)
			}
		}
	}
	if len(constituents) > 0 {
		more, err := catalog.GetMany(ctx, constituents)
		if err != nil {
			return Snapshot{}, err
		}
		for id, p := range more {
			products[id] = p
		}
	}

	snap := Snapshot{Products: products}
	if len(codes) == 0 {
		return snap, nil
	}
	var sellers []string
	for _, l := range lines {
		if p, ok := products[l.ProductID]; ok {
			sellers = appendUnique(sellers, p.SellerID)
		}
	}
	for _, id := range extra {
		if p, ok := products[id]; ok {
			sellers = appendUnique(sellers, p.SellerID)
		}
	}
	snap.Codes, err = finder.FindByCodes(ctx, sellers, codes)
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Build prices lines. In strict mode blocked codes fail with
// *domain.IneligibleError and an unpriceable line fails the build; otherwise
// blocked codes are reported in Result.Detached and unpriceable lines carry
// their error and stay out of the discount run and the totals.
func Build(lines []domain.CartLine, applied []domain.AppliedCode, snap Snapshot, now time.Time, strict bool) (*Quote, error) {
	q := &Quote{Lines: make([]Line, len(lines))}
	engineLines := make([]discount.Line, 0, len(lines))
	priced := make([]int, 0, len(lines))
	for i, cl := range lines {
		product, ok := snap.Products[cl.ProductID]
		var (
			price pricing.LinePrice
			err   error
		)
		if ok {
			price, err = pricing.Resolve(product, cl)
		} else {
			err = domain.Mismatch(cl.ProductID, "product no longer exists")
		}
		if err != nil {
			if strict {
				return nil, err
			}
			q.Lines[i] = Line{CartLine: cl, Product: product, Err: err}
			continue
		}
		q.Lines[i] = Line{CartLine: cl, Product: product, Price: price}
		priced = append(priced, i)
		engineLines = append(engineLines, discount.Line{
			LineID:    cl.ID,
			ProductID: cl.ProductID,
			SellerID:  product.SellerID,
			Currency:  price.Currency,
			UnitCents: price.UnitCents,
			Quantity:  price.Quantity,
		})
	}

	var offers []discount.Offer
	seen := map[string]bool{}
	for _, ac := range applied {
		matched := false
		for _, oc := range snap.Codes {
			if domain.NormalizeCode(oc.Code) != domain.NormalizeCode(ac.Code) {
				continue
			}
			matched = true
			if seen[oc.ID] {
				continue
			}
			seen[oc.ID] = true
			offers = append(offers, discount.Offer{Code: oc, Source: ac.Source})
		}
		if !matched {
			q.Missing = append(q.Missing, ac.Code)
		}
	}

	var (
		res discount.Result
		err error
	)
	if strict {
		res, err = discount.Apply(engineLines, offers, now)
	} else {
		res, err = discount.Reprice(engineLines, offers, now)
	}
	if err != nil {
		return nil, err
	}
	q.Result = res
	for j, i := range priced {
		q.Lines[i].Discounted = res.Lines[j]
	}
	return q, nil
}

func appendUnique(list []string, v string) []string {
	if slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}
