package cart

import (
	"context"

	"storefront-checkout/internal/discount"
	"storefront-checkout/internal/domain"
	"storefront-checkout/internal/exchange"
	"storefront-checkout/internal/quote"
)

// View is what buyers see of their cart. Amounts are in each line's native
// currency; Display* fields are estimates in the cart currency.
type View struct {
	CartID   string     `json:"cartId,omitempty"`
	Currency string     `json:"currency"`
	Lines    []LineView `json:"lines"`
	Codes    []CodeView `json:"discountCodes"`
	// Totals is keyed by native currency.
	Totals            map[string]int64 `json:"totals"`
	DisplayTotalCents *int64           `json:"displayTotalCents,omitempty"`
	// Detached lists codes the last change removed from the cart.
	Detached []discount.Detachment `json:"detached,omitempty"`
	// Skipped lists guest lines a merge could not fit under the line cap.
	Skipped []domain.CartLine `json:"skipped,omitempty"`
}

type LineView struct {
	domain.CartLine
	SellerID            string   `json:"sellerId"`
	Name                string   `json:"name"`
	NativeCurrency      string   `json:"nativeCurrency"`
	UnitCents           int64    `json:"unitCents"`
	DiscountedUnitCents int64    `json:"discountedUnitCents"`
	TotalCents          int64    `json:"totalCents"`
	DiscountCents       int64    `json:"discountCents"`
	Codes               []string `json:"codes,omitempty"`
	DisplayCents        *int64   `json:"displayCents,omitempty"`
	// Error is set when the line cannot be priced right now, for example a
	// withdrawn product. Such a line counts toward no total.
	Error string `json:"error,omitempty"`
}

type CodeStatus string

const (
	CodeActive   CodeStatus = "active"
	CodeInactive CodeStatus = "inactive"
	CodeUnknown  CodeStatus = "unknown"
)

type CodeView struct {
	Code   string            `json:"code"`
	Source domain.CodeSource `json:"source"`
	Status CodeStatus        `json:"status"`
	// Savings is keyed by currency.
	Savings map[string]int64 `json:"savings,omitempty"`
}

func (s *Service) view(ctx context.Context, cart *domain.Cart, q *quote.Quote) *View {
	v := &View{
		CartID:   cart.ID,
		Currency: cart.Currency,
		Lines:    make([]LineView, len(q.Lines)),
		Totals:   q.TotalsByCurrency(),
	}
	for i, l := range q.Lines {
		v.Lines[i] = LineView{
			CartLine:            l.CartLine,
			SellerID:            l.Product.SellerID,
			Name:                l.Product.Name,
			NativeCurrency:      l.Price.Currency,
			UnitCents:           l.Price.UnitCents,
			DiscountedUnitCents: l.Discounted.DiscountedUnitCents,
			TotalCents:          l.Discounted.TotalCents,
			DiscountCents:       l.Discounted.DiscountCents,
			Codes:               l.Discounted.Codes,
		}
		if !l.Priced() {
			v.Lines[i].Error = l.Err.Error()
		}
	}
	v.Codes = codeViews(cart.Codes, q)
	s.estimate(ctx, v)
	return v
}

// estimate fills the display-currency fields. Missing rates leave them empty.
func (s *Service) estimate(ctx context.Context, v *View) {
	if s.rates == nil {
		return
	}
	table, err := s.rates.Snapshot(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Str("cart_id", v.CartID).Msg("cart: exchange rates unavailable")
		return
	}
	var total int64
	complete := true
	for i := range v.Lines {
		l := &v.Lines[i]
		if l.Error != "" {
			continue
		}
		cents, err := exchange.Convert(table, l.TotalCents, l.NativeCurrency, v.Currency)
		if err != nil {
			complete = false
			continue
		}
		l.DisplayCents = &cents
		total += cents
	}
	if complete {
		v.DisplayTotalCents = &total
	}
}

// codeViews reports each attached code. Inactive codes that arrived through a
// link are hidden.
func codeViews(codes []domain.AppliedCode, q *quote.Quote) []CodeView {
	savings := map[string]map[string]int64{}
	for _, sv := range q.Result.Savings {
		key := domain.NormalizeCode(sv.Code)
		if savings[key] == nil {
			savings[key] = map[string]int64{}
		}
		for cur, amt := range sv.Amounts {
			savings[key][cur] += amt
		}
	}
	missing := map[string]bool{}
	for _, c := range q.Missing {
		missing[domain.NormalizeCode(c)] = true
	}

	out := make([]CodeView, 0, len(codes))
	for _, c := range codes {
		key := domain.NormalizeCode(c.Code)
		cv := CodeView{Code: c.Code, Source: c.Source}
		switch {
		case savings[key] != nil:
			cv.Status = CodeActive
			cv.Savings = savings[key]
		case missing[key]:
			cv.Status = CodeUnknown
		default:
			cv.Status = CodeInactive
		}
		if cv.Status != CodeActive && c.Source == domain.CodeSourceURL {
			continue
		}
		out = append(out, cv)
	}
	return out
}
