// Package discount decides which offer codes apply to which cart lines and
// computes the discounted prices. Everything here is a pure function of its
// inputs.
package discount

import (
	"time"

	"github.com/shopspring/decimal"

	"storefront-checkout/internal/domain"
)

// Line is a priced cart line as seen by the engine.
type Line struct {
	LineID    string
	ProductID string
	SellerID  string
	Currency  string
	UnitCents int64
	Quantity  int
}

// Offer is an attached code together with how it reached the cart.
type Offer struct {
	Code   domain.OfferCode
	Source domain.CodeSource
}

// DiscountedLine is a Line after every active code has been applied.
type DiscountedLine struct {
	Line
	DiscountedUnitCents     int64
	DiscountCents           int64
	TotalCents              int64
	Codes                   []string
	OfferCodeIDs            []string
	DurationInBillingCycles *int
}

// CodeSavings is the display breakdown for one active code.
type CodeSavings struct {
	Code     string
	SellerID string
	// Amounts is keyed by currency.
	Amounts map[string]int64
}

// Detachment is a code Reprice removed from the cart.
type Detachment struct {
	Code   string
	Reason string
}

// Lapse is one seller's offer that is attached but currently inactive.
type Lapse struct {
	Code     string
	SellerID string
	Reason   string
}

// Result reports codes by string: a code is inactive or detached only when no
// offer sharing its string is active. Lapsed keeps the per-seller detail.
type Result struct {
	Lines    []DiscountedLine
	Savings  []CodeSavings
	Inactive []string
	Detached []Detachment
	Lapsed   []Lapse
}

// TotalsByCurrency sums the discounted line totals per currency.
func (r Result) TotalsByCurrency() map[string]int64 {
	out := make(map[string]int64)
	for _, l := range r.Lines {
		out[l.Currency] += l.TotalCents
	}
	return out
}

// Line returns the discounted line with the given id.
func (r Result) Line(id string) (DiscountedLine, bool) {
	for _, l := range r.Lines {
		if l.LineID == id {
			return l, true
		}
	}
	return DiscountedLine{}, false
}

type status int

const (
	statusActive status = iota
	statusInactive
	statusBlocked
)

type verdict struct {
	offer   Offer
	status  status
	reason  string
	perUnit map[int]int64
}

// Apply evaluates offers strictly: a blocked code fails the whole call with an
// *domain.IneligibleError, unless another seller's offer with the same string
// is active.
func Apply(lines []Line, offers []Offer, now time.Time) (Result, error) {
	return run(lines, offers, now, true)
}

// Reprice evaluates offers after a cart change. Blocked codes are reported in
// Result.Detached instead of failing.
func Reprice(lines []Line, offers []Offer, now time.Time) (Result, error) {
	return run(lines, offers, now, false)
}

func run(lines []Line, offers []Offer, now time.Time, strict bool) (Result, error) {
	var res Result
	verdicts := make([]verdict, len(offers))
	live := map[string]bool{}
	for i, offer := range offers {
		verdicts[i] = evaluate(offer, lines, now)
		if verdicts[i].status == statusActive {
			live[domain.NormalizeCode(offer.Code.Code)] = true
		}
	}

	active := make([]verdict, 0, len(offers))
	inactive, detached := map[string]bool{}, map[string]bool{}
	for _, v := range verdicts {
		code := v.offer.Code
		key := domain.NormalizeCode(code.Code)
		switch v.status {
		case statusInactive:
			res.Lapsed = append(res.Lapsed, Lapse{Code: code.Code, SellerID: code.SellerID, Reason: v.reason})
			if !live[key] && !inactive[key] {
				inactive[key] = true
				res.Inactive = append(res.Inactive, code.Code)
			}
		case statusBlocked:
			// A sibling offer keeps the code attached; this one just
			// contributes nothing.
			if live[key] {
				continue
			}
			if strict {
				return Result{}, &domain.IneligibleError{Code: code.Code, Reason: v.reason}
			}
			if !detached[key] {
				detached[key] = true
				res.Detached = append(res.Detached, Detachment{Code: code.Code, Reason: v.reason})
			}
		default:
			active = append(active, v)
		}
	}

	savings := make([]CodeSavings, len(active))
	for i, v := range active {
		savings[i] = CodeSavings{Code: v.offer.Code.Code, SellerID: v.offer.Code.SellerID, Amounts: map[string]int64{}}
	}

	// Everything is computed before the result is assembled so a floor
	// violation leaves no partially discounted lines behind.
	out := make([]DiscountedLine, len(lines))
	for i, line := range lines {
		dl := DiscountedLine{Line: line}
		remaining := line.UnitCents
		var (
			durations []*int
			applied   bool
		)
		for j, v := range active {
			amount, ok := v.perUnit[i]
			if !ok {
				continue
			}
			take := min(amount, remaining)
			remaining -= take
			dl.Codes = append(dl.Codes, v.offer.Code.Code)
			dl.OfferCodeIDs = append(dl.OfferCodeIDs, v.offer.Code.ID)
			durations = append(durations, v.offer.Code.DurationInBillingCycles)
			savings[j].Amounts[line.Currency] += take * int64(line.Quantity)
			if take > 0 {
				applied = true
			}
		}
		dl.DiscountedUnitCents = remaining
		if applied && remaining > 0 && remaining < domain.MinimumChargeCents(line.Currency) {
			return Result{}, &domain.FloorError{
				Codes:        dl.Codes,
				LineID:       line.LineID,
				Currency:     line.Currency,
				PriceCents:   remaining,
				MinimumCents: domain.MinimumChargeCents(line.Currency),
			}
		}
		dl.TotalCents = remaining * int64(line.Quantity)
		dl.DiscountCents = (line.UnitCents - remaining) * int64(line.Quantity)
		dl.DurationInBillingCycles = longestDuration(durations)
		out[i] = dl
	}

	res.Lines = out
	res.Savings = savings
	return res, nil
}

func evaluate(offer Offer, lines []Line, now time.Time) verdict {
	code := offer.Code
	v := verdict{offer: offer, perUnit: map[int]int64{}}

	switch {
	case !code.InWindow(now):
		v.status, v.reason = statusInactive, "outside its validity window"
		return v
	case code.SoldOut():
		v.status, v.reason = statusInactive, "usage limit reached"
		return v
	case code.Discount == nil:
		v.status, v.reason = statusInactive, "no discount configured"
		return v
	case code.Discount.IsZero() && offer.Source == domain.CodeSourceURL:
		v.status, v.reason = statusInactive, "zero-value code from a link"
		return v
	}

	var eligible []int
	for i, l := range lines {
		if l.SellerID == code.SellerID && code.AppliesToProduct(l.ProductID) {
			eligible = append(eligible, i)
		}
	}

	if fixed, ok := code.Discount.(domain.Fixed); ok {
		for _, i := range eligible {
			if domain.NormalizeCurrency(lines[i].Currency) != domain.NormalizeCurrency(fixed.Currency) {
				v.status = statusBlocked
				v.reason = "its currency " + domain.NormalizeCurrency(fixed.Currency) + " does not match the " + domain.NormalizeCurrency(lines[i].Currency) + " price of " + lines[i].ProductID
				return v
			}
		}
	}

	if code.MinimumQuantity != nil {
		kept := eligible[:0:0]
		for _, i := range eligible {
			if lines[i].Quantity >= *code.MinimumQuantity {
				kept = append(kept, i)
			}
		}
		if len(kept) == 0 && len(eligible) > 0 {
			v.status, v.reason = statusBlocked, "minimum quantity not met"
			return v
		}
		eligible = kept
	}

	if len(eligible) == 0 {
		v.status, v.reason = statusBlocked, "does not apply to any item in the cart"
		return v
	}

	if code.MinimumAmountCents != nil {
		var total int64
		for _, i := range eligible {
			total += lines[i].UnitCents * int64(lines[i].Quantity)
		}
		if total < *code.MinimumAmountCents {
			v.status, v.reason = statusBlocked, "minimum amount not met"
			return v
		}
	}

	for _, i := range eligible {
		v.perUnit[i] = perUnitAmount(code.Discount, lines[i].UnitCents)
	}
	v.status = statusActive
	return v
}

func perUnitAmount(d domain.Discount, unitCents int64) int64 {
	switch d := d.(type) {
	case domain.Percentage:
		amount := decimal.NewFromInt(unitCents).
			Mul(decimal.NewFromInt(int64(d.Value))).
			Div(decimal.NewFromInt(100)).
			Round(0).
			IntPart()
		return min(amount, unitCents)
	case domain.Fixed:
		return min(d.Cents, unitCents)
	}
	return 0
}

// longestDuration picks the duration recorded on a membership line; nil means
// forever and wins over any finite count.
func longestDuration(durations []*int) *int {
	if len(durations) == 0 {
		return nil
	}
	var longest *int
	for _, d := range durations {
		if d == nil {
			return nil
		}
		if longest == nil || *d > *longest {
			longest = d
		}
	}
	return longest
}
