package domain

import (
	"strings"
	"time"
)

// Discount is either a Percentage or a Fixed amount.
type Discount interface {
	isDiscount()
	// IsZero reports a code that takes nothing off.
	IsZero() bool
}

// Percentage takes Value percent off each qualifying unit.
type Percentage struct {
	Value int `json:"value"`
}

// Fixed takes Cents off each qualifying unit, in Currency only.
type Fixed struct {
	Cents    int64  `json:"cents"`
	Currency string `json:"currency"`
}

func (Percentage) isDiscount() {}
func (Fixed) isDiscount()      {}

func (p Percentage) IsZero() bool { return p.Value == 0 }
func (f Fixed) IsZero() bool      { return f.Cents == 0 }

// OfferCode is a seller-defined discount code.
type OfferCode struct {
	ID                      string
	Code                    string
	SellerID                string
	Universal               bool
	ProductIDs              []string
	Discount                Discount
	ValidAt                 *time.Time
	ExpiresAt               *time.Time
	MaxUses                 *int
	Uses                    int
	MinimumQuantity         *int
	MinimumAmountCents      *int64
	DurationInBillingCycles *int
	CreatedAt               time.Time
}

// NormalizeCode is the comparison form of a code string.
func NormalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// InWindow reports whether now falls inside [ValidAt, ExpiresAt].
func (o *OfferCode) InWindow(now time.Time) bool {
	if o.ValidAt != nil && now.Before(*o.ValidAt) {
		return false
	}
	if o.ExpiresAt != nil && now.After(*o.ExpiresAt) {
		return false
	}
	return true
}

// SoldOut reports whether the usage cap is reached.
func (o *OfferCode) SoldOut() bool {
	return o.MaxUses != nil && o.Uses >= *o.MaxUses
}

// AppliesToProduct reports scope membership, ignoring seller ownership.
func (o *OfferCode) AppliesToProduct(productID string) bool {
	if o.Universal {
		return true
	}
	for _, id := range o.ProductIDs {
		if id == productID {
			return true
		}
	}
	return false
}
