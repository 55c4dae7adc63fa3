package domain

import "time"

type ProductKind string

const (
	KindDigital    ProductKind = "digital"
	KindMembership ProductKind = "membership"
	KindCall       ProductKind = "call"
	KindBundle     ProductKind = "bundle"
	KindPhysical   ProductKind = "physical"
)

// Recurrence is a membership billing period. The empty value means one-time.
type Recurrence string

const (
	RecurrenceNone      Recurrence = ""
	RecurrenceMonthly   Recurrence = "monthly"
	RecurrenceQuarterly Recurrence = "quarterly"
	RecurrenceBiannual  Recurrence = "biannually"
	RecurrenceYearly    Recurrence = "yearly"
)

// Product is the catalog snapshot the engine prices against.
type Product struct {
	ID               string               `json:"id"`
	SellerID         string               `json:"sellerId"`
	Name             string               `json:"name"`
	Kind             ProductKind          `json:"kind"`
	PriceCents       int64                `json:"priceCents"`
	RentalPriceCents *int64               `json:"rentalPriceCents,omitempty"`
	Currency         string               `json:"currency"`
	PWYW             bool                 `json:"pwyw"`
	Available        bool                 `json:"available"`
	Variants         []Variant            `json:"variants,omitempty"`
	RecurrencePrices map[Recurrence]int64 `json:"recurrencePrices,omitempty"`
	BundleItems      []BundleItem         `json:"bundleItems,omitempty"`
	CreatedAt        time.Time            `json:"createdAt"`
	UpdatedAt        time.Time            `json:"updatedAt"`
}

// Variant is a product option or a membership tier.
type Variant struct {
	ID                   string               `json:"id"`
	Name                 string               `json:"name"`
	PriceDifferenceCents int64                `json:"priceDifferenceCents"`
	RecurrencePrices     map[Recurrence]int64 `json:"recurrencePrices,omitempty"`
	Available            bool                 `json:"available"`
}

// BundleItem is one constituent of a bundle product.
type BundleItem struct {
	ProductID string `json:"productId"`
	VariantID string `json:"variantId,omitempty"`
	Quantity  int    `json:"quantity"`
}

func (p *Product) IsMembership() bool { return p.Kind == KindMembership }

func (p *Product) IsBundle() bool { return p.Kind == KindBundle }

// Variant looks up a variant by id.
func (p *Product) Variant(id string) (Variant, bool) {
	for _, v := range p.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}
