package domain

import "time"

type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderCompleted       OrderStatus = "completed"
	OrderPartiallyFailed OrderStatus = "partially_failed"
	OrderFailed          OrderStatus = "failed"
)

type ChargeStatus string

const (
	ChargePending   ChargeStatus = "pending"
	ChargeSucceeded ChargeStatus = "succeeded"
	ChargeFailed    ChargeStatus = "failed"
)

// Order is one checkout submission. It owns one charge per seller group.
type Order struct {
	ID           string      `json:"id"`
	BuyerUserID  *string     `json:"buyerUserId,omitempty"`
	BuyerGuestID *string     `json:"-"`
	CartID       string      `json:"cartId"`
	Status       OrderStatus `json:"status"`
	Charges      []Charge    `json:"charges"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// Charge is one processor transaction for a single seller.
type Charge struct {
	ID            string       `json:"id"`
	OrderID       string       `json:"orderId"`
	SellerID      string       `json:"sellerId"`
	Currency      string       `json:"currency"`
	AmountCents   int64        `json:"amountCents"`
	Status        ChargeStatus `json:"status"`
	ProcessorID   string       `json:"processorId,omitempty"`
	FailureReason string       `json:"failureReason,omitempty"`
	Purchases     []Purchase   `json:"purchases"`
	CreatedAt     time.Time    `json:"createdAt"`
}

// Purchase is an immutable priced record of one product (or bundle
// constituent) sold to a buyer.
type Purchase struct {
	ID                     string       `json:"id"`
	ChargeID               string       `json:"chargeId"`
	OrderID                string       `json:"orderId"`
	SellerID               string       `json:"sellerId"`
	ProductID              string       `json:"productId"`
	VariantID              string       `json:"variantId,omitempty"`
	Quantity               int          `json:"quantity"`
	Recurrence             Recurrence   `json:"recurrence,omitempty"`
	Rental                 bool         `json:"rental"`
	BasePriceCents         int64        `json:"basePriceCents"`
	PriceCents             int64        `json:"priceCents"`
	DiscountCents          int64        `json:"discountCents"`
	OfferCodeIDs           []string     `json:"offerCodeIds,omitempty"`
	OfferCodes             []string     `json:"offerCodes,omitempty"`
	DiscountDurationCycles *int         `json:"discountDurationCycles,omitempty"`
	Currency               string       `json:"currency"`
	BundlePurchaseID       *string      `json:"bundlePurchaseId,omitempty"`
	AttributedCents        int64        `json:"attributedCents"`
	Referrer               string       `json:"referrer,omitempty"`
	Status                 ChargeStatus `json:"status"`
	CreatedAt              time.Time    `json:"createdAt"`
}

// IsBundleConstituent reports whether p is owned by a bundle purchase.
func (p Purchase) IsBundleConstituent() bool { return p.BundlePurchaseID != nil }
