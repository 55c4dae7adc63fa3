package order

import (
	"context"

	"storefront-checkout/internal/domain"
	cartrepo "storefront-checkout/internal/repository/cart"
)

type FinalizeInput struct {
	OrderID string
	Status  domain.OrderStatus
	CartID  string
	// Rotate retires the cart and creates its successor holding Carry.
	Rotate bool
	Carry  cartrepo.Carry
}

type Repository interface {
	// CreateOrder stores a pending order without charges. It returns
	// ErrAlreadyExists while another order for the same cart is pending.
	CreateOrder(ctx context.Context, order domain.Order) error
	// SaveCharge stores a pending charge and all its purchases atomically.
	SaveCharge(ctx context.Context, charge domain.Charge) error
	// MarkCharge settles a charge and its purchases.
	MarkCharge(ctx context.Context, chargeID string, status domain.ChargeStatus, processorID, reason string) error
	// Finalize sets the order status and, when asked, rotates the cart in the
	// same transaction. It returns the successor cart id, if any.
	Finalize(ctx context.Context, in FinalizeInput) (string, error)
	Get(ctx context.Context, id string) (*domain.Order, error)
}
