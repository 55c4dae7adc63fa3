package cart

import (
	"context"

	"storefront-checkout/internal/domain"
)

// Change is a set of line and code edits applied to an alive cart in one
// transaction.
type Change struct {
	// Upsert lines with an empty ID are inserted; the rest are updated by ID.
	Upsert []domain.CartLine
	// Remove soft-deletes lines by ID.
	Remove []string
	// Codes replaces the cart's attached codes.
	Codes []domain.AppliedCode
}

// Carry is what a checkout moves into the successor cart.
type Carry struct {
	Lines []domain.CartLine
	Codes []domain.AppliedCode
}

type MergeResult struct {
	Cart *domain.Cart
	Plan domain.MergePlan
	// Reassigned is set when the user had no cart and the guest cart was
	// handed over as is.
	Reassigned bool
}

type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Cart, error)
	GetAlive(ctx context.Context, owner domain.Owner) (*domain.Cart, error)
	Create(ctx context.Context, owner domain.Owner, currency string) (*domain.Cart, error)
	Apply(ctx context.Context, cartID string, change Change) (*domain.Cart, error)
	// Merge folds the guest's alive cart into the user's alive cart.
	Merge(ctx context.Context, guestID, userID string) (*MergeResult, error)
	// CheckOut retires an alive cart and returns its successor.
	CheckOut(ctx context.Context, cartID string, carry Carry) (*domain.Cart, error)
}
