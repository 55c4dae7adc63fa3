package product

import (
	"context"

	"storefront-checkout/internal/domain"
)

// Repository is the catalog snapshot the cart prices against.
type Repository interface {
	Get(ctx context.Context, id string) (*domain.Product, error)
	// GetMany returns the products found, keyed by id. Missing ids are absent
	// from the map rather than an error.
	GetMany(ctx context.Context, ids []string) (map[string]domain.Product, error)
	ListBySeller(ctx context.Context, sellerID string) ([]domain.Product, error)
	Upsert(ctx context.Context, product domain.Product) (*domain.Product, error)
}
