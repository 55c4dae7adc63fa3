package offercode

import (
	"context"

	"storefront-checkout/internal/domain"
)

type Repository interface {
	Create(ctx context.Context, code domain.OfferCode) (*domain.OfferCode, error)
	// FindByCodes returns the codes owned by any of sellerIDs whose code
	// matches one of codes, compared case-insensitively.
	FindByCodes(ctx context.Context, sellerIDs, codes []string) ([]domain.OfferCode, error)
	// IncrementUses adds the given counts to each code's usage.
	IncrementUses(ctx context.Context, counts map[string]int) error
}
