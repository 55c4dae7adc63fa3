// Package product serves read-only catalog lookups for the storefront.
package product

import (
	"context"
	"fmt"
	"strings"

	"storefront-checkout/internal/domain"
	productrepo "storefront-checkout/internal/repository/product"
)

type Service struct {
	repo productrepo.Repository
}

func New(repo productrepo.Repository) *Service {
	return &Service{repo: repo}
}

// ListBySeller returns the seller's products that can currently be bought.
func (s *Service) ListBySeller(ctx context.Context, sellerID string) ([]domain.Product, error) {
	sellerID = strings.TrimSpace(sellerID)
	if sellerID == "" {
		return nil, fmt.Errorf("%w: seller id required", domain.ErrInvalidInput)
	}
	all, err := s.repo.ListBySeller(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Product, 0, len(all))
	for _, p := range all {
		if p.Available {
			out = append(out, p)
		}
	}
	return out, nil
}

// Get returns a product. Withdrawn products are reported as not found.
func (s *Service) Get(ctx context.Context, id string) (*domain.Product, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Available {
		return nil, domain.ErrNotFound
	}
	return p, nil
}
