package product

import (
	"context"
	"sort"
	"sync"
	"time"

	"storefront-checkout/internal/domain"
)

// Memory is an in-process catalog used by tests and the dev server.
type Memory struct {
	mu       sync.RWMutex
	products map[string]domain.Product
}

func NewMemory(products ...domain.Product) *Memory {
	m := &Memory{products: make(map[string]domain.Product)}
	for _, p := range products {
		_, _ = m.Upsert(context.Background(), p)
	}
	return m
}

func (m *Memory) Get(_ context.Context, id string) (*domain.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

func (m *Memory) GetMany(_ context.Context, ids []string) (map[string]domain.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (m *Memory) ListBySeller(_ context.Context, sellerID string) ([]domain.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Product
	for _, p := range m.products {
		if p.SellerID == sellerID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) Upsert(_ context.Context, product domain.Product) (*domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := m.products[product.ID]; ok {
		product.CreatedAt = existing.CreatedAt
	} else if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	product.Currency = domain.NormalizeCurrency(product.Currency)
	m.products[product.ID] = product
	return &product, nil
}
