package offercode

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"storefront-checkout/internal/domain"
)

type Memory struct {
	mu    sync.RWMutex
	codes []domain.OfferCode
}

func NewMemory(codes ...domain.OfferCode) *Memory {
	m := &Memory{}
	for _, c := range codes {
		_, _ = m.Create(context.Background(), c)
	}
	return m
}

func (m *Memory) Create(_ context.Context, code domain.OfferCode) (*domain.OfferCode, error) {
	if code.Discount == nil {
		return nil, errors.New("offer code has no discount")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.codes {
		if c.SellerID == code.SellerID && domain.NormalizeCode(c.Code) == domain.NormalizeCode(code.Code) {
			return nil, domain.ErrAlreadyExists
		}
	}
	if fixed, ok := code.Discount.(domain.Fixed); ok {
		fixed.Currency = domain.NormalizeCurrency(fixed.Currency)
		code.Discount = fixed
	}
	if code.ID == "" {
		code.ID = uuid.NewString()
	}
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now().UTC()
	}
	m.codes = append(m.codes, code)
	return &code, nil
}

func (m *Memory) FindByCodes(_ context.Context, sellerIDs, codes []string) ([]domain.OfferCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	normalized := make([]string, 0, len(codes))
	for _, c := range codes {
		normalized = append(normalized, domain.NormalizeCode(c))
	}
	var out []domain.OfferCode
	for _, c := range m.codes {
		if slices.Contains(sellerIDs, c.SellerID) && slices.Contains(normalized, domain.NormalizeCode(c.Code)) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) IncrementUses(_ context.Context, counts map[string]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.codes {
		m.codes[i].Uses += counts[m.codes[i].ID]
	}
	return nil
}
