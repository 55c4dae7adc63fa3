package order

import (
	"context"
	"fmt"
	"sync"

	"storefront-checkout/internal/domain"
	cartrepo "storefront-checkout/internal/repository/cart"
)

// Memory stores orders in process and rotates carts through the given cart
// repository.
type Memory struct {
	mu     sync.Mutex
	carts  cartrepo.Repository
	orders map[string]*domain.Order
}

func NewMemory(carts cartrepo.Repository) *Memory {
	return &Memory{carts: carts, orders: make(map[string]*domain.Order)}
}

func (m *Memory) CreateOrder(_ context.Context, order domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[order.ID]; ok {
		return domain.ErrAlreadyExists
	}
	for _, o := range m.orders {
		if o.CartID == order.CartID && o.Status == domain.OrderPending {
			return domain.ErrAlreadyExists
		}
	}
	order.Charges = nil
	m.orders[order.ID] = &order
	return nil
}

func (m *Memory) SaveCharge(_ context.Context, charge domain.Charge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[charge.OrderID]
	if !ok {
		return domain.ErrNotFound
	}
	for _, c := range o.Charges {
		if c.ID == charge.ID {
			return domain.ErrAlreadyExists
		}
	}
	seen := make(map[string]bool, len(charge.Purchases))
	for _, p := range charge.Purchases {
		if seen[p.ID] {
			return fmt.Errorf("purchase %s: %w", p.ID, domain.ErrAlreadyExists)
		}
		if p.BundlePurchaseID != nil && !seen[*p.BundlePurchaseID] {
			return fmt.Errorf("purchase %s references unknown bundle purchase %s", p.ID, *p.BundlePurchaseID)
		}
		seen[p.ID] = true
	}
	charge.Purchases = append([]domain.Purchase(nil), charge.Purchases...)
	o.Charges = append(o.Charges, charge)
	return nil
}

func (m *Memory) MarkCharge(_ context.Context, chargeID string, status domain.ChargeStatus, processorID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		for i := range o.Charges {
			c := &o.Charges[i]
			if c.ID != chargeID {
				continue
			}
			if c.Status != domain.ChargePending {
				return domain.ErrNotFound
			}
			c.Status = status
			c.ProcessorID = processorID
			c.FailureReason = reason
			for j := range c.Purchases {
				c.Purchases[j].Status = status
			}
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *Memory) Finalize(ctx context.Context, in FinalizeInput) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[in.OrderID]
	if !ok || o.Status != domain.OrderPending {
		return "", domain.ErrNotFound
	}
	var successorID string
	if in.Rotate {
		successor, err := m.carts.CheckOut(ctx, in.CartID, in.Carry)
		if err != nil {
			return "", err
		}
		successorID = successor.ID
	}
	o.Status = in.Status
	return successorID, nil
}

func (m *Memory) Get(_ context.Context, id string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *o
	out.Charges = make([]domain.Charge, len(o.Charges))
	for i, c := range o.Charges {
		c.Purchases = append([]domain.Purchase(nil), c.Purchases...)
		out.Charges[i] = c
	}
	return &out, nil
}
