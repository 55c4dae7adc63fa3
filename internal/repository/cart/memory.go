package cart

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"storefront-checkout/internal/domain"
)

// Memory keeps carts in process. Soft-deleted lines are retained like the
// postgres implementation does.
type Memory struct {
	mu    sync.Mutex
	carts map[string]*domain.Cart
	lines map[string][]domain.CartLine
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		carts: make(map[string]*domain.Cart),
		lines: make(map[string][]domain.CartLine),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) GetByID(_ context.Context, id string) (*domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(id)
}

func (m *Memory) GetAlive(_ context.Context, owner domain.Owner) (*domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.aliveFor(owner); c != nil {
		return m.snapshot(c.ID)
	}
	return nil, domain.ErrNotFound
}

func (m *Memory) Create(_ context.Context, owner domain.Owner, currency string) (*domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.aliveFor(owner) != nil {
		return nil, domain.ErrAlreadyExists
	}
	id := m.insertCart(owner, currency, nil)
	return m.snapshot(id)
}

func (m *Memory) Apply(_ context.Context, cartID string, change Change) (*domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cart, ok := m.carts[cartID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !cart.IsAlive() {
		return nil, domain.ErrCartNotAlive
	}

	// Work on a copy so a failed change leaves the cart untouched.
	lines := append([]domain.CartLine(nil), m.lines[cartID]...)
	now := m.now()
	for _, id := range change.Remove {
		i := indexAlive(lines, func(l domain.CartLine) bool { return l.ID == id })
		if i < 0 {
			return nil, domain.ErrNotFound
		}
		lines[i].DeletedAt = &now
		lines[i].UpdatedAt = now
	}
	for _, line := range change.Upsert {
		if line.ID == "" {
			lines = m.upsertByKey(lines, cartID, line, now)
			continue
		}
		i := indexAlive(lines, func(l domain.CartLine) bool { return l.ID == line.ID })
		if i < 0 {
			return nil, domain.ErrNotFound
		}
		lines[i].Quantity = line.Quantity
		lines[i].PWYWCents = line.PWYWCents
		lines[i].Rental = line.Rental
		lines[i].Referrer = line.Referrer
		lines[i].BundleFingerprint = line.BundleFingerprint
		lines[i].DisplayedCents = line.DisplayedCents
		lines[i].UpdatedAt = now
	}
	if countAlive(lines) > domain.MaxCartLines {
		return nil, domain.ErrCartFull
	}

	m.lines[cartID] = lines
	cart.Codes = append([]domain.AppliedCode(nil), change.Codes...)
	cart.UpdatedAt = now
	return m.snapshot(cartID)
}

func (m *Memory) Merge(_ context.Context, guestID, userID string) (*MergeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	guest := m.aliveFor(domain.Owner{GuestID: guestID})
	if guest == nil {
		return nil, domain.ErrNotFound
	}
	now := m.now()
	res := &MergeResult{}

	user := m.aliveFor(domain.Owner{UserID: userID})
	if user == nil {
		guest.UserID = &userID
		guest.GuestID = nil
		guest.UpdatedAt = now
		res.Reassigned = true
		cart, err := m.snapshot(guest.ID)
		if err != nil {
			return nil, err
		}
		res.Cart = cart
		return res, nil
	}

	guestView, _ := m.snapshot(guest.ID)
	userView, _ := m.snapshot(user.ID)
	res.Plan = domain.PlanMerge(*guestView, *userView)

	lines := m.lines[user.ID]
	for _, line := range res.Plan.Lines {
		lines = m.upsertByKey(lines, user.ID, line, now)
	}
	m.lines[user.ID] = lines
	user.Codes = res.Plan.Codes
	user.UpdatedAt = now

	guest.State = domain.CartMerged
	guest.SuccessorID = &user.ID
	guest.DeletedAt = &now
	guest.UpdatedAt = now

	cart, err := m.snapshot(user.ID)
	if err != nil {
		return nil, err
	}
	res.Cart = cart
	return res, nil
}

func (m *Memory) CheckOut(_ context.Context, cartID string, carry Carry) (*domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cart, ok := m.carts[cartID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !domain.CanTransition(cart.State, domain.CartCheckedOut) {
		return nil, domain.ErrCartNotAlive
	}
	now := m.now()
	cart.State = domain.CartCheckedOut
	cart.DeletedAt = &now
	cart.UpdatedAt = now

	successorID := m.insertCart(cart.Owner(), cart.Currency, carry.Codes)
	var lines []domain.CartLine
	for _, line := range carry.Lines {
		lines = m.upsertByKey(lines, successorID, line, now)
	}
	m.lines[successorID] = lines
	cart.SuccessorID = &successorID
	return m.snapshot(successorID)
}

func (m *Memory) aliveFor(owner domain.Owner) *domain.Cart {
	for _, c := range m.carts {
		if c.IsAlive() && !owner.IsZero() && c.Owner() == owner {
			return c
		}
	}
	return nil
}

func (m *Memory) insertCart(owner domain.Owner, currency string, codes []domain.AppliedCode) string {
	now := m.now()
	c := &domain.Cart{
		ID:        uuid.NewString(),
		State:     domain.CartAlive,
		Currency:  domain.NormalizeCurrency(currency),
		Codes:     append([]domain.AppliedCode(nil), codes...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if owner.UserID != "" {
		id := owner.UserID
		c.UserID = &id
	} else {
		id := owner.GuestID
		c.GuestID = &id
	}
	m.carts[c.ID] = c
	return c.ID
}

// upsertByKey mirrors the ON CONFLICT clause: an alive line with the same key
// is overwritten instead of duplicated.
func (m *Memory) upsertByKey(lines []domain.CartLine, cartID string, line domain.CartLine, now time.Time) []domain.CartLine {
	key := line.Key()
	if i := indexAlive(lines, func(l domain.CartLine) bool { return l.Key() == key }); i >= 0 {
		lines[i].Quantity = line.Quantity
		lines[i].PWYWCents = line.PWYWCents
		lines[i].Rental = line.Rental
		lines[i].Referrer = line.Referrer
		lines[i].BundleFingerprint = line.BundleFingerprint
		lines[i].DisplayedCents = line.DisplayedCents
		lines[i].UpdatedAt = now
		return lines
	}
	line.ID = uuid.NewString()
	line.CartID = cartID
	line.CreatedAt = now
	line.UpdatedAt = now
	line.DeletedAt = nil
	return append(lines, line)
}

func (m *Memory) snapshot(id string) (*domain.Cart, error) {
	c, ok := m.carts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *c
	out.Codes = append([]domain.AppliedCode(nil), c.Codes...)
	out.Lines = nil
	for _, l := range m.lines[id] {
		if l.DeletedAt == nil {
			out.Lines = append(out.Lines, l)
		}
	}
	return &out, nil
}

func indexAlive(lines []domain.CartLine, match func(domain.CartLine) bool) int {
	for i, l := range lines {
		if l.DeletedAt == nil && match(l) {
			return i
		}
	}
	return -1
}

func countAlive(lines []domain.CartLine) int {
	n := 0
	for _, l := range lines {
		if l.DeletedAt == nil {
			n++
		}
	}
	return n
}
