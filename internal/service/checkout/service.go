// Package checkout re-validates a cart against live catalog and offer-code
// state and hands it to the order splitter when nothing drifted.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"storefront-checkout/internal/bundle"
	"storefront-checkout/internal/domain"
	"storefront-checkout/internal/lock"
	"storefront-checkout/internal/quote"
	"storefront-checkout/internal/service/order"
)

const defaultLockTTL = 2 * time.Minute

type State string

const (
	StatePriced     State = "priced"
	StateValidating State = "validating"
	StateCommitted  State = "committed"
	StateRejected   State = "rejected"
)

type cartReader interface {
	GetAlive(ctx context.Context, owner domain.Owner) (*domain.Cart, error)
	GetByID(ctx context.Context, id string) (*domain.Cart, error)
}

type committer interface {
	Commit(ctx context.Context, in order.Input) (*order.Result, error)
}

// Request is a buyer's submission. ExpectedTotals, when set, are the
// per-currency totals the client showed the buyer.
type Request struct {
	Owner          domain.Owner
	ExpectedTotals map[string]int64
	PaymentMethod  string
}

// Rejection explains why a submission was turned down. The cart is left as
// it was. Cause, when set, is the typed error behind Reason.
type Rejection struct {
	Reason error
	Cause  error
	LineID string
	Code   string
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return "checkout rejected: " + r.Reason.Error()
	}
	return fmt.Sprintf("checkout rejected: %v: %s", r.Reason, r.Detail)
}

func (r *Rejection) Unwrap() []error {
	if r.Cause == nil {
		return []error{r.Reason}
	}
	return []error{r.Reason, r.Cause}
}

type Outcome struct {
	State     State
	Result    *order.Result
	Rejection *Rejection
}

type Service struct {
	carts    cartReader
	products quote.Catalog
	codes    quote.CodeFinder
	locker   lock.Locker
	orders   committer
	logger   zerolog.Logger
	now      func() time.Time
	lockTTL  time.Duration
}

type Option func(*Service)

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithLockTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lockTTL = d
		}
	}
}

func New(carts cartReader, products quote.Catalog, codes quote.CodeFinder, locker lock.Locker, orders committer, opts ...Option) *Service {
	s := &Service{
		carts:    carts,
		products: products,
		codes:    codes,
		locker:   locker,
		orders:   orders,
		logger:   zerolog.Nop(),
		now:      time.Now,
		lockTTL:  defaultLockTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates the owner's alive cart and commits it. A rejected
// submission returns both the outcome and its *Rejection as the error.
func (s *Service) Submit(ctx context.Context, req Request) (*Outcome, error) {
	if req.Owner.IsZero() {
		return nil, fmt.Errorf("%w: owner required", domain.ErrInvalidInput)
	}
	cart, err := s.carts.GetAlive(ctx, req.Owner)
	if errors.Is(err, domain.ErrNotFound) {
		return s.reject("", &Rejection{Reason: domain.ErrEmptyCart})
	}
	if err != nil {
		return nil, err
	}

	lease, err := s.locker.Acquire(ctx, "checkout:"+cart.ID, s.lockTTL)
	if errors.Is(err, lock.ErrHeld) {
		return nil, domain.ErrCheckoutAlreadyInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("acquire checkout lock: %w", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn().Err(err).Str("cart_id", cart.ID).Msg("checkout: release lock")
		}
	}()

	// The cart may have been checked out while we waited for the lock.
	cart, err = s.carts.GetByID(ctx, cart.ID)
	if err != nil {
		return nil, err
	}
	if !cart.IsAlive() {
		return s.reject(cart.ID, &Rejection{Reason: domain.ErrCartNotAlive})
	}
	s.logger.Debug().Str("cart_id", cart.ID).Str("state", string(StateValidating)).Msg("checkout: validating")

	lines, rej, err := s.validate(ctx, cart, req)
	if err != nil {
		return nil, err
	}
	if rej != nil {
		return s.reject(cart.ID, rej)
	}

	stop := s.keepLease(ctx, lease, cart.ID)
	res, err := s.orders.Commit(ctx, order.Input{Cart: cart, Lines: lines, PaymentMethod: req.PaymentMethod})
	stop()
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("cart_id", cart.ID).Str("order_id", res.Order.ID).Str("state", string(StateCommitted)).Msg("checkout: committed")
	return &Outcome{State: StateCommitted, Result: res}, nil
}

// keepLease extends the checkout lock every third of its TTL until the
// returned stop func is called. Charging many seller groups can outlast a
// single TTL.
func (s *Service) keepLease(ctx context.Context, lease *lock.Lease, cartID string) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(max(s.lockTTL/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lease.Extend(context.WithoutCancel(ctx), s.lockTTL); err != nil {
					// The pending order still keeps a second submission out.
					s.logger.Error().Err(err).Str("cart_id", cartID).Msg("checkout: extend lock")
					if errors.Is(err, lock.ErrLost) {
						return
					}
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (s *Service) reject(cartID string, rej *Rejection) (*Outcome, error) {
	s.logger.Info().
		Str("cart_id", cartID).
		Str("state", string(StateRejected)).
		Str("line_id", rej.LineID).
		Str("code", rej.Code).
		Err(rej.Reason).
		Msg("checkout: rejected")
	return &Outcome{State: StateRejected, Rejection: rej}, rej
}

// validate re-prices the cart strictly and compares the result with what the
// buyer was shown. A nil rejection means the cart may be committed.
func (s *Service) validate(ctx context.Context, cart *domain.Cart, req Request) ([]order.ValidatedLine, *Rejection, error) {
	if len(cart.Lines) == 0 {
		return nil, &Rejection{Reason: domain.ErrEmptyCart}, nil
	}
	codes := make([]string, 0, len(cart.Codes))
	for _, c := range cart.Codes {
		codes = append(codes, c.Code)
	}
	snap, err := quote.Load(ctx, s.products, s.codes, cart.Lines, codes)
	if err != nil {
		return nil, nil, err
	}

	for _, l := range cart.Lines {
		p, ok := snap.Products[l.ProductID]
		if !ok || !p.IsBundle() {
			continue
		}
		if err := bundle.Verify(l.BundleFingerprint, p); err != nil {
			return nil, &Rejection{Reason: domain.ErrBundleContentsChanged, LineID: l.ID, Detail: err.Error()}, nil
		}
	}

	q, err := quote.Build(cart.Lines, cart.Codes, snap, s.now(), true)
	if err != nil {
		if rej := rejectionFor(err, cart); rej != nil {
			return nil, rej, nil
		}
		return nil, nil, err
	}
	if len(q.Missing) > 0 {
		return nil, &Rejection{Reason: domain.ErrDiscountChanged, Code: q.Missing[0], Detail: "code no longer exists"}, nil
	}

	lapsed := lapsedSellers(q)
	out := make([]order.ValidatedLine, len(q.Lines))
	for i, l := range q.Lines {
		if l.Discounted.TotalCents != l.CartLine.DisplayedCents {
			reason := domain.ErrPriceChanged
			if lapsed[l.Product.SellerID] {
				reason = domain.ErrDiscountChanged
			}
			return nil, &Rejection{
				Reason: reason,
				LineID: l.CartLine.ID,
				Detail: fmt.Sprintf("%s now costs %d %s, was shown %d", l.Product.ID, l.Discounted.TotalCents, l.Price.Currency, l.CartLine.DisplayedCents),
			}, nil
		}
		out[i] = order.ValidatedLine{Line: l}
		if l.Product.IsBundle() {
			cs, err := bundle.Expand(l.Product, l.Discounted.TotalCents, snap.Products)
			if err != nil {
				if rej := rejectionFor(err, cart); rej != nil {
					return nil, rej, nil
				}
				return nil, nil, err
			}
			out[i].Constituents = cs
		}
	}

	if req.ExpectedTotals != nil {
		totals := q.TotalsByCurrency()
		if !maps.Equal(totals, req.ExpectedTotals) {
			return nil, &Rejection{Reason: domain.ErrPriceChanged, Detail: fmt.Sprintf("totals are %v, client expected %v", totals, req.ExpectedTotals)}, nil
		}
	}
	return out, nil, nil
}

// lapsedSellers are the sellers owning an attached code that stopped being
// active since it was applied.
func lapsedSellers(q *quote.Quote) map[string]bool {
	out := map[string]bool{}
	for _, l := range q.Result.Lapsed {
		out[l.SellerID] = true
	}
	return out
}

func rejectionFor(err error, cart *domain.Cart) *Rejection {
	var (
		mismatch   *domain.MismatchError
		belowPrice *domain.MinimumPriceError
		inelig     *domain.IneligibleError
		floor      *domain.FloorError
	)
	switch {
	case errors.As(err, &mismatch):
		return &Rejection{Reason: domain.ErrCatalogMismatch, Cause: mismatch, LineID: lineFor(cart, mismatch.ProductID), Detail: mismatch.Reason}
	case errors.As(err, &belowPrice):
		return &Rejection{Reason: domain.ErrBelowMinimumPrice, Cause: belowPrice, LineID: lineFor(cart, belowPrice.ProductID), Detail: err.Error()}
	case errors.As(err, &inelig):
		return &Rejection{Reason: domain.ErrIneligibleDiscount, Cause: inelig, Code: inelig.Code, Detail: inelig.Reason}
	case errors.As(err, &floor):
		var code string
		if len(floor.Codes) > 0 {
			code = floor.Codes[len(floor.Codes)-1]
		}
		return &Rejection{Reason: domain.ErrDiscountBelowFloor, Cause: floor, LineID: floor.LineID, Code: code, Detail: err.Error()}
	}
	return nil
}

func lineFor(cart *domain.Cart, productID string) string {
	for _, l := range cart.Lines {
		if l.ProductID == productID {
			return l.ID
		}
	}
	return ""
}
