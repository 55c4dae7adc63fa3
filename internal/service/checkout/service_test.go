package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"storefront-checkout/internal/bundle"
	"storefront-checkout/internal/domain"
	"storefront-checkout/internal/lock"
	"storefront-checkout/internal/payment"
	"storefront-checkout/internal/receipt"
	cartrepo "storefront-checkout/internal/repository/cart"
	offercoderepo "storefront-checkout/internal/repository/offercode"
	orderrepo "storefront-checkout/internal/repository/order"
	productrepo "storefront-checkout/internal/repository/product"
	cartsvc "storefront-checkout/internal/service/cart"
	"storefront-checkout/internal/service/order"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	now   = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	buyer = domain.Owner{UserID: "buyer"}
)

type env struct {
	svc      *Service
	carts    *cartrepo.Memory
	products *productrepo.Memory
	codes    *offercoderepo.Memory
	locker   *lock.Memory
	payments *payment.Simulated
	orders   *orderrepo.Memory
	splitter *order.Splitter
	cartSvc  *cartsvc.Service
}

func newEnv(products []domain.Product, codes ...domain.OfferCode) env {
	carts := cartrepo.NewMemory()
	e := env{
		carts:    carts,
		products: productrepo.NewMemory(products...),
		codes:    offercoderepo.NewMemory(codes...),
		locker:   lock.NewMemory(),
		payments: payment.NewSimulated(),
		orders:   orderrepo.NewMemory(carts),
	}
	e.splitter = order.NewSplitter(e.orders, e.codes, e.payments, receipt.NewLog(zerolog.Nop()),
		order.WithClock(func() time.Time { return now }))
	e.svc = New(carts, e.products, e.codes, e.locker, e.splitter, WithClock(func() time.Time { return now }))
	e.cartSvc = cartsvc.New(carts, e.products, e.codes, cartsvc.WithClock(func() time.Time { return now }))
	return e
}

// seed stores lines as the cart service would have displayed them.
func (e env) seed(t *testing.T, lines []domain.CartLine, codes ...string) *domain.Cart {
	t.Helper()
	ctx := context.Background()
	cart, err := e.carts.Create(ctx, buyer, "usd")
	require.NoError(t, err)
	change := cartrepo.Change{Upsert: lines}
	for _, c := range codes {
		change.Codes = append(change.Codes, domain.AppliedCode{Code: c, Source: domain.CodeSourceManual})
	}
	cart, err = e.carts.Apply(ctx, cart.ID, change)
	require.NoError(t, err)
	return cart
}

func digital(id, seller string, cents int64) domain.Product {
	return domain.Product{ID: id, SellerID: seller, Kind: domain.KindDigital, PriceCents: cents, Currency: "usd", Available: true}
}

func intPtr(v int) *int { return &v }

func rejection(t *testing.T, err error) *Rejection {
	t.Helper()
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	return rej
}

func TestSubmitCommits(t *testing.T) {
	e := newEnv([]domain.Product{digital("p1", "s1", 1000), digital("p2", "s2", 2000)})
	cart := e.seed(t, []domain.CartLine{
		{ProductID: "p1", Quantity: 1, DisplayedCents: 1000},
		{ProductID: "p2", Quantity: 2, DisplayedCents: 4000},
	})

	out, err := e.svc.Submit(context.Background(), Request{Owner: buyer, ExpectedTotals: map[string]int64{"usd": 5000}})
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, out.State)
	require.NotNil(t, out.Result)
	assert.Nil(t, out.Result.Failure)
	assert.Len(t, out.Result.Order.Charges, 2)
	assert.Len(t, e.payments.Calls(), 2)

	old, err := e.carts.GetByID(context.Background(), cart.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CartCheckedOut, old.State)
}

func TestSubmitEmptyCart(t *testing.T) {
	e := newEnv(nil)
	out, err := e.svc.Submit(context.Background(), Request{Owner: buyer})
	require.ErrorIs(t, err, domain.ErrEmptyCart)
	assert.Equal(t, StateRejected, out.State)

	e.seed(t, nil)
	_, err = e.svc.Submit(context.Background(), Request{Owner: buyer})
	require.ErrorIs(t, err, domain.ErrEmptyCart)
}

func TestSubmitRejectsDrift(t *testing.T) {
	t.Run("price changed", func(t *testing.T) {
		e := newEnv([]domain.Product{digital("p1", "s1", 1000)})
		cart := e.seed(t, []domain.CartLine{{ProductID: "p1", Quantity: 1, DisplayedCents: 1000}})
		raised := digital("p1", "s1", 1200)
		_, err := e.products.Upsert(context.Background(), raised)
		require.NoError(t, err)

		_, err = e.svc.Submit(context.Background(), Request{Owner: buyer})
		require.ErrorIs(t, err, domain.ErrPriceChanged)
		rej := rejection(t, err)
		assert.Equal(t, cart.Lines[0].ID, rej.LineID)
		assert.Empty(t, e.payments.Calls())

		after, err := e.carts.GetByID(context.Background(), cart.ID)
		require.NoError(t, err)
		assert.True(t, after.IsAlive(), "a rejected cart is untouched")
		assert.Equal(t, int64(1000), after.Lines[0].DisplayedCents)
	})

	t.Run("product withdrawn", func(t *testing.T) {
		e := newEnv([]domain.Product{digital("p1", "s1", 1000)})
		e.seed(t, []domain.CartLine{{ProductID: "p1", Quantity: 1, DisplayedCents: 1000}})
		gone := digital("p1", "s1", 1000)
		gone.Available = false
		_, err := e.products.Upsert(context.Background(), gone)
		require.NoError(t, err)

		_, err = e.svc.Submit(context.Background(), Request{Owner: buyer})
		require.ErrorIs(t, err, domain.ErrCatalogMismatch)
	})

	t.Run("code expired", func(t *testing.T) {
		past := now.Add(-time.Minute)
		e := newEnv([]domain.Product{digital("p1", "s1", 1000)},
			domain.OfferCode{ID: "oc-1", Code: "HALF", SellerID: "s1", Universal: true, Discount: domain.Percentage{Value: 50}, ExpiresAt: &past})
		cart := e.seed(t, []domain.CartLine{{ProductID: "p1", Quantity: 1, DisplayedCents: 500}}, "HALF")

		_, err := e.svc.Submit(context.Background(), Request{Owner: buyer})
		require.ErrorIs(t, err, domain.ErrDiscountChanged)
		assert.Equal(t, cart.Lines[0].ID, rejection(t, err).LineID)
	})

	t.Run("code deleted", func(t *testing.T) {
		e := newEnv([]domain.Product{digital("p1", "s1", 1000)})
		e.seed(t, []domain.CartLine{{ProductID: "p1", Quantity: 1, DisplayedCents: 1000}}, "GHOST")

		_, err := e.svc.Submit(context.Background(), Request{Owner: buyer})
		require.ErrorIs(t, err, domain.ErrDiscountChanged)
		assert.Equal(t, "GHOST", rejection(t, err).Code)
	})

	t.Run("bundle contents changed", func(t *testing.T) {
		box := domain.Product{ID: "box", SellerID: "s1", Kind: domain.KindBundle, PriceCents: 1500, Currency: "usd", Available: true,
			BundleItems: []domain.BundleItem{{ProductID: "a", Quantity: 1}}}
		e := newEnv([]domain.Product{box, digital("a", "s1", 1000), digital("b", "s1", 1000)})
		e.seed(t, []domain.CartLine{{ProductID: "box", Quantity: 1, DisplayedCents: 1500, BundleFingerprint: bundle.Fingerprint(box.BundleItems)}})
		box.BundleItems = append(box.BundleItems, domain.BundleItem{ProductID: "b", Quantity: 1})
		_, err := e.products.Upsert(context.Background(), box)
		require.NoError(t, err)

		_, err = e.svc.Submit(context.Background(), Request{Owner: buyer})
		require.ErrorIs(t, err, domain.ErrBundleContentsChanged)
	})

	t.Run("expected totals differ", func(t *testing.T) {
		e := newEnv([]domain.Product{digital("p1", "s1", 1000)})
		e.seed(t, []domain.CartLine{{ProductID: "p1", Quantity: 1, DisplayedCents: 1000}})

		_, err := e.svc.Submit(context.Background(), Request{Owner: buyer, ExpectedTotals: map[string]int64{"usd": 900}})
		require.ErrorIs(t, err, domain.ErrPriceChanged)
	})
}

func TestSubmitWhileLocked(t *testing.T) {
	e := newEnv([]domain.Product{digital("p1", "s1", 1000)})
	cart := e.seed(t, []domain.CartLine{{ProductID: "p1", Quantity: 1, DisplayedCents: 1000}})

	lease, err := e.locker.Acquire(context.Background(), "checkout:"+cart.ID, time.Minute)
	require.NoError(t, err)
	_, err = e.svc.Submit(context.Background(), Request{Owner: buyer})
	require.ErrorIs(t, err, domain.ErrCheckoutAlreadyInProgress)

	require.NoError(t, lease.Release(context.Background()))
	_, err = e.svc.Submit(context.Background(), Request{Owner: buyer})
	require.NoError(t, err)
}

func TestConcurrentSubmitsCommitOnce(t *testing.T) {
	e := newEnv([]domain.Product{digital("p1", "s1", 1000)})
	e.seed(t, []domain.CartLine{{ProductID: "p1", Quantity: 1, DisplayedCents: 1000}})
	e.payments.DelaySeller("s1", 50*time.Millisecond)

	const n = 5
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		committed int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.svc.Submit(context.Background(), Request{Owner: buyer})
			if err != nil {
				if !errors.Is(err, domain.ErrCheckoutAlreadyInProgress) && !errors.Is(err, domain.ErrEmptyCart) && !errors.Is(err, domain.ErrCartNotAlive) {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if out.State == StateCommitted {
				mu.Lock()
				committed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, committed)
	assert.Len(t, e.payments.Calls(), 1)
}

func TestSubmitIneligibleCodeKeepsItsReason(t *testing.T) {
	e := newEnv([]domain.Product{digital("p1", "s1", 1000)},
		domain.OfferCode{ID: "oc-1", Code: "BULK", SellerID: "s1", Universal: true, Discount: domain.Percentage{Value: 20}, MinimumQuantity: intPtr(3)})
	e.seed(t, []domain.CartLine{{ProductID: "p1", Quantity: 1, DisplayedCents: 800}}, "BULK")

	_, err := e.svc.Submit(context.Background(), Request{Owner: buyer})
	require.ErrorIs(t, err, domain.ErrIneligibleDiscount)
	assert.NotErrorIs(t, err, domain.ErrDiscountChanged)
	var inelig *domain.IneligibleError
	require.ErrorAs(t, err, &inelig)
	assert.Equal(t, "BULK", inelig.Code)
	assert.Equal(t, "BULK", rejection(t, err).Code)
}

func TestSubmitSharedCodeStringAcrossSellers(t *testing.T) {
	e := newEnv([]domain.Product{digital("p1", "s1", 1000), digital("p2", "s2", 2000)},
		domain.OfferCode{ID: "oc-1", Code: "SAVE", SellerID: "s1", Universal: true, Discount: domain.Percentage{Value: 10}},
		domain.OfferCode{ID: "oc-2", Code: "SAVE", SellerID: "s2", Universal: true, Discount: domain.Percentage{Value: 10}, MinimumQuantity: intPtr(2)},
	)
	ctx := context.Background()
	_, err := e.cartSvc.AddLine(ctx, buyer, cartsvc.AddLineInput{ProductID: "p1", Quantity: 1})
	require.NoError(t, err)
	v, err := e.cartSvc.AddLine(ctx, buyer, cartsvc.AddLineInput{ProductID: "p2", Quantity: 2})
	require.NoError(t, err)
	_, err = e.cartSvc.ApplyCode(ctx, buyer, "SAVE", domain.CodeSourceManual)
	require.NoError(t, err)

	// Dropping p2 to one unit leaves s2's offer short of its minimum while
	// s1's offer with the same string still applies.
	var p2 string
	for _, l := range v.Lines {
		if l.ProductID == "p2" {
			p2 = l.ID
		}
	}
	one := 1
	v, err = e.cartSvc.UpdateLine(ctx, buyer, p2, cartsvc.UpdateLineInput{Quantity: &one})
	require.NoError(t, err)
	assert.Empty(t, v.Detached)

	out, err := e.svc.Submit(ctx, Request{Owner: buyer, ExpectedTotals: map[string]int64{"usd": 900 + 2000}})
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, out.State)
}

func TestSubmitAfterRefreshingDriftedCart(t *testing.T) {
	e := newEnv([]domain.Product{digital("p1", "s1", 1000)})
	ctx := context.Background()
	_, err := e.cartSvc.AddLine(ctx, buyer, cartsvc.AddLineInput{ProductID: "p1", Quantity: 1})
	require.NoError(t, err)

	_, err = e.products.Upsert(ctx, digital("p1", "s1", 1200))
	require.NoError(t, err)
	_, err = e.svc.Submit(ctx, Request{Owner: buyer, ExpectedTotals: map[string]int64{"usd": 1000}})
	require.ErrorIs(t, err, domain.ErrPriceChanged)

	v, err := e.cartSvc.Get(ctx, buyer)
	require.NoError(t, err)
	require.Len(t, v.Lines, 1)
	assert.Equal(t, int64(1200), v.Lines[0].TotalCents)

	out, err := e.svc.Submit(ctx, Request{Owner: buyer, ExpectedTotals: map[string]int64{"usd": 1200}})
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, out.State)
}

func TestSubmitRefusesCartWithPendingOrder(t *testing.T) {
	e := newEnv([]domain.Product{digital("p1", "s1", 1000)})
	cart := e.seed(t, []domain.CartLine{{ProductID: "p1", Quantity: 1, DisplayedCents: 1000}})
	require.NoError(t, e.orders.CreateOrder(context.Background(), domain.Order{
		ID: "stuck", CartID: cart.ID, Status: domain.OrderPending, CreatedAt: now,
	}))

	_, err := e.svc.Submit(context.Background(), Request{Owner: buyer})
	require.ErrorIs(t, err, domain.ErrCheckoutAlreadyInProgress)
	assert.Empty(t, e.payments.Calls())
}

func TestSubmitHoldsLockThroughSlowCharges(t *testing.T) {
	e := newEnv([]domain.Product{digital("p1", "s1", 1000)})
	cart := e.seed(t, []domain.CartLine{{ProductID: "p1", Quantity: 1, DisplayedCents: 1000}})
	e.payments.DelaySeller("s1", 300*time.Millisecond)
	svc := New(e.carts, e.products, e.codes, e.locker, e.splitter,
		WithClock(func() time.Time { return now }), WithLockTTL(90*time.Millisecond))

	done := make(chan error, 1)
	go func() {
		_, err := svc.Submit(context.Background(), Request{Owner: buyer})
		done <- err
	}()

	time.Sleep(200 * time.Millisecond)
	_, err := e.locker.Acquire(context.Background(), "checkout:"+cart.ID, time.Minute)
	require.ErrorIs(t, err, lock.ErrHeld, "the lock outlives its first TTL while charging")

	require.NoError(t, <-done)
}
