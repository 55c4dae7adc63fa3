package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"storefront-checkout/internal/bundle"
	"storefront-checkout/internal/domain"
	"storefront-checkout/internal/payment"
	"storefront-checkout/internal/quote"
	"storefront-checkout/internal/receipt"
	cartrepo "storefront-checkout/internal/repository/cart"
	offercoderepo "storefront-checkout/internal/repository/offercode"
	orderrepo "storefront-checkout/internal/repository/order"
	productrepo "storefront-checkout/internal/repository/product"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type receiptSink struct {
	mu     sync.Mutex
	events []receipt.Event
}

func (r *receiptSink) Send(_ context.Context, ev receipt.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

type fixture struct {
	carts    *cartrepo.Memory
	orders   *orderrepo.Memory
	codes    *offercoderepo.Memory
	products *productrepo.Memory
	payments *payment.Simulated
	receipts *receiptSink
}

func newFixture(products []domain.Product, codes ...domain.OfferCode) fixture {
	carts := cartrepo.NewMemory()
	return fixture{
		carts:    carts,
		orders:   orderrepo.NewMemory(carts),
		codes:    offercoderepo.NewMemory(codes...),
		products: productrepo.NewMemory(products...),
		payments: payment.NewSimulated(),
		receipts: &receiptSink{},
	}
}

func (f fixture) splitter(opts ...Option) *Splitter {
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	return NewSplitter(f.orders, f.codes, f.payments, f.receipts, opts...)
}

func (f fixture) cart(t *testing.T, lines []domain.CartLine, codes ...string) *domain.Cart {
	t.Helper()
	ctx := context.Background()
	cart, err := f.carts.Create(ctx, domain.Owner{UserID: "buyer"}, "usd")
	require.NoError(t, err)
	change := cartrepo.Change{Upsert: lines}
	for _, c := range codes {
		change.Codes = append(change.Codes, domain.AppliedCode{Code: c, Source: domain.CodeSourceManual})
	}
	cart, err = f.carts.Apply(ctx, cart.ID, change)
	require.NoError(t, err)
	return cart
}

func (f fixture) validated(t *testing.T, cart *domain.Cart) []ValidatedLine {
	t.Helper()
	var codes []string
	for _, c := range cart.Codes {
		codes = append(codes, c.Code)
	}
	snap, err := quote.Load(context.Background(), f.products, f.codes, cart.Lines, codes)
	require.NoError(t, err)
	q, err := quote.Build(cart.Lines, cart.Codes, snap, now, true)
	require.NoError(t, err)
	out := make([]ValidatedLine, len(q.Lines))
	for i, l := range q.Lines {
		out[i] = ValidatedLine{Line: l}
		if l.Product.IsBundle() {
			out[i].Constituents, err = bundle.Expand(l.Product, l.Discounted.TotalCents, snap.Products)
			require.NoError(t, err)
		}
	}
	return out
}

func digital(id, seller string, cents int64) domain.Product {
	return domain.Product{ID: id, SellerID: seller, Kind: domain.KindDigital, PriceCents: cents, Currency: "usd", Available: true}
}

func TestCommitPartialFailure(t *testing.T) {
	f := newFixture([]domain.Product{digital("p1", "s1", 1000), digital("p2", "s2", 2000)})
	f.payments.FailSeller("s2", "card declined")
	cart := f.cart(t, []domain.CartLine{{ProductID: "p1", Quantity: 1}, {ProductID: "p2", Quantity: 1}})

	res, err := f.splitter().Commit(context.Background(), Input{Cart: cart, Lines: f.validated(t, cart)})
	require.NoError(t, err)
	require.NotNil(t, res.Failure)
	assert.ErrorIs(t, res.Failure, domain.ErrPartialFailure)
	assert.Equal(t, []string{"s1"}, res.Failure.SucceededSellerIDs)
	assert.Equal(t, []string{"s2"}, res.Failure.FailedSellerIDs())
	assert.Equal(t, domain.OrderPartiallyFailed, res.Order.Status)

	stored, err := f.orders.Get(context.Background(), res.Order.ID)
	require.NoError(t, err)
	require.Len(t, stored.Charges, 2)
	for _, c := range stored.Charges {
		switch c.SellerID {
		case "s1":
			assert.Equal(t, domain.ChargeSucceeded, c.Status)
			assert.NotEmpty(t, c.ProcessorID)
			require.Len(t, c.Purchases, 1)
			assert.Equal(t, int64(1000), c.Purchases[0].PriceCents)
		case "s2":
			assert.Equal(t, domain.ChargeFailed, c.Status)
			assert.Contains(t, c.FailureReason, "card declined")
		}
	}

	require.Len(t, f.receipts.events, 1)
	assert.Equal(t, "s1", f.receipts.events[0].SellerID)

	successor, err := f.carts.GetAlive(context.Background(), domain.Owner{UserID: "buyer"})
	require.NoError(t, err)
	assert.Equal(t, res.SuccessorCartID, successor.ID)
	assert.Equal(t, res.Failure.RetryCartID, successor.ID)
	require.Len(t, successor.Lines, 1)
	assert.Equal(t, "p2", successor.Lines[0].ProductID)

	old, err := f.carts.GetByID(context.Background(), cart.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CartCheckedOut, old.State)
}

func TestCommitAllFailedKeepsCartAlive(t *testing.T) {
	f := newFixture([]domain.Product{digital("p1", "s1", 1000)})
	f.payments.FailSeller("s1", "insufficient funds")
	cart := f.cart(t, []domain.CartLine{{ProductID: "p1", Quantity: 1}})

	_, err := f.splitter().Commit(context.Background(), Input{Cart: cart, Lines: f.validated(t, cart)})
	require.ErrorIs(t, err, domain.ErrChargeFailed)

	alive, err := f.carts.GetAlive(context.Background(), domain.Owner{UserID: "buyer"})
	require.NoError(t, err)
	assert.Equal(t, cart.ID, alive.ID)
	assert.Empty(t, f.receipts.events)
}

func TestCommitPercentageCodeAcrossProducts(t *testing.T) {
	f := newFixture(
		[]domain.Product{digital("p1", "s1", 1000), digital("p2", "s1", 2000)},
		domain.OfferCode{ID: "oc-1", Code: "everything", SellerID: "s1", Universal: true, Discount: domain.Percentage{Value: 50}},
	)
	cart := f.cart(t, []domain.CartLine{{ProductID: "p1", Quantity: 1}, {ProductID: "p2", Quantity: 1}}, "everything")

	res, err := f.splitter().Commit(context.Background(), Input{Cart: cart, Lines: f.validated(t, cart)})
	require.NoError(t, err)
	require.Nil(t, res.Failure)
	require.Len(t, res.Order.Charges, 1, "one charge per seller")

	charge := res.Order.Charges[0]
	assert.Equal(t, int64(1500), charge.AmountCents)
	prices := map[string]int64{}
	for _, p := range charge.Purchases {
		prices[p.ProductID] = p.PriceCents
		assert.Equal(t, []string{"oc-1"}, p.OfferCodeIDs)
	}
	assert.Equal(t, map[string]int64{"p1": 500, "p2": 1000}, prices)

	calls := f.payments.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, int64(1500), calls[0].AmountCents)
	assert.Equal(t, charge.ID, calls[0].ChargeID)

	codes, err := f.codes.FindByCodes(context.Background(), []string{"s1"}, []string{"everything"})
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.Equal(t, 2, codes[0].Uses)

	successor, err := f.carts.GetAlive(context.Background(), domain.Owner{UserID: "buyer"})
	require.NoError(t, err)
	assert.Empty(t, successor.Lines)
	assert.Empty(t, successor.Codes)
}

func TestCommitExpandsBundle(t *testing.T) {
	box := domain.Product{ID: "box", SellerID: "s1", Kind: domain.KindBundle, PriceCents: 3000, Currency: "usd", Available: true,
		BundleItems: []domain.BundleItem{{ProductID: "a", Quantity: 1}, {ProductID: "b", VariantID: "v2", Quantity: 3}}}
	b := digital("b", "s1", 500)
	b.Variants = []domain.Variant{{ID: "v1", Available: true}, {ID: "v2", PriceDifferenceCents: 100, Available: true}}
	f := newFixture([]domain.Product{box, digital("a", "s1", 1200), b})
	cart := f.cart(t, []domain.CartLine{{ProductID: "box", Quantity: 1, BundleFingerprint: bundle.Fingerprint(box.BundleItems)}})

	res, err := f.splitter().Commit(context.Background(), Input{Cart: cart, Lines: f.validated(t, cart)})
	require.NoError(t, err)

	stored, err := f.orders.Get(context.Background(), res.Order.ID)
	require.NoError(t, err)
	require.Len(t, stored.Charges, 1)
	purchases := stored.Charges[0].Purchases
	require.Len(t, purchases, 3)

	parent := purchases[0]
	assert.Equal(t, "box", parent.ProductID)
	assert.Equal(t, int64(3000), parent.PriceCents)
	assert.Nil(t, parent.BundlePurchaseID)

	var attributed int64
	for _, p := range purchases[1:] {
		require.NotNil(t, p.BundlePurchaseID)
		assert.Equal(t, parent.ID, *p.BundlePurchaseID)
		assert.Zero(t, p.PriceCents, "constituents are not charged separately")
		attributed += p.AttributedCents
		switch p.ProductID {
		case "a":
			assert.Equal(t, 1, p.Quantity)
		case "b":
			assert.Equal(t, 3, p.Quantity)
			assert.Equal(t, "v2", p.VariantID)
		default:
			t.Fatalf("unexpected constituent %s", p.ProductID)
		}
	}
	assert.Equal(t, int64(3000), attributed)
	assert.Equal(t, int64(3000), stored.Charges[0].AmountCents)
}

type failingOrders struct {
	*orderrepo.Memory
}

func (failingOrders) SaveCharge(context.Context, domain.Charge) error {
	return errors.New("connection reset")
}

func TestCommitUnrecordedChargeIsNeverExecuted(t *testing.T) {
	box := domain.Product{ID: "box", SellerID: "s1", Kind: domain.KindBundle, PriceCents: 1500, Currency: "usd", Available: true,
		BundleItems: []domain.BundleItem{{ProductID: "a", Quantity: 2}}}
	f := newFixture([]domain.Product{box, digital("a", "s1", 1000)})
	cart := f.cart(t, []domain.CartLine{{ProductID: "box", Quantity: 1}})
	orders := failingOrders{Memory: f.orders}

	s := NewSplitter(orders, f.codes, f.payments, f.receipts)
	_, err := s.Commit(context.Background(), Input{Cart: cart, Lines: f.validated(t, cart)})
	require.ErrorIs(t, err, domain.ErrChargeFailed)
	assert.Empty(t, f.payments.Calls())
}

func TestCommitTimeoutFailsOnlyThatSeller(t *testing.T) {
	f := newFixture([]domain.Product{digital("p1", "s1", 1000), digital("p2", "s2", 2000)})
	f.payments.DelaySeller("s2", time.Second)
	cart := f.cart(t, []domain.CartLine{{ProductID: "p1", Quantity: 1}, {ProductID: "p2", Quantity: 1}})

	res, err := f.splitter(WithChargeTimeout(20*time.Millisecond)).Commit(context.Background(), Input{Cart: cart, Lines: f.validated(t, cart)})
	require.NoError(t, err)
	require.NotNil(t, res.Failure)
	require.Len(t, res.Failure.Failures, 1)
	assert.Equal(t, "s2", res.Failure.Failures[0].SellerID)
	assert.Equal(t, "payment timed out", res.Failure.Failures[0].Reason)
}

func TestCommitCarriesFailedSellersCodes(t *testing.T) {
	f := newFixture(
		[]domain.Product{digital("p1", "s1", 1000), digital("p2", "s2", 2000)},
		domain.OfferCode{ID: "oc-1", Code: "ONE", SellerID: "s1", Universal: true, Discount: domain.Percentage{Value: 10}},
		domain.OfferCode{ID: "oc-2", Code: "TWO", SellerID: "s2", Universal: true, Discount: domain.Percentage{Value: 10}},
	)
	f.payments.FailSeller("s2", "declined")
	cart := f.cart(t, []domain.CartLine{{ProductID: "p1", Quantity: 1}, {ProductID: "p2", Quantity: 1}}, "ONE", "TWO")

	res, err := f.splitter().Commit(context.Background(), Input{Cart: cart, Lines: f.validated(t, cart)})
	require.NoError(t, err)
	successor, err := f.carts.GetByID(context.Background(), res.SuccessorCartID)
	require.NoError(t, err)
	require.Len(t, successor.Codes, 1)
	assert.Equal(t, "TWO", successor.Codes[0].Code)

	codes, err := f.codes.FindByCodes(context.Background(), []string{"s1", "s2"}, []string{"ONE", "TWO"})
	require.NoError(t, err)
	for _, c := range codes {
		if c.ID == "oc-1" {
			assert.Equal(t, 1, c.Uses)
		} else {
			assert.Zero(t, c.Uses, "failed charges do not consume code uses")
		}
	}
}

func TestCommitEmptyCart(t *testing.T) {
	f := newFixture(nil)
	_, err := f.splitter().Commit(context.Background(), Input{Cart: &domain.Cart{ID: "c"}})
	require.ErrorIs(t, err, domain.ErrEmptyCart)
}

type stuckOrders struct {
	*orderrepo.Memory
	mu       sync.Mutex
	finalize int
}

func (o *stuckOrders) Finalize(context.Context, orderrepo.FinalizeInput) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finalize++
	return "", errors.New("connection reset")
}

func TestCommitFinalizeFailureBlocksSecondCharge(t *testing.T) {
	f := newFixture([]domain.Product{digital("p1", "s1", 1000), digital("p2", "s2", 2000)})
	cart := f.cart(t, []domain.CartLine{{ProductID: "p1", Quantity: 1}, {ProductID: "p2", Quantity: 1}})
	orders := &stuckOrders{Memory: f.orders}
	s := NewSplitter(orders, f.codes, f.payments, f.receipts, WithFinalizeBackoff(0))

	_, err := s.Commit(context.Background(), Input{Cart: cart, Lines: f.validated(t, cart)})
	require.Error(t, err)
	assert.Equal(t, finalizeAttempts, orders.finalize)
	assert.Len(t, f.payments.Calls(), 2)
	assert.Len(t, f.receipts.events, 2, "buyers who paid still get receipts")

	alive, err := f.carts.GetAlive(context.Background(), domain.Owner{UserID: "buyer"})
	require.NoError(t, err)
	require.Equal(t, cart.ID, alive.ID)

	_, err = s.Commit(context.Background(), Input{Cart: alive, Lines: f.validated(t, alive)})
	require.ErrorIs(t, err, domain.ErrCheckoutAlreadyInProgress)
	assert.Len(t, f.payments.Calls(), 2, "a retry must not charge again")
}

type flakyOrders struct {
	*orderrepo.Memory
	failures int
}

func (o *flakyOrders) Finalize(ctx context.Context, in orderrepo.FinalizeInput) (string, error) {
	if o.failures > 0 {
		o.failures--
		return "", errors.New("deadlock detected")
	}
	return o.Memory.Finalize(ctx, in)
}

func TestCommitRetriesFinalize(t *testing.T) {
	f := newFixture([]domain.Product{digital("p1", "s1", 1000)})
	cart := f.cart(t, []domain.CartLine{{ProductID: "p1", Quantity: 1}})
	orders := &flakyOrders{Memory: f.orders, failures: finalizeAttempts - 1}
	s := NewSplitter(orders, f.codes, f.payments, f.receipts, WithFinalizeBackoff(0))

	res, err := s.Commit(context.Background(), Input{Cart: cart, Lines: f.validated(t, cart)})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCompleted, res.Order.Status)
	assert.NotEqual(t, cart.ID, res.SuccessorCartID)
	assert.Len(t, f.receipts.events, 1)
}
