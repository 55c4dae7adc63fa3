// Package order turns a validated cart into an order with one charge per
// seller group.
package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"storefront-checkout/internal/bundle"
	"storefront-checkout/internal/domain"
	"storefront-checkout/internal/payment"
	"storefront-checkout/internal/quote"
	"storefront-checkout/internal/receipt"
	cartrepo "storefront-checkout/internal/repository/cart"
	orderrepo "storefront-checkout/internal/repository/order"
)

const (
	defaultChargeTimeout   = 30 * time.Second
	defaultConcurrency     = 4
	finalizeAttempts       = 3
	defaultFinalizeBackoff = 200 * time.Millisecond
)

type orderRepo interface {
	CreateOrder(ctx context.Context, order domain.Order) error
	SaveCharge(ctx context.Context, charge domain.Charge) error
	MarkCharge(ctx context.Context, chargeID string, status domain.ChargeStatus, processorID, reason string) error
	Finalize(ctx context.Context, in orderrepo.FinalizeInput) (string, error)
}

type usageCounter interface {
	IncrementUses(ctx context.Context, counts map[string]int) error
}

// ValidatedLine is a cart line whose price checkout has just confirmed.
// Constituents is set for bundle lines only.
type ValidatedLine struct {
	quote.Line
	Constituents []bundle.Constituent
}

type Input struct {
	Cart          *domain.Cart
	Lines         []ValidatedLine
	PaymentMethod string
}

type Result struct {
	Order *domain.Order
	// SuccessorCartID is the buyer's new alive cart.
	SuccessorCartID string
	// Failure is set when some, but not all, seller groups failed.
	Failure *domain.PartialFailure
}

type Splitter struct {
	orders        orderRepo
	codes         usageCounter
	payments      payment.Executor
	receipts      receipt.Dispatcher
	logger        zerolog.Logger
	now           func() time.Time
	chargeTimeout time.Duration
	concurrency   int
	backoff       time.Duration
}

type Option func(*Splitter)

func WithLogger(l zerolog.Logger) Option { return func(s *Splitter) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Splitter) { s.now = now } }

// WithChargeTimeout bounds each processor call. A timeout fails that seller
// group only.
func WithChargeTimeout(d time.Duration) Option {
	return func(s *Splitter) {
		if d > 0 {
			s.chargeTimeout = d
		}
	}
}

func WithConcurrency(n int) Option {
	return func(s *Splitter) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithFinalizeBackoff sets the pause between attempts to finalize an order
// whose charges already settled.
func WithFinalizeBackoff(d time.Duration) Option {
	return func(s *Splitter) {
		if d >= 0 {
			s.backoff = d
		}
	}
}

func NewSplitter(orders orderRepo, codes usageCounter, payments payment.Executor, receipts receipt.Dispatcher, opts ...Option) *Splitter {
	s := &Splitter{
		orders:        orders,
		codes:         codes,
		payments:      payments,
		receipts:      receipts,
		logger:        zerolog.Nop(),
		now:           func() time.Time { return time.Now().UTC() },
		chargeTimeout: defaultChargeTimeout,
		concurrency:   defaultConcurrency,
		backoff:       defaultFinalizeBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type group struct {
	sellerID string
	currency string
	lines    []ValidatedLine
	charge   domain.Charge
	saved    bool
	err      error
}

// Commit creates the order, charges every seller group and rotates the cart.
// When every group fails the order is marked failed, the cart stays alive
// and the error wraps domain.ErrChargeFailed. A cart with a pending order is
// refused with domain.ErrCheckoutAlreadyInProgress.
func (s *Splitter) Commit(ctx context.Context, in Input) (*Result, error) {
	if in.Cart == nil || len(in.Lines) == 0 {
		return nil, domain.ErrEmptyCart
	}
	now := s.now()
	order := domain.Order{
		ID:           uuid.NewString(),
		BuyerUserID:  in.Cart.UserID,
		BuyerGuestID: in.Cart.GuestID,
		CartID:       in.Cart.ID,
		Status:       domain.OrderPending,
		CreatedAt:    now,
	}
	if err := s.orders.CreateOrder(ctx, order); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return nil, fmt.Errorf("cart %s has a pending order: %w", in.Cart.ID, domain.ErrCheckoutAlreadyInProgress)
		}
		return nil, fmt.Errorf("create order: %w", err)
	}

	groups := groupLines(in.Lines)
	for _, g := range groups {
		g.charge = buildCharge(order, g, now)
	}

	eg := new(errgroup.Group)
	eg.SetLimit(s.concurrency)
	for _, g := range groups {
		g := g
		eg.Go(func() error {
			g.err = s.settle(ctx, g, in)
			return nil
		})
	}
	_ = eg.Wait()

	var (
		succeeded []*group
		failed    []*group
	)
	for _, g := range groups {
		if g.saved {
			order.Charges = append(order.Charges, g.charge)
		}
		if g.err != nil {
			failed = append(failed, g)
		} else {
			succeeded = append(succeeded, g)
		}
	}

	if len(succeeded) == 0 {
		order.Status = domain.OrderFailed
		if _, err := s.finalize(ctx, orderrepo.FinalizeInput{OrderID: order.ID, Status: domain.OrderFailed}); err != nil {
			s.logger.Error().Err(err).Str("order_id", order.ID).Msg("order: finalize failed order")
		}
		reasons := make([]string, 0, len(failed))
		for _, g := range failed {
			reasons = append(reasons, g.sellerID+": "+g.err.Error())
		}
		return nil, fmt.Errorf("order %s: %w (%s)", order.ID, domain.ErrChargeFailed, strings.Join(reasons, "; "))
	}

	s.countUses(ctx, succeeded)

	status := domain.OrderCompleted
	if len(failed) > 0 {
		status = domain.OrderPartiallyFailed
	}
	successorID, err := s.finalize(ctx, orderrepo.FinalizeInput{
		OrderID: order.ID,
		Status:  status,
		CartID:  in.Cart.ID,
		Rotate:  true,
		Carry:   carryFailed(in.Cart, failed),
	})
	if err != nil {
		// Charges already went through. The order stays pending, which
		// blocks another checkout of this cart until it is reconciled, and
		// buyers still get receipts for what they paid.
		s.logger.Error().Err(err).Str("order_id", order.ID).Msg("order: finalize")
		s.sendReceipts(ctx, order, succeeded)
		return nil, fmt.Errorf("finalize order %s: %w", order.ID, err)
	}
	order.Status = status

	s.sendReceipts(ctx, order, succeeded)

	res := &Result{Order: &order, SuccessorCartID: successorID}
	if len(failed) > 0 {
		pf := &domain.PartialFailure{OrderID: order.ID, RetryCartID: successorID}
		for _, g := range succeeded {
			pf.SucceededSellerIDs = append(pf.SucceededSellerIDs, g.sellerID)
		}
		for _, g := range failed {
			pf.Failures = append(pf.Failures, domain.SellerFailure{SellerID: g.sellerID, Currency: g.currency, Reason: g.err.Error()})
		}
		res.Failure = pf
	}
	s.logger.Info().
		Str("order_id", order.ID).
		Str("status", string(status)).
		Int("charges", len(groups)).
		Int("failed", len(failed)).
		Msg("order: committed")
	return res, nil
}

// settle records the group's charge and runs it through the processor. The
// returned error is the group's failure reason.
func (s *Splitter) settle(ctx context.Context, g *group, in Input) error {
	if err := s.orders.SaveCharge(ctx, g.charge); err != nil {
		s.logger.Error().Err(err).Str("charge_id", g.charge.ID).Str("seller_id", g.sellerID).Msg("order: save charge")
		return errors.New("could not record charge")
	}
	g.saved = true

	var (
		res payment.ChargeResult
		err error
	)
	if g.charge.AmountCents > 0 {
		callCtx, cancel := context.WithTimeout(ctx, s.chargeTimeout)
		res, err = s.payments.Execute(callCtx, payment.ChargeRequest{
			ChargeID:      g.charge.ID,
			OrderID:       g.charge.OrderID,
			SellerID:      g.sellerID,
			Currency:      g.currency,
			AmountCents:   g.charge.AmountCents,
			PaymentMethod: in.PaymentMethod,
			BuyerRef:      in.Cart.Owner().String(),
		})
		cancel()
	}

	status, reason := domain.ChargeSucceeded, ""
	if err != nil {
		status, reason = domain.ChargeFailed, failureReason(err)
	}
	if markErr := s.orders.MarkCharge(ctx, g.charge.ID, status, res.ProcessorID, reason); markErr != nil {
		s.logger.Error().Err(markErr).Str("charge_id", g.charge.ID).Str("status", string(status)).Msg("order: mark charge")
	}
	g.charge.Status = status
	g.charge.ProcessorID = res.ProcessorID
	g.charge.FailureReason = reason
	for i := range g.charge.Purchases {
		g.charge.Purchases[i].Status = status
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("charge_id", g.charge.ID).Str("seller_id", g.sellerID).Msg("order: charge failed")
		return errors.New(reason)
	}
	return nil
}

// finalize retries transient failures. ErrNotFound means the order is no
// longer pending and is returned at once.
func (s *Splitter) finalize(ctx context.Context, in orderrepo.FinalizeInput) (string, error) {
	var err error
	for attempt := 1; attempt <= finalizeAttempts; attempt++ {
		var successorID string
		successorID, err = s.orders.Finalize(ctx, in)
		if err == nil || errors.Is(err, domain.ErrNotFound) {
			return successorID, err
		}
		s.logger.Warn().Err(err).Str("order_id", in.OrderID).Int("attempt", attempt).Msg("order: finalize attempt failed")
		if attempt == finalizeAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", errors.Join(err, ctx.Err())
		case <-time.After(s.backoff * time.Duration(attempt)):
		}
	}
	return "", err
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "payment timed out"
	case errors.Is(err, payment.ErrDeclined):
		return err.Error()
	default:
		return "payment error: " + err.Error()
	}
}

func (s *Splitter) countUses(ctx context.Context, groups []*group) {
	counts := map[string]int{}
	for _, g := range groups {
		for _, p := range g.charge.Purchases {
			if p.IsBundleConstituent() {
				continue
			}
			for _, id := range p.OfferCodeIDs {
				counts[id]++
			}
		}
	}
	if len(counts) == 0 {
		return
	}
	if err := s.codes.IncrementUses(ctx, counts); err != nil {
		s.logger.Error().Err(err).Msg("order: increment offer code uses")
	}
}

func (s *Splitter) sendReceipts(ctx context.Context, order domain.Order, groups []*group) {
	issuedAt := s.now()
	for _, g := range groups {
		if err := s.receipts.Send(ctx, receipt.FromCharge(order, g.charge, issuedAt)); err != nil {
			s.logger.Error().Err(err).Str("charge_id", g.charge.ID).Msg("order: send receipt")
		}
	}
}

// groupLines buckets lines by seller and native currency, in cart order.
func groupLines(lines []ValidatedLine) []*group {
	var out []*group
	index := map[string]*group{}
	for _, l := range lines {
		key := l.Product.SellerID + "|" + l.Price.Currency
		g, ok := index[key]
		if !ok {
			g = &group{sellerID: l.Product.SellerID, currency: l.Price.Currency}
			index[key] = g
			out = append(out, g)
		}
		g.lines = append(g.lines, l)
	}
	return out
}

func buildCharge(order domain.Order, g *group, now time.Time) domain.Charge {
	c := domain.Charge{
		ID:        uuid.NewString(),
		OrderID:   order.ID,
		SellerID:  g.sellerID,
		Currency:  g.currency,
		Status:    domain.ChargePending,
		CreatedAt: now,
	}
	for _, l := range g.lines {
		d := l.Discounted
		p := domain.Purchase{
			ID:             uuid.NewString(),
			ChargeID:       c.ID,
			OrderID:        order.ID,
			SellerID:       g.sellerID,
			ProductID:      l.Product.ID,
			VariantID:      l.CartLine.VariantID,
			Quantity:       l.Price.Quantity,
			Recurrence:     l.CartLine.Recurrence,
			Rental:         l.CartLine.Rental,
			BasePriceCents: l.Price.TotalCents,
			PriceCents:     d.TotalCents,
			DiscountCents:  d.DiscountCents,
			OfferCodeIDs:   d.OfferCodeIDs,
			OfferCodes:     d.Codes,
			Currency:       g.currency,
			Referrer:       l.CartLine.Referrer,
			Status:         domain.ChargePending,
			CreatedAt:      now,
		}
		if l.Product.IsMembership() && len(d.OfferCodeIDs) > 0 {
			p.DiscountDurationCycles = d.DurationInBillingCycles
		}
		c.AmountCents += d.TotalCents
		c.Purchases = append(c.Purchases, p)

		for _, con := range l.Constituents {
			parent := p.ID
			c.Purchases = append(c.Purchases, domain.Purchase{
				ID:               uuid.NewString(),
				ChargeID:         c.ID,
				OrderID:          order.ID,
				SellerID:         g.sellerID,
				ProductID:        con.ProductID,
				VariantID:        con.VariantID,
				Quantity:         con.Quantity,
				BasePriceCents:   con.StandaloneCents,
				Currency:         g.currency,
				BundlePurchaseID: &parent,
				AttributedCents:  con.AttributedCents,
				Status:           domain.ChargePending,
				CreatedAt:        now,
			})
		}
	}
	return c
}

// carryFailed collects the lines of failed groups and the codes that applied
// to them, for the buyer's retry cart.
func carryFailed(cart *domain.Cart, failed []*group) cartrepo.Carry {
	var carry cartrepo.Carry
	used := map[string]bool{}
	for _, g := range failed {
		for _, l := range g.lines {
			carry.Lines = append(carry.Lines, l.CartLine)
			for _, code := range l.Discounted.Codes {
				used[domain.NormalizeCode(code)] = true
			}
		}
	}
	for _, c := range cart.Codes {
		if used[domain.NormalizeCode(c.Code)] {
			carry.Codes = append(carry.Codes, c)
		}
	}
	sort.SliceStable(carry.Lines, func(i, j int) bool { return carry.Lines[i].CreatedAt.Before(carry.Lines[j].CreatedAt) })
	return carry
}
