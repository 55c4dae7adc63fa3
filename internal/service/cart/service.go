package cart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"storefront-checkout/internal/bundle"
	"storefront-checkout/internal/domain"
	"storefront-checkout/internal/exchange"
	"storefront-checkout/internal/pricing"
	"storefront-checkout/internal/quote"
	cartrepo "storefront-checkout/internal/repository/cart"
)

const defaultCurrency = "usd"

type Service struct {
	repo     cartRepo
	products quote.Catalog
	codes    quote.CodeFinder
	rates    rateSnapshot
	logger   zerolog.Logger
	now      func() time.Time
}

type cartRepo interface {
	GetAlive(ctx context.Context, owner domain.Owner) (*domain.Cart, error)
	Create(ctx context.Context, owner domain.Owner, currency string) (*domain.Cart, error)
	Apply(ctx context.Context, cartID string, change cartrepo.Change) (*domain.Cart, error)
	Merge(ctx context.Context, guestID, userID string) (*cartrepo.MergeResult, error)
}

type rateSnapshot interface {
	Snapshot(ctx context.Context) (exchange.Table, error)
}

type Option func(*Service)

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithRates enables display-currency estimates in views.
func WithRates(r rateSnapshot) Option { return func(s *Service) { s.rates = r } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(repo cartRepo, products quote.Catalog, codes quote.CodeFinder, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		products: products,
		codes:    codes,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type AddLineInput struct {
	ProductID  string            `json:"productId"`
	VariantID  string            `json:"variantId,omitempty"`
	Recurrence domain.Recurrence `json:"recurrence,omitempty"`
	Quantity   int               `json:"quantity"`
	PWYWCents  *int64            `json:"pwywCents,omitempty"`
	Rental     bool              `json:"rental,omitempty"`
	Referrer   string            `json:"referrer,omitempty"`
	// Currency is the buyer's display currency, used when the cart is created.
	Currency string `json:"currency,omitempty"`
}

type UpdateLineInput struct {
	Quantity  *int   `json:"quantity,omitempty"`
	PWYWCents *int64 `json:"pwywCents,omitempty"`
}

// Get returns the owner's alive cart, priced. An owner without a cart gets an
// empty view. When prices or code eligibility moved since the cart was last
// shown, the refreshed totals are persisted so the next checkout is judged
// against what this view shows.
func (s *Service) Get(ctx context.Context, owner domain.Owner) (*View, error) {
	if owner.IsZero() {
		return nil, fmt.Errorf("%w: owner required", domain.ErrInvalidInput)
	}
	cart, err := s.repo.GetAlive(ctx, owner)
	if errors.Is(err, domain.ErrNotFound) {
		return &View{Currency: defaultCurrency, Totals: map[string]int64{}}, nil
	}
	if err != nil {
		return nil, err
	}
	snap, err := quote.Load(ctx, s.products, s.codes, cart.Lines, codeStrings(cart.Codes))
	if err != nil {
		return nil, err
	}
	q, err := quote.Build(cart.Lines, cart.Codes, snap, s.now(), false)
	if err != nil {
		return nil, err
	}
	if stale(q) {
		s.logger.Info().Str("cart_id", cart.ID).Msg("cart: refreshing displayed prices")
		return s.commit(ctx, cart, append([]domain.CartLine(nil), cart.Lines...), nil, cart.Codes, snap)
	}
	return s.view(ctx, cart, q), nil
}

// stale reports whether a lenient quote differs from what was last persisted.
func stale(q *quote.Quote) bool {
	if len(q.Result.Detached) > 0 {
		return true
	}
	for _, l := range q.Lines {
		if l.Priced() && l.Discounted.TotalCents != l.CartLine.DisplayedCents {
			return true
		}
	}
	return false
}

// AddLine adds a line or, when the cart already has the same product,
// variant and recurrence, replaces that line's configuration in place.
func (s *Service) AddLine(ctx context.Context, owner domain.Owner, in AddLineInput) (*View, error) {
	if owner.IsZero() {
		return nil, fmt.Errorf("%w: owner required", domain.ErrInvalidInput)
	}
	in.ProductID = strings.TrimSpace(in.ProductID)
	if in.ProductID == "" {
		return nil, fmt.Errorf("%w: productId required", domain.ErrInvalidInput)
	}
	if in.Quantity == 0 {
		in.Quantity = 1
	}
	if in.Quantity < 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", domain.ErrInvalidInput)
	}

	cart, err := s.aliveOrCreate(ctx, owner, in.Currency)
	if err != nil {
		return nil, err
	}
	snap, err := quote.Load(ctx, s.products, s.codes, cart.Lines, codeStrings(cart.Codes), in.ProductID)
	if err != nil {
		return nil, err
	}
	product, ok := snap.Products[in.ProductID]
	if !ok {
		return nil, domain.Mismatch(in.ProductID, "product does not exist")
	}

	line := domain.CartLine{
		ProductID:  in.ProductID,
		VariantID:  in.VariantID,
		Recurrence: in.Recurrence,
		Quantity:   in.Quantity,
		PWYWCents:  in.PWYWCents,
		Rental:     in.Rental,
		Referrer:   in.Referrer,
	}
	if product.IsBundle() {
		if _, err := bundle.Expand(product, product.PriceCents, snap.Products); err != nil {
			return nil, err
		}
		line.BundleFingerprint = bundle.Fingerprint(product.BundleItems)
		line.Quantity = 1
	}
	if _, err := pricing.Resolve(product, line); err != nil {
		return nil, err
	}

	lines := append([]domain.CartLine(nil), cart.Lines...)
	if existing, ok := cart.FindLine(line.Key()); ok {
		line.ID = existing.ID
		line.CartID = existing.CartID
		for i := range lines {
			if lines[i].ID == existing.ID {
				lines[i] = line
			}
		}
	} else {
		if len(lines) >= domain.MaxCartLines {
			return nil, domain.ErrCartFull
		}
		lines = append(lines, line)
	}

	view, err := s.commit(ctx, cart, lines, nil, cart.Codes, snap)
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("cart_id", cart.ID).
		Str("owner", owner.String()).
		Str("product_id", in.ProductID).
		Int("quantity", line.Quantity).
		Msg("cart: line added")
	return view, nil
}

// UpdateLine changes a line's quantity or pay-what-you-want amount. A zero
// quantity removes the line.
func (s *Service) UpdateLine(ctx context.Context, owner domain.Owner, lineID string, in UpdateLineInput) (*View, error) {
	if in.Quantity != nil && *in.Quantity < 0 {
		return nil, fmt.Errorf("%w: quantity must not be negative", domain.ErrInvalidInput)
	}
	if in.Quantity != nil && *in.Quantity == 0 {
		return s.RemoveLine(ctx, owner, lineID)
	}
	cart, err := s.repo.GetAlive(ctx, owner)
	if err != nil {
		return nil, err
	}
	target, ok := cart.LineByID(lineID)
	if !ok {
		return nil, domain.ErrNotFound
	}
	if in.Quantity != nil {
		target.Quantity = *in.Quantity
	}
	if in.PWYWCents != nil {
		target.PWYWCents = in.PWYWCents
	}

	lines := append([]domain.CartLine(nil), cart.Lines...)
	for i := range lines {
		if lines[i].ID == lineID {
			lines[i] = target
		}
	}
	snap, err := quote.Load(ctx, s.products, s.codes, lines, codeStrings(cart.Codes))
	if err != nil {
		return nil, err
	}
	product, ok := snap.Products[target.ProductID]
	if !ok {
		return nil, domain.Mismatch(target.ProductID, "product no longer exists")
	}
	if _, err := pricing.Resolve(product, target); err != nil {
		return nil, err
	}
	return s.commit(ctx, cart, lines, nil, cart.Codes, snap)
}

// RemoveLine soft-deletes a line and detaches codes the remaining lines no
// longer qualify for.
func (s *Service) RemoveLine(ctx context.Context, owner domain.Owner, lineID string) (*View, error) {
	cart, err := s.repo.GetAlive(ctx, owner)
	if err != nil {
		return nil, err
	}
	if _, ok := cart.LineByID(lineID); !ok {
		return nil, domain.ErrNotFound
	}
	lines := make([]domain.CartLine, 0, len(cart.Lines))
	for _, l := range cart.Lines {
		if l.ID != lineID {
			lines = append(lines, l)
		}
	}
	snap, err := quote.Load(ctx, s.products, s.codes, lines, codeStrings(cart.Codes))
	if err != nil {
		return nil, err
	}
	view, err := s.commit(ctx, cart, lines, []string{lineID}, cart.Codes, snap)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("cart_id", cart.ID).Str("line_id", lineID).Msg("cart: line removed")
	return view, nil
}

// ApplyCode attaches an offer code. Codes are strict: anything that keeps the
// code from applying fails with *domain.IneligibleError and leaves the cart
// unchanged. A zero-value code arriving through a link is accepted but not
// attached.
func (s *Service) ApplyCode(ctx context.Context, owner domain.Owner, code string, source domain.CodeSource) (*View, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("%w: code required", domain.ErrInvalidInput)
	}
	if source == "" {
		source = domain.CodeSourceManual
	}
	cart, err := s.repo.GetAlive(ctx, owner)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && len(cart.Lines) == 0) {
		return nil, &domain.IneligibleError{Code: code, Reason: "cart is empty"}
	}
	if err != nil {
		return nil, err
	}
	if cart.HasCode(code) {
		return s.Get(ctx, owner)
	}

	codes := append(codeStrings(cart.Codes), code)
	snap, err := quote.Load(ctx, s.products, s.codes, cart.Lines, codes)
	if err != nil {
		return nil, err
	}

	var matches []domain.OfferCode
	for _, oc := range snap.Codes {
		if domain.NormalizeCode(oc.Code) == domain.NormalizeCode(code) {
			matches = append(matches, oc)
		}
	}
	if len(matches) == 0 {
		return nil, &domain.IneligibleError{Code: code, Reason: "code does not exist"}
	}
	now := s.now()
	usable := false
	reason := ""
	for _, oc := range matches {
		switch {
		case !oc.InWindow(now):
			reason = "code is not valid at this time"
		case oc.SoldOut():
			reason = "code has reached its usage limit"
		default:
			usable = true
		}
	}
	if !usable {
		return nil, &domain.IneligibleError{Code: code, Reason: reason}
	}

	applied := append(append([]domain.AppliedCode(nil), cart.Codes...), domain.AppliedCode{Code: code, Source: source})
	current, err := quote.Build(cart.Lines, cart.Codes, snap, now, false)
	if err != nil {
		return nil, err
	}
	// Lines that no longer price are reported in the view; they take no
	// part in deciding whether the code applies.
	var priceable []domain.CartLine
	for _, l := range current.Lines {
		if l.Priced() {
			priceable = append(priceable, l.CartLine)
		}
	}
	if _, err := quote.Build(priceable, applied, snap, now, true); err != nil {
		return nil, err
	}
	for _, oc := range matches {
		if oc.Discount != nil && oc.Discount.IsZero() && source == domain.CodeSourceURL {
			s.logger.Debug().Str("cart_id", cart.ID).Str("code", code).Msg("cart: zero-value link code not attached")
			return s.Get(ctx, owner)
		}
	}

	view, err := s.commit(ctx, cart, cart.Lines, nil, applied, snap)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("cart_id", cart.ID).Str("code", code).Str("source", string(source)).Msg("cart: code applied")
	return view, nil
}

// RemoveCode detaches a code. Removing a code that is not attached is a no-op.
func (s *Service) RemoveCode(ctx context.Context, owner domain.Owner, code string) (*View, error) {
	cart, err := s.repo.GetAlive(ctx, owner)
	if err != nil {
		return nil, err
	}
	if !cart.HasCode(code) {
		return s.Get(ctx, owner)
	}
	remaining := make([]domain.AppliedCode, 0, len(cart.Codes))
	for _, c := range cart.Codes {
		if domain.NormalizeCode(c.Code) != domain.NormalizeCode(code) {
			remaining = append(remaining, c)
		}
	}
	snap, err := quote.Load(ctx, s.products, s.codes, cart.Lines, codeStrings(remaining))
	if err != nil {
		return nil, err
	}
	return s.commit(ctx, cart, cart.Lines, nil, remaining, snap)
}

// MergeGuestIntoUser folds the guest's cart into the user's on login. When the
// guest has no cart the user's cart is returned unchanged.
func (s *Service) MergeGuestIntoUser(ctx context.Context, guestID, userID string) (*View, error) {
	if guestID == "" || userID == "" {
		return nil, fmt.Errorf("%w: guest and user ids required", domain.ErrInvalidInput)
	}
	res, err := s.repo.Merge(ctx, guestID, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return s.Get(ctx, domain.Owner{UserID: userID})
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("cart_id", res.Cart.ID).
		Str("user_id", userID).
		Bool("reassigned", res.Reassigned).
		Int("copied", len(res.Plan.Lines)).
		Int("conflicts", len(res.Plan.Conflicts)).
		Int("overflow", len(res.Plan.Overflow)).
		Msg("cart: merged guest cart")

	cart := res.Cart
	snap, err := quote.Load(ctx, s.products, s.codes, cart.Lines, codeStrings(cart.Codes))
	if err != nil {
		return nil, err
	}
	view, err := s.commit(ctx, cart, cart.Lines, nil, cart.Codes, snap)
	if err != nil {
		// The merge itself is durable; a line that no longer prices is
		// reported on the next read instead of failing the login.
		s.logger.Warn().Err(err).Str("cart_id", cart.ID).Msg("cart: reprice after merge failed")
		return s.Get(ctx, domain.Owner{UserID: userID})
	}
	view.Skipped = res.Plan.Overflow
	return view, nil
}

// commit re-prices lines, drops codes the engine detached, records each
// line's displayed total and persists everything in one change.
func (s *Service) commit(ctx context.Context, cart *domain.Cart, lines []domain.CartLine, removed []string, codes []domain.AppliedCode, snap quote.Snapshot) (*View, error) {
	q, err := quote.Build(lines, codes, snap, s.now(), false)
	if err != nil {
		return nil, err
	}
	kept := keepCodes(codes, q)
	for i := range lines {
		if !q.Lines[i].Priced() {
			s.logger.Warn().Err(q.Lines[i].Err).Str("cart_id", cart.ID).Str("line_id", lines[i].ID).Msg("cart: line cannot be priced")
			continue
		}
		lines[i].DisplayedCents = q.Lines[i].Discounted.TotalCents
	}

	updated, err := s.repo.Apply(ctx, cart.ID, cartrepo.Change{Upsert: lines, Remove: removed, Codes: kept})
	if err != nil {
		return nil, err
	}
	if len(q.Result.Detached) > 0 {
		for _, d := range q.Result.Detached {
			s.logger.Info().Str("cart_id", cart.ID).Str("code", d.Code).Str("reason", d.Reason).Msg("cart: code detached")
		}
	}

	final, err := quote.Build(updated.Lines, updated.Codes, snap, s.now(), false)
	if err != nil {
		return nil, err
	}
	v := s.view(ctx, updated, final)
	v.Detached = q.Result.Detached
	return v, nil
}

func (s *Service) aliveOrCreate(ctx context.Context, owner domain.Owner, currency string) (*domain.Cart, error) {
	cart, err := s.repo.GetAlive(ctx, owner)
	if err == nil {
		return cart, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	currency = domain.NormalizeCurrency(currency)
	if currency == "" || !domain.ValidCurrency(currency) {
		currency = defaultCurrency
	}
	cart, err = s.repo.Create(ctx, owner, currency)
	if errors.Is(err, domain.ErrAlreadyExists) {
		return s.repo.GetAlive(ctx, owner)
	}
	return cart, err
}

// keepCodes removes codes the engine detached, unless the same string is
// still active for another seller.
func keepCodes(codes []domain.AppliedCode, q *quote.Quote) []domain.AppliedCode {
	active := map[string]bool{}
	for _, sv := range q.Result.Savings {
		active[domain.NormalizeCode(sv.Code)] = true
	}
	detached := map[string]bool{}
	for _, d := range q.Result.Detached {
		if !active[domain.NormalizeCode(d.Code)] {
			detached[domain.NormalizeCode(d.Code)] = true
		}
	}
	kept := make([]domain.AppliedCode, 0, len(codes))
	for _, c := range codes {
		if !detached[domain.NormalizeCode(c.Code)] {
			kept = append(kept, c)
		}
	}
	return kept
}

func codeStrings(codes []domain.AppliedCode) []string {
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		out = append(out, c.Code)
	}
	return out
}
