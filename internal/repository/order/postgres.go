package order

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"storefront-checkout/internal/domain"
	cartrepo "storefront-checkout/internal/repository/cart"
)

type postgresRepo struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewPostgres(pool *pgxpool.Pool, logger *zerolog.Logger) Repository {
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &postgresRepo{pool: pool, logger: l}
}

func (r *postgresRepo) CreateOrder(ctx context.Context, order domain.Order) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO orders (id, buyer_user_id, buyer_guest_id, cart_id, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, order.ID, order.BuyerUserID, order.BuyerGuestID, order.CartID, order.Status, order.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrAlreadyExists
		}
		r.logger.Error().Err(err).Str("order_id", order.ID).Msg("order repo: create")
	}
	return err
}

func (r *postgresRepo) SaveCharge(ctx context.Context, charge domain.Charge) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
INSERT INTO charges (id, order_id, seller_id, currency, amount_cents, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, charge.ID, charge.OrderID, charge.SellerID, charge.Currency, charge.AmountCents, charge.Status, charge.CreatedAt); err != nil {
		return err
	}

	// Bundle parents precede their constituents so the self reference resolves.
	for _, p := range charge.Purchases {
		offerCodeIDs := p.OfferCodeIDs
		if offerCodeIDs == nil {
			offerCodeIDs = []string{}
		}
		offerCodes := p.OfferCodes
		if offerCodes == nil {
			offerCodes = []string{}
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO purchases (id, charge_id, order_id, seller_id, product_id, variant_id, quantity, recurrence, rental,
	base_price_cents, price_cents, discount_cents, offer_code_ids, offer_codes, discount_duration_cycles, currency,
	bundle_purchase_id, attributed_cents, referrer, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
`, p.ID, charge.ID, charge.OrderID, p.SellerID, p.ProductID, p.VariantID, p.Quantity, p.Recurrence, p.Rental,
			p.BasePriceCents, p.PriceCents, p.DiscountCents, offerCodeIDs, offerCodes, p.DiscountDurationCycles, p.Currency,
			p.BundlePurchaseID, p.AttributedCents, p.Referrer, p.Status, p.CreatedAt); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error().Err(err).Str("charge_id", charge.ID).Msg("order repo: save charge")
		return err
	}
	r.logger.Debug().Str("charge_id", charge.ID).Int("purchases", len(charge.Purchases)).Msg("order repo: saved charge")
	return nil
}

func (r *postgresRepo) MarkCharge(ctx context.Context, chargeID string, status domain.ChargeStatus, processorID, reason string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	cmd, err := tx.Exec(ctx, `
UPDATE charges
SET status = $2, processor_id = $3, failure_reason = $4, updated_at = NOW()
WHERE id = $1 AND status = 'pending'
`, chargeID, status, processorID, reason)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	if _, err := tx.Exec(ctx, `UPDATE purchases SET status = $2 WHERE charge_id = $1`, chargeID, status); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *postgresRepo) Finalize(ctx context.Context, in FinalizeInput) (string, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	cmd, err := tx.Exec(ctx, `UPDATE orders SET status = $2, updated_at = NOW() WHERE id = $1 AND status = 'pending'`, in.OrderID, in.Status)
	if err != nil {
		return "", err
	}
	if cmd.RowsAffected() == 0 {
		return "", domain.ErrNotFound
	}

	var successorID string
	if in.Rotate {
		successorID, err = cartrepo.CheckOutTx(ctx, tx, in.CartID, in.Carry)
		if err != nil {
			return "", err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		r.logger.Error().Err(err).Str("order_id", in.OrderID).Msg("order repo: finalize")
		return "", err
	}
	r.logger.Info().
		Str("order_id", in.OrderID).
		Str("status", string(in.Status)).
		Str("successor_cart_id", successorID).
		Msg("order repo: finalized")
	return successorID, nil
}

func (r *postgresRepo) Get(ctx context.Context, id string) (*domain.Order, error) {
	var o domain.Order
	err := r.pool.QueryRow(ctx, `
SELECT id::text, buyer_user_id, buyer_guest_id, cart_id::text, status, created_at
FROM orders
WHERE id = $1
`, id).Scan(&o.ID, &o.BuyerUserID, &o.BuyerGuestID, &o.CartID, &o.Status, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
SELECT id::text, order_id::text, seller_id, currency, amount_cents, status, processor_id, failure_reason, created_at
FROM charges
WHERE order_id = $1
ORDER BY created_at ASC, seller_id ASC
`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	index := map[string]int{}
	for rows.Next() {
		var c domain.Charge
		if err := rows.Scan(&c.ID, &c.OrderID, &c.SellerID, &c.Currency, &c.AmountCents, &c.Status, &c.ProcessorID, &c.FailureReason, &c.CreatedAt); err != nil {
			return nil, err
		}
		index[c.ID] = len(o.Charges)
		o.Charges = append(o.Charges, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	prows, err := r.pool.Query(ctx, `
SELECT id::text, charge_id::text, order_id::text, seller_id, product_id, variant_id, quantity, recurrence, rental,
	base_price_cents, price_cents, discount_cents, offer_code_ids, offer_codes, discount_duration_cycles, currency,
	bundle_purchase_id::text, attributed_cents, referrer, status, created_at
FROM purchases
WHERE order_id = $1
ORDER BY created_at ASC, bundle_purchase_id NULLS FIRST
`, id)
	if err != nil {
		return nil, err
	}
	defer prows.Close()
	for prows.Next() {
		var p domain.Purchase
		if err := prows.Scan(
			&p.ID,
			&p.ChargeID,
			&p.OrderID,
			&p.SellerID,
			&p.ProductID,
			&p.VariantID,
			&p.Quantity,
			&p.Recurrence,
			&p.Rental,
			&p.BasePriceCents,
			&p.PriceCents,
			&p.DiscountCents,
			&p.OfferCodeIDs,
			&p.OfferCodes,
			&p.DiscountDurationCycles,
			&p.Currency,
			&p.BundlePurchaseID,
			&p.AttributedCents,
			&p.Referrer,
			&p.Status,
			&p.CreatedAt,
		); err != nil {
			return nil, err
		}
		if i, ok := index[p.ChargeID]; ok {
			o.Charges[i].Purchases = append(o.Charges[i].Purchases, p)
		}
	}
	if err := prows.Err(); err != nil {
		return nil, err
	}
	return &o, nil
}
