package offercode

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"storefront-checkout/internal/domain"
)

const (
	kindPercentage = "percentage"
	kindFixed      = "fixed"
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

const codeColumns = `id::text, code, seller_id, universal, product_ids, discount_kind, discount_value, discount_currency,
valid_at, expires_at, max_uses, uses, minimum_quantity, minimum_amount_cents, duration_in_billing_cycles, created_at`

func scanCode(row pgx.Row) (domain.OfferCode, error) {
	var (
		c        domain.OfferCode
		kind     string
		value    int64
		currency string
	)
	if err := row.Scan(
		&c.ID,
		&c.Code,
		&c.SellerID,
		&c.Universal,
		&c.ProductIDs,
		&kind,
		&value,
		&currency,
		&c.ValidAt,
		&c.ExpiresAt,
		&c.MaxUses,
		&c.Uses,
		&c.MinimumQuantity,
		&c.MinimumAmountCents,
		&c.DurationInBillingCycles,
		&c.CreatedAt,
	); err != nil {
		return domain.OfferCode{}, err
	}
	switch kind {
	case kindPercentage:
		c.Discount = domain.Percentage{Value: int(value)}
	case kindFixed:
		c.Discount = domain.Fixed{Cents: value, Currency: currency}
	default:
		return domain.OfferCode{}, fmt.Errorf("offer code %s: unknown discount kind %q", c.ID, kind)
	}
	return c, nil
}

func encodeDiscount(d domain.Discount) (string, int64, string, error) {
	switch d := d.(type) {
	case domain.Percentage:
		return kindPercentage, int64(d.Value), "", nil
	case domain.Fixed:
		return kindFixed, d.Cents, domain.NormalizeCurrency(d.Currency), nil
	}
	return "", 0, "", errors.New("offer code has no discount")
}

func (r *postgresRepo) Create(ctx context.Context, code domain.OfferCode) (*domain.OfferCode, error) {
	kind, value, currency, err := encodeDiscount(code.Discount)
	if err != nil {
		return nil, err
	}
	productIDs := code.ProductIDs
	if productIDs == nil {
		productIDs = []string{}
	}
	q := `
INSERT INTO offer_codes (code, seller_id, universal, product_ids, discount_kind, discount_value, discount_currency,
	valid_at, expires_at, max_uses, uses, minimum_quantity, minimum_amount_cents, duration_in_billing_cycles)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
RETURNING ` + codeColumns
	created, err := scanCode(r.pool.QueryRow(ctx, q,
		code.Code,
		code.SellerID,
		code.Universal,
		productIDs,
		kind,
		value,
		currency,
		code.ValidAt,
		code.ExpiresAt,
		code.MaxUses,
		code.Uses,
		code.MinimumQuantity,
		code.MinimumAmountCents,
		code.DurationInBillingCycles,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, domain.ErrAlreadyExists
		}
		r.logger.Error().Err(err).Str("code", code.Code).Str("seller_id", code.SellerID).Msg("offer code repo: create")
		return nil, err
	}
	return &created, nil
}

func (r *postgresRepo) FindByCodes(ctx context.Context, sellerIDs, codes []string) ([]domain.OfferCode, error) {
	if len(sellerIDs) == 0 || len(codes) == 0 {
		return nil, nil
	}
	normalized := make([]string, 0, len(codes))
	for _, c := range codes {
		normalized = append(normalized, domain.NormalizeCode(c))
	}
	q := `SELECT ` + codeColumns + `
FROM offer_codes
WHERE seller_id = ANY($1) AND lower(code) = ANY($2)
ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, q, sellerIDs, normalized)
	if err != nil {
		r.logger.Error().Err(err).Strs("codes", normalized).Msg("offer code repo: find")
		return nil, err
	}
	defer rows.Close()

	var out []domain.OfferCode
	for rows.Next() {
		c, err := scanCode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *postgresRepo) IncrementUses(ctx context.Context, counts map[string]int) error {
	if len(counts) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for id, n := range counts {
		batch.Queue(`UPDATE offer_codes SET uses = uses + $2 WHERE id = $1`, id, n)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		r.logger.Error().Err(err).Int("codes", len(counts)).Msg("offer code repo: increment uses")
		return err
	}
	return nil
}
