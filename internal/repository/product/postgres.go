package product

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"storefront-checkout/internal/domain"
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

const productColumns = `id, seller_id, name, kind, price_cents, rental_price_cents, currency, pwyw, available,
variants, recurrence_prices, bundle_items, created_at, updated_at`

func scanProduct(row pgx.Row) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(
		&p.ID,
		&p.SellerID,
		&p.Name,
		&p.Kind,
		&p.PriceCents,
		&p.RentalPriceCents,
		&p.Currency,
		&p.PWYW,
		&p.Available,
		&p.Variants,
		&p.RecurrencePrices,
		&p.BundleItems,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	return p, err
}

func (r *postgresRepo) Get(ctx context.Context, id string) (*domain.Product, error) {
	q := `SELECT ` + productColumns + ` FROM products WHERE id = $1`
	p, err := scanProduct(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			r.logger.Debug().Str("id", id).Msg("product repo: get not found")
			return nil, domain.ErrNotFound
		}
		r.logger.Error().Err(err).Str("id", id).Msg("product repo: get")
		return nil, err
	}
	return &p, nil
}

func (r *postgresRepo) GetMany(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	q := `SELECT ` + productColumns + ` FROM products WHERE id = ANY($1)`
	rows, err := r.pool.Query(ctx, q, ids)
	if err != nil {
		r.logger.Error().Err(err).Int("ids", len(ids)).Msg("product repo: get many")
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *postgresRepo) ListBySeller(ctx context.Context, sellerID string) ([]domain.Product, error) {
	q := `SELECT ` + productColumns + ` FROM products WHERE seller_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, q, sellerID)
	if err != nil {
		r.logger.Error().Err(err).Str("seller_id", sellerID).Msg("product repo: list")
		return nil, err
	}
	defer rows.Close()

	var result []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	r.logger.Debug().Str("seller_id", sellerID).Int("count", len(result)).Msg("product repo: list")
	return result, nil
}

func (r *postgresRepo) Upsert(ctx context.Context, product domain.Product) (*domain.Product, error) {
	q := `
INSERT INTO products (id, seller_id, name, kind, price_cents, rental_price_cents, currency, pwyw, available,
	variants, recurrence_prices, bundle_items)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET
	seller_id = EXCLUDED.seller_id,
	name = EXCLUDED.name,
	kind = EXCLUDED.kind,
	price_cents = EXCLUDED.price_cents,
	rental_price_cents = EXCLUDED.rental_price_cents,
	currency = EXCLUDED.currency,
	pwyw = EXCLUDED.pwyw,
	available = EXCLUDED.available,
	variants = EXCLUDED.variants,
	recurrence_prices = EXCLUDED.recurrence_prices,
	bundle_items = EXCLUDED.bundle_items,
	updated_at = NOW()
RETURNING ` + productColumns

	variants := product.Variants
	if variants == nil {
		variants = []domain.Variant{}
	}
	recurrence := product.RecurrencePrices
	if recurrence == nil {
		recurrence = map[domain.Recurrence]int64{}
	}
	items := product.BundleItems
	if items == nil {
		items = []domain.BundleItem{}
	}

	res, err := scanProduct(r.pool.QueryRow(ctx, q,
		product.ID,
		product.SellerID,
		product.Name,
		product.Kind,
		product.PriceCents,
		product.RentalPriceCents,
		domain.NormalizeCurrency(product.Currency),
		product.PWYW,
		product.Available,
		variants,
		recurrence,
		items,
	))
	if err != nil {
		r.logger.Error().Err(err).Str("id", product.ID).Str("seller_id", product.SellerID).Msg("product repo: upsert")
		return nil, err
	}
	r.logger.Debug().Str("id", res.ID).Str("seller_id", res.SellerID).Msg("product repo: upserted")
	return &res, nil
}
