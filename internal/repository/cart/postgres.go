package cart

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"storefront-checkout/internal/domain"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

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

const cartColumns = `id::text, user_id, guest_id, state, successor_id::text, currency, discount_codes, created_at, updated_at, deleted_at`

func (r *postgresRepo) GetByID(ctx context.Context, id string) (*domain.Cart, error) {
	return fetchCart(ctx, r.pool, `SELECT `+cartColumns+` FROM carts WHERE id = $1`, id)
}

func (r *postgresRepo) GetAlive(ctx context.Context, owner domain.Owner) (*domain.Cart, error) {
	if owner.UserID != "" {
		return fetchCart(ctx, r.pool, `SELECT `+cartColumns+` FROM carts WHERE user_id = $1 AND state = 'alive'`, owner.UserID)
	}
	if owner.GuestID != "" {
		return fetchCart(ctx, r.pool, `SELECT `+cartColumns+` FROM carts WHERE guest_id = $1 AND state = 'alive'`, owner.GuestID)
	}
	return nil, domain.ErrNotFound
}

func (r *postgresRepo) Create(ctx context.Context, owner domain.Owner, currency string) (*domain.Cart, error) {
	id, err := insertCart(ctx, r.pool, owner, currency, nil)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, domain.ErrAlreadyExists
		}
		r.logger.Error().Err(err).Str("owner", owner.String()).Msg("cart repo: create")
		return nil, err
	}
	r.logger.Debug().Str("cart_id", id).Str("owner", owner.String()).Msg("cart repo: created")
	return r.GetByID(ctx, id)
}

func (r *postgresRepo) Apply(ctx context.Context, cartID string, change Change) (*domain.Cart, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := lockAlive(ctx, tx, cartID); err != nil {
		return nil, err
	}

	for _, id := range change.Remove {
		cmd, err := tx.Exec(ctx, `
UPDATE cart_lines
SET deleted_at = NOW(), updated_at = NOW()
WHERE id = $1 AND cart_id = $2 AND deleted_at IS NULL
`, id, cartID)
		if err != nil {
			return nil, err
		}
		if cmd.RowsAffected() == 0 {
			return nil, domain.ErrNotFound
		}
	}

	for _, line := range change.Upsert {
		if line.ID == "" {
			if err := insertLine(ctx, tx, cartID, line); err != nil {
				return nil, err
			}
			continue
		}
		cmd, err := tx.Exec(ctx, `
UPDATE cart_lines
SET quantity = $3, pwyw_cents = $4, rental = $5, referrer = $6, bundle_fingerprint = $7, displayed_cents = $8, updated_at = NOW()
WHERE id = $1 AND cart_id = $2 AND deleted_at IS NULL
`, line.ID, cartID, line.Quantity, line.PWYWCents, line.Rental, line.Referrer, line.BundleFingerprint, line.DisplayedCents)
		if err != nil {
			return nil, err
		}
		if cmd.RowsAffected() == 0 {
			return nil, domain.ErrNotFound
		}
	}

	var alive int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM cart_lines WHERE cart_id = $1 AND deleted_at IS NULL`, cartID).Scan(&alive); err != nil {
		return nil, err
	}
	if alive > domain.MaxCartLines {
		return nil, domain.ErrCartFull
	}

	if _, err := tx.Exec(ctx, `UPDATE carts SET discount_codes = $2, updated_at = NOW() WHERE id = $1`, cartID, codesOrEmpty(change.Codes)); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error().Err(err).Str("cart_id", cartID).Msg("cart repo: apply")
		return nil, err
	}
	r.logger.Debug().
		Str("cart_id", cartID).
		Int("upserted", len(change.Upsert)).
		Int("removed", len(change.Remove)).
		Int("lines", alive).
		Msg("cart repo: applied change")
	return r.GetByID(ctx, cartID)
}

func (r *postgresRepo) Merge(ctx context.Context, guestID, userID string) (*MergeResult, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	guest, err := fetchCart(ctx, tx, `SELECT `+cartColumns+` FROM carts WHERE guest_id = $1 AND state = 'alive' FOR UPDATE`, guestID)
	if err != nil {
		return nil, err
	}
	user, err := fetchCart(ctx, tx, `SELECT `+cartColumns+` FROM carts WHERE user_id = $1 AND state = 'alive' FOR UPDATE`, userID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	res := &MergeResult{}
	targetID := guest.ID
	if user == nil {
		if _, err := tx.Exec(ctx, `UPDATE carts SET user_id = $2, guest_id = NULL, updated_at = NOW() WHERE id = $1`, guest.ID, userID); err != nil {
			return nil, err
		}
		res.Reassigned = true
	} else {
		targetID = user.ID
		res.Plan = domain.PlanMerge(*guest, *user)
		for _, line := range res.Plan.Lines {
			if err := insertLine(ctx, tx, user.ID, line); err != nil {
				return nil, err
			}
		}
		if _, err := tx.Exec(ctx, `UPDATE carts SET discount_codes = $2, updated_at = NOW() WHERE id = $1`, user.ID, codesOrEmpty(res.Plan.Codes)); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx, `
UPDATE carts
SET state = 'merged', successor_id = $2, deleted_at = NOW(), updated_at = NOW()
WHERE id = $1
`, guest.ID, user.ID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error().Err(err).Str("guest_id", guestID).Str("user_id", userID).Msg("cart repo: merge")
		return nil, err
	}
	r.logger.Info().
		Str("guest_cart_id", guest.ID).
		Str("cart_id", targetID).
		Bool("reassigned", res.Reassigned).
		Int("copied", len(res.Plan.Lines)).
		Int("overflow", len(res.Plan.Overflow)).
		Msg("cart repo: merged guest cart")

	res.Cart, err = r.GetByID(ctx, targetID)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *postgresRepo) CheckOut(ctx context.Context, cartID string, carry Carry) (*domain.Cart, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	successorID, err := CheckOutTx(ctx, tx, cartID, carry)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, successorID)
}

// CheckOutTx marks cartID checked out and creates its successor inside tx.
// Callers that already hold a transaction (order finalization) use it directly.
func CheckOutTx(ctx context.Context, tx pgx.Tx, cartID string, carry Carry) (string, error) {
	old, err := lockAlive(ctx, tx, cartID)
	if err != nil {
		return "", err
	}
	if _, err := tx.Exec(ctx, `
UPDATE carts
SET state = 'checked_out', deleted_at = NOW(), updated_at = NOW()
WHERE id = $1
`, cartID); err != nil {
		return "", err
	}

	successorID, err := insertCart(ctx, tx, old.Owner(), old.Currency, carry.Codes)
	if err != nil {
		return "", err
	}
	for _, line := range carry.Lines {
		if err := insertLine(ctx, tx, successorID, line); err != nil {
			return "", err
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE carts SET successor_id = $2 WHERE id = $1`, cartID, successorID); err != nil {
		return "", err
	}
	return successorID, nil
}

// lockAlive row-locks the cart and fails unless it is alive.
func lockAlive(ctx context.Context, q Querier, cartID string) (*domain.Cart, error) {
	var (
		cart    domain.Cart
		userID  *string
		guestID *string
	)
	err := q.QueryRow(ctx, `
SELECT id::text, user_id, guest_id, state, currency
FROM carts
WHERE id = $1
FOR UPDATE
`, cartID).Scan(&cart.ID, &userID, &guestID, &cart.State, &cart.Currency)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	cart.UserID = userID
	cart.GuestID = guestID
	if !cart.IsAlive() {
		return nil, domain.ErrCartNotAlive
	}
	return &cart, nil
}

func insertCart(ctx context.Context, q Querier, owner domain.Owner, currency string, codes []domain.AppliedCode) (string, error) {
	var userID, guestID *string
	if owner.UserID != "" {
		userID = &owner.UserID
	} else {
		guestID = &owner.GuestID
	}
	var id string
	err := q.QueryRow(ctx, `
INSERT INTO carts (user_id, guest_id, currency, discount_codes)
VALUES ($1, $2, $3, $4)
RETURNING id::text
`, userID, guestID, domain.NormalizeCurrency(currency), codesOrEmpty(codes)).Scan(&id)
	return id, err
}

func insertLine(ctx context.Context, q Querier, cartID string, line domain.CartLine) error {
	_, err := q.Exec(ctx, `
INSERT INTO cart_lines (cart_id, product_id, variant_id, recurrence, quantity, pwyw_cents, rental, referrer, bundle_fingerprint, displayed_cents)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (cart_id, product_id, variant_id, recurrence) WHERE deleted_at IS NULL DO UPDATE SET
	quantity = EXCLUDED.quantity,
	pwyw_cents = EXCLUDED.pwyw_cents,
	rental = EXCLUDED.rental,
	referrer = EXCLUDED.referrer,
	bundle_fingerprint = EXCLUDED.bundle_fingerprint,
	displayed_cents = EXCLUDED.displayed_cents,
	updated_at = NOW()
`, cartID, line.ProductID, line.VariantID, line.Recurrence, line.Quantity, line.PWYWCents, line.Rental, line.Referrer, line.BundleFingerprint, line.DisplayedCents)
	return err
}

func codesOrEmpty(codes []domain.AppliedCode) []domain.AppliedCode {
	if codes == nil {
		return []domain.AppliedCode{}
	}
	return codes
}

func fetchCart(ctx context.Context, q Querier, cartQuery string, args ...any) (*domain.Cart, error) {
	var cart domain.Cart
	err := q.QueryRow(ctx, cartQuery, args...).Scan(
		&cart.ID,
		&cart.UserID,
		&cart.GuestID,
		&cart.State,
		&cart.SuccessorID,
		&cart.Currency,
		&cart.Codes,
		&cart.CreatedAt,
		&cart.UpdatedAt,
		&cart.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}

	const linesQuery = `
SELECT id::text, cart_id::text, product_id, variant_id, recurrence, quantity, pwyw_cents, rental, referrer,
	bundle_fingerprint, displayed_cents, created_at, updated_at
FROM cart_lines
WHERE cart_id = $1 AND deleted_at IS NULL
ORDER BY created_at ASC, id ASC
`
	rows, err := q.Query(ctx, linesQuery, cart.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var line domain.CartLine
		if err := rows.Scan(
			&line.ID,
			&line.CartID,
			&line.ProductID,
			&line.VariantID,
			&line.Recurrence,
			&line.Quantity,
			&line.PWYWCents,
			&line.Rental,
			&line.Referrer,
			&line.BundleFingerprint,
			&line.DisplayedCents,
			&line.CreatedAt,
			&line.UpdatedAt,
		); err != nil {
			return nil, err
		}
		cart.Lines = append(cart.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &cart, nil
}
