// Package dbtest provides a migrated postgres pool for repository tests.
package dbtest

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"storefront-checkout/internal/migrate"
)

var (
	once      sync.Once
	sharedDSN string
	startErr  error
)

// Pool returns a pool on a freshly truncated schema. It uses TEST_DB_DSN when
// set and otherwise starts a postgres container; the test is skipped when
// neither is available.
func Pool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		testcontainers.SkipIfProviderIsNotHealthy(t)
		once.Do(func() {
			container, err := postgres.Run(ctx, "postgres:17.6-alpine3.22",
				postgres.WithDatabase("checkout_test"),
				postgres.WithUsername("checkout"),
				postgres.WithPassword("checkout"),
				postgres.BasicWaitStrategies(),
			)
			if err != nil {
				startErr = err
				return
			}
			sharedDSN, startErr = container.ConnectionString(ctx, "sslmode=disable")
		})
		if startErr != nil {
			t.Skipf("postgres unavailable: %v", startErr)
		}
		dsn = sharedDSN
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := migrate.Apply(ctx, pool); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE guest_tokens, purchases, charges, orders, cart_lines, carts, offer_codes, products CASCADE`); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
	return pool
}
