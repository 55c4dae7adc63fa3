package migrate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-checkout/internal/db/dbtest"
	"storefront-checkout/internal/migrate"
)

func TestRollbackAndReapply(t *testing.T) {
	ctx := context.Background()
	pool := dbtest.Pool(t)

	st, err := migrate.Current(ctx, pool)
	require.NoError(t, err)
	require.False(t, st.Empty)
	assert.False(t, st.Dirty)
	latest := st.Version

	require.NoError(t, migrate.Rollback(ctx, pool, 1))
	st, err = migrate.Current(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, latest-1, st.Version)

	var exists bool
	require.NoError(t, pool.QueryRow(ctx, `SELECT to_regclass('orders_pending_cart_idx') IS NOT NULL`).Scan(&exists))
	assert.False(t, exists, "rolling back drops the pending order index")

	require.NoError(t, migrate.Apply(ctx, pool))
	st, err = migrate.Current(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, latest, st.Version)
	require.NoError(t, migrate.Apply(ctx, pool), "applying twice is a no-op")
}

func TestRollbackNeedsSteps(t *testing.T) {
	assert.Error(t, migrate.Rollback(context.Background(), nil, 0))
}
