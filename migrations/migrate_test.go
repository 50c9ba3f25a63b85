package migrations_test

import (
	"context"
	"testing"

	"github.com/kirinyoku/tix-saga/internal/testutil"
	"github.com/kirinyoku/tix-saga/migrations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApply_IsIdempotent(t *testing.T) {
	pool := testutil.NewTestPool(t)
	ctx := context.Background()

	require.NoError(t, migrations.Apply(ctx, pool))
	require.NoError(t, migrations.Apply(ctx, pool))

	var applied int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&applied))
	assert.GreaterOrEqual(t, applied, 1)

	for _, table := range []string{"events", "requests", "tickets"} {
		var exists bool
		require.NoError(t, pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, "public."+table).Scan(&exists))
		assert.True(t, exists, table)
	}
}
