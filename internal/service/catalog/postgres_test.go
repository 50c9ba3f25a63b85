package catalog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kirinyoku/tix-saga/internal/clock"
	postgresrepo "github.com/kirinyoku/tix-saga/internal/repository/postgres"
	"github.com/kirinyoku/tix-saga/internal/testutil"
	"github.com/kirinyoku/tix-saga/internal/uow"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu      sync.Mutex
	changed []int64
}

func (o *recordingObserver) EventChanged(_ context.Context, eventID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changed = append(o.changed, eventID)
}

func TestService_CreateEvent(t *testing.T) {
	pool := testutil.NewTestPool(t)
	ctx := context.Background()
	testutil.ApplyMigrations(t, ctx, pool)
	testutil.TruncateAll(t, ctx, pool)

	store := postgresrepo.NewStore(pool)
	obs := &recordingObserver{}
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	svc := New(store, uow.NewUoW(store), obs, clock.Fixed{T: now})

	id, err := svc.CreateEvent(ctx, "  Concert ", decimal.RequireFromString("49.90"), 100)
	require.NoError(t, err)

	e, err := store.Ledger().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Concert", e.Name)
	assert.Equal(t, 100, e.CapacityRemaining)
	assert.Equal(t, 0, e.Held)
	assert.True(t, e.Price.Equal(decimal.RequireFromString("49.9")))
	assert.True(t, e.CreatedAt.Equal(now))
	assert.Equal(t, []int64{id}, obs.changed)

	_, err = svc.CreateEvent(ctx, "", decimal.Zero, 1)
	assert.ErrorIs(t, err, ErrInvalidEvent)
	assert.Len(t, obs.changed, 1)
}
