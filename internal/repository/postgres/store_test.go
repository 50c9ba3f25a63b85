package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kirinyoku/tix-saga/internal/domain"
	"github.com/kirinyoku/tix-saga/internal/repository"
	"github.com/kirinyoku/tix-saga/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerRepo(t *testing.T) {
	pool := testutil.NewTestPool(t)
	store := NewStore(pool)
	testutil.ApplyMigrations(t, context.Background(), pool)

	t.Run("Hold Release Commit move the counters", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)
		eventID := testutil.InsertEvent(t, ctx, pool, "Concert", 10)

		e, err := store.Ledger().Hold(ctx, eventID, 4)
		require.NoError(t, err)
		assert.Equal(t, 10, e.CapacityRemaining)
		assert.Equal(t, 4, e.Held)
		assert.Equal(t, 6, e.Available())

		e, err = store.Ledger().Release(ctx, eventID, 1)
		require.NoError(t, err)
		assert.Equal(t, 3, e.Held)

		e, err = store.Ledger().Commit(ctx, eventID, 3)
		require.NoError(t, err)
		assert.Equal(t, 7, e.CapacityRemaining)
		assert.Equal(t, 0, e.Held)
		assert.True(t, e.Price.Equal(decimal.RequireFromString("25")))
	})

	t.Run("Guards report insufficient capacity", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)
		eventID := testutil.InsertEvent(t, ctx, pool, "Concert", 2)

		_, err := store.Ledger().Hold(ctx, eventID, 3)
		assert.ErrorIs(t, err, repository.ErrInsufficientCapacity)

		_, err = store.Ledger().Release(ctx, eventID, 1)
		assert.ErrorIs(t, err, repository.ErrInsufficientCapacity)

		_, err = store.Ledger().Commit(ctx, eventID, 1)
		assert.ErrorIs(t, err, repository.ErrInsufficientCapacity)

		e, err := store.Ledger().Get(ctx, eventID)
		require.NoError(t, err)
		assert.Equal(t, 2, e.CapacityRemaining)
		assert.Equal(t, 0, e.Held)
	})

	t.Run("Unknown event is not found", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)

		_, err := store.Ledger().Hold(ctx, 999, 1)
		assert.ErrorIs(t, err, repository.ErrNotFound)

		_, err = store.Ledger().Get(ctx, 999)
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("Concurrent holds never exceed capacity", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)
		eventID := testutil.InsertEvent(t, ctx, pool, "Concert", 5)

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			granted int
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := store.RunTx(ctx, &pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ctx context.Context, tx DB) error {
					_, err := store.Ledger().With(tx).Hold(ctx, eventID, 1)
					return err
				})
				if err == nil {
					mu.Lock()
					granted++
					mu.Unlock()
					return
				}
				if !errors.Is(err, repository.ErrInsufficientCapacity) {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		e, err := store.Ledger().Get(ctx, eventID)
		require.NoError(t, err)
		assert.Equal(t, 5, granted)
		assert.Equal(t, 5, e.Held)
	})
}

func TestEventRepo(t *testing.T) {
	pool := testutil.NewTestPool(t)
	store := NewStore(pool)
	ctx := context.Background()
	testutil.ApplyMigrations(t, ctx, pool)
	testutil.TruncateAll(t, ctx, pool)

	now := time.Now().UTC().Truncate(time.Microsecond)
	for _, name := range []string{"A", "B", "C"} {
		_, err := store.Events().Create(ctx, name, decimal.RequireFromString("12.50"), 100, now)
		require.NoError(t, err)
	}

	page, err := store.Events().List(ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "B", page[0].Name)
	assert.Equal(t, "C", page[1].Name)
	assert.True(t, page[0].Price.Equal(decimal.RequireFromString("12.5")))

	_, err = store.Events().Create(ctx, "Bad", decimal.RequireFromString("-1"), 1, now)
	assert.Error(t, err)
}

func TestTicketRepo(t *testing.T) {
	pool := testutil.NewTestPool(t)
	store := NewStore(pool)
	testutil.ApplyMigrations(t, context.Background(), pool)

	newTicket := func(t *testing.T, ctx context.Context, eventID int64, userID string, createdAt time.Time) domain.Ticket {
		t.Helper()
		id := uuid.NewString()
		require.NoError(t, store.Requests().Create(ctx, domain.Request{
			ID: id, EventID: eventID, UserID: userID, Quantity: 2, CreatedAt: createdAt,
		}))
		tk := domain.Ticket{
			RequestID: id, EventID: eventID, UserID: userID, Quantity: 2,
			Status: domain.TicketPending, CreatedAt: createdAt, UpdatedAt: createdAt,
		}
		require.NoError(t, store.Tickets().Create(ctx, tk))
		return tk
	}

	t.Run("Transition is a compare-and-set", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)
		eventID := testutil.InsertEvent(t, ctx, pool, "Concert", 10)
		tk := newTicket(t, ctx, eventID, "alice", time.Now().UTC())

		ok, err := store.Tickets().Transition(ctx, tk.RequestID, domain.TicketPending, domain.TicketConfirmed, time.Now().UTC())
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.Tickets().Transition(ctx, tk.RequestID, domain.TicketPending, domain.TicketRejected, time.Now().UTC())
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := store.Tickets().Get(ctx, tk.RequestID)
		require.NoError(t, err)
		assert.Equal(t, domain.TicketConfirmed, got.Status)

		req, err := store.Requests().Get(ctx, tk.RequestID)
		require.NoError(t, err)
		assert.Equal(t, 2, req.Quantity)
		assert.Equal(t, eventID, req.EventID)
	})

	t.Run("Missing and malformed IDs are not found", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)

		_, err := store.Tickets().Get(ctx, uuid.NewString())
		assert.ErrorIs(t, err, repository.ErrNotFound)

		_, err = store.Tickets().Get(ctx, "not-a-uuid")
		assert.ErrorIs(t, err, repository.ErrNotFound)

		_, err = store.Requests().Get(ctx, uuid.NewString())
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("Duplicate request conflicts", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)
		eventID := testutil.InsertEvent(t, ctx, pool, "Concert", 10)
		tk := newTicket(t, ctx, eventID, "alice", time.Now().UTC())

		err := store.Tickets().Create(ctx, tk)
		assert.ErrorIs(t, err, repository.ErrConflict)
	})

	t.Run("ListByUser filters by status", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)
		eventID := testutil.InsertEvent(t, ctx, pool, "Concert", 10)
		now := time.Now().UTC()

		first := newTicket(t, ctx, eventID, "alice", now.Add(-time.Minute))
		newTicket(t, ctx, eventID, "alice", now)
		newTicket(t, ctx, eventID, "bob", now)

		_, err := store.Tickets().Transition(ctx, first.RequestID, domain.TicketPending, domain.TicketRejected, now)
		require.NoError(t, err)

		all, err := store.Tickets().ListByUser(ctx, "alice", nil)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		rejected := domain.TicketRejected
		only, err := store.Tickets().ListByUser(ctx, "alice", &rejected)
		require.NoError(t, err)
		require.Len(t, only, 1)
		assert.Equal(t, first.RequestID, only[0].RequestID)
	})

	t.Run("ListStalePending returns old pending tickets oldest first", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)
		eventID := testutil.InsertEvent(t, ctx, pool, "Concert", 10)
		now := time.Now().UTC()

		oldest := newTicket(t, ctx, eventID, "alice", now.Add(-2*time.Hour))
		older := newTicket(t, ctx, eventID, "bob", now.Add(-time.Hour))
		newTicket(t, ctx, eventID, "carol", now)

		stale, err := store.Tickets().ListStalePending(ctx, now.Add(-30*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, stale, 2)
		assert.Equal(t, oldest.RequestID, stale[0].RequestID)
		assert.Equal(t, older.RequestID, stale[1].RequestID)

		limited, err := store.Tickets().ListStalePending(ctx, now.Add(-30*time.Minute), 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})
}

func TestStore_RunTx_RollsBack(t *testing.T) {
	pool := testutil.NewTestPool(t)
	store := NewStore(pool)
	ctx := context.Background()
	testutil.ApplyMigrations(t, ctx, pool)
	testutil.TruncateAll(t, ctx, pool)
	eventID := testutil.InsertEvent(t, ctx, pool, "Concert", 10)

	boom := errors.New("boom")
	err := store.RunTx(ctx, nil, func(ctx context.Context, tx DB) error {
		if _, err := store.Ledger().With(tx).Hold(ctx, eventID, 5); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	e, err := store.Ledger().Get(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, 0, e.Held)
}
