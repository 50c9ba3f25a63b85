package uow

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5"

	postgres "github.com/kirinyoku/tix-saga/internal/repository/postgres"
)

// ErrContention is returned when every attempt hit a serialization
// failure or deadlock. Callers may retry later.
var ErrContention = errors.New("transaction contention")

// AfterCommit is a function that runs after a successful transaction commit.
type AfterCommit func(ctx context.Context)

const (
	// defaultAttempts bounds how often a serialization failure is retried.
	defaultAttempts = 5
	// defaultBackoff is the base delay before a retry; it doubles per
	// attempt and carries up to 100% jitter.
	defaultBackoff = 5 * time.Millisecond
)

// UoW represents a unit of work.
type UoW struct {
	store    *postgres.Store
	attempts int
	backoff  time.Duration
}

func NewUoW(store *postgres.Store) *UoW {
	return &UoW{store: store, attempts: defaultAttempts, backoff: defaultBackoff}
}

// Do runs fn inside the transaction. After a successful commit,
// it executes all after-commit hooks.
func (u *UoW) Do(
	ctx context.Context,
	fn func(ctx context.Context, tx postgres.DB, after func(AfterCommit)) error,
) error {
	return u.DoWithOpts(ctx, nil, fn)
}

// DoWithOpts runs fn inside the transaction with the given options.
// A serialization failure or deadlock reruns fn from scratch after a
// jittered backoff; hooks registered by a failed attempt are discarded.
// When the attempts run out the error wraps ErrContention. After a
// successful commit, the hooks of the winning attempt run in
// registration order.
func (u *UoW) DoWithOpts(
	ctx context.Context,
	opts *pgx.TxOptions,
	fn func(ctx context.Context, tx postgres.DB, after func(AfterCommit)) error,
) error {
	var (
		hooks []AfterCommit
		err   error
	)

	for attempt := 1; attempt <= u.attempts; attempt++ {
		hooks = hooks[:0]

		err = u.store.RunTx(ctx, opts, func(ctx context.Context, tx postgres.DB) error {
			return fn(ctx, tx, func(h AfterCommit) {
				hooks = append(hooks, h)
			})
		})
		if err == nil || !postgres.IsRetryable(err) {
			break
		}
		if attempt == u.attempts {
			return fmt.Errorf("%w: %w", ErrContention, err)
		}
		if werr := u.wait(ctx, attempt); werr != nil {
			return err
		}
	}
	if err != nil {
		return err
	}

	// Hooks outlive a cancelled caller: the transaction already committed.
	hookCtx := context.WithoutCancel(ctx)
	for _, h := range hooks {
		h(hookCtx)
	}

	return nil
}

func (u *UoW) wait(ctx context.Context, attempt int) error {
	if u.backoff <= 0 {
		return ctx.Err()
	}

	d := u.backoff << (attempt - 1)
	d += rand.N(d)

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
