package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kirinyoku/tix-saga/internal/domain"
	"github.com/kirinyoku/tix-saga/internal/repository"
	"github.com/shopspring/decimal"
)

// LedgerRepo owns the per-event counters. Every mutation is one
// conditional UPDATE, so the event row lock serializes concurrent writers.
type LedgerRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *LedgerRepo) With(db DB) *LedgerRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *LedgerRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

const eventColumns = `id, name, price::text, capacity_remaining, held, created_at`

// Get returns the event and its counters.
//
// Parameters:
//   - ctx: request-scoped context for cancellation and timeouts.
//   - eventID: unique identifier of the event.
//
// Returns:
//   - *domain.Event: the event when found.
//   - error: repository.ErrNotFound if the event does not exist.
func (r *LedgerRepo) Get(ctx context.Context, eventID int64) (*domain.Event, error) {
	const op = "postgres.LedgerRepo.Get"

	e, err := scanEvent(r.handle().QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`,
		eventID,
	))
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return e, nil
}

// Hold places a soft hold of qty tickets on the event.
//
// Parameters:
//   - ctx: request-scoped context for cancellation and timeouts.
//   - eventID: unique identifier of the event.
//   - qty: number of tickets to hold.
//
// Returns:
//   - *domain.Event: the event after the hold was applied.
//   - error: repository.ErrInsufficientCapacity if fewer than qty tickets are unheld.
//   - error: repository.ErrNotFound if the event does not exist.
func (r *LedgerRepo) Hold(ctx context.Context, eventID int64, qty int) (*domain.Event, error) {
	const op = "postgres.LedgerRepo.Hold"

	return r.apply(ctx, op, eventID,
		`UPDATE events
            SET held = held + $2
          WHERE id = $1
            AND capacity_remaining - held >= $2
      RETURNING `+eventColumns,
		qty,
	)
}

// Release returns qty held tickets to the available pool.
//
// Returns repository.ErrInsufficientCapacity if less than qty is held.
func (r *LedgerRepo) Release(ctx context.Context, eventID int64, qty int) (*domain.Event, error) {
	const op = "postgres.LedgerRepo.Release"

	return r.apply(ctx, op, eventID,
		`UPDATE events
            SET held = held - $2
          WHERE id = $1
            AND held >= $2
      RETURNING `+eventColumns,
		qty,
	)
}

// Commit converts a hold into a sale: capacity_remaining and held both
// drop by qty.
//
// Returns repository.ErrInsufficientCapacity when the decrement would take
// either counter below zero.
func (r *LedgerRepo) Commit(ctx context.Context, eventID int64, qty int) (*domain.Event, error) {
	const op = "postgres.LedgerRepo.Commit"

	return r.apply(ctx, op, eventID,
		`UPDATE events
            SET capacity_remaining = capacity_remaining - $2,
                held = held - $2
          WHERE id = $1
            AND capacity_remaining >= $2
            AND held >= $2
      RETURNING `+eventColumns,
		qty,
	)
}

func (r *LedgerRepo) apply(
	ctx context.Context,
	op string,
	eventID int64,
	sql string,
	qty int,
) (*domain.Event, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("%s: non-positive quantity %d", op, qty)
	}

	db := r.handle()

	e, err := scanEvent(db.QueryRow(ctx, sql, eventID, qty))
	if err == nil {
		return e, nil
	}

	err = translateDBErr(err)
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	// The guard rejected the row or the row does not exist.
	var exists bool
	if err := db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM events WHERE id = $1)`,
		eventID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	if !exists {
		return nil, fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	return nil, fmt.Errorf("%s:%w", op, repository.ErrInsufficientCapacity)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*domain.Event, error) {
	var (
		e     domain.Event
		price string
	)

	if err := row.Scan(
		&e.ID,
		&e.Name,
		&price,
		&e.CapacityRemaining,
		&e.Held,
		&e.CreatedAt,
	); err != nil {
		return nil, err
	}

	p, err := decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("parse price %q: %w", price, err)
	}
	e.Price = p

	return &e, nil
}
