package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kirinyoku/tix-saga/internal/domain"
	"github.com/shopspring/decimal"
)

type EventRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *EventRepo) With(db DB) *EventRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *EventRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

// Create inserts an event with the given starting capacity.
//
// Parameters:
//   - ctx: request-scoped context for cancellation and timeouts.
//   - name: display name of the event.
//   - price: unit price of a ticket.
//   - capacity: number of tickets on sale.
//   - createdAt: creation timestamp.
//
// Returns:
//   - int64: the new event ID.
//   - error: repository.ErrConflict on a uniqueness violation.
func (r *EventRepo) Create(
	ctx context.Context,
	name string,
	price decimal.Decimal,
	capacity int,
	createdAt time.Time,
) (int64, error) {
	const op = "postgres.EventRepo.Create"

	var id int64
	if err := r.handle().QueryRow(ctx,
		`INSERT INTO events (name, price, capacity_remaining, held, created_at)
         VALUES ($1, $2::numeric, $3, 0, $4)
         RETURNING id`,
		name, price.String(), capacity, createdAt,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return id, nil
}

// List returns a page of events ordered by ID.
func (r *EventRepo) List(ctx context.Context, limit, offset int) ([]domain.Event, error) {
	const op = "postgres.EventRepo.List"

	rows, err := r.handle().Query(ctx,
		`SELECT `+eventColumns+`
           FROM events
          ORDER BY id
          LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	defer rows.Close()

	out := make([]domain.Event, 0, limit)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return out, nil
}
