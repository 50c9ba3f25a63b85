package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kirinyoku/tix-saga/internal/domain"
)

// RequestRepo stores purchase intents. Rows are insert-only.
type RequestRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *RequestRepo) With(db DB) *RequestRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *RequestRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

// Create inserts the request.
//
// Returns:
//   - error: repository.ErrConflict if the request ID already exists.
//   - error: repository.ErrNotFound if the event does not exist.
func (r *RequestRepo) Create(ctx context.Context, req domain.Request) error {
	const op = "postgres.RequestRepo.Create"

	if _, err := r.handle().Exec(ctx,
		`INSERT INTO requests (request_id, event_id, user_id, quantity, created_at)
         VALUES ($1, $2, $3, $4, $5)`,
		req.ID, req.EventID, req.UserID, req.Quantity, req.CreatedAt,
	); err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

// Get returns the request or repository.ErrNotFound.
func (r *RequestRepo) Get(ctx context.Context, requestID string) (*domain.Request, error) {
	const op = "postgres.RequestRepo.Get"

	var req domain.Request
	if err := r.handle().QueryRow(ctx,
		`SELECT request_id::text, event_id, user_id, quantity, created_at
           FROM requests
          WHERE request_id = $1`,
		requestID,
	).Scan(
		&req.ID,
		&req.EventID,
		&req.UserID,
		&req.Quantity,
		&req.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return &req, nil
}
