package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kirinyoku/tix-saga/internal/domain"
)

type TicketRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *TicketRepo) With(db DB) *TicketRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *TicketRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

const ticketColumns = `request_id::text, event_id, user_id, quantity, status, created_at, updated_at`

// Create inserts a ticket. Status is written as its storage code.
//
// Returns:
//   - error: repository.ErrConflict if a ticket for the request already exists.
//   - error: repository.ErrNotFound if the request or event does not exist.
func (r *TicketRepo) Create(ctx context.Context, t domain.Ticket) error {
	const op = "postgres.TicketRepo.Create"

	if _, err := r.handle().Exec(ctx,
		`INSERT INTO tickets (request_id, event_id, user_id, quantity, status, created_at, updated_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.RequestID, t.EventID, t.UserID, t.Quantity, t.Status.Code(), t.CreatedAt, t.UpdatedAt,
	); err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

// Get returns the ticket or repository.ErrNotFound.
func (r *TicketRepo) Get(ctx context.Context, requestID string) (*domain.Ticket, error) {
	const op = "postgres.TicketRepo.Get"

	t, err := scanTicket(r.handle().QueryRow(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE request_id = $1`,
		requestID,
	))
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return t, nil
}

// GetForUpdate reads the ticket and locks its row until the surrounding
// transaction ends. Must be called on a transaction handle.
func (r *TicketRepo) GetForUpdate(ctx context.Context, requestID string) (*domain.Ticket, error) {
	const op = "postgres.TicketRepo.GetForUpdate"

	t, err := scanTicket(r.handle().QueryRow(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE request_id = $1 FOR UPDATE`,
		requestID,
	))
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return t, nil
}

// Transition moves the ticket from one status to another only if it is
// still in from. It reports whether this call performed the change.
//
// Parameters:
//   - ctx: request-scoped context for cancellation and timeouts.
//   - requestID: ticket key.
//   - from: expected current status.
//   - to: target status.
//   - at: update timestamp.
//
// Returns:
//   - bool: true if exactly one row changed.
//   - error: on any database failure.
func (r *TicketRepo) Transition(
	ctx context.Context,
	requestID string,
	from, to domain.TicketStatus,
	at time.Time,
) (bool, error) {
	const op = "postgres.TicketRepo.Transition"

	tag, err := r.handle().Exec(ctx,
		`UPDATE tickets
            SET status = $3, updated_at = $4
          WHERE request_id = $1
            AND status = $2`,
		requestID, from.Code(), to.Code(), at,
	)
	if err != nil {
		return false, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return tag.RowsAffected() == 1, nil
}

// ListByUser returns the user's tickets, newest first, optionally
// filtered by status.
func (r *TicketRepo) ListByUser(
	ctx context.Context,
	userID string,
	status *domain.TicketStatus,
) ([]domain.Ticket, error) {
	const op = "postgres.TicketRepo.ListByUser"

	var code *int16
	if status != nil {
		c := status.Code()
		code = &c
	}

	return r.list(ctx, op,
		`SELECT `+ticketColumns+`
           FROM tickets
          WHERE user_id = $1
            AND ($2::smallint IS NULL OR status = $2)
          ORDER BY created_at DESC, request_id`,
		userID, code,
	)
}

// ListStalePending returns up to limit Pending tickets created before the
// cutoff, oldest first.
func (r *TicketRepo) ListStalePending(ctx context.Context, before time.Time, limit int) ([]domain.Ticket, error) {
	const op = "postgres.TicketRepo.ListStalePending"

	return r.list(ctx, op,
		`SELECT `+ticketColumns+`
           FROM tickets
          WHERE status = $1
            AND created_at < $2
          ORDER BY created_at
          LIMIT $3`,
		domain.TicketPending.Code(), before, limit,
	)
}

func (r *TicketRepo) list(ctx context.Context, op, sql string, args ...any) ([]domain.Ticket, error) {
	rows, err := r.handle().Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	defer rows.Close()

	var out []domain.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return out, nil
}

func scanTicket(row rowScanner) (*domain.Ticket, error) {
	var (
		t    domain.Ticket
		code int16
	)

	if err := row.Scan(
		&t.RequestID,
		&t.EventID,
		&t.UserID,
		&t.Quantity,
		&code,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return nil, err
	}

	status, err := domain.TicketStatusFromCode(code)
	if err != nil {
		return nil, err
	}
	t.Status = status

	return &t, nil
}
