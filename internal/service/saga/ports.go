package saga

import (
	"context"
	"time"

	"github.com/kirinyoku/tix-saga/internal/domain"
	"github.com/kirinyoku/tix-saga/internal/uow"
)

// Tx is the set of writes the coordinator performs inside one transaction.
// Implementations report missing rows with repository.ErrNotFound and
// failed ledger guards with repository.ErrInsufficientCapacity.
type Tx interface {
	HoldCapacity(ctx context.Context, eventID int64, qty int) error
	ReleaseHold(ctx context.Context, eventID int64, qty int) error
	CommitCapacity(ctx context.Context, eventID int64, qty int) (*domain.Event, error)

	CreateRequest(ctx context.Context, req domain.Request) error
	GetRequest(ctx context.Context, requestID string) (*domain.Request, error)

	CreateTicket(ctx context.Context, t domain.Ticket) error
	// LockTicket reads the ticket and holds its row lock until the
	// transaction ends.
	LockTicket(ctx context.Context, requestID string) (*domain.Ticket, error)
	// TransitionTicket is a compare-and-set on status.
	TransitionTicket(ctx context.Context, requestID string, from, to domain.TicketStatus, at time.Time) (bool, error)
}

type Repository interface {
	// InTx runs fn in one transaction. Hooks passed to after run only if
	// the transaction commits.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx, after func(uow.AfterCommit)) error) error
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]domain.Ticket, error)
}

// Publisher enqueues validation requests for delivery to the authority.
type Publisher interface {
	Publish(ctx context.Context, req domain.ValidationRequest) error
}

// EventObserver is told when an event's counters changed.
type EventObserver interface {
	EventChanged(ctx context.Context, eventID int64)
}

type RateLimiter interface {
	Allow(ctx context.Context, id string) (bool, time.Duration, error)
}
