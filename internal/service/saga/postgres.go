package saga

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/kirinyoku/tix-saga/internal/domain"
	postgresrepo "github.com/kirinyoku/tix-saga/internal/repository/postgres"
	"github.com/kirinyoku/tix-saga/internal/uow"
)

// sagaTxOptions runs saga units at READ COMMITTED. Ledger updates are
// guarded in their WHERE clause and ticket transitions run under a row
// lock; both are re-checked against the latest row version after a wait.
var sagaTxOptions = pgx.TxOptions{
	IsoLevel:   pgx.ReadCommitted,
	AccessMode: pgx.ReadWrite,
}

// PostgresRepository backs the saga with the Postgres store. Every InTx
// call is one unit of work.
type PostgresRepository struct {
	store *postgresrepo.Store
	uow   *uow.UoW
}

func NewPostgresRepository(store *postgresrepo.Store, u *uow.UoW) *PostgresRepository {
	return &PostgresRepository{store: store, uow: u}
}

func (r *PostgresRepository) InTx(
	ctx context.Context,
	fn func(ctx context.Context, tx Tx, after func(uow.AfterCommit)) error,
) error {
	opts := sagaTxOptions
	return r.uow.DoWithOpts(ctx, &opts, func(ctx context.Context, db postgresrepo.DB, after func(uow.AfterCommit)) error {
		return fn(ctx, &pgTx{
			ledger:   r.store.Ledger().With(db),
			requests: r.store.Requests().With(db),
			tickets:  r.store.Tickets().With(db),
		}, after)
	})
}

func (r *PostgresRepository) ListStalePending(ctx context.Context, before time.Time, limit int) ([]domain.Ticket, error) {
	return r.store.Tickets().ListStalePending(ctx, before, limit)
}

type pgTx struct {
	ledger   *postgresrepo.LedgerRepo
	requests *postgresrepo.RequestRepo
	tickets  *postgresrepo.TicketRepo
}

func (t *pgTx) HoldCapacity(ctx context.Context, eventID int64, qty int) error {
	_, err := t.ledger.Hold(ctx, eventID, qty)
	return err
}

func (t *pgTx) ReleaseHold(ctx context.Context, eventID int64, qty int) error {
	_, err := t.ledger.Release(ctx, eventID, qty)
	return err
}

func (t *pgTx) CommitCapacity(ctx context.Context, eventID int64, qty int) (*domain.Event, error) {
	return t.ledger.Commit(ctx, eventID, qty)
}

func (t *pgTx) CreateRequest(ctx context.Context, req domain.Request) error {
	return t.requests.Create(ctx, req)
}

func (t *pgTx) GetRequest(ctx context.Context, requestID string) (*domain.Request, error) {
	return t.requests.Get(ctx, requestID)
}

func (t *pgTx) CreateTicket(ctx context.Context, tk domain.Ticket) error {
	return t.tickets.Create(ctx, tk)
}

func (t *pgTx) LockTicket(ctx context.Context, requestID string) (*domain.Ticket, error) {
	return t.tickets.GetForUpdate(ctx, requestID)
}

func (t *pgTx) TransitionTicket(
	ctx context.Context,
	requestID string,
	from, to domain.TicketStatus,
	at time.Time,
) (bool, error) {
	return t.tickets.Transition(ctx, requestID, from, to, at)
}
