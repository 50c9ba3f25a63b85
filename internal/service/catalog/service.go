package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kirinyoku/tix-saga/internal/clock"
	"github.com/kirinyoku/tix-saga/internal/repository"
	postgresrepo "github.com/kirinyoku/tix-saga/internal/repository/postgres"
	"github.com/kirinyoku/tix-saga/internal/uow"
	"github.com/shopspring/decimal"
)

// EventObserver is told when an event was created or changed.
type EventObserver interface {
	EventChanged(ctx context.Context, eventID int64)
}

type Service struct {
	store    *postgresrepo.Store
	uow      *uow.UoW
	observer EventObserver
	clock    clock.Clock
}

func New(store *postgresrepo.Store, u *uow.UoW, observer EventObserver, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.System{}
	}

	return &Service{
		store:    store,
		uow:      u,
		observer: observer,
		clock:    clk,
	}
}

// ValidateEvent checks the fields of a new event.
func ValidateEvent(name string, price decimal.Decimal, capacity int) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidEvent)
	case price.IsNegative():
		return fmt.Errorf("%w: price must not be negative", ErrInvalidEvent)
	case capacity < 0:
		return fmt.Errorf("%w: capacity must not be negative", ErrInvalidEvent)
	}
	return nil
}

// CreateEvent creates an event with capacity tickets on sale.
//
// Parameters:
//   - ctx: request-scoped context.
//   - name: event name.
//   - price: unit ticket price, not negative.
//   - capacity: tickets on sale, not negative.
//
// Returns:
//   - int64: the created event ID.
//   - error: catalog.ErrInvalidEvent on bad input.
//   - error: catalog.ErrEventConflict on a uniqueness violation.
func (s *Service) CreateEvent(ctx context.Context, name string, price decimal.Decimal, capacity int) (int64, error) {
	const op = "service.catalog.CreateEvent"

	if err := ValidateEvent(name, price, capacity); err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	var eventID int64

	err := s.uow.Do(ctx, func(ctx context.Context, tx postgresrepo.DB, after func(uow.AfterCommit)) error {
		id, err := s.store.Events().
			With(tx).
			Create(ctx, strings.TrimSpace(name), price, capacity, s.clock.Now())
		if err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return fmt.Errorf("%s:%w", op, ErrEventConflict)
			}
			return fmt.Errorf("%s:%w", op, err)
		}

		eventID = id

		if s.observer != nil {
			after(func(ctx context.Context) {
				s.observer.EventChanged(ctx, id)
			})
		}

		return nil
	})

	return eventID, err
}
