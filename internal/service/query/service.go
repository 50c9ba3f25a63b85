package query

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/kirinyoku/tix-saga/internal/domain"
	"github.com/kirinyoku/tix-saga/internal/repository"
	postgresrepo "github.com/kirinyoku/tix-saga/internal/repository/postgres"
	redisrepo "github.com/kirinyoku/tix-saga/internal/repository/redis"
)

type Config struct {
	EventSummaryTTL time.Duration
	DefaultPageSize int
	MaxPageSize     int
}

type Service struct {
	store *postgresrepo.Store
	cache *redisrepo.Cache
	cfg   Config
}

// New builds the read side. A nil cache reads straight from Postgres.
func New(store *postgresrepo.Store, cache *redisrepo.Cache, cfg Config) *Service {
	if cfg.EventSummaryTTL <= 0 {
		cfg.EventSummaryTTL = 60 * time.Second
	}

	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 25
	}

	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 100
	}

	return &Service{
		store: store,
		cache: cache,
		cfg:   cfg,
	}
}

// GetEvent retrieves an event by its ID, utilizing a caching layer to improve performance.
//
// Parameters:
//   - ctx: request-scoped context.
//   - id: ID of the event to retrieve.
//
// Returns:
//   - *domain.Event: the retrieved event, or nil if not found.
//   - error: query.ErrEventNotFound if the event is not found.
func (s *Service) GetEvent(ctx context.Context, id int64) (*domain.Event, error) {
	const op = "service.query.GetEvent"

	load := func(ctx context.Context) (domain.Event, error) {
		e, err := s.store.Ledger().Get(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return domain.Event{}, ErrEventNotFound
			}

			return domain.Event{}, err
		}

		return *e, nil
	}

	var (
		event domain.Event
		err   error
	)

	if s.cache != nil {
		event, err = redisrepo.GetOrSetJSON(ctx, s.cache, redisrepo.KeyEventSummary(id), s.cfg.EventSummaryTTL, load)
	} else {
		event, err = load(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return &event, nil
}

// ListEvents returns one page of events. page is 1-based; values below 1
// are treated as 1. count falls back to the default page size and is
// capped at the maximum.
func (s *Service) ListEvents(ctx context.Context, page, count int) ([]domain.Event, error) {
	const op = "service.query.ListEvents"

	limit, offset := s.paginate(page, count)

	events, err := s.store.Events().List(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return events, nil
}

// ListUserTickets returns the user's tickets, newest first. A nil status
// returns every status.
//
// Returns:
//   - error: query.ErrUserRequired if userID is blank.
func (s *Service) ListUserTickets(ctx context.Context, userID string, status *domain.TicketStatus) ([]domain.Ticket, error) {
	const op = "service.query.ListUserTickets"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%s:%w", op, ErrUserRequired)
	}

	tickets, err := s.store.Tickets().ListByUser(ctx, userID, status)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	if tickets == nil {
		tickets = []domain.Ticket{}
	}

	return tickets, nil
}

// GetTicket returns the ticket for a request ID or query.ErrTicketNotFound.
func (s *Service) GetTicket(ctx context.Context, requestID string) (*domain.Ticket, error) {
	const op = "service.query.GetTicket"

	t, err := s.store.Tickets().Get(ctx, requestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s:%w", op, ErrTicketNotFound)
		}

		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return t, nil
}

func (s *Service) paginate(page, count int) (limit, offset int) {
	if page < 1 {
		page = 1
	}

	if count <= 0 {
		count = s.cfg.DefaultPageSize
	}

	if count > s.cfg.MaxPageSize {
		count = s.cfg.MaxPageSize
	}

	// Past this page the offset would overflow; the page is empty anyway.
	if maxPage := math.MaxInt32/count + 1; page > maxPage {
		page = maxPage
	}

	return count, (page - 1) * count
}
