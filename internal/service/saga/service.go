package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-saga/internal/clock"
	"github.com/kirinyoku/tix-saga/internal/domain"
	"github.com/kirinyoku/tix-saga/internal/metrics"
	"github.com/kirinyoku/tix-saga/internal/notify"
	"github.com/kirinyoku/tix-saga/internal/repository"
	"github.com/kirinyoku/tix-saga/internal/uow"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type Config struct {
	// TrustedGroupID is the validator group whose confirmations notify the buyer.
	TrustedGroupID int

	// Seller is forwarded verbatim in every validation request.
	Seller int

	UntrustedPolicy GroupPolicy

	// PendingTTL is how long a ticket may stay Pending before ExpireStale
	// rejects it.
	PendingTTL time.Duration
	SweepBatch int

	ArtifactBaseURL string
}

// Deps are the collaborators of Service. Observer, Limiter, Clock, Log and
// Metrics may be nil.
type Deps struct {
	Repo     Repository
	Queue    Publisher
	Notifier notify.Notifier
	Observer EventObserver
	Limiter  RateLimiter
	Clock    clock.Clock
	Log      *zap.Logger
	Metrics  *metrics.Metrics
}

// Service coordinates the reservation saga: hold, validate, then confirm
// or compensate.
type Service struct {
	repo     Repository
	queue    Publisher
	notifier notify.Notifier
	observer EventObserver
	limiter  RateLimiter
	clock    clock.Clock
	log      *zap.Logger
	metrics  *metrics.Metrics
	cfg      Config
}

func New(deps Deps, cfg Config) *Service {
	if cfg.TrustedGroupID == 0 {
		cfg.TrustedGroupID = 20
	}

	if cfg.UntrustedPolicy == "" {
		cfg.UntrustedPolicy = PolicyReject
	}

	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 15 * time.Minute
	}

	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}

	s := &Service{
		repo:     deps.Repo,
		queue:    deps.Queue,
		notifier: deps.Notifier,
		observer: deps.Observer,
		limiter:  deps.Limiter,
		clock:    deps.Clock,
		log:      deps.Log,
		metrics:  deps.Metrics,
		cfg:      cfg,
	}

	if s.clock == nil {
		s.clock = clock.System{}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.metrics == nil {
		s.metrics = metrics.New(prometheus.NewRegistry())
	}
	if s.notifier == nil {
		s.notifier = notify.NewLogNotifier(s.log)
	}

	return s
}

// Reserve places a soft hold for quantity tickets and records a Pending
// ticket. The validation request is enqueued after commit; an enqueue
// failure is logged and left for the sweeper.
//
// Parameters:
//   - ctx: request-scoped context.
//   - eventID: event to buy from.
//   - userID: buyer identifier.
//   - quantity: number of tickets.
//
// Returns:
//   - string: the request ID correlating the ticket and the callback.
//   - error: saga.ErrInvalidQuantity, saga.ErrInvalidUser on bad input.
//   - error: saga.ErrRateLimited (a *RateLimitedError) when the buyer is throttled.
//   - error: saga.ErrNotFound if the event does not exist.
//   - error: saga.ErrSoldOut if fewer than quantity tickets are unheld.
func (s *Service) Reserve(ctx context.Context, eventID int64, userID string, quantity int) (string, error) {
	const op = "service.saga.Reserve"

	userID = strings.TrimSpace(userID)

	if quantity <= 0 {
		s.metrics.Reservations.WithLabelValues("invalid").Inc()
		return "", fmt.Errorf("%s:%w", op, ErrInvalidQuantity)
	}

	if userID == "" {
		s.metrics.Reservations.WithLabelValues("invalid").Inc()
		return "", fmt.Errorf("%s:%w", op, ErrInvalidUser)
	}

	if s.limiter != nil {
		ok, retry, err := s.limiter.Allow(ctx, userID)
		if err != nil {
			s.metrics.Reservations.WithLabelValues("error").Inc()
			return "", fmt.Errorf("%s:%w", op, err)
		}
		if !ok {
			s.metrics.Reservations.WithLabelValues("rate_limited").Inc()
			return "", fmt.Errorf("%s:%w", op, &RateLimitedError{RetryAfter: retry})
		}
	}

	now := s.clock.Now()
	requestID := uuid.NewString()

	err := s.repo.InTx(ctx, func(ctx context.Context, tx Tx, after func(uow.AfterCommit)) error {
		if err := tx.HoldCapacity(ctx, eventID, quantity); err != nil {
			switch {
			case errors.Is(err, repository.ErrNotFound):
				return ErrNotFound
			case errors.Is(err, repository.ErrInsufficientCapacity):
				return ErrSoldOut
			}
			return err
		}

		if err := tx.CreateRequest(ctx, domain.Request{
			ID:        requestID,
			EventID:   eventID,
			UserID:    userID,
			Quantity:  quantity,
			CreatedAt: now,
		}); err != nil {
			return err
		}

		if err := tx.CreateTicket(ctx, domain.Ticket{
			RequestID: requestID,
			EventID:   eventID,
			UserID:    userID,
			Quantity:  quantity,
			Status:    domain.TicketPending,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			return err
		}

		after(func(ctx context.Context) {
			s.enqueue(ctx, domain.ValidationRequest{
				RequestID: requestID,
				GroupID:   s.cfg.TrustedGroupID,
				EventID:   eventID,
				Quantity:  quantity,
				Seller:    s.cfg.Seller,
			})
			s.eventChanged(ctx, eventID)
		})

		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrSoldOut):
			s.metrics.Reservations.WithLabelValues("sold_out").Inc()
		case errors.Is(err, ErrNotFound):
			s.metrics.Reservations.WithLabelValues("not_found").Inc()
		default:
			s.metrics.Reservations.WithLabelValues("error").Inc()
		}
		return "", fmt.Errorf("%s:%w", op, err)
	}

	s.metrics.Reservations.WithLabelValues("accepted").Inc()
	s.log.Info("reservation accepted",
		zap.String("request_id", requestID),
		zap.Int64("event_id", eventID),
		zap.String("user_id", userID),
		zap.Int("quantity", quantity),
	)

	return requestID, nil
}

// Resolve applies the authority's verdict to a Pending ticket. It is
// idempotent: a terminal ticket yields OutcomeAlreadyTerminal with no
// side effects.
//
// Parameters:
//   - ctx: request-scoped context.
//   - requestID: correlation ID returned by Reserve.
//   - valid: the authority's verdict.
//   - groupID: the group that issued the verdict.
//
// Returns:
//   - Outcome: what happened to the ticket.
//   - error: saga.ErrNotFound if the ticket or its request is unknown.
//   - error: saga.ErrOversold if the ledger cannot cover the quantity;
//     nothing is committed.
func (s *Service) Resolve(ctx context.Context, requestID string, valid bool, groupID int) (Outcome, error) {
	const op = "service.saga.Resolve"

	timer := prometheus.NewTimer(s.metrics.ResolveDuration)
	defer timer.ObserveDuration()

	trusted := groupID == s.cfg.TrustedGroupID
	rejectReason := ""
	switch {
	case !valid:
		rejectReason = ReasonInvalid
	case !trusted && s.cfg.UntrustedPolicy == PolicyReject:
		rejectReason = ReasonUntrustedGroup
	}

	var outcome Outcome

	err := s.repo.InTx(ctx, func(ctx context.Context, tx Tx, after func(uow.AfterCommit)) error {
		t, err := s.lockTicket(ctx, tx, requestID)
		if err != nil {
			return err
		}

		if t.Status.IsTerminal() {
			outcome = OutcomeAlreadyTerminal
			return nil
		}

		if rejectReason != "" {
			outcome, err = s.reject(ctx, tx, after, t, rejectReason)
			return err
		}

		req, err := tx.GetRequest(ctx, requestID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}

		ev, err := tx.CommitCapacity(ctx, req.EventID, req.Quantity)
		if err != nil {
			switch {
			case errors.Is(err, repository.ErrInsufficientCapacity):
				return ErrOversold
			case errors.Is(err, repository.ErrNotFound):
				return ErrNotFound
			}
			return err
		}

		now := s.clock.Now()
		if err := s.transition(ctx, tx, t, domain.TicketConfirmed, now); err != nil {
			return err
		}

		confirmed := *t
		event := *ev
		after(func(ctx context.Context) {
			s.eventChanged(ctx, event.ID)
		})

		if !trusted {
			outcome = OutcomeConfirmedSilently
			return nil
		}

		outcome = OutcomeConfirmed
		after(func(ctx context.Context) {
			s.notify(ctx, confirmed, event)
		})

		return nil
	})
	if err != nil {
		s.metrics.Resolutions.WithLabelValues("error").Inc()
		return "", fmt.Errorf("%s:%w", op, err)
	}

	s.metrics.Resolutions.WithLabelValues(string(outcome)).Inc()
	s.log.Info("validation resolved",
		zap.String("request_id", requestID),
		zap.Bool("valid", valid),
		zap.Int("group_id", groupID),
		zap.String("outcome", string(outcome)),
	)

	return outcome, nil
}

// Expire compensates a Pending ticket: the hold is released and the
// ticket rejected. Terminal tickets are left alone.
//
// Returns saga.ErrNotFound if the ticket is unknown.
func (s *Service) Expire(ctx context.Context, requestID, reason string) (Outcome, error) {
	const op = "service.saga.Expire"

	var outcome Outcome

	err := s.repo.InTx(ctx, func(ctx context.Context, tx Tx, after func(uow.AfterCommit)) error {
		t, err := s.lockTicket(ctx, tx, requestID)
		if err != nil {
			return err
		}

		if t.Status.IsTerminal() {
			outcome = OutcomeAlreadyTerminal
			return nil
		}

		outcome, err = s.reject(ctx, tx, after, t, reason)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%s:%w", op, err)
	}

	if outcome == OutcomeRejected {
		s.metrics.Expirations.WithLabelValues(reason).Inc()
		s.log.Info("pending ticket expired",
			zap.String("request_id", requestID),
			zap.String("reason", reason),
		)
	}

	return outcome, nil
}

// ExpireStale rejects up to SweepBatch tickets that have been Pending for
// longer than PendingTTL and returns how many it rejected. A failure on
// one ticket does not stop the batch.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	const op = "service.saga.ExpireStale"

	cutoff := s.clock.Now().Add(-s.cfg.PendingTTL)

	stale, err := s.repo.ListStalePending(ctx, cutoff, s.cfg.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	var (
		expired int
		errs    []error
	)

	for _, t := range stale {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		outcome, err := s.Expire(ctx, t.RequestID, ReasonTimeout)
		if err != nil {
			s.log.Warn("expire stale ticket failed", zap.String("request_id", t.RequestID), zap.Error(err))
			errs = append(errs, err)
			continue
		}

		if outcome == OutcomeRejected {
			expired++
		}
	}

	if len(errs) > 0 {
		return expired, fmt.Errorf("%s:%w", op, errors.Join(errs...))
	}

	return expired, nil
}

func (s *Service) lockTicket(ctx context.Context, tx Tx, requestID string) (*domain.Ticket, error) {
	t, err := tx.LockTicket(ctx, requestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

// reject releases the hold and flips a locked Pending ticket to Rejected.
func (s *Service) reject(
	ctx context.Context,
	tx Tx,
	after func(uow.AfterCommit),
	t *domain.Ticket,
	reason string,
) (Outcome, error) {
	if err := tx.ReleaseHold(ctx, t.EventID, t.Quantity); err != nil {
		if !errors.Is(err, repository.ErrInsufficientCapacity) {
			return "", err
		}
		s.log.Warn("hold already released",
			zap.String("request_id", t.RequestID),
			zap.Int64("event_id", t.EventID),
			zap.Int("quantity", t.Quantity),
		)
	}

	if err := s.transition(ctx, tx, t, domain.TicketRejected, s.clock.Now()); err != nil {
		return "", err
	}

	eventID := t.EventID
	after(func(ctx context.Context) {
		s.eventChanged(ctx, eventID)
	})

	s.log.Debug("ticket rejected", zap.String("request_id", t.RequestID), zap.String("reason", reason))

	return OutcomeRejected, nil
}

func (s *Service) transition(ctx context.Context, tx Tx, t *domain.Ticket, to domain.TicketStatus, at time.Time) error {
	if !t.Status.CanTransitionTo(to) {
		return fmt.Errorf("ticket %s: illegal transition %s -> %s", t.RequestID, t.Status, to)
	}

	ok, err := tx.TransitionTicket(ctx, t.RequestID, t.Status, to, at)
	if err != nil {
		return err
	}

	// The row is locked, so losing the compare-and-set means the lock
	// contract was broken. Fail and roll back.
	if !ok {
		return fmt.Errorf("ticket %s: status changed while locked", t.RequestID)
	}

	t.Status = to
	t.UpdatedAt = at

	return nil
}

func (s *Service) enqueue(ctx context.Context, req domain.ValidationRequest) {
	if err := s.queue.Publish(ctx, req); err != nil {
		s.metrics.DeliveryFailed.WithLabelValues("enqueue").Inc()
		s.log.Error("enqueue validation request failed",
			zap.String("request_id", req.RequestID),
			zap.Error(err),
		)
	}
}

func (s *Service) notify(ctx context.Context, t domain.Ticket, ev domain.Event) {
	n := domain.Notification{
		Ticket:      t,
		Event:       ev,
		ArtifactURL: notify.ArtifactURL(s.cfg.ArtifactBaseURL, t.RequestID),
	}

	if err := s.notifier.Notify(ctx, n); err != nil {
		s.metrics.Notifications.WithLabelValues("failed").Inc()
		s.log.Error("notify buyer failed", zap.String("request_id", t.RequestID), zap.Error(err))
		return
	}

	s.metrics.Notifications.WithLabelValues("sent").Inc()
}

func (s *Service) eventChanged(ctx context.Context, eventID int64) {
	if s.observer != nil {
		s.observer.EventChanged(ctx, eventID)
	}
}
