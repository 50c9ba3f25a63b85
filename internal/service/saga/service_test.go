package saga

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirinyoku/tix-saga/internal/domain"
	"github.com/kirinyoku/tix-saga/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	trustedGroup   = 20
	untrustedGroup = 7
	eventID        = int64(1)
)

type harness struct {
	svc      *Service
	repo     *memRepo
	queue    *fakeQueue
	notifier *fakeNotifier
	observer *fakeObserver
	clock    *manualClock
	metrics  *metrics.Metrics
}

func newHarness(t *testing.T, cfg Config, capacity int) *harness {
	t.Helper()

	h := &harness{
		repo:     newMemRepo(),
		queue:    &fakeQueue{},
		notifier: &fakeNotifier{},
		observer: &fakeObserver{},
		clock:    &manualClock{t: time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)},
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	h.repo.addEvent(eventID, capacity)

	if cfg.TrustedGroupID == 0 {
		cfg.TrustedGroupID = trustedGroup
	}
	if cfg.ArtifactBaseURL == "" {
		cfg.ArtifactBaseURL = "https://tickets.example.com"
	}

	h.svc = New(Deps{
		Repo:     h.repo,
		Queue:    h.queue,
		Notifier: h.notifier,
		Observer: h.observer,
		Clock:    h.clock,
		Metrics:  h.metrics,
	}, cfg)

	return h
}

func (h *harness) reserve(t *testing.T, qty int) string {
	t.Helper()
	id, err := h.svc.Reserve(context.Background(), eventID, "alice", qty)
	require.NoError(t, err)
	return id
}

func TestReserve_HoldsAndEnqueues(t *testing.T) {
	h := newHarness(t, Config{Seller: 3}, 10)

	id := h.reserve(t, 2)

	ev := h.repo.event(eventID)
	assert.Equal(t, 10, ev.CapacityRemaining, "capacity is only debited on confirmation")
	assert.Equal(t, 2, ev.Held)

	tk := h.repo.ticket(id)
	assert.Equal(t, domain.TicketPending, tk.Status)
	assert.Equal(t, "alice", tk.UserID)
	assert.Equal(t, 2, tk.Quantity)

	require.Len(t, h.queue.sent, 1)
	assert.Equal(t, domain.ValidationRequest{
		RequestID: id,
		GroupID:   trustedGroup,
		EventID:   eventID,
		Quantity:  2,
		Seller:    3,
	}, h.queue.sent[0])
	assert.Equal(t, []int64{eventID}, h.observer.changed)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Reservations.WithLabelValues("accepted")))
}

func TestReserve_Validation(t *testing.T) {
	h := newHarness(t, Config{}, 10)
	ctx := context.Background()

	_, err := h.svc.Reserve(ctx, eventID, "alice", 0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = h.svc.Reserve(ctx, eventID, "  ", 1)
	assert.ErrorIs(t, err, ErrInvalidUser)

	_, err = h.svc.Reserve(ctx, 99, "alice", 1)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.svc.Reserve(ctx, eventID, "alice", 11)
	assert.ErrorIs(t, err, ErrSoldOut)

	assert.Empty(t, h.queue.sent)
	assert.Equal(t, 0, h.repo.event(eventID).Held)
}

func TestReserve_RateLimited(t *testing.T) {
	h := newHarness(t, Config{}, 10)
	h.svc.limiter = fakeLimiter{allow: false, retry: 3 * time.Second}

	_, err := h.svc.Reserve(context.Background(), eventID, "alice", 1)

	assert.ErrorIs(t, err, ErrRateLimited)
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 3*time.Second, rl.RetryAfter)
	assert.Equal(t, 0, h.repo.event(eventID).Held)
}

func TestReserve_LimiterError(t *testing.T) {
	h := newHarness(t, Config{}, 10)
	errRedis := errors.New("redis down")
	h.svc.limiter = fakeLimiter{err: errRedis}

	_, err := h.svc.Reserve(context.Background(), eventID, "alice", 1)
	assert.ErrorIs(t, err, errRedis)
}

func TestReserve_EnqueueFailureKeepsTicketPending(t *testing.T) {
	h := newHarness(t, Config{}, 10)
	h.queue.err = errQueueDown

	id := h.reserve(t, 1)

	assert.Equal(t, domain.TicketPending, h.repo.ticket(id).Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DeliveryFailed.WithLabelValues("enqueue")))
}

func TestReserve_ConcurrentNeverOverHolds(t *testing.T) {
	h := newHarness(t, Config{}, 5)

	var (
		wg      sync.WaitGroup
		ok      atomic.Int32
		soldOut atomic.Int32
	)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Reserve(context.Background(), eventID, "buyer", 1)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrSoldOut):
				soldOut.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), ok.Load())
	assert.Equal(t, int32(15), soldOut.Load())
	assert.Equal(t, 5, h.repo.event(eventID).Held)
}

func TestResolve_TrustedValidConfirmsAndNotifies(t *testing.T) {
	h := newHarness(t, Config{}, 10)
	id := h.reserve(t, 3)

	outcome, err := h.svc.Resolve(context.Background(), id, true, trustedGroup)

	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, outcome)

	ev := h.repo.event(eventID)
	assert.Equal(t, 7, ev.CapacityRemaining)
	assert.Equal(t, 0, ev.Held)
	assert.Equal(t, domain.TicketConfirmed, h.repo.ticket(id).Status)

	require.Equal(t, 1, h.notifier.count())
	note := h.notifier.notes[0]
	assert.Equal(t, id, note.Ticket.RequestID)
	assert.Equal(t, domain.TicketConfirmed, note.Ticket.Status)
	assert.Equal(t, 7, note.Event.CapacityRemaining)
	assert.Equal(t, "https://tickets.example.com/"+id, note.ArtifactURL)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Notifications.WithLabelValues("sent")))
}

func TestResolve_InvalidRejectsAndReleases(t *testing.T) {
	h := newHarness(t, Config{}, 10)
	id := h.reserve(t, 3)

	outcome, err := h.svc.Resolve(context.Background(), id, false, trustedGroup)

	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, outcome)

	ev := h.repo.event(eventID)
	assert.Equal(t, 10, ev.CapacityRemaining)
	assert.Equal(t, 0, ev.Held)
	assert.Equal(t, domain.TicketRejected, h.repo.ticket(id).Status)
	assert.Zero(t, h.notifier.count())
}

func TestResolve_UntrustedGroupDebitsSilently(t *testing.T) {
	h := newHarness(t, Config{UntrustedPolicy: PolicyDebit}, 10)
	id := h.reserve(t, 2)

	outcome, err := h.svc.Resolve(context.Background(), id, true, untrustedGroup)

	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmedSilently, outcome)
	assert.Equal(t, 8, h.repo.event(eventID).CapacityRemaining)
	assert.Equal(t, domain.TicketConfirmed, h.repo.ticket(id).Status)
	assert.Zero(t, h.notifier.count())
}

func TestResolve_UntrustedGroupRejectedByDefault(t *testing.T) {
	h := newHarness(t, Config{}, 10)
	id := h.reserve(t, 2)

	outcome, err := h.svc.Resolve(context.Background(), id, true, untrustedGroup)

	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, outcome)
	ev := h.repo.event(eventID)
	assert.Equal(t, 10, ev.CapacityRemaining)
	assert.Equal(t, 0, ev.Held)
	assert.Zero(t, h.notifier.count())
}

func TestResolve_DuplicateCallbackIsNoop(t *testing.T) {
	h := newHarness(t, Config{}, 10)
	id := h.reserve(t, 2)
	ctx := context.Background()

	_, err := h.svc.Resolve(ctx, id, true, trustedGroup)
	require.NoError(t, err)

	for _, valid := range []bool{true, false} {
		outcome, err := h.svc.Resolve(ctx, id, valid, trustedGroup)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAlreadyTerminal, outcome)
	}

	assert.Equal(t, 8, h.repo.event(eventID).CapacityRemaining)
	assert.Equal(t, domain.TicketConfirmed, h.repo.ticket(id).Status)
	assert.Equal(t, 1, h.notifier.count())
}

func TestResolve_UnknownRequest(t *testing.T) {
	h := newHarness(t, Config{}, 10)
	h.reserve(t, 1)
	before := h.repo.event(eventID)

	_, err := h.svc.Resolve(context.Background(), "no-such-request", true, trustedGroup)

	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, before, h.repo.event(eventID))
	assert.Zero(t, h.notifier.count())
}

func TestResolve_OversoldRollsBack(t *testing.T) {
	h := newHarness(t, Config{}, 10)
	id := h.reserve(t, 3)

	// Counters drifted below the held quantity.
	ev := h.repo.event(eventID)
	ev.CapacityRemaining = 2
	h.repo.setEvent(ev)

	_, err := h.svc.Resolve(context.Background(), id, true, trustedGroup)

	assert.ErrorIs(t, err, ErrOversold)
	assert.Equal(t, 2, h.repo.event(eventID).CapacityRemaining)
	assert.Equal(t, 3, h.repo.event(eventID).Held)
	assert.Equal(t, domain.TicketPending, h.repo.ticket(id).Status)
	assert.Zero(t, h.notifier.count())
}

func TestResolve_ConcurrentCallbacksNotifyOnce(t *testing.T) {
	h := newHarness(t, Config{}, 10)
	id := h.reserve(t, 4)

	var (
		wg        sync.WaitGroup
		confirmed atomic.Int32
		terminal  atomic.Int32
	)

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := h.svc.Resolve(context.Background(), id, true, trustedGroup)
			if !assert.NoError(t, err) {
				return
			}
			switch outcome {
			case OutcomeConfirmed:
				confirmed.Add(1)
			case OutcomeAlreadyTerminal:
				terminal.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), confirmed.Load())
	assert.Equal(t, int32(15), terminal.Load())
	assert.Equal(t, 6, h.repo.event(eventID).CapacityRemaining)
	assert.Equal(t, 1, h.notifier.count())
}

func TestResolve_NotifierFailureDoesNotUndoConfirmation(t *testing.T) {
	h := newHarness(t, Config{}, 10)
	h.notifier.err = errors.New("pubnub down")
	id := h.reserve(t, 1)

	outcome, err := h.svc.Resolve(context.Background(), id, true, trustedGroup)

	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, outcome)
	assert.Equal(t, domain.TicketConfirmed, h.repo.ticket(id).Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Notifications.WithLabelValues("failed")))
}

func TestExpire(t *testing.T) {
	h := newHarness(t, Config{}, 10)
	id := h.reserve(t, 2)
	ctx := context.Background()

	outcome, err := h.svc.Expire(ctx, id, ReasonDeliveryFailed)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, outcome)
	assert.Equal(t, 0, h.repo.event(eventID).Held)
	assert.Equal(t, domain.TicketRejected, h.repo.ticket(id).Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Expirations.WithLabelValues(ReasonDeliveryFailed)))

	outcome, err = h.svc.Expire(ctx, id, ReasonDeliveryFailed)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyTerminal, outcome)

	// A late valid callback cannot revive an expired ticket.
	outcome, err = h.svc.Resolve(ctx, id, true, trustedGroup)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyTerminal, outcome)
	assert.Equal(t, 10, h.repo.event(eventID).CapacityRemaining)

	_, err = h.svc.Expire(ctx, "missing", ReasonTimeout)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpireStale(t *testing.T) {
	h := newHarness(t, Config{PendingTTL: 10 * time.Minute}, 10)

	old := h.reserve(t, 1)
	confirmedOld := h.reserve(t, 1)
	_, err := h.svc.Resolve(context.Background(), confirmedOld, true, trustedGroup)
	require.NoError(t, err)

	h.clock.Advance(11 * time.Minute)
	fresh := h.reserve(t, 1)

	n, err := h.svc.ExpireStale(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.TicketRejected, h.repo.ticket(old).Status)
	assert.Equal(t, domain.TicketConfirmed, h.repo.ticket(confirmedOld).Status)
	assert.Equal(t, domain.TicketPending, h.repo.ticket(fresh).Status)
	assert.Equal(t, 1, h.repo.event(eventID).Held)
	assert.Equal(t, 9, h.repo.event(eventID).CapacityRemaining)
}

func TestParseGroupPolicy(t *testing.T) {
	p, err := ParseGroupPolicy("Reject")
	require.NoError(t, err)
	assert.Equal(t, PolicyReject, p)

	p, err = ParseGroupPolicy(" debit ")
	require.NoError(t, err)
	assert.Equal(t, PolicyDebit, p)

	p, err = ParseGroupPolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyReject, p)

	_, err = ParseGroupPolicy("ignore")
	assert.Error(t, err)
}
