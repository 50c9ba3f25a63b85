package saga

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/kirinyoku/tix-saga/internal/domain"
	"github.com/kirinyoku/tix-saga/internal/repository"
	"github.com/kirinyoku/tix-saga/internal/uow"
)

// memRepo is an in-memory Repository. InTx runs on a copy of the state
// under a single lock and swaps it in only on success.
type memRepo struct {
	mu       sync.Mutex
	events   map[int64]domain.Event
	requests map[string]domain.Request
	tickets  map[string]domain.Ticket
}

func newMemRepo() *memRepo {
	return &memRepo{
		events:   map[int64]domain.Event{},
		requests: map[string]domain.Request{},
		tickets:  map[string]domain.Ticket{},
	}
}

func (m *memRepo) addEvent(id int64, capacity int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[id] = domain.Event{ID: id, Name: "event", CapacityRemaining: capacity}
}

func (m *memRepo) event(id int64) domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[id]
}

func (m *memRepo) ticket(id string) domain.Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tickets[id]
}

func (m *memRepo) setEvent(e domain.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.ID] = e
}

func (m *memRepo) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx, after func(uow.AfterCommit)) error) error {
	m.mu.Lock()

	tx := &memTx{
		events:   cloneMap(m.events),
		requests: cloneMap(m.requests),
		tickets:  cloneMap(m.tickets),
	}

	var hooks []uow.AfterCommit
	err := fn(ctx, tx, func(h uow.AfterCommit) { hooks = append(hooks, h) })
	if err == nil {
		m.events, m.requests, m.tickets = tx.events, tx.requests, tx.tickets
	}

	m.mu.Unlock()

	if err != nil {
		return err
	}

	for _, h := range hooks {
		h(context.WithoutCancel(ctx))
	}
	return nil
}

func (m *memRepo) ListStalePending(_ context.Context, before time.Time, limit int) ([]domain.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Ticket
	for _, t := range m.tickets {
		if t.Status == domain.TicketPending && t.CreatedAt.Before(before) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memTx struct {
	events   map[int64]domain.Event
	requests map[string]domain.Request
	tickets  map[string]domain.Ticket
}

func (t *memTx) HoldCapacity(_ context.Context, eventID int64, qty int) error {
	e, ok := t.events[eventID]
	if !ok {
		return repository.ErrNotFound
	}
	if e.CapacityRemaining-e.Held < qty {
		return repository.ErrInsufficientCapacity
	}
	e.Held += qty
	t.events[eventID] = e
	return nil
}

func (t *memTx) ReleaseHold(_ context.Context, eventID int64, qty int) error {
	e, ok := t.events[eventID]
	if !ok {
		return repository.ErrNotFound
	}
	if e.Held < qty {
		return repository.ErrInsufficientCapacity
	}
	e.Held -= qty
	t.events[eventID] = e
	return nil
}

func (t *memTx) CommitCapacity(_ context.Context, eventID int64, qty int) (*domain.Event, error) {
	e, ok := t.events[eventID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if e.CapacityRemaining < qty || e.Held < qty {
		return nil, repository.ErrInsufficientCapacity
	}
	e.CapacityRemaining -= qty
	e.Held -= qty
	t.events[eventID] = e
	return &e, nil
}

func (t *memTx) CreateRequest(_ context.Context, req domain.Request) error {
	if _, ok := t.requests[req.ID]; ok {
		return repository.ErrConflict
	}
	t.requests[req.ID] = req
	return nil
}

func (t *memTx) GetRequest(_ context.Context, requestID string) (*domain.Request, error) {
	r, ok := t.requests[requestID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &r, nil
}

func (t *memTx) CreateTicket(_ context.Context, tk domain.Ticket) error {
	if _, ok := t.tickets[tk.RequestID]; ok {
		return repository.ErrConflict
	}
	t.tickets[tk.RequestID] = tk
	return nil
}

func (t *memTx) LockTicket(_ context.Context, requestID string) (*domain.Ticket, error) {
	tk, ok := t.tickets[requestID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &tk, nil
}

func (t *memTx) TransitionTicket(_ context.Context, requestID string, from, to domain.TicketStatus, at time.Time) (bool, error) {
	tk, ok := t.tickets[requestID]
	if !ok || tk.Status != from {
		return false, nil
	}
	tk.Status = to
	tk.UpdatedAt = at
	t.tickets[requestID] = tk
	return true, nil
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type fakeQueue struct {
	mu   sync.Mutex
	sent []domain.ValidationRequest
	err  error
}

func (q *fakeQueue) Publish(_ context.Context, req domain.ValidationRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.sent = append(q.sent, req)
	return nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []domain.Notification
	err   error
}

func (n *fakeNotifier) Notify(_ context.Context, note domain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return n.err
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notes)
}

type fakeObserver struct {
	mu      sync.Mutex
	changed []int64
}

func (o *fakeObserver) EventChanged(_ context.Context, eventID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changed = append(o.changed, eventID)
}

type fakeLimiter struct {
	allow bool
	retry time.Duration
	err   error
}

func (l fakeLimiter) Allow(context.Context, string) (bool, time.Duration, error) {
	return l.allow, l.retry, l.err
}

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var errQueueDown = errors.New("queue down")
