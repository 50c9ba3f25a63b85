package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-saga/internal/domain"
	redisrepo "github.com/kirinyoku/tix-saga/internal/repository/redis"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	GroupName      = "validation-dispatchers"
	consumerPrefix = "dispatcher"
	payloadField   = "payload"
)

// Delivery is one validation request handed to a consumer. Attempt is 1
// on first delivery and grows each time the message is reclaimed.
type Delivery struct {
	MessageID string
	Request   domain.ValidationRequest
	Attempt   int

	// Ack removes the message from the pending list.
	Ack func()
	// Nack with requeue leaves the message pending so it is reclaimed after
	// ClaimMinIdle; without requeue it is dropped.
	Nack func(requeue bool)
}

type Config struct {
	// ClaimMinIdle is how long a message must sit unacked before another
	// consumer may reclaim it.
	ClaimMinIdle time.Duration
	ReadBlock    time.Duration
	BatchSize    int64
}

func defaultConfig() Config {
	return Config{
		ClaimMinIdle: 5 * time.Second,
		ReadBlock:    2 * time.Second,
		BatchSize:    10,
	}
}

// ValidationQueue is a durable outbound queue on a Redis stream with a
// consumer group.
type ValidationQueue struct {
	rdb      *redis.Client
	stream   string
	group    string
	consumer string
	cfg      Config
	log      *zap.Logger
}

// New ensures the consumer group exists. An empty consumerID gets a random one.
func New(ctx context.Context, rdb *redis.Client, consumerID string, cfg Config, log *zap.Logger) (*ValidationQueue, error) {
	const op = "queue.New"

	if consumerID == "" {
		consumerID = uuid.NewString()
	}
	if log == nil {
		log = zap.NewNop()
	}

	def := defaultConfig()
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = def.ClaimMinIdle
	}
	if cfg.ReadBlock <= 0 {
		cfg.ReadBlock = def.ReadBlock
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}

	q := &ValidationQueue{
		rdb:      rdb,
		stream:   redisrepo.StreamValidations(),
		group:    GroupName,
		consumer: fmt.Sprintf("%s:%s", consumerPrefix, consumerID),
		cfg:      cfg,
		log:      log,
	}

	err := rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("%s: ensure consumer group: %w", op, err)
	}

	return q, nil
}

// Publish appends the request to the stream.
func (q *ValidationQueue) Publish(ctx context.Context, req domain.ValidationRequest) error {
	const op = "queue.ValidationQueue.Publish"

	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", op, err)
	}

	if err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		ID:     "*",
		Values: []any{payloadField, string(b)},
	}).Err(); err != nil {
		return fmt.Errorf("%s: xadd: %w", op, err)
	}

	return nil
}

// Consume streams deliveries until ctx is done. New messages and
// reclaimed stale ones share the returned channel.
func (q *ValidationQueue) Consume(ctx context.Context) <-chan Delivery {
	out := make(chan Delivery)

	go func() {
		defer close(out)

		done := make(chan struct{})
		go func() {
			defer close(done)
			q.runAutoClaim(ctx, out)
		}()

		q.runReadLoop(ctx, out)
		<-done
	}()

	return out
}

func (q *ValidationQueue) runReadLoop(ctx context.Context, out chan<- Delivery) {
	for ctx.Err() == nil {
		batch, err := q.readNew(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.log.Error("xreadgroup failed", zap.Error(err))
			sleep(ctx, time.Second)
			continue
		}

		if !send(ctx, out, batch) {
			return
		}
	}
}

func (q *ValidationQueue) runAutoClaim(ctx context.Context, out chan<- Delivery) {
	ticker := time.NewTicker(q.cfg.ClaimMinIdle)
	defer ticker.Stop()

	start := "0-0"
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			batch, next, err := q.claimStale(ctx, start)
			if err != nil {
				if ctx.Err() == nil {
					q.log.Error("xautoclaim failed", zap.Error(err))
				}
				continue
			}
			start = next

			if !send(ctx, out, batch) {
				return
			}
		}
	}
}

// readNew reads messages never delivered to any consumer of the group.
func (q *ValidationQueue) readNew(ctx context.Context) ([]Delivery, error) {
	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    q.cfg.BatchSize,
		Block:    q.cfg.ReadBlock,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Delivery
	for _, s := range streams {
		if s.Stream != q.stream {
			continue
		}
		for _, msg := range s.Messages {
			if d, ok := q.newDelivery(ctx, msg, 1); ok {
				out = append(out, d)
			}
		}
	}

	return out, nil
}

// claimStale takes over messages idle longer than ClaimMinIdle and
// returns the cursor for the next scan.
func (q *ValidationQueue) claimStale(ctx context.Context, start string) ([]Delivery, string, error) {
	msgs, next, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.cfg.ClaimMinIdle,
		Start:    start,
		Count:    q.cfg.BatchSize,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, start, err
	}
	if next == "" {
		next = "0-0"
	}

	var out []Delivery
	for _, msg := range msgs {
		attempt, err := q.deliveryCount(ctx, msg.ID)
		if err != nil {
			q.log.Warn("read delivery count failed", zap.String("message_id", msg.ID), zap.Error(err))
			attempt = 2
		}
		if d, ok := q.newDelivery(ctx, msg, attempt); ok {
			out = append(out, d)
		}
	}

	return out, next, nil
}

func (q *ValidationQueue) deliveryCount(ctx context.Context, messageID string) (int, error) {
	pending, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Start:  messageID,
		End:    messageID,
		Count:  1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 1, nil
		}
		return 0, err
	}
	if len(pending) == 0 {
		return 1, nil
	}

	return int(pending[0].RetryCount), nil
}

func (q *ValidationQueue) newDelivery(ctx context.Context, msg redis.XMessage, attempt int) (Delivery, bool) {
	// Acks must survive shutdown of the consume context.
	ackCtx := context.WithoutCancel(ctx)

	raw, ok := msg.Values[payloadField].(string)
	if !ok {
		q.log.Warn("drop message without payload", zap.String("message_id", msg.ID))
		q.ack(ackCtx, msg.ID)
		return Delivery{}, false
	}

	var req domain.ValidationRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		q.log.Warn("drop malformed message", zap.String("message_id", msg.ID), zap.Error(err))
		q.ack(ackCtx, msg.ID)
		return Delivery{}, false
	}

	id := msg.ID
	return Delivery{
		MessageID: id,
		Request:   req,
		Attempt:   attempt,
		Ack:       func() { q.ack(ackCtx, id) },
		Nack: func(requeue bool) {
			if requeue {
				return
			}
			q.ack(ackCtx, id)
		},
	}, true
}

func (q *ValidationQueue) ack(ctx context.Context, id string) {
	if err := q.rdb.XAck(ctx, q.stream, q.group, id).Err(); err != nil {
		q.log.Error("xack failed", zap.String("message_id", id), zap.Error(err))
	}
}

func send(ctx context.Context, out chan<- Delivery, batch []Delivery) bool {
	for _, d := range batch {
		select {
		case out <- d:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
