package worker

import (
	"context"
	"fmt"

	"github.com/kirinyoku/tix-saga/internal/domain"
	"github.com/kirinyoku/tix-saga/internal/logger"
	"github.com/kirinyoku/tix-saga/internal/metrics"
	"github.com/kirinyoku/tix-saga/internal/queue"
	"github.com/kirinyoku/tix-saga/internal/service/saga"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Source yields queued validation requests until ctx is done.
type Source interface {
	Consume(ctx context.Context) <-chan queue.Delivery
}

// Sender delivers one validation request to the authority.
type Sender interface {
	Send(ctx context.Context, req domain.ValidationRequest) error
}

// Expirer compensates a Pending ticket.
type Expirer interface {
	Expire(ctx context.Context, requestID, reason string) (saga.Outcome, error)
}

type DispatcherConfig struct {
	// MaxAttempts is how many deliveries a request gets before its ticket
	// is expired.
	MaxAttempts int
	Workers     int
}

// Dispatcher forwards validation requests from the queue to the authority.
type Dispatcher struct {
	source  Source
	sender  Sender
	expirer Expirer
	cfg     DispatcherConfig
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewDispatcher(
	source Source,
	sender Sender,
	expirer Expirer,
	cfg DispatcherConfig,
	log *zap.Logger,
	m *metrics.Metrics,
) *Dispatcher {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}

	return &Dispatcher{
		source:  source,
		sender:  sender,
		expirer: expirer,
		cfg:     cfg,
		log:     logger.WithComponent(log, "dispatcher"),
		metrics: m,
	}
}

// Run consumes deliveries until ctx is cancelled. It returns nil on
// cancellation.
func (d *Dispatcher) Run(ctx context.Context) error {
	deliveries := d.source.Consume(ctx)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case dl, ok := <-deliveries:
					if !ok {
						return nil
					}
					d.Handle(ctx, dl)
				}
			}
		})
	}

	return g.Wait()
}

// Handle delivers one request. A failed delivery is left pending for
// redelivery until MaxAttempts is reached; then the ticket is expired and
// the message acked.
func (d *Dispatcher) Handle(ctx context.Context, dl queue.Delivery) {
	log := d.log.With(
		zap.String("request_id", dl.Request.RequestID),
		zap.String("message_id", dl.MessageID),
		zap.Int("attempt", dl.Attempt),
	)

	err := d.sender.Send(ctx, dl.Request)
	if err == nil {
		d.metrics.DispatchAttempts.WithLabelValues("delivered").Inc()
		dl.Ack()
		log.Debug("validation request delivered")
		return
	}

	if ctx.Err() != nil {
		// Shutting down; another consumer reclaims the message.
		dl.Nack(true)
		return
	}

	if dl.Attempt < d.cfg.MaxAttempts {
		d.metrics.DispatchAttempts.WithLabelValues("retry").Inc()
		log.Warn("validation request delivery failed, will retry", zap.Error(err))
		dl.Nack(true)
		return
	}

	d.metrics.DispatchAttempts.WithLabelValues("failed").Inc()
	d.metrics.DeliveryFailed.WithLabelValues("dispatch").Inc()

	cause := fmt.Errorf("%w: %w", saga.ErrDeliveryFailed, err)
	log.Error("validation request undeliverable, expiring ticket", zap.Error(cause))

	outcome, expErr := d.expirer.Expire(ctx, dl.Request.RequestID, saga.ReasonDeliveryFailed)
	if expErr != nil {
		log.Error("expire undeliverable ticket failed", zap.Error(expErr))
		dl.Nack(true)
		return
	}

	log.Info("undeliverable ticket handled", zap.String("outcome", string(outcome)))
	dl.Ack()
}
