package worker

import (
	"context"
	"time"

	"github.com/kirinyoku/tix-saga/internal/logger"
	"go.uber.org/zap"
)

// StaleExpirer rejects tickets that stayed Pending too long.
type StaleExpirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

// Sweeper periodically expires stale Pending tickets.
type Sweeper struct {
	expirer  StaleExpirer
	interval time.Duration
	log      *zap.Logger
}

func NewSweeper(expirer StaleExpirer, interval time.Duration, log *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	return &Sweeper{
		expirer:  expirer,
		interval: interval,
		log:      logger.WithComponent(log, "sweeper"),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep and returns the number of tickets expired.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	n, err := s.expirer.ExpireStale(ctx)
	if err != nil && ctx.Err() == nil {
		s.log.Warn("sweep failed", zap.Int("expired", n), zap.Error(err))
	}
	if n > 0 {
		s.log.Info("expired stale tickets", zap.Int("count", n))
	}

	return n
}
