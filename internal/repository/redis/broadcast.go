package redis

import (
	"context"

	"go.uber.org/zap"
)

// EventBroadcaster drops cached views of an event and tells other
// instances it changed. Failures are logged; the cache TTL bounds
// staleness.
type EventBroadcaster struct {
	cache  *Cache
	pubsub *EventsPubSub
	log    *zap.Logger
}

func NewEventBroadcaster(cache *Cache, pubsub *EventsPubSub, log *zap.Logger) *EventBroadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	return &EventBroadcaster{cache: cache, pubsub: pubsub, log: log}
}

func (b *EventBroadcaster) EventChanged(ctx context.Context, eventID int64) {
	if err := b.cache.InvalidateEvent(ctx, eventID); err != nil {
		b.log.Warn("invalidate event cache failed", zap.Int64("event_id", eventID), zap.Error(err))
	}

	if err := b.pubsub.PublishEventChanged(ctx, eventID); err != nil {
		b.log.Warn("publish event changed failed", zap.Int64("event_id", eventID), zap.Error(err))
	}
}
