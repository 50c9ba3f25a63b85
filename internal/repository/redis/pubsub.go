package redis

import (
	"context"
	"encoding/json"

	"github.com/kirinyoku/tix-saga/internal/clock"
	"github.com/redis/go-redis/v9"
)

// EventsPubSub broadcasts "event changed" notices to other instances.
type EventsPubSub struct {
	rdb     *redis.Client
	channel string
	clock   clock.Clock
}

func NewEventsPubSub(rdb *redis.Client, clk clock.Clock) *EventsPubSub {
	if clk == nil {
		clk = clock.System{}
	}

	return &EventsPubSub{
		rdb:     rdb,
		channel: ChannelEventsChanged(),
		clock:   clk,
	}
}

type eventChangedMsg struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
	TsUnix  int64  `json:"ts_unix"`
}

func (p *EventsPubSub) PublishEventChanged(ctx context.Context, eventID int64) error {
	b, err := json.Marshal(eventChangedMsg{
		Type:    "event_changed",
		EventID: eventID,
		TsUnix:  p.clock.Now().Unix(),
	})
	if err != nil {
		return err
	}

	return p.rdb.Publish(ctx, p.channel, b).Err()
}

// Subscribe calls handler for every well-formed notice until ctx is done.
func (p *EventsPubSub) Subscribe(ctx context.Context, handler func(ctx context.Context, eventID int64)) error {
	sub := p.rdb.Subscribe(ctx, p.channel)
	defer sub.Close()

	ch := sub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var ev eventChangedMsg
			if err := json.Unmarshal([]byte(m.Payload), &ev); err == nil && ev.EventID != 0 {
				handler(ctx, ev.EventID)
			}
		}
	}
}
