package notify

import (
	"context"
	"fmt"

	pubnub "github.com/pubnub/go/v7"
)

type PubNubConfig struct {
	PublishKey   string
	SubscribeKey string
	UserID       string
}

// PubNubPublisher publishes through a PubNub client.
type PubNubPublisher struct {
	pn *pubnub.PubNub
}

func NewPubNubPublisher(cfg PubNubConfig) *PubNubPublisher {
	pnConfig := pubnub.NewConfigWithUserId(pubnub.UserId(cfg.UserID))
	pnConfig.PublishKey = cfg.PublishKey
	pnConfig.SubscribeKey = cfg.SubscribeKey

	return &PubNubPublisher{pn: pubnub.NewPubNub(pnConfig)}
}

func (p *PubNubPublisher) Publish(_ context.Context, channel string, msg any) error {
	const op = "notify.PubNubPublisher.Publish"

	_, status, err := p.pn.Publish().
		Channel(channel).
		Message(msg).
		Execute()
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	if status.StatusCode >= 300 {
		return fmt.Errorf("%s: pubnub status %d", op, status.StatusCode)
	}

	return nil
}
