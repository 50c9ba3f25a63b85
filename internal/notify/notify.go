package notify

import (
	"context"
	"fmt"

	"github.com/kirinyoku/tix-saga/internal/domain"
	"go.uber.org/zap"
)

// Notifier delivers the buyer-facing artifact for a confirmed ticket.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// Publisher sends one message to a realtime channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, msg any) error
}

// ArtifactURL joins the base URL and the request ID. An empty base yields "".
func ArtifactURL(base, requestID string) string {
	if base == "" {
		return ""
	}
	return base + "/" + requestID
}

// ChannelFor is the per-buyer realtime channel.
func ChannelFor(userID string) string {
	return "user-" + userID
}

type ticketConfirmedMsg struct {
	Type        string       `json:"type"`
	RequestID   string       `json:"request_id"`
	Event       domain.Event `json:"event"`
	Quantity    int          `json:"quantity"`
	ArtifactURL string       `json:"artifact_url"`
}

// RealtimeNotifier pushes a ticket_confirmed message to the buyer's channel.
type RealtimeNotifier struct {
	pub Publisher
	log *zap.Logger
}

func NewRealtimeNotifier(pub Publisher, log *zap.Logger) *RealtimeNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &RealtimeNotifier{pub: pub, log: log}
}

func (n *RealtimeNotifier) Notify(ctx context.Context, note domain.Notification) error {
	const op = "notify.RealtimeNotifier.Notify"

	channel := ChannelFor(note.Ticket.UserID)
	msg := ticketConfirmedMsg{
		Type:        "ticket_confirmed",
		RequestID:   note.Ticket.RequestID,
		Event:       note.Event,
		Quantity:    note.Ticket.Quantity,
		ArtifactURL: note.ArtifactURL,
	}

	if err := n.pub.Publish(ctx, channel, msg); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	n.log.Debug("ticket notification published",
		zap.String("channel", channel),
		zap.String("request_id", note.Ticket.RequestID),
	)

	return nil
}

// LogNotifier only writes the notification to the log. Used when no
// realtime transport is configured.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, note domain.Notification) error {
	n.log.Info("ticket confirmed",
		zap.String("request_id", note.Ticket.RequestID),
		zap.String("user_id", note.Ticket.UserID),
		zap.Int64("event_id", note.Event.ID),
		zap.Int("quantity", note.Ticket.Quantity),
		zap.String("artifact_url", note.ArtifactURL),
	)
	return nil
}
