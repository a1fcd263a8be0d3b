package notification

import (
	"context"
	"log/slog"
)

const (
	// KindTransferReceived is sent to the owner of a credited account.
	KindTransferReceived = "transfer_received"
	// KindExternalSettled is sent when a peer bank accepted an outgoing transfer.
	KindExternalSettled = "external_transfer_settled"
	// KindExternalReversed is sent when a stale outgoing transfer was reversed.
	KindExternalReversed = "external_transfer_reversed"
)

// Message describes a notification payload.
type Message struct {
	Kind        string
	Destination string
	Body        string
}

// Notifier delivers notifications to downstream systems. Delivery itself
// (email, push) lives outside this service.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the structured logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(ctx context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.InfoContext(ctx, "notification", "kind", message.Kind, "destination", message.Destination, "body", message.Body)
	return nil
}

// Nop drops every message.
type Nop struct{}

// Send implements Notifier.
func (Nop) Send(context.Context, Message) error { return nil }
