// Package notify fans operator alerts out to the configured channels
// (Telegram, Discord), filtered by event type.
package notify

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// titles maps engine event names to the alert headline.
var titles = map[string]string{
	"open":          "Position opened",
	"close":         "Position closed",
	"partial_close": "Partial close",
	"iron_defense":  "Iron defense armed",
	"tier_upgrade":  "Stop tier upgraded",
	"recovery":      "Recovery",
	"halt":          "ENTRY HALT",
}

// Notifier dispatches events to all senders. Delivery runs detached from the
// caller: the engine's trading path never waits on a webhook.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list allows every event.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify delivers message for event to every sender, asynchronously.
func (n *Notifier) Notify(ctx context.Context, event, message string) {
	if len(n.senders) == 0 {
		return
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.Debug("event filtered out", slog.String("event", event))
		return
	}

	title, ok := titles[event]
	if !ok {
		title = event
	}

	go func() {
		// Detached context: the alert should still go out when the caller's
		// request context is already done.
		sendCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		for _, s := range n.senders {
			if err := s.Send(sendCtx, title, message); err != nil {
				n.logger.Warn("sender failed",
					slog.String("sender", s.Name()),
					slog.String("event", event),
					slog.Any("error", err))
			}
		}
	}()
}
