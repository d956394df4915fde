// Package notify delivers ledger events to operators. Events are queued by a
// Dispatcher without blocking the trading path and fanned out to chat senders
// (Telegram, Discord) filtered by event kind, and to raw event sinks such as
// the Redis bus and the WebSocket hub.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/BB13/algobot-public/internal/domain"
)

// Sender is a chat channel that renders a title and message.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier forwards events to every Sender. When an allow-list of event kinds
// is configured only those kinds are sent.
type Notifier struct {
	senders []Sender
	events  map[domain.EventKind]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list allows every kind.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventKind]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventKind(e)] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Allows reports whether kind passes the filter.
func (n *Notifier) Allows(kind domain.EventKind) bool {
	return len(n.events) == 0 || n.events[kind]
}

// Notify renders ev and sends it to every sender. A failing sender does not
// stop delivery to the rest; the failures are combined into one error.
func (n *Notifier) Notify(ctx context.Context, ev domain.Event) error {
	if len(n.senders) == 0 {
		return nil
	}
	if !n.Allows(ev.Kind) {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("kind", string(ev.Kind)))
		return nil
	}

	title, message := Format(ev)
	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("kind", string(ev.Kind)),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

var titles = map[domain.EventKind]string{
	domain.EventPositionOpened:   "Position opened",
	domain.EventPositionScaled:   "Position scaled",
	domain.EventTakeProfit:       "Take profit",
	domain.EventPositionClosed:   "Position closed",
	domain.EventStopLossAuto:     "Stop loss hit",
	domain.EventMaxAgeAuto:       "Position expired",
	domain.EventOrderFailed:      "Order failed",
	domain.EventLedgerRepaired:   "Ledger repaired",
	domain.EventFlashCrashGuard:  "Flash-crash guard",
	domain.EventShutdownClosures: "Shutdown closures",
}

// Format renders an event as a chat title and a key=value body with sorted
// keys.
func Format(ev domain.Event) (title, message string) {
	title = titles[ev.Kind]
	if title == "" {
		title = string(ev.Kind)
	}

	keys := make([]string, 0, len(ev.Details))
	for k := range ev.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	if ev.PositionID != "" {
		fmt.Fprintf(&b, "position: %s\n", ev.PositionID)
	}
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, ev.Details[k])
	}
	return title, strings.TrimRight(b.String(), "\n")
}

// wireEvent is the JSON envelope shared by the bus and WebSocket sinks.
type wireEvent struct {
	Type       string         `json:"type"`
	Kind       string         `json:"kind"`
	PositionID string         `json:"position_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	At         time.Time      `json:"at"`
}

// Encode marshals ev into the JSON envelope published to sinks.
func Encode(ev domain.Event) ([]byte, error) {
	data, err := json.Marshal(wireEvent{
		Type:       "ledger_event",
		Kind:       string(ev.Kind),
		PositionID: ev.PositionID,
		Details:    ev.Details,
		At:         ev.At.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("notify: encode %s: %w", ev.Kind, err)
	}
	return data, nil
}
