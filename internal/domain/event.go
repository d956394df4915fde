package domain

import (
	"context"
	"time"
)

// EventKind classifies a ledger notification.
type EventKind string

const (
	EventPositionOpened   EventKind = "position_opened"
	EventPositionScaled   EventKind = "position_scaled"
	EventTakeProfit       EventKind = "take_profit"
	EventPositionClosed   EventKind = "position_closed"
	EventStopLossAuto     EventKind = "stop_loss_auto"
	EventMaxAgeAuto       EventKind = "max_age_auto"
	EventOrderFailed      EventKind = "order_failed"
	EventLedgerRepaired   EventKind = "ledger_repaired"
	EventFlashCrashGuard  EventKind = "flash_crash_guard"
	EventShutdownClosures EventKind = "shutdown_closures"
)

// Event is a fire-and-forget notification about a position.
type Event struct {
	PositionID string
	Kind       EventKind
	Details    map[string]any
	At         time.Time
}

// EventPublisher accepts events without blocking the caller on delivery.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event)
}
