package notify

import (
	"context"
	"fmt"

	"github.com/BB13/algobot-public/internal/domain"
)

// BusSink publishes events on an event bus channel so other processes (the
// API server's WebSocket hub, dashboards) can follow the ledger. Each event
// is also appended to the bus stream of the same name.
type BusSink struct {
	bus     domain.EventBus
	channel string
}

// NewBusSink creates a BusSink on channel.
func NewBusSink(bus domain.EventBus, channel string) *BusSink {
	return &BusSink{bus: bus, channel: channel}
}

// Deliver publishes ev.
func (b *BusSink) Deliver(ctx context.Context, ev domain.Event) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	if err := b.bus.Publish(ctx, b.channel, data); err != nil {
		return fmt.Errorf("notify: bus publish: %w", err)
	}
	if err := b.bus.Append(ctx, b.channel, data); err != nil {
		return fmt.Errorf("notify: bus stream: %w", err)
	}
	return nil
}

// Name returns the sink identifier.
func (b *BusSink) Name() string { return "bus:" + b.channel }
