package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/BB13/algobot-public/internal/domain"
	"github.com/BB13/algobot-public/internal/metrics"
)

// Sink receives every event regardless of the chat filter.
type Sink interface {
	Deliver(ctx context.Context, ev domain.Event) error
	Name() string
}

// Dispatcher queues events and delivers them from a single goroutine. Publish
// never blocks: when the queue is full the event is dropped and counted.
type Dispatcher struct {
	queue    chan domain.Event
	notifier *Notifier
	sinks    []Sink
	timeout  time.Duration
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher. notifier may be nil.
func NewDispatcher(notifier *Notifier, sinks []Sink, queueSize int, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if queueSize < 1 {
		queueSize = 1
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		queue:    make(chan domain.Event, queueSize),
		notifier: notifier,
		sinks:    sinks,
		timeout:  timeout,
		logger:   logger.With(slog.String("component", "dispatcher")),
	}
}

// Publish enqueues ev.
func (d *Dispatcher) Publish(_ context.Context, ev domain.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case d.queue <- ev:
	default:
		metrics.NotificationsDropped.Inc()
		d.logger.Warn("dispatcher: queue full, event dropped",
			slog.String("kind", string(ev.Kind)),
			slog.String("position_id", ev.PositionID),
		)
	}
}

// Run delivers queued events until ctx is cancelled, then drains what is
// already queued.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		case <-ctx.Done():
			d.drain()
			return nil
		}
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(parent context.Context, ev domain.Event) {
	ctx, cancel := context.WithTimeout(parent, d.timeout)
	defer cancel()

	for _, s := range d.sinks {
		if err := s.Deliver(ctx, ev); err != nil {
			d.logger.Warn("dispatcher: sink failed",
				slog.String("sink", s.Name()),
				slog.String("kind", string(ev.Kind)),
				slog.String("error", err.Error()),
			)
		}
	}
	if d.notifier != nil {
		// Notifier logs per-sender failures itself.
		_ = d.notifier.Notify(ctx, ev)
	}
}

var _ domain.EventPublisher = (*Dispatcher)(nil)
