package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stackd/stackd/pkg/engine"
)

// EventBus fans deployment and supervision events out to the log, the
// state store's timeline, and any in-process subscribers. It implements
// engine.EventPublisher.
type EventBus struct {
	logger zerolog.Logger
	store  engine.StateManager

	mu          sync.RWMutex
	subscribers []EventSubscriber
}

// EventSubscriber receives every published event.
type EventSubscriber func(event engine.Event)

// NewEventBus creates an event bus. store may be nil, in which case events
// are logged but not persisted.
func NewEventBus(logger zerolog.Logger, store engine.StateManager) *EventBus {
	return &EventBus{
		logger: logger.With().Str("component", "events").Logger(),
		store:  store,
	}
}

// Subscribe adds an in-process subscriber.
func (b *EventBus) Subscribe(fn EventSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, fn)
}

// Publish logs, persists, and fans out one event.
func (b *EventBus) Publish(ctx context.Context, event *engine.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.log(event)

	if b.store != nil {
		if err := b.store.AppendEvent(ctx, event); err != nil {
			// The timeline is best-effort; a failed append must not fail
			// the deployment that produced the event.
			b.logger.Warn().Err(err).
				Str("type", string(event.Type)).
				Msg("Failed to persist event")
		}
	}

	b.mu.RLock()
	subscribers := b.subscribers
	b.mu.RUnlock()

	for _, fn := range subscribers {
		fn(*event)
	}

	return nil
}

func (b *EventBus) log(event *engine.Event) {
	var e *zerolog.Event
	switch event.Level {
	case "error":
		e = b.logger.Error()
	case "warning":
		e = b.logger.Warn()
	default:
		e = b.logger.Info()
	}

	if event.RunID != "" {
		e = e.Str("run_id", event.RunID)
	}
	if event.Service != "" {
		e = e.Str("service", event.Service)
	}
	e.Str("event", string(event.Type)).Msg(event.Message)
}
