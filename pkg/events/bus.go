package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Handler is a function that handles an event
type Handler func(ctx context.Context, event Event) error

// Bus is an in-memory event bus for pub/sub messaging
type Bus struct {
	handlers map[EventType][]Handler
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewBus creates a new event bus
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for a specific event type.
// Multiple handlers can be registered for the same event type.
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
	b.logger.Debug("event handler subscribed",
		zap.String("event_type", string(eventType)),
		zap.Int("total_handlers", len(b.handlers[eventType])),
	)
}

// Publish publishes an event to all registered handlers. Handlers run
// asynchronously; errors are logged and never block the publisher.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	for _, handler := range handlers {
		go func(h Handler) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked",
						zap.String("event_type", string(event.Type)),
						zap.String("event_id", event.ID),
						zap.Any("panic", r),
					)
				}
			}()

			if err := h(ctx, event); err != nil {
				b.logger.Error("event handler failed",
					zap.String("event_type", string(event.Type)),
					zap.String("event_id", event.ID),
					zap.Error(err),
				)
			}
		}(handler)
	}
}

// PublishAndWait publishes an event and waits for all handlers to complete.
// Returns the first error encountered from any handler.
func (b *Bus) PublishAndWait(ctx context.Context, event Event) error {
	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	var (
		wg     sync.WaitGroup
		errMu  sync.Mutex
		errOut error
	)

	for _, handler := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			if err := h(ctx, event); err != nil {
				errMu.Lock()
				if errOut == nil {
					errOut = err
				}
				errMu.Unlock()
			}
		}(handler)
	}

	wg.Wait()
	return errOut
}

// Unsubscribe removes all handlers for a specific event type (useful for testing)
func (b *Bus) Unsubscribe(eventType EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, eventType)
}
