package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
)

// Handler receives events delivered by the in-process bus.
type Handler func(ctx context.Context, event *Event) error

// InProcessBus is an in-memory event bus for local mode (no RabbitMQ).
// Events are delivered synchronously to subscribed handlers.
type InProcessBus struct {
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string][]Handler
}

// NewInProcessBus creates a new in-process event bus.
func NewInProcessBus(logger *slog.Logger) *InProcessBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &InProcessBus{
		logger:   logger,
		handlers: make(map[string][]Handler),
	}
}

// Subscribe registers a handler for a routing key pattern. Patterns
// match exactly, or by prefix when they end in ".*"
// ("storeflow.purchase.*" matches both completed and pending).
func (b *InProcessBus) Subscribe(pattern string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[pattern] = append(b.handlers[pattern], h)
}

// Publish decodes the envelope and synchronously dispatches it to all
// matching handlers. Handler errors are logged, not returned, so a
// failing subscriber cannot fail the operation that emitted the event.
func (b *InProcessBus) Publish(ctx context.Context, routingKey string, payload []byte) error {
	event := &Event{}
	if err := json.Unmarshal(payload, event); err != nil {
		b.logger.Error("failed to unmarshal event payload",
			"routing_key", routingKey,
			"error", err,
		)
		return nil
	}
	if event.RoutingKey == "" {
		event.RoutingKey = routingKey
	}

	b.mu.Lock()
	var matched []Handler
	for pattern, hs := range b.handlers {
		if routeMatches(pattern, routingKey) {
			matched = append(matched, hs...)
		}
	}
	b.mu.Unlock()

	for _, h := range matched {
		if err := h(ctx, event); err != nil {
			b.logger.Error("event handler failed",
				"routing_key", routingKey,
				"event_id", event.ID,
				"error", err,
			)
		}
	}

	b.logger.Debug("event dispatched",
		"routing_key", routingKey,
		"event_id", event.ID,
		"handlers", len(matched),
	)
	return nil
}

// Close is a no-op for the in-process bus.
func (b *InProcessBus) Close() error {
	return nil
}

func routeMatches(pattern, routingKey string) bool {
	if pattern == routingKey {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(routingKey, prefix+".")
	}
	return false
}
