// Package eventbus publishes purchase lifecycle events (logins, syncs,
// completed purchases, transfers) to an in-process bus or RabbitMQ.
package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Routing keys for the events the engine emits.
const (
	RouteCustomerLoggedIn   = "storeflow.customer.logged_in"
	RouteCustomerLoggedOut  = "storeflow.customer.logged_out"
	RouteEntitlementsSynced = "storeflow.entitlements.synced"
	RoutePurchaseCompleted  = "storeflow.purchase.completed"
	RoutePurchasePending    = "storeflow.purchase.pending"
	RouteTransferCompleted  = "storeflow.transfer.completed"
)

// Publisher sends events to a message broker.
type Publisher interface {
	// Publish sends a message to the event bus.
	Publish(ctx context.Context, routingKey string, payload []byte) error

	// Close closes the publisher connection.
	Close() error
}

// Event is the envelope every published message carries.
type Event struct {
	ID         uuid.UUID       `json:"id"`
	RoutingKey string          `json:"routingKey"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload"`
}

// PublishJSON wraps v in an Event envelope and publishes it. A nil
// publisher is a no-op so event wiring stays optional.
func PublishJSON(ctx context.Context, p Publisher, routingKey string, v any) error {
	if p == nil {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	event := Event{
		ID:         uuid.New(),
		RoutingKey: routingKey,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.Publish(ctx, routingKey, body)
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, []byte) error { return nil }
func (NopPublisher) Close() error                                  { return nil }
