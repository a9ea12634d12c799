// Package domain holds the customer identity owned by the backend.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Customer is the backend-side identity the engine acts for. A single
// customer is active per engine instance; it is installed on login and
// cleared on logout.
type Customer struct {
	ID          uuid.UUID
	ExternalRef string
	CreatedAt   time.Time
	UpdatedAt   time.Time

	// Forwarded marks a customer whose purchase events are routed to a
	// different integration. The engine must not wait on webhooks for a
	// forwarded customer.
	Forwarded bool
}
