package domain

import (
	"time"

	"github.com/google/uuid"

	catalog "github.com/felixgeelhaar/storeflow/internal/catalog/domain"
)

// Options tune a purchase attempt.
type Options struct {
	// Offer applies a subscription offer. Free trials resolve to the
	// product's introductory offer; promotional offers are signed by the
	// backend or redeemed through an offer code.
	Offer *catalog.SubscriptionOffer

	// Quantity for multi-quantity one-time products; zero means one.
	Quantity int
}

// WebhookStatus is the backend's processing state for a purchase
// event.
type WebhookStatus string

const (
	WebhookPending WebhookStatus = "pending"
	WebhookSuccess WebhookStatus = "success"
	WebhookError   WebhookStatus = "error"
)

// Event is the backend event a processed webhook resolved to.
type Event struct {
	ID        uuid.UUID
	CreatedAt time.Time
	Type      string
	Platform  string
	Sandbox   bool
}

// WebhookResult is the terminal outcome of waiting for a purchase
// event.
type WebhookResult struct {
	Status WebhookStatus
	Event  *Event
}

// TransferStatus is the backend's processing state for an ownership
// transfer.
type TransferStatus string

const (
	TransferPending      TransferStatus = "pending"
	TransferDelayed      TransferStatus = "delayed"
	TransferAcknowledged TransferStatus = "acknowledged"
	TransferRejected     TransferStatus = "rejected"
	TransferError        TransferStatus = "error"
)

// Settled reports whether the status is terminal.
func (s TransferStatus) Settled() bool {
	switch s {
	case TransferAcknowledged, TransferDelayed, TransferRejected, TransferError:
		return true
	}
	return false
}
