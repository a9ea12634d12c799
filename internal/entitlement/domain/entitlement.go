// Package domain holds customer entitlements: backend-confirmed grants
// of ownership or access, refreshed by the syncer and read-only to
// callers.
package domain

import (
	"time"

	"github.com/google/uuid"

	catalog "github.com/felixgeelhaar/storeflow/internal/catalog/domain"
)

// EntitlementType mirrors the product type of the grant.
type EntitlementType string

const (
	EntitlementOneTime      EntitlementType = "one_time"
	EntitlementSubscription EntitlementType = "subscription"
)

// Entitlement is one customer grant. Exactly one of Item and
// Subscription is set, matching Type. At most one subscription grant
// exists per subscription group per customer.
type Entitlement struct {
	Type       EntitlementType
	CustomerID uuid.UUID
	Product    catalog.Product

	Item         *ItemGrant
	Subscription *SubscriptionGrant
}

// ItemGrant is the quantity-owned shape of a one-time entitlement.
type ItemGrant struct {
	ID        uuid.UUID
	CreatedAt time.Time
	UpdatedAt time.Time
	Quantity  int
}

// SubscriptionGrant is the active-window shape of a subscription
// entitlement.
type SubscriptionGrant struct {
	ID        uuid.UUID
	CreatedAt time.Time
	UpdatedAt time.Time

	StartAt  time.Time
	EndAt    time.Time
	Platform string

	// AutoRenew is the effective auto-renew state: the backend value,
	// overridden by the platform ledger when the grant is bound to this
	// device's store account (the ledger learns about cancellations
	// before the backend does).
	AutoRenew bool

	InGracePeriod  bool
	InBillingIssue bool
	PauseScheduled bool
	Paused         bool
	ResumeAt       *time.Time

	ExpiredOrRevoked bool

	// ManagedByThisStoreAccount reports whether the grant's latest
	// platform transaction belongs to this device's store account.
	ManagedByThisStoreAccount bool

	// LastPlatformTxOriginalID is the ledger original-transaction id
	// that produced the grant; zero for grants from other platforms.
	LastPlatformTxOriginalID uint64

	LastPriceMillis    int64
	RegularPriceMillis int64
	RenewPriceMillis   int64
	CurrencyCode       string

	OfferExpiryAt       *time.Time
	OfferRemainingCycle int

	ProductOffer      *catalog.SubscriptionOffer
	RenewProduct      *catalog.Product
	RenewProductOffer *catalog.SubscriptionOffer
}

// Active reports whether the grant window covers now.
func (g *SubscriptionGrant) Active(now time.Time) bool {
	return !g.ExpiredOrRevoked && !now.Before(g.StartAt) && now.Before(g.EndAt)
}

// RenewTargetProduct returns the product the subscription will renew
// into: the scheduled renew product when a plan change is pending,
// otherwise the current product.
func (e *Entitlement) RenewTargetProduct() *catalog.Product {
	if e.Subscription != nil && e.Subscription.RenewProduct != nil {
		return e.Subscription.RenewProduct
	}
	return &e.Product
}

// SubscriptionGroupID returns the grant's subscription group, or the
// nil UUID for one-time grants.
func (e *Entitlement) SubscriptionGroupID() uuid.UUID {
	if e.Type == EntitlementSubscription && e.Product.Subscription != nil {
		return e.Product.Subscription.GroupID
	}
	return uuid.Nil
}
