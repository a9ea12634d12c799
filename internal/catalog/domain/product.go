// Package domain holds catalog snapshots merged from the backend
// catalog and the platform storefront. Snapshots are immutable; a new
// fetch produces new values.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// ProductType distinguishes one-time products from subscriptions.
type ProductType string

const (
	ProductTypeOneTime      ProductType = "one_time"
	ProductTypeSubscription ProductType = "subscription"
)

// ProductStatus reports whether a product can be sold right now.
type ProductStatus string

const (
	// StatusAvailable means the storefront sells the product.
	StatusAvailable ProductStatus = "available"
	// StatusUnavailable means the storefront does not know the SKU.
	StatusUnavailable ProductStatus = "unavailable"
	// StatusInvalid means the storefront entry exists but does not match
	// the declared product shape.
	StatusInvalid ProductStatus = "invalid"
)

// Product is a catalog entry merged from backend data and storefront
// pricing. Exactly one of OneTime and Subscription is set, matching
// Type.
type Product struct {
	ID          uuid.UUID
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Identifier  string
	ExternalRef string
	SKU         string

	Type   ProductType
	Status ProductStatus

	PriceMillis    int64
	CurrencyCode   string
	PriceFormatted string

	Name    string
	Details string
	Extras  map[string]any

	OneTime      *OneTimeProduct
	Subscription *SubscriptionProduct
}

// OneTimeProduct holds the one-time-specific attributes.
type OneTimeProduct struct {
	Consumable      bool
	MultiQuantity   bool
	NonRenewableSub bool
}

// SubscriptionProduct holds the subscription-specific attributes.
type SubscriptionProduct struct {
	PeriodCount int
	PeriodUnit  PeriodUnit

	// GroupID is the backend subscription group; GroupLevel orders the
	// plans inside it (lower level = higher tier).
	GroupID    uuid.UUID
	GroupLevel int

	// PlatformGroupID is the storefront-side subscription group.
	PlatformGroupID string

	IntroductoryOffer *SubscriptionOffer
	PromotionalOffers []SubscriptionOffer
}

// Purchasable reports whether the product can enter a purchase flow.
func (p *Product) Purchasable() bool {
	return p.Status == StatusAvailable
}

// SubscriptionGroup is a set of interchangeable subscription plans.
type SubscriptionGroup struct {
	ID          uuid.UUID
	Identifier  string
	Name        string
	Details     string
	ExternalRef string
	Extras      map[string]any
	Products    []Product
}
