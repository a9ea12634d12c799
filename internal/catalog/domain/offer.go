package domain

import (
	"time"

	"github.com/google/uuid"
)

// OfferType distinguishes free trials from paid promotional offers.
type OfferType string

const (
	OfferTypeFreeTrial   OfferType = "free_trial"
	OfferTypePromotional OfferType = "promotional"
)

// SubscriptionOffer is a discounted entry path into a subscription.
type SubscriptionOffer struct {
	ID          uuid.UUID
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Identifier  string
	ExternalRef string
	Name        string

	Type OfferType

	// PlatformOfferID is the storefront-side offer identifier;
	// empty for introductory offers applied implicitly.
	PlatformOfferID string

	PriceMillis    int64
	CurrencyCode   string
	PriceFormatted string

	PeriodCount int
	PeriodUnit  PeriodUnit
	CycleCount  int

	Status ProductStatus
}

// IsFreeTrial reports whether the offer is a free trial.
func (o *SubscriptionOffer) IsFreeTrial() bool {
	return o.Type == OfferTypeFreeTrial
}
