package backend

import (
	"time"

	"github.com/google/uuid"
)

// validator is implemented by payloads that check their own shape
// after decoding.
type validator interface {
	Validate() error
}

// CustomerPayload is the backend representation of a customer.
type CustomerPayload struct {
	ID          uuid.UUID `json:"id"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	ExternalRef string    `json:"externalRef"`
}

func (p *CustomerPayload) Validate() error {
	if p.ID == uuid.Nil {
		return newParseError("customer", "id")
	}
	return nil
}

// LoginResponse is the payload of a successful login. Entitlements are
// included as an optimization so the engine can serve reads before its
// first sync.
type LoginResponse struct {
	Customer                       CustomerPayload      `json:"customer"`
	Entitlements                   []EntitlementPayload `json:"entitlements"`
	PlatformOriginalTransactionIDs []string             `json:"platformOriginalTransactionIds"`
	IsForwardingEnabled            bool                 `json:"isForwardingEnabled"`
}

func (p *LoginResponse) Validate() error {
	if err := p.Customer.Validate(); err != nil {
		return err
	}
	for i := range p.Entitlements {
		if err := p.Entitlements[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// OneTimePayload is the one-time shape of a product.
type OneTimePayload struct {
	Consumable      bool `json:"isConsumable"`
	MultiQuantity   bool `json:"isMultiQuantity"`
	NonRenewableSub bool `json:"isNonRenewableSub"`
}

// OfferPayload is a subscription offer as declared on the backend.
type OfferPayload struct {
	ID              uuid.UUID `json:"id"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	Identifier      string    `json:"identifier"`
	ExternalRef     string    `json:"externalRef"`
	Name            string    `json:"name"`
	Type            string    `json:"type"`
	PlatformOfferID string    `json:"platformOfferId"`
	PriceMillis     int64     `json:"priceMillis"`
	CurrencyCode    string    `json:"currencyCode"`
	PeriodCount     int       `json:"periodCount"`
	PeriodUnit      string    `json:"periodUnit"`
	CycleCount      int       `json:"cycleCount"`
}

func (p *OfferPayload) Validate() error {
	if p.ID == uuid.Nil {
		return newParseError("offer", "id")
	}
	if p.Type == "" {
		return newParseError("offer", "type")
	}
	return nil
}

// SubscriptionProductPayload is the subscription shape of a product.
type SubscriptionProductPayload struct {
	PeriodCount       int            `json:"periodCount"`
	PeriodUnit        string         `json:"periodUnit"`
	GroupID           uuid.UUID      `json:"groupId"`
	GroupLevel        int            `json:"groupLevel"`
	PlatformGroupID   string         `json:"platformGroupId"`
	IntroductoryOffer *OfferPayload  `json:"introductoryOffer"`
	PromotionalOffers []OfferPayload `json:"promotionalOffers"`
}

// ProductPayload is a backend catalog product. Exactly one of OneTime
// and Subscription is set, matching Type.
type ProductPayload struct {
	ID          uuid.UUID      `json:"id"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	Identifier  string         `json:"identifier"`
	ExternalRef string         `json:"externalRef"`
	SKU         string         `json:"sku"`
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Details     string         `json:"details"`
	Extras      map[string]any `json:"extras"`

	OneTime      *OneTimePayload             `json:"oneTime"`
	Subscription *SubscriptionProductPayload `json:"subscription"`
}

func (p *ProductPayload) Validate() error {
	if p.ID == uuid.Nil {
		return newParseError("product", "id")
	}
	if p.SKU == "" {
		return newParseError("product", "sku")
	}
	switch p.Type {
	case "one_time":
		if p.OneTime == nil {
			return newParseError("product", "oneTime")
		}
	case "subscription":
		if p.Subscription == nil {
			return newParseError("product", "subscription")
		}
		if p.Subscription.GroupID == uuid.Nil {
			return newParseError("product", "subscription.groupId")
		}
		if p.Subscription.IntroductoryOffer != nil {
			if err := p.Subscription.IntroductoryOffer.Validate(); err != nil {
				return err
			}
		}
		for i := range p.Subscription.PromotionalOffers {
			if err := p.Subscription.PromotionalOffers[i].Validate(); err != nil {
				return err
			}
		}
	default:
		return newParseError("product", "type")
	}
	return nil
}

// SubscriptionGroupPayload is a backend subscription group with its
// plans.
type SubscriptionGroupPayload struct {
	ID          uuid.UUID        `json:"id"`
	Identifier  string           `json:"identifier"`
	Name        string           `json:"name"`
	Details     string           `json:"details"`
	ExternalRef string           `json:"externalRef"`
	Extras      map[string]any   `json:"extras"`
	Products    []ProductPayload `json:"products"`
}

func (p *SubscriptionGroupPayload) Validate() error {
	if p.ID == uuid.Nil {
		return newParseError("subscriptionGroup", "id")
	}
	for i := range p.Products {
		if err := p.Products[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ItemGrantPayload is the one-time entitlement shape.
type ItemGrantPayload struct {
	ID         uuid.UUID      `json:"id"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
	CustomerID uuid.UUID      `json:"customerId"`
	ProductID  uuid.UUID      `json:"productId"`
	Quantity   int            `json:"quantity"`
	Product    ProductPayload `json:"product"`
}

// SubscriptionGrantPayload is the subscription entitlement shape.
type SubscriptionGrantPayload struct {
	ID         uuid.UUID `json:"id"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	CustomerID uuid.UUID `json:"customerId"`
	ProductID  uuid.UUID `json:"productId"`

	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	Platform  string    `json:"platform"`

	AutoRenewEnabled   bool       `json:"autoRenewEnabled"`
	IsInGracePeriod    bool       `json:"isInGracePeriod"`
	IsInBillingIssue   bool       `json:"isInBillingIssue"`
	HasPauseScheduled  bool       `json:"hasPauseScheduled"`
	IsPaused           bool       `json:"isPaused"`
	ResumeDate         *time.Time `json:"resumeDate"`
	IsExpiredOrRevoked bool       `json:"isExpiredOrRevoked"`

	LastPriceMillis    int64  `json:"lastPriceMillis"`
	RegularPriceMillis int64  `json:"regularPriceMillis"`
	RenewPriceMillis   int64  `json:"renewPriceMillis"`
	CurrencyCode       string `json:"currencyCode"`

	OfferExpiryDate     *time.Time `json:"offerExpiryDate"`
	OfferRemainingCycle int        `json:"offerRemainingCycle"`

	// LastPlatformTxOriginalID links the grant to the platform ledger
	// record that produced it; empty for grants from other platforms.
	LastPlatformTxOriginalID string `json:"lastPlatformTxOriginalId"`

	Product           ProductPayload  `json:"product"`
	ProductOffer      *OfferPayload   `json:"productOffer"`
	RenewProduct      *ProductPayload `json:"renewProduct"`
	RenewProductOffer *OfferPayload   `json:"renewProductOffer"`
}

// EntitlementPayload is one customer grant. Exactly one of Item and
// Subscription is set, matching Type.
type EntitlementPayload struct {
	Type         string                    `json:"type"`
	Item         *ItemGrantPayload         `json:"item"`
	Subscription *SubscriptionGrantPayload `json:"subscription"`
}

func (p *EntitlementPayload) Validate() error {
	switch p.Type {
	case "one_time":
		if p.Item == nil {
			return newParseError("entitlement", "item")
		}
		return p.Item.Product.Validate()
	case "subscription":
		if p.Subscription == nil {
			return newParseError("entitlement", "subscription")
		}
		return p.Subscription.Product.Validate()
	default:
		return newParseError("entitlement", "type")
	}
}

// OfferSignaturePayload is the server-issued promotional offer proof.
type OfferSignaturePayload struct {
	KeyID     string    `json:"keyId"`
	Nonce     uuid.UUID `json:"nonce"`
	Timestamp int64     `json:"timestamp"`
	Signature []byte    `json:"signature"`
}

func (p *OfferSignaturePayload) Validate() error {
	if p.KeyID == "" {
		return newParseError("offerSignature", "keyId")
	}
	if len(p.Signature) == 0 {
		return newParseError("offerSignature", "signature")
	}
	return nil
}

// WebhookStatusPayload is the polled webhook processing state.
type WebhookStatusPayload struct {
	Status string        `json:"status"`
	Event  *EventPayload `json:"event"`
}

// EventPayload is the backend event resolved by a processed webhook.
type EventPayload struct {
	ID        uuid.UUID      `json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	Type      string         `json:"type"`
	Platform  string         `json:"platform"`
	Sandbox   bool           `json:"isSandbox"`
	Extras    map[string]any `json:"extras"`
}

// TransferStatusPayload is the polled transfer-ownership state.
type TransferStatusPayload struct {
	Status string `json:"status"`
}

// forwardingPayload is the forwarding-flag lookup response.
type forwardingPayload struct {
	IsForwardingEnabled bool `json:"isForwardingEnabled"`
}

// offerCodePayload is the offer-code redemption response.
type offerCodePayload struct {
	RedeemURL string `json:"redeemUrl"`
}

// transferRequestPayload is the transfer-ownership submission response.
type transferRequestPayload struct {
	ID string `json:"id"`
}
