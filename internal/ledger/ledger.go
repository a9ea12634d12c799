// Package ledger defines the contract with the platform purchase
// ledger: the operating system store client that owns purchase records,
// catalog pricing and the purchase flow itself. The engine only reads
// records, initiates purchases and acknowledges results; everything
// else belongs to the platform.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrProductUnavailable indicates the platform store cannot sell the
	// requested entry (missing from the storefront or malformed).
	ErrProductUnavailable = errors.New("product unavailable in platform store")

	// ErrNetworkUnavailable indicates the platform store could not reach
	// its own backend.
	ErrNetworkUnavailable = errors.New("platform store network unavailable")

	// ErrStoreUnavailable indicates the platform store client itself
	// failed.
	ErrStoreUnavailable = errors.New("platform store unavailable")

	// ErrUnverifiedRecord indicates the platform returned a purchase
	// whose signature could not be verified.
	ErrUnverifiedRecord = errors.New("purchase record failed verification")
)

// Record is one entry of the platform purchase ledger.
type Record struct {
	// TransactionID identifies this purchase or renewal.
	TransactionID uint64

	// OriginalID groups the renewals of one subscription; equal to
	// TransactionID for the first purchase.
	OriginalID uint64

	// SKU is the platform product identifier.
	SKU string

	// SubscriptionGroup is the platform subscription group, empty for
	// one-time products.
	SubscriptionGroup string

	PurchasedAt time.Time
	ExpiresAt   *time.Time
	Quantity    int

	// SignedPayload is the opaque platform-signed representation used
	// for backend mapping and ownership transfer.
	SignedPayload string

	// AutoRenew reports the store-side auto-renew preference when the
	// platform exposes it for this record.
	AutoRenew *bool

	Sandbox bool
}

// Offer is a store-side subscription offer attached to a catalog entry.
type Offer struct {
	ID             string
	PriceMillis    int64
	CurrencyCode   string
	PriceFormatted string
	PeriodCount    int
	PeriodUnit     string
	CycleCount     int
}

// CatalogEntry is the platform storefront's view of one product.
type CatalogEntry struct {
	SKU            string
	PriceMillis    int64
	CurrencyCode   string
	PriceFormatted string

	// SubscriptionGroup is set for auto-renewable subscriptions;
	// one-time entries leave it empty.
	SubscriptionGroup string

	IntroductoryOffer *Offer
	PromotionalOffers []Offer
}

// FindPromotionalOffer returns the promotional offer with the given id.
func (e *CatalogEntry) FindPromotionalOffer(offerID string) *Offer {
	for i := range e.PromotionalOffers {
		if e.PromotionalOffers[i].ID == offerID {
			return &e.PromotionalOffers[i]
		}
	}
	return nil
}

// IsSubscription reports whether the entry sells an auto-renewable
// subscription.
func (e *CatalogEntry) IsSubscription() bool {
	return e.SubscriptionGroup != ""
}

// OfferSignature is the server-issued proof required to apply a
// promotional offer at purchase time.
type OfferSignature struct {
	KeyID     string
	Nonce     uuid.UUID
	Timestamp int64
	Signature []byte
}

// PurchaseParams carries the options handed to the platform purchase
// flow.
type PurchaseParams struct {
	// AccountToken binds the purchase to the backend customer.
	AccountToken uuid.UUID

	Quantity int

	// OfferID and OfferSignature apply a signed promotional offer.
	OfferID        string
	OfferSignature *OfferSignature
}

// PurchaseState classifies the outcome of an initiated purchase.
type PurchaseState int

const (
	// PurchaseCompleted means the platform produced a verified record.
	PurchaseCompleted PurchaseState = iota
	// PurchasePending means the platform deferred the purchase, e.g.
	// pending parental approval.
	PurchasePending
	// PurchaseUserCanceled means the user dismissed the purchase flow.
	PurchaseUserCanceled
)

// PurchaseResult is the terminal outcome of Initiate.
type PurchaseResult struct {
	State  PurchaseState
	Record *Record // set when State == PurchaseCompleted
}

// Ledger is the narrow surface the engine consumes from the platform
// store client. Enumerations are asynchronous because the platform may
// fetch signed proofs on demand.
type Ledger interface {
	// CurrentPurchases returns the records the store account currently
	// owns: unexpired subscriptions and non-consumed one-time purchases.
	CurrentPurchases(ctx context.Context) ([]Record, error)

	// Updates returns a live feed of new or changed records for the
	// lifetime of ctx. The channel closes when ctx ends.
	Updates(ctx context.Context) (<-chan Record, error)

	// Entries resolves storefront catalog entries for the given SKUs.
	// Unknown SKUs are omitted from the result.
	Entries(ctx context.Context, skus []string) (map[string]CatalogEntry, error)

	// Initiate starts the platform purchase flow for the entry.
	Initiate(ctx context.Context, entry CatalogEntry, params PurchaseParams) (*PurchaseResult, error)

	// Finalize acknowledges a record. Acknowledgement is irreversible.
	Finalize(ctx context.Context, transactionID uint64) error

	// IsFinalized reports whether the record was already acknowledged.
	IsFinalized(ctx context.Context, transactionID uint64) (bool, error)

	// SignForTransfer produces transfer-ownership signatures for the
	// given records.
	SignForTransfer(ctx context.Context, records []Record) ([]string, error)

	// HasSubscriptionHistory reports whether the store account ever held
	// an auto-renewable subscription; gates promotional-offer signing.
	HasSubscriptionHistory(ctx context.Context) (bool, error)
}
