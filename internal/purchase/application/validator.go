// Package application implements the purchase-side use cases: the
// eligibility validator that turns a purchase request into an
// executable plan, and the waiters that poll the backend until it has
// reconciled a purchase or transfer.
package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/storeflow/internal/backend"
	catalogapp "github.com/felixgeelhaar/storeflow/internal/catalog/application"
	catalog "github.com/felixgeelhaar/storeflow/internal/catalog/domain"
	customerdomain "github.com/felixgeelhaar/storeflow/internal/customer/domain"
	entdomain "github.com/felixgeelhaar/storeflow/internal/entitlement/domain"
	"github.com/felixgeelhaar/storeflow/internal/ledger"
	"github.com/felixgeelhaar/storeflow/internal/purchase/domain"
)

// OfferAPI is the backend surface used to resolve promotional offers.
type OfferAPI interface {
	SignOffer(ctx context.Context, customerID, offerID uuid.UUID) (*backend.OfferSignaturePayload, error)
	RequestOfferCode(ctx context.Context, customerID, offerID uuid.UUID) (string, error)
}

// EntitlementReader is the synced entitlement state the validator
// consults. Reads are expected to follow a forced sync, so the cache
// and ledger snapshot are fresh.
type EntitlementReader interface {
	Entitlement(ctx context.Context, productID uuid.UUID) (*entdomain.Entitlement, error)
	EntitlementForGroup(ctx context.Context, groupID uuid.UUID) (*entdomain.Entitlement, error)
	StoreRecordForSKU(sku string) *ledger.Record
	StoreRecordForGroup(platformGroupID string) *ledger.Record
}

// Plan is an executable purchase decision. Either Params drives the
// platform purchase flow, or RedeemURL routes the user through an
// offer-code redemption sheet.
type Plan struct {
	Entry  ledger.CatalogEntry
	Params ledger.PurchaseParams

	RedeemURL string

	// Downgrade marks a plan change the platform applies at the end of
	// the current period; the backend matches it through a deferred
	// webhook scoped to DowngradeProductID.
	Downgrade          bool
	DowngradeProductID uuid.UUID
	DowngradeAfter     *time.Time
}

// Validator decides whether a purchase may proceed and how.
type Validator struct {
	offers       OfferAPI
	entitlements EntitlementReader
	registry     *catalogapp.Registry
	store        ledger.Ledger
	logger       *slog.Logger
}

// NewValidator creates a validator.
func NewValidator(offers OfferAPI, entitlements EntitlementReader, registry *catalogapp.Registry, store ledger.Ledger, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		offers:       offers,
		entitlements: entitlements,
		registry:     registry,
		store:        store,
		logger:       logger,
	}
}

// Plan validates a purchase attempt and produces the plan to execute.
// Callers hold the purchase slot and have force-synced entitlements.
func (v *Validator) Plan(ctx context.Context, customer customerdomain.Customer, product catalog.Product, opts domain.Options) (*Plan, error) {
	if !product.Purchasable() {
		return nil, ledger.ErrProductUnavailable
	}
	entry, ok := v.registry.Entry(product.SKU)
	if !ok {
		return nil, ledger.ErrProductUnavailable
	}

	plan := &Plan{
		Entry: entry,
		Params: ledger.PurchaseParams{
			AccountToken: customer.ID,
			Quantity:     opts.Quantity,
		},
	}

	if opts.Offer != nil {
		if err := v.resolveOffer(ctx, customer, entry, opts.Offer, plan); err != nil {
			return nil, err
		}
	}

	switch product.Type {
	case catalog.ProductTypeOneTime:
		if err := v.checkOneTime(ctx, product); err != nil {
			return nil, err
		}
	case catalog.ProductTypeSubscription:
		if err := v.checkSubscription(ctx, product, plan); err != nil {
			return nil, err
		}
	}

	return plan, nil
}

func (v *Validator) checkOneTime(ctx context.Context, product catalog.Product) error {
	consumable := product.OneTime != nil && product.OneTime.Consumable
	if consumable {
		return nil
	}

	entitlement, err := v.entitlements.Entitlement(ctx, product.ID)
	switch {
	case err == nil && entitlement.Item != nil:
		return domain.ErrAlreadyPurchased
	case err != nil && !errors.Is(err, entdomain.ErrEntitlementNotFound):
		return err
	}

	// The store account owns the SKU but this customer has no grant
	// for it: it is mapped to someone else.
	if record := v.entitlements.StoreRecordForSKU(product.SKU); record != nil {
		return domain.ErrStoreAccountAlreadyHasPurchase
	}
	return nil
}

func (v *Validator) checkSubscription(ctx context.Context, product catalog.Product, plan *Plan) error {
	current, err := v.entitlements.EntitlementForGroup(ctx, product.Subscription.GroupID)
	if errors.Is(err, entdomain.ErrEntitlementNotFound) {
		// No grant in the group: an unexpired ledger record there means
		// the store account's subscription is mapped to someone else.
		if record := v.entitlements.StoreRecordForGroup(product.Subscription.PlatformGroupID); record != nil && !recordExpired(record) {
			return domain.ErrStoreAccountAlreadyHasPurchase
		}
		return nil
	}
	if err != nil {
		return err
	}
	if current.Subscription == nil {
		return nil
	}

	if !current.Subscription.ManagedByThisStoreAccount {
		return domain.ErrNotManagedByThisStoreAccount
	}
	if renew := current.RenewTargetProduct(); renew.ID == product.ID {
		if current.Product.ID == product.ID {
			return domain.ErrAlreadyPurchased
		}
		return domain.ErrRenewAlreadyOnThisPlan
	}

	if product.ID != current.Product.ID && current.Product.Subscription != nil &&
		product.Subscription.GroupLevel >= current.Product.Subscription.GroupLevel {
		after := current.Subscription.EndAt
		plan.Downgrade = true
		plan.DowngradeProductID = product.ID
		plan.DowngradeAfter = &after
	}
	return nil
}

// resolveOffer attaches the offer to the plan. Free trials ride the
// storefront's introductory offer. Promotional offers need a backend
// signature, which the platform only honors for accounts with
// subscription history; accounts without history go through an
// offer-code redeem URL instead.
func (v *Validator) resolveOffer(ctx context.Context, customer customerdomain.Customer, entry ledger.CatalogEntry, offer *catalog.SubscriptionOffer, plan *Plan) error {
	if offer.IsFreeTrial() {
		if entry.IntroductoryOffer == nil {
			return ledger.ErrProductUnavailable
		}
		// The storefront applies the introductory offer on its own for
		// eligible accounts.
		return nil
	}

	if entry.FindPromotionalOffer(offer.PlatformOfferID) == nil {
		return ledger.ErrProductUnavailable
	}

	history, err := v.store.HasSubscriptionHistory(ctx)
	if err != nil {
		return err
	}
	if !history {
		redeemURL, err := v.offers.RequestOfferCode(ctx, customer.ID, offer.ID)
		if err != nil {
			return err
		}
		plan.RedeemURL = redeemURL
		return nil
	}

	signature, err := v.offers.SignOffer(ctx, customer.ID, offer.ID)
	if err != nil {
		return err
	}
	plan.Params.OfferID = offer.PlatformOfferID
	plan.Params.OfferSignature = &ledger.OfferSignature{
		KeyID:     signature.KeyID,
		Nonce:     signature.Nonce,
		Timestamp: signature.Timestamp,
		Signature: signature.Signature,
	}
	return nil
}

func recordExpired(record *ledger.Record) bool {
	return record.ExpiresAt != nil && record.ExpiresAt.Before(time.Now())
}
