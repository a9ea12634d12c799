package application_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/storeflow/internal/backend"
	catalogapp "github.com/felixgeelhaar/storeflow/internal/catalog/application"
	catalog "github.com/felixgeelhaar/storeflow/internal/catalog/domain"
	customerdomain "github.com/felixgeelhaar/storeflow/internal/customer/domain"
	entdomain "github.com/felixgeelhaar/storeflow/internal/entitlement/domain"
	"github.com/felixgeelhaar/storeflow/internal/ledger"
	"github.com/felixgeelhaar/storeflow/internal/ledger/ledgertest"
	"github.com/felixgeelhaar/storeflow/internal/purchase/application"
	"github.com/felixgeelhaar/storeflow/internal/purchase/domain"
)

type fakeEntitlements struct {
	byProduct    map[uuid.UUID]*entdomain.Entitlement
	byGroup      map[uuid.UUID]*entdomain.Entitlement
	skuRecords   map[string]*ledger.Record
	groupRecords map[string]*ledger.Record
}

func newFakeEntitlements() *fakeEntitlements {
	return &fakeEntitlements{
		byProduct:    make(map[uuid.UUID]*entdomain.Entitlement),
		byGroup:      make(map[uuid.UUID]*entdomain.Entitlement),
		skuRecords:   make(map[string]*ledger.Record),
		groupRecords: make(map[string]*ledger.Record),
	}
}

func (f *fakeEntitlements) Entitlement(_ context.Context, productID uuid.UUID) (*entdomain.Entitlement, error) {
	if e, ok := f.byProduct[productID]; ok {
		return e, nil
	}
	return nil, entdomain.ErrEntitlementNotFound
}

func (f *fakeEntitlements) EntitlementForGroup(_ context.Context, groupID uuid.UUID) (*entdomain.Entitlement, error) {
	if e, ok := f.byGroup[groupID]; ok {
		return e, nil
	}
	return nil, entdomain.ErrEntitlementNotFound
}

func (f *fakeEntitlements) StoreRecordForSKU(sku string) *ledger.Record {
	return f.skuRecords[sku]
}

func (f *fakeEntitlements) StoreRecordForGroup(groupID string) *ledger.Record {
	return f.groupRecords[groupID]
}

type fakeOffers struct {
	signed      int
	codes       int
	redeemURL   string
	codeErr     error
	signPayload backend.OfferSignaturePayload
}

func (f *fakeOffers) SignOffer(context.Context, uuid.UUID, uuid.UUID) (*backend.OfferSignaturePayload, error) {
	f.signed++
	payload := f.signPayload
	return &payload, nil
}

func (f *fakeOffers) RequestOfferCode(context.Context, uuid.UUID, uuid.UUID) (string, error) {
	f.codes++
	return f.redeemURL, f.codeErr
}

var (
	buyerID       = uuid.MustParse("e1d0a316-59c5-49f5-b5a5-1c41f9b8a6ef")
	premiumID     = uuid.MustParse("b2dd2e7e-5b54-4d36-8a8a-7a287c8f04c1")
	basicID       = uuid.MustParse("c3e43f8f-6c65-4e47-9b9b-8b398d9f15d2")
	premiumGroup  = uuid.MustParse("d4f5508f-7d76-4f58-acac-9c4a9eaf26e3")
	consumableID  = uuid.MustParse("a0c1e2d3-4b5a-4697-8889-90a1b2c3d4e5")
	signedOfferID = uuid.MustParse("f6a7b8c9-0d1e-4f2a-b3c4-d5e6f7a8b9c0")
)

func buyer() customerdomain.Customer {
	return customerdomain.Customer{ID: buyerID, ExternalRef: "buyer-1"}
}

func oneTimeProduct(id uuid.UUID, sku string, consumable bool) catalog.Product {
	return catalog.Product{
		ID:     id,
		SKU:    sku,
		Type:   catalog.ProductTypeOneTime,
		Status: catalog.StatusAvailable,
		OneTime: &catalog.OneTimeProduct{
			Consumable: consumable,
		},
	}
}

func subscriptionProduct(id uuid.UUID, sku string, level int) catalog.Product {
	return catalog.Product{
		ID:     id,
		SKU:    sku,
		Type:   catalog.ProductTypeSubscription,
		Status: catalog.StatusAvailable,
		Subscription: &catalog.SubscriptionProduct{
			PeriodCount:     1,
			PeriodUnit:      catalog.PeriodMonth,
			GroupID:         premiumGroup,
			GroupLevel:      level,
			PlatformGroupID: "group.premium",
		},
	}
}

func subscriptionEntitlement(product catalog.Product, managed bool) *entdomain.Entitlement {
	return &entdomain.Entitlement{
		Type:       entdomain.EntitlementSubscription,
		CustomerID: buyerID,
		Product:    product,
		Subscription: &entdomain.SubscriptionGrant{
			StartAt:                   time.Now().Add(-time.Hour),
			EndAt:                     time.Now().Add(24 * time.Hour),
			AutoRenew:                 true,
			ManagedByThisStoreAccount: managed,
		},
	}
}

func newValidator(t *testing.T, store *ledgertest.Fake, entitlements *fakeEntitlements, offers *fakeOffers, skus ...string) *application.Validator {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	registry := catalogapp.NewRegistry(store)
	require.NoError(t, registry.Register(context.Background(), skus))
	return application.NewValidator(offers, entitlements, registry, store, logger)
}

func TestValidator_UnavailableProduct(t *testing.T) {
	store := ledgertest.NewFake()
	validator := newValidator(t, store, newFakeEntitlements(), &fakeOffers{})

	product := oneTimeProduct(consumableID, "app.coins", true)
	product.Status = catalog.StatusUnavailable

	_, err := validator.Plan(context.Background(), buyer(), product, domain.Options{})
	assert.ErrorIs(t, err, ledger.ErrProductUnavailable)
}

func TestValidator_UnknownStorefrontEntry(t *testing.T) {
	store := ledgertest.NewFake()
	validator := newValidator(t, store, newFakeEntitlements(), &fakeOffers{})

	_, err := validator.Plan(context.Background(), buyer(), oneTimeProduct(consumableID, "app.coins", true), domain.Options{})
	assert.ErrorIs(t, err, ledger.ErrProductUnavailable)
}

func TestValidator_ConsumableAlwaysEligible(t *testing.T) {
	store := ledgertest.NewFake()
	store.SetEntry(ledger.CatalogEntry{SKU: "app.coins", PriceMillis: 990})
	entitlements := newFakeEntitlements()
	entitlements.skuRecords["app.coins"] = &ledger.Record{SKU: "app.coins"}
	validator := newValidator(t, store, entitlements, &fakeOffers{}, "app.coins")

	plan, err := validator.Plan(context.Background(), buyer(), oneTimeProduct(consumableID, "app.coins", true), domain.Options{Quantity: 3})
	require.NoError(t, err)
	assert.Equal(t, buyerID, plan.Params.AccountToken)
	assert.Equal(t, 3, plan.Params.Quantity)
}

func TestValidator_NonConsumableAlreadyOwned(t *testing.T) {
	store := ledgertest.NewFake()
	store.SetEntry(ledger.CatalogEntry{SKU: "app.unlock"})
	product := oneTimeProduct(premiumID, "app.unlock", false)

	entitlements := newFakeEntitlements()
	entitlements.byProduct[premiumID] = &entdomain.Entitlement{
		Type:    entdomain.EntitlementOneTime,
		Product: product,
		Item:    &entdomain.ItemGrant{Quantity: 1},
	}
	validator := newValidator(t, store, entitlements, &fakeOffers{}, "app.unlock")

	_, err := validator.Plan(context.Background(), buyer(), product, domain.Options{})
	assert.ErrorIs(t, err, domain.ErrAlreadyPurchased)
}

func TestValidator_NonConsumableOwnedByOtherCustomer(t *testing.T) {
	store := ledgertest.NewFake()
	store.SetEntry(ledger.CatalogEntry{SKU: "app.unlock"})
	entitlements := newFakeEntitlements()
	entitlements.skuRecords["app.unlock"] = &ledger.Record{SKU: "app.unlock"}
	validator := newValidator(t, store, entitlements, &fakeOffers{}, "app.unlock")

	_, err := validator.Plan(context.Background(), buyer(), oneTimeProduct(premiumID, "app.unlock", false), domain.Options{})
	assert.ErrorIs(t, err, domain.ErrStoreAccountAlreadyHasPurchase)
}

func TestValidator_SubscriptionSamePlan(t *testing.T) {
	store := ledgertest.NewFake()
	store.SetEntry(ledger.CatalogEntry{SKU: "app.premium.monthly", SubscriptionGroup: "group.premium"})
	product := subscriptionProduct(premiumID, "app.premium.monthly", 1)

	entitlements := newFakeEntitlements()
	entitlements.byGroup[premiumGroup] = subscriptionEntitlement(product, true)
	validator := newValidator(t, store, entitlements, &fakeOffers{}, "app.premium.monthly")

	_, err := validator.Plan(context.Background(), buyer(), product, domain.Options{})
	assert.ErrorIs(t, err, domain.ErrAlreadyPurchased)
}

func TestValidator_SubscriptionScheduledMove(t *testing.T) {
	store := ledgertest.NewFake()
	store.SetEntry(ledger.CatalogEntry{SKU: "app.basic.monthly", SubscriptionGroup: "group.premium"})
	requested := subscriptionProduct(basicID, "app.basic.monthly", 2)
	current := subscriptionEntitlement(subscriptionProduct(premiumID, "app.premium.monthly", 1), true)
	current.Subscription.RenewProduct = &requested

	entitlements := newFakeEntitlements()
	entitlements.byGroup[premiumGroup] = current
	validator := newValidator(t, store, entitlements, &fakeOffers{}, "app.basic.monthly")

	_, err := validator.Plan(context.Background(), buyer(), requested, domain.Options{})
	assert.ErrorIs(t, err, domain.ErrRenewAlreadyOnThisPlan)
}

func TestValidator_SubscriptionOtherStoreAccount(t *testing.T) {
	store := ledgertest.NewFake()
	store.SetEntry(ledger.CatalogEntry{SKU: "app.basic.monthly", SubscriptionGroup: "group.premium"})
	requested := subscriptionProduct(basicID, "app.basic.monthly", 2)

	entitlements := newFakeEntitlements()
	entitlements.byGroup[premiumGroup] = subscriptionEntitlement(subscriptionProduct(premiumID, "app.premium.monthly", 1), false)
	validator := newValidator(t, store, entitlements, &fakeOffers{}, "app.basic.monthly")

	_, err := validator.Plan(context.Background(), buyer(), requested, domain.Options{})
	assert.ErrorIs(t, err, domain.ErrNotManagedByThisStoreAccount)
}

func TestValidator_OtherStoreAccountWinsOverRenewTarget(t *testing.T) {
	store := ledgertest.NewFake()
	store.SetEntry(ledger.CatalogEntry{SKU: "app.premium.monthly", SubscriptionGroup: "group.premium"})
	requested := subscriptionProduct(premiumID, "app.premium.monthly", 1)

	// The group entitlement already renews onto the requested plan, but
	// it belongs to a different store identity. That ownership problem
	// is the one the caller must be told about.
	entitlements := newFakeEntitlements()
	entitlements.byGroup[premiumGroup] = subscriptionEntitlement(requested, false)
	validator := newValidator(t, store, entitlements, &fakeOffers{}, "app.premium.monthly")

	_, err := validator.Plan(context.Background(), buyer(), requested, domain.Options{})
	assert.ErrorIs(t, err, domain.ErrNotManagedByThisStoreAccount)
	assert.NotErrorIs(t, err, domain.ErrAlreadyPurchased)
}

func TestValidator_DowngradeDeferred(t *testing.T) {
	store := ledgertest.NewFake()
	store.SetEntry(ledger.CatalogEntry{SKU: "app.basic.monthly", SubscriptionGroup: "group.premium"})
	requested := subscriptionProduct(basicID, "app.basic.monthly", 2)
	current := subscriptionEntitlement(subscriptionProduct(premiumID, "app.premium.monthly", 1), true)

	entitlements := newFakeEntitlements()
	entitlements.byGroup[premiumGroup] = current
	validator := newValidator(t, store, entitlements, &fakeOffers{}, "app.basic.monthly")

	plan, err := validator.Plan(context.Background(), buyer(), requested, domain.Options{})
	require.NoError(t, err)
	assert.True(t, plan.Downgrade)
	assert.Equal(t, basicID, plan.DowngradeProductID)
	require.NotNil(t, plan.DowngradeAfter)
	assert.Equal(t, current.Subscription.EndAt, *plan.DowngradeAfter)
}

func TestValidator_UpgradeIsImmediate(t *testing.T) {
	store := ledgertest.NewFake()
	store.SetEntry(ledger.CatalogEntry{SKU: "app.premium.monthly", SubscriptionGroup: "group.premium"})
	requested := subscriptionProduct(premiumID, "app.premium.monthly", 1)

	entitlements := newFakeEntitlements()
	entitlements.byGroup[premiumGroup] = subscriptionEntitlement(subscriptionProduct(basicID, "app.basic.monthly", 2), true)
	validator := newValidator(t, store, entitlements, &fakeOffers{}, "app.premium.monthly")

	plan, err := validator.Plan(context.Background(), buyer(), requested, domain.Options{})
	require.NoError(t, err)
	assert.False(t, plan.Downgrade)
}

func TestValidator_GroupRecordWithoutEntitlement(t *testing.T) {
	store := ledgertest.NewFake()
	store.SetEntry(ledger.CatalogEntry{SKU: "app.premium.monthly", SubscriptionGroup: "group.premium"})
	requested := subscriptionProduct(premiumID, "app.premium.monthly", 1)

	expires := time.Now().Add(time.Hour)
	entitlements := newFakeEntitlements()
	entitlements.groupRecords["group.premium"] = &ledger.Record{SKU: "app.premium.monthly", ExpiresAt: &expires}
	validator := newValidator(t, store, entitlements, &fakeOffers{}, "app.premium.monthly")

	_, err := validator.Plan(context.Background(), buyer(), requested, domain.Options{})
	assert.ErrorIs(t, err, domain.ErrStoreAccountAlreadyHasPurchase)
}

func TestValidator_PromotionalOfferSigned(t *testing.T) {
	store := ledgertest.NewFake()
	store.History = true
	store.SetEntry(ledger.CatalogEntry{
		SKU:               "app.premium.monthly",
		SubscriptionGroup: "group.premium",
		PromotionalOffers: []ledger.Offer{{ID: "promo.50off"}},
	})
	offers := &fakeOffers{signPayload: backend.OfferSignaturePayload{
		KeyID:     "key-1",
		Nonce:     uuid.New(),
		Timestamp: time.Now().UnixMilli(),
		Signature: []byte("sig"),
	}}
	validator := newValidator(t, store, newFakeEntitlements(), offers, "app.premium.monthly")

	offer := &catalog.SubscriptionOffer{ID: signedOfferID, Type: catalog.OfferTypePromotional, PlatformOfferID: "promo.50off"}
	plan, err := validator.Plan(context.Background(), buyer(), subscriptionProduct(premiumID, "app.premium.monthly", 1), domain.Options{Offer: offer})
	require.NoError(t, err)

	assert.Equal(t, 1, offers.signed)
	assert.Equal(t, "promo.50off", plan.Params.OfferID)
	require.NotNil(t, plan.Params.OfferSignature)
	assert.Equal(t, "key-1", plan.Params.OfferSignature.KeyID)
	assert.Empty(t, plan.RedeemURL)
}

func TestValidator_PromotionalOfferWithoutHistoryRedeems(t *testing.T) {
	store := ledgertest.NewFake()
	store.SetEntry(ledger.CatalogEntry{
		SKU:               "app.premium.monthly",
		SubscriptionGroup: "group.premium",
		PromotionalOffers: []ledger.Offer{{ID: "promo.50off"}},
	})
	offers := &fakeOffers{redeemURL: "https://store.example/redeem/abc"}
	validator := newValidator(t, store, newFakeEntitlements(), offers, "app.premium.monthly")

	offer := &catalog.SubscriptionOffer{ID: signedOfferID, Type: catalog.OfferTypePromotional, PlatformOfferID: "promo.50off"}
	plan, err := validator.Plan(context.Background(), buyer(), subscriptionProduct(premiumID, "app.premium.monthly", 1), domain.Options{Offer: offer})
	require.NoError(t, err)

	assert.Equal(t, 1, offers.codes)
	assert.Equal(t, "https://store.example/redeem/abc", plan.RedeemURL)
	assert.Zero(t, offers.signed)
}

func TestValidator_OfferCodeFailureAbortsPurchase(t *testing.T) {
	store := ledgertest.NewFake()
	store.SetEntry(ledger.CatalogEntry{
		SKU:               "app.premium.monthly",
		SubscriptionGroup: "group.premium",
		PromotionalOffers: []ledger.Offer{{ID: "promo.50off"}},
	})
	offers := &fakeOffers{codeErr: errors.New("offer code service down")}
	validator := newValidator(t, store, newFakeEntitlements(), offers, "app.premium.monthly")

	// Without an offer code the purchase would run at the regular
	// price; the error surfaces instead.
	offer := &catalog.SubscriptionOffer{ID: signedOfferID, Type: catalog.OfferTypePromotional, PlatformOfferID: "promo.50off"}
	_, err := validator.Plan(context.Background(), buyer(), subscriptionProduct(premiumID, "app.premium.monthly", 1), domain.Options{Offer: offer})
	assert.ErrorIs(t, err, offers.codeErr)
}

func TestValidator_FreeTrialNeedsIntroOffer(t *testing.T) {
	store := ledgertest.NewFake()
	store.SetEntry(ledger.CatalogEntry{SKU: "app.premium.monthly", SubscriptionGroup: "group.premium"})
	validator := newValidator(t, store, newFakeEntitlements(), &fakeOffers{}, "app.premium.monthly")

	offer := &catalog.SubscriptionOffer{Type: catalog.OfferTypeFreeTrial}
	_, err := validator.Plan(context.Background(), buyer(), subscriptionProduct(premiumID, "app.premium.monthly", 1), domain.Options{Offer: offer})
	assert.ErrorIs(t, err, ledger.ErrProductUnavailable)
}
