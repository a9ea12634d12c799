package application_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/storeflow/internal/backend"
	catalogapp "github.com/felixgeelhaar/storeflow/internal/catalog/application"
	customerdomain "github.com/felixgeelhaar/storeflow/internal/customer/domain"
	"github.com/felixgeelhaar/storeflow/internal/entitlement/application"
	"github.com/felixgeelhaar/storeflow/internal/entitlement/domain"
	"github.com/felixgeelhaar/storeflow/internal/ledger"
	"github.com/felixgeelhaar/storeflow/internal/ledger/ledgertest"
)

type fakeSyncAPI struct {
	mu       sync.Mutex
	fetches  int
	payloads []backend.EntitlementPayload
	external []backend.EntitlementPayload
	err      error
	delay    time.Duration

	forwarding    bool
	forwardingErr error
}

func (f *fakeSyncAPI) GetCustomerEntitlements(ctx context.Context, _ uuid.UUID) ([]backend.EntitlementPayload, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	return append([]backend.EntitlementPayload(nil), f.payloads...), nil
}

func (f *fakeSyncAPI) GetCustomerExternalEntitlements(context.Context, uuid.UUID) ([]backend.EntitlementPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.EntitlementPayload(nil), f.external...), nil
}

func (f *fakeSyncAPI) IsForwardingEnabled(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forwarding, f.forwardingErr
}

func (f *fakeSyncAPI) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

type memorySnapshots struct {
	mu   sync.Mutex
	data map[uuid.UUID][]backend.EntitlementPayload
}

func newMemorySnapshots() *memorySnapshots {
	return &memorySnapshots{data: make(map[uuid.UUID][]backend.EntitlementPayload)}
}

func (m *memorySnapshots) Save(_ context.Context, id uuid.UUID, payloads []backend.EntitlementPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[id] = append([]backend.EntitlementPayload(nil), payloads...)
	return nil
}

func (m *memorySnapshots) Load(_ context.Context, id uuid.UUID) ([]backend.EntitlementPayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]backend.EntitlementPayload(nil), m.data[id]...), nil
}

func (m *memorySnapshots) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, id)
	return nil
}

var (
	testCustomerID = uuid.MustParse("7e6fc985-0e3f-4b6e-9c1a-3a0d522d2a3b")
	testProductID  = uuid.MustParse("1f0b355e-11c8-4bff-b2ac-8e9f6e6e84f2")
	testGroupID    = uuid.MustParse("9b8ad0f5-6f3a-4c15-9db8-7f26cab4a9d0")
)

func testCustomer() customerdomain.Customer {
	return customerdomain.Customer{ID: testCustomerID, ExternalRef: "user-1"}
}

func subscriptionPayload(originalTx string) backend.EntitlementPayload {
	now := time.Now().UTC()
	return backend.EntitlementPayload{
		Type: "subscription",
		Subscription: &backend.SubscriptionGrantPayload{
			ID:                       uuid.New(),
			CustomerID:               testCustomerID,
			ProductID:                testProductID,
			StartDate:                now.Add(-time.Hour),
			EndDate:                  now.Add(24 * time.Hour),
			Platform:                 "ios",
			AutoRenewEnabled:         true,
			LastPlatformTxOriginalID: originalTx,
			Product: backend.ProductPayload{
				ID:         testProductID,
				Identifier: "premium_monthly",
				SKU:        "app.premium.monthly",
				Type:       "subscription",
				Subscription: &backend.SubscriptionProductPayload{
					PeriodCount:     1,
					PeriodUnit:      "month",
					GroupID:         testGroupID,
					GroupLevel:      1,
					PlatformGroupID: "group.premium",
				},
			},
		},
	}
}

func newTestSyncer(api application.SyncAPI, store ledger.Ledger) *application.Syncer {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	registry := catalogapp.NewRegistry(store)
	return application.NewSyncer(api, store, registry, logger)
}

func TestSyncer_EnsureSyncRequiresLogin(t *testing.T) {
	syncer := newTestSyncer(&fakeSyncAPI{}, ledgertest.NewFake())

	err := syncer.EnsureSync(context.Background(), false)
	require.ErrorIs(t, err, customerdomain.ErrNoCustomerLogged)
}

func TestSyncer_ConcurrentCallersCoalesce(t *testing.T) {
	api := &fakeSyncAPI{delay: 50 * time.Millisecond}
	syncer := newTestSyncer(api, ledgertest.NewFake())

	ctx := context.Background()
	require.NoError(t, syncer.Login(ctx, testCustomer(), nil, false))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, syncer.EnsureSync(ctx, false))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, api.fetchCount())
}

func TestSyncer_TTLGatesRefetch(t *testing.T) {
	api := &fakeSyncAPI{}
	now := time.Now()
	syncer := newTestSyncer(api, ledgertest.NewFake()).WithClock(func() time.Time { return now })

	ctx := context.Background()
	require.NoError(t, syncer.Login(ctx, testCustomer(), nil, false))
	require.NoError(t, syncer.EnsureSync(ctx, false))
	require.Equal(t, 1, api.fetchCount())

	now = now.Add(30 * time.Minute)
	require.NoError(t, syncer.EnsureSync(ctx, false))
	assert.Equal(t, 1, api.fetchCount())

	now = now.Add(31 * time.Minute)
	require.NoError(t, syncer.EnsureSync(ctx, false))
	assert.Equal(t, 2, api.fetchCount())
}

func TestSyncer_ForceBypassesTTL(t *testing.T) {
	api := &fakeSyncAPI{}
	syncer := newTestSyncer(api, ledgertest.NewFake())

	ctx := context.Background()
	require.NoError(t, syncer.Login(ctx, testCustomer(), nil, false))
	require.NoError(t, syncer.EnsureSync(ctx, false))
	require.NoError(t, syncer.EnsureSync(ctx, true))

	assert.Equal(t, 2, api.fetchCount())
}

func TestSyncer_LoginInstallsInitialEntitlements(t *testing.T) {
	api := &fakeSyncAPI{}
	syncer := newTestSyncer(api, ledgertest.NewFake())

	ctx := context.Background()
	initial := []backend.EntitlementPayload{subscriptionPayload("")}
	require.NoError(t, syncer.Login(ctx, testCustomer(), initial, false))

	entitlement, err := syncer.Entitlement(ctx, testProductID)
	require.NoError(t, err)
	assert.Equal(t, domain.EntitlementSubscription, entitlement.Type)
	assert.True(t, entitlement.Subscription.AutoRenew)

	// Initial data starts the sync clock; no fetch happened.
	assert.Equal(t, 0, api.fetchCount())
}

func TestSyncer_LedgerOverridesAutoRenew(t *testing.T) {
	store := ledgertest.NewFake()
	autoRenew := false
	store.AddPurchase(ledger.Record{
		TransactionID: 42,
		OriginalID:    42,
		SKU:           "app.premium.monthly",
		PurchasedAt:   time.Now(),
		AutoRenew:     &autoRenew,
	})

	syncer := newTestSyncer(&fakeSyncAPI{}, store)

	ctx := context.Background()
	initial := []backend.EntitlementPayload{subscriptionPayload("42")}
	require.NoError(t, syncer.Login(ctx, testCustomer(), initial, false))

	entitlement, err := syncer.Entitlement(ctx, testProductID)
	require.NoError(t, err)
	require.NotNil(t, entitlement.Subscription)
	assert.True(t, entitlement.Subscription.ManagedByThisStoreAccount)
	assert.False(t, entitlement.Subscription.AutoRenew)
	assert.Equal(t, uint64(42), entitlement.Subscription.LastPlatformTxOriginalID)
}

func TestSyncer_EntitlementForGroup(t *testing.T) {
	api := &fakeSyncAPI{}
	syncer := newTestSyncer(api, ledgertest.NewFake())

	ctx := context.Background()
	initial := []backend.EntitlementPayload{subscriptionPayload("")}
	require.NoError(t, syncer.Login(ctx, testCustomer(), initial, false))

	entitlement, err := syncer.EntitlementForGroup(ctx, testGroupID)
	require.NoError(t, err)
	assert.Equal(t, testProductID, entitlement.Product.ID)

	_, err = syncer.EntitlementForGroup(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrEntitlementNotFound)
}

func TestSyncer_LogoutClearsSession(t *testing.T) {
	api := &fakeSyncAPI{}
	snapshots := newMemorySnapshots()
	syncer := newTestSyncer(api, ledgertest.NewFake()).WithSnapshotStore(snapshots)

	ctx := context.Background()
	initial := []backend.EntitlementPayload{subscriptionPayload("")}
	require.NoError(t, syncer.Login(ctx, testCustomer(), initial, false))
	_, err := syncer.Customer()
	require.NoError(t, err)

	syncer.Logout(ctx)

	_, err = syncer.Customer()
	assert.ErrorIs(t, err, customerdomain.ErrNoCustomerLogged)
	_, err = syncer.Entitlement(ctx, testProductID)
	assert.ErrorIs(t, err, customerdomain.ErrNoCustomerLogged)

	stored, err := snapshots.Load(ctx, testCustomerID)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestSyncer_SnapshotServesReadsWhenBackendDown(t *testing.T) {
	snapshots := newMemorySnapshots()
	require.NoError(t, snapshots.Save(context.Background(), testCustomerID, []backend.EntitlementPayload{subscriptionPayload("")}))

	api := &fakeSyncAPI{err: errors.New("backend unreachable")}
	syncer := newTestSyncer(api, ledgertest.NewFake()).WithSnapshotStore(snapshots)

	ctx := context.Background()
	require.NoError(t, syncer.Login(ctx, testCustomer(), nil, false))

	entitlement, err := syncer.Entitlement(ctx, testProductID)
	require.NoError(t, err)
	assert.Equal(t, testProductID, entitlement.Product.ID)
	assert.GreaterOrEqual(t, api.fetchCount(), 1)
}

func TestSyncer_ForwardingFlagRefreshedOnSync(t *testing.T) {
	api := &fakeSyncAPI{forwarding: true}
	syncer := newTestSyncer(api, ledgertest.NewFake())

	ctx := context.Background()
	require.NoError(t, syncer.Login(ctx, testCustomer(), nil, false))
	assert.False(t, syncer.Forwarded())

	require.NoError(t, syncer.EnsureSync(ctx, false))
	assert.True(t, syncer.Forwarded())
}

func TestSyncer_ExternalEntitlementsIncluded(t *testing.T) {
	api := &fakeSyncAPI{external: []backend.EntitlementPayload{subscriptionPayload("")}}
	syncer := newTestSyncer(api, ledgertest.NewFake())

	ctx := context.Background()
	require.NoError(t, syncer.Login(ctx, testCustomer(), nil, false))

	all, err := syncer.AllEntitlements(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
