// Package application keeps the logged-in customer's entitlements in
// sync with the backend: a TTL-gated fetch serialized on an execution
// queue, reconciled against the platform ledger, and exposed through
// read accessors that sync implicitly.
package application

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"

	"github.com/felixgeelhaar/storeflow/internal/backend"
	catalogapp "github.com/felixgeelhaar/storeflow/internal/catalog/application"
	customerdomain "github.com/felixgeelhaar/storeflow/internal/customer/domain"
	"github.com/felixgeelhaar/storeflow/internal/entitlement/domain"
	"github.com/felixgeelhaar/storeflow/internal/ledger"
	"github.com/felixgeelhaar/storeflow/internal/shared/execqueue"
	"github.com/felixgeelhaar/storeflow/internal/shared/infrastructure/eventbus"
)

// DefaultSyncTTL is how long a successful sync stays fresh.
const DefaultSyncTTL = time.Hour

// SyncAPI is the backend surface the syncer needs.
type SyncAPI interface {
	GetCustomerEntitlements(ctx context.Context, customerID uuid.UUID) ([]backend.EntitlementPayload, error)
	GetCustomerExternalEntitlements(ctx context.Context, customerID uuid.UUID) ([]backend.EntitlementPayload, error)
	IsForwardingEnabled(ctx context.Context, externalRef string) (bool, error)
}

// SnapshotStore persists the last fetched entitlement payloads per
// customer so a fresh session can serve reads before its first sync.
type SnapshotStore interface {
	Save(ctx context.Context, customerID uuid.UUID, payloads []backend.EntitlementPayload) error
	Load(ctx context.Context, customerID uuid.UUID) ([]backend.EntitlementPayload, error)
	Delete(ctx context.Context, customerID uuid.UUID) error
}

// Syncer owns the entitlement cache for the logged-in customer. All
// mutations run serialized on an execution queue; concurrent EnsureSync
// callers coalesce into at most one backend fetch per TTL window.
type Syncer struct {
	api       SyncAPI
	store     ledger.Ledger
	registry  *catalogapp.Registry
	snapshots SnapshotStore
	events    eventbus.Publisher
	logger    *slog.Logger
	lang      language.Tag
	ttl       time.Duration
	now       func() time.Time

	queue *execqueue.Queue

	mu           sync.Mutex
	customer     *customerdomain.Customer
	forwarded    bool
	entitlements []domain.Entitlement
	storeRecords map[uint64]ledger.Record
	lastSync     time.Time
}

// NewSyncer creates a syncer with the default TTL.
func NewSyncer(api SyncAPI, store ledger.Ledger, registry *catalogapp.Registry, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		api:      api,
		store:    store,
		registry: registry,
		logger:   logger,
		lang:     language.English,
		ttl:      DefaultSyncTTL,
		now:      time.Now,
		queue:    execqueue.New(),
	}
}

// WithTTL overrides how long a sync stays fresh.
func (s *Syncer) WithTTL(ttl time.Duration) *Syncer {
	s.ttl = ttl
	return s
}

// WithSnapshotStore enables offline snapshots of fetched entitlements.
func (s *Syncer) WithSnapshotStore(store SnapshotStore) *Syncer {
	s.snapshots = store
	return s
}

// WithPublisher emits an event after each successful sync.
func (s *Syncer) WithPublisher(p eventbus.Publisher) *Syncer {
	s.events = p
	return s
}

// WithLanguage sets the storefront language used when parsing products.
func (s *Syncer) WithLanguage(lang language.Tag) *Syncer {
	s.lang = lang
	return s
}

// WithClock overrides the time source.
func (s *Syncer) WithClock(now func() time.Time) *Syncer {
	s.now = now
	return s
}

// Login installs a customer session. When initial entitlement payloads
// are supplied (the login response carries them) they are parsed and
// installed immediately and the sync clock starts; otherwise the last
// persisted snapshot is installed as stale data pending the first sync.
func (s *Syncer) Login(ctx context.Context, customer customerdomain.Customer, initial []backend.EntitlementPayload, forwarded bool) error {
	return s.queue.Execute(ctx, func(ctx context.Context) error {
		s.mu.Lock()
		s.customer = &customer
		s.forwarded = forwarded
		s.entitlements = nil
		s.storeRecords = nil
		s.lastSync = time.Time{}
		s.mu.Unlock()

		if len(initial) > 0 {
			if err := s.install(ctx, customer, initial, s.now()); err != nil {
				return err
			}
			s.saveSnapshot(ctx, customer.ID, initial)
			return nil
		}

		if s.snapshots != nil {
			payloads, err := s.snapshots.Load(ctx, customer.ID)
			if err != nil {
				s.logger.Warn("entitlement snapshot load failed", "customer_id", customer.ID, "error", err)
				return nil
			}
			if len(payloads) > 0 {
				// Stale until the first sync: lastSync stays zero.
				if err := s.install(ctx, customer, payloads, time.Time{}); err != nil {
					s.logger.Warn("entitlement snapshot unusable", "customer_id", customer.ID, "error", err)
				}
			}
		}
		return nil
	})
}

// Logout clears the session, cache and snapshot. In-flight syncs are
// canceled.
func (s *Syncer) Logout(ctx context.Context) {
	s.queue.Cancel()

	s.mu.Lock()
	customer := s.customer
	s.customer = nil
	s.forwarded = false
	s.entitlements = nil
	s.storeRecords = nil
	s.lastSync = time.Time{}
	s.mu.Unlock()

	if customer != nil && s.snapshots != nil {
		if err := s.snapshots.Delete(ctx, customer.ID); err != nil {
			s.logger.Warn("entitlement snapshot delete failed", "customer_id", customer.ID, "error", err)
		}
	}
}

// Close cancels any in-flight sync and releases waiters.
func (s *Syncer) Close() {
	s.queue.Cancel()
}

// EnsureSync refreshes the entitlement cache when it is stale (or
// unconditionally when force is set). Concurrent callers serialize on
// the queue; whoever runs after a fresh sync observes the TTL and
// returns without a fetch.
func (s *Syncer) EnsureSync(ctx context.Context, force bool) error {
	return s.queue.Execute(ctx, func(ctx context.Context) error {
		s.mu.Lock()
		customer := s.customer
		last := s.lastSync
		s.mu.Unlock()

		if customer == nil {
			return customerdomain.ErrNoCustomerLogged
		}
		if !force && !last.IsZero() && s.now().Sub(last) < s.ttl {
			return nil
		}
		return s.sync(ctx, *customer)
	})
}

// syncForRead refreshes before a read accessor. A failed refresh is
// tolerated when cached data exists: the read serves stale data rather
// than failing on a flaky network.
func (s *Syncer) syncForRead(ctx context.Context) error {
	err := s.EnsureSync(ctx, false)
	if err == nil {
		return nil
	}
	s.mu.Lock()
	cached := s.customer != nil && len(s.entitlements) > 0
	s.mu.Unlock()
	if cached {
		s.logger.Warn("entitlement refresh failed, serving cached data", "error", err)
		return nil
	}
	return err
}

// sync runs on the queue: refresh the forwarding flag, snapshot the
// platform ledger, fetch both entitlement feeds and install the result.
func (s *Syncer) sync(ctx context.Context, customer customerdomain.Customer) error {
	if forwarded, err := s.api.IsForwardingEnabled(ctx, customer.ExternalRef); err != nil {
		s.logger.Warn("forwarding flag refresh failed", "error", err)
	} else {
		s.mu.Lock()
		s.forwarded = forwarded
		s.mu.Unlock()
	}

	payloads, err := s.api.GetCustomerEntitlements(ctx, customer.ID)
	if err != nil {
		return err
	}
	external, err := s.api.GetCustomerExternalEntitlements(ctx, customer.ID)
	if err != nil {
		return err
	}
	payloads = append(payloads, external...)

	if err := s.install(ctx, customer, payloads, s.now()); err != nil {
		return err
	}
	s.saveSnapshot(ctx, customer.ID, payloads)

	if err := eventbus.PublishJSON(ctx, s.events, eventbus.RouteEntitlementsSynced, struct {
		CustomerID uuid.UUID `json:"customerId"`
		Count      int       `json:"count"`
	}{customer.ID, len(payloads)}); err != nil {
		s.logger.Warn("entitlements synced event not published", "error", err)
	}

	s.logger.Debug("entitlements synced", "customer_id", customer.ID, "count", len(payloads))
	return nil
}

// install parses the payloads against a fresh ledger snapshot and
// swaps in the new cache. syncedAt is zero for stale snapshot data.
func (s *Syncer) install(ctx context.Context, customer customerdomain.Customer, payloads []backend.EntitlementPayload, syncedAt time.Time) error {
	records := s.snapshotLedger(ctx)

	if err := s.registry.Register(ctx, grantSKUs(payloads)); err != nil {
		s.logger.Warn("store catalog registration failed", "error", err)
	}

	entitlements := make([]domain.Entitlement, 0, len(payloads))
	for i := range payloads {
		entitlement, err := ParseEntitlement(&payloads[i], records, s.registry, s.lang)
		if err != nil {
			return err
		}
		entitlements = append(entitlements, entitlement)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.customer == nil || s.customer.ID != customer.ID {
		// Logged out (or switched customer) while syncing.
		return nil
	}
	s.entitlements = entitlements
	s.storeRecords = records
	s.lastSync = syncedAt
	return nil
}

// snapshotLedger maps the store account's current purchases by
// original transaction id. Ledger failures degrade to an empty map.
func (s *Syncer) snapshotLedger(ctx context.Context) map[uint64]ledger.Record {
	records := make(map[uint64]ledger.Record)
	current, err := s.store.CurrentPurchases(ctx)
	if err != nil {
		s.logger.Warn("ledger snapshot failed", "error", err)
		return records
	}
	for _, record := range current {
		records[record.OriginalID] = record
	}
	return records
}

func (s *Syncer) saveSnapshot(ctx context.Context, customerID uuid.UUID, payloads []backend.EntitlementPayload) {
	if s.snapshots == nil {
		return
	}
	if err := s.snapshots.Save(ctx, customerID, payloads); err != nil {
		s.logger.Warn("entitlement snapshot save failed", "customer_id", customerID, "error", err)
	}
}

// Customer returns the logged-in customer.
func (s *Syncer) Customer() (customerdomain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.customer == nil {
		return customerdomain.Customer{}, customerdomain.ErrNoCustomerLogged
	}
	return *s.customer, nil
}

// Forwarded reports the customer's forwarding flag as of the last
// refresh.
func (s *Syncer) Forwarded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forwarded
}

// Entitlement returns the grant for a backend product id, syncing
// first if the cache is stale.
func (s *Syncer) Entitlement(ctx context.Context, productID uuid.UUID) (*domain.Entitlement, error) {
	if err := s.syncForRead(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entitlements {
		if s.entitlements[i].Product.ID == productID {
			entitlement := s.entitlements[i]
			return &entitlement, nil
		}
	}
	return nil, domain.ErrEntitlementNotFound
}

// EntitlementForGroup returns the subscription grant for a
// subscription group, syncing first if the cache is stale.
func (s *Syncer) EntitlementForGroup(ctx context.Context, groupID uuid.UUID) (*domain.Entitlement, error) {
	if err := s.syncForRead(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entitlements {
		if s.entitlements[i].SubscriptionGroupID() == groupID {
			entitlement := s.entitlements[i]
			return &entitlement, nil
		}
	}
	return nil, domain.ErrEntitlementNotFound
}

// Entitlements returns the grants for the given product ids, skipping
// products the customer has no grant for.
func (s *Syncer) Entitlements(ctx context.Context, productIDs []uuid.UUID) ([]domain.Entitlement, error) {
	if err := s.syncForRead(ctx); err != nil {
		return nil, err
	}
	wanted := make(map[uuid.UUID]struct{}, len(productIDs))
	for _, id := range productIDs {
		wanted[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Entitlement
	for i := range s.entitlements {
		if _, ok := wanted[s.entitlements[i].Product.ID]; ok {
			out = append(out, s.entitlements[i])
		}
	}
	return out, nil
}

// AllEntitlements returns every grant of the logged-in customer.
func (s *Syncer) AllEntitlements(ctx context.Context) ([]domain.Entitlement, error) {
	if err := s.syncForRead(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Entitlement, len(s.entitlements))
	copy(out, s.entitlements)
	return out, nil
}

// StoreRecordForSKU returns this store account's most recent ledger
// record for a SKU, from the snapshot taken at the last sync.
func (s *Syncer) StoreRecordForSKU(sku string) *ledger.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return latestRecord(s.storeRecords, func(r *ledger.Record) bool { return r.SKU == sku })
}

// StoreRecordForGroup returns this store account's most recent ledger
// record in a platform subscription group.
func (s *Syncer) StoreRecordForGroup(platformGroupID string) *ledger.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return latestRecord(s.storeRecords, func(r *ledger.Record) bool { return r.SubscriptionGroup == platformGroupID })
}

func latestRecord(records map[uint64]ledger.Record, match func(*ledger.Record) bool) *ledger.Record {
	var latest *ledger.Record
	for id := range records {
		record := records[id]
		if !match(&record) {
			continue
		}
		if latest == nil || record.PurchasedAt.After(latest.PurchasedAt) {
			latest = &record
		}
	}
	return latest
}
