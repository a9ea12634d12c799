// Package engine is the entry point of the purchase reconciliation
// engine. It arbitrates between the platform purchase ledger, the
// remote entitlement backend and the in-process entitlement cache:
// one customer session at a time, one purchase at a time, syncs
// coalesced behind a TTL.
package engine

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"

	"github.com/felixgeelhaar/storeflow/internal/backend"
	catalogapp "github.com/felixgeelhaar/storeflow/internal/catalog/application"
	catalog "github.com/felixgeelhaar/storeflow/internal/catalog/domain"
	customerdomain "github.com/felixgeelhaar/storeflow/internal/customer/domain"
	"github.com/felixgeelhaar/storeflow/internal/diagnostics"
	entapp "github.com/felixgeelhaar/storeflow/internal/entitlement/application"
	entdomain "github.com/felixgeelhaar/storeflow/internal/entitlement/domain"
	"github.com/felixgeelhaar/storeflow/internal/ledger"
	purchaseapp "github.com/felixgeelhaar/storeflow/internal/purchase/application"
	"github.com/felixgeelhaar/storeflow/internal/shared/execqueue"
	"github.com/felixgeelhaar/storeflow/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/storeflow/pkg/observability"
)

// API is the backend surface the engine consumes. *backend.Client
// implements it.
type API interface {
	catalogapp.CatalogAPI
	entapp.SyncAPI
	purchaseapp.OfferAPI
	purchaseapp.StatusAPI

	Login(ctx context.Context, externalRef string) (*backend.LoginResponse, error)
	MapTransactions(ctx context.Context, customerID uuid.UUID, signedRecords []string) error
	RequestTransferOwnership(ctx context.Context, customerID uuid.UUID, signatures []string) (string, error)
	UploadDiagnostics(ctx context.Context, customerID *uuid.UUID, logs io.Reader) error
}

// URLOpener hands a redeem URL to the surrounding application, which
// presents it to the user (system browser, in-app sheet).
type URLOpener interface {
	OpenURL(ctx context.Context, url string) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithPublisher emits lifecycle events to the bus.
func WithPublisher(p eventbus.Publisher) Option {
	return func(e *Engine) { e.events = p }
}

// WithSnapshotStore persists entitlement snapshots across restarts.
func WithSnapshotStore(s entapp.SnapshotStore) Option {
	return func(e *Engine) { e.snapshots = s }
}

// WithLanguage sets the storefront display language.
func WithLanguage(lang language.Tag) Option {
	return func(e *Engine) { e.lang = lang }
}

// WithSyncTTL overrides how long a sync stays fresh.
func WithSyncTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.syncTTL = ttl }
}

// WithURLOpener enables the offer-code redeem flow.
func WithURLOpener(opener URLOpener) Option {
	return func(e *Engine) { e.opener = opener }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the wall clock and sleep, for tests.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		e.now = now
		e.sleep = sleep
	}
}

// Engine owns the session and orchestrates purchases.
type Engine struct {
	api     API
	store   ledger.Ledger
	logger  *slog.Logger
	events  eventbus.Publisher
	metrics observability.Metrics

	snapshots entapp.SnapshotStore
	lang      language.Tag
	syncTTL   time.Duration
	opener    URLOpener

	registry  *catalogapp.Registry
	catalog   *catalogapp.Service
	syncer    *entapp.Syncer
	validator *purchaseapp.Validator
	waiter    *purchaseapp.Waiter
	reporter  *diagnostics.Reporter

	purchases *execqueue.Queue

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	stopUpdates context.CancelFunc
	updatesDone chan struct{}
	closeOnce   sync.Once
}

// New wires an engine and starts its ledger update listener.
func New(api API, store ledger.Ledger, opts ...Option) *Engine {
	e := &Engine{
		api:         api,
		store:       store,
		logger:      slog.Default(),
		metrics:     observability.NoopMetrics{},
		lang:        language.English,
		syncTTL:     entapp.DefaultSyncTTL,
		purchases:   execqueue.New(),
		now:         time.Now,
		updatesDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.registry = catalogapp.NewRegistry(store)
	e.catalog = catalogapp.NewService(api, e.registry, e.logger).WithLanguage(e.lang)

	e.syncer = entapp.NewSyncer(api, store, e.registry, e.logger).
		WithTTL(e.syncTTL).
		WithLanguage(e.lang)
	if e.snapshots != nil {
		e.syncer.WithSnapshotStore(e.snapshots)
	}
	if e.events != nil {
		e.syncer.WithPublisher(e.events)
	}

	e.reporter = diagnostics.NewReporter(api, store, e.syncer.Customer, e.logger)
	e.validator = purchaseapp.NewValidator(api, e.syncer, e.registry, store, e.logger)
	e.waiter = purchaseapp.NewWaiter(api, e.logger).WithReporter(e.reporter)
	if e.sleep != nil {
		e.waiter.WithClock(e.now, e.sleep)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.stopUpdates = cancel
	go e.listenUpdates(ctx)

	return e
}

// Login resolves the customer on the backend and installs the session.
// The login response carries the customer's entitlements, which prime
// the cache, and the platform transaction ids the backend already
// knows, which lets the engine map any unknown ledger records.
func (e *Engine) Login(ctx context.Context, externalRef string) (customerdomain.Customer, error) {
	resp, err := e.api.Login(ctx, externalRef)
	if err != nil {
		return customerdomain.Customer{}, err
	}

	customer := customerdomain.Customer{
		ID:          resp.Customer.ID,
		ExternalRef: resp.Customer.ExternalRef,
		CreatedAt:   resp.Customer.CreatedAt,
		UpdatedAt:   resp.Customer.UpdatedAt,
		Forwarded:   resp.IsForwardingEnabled,
	}
	if err := e.syncer.Login(ctx, customer, resp.Entitlements, resp.IsForwardingEnabled); err != nil {
		return customerdomain.Customer{}, err
	}

	e.mapUnknownRecords(ctx, customer, resp.PlatformOriginalTransactionIDs)

	e.publish(ctx, eventbus.RouteCustomerLoggedIn, struct {
		CustomerID  uuid.UUID `json:"customerId"`
		ExternalRef string    `json:"externalRef"`
	}{customer.ID, customer.ExternalRef})

	e.metrics.Counter(observability.MetricLogins, 1)
	e.logger.Info("customer logged in", "customer_id", customer.ID)
	return customer, nil
}

// Logout clears the session and cached entitlements.
func (e *Engine) Logout(ctx context.Context) {
	customer, err := e.syncer.Customer()
	e.syncer.Logout(ctx)
	if err == nil {
		e.publish(ctx, eventbus.RouteCustomerLoggedOut, struct {
			CustomerID uuid.UUID `json:"customerId"`
		}{customer.ID})
		e.metrics.Counter(observability.MetricLogouts, 1)
		e.logger.Info("customer logged out", "customer_id", customer.ID)
	}
}

// Close stops the update listener and releases queue waiters. The
// engine is unusable afterwards.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.stopUpdates()
		e.purchases.Cancel()
		e.syncer.Close()
		<-e.updatesDone
		e.reporter.Flush()
		e.logger.Info("engine closed")
	})
}

// GetProducts fetches the catalog, merged with storefront pricing.
// identifiers nil means all products.
func (e *Engine) GetProducts(ctx context.Context, identifiers []string, onlyAvailable bool) ([]catalog.Product, error) {
	return e.catalog.Products(ctx, identifiers, onlyAvailable)
}

// GetSubscriptionGroups fetches subscription groups with their plans.
func (e *Engine) GetSubscriptionGroups(ctx context.Context, identifiers []string, onlyAvailable bool) ([]catalog.SubscriptionGroup, error) {
	return e.catalog.SubscriptionGroups(ctx, identifiers, onlyAvailable)
}

// GetCustomer returns the logged-in customer.
func (e *Engine) GetCustomer() (customerdomain.Customer, error) {
	return e.syncer.Customer()
}

// IsForwardingEnabled reports the customer's forwarding flag as of the
// last sync.
func (e *Engine) IsForwardingEnabled() bool {
	return e.syncer.Forwarded()
}

// GetEntitlement returns the customer's grant for a product.
func (e *Engine) GetEntitlement(ctx context.Context, productID uuid.UUID) (*entdomain.Entitlement, error) {
	return e.syncer.Entitlement(ctx, productID)
}

// GetEntitlementForSubscription returns the grant in a subscription
// group.
func (e *Engine) GetEntitlementForSubscription(ctx context.Context, groupID uuid.UUID) (*entdomain.Entitlement, error) {
	return e.syncer.EntitlementForGroup(ctx, groupID)
}

// GetEntitlements returns the grants for the given products.
func (e *Engine) GetEntitlements(ctx context.Context, productIDs []uuid.UUID) ([]entdomain.Entitlement, error) {
	return e.syncer.Entitlements(ctx, productIDs)
}

// GetAllEntitlements returns every grant of the customer.
func (e *Engine) GetAllEntitlements(ctx context.Context) ([]entdomain.Entitlement, error) {
	return e.syncer.AllEntitlements(ctx)
}

// EnsureSync refreshes the entitlement cache; force bypasses the TTL.
func (e *Engine) EnsureSync(ctx context.Context, force bool) error {
	e.metrics.Counter(observability.MetricSyncsTotal, 1)
	if err := e.syncer.EnsureSync(ctx, force); err != nil {
		e.metrics.Counter(observability.MetricSyncsFailed, 1)
		return err
	}
	return nil
}

// SendDiagnostics uploads a diagnostic bundle on demand.
func (e *Engine) SendDiagnostics(ctx context.Context) {
	e.reporter.Report(ctx, "requested by application")
}

// listenUpdates drains the ledger update feed for the engine lifetime,
// finalizing records the purchase flow never acknowledged: renewals,
// deferred purchases approved later, purchases from other devices.
func (e *Engine) listenUpdates(ctx context.Context) {
	defer close(e.updatesDone)

	updates, err := e.store.Updates(ctx)
	if err != nil {
		e.logger.Error("ledger update feed unavailable", "error", err)
		return
	}
	for record := range updates {
		e.handleUpdate(ctx, record)
	}
}

func (e *Engine) handleUpdate(ctx context.Context, record ledger.Record) {
	finalized, err := e.store.IsFinalized(ctx, record.TransactionID)
	if err != nil {
		e.logger.Warn("finalization check failed", "transaction_id", record.TransactionID, "error", err)
		return
	}
	if finalized {
		return
	}

	e.logger.Info("reconciling out-of-band record", "transaction_id", record.TransactionID, "sku", record.SKU)
	if err := e.finalizeRecord(ctx, record); err != nil {
		e.logger.Warn("out-of-band finalization failed", "transaction_id", record.TransactionID, "error", err)
		return
	}
	if err := e.syncer.EnsureSync(ctx, true); err != nil {
		e.logger.Debug("sync after out-of-band record skipped", "error", err)
	}
}

// finalizeRecord acknowledges a record on the ledger and maps it on
// the backend. Mapping is best effort; acknowledgement is not.
func (e *Engine) finalizeRecord(ctx context.Context, record ledger.Record) error {
	if err := e.store.Finalize(ctx, record.TransactionID); err != nil {
		return err
	}
	if customer, err := e.syncer.Customer(); err == nil {
		if err := e.api.MapTransactions(ctx, customer.ID, []string{record.SignedPayload}); err != nil {
			e.logger.Warn("transaction mapping failed", "transaction_id", record.TransactionID, "error", err)
		}
	}
	return nil
}

// mapUnknownRecords maps ledger records the backend has never seen.
// Best effort: a failure only delays attribution until the next login.
func (e *Engine) mapUnknownRecords(ctx context.Context, customer customerdomain.Customer, knownOriginalIDs []string) {
	records, err := e.store.CurrentPurchases(ctx)
	if err != nil {
		e.logger.Warn("ledger enumeration failed during login", "error", err)
		return
	}

	known := make(map[string]struct{}, len(knownOriginalIDs))
	for _, id := range knownOriginalIDs {
		known[id] = struct{}{}
	}

	var unknown []string
	for _, record := range records {
		// Renewals share the original id; one signed payload per lineage.
		id := strconv.FormatUint(record.OriginalID, 10)
		if _, ok := known[id]; !ok {
			known[id] = struct{}{}
			unknown = append(unknown, record.SignedPayload)
		}
	}
	if len(unknown) == 0 {
		return
	}
	if err := e.api.MapTransactions(ctx, customer.ID, unknown); err != nil {
		e.logger.Warn("transaction mapping failed during login", "count", len(unknown), "error", err)
	}
}

func (e *Engine) publish(ctx context.Context, routingKey string, payload any) {
	if err := eventbus.PublishJSON(ctx, e.events, routingKey, payload); err != nil {
		e.logger.Warn("event not published", "routing_key", routingKey, "error", err)
	}
}
