package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	catalog "github.com/felixgeelhaar/storeflow/internal/catalog/domain"
	customerdomain "github.com/felixgeelhaar/storeflow/internal/customer/domain"
	"github.com/felixgeelhaar/storeflow/internal/ledger"
	purchaseapp "github.com/felixgeelhaar/storeflow/internal/purchase/application"
	"github.com/felixgeelhaar/storeflow/internal/purchase/domain"
	"github.com/felixgeelhaar/storeflow/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/storeflow/internal/shared/retry"
	"github.com/felixgeelhaar/storeflow/pkg/observability"
)

const (
	// redeemGrace gives the user time to land in the redemption sheet
	// before the ledger is polled for the resulting purchase.
	redeemGrace        = 8 * time.Second
	redeemPollInterval = 2 * time.Second
	redeemWait         = 30 * time.Second
)

// PurchaseProduct runs the purchase flow for a product. Only one
// purchase runs at a time; a concurrent attempt fails immediately with
// ErrPurchaseAlreadyPending instead of queueing behind the first.
func (e *Engine) PurchaseProduct(ctx context.Context, product catalog.Product, opts domain.Options) error {
	return e.purchases.ExecuteOrFallback(ctx,
		func(ctx context.Context) error {
			err := e.purchase(ctx, product, opts)
			switch {
			case err == nil:
				e.metrics.Counter(observability.MetricPurchasesCompleted, 1, observability.T("sku", product.SKU))
			case errors.Is(err, domain.ErrUserCanceled):
				e.metrics.Counter(observability.MetricPurchasesCanceled, 1, observability.T("sku", product.SKU))
			default:
				e.metrics.Counter(observability.MetricPurchasesFailed, 1, observability.T("sku", product.SKU))
			}
			return err
		},
		func(context.Context) error {
			return domain.ErrPurchaseAlreadyPending
		},
	)
}

func (e *Engine) purchase(ctx context.Context, product catalog.Product, opts domain.Options) error {
	customer, err := e.syncer.Customer()
	if err != nil {
		return err
	}
	e.metrics.Counter(observability.MetricPurchasesStarted, 1, observability.T("sku", product.SKU))

	// Entitlements and the ledger snapshot must be current before
	// eligibility is judged.
	if err := e.syncer.EnsureSync(ctx, true); err != nil {
		return err
	}
	if e.syncer.Forwarded() {
		return customerdomain.ErrCustomerForwarded
	}

	plan, err := e.validator.Plan(ctx, customer, product, opts)
	if err != nil {
		return err
	}

	var record *ledger.Record
	if plan.RedeemURL != "" {
		record, err = e.redeemPurchase(ctx, plan)
	} else {
		record, err = e.platformPurchase(ctx, plan)
	}
	if err != nil {
		return err
	}

	if _, err := e.waiter.WaitPurchaseWebhook(ctx, *record, plan); err != nil {
		// The local record stays finalized either way; entitlements
		// catch up on a later sync.
		return err
	}

	if err := e.syncer.EnsureSync(ctx, true); err != nil {
		e.logger.Warn("sync after purchase failed", "error", err)
	}

	e.publish(ctx, eventbus.RoutePurchaseCompleted, struct {
		CustomerID    uuid.UUID `json:"customerId"`
		ProductID     uuid.UUID `json:"productId"`
		SKU           string    `json:"sku"`
		TransactionID uint64    `json:"transactionId"`
	}{customer.ID, product.ID, record.SKU, record.TransactionID})

	e.logger.Info("purchase completed", "sku", record.SKU, "transaction_id", record.TransactionID)
	return nil
}

// platformPurchase drives the store's native purchase flow.
func (e *Engine) platformPurchase(ctx context.Context, plan *purchaseapp.Plan) (*ledger.Record, error) {
	result, err := e.store.Initiate(ctx, plan.Entry, plan.Params)
	if err != nil {
		if errors.Is(err, ledger.ErrUnverifiedRecord) {
			e.reporter.Report(ctx, "platform returned unverifiable purchase")
			return nil, fmt.Errorf("%w: record failed verification", domain.ErrPurchaseFailed)
		}
		return nil, err
	}

	switch result.State {
	case ledger.PurchaseUserCanceled:
		return nil, domain.ErrUserCanceled
	case ledger.PurchasePending:
		e.publish(ctx, eventbus.RoutePurchasePending, struct {
			SKU string `json:"sku"`
		}{plan.Entry.SKU})
		return nil, domain.ErrPurchasePending
	}

	if err := e.finalizeRecord(ctx, *result.Record); err != nil {
		return nil, err
	}
	return result.Record, nil
}

// redeemPurchase routes the user through an offer-code redemption URL,
// then watches the ledger for the purchase it produces. Redemption
// happens outside the process, so the only signal is a new record; no
// new record within the wait window counts as the user backing out.
func (e *Engine) redeemPurchase(ctx context.Context, plan *purchaseapp.Plan) (*ledger.Record, error) {
	if e.opener == nil {
		return nil, fmt.Errorf("%w: no redeem URL handler configured", domain.ErrPurchaseFailed)
	}

	before, err := e.store.CurrentPurchases(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[uint64]struct{}, len(before))
	for _, record := range before {
		seen[record.TransactionID] = struct{}{}
	}

	if err := e.opener.OpenURL(ctx, plan.RedeemURL); err != nil {
		return nil, err
	}

	var record *ledger.Record
	err = retry.Poll(ctx, retry.Config{
		InitialDelay: redeemGrace,
		Delay:        retry.FixedDelay(redeemPollInterval),
		MaxElapsed:   redeemWait,
		Now:          e.now,
		Sleep:        e.sleep,
	}, func(ctx context.Context) (bool, error) {
		current, err := e.store.CurrentPurchases(ctx)
		if err != nil {
			return false, err
		}
		for i := range current {
			if _, ok := seen[current[i].TransactionID]; ok {
				continue
			}
			if current[i].SKU == plan.Entry.SKU {
				record = &current[i]
				return true, nil
			}
		}
		return false, nil
	})
	if errors.Is(err, retry.ErrTimeout) {
		return nil, domain.ErrUserCanceled
	}
	if err != nil {
		return nil, err
	}

	if err := e.finalizeRecord(ctx, *record); err != nil {
		return nil, err
	}
	return record, nil
}
