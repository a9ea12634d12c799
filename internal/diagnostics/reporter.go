// Package diagnostics uploads best-effort diagnostic bundles when
// purchase reconciliation misbehaves: an unverifiable purchase or a
// webhook that never settles. Uploads run asynchronously and never
// surface errors to the flow that triggered them.
package diagnostics

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	customerdomain "github.com/felixgeelhaar/storeflow/internal/customer/domain"
	"github.com/felixgeelhaar/storeflow/internal/ledger"
)

const uploadTimeout = 10 * time.Second

// UploadAPI is the backend surface used to ship bundles.
type UploadAPI interface {
	UploadDiagnostics(ctx context.Context, customerID *uuid.UUID, logs io.Reader) error
}

// CustomerFunc resolves the logged-in customer at report time.
type CustomerFunc func() (customerdomain.Customer, error)

// Reporter builds and uploads diagnostic bundles.
type Reporter struct {
	api      UploadAPI
	store    ledger.Ledger
	customer CustomerFunc
	logger   *slog.Logger

	wg sync.WaitGroup
}

// NewReporter creates a reporter. customer may be nil when no session
// layer exists.
func NewReporter(api UploadAPI, store ledger.Ledger, customer CustomerFunc, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		api:      api,
		store:    store,
		customer: customer,
		logger:   logger,
	}
}

// Report uploads a bundle describing the current engine state. It
// returns immediately; the upload continues in the background even if
// the triggering flow's context ends.
func (r *Reporter) Report(ctx context.Context, reason string) {
	bg := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		uploadCtx, cancel := context.WithTimeout(bg, uploadTimeout)
		defer cancel()
		r.upload(uploadCtx, reason)
	}()
}

// Flush blocks until in-flight uploads finish.
func (r *Reporter) Flush() {
	r.wg.Wait()
}

func (r *Reporter) upload(ctx context.Context, reason string) {
	var b strings.Builder
	fmt.Fprintf(&b, "reason: %s\n", reason)
	fmt.Fprintf(&b, "time: %s\n", time.Now().UTC().Format(time.RFC3339))

	var customerID *uuid.UUID
	if r.customer != nil {
		if customer, err := r.customer(); err == nil {
			customerID = &customer.ID
			fmt.Fprintf(&b, "customer: %s (%s)\n", customer.ID, customer.ExternalRef)
		}
	}

	if r.store != nil {
		records, err := r.store.CurrentPurchases(ctx)
		if err != nil {
			fmt.Fprintf(&b, "ledger: error: %v\n", err)
		} else {
			fmt.Fprintf(&b, "ledger: %d current purchases\n", len(records))
			for _, record := range records {
				fmt.Fprintf(&b, "  tx=%d original=%d sku=%s purchased=%s sandbox=%t\n",
					record.TransactionID, record.OriginalID, record.SKU,
					record.PurchasedAt.UTC().Format(time.RFC3339), record.Sandbox)
			}
		}
	}

	if err := r.api.UploadDiagnostics(ctx, customerID, strings.NewReader(b.String())); err != nil {
		r.logger.Warn("diagnostics upload failed", "reason", reason, "error", err)
		return
	}
	r.logger.Debug("diagnostics uploaded", "reason", reason)
}
