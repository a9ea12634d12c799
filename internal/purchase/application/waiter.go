package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/storeflow/internal/backend"
	"github.com/felixgeelhaar/storeflow/internal/ledger"
	"github.com/felixgeelhaar/storeflow/internal/purchase/domain"
	"github.com/felixgeelhaar/storeflow/internal/shared/retry"
)

const (
	// webhookWaitCap bounds the webhook and transfer wait loops.
	webhookWaitCap = time.Minute

	// futureSkew and staleAge bound the record timestamps worth
	// polling for: a record dated in the future belongs to a renewal
	// the backend will only see later, and a week-old record was
	// reconciled long ago.
	futureSkew = time.Minute
	staleAge   = 7 * 24 * time.Hour
)

// pollDelays is the shared backoff between status polls.
func pollDelays() retry.DelayFunc {
	return retry.LinearBackoff(2*time.Second, 500*time.Millisecond, 5*time.Second)
}

// StatusAPI is the backend surface the waiter polls.
type StatusAPI interface {
	GetWebhookStatus(ctx context.Context, query backend.WebhookQuery) (*backend.WebhookStatusPayload, error)
	GetTransferStatus(ctx context.Context, requestID string) (string, error)
}

// Reporter uploads diagnostics when reconciliation misbehaves.
type Reporter interface {
	Report(ctx context.Context, reason string)
}

// Waiter polls the backend until it has reconciled a purchase or an
// ownership transfer.
type Waiter struct {
	api      StatusAPI
	reporter Reporter
	logger   *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWaiter creates a waiter.
func NewWaiter(api StatusAPI, logger *slog.Logger) *Waiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Waiter{
		api:    api,
		logger: logger,
		now:    time.Now,
	}
}

// WithReporter uploads diagnostics on webhook timeouts.
func (w *Waiter) WithReporter(r Reporter) *Waiter {
	w.reporter = r
	return w
}

// WithClock overrides the wall clock and sleep, for tests.
func (w *Waiter) WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) *Waiter {
	w.now = now
	w.sleep = sleep
	return w
}

// WaitPurchaseWebhook polls until the backend has processed the
// purchase event for record. Records dated in the future or older than
// a week are not worth polling and report success immediately. plan
// carries the downgrade scope for deferred renewals; it may be nil.
func (w *Waiter) WaitPurchaseWebhook(ctx context.Context, record ledger.Record, plan *Plan) (*domain.WebhookResult, error) {
	now := w.now()
	if age := now.Sub(record.PurchasedAt); age < -futureSkew || age > staleAge {
		w.logger.Debug("skipping webhook wait",
			"transaction_id", record.TransactionID,
			"purchased_at", record.PurchasedAt,
		)
		return &domain.WebhookResult{Status: domain.WebhookSuccess}, nil
	}

	query := backend.WebhookQuery{
		TransactionID: record.TransactionID,
		SignedRecord:  record.SignedPayload,
		Sandbox:       record.Sandbox,
	}
	if plan != nil && plan.Downgrade {
		id := plan.DowngradeProductID
		query.DowngradeToProductID = &id
		query.DowngradeAfter = plan.DowngradeAfter
	}

	var result *domain.WebhookResult
	err := retry.Poll(ctx, w.pollConfig(), func(ctx context.Context) (bool, error) {
		status, err := w.api.GetWebhookStatus(ctx, query)
		if err != nil {
			return false, err
		}
		switch domain.WebhookStatus(status.Status) {
		case domain.WebhookSuccess:
			result = &domain.WebhookResult{Status: domain.WebhookSuccess, Event: parseEvent(status.Event)}
			return true, nil
		case domain.WebhookError:
			return false, domain.ErrWebhookFailed
		default:
			return false, nil
		}
	})
	if errors.Is(err, retry.ErrTimeout) {
		w.report(ctx, "webhook wait timed out")
		return nil, domain.ErrWebhookNotProcessed
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// WaitTransfer polls until the transfer request settles.
func (w *Waiter) WaitTransfer(ctx context.Context, requestID string) (domain.TransferStatus, error) {
	var last domain.TransferStatus
	err := retry.Poll(ctx, w.pollConfig(), func(ctx context.Context) (bool, error) {
		raw, err := w.api.GetTransferStatus(ctx, requestID)
		if err != nil {
			return false, err
		}
		last = domain.TransferStatus(raw)
		if last == domain.TransferError {
			return false, domain.ErrTransferFailed
		}
		return last.Settled(), nil
	})
	if errors.Is(err, retry.ErrTimeout) {
		return domain.TransferPending, domain.ErrTransferNotProcessed
	}
	if err != nil {
		return last, err
	}
	if last == domain.TransferRejected {
		return last, domain.ErrTransferFailed
	}
	return last, nil
}

func (w *Waiter) pollConfig() retry.Config {
	return retry.Config{
		MaxElapsed: webhookWaitCap,
		Delay:      pollDelays(),
		Now:        w.now,
		Sleep:      w.sleep,
	}
}

func (w *Waiter) report(ctx context.Context, reason string) {
	if w.reporter == nil {
		return
	}
	w.reporter.Report(ctx, reason)
}

func parseEvent(payload *backend.EventPayload) *domain.Event {
	if payload == nil {
		return nil
	}
	return &domain.Event{
		ID:        payload.ID,
		CreatedAt: payload.CreatedAt,
		Type:      payload.Type,
		Platform:  payload.Platform,
		Sandbox:   payload.Sandbox,
	}
}
