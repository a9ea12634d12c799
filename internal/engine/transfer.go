package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/storeflow/internal/backend"
	"github.com/felixgeelhaar/storeflow/internal/ledger"
	"github.com/felixgeelhaar/storeflow/internal/purchase/domain"
	"github.com/felixgeelhaar/storeflow/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/storeflow/pkg/observability"
)

// RequestTransferOwnership re-attributes every purchase this store
// account holds to the logged-in customer. Used after a login switch,
// when the ledger's purchases are mapped to the previously logged-in
// customer. With nothing to sign the transfer is trivially settled.
func (e *Engine) RequestTransferOwnership(ctx context.Context) (domain.TransferStatus, error) {
	customer, err := e.syncer.Customer()
	if err != nil {
		return domain.TransferError, err
	}

	records, err := e.store.CurrentPurchases(ctx)
	if err != nil {
		return domain.TransferError, err
	}
	records = dedupeByOriginalID(records)
	if len(records) == 0 {
		return domain.TransferAcknowledged, nil
	}

	signatures, err := e.store.SignForTransfer(ctx, records)
	if err != nil {
		return domain.TransferError, err
	}

	requestID, err := e.api.RequestTransferOwnership(ctx, customer.ID, signatures)
	if err != nil {
		return domain.TransferError, transferError(err)
	}
	e.metrics.Counter(observability.MetricTransfersRequested, 1)

	status, err := e.waiter.WaitTransfer(ctx, requestID)
	if err != nil {
		return status, err
	}
	e.metrics.Counter(observability.MetricTransfersSettled, 1, observability.T("status", string(status)))

	if err := e.syncer.EnsureSync(ctx, true); err != nil {
		e.logger.Warn("sync after transfer failed", "error", err)
	}

	e.publish(ctx, eventbus.RouteTransferCompleted, struct {
		CustomerID uuid.UUID             `json:"customerId"`
		RequestID  string                `json:"requestId"`
		Status     domain.TransferStatus `json:"status"`
	}{customer.ID, requestID, status})

	e.logger.Info("ownership transfer settled", "request_id", requestID, "status", status)
	return status, nil
}

// dedupeByOriginalID keeps one record per subscription lineage, the
// most recently purchased.
func dedupeByOriginalID(records []ledger.Record) []ledger.Record {
	latest := make(map[uint64]ledger.Record, len(records))
	for _, record := range records {
		if kept, ok := latest[record.OriginalID]; ok && !record.PurchasedAt.After(kept.PurchasedAt) {
			continue
		}
		latest[record.OriginalID] = record
	}
	out := make([]ledger.Record, 0, len(latest))
	for _, record := range latest {
		out = append(out, record)
	}
	return out
}

// transferError maps backend rejection codes onto the transfer error
// taxonomy.
func transferError(err error) error {
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		if mapped := domain.TransferErrorFromCode(apiErr.Code); mapped != nil {
			return mapped
		}
	}
	return err
}
