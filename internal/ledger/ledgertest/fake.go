// Package ledgertest provides an in-memory Ledger for tests.
package ledgertest

import (
	"context"
	"sync"
	"time"

	"github.com/felixgeelhaar/storeflow/internal/ledger"
)

func timeNow() time.Time { return time.Now().UTC() }

// Fake is an in-memory ledger. Zero value is usable; configure the
// exported fields and call the Push/Set helpers from tests.
type Fake struct {
	mu sync.Mutex

	Catalog   map[string]ledger.CatalogEntry
	Purchases []ledger.Record
	Finalized map[uint64]bool
	History   bool

	// InitiateFn is invoked by Initiate when set; otherwise Initiate
	// completes with a record derived from the entry.
	InitiateFn func(ctx context.Context, entry ledger.CatalogEntry, params ledger.PurchaseParams) (*ledger.PurchaseResult, error)

	// Errs force the named method to fail.
	CurrentPurchasesErr error
	EntriesErr          error
	FinalizeErr         error
	SignErr             error

	// Signatures returned by SignForTransfer, one per record.
	Signatures []string

	FinalizeCalls []uint64

	updates   []chan ledger.Record
	updatesWG sync.WaitGroup

	nextTx uint64
}

// NewFake returns an empty fake ledger.
func NewFake() *Fake {
	return &Fake{
		Catalog:   make(map[string]ledger.CatalogEntry),
		Finalized: make(map[uint64]bool),
	}
}

// SetEntry installs a catalog entry.
func (f *Fake) SetEntry(entry ledger.CatalogEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Catalog == nil {
		f.Catalog = make(map[string]ledger.CatalogEntry)
	}
	f.Catalog[entry.SKU] = entry
}

// AddPurchase appends a record to the current purchases.
func (f *Fake) AddPurchase(record ledger.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Purchases = append(f.Purchases, record)
}

// PushUpdate delivers a record to every open Updates feed.
func (f *Fake) PushUpdate(record ledger.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.updates {
		ch <- record
	}
}

func (f *Fake) CurrentPurchases(context.Context) ([]ledger.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CurrentPurchasesErr != nil {
		return nil, f.CurrentPurchasesErr
	}
	out := make([]ledger.Record, len(f.Purchases))
	copy(out, f.Purchases)
	return out, nil
}

func (f *Fake) Updates(ctx context.Context) (<-chan ledger.Record, error) {
	ch := make(chan ledger.Record, 16)
	f.mu.Lock()
	f.updates = append(f.updates, ch)
	f.mu.Unlock()

	f.updatesWG.Add(1)
	go func() {
		defer f.updatesWG.Done()
		<-ctx.Done()
		f.mu.Lock()
		for i, c := range f.updates {
			if c == ch {
				f.updates = append(f.updates[:i], f.updates[i+1:]...)
				break
			}
		}
		f.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (f *Fake) Entries(_ context.Context, skus []string) (map[string]ledger.CatalogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.EntriesErr != nil {
		return nil, f.EntriesErr
	}
	out := make(map[string]ledger.CatalogEntry, len(skus))
	for _, sku := range skus {
		if entry, ok := f.Catalog[sku]; ok {
			out[sku] = entry
		}
	}
	return out, nil
}

func (f *Fake) Initiate(ctx context.Context, entry ledger.CatalogEntry, params ledger.PurchaseParams) (*ledger.PurchaseResult, error) {
	if f.InitiateFn != nil {
		return f.InitiateFn(ctx, entry, params)
	}
	record := f.CompletePurchase(entry, params)
	return &ledger.PurchaseResult{State: ledger.PurchaseCompleted, Record: &record}, nil
}

// CompletePurchase fabricates a completed record for the entry and
// appends it to the current purchases.
func (f *Fake) CompletePurchase(entry ledger.CatalogEntry, params ledger.PurchaseParams) ledger.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTx++
	quantity := params.Quantity
	if quantity == 0 {
		quantity = 1
	}
	record := ledger.Record{
		TransactionID:     f.nextTx,
		OriginalID:        f.nextTx,
		SKU:               entry.SKU,
		SubscriptionGroup: entry.SubscriptionGroup,
		PurchasedAt:       timeNow(),
		Quantity:          quantity,
		SignedPayload:     "signed:" + entry.SKU,
	}
	f.Purchases = append(f.Purchases, record)
	return record
}

func (f *Fake) Finalize(_ context.Context, transactionID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FinalizeErr != nil {
		return f.FinalizeErr
	}
	if f.Finalized == nil {
		f.Finalized = make(map[uint64]bool)
	}
	f.Finalized[transactionID] = true
	f.FinalizeCalls = append(f.FinalizeCalls, transactionID)
	return nil
}

func (f *Fake) IsFinalized(_ context.Context, transactionID uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Finalized[transactionID], nil
}

func (f *Fake) SignForTransfer(_ context.Context, records []ledger.Record) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SignErr != nil {
		return nil, f.SignErr
	}
	if f.Signatures != nil {
		return f.Signatures, nil
	}
	out := make([]string, len(records))
	for i, record := range records {
		out[i] = record.SignedPayload
	}
	return out, nil
}

func (f *Fake) HasSubscriptionHistory(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.History, nil
}
