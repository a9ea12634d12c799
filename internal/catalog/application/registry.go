// Package application merges backend catalog data with platform
// storefront pricing and availability.
package application

import (
	"context"
	"fmt"
	"sync"

	"github.com/felixgeelhaar/storeflow/internal/ledger"
)

// Registry is an instance-scoped cache of storefront catalog entries
// keyed by SKU. Each engine owns its own registry, so catalog state
// never leaks across sessions.
type Registry struct {
	store ledger.Ledger

	mu      sync.RWMutex
	entries map[string]ledger.CatalogEntry
}

// NewRegistry creates a registry backed by the given platform store.
func NewRegistry(store ledger.Ledger) *Registry {
	return &Registry{
		store:   store,
		entries: make(map[string]ledger.CatalogEntry),
	}
}

// Register resolves the given SKUs against the storefront and caches
// their entries. Already-known SKUs are refreshed; SKUs the storefront
// does not know are dropped from the cache.
func (r *Registry) Register(ctx context.Context, skus []string) error {
	if len(skus) == 0 {
		return nil
	}
	resolved, err := r.store.Entries(ctx, skus)
	if err != nil {
		return fmt.Errorf("resolve storefront entries: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sku := range skus {
		if entry, ok := resolved[sku]; ok {
			r.entries[sku] = entry
		} else {
			delete(r.entries, sku)
		}
	}
	return nil
}

// Entry returns the cached storefront entry for a SKU.
func (r *Registry) Entry(sku string) (ledger.CatalogEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[sku]
	return entry, ok
}

// Offer returns the cached promotional offer for a SKU, or nil.
func (r *Registry) Offer(sku, offerID string) *ledger.Offer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[sku]
	if !ok {
		return nil
	}
	return entry.FindPromotionalOffer(offerID)
}
