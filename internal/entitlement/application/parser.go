package application

import (
	"fmt"
	"strconv"

	"golang.org/x/text/language"

	"github.com/felixgeelhaar/storeflow/internal/backend"
	catalogapp "github.com/felixgeelhaar/storeflow/internal/catalog/application"
	"github.com/felixgeelhaar/storeflow/internal/entitlement/domain"
	"github.com/felixgeelhaar/storeflow/internal/ledger"
)

// ParseEntitlement converts a backend grant payload into a domain
// entitlement. Subscription grants are reconciled against the platform
// ledger records (keyed by original transaction id): a matching record
// marks the grant as managed by this store account, and the record's
// auto-renew state overrides the backend's, since the ledger learns
// about cancellations first.
func ParseEntitlement(payload *backend.EntitlementPayload, records map[uint64]ledger.Record, registry *catalogapp.Registry, lang language.Tag) (domain.Entitlement, error) {
	switch payload.Type {
	case "one_time":
		item := payload.Item
		return domain.Entitlement{
			Type:       domain.EntitlementOneTime,
			CustomerID: item.CustomerID,
			Product:    catalogapp.ParseProduct(&item.Product, registry, lang),
			Item: &domain.ItemGrant{
				ID:        item.ID,
				CreatedAt: item.CreatedAt,
				UpdatedAt: item.UpdatedAt,
				Quantity:  item.Quantity,
			},
		}, nil

	case "subscription":
		grant := payload.Subscription
		return domain.Entitlement{
			Type:         domain.EntitlementSubscription,
			CustomerID:   grant.CustomerID,
			Product:      catalogapp.ParseProduct(&grant.Product, registry, lang),
			Subscription: parseSubscriptionGrant(grant, records, registry, lang),
		}, nil

	default:
		return domain.Entitlement{}, fmt.Errorf("unknown entitlement type %q", payload.Type)
	}
}

func parseSubscriptionGrant(grant *backend.SubscriptionGrantPayload, records map[uint64]ledger.Record, registry *catalogapp.Registry, lang language.Tag) *domain.SubscriptionGrant {
	sub := &domain.SubscriptionGrant{
		ID:        grant.ID,
		CreatedAt: grant.CreatedAt,
		UpdatedAt: grant.UpdatedAt,

		StartAt:  grant.StartDate,
		EndAt:    grant.EndDate,
		Platform: grant.Platform,

		AutoRenew:        grant.AutoRenewEnabled,
		InGracePeriod:    grant.IsInGracePeriod,
		InBillingIssue:   grant.IsInBillingIssue,
		PauseScheduled:   grant.HasPauseScheduled,
		Paused:           grant.IsPaused,
		ResumeAt:         grant.ResumeDate,
		ExpiredOrRevoked: grant.IsExpiredOrRevoked,

		LastPriceMillis:    grant.LastPriceMillis,
		RegularPriceMillis: grant.RegularPriceMillis,
		RenewPriceMillis:   grant.RenewPriceMillis,
		CurrencyCode:       grant.CurrencyCode,

		OfferExpiryAt:       grant.OfferExpiryDate,
		OfferRemainingCycle: grant.OfferRemainingCycle,
	}

	if grant.LastPlatformTxOriginalID != "" {
		if id, err := strconv.ParseUint(grant.LastPlatformTxOriginalID, 10, 64); err == nil {
			sub.LastPlatformTxOriginalID = id
			if record, ok := records[id]; ok {
				sub.ManagedByThisStoreAccount = true
				if record.AutoRenew != nil {
					sub.AutoRenew = *record.AutoRenew
				}
			}
		}
	}

	if grant.ProductOffer != nil {
		entry, known := registry.Entry(grant.Product.SKU)
		offer := catalogapp.ParseOffer(grant.ProductOffer, &entry, known, lang)
		sub.ProductOffer = &offer
	}

	if grant.RenewProduct != nil {
		renew := catalogapp.ParseProduct(grant.RenewProduct, registry, lang)
		sub.RenewProduct = &renew
		if grant.RenewProductOffer != nil {
			entry, known := registry.Entry(grant.RenewProduct.SKU)
			offer := catalogapp.ParseOffer(grant.RenewProductOffer, &entry, known, lang)
			sub.RenewProductOffer = &offer
		}
	}

	return sub
}

// grantSKUs collects the store SKUs referenced by a batch of grant
// payloads so they can be registered before parsing.
func grantSKUs(payloads []backend.EntitlementPayload) []string {
	seen := make(map[string]struct{}, len(payloads))
	var skus []string
	add := func(sku string) {
		if sku == "" {
			return
		}
		if _, ok := seen[sku]; ok {
			return
		}
		seen[sku] = struct{}{}
		skus = append(skus, sku)
	}

	for i := range payloads {
		switch p := &payloads[i]; p.Type {
		case "one_time":
			if p.Item != nil {
				add(p.Item.Product.SKU)
			}
		case "subscription":
			if p.Subscription != nil {
				add(p.Subscription.Product.SKU)
				if p.Subscription.RenewProduct != nil {
					add(p.Subscription.RenewProduct.SKU)
				}
			}
		}
	}
	return skus
}
