package application

import (
	"context"
	"log/slog"

	"golang.org/x/text/language"

	"github.com/felixgeelhaar/storeflow/internal/backend"
	"github.com/felixgeelhaar/storeflow/internal/catalog/domain"
	"github.com/felixgeelhaar/storeflow/internal/ledger"
)

// CatalogAPI is the backend surface the catalog service consumes.
type CatalogAPI interface {
	GetProducts(ctx context.Context, identifiers []string) ([]backend.ProductPayload, error)
	GetSubscriptionGroups(ctx context.Context, identifiers []string) ([]backend.SubscriptionGroupPayload, error)
}

// Service fetches catalog data and merges it with storefront pricing.
type Service struct {
	api      CatalogAPI
	registry *Registry
	logger   *slog.Logger
	lang     language.Tag
}

// NewService creates a catalog service.
func NewService(api CatalogAPI, registry *Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{api: api, registry: registry, logger: logger, lang: language.English}
}

// WithLanguage sets the display language for formatted prices.
func (s *Service) WithLanguage(lang language.Tag) *Service {
	s.lang = lang
	return s
}

// Registry exposes the storefront entry cache for other components.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Products fetches catalog products, registers their SKUs with the
// storefront and returns merged snapshots.
func (s *Service) Products(ctx context.Context, identifiers []string, onlyAvailable bool) ([]domain.Product, error) {
	payloads, err := s.api.GetProducts(ctx, identifiers)
	if err != nil {
		return nil, err
	}

	skus := make([]string, 0, len(payloads))
	for i := range payloads {
		skus = append(skus, payloads[i].SKU)
	}
	if err := s.registry.Register(ctx, skus); err != nil {
		return nil, err
	}

	products := make([]domain.Product, 0, len(payloads))
	for i := range payloads {
		product := ParseProduct(&payloads[i], s.registry, s.lang)
		if !onlyAvailable || product.Status == domain.StatusAvailable {
			products = append(products, product)
		}
	}
	return products, nil
}

// SubscriptionGroups fetches subscription groups with merged plan
// snapshots. With onlyAvailable, groups without a single sellable plan
// are dropped entirely.
func (s *Service) SubscriptionGroups(ctx context.Context, identifiers []string, onlyAvailable bool) ([]domain.SubscriptionGroup, error) {
	payloads, err := s.api.GetSubscriptionGroups(ctx, identifiers)
	if err != nil {
		return nil, err
	}

	var skus []string
	for i := range payloads {
		for j := range payloads[i].Products {
			skus = append(skus, payloads[i].Products[j].SKU)
		}
	}
	if err := s.registry.Register(ctx, skus); err != nil {
		return nil, err
	}

	groups := make([]domain.SubscriptionGroup, 0, len(payloads))
	for i := range payloads {
		group := domain.SubscriptionGroup{
			ID:          payloads[i].ID,
			Identifier:  payloads[i].Identifier,
			Name:        payloads[i].Name,
			Details:     payloads[i].Details,
			ExternalRef: payloads[i].ExternalRef,
			Extras:      payloads[i].Extras,
		}
		for j := range payloads[i].Products {
			product := ParseProduct(&payloads[i].Products[j], s.registry, s.lang)
			if !onlyAvailable || product.Status == domain.StatusAvailable {
				group.Products = append(group.Products, product)
			}
		}
		if !onlyAvailable || len(group.Products) > 0 {
			groups = append(groups, group)
		}
	}
	return groups, nil
}

// ParseProduct merges a backend product payload with its storefront
// entry. Pricing always comes from the storefront because it reflects
// the customer's actual region; backend prices are reference values.
func ParseProduct(payload *backend.ProductPayload, registry *Registry, lang language.Tag) domain.Product {
	product := domain.Product{
		ID:          payload.ID,
		CreatedAt:   payload.CreatedAt,
		UpdatedAt:   payload.UpdatedAt,
		Identifier:  payload.Identifier,
		ExternalRef: payload.ExternalRef,
		SKU:         payload.SKU,
		Type:        domain.ProductType(payload.Type),
		Name:        payload.Name,
		Details:     payload.Details,
		Extras:      payload.Extras,
	}

	entry, known := registry.Entry(payload.SKU)

	switch product.Type {
	case domain.ProductTypeOneTime:
		product.OneTime = &domain.OneTimeProduct{
			Consumable:      payload.OneTime.Consumable,
			MultiQuantity:   payload.OneTime.MultiQuantity,
			NonRenewableSub: payload.OneTime.NonRenewableSub,
		}
		switch {
		case !known:
			product.Status = domain.StatusUnavailable
		case entry.IsSubscription():
			// The storefront sells this SKU as a subscription; the
			// backend declares it one-time. Refuse to sell it.
			product.Status = domain.StatusInvalid
		default:
			product.Status = domain.StatusAvailable
		}

	case domain.ProductTypeSubscription:
		sub := &domain.SubscriptionProduct{
			GroupID:    payload.Subscription.GroupID,
			GroupLevel: payload.Subscription.GroupLevel,
		}
		switch {
		case !known:
			product.Status = domain.StatusUnavailable
		case !entry.IsSubscription():
			product.Status = domain.StatusInvalid
		default:
			product.Status = domain.StatusAvailable
			sub.PlatformGroupID = entry.SubscriptionGroup
		}

		if count, unit, err := domain.NormalizePeriod(payload.Subscription.PeriodCount, payload.Subscription.PeriodUnit); err == nil {
			sub.PeriodCount = count
			sub.PeriodUnit = unit
		} else if product.Status == domain.StatusAvailable {
			product.Status = domain.StatusInvalid
		}

		if payload.Subscription.IntroductoryOffer != nil {
			offer := ParseOffer(payload.Subscription.IntroductoryOffer, &entry, known, lang)
			sub.IntroductoryOffer = &offer
		}
		for i := range payload.Subscription.PromotionalOffers {
			sub.PromotionalOffers = append(sub.PromotionalOffers,
				ParseOffer(&payload.Subscription.PromotionalOffers[i], &entry, known, lang))
		}
		product.Subscription = sub
	}

	if product.Status == domain.StatusAvailable {
		product.PriceMillis = entry.PriceMillis
		product.CurrencyCode = entry.CurrencyCode
		product.PriceFormatted = entry.PriceFormatted
		if product.PriceFormatted == "" {
			product.PriceFormatted = domain.FormatPrice(entry.PriceMillis, entry.CurrencyCode, lang)
		}
	}
	return product
}

// ParseOffer merges a backend offer with the matching storefront offer
// when the entry is known.
func ParseOffer(payload *backend.OfferPayload, entry *ledger.CatalogEntry, known bool, lang language.Tag) domain.SubscriptionOffer {
	offer := domain.SubscriptionOffer{
		ID:              payload.ID,
		CreatedAt:       payload.CreatedAt,
		UpdatedAt:       payload.UpdatedAt,
		Identifier:      payload.Identifier,
		ExternalRef:     payload.ExternalRef,
		Name:            payload.Name,
		Type:            domain.OfferType(payload.Type),
		PlatformOfferID: payload.PlatformOfferID,
		CycleCount:      payload.CycleCount,
		Status:          domain.StatusUnavailable,
	}
	if count, unit, err := domain.NormalizePeriod(payload.PeriodCount, payload.PeriodUnit); err == nil {
		offer.PeriodCount = count
		offer.PeriodUnit = unit
	}
	if !known {
		return offer
	}

	var storeOffer *ledger.Offer
	if offer.Type == domain.OfferTypeFreeTrial {
		storeOffer = entry.IntroductoryOffer
	} else if payload.PlatformOfferID != "" {
		storeOffer = entry.FindPromotionalOffer(payload.PlatformOfferID)
	}
	if storeOffer == nil {
		return offer
	}

	offer.Status = domain.StatusAvailable
	offer.PriceMillis = storeOffer.PriceMillis
	offer.CurrencyCode = storeOffer.CurrencyCode
	offer.PriceFormatted = storeOffer.PriceFormatted
	if offer.PriceFormatted == "" {
		offer.PriceFormatted = domain.FormatPrice(storeOffer.PriceMillis, storeOffer.CurrencyCode, lang)
	}
	return offer
}
