package rules

import (
	"context"
	"log/slog"
	"time"

	"github.com/berryselect/berrypick/internal/cache"
	"github.com/berryselect/berrypick/internal/domain"
)

// CachedSource serves a product's active rules from cache, reading through
// to the store on a miss. Cache failures fall back to the store.
type CachedSource struct {
	store domain.RuleStore
	cache domain.Cache
	ttl   time.Duration
}

// NewCachedSource wraps a rule store with a cache.
func NewCachedSource(store domain.RuleStore, c domain.Cache, ttl time.Duration) *CachedSource {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedSource{store: store, cache: c, ttl: ttl}
}

func ruleKey(productID string) string {
	return "rules:" + productID
}

// FindActiveRulesForProduct returns the product's active rules.
func (s *CachedSource) FindActiveRulesForProduct(ctx context.Context, productID string) ([]*domain.BenefitRule, error) {
	key := ruleKey(productID)

	var specs []domain.RuleSpec
	hit, err := cache.GetJSON(ctx, s.cache, key, &specs)
	if err != nil {
		slog.Warn("rule cache read failed", "product_id", productID, "error", err)
	}
	if hit {
		rules := make([]*domain.BenefitRule, 0, len(specs))
		for _, spec := range specs {
			rules = append(rules, spec.Rule())
		}
		return rules, nil
	}

	rules, err := s.store.FindActiveRulesForProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	specs = make([]domain.RuleSpec, 0, len(rules))
	for _, r := range rules {
		specs = append(specs, r.Spec())
	}
	if err := cache.SetJSON(ctx, s.cache, key, specs, s.ttl); err != nil {
		slog.Warn("rule cache write failed", "product_id", productID, "error", err)
	}

	return rules, nil
}

// Invalidate drops the cached rules of a product.
func (s *CachedSource) Invalidate(ctx context.Context, productID string) error {
	return s.cache.Delete(ctx, ruleKey(productID))
}
