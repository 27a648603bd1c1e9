package categorize

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dvloznov/import-pipeline/internal/domain"
	"github.com/dvloznov/import-pipeline/internal/store"
	gocache "github.com/patrickmn/go-cache"
)

// ruleCacheTTL bounds how stale a compiled rule set may get before the next
// load; rule mutations invalidate eagerly so this only covers other writers.
const ruleCacheTTL = 5 * time.Minute

// compiledRule pairs a stored rule with its pre-compiled pattern. Patterns
// compile once at load time; an invalid pattern that slipped past creation
// validation drops the rule rather than failing every match.
type compiledRule struct {
	rule *domain.CategoryRule
	re   *regexp.Regexp
}

// RuleSource matches user-authored rules in three tiers: exact, then regex,
// then contains. Each tier is tried in full, in stored order, before falling
// to the next, so an exact rule always beats a regex rule regardless of
// creation order.
type RuleSource struct {
	rules store.RuleRepository
	cache *gocache.Cache
}

// NewRuleSource creates a rule source with a per-owner compiled-rule cache.
func NewRuleSource(rules store.RuleRepository) *RuleSource {
	return &RuleSource{
		rules: rules,
		cache: gocache.New(ruleCacheTTL, 2*ruleCacheTTL),
	}
}

// Name implements the Source interface.
func (s *RuleSource) Name() string { return "rules" }

// Invalidate drops the owner's cached compiled rules. Call after any rule
// mutation.
func (s *RuleSource) Invalidate(ownerID string) {
	s.cache.Delete(ownerID)
}

// Attempt implements the Source interface. Rule matches carry confidence 1.0.
func (s *RuleSource) Attempt(ctx context.Context, tx *domain.ExtractedTransaction, ownerID string, opts Options) (*domain.CategorySuggestion, error) {
	compiled, err := s.load(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	tiers := []struct {
		matchType domain.MatchType
		method    domain.CategorizationMethod
	}{
		{domain.MatchTypeExact, domain.MethodRuleExact},
		{domain.MatchTypeRegex, domain.MethodRuleRegex},
		{domain.MatchTypeContains, domain.MethodRuleContains},
	}

	for _, tier := range tiers {
		for _, cr := range compiled {
			if cr.rule.MatchType != tier.matchType {
				continue
			}
			if matches(cr, fieldValue(tx, cr.rule.Field)) {
				return &domain.CategorySuggestion{
					CategoryID: cr.rule.CategoryID,
					Method:     tier.method,
					Confidence: 1.0,
				}, nil
			}
		}
	}
	return nil, nil
}

func (s *RuleSource) load(ctx context.Context, ownerID string) ([]compiledRule, error) {
	if cached, ok := s.cache.Get(ownerID); ok {
		return cached.([]compiledRule), nil
	}

	rules, err := s.rules.ListRules(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load rules for %s: %w", ownerID, err)
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		cr := compiledRule{rule: rule}
		if rule.MatchType == domain.MatchTypeRegex {
			re, err := regexp.Compile(rule.Value)
			if err != nil {
				continue
			}
			cr.re = re
		}
		compiled = append(compiled, cr)
	}

	s.cache.Set(ownerID, compiled, gocache.DefaultExpiration)
	return compiled, nil
}

func matches(cr compiledRule, value string) bool {
	switch cr.rule.MatchType {
	case domain.MatchTypeExact:
		return strings.EqualFold(strings.TrimSpace(value), strings.TrimSpace(cr.rule.Value))
	case domain.MatchTypeContains:
		return strings.Contains(strings.ToLower(value), strings.ToLower(cr.rule.Value))
	case domain.MatchTypeRegex:
		return cr.re != nil && cr.re.MatchString(value)
	default:
		return false
	}
}

func fieldValue(tx *domain.ExtractedTransaction, field domain.RuleField) string {
	switch field {
	case domain.RuleFieldDescription:
		return tx.Description
	default:
		return tx.MerchantName
	}
}

// Ensure RuleSource implements Source.
var _ Source = (*RuleSource)(nil)
