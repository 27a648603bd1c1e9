package categorize

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/import-pipeline/internal/domain"
	"github.com/dvloznov/import-pipeline/internal/store"
	"github.com/google/uuid"
)

// RuleService owns rule and category mutations. Deletions that would detach
// data require an explicit force acknowledgment from the caller; nothing is
// silently detached.
type RuleService struct {
	store  store.Store
	source *RuleSource
}

// NewRuleService creates a rule service that invalidates the given rule
// source's cache on every mutation.
func NewRuleService(st store.Store, source *RuleSource) *RuleService {
	return &RuleService{store: st, source: source}
}

// CreateRule validates that the pattern compiles for its match type and that
// the target category is visible to the owner, then stores the rule.
func (s *RuleService) CreateRule(ctx context.Context, ownerID string, field domain.RuleField, matchType domain.MatchType, value, categoryID string) (*domain.CategoryRule, error) {
	rule := &domain.CategoryRule{
		RuleID:     uuid.New().String(),
		OwnerID:    ownerID,
		CategoryID: categoryID,
		Field:      field,
		MatchType:  matchType,
		Value:      value,
		CreatedAt:  time.Now(),
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.store.GetCategory(ctx, categoryID, ownerID); err != nil {
		return nil, err
	}
	if err := s.store.CreateRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("CreateRule: %w", err)
	}
	s.source.Invalidate(ownerID)
	return rule, nil
}

// DeleteRule removes a rule owned by ownerID.
func (s *RuleService) DeleteRule(ctx context.Context, ruleID, ownerID string) error {
	if err := s.store.DeleteRule(ctx, ruleID, ownerID); err != nil {
		return err
	}
	s.source.Invalidate(ownerID)
	return nil
}

// DeleteCategory removes a user category. When the category is still in use
// on the owner's transactions the call is refused unless force is set, in
// which case the category is cleared from the affected transactions first,
// routing them back to review. System categories cannot be deleted.
func (s *RuleService) DeleteCategory(ctx context.Context, categoryID, ownerID string, force bool) error {
	category, err := s.store.GetCategory(ctx, categoryID, ownerID)
	if err != nil {
		return err
	}
	if category.System() {
		return &domain.ValidationError{Msg: "system categories cannot be deleted"}
	}

	inUse, err := s.store.CountByCategory(ctx, ownerID, categoryID)
	if err != nil {
		return fmt.Errorf("DeleteCategory: count usage: %w", err)
	}
	if inUse > 0 && !force {
		return &domain.ValidationError{
			Msg: fmt.Sprintf("category is used by %d transactions; pass force to detach them", inUse),
		}
	}
	if inUse > 0 {
		if _, err := s.store.ClearCategory(ctx, ownerID, categoryID); err != nil {
			return fmt.Errorf("DeleteCategory: clear category: %w", err)
		}
	}

	if err := s.store.DeleteCategory(ctx, categoryID, ownerID); err != nil {
		return err
	}
	s.source.Invalidate(ownerID)
	return nil
}
