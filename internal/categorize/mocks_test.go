package categorize

import (
	"context"
	"time"

	"github.com/dvloznov/import-pipeline/internal/domain"
)

type mockRuleRepository struct {
	ListRulesFunc   func(ctx context.Context, ownerID string) ([]*domain.CategoryRule, error)
	GetCategoryFunc func(ctx context.Context, categoryID, ownerID string) (*domain.Category, error)
}

func (m *mockRuleRepository) ListRules(ctx context.Context, ownerID string) ([]*domain.CategoryRule, error) {
	if m.ListRulesFunc != nil {
		return m.ListRulesFunc(ctx, ownerID)
	}
	return nil, nil
}

func (m *mockRuleRepository) GetCategory(ctx context.Context, categoryID, ownerID string) (*domain.Category, error) {
	if m.GetCategoryFunc != nil {
		return m.GetCategoryFunc(ctx, categoryID, ownerID)
	}
	return nil, &domain.NotFoundError{Resource: "category", ID: categoryID}
}

func (m *mockRuleRepository) CreateRule(ctx context.Context, rule *domain.CategoryRule) error {
	return nil
}

func (m *mockRuleRepository) DeleteRule(ctx context.Context, ruleID, ownerID string) error {
	return nil
}

func (m *mockRuleRepository) CreateCategory(ctx context.Context, category *domain.Category) error {
	return nil
}

func (m *mockRuleRepository) DeleteCategory(ctx context.Context, categoryID, ownerID string) error {
	return nil
}

func (m *mockRuleRepository) ListCategories(ctx context.Context, ownerID string) ([]*domain.Category, error) {
	return nil, nil
}

type mockTransactionRepository struct {
	MerchantCategoryCountsFunc func(ctx context.Context, ownerID, merchantName string) (map[string]int, error)
}

func (m *mockTransactionRepository) MerchantCategoryCounts(ctx context.Context, ownerID, merchantName string) (map[string]int, error) {
	if m.MerchantCategoryCountsFunc != nil {
		return m.MerchantCategoryCountsFunc(ctx, ownerID, merchantName)
	}
	return nil, nil
}

func (m *mockTransactionRepository) InsertTransaction(ctx context.Context, tx *domain.Transaction) error {
	return nil
}

func (m *mockTransactionRepository) ListTransactionsByBatch(ctx context.Context, batchID, ownerID string) ([]*domain.Transaction, error) {
	return nil, nil
}

func (m *mockTransactionRepository) FindByContentHash(ctx context.Context, ownerID, contentHash string) (*domain.Transaction, error) {
	return nil, nil
}

func (m *mockTransactionRepository) FindByMerchantDateAmount(ctx context.Context, ownerID, merchantName string, date time.Time, amount float64) (*domain.Transaction, error) {
	return nil, nil
}

func (m *mockTransactionRepository) CountByCategory(ctx context.Context, ownerID, categoryID string) (int, error) {
	return 0, nil
}

func (m *mockTransactionRepository) ClearCategory(ctx context.Context, ownerID, categoryID string) (int, error) {
	return 0, nil
}

type mockSuggester struct {
	SuggestCategoryFunc func(ctx context.Context, ownerID, merchantName, description string, amount float64) (*domain.CategorySuggestion, error)
}

func (m *mockSuggester) SuggestCategory(ctx context.Context, ownerID, merchantName, description string, amount float64) (*domain.CategorySuggestion, error) {
	if m.SuggestCategoryFunc != nil {
		return m.SuggestCategoryFunc(ctx, ownerID, merchantName, description, amount)
	}
	return nil, nil
}
