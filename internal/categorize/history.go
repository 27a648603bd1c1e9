package categorize

import (
	"context"
	"fmt"

	"github.com/dvloznov/import-pipeline/internal/domain"
	"github.com/dvloznov/import-pipeline/internal/store"
)

// HistorySource suggests the category the owner most frequently assigned to
// this merchant before. The aggregate is computed on demand, not stored.
type HistorySource struct {
	transactions store.TransactionRepository
}

// NewHistorySource creates a merchant-history source.
func NewHistorySource(transactions store.TransactionRepository) *HistorySource {
	return &HistorySource{transactions: transactions}
}

// Name implements the Source interface.
func (s *HistorySource) Name() string { return "merchant_history" }

// Attempt implements the Source interface. Confidence is the share of past
// categorizations that agree on the winning category and must reach the
// configured threshold.
func (s *HistorySource) Attempt(ctx context.Context, tx *domain.ExtractedTransaction, ownerID string, opts Options) (*domain.CategorySuggestion, error) {
	if tx.MerchantName == "" {
		return nil, nil
	}

	counts, err := s.transactions.MerchantCategoryCounts(ctx, ownerID, tx.MerchantName)
	if err != nil {
		return nil, fmt.Errorf("merchant history for %q: %w", tx.MerchantName, err)
	}
	if len(counts) == 0 {
		return nil, nil
	}

	total := 0
	bestID := ""
	bestCount := 0
	for categoryID, count := range counts {
		total += count
		// Tie-break on category id so equal counts stay deterministic.
		if count > bestCount || (count == bestCount && categoryID < bestID) {
			bestID = categoryID
			bestCount = count
		}
	}

	confidence := float64(bestCount) / float64(total)
	if confidence < opts.minConfidence() {
		return nil, nil
	}

	return &domain.CategorySuggestion{
		CategoryID: bestID,
		Method:     domain.MethodHistory,
		Confidence: confidence,
	}, nil
}

// Ensure HistorySource implements Source.
var _ Source = (*HistorySource)(nil)
