package categorize

import (
	"context"

	"github.com/dvloznov/import-pipeline/internal/domain"
)

// DefaultAIConfidence is assumed when the provider suggests a category
// without reporting a confidence of its own.
const DefaultAIConfidence = 0.85

// Suggester is the AI categorizer collaborator contract.
type Suggester interface {
	// SuggestCategory proposes a category for the transaction, or nil when
	// the model has no suggestion.
	SuggestCategory(ctx context.Context, ownerID, merchantName, description string, amount float64) (*domain.CategorySuggestion, error)
}

// AISource is the last-resort categorization strategy. It only runs when the
// caller opts in and its suggestions are gated by the confidence threshold.
type AISource struct {
	suggester Suggester
}

// NewAISource creates an AI fallback source.
func NewAISource(suggester Suggester) *AISource {
	return &AISource{suggester: suggester}
}

// Name implements the Source interface.
func (s *AISource) Name() string { return "ai" }

// Attempt implements the Source interface.
func (s *AISource) Attempt(ctx context.Context, tx *domain.ExtractedTransaction, ownerID string, opts Options) (*domain.CategorySuggestion, error) {
	if !opts.IncludeAI || s.suggester == nil {
		return nil, nil
	}

	suggestion, err := s.suggester.SuggestCategory(ctx, ownerID, tx.MerchantName, tx.Description, tx.Amount)
	if err != nil {
		return nil, err
	}
	if suggestion == nil || suggestion.CategoryID == "" {
		return nil, nil
	}

	if suggestion.Confidence <= 0 {
		suggestion.Confidence = DefaultAIConfidence
	}
	if suggestion.Confidence < opts.minConfidence() {
		return nil, nil
	}

	suggestion.Method = domain.MethodAI
	return suggestion, nil
}

// Ensure AISource implements Source.
var _ Source = (*AISource)(nil)
