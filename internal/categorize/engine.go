// Package categorize decides a spending category for a transaction.
// Sources are modeled as a prioritized strategy list (rules, then merchant
// history, then the AI fallback) evaluated in fixed order; the first
// confident suggestion wins. Adding a new source is a matter of inserting
// a strategy, not threading new branches through the engine.
package categorize

import (
	"context"

	"github.com/dvloznov/import-pipeline/internal/domain"
	"github.com/dvloznov/import-pipeline/internal/logger"
	"github.com/dvloznov/import-pipeline/internal/store"
)

// DefaultMinConfidence is the acceptance threshold for history and AI
// suggestions when the caller does not override it. Rule matches are always
// confidence 1.0 and unaffected.
const DefaultMinConfidence = 0.7

// Options controls a categorization run.
type Options struct {
	// IncludeAI enables the AI fallback source.
	IncludeAI bool
	// MinConfidence is the acceptance threshold for history and AI
	// suggestions. Zero means DefaultMinConfidence.
	MinConfidence float64
}

func (o Options) minConfidence() float64 {
	if o.MinConfidence <= 0 {
		return DefaultMinConfidence
	}
	return o.MinConfidence
}

// Source is one categorization strategy. A nil suggestion means the source
// has nothing confident to offer and the engine falls through to the next.
type Source interface {
	Name() string
	Attempt(ctx context.Context, tx *domain.ExtractedTransaction, ownerID string, opts Options) (*domain.CategorySuggestion, error)
}

// Engine evaluates sources in order and resolves category names on the
// winning suggestion.
type Engine struct {
	sources    []Source
	categories store.RuleRepository
}

// NewEngine creates an engine over the given sources, tried in order.
func NewEngine(categories store.RuleRepository, sources ...Source) *Engine {
	return &Engine{sources: sources, categories: categories}
}

// Categorize runs the strategy list and returns the first confident
// suggestion, or the uncategorized result when none qualifies. A source
// error is logged and skipped: categorization failure must never fail the
// pipeline, it only routes the transaction to review.
func (e *Engine) Categorize(ctx context.Context, tx *domain.ExtractedTransaction, ownerID string, opts Options) (*domain.CategorySuggestion, error) {
	log := logger.FromContext(ctx)

	for _, source := range e.sources {
		suggestion, err := source.Attempt(ctx, tx, ownerID, opts)
		if err != nil {
			log.Warn().
				Err(err).
				Str("source", source.Name()).
				Str("merchant", tx.MerchantName).
				Msg("Categorization source failed, falling through")
			continue
		}
		if suggestion == nil {
			continue
		}

		if suggestion.CategoryName == "" {
			if category, err := e.categories.GetCategory(ctx, suggestion.CategoryID, ownerID); err == nil {
				suggestion.CategoryName = category.Name
			}
		}
		return suggestion, nil
	}

	return domain.Uncategorized(), nil
}
