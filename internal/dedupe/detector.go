// Package dedupe detects whether a newly ingested transaction already exists.
// The detector is intentionally conservative: false negatives are preferred
// over false positives, because a false positive silently drops a real
// transaction.
package dedupe

import (
	"context"
	"fmt"

	"github.com/dvloznov/import-pipeline/internal/domain"
	"github.com/dvloznov/import-pipeline/internal/store"
)

// Detector checks fingerprints against the owner's existing records.
type Detector struct {
	transactions store.TransactionRepository
}

// NewDetector creates a duplicate detector over the transaction store.
func NewDetector(transactions store.TransactionRepository) *Detector {
	return &Detector{transactions: transactions}
}

// FindDuplicate checks, in order: an exact content-hash match against
// previously ingested files (confidence 1.0), then a merchant+date+amount
// triple match on the same calendar day with the amount equal to the cent
// (confidence 0.9). Returns nil when neither stage hits.
func (d *Detector) FindDuplicate(ctx context.Context, ownerID string, fp domain.Fingerprint) (*domain.DuplicateMatch, error) {
	if fp.ContentHash != "" {
		existing, err := d.transactions.FindByContentHash(ctx, ownerID, fp.ContentHash)
		if err != nil {
			return nil, fmt.Errorf("FindDuplicate: content hash lookup: %w", err)
		}
		if existing != nil {
			return &domain.DuplicateMatch{
				TransactionID: existing.TransactionID,
				MatchType:     domain.DuplicateMatchExactImage,
				Confidence:    1.0,
			}, nil
		}
	}

	if fp.MerchantName != "" && !fp.Date.IsZero() {
		existing, err := d.transactions.FindByMerchantDateAmount(ctx, ownerID, fp.MerchantName, fp.Date, fp.Amount)
		if err != nil {
			return nil, fmt.Errorf("FindDuplicate: triple lookup: %w", err)
		}
		if existing != nil {
			return &domain.DuplicateMatch{
				TransactionID: existing.TransactionID,
				MatchType:     domain.DuplicateMatchMerchantDateAmount,
				Confidence:    0.9,
			}, nil
		}
	}

	return nil, nil
}
