// Package store defines the persistence contracts consumed by the import
// pipeline. Implementations must provide at least read-committed isolation;
// counter updates are expressed as single conditional operations so that
// concurrent item completions for the same batch cannot lose updates.
package store

import (
	"context"
	"time"

	"github.com/dvloznov/import-pipeline/internal/domain"
)

// BatchFilter defines filtering and keyset pagination for listing batches.
// Cursor is an opaque batch id; the store resolves it to that batch's
// createdAt and returns batches strictly older than it.
type BatchFilter struct {
	Status domain.BatchStatus
	Limit  int
	Cursor string
}

// ItemOutcome is the single atomic "apply terminal outcome" operation for a
// processing attempt. The store must, in one transaction keyed by the item id
// and its expected prior status: set the item's status and error, increment
// the batch's processed counter plus the outcome-specific counter, and
// recompute the batch status when all files are accounted for.
//
// Failed outcomes with retries remaining are recorded on the item but do not
// touch the counters; only the attempt that reaches a terminal state counts.
type ItemOutcome struct {
	ItemID       string
	BatchID      string
	Status       domain.ItemStatus
	ErrorMessage string
	// Retryable marks a failed outcome as eligible for re-enqueue while
	// retries remain (extraction failures). Persistence and programming
	// errors set it false: they are terminal until a user intervenes.
	Retryable bool
}

// OutcomeResult reports what ApplyItemOutcome did.
type OutcomeResult struct {
	// Applied is false when the item was not in a processing state,
	// i.e. a redelivered job hit an already-terminal item.
	Applied bool
	// BatchFinished is true when this outcome was the one that brought
	// processedFiles up to totalFiles.
	BatchFinished bool
	BatchStatus   domain.BatchStatus
}

// BatchRepository persists batches and their items.
type BatchRepository interface {
	// CreateBatch atomically creates the batch and all of its items.
	// Partial item creation must not survive a failure.
	CreateBatch(ctx context.Context, batch *domain.Batch, items []*domain.BatchItem) error

	GetBatch(ctx context.Context, batchID, ownerID string) (*domain.Batch, error)
	ListBatches(ctx context.Context, ownerID string, filter BatchFilter) ([]*domain.Batch, error)
	AppendBatchError(ctx context.Context, batchID, msg string) error

	// MarkBatchProcessing transitions pending -> processing and records
	// startedAt. A no-op when the batch is already processing.
	MarkBatchProcessing(ctx context.Context, batchID string, at time.Time) error

	// CancelBatch transitions pending|processing -> cancelled.
	CancelBatch(ctx context.Context, batchID, ownerID string) error

	GetItem(ctx context.Context, itemID, ownerID string) (*domain.BatchItem, error)
	ListItems(ctx context.Context, batchID, ownerID string) ([]*domain.BatchItem, error)

	// BeginItem transitions pending -> processing. Returns the item and
	// false when it is not pending, which is how redeliveries of
	// already-terminal items are detected.
	BeginItem(ctx context.Context, itemID string) (*domain.BatchItem, bool, error)

	// MarkItemEnqueued records a successful job publish for the item.
	MarkItemEnqueued(ctx context.Context, itemID string, at time.Time) error

	// ResetItemForRetry transitions failed -> pending, increments
	// retryCount and reverses any counter contribution of the failed
	// attempt. Guarded by retryCount < MaxItemRetries.
	ResetItemForRetry(ctx context.Context, itemID, ownerID string) (*domain.BatchItem, error)

	// ListRetryableItems returns the owner's items the retry sweep can act
	// on: failed items with retries remaining, plus pending items whose job
	// publish never succeeded.
	ListRetryableItems(ctx context.Context, ownerID string) ([]*domain.BatchItem, error)

	ApplyItemOutcome(ctx context.Context, outcome ItemOutcome) (*OutcomeResult, error)
}

// RuleRepository persists user-authored categorization rules and categories.
type RuleRepository interface {
	CreateRule(ctx context.Context, rule *domain.CategoryRule) error
	DeleteRule(ctx context.Context, ruleID, ownerID string) error
	// ListRules returns the owner's rules ordered by (createdAt, ruleID)
	// ascending so that "first in stored order" tie-breaks are deterministic.
	ListRules(ctx context.Context, ownerID string) ([]*domain.CategoryRule, error)

	CreateCategory(ctx context.Context, category *domain.Category) error
	// GetCategory returns the category when it is a system category or
	// owned by ownerID.
	GetCategory(ctx context.Context, categoryID, ownerID string) (*domain.Category, error)
	DeleteCategory(ctx context.Context, categoryID, ownerID string) error
	ListCategories(ctx context.Context, ownerID string) ([]*domain.Category, error)
}

// TransactionRepository persists extracted transactions and serves the
// lookups behind duplicate detection and merchant history.
type TransactionRepository interface {
	InsertTransaction(ctx context.Context, tx *domain.Transaction) error
	ListTransactionsByBatch(ctx context.Context, batchID, ownerID string) ([]*domain.Transaction, error)

	// FindByContentHash and FindByMerchantDateAmount skip records flagged
	// as duplicates, so a match always lands on the canonical record.
	FindByContentHash(ctx context.Context, ownerID, contentHash string) (*domain.Transaction, error)
	FindByMerchantDateAmount(ctx context.Context, ownerID, merchantName string, date time.Time, amount float64) (*domain.Transaction, error)

	// MerchantCategoryCounts aggregates, per category, how often the owner
	// categorized this merchant before. Uncategorized records are excluded.
	MerchantCategoryCounts(ctx context.Context, ownerID, merchantName string) (map[string]int, error)

	// CountByCategory reports how many of the owner's transactions carry
	// the category, for delete-cascade confirmation.
	CountByCategory(ctx context.Context, ownerID, categoryID string) (int, error)

	// ClearCategory detaches the category from every affected transaction,
	// routing them back to review. Returns the number cleared.
	ClearCategory(ctx context.Context, ownerID, categoryID string) (int, error)
}

// ActivityRepository is the append-only audit log.
type ActivityRepository interface {
	AppendActivity(ctx context.Context, entry *domain.ActivityLogEntry) error
	// ListActivity returns the batch's entries, most recent first.
	ListActivity(ctx context.Context, batchID, ownerID string, limit int) ([]*domain.ActivityLogEntry, error)
}

// Store bundles every repository the pipeline needs.
type Store interface {
	BatchRepository
	RuleRepository
	TransactionRepository
	ActivityRepository
}
