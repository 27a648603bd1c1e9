// Package inmemory is a map-backed implementation of the store contracts.
// It is safe for concurrent use and suitable for tests and single-instance
// deployments. Data is lost on service restart - for persistence, use the
// warehouse-backed store.
package inmemory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dvloznov/import-pipeline/internal/domain"
	"github.com/dvloznov/import-pipeline/internal/store"
)

// Store holds every aggregate behind one mutex. Copies are made on the way
// in and out so callers can never mutate shared state.
type Store struct {
	mu sync.RWMutex

	batches      map[string]*domain.Batch
	items        map[string]*domain.BatchItem
	rules        map[string]*domain.CategoryRule
	categories   map[string]*domain.Category
	transactions map[string]*domain.Transaction
	activity     []*domain.ActivityLogEntry
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		batches:      make(map[string]*domain.Batch),
		items:        make(map[string]*domain.BatchItem),
		rules:        make(map[string]*domain.CategoryRule),
		categories:   make(map[string]*domain.Category),
		transactions: make(map[string]*domain.Transaction),
	}
}

func copyBatch(b *domain.Batch) *domain.Batch {
	c := *b
	c.Errors = append([]string(nil), b.Errors...)
	return &c
}

func copyItem(i *domain.BatchItem) *domain.BatchItem {
	c := *i
	return &c
}

// CreateBatch implements store.BatchRepository. The single critical section
// makes batch+items creation atomic.
func (s *Store) CreateBatch(ctx context.Context, batch *domain.Batch, items []*domain.BatchItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.batches[batch.BatchID] = copyBatch(batch)
	for _, item := range items {
		s.items[item.ItemID] = copyItem(item)
	}
	return nil
}

// GetBatch implements store.BatchRepository.
func (s *Store) GetBatch(ctx context.Context, batchID, ownerID string) (*domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batch, ok := s.batches[batchID]
	if !ok || batch.OwnerID != ownerID {
		return nil, &domain.NotFoundError{Resource: "batch", ID: batchID}
	}
	return copyBatch(batch), nil
}

// ListBatches implements store.BatchRepository with keyset pagination:
// batches strictly older than the cursor batch, createdAt descending.
func (s *Store) ListBatches(ctx context.Context, ownerID string, filter store.BatchFilter) ([]*domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cursorAt time.Time
	var cursorID string
	if filter.Cursor != "" {
		cur, ok := s.batches[filter.Cursor]
		if !ok || cur.OwnerID != ownerID {
			return nil, &domain.NotFoundError{Resource: "batch", ID: filter.Cursor}
		}
		cursorAt = cur.CreatedAt
		cursorID = cur.BatchID
	}

	var result []*domain.Batch
	for _, b := range s.batches {
		if b.OwnerID != ownerID {
			continue
		}
		if filter.Status != "" && b.Status != filter.Status {
			continue
		}
		if cursorID != "" {
			// Tie-break on batch id so equal timestamps cannot cause
			// overlap or gaps between pages.
			if b.CreatedAt.After(cursorAt) || (b.CreatedAt.Equal(cursorAt) && b.BatchID >= cursorID) {
				continue
			}
		}
		result = append(result, copyBatch(b))
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].BatchID > result[j].BatchID
	})

	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

// AppendBatchError implements store.BatchRepository.
func (s *Store) AppendBatchError(ctx context.Context, batchID, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[batchID]
	if !ok {
		return &domain.NotFoundError{Resource: "batch", ID: batchID}
	}
	batch.Errors = append(batch.Errors, msg)
	return nil
}

// MarkBatchProcessing implements store.BatchRepository.
func (s *Store) MarkBatchProcessing(ctx context.Context, batchID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[batchID]
	if !ok {
		return &domain.NotFoundError{Resource: "batch", ID: batchID}
	}
	if batch.Status == domain.BatchStatusPending {
		batch.Status = domain.BatchStatusProcessing
		started := at
		batch.StartedAt = &started
	}
	return nil
}

// CancelBatch implements store.BatchRepository.
func (s *Store) CancelBatch(ctx context.Context, batchID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[batchID]
	if !ok || batch.OwnerID != ownerID {
		return &domain.NotFoundError{Resource: "batch", ID: batchID}
	}
	switch batch.Status {
	case domain.BatchStatusPending, domain.BatchStatusProcessing:
		batch.Status = domain.BatchStatusCancelled
		return nil
	default:
		return &domain.ValidationError{Msg: "batch is already " + string(batch.Status)}
	}
}

// GetItem implements store.BatchRepository.
func (s *Store) GetItem(ctx context.Context, itemID, ownerID string) (*domain.BatchItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[itemID]
	if !ok || item.OwnerID != ownerID {
		return nil, &domain.NotFoundError{Resource: "batch item", ID: itemID}
	}
	return copyItem(item), nil
}

// ListItems implements store.BatchRepository, ordered by item order ascending.
func (s *Store) ListItems(ctx context.Context, batchID, ownerID string) ([]*domain.BatchItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if batch, ok := s.batches[batchID]; !ok || batch.OwnerID != ownerID {
		return nil, &domain.NotFoundError{Resource: "batch", ID: batchID}
	}

	var result []*domain.BatchItem
	for _, item := range s.items {
		if item.BatchID == batchID {
			result = append(result, copyItem(item))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Order < result[j].Order })
	return result, nil
}

// BeginItem implements store.BatchRepository: a compare-and-swap from
// pending to processing. Redelivered jobs for non-pending items get ok=false.
func (s *Store) BeginItem(ctx context.Context, itemID string) (*domain.BatchItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok {
		return nil, false, &domain.NotFoundError{Resource: "batch item", ID: itemID}
	}
	if item.Status != domain.ItemStatusPending {
		return copyItem(item), false, nil
	}
	item.Status = domain.ItemStatusProcessing
	return copyItem(item), true, nil
}

// MarkItemEnqueued implements store.BatchRepository.
func (s *Store) MarkItemEnqueued(ctx context.Context, itemID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok {
		return &domain.NotFoundError{Resource: "batch item", ID: itemID}
	}
	enqueued := at
	item.EnqueuedAt = &enqueued
	return nil
}

// ResetItemForRetry implements store.BatchRepository: the guarded
// failed(retryCount) -> pending transition. If the failed attempt had been
// counted (a non-retryable failure), its counter contribution is reversed.
func (s *Store) ResetItemForRetry(ctx context.Context, itemID, ownerID string) (*domain.BatchItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok || item.OwnerID != ownerID {
		return nil, &domain.NotFoundError{Resource: "batch item", ID: itemID}
	}
	if item.Status != domain.ItemStatusFailed {
		return nil, &domain.ValidationError{Msg: "only failed items can be retried"}
	}
	if item.RetryCount >= domain.MaxItemRetries {
		return nil, &domain.ValidationError{Msg: "item has exhausted its retries"}
	}

	if item.Counted {
		if batch, ok := s.batches[item.BatchID]; ok {
			batch.ProcessedFiles--
			batch.FailedFiles--
			if batch.Status == domain.BatchStatusFailed || batch.Status == domain.BatchStatusCompleted {
				batch.Status = domain.BatchStatusProcessing
				batch.CompletedAt = nil
			}
		}
		item.Counted = false
	}

	item.Status = domain.ItemStatusPending
	item.ErrorMessage = ""
	item.RetryCount++
	item.EnqueuedAt = nil
	return copyItem(item), nil
}

// ListRetryableItems implements store.BatchRepository: retryable failures
// plus pending items that never made it onto the queue.
func (s *Store) ListRetryableItems(ctx context.Context, ownerID string) ([]*domain.BatchItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.BatchItem
	for _, item := range s.items {
		if item.OwnerID == ownerID && (item.Retryable() || item.NeedsEnqueue()) {
			result = append(result, copyItem(item))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// ApplyItemOutcome implements store.BatchRepository. The whole transition -
// item status, counters, batch status - is one critical section, which is
// this store's equivalent of the single conditional update statement.
func (s *Store) ApplyItemOutcome(ctx context.Context, outcome store.ItemOutcome) (*store.OutcomeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[outcome.ItemID]
	if !ok {
		return nil, &domain.NotFoundError{Resource: "batch item", ID: outcome.ItemID}
	}
	batch, ok := s.batches[outcome.BatchID]
	if !ok {
		return nil, &domain.NotFoundError{Resource: "batch", ID: outcome.BatchID}
	}

	if item.Status != domain.ItemStatusProcessing {
		// Redelivery raced a completed attempt; leave everything alone.
		return &store.OutcomeResult{Applied: false, BatchStatus: batch.Status}, nil
	}

	item.Status = outcome.Status
	item.ErrorMessage = outcome.ErrorMessage

	counted := false
	switch outcome.Status {
	case domain.ItemStatusCompleted:
		counted = true
		batch.SuccessfulFiles++
	case domain.ItemStatusDuplicate:
		counted = true
		batch.DuplicateFiles++
	case domain.ItemStatusSkipped:
		counted = true
		batch.SkippedFiles++
	case domain.ItemStatusFailed:
		// Retryable failures with retries remaining stay transient and
		// uncounted; everything else is a terminal attempt.
		if !outcome.Retryable || item.RetryCount >= domain.MaxItemRetries {
			counted = true
			batch.FailedFiles++
		}
	}

	result := &store.OutcomeResult{Applied: true}
	if counted {
		item.Counted = true
		batch.ProcessedFiles++

		if batch.ProcessedFiles >= batch.TotalFiles && batch.Status == domain.BatchStatusProcessing {
			if batch.SuccessfulFiles+batch.DuplicateFiles > 0 {
				batch.Status = domain.BatchStatusCompleted
			} else {
				batch.Status = domain.BatchStatusFailed
			}
			now := time.Now()
			batch.CompletedAt = &now
			result.BatchFinished = true
		}
	}
	result.BatchStatus = batch.Status
	return result, nil
}

// CreateRule implements store.RuleRepository.
func (s *Store) CreateRule(ctx context.Context, rule *domain.CategoryRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *rule
	s.rules[rule.RuleID] = &c
	return nil
}

// DeleteRule implements store.RuleRepository.
func (s *Store) DeleteRule(ctx context.Context, ruleID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, ok := s.rules[ruleID]
	if !ok || rule.OwnerID != ownerID {
		return &domain.NotFoundError{Resource: "rule", ID: ruleID}
	}
	delete(s.rules, ruleID)
	return nil
}

// ListRules implements store.RuleRepository, ordered by (createdAt, ruleID).
func (s *Store) ListRules(ctx context.Context, ownerID string) ([]*domain.CategoryRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.CategoryRule
	for _, rule := range s.rules {
		if rule.OwnerID == ownerID {
			c := *rule
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].RuleID < result[j].RuleID
	})
	return result, nil
}

// CreateCategory implements store.RuleRepository.
func (s *Store) CreateCategory(ctx context.Context, category *domain.Category) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *category
	s.categories[category.CategoryID] = &c
	return nil
}

// GetCategory implements store.RuleRepository.
func (s *Store) GetCategory(ctx context.Context, categoryID, ownerID string) (*domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	category, ok := s.categories[categoryID]
	if !ok || !category.VisibleTo(ownerID) {
		return nil, &domain.NotFoundError{Resource: "category", ID: categoryID}
	}
	c := *category
	return &c, nil
}

// DeleteCategory implements store.RuleRepository.
func (s *Store) DeleteCategory(ctx context.Context, categoryID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	category, ok := s.categories[categoryID]
	if !ok || category.OwnerID != ownerID {
		return &domain.NotFoundError{Resource: "category", ID: categoryID}
	}
	delete(s.categories, categoryID)
	return nil
}

// ListCategories implements store.RuleRepository: system categories plus
// the owner's own.
func (s *Store) ListCategories(ctx context.Context, ownerID string) ([]*domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Category
	for _, category := range s.categories {
		if category.VisibleTo(ownerID) {
			c := *category
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// InsertTransaction implements store.TransactionRepository.
func (s *Store) InsertTransaction(ctx context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *tx
	s.transactions[tx.TransactionID] = &c
	return nil
}

// ListTransactionsByBatch implements store.TransactionRepository.
func (s *Store) ListTransactionsByBatch(ctx context.Context, batchID, ownerID string) ([]*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Transaction
	for _, tx := range s.transactions {
		if tx.BatchID == batchID && tx.OwnerID == ownerID {
			c := *tx
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// FindByContentHash implements store.TransactionRepository.
func (s *Store) FindByContentHash(ctx context.Context, ownerID, contentHash string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if contentHash == "" {
		return nil, nil
	}
	for _, tx := range s.transactions {
		if tx.Flags.IsDuplicate {
			continue
		}
		if tx.OwnerID == ownerID && tx.ContentHash == contentHash {
			c := *tx
			return &c, nil
		}
	}
	return nil, nil
}

// FindByMerchantDateAmount implements store.TransactionRepository:
// case-insensitive merchant, same calendar day, amount equal to the cent.
func (s *Store) FindByMerchantDateAmount(ctx context.Context, ownerID, merchantName string, date time.Time, amount float64) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := domain.NormalizeMerchant(merchantName)
	if want == "" {
		return nil, nil
	}
	for _, tx := range s.transactions {
		if tx.OwnerID != ownerID || tx.Flags.IsDuplicate {
			continue
		}
		if domain.NormalizeMerchant(tx.MerchantName) != want {
			continue
		}
		if !domain.SameCalendarDay(tx.Date, date) {
			continue
		}
		if !domain.AmountsEqual(tx.Amount, amount) {
			continue
		}
		c := *tx
		return &c, nil
	}
	return nil, nil
}

// MerchantCategoryCounts implements store.TransactionRepository.
func (s *Store) MerchantCategoryCounts(ctx context.Context, ownerID, merchantName string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := domain.NormalizeMerchant(merchantName)
	counts := make(map[string]int)
	for _, tx := range s.transactions {
		if tx.OwnerID != ownerID || tx.CategoryID == "" {
			continue
		}
		if domain.NormalizeMerchant(tx.MerchantName) == want {
			counts[tx.CategoryID]++
		}
	}
	return counts, nil
}

// CountByCategory implements store.TransactionRepository.
func (s *Store) CountByCategory(ctx context.Context, ownerID, categoryID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, tx := range s.transactions {
		if tx.OwnerID == ownerID && tx.CategoryID == categoryID {
			n++
		}
	}
	return n, nil
}

// ClearCategory implements store.TransactionRepository.
func (s *Store) ClearCategory(ctx context.Context, ownerID, categoryID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, tx := range s.transactions {
		if tx.OwnerID == ownerID && tx.CategoryID == categoryID {
			tx.CategoryID = ""
			tx.CategoryName = ""
			tx.Method = domain.MethodNone
			tx.Confidence = 0
			n++
		}
	}
	return n, nil
}

// AppendActivity implements store.ActivityRepository.
func (s *Store) AppendActivity(ctx context.Context, entry *domain.ActivityLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *entry
	s.activity = append(s.activity, &c)
	return nil
}

// ListActivity implements store.ActivityRepository, most recent first.
func (s *Store) ListActivity(ctx context.Context, batchID, ownerID string, limit int) ([]*domain.ActivityLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.ActivityLogEntry
	// Walk backwards so entries with identical timestamps keep append order.
	for i := len(s.activity) - 1; i >= 0; i-- {
		e := s.activity[i]
		if e.BatchID != batchID || e.OwnerID != ownerID {
			continue
		}
		c := *e
		result = append(result, &c)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Ensure Store implements the full store contract.
var _ store.Store = (*Store)(nil)
