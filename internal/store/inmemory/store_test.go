package inmemory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dvloznov/import-pipeline/internal/domain"
	"github.com/dvloznov/import-pipeline/internal/store"
)

const testOwner = "owner-1"

func seedBatch(t *testing.T, s *Store, batchID string, fileCount int) []*domain.BatchItem {
	t.Helper()

	batch := &domain.Batch{
		BatchID:    batchID,
		OwnerID:    testOwner,
		ImportType: domain.ImportTypeReceipts,
		TotalFiles: fileCount,
		Status:     domain.BatchStatusPending,
		CreatedAt:  time.Now(),
	}
	items := make([]*domain.BatchItem, 0, fileCount)
	for i := 0; i < fileCount; i++ {
		items = append(items, &domain.BatchItem{
			ItemID:   fmt.Sprintf("%s-item-%d", batchID, i),
			BatchID:  batchID,
			OwnerID:  testOwner,
			FileName: fmt.Sprintf("file-%d.jpg", i),
			Order:    i,
			Status:   domain.ItemStatusPending,
		})
	}
	if err := s.CreateBatch(context.Background(), batch, items); err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}
	if err := s.MarkBatchProcessing(context.Background(), batchID, time.Now()); err != nil {
		t.Fatalf("MarkBatchProcessing failed: %v", err)
	}
	return items
}

func beginItem(t *testing.T, s *Store, itemID string) {
	t.Helper()
	_, ok, err := s.BeginItem(context.Background(), itemID)
	if err != nil {
		t.Fatalf("BeginItem(%s) failed: %v", itemID, err)
	}
	if !ok {
		t.Fatalf("BeginItem(%s): item was not pending", itemID)
	}
}

func TestApplyItemOutcome_CompletesBatch(t *testing.T) {
	s := New()
	ctx := context.Background()
	items := seedBatch(t, s, "batch-1", 2)

	for i, item := range items {
		beginItem(t, s, item.ItemID)
		result, err := s.ApplyItemOutcome(ctx, store.ItemOutcome{
			ItemID:  item.ItemID,
			BatchID: "batch-1",
			Status:  domain.ItemStatusCompleted,
		})
		if err != nil {
			t.Fatalf("ApplyItemOutcome failed: %v", err)
		}
		if !result.Applied {
			t.Fatal("outcome should have been applied")
		}
		wantFinished := i == len(items)-1
		if result.BatchFinished != wantFinished {
			t.Errorf("item %d: BatchFinished = %v, want %v", i, result.BatchFinished, wantFinished)
		}
	}

	batch, err := s.GetBatch(ctx, "batch-1", testOwner)
	if err != nil {
		t.Fatalf("GetBatch failed: %v", err)
	}
	if batch.Status != domain.BatchStatusCompleted {
		t.Errorf("batch status = %s, want completed", batch.Status)
	}
	if batch.ProcessedFiles != 2 || batch.SuccessfulFiles != 2 {
		t.Errorf("counters = processed %d successful %d, want 2/2", batch.ProcessedFiles, batch.SuccessfulFiles)
	}
	if batch.CompletedAt == nil {
		t.Error("CompletedAt should be set")
	}
}

func TestApplyItemOutcome_AllFailedMarksBatchFailed(t *testing.T) {
	s := New()
	ctx := context.Background()
	items := seedBatch(t, s, "batch-1", 1)

	beginItem(t, s, items[0].ItemID)
	result, err := s.ApplyItemOutcome(ctx, store.ItemOutcome{
		ItemID:       items[0].ItemID,
		BatchID:      "batch-1",
		Status:       domain.ItemStatusFailed,
		ErrorMessage: "write rejected",
		Retryable:    false,
	})
	if err != nil {
		t.Fatalf("ApplyItemOutcome failed: %v", err)
	}
	if !result.BatchFinished {
		t.Error("batch should be finished")
	}
	if result.BatchStatus != domain.BatchStatusFailed {
		t.Errorf("batch status = %s, want failed", result.BatchStatus)
	}
}

func TestApplyItemOutcome_DuplicateOnlyBatchCompletes(t *testing.T) {
	s := New()
	ctx := context.Background()
	items := seedBatch(t, s, "batch-1", 1)

	beginItem(t, s, items[0].ItemID)
	result, err := s.ApplyItemOutcome(ctx, store.ItemOutcome{
		ItemID:  items[0].ItemID,
		BatchID: "batch-1",
		Status:  domain.ItemStatusDuplicate,
	})
	if err != nil {
		t.Fatalf("ApplyItemOutcome failed: %v", err)
	}
	if result.BatchStatus != domain.BatchStatusCompleted {
		t.Errorf("batch status = %s, want completed", result.BatchStatus)
	}
}

func TestApplyItemOutcome_RetryableFailureDoesNotCount(t *testing.T) {
	s := New()
	ctx := context.Background()
	items := seedBatch(t, s, "batch-1", 1)

	beginItem(t, s, items[0].ItemID)
	result, err := s.ApplyItemOutcome(ctx, store.ItemOutcome{
		ItemID:       items[0].ItemID,
		BatchID:      "batch-1",
		Status:       domain.ItemStatusFailed,
		ErrorMessage: "model timeout",
		Retryable:    true,
	})
	if err != nil {
		t.Fatalf("ApplyItemOutcome failed: %v", err)
	}
	if result.BatchFinished {
		t.Error("a retryable failure must not finish the batch")
	}

	batch, _ := s.GetBatch(ctx, "batch-1", testOwner)
	if batch.ProcessedFiles != 0 || batch.FailedFiles != 0 {
		t.Errorf("counters = processed %d failed %d, want 0/0", batch.ProcessedFiles, batch.FailedFiles)
	}
	if batch.Status != domain.BatchStatusProcessing {
		t.Errorf("batch status = %s, want processing", batch.Status)
	}
}

func TestApplyItemOutcome_RedeliveryIsNoOp(t *testing.T) {
	s := New()
	ctx := context.Background()
	items := seedBatch(t, s, "batch-1", 2)

	beginItem(t, s, items[0].ItemID)
	if _, err := s.ApplyItemOutcome(ctx, store.ItemOutcome{
		ItemID: items[0].ItemID, BatchID: "batch-1", Status: domain.ItemStatusCompleted,
	}); err != nil {
		t.Fatalf("first ApplyItemOutcome failed: %v", err)
	}

	// Second delivery of the same job: BeginItem refuses, and applying an
	// outcome anyway must not double count.
	_, ok, err := s.BeginItem(ctx, items[0].ItemID)
	if err != nil {
		t.Fatalf("BeginItem failed: %v", err)
	}
	if ok {
		t.Fatal("BeginItem should refuse a non-pending item")
	}

	result, err := s.ApplyItemOutcome(ctx, store.ItemOutcome{
		ItemID: items[0].ItemID, BatchID: "batch-1", Status: domain.ItemStatusCompleted,
	})
	if err != nil {
		t.Fatalf("second ApplyItemOutcome failed: %v", err)
	}
	if result.Applied {
		t.Error("redelivered outcome should not be applied")
	}

	batch, _ := s.GetBatch(ctx, "batch-1", testOwner)
	if batch.ProcessedFiles != 1 || batch.SuccessfulFiles != 1 {
		t.Errorf("counters = processed %d successful %d, want 1/1", batch.ProcessedFiles, batch.SuccessfulFiles)
	}
}

func TestResetItemForRetry_RevivesFinishedBatch(t *testing.T) {
	s := New()
	ctx := context.Background()
	items := seedBatch(t, s, "batch-1", 1)

	// Non-retryable failure counts immediately and finishes the batch.
	beginItem(t, s, items[0].ItemID)
	if _, err := s.ApplyItemOutcome(ctx, store.ItemOutcome{
		ItemID: items[0].ItemID, BatchID: "batch-1",
		Status: domain.ItemStatusFailed, Retryable: false,
	}); err != nil {
		t.Fatalf("ApplyItemOutcome failed: %v", err)
	}

	item, err := s.ResetItemForRetry(ctx, items[0].ItemID, testOwner)
	if err != nil {
		t.Fatalf("ResetItemForRetry failed: %v", err)
	}
	if item.Status != domain.ItemStatusPending {
		t.Errorf("item status = %s, want pending", item.Status)
	}
	if item.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", item.RetryCount)
	}

	batch, _ := s.GetBatch(ctx, "batch-1", testOwner)
	if batch.Status != domain.BatchStatusProcessing {
		t.Errorf("batch status = %s, want processing after retry", batch.Status)
	}
	if batch.ProcessedFiles != 0 || batch.FailedFiles != 0 {
		t.Errorf("counters not reversed: processed %d failed %d", batch.ProcessedFiles, batch.FailedFiles)
	}

	// Succeed on the retry and check the batch finishes cleanly.
	beginItem(t, s, items[0].ItemID)
	result, err := s.ApplyItemOutcome(ctx, store.ItemOutcome{
		ItemID: items[0].ItemID, BatchID: "batch-1", Status: domain.ItemStatusCompleted,
	})
	if err != nil {
		t.Fatalf("ApplyItemOutcome after retry failed: %v", err)
	}
	if result.BatchStatus != domain.BatchStatusCompleted {
		t.Errorf("batch status = %s, want completed", result.BatchStatus)
	}
}

func TestResetItemForRetry_RespectsRetryCap(t *testing.T) {
	s := New()
	ctx := context.Background()
	items := seedBatch(t, s, "batch-1", 1)

	for attempt := 0; attempt < domain.MaxItemRetries; attempt++ {
		beginItem(t, s, items[0].ItemID)
		if _, err := s.ApplyItemOutcome(ctx, store.ItemOutcome{
			ItemID: items[0].ItemID, BatchID: "batch-1",
			Status: domain.ItemStatusFailed, Retryable: true,
		}); err != nil {
			t.Fatalf("attempt %d: ApplyItemOutcome failed: %v", attempt, err)
		}
		if _, err := s.ResetItemForRetry(ctx, items[0].ItemID, testOwner); err != nil {
			t.Fatalf("attempt %d: ResetItemForRetry failed: %v", attempt, err)
		}
	}

	// Final failure: retryable, but retries are exhausted, so it counts.
	beginItem(t, s, items[0].ItemID)
	result, err := s.ApplyItemOutcome(ctx, store.ItemOutcome{
		ItemID: items[0].ItemID, BatchID: "batch-1",
		Status: domain.ItemStatusFailed, Retryable: true,
	})
	if err != nil {
		t.Fatalf("final ApplyItemOutcome failed: %v", err)
	}
	if !result.BatchFinished {
		t.Error("exhausted item should finish the batch")
	}
	if result.BatchStatus != domain.BatchStatusFailed {
		t.Errorf("batch status = %s, want failed", result.BatchStatus)
	}

	item, _ := s.GetItem(ctx, items[0].ItemID, testOwner)
	if item.RetryCount != domain.MaxItemRetries {
		t.Errorf("retry count = %d, want %d", item.RetryCount, domain.MaxItemRetries)
	}
	if _, err := s.ResetItemForRetry(ctx, items[0].ItemID, testOwner); !domain.IsValidation(err) {
		t.Errorf("retry past the cap should be a validation error, got %v", err)
	}
}

func TestListBatches_KeysetPagination(t *testing.T) {
	s := New()
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 5; i++ {
		batch := &domain.Batch{
			BatchID:   fmt.Sprintf("batch-%d", i),
			OwnerID:   testOwner,
			Status:    domain.BatchStatusPending,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.CreateBatch(ctx, batch, nil); err != nil {
			t.Fatalf("CreateBatch failed: %v", err)
		}
	}

	var seen []string
	cursor := ""
	for {
		page, err := s.ListBatches(ctx, testOwner, store.BatchFilter{Limit: 2, Cursor: cursor})
		if err != nil {
			t.Fatalf("ListBatches failed: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, b := range page {
			seen = append(seen, b.BatchID)
		}
		cursor = page[len(page)-1].BatchID
	}

	want := []string{"batch-4", "batch-3", "batch-2", "batch-1", "batch-0"}
	if len(seen) != len(want) {
		t.Fatalf("paged through %d batches, want %d: %v", len(seen), len(want), seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("position %d: got %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestListBatches_OwnerScoping(t *testing.T) {
	s := New()
	ctx := context.Background()

	mine := &domain.Batch{BatchID: "mine", OwnerID: testOwner, Status: domain.BatchStatusPending, CreatedAt: time.Now()}
	theirs := &domain.Batch{BatchID: "theirs", OwnerID: "owner-2", Status: domain.BatchStatusPending, CreatedAt: time.Now()}
	s.CreateBatch(ctx, mine, nil)
	s.CreateBatch(ctx, theirs, nil)

	batches, err := s.ListBatches(ctx, testOwner, store.BatchFilter{})
	if err != nil {
		t.Fatalf("ListBatches failed: %v", err)
	}
	if len(batches) != 1 || batches[0].BatchID != "mine" {
		t.Errorf("expected only own batches, got %v", batches)
	}

	if _, err := s.GetBatch(ctx, "theirs", testOwner); !domain.IsNotFound(err) {
		t.Errorf("foreign batch should read as not found, got %v", err)
	}
}

func TestCancelBatch_TerminalBatchRefused(t *testing.T) {
	s := New()
	ctx := context.Background()
	items := seedBatch(t, s, "batch-1", 1)

	beginItem(t, s, items[0].ItemID)
	s.ApplyItemOutcome(ctx, store.ItemOutcome{
		ItemID: items[0].ItemID, BatchID: "batch-1", Status: domain.ItemStatusCompleted,
	})

	if err := s.CancelBatch(ctx, "batch-1", testOwner); !domain.IsValidation(err) {
		t.Errorf("cancelling a completed batch should fail validation, got %v", err)
	}
}

func TestFindByMerchantDateAmount(t *testing.T) {
	s := New()
	ctx := context.Background()

	date := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	s.InsertTransaction(ctx, &domain.Transaction{
		TransactionID: "tx-1",
		OwnerID:       testOwner,
		MerchantName:  "Starbucks",
		Date:          date,
		Amount:        -4.50,
	})

	tests := []struct {
		name     string
		merchant string
		date     time.Time
		amount   float64
		wantHit  bool
	}{
		{"exact", "Starbucks", date, -4.50, true},
		{"case insensitive merchant", "STARBUCKS", date, -4.50, true},
		{"same day different hour", "Starbucks", date.Add(5 * time.Hour), -4.50, true},
		{"sub-cent rounding", "Starbucks", date, -4.501, true},
		{"different day", "Starbucks", date.AddDate(0, 0, 1), -4.50, false},
		{"different amount", "Starbucks", date, -4.51, false},
		{"different owner merchant", "Costa", date, -4.50, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.FindByMerchantDateAmount(ctx, testOwner, tt.merchant, tt.date, tt.amount)
			if err != nil {
				t.Fatalf("FindByMerchantDateAmount failed: %v", err)
			}
			if (got != nil) != tt.wantHit {
				t.Errorf("hit = %v, want %v", got != nil, tt.wantHit)
			}
		})
	}
}

func TestDuplicateLookupsSkipFlaggedRecords(t *testing.T) {
	s := New()
	ctx := context.Background()

	date := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	s.InsertTransaction(ctx, &domain.Transaction{
		TransactionID: "tx-canonical",
		OwnerID:       testOwner,
		MerchantName:  "Starbucks",
		Date:          date,
		Amount:        -4.50,
		ContentHash:   "hash-abc",
	})
	// A previously recorded duplicate with the same fingerprint must never
	// become a match target itself.
	s.InsertTransaction(ctx, &domain.Transaction{
		TransactionID: "tx-dup",
		OwnerID:       testOwner,
		MerchantName:  "Starbucks",
		Date:          date,
		Amount:        -4.50,
		ContentHash:   "hash-abc",
		Flags: domain.TransactionFlags{
			IsDuplicate:         true,
			LinkedTransactionID: "tx-canonical",
		},
	})

	byHash, err := s.FindByContentHash(ctx, testOwner, "hash-abc")
	if err != nil {
		t.Fatalf("FindByContentHash failed: %v", err)
	}
	if byHash == nil || byHash.TransactionID != "tx-canonical" {
		t.Errorf("hash match = %+v, want the canonical record", byHash)
	}

	byTriple, err := s.FindByMerchantDateAmount(ctx, testOwner, "Starbucks", date, -4.50)
	if err != nil {
		t.Fatalf("FindByMerchantDateAmount failed: %v", err)
	}
	if byTriple == nil || byTriple.TransactionID != "tx-canonical" {
		t.Errorf("triple match = %+v, want the canonical record", byTriple)
	}
}

func TestListRetryableItems_IncludesStuckPendingItems(t *testing.T) {
	s := New()
	ctx := context.Background()
	items := seedBatch(t, s, "batch-1", 1)
	itemID := items[0].ItemID

	// A pending item with no published job is sweep-eligible.
	retryable, err := s.ListRetryableItems(ctx, testOwner)
	if err != nil {
		t.Fatalf("ListRetryableItems failed: %v", err)
	}
	if len(retryable) != 1 || retryable[0].ItemID != itemID {
		t.Fatalf("retryable = %+v, want the never-enqueued item", retryable)
	}

	// Once the publish is recorded it drops out of the sweep.
	if err := s.MarkItemEnqueued(ctx, itemID, time.Now()); err != nil {
		t.Fatalf("MarkItemEnqueued failed: %v", err)
	}
	retryable, _ = s.ListRetryableItems(ctx, testOwner)
	if len(retryable) != 0 {
		t.Fatalf("retryable = %+v, want none after a successful enqueue", retryable)
	}

	// A retryable failure brings it back, and the reset clears the
	// enqueue record for the next publish attempt.
	beginItem(t, s, itemID)
	if _, err := s.ApplyItemOutcome(ctx, store.ItemOutcome{
		ItemID: itemID, BatchID: "batch-1",
		Status: domain.ItemStatusFailed, Retryable: true,
	}); err != nil {
		t.Fatalf("ApplyItemOutcome failed: %v", err)
	}
	retryable, _ = s.ListRetryableItems(ctx, testOwner)
	if len(retryable) != 1 {
		t.Fatalf("retryable = %+v, want the failed item", retryable)
	}

	reset, err := s.ResetItemForRetry(ctx, itemID, testOwner)
	if err != nil {
		t.Fatalf("ResetItemForRetry failed: %v", err)
	}
	if reset.EnqueuedAt != nil {
		t.Error("reset must clear the enqueue record")
	}
}

func TestClearCategory(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s.InsertTransaction(ctx, &domain.Transaction{
			TransactionID: fmt.Sprintf("tx-%d", i),
			OwnerID:       testOwner,
			MerchantName:  "Tesco",
			CategoryID:    "cat-groceries",
			CategoryName:  "Groceries",
			Method:        domain.MethodRuleExact,
			Confidence:    1.0,
		})
	}
	s.InsertTransaction(ctx, &domain.Transaction{
		TransactionID: "tx-other", OwnerID: testOwner, CategoryID: "cat-travel",
	})

	n, err := s.ClearCategory(ctx, testOwner, "cat-groceries")
	if err != nil {
		t.Fatalf("ClearCategory failed: %v", err)
	}
	if n != 3 {
		t.Errorf("cleared %d transactions, want 3", n)
	}

	count, _ := s.CountByCategory(ctx, testOwner, "cat-groceries")
	if count != 0 {
		t.Errorf("category still used by %d transactions", count)
	}
	other, _ := s.CountByCategory(ctx, testOwner, "cat-travel")
	if other != 1 {
		t.Errorf("unrelated category affected: count %d, want 1", other)
	}
}

func TestListActivity_MostRecentFirstWithLimit(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		s.AppendActivity(ctx, &domain.ActivityLogEntry{
			ActivityID: fmt.Sprintf("act-%d", i),
			BatchID:    "batch-1",
			OwnerID:    testOwner,
			Type:       domain.ActivityItemCompleted,
			CreatedAt:  time.Now(),
		})
	}

	entries, err := s.ListActivity(ctx, "batch-1", testOwner, 2)
	if err != nil {
		t.Fatalf("ListActivity failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].ActivityID != "act-3" || entries[1].ActivityID != "act-2" {
		t.Errorf("wrong order: %s, %s", entries[0].ActivityID, entries[1].ActivityID)
	}
}
