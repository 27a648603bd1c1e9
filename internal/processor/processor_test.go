package processor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dvloznov/import-pipeline/internal/categorize"
	"github.com/dvloznov/import-pipeline/internal/dedupe"
	"github.com/dvloznov/import-pipeline/internal/domain"
	"github.com/dvloznov/import-pipeline/internal/jobs"
	"github.com/dvloznov/import-pipeline/internal/store"
	"github.com/dvloznov/import-pipeline/internal/store/inmemory"
	"github.com/rs/zerolog"
)

const testOwner = "owner-1"

type mockFetcher struct {
	FetchFunc func(ctx context.Context, fileURL string) ([]byte, error)
}

func (m *mockFetcher) Fetch(ctx context.Context, fileURL string) ([]byte, error) {
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, fileURL)
	}
	return []byte("file bytes"), nil
}

type mockExtractor struct {
	ExtractFunc func(ctx context.Context, data []byte, fileName, fileFormat string, importType domain.ImportType) ([]*domain.ExtractedTransaction, error)
}

func (m *mockExtractor) Extract(ctx context.Context, data []byte, fileName, fileFormat string, importType domain.ImportType) ([]*domain.ExtractedTransaction, error) {
	if m.ExtractFunc != nil {
		return m.ExtractFunc(ctx, data, fileName, fileFormat, importType)
	}
	return nil, errors.New("no extractor configured")
}

// failingInsertStore wraps the in-memory store with a transaction write that
// always fails, to exercise the persistence failure path.
type failingInsertStore struct {
	store.Store
}

func (f *failingInsertStore) InsertTransaction(ctx context.Context, tx *domain.Transaction) error {
	return errors.New("write rejected")
}

type mockWarehouse struct {
	transactions []*domain.Transaction
	activities   []*domain.ActivityLogEntry
	failInsert   bool
}

func (m *mockWarehouse) InsertTransaction(ctx context.Context, tx *domain.Transaction) error {
	if m.failInsert {
		return errors.New("warehouse unavailable")
	}
	m.transactions = append(m.transactions, tx)
	return nil
}

func (m *mockWarehouse) AppendActivity(ctx context.Context, entry *domain.ActivityLogEntry) error {
	m.activities = append(m.activities, entry)
	return nil
}

func extractedFixture(n int) []*domain.ExtractedTransaction {
	txs := make([]*domain.ExtractedTransaction, 0, n)
	for i := 0; i < n; i++ {
		txs = append(txs, &domain.ExtractedTransaction{
			MerchantName: fmt.Sprintf("Merchant %d", i),
			Description:  "purchase",
			Date:         time.Date(2025, 3, 10+i, 0, 0, 0, 0, time.UTC),
			Amount:       -float64(10 + i),
			Currency:     "GBP",
			ContentHash:  "hash-abc",
		})
	}
	return txs
}

func seedJob(t *testing.T, st store.Store, batchID, itemID string) *jobs.ProcessItemJob {
	t.Helper()
	batch := &domain.Batch{
		BatchID:    batchID,
		OwnerID:    testOwner,
		ImportType: domain.ImportTypeReceipts,
		TotalFiles: 1,
		Status:     domain.BatchStatusPending,
		CreatedAt:  time.Now(),
	}
	item := &domain.BatchItem{
		ItemID:     itemID,
		BatchID:    batchID,
		OwnerID:    testOwner,
		FileName:   "receipt.jpg",
		FileURL:    "gs://bucket/receipt.jpg",
		FileFormat: "jpg",
		Status:     domain.ItemStatusPending,
	}
	if err := st.CreateBatch(context.Background(), batch, []*domain.BatchItem{item}); err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}
	return &jobs.ProcessItemJob{
		JobID:       "job-1",
		BatchID:     batchID,
		BatchItemID: itemID,
		OwnerID:     testOwner,
		FileURL:     item.FileURL,
		FileName:    item.FileName,
		FileFormat:  item.FileFormat,
		ImportType:  string(batch.ImportType),
	}
}

func newTestProcessor(st store.Store, extractor *mockExtractor) *Processor {
	detector := dedupe.NewDetector(st)
	engine := categorize.NewEngine(st, categorize.NewRuleSource(st), categorize.NewHistorySource(st))
	return New(st, &mockFetcher{}, extractor, detector, engine, zerolog.Nop(), Config{})
}

func TestProcessItemSuccess(t *testing.T) {
	st := inmemory.New()
	ctx := context.Background()
	job := seedJob(t, st, "batch-1", "item-1")

	p := newTestProcessor(st, &mockExtractor{
		ExtractFunc: func(ctx context.Context, data []byte, fileName, fileFormat string, importType domain.ImportType) ([]*domain.ExtractedTransaction, error) {
			return extractedFixture(2), nil
		},
	})
	warehouse := &mockWarehouse{}
	p.WithWarehouse(warehouse)

	if err := p.ProcessItem(ctx, job); err != nil {
		t.Fatalf("ProcessItem failed: %v", err)
	}

	batch, _ := st.GetBatch(ctx, "batch-1", testOwner)
	if batch.Status != domain.BatchStatusCompleted {
		t.Errorf("batch status = %s, want completed", batch.Status)
	}
	if batch.SuccessfulFiles != 1 {
		t.Errorf("successful files = %d, want 1", batch.SuccessfulFiles)
	}

	txs, _ := st.ListTransactionsByBatch(ctx, "batch-1", testOwner)
	if len(txs) != 2 {
		t.Fatalf("stored %d transactions, want 2", len(txs))
	}
	for _, tx := range txs {
		if tx.OwnerID != testOwner || tx.BatchItemID != "item-1" {
			t.Errorf("tx = %+v", tx)
		}
	}
	if len(warehouse.transactions) != 2 {
		t.Errorf("warehouse mirrored %d transactions, want 2", len(warehouse.transactions))
	}

	entries, _ := st.ListActivity(ctx, "batch-1", testOwner, 50)
	types := map[domain.ActivityType]bool{}
	for _, e := range entries {
		types[e.Type] = true
	}
	for _, want := range []domain.ActivityType{
		domain.ActivityExtractionStart,
		domain.ActivityExtractionComplete,
		domain.ActivityCategorizationStart,
		domain.ActivityCategorizationComplete,
		domain.ActivityItemCompleted,
		domain.ActivityBatchCompleted,
	} {
		if !types[want] {
			t.Errorf("missing activity %s", want)
		}
	}
}

func TestProcessItemExtractionFailureIsRetryable(t *testing.T) {
	st := inmemory.New()
	ctx := context.Background()
	job := seedJob(t, st, "batch-1", "item-1")

	p := newTestProcessor(st, &mockExtractor{
		ExtractFunc: func(ctx context.Context, data []byte, fileName, fileFormat string, importType domain.ImportType) ([]*domain.ExtractedTransaction, error) {
			return nil, &domain.ExtractionError{Cause: errors.New("model timeout")}
		},
	})

	if err := p.ProcessItem(ctx, job); err != nil {
		t.Fatalf("ProcessItem failed: %v", err)
	}

	item, _ := st.GetItem(ctx, "item-1", testOwner)
	if item.Status != domain.ItemStatusFailed {
		t.Errorf("item status = %s, want failed", item.Status)
	}
	if !item.Retryable() {
		t.Error("extraction failure should leave the item retryable")
	}

	// Counters untouched: the attempt was not terminal.
	batch, _ := st.GetBatch(ctx, "batch-1", testOwner)
	if batch.ProcessedFiles != 0 {
		t.Errorf("processed files = %d, want 0", batch.ProcessedFiles)
	}
}

func TestProcessItemFetchFailureIsRetryable(t *testing.T) {
	st := inmemory.New()
	ctx := context.Background()
	job := seedJob(t, st, "batch-1", "item-1")

	detector := dedupe.NewDetector(st)
	engine := categorize.NewEngine(st)
	fetcher := &mockFetcher{
		FetchFunc: func(ctx context.Context, fileURL string) ([]byte, error) {
			return nil, errors.New("object not reachable")
		},
	}
	p := New(st, fetcher, &mockExtractor{}, detector, engine, zerolog.Nop(), Config{})

	if err := p.ProcessItem(ctx, job); err != nil {
		t.Fatalf("ProcessItem failed: %v", err)
	}

	item, _ := st.GetItem(ctx, "item-1", testOwner)
	if item.Status != domain.ItemStatusFailed || !item.Retryable() {
		t.Errorf("item = %+v, want retryable failure", item)
	}
}

func TestProcessItemPersistenceFailureIsTerminal(t *testing.T) {
	base := inmemory.New()
	st := &failingInsertStore{Store: base}
	ctx := context.Background()
	job := seedJob(t, base, "batch-1", "item-1")

	p := newTestProcessor(st, &mockExtractor{
		ExtractFunc: func(ctx context.Context, data []byte, fileName, fileFormat string, importType domain.ImportType) ([]*domain.ExtractedTransaction, error) {
			return extractedFixture(1), nil
		},
	})

	if err := p.ProcessItem(ctx, job); err != nil {
		t.Fatalf("ProcessItem failed: %v", err)
	}

	item, _ := base.GetItem(ctx, "item-1", testOwner)
	if item.Status != domain.ItemStatusFailed {
		t.Errorf("item status = %s, want failed", item.Status)
	}
	if item.Retryable() {
		t.Error("persistence failure must not be retryable")
	}

	batch, _ := base.GetBatch(ctx, "batch-1", testOwner)
	if batch.Status != domain.BatchStatusFailed {
		t.Errorf("batch status = %s, want failed", batch.Status)
	}
	if batch.FailedFiles != 1 || batch.ProcessedFiles != 1 {
		t.Errorf("counters = failed %d processed %d, want 1/1", batch.FailedFiles, batch.ProcessedFiles)
	}
}

func TestProcessItemDuplicateFile(t *testing.T) {
	st := inmemory.New()
	ctx := context.Background()

	// An earlier import already stored a transaction from this exact file.
	if err := st.InsertTransaction(ctx, &domain.Transaction{
		TransactionID: "tx-existing",
		OwnerID:       testOwner,
		MerchantName:  "Starbucks",
		ContentHash:   "hash-abc",
		Date:          time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		Amount:        -4.50,
	}); err != nil {
		t.Fatalf("InsertTransaction failed: %v", err)
	}

	job := seedJob(t, st, "batch-1", "item-1")
	p := newTestProcessor(st, &mockExtractor{
		ExtractFunc: func(ctx context.Context, data []byte, fileName, fileFormat string, importType domain.ImportType) ([]*domain.ExtractedTransaction, error) {
			return extractedFixture(1), nil
		},
	})

	if err := p.ProcessItem(ctx, job); err != nil {
		t.Fatalf("ProcessItem failed: %v", err)
	}

	item, _ := st.GetItem(ctx, "item-1", testOwner)
	if item.Status != domain.ItemStatusDuplicate {
		t.Errorf("item status = %s, want duplicate", item.Status)
	}

	// A duplicate file produces only an excluded link record, never a
	// second countable transaction.
	txs, _ := st.ListTransactionsByBatch(ctx, "batch-1", testOwner)
	if len(txs) != 1 {
		t.Fatalf("stored %d records for a duplicate file, want 1 link record", len(txs))
	}
	link := txs[0]
	if !link.Flags.IsDuplicate || link.Flags.LinkedTransactionID != "tx-existing" {
		t.Errorf("link flags = %+v, want a link to tx-existing", link.Flags)
	}
	if !link.Flags.IsExcludedFromTotals || link.Flags.ExclusionReason != "duplicate" {
		t.Errorf("link flags = %+v, want excluded from totals", link.Flags)
	}
	if link.CategoryID != "" || link.Method != domain.MethodNone {
		t.Errorf("link record = %+v, duplicates must not be categorized", link)
	}

	batch, _ := st.GetBatch(ctx, "batch-1", testOwner)
	if batch.DuplicateFiles != 1 || batch.Status != domain.BatchStatusCompleted {
		t.Errorf("batch = %+v, want one duplicate and completed", batch)
	}

	entries, _ := st.ListActivity(ctx, "batch-1", testOwner, 50)
	found := false
	for _, e := range entries {
		if e.Type == domain.ActivityDuplicateDetected {
			found = true
			if e.Details["linked_transaction_id"] != "tx-existing" {
				t.Errorf("duplicate activity details = %v", e.Details)
			}
		}
	}
	if !found {
		t.Error("missing duplicate_detected activity")
	}
}

func TestProcessItemTransactionLevelDuplicateLinked(t *testing.T) {
	st := inmemory.New()
	ctx := context.Background()

	// Same merchant, day and amount as one of the extracted transactions,
	// but from a different file.
	if err := st.InsertTransaction(ctx, &domain.Transaction{
		TransactionID: "tx-existing",
		OwnerID:       testOwner,
		MerchantName:  "Merchant 0",
		ContentHash:   "hash-other",
		Date:          time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
		Amount:        -10,
	}); err != nil {
		t.Fatalf("InsertTransaction failed: %v", err)
	}

	job := seedJob(t, st, "batch-1", "item-1")
	p := newTestProcessor(st, &mockExtractor{
		ExtractFunc: func(ctx context.Context, data []byte, fileName, fileFormat string, importType domain.ImportType) ([]*domain.ExtractedTransaction, error) {
			return extractedFixture(2), nil
		},
	})

	if err := p.ProcessItem(ctx, job); err != nil {
		t.Fatalf("ProcessItem failed: %v", err)
	}

	// The duplicate becomes an excluded link record; the other transaction
	// is stored normally and the item still completes.
	txs, _ := st.ListTransactionsByBatch(ctx, "batch-1", testOwner)
	if len(txs) != 2 {
		t.Fatalf("stored %d records, want 2", len(txs))
	}
	byMerchant := map[string]*domain.Transaction{}
	for _, tx := range txs {
		byMerchant[tx.MerchantName] = tx
	}
	kept := byMerchant["Merchant 1"]
	if kept == nil || kept.Flags.IsDuplicate {
		t.Errorf("kept record = %+v, want an unflagged transaction", kept)
	}
	link := byMerchant["Merchant 0"]
	if link == nil || !link.Flags.IsDuplicate || link.Flags.LinkedTransactionID != "tx-existing" {
		t.Errorf("link record = %+v, want a link to tx-existing", link)
	}
	if link != nil && !link.Flags.IsExcludedFromTotals {
		t.Error("duplicate record must be excluded from totals")
	}

	item, _ := st.GetItem(ctx, "item-1", testOwner)
	if item.Status != domain.ItemStatusCompleted {
		t.Errorf("item status = %s, want completed", item.Status)
	}
}

// failingBatchLoadStore wraps the in-memory store with a batch read that
// always fails.
type failingBatchLoadStore struct {
	store.Store
}

func (f *failingBatchLoadStore) GetBatch(ctx context.Context, batchID, ownerID string) (*domain.Batch, error) {
	return nil, errors.New("store unavailable")
}

func TestProcessItemBatchLoadFailureFailsItem(t *testing.T) {
	base := inmemory.New()
	st := &failingBatchLoadStore{Store: base}
	ctx := context.Background()
	job := seedJob(t, base, "batch-1", "item-1")

	p := newTestProcessor(st, &mockExtractor{})

	if err := p.ProcessItem(ctx, job); err != nil {
		t.Fatalf("ProcessItem failed: %v", err)
	}

	// The item must not stay wedged in processing: it fails retryably so
	// the retry surface can pick it up once the store recovers.
	item, _ := base.GetItem(ctx, "item-1", testOwner)
	if item.Status != domain.ItemStatusFailed || !item.Retryable() {
		t.Errorf("item = %+v, want a retryable failure", item)
	}

	batch, _ := base.GetBatch(ctx, "batch-1", testOwner)
	if batch.ProcessedFiles != 0 {
		t.Errorf("processed files = %d, want 0 for a transient failure", batch.ProcessedFiles)
	}

	retryable, _ := base.ListRetryableItems(ctx, testOwner)
	if len(retryable) != 1 || retryable[0].ItemID != "item-1" {
		t.Errorf("retryable items = %+v, want the failed item", retryable)
	}
}

func TestProcessItemCancelledBatchSkips(t *testing.T) {
	st := inmemory.New()
	ctx := context.Background()
	job := seedJob(t, st, "batch-1", "item-1")

	if err := st.CancelBatch(ctx, "batch-1", testOwner); err != nil {
		t.Fatalf("CancelBatch failed: %v", err)
	}

	extractorCalled := false
	p := newTestProcessor(st, &mockExtractor{
		ExtractFunc: func(ctx context.Context, data []byte, fileName, fileFormat string, importType domain.ImportType) ([]*domain.ExtractedTransaction, error) {
			extractorCalled = true
			return extractedFixture(1), nil
		},
	})

	if err := p.ProcessItem(ctx, job); err != nil {
		t.Fatalf("ProcessItem failed: %v", err)
	}
	if extractorCalled {
		t.Error("a cancelled batch must not extract anything")
	}

	item, _ := st.GetItem(ctx, "item-1", testOwner)
	if item.Status != domain.ItemStatusSkipped {
		t.Errorf("item status = %s, want skipped", item.Status)
	}

	batch, _ := st.GetBatch(ctx, "batch-1", testOwner)
	if batch.Status != domain.BatchStatusCancelled {
		t.Errorf("batch status = %s, cancellation must stick", batch.Status)
	}
	if batch.SkippedFiles != 1 {
		t.Errorf("skipped files = %d, want 1", batch.SkippedFiles)
	}
}

func TestProcessItemRedeliveredJobIsNoOp(t *testing.T) {
	st := inmemory.New()
	ctx := context.Background()
	job := seedJob(t, st, "batch-1", "item-1")

	calls := 0
	p := newTestProcessor(st, &mockExtractor{
		ExtractFunc: func(ctx context.Context, data []byte, fileName, fileFormat string, importType domain.ImportType) ([]*domain.ExtractedTransaction, error) {
			calls++
			return extractedFixture(1), nil
		},
	})

	if err := p.ProcessItem(ctx, job); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	if err := p.ProcessItem(ctx, job); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("extractor ran %d times, want 1", calls)
	}

	batch, _ := st.GetBatch(ctx, "batch-1", testOwner)
	if batch.ProcessedFiles != 1 || batch.SuccessfulFiles != 1 {
		t.Errorf("counters double counted: %+v", batch)
	}
}

func TestProcessItemAppliesRules(t *testing.T) {
	st := inmemory.New()
	ctx := context.Background()

	if err := st.CreateCategory(ctx, &domain.Category{CategoryID: "cat-coffee", Name: "Coffee"}); err != nil {
		t.Fatalf("CreateCategory failed: %v", err)
	}
	if err := st.CreateRule(ctx, &domain.CategoryRule{
		RuleID:     "rule-1",
		OwnerID:    testOwner,
		CategoryID: "cat-coffee",
		Field:      domain.RuleFieldMerchantName,
		MatchType:  domain.MatchTypeExact,
		Value:      "Merchant 0",
	}); err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}

	job := seedJob(t, st, "batch-1", "item-1")
	p := newTestProcessor(st, &mockExtractor{
		ExtractFunc: func(ctx context.Context, data []byte, fileName, fileFormat string, importType domain.ImportType) ([]*domain.ExtractedTransaction, error) {
			return extractedFixture(1), nil
		},
	})

	if err := p.ProcessItem(ctx, job); err != nil {
		t.Fatalf("ProcessItem failed: %v", err)
	}

	txs, _ := st.ListTransactionsByBatch(ctx, "batch-1", testOwner)
	if len(txs) != 1 {
		t.Fatalf("stored %d transactions, want 1", len(txs))
	}
	tx := txs[0]
	if tx.CategoryID != "cat-coffee" || tx.CategoryName != "Coffee" {
		t.Errorf("tx category = %s (%s), want cat-coffee (Coffee)", tx.CategoryID, tx.CategoryName)
	}
	if tx.Method != domain.MethodRuleExact || tx.Confidence != 1.0 {
		t.Errorf("tx method = %s conf %v, want rule_exact at 1.0", tx.Method, tx.Confidence)
	}
}

func TestHandleJobRejectsUnknownType(t *testing.T) {
	p := newTestProcessor(inmemory.New(), &mockExtractor{})

	if err := p.HandleJob(context.Background(), unknownJob{}); err == nil {
		t.Error("expected an error for an unknown job type")
	}
}

type unknownJob struct{}

func (unknownJob) GetID() string             { return "x" }
func (unknownJob) GetType() jobs.JobType     { return "unknown" }
func (unknownJob) GetStatus() jobs.JobStatus { return jobs.JobStatusPending }
