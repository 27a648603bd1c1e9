// Package batch implements the user-facing lifecycle of an import batch:
// creation, enqueueing, status reporting, cancellation and retry.
package batch

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dvloznov/import-pipeline/internal/domain"
	"github.com/dvloznov/import-pipeline/internal/jobs"
	"github.com/dvloznov/import-pipeline/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// FileInput describes one file in a batch creation request.
type FileInput struct {
	FileName   string `json:"file_name"`
	FileURL    string `json:"file_url"`
	FileFormat string `json:"file_format"`
}

// StatusSummary is the progress view of a batch.
type StatusSummary struct {
	Batch                *domain.Batch `json:"batch"`
	CompletionPercentage int           `json:"completion_percentage"`
	RemainingFiles       int           `json:"remaining_files"`
	// EstimatedSecondsLeft is a linear extrapolation from elapsed time and
	// progress. Nil until at least one file has been processed.
	EstimatedSecondsLeft *int64 `json:"estimated_seconds_left,omitempty"`
}

// BatchPage is one page of a keyset-paginated batch listing. NextCursor is
// empty on the last page.
type BatchPage struct {
	Batches    []*domain.Batch `json:"batches"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

var supportedFormats = map[string]bool{
	"pdf": true, "jpg": true, "jpeg": true, "png": true, "csv": true, "xlsx": true,
}

// Coordinator creates batches and drives their lifecycle. It never processes
// file contents itself; per-item work happens in the processor behind the
// job queue.
type Coordinator struct {
	store     store.Store
	publisher jobs.Publisher
	logger    zerolog.Logger
}

// NewCoordinator creates a batch coordinator.
func NewCoordinator(st store.Store, publisher jobs.Publisher, logger zerolog.Logger) *Coordinator {
	return &Coordinator{store: st, publisher: publisher, logger: logger}
}

// CreateBatch validates the request, atomically persists the batch with all
// its items, records the creation activity and enqueues a processing job per
// file. Enqueue failures do not fail the call; they are appended to the
// batch's error list and the affected items stay pending for a retry sweep.
func (c *Coordinator) CreateBatch(ctx context.Context, ownerID string, importType domain.ImportType, files []FileInput) (*domain.Batch, error) {
	if len(files) == 0 {
		return nil, &domain.ValidationError{Msg: "a batch requires at least one file"}
	}
	switch importType {
	case domain.ImportTypeReceipts, domain.ImportTypeBankStatements, domain.ImportTypeInvoices, domain.ImportTypeMixed:
	default:
		return nil, &domain.ValidationError{Msg: fmt.Sprintf("unknown import type %q", importType)}
	}
	for _, f := range files {
		if f.FileURL == "" {
			return nil, &domain.ValidationError{Msg: fmt.Sprintf("file %q has no URL", f.FileName)}
		}
		if !supportedFormats[strings.ToLower(f.FileFormat)] {
			return nil, &domain.ValidationError{Msg: fmt.Sprintf("unsupported file format %q for %q", f.FileFormat, f.FileName)}
		}
	}

	sourceFormat := strings.ToLower(files[0].FileFormat)
	for _, f := range files[1:] {
		if strings.ToLower(f.FileFormat) != sourceFormat {
			sourceFormat = "mixed"
			break
		}
	}

	now := time.Now()
	batch := &domain.Batch{
		BatchID:      uuid.New().String(),
		OwnerID:      ownerID,
		ImportType:   importType,
		SourceFormat: sourceFormat,
		TotalFiles:   len(files),
		Status:       domain.BatchStatusPending,
		CreatedAt:    now,
	}
	items := make([]*domain.BatchItem, 0, len(files))
	for i, f := range files {
		items = append(items, &domain.BatchItem{
			ItemID:     uuid.New().String(),
			BatchID:    batch.BatchID,
			OwnerID:    ownerID,
			FileName:   f.FileName,
			FileURL:    f.FileURL,
			FileFormat: strings.ToLower(f.FileFormat),
			Order:      i,
			Status:     domain.ItemStatusPending,
			CreatedAt:  now,
		})
	}

	if err := c.store.CreateBatch(ctx, batch, items); err != nil {
		return nil, fmt.Errorf("CreateBatch: %w", err)
	}

	c.appendActivity(ctx, &domain.ActivityLogEntry{
		BatchID: batch.BatchID,
		OwnerID: ownerID,
		Type:    domain.ActivityBatchCreated,
		Message: fmt.Sprintf("batch created with %d files", len(files)),
		Details: map[string]interface{}{"total_files": len(files), "import_type": string(importType)},
	})

	for _, item := range items {
		c.appendActivity(ctx, &domain.ActivityLogEntry{
			BatchID:     batch.BatchID,
			BatchItemID: item.ItemID,
			OwnerID:     ownerID,
			Type:        domain.ActivityFileUploaded,
			Message:     fmt.Sprintf("file %s registered", item.FileName),
			Details:     map[string]interface{}{"file_url": item.FileURL, "order": item.Order},
		})
		if err := c.enqueueItem(ctx, batch, item); err != nil {
			c.logger.Error().Err(err).
				Str("batch_id", batch.BatchID).
				Str("item_id", item.ItemID).
				Msg("Failed to enqueue batch item")
			msg := fmt.Sprintf("enqueue %s: %v", item.FileName, err)
			if appendErr := c.store.AppendBatchError(ctx, batch.BatchID, msg); appendErr != nil {
				c.logger.Error().Err(appendErr).Str("batch_id", batch.BatchID).Msg("Failed to record enqueue error")
			}
		}
	}

	c.logger.Info().
		Str("batch_id", batch.BatchID).
		Int("total_files", len(files)).
		Str("import_type", string(importType)).
		Msg("Batch created")
	return batch, nil
}

func (c *Coordinator) enqueueItem(ctx context.Context, batch *domain.Batch, item *domain.BatchItem) error {
	job := &jobs.ProcessItemJob{
		JobID:       uuid.New().String(),
		BatchID:     batch.BatchID,
		BatchItemID: item.ItemID,
		OwnerID:     batch.OwnerID,
		FileURL:     item.FileURL,
		FileName:    item.FileName,
		FileFormat:  item.FileFormat,
		ImportType:  string(batch.ImportType),
		Order:       item.Order,
		Status:      jobs.JobStatusPending,
		CreatedAt:   time.Now(),
	}
	if _, err := c.publisher.PublishProcessItem(ctx, job); err != nil {
		return err
	}
	// A failed mark only risks a second publish later, which the item's
	// pending-check already tolerates.
	if err := c.store.MarkItemEnqueued(ctx, item.ItemID, time.Now()); err != nil {
		c.logger.Error().Err(err).Str("item_id", item.ItemID).Msg("Failed to mark item enqueued")
	}
	return nil
}

// GetBatch returns the batch when it belongs to ownerID.
func (c *Coordinator) GetBatch(ctx context.Context, batchID, ownerID string) (*domain.Batch, error) {
	return c.store.GetBatch(ctx, batchID, ownerID)
}

// GetStatusSummary computes the progress view of a batch. The ETA is a
// linear extrapolation: elapsed * remaining / processed. It is omitted until
// the first file is processed.
func (c *Coordinator) GetStatusSummary(ctx context.Context, batchID, ownerID string) (*StatusSummary, error) {
	batch, err := c.store.GetBatch(ctx, batchID, ownerID)
	if err != nil {
		return nil, err
	}

	summary := &StatusSummary{
		Batch:          batch,
		RemainingFiles: batch.TotalFiles - batch.ProcessedFiles,
	}
	if batch.TotalFiles > 0 {
		pct := float64(batch.ProcessedFiles) / float64(batch.TotalFiles) * 100
		summary.CompletionPercentage = int(math.Round(pct))
	}
	if batch.ProcessedFiles > 0 && batch.StartedAt != nil && summary.RemainingFiles > 0 {
		elapsed := time.Since(*batch.StartedAt)
		eta := int64(elapsed.Seconds() * float64(summary.RemainingFiles) / float64(batch.ProcessedFiles))
		summary.EstimatedSecondsLeft = &eta
	}
	return summary, nil
}

// ListItems returns the batch's items for per-file status display.
func (c *Coordinator) ListItems(ctx context.Context, batchID, ownerID string) ([]*domain.BatchItem, error) {
	return c.store.ListItems(ctx, batchID, ownerID)
}

// ListBatches returns one page of the owner's batches, newest first. The
// returned cursor resumes the listing after the last batch of this page.
func (c *Coordinator) ListBatches(ctx context.Context, ownerID string, filter store.BatchFilter) (*BatchPage, error) {
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	batches, err := c.store.ListBatches(ctx, ownerID, filter)
	if err != nil {
		return nil, fmt.Errorf("ListBatches: %w", err)
	}

	page := &BatchPage{Batches: batches}
	if len(batches) == filter.Limit {
		page.NextCursor = batches[len(batches)-1].BatchID
	}
	return page, nil
}

// CancelBatch stops a pending or processing batch. Items already being
// processed finish their current attempt; pending items will be skipped by
// the processor when their job is delivered.
func (c *Coordinator) CancelBatch(ctx context.Context, batchID, ownerID string) error {
	if err := c.store.CancelBatch(ctx, batchID, ownerID); err != nil {
		return err
	}
	c.logger.Info().Str("batch_id", batchID).Msg("Batch cancelled")
	return nil
}

// RetryItem re-enqueues a failed item that has retries remaining. The item
// goes back to pending, its retry counter is incremented and any counter
// contribution of the failed attempt is reversed so the batch can finish
// again with the new outcome. A pending item whose job publish failed is
// simply published again, without touching the retry counter.
func (c *Coordinator) RetryItem(ctx context.Context, itemID, ownerID string) (*domain.BatchItem, error) {
	item, err := c.store.GetItem(ctx, itemID, ownerID)
	if err != nil {
		return nil, err
	}
	if !item.NeedsEnqueue() {
		item, err = c.store.ResetItemForRetry(ctx, itemID, ownerID)
		if err != nil {
			return nil, err
		}
	}

	batch, err := c.store.GetBatch(ctx, item.BatchID, ownerID)
	if err != nil {
		return nil, err
	}
	if err := c.enqueueItem(ctx, batch, item); err != nil {
		msg := fmt.Sprintf("re-enqueue %s: %v", item.FileName, err)
		if appendErr := c.store.AppendBatchError(ctx, batch.BatchID, msg); appendErr != nil {
			c.logger.Error().Err(appendErr).Str("batch_id", batch.BatchID).Msg("Failed to record enqueue error")
		}
		return nil, fmt.Errorf("RetryItem: %w", err)
	}

	c.logger.Info().
		Str("batch_id", item.BatchID).
		Str("item_id", item.ItemID).
		Int("retry_count", item.RetryCount).
		Msg("Batch item re-enqueued")
	return item, nil
}

// RetrySweep re-enqueues every failed item of the owner that still has
// retries remaining, plus pending items whose enqueue never succeeded.
// Returns the number of items re-enqueued. Individual failures are logged
// and do not abort the sweep.
func (c *Coordinator) RetrySweep(ctx context.Context, ownerID string) (int, error) {
	items, err := c.store.ListRetryableItems(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("RetrySweep: %w", err)
	}

	retried := 0
	for _, item := range items {
		if _, err := c.RetryItem(ctx, item.ItemID, ownerID); err != nil {
			c.logger.Error().Err(err).Str("item_id", item.ItemID).Msg("Retry sweep item failed")
			continue
		}
		retried++
	}
	return retried, nil
}

// ListActivity returns the batch's activity log, most recent first.
func (c *Coordinator) ListActivity(ctx context.Context, batchID, ownerID string, limit int) ([]*domain.ActivityLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return c.store.ListActivity(ctx, batchID, ownerID, limit)
}

// ListTransactions returns the transactions produced by a batch.
func (c *Coordinator) ListTransactions(ctx context.Context, batchID, ownerID string) ([]*domain.Transaction, error) {
	return c.store.ListTransactionsByBatch(ctx, batchID, ownerID)
}

// appendActivity records an event, filling id and timestamp. Activity is
// best-effort; a failed append is logged, never propagated.
func (c *Coordinator) appendActivity(ctx context.Context, entry *domain.ActivityLogEntry) {
	entry.ActivityID = uuid.New().String()
	entry.CreatedAt = time.Now()
	if err := c.store.AppendActivity(ctx, entry); err != nil {
		c.logger.Error().Err(err).
			Str("batch_id", entry.BatchID).
			Str("type", string(entry.Type)).
			Msg("Failed to append activity")
	}
}
