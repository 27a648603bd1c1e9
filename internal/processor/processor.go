// Package processor executes one batch item end to end: fetch, extract,
// deduplicate, categorize, persist. It is the job handler behind the queue
// and must stay idempotent under at-least-once delivery.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/import-pipeline/internal/categorize"
	"github.com/dvloznov/import-pipeline/internal/dedupe"
	"github.com/dvloznov/import-pipeline/internal/domain"
	"github.com/dvloznov/import-pipeline/internal/extraction"
	"github.com/dvloznov/import-pipeline/internal/jobs"
	"github.com/dvloznov/import-pipeline/internal/logger"
	"github.com/dvloznov/import-pipeline/internal/storage"
	"github.com/dvloznov/import-pipeline/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultExtractionTimeout bounds a single extraction attempt, model call
// included.
const DefaultExtractionTimeout = 2 * time.Minute

// Config tunes the processor.
type Config struct {
	// ExtractionTimeout bounds one extraction attempt. Zero means
	// DefaultExtractionTimeout.
	ExtractionTimeout time.Duration
	// IncludeAI enables the AI categorization fallback.
	IncludeAI bool
	// MinConfidence overrides the categorization acceptance threshold.
	// Zero keeps the engine default.
	MinConfidence float64
}

func (c Config) extractionTimeout() time.Duration {
	if c.ExtractionTimeout <= 0 {
		return DefaultExtractionTimeout
	}
	return c.ExtractionTimeout
}

// Warehouse mirrors stored records into the analytics warehouse. Mirror
// failures are logged, never propagated: the primary store already holds
// the record.
type Warehouse interface {
	InsertTransaction(ctx context.Context, tx *domain.Transaction) error
	AppendActivity(ctx context.Context, entry *domain.ActivityLogEntry) error
}

// Processor drives a single item through the pipeline stages.
type Processor struct {
	store     store.Store
	fetcher   storage.Fetcher
	extractor extraction.Extractor
	detector  *dedupe.Detector
	engine    *categorize.Engine
	warehouse Warehouse
	logger    zerolog.Logger
	cfg       Config
}

// New creates an item processor.
func New(st store.Store, fetcher storage.Fetcher, extractor extraction.Extractor, detector *dedupe.Detector, engine *categorize.Engine, log zerolog.Logger, cfg Config) *Processor {
	return &Processor{
		store:     st,
		fetcher:   fetcher,
		extractor: extractor,
		detector:  detector,
		engine:    engine,
		logger:    log,
		cfg:       cfg,
	}
}

// WithWarehouse attaches an optional warehouse mirror and returns the
// processor for chaining.
func (p *Processor) WithWarehouse(w Warehouse) *Processor {
	p.warehouse = w
	return p
}

// HandleJob adapts the processor to the queue's JobHandler contract.
func (p *Processor) HandleJob(ctx context.Context, job jobs.Job) error {
	item, ok := job.(*jobs.ProcessItemJob)
	if !ok {
		return fmt.Errorf("unexpected job type %T", job)
	}
	return p.ProcessItem(ctx, item)
}

// ProcessItem runs the full pipeline for one batch item. Outcomes are applied
// through a single conditional store operation, so a redelivered job for an
// already-terminal item is a logged no-op, never a double count.
func (p *Processor) ProcessItem(ctx context.Context, job *jobs.ProcessItemJob) error {
	log := logger.WithBatch(p.logger, job.BatchID, job.BatchItemID)
	ctx = logger.WithContext(ctx, log)
	started := time.Now()

	item, begun, err := p.store.BeginItem(ctx, job.BatchItemID)
	if err != nil {
		return fmt.Errorf("ProcessItem: begin item: %w", err)
	}
	if !begun {
		log.Warn().Str("status", string(item.Status)).Msg("Item not pending, dropping redelivered job")
		return nil
	}

	if err := p.store.MarkBatchProcessing(ctx, job.BatchID, started); err != nil {
		log.Error().Err(err).Msg("Failed to mark batch processing")
	}

	// A cancelled batch skips all not-yet-processed items.
	batch, err := p.store.GetBatch(ctx, job.BatchID, job.OwnerID)
	if err != nil {
		// Fail the item rather than leave it wedged in processing, where
		// neither a redelivery nor the retry surface could reach it.
		log.Error().Err(err).Msg("Failed to load batch")
		return p.finish(ctx, log, job, store.ItemOutcome{
			ItemID:       job.BatchItemID,
			BatchID:      job.BatchID,
			Status:       domain.ItemStatusFailed,
			ErrorMessage: fmt.Sprintf("load batch: %v", err),
			Retryable:    true,
		}, started)
	}
	if batch.Status == domain.BatchStatusCancelled {
		log.Info().Msg("Batch cancelled, skipping item")
		return p.finish(ctx, log, job, store.ItemOutcome{
			ItemID:  job.BatchItemID,
			BatchID: job.BatchID,
			Status:  domain.ItemStatusSkipped,
		}, started)
	}

	txs, extractErr := p.extract(ctx, job)
	if extractErr != nil {
		log.Error().Err(extractErr).Str("file", job.FileName).Msg("Extraction failed")
		return p.finish(ctx, log, job, store.ItemOutcome{
			ItemID:       job.BatchItemID,
			BatchID:      job.BatchID,
			Status:       domain.ItemStatusFailed,
			ErrorMessage: extractErr.Error(),
			Retryable:    domain.IsExtraction(extractErr),
		}, started)
	}

	// File-level duplicate check: an identical file seen before marks the
	// whole item duplicate and produces only excluded link records.
	fileMatch, err := p.detector.FindDuplicate(ctx, job.OwnerID, domain.Fingerprint{ContentHash: txs[0].ContentHash})
	if err != nil {
		log.Error().Err(err).Msg("Duplicate detection failed")
	}
	if fileMatch != nil {
		for _, tx := range txs {
			if err := p.persistDuplicate(ctx, job, tx, fileMatch); err != nil {
				return p.finish(ctx, log, job, store.ItemOutcome{
					ItemID:       job.BatchItemID,
					BatchID:      job.BatchID,
					Status:       domain.ItemStatusFailed,
					ErrorMessage: err.Error(),
					Retryable:    false,
				}, started)
			}
		}
		p.recordDuplicate(ctx, job, fileMatch, job.FileName)
		return p.finish(ctx, log, job, store.ItemOutcome{
			ItemID:  job.BatchItemID,
			BatchID: job.BatchID,
			Status:  domain.ItemStatusDuplicate,
		}, started)
	}

	if persistErr := p.persistTransactions(ctx, log, job, txs); persistErr != nil {
		return p.finish(ctx, log, job, store.ItemOutcome{
			ItemID:       job.BatchItemID,
			BatchID:      job.BatchID,
			Status:       domain.ItemStatusFailed,
			ErrorMessage: persistErr.Error(),
			Retryable:    false,
		}, started)
	}

	return p.finish(ctx, log, job, store.ItemOutcome{
		ItemID:  job.BatchItemID,
		BatchID: job.BatchID,
		Status:  domain.ItemStatusCompleted,
	}, started)
}

func (p *Processor) extract(ctx context.Context, job *jobs.ProcessItemJob) ([]*domain.ExtractedTransaction, error) {
	p.appendActivity(ctx, job, domain.ActivityExtractionStart,
		fmt.Sprintf("extracting %s", job.FileName), nil, 0)

	extractCtx, cancel := context.WithTimeout(ctx, p.cfg.extractionTimeout())
	defer cancel()

	data, err := p.fetcher.Fetch(extractCtx, job.FileURL)
	if err != nil {
		return nil, &domain.ExtractionError{Cause: fmt.Errorf("fetch %s: %w", job.FileURL, err)}
	}

	start := time.Now()
	txs, err := p.extractor.Extract(extractCtx, data, job.FileName, job.FileFormat, domain.ImportType(job.ImportType))
	if err != nil {
		return nil, err
	}

	p.appendActivity(ctx, job, domain.ActivityExtractionComplete,
		fmt.Sprintf("extracted %d transactions from %s", len(txs), job.FileName),
		map[string]interface{}{"transaction_count": len(txs)},
		time.Since(start).Milliseconds())
	return txs, nil
}

// persistTransactions categorizes and stores every extracted transaction.
// Transaction-level duplicates within an otherwise new file become excluded
// link records instead of countable transactions.
func (p *Processor) persistTransactions(ctx context.Context, log zerolog.Logger, job *jobs.ProcessItemJob, txs []*domain.ExtractedTransaction) error {
	p.appendActivity(ctx, job, domain.ActivityCategorizationStart,
		fmt.Sprintf("categorizing %d transactions", len(txs)), nil, 0)
	catStart := time.Now()

	opts := categorize.Options{IncludeAI: p.cfg.IncludeAI, MinConfidence: p.cfg.MinConfidence}
	stored := 0
	for _, tx := range txs {
		match, err := p.detector.FindDuplicate(ctx, job.OwnerID, domain.Fingerprint{
			MerchantName: tx.MerchantName,
			Date:         tx.Date,
			Amount:       tx.Amount,
		})
		if err != nil {
			log.Error().Err(err).Str("merchant", tx.MerchantName).Msg("Duplicate detection failed")
		}
		if match != nil {
			if err := p.persistDuplicate(ctx, job, tx, match); err != nil {
				return err
			}
			p.recordDuplicate(ctx, job, match, tx.MerchantName)
			continue
		}

		suggestion, err := p.engine.Categorize(ctx, tx, job.OwnerID, opts)
		if err != nil || suggestion == nil {
			suggestion = domain.Uncategorized()
		}

		record := &domain.Transaction{
			TransactionID: uuid.New().String(),
			OwnerID:       job.OwnerID,
			BatchID:       job.BatchID,
			BatchItemID:   job.BatchItemID,
			MerchantName:  tx.MerchantName,
			Description:   tx.Description,
			Date:          tx.Date,
			Amount:        tx.Amount,
			Currency:      tx.Currency,
			ContentHash:   tx.ContentHash,
			CategoryID:    suggestion.CategoryID,
			CategoryName:  suggestion.CategoryName,
			Method:        suggestion.Method,
			Confidence:    suggestion.Confidence,
			Flags:         domain.TransactionFlags{DetectedBy: string(suggestion.Method)},
			CreatedAt:     time.Now(),
		}
		if err := p.store.InsertTransaction(ctx, record); err != nil {
			return &domain.PersistenceError{Op: "InsertTransaction", Cause: err}
		}
		stored++

		if p.warehouse != nil {
			if err := p.warehouse.InsertTransaction(ctx, record); err != nil {
				log.Error().Err(err).Str("transaction_id", record.TransactionID).Msg("Warehouse mirror failed")
			}
		}
	}

	p.appendActivity(ctx, job, domain.ActivityCategorizationComplete,
		fmt.Sprintf("stored %d transactions", stored),
		map[string]interface{}{"stored": stored, "extracted": len(txs)},
		time.Since(catStart).Milliseconds())
	return nil
}

// persistDuplicate stores the duplicate as an excluded record: never counted
// in totals, never categorized, but carrying the link to the matched
// transaction in its flags so the match survives beyond the activity log.
func (p *Processor) persistDuplicate(ctx context.Context, job *jobs.ProcessItemJob, tx *domain.ExtractedTransaction, match *domain.DuplicateMatch) error {
	record := &domain.Transaction{
		TransactionID: uuid.New().String(),
		OwnerID:       job.OwnerID,
		BatchID:       job.BatchID,
		BatchItemID:   job.BatchItemID,
		MerchantName:  tx.MerchantName,
		Description:   tx.Description,
		Date:          tx.Date,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		ContentHash:   tx.ContentHash,
		Method:        domain.MethodNone,
		Flags: domain.TransactionFlags{
			IsDuplicate:          true,
			LinkedTransactionID:  match.TransactionID,
			IsExcludedFromTotals: true,
			ExclusionReason:      "duplicate",
			DetectedBy:           string(match.MatchType),
		},
		CreatedAt: time.Now(),
	}
	if err := p.store.InsertTransaction(ctx, record); err != nil {
		return &domain.PersistenceError{Op: "InsertTransaction", Cause: err}
	}
	if p.warehouse != nil {
		if err := p.warehouse.InsertTransaction(ctx, record); err != nil {
			log := logger.FromContext(ctx)
			log.Error().Err(err).Str("transaction_id", record.TransactionID).Msg("Warehouse mirror failed")
		}
	}
	return nil
}

func (p *Processor) recordDuplicate(ctx context.Context, job *jobs.ProcessItemJob, match *domain.DuplicateMatch, subject string) {
	p.appendActivity(ctx, job, domain.ActivityDuplicateDetected,
		fmt.Sprintf("duplicate detected for %s", subject),
		map[string]interface{}{
			"linked_transaction_id": match.TransactionID,
			"match_type":            string(match.MatchType),
			"confidence":            match.Confidence,
		}, 0)
}

// finish applies the terminal outcome and records the closing activity. When
// this outcome is the one that finishes the batch it also records the
// batch-level completion entry.
func (p *Processor) finish(ctx context.Context, log zerolog.Logger, job *jobs.ProcessItemJob, outcome store.ItemOutcome, started time.Time) error {
	result, err := p.store.ApplyItemOutcome(ctx, outcome)
	if err != nil {
		return fmt.Errorf("ProcessItem: apply outcome: %w", err)
	}
	if !result.Applied {
		log.Warn().Str("outcome", string(outcome.Status)).Msg("Outcome not applied, item no longer processing")
		return nil
	}

	durationMs := time.Since(started).Milliseconds()
	switch outcome.Status {
	case domain.ItemStatusFailed:
		p.appendActivity(ctx, job, domain.ActivityItemFailed,
			fmt.Sprintf("%s failed: %s", job.FileName, outcome.ErrorMessage),
			map[string]interface{}{"retryable": outcome.Retryable}, durationMs)
	default:
		p.appendActivity(ctx, job, domain.ActivityItemCompleted,
			fmt.Sprintf("%s finished with status %s", job.FileName, outcome.Status),
			map[string]interface{}{"status": string(outcome.Status)}, durationMs)
	}

	log.Info().
		Str("status", string(outcome.Status)).
		Int64("duration_ms", durationMs).
		Msg("Item processed")

	if result.BatchFinished {
		entry := &domain.ActivityLogEntry{
			ActivityID: uuid.New().String(),
			BatchID:    job.BatchID,
			OwnerID:    job.OwnerID,
			Type:       domain.ActivityBatchCompleted,
			Message:    fmt.Sprintf("batch finished with status %s", result.BatchStatus),
			Details:    map[string]interface{}{"status": string(result.BatchStatus)},
			CreatedAt:  time.Now(),
		}
		if err := p.store.AppendActivity(ctx, entry); err != nil {
			log.Error().Err(err).Msg("Failed to append batch completion activity")
		}
		log.Info().Str("batch_status", string(result.BatchStatus)).Msg("Batch finished")
	}
	return nil
}

func (p *Processor) appendActivity(ctx context.Context, job *jobs.ProcessItemJob, typ domain.ActivityType, msg string, details map[string]interface{}, durationMs int64) {
	entry := &domain.ActivityLogEntry{
		ActivityID:  uuid.New().String(),
		BatchID:     job.BatchID,
		BatchItemID: job.BatchItemID,
		OwnerID:     job.OwnerID,
		Type:        typ,
		Message:     msg,
		Details:     details,
		DurationMs:  durationMs,
		CreatedAt:   time.Now(),
	}
	if err := p.store.AppendActivity(ctx, entry); err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("type", string(typ)).Msg("Failed to append activity")
	}
	if p.warehouse != nil {
		if err := p.warehouse.AppendActivity(ctx, entry); err != nil {
			log := logger.FromContext(ctx)
			log.Error().Err(err).Str("type", string(typ)).Msg("Warehouse activity mirror failed")
		}
	}
}
