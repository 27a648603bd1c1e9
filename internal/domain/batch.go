package domain

import (
	"time"
)

// ImportType identifies what kind of documents a batch carries.
type ImportType string

const (
	ImportTypeReceipts       ImportType = "receipts"
	ImportTypeBankStatements ImportType = "bank_statements"
	ImportTypeInvoices       ImportType = "invoices"
	ImportTypeMixed          ImportType = "mixed"
)

// BatchStatus represents the aggregate status of an import batch.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
	BatchStatusCancelled  BatchStatus = "cancelled"
)

// ItemStatus represents the status of a single file within a batch.
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusFailed     ItemStatus = "failed"
	ItemStatusDuplicate  ItemStatus = "duplicate"
	ItemStatusSkipped    ItemStatus = "skipped"
)

// MaxItemRetries is the cap on retries for a failed batch item.
// An item that has consumed all retries and is still failed is terminal.
const MaxItemRetries = 3

// Batch identifies one user-initiated import operation. Counters are
// mutated only through conditional store updates; callers must never
// read-modify-write them.
type Batch struct {
	BatchID      string     `json:"batch_id"`
	OwnerID      string     `json:"owner_id"`
	ImportType   ImportType `json:"import_type"`
	SourceFormat string     `json:"source_format"`

	TotalFiles      int `json:"total_files"`
	ProcessedFiles  int `json:"processed_files"`
	SuccessfulFiles int `json:"successful_files"`
	FailedFiles     int `json:"failed_files"`
	DuplicateFiles  int `json:"duplicate_files"`
	SkippedFiles    int `json:"skipped_files"`

	Status BatchStatus `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Errors accumulates batch-level problems (enqueue failures and the
	// like) in the order they occurred. Item-level errors live on the item.
	Errors []string `json:"errors,omitempty"`
}

// BatchItem is one file within a batch, tracked independently through
// the pipeline.
type BatchItem struct {
	ItemID  string `json:"item_id"`
	BatchID string `json:"batch_id"`
	// OwnerID is denormalized from the batch so authorization checks do
	// not need a batch lookup.
	OwnerID    string `json:"owner_id"`
	FileName   string `json:"file_name"`
	FileURL    string `json:"file_url"`
	FileFormat string `json:"file_format"`
	// Order is the 0-based position of the file in the upload request.
	Order int `json:"order"`

	Status       ItemStatus `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`

	// EnqueuedAt records the last successful publish of this item's job.
	// Nil means no job is known to be in flight: a pending item with a nil
	// EnqueuedAt is stuck and eligible for the retry sweep.
	EnqueuedAt *time.Time `json:"enqueued_at,omitempty"`

	// Counted records whether this item has already contributed to the
	// batch's processed counters. Only terminal attempts count; a retry
	// of a counted failure reverses the contribution first.
	Counted bool `json:"counted"`

	CreatedAt time.Time `json:"created_at"`
}

// Terminal reports whether the item is in a state from which no further
// automatic transition occurs. A failed item is terminal only once its
// retries are exhausted.
func (i *BatchItem) Terminal() bool {
	switch i.Status {
	case ItemStatusCompleted, ItemStatusDuplicate, ItemStatusSkipped:
		return true
	case ItemStatusFailed:
		return i.RetryCount >= MaxItemRetries
	default:
		return false
	}
}

// Retryable reports whether the item may be transitioned back to pending.
func (i *BatchItem) Retryable() bool {
	return i.Status == ItemStatusFailed && i.RetryCount < MaxItemRetries
}

// NeedsEnqueue reports whether the item is pending with no published job,
// i.e. its enqueue failed and only a new publish can move it forward.
func (i *BatchItem) NeedsEnqueue() bool {
	return i.Status == ItemStatusPending && i.EnqueuedAt == nil
}
