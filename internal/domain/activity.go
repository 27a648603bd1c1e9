package domain

import (
	"time"
)

// ActivityType enumerates the pipeline events recorded for user-facing
// progress display.
type ActivityType string

const (
	ActivityBatchCreated           ActivityType = "batch_created"
	ActivityFileUploaded           ActivityType = "file_uploaded"
	ActivityExtractionStart        ActivityType = "extraction_start"
	ActivityExtractionComplete     ActivityType = "extraction_complete"
	ActivityCategorizationStart    ActivityType = "categorization_start"
	ActivityCategorizationComplete ActivityType = "categorization_complete"
	ActivityDuplicateDetected      ActivityType = "duplicate_detected"
	ActivityItemCompleted          ActivityType = "item_completed"
	ActivityItemFailed             ActivityType = "item_failed"
	ActivityBatchCompleted         ActivityType = "batch_completed"
)

// ActivityLogEntry is an append-only audit record of a pipeline event.
// Entries are never mutated or deleted.
type ActivityLogEntry struct {
	ActivityID  string       `json:"activity_id"`
	BatchID     string       `json:"batch_id"`
	BatchItemID string       `json:"batch_item_id,omitempty"`
	OwnerID     string       `json:"owner_id"`
	Type        ActivityType `json:"type"`
	Message     string       `json:"message"`
	// Details is an opaque structured payload; consumers must not rely
	// on any particular shape beyond what the activity type documents.
	Details    map[string]interface{} `json:"details,omitempty"`
	DurationMs int64                  `json:"duration_ms,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}
