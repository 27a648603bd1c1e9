package jobs

import (
	"context"
	"time"
)

// JobType represents the type of job to be executed.
type JobType string

const (
	// JobTypeProcessItem represents a batch-item processing job.
	JobTypeProcessItem JobType = "process_item"
)

// JobStatus represents the current status of a job delivery.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job completed successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job handler returned an error.
	JobStatusFailed JobStatus = "failed"
)

// ProcessItemJob carries everything the item processor needs so it can run
// without a batch lookup. Delivery is at-least-once with no ordering
// guarantee; the processor is responsible for idempotency. The queue never
// retries on its own - retry is a batch-item state transition owned by the
// coordinator.
type ProcessItemJob struct {
	// JobID is the unique identifier for this job delivery.
	JobID string `json:"job_id"`

	// BatchID is the batch the item belongs to.
	BatchID string `json:"batch_id"`

	// BatchItemID is the item to process.
	BatchItemID string `json:"batch_item_id"`

	// OwnerID is the batch owner, for authorization on every read.
	OwnerID string `json:"owner_id"`

	// FileURL resolves to the document bytes via the storage fetcher.
	FileURL string `json:"file_url"`

	// FileName is the original upload name, for logging and activity.
	FileName string `json:"file_name"`

	// FileFormat is the document format (pdf, jpg, png, csv, xlsx).
	FileFormat string `json:"file_format"`

	// ImportType selects the extraction strategy.
	ImportType string `json:"import_type"`

	// Order is the item's stable position within the batch.
	Order int `json:"order"`

	// Status is the current status of the job delivery.
	Status JobStatus `json:"status"`

	// CreatedAt is when the job was created.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when the job started processing.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the job completed (success or failure).
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error contains error details if the handler failed.
	Error string `json:"error,omitempty"`
}

// Job is a generic interface for all job types.
type Job interface {
	// GetID returns the unique job identifier.
	GetID() string

	// GetType returns the job type.
	GetType() JobType

	// GetStatus returns the current job status.
	GetStatus() JobStatus
}

// GetID implements the Job interface.
func (j *ProcessItemJob) GetID() string {
	return j.JobID
}

// GetType implements the Job interface.
func (j *ProcessItemJob) GetType() JobType {
	return JobTypeProcessItem
}

// GetStatus implements the Job interface.
func (j *ProcessItemJob) GetStatus() JobStatus {
	return j.Status
}

// Publisher defines the interface for publishing jobs to a queue.
// This abstraction allows for different queue implementations (in-memory, Cloud Tasks, Pub/Sub).
type Publisher interface {
	// PublishProcessItem publishes a batch-item processing job.
	// The returned id identifies the delivery event.
	PublishProcessItem(ctx context.Context, job *ProcessItemJob) (string, error)

	// Close closes the publisher and releases resources.
	Close() error
}

// Consumer defines the interface for consuming jobs from a queue.
type Consumer interface {
	// Start begins consuming jobs from the queue.
	// The handler function is called for each job received.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler is a function that processes a job. The queue records the
// returned error on the job but takes no further action.
type JobHandler func(ctx context.Context, job Job) error

// JobStore defines the interface for storing and retrieving job status.
// This allows tracking job execution across service restarts.
type JobStore interface {
	// SaveJob saves or updates a job's state.
	SaveJob(ctx context.Context, job *ProcessItemJob) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID string) (*ProcessItemJob, error)

	// ListJobs retrieves jobs with optional filtering.
	ListJobs(ctx context.Context, filter JobFilter) ([]*ProcessItemJob, error)
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	// BatchID filters jobs by batch.
	BatchID string

	// BatchItemID filters jobs by item.
	BatchItemID string

	// Status filters jobs by status.
	Status JobStatus

	// Limit limits the number of results.
	Limit int

	// Offset for pagination.
	Offset int
}
