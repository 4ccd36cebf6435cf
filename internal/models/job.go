package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusQueued     = "queued"
	StatusLeased     = "leased"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusAbandoned  = "abandoned"
)

// Job types dispatched through a provider queue.
const (
	JobSearchByName = "search-by-name"
	JobLookupByID   = "lookup-by-id"
	JobSyncBatch    = "sync-batch"
	JobArtworkFetch = "artwork-fetch"
)

// Job is one unit of outbound provider work, persisted in Postgres and
// scheduled through the provider's Redis queue.
type Job struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Provider    string         `json:"provider"`
	Priority    int            `json:"priority"`
	Payload     map[string]any `json:"payload"`
	Status      string         `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	RequestID   string         `json:"request_id,omitempty"`
	NextRunAt   time.Time      `json:"next_run_at"`
	LastError   *string        `json:"last_error,omitempty"`
	DedupKey    *string        `json:"dedup_key,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// JobError describes why a job failed, as delivered in a JobResult.
type JobError struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

// ResultMetadata is tracing info attached to every JobResult.
type ResultMetadata struct {
	DurationMs int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id,omitempty"`
}

// JobResult is the immutable outcome of a job, delivered to the awaiting
// caller through the completion correlator and retained for observability.
type JobResult struct {
	JobID    string         `json:"job_id"`
	Success  bool           `json:"success"`
	Data     map[string]any `json:"data,omitempty"`
	Error    *JobError      `json:"error,omitempty"`
	Metadata ResultMetadata `json:"metadata"`
}
