package jobtrack

import (
	"context"
	"time"
)

// JobStatus defines the lifecycle state of a transcription job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions follow this status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransition enforces the allowed job state machine edges.
// Statuses only move forward: pending -> processing -> completed/failed.
func (s JobStatus) CanTransition(to JobStatus) bool {
	if s == to {
		return true
	}
	switch s {
	case JobStatusPending:
		return to == JobStatusProcessing || to == JobStatusCompleted || to == JobStatusFailed
	case JobStatusProcessing:
		return to == JobStatusCompleted || to == JobStatusFailed
	default:
		return false
	}
}

// Job represents a transcription job
type Job struct {
	ID                    string    `json:"id"`
	Filename              string    `json:"filename"`
	SourceURL             string    `json:"url"`
	QueueClass            string    `json:"queue_class"`
	Status                JobStatus `json:"status"`
	Result                *string   `json:"result,omitempty"`
	ErrorMessage          *string   `json:"error_message,omitempty"`
	Language              *string   `json:"language,omitempty"`
	LanguageProbability   *float64  `json:"language_probability,omitempty"`
	ProcessingTimeSeconds *float64  `json:"processing_time_seconds,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// JobFilter narrows Find results.
type JobFilter struct {
	Statuses     []JobStatus
	UpdatedAfter time.Time
}

// UpdateFields carries the nullable field set applied by Update.
type UpdateFields struct {
	Status                *JobStatus
	Result                *string
	ErrorMessage          *string
	Language              *string
	LanguageProbability   *float64
	ProcessingTimeSeconds *float64
}

// JobRepository defines the interface for job persistence
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, id string, fields UpdateFields) (*Job, error)
	Find(ctx context.Context, filter JobFilter) ([]Job, error)
}

// ActiveSet is the cross-process set of job IDs still awaiting updates.
// Add and Remove are expected to be atomic on the backing store.
type ActiveSet interface {
	Add(ctx context.Context, jobID string) error
	Remove(ctx context.Context, jobID string) error
	Members(ctx context.Context) ([]string, error)
}

// Dispatcher submits job work to a named queue selected by the job's
// queue class. Completion is observed through the update listener, never
// through the returned task ID.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *Job) (string, error)
}
