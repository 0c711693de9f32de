package domain

import "time"

// JobStatus enumerates the lifecycle of one generation job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusComposing  JobStatus = "composing"
	JobStatusAttempting JobStatus = "attempting"
	JobStatusSucceeded  JobStatus = "succeeded"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCanceled   JobStatus = "canceled"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// GenerationJob is one request to produce one image for one style.
type GenerationJob struct {
	ID             string
	UserID         string
	SourceImageURL string
	StyleID        string
	FilterIDs      []string
	Status         JobStatus
	ImageURL       string
	ProviderID     string
	FailureReason  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Failure reasons stored on job handles. They are safe to show to callers.
const (
	FailureGeneration = "generation failed"
	FailureCanceled   = "canceled"
	FailureAbandoned  = "abandoned"
)

// AttemptMode says how a provider was driven.
type AttemptMode string

const (
	ModeSync  AttemptMode = "sync"
	ModeAsync AttemptMode = "async"
	ModeText  AttemptMode = "text"
)

// AttemptOutcome is the result of one provider attempt.
type AttemptOutcome string

const (
	OutcomeSuccess  AttemptOutcome = "success"
	OutcomeError    AttemptOutcome = "error"
	OutcomeTimeout  AttemptOutcome = "timeout"
	OutcomeCanceled AttemptOutcome = "canceled"
)

// ProviderAttempt records one try against one candidate. Diagnostics only.
type ProviderAttempt struct {
	ProviderID  string         `json:"provider_id"`
	Mode        AttemptMode    `json:"mode"`
	Outcome     AttemptOutcome `json:"outcome"`
	ErrorDetail string         `json:"error_detail,omitempty"`
	TaskID      string         `json:"task_id,omitempty"`
	Polls       int            `json:"polls,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	Duration    time.Duration  `json:"duration_ns"`
}

// TaskState is the status of an async provider task.
type TaskState string

const (
	TaskProcessing TaskState = "processing"
	TaskSuccess    TaskState = "success"
	TaskFailed     TaskState = "failed"
	TaskTimedOut   TaskState = "timed_out"
)

// PollingTask tracks one submitted async task while it is being polled.
type PollingTask struct {
	TaskID       string
	ProviderID   string
	SubmittedAt  time.Time
	AttemptsMade int
	Status       TaskState
	ResultRef    string
}
