package domain

import "context"

// JobRepository stores job handles for the submit/status shape.
type JobRepository interface {
	// Create stores pending jobs. Either every job is stored or none is.
	Create(ctx context.Context, jobs ...*GenerationJob) error
	// Touch refreshes an in-flight job's liveness stamp.
	Touch(ctx context.Context, jobID string) error
	// Claim moves the oldest pending job to composing. ErrNotFound when idle.
	Claim(ctx context.Context) (*GenerationJob, error)
	UpdateStatus(ctx context.Context, jobID string, status JobStatus) error
	Complete(ctx context.Context, jobID, imageURL, providerID string, attempts []ProviderAttempt) (bool, error)
	Fail(ctx context.Context, jobID, reason string, attempts []ProviderAttempt) (bool, error)
	Cancel(ctx context.Context, jobID, userID string) (bool, error)
	GetForUser(ctx context.Context, jobID, userID string) (*GenerationJob, error)
	Status(ctx context.Context, jobID string) (JobStatus, error)
}

// GenerationRecordRepository stores and lists generation records.
type GenerationRecordRepository interface {
	InsertGenerationRecord(ctx context.Context, rec GenerationRecord) error
	ListByUser(ctx context.Context, userID string, limit int) ([]GenerationRecord, error)
}
