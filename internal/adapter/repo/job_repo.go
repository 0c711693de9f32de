package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"portraitd/internal/domain"
	"portraitd/internal/infra"
	"portraitd/internal/sqlinline"
)

// JobRepositoryPG implements domain.JobRepository. Terminal transitions only
// apply to rows that are still in flight, so each reports whether it won.
type JobRepositoryPG struct {
	db infra.TxRunner
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(db infra.TxRunner) *JobRepositoryPG {
	return &JobRepositoryPG{db: db}
}

// Create inserts pending jobs in one transaction.
func (r *JobRepositoryPG) Create(ctx context.Context, jobs ...*domain.GenerationJob) error {
	return r.db.InTx(ctx, func(tx infra.SQLExecutor) error {
		for _, job := range jobs {
			filters, err := json.Marshal(nonNil(job.FilterIDs))
			if err != nil {
				return fmt.Errorf("encode filters: %w", err)
			}
			if _, err := tx.Exec(ctx, sqlinline.QInsertGenerationJob,
				job.ID,
				job.UserID,
				job.SourceImageURL,
				job.StyleID,
				string(filters),
			); err != nil {
				return fmt.Errorf("insert job %s: %w", job.ID, err)
			}
		}
		return nil
	})
}

// Claim moves the oldest pending job to composing.
func (r *JobRepositoryPG) Claim(ctx context.Context) (*domain.GenerationJob, error) {
	var (
		job     domain.GenerationJob
		filters []byte
		status  string
	)
	err := r.db.QueryRow(ctx, sqlinline.QClaimGenerationJob).Scan(
		&job.ID,
		&job.UserID,
		&job.SourceImageURL,
		&job.StyleID,
		&filters,
		&status,
		&job.CreatedAt,
	)
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	if err := decodeFilters(filters, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateStatus records progress for an in-flight job.
func (r *JobRepositoryPG) UpdateStatus(ctx context.Context, jobID string, status domain.JobStatus) error {
	_, err := r.db.Exec(ctx, sqlinline.QUpdateGenerationJobStatus, jobID, string(status))
	return err
}

// Touch bumps updated_at so FailStale leaves a running job alone.
func (r *JobRepositoryPG) Touch(ctx context.Context, jobID string) error {
	_, err := r.db.Exec(ctx, sqlinline.QTouchGenerationJob, jobID)
	return err
}

func (r *JobRepositoryPG) Complete(ctx context.Context, jobID, imageURL, providerID string, attempts []domain.ProviderAttempt) (bool, error) {
	encoded, err := encodeAttempts(attempts)
	if err != nil {
		return false, err
	}
	tag, err := r.db.Exec(ctx, sqlinline.QCompleteGenerationJob, jobID, imageURL, providerID, encoded)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *JobRepositoryPG) Fail(ctx context.Context, jobID, reason string, attempts []domain.ProviderAttempt) (bool, error) {
	encoded, err := encodeAttempts(attempts)
	if err != nil {
		return false, err
	}
	tag, err := r.db.Exec(ctx, sqlinline.QFailGenerationJob, jobID, reason, encoded)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Cancel marks a caller's non-terminal job canceled.
func (r *JobRepositoryPG) Cancel(ctx context.Context, jobID, userID string) (bool, error) {
	tag, err := r.db.Exec(ctx, sqlinline.QCancelGenerationJob, jobID, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// GetForUser fetches a job owned by userID.
func (r *JobRepositoryPG) GetForUser(ctx context.Context, jobID, userID string) (*domain.GenerationJob, error) {
	var (
		job     domain.GenerationJob
		filters []byte
		status  string
	)
	err := r.db.QueryRow(ctx, sqlinline.QSelectGenerationJobForUser, jobID, userID).Scan(
		&job.ID,
		&job.UserID,
		&job.SourceImageURL,
		&job.StyleID,
		&filters,
		&status,
		&job.ImageURL,
		&job.ProviderID,
		&job.FailureReason,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	if err := decodeFilters(filters, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Status returns the current status of any job.
func (r *JobRepositoryPG) Status(ctx context.Context, jobID string) (domain.JobStatus, error) {
	var status string
	if err := r.db.QueryRow(ctx, sqlinline.QSelectGenerationJobStatus, jobID).Scan(&status); err != nil {
		if infra.IsNoRows(err) {
			return "", domain.ErrNotFound
		}
		return "", err
	}
	return domain.JobStatus(status), nil
}

// FailStale fails in-flight jobs untouched for longer than olderThan. Live
// workers Touch their jobs well inside that window.
func (r *JobRepositoryPG) FailStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.db.Exec(ctx, sqlinline.QFailStaleGenerationJobs, int(olderThan.Seconds()))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func encodeAttempts(attempts []domain.ProviderAttempt) (string, error) {
	if len(attempts) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(attempts)
	if err != nil {
		return "", fmt.Errorf("encode attempts: %w", err)
	}
	return string(b), nil
}

func decodeFilters(raw []byte, job *domain.GenerationJob) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &job.FilterIDs); err != nil {
		return fmt.Errorf("decode filters: %w", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)
