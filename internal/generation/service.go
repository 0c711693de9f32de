package generation

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"portraitd/internal/domain"
	"portraitd/internal/infra"
	"portraitd/internal/metrics"
)

// MaxStylesPerRequest bounds how many jobs one submit may create.
const MaxStylesPerRequest = 6

type Ledger interface {
	Admit(ctx context.Context, userID string, cost int) (bool, int, error)
	Refund(ctx context.Context, userID string, cost int) (int, error)
}

// CancelPublisher broadcasts a canceled job id to workers.
type CancelPublisher interface {
	Publish(ctx context.Context, jobID string) error
}

// Request is one inbound generation request. StyleIDs is used by Submit; a
// single StyleID is accepted by both shapes.
type Request struct {
	UserID         string
	SourceImageURL string
	StyleID        string
	StyleIDs       []string
	FilterIDs      []string
}

type GenerateResult struct {
	ImageURL         string `json:"image_url"`
	RemainingCredits int    `json:"remaining_credits"`
}

type SubmittedTask struct {
	TaskID  string `json:"task_id"`
	StyleID string `json:"style_id"`
}

type SubmitResult struct {
	Tasks            []SubmittedTask `json:"tasks"`
	RemainingCredits int             `json:"remaining_credits"`
}

// Task states reported to callers.
const (
	StateProcessing = "processing"
	StateComplete   = "complete"
	StateFailed     = "failed"
)

type TaskStatus struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	ImageURL string `json:"image_url,omitempty"`
	Error    string `json:"error,omitempty"`
}

type ServiceOptions struct {
	Engine  *Engine
	Ledger  Ledger
	Jobs    domain.JobRepository
	Cancels CancelPublisher

	CostPerImage int
	// SyncDeadline bounds a whole Generate call. Zero means no bound beyond
	// the caller's context.
	SyncDeadline time.Duration
	Logger       *infra.Logger
}

type Service struct {
	engine  *Engine
	ledger  Ledger
	jobs    domain.JobRepository
	cancels CancelPublisher
	cost    int
	timeout time.Duration
	logger  *infra.Logger
}

func NewService(opts ServiceOptions) *Service {
	cost := opts.CostPerImage
	if cost <= 0 {
		cost = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = infra.NopLogger()
	}
	return &Service{
		engine:  opts.Engine,
		ledger:  opts.Ledger,
		jobs:    opts.Jobs,
		cancels: opts.Cancels,
		cost:    cost,
		timeout: opts.SyncDeadline,
		logger:  logger,
	}
}

// Generate admits one image's cost and runs the pipeline under ctx, bounded by
// the sync deadline. Credits are not refunded when the pipeline fails.
func (s *Service) Generate(ctx context.Context, req Request) (*GenerateResult, error) {
	styles, err := s.validate(req)
	if err != nil {
		return nil, err
	}
	if len(styles) != 1 {
		return nil, fmt.Errorf("%w: exactly one style is required", domain.ErrInvalidRequest)
	}

	remaining, err := s.admit(ctx, req.UserID, s.cost)
	if err != nil {
		return nil, err
	}

	job := &domain.GenerationJob{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		SourceImageURL: req.SourceImageURL,
		StyleID:        styles[0],
		FilterIDs:      req.FilterIDs,
		Status:         domain.JobStatusPending,
	}
	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeoutCause(ctx, s.timeout, domain.ErrTimeout)
		defer cancel()
	}
	out, err := s.engine.Run(runCtx, job, nil)
	if err != nil {
		if ctx.Err() == nil && errors.Is(context.Cause(runCtx), domain.ErrTimeout) {
			err = fmt.Errorf("generation exceeded %s: %w", s.timeout, domain.ErrTimeout)
		}
		metrics.Jobs.WithLabelValues(terminalStatus(err)).Inc()
		s.logger.Warn().Err(err).Str("job_id", job.ID).Str("user_id", req.UserID).Msg("generation: request failed")
		return nil, err
	}
	metrics.Jobs.WithLabelValues(string(domain.JobStatusSucceeded)).Inc()
	return &GenerateResult{ImageURL: out.ImageURL, RemainingCredits: remaining}, nil
}

// Submit admits the cost of every requested style in one debit and queues a
// pending job per style. The jobs are stored together; if that fails the debit
// is refunded and nothing is queued.
func (s *Service) Submit(ctx context.Context, req Request) (*SubmitResult, error) {
	styles, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	cost := s.cost * len(styles)
	remaining, err := s.admit(ctx, req.UserID, cost)
	if err != nil {
		return nil, err
	}

	out := &SubmitResult{RemainingCredits: remaining, Tasks: make([]SubmittedTask, 0, len(styles))}
	jobs := make([]*domain.GenerationJob, 0, len(styles))
	for _, styleID := range styles {
		job := &domain.GenerationJob{
			ID:             uuid.NewString(),
			UserID:         req.UserID,
			SourceImageURL: req.SourceImageURL,
			StyleID:        styleID,
			FilterIDs:      req.FilterIDs,
			Status:         domain.JobStatusPending,
		}
		jobs = append(jobs, job)
		out.Tasks = append(out.Tasks, SubmittedTask{TaskID: job.ID, StyleID: styleID})
	}
	if err := s.jobs.Create(ctx, jobs...); err != nil {
		if _, rerr := s.ledger.Refund(context.WithoutCancel(ctx), req.UserID, cost); rerr != nil {
			s.logger.Error().Err(rerr).Str("user_id", req.UserID).Int("cost", cost).Msg("generation: refund after failed submit")
		}
		return nil, &domain.PersistenceError{Op: "create jobs", Err: err}
	}
	s.logger.Info().Str("user_id", req.UserID).Int("tasks", len(out.Tasks)).Msg("generation: tasks submitted")
	return out, nil
}

// GetStatus reads a job handle. It never triggers work.
func (s *Service) GetStatus(ctx context.Context, userID, jobID string) (*TaskStatus, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, domain.ErrNotFound
	}
	job, err := s.jobs.GetForUser(ctx, jobID, userID)
	if err != nil {
		return nil, err
	}
	st := &TaskStatus{TaskID: job.ID}
	switch job.Status {
	case domain.JobStatusSucceeded:
		st.Status = StateComplete
		st.ImageURL = job.ImageURL
	case domain.JobStatusCanceled:
		st.Status = StateFailed
		st.Error = domain.FailureCanceled
	case domain.JobStatusFailed:
		st.Status = StateFailed
		st.Error = domain.FailureGeneration
	default:
		st.Status = StateProcessing
	}
	return st, nil
}

// Cancel marks a live job canceled and tells workers to stop it. Canceling a
// finished job is a no-op.
func (s *Service) Cancel(ctx context.Context, userID, jobID string) (*TaskStatus, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, domain.ErrNotFound
	}
	ok, err := s.jobs.Cancel(ctx, jobID, userID)
	if err != nil {
		return nil, err
	}
	if ok {
		metrics.Jobs.WithLabelValues(string(domain.JobStatusCanceled)).Inc()
		if s.cancels != nil {
			if err := s.cancels.Publish(ctx, jobID); err != nil {
				s.logger.Warn().Err(err).Str("job_id", jobID).Msg("generation: cancel broadcast failed")
			}
		}
	}
	return s.GetStatus(ctx, userID, jobID)
}

func (s *Service) admit(ctx context.Context, userID string, cost int) (int, error) {
	admitted, remaining, err := s.ledger.Admit(ctx, userID, cost)
	if err != nil {
		return 0, err
	}
	if !admitted {
		return remaining, domain.ErrQuotaExceeded
	}
	return remaining, nil
}

// validate returns the de-duplicated style list. Unknown style ids are left
// to the composer, which falls back to the default style.
func (s *Service) validate(req Request) ([]string, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, domain.ErrUnauthorized
	}
	u, err := url.Parse(strings.TrimSpace(req.SourceImageURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: source image url must be http or https", domain.ErrInvalidRequest)
	}

	requested := req.StyleIDs
	if len(requested) == 0 && strings.TrimSpace(req.StyleID) != "" {
		requested = []string{req.StyleID}
	}
	if len(requested) == 0 {
		return nil, fmt.Errorf("%w: style_id is required", domain.ErrInvalidRequest)
	}

	seen := make(map[string]struct{}, len(requested))
	styles := make([]string, 0, len(requested))
	for _, id := range requested {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		styles = append(styles, id)
	}
	if len(styles) == 0 {
		return nil, fmt.Errorf("%w: style_id is required", domain.ErrInvalidRequest)
	}
	if len(styles) > MaxStylesPerRequest {
		return nil, fmt.Errorf("%w: at most %d styles per request", domain.ErrInvalidRequest, MaxStylesPerRequest)
	}
	return styles, nil
}

func terminalStatus(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrCanceled) {
		return string(domain.JobStatusCanceled)
	}
	return string(domain.JobStatusFailed)
}
