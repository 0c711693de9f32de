// Package poller drives an async provider task to a terminal state.
package poller

import (
	"context"
	"fmt"
	"math"
	"time"

	"portraitd/internal/domain"
	"portraitd/internal/infra"
	"portraitd/internal/metrics"
	"portraitd/internal/providers/image"
)

const (
	DefaultInterval = 2 * time.Second
	DefaultBudget   = 5 * time.Minute
)

// StatusReader is the part of an async provider the poller needs.
type StatusReader interface {
	Name() string
	TaskStatus(ctx context.Context, taskID string) (image.TaskStatus, error)
}

// Options bounds polling. With MaxAttempts zero the attempt cap is derived
// from Budget. Both zero means poll until the context ends.
type Options struct {
	Interval    time.Duration
	MaxAttempts int
	Budget      time.Duration
	Now         func() time.Time
	Logger      *infra.Logger
}

type Poller struct {
	interval    time.Duration
	maxAttempts int
	budget      time.Duration
	now         func() time.Time
	logger      *infra.Logger
}

func New(opts Options) *Poller {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 && opts.Budget > 0 {
		maxAttempts = int(math.Ceil(float64(opts.Budget) / float64(interval)))
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = infra.NopLogger()
	}
	return &Poller{
		interval:    interval,
		maxAttempts: maxAttempts,
		budget:      opts.Budget,
		now:         now,
		logger:      logger,
	}
}

// Poll waits one interval before every status query and returns the result
// reference once the task succeeds. Query errors are transient. A failed
// task or a success without a reference is a *domain.ProviderError; running
// out of attempts or budget is domain.ErrTimeout.
func (p *Poller) Poll(ctx context.Context, provider StatusReader, task *domain.PollingTask) (string, error) {
	if task.SubmittedAt.IsZero() {
		task.SubmittedAt = p.now()
	}
	task.Status = domain.TaskProcessing
	log := p.logger.With().Str("provider", provider.Name()).Str("task_id", task.TaskID).Logger()

	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}

		status, err := provider.TaskStatus(ctx, task.TaskID)
		task.AttemptsMade++
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			metrics.PollIterations.WithLabelValues(provider.Name(), "error").Inc()
			log.Warn().Err(err).Int("attempt", task.AttemptsMade).Msg("poller: status query failed")
		case status.State == domain.TaskSuccess:
			metrics.PollIterations.WithLabelValues(provider.Name(), string(domain.TaskSuccess)).Inc()
			if status.ResultRef == "" {
				task.Status = domain.TaskFailed
				return "", &domain.ProviderError{Provider: provider.Name(), Message: "success without result"}
			}
			task.Status = domain.TaskSuccess
			task.ResultRef = status.ResultRef
			log.Debug().Int("attempts", task.AttemptsMade).Msg("poller: task succeeded")
			return status.ResultRef, nil
		case status.State == domain.TaskFailed:
			metrics.PollIterations.WithLabelValues(provider.Name(), string(domain.TaskFailed)).Inc()
			task.Status = domain.TaskFailed
			return "", &domain.ProviderError{Provider: provider.Name(), Code: status.Code, Message: status.Message}
		default:
			metrics.PollIterations.WithLabelValues(provider.Name(), string(domain.TaskProcessing)).Inc()
		}

		if p.exhausted(task) {
			task.Status = domain.TaskTimedOut
			log.Warn().Int("attempts", task.AttemptsMade).Msg("poller: task timed out")
			return "", fmt.Errorf("%s task %s: %w", provider.Name(), task.TaskID, domain.ErrTimeout)
		}
		timer.Reset(p.interval)
	}
}

func (p *Poller) exhausted(task *domain.PollingTask) bool {
	if p.maxAttempts > 0 && task.AttemptsMade >= p.maxAttempts {
		return true
	}
	if p.budget > 0 && p.now().Sub(task.SubmittedAt) >= p.budget {
		return true
	}
	return false
}
