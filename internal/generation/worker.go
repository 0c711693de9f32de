package generation

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"portraitd/internal/domain"
	"portraitd/internal/infra"
	"portraitd/internal/metrics"
)

const (
	DefaultIdleInterval = 2 * time.Second
	DefaultStaleAfter   = 15 * time.Minute
	DefaultHeartbeat    = time.Minute

	finishTimeout = 10 * time.Second
)

// JobQueue is the job store as seen by workers.
type JobQueue interface {
	domain.JobRepository
	FailStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// CancelListener delivers canceled job ids until ctx is done.
type CancelListener interface {
	Listen(ctx context.Context, fn func(jobID string)) error
}

type WorkerOptions struct {
	Engine  *Engine
	Jobs    JobQueue
	Cancels CancelListener

	Concurrency  int
	IdleInterval time.Duration
	// StaleAfter is how long an in-flight job may sit untouched before a
	// starting worker declares it abandoned.
	StaleAfter time.Duration
	// Heartbeat is how often a running job is touched. It is capped at a
	// third of StaleAfter.
	Heartbeat time.Duration
	Logger    *infra.Logger
}

// Worker claims pending jobs and runs them through the engine.
type Worker struct {
	engine      *Engine
	jobs        JobQueue
	cancels     CancelListener
	concurrency int
	interval    time.Duration
	staleAfter  time.Duration
	beatEvery   time.Duration
	logger      *infra.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

func NewWorker(opts WorkerOptions) *Worker {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	interval := opts.IdleInterval
	if interval <= 0 {
		interval = DefaultIdleInterval
	}
	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	beatEvery := opts.Heartbeat
	if beatEvery <= 0 {
		beatEvery = DefaultHeartbeat
	}
	beatEvery = min(beatEvery, staleAfter/3)
	logger := opts.Logger
	if logger == nil {
		logger = infra.NopLogger()
	}
	return &Worker{
		engine:      opts.Engine.WithStatuses(opts.Jobs),
		jobs:        opts.Jobs,
		cancels:     opts.Cancels,
		concurrency: concurrency,
		interval:    interval,
		staleAfter:  staleAfter,
		beatEvery:   beatEvery,
		logger:      logger,
		inflight:    make(map[string]context.CancelFunc),
	}
}

// Run processes jobs until ctx is canceled, then waits for in-flight jobs to
// settle. Jobs interrupted by shutdown are failed as abandoned.
func (w *Worker) Run(ctx context.Context) error {
	if n, err := w.jobs.FailStale(ctx, w.staleAfter); err != nil {
		w.logger.Warn().Err(err).Msg("worker: failing stale jobs")
	} else if n > 0 {
		w.logger.Info().Int64("jobs", n).Msg("worker: stale jobs marked abandoned")
	}
	w.logger.Info().Int("concurrency", w.concurrency).Msg("worker: started")

	g, gctx := errgroup.WithContext(ctx)
	if w.cancels != nil {
		g.Go(func() error {
			if err := w.cancels.Listen(gctx, w.cancelJob); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		w.loop(gctx)
		return nil
	})
	err := g.Wait()
	w.logger.Info().Msg("worker: stopped")
	return err
}

func (w *Worker) loop(ctx context.Context) {
	var slots errgroup.Group
	slots.SetLimit(w.concurrency)
	for ctx.Err() == nil {
		slots.Go(func() error {
			w.claimAndRun(ctx)
			return nil
		})
	}
	_ = slots.Wait()
}

func (w *Worker) claimAndRun(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	job, err := w.jobs.Claim(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) && ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("worker: failed to claim job")
		}
		w.idle(ctx)
		return
	}
	w.process(ctx, job)
}

func (w *Worker) process(ctx context.Context, job *domain.GenerationJob) {
	log := w.logger.With().Str("job_id", job.ID).Str("style_id", job.StyleID).Logger()
	log.Info().Msg("worker: picked job")

	jobCtx, cancel := context.WithCancel(ctx)
	w.track(job.ID, cancel)
	defer w.untrack(job.ID)
	defer cancel()

	beatCtx, stopBeat := context.WithCancel(jobCtx)
	var beats sync.WaitGroup
	beats.Add(1)
	go func() {
		defer beats.Done()
		w.heartbeat(beatCtx, job.ID)
	}()

	out, err := w.engine.Run(jobCtx, job, w.stillLive(job.ID))
	stopBeat()
	beats.Wait()

	finishCtx, done := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer done()

	switch {
	case err == nil:
		ok, cerr := w.jobs.Complete(finishCtx, job.ID, out.ImageURL, out.ProviderID, out.Attempts)
		if cerr != nil {
			log.Error().Err(cerr).Msg("worker: complete job failed")
			return
		}
		if !ok {
			log.Warn().Msg("worker: job left the in-flight state before completion")
			return
		}
		metrics.Jobs.WithLabelValues(string(domain.JobStatusSucceeded)).Inc()
		log.Info().Str("provider", out.ProviderID).Msg("worker: job succeeded")

	case ctx.Err() != nil:
		w.fail(finishCtx, job.ID, domain.FailureAbandoned, attempts(out, err))
		log.Warn().Msg("worker: job abandoned on shutdown")

	case jobCtx.Err() != nil || errors.Is(err, domain.ErrCanceled):
		// The API already moved the row to canceled.
		log.Info().Msg("worker: job canceled")

	default:
		if w.fail(finishCtx, job.ID, domain.FailureGeneration, attempts(out, err)) {
			metrics.Jobs.WithLabelValues(string(domain.JobStatusFailed)).Inc()
		}
		log.Warn().Err(err).Msg("worker: job failed")
	}
}

// heartbeat keeps a running job's updated_at fresh so a starting worker's
// stale sweep does not take it for abandoned.
func (w *Worker) heartbeat(ctx context.Context, jobID string) {
	t := time.NewTicker(w.beatEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := w.jobs.Touch(ctx, jobID); err != nil && ctx.Err() == nil {
				w.logger.Warn().Err(err).Str("job_id", jobID).Msg("worker: heartbeat failed")
			}
		}
	}
}

// stillLive rejects publishing for jobs that were canceled while generating.
func (w *Worker) stillLive(jobID string) Guard {
	return func(ctx context.Context) error {
		status, err := w.jobs.Status(ctx, jobID)
		if err != nil {
			return err
		}
		if status.Terminal() {
			return domain.ErrCanceled
		}
		return nil
	}
}

func (w *Worker) fail(ctx context.Context, jobID, reason string, attempts []domain.ProviderAttempt) bool {
	ok, err := w.jobs.Fail(ctx, jobID, reason, attempts)
	if err != nil {
		w.logger.Error().Err(err).Str("job_id", jobID).Msg("worker: fail job failed")
		return false
	}
	return ok
}

func (w *Worker) cancelJob(jobID string) {
	w.mu.Lock()
	cancel, ok := w.inflight[jobID]
	w.mu.Unlock()
	if ok {
		w.logger.Info().Str("job_id", jobID).Msg("worker: cancel received")
		cancel()
	}
}

func (w *Worker) track(jobID string, cancel context.CancelFunc) {
	w.mu.Lock()
	w.inflight[jobID] = cancel
	w.mu.Unlock()
}

func (w *Worker) untrack(jobID string) {
	w.mu.Lock()
	delete(w.inflight, jobID)
	w.mu.Unlock()
}

func (w *Worker) idle(ctx context.Context) {
	t := time.NewTimer(w.interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func attempts(out *Outcome, err error) []domain.ProviderAttempt {
	if out != nil && len(out.Attempts) > 0 {
		return out.Attempts
	}
	return AttemptsOf(err)
}
