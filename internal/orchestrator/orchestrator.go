// Package orchestrator walks an ordered chain of image providers until one
// produces an image, ending with a text-to-image provider.
package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"time"

	"portraitd/internal/domain"
	"portraitd/internal/infra"
	"portraitd/internal/metrics"
	"portraitd/internal/poller"
	"portraitd/internal/providers/image"
	"portraitd/internal/prompt"
)

// Candidate is one chain entry. Exactly one of Sync and Async is set.
type Candidate struct {
	Sync  image.SyncTransformer
	Async image.AsyncTransformer
}

// SyncCandidate wraps a sync transformer.
func SyncCandidate(t image.SyncTransformer) Candidate { return Candidate{Sync: t} }

// AsyncCandidate wraps an async transformer.
func AsyncCandidate(t image.AsyncTransformer) Candidate { return Candidate{Async: t} }

func (c Candidate) Name() string {
	switch {
	case c.Sync != nil:
		return c.Sync.Name()
	case c.Async != nil:
		return c.Async.Name()
	}
	return ""
}

// TaskPoller is satisfied by *poller.Poller.
type TaskPoller interface {
	Poll(ctx context.Context, provider poller.StatusReader, task *domain.PollingTask) (string, error)
}

// Options configures an Orchestrator.
type Options struct {
	Candidates []Candidate
	Terminal   image.TextToImage
	Poller     TaskPoller
	Params     image.Params

	// SyncTimeout bounds each sync and terminal call. Zero leaves it to the
	// provider's HTTP client.
	SyncTimeout time.Duration

	// HTTPClient downloads async results.
	HTTPClient     *http.Client
	MaxResultBytes int64
	Now            func() time.Time
	Logger         *infra.Logger
}

// Result is a successful run.
type Result struct {
	Artifact   *image.Artifact
	ProviderID string
	Attempts   []domain.ProviderAttempt
}

type Orchestrator struct {
	candidates  []Candidate
	terminal    image.TextToImage
	poller      TaskPoller
	params      image.Params
	syncTimeout time.Duration
	httpClient  *http.Client
	maxBytes    int64
	now         func() time.Time
	logger      *infra.Logger
}

func New(opts Options) *Orchestrator {
	p := opts.Poller
	if p == nil {
		p = poller.New(poller.Options{Logger: opts.Logger})
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = infra.NopLogger()
	}
	return &Orchestrator{
		candidates:  append([]Candidate(nil), opts.Candidates...),
		terminal:    opts.Terminal,
		poller:      p,
		params:      opts.Params,
		syncTimeout: opts.SyncTimeout,
		httpClient:  httpClient,
		maxBytes:    opts.MaxResultBytes,
		now:         now,
		logger:      logger,
	}
}

// Generate tries each candidate once, in order, then the terminal provider.
// A canceled context stops the run before the next attempt and its error is
// returned as is. When everything fails the error is a *domain.ExhaustedError.
func (o *Orchestrator) Generate(ctx context.Context, job *domain.GenerationJob, src image.SourceImage, prompts prompt.Prompts) (*Result, error) {
	log := o.logger.With().Str("job_id", job.ID).Logger()
	var (
		attempts []domain.ProviderAttempt
		lastErr  error
	)

	for _, cand := range o.candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var (
			art     *image.Artifact
			attempt domain.ProviderAttempt
			err     error
		)
		if cand.Async != nil {
			art, attempt, err = o.runAsync(ctx, cand.Async, src, prompts)
		} else {
			art, attempt, err = o.runSync(ctx, cand.Sync, src, prompts)
		}
		attempts = append(attempts, attempt)
		o.observe(attempt)
		if err == nil {
			log.Info().Str("provider", attempt.ProviderID).Int("attempts", len(attempts)).Msg("orchestrator: image generated")
			return &Result{Artifact: art, ProviderID: attempt.ProviderID, Attempts: attempts}, nil
		}
		if attempt.Outcome == domain.OutcomeCanceled {
			return nil, ctx.Err()
		}
		log.Warn().Err(err).Str("provider", attempt.ProviderID).Str("mode", string(attempt.Mode)).Msg("orchestrator: candidate failed")
		lastErr = err
	}

	if o.terminal != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		art, attempt, err := o.runTerminal(ctx, prompts)
		attempts = append(attempts, attempt)
		o.observe(attempt)
		if err == nil {
			log.Info().Str("provider", attempt.ProviderID).Int("attempts", len(attempts)).Msg("orchestrator: image generated from text")
			return &Result{Artifact: art, ProviderID: attempt.ProviderID, Attempts: attempts}, nil
		}
		if attempt.Outcome == domain.OutcomeCanceled {
			return nil, ctx.Err()
		}
		log.Warn().Err(err).Str("provider", attempt.ProviderID).Msg("orchestrator: text-to-image failed")
		lastErr = err
	}

	if lastErr == nil {
		lastErr = errors.New("no providers configured")
	}
	return nil, &domain.ExhaustedError{Attempts: attempts, Last: lastErr}
}

func (o *Orchestrator) runSync(ctx context.Context, t image.SyncTransformer, src image.SourceImage, prompts prompt.Prompts) (*image.Artifact, domain.ProviderAttempt, error) {
	attempt := o.begin(t.Name(), domain.ModeSync)
	callCtx, cancel := o.bounded(ctx)
	defer cancel()

	art, err := t.Transform(callCtx, src, prompts, o.params)
	if err == nil && (art == nil || len(art.Data) == 0) {
		err = errors.New("empty image")
	}
	if err != nil {
		err = asProviderError(t.Name(), err)
	}
	return art, o.finish(ctx, callCtx, attempt, err), err
}

func (o *Orchestrator) runTerminal(ctx context.Context, prompts prompt.Prompts) (*image.Artifact, domain.ProviderAttempt, error) {
	attempt := o.begin(o.terminal.Name(), domain.ModeText)
	callCtx, cancel := o.bounded(ctx)
	defer cancel()

	art, err := o.terminal.Generate(callCtx, prompts, o.params)
	if err == nil && (art == nil || len(art.Data) == 0) {
		err = errors.New("empty image")
	}
	if err != nil {
		err = asProviderError(o.terminal.Name(), err)
	}
	return art, o.finish(ctx, callCtx, attempt, err), err
}

func (o *Orchestrator) runAsync(ctx context.Context, t image.AsyncTransformer, src image.SourceImage, prompts prompt.Prompts) (*image.Artifact, domain.ProviderAttempt, error) {
	attempt := o.begin(t.Name(), domain.ModeAsync)

	taskID, err := t.Submit(ctx, src, prompts, o.params)
	if err == nil && taskID == "" {
		err = errors.New("empty task id")
	}
	if err != nil {
		err = asProviderError(t.Name(), err)
		return nil, o.finish(ctx, ctx, attempt, err), err
	}
	attempt.TaskID = taskID

	task := &domain.PollingTask{TaskID: taskID, ProviderID: t.Name(), SubmittedAt: o.now()}
	ref, err := o.poller.Poll(ctx, t, task)
	attempt.Polls = task.AttemptsMade
	if err != nil {
		if !errors.Is(err, domain.ErrTimeout) {
			err = asProviderError(t.Name(), err)
		}
		return nil, o.finish(ctx, ctx, attempt, err), err
	}

	data, mime, err := image.Fetch(ctx, o.httpClient, ref, o.maxBytes)
	if err != nil {
		err = &domain.ProviderError{Provider: t.Name(), Message: "download result", Err: err}
		return nil, o.finish(ctx, ctx, attempt, err), err
	}
	art := &image.Artifact{Data: data, URL: ref, MIME: mime}
	return art, o.finish(ctx, ctx, attempt, nil), nil
}

func (o *Orchestrator) begin(provider string, mode domain.AttemptMode) domain.ProviderAttempt {
	return domain.ProviderAttempt{ProviderID: provider, Mode: mode, StartedAt: o.now()}
}

// finish classifies err against the caller's context and the per-call context.
func (o *Orchestrator) finish(parent, call context.Context, attempt domain.ProviderAttempt, err error) domain.ProviderAttempt {
	attempt.Duration = o.now().Sub(attempt.StartedAt)
	switch {
	case err == nil:
		attempt.Outcome = domain.OutcomeSuccess
	case parent.Err() != nil:
		attempt.Outcome = domain.OutcomeCanceled
		attempt.ErrorDetail = parent.Err().Error()
	case errors.Is(err, domain.ErrTimeout) || errors.Is(call.Err(), context.DeadlineExceeded):
		attempt.Outcome = domain.OutcomeTimeout
		attempt.ErrorDetail = err.Error()
	default:
		attempt.Outcome = domain.OutcomeError
		attempt.ErrorDetail = err.Error()
	}
	return attempt
}

func (o *Orchestrator) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.syncTimeout > 0 {
		return context.WithTimeout(ctx, o.syncTimeout)
	}
	return context.WithCancel(ctx)
}

func (o *Orchestrator) observe(a domain.ProviderAttempt) {
	metrics.ProviderAttempts.WithLabelValues(a.ProviderID, string(a.Mode), string(a.Outcome)).Inc()
	metrics.ProviderDuration.WithLabelValues(a.ProviderID, string(a.Mode)).Observe(a.Duration.Seconds())
}

func asProviderError(provider string, err error) error {
	var perr *domain.ProviderError
	if errors.As(err, &perr) {
		return err
	}
	return &domain.ProviderError{Provider: provider, Err: err}
}
