// Package generation runs the portrait pipeline for one job and exposes the
// synchronous and the submit/status request shapes on top of it.
package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"portraitd/internal/domain"
	"portraitd/internal/infra"
	"portraitd/internal/orchestrator"
	"portraitd/internal/providers/image"
	"portraitd/internal/prompt"
)

// DefaultSourceMaxBytes caps source image downloads.
const DefaultSourceMaxBytes = 10 << 20

type Captioner interface {
	Describe(ctx context.Context, src image.SourceImage) string
}

type Composer interface {
	Compose(styleID string, filterIDs []string, caption string) prompt.Prompts
}

type Generator interface {
	Generate(ctx context.Context, job *domain.GenerationJob, src image.SourceImage, prompts prompt.Prompts) (*orchestrator.Result, error)
}

type Publisher interface {
	Publish(ctx context.Context, userID, styleID string, art *image.Artifact) (string, error)
}

// StatusUpdater records pipeline progress. Nil for synchronous requests,
// which have no job handle.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, jobID string, status domain.JobStatus) error
}

// Guard runs after a successful generation and before publishing. A non-nil
// error aborts the run without publishing.
type Guard func(ctx context.Context) error

type EngineOptions struct {
	Captioner Captioner
	Composer  Composer
	Generator Generator
	Publisher Publisher
	Statuses  StatusUpdater

	HTTPClient     *http.Client
	SourceMaxBytes int64
	Logger         *infra.Logger
}

// Engine is stateless between runs and safe for concurrent use.
type Engine struct {
	captioner  Captioner
	composer   Composer
	generator  Generator
	publisher  Publisher
	statuses   StatusUpdater
	httpClient *http.Client
	maxBytes   int64
	logger     *infra.Logger
}

func NewEngine(opts EngineOptions) *Engine {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxBytes := opts.SourceMaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultSourceMaxBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = infra.NopLogger()
	}
	return &Engine{
		captioner:  opts.Captioner,
		composer:   opts.Composer,
		generator:  opts.Generator,
		publisher:  opts.Publisher,
		statuses:   opts.Statuses,
		httpClient: httpClient,
		maxBytes:   maxBytes,
		logger:     logger,
	}
}

// WithStatuses returns a copy of e that records progress on job handles.
func (e *Engine) WithStatuses(s StatusUpdater) *Engine {
	cp := *e
	cp.statuses = s
	return &cp
}

// Outcome is a published generation.
type Outcome struct {
	ImageURL   string
	ProviderID string
	Attempts   []domain.ProviderAttempt
}

// Run fetches the source image, captions it, composes prompts, walks the
// provider chain and publishes the result. guard may be nil.
func (e *Engine) Run(ctx context.Context, job *domain.GenerationJob, guard Guard) (*Outcome, error) {
	log := e.logger.With().Str("job_id", job.ID).Str("user_id", job.UserID).Str("style_id", job.StyleID).Logger()

	e.setStatus(ctx, job, domain.JobStatusComposing)
	data, mime, err := image.Fetch(ctx, e.httpClient, job.SourceImageURL, e.maxBytes)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: source image: %v", domain.ErrInvalidRequest, err)
	}
	src := image.SourceImage{URL: job.SourceImageURL, Data: data, MIME: mime}

	caption := prompt.DefaultCaption
	if e.captioner != nil {
		caption = e.captioner.Describe(ctx, src)
	}
	prompts := e.composer.Compose(job.StyleID, job.FilterIDs, caption)
	log.Debug().Str("caption", caption).Msg("generation: prompts composed")

	e.setStatus(ctx, job, domain.JobStatusAttempting)
	result, err := e.generator.Generate(ctx, job, src, prompts)
	if err != nil {
		return nil, err
	}
	out := &Outcome{ProviderID: result.ProviderID, Attempts: result.Attempts}

	if err := ctx.Err(); err != nil {
		return out, err
	}
	if guard != nil {
		if err := guard(ctx); err != nil {
			return out, err
		}
	}

	url, err := e.publisher.Publish(ctx, job.UserID, job.StyleID, result.Artifact)
	if err != nil {
		return out, err
	}
	out.ImageURL = url
	log.Info().Str("provider", out.ProviderID).Str("image_url", url).Msg("generation: job published")
	return out, nil
}

func (e *Engine) setStatus(ctx context.Context, job *domain.GenerationJob, status domain.JobStatus) {
	job.Status = status
	if e.statuses == nil || job.ID == "" {
		return
	}
	if err := e.statuses.UpdateStatus(ctx, job.ID, status); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Str("status", string(status)).Msg("generation: status update failed")
	}
}

// AttemptsOf returns the provider attempts carried by a pipeline error.
func AttemptsOf(err error) []domain.ProviderAttempt {
	var exhausted *domain.ExhaustedError
	if errors.As(err, &exhausted) {
		return exhausted.Attempts
	}
	return nil
}
