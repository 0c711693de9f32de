// Package image defines the capabilities image providers expose to the
// fallback orchestrator, independent of any one provider's wire format.
package image

import (
	"context"

	"portraitd/internal/domain"
	"portraitd/internal/prompt"
)

// SourceImage describes the uploaded photo used as conditioning input. URL is
// always set; Data holds the fetched bytes once the pipeline has downloaded them.
type SourceImage struct {
	URL  string
	Data []byte
	MIME string
}

// Artifact is a generated image. Data is always populated by the time an
// artifact leaves the orchestrator; URL is the provider-side location, if any.
type Artifact struct {
	Data   []byte
	URL    string
	MIME   string
	Width  int
	Height int
}

// Params carries generation knobs that providers may or may not honor.
type Params struct {
	Strength      float64
	GuidanceScale float64
	Resolution    string
	AspectRatio   string
	Seed          int
}

// TaskStatus is one observation of an async task.
type TaskStatus struct {
	State     domain.TaskState
	ResultRef string
	Code      string
	Message   string
}

// SyncTransformer restyles a source image in a single blocking call.
type SyncTransformer interface {
	Name() string
	Transform(ctx context.Context, src SourceImage, prompts prompt.Prompts, params Params) (*Artifact, error)
}

// AsyncTransformer accepts a job and reports progress through task status queries.
type AsyncTransformer interface {
	Name() string
	Submit(ctx context.Context, src SourceImage, prompts prompt.Prompts, params Params) (string, error)
	TaskStatus(ctx context.Context, taskID string) (TaskStatus, error)
}

// TextToImage generates from prompts alone. It is the last resort of the chain.
type TextToImage interface {
	Name() string
	Generate(ctx context.Context, prompts prompt.Prompts, params Params) (*Artifact, error)
}
