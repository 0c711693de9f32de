package qwen

import (
	"context"
	"strings"

	"portraitd/internal/providers/image"
	"portraitd/internal/prompt"
)

// Name identifies this provider in chains and attempt logs.
const Name = "qwen"

type editClient interface {
	Edit(context.Context, EditRequest) (*image.Artifact, error)
	Model() string
}

// Editor is a sync chain candidate backed by the Qwen edit model. A transient
// upstream error is retried once with the negative prompt dropped.
type Editor struct {
	client editClient
}

func NewEditor(client editClient) *Editor {
	return &Editor{client: client}
}

func (e *Editor) Name() string { return Name }

func (e *Editor) Transform(ctx context.Context, src image.SourceImage, prompts prompt.Prompts, params image.Params) (*image.Artifact, error) {
	req := EditRequest{
		Instruction:    image.ImageToImagePrompt(prompts),
		NegativePrompt: prompts.Negative,
		ImageURL:       src.URL,
		ImageData:      src.Data,
		ImageMIME:      src.MIME,
		Seed:           params.Seed,
	}
	art, err := e.client.Edit(ctx, req)
	if err == nil || !isTransientError(err) || ctx.Err() != nil {
		return art, err
	}
	req.NegativePrompt = ""
	return e.client.Edit(ctx, req)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	if msg == "" {
		return false
	}
	if strings.Contains(msg, "internalerror") || strings.Contains(msg, "internal error") {
		return true
	}
	if strings.Contains(msg, "service unavailable") || strings.Contains(msg, "server unavailable") {
		return true
	}
	if strings.Contains(msg, "timeout") {
		return true
	}
	return false
}

var _ image.SyncTransformer = (*Editor)(nil)
