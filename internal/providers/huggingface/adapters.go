package huggingface

import (
	"context"
	"errors"
	"strings"

	"portraitd/internal/providers/image"
	"portraitd/internal/prompt"
)

// NamePrefix marks chain entries served by this package, as in "hf:<model>".
const NamePrefix = "hf:"

// Img2Img is a sync chain candidate bound to one model.
type Img2Img struct {
	client   *Client
	model    string
	strength float64
	guidance float64
}

// NewImg2Img binds model to client. Strength and guidance override the
// request params when positive.
func NewImg2Img(client *Client, model string, strength, guidance float64) *Img2Img {
	return &Img2Img{client: client, model: strings.TrimSpace(model), strength: strength, guidance: guidance}
}

func (a *Img2Img) Name() string { return NamePrefix + a.model }

func (a *Img2Img) Transform(ctx context.Context, src image.SourceImage, prompts prompt.Prompts, params image.Params) (*image.Artifact, error) {
	if a.strength > 0 {
		params.Strength = a.strength
	}
	if a.guidance > 0 {
		params.GuidanceScale = a.guidance
	}
	return a.client.ImageToImage(ctx, a.model, src, prompts, params)
}

// Text2Img is the terminal text-to-image provider.
type Text2Img struct {
	client *Client
	model  string
}

func NewText2Img(client *Client, model string) *Text2Img {
	return &Text2Img{client: client, model: strings.TrimSpace(model)}
}

func (a *Text2Img) Name() string { return NamePrefix + a.model }

func (a *Text2Img) Generate(ctx context.Context, prompts prompt.Prompts, params image.Params) (*image.Artifact, error) {
	return a.client.TextToImage(ctx, a.model, prompts, params)
}

// Captioner describes a portrait with an image-to-text model.
type Captioner struct {
	client *Client
	model  string
}

func NewCaptioner(client *Client, model string) *Captioner {
	return &Captioner{client: client, model: strings.TrimSpace(model)}
}

func (a *Captioner) Name() string { return NamePrefix + a.model }

func (a *Captioner) Describe(ctx context.Context, src image.SourceImage) (string, error) {
	if len(src.Data) == 0 {
		return "", errors.New("huggingface: caption needs image bytes")
	}
	return a.client.Caption(ctx, a.model, src.Data, src.MIME)
}

var (
	_ image.SyncTransformer = (*Img2Img)(nil)
	_ image.TextToImage     = (*Text2Img)(nil)
)
