// Package gemini adapts Google's Gemini models for portrait editing and captioning.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"portraitd/internal/infra"
	"portraitd/internal/providers/image"
	"portraitd/internal/prompt"
)

// Name identifies the edit provider in chains and attempt logs.
const Name = "gemini"

const captionInstruction = "Describe the person in this photo in one short sentence for an image generation prompt. Mention apparent gender, age range, hair and clothing. No preamble."

// contentGenerator is satisfied by *genai.Models.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Options configures the Gemini adapters.
type Options struct {
	APIKey       string
	ImageModel   string
	CaptionModel string
	HTTPClient   *http.Client
	Logger       *infra.Logger
}

// Client wraps the genai SDK for the two operations this service needs.
type Client struct {
	models       contentGenerator
	imageModel   string
	captionModel string
	logger       *infra.Logger
}

// NewClient creates a Gemini API client. The key is required.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	key := strings.TrimSpace(opts.APIKey)
	if key == "" {
		return nil, errors.New("gemini: api key is required")
	}
	sdk, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     key,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: opts.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return newClient(sdk.Models, opts), nil
}

func newClient(models contentGenerator, opts Options) *Client {
	imageModel := strings.TrimSpace(opts.ImageModel)
	if imageModel == "" {
		imageModel = "gemini-2.5-flash-image-preview"
	}
	captionModel := strings.TrimSpace(opts.CaptionModel)
	if captionModel == "" {
		captionModel = "gemini-2.5-flash"
	}
	logger := opts.Logger
	if logger == nil {
		logger = infra.NopLogger()
	}
	return &Client{models: models, imageModel: imageModel, captionModel: captionModel, logger: logger}
}

// Editor returns the sync chain candidate backed by the image model.
func (c *Client) Editor() *Editor { return &Editor{client: c} }

// Captioner returns the caption backend backed by the text model.
func (c *Client) Captioner() *Captioner { return &Captioner{client: c} }

// Editor restyles a portrait with the Gemini image model.
type Editor struct {
	client *Client
}

func (e *Editor) Name() string { return Name }

func (e *Editor) Transform(ctx context.Context, src image.SourceImage, prompts prompt.Prompts, _ image.Params) (*image.Artifact, error) {
	if len(src.Data) == 0 {
		return nil, errors.New("gemini: source image bytes are required")
	}
	instruction := image.ImageToImagePrompt(prompts)
	if neg := strings.TrimSpace(prompts.Negative); neg != "" {
		instruction += ". Avoid: " + neg
	}
	parts := []*genai.Part{
		genai.NewPartFromBytes(src.Data, mimeOrDefault(src)),
		genai.NewPartFromText(instruction),
	}
	resp, err := e.client.models.GenerateContent(ctx, e.client.imageModel,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)},
		&genai.GenerateContentConfig{})
	if err != nil {
		return nil, fmt.Errorf("gemini: generate: %w", err)
	}
	for _, part := range firstParts(resp) {
		if part.InlineData != nil && len(part.InlineData.Data) > 0 {
			mime := part.InlineData.MIMEType
			if mime == "" {
				mime = http.DetectContentType(part.InlineData.Data)
			}
			e.client.logger.Debug().Str("model", e.client.imageModel).Int("bytes", len(part.InlineData.Data)).Msg("gemini: edited image")
			return &image.Artifact{Data: part.InlineData.Data, MIME: mime}, nil
		}
	}
	return nil, errors.New("gemini: no image data in response")
}

// Captioner describes a portrait with the Gemini text model.
type Captioner struct {
	client *Client
}

func (c *Captioner) Name() string { return Name }

func (c *Captioner) Describe(ctx context.Context, src image.SourceImage) (string, error) {
	if len(src.Data) == 0 {
		return "", errors.New("gemini: caption needs image bytes")
	}
	parts := []*genai.Part{
		genai.NewPartFromBytes(src.Data, mimeOrDefault(src)),
		genai.NewPartFromText(captionInstruction),
	}
	resp, err := c.client.models.GenerateContent(ctx, c.client.captionModel,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)},
		&genai.GenerateContentConfig{})
	if err != nil {
		return "", fmt.Errorf("gemini: caption: %w", err)
	}
	var texts []string
	for _, part := range firstParts(resp) {
		if t := strings.TrimSpace(part.Text); t != "" {
			texts = append(texts, t)
		}
	}
	caption := strings.TrimSuffix(strings.Join(texts, " "), ".")
	if caption == "" {
		return "", errors.New("gemini: empty caption")
	}
	return caption, nil
}

func firstParts(resp *genai.GenerateContentResponse) []*genai.Part {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	return resp.Candidates[0].Content.Parts
}

func mimeOrDefault(src image.SourceImage) string {
	if src.MIME != "" {
		return src.MIME
	}
	return http.DetectContentType(src.Data)
}

var _ image.SyncTransformer = (*Editor)(nil)
