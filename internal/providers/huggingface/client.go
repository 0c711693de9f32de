// Package huggingface drives Stable Diffusion and BLIP models on the Hugging
// Face inference API.
package huggingface

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	stdimage "image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"portraitd/internal/infra"
	"portraitd/internal/providers/image"
	"portraitd/internal/prompt"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("huggingface: api key is required")

// Options configures the inference client.
type Options struct {
	APIKey         string
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client performs HTTP calls to the inference API. One client serves every model.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
}

type inferenceRequest struct {
	Inputs     string          `json:"inputs"`
	Parameters inferenceParams `json:"parameters"`
}

type inferenceParams struct {
	Prompt         string   `json:"prompt,omitempty"`
	NegativePrompt string   `json:"negative_prompt,omitempty"`
	Strength       *float64 `json:"strength,omitempty"`
	GuidanceScale  *float64 `json:"guidance_scale,omitempty"`
	Seed           *int     `json:"seed,omitempty"`
}

type errorResponse struct {
	Error         any     `json:"error"`
	EstimatedTime float64 `json:"estimated_time"`
}

type captionResponse []struct {
	GeneratedText string `json:"generated_text"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api-inference.huggingface.co/models"
	}
	logger := opts.Logger
	if logger == nil {
		logger = infra.NopLogger()
	}
	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// ImageToImage restyles src with the given model and returns the raw image.
func (c *Client) ImageToImage(ctx context.Context, model string, src image.SourceImage, prompts prompt.Prompts, params image.Params) (*image.Artifact, error) {
	if len(src.Data) == 0 {
		return nil, errors.New("huggingface: source image bytes are required")
	}
	payload := inferenceRequest{
		Inputs: base64.StdEncoding.EncodeToString(src.Data),
		Parameters: inferenceParams{
			Prompt:         prompts.Positive,
			NegativePrompt: prompts.Negative,
		},
	}
	if params.Strength > 0 {
		payload.Parameters.Strength = &params.Strength
	}
	if params.GuidanceScale > 0 {
		payload.Parameters.GuidanceScale = &params.GuidanceScale
	}
	if params.Seed > 0 {
		payload.Parameters.Seed = &params.Seed
	}
	return c.generate(ctx, model, payload)
}

// TextToImage generates an image from prompts alone.
func (c *Client) TextToImage(ctx context.Context, model string, prompts prompt.Prompts, params image.Params) (*image.Artifact, error) {
	positive := strings.TrimSpace(prompts.Positive)
	if positive == "" {
		return nil, errors.New("huggingface: prompt is required")
	}
	payload := inferenceRequest{
		Inputs:     positive,
		Parameters: inferenceParams{NegativePrompt: prompts.Negative},
	}
	if params.GuidanceScale > 0 {
		payload.Parameters.GuidanceScale = &params.GuidanceScale
	}
	if params.Seed > 0 {
		payload.Parameters.Seed = &params.Seed
	}
	return c.generate(ctx, model, payload)
}

// Caption runs an image-to-text model over raw image bytes.
func (c *Client) Caption(ctx context.Context, model string, data []byte, mime string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("huggingface: image bytes are required")
	}
	if mime == "" {
		mime = "application/octet-stream"
	}
	raw, _, err := c.post(ctx, model, mime, data)
	if err != nil {
		return "", err
	}
	var decoded captionResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("huggingface: decode caption: %w", err)
	}
	for _, item := range decoded {
		if text := strings.TrimSpace(item.GeneratedText); text != "" {
			return text, nil
		}
	}
	return "", errors.New("huggingface: empty caption")
}

func (c *Client) generate(ctx context.Context, model string, payload inferenceRequest) (*image.Artifact, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("huggingface: encode request: %w", err)
	}
	raw, contentType, err := c.post(ctx, model, "application/json", body)
	if err != nil {
		return nil, err
	}
	mime := strings.TrimSpace(strings.Split(contentType, ";")[0])
	if !strings.HasPrefix(mime, "image/") {
		mime = http.DetectContentType(raw)
		if !strings.HasPrefix(mime, "image/") {
			return nil, fmt.Errorf("huggingface: %s returned %s instead of an image", model, mime)
		}
	}
	art := &image.Artifact{Data: raw, MIME: mime}
	if cfg, _, err := stdimage.DecodeConfig(bytes.NewReader(raw)); err == nil {
		art.Width, art.Height = cfg.Width, cfg.Height
	}
	c.logger.Debug().
		Str("model", model).
		Str("mime", mime).
		Int("bytes", len(raw)).
		Msg("huggingface: generated image")
	return art, nil
}

func (c *Client) post(ctx context.Context, model, contentType string, body []byte) ([]byte, string, error) {
	if !c.HasCredentials() {
		return nil, "", ErrMissingAPIKey
	}
	model = strings.Trim(strings.TrimSpace(model), "/")
	if model == "" {
		return nil, "", errors.New("huggingface: model is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+model, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("huggingface: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("x-use-cache", "false")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("huggingface: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("huggingface: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var detail errorResponse
		if err := json.Unmarshal(raw, &detail); err == nil && detail.Error != nil {
			if detail.EstimatedTime > 0 {
				return nil, "", fmt.Errorf("huggingface: %s: %v (loading, eta %.0fs)", model, detail.Error, detail.EstimatedTime)
			}
			return nil, "", fmt.Errorf("huggingface: %s: %v", model, detail.Error)
		}
		return nil, "", fmt.Errorf("huggingface: %s: status %d", model, resp.StatusCode)
	}
	return raw, resp.Header.Get("Content-Type"), nil
}
