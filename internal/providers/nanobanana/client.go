// Package nanobanana adapts the NanoBanana edit API, which accepts a task and
// reports its progress through a task details endpoint.
package nanobanana

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"portraitd/internal/domain"
	"portraitd/internal/infra"
	"portraitd/internal/providers/image"
	"portraitd/internal/prompt"
)

// Name identifies this provider in chains and attempt logs.
const Name = "nanobanana"

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("nanobanana: api key is required")

// DefaultResultFields are tried in order against a successful task response.
// A numeric segment indexes into an array.
var DefaultResultFields = []string{
	"data.response.resultImageUrl",
	"data.resultImageUrl",
	"resultImageUrl",
	"data.result_image_url",
	"result_image_url",
	"data.imageUrl",
	"imageUrl",
	"data.output.0",
	"output.0",
}

var taskIDFields = []string{"data.taskId", "taskId", "data.task_id", "task_id"}

// Options configures the NanoBanana client.
type Options struct {
	APIKey       string
	BaseURL      string
	CallbackURL  string
	ResultFields []string
	HTTPClient   *http.Client
	Logger       *infra.Logger
}

// Client submits edit tasks and reads their status.
type Client struct {
	apiKey       string
	baseURL      string
	callbackURL  string
	resultFields []string
	httpClient   *http.Client
	logger       *infra.Logger
}

type submitRequest struct {
	Prompt      string   `json:"prompt"`
	ImageURLs   []string `json:"imageUrls"`
	Resolution  string   `json:"resolution"`
	AspectRatio string   `json:"aspectRatio"`
	CallBackURL string   `json:"callBackUrl"`
}

func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.nanobananaapi.ai/api/v1/nanobanana"
	}
	fields := opts.ResultFields
	if len(fields) == 0 {
		fields = DefaultResultFields
	}
	logger := opts.Logger
	if logger == nil {
		logger = infra.NopLogger()
	}
	return &Client{
		apiKey:       strings.TrimSpace(opts.APIKey),
		baseURL:      baseURL,
		callbackURL:  strings.TrimSpace(opts.CallbackURL),
		resultFields: append([]string(nil), fields...),
		httpClient:   httpClient,
		logger:       logger,
	}
}

func (c *Client) Name() string { return Name }

// Submit posts an edit task referencing the source image by URL.
func (c *Client) Submit(ctx context.Context, src image.SourceImage, prompts prompt.Prompts, params image.Params) (string, error) {
	if c.apiKey == "" {
		return "", ErrMissingAPIKey
	}
	if strings.TrimSpace(src.URL) == "" {
		return "", errors.New("nanobanana: source image url is required")
	}
	resolution := params.Resolution
	if resolution == "" {
		resolution = "2K"
	}
	aspect := params.AspectRatio
	if aspect == "" {
		aspect = "1:1"
	}
	payload := submitRequest{
		Prompt:      image.ImageToImagePrompt(prompts),
		ImageURLs:   []string{src.URL},
		Resolution:  resolution,
		AspectRatio: aspect,
		CallBackURL: c.callbackURL,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("nanobanana: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate-pro", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("nanobanana: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	decoded, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("nanobanana: submit: %w", err)
	}
	taskID := firstString(decoded, taskIDFields)
	if taskID == "" {
		return "", errors.New("nanobanana: submit response carried no task id")
	}
	c.logger.Debug().Str("task_id", taskID).Msg("nanobanana: task submitted")
	return taskID, nil
}

// TaskStatus reads the task once. Transport and decoding failures are
// returned as errors; the poller treats them as transient.
func (c *Client) TaskStatus(ctx context.Context, taskID string) (image.TaskStatus, error) {
	if c.apiKey == "" {
		return image.TaskStatus{}, ErrMissingAPIKey
	}
	endpoint := c.baseURL + "/get-task-details?taskId=" + url.QueryEscape(taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return image.TaskStatus{}, fmt.Errorf("nanobanana: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	decoded, err := c.do(req)
	if err != nil {
		return image.TaskStatus{}, fmt.Errorf("nanobanana: task details: %w", err)
	}
	return c.interpret(decoded), nil
}

func (c *Client) interpret(decoded map[string]any) image.TaskStatus {
	flag, ok := lookup(decoded, "data.successFlag")
	if !ok || flag == nil {
		return image.TaskStatus{State: domain.TaskProcessing}
	}
	switch toInt(flag) {
	case 1:
		return image.TaskStatus{State: domain.TaskSuccess, ResultRef: firstString(decoded, c.resultFields)}
	case 2, 3:
		status := image.TaskStatus{State: domain.TaskFailed}
		if code, ok := lookup(decoded, "data.errorCode"); ok && code != nil {
			status.Code = fmt.Sprint(code)
		}
		if msg, ok := lookup(decoded, "data.errorMessage"); ok {
			status.Message, _ = msg.(string)
		}
		if status.Message == "" {
			status.Message = "generation failed"
		}
		return status
	default:
		return image.TaskStatus{State: domain.TaskProcessing}
	}
}

func (c *Client) do(req *http.Request) (map[string]any, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(strings.TrimSpace(string(raw)), 256))
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return decoded, nil
}

func firstString(doc map[string]any, paths []string) string {
	for _, path := range paths {
		v, ok := lookup(doc, path)
		if !ok {
			continue
		}
		switch s := v.(type) {
		case string:
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(s, 'f', -1, 64)
		}
	}
	return ""
}

// lookup walks a dotted path through decoded JSON.
func lookup(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return -1
		}
		return i
	case bool:
		if n {
			return 1
		}
		return 0
	}
	return -1
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ image.AsyncTransformer = (*Client)(nil)
