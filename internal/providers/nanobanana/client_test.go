package nanobanana

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"portraitd/internal/domain"
	"portraitd/internal/providers/image"
	"portraitd/internal/prompt"
)

func TestSubmitPayloadAndTaskID(t *testing.T) {
	cases := map[string]string{
		"nested camel": `{"code":200,"data":{"taskId":"t-1"}}`,
		"top camel":    `{"taskId":"t-1"}`,
		"nested snake": `{"data":{"task_id":"t-1"}}`,
		"top snake":    `{"task_id":"t-1"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			var payload map[string]any
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/generate-pro" || r.Method != http.MethodPost {
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				}
				if r.Header.Get("Authorization") != "Bearer nb-key" {
					t.Errorf("authorization = %q", r.Header.Get("Authorization"))
				}
				raw, _ := io.ReadAll(r.Body)
				_ = json.Unmarshal(raw, &payload)
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()

			c := NewClient(Options{APIKey: "nb-key", BaseURL: srv.URL, CallbackURL: "https://cb", HTTPClient: srv.Client()})
			id, err := c.Submit(context.Background(), image.SourceImage{URL: "https://cdn/src.png"}, prompt.Prompts{Positive: "style"}, image.Params{})
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			if id != "t-1" {
				t.Fatalf("task id = %q", id)
			}
			if payload["resolution"] != "2K" || payload["aspectRatio"] != "1:1" || payload["callBackUrl"] != "https://cb" {
				t.Fatalf("payload = %v", payload)
			}
			urls := payload["imageUrls"].([]any)
			if len(urls) != 1 || urls[0] != "https://cdn/src.png" {
				t.Fatalf("imageUrls = %v", urls)
			}
			if payload["prompt"] != image.ImageToImagePrompt(prompt.Prompts{Positive: "style"}) {
				t.Fatalf("prompt = %v", payload["prompt"])
			}
		})
	}
}

func TestSubmitWithoutTaskIDFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":200,"data":{}}`))
	}))
	defer srv.Close()
	c := NewClient(Options{APIKey: "k", BaseURL: srv.URL, HTTPClient: srv.Client()})
	if _, err := c.Submit(context.Background(), image.SourceImage{URL: "https://x"}, prompt.Prompts{}, image.Params{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestTaskStatusInterpretation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		state   domain.TaskState
		ref     string
		code    string
		message string
	}{
		{name: "absent flag", body: `{"data":{}}`, state: domain.TaskProcessing},
		{name: "zero flag", body: `{"data":{"successFlag":0}}`, state: domain.TaskProcessing},
		{name: "unknown flag", body: `{"data":{"successFlag":7}}`, state: domain.TaskProcessing},
		{name: "nested response", body: `{"data":{"successFlag":1,"response":{"resultImageUrl":"https://r/1.png"}}}`, state: domain.TaskSuccess, ref: "https://r/1.png"},
		{name: "data camel", body: `{"data":{"successFlag":1,"resultImageUrl":"https://r/2.png"}}`, state: domain.TaskSuccess, ref: "https://r/2.png"},
		{name: "top snake", body: `{"result_image_url":"https://r/3.png","data":{"successFlag":1}}`, state: domain.TaskSuccess, ref: "https://r/3.png"},
		{name: "output array", body: `{"data":{"successFlag":1,"output":["https://r/4.png"]}}`, state: domain.TaskSuccess, ref: "https://r/4.png"},
		{name: "success without ref", body: `{"data":{"successFlag":1}}`, state: domain.TaskSuccess},
		{name: "failed", body: `{"data":{"successFlag":2,"errorCode":400,"errorMessage":"nsfw"}}`, state: domain.TaskFailed, code: "400", message: "nsfw"},
		{name: "failed no detail", body: `{"data":{"successFlag":3}}`, state: domain.TaskFailed, message: "generation failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/get-task-details" || r.URL.Query().Get("taskId") != "abc" {
					t.Errorf("unexpected request %s", r.URL)
				}
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()
			c := NewClient(Options{APIKey: "k", BaseURL: srv.URL, HTTPClient: srv.Client()})
			got, err := c.TaskStatus(context.Background(), "abc")
			if err != nil {
				t.Fatalf("status: %v", err)
			}
			if got.State != tt.state || got.ResultRef != tt.ref || got.Code != tt.code || got.Message != tt.message {
				t.Fatalf("status = %+v", got)
			}
		})
	}
}

func TestConfiguredResultFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"successFlag":1,"resultImageUrl":"https://default","custom":{"url":"https://custom"}}}`))
	}))
	defer srv.Close()
	c := NewClient(Options{APIKey: "k", BaseURL: srv.URL, HTTPClient: srv.Client(), ResultFields: []string{"data.custom.url"}})
	got, err := c.TaskStatus(context.Background(), "x")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.ResultRef != "https://custom" {
		t.Fatalf("ref = %q", got.ResultRef)
	}
}

func TestTaskStatusTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("taskId") == "bad-json" {
			_, _ = w.Write([]byte(`not json`))
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	c := NewClient(Options{APIKey: "k", BaseURL: srv.URL, HTTPClient: srv.Client()})
	if _, err := c.TaskStatus(context.Background(), "bad-json"); err == nil {
		t.Fatalf("expected decode error")
	}
	if _, err := c.TaskStatus(context.Background(), "down"); err == nil {
		t.Fatalf("expected status error")
	}
}
