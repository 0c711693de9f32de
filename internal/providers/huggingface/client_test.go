package huggingface

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"portraitd/internal/providers/image"
	"portraitd/internal/prompt"
)

var fakePNG = []byte("\x89PNG\r\n\x1a\nfake")

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Options{APIKey: "hf-test", BaseURL: srv.URL + "/models", HTTPClient: srv.Client()})
}

func TestImg2ImgPayload(t *testing.T) {
	var (
		gotPath string
		gotAuth string
		payload map[string]any
	)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &payload)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(fakePNG)
	})

	adapter := NewImg2Img(client, "runwayml/stable-diffusion-v1-5", 0.75, 7.5)
	if adapter.Name() != "hf:runwayml/stable-diffusion-v1-5" {
		t.Fatalf("name = %q", adapter.Name())
	}
	art, err := adapter.Transform(context.Background(),
		image.SourceImage{URL: "https://cdn/x.png", Data: []byte{1, 2, 3}, MIME: "image/png"},
		prompt.Prompts{Positive: "pos", Negative: "neg"},
		image.Params{Strength: 0.1})
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if art.MIME != "image/png" || string(art.Data) != string(fakePNG) {
		t.Fatalf("artifact = %+v", art)
	}
	if gotPath != "/models/runwayml/stable-diffusion-v1-5" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer hf-test" {
		t.Fatalf("auth = %q", gotAuth)
	}
	if payload["inputs"] != base64.StdEncoding.EncodeToString([]byte{1, 2, 3}) {
		t.Fatalf("inputs = %v", payload["inputs"])
	}
	params := payload["parameters"].(map[string]any)
	if params["prompt"] != "pos" || params["negative_prompt"] != "neg" {
		t.Fatalf("prompts = %v", params)
	}
	if params["strength"] != 0.75 || params["guidance_scale"] != 7.5 {
		t.Fatalf("strength/guidance = %v/%v", params["strength"], params["guidance_scale"])
	}
}

func TestErrorBodyIsSurfaced(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"Model is currently loading","estimated_time":20}`))
	})
	_, err := NewText2Img(client, "stabilityai/stable-diffusion-xl-base-1.0").
		Generate(context.Background(), prompt.Prompts{Positive: "p"}, image.Params{})
	if err == nil || !strings.Contains(err.Error(), "currently loading") {
		t.Fatalf("err = %v", err)
	}
	if !strings.HasPrefix(err.Error(), "huggingface:") {
		t.Fatalf("error not prefixed: %v", err)
	}
}

func TestNonImageSuccessIsError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	_, err := NewText2Img(client, "m").Generate(context.Background(), prompt.Prompts{Positive: "p"}, image.Params{})
	if err == nil {
		t.Fatalf("expected error for json body")
	}
}

func TestCaptioner(t *testing.T) {
	var gotType string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Content-Type")
		_, _ = w.Write([]byte(`[{"generated_text":"  a woman smiling  "}]`))
	})
	c := NewCaptioner(client, "Salesforce/blip-image-captioning-large")
	text, err := c.Describe(context.Background(), image.SourceImage{Data: fakePNG, MIME: "image/png"})
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if text != "a woman smiling" {
		t.Fatalf("caption = %q", text)
	}
	if gotType != "image/png" {
		t.Fatalf("content-type = %q", gotType)
	}
}

func TestMissingKey(t *testing.T) {
	client := NewClient(Options{})
	_, err := client.TextToImage(context.Background(), "m", prompt.Prompts{Positive: "p"}, image.Params{})
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("err = %v", err)
	}
}
