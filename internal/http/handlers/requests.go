package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"portraitd/internal/domain"
	"portraitd/internal/generation"
)

const maxBodyBytes = 64 << 10

type generationRequest struct {
	SourceImageURL string   `json:"source_image_url"`
	ImageURL       string   `json:"image_url"`
	StyleID        string   `json:"style_id"`
	StyleIDs       []string `json:"style_ids"`
	FilterIDs      []string `json:"filter_ids"`
}

func decodeGenerationRequest(r *http.Request, userID string) (generation.Request, error) {
	var body generationRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		return generation.Request{}, fmt.Errorf("%w: invalid payload", domain.ErrInvalidRequest)
	}
	src := strings.TrimSpace(body.SourceImageURL)
	if src == "" {
		src = strings.TrimSpace(body.ImageURL)
	}
	return generation.Request{
		UserID:         userID,
		SourceImageURL: src,
		StyleID:        body.StyleID,
		StyleIDs:       body.StyleIDs,
		FilterIDs:      body.FilterIDs,
	}, nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
