// Package credentials keeps provider API keys in the integration_tokens table
// for deployments that do not pass them through the environment.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"portraitd/internal/infra"
	"portraitd/internal/sqlinline"
)

const (
	ProviderHuggingFace = "huggingface"
	ProviderNanoBanana  = "nanobanana"
	ProviderQwen        = "qwen"
	ProviderGemini      = "gemini"
)

// Providers lists every provider whose key can be stored.
var Providers = []string{ProviderHuggingFace, ProviderNanoBanana, ProviderQwen, ProviderGemini}

// Known reports whether provider names a storable key.
func Known(provider string) bool {
	provider = strings.ToLower(strings.TrimSpace(provider))
	for _, p := range Providers {
		if p == provider {
			return true
		}
	}
	return false
}

type Store struct {
	sql infra.SQLExecutor
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql}
}

// Token returns the stored key, or "" when none is stored.
func (s *Store) Token(ctx context.Context, provider string) (string, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectIntegrationToken, provider)
	var token string
	if err := row.Scan(&token); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(token), nil
}

// Resolve prefers the environment value and falls back to the stored key.
func (s *Store) Resolve(ctx context.Context, provider, fromEnv string) (string, error) {
	if v := strings.TrimSpace(fromEnv); v != "" {
		return v, nil
	}
	if s == nil {
		return "", nil
	}
	return s.Token(ctx, provider)
}

// Set stores key for provider, replacing any previous key.
func (s *Store) Set(ctx context.Context, provider, key string) error {
	if !Known(provider) {
		return fmt.Errorf("unknown provider %q", provider)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%s api key is required", provider)
	}
	return s.upsert(ctx, provider, key, map[string]any{"source": "portraitctl"})
}

func (s *Store) upsert(ctx context.Context, provider, token string, props map[string]any) error {
	payload := props
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.sql.Exec(ctx, sqlinline.QUpsertIntegrationToken, provider, token, string(raw))
	return err
}
