package main

import (
	"bytes"
	"strings"
	"testing"

	"portraitd/internal/middleware"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTokenMint(t *testing.T) {
	t.Setenv("JWT_SECRET", "ctl-secret")
	t.Setenv("JWT_ISSUER", "portraitd")

	out, err := run(t, "token", "mint", "user-42", "--ttl", "10m")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	claims, err := middleware.VerifyJWT("ctl-secret", "portraitd", strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "user-42" {
		t.Fatalf("subject = %q", claims.Subject)
	}
}

func TestTokenMintNeedsSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	if _, err := run(t, "token", "mint", "user-42"); err == nil {
		t.Fatalf("expected error without JWT_SECRET")
	}
}

func TestArgumentValidation(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	cases := [][]string{
		{"credits", "grant", "user-1"},
		{"credits", "grant", "user-1", "many"},
		{"keys", "set", "openai", "--key", "x"},
		{"keys", "set", "qwen"},
		{"migrate", "down", "--steps", "0"},
		{"migrate", "up"},
	}
	for _, args := range cases {
		if _, err := run(t, args...); err == nil {
			t.Fatalf("%v: expected error", args)
		}
	}
}
