package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStorePutNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, "http://localhost:8080/static/")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	url, err := store.Put(context.Background(), "gen-u1-1700000000000.png", []byte("one"), "image/png")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if url != "http://localhost:8080/static/gen-u1-1700000000000.png" {
		t.Fatalf("url = %q", url)
	}
	if _, err := store.Put(context.Background(), "gen-u1-1700000000000.png", []byte("two"), "image/png"); !errors.Is(err, ErrExists) {
		t.Fatalf("second put err = %v, want ErrExists", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "gen-u1-1700000000000.png"))
	if err != nil || string(data) != "one" {
		t.Fatalf("file content = %q err = %v", data, err)
	}
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "http://x")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	for _, key := range []string{"", "../escape.png", "..", "   "} {
		if _, err := store.Put(context.Background(), key, []byte("x"), ""); err == nil {
			t.Fatalf("key %q accepted", key)
		}
	}
}

func TestFileStoreEscapesURL(t *testing.T) {
	store, _ := NewFileStore(t.TempDir(), "http://x/static")
	url, err := store.Put(context.Background(), "a b/c.png", []byte("x"), "")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if url != "http://x/static/a%20b/c.png" {
		t.Fatalf("url = %q", url)
	}
}
