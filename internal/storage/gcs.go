package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GCSStore writes objects to a Google Cloud Storage bucket whose objects are
// publicly readable.
type GCSStore struct {
	client *gcs.Client
	bucket string
	prefix string
}

// NewGCSStore uses application default credentials.
func NewGCSStore(ctx context.Context, bucket, prefix string) (*GCSStore, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("storage: bucket is required")
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket, prefix: strings.Trim(strings.TrimSpace(prefix), "/")}, nil
}

// Put uploads data with a does-not-exist precondition and returns the public URL.
func (s *GCSStore) Put(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	key, err := sanitizeKey(name)
	if err != nil {
		return "", err
	}
	objectPath := key
	if s.prefix != "" {
		objectPath = path.Join(s.prefix, key)
	}

	wc := s.client.Bucket(s.bucket).Object(objectPath).If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
	wc.ContentType = contentType
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return "", fmt.Errorf("storage: gcs write: %w", err)
	}
	if err := wc.Close(); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
			return "", ErrExists
		}
		return "", fmt.Errorf("storage: gcs close: %w", err)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, objectPath), nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
