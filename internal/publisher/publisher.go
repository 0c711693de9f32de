// Package publisher stores a generated image and records the generation.
package publisher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	stdimage "image"
	_ "image/jpeg"
	"image/png"
	"mime"
	"net/http"
	"time"

	"github.com/disintegration/gift"
	"github.com/google/uuid"

	"portraitd/internal/domain"
	"portraitd/internal/infra"
	"portraitd/internal/metrics"
	"portraitd/internal/providers/image"
	"portraitd/internal/storage"
)

const maxNameRetries = 5

// ObjectStore is a write-once public blob store.
type ObjectStore interface {
	Put(ctx context.Context, name string, data []byte, contentType string) (string, error)
}

// RecordStore persists generation records.
type RecordStore interface {
	InsertGenerationRecord(ctx context.Context, rec domain.GenerationRecord) error
}

// Options configures a Publisher.
type Options struct {
	Objects ObjectStore
	Records RecordStore

	// MaxDimension caps the longest side of published images. Zero keeps
	// the provider's size.
	MaxDimension int
	Now          func() time.Time
	Logger       *infra.Logger
}

type Publisher struct {
	objects ObjectStore
	records RecordStore
	maxDim  int
	now     func() time.Time
	logger  *infra.Logger
}

func New(opts Options) *Publisher {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = infra.NopLogger()
	}
	return &Publisher{objects: opts.Objects, records: opts.Records, maxDim: opts.MaxDimension, now: now, logger: logger}
}

// Publish uploads art and writes one generation record. An upload failure is
// a *domain.PersistenceError. A record failure is logged and counted, and the
// URL is still returned because the image is already public.
func (p *Publisher) Publish(ctx context.Context, userID, styleID string, art *image.Artifact) (string, error) {
	if art == nil || len(art.Data) == 0 {
		return "", &domain.PersistenceError{Op: "upload", Err: errors.New("empty artifact")}
	}
	data, contentType := p.normalize(art)

	now := p.now()
	var (
		url string
		err error
	)
	for i := 0; i < maxNameRetries; i++ {
		name := fmt.Sprintf("gen-%s-%d%s", userID, now.UnixMilli()+int64(i), extensionFor(contentType))
		url, err = p.objects.Put(ctx, name, data, contentType)
		if !errors.Is(err, storage.ErrExists) {
			break
		}
	}
	if err != nil {
		return "", &domain.PersistenceError{Op: "upload", Err: err}
	}

	rec := domain.GenerationRecord{
		ID:        uuid.NewString(),
		UserID:    userID,
		StyleID:   styleID,
		ImageURL:  url,
		CreatedAt: now.UTC(),
	}
	if p.records != nil {
		if err := p.records.InsertGenerationRecord(ctx, rec); err != nil {
			metrics.RecordWriteFailures.Inc()
			p.logger.Error().Err(err).Str("user_id", userID).Str("image_url", url).Msg("publisher: record write failed")
		}
	}
	p.logger.Info().Str("user_id", userID).Str("style_id", styleID).Str("image_url", url).Msg("publisher: image published")
	return url, nil
}

// normalize re-encodes art as PNG, downscaled to the configured bound. Bytes
// that do not decode are passed through with their sniffed type.
func (p *Publisher) normalize(art *image.Artifact) ([]byte, string) {
	src, _, err := stdimage.Decode(bytes.NewReader(art.Data))
	if err != nil {
		p.logger.Warn().Err(err).Msg("publisher: artifact did not decode, uploading as received")
		return art.Data, http.DetectContentType(art.Data)
	}

	var out stdimage.Image = src
	b := src.Bounds()
	if p.maxDim > 0 && (b.Dx() > p.maxDim || b.Dy() > p.maxDim) {
		w, h := p.maxDim, 0
		if b.Dy() > b.Dx() {
			w, h = 0, p.maxDim
		}
		g := gift.New(gift.Resize(w, h, gift.LanczosResampling))
		dst := stdimage.NewNRGBA(g.Bounds(b))
		g.Draw(dst, src)
		out = dst
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		p.logger.Warn().Err(err).Msg("publisher: png encode failed, uploading as received")
		return art.Data, http.DetectContentType(art.Data)
	}
	return buf.Bytes(), "image/png"
}

func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ".bin"
	}
	switch mediaType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}
