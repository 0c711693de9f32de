// Package caption describes the subject of a source photo so the composed
// prompt can anchor identity. It never fails the pipeline.
package caption

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"portraitd/internal/infra"
	"portraitd/internal/metrics"
	"portraitd/internal/providers/image"
	"portraitd/internal/prompt"
)

// Describer is one captioning backend.
type Describer interface {
	Name() string
	Describe(ctx context.Context, src image.SourceImage) (string, error)
}

// Options configures an Extractor.
type Options struct {
	Backends []Describer
	// Timeout bounds each backend call. Zero means no extra bound.
	Timeout   time.Duration
	CacheSize int
	CacheTTL  time.Duration
	Logger    *infra.Logger
}

// Extractor tries backends in order and falls back to prompt.DefaultCaption.
type Extractor struct {
	backends []Describer
	timeout  time.Duration
	cache    *expirable.LRU[string, string]
	logger   *infra.Logger
}

func NewExtractor(opts Options) *Extractor {
	logger := opts.Logger
	if logger == nil {
		logger = infra.NopLogger()
	}
	e := &Extractor{
		backends: append([]Describer(nil), opts.Backends...),
		timeout:  opts.Timeout,
		logger:   logger,
	}
	if opts.CacheSize > 0 {
		e.cache = expirable.NewLRU[string, string](opts.CacheSize, nil, opts.CacheTTL)
	}
	return e
}

// Describe returns a caption for src. Backend failures are logged and skipped;
// when none succeeds the default caption is returned and not cached.
func (e *Extractor) Describe(ctx context.Context, src image.SourceImage) string {
	key := cacheKey(src)
	if e.cache != nil && key != "" {
		if caption, ok := e.cache.Get(key); ok {
			metrics.CaptionCacheHits.Inc()
			return caption
		}
	}

	for _, backend := range e.backends {
		if ctx.Err() != nil {
			break
		}
		caption, err := e.describeWith(ctx, backend, src)
		if err != nil {
			e.logger.Warn().Err(err).Str("backend", backend.Name()).Msg("caption: backend failed")
			continue
		}
		if caption = strings.TrimSpace(caption); caption == "" {
			continue
		}
		if e.cache != nil && key != "" {
			e.cache.Add(key, caption)
		}
		return caption
	}

	metrics.CaptionFallbacks.Inc()
	return prompt.DefaultCaption
}

func (e *Extractor) describeWith(ctx context.Context, backend Describer, src image.SourceImage) (string, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	return backend.Describe(ctx, src)
}

func cacheKey(src image.SourceImage) string {
	if u := strings.TrimSpace(src.URL); u != "" {
		return "url:" + u
	}
	if len(src.Data) == 0 {
		return ""
	}
	sum := sha256.Sum256(src.Data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
