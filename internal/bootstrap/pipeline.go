// Package bootstrap assembles the generation pipeline from configuration. The
// API and the worker build the same pipeline so a job behaves identically
// whichever process runs it.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"portraitd/internal/caption"
	"portraitd/internal/generation"
	"portraitd/internal/infra"
	"portraitd/internal/infra/credentials"
	"portraitd/internal/orchestrator"
	"portraitd/internal/poller"
	"portraitd/internal/prompt"
	"portraitd/internal/providers/gemini"
	"portraitd/internal/providers/huggingface"
	"portraitd/internal/providers/image"
	"portraitd/internal/providers/nanobanana"
	"portraitd/internal/providers/qwen"
	"portraitd/internal/publisher"
	"portraitd/internal/storage"
)

// KeySource resolves provider API keys. *credentials.Store satisfies it.
type KeySource interface {
	Resolve(ctx context.Context, provider, fromEnv string) (string, error)
}

// Pipeline is the assembled generation stack.
type Pipeline struct {
	Engine   *generation.Engine
	Composer *prompt.Composer
	// StaticDir is the local storage root, empty when objects live in GCS.
	StaticDir string

	closers []func() error
}

// Close releases clients opened while building the pipeline.
func (p *Pipeline) Close() error {
	var errs []error
	for _, c := range p.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

type providerKeys struct {
	huggingFace string
	nanoBanana  string
	qwen        string
	gemini      string
}

func resolveKeys(ctx context.Context, cfg *infra.Config, keys KeySource) (providerKeys, error) {
	var out providerKeys
	targets := []struct {
		provider string
		env      string
		dst      *string
	}{
		{credentials.ProviderHuggingFace, cfg.HuggingFaceAPIKey, &out.huggingFace},
		{credentials.ProviderNanoBanana, cfg.NanoBananaAPIKey, &out.nanoBanana},
		{credentials.ProviderQwen, cfg.QwenAPIKey, &out.qwen},
		{credentials.ProviderGemini, cfg.GeminiAPIKey, &out.gemini},
	}
	for _, t := range targets {
		if keys == nil {
			*t.dst = strings.TrimSpace(t.env)
			continue
		}
		v, err := keys.Resolve(ctx, t.provider, t.env)
		if err != nil {
			return out, fmt.Errorf("resolve %s key: %w", t.provider, err)
		}
		*t.dst = v
	}
	return out, nil
}

// providerSet lazily builds one client per provider so chain and caption
// entries share connections.
type providerSet struct {
	ctx    context.Context
	cfg    *infra.Config
	keys   providerKeys
	logger *infra.Logger

	hf     *huggingface.Client
	gem    *gemini.Client
	gemErr error
}

func (s *providerSet) huggingFace() *huggingface.Client {
	if s.hf == nil {
		s.hf = huggingface.NewClient(huggingface.Options{
			APIKey:         s.keys.huggingFace,
			BaseURL:        s.cfg.HuggingFaceBaseURL,
			Logger:         s.logger,
			RequestTimeout: s.cfg.SyncProviderTimeout,
		})
	}
	return s.hf
}

func (s *providerSet) gemini() (*gemini.Client, error) {
	if s.gem == nil && s.gemErr == nil {
		s.gem, s.gemErr = gemini.NewClient(s.ctx, gemini.Options{
			APIKey:       s.keys.gemini,
			ImageModel:   s.cfg.GeminiImageModel,
			CaptionModel: s.cfg.GeminiCaptionModel,
			Logger:       s.logger,
		})
	}
	return s.gem, s.gemErr
}

// candidates turns the configured chain into orchestrator candidates. Entries
// without credentials are skipped with a warning; unknown entries are an error.
func (s *providerSet) candidates() ([]orchestrator.Candidate, error) {
	var out []orchestrator.Candidate
	for _, raw := range s.cfg.ProviderChain {
		entry := strings.TrimSpace(raw)
		switch {
		case entry == "":
			continue
		case strings.HasPrefix(entry, huggingface.NamePrefix):
			model := strings.TrimSpace(strings.TrimPrefix(entry, huggingface.NamePrefix))
			if model == "" {
				return nil, fmt.Errorf("provider chain: %q has no model", entry)
			}
			if s.keys.huggingFace == "" {
				s.skip(entry)
				continue
			}
			out = append(out, orchestrator.SyncCandidate(
				huggingface.NewImg2Img(s.huggingFace(), model, s.cfg.Img2ImgStrength, s.cfg.Img2ImgGuidance)))
		case entry == nanobanana.Name:
			if s.keys.nanoBanana == "" {
				s.skip(entry)
				continue
			}
			out = append(out, orchestrator.AsyncCandidate(nanobanana.NewClient(nanobanana.Options{
				APIKey:       s.keys.nanoBanana,
				BaseURL:      s.cfg.NanoBananaBaseURL,
				CallbackURL:  s.cfg.NanoBananaCallback,
				ResultFields: s.cfg.NanoBananaResultKeys,
				Logger:       s.logger,
			})))
		case entry == qwen.Name:
			if s.keys.qwen == "" {
				s.skip(entry)
				continue
			}
			out = append(out, orchestrator.SyncCandidate(qwen.NewEditor(qwen.NewClient(qwen.Options{
				APIKey:         s.keys.qwen,
				BaseURL:        s.cfg.QwenBaseURL,
				Model:          s.cfg.QwenModel,
				Logger:         s.logger,
				RequestTimeout: s.cfg.SyncProviderTimeout,
			}))))
		case entry == gemini.Name:
			if s.keys.gemini == "" {
				s.skip(entry)
				continue
			}
			client, err := s.gemini()
			if err != nil {
				return nil, err
			}
			out = append(out, orchestrator.SyncCandidate(client.Editor()))
		default:
			return nil, fmt.Errorf("provider chain: unknown provider %q", entry)
		}
	}
	return out, nil
}

// terminal builds the text-to-image fallback. Only Hugging Face models serve it.
func (s *providerSet) terminal() (image.TextToImage, error) {
	entry := strings.TrimSpace(s.cfg.TextToImageProvider)
	if entry == "" {
		return nil, nil
	}
	if !strings.HasPrefix(entry, huggingface.NamePrefix) {
		return nil, fmt.Errorf("text-to-image provider %q is not a %s model", entry, huggingface.NamePrefix)
	}
	model := strings.TrimSpace(strings.TrimPrefix(entry, huggingface.NamePrefix))
	if model == "" {
		return nil, fmt.Errorf("text-to-image provider %q has no model", entry)
	}
	if s.keys.huggingFace == "" {
		s.logger.Warn().Str("provider", entry).Msg("bootstrap: text-to-image fallback has no api key")
	}
	return huggingface.NewText2Img(s.huggingFace(), model), nil
}

func (s *providerSet) captioners() ([]caption.Describer, error) {
	var out []caption.Describer
	for _, raw := range s.cfg.CaptionProviders {
		entry := strings.TrimSpace(raw)
		switch {
		case entry == "":
			continue
		case strings.HasPrefix(entry, huggingface.NamePrefix):
			model := strings.TrimSpace(strings.TrimPrefix(entry, huggingface.NamePrefix))
			if model == "" || s.keys.huggingFace == "" {
				s.skip(entry)
				continue
			}
			out = append(out, huggingface.NewCaptioner(s.huggingFace(), model))
		case entry == gemini.Name:
			if s.keys.gemini == "" {
				s.skip(entry)
				continue
			}
			client, err := s.gemini()
			if err != nil {
				return nil, err
			}
			out = append(out, client.Captioner())
		default:
			return nil, fmt.Errorf("caption providers: unknown provider %q", entry)
		}
	}
	return out, nil
}

func (s *providerSet) skip(entry string) {
	s.logger.Warn().Str("provider", entry).Msg("bootstrap: provider skipped, no api key")
}

// BuildPipeline wires providers, captioning, storage and publishing into an
// engine. records receives one row per published image.
func BuildPipeline(ctx context.Context, cfg *infra.Config, keys KeySource, records publisher.RecordStore, logger *infra.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = infra.NopLogger()
	}
	resolved, err := resolveKeys(ctx, cfg, keys)
	if err != nil {
		return nil, err
	}
	set := &providerSet{ctx: ctx, cfg: cfg, keys: resolved, logger: logger}

	candidates, err := set.candidates()
	if err != nil {
		return nil, err
	}
	terminal, err := set.terminal()
	if err != nil {
		return nil, err
	}
	backends, err := set.captioners()
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 && terminal == nil {
		return nil, errors.New("bootstrap: no image provider configured")
	}

	p := &Pipeline{Composer: prompt.DefaultComposer()}
	objects, err := p.objectStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	fetchClient := &http.Client{Timeout: cfg.SyncProviderTimeout}
	orch := orchestrator.New(orchestrator.Options{
		Candidates: candidates,
		Terminal:   terminal,
		Poller: poller.New(poller.Options{
			Interval:    cfg.PollInterval,
			MaxAttempts: cfg.PollMaxAttempts,
			Budget:      cfg.PollBudget,
			Logger:      logger,
		}),
		Params: image.Params{
			Strength:      cfg.Img2ImgStrength,
			GuidanceScale: cfg.Img2ImgGuidance,
		},
		SyncTimeout:    cfg.SyncProviderTimeout,
		HTTPClient:     fetchClient,
		MaxResultBytes: cfg.SourceMaxBytes * 4,
		Logger:         logger,
	})

	p.Engine = generation.NewEngine(generation.EngineOptions{
		Captioner: caption.NewExtractor(caption.Options{
			Backends:  backends,
			Timeout:   cfg.CaptionTimeout,
			CacheSize: cfg.CaptionCacheSize,
			CacheTTL:  cfg.CaptionCacheTTL,
			Logger:    logger,
		}),
		Composer:  p.Composer,
		Generator: orch,
		Publisher: publisher.New(publisher.Options{
			Objects:      objects,
			Records:      records,
			MaxDimension: cfg.MaxOutputDimension,
			Logger:       logger,
		}),
		HTTPClient:     fetchClient,
		SourceMaxBytes: cfg.SourceMaxBytes,
		Logger:         logger,
	})

	logger.Info().
		Int("candidates", len(candidates)).
		Bool("text_to_image", terminal != nil).
		Int("caption_backends", len(backends)).
		Str("storage", cfg.StorageDriver).
		Msg("bootstrap: pipeline ready")
	return p, nil
}

func (p *Pipeline) objectStore(ctx context.Context, cfg *infra.Config) (publisher.ObjectStore, error) {
	switch cfg.StorageDriver {
	case "gcs":
		store, err := storage.NewGCSStore(ctx, cfg.GCSBucket, cfg.GCSPrefix)
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, store.Close)
		return store, nil
	case "", "local":
		store, err := storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
		if err != nil {
			return nil, err
		}
		p.StaticDir = store.BasePath()
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}
