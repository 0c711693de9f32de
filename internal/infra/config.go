package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv           string
	Port             string
	DatabaseURL      string
	JWTSecret        string
	JWTIssuer        string
	RedisURL         string
	GeoIPDBPath      string
	CORSOrigins      []string
	AutoMigrate      bool
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int

	DailyCreditLimit   int
	CreditCostPerImage int
	CreditWindow       time.Duration
	CreditsBypass      bool

	ProviderChain        []string
	TextToImageProvider  string
	CaptionProviders     []string
	CaptionTimeout       time.Duration
	CaptionCacheSize     int
	CaptionCacheTTL      time.Duration
	HuggingFaceAPIKey    string
	HuggingFaceBaseURL   string
	NanoBananaAPIKey     string
	NanoBananaBaseURL    string
	NanoBananaCallback   string
	NanoBananaResultKeys []string
	QwenAPIKey           string
	QwenBaseURL          string
	QwenModel            string
	GeminiAPIKey         string
	GeminiImageModel     string
	GeminiCaptionModel   string
	Img2ImgStrength      float64
	Img2ImgGuidance      float64
	SyncProviderTimeout  time.Duration

	PollInterval    time.Duration
	PollBudget      time.Duration
	PollMaxAttempts int

	SourceMaxBytes     int64
	MaxOutputDimension int
	StorageDriver      string
	StoragePath        string
	StorageBaseURL     string
	GCSBucket          string
	GCSPrefix          string

	WorkerConcurrency int
	WorkerStaleAfter  time.Duration
	WorkerHeartbeat   time.Duration
	// EmbeddedWorker runs a worker inside the API process. Without Redis it
	// is the only way for task cancellations to reach a running job.
	EmbeddedWorker bool
}

// DefaultProviderChain mirrors the production ordering: the async edit API first,
// then the Stable Diffusion img2img models on the Hugging Face inference API.
var DefaultProviderChain = []string{
	"nanobanana",
	"hf:runwayml/stable-diffusion-v1-5",
	"hf:stabilityai/stable-diffusion-2-1",
	"hf:prompthero/openjourney",
	"hf:CompVis/stable-diffusion-v1-4",
	"hf:stabilityai/stable-diffusion-xl-refiner-1.0",
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	port := getEnv("PORT", "8080")
	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		Port:             port,
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		JWTIssuer:        os.Getenv("JWT_ISSUER"),
		RedisURL:         os.Getenv("REDIS_URL"),
		GeoIPDBPath:      os.Getenv("GEOIP_DB_PATH"),
		CORSOrigins:      getEnvList("CORS_ORIGINS", []string{"http://localhost:3000"}),
		AutoMigrate:      getEnvBool("AUTO_MIGRATE", false),
		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 330)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 120),

		DailyCreditLimit:   getEnvInt("DAILY_CREDIT_LIMIT", 50),
		CreditCostPerImage: getEnvInt("CREDIT_COST_PER_IMAGE", 1),
		CreditWindow:       time.Hour * time.Duration(getEnvInt("CREDIT_WINDOW_HOURS", 24)),
		CreditsBypass:      getEnvBool("CREDITS_BYPASS", false),

		ProviderChain:        getEnvList("PROVIDER_CHAIN", DefaultProviderChain),
		TextToImageProvider:  getEnv("TEXT_TO_IMAGE_PROVIDER", "hf:stabilityai/stable-diffusion-xl-base-1.0"),
		CaptionProviders:     getEnvList("CAPTION_PROVIDERS", []string{"hf:Salesforce/blip-image-captioning-large", "gemini"}),
		CaptionTimeout:       time.Second * time.Duration(getEnvInt("CAPTION_TIMEOUT_SECONDS", 20)),
		CaptionCacheSize:     getEnvInt("CAPTION_CACHE_SIZE", 512),
		CaptionCacheTTL:      time.Second * time.Duration(getEnvInt("CAPTION_CACHE_TTL_SECONDS", 3600)),
		HuggingFaceAPIKey:    os.Getenv("HUGGINGFACE_API_KEY"),
		HuggingFaceBaseURL:   getEnv("HUGGINGFACE_BASE_URL", "https://api-inference.huggingface.co/models"),
		NanoBananaAPIKey:     os.Getenv("NANOBANANA_API_KEY"),
		NanoBananaBaseURL:    getEnv("NANOBANANA_BASE_URL", "https://api.nanobananaapi.ai/api/v1/nanobanana"),
		NanoBananaCallback:   getEnv("NANOBANANA_CALLBACK_URL", "https://example.com/callback"),
		NanoBananaResultKeys: getEnvList("NANOBANANA_RESULT_FIELDS", nil),
		QwenAPIKey:           os.Getenv("QWEN_API_KEY"),
		QwenBaseURL:          getEnv("QWEN_BASE_URL", "https://dashscope-intl.aliyuncs.com/api/v1"),
		QwenModel:            getEnv("QWEN_MODEL", "qwen-image-edit"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		GeminiImageModel:     getEnv("GEMINI_IMAGE_MODEL", "gemini-2.5-flash-image-preview"),
		GeminiCaptionModel:   getEnv("GEMINI_CAPTION_MODEL", "gemini-2.5-flash"),
		Img2ImgStrength:      getEnvFloat("IMG2IMG_STRENGTH", 0.75),
		Img2ImgGuidance:      getEnvFloat("IMG2IMG_GUIDANCE_SCALE", 7.5),
		SyncProviderTimeout:  time.Second * time.Duration(getEnvInt("SYNC_PROVIDER_TIMEOUT_SECONDS", 120)),

		PollInterval:    time.Second * time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 2)),
		PollBudget:      time.Second * time.Duration(getEnvInt("POLL_BUDGET_SECONDS", 300)),
		PollMaxAttempts: getEnvInt("POLL_MAX_ATTEMPTS", 0),

		SourceMaxBytes:     int64(getEnvInt("SOURCE_MAX_BYTES", 10<<20)),
		MaxOutputDimension: getEnvInt("MAX_OUTPUT_DIMENSION", 2048),
		StorageDriver:      strings.ToLower(getEnv("STORAGE_DRIVER", "local")),
		StoragePath:        getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL:     getEnv("STORAGE_BASE_URL", "http://localhost:"+port+"/static"),
		GCSBucket:          os.Getenv("GCS_BUCKET"),
		GCSPrefix:          os.Getenv("GCS_PREFIX"),

		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 4),
		WorkerStaleAfter:  time.Second * time.Duration(getEnvInt("WORKER_STALE_AFTER_SECONDS", 900)),
		WorkerHeartbeat:   time.Second * time.Duration(getEnvInt("WORKER_HEARTBEAT_SECONDS", 60)),
		EmbeddedWorker:    getEnvBool("EMBEDDED_WORKER", false),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("POLL_INTERVAL_SECONDS must be positive")
	}

	if cfg.StorageDriver == "gcs" && cfg.GCSBucket == "" {
		return nil, fmt.Errorf("GCS_BUCKET is required when STORAGE_DRIVER=gcs")
	}

	return cfg, nil
}

// IsDevelopment reports whether the service runs in a trusted local environment.
func (c *Config) IsDevelopment() bool {
	return c != nil && c.AppEnv == "development"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
