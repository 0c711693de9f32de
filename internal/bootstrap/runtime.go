package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"portraitd/internal/adapter/repo"
	"portraitd/internal/credits"
	"portraitd/internal/generation"
	"portraitd/internal/infra"
	"portraitd/internal/infra/cancelbus"
	"portraitd/internal/infra/credentials"
)

// CancelBus carries task cancellations from the API to workers.
type CancelBus interface {
	generation.CancelPublisher
	generation.CancelListener
}

// Runtime holds the long-lived dependencies shared by the API and the worker.
type Runtime struct {
	Config      *infra.Config
	Logger      *infra.Logger
	Pool        *pgxpool.Pool
	Runner      *infra.SQLRunner
	Jobs        *repo.JobRepositoryPG
	Records     *repo.GenerationRepositoryPG
	Ledger      *credits.Ledger
	Credentials *credentials.Store
	Pipeline    *Pipeline
	Bus         CancelBus

	redis *redis.Client
}

// Open connects to Postgres, optionally migrates, and builds the pipeline and
// cancel bus. Without REDIS_URL the bus is process local.
func Open(ctx context.Context, cfg *infra.Config, logger *infra.Logger) (*Runtime, error) {
	if cfg.AutoMigrate {
		if err := infra.Migrate(cfg.DatabaseURL, 0, *logger); err != nil {
			return nil, err
		}
	}

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	rt := &Runtime{Config: cfg, Logger: logger, Pool: pool}
	rt.Runner = infra.NewSQLRunner(pool, *logger)
	rt.Jobs = repo.NewJobRepository(rt.Runner)
	rt.Records = repo.NewGenerationRepository(rt.Runner)
	rt.Credentials = credentials.NewStore(rt.Runner)
	rt.Ledger = credits.NewLedger(repo.NewCreditStore(rt.Runner), credits.Options{
		DailyLimit: cfg.DailyCreditLimit,
		Window:     cfg.CreditWindow,
		Bypass:     cfg.CreditsBypass,
		Logger:     logger,
	})

	rt.Pipeline, err = BuildPipeline(ctx, cfg, rt.Credentials, rt.Records, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}

	if cfg.RedisURL != "" {
		rt.redis, err = cancelbus.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		rt.Bus = cancelbus.NewRedisBus(rt.redis, logger)
	} else {
		logger.Warn().Msg("bootstrap: REDIS_URL not set, cancellations stay in process")
		rt.Bus = cancelbus.NewLocalBus()
	}
	return rt, nil
}

// Service builds the request-facing generation service.
func (rt *Runtime) Service() *generation.Service {
	return generation.NewService(generation.ServiceOptions{
		Engine:       rt.Pipeline.Engine,
		Ledger:       rt.Ledger,
		Jobs:         rt.Jobs,
		Cancels:      rt.Bus,
		CostPerImage: rt.Config.CreditCostPerImage,
		SyncDeadline: syncDeadline(rt.Config.HTTPWriteTimeout),
		Logger:       rt.Logger,
	})
}

// syncWriteMargin leaves room to write the response before the server's
// write deadline.
const syncWriteMargin = 10 * time.Second

func syncDeadline(writeTimeout time.Duration) time.Duration {
	if writeTimeout <= 2*syncWriteMargin {
		return writeTimeout / 2
	}
	return writeTimeout - syncWriteMargin
}

// Worker builds a job worker over the shared queue and bus.
func (rt *Runtime) Worker() *generation.Worker {
	return generation.NewWorker(generation.WorkerOptions{
		Engine:      rt.Pipeline.Engine,
		Jobs:        rt.Jobs,
		Cancels:     rt.Bus,
		Concurrency: rt.Config.WorkerConcurrency,
		StaleAfter:  rt.Config.WorkerStaleAfter,
		Heartbeat:   rt.Config.WorkerHeartbeat,
		Logger:      rt.Logger,
	})
}

func (rt *Runtime) Close() {
	if rt.Pipeline != nil {
		if err := rt.Pipeline.Close(); err != nil {
			rt.Logger.Warn().Err(err).Msg("bootstrap: close pipeline")
		}
	}
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	if rt.Pool != nil {
		rt.Pool.Close()
	}
}
