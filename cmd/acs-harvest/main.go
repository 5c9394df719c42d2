// Command acs-harvest runs one resumable bulk collection pass: discover
// the catalog, plan fetch units, and drain them through the credential
// pool into SQLite.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/civicdata/acs-harvest/pkg/catalog"
	"github.com/civicdata/acs-harvest/pkg/checkpoint"
	"github.com/civicdata/acs-harvest/pkg/config"
	"github.com/civicdata/acs-harvest/pkg/fetch"
	"github.com/civicdata/acs-harvest/pkg/logging"
	"github.com/civicdata/acs-harvest/pkg/metrics"
	"github.com/civicdata/acs-harvest/pkg/planner"
	"github.com/civicdata/acs-harvest/pkg/quota"
	"github.com/civicdata/acs-harvest/pkg/scheduler"
	"github.com/civicdata/acs-harvest/pkg/sink"
)

// Exit codes per run outcome. Blocked runs resume from checkpoints on
// the next invocation.
const (
	exitOK      = 0
	exitFatal   = 1
	exitPartial = 2
	exitBlocked = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	// .env is optional; real environments set variables directly.
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitFatal
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: cfg.PrettyLogs,
		Output: os.Stderr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("Serving metrics")
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Warn().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	db, err := sql.Open("sqlite3", cfg.DatabasePath)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open database")
		return exitFatal
	}
	defer db.Close()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error().Err(err).Str("addr", cfg.RedisAddr).Msg("Failed to connect to Redis")
			return exitFatal
		}
		defer redisClient.Close()
	}

	var usageStore quota.Store = quota.NopStore{}
	if redisClient != nil {
		usageStore = quota.NewRedisStore(redisClient, logger)
	}

	pool, err := quota.NewPool(ctx, cfg.APIKeys, quota.Config{
		DailyCap:    cfg.DailyCap,
		Window:      cfg.Window,
		Delay:       cfg.RequestDelay,
		BlockPolicy: quota.BlockPolicy(cfg.BlockPolicy),
	}, usageStore, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to build credential pool")
		return exitFatal
	}

	executor, err := fetch.New(fetch.Config{
		BaseURL:   cfg.BaseURL,
		Year:      cfg.Year,
		Dataset:   cfg.Dataset,
		UserAgent: "acs-harvest/0.1.0",
		Timeout:   30 * time.Second,
	}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to build executor")
		return exitFatal
	}

	ckpt, err := checkpoint.New(db, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to build checkpoint store")
		return exitFatal
	}
	if err := ckpt.Load(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to load checkpoints")
		return exitFatal
	}

	resultSink, err := sink.New(db, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to build result sink")
		return exitFatal
	}

	cat, err := loadCatalog(ctx, cfg, pool, executor, redisClient, logger)
	if err != nil {
		if errors.Is(err, quota.ErrQuotaExhausted) {
			logger.Error().Err(err).Msg("Quota exhausted during discovery, retry after window reset")
			return exitBlocked
		}
		logger.Error().Err(err).Msg("Catalog enumeration failed")
		return exitFatal
	}

	for _, table := range cat.Tables {
		if err := resultSink.RecordCatalog(ctx, table); err != nil {
			logger.Error().Err(err).Str("table_id", table.ID).Msg("Failed to record catalog")
			return exitFatal
		}
	}

	units := planner.Plan(cat, cfg.Geography, cfg.BatchWidth)
	logger.Info().
		Int("tables", len(cat.Tables)).
		Int("variables", cat.VariableCount()).
		Int("units", len(units)).
		Str("run_id", resultSink.RunID()).
		Msg("Plan ready")

	sched := scheduler.New(pool, executor, ckpt, resultSink, scheduler.DefaultConfig(), logger)
	outcome := sched.Run(ctx, units)

	return exitCode(outcome.Status)
}

// loadCatalog enumerates the catalog, serving it from the Redis cache
// when possible so a resumed run spends no discovery budget.
func loadCatalog(ctx context.Context, cfg config.Config, pool *quota.Pool, executor *fetch.Executor, redisClient *redis.Client, logger zerolog.Logger) (*catalog.Catalog, error) {
	var cache *catalog.Cache
	if redisClient != nil {
		cache = catalog.NewCache(redisClient, 0)
		if cat, err := cache.Get(ctx, cfg.Year, cfg.Dataset); err == nil {
			logger.Info().Int("tables", len(cat.Tables)).Msg("Catalog served from cache")
			return cat, nil
		} else if err != catalog.ErrCacheMiss {
			logger.Warn().Err(err).Msg("Catalog cache read failed, falling back to discovery")
		}
	}

	discovery := scheduler.NewDiscoveryClient(pool, executor, scheduler.DefaultRetryConfig(), logger)
	enum := catalog.NewEnumerator(discovery, logger)
	cat, err := enum.Enumerate(ctx)
	if err != nil {
		return nil, err
	}

	if cache != nil {
		if err := cache.Set(ctx, cfg.Year, cfg.Dataset, cat); err != nil {
			logger.Warn().Err(err).Msg("Failed to cache catalog")
		}
	}
	return cat, nil
}

// exitCode maps a run outcome to the process exit status.
func exitCode(status scheduler.RunStatus) int {
	switch status {
	case scheduler.StatusCompleted:
		return exitOK
	case scheduler.StatusPartial:
		return exitPartial
	case scheduler.StatusBlocked:
		return exitBlocked
	default:
		return exitFatal
	}
}
