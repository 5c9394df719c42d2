// Command acs-catalog enumerates the provider's table catalog and
// prints it, without fetching any data. Useful for sizing a harvest
// before spending budget on it: the output includes the number of fetch
// units a run would plan.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/civicdata/acs-harvest/pkg/catalog"
	"github.com/civicdata/acs-harvest/pkg/config"
	"github.com/civicdata/acs-harvest/pkg/fetch"
	"github.com/civicdata/acs-harvest/pkg/logging"
	"github.com/civicdata/acs-harvest/pkg/planner"
	"github.com/civicdata/acs-harvest/pkg/quota"
	"github.com/civicdata/acs-harvest/pkg/scheduler"
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to YAML configuration file")
	asJSON := flag.Bool("json", false, "print the catalog as JSON")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: cfg.PrettyLogs,
		Output: os.Stderr,
	})

	ctx := context.Background()

	var cache *catalog.Cache
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error().Err(err).Str("addr", cfg.RedisAddr).Msg("Failed to connect to Redis")
			return 1
		}
		defer redisClient.Close()
		cache = catalog.NewCache(redisClient, 0)
	}

	cat, err := loadCatalog(ctx, cfg, cache, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Catalog enumeration failed")
		return 1
	}

	units := planner.Plan(cat, cfg.Geography, cfg.BatchWidth)

	if *asJSON {
		out := struct {
			Year    string          `json:"year"`
			Dataset string          `json:"dataset"`
			Tables  []catalog.Table `json:"tables"`
			Units   int             `json:"planned_units"`
		}{cfg.Year, cfg.Dataset, cat.Tables, len(units)}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			logger.Error().Err(err).Msg("Failed to encode catalog")
			return 1
		}
		return 0
	}

	fmt.Printf("%s %s: %d tables, %d variables\n\n",
		cfg.Year, cfg.Dataset, len(cat.Tables), cat.VariableCount())
	for _, table := range cat.Tables {
		fmt.Printf("%-12s %4d vars  %s\n", table.ID, len(table.Variables), table.Description)
	}
	fmt.Printf("\nplanned units for %s: %d\n", cfg.Geography.Key(), len(units))
	return 0
}

// loadCatalog serves the catalog from the Redis cache when available,
// falling back to budget-charging discovery.
func loadCatalog(ctx context.Context, cfg config.Config, cache *catalog.Cache, logger zerolog.Logger) (*catalog.Catalog, error) {
	if cache != nil {
		if cat, err := cache.Get(ctx, cfg.Year, cfg.Dataset); err == nil {
			logger.Info().Int("tables", len(cat.Tables)).Msg("Catalog served from cache")
			return cat, nil
		}
	}

	pool, err := quota.NewPool(ctx, cfg.APIKeys, quota.Config{
		DailyCap:    cfg.DailyCap,
		Window:      cfg.Window,
		Delay:       cfg.RequestDelay,
		BlockPolicy: quota.BlockPolicy(cfg.BlockPolicy),
	}, quota.NopStore{}, logger)
	if err != nil {
		return nil, err
	}

	executor, err := fetch.New(fetch.Config{
		BaseURL:   cfg.BaseURL,
		Year:      cfg.Year,
		Dataset:   cfg.Dataset,
		UserAgent: "acs-harvest/0.1.0",
		Timeout:   30 * time.Second,
	}, logger)
	if err != nil {
		return nil, err
	}

	discovery := scheduler.NewDiscoveryClient(pool, executor, scheduler.DefaultRetryConfig(), logger)
	cat, err := catalog.NewEnumerator(discovery, logger).Enumerate(ctx)
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
