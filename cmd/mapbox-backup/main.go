// Command mapbox-backup copies a Mapbox account (styles, sprites, tilesets,
// datasets and tokens) into a directory or an S3 bucket.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/mapbox-backup/internal/config"
	"github.com/Sternrassler/mapbox-backup/pkg/backup"
	"github.com/Sternrassler/mapbox-backup/pkg/cache"
	"github.com/Sternrassler/mapbox-backup/pkg/client"
	"github.com/Sternrassler/mapbox-backup/pkg/logging"
	"github.com/Sternrassler/mapbox-backup/pkg/metrics"
	"github.com/Sternrassler/mapbox-backup/pkg/ratelimit"
	"github.com/Sternrassler/mapbox-backup/pkg/storage"
	"github.com/mattn/go-isatty"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const userAgent = "mapbox-backup/1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one backup and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, config.ErrHelp) {
			config.Usage(stdout)
			return backup.ExitOK
		}
		fmt.Fprintf(stderr, "mapbox-backup: %v\n\n", err)
		config.Usage(stderr)
		return backup.ExitUsage
	}

	logger := logging.Setup(logging.Config{
		Level:   cfg.LogLevel,
		Pretty:  cfg.LogPretty,
		NoColor: !isTerminal(stderr),
		Output:  stderr,
	})

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			fmt.Fprintf(stderr, "mapbox-backup: invalid --redis-url: %v\n", err)
			return backup.ExitUsage
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error().Err(err).Msg("Failed to connect to Redis")
			return backup.ExitFailure
		}
		logger.Info().Str("addr", opts.Addr).Msg("Connected to Redis")
	}

	api, err := newClient(cfg, redisClient)
	if err != nil {
		fmt.Fprintf(stderr, "mapbox-backup: %v\n", err)
		return backup.ExitUsage
	}

	budget, err := newBudget(cfg, redisClient, api.Username(), logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create request budget")
		return backup.ExitFailure
	}

	store, err := newStore(ctx, cfg, api.Username())
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open backup destination")
		return backup.ExitFailure
	}

	opts := backup.DefaultOptions()
	opts.Scopes = cfg.Scopes
	opts.AbortOnFailure = cfg.AbortOnFailure
	opts.StrictArtifacts = cfg.Strict

	progress := backup.NewProgress(stdout, isTerminal(stdout))
	orchestrator := backup.New(api, store, budget, progress, opts).WithLogger(logger)

	summary, err := runWithMetrics(ctx, cfg.MetricsAddr, orchestrator)
	if err != nil {
		logger.Error().Err(err).Msg("Backup interrupted")
		return backup.ExitFailure
	}
	return summary.ExitCode()
}

// runWithMetrics runs the backup, serving metrics alongside it when addr is
// set. The server stops once the backup is done.
func runWithMetrics(ctx context.Context, addr string, orchestrator *backup.Orchestrator) (backup.Summary, error) {
	if addr == "" {
		return orchestrator.Run(ctx), nil
	}

	server := metrics.NewServer(addr)
	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()

	var summary backup.Summary
	g, gctx := errgroup.WithContext(serverCtx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		defer stopServer()
		server.MarkRunning()
		summary = orchestrator.Run(gctx)
		server.MarkFinished()
		return nil
	})

	return summary, g.Wait()
}

func newClient(cfg *config.Config, redisClient *redis.Client) (*client.Client, error) {
	clientCfg := client.DefaultConfig(cfg.AccessToken)
	clientCfg.BaseURL = cfg.BaseURL
	clientCfg.UserAgent = userAgent
	clientCfg.PageLimit = cfg.PageLimit

	switch cfg.Cache {
	case config.CacheMemory:
		clientCfg.Cache = cache.NewManager(cache.NewMemoryBackend(10*time.Minute), cache.DefaultRetention)
	case config.CacheRedis:
		clientCfg.Cache = cache.NewManager(cache.NewRedisBackend(redisClient), cache.DefaultRetention)
	}

	return client.New(clientCfg)
}

// newBudget shares the request budget through Redis when configured, so that
// concurrent runs against one account stay within the quota together.
func newBudget(cfg *config.Config, redisClient *redis.Client, account string, logger zerolog.Logger) (ratelimit.Budget, error) {
	bucketCfg := ratelimit.DefaultBucketConfig()
	if redisClient != nil {
		return ratelimit.NewSharedBudget(redisClient, account, bucketCfg, logger)
	}
	return ratelimit.NewBucket(bucketCfg, logger)
}

func newStore(ctx context.Context, cfg *config.Config, account string) (storage.Store, error) {
	if cfg.UseS3() {
		return storage.NewS3Store(ctx, cfg.S3)
	}
	return storage.NewFileStore(outputDir(cfg.Output, account))
}

// outputDir defaults the backup directory to the account name.
func outputDir(flag, account string) string {
	switch {
	case flag != "":
		return flag
	case account != "":
		return account
	default:
		return "output"
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
