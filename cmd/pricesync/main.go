package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rwa-market/pricesync/internal/api"
	"github.com/rwa-market/pricesync/internal/auth"
	"github.com/rwa-market/pricesync/internal/cache"
	"github.com/rwa-market/pricesync/internal/config"
	"github.com/rwa-market/pricesync/internal/database"
	"github.com/rwa-market/pricesync/internal/engine"
	"github.com/rwa-market/pricesync/internal/httpapi"
	"github.com/rwa-market/pricesync/internal/logging"
	"github.com/rwa-market/pricesync/internal/model"
	"github.com/rwa-market/pricesync/internal/version"
	"github.com/rwa-market/pricesync/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/pricesync.local.yaml", "path to config file")
	envFile := flag.String("env", ".env", "path to .env file (missing is fine)")
	watch := flag.String("watch", "", "comma-separated instruments to watch at startup (chain:address or chain:SYMBOL)")
	flag.Parse()

	if err := run(*configPath, *envFile, *watch); err != nil {
		slog.Error("pricesync failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath, envFile, watchList string) error {
	if err := config.LoadEnvFile(envFile); err != nil {
		return err
	}

	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logOut, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	if c, ok := logOut.(io.Closer); ok {
		defer c.Close()
	}
	slog.SetDefault(logger)

	logger.Info("starting pricesync",
		"version", version.Version,
		"commit", version.Commit,
		"instance_id", cfg.Instance.ID,
		"config", configPath,
	)

	// Create context with cancellation on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Upstream credentials sign both REST calls and the push handshake.
	var creds *auth.Credentials
	if cfg.Upstream.SecretPath != "" {
		creds, err = auth.LoadCredentials(cfg.Upstream.KeyID, cfg.Upstream.SecretPath)
		if err != nil {
			return fmt.Errorf("load credentials: %w", err)
		}
		logger.Info("using signed requests", "key_id", creds.KeyID)
	}

	apiOpts := []api.ClientOption{
		api.WithLogger(logger),
		api.WithTimeout(cfg.Upstream.Timeout),
		api.WithRetries(cfg.Upstream.MaxRetries, 500*time.Millisecond),
		api.WithRateLimit(cfg.Upstream.RequestsPerSecond, cfg.Upstream.Burst),
	}
	if creds != nil {
		apiOpts = append(apiOpts, api.WithSigner(creds))
	}
	apiClient := api.NewClient(cfg.Upstream.RestURL, cfg.Upstream.APIKey, apiOpts...)

	engineOpts := []engine.Option{engine.WithLogger(logger)}

	// Optional Redis mirror for the rate-limited path
	if cfg.Cache.Redis.Addr != "" {
		mirror, err := cache.NewRedisMirror(ctx, cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer mirror.Close()
		engineOpts = append(engineOpts, engine.WithMirror(mirror))
		logger.Info("redis mirror enabled", "addr", cfg.Cache.Redis.Addr)
	}

	// Optional quote archive
	var archive *writer.QuoteWriter
	if cfg.Archive.Enabled {
		logger.Info("connecting to archive database",
			"host", cfg.Archive.Database.Host,
			"port", cfg.Archive.Database.Port,
			"database", cfg.Archive.Database.Name,
		)
		pool, err := database.Connect(ctx, cfg.Archive.Database)
		if err != nil {
			return fmt.Errorf("connect archive: %w", err)
		}
		defer pool.Close()

		if err := database.EnsureSchema(ctx, pool); err != nil {
			return err
		}

		archive = writer.NewQuoteWriter(writer.WriterConfig{
			BatchSize:     cfg.Archive.BatchSize,
			FlushInterval: cfg.Archive.FlushInterval,
			BufferSize:    cfg.Archive.BufferSize,
		}, pool, logger)
		if err := archive.Start(ctx); err != nil {
			return fmt.Errorf("start archive: %w", err)
		}
		engineOpts = append(engineOpts, engine.WithArchive(archive))
	}

	eng := engine.New(engineConfig(cfg, creds), apiClient, engineOpts...)

	keys, err := parseWatchList(watchList)
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		eng.Watch(keys...)
		logger.Info("watching startup instruments", "count", len(keys))
	}

	if err := eng.StartUpdates(ctx, cfg.Polling.Interval); err != nil {
		return fmt.Errorf("start updates: %w", err)
	}

	server := httpapi.NewServer(httpapi.Config{
		Addr:            cfg.HTTP.Addr,
		Mode:            cfg.HTTP.Mode,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	}, eng, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		err := eng.Close(shutdownCtx)
		if archive != nil {
			err = errors.Join(err, archive.Stop(shutdownCtx))
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("pricesync stopped")
	return nil
}

// engineConfig maps the file configuration onto the engine.
func engineConfig(cfg *config.Config, creds *auth.Credentials) engine.Config {
	ec := engine.DefaultConfig()

	ec.Connection.Enabled = cfg.Push.IsEnabled()
	ec.Connection.FallbackToPolling = cfg.Push.FallsBack()
	ec.Connection.MaxAttempts = cfg.Push.MaxAttempts
	ec.Connection.ConnectTimeout = cfg.Push.ConnectTimeout
	ec.Connection.ProbeTimeout = cfg.Push.ProbeTimeout
	ec.Connection.BackoffBase = cfg.Push.BackoffBase
	ec.Connection.BackoffCap = cfg.Push.BackoffCap
	ec.Connection.Client.URL = cfg.Push.URL
	ec.Connection.Client.Credentials = creds
	ec.Connection.Client.PingInterval = cfg.Push.PingInterval
	ec.Connection.Client.PingTimeout = cfg.Push.PingTimeout

	ec.Poller.Interval = cfg.Polling.Interval
	ec.Poller.Timeout = cfg.Polling.Timeout

	ec.Fetcher.DedupWindow = cfg.Limits.DedupWindow
	ec.Fetcher.RateLimit = cfg.Limits.RateLimit
	ec.Fetcher.RateLimitWindow = cfg.Limits.RateLimitWindow
	ec.Fetcher.MirrorTTL = cfg.Cache.Redis.TTL
	ec.Fetcher.MirrorTimeout = cfg.Cache.Redis.Timeout

	ec.CacheTTL = cfg.Cache.TTL
	ec.StaleTTL = cfg.Cache.StaleTTL
	ec.Timeout = cfg.Upstream.Timeout

	return ec
}

// parseWatchList parses "chain:address,chain:SYMBOL".
func parseWatchList(s string) ([]model.InstrumentKey, error) {
	if s == "" {
		return nil, nil
	}
	return model.ParseKeys(s)
}
