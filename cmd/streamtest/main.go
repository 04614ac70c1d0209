// streamtest connects to a quote push endpoint and prints decoded quotes.
// Usage: go run ./cmd/streamtest --config configs/pricesync.local.yaml --watch ethereum:PAXG
//
// Optional environment variables (referenced from the config file):
//
//	QUOTES_KEY_ID      - HMAC key ID for the handshake
//	QUOTES_SECRET_PATH - Path to the HMAC secret file
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rwa-market/pricesync/internal/auth"
	"github.com/rwa-market/pricesync/internal/config"
	"github.com/rwa-market/pricesync/internal/connection"
	"github.com/rwa-market/pricesync/internal/model"
	"github.com/rwa-market/pricesync/internal/router"
)

func main() {
	configPath := flag.String("config", "configs/pricesync.example.yaml", "path to config file")
	watch := flag.String("watch", "", "comma-separated instruments (chain:address or chain:SYMBOL)")
	duration := flag.Duration("duration", 0, "stop after this long (0 = until Ctrl+C)")
	verbose := flag.Bool("verbose", false, "print full quote JSON")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	if err := config.LoadEnvFile(); err != nil {
		logger.Warn("failed to load .env", "error", err)
	}

	// Load config
	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	keys, err := model.ParseKeys(*watch)
	if err != nil || len(keys) == 0 {
		logger.Error("at least one valid instrument is required", "watch", *watch, "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if *duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, *duration)
		defer stop()
	}

	clientCfg := connection.DefaultClientConfig()
	clientCfg.URL = cfg.Push.URL
	clientCfg.PingInterval = cfg.Push.PingInterval
	clientCfg.PingTimeout = cfg.Push.PingTimeout
	if cfg.Upstream.SecretPath != "" {
		creds, err := auth.LoadCredentials(cfg.Upstream.KeyID, cfg.Upstream.SecretPath)
		if err != nil {
			logger.Error("failed to load credentials", "error", err)
			os.Exit(1)
		}
		clientCfg.Credentials = creds
		logger.Info("using API credentials", "key_id", creds.KeyID)
	}

	// Probe first, the same way the engine does
	if err := connection.Probe(ctx, clientCfg, cfg.Push.ProbeTimeout); err != nil {
		logger.Error("push endpoint probe failed", "url", clientCfg.URL, "error", err)
		os.Exit(1)
	}

	client := connection.NewClient(clientCfg, logger)
	connectCtx, connectCancel := context.WithTimeout(ctx, cfg.Push.ConnectTimeout)
	err = client.Connect(connectCtx)
	connectCancel()
	if err != nil {
		logger.Error("failed to connect", "url", clientCfg.URL, "error", err)
		os.Exit(1)
	}
	defer client.Close()

	sub, err := router.EncodeSubscribe(keys)
	if err != nil {
		logger.Error("failed to encode subscribe", "error", err)
		os.Exit(1)
	}
	if err := client.Send(sub); err != nil {
		logger.Error("failed to subscribe", "error", err)
		os.Exit(1)
	}
	logger.Info("streaming started - press Ctrl+C to stop", "instruments", len(keys))

	rtr := router.New(logger)
	stats := time.NewTicker(10 * time.Second)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			s := rtr.Stats()
			logger.Info("shutdown complete",
				"received", s.MessagesReceived,
				"routed", s.MessagesRouted,
				"dropped_quotes", s.DroppedQuotes,
			)
			return

		case err := <-client.Errors():
			if connection.IsNormalClosure(err) {
				logger.Info("server closed the stream")
			} else {
				logger.Error("stream error", "error", err)
			}
			return

		case msg := <-client.Messages():
			frame, err := rtr.Route(msg.Data, msg.ReceivedAt)
			if err != nil {
				logger.Warn("malformed frame", "error", err)
				continue
			}
			printFrame(frame, *verbose)

		case <-stats.C:
			s := rtr.Stats()
			logger.Info("stats",
				"received", s.MessagesReceived,
				"routed", s.MessagesRouted,
				"parse_errors", s.ParseErrors,
				"unknown", s.UnknownMessages,
			)
		}
	}
}

func printFrame(frame router.Frame, verbose bool) {
	switch frame.Kind {
	case router.FramePriceUpdate:
		for _, q := range frame.Quotes {
			if verbose {
				data, _ := json.MarshalIndent(model.FromQuote(q), "", "  ")
				fmt.Printf("[QUOTE] %s\n", data)
				continue
			}
			fmt.Printf("[QUOTE] %s price=%.6f change=%.2f%% at=%s\n",
				q.ID(), q.Price, q.ChangePercent24h, q.ObservedAt.Format(time.RFC3339))
		}
	case router.FrameError:
		fmt.Printf("[ERROR] %s\n", frame.Message)
	default:
		fmt.Printf("[%s] %s\n", frame.Kind, frame.Type)
	}
}
