package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"escrowchain/observability/logging"
	telemetry "escrowchain/observability/otel"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configFile := flag.String("config", "", "Path to the YAML configuration file")
	exportPath := flag.String("export-history", "", "Write the retained transaction history to this parquet file and exit")
	flag.Parse()

	cfg, err := LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.SetupWithOptions(logging.Options{
		Service:    "escrow-gateway",
		Env:        cfg.Log.Env,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *exportPath != "" {
		err = exportHistory(ctx, cfg, *exportPath, logger)
	} else {
		err = run(ctx, cfg, logger)
	}
	if err != nil {
		logger.Error("escrow-gateway exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func exportHistory(ctx context.Context, cfg Config, path string, logger *slog.Logger) error {
	store, err := OpenStore(cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()
	rows, err := ExportTransactions(ctx, store, path)
	if err != nil {
		return err
	}
	logger.Info("transaction history exported", slog.String("path", path), slog.Int("rows", rows))
	return nil
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.FromEnv(telemetry.Config{
		ServiceName: "escrow-gateway",
		Environment: cfg.Log.Env,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.OTLPHeaders),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	}))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	secret, err := cfg.JWTSecret()
	if err != nil {
		return err
	}
	store, err := OpenStore(cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()
	node, err := NewRPCNodeClient(cfg.NodeURL)
	if err != nil {
		return err
	}

	queue := NewWebhookQueue(
		WithWebhookTaskCapacity(cfg.Queue.Capacity),
		WithWebhookHistoryCapacity(cfg.Queue.History),
		WithWebhookTTL(cfg.Queue.TTL),
	)
	for _, target := range cfg.Webhooks {
		logger.Info("webhook target configured",
			slog.String("url", target.URL),
			logging.MaskField("secret", target.Secret),
			slog.Any("events", target.Events))
	}
	watcher := NewEventWatcher(node, store, queue, cfg.Watcher, logger.With(slog.String("component", "watcher")))
	worker := NewWebhookWorker(store, queue, cfg.Webhooks, logger.With(slog.String("component", "webhooks")))

	server := NewServer(node, store, ServerConfig{
		JWTSecret:    secret,
		JWTIssuer:    cfg.Auth.Issuer,
		JWTAudience:  cfg.Auth.Audience,
		ClockSkew:    cfg.Auth.ClockSkew,
		RateLimit:    cfg.RateLimit,
		CORS:         cfg.CORS,
		HistoryLimit: cfg.HistoryLimit,
	}, logger.With(slog.String("component", "http")))

	srv := &http.Server{
		Handler:           server,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
	}

	bgCtx, cancelBackground := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		watcher.Run(bgCtx)
	}()
	go func() {
		defer wg.Done()
		worker.Run(bgCtx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(listener)
	}()
	logger.Info("escrow gateway listening",
		slog.String("address", listener.Addr().String()),
		slog.String("node", cfg.NodeURL),
		slog.Int("webhooks", len(cfg.Webhooks)))

	var result error
	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			result = err
		}
	case <-ctx.Done():
		logger.Info("shutting down escrow gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			result = fmt.Errorf("shutdown http server: %w", err)
		}
		cancel()
		<-serveErr
	}

	cancelBackground()
	queue.Close()
	wg.Wait()
	return result
}
