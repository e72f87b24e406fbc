package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"escrowchain/config"
	coreevents "escrowchain/core/events"
	"escrowchain/core/state"
	"escrowchain/native/escrow"
	"escrowchain/observability"
	"escrowchain/observability/logging"
	telemetry "escrowchain/observability/otel"
	"escrowchain/rpc"
	"escrowchain/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.SetupWithOptions(logging.Options{
		Service:    "escrowd",
		Env:        cfg.Log.Env,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("escrowd exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.FromEnv(telemetry.Config{
		ServiceName: "escrowd",
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
	n, err := newNode(cfg, secret, logger)
	if err != nil {
		return err
	}
	defer n.Close()

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- n.server.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down escrowd")
	n.feed.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := n.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown rpc server: %w", err)
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// node bundles the long-lived components of a running escrowd process.
type node struct {
	db     io.Closer
	ledger *escrow.Ledger
	feed   *coreevents.Feed
	server *rpc.Server
}

func newNode(cfg *config.Config, secret []byte, logger *slog.Logger) (*node, error) {
	var (
		store      escrow.Store
		checkpoint coreevents.Checkpoint
		db         io.Closer = nopCloser{}
	)
	switch cfg.Storage {
	case config.StorageMemory:
		store = escrow.NewMemStore()
		logger.Warn("using in-memory storage; state is lost on restart")
	case config.StorageLevelDB:
		level, err := storage.NewLevelDB(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		store = state.NewEscrowStore(level)
		checkpoint = state.NewFeedCheckpoint(level)
		db = dbCloser{level}
	default:
		return nil, fmt.Errorf("unsupported storage %q", cfg.Storage)
	}

	feed := coreevents.NewFeed(cfg.Events.HistorySize)
	feed.SetSubscriberBuffer(cfg.Events.SubscriberBuffer)
	feed.OnDrop(observability.Events().RecordDrop)
	if checkpoint != nil {
		err := feed.Restore(checkpoint, func(err error) {
			logger.Error("persist event feed head", slog.Any("error", err))
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("restore event feed: %w", err)
		}
	}

	ledger := escrow.NewLedger(store)
	ledger.SetLogger(logger.With(slog.String("component", "ledger")))
	ledger.SetObserver(observability.Ledger())
	ledger.SetEmitter(coreevents.MultiEmitter{feed, observability.EventCounter{}})
	if count, err := ledger.ProjectCount(); err == nil {
		observability.Ledger().ObserveProjectCount(count)
		logger.Info("ledger ready", slog.String("storage", cfg.Storage), slog.Uint64("projects", count))
	} else {
		_ = db.Close()
		return nil, fmt.Errorf("read project count: %w", err)
	}

	server := rpc.NewServer(ledger, feed, rpc.ServerConfig{
		JWTSecret:         secret,
		JWTIssuer:         cfg.RPC.JWTIssuer,
		JWTAudience:       cfg.RPC.JWTAudience,
		ClockSkew:         time.Duration(cfg.RPC.ClockSkewSeconds) * time.Second,
		MaxBodyBytes:      cfg.RPC.MaxBodyBytes,
		RateLimitPerSec:   cfg.RPC.RateLimitPerSec,
		RateLimitBurst:    cfg.RPC.RateLimitBurst,
		ReadHeaderTimeout: time.Duration(cfg.RPC.ReadHeaderTimeout) * time.Second,
		ReadTimeout:       time.Duration(cfg.RPC.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(cfg.RPC.WriteTimeout) * time.Second,
		IdleTimeout:       time.Duration(cfg.RPC.IdleTimeout) * time.Second,
	}, logger.With(slog.String("component", "rpc")))

	return &node{db: db, ledger: ledger, feed: feed, server: server}, nil
}

func (n *node) Close() error {
	n.feed.Close()
	return n.db.Close()
}

type nopCloser struct{}

type dbCloser struct{ db storage.Database }

func (c dbCloser) Close() error {
	c.db.Close()
	return nil
}

func (nopCloser) Close() error { return nil }
