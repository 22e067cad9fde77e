package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/foundrly/agentstream/internal/archive"
	archsqlite "github.com/foundrly/agentstream/internal/archive/sqlite"
	"github.com/foundrly/agentstream/internal/batcher"
	"github.com/foundrly/agentstream/internal/config"
	"github.com/foundrly/agentstream/internal/reclaim"
	"github.com/foundrly/agentstream/internal/server"
	"github.com/foundrly/agentstream/internal/session"
	"github.com/foundrly/agentstream/internal/store"
	"github.com/foundrly/agentstream/internal/telemetry"
	"github.com/foundrly/agentstream/internal/tokens"
	"github.com/foundrly/agentstream/internal/transport"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdown, err := telemetry.Init("agentstream", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Agent.URL == "" {
		log.Fatalf("agent.url is required")
	}

	credentials := func(context.Context) (string, error) {
		return cfg.Agent.Token, nil
	}

	var reader transport.Reader
	dialect := session.DialectSSE
	switch cfg.Agent.Transport {
	case "websocket":
		reader = transport.NewWSReader(cfg.Agent.URL,
			transport.WithWSConnectTimeout(cfg.Agent.ConnectTimeout),
			transport.WithWSCredentials(credentials))
		dialect = session.DialectSocket
	default:
		reader = transport.NewSSEReader(cfg.Agent.URL,
			transport.WithConnectTimeout(cfg.Agent.ConnectTimeout),
			transport.WithCredentials(credentials))
	}

	var archiver archive.Archiver = archive.Noop{}
	if cfg.Archive.Type == "sqlite" {
		sqliteStore, err := archsqlite.New(cfg.Archive.SQLite.Path)
		if err != nil {
			log.Fatalf("Failed to open archive: %v", err)
		}
		defer sqliteStore.Close()
		archiver = sqliteStore
	}

	st := store.New(logger)

	estimator, err := tokens.NewEstimator()
	if err != nil {
		logger.Warn("token estimator unavailable", slog.String("error", err.Error()))
	}

	mgr := session.NewManager(session.Config{
		Reader:   reader,
		Dialect:  dialect,
		Store:    st,
		Archiver: archiver,
		Logger:   logger,
		Batcher: batcher.Config{
			BaseDelay:         cfg.Batcher.BaseDelay,
			PerEventDelay:     cfg.Batcher.PerEventDelay,
			MaxDelay:          cfg.Batcher.MaxDelay,
			MaxBatchSize:      cfg.Batcher.MaxBatchSize,
			ThrottleThreshold: cfg.Batcher.ThrottleThreshold,
			MinFlushInterval:  cfg.Batcher.MinFlushInterval,
			Policy:            batcher.SamplePolicy(cfg.Batcher.SamplePolicy),
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reclaimer := reclaim.New(reclaim.Config{
		Interval:       cfg.Reclaimer.Interval,
		MaxMessages:    cfg.Reclaimer.MaxMessages,
		PreserveLastN:  cfg.Reclaimer.PreserveLastN,
		PressureTokens: cfg.Reclaimer.PressureTokens,
	}, st, estimator, logger)
	go reclaimer.Run(ctx)

	srv := server.New(cfg.Server.Port, mgr, st, estimator, logger)
	srv.Start()

	logger.Info("agentstream started",
		slog.Int("port", cfg.Server.Port),
		slog.String("agent_url", cfg.Agent.URL),
		slog.String("transport", cfg.Agent.Transport))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	mgr.StopAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", slog.String("error", err.Error()))
	}
}
