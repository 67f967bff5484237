package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"docsync/internal/app"
	"docsync/internal/broker"
	"docsync/internal/collab"
	"docsync/internal/config"
	"docsync/internal/history"
	"docsync/internal/logging"
	"docsync/internal/store"
	"docsync/internal/util"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger setup failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", zap.Strings("versions", applied))
	}

	dataStore := store.NewPostgresStore(db)
	b := broker.Connect(ctx, cfg.BrokerURL, logger.Named("broker"))
	defer func() { _ = b.Close() }()

	var archive *history.Archive
	var historyReader app.HistoryReader
	if cfg.HistoryDir != "" {
		if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
			logger.Fatal("failed to create history dir", zap.Error(err))
		}
		archive = history.New(cfg.HistoryDir)
		historyReader = archive
	}

	opts := collab.Options{
		FlushInterval: cfg.FlushInterval,
		EvictGrace:    cfg.EvictGrace,
		InstanceID:    util.NewID("inst"),
	}
	if archive != nil {
		opts.Archive = archive
	}
	registry := collab.NewRegistry(dataStore, b, logger.Named("collab"), opts)

	httpLogger := logger.Named("http")
	service := app.NewService(cfg, dataStore, registry, b, historyReader, httpLogger)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, httpLogger)
	// No read or write timeouts: sync connections are long lived and manage
	// their own deadlines.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("docsync listening",
			zap.String("addr", cfg.Addr),
			zap.String("instance_id", registry.InstanceID()),
			zap.String("broker", b.Mode()),
			zap.Bool("history", archive != nil),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}
	if err := registry.Close(shutdownCtx); err != nil {
		logger.Error("sessions did not drain", zap.Error(err))
	}
}
