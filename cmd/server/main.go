package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amr-classifier-server/internal/adapters"
	"github.com/amr-classifier-server/internal/api"
	"github.com/amr-classifier-server/internal/audit"
	"github.com/amr-classifier-server/internal/catalog"
	"github.com/amr-classifier-server/internal/config"
	"github.com/amr-classifier-server/internal/engine"
	"github.com/amr-classifier-server/internal/terminology"
)

// Version is stamped at build time.
var Version = "dev"

func main() {
	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}
	cfg := configManager.GetConfig()

	logger := newLogger(cfg.Logging)

	loader := catalog.NewLoader(logger)
	loader.MaxFileSize = cfg.Rules.MaxFileSize
	store, err := catalog.NewStore(logger, loader, cfg.Rules.Path)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load rule catalog")
	}

	var oracle terminology.Oracle
	if cfg.Oracle.Enabled {
		oracle = terminology.NewHTTPOracle(logger, terminology.HTTPOracleConfig{
			BaseURL:   cfg.Oracle.BaseURL,
			Timeout:   cfg.Oracle.Timeout,
			RateLimit: cfg.Oracle.RateLimit,
		})
	}
	normalizer, err := terminology.NewNormalizer(logger, oracle, cfg.Cache.NormalizationSize)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create terminology normalizer")
	}
	store.OnSwap(func(*catalog.Catalog) { normalizer.Reset() })

	sink := audit.NewAsyncSink(logger, audit.NewLogSink(logger), cfg.Audit.BufferSize)

	eng := engine.New(logger, store, normalizer, sink, engine.Config{
		SourceOrder:      configManager.SourceOrder(),
		ReviewOnConflict: cfg.Breakpoints.ReviewOnConflict,
	})

	registry := adapters.NewRegistry(logger)
	server := api.NewServer(logger, configManager, eng, registry, store, loader, Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Rules.Watch {
		watcher := catalog.NewWatcher(logger, store, cfg.Rules.Path)
		go func() {
			if err := watcher.Run(ctx); err != nil && err != context.Canceled {
				logger.WithError(err).Warn("Catalog watcher stopped")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down")
		cancel()
	}()

	logger.WithFields(logrus.Fields{
		"addr":            cfg.Server.Host,
		"port":            cfg.Server.Port,
		"catalog_version": store.Current().Version,
	}).Info("Starting AMR classification server")

	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	if err := sink.Close(drainCtx); err != nil {
		logger.WithError(err).Warn("Audit sink did not drain cleanly")
	}

	logger.Info("Server stopped")
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if strings.EqualFold(cfg.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}
