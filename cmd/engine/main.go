// Package main is the entry point for the campaign engine service.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaycrm/campaign-engine/internal/api"
	"github.com/relaycrm/campaign-engine/internal/channel"
	"github.com/relaycrm/campaign-engine/internal/config"
	"github.com/relaycrm/campaign-engine/internal/directory"
	"github.com/relaycrm/campaign-engine/internal/executor"
	"github.com/relaycrm/campaign-engine/internal/scheduler"
	"github.com/relaycrm/campaign-engine/internal/store"
	"github.com/relaycrm/campaign-engine/internal/trigger"
	"github.com/relaycrm/campaign-engine/internal/validator"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Setup structured logging
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logOpts := &slog.HandlerOptions{Level: logLevel, AddSource: cfg.LogSource}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, logOpts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, logOpts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("starting campaign engine",
		slog.String("port", cfg.Port),
		slog.String("log_level", cfg.LogLevel),
	)

	// Initialize stores based on configuration
	var defs store.DefinitionStore
	var enrs store.EnrollmentStore
	switch cfg.StoreType {
	case "redis":
		redisCfg := &store.RedisConfig{
			URL:           cfg.RedisURL,
			Password:      cfg.RedisPassword,
			DB:            cfg.RedisDB,
			TTL:           cfg.StoreTTL,
			AttemptMaxLen: cfg.AttemptMaxLen,
		}
		redisDefs, derr := store.NewRedisDefinitionStore(redisCfg)
		redisEnrs, eerr := store.NewRedisEnrollmentStore(redisCfg)
		if derr != nil || eerr != nil {
			err := derr
			if err == nil {
				err = eerr
			}
			logger.Error("failed to connect to Redis, falling back to memory store", "error", err)
			defs = store.NewMemoryDefinitionStore()
			enrs = store.NewMemoryEnrollmentStore(&store.Config{
				AttemptMaxLen: cfg.AttemptMaxLen,
				TTL:           cfg.StoreTTL,
			})
		} else {
			defs = redisDefs
			enrs = redisEnrs
			logger.Info("using Redis store", slog.String("url", cfg.RedisURL))
		}
	default:
		defs = store.NewMemoryDefinitionStore()
		enrs = store.NewMemoryEnrollmentStore(&store.Config{
			AttemptMaxLen: cfg.AttemptMaxLen,
			TTL:           cfg.StoreTTL,
		})
		logger.Info("using in-memory store")
	}
	defer defs.Close()
	defer enrs.Close()

	// External interfaces
	ch := channel.NewHTTPChannel(channel.HTTPConfig{
		BaseURL:   cfg.ChannelURL,
		Timeout:   cfg.ChannelTimeout,
		RateRPS:   cfg.SendRateRPS,
		RateBurst: cfg.SendRateBurst,
	})
	dir := directory.NewHTTP(cfg.DirectoryURL, cfg.DirectoryTimeout)

	// Core engine
	triggers := trigger.NewEvaluator(defs, enrs, logger)
	exec := executor.New(ch, dir, enrs, executor.RetryPolicy{
		MaxRetries: cfg.MaxSendRetries,
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
	}, logger)

	schedCfg := &scheduler.Config{
		TickInterval:     cfg.TickInterval,
		BatchSize:        cfg.BatchSize,
		MaxParallelism:   cfg.MaxParallelism,
		LeaseTimeout:     cfg.LeaseTimeout,
		MaxStepsPerClaim: cfg.MaxStepsPerClaim,
	}
	sched := scheduler.New(defs, enrs, exec, triggers, schedCfg, logger)

	schedCtx, cancelSched := context.WithCancel(context.Background())
	sched.Start(schedCtx)

	logger.Info("scheduler initialized",
		slog.Duration("tick_interval", cfg.TickInterval),
		slog.Int("batch_size", cfg.BatchSize),
		slog.Int("max_parallelism", cfg.MaxParallelism),
	)

	// Initialize validator
	v, err := validator.New()
	if err != nil {
		logger.Error("failed to create validator", "error", err)
		os.Exit(1)
	}

	// Initialize API handlers
	handlers := api.NewHandlers(defs, enrs, triggers, v, cfg, logger)
	server := api.NewServer(handlers)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	// Stop advancing enrollments before closing the listener; in-flight
	// claims finish and release.
	cancelSched()
	sched.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
