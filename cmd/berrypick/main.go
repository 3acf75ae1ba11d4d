// Berrypick - payment benefit recommendation and settlement service.
// Copyright (c) 2025 berryselect
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"

	"github.com/berryselect/berrypick/internal/api"
	"github.com/berryselect/berrypick/internal/bus"
	"github.com/berryselect/berrypick/internal/cache"
	"github.com/berryselect/berrypick/internal/domain"
	"github.com/berryselect/berrypick/internal/ranking"
	"github.com/berryselect/berrypick/internal/repository"
	"github.com/berryselect/berrypick/internal/rules"
	"github.com/berryselect/berrypick/internal/session"
	"github.com/berryselect/berrypick/internal/settlement"
	"github.com/berryselect/berrypick/internal/usage"
	"github.com/berryselect/berrypick/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// A missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting berrypick",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"time_zone", cfg.Benefits.TimeZone,
		"auth", authMode(cfg.Auth),
	)
	if cfg.Auth.AdminToken == "" && cfg.Auth.JWTSecret == "" {
		slog.Warn("rule administration is closed: set ADMIN_TOKEN or JWT_SECRET")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	conditions, err := rules.NewConditions()
	if err != nil {
		slog.Error("failed to initialize condition environment", "error", err)
		os.Exit(1)
	}

	loc := cfg.Benefits.Location()
	source := rules.NewCachedSource(repo, cacheImpl, cfg.Cache.RuleTTL)
	evaluator := rules.NewEvaluator(source, usage.NewService(repo), conditions)
	ranker := ranking.NewRanker(evaluator, cfg.Benefits.MaxWorkers)

	sessions := session.NewService(repo, ranker, busImpl, loc)
	settler := settlement.NewService(repo, sessions, busImpl, loc, cfg.Benefits.Currency)

	bg := worker.NewWorker(busImpl, source)
	if err := bg.Start(); err != nil {
		slog.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	var tokens *api.TokenService
	if cfg.Auth.JWTSecret != "" {
		tokens = api.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:       repo,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Sessions:   sessions,
		Settlement: settler,
		Conditions: conditions,
		Worker:     bg,
		Tokens:     tokens,
		AdminToken: cfg.Auth.AdminToken,
		Version:    Version,
	})

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			cancel()
		}
	}()

	slog.Info("berrypick is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	if err := bg.Stop(); err != nil {
		slog.Error("failed to stop worker", "error", err)
	}

	slog.Info("berrypick shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func authMode(cfg domain.AuthConfig) string {
	if cfg.JWTSecret != "" {
		return "jwt"
	}
	return "gateway-header"
}
