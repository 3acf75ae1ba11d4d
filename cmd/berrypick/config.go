package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/berryselect/berrypick/internal/domain"
)

// loadConfig starts from the tier defaults and applies environment
// overrides. getenv is os.Getenv outside of tests.
func loadConfig(getenv func(string) string) (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if getenv("BERRYPICK_TIER") == string(domain.TierPro) {
		cfg = domain.ProConfig()
	}

	if v := getenv("BERRYPICK_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := getenv("BERRYPICK_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("BERRYPICK_PORT: invalid port %q", v)
		}
		cfg.Server.Port = port
	}

	if v := getenv("DATABASE_URL"); v != "" {
		cfg.Repository.DatabaseURL = v
		if cfg.Repository.Driver == "sqlite" {
			cfg.Repository.Driver = "pgx"
		}
	}
	if v := getenv("BERRYPICK_DB_DRIVER"); v != "" {
		switch v {
		case "sqlite", "postgres", "pgx":
			cfg.Repository.Driver = v
		default:
			return nil, fmt.Errorf("BERRYPICK_DB_DRIVER: unsupported driver %q", v)
		}
	}
	if v := getenv("BERRYPICK_SQLITE_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}

	if v := getenv("REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
		if cfg.Cache.Type == "memory" {
			cfg.Cache.Type = "redis"
			cfg.Cache.EnableTwoPhase = true
		}
	}
	cfg.Cache.RedisPassword = getenv("REDIS_PASSWORD")
	if v := getenv("BERRYPICK_RULE_CACHE_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("BERRYPICK_RULE_CACHE_TTL: %w", err)
		}
		cfg.Cache.RuleTTL = ttl
	}

	if v := getenv("NATS_URL"); v != "" {
		cfg.EventBus.Type = "nats"
		cfg.EventBus.NATSUrl = v
	}
	cfg.EventBus.NATSToken = getenv("NATS_TOKEN")

	if v := getenv("BERRYPICK_TZ"); v != "" {
		if _, err := time.LoadLocation(v); err != nil {
			return nil, fmt.Errorf("BERRYPICK_TZ: %w", err)
		}
		cfg.Benefits.TimeZone = v
	}
	if v := getenv("BERRYPICK_MAX_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("BERRYPICK_MAX_WORKERS: invalid value %q", v)
		}
		cfg.Benefits.MaxWorkers = n
	}
	if v := getenv("BERRYPICK_CURRENCY"); v != "" {
		cfg.Benefits.Currency = v
	}

	cfg.Auth.JWTSecret = getenv("JWT_SECRET")
	cfg.Auth.AdminToken = getenv("ADMIN_TOKEN")
	if v := getenv("JWT_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("JWT_TTL: %w", err)
		}
		cfg.Auth.TokenTTL = ttl
	}

	if getenv("BERRYPICK_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}
	if v := getenv("BERRYPICK_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	return cfg, nil
}
