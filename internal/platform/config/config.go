package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// RedisURL is optional; when empty the mood snapshot store is in-memory only.
	RedisURL string `env:"REDIS_URL"`

	// Cache tuning
	CacheDefaultTTL    time.Duration `env:"CACHE_DEFAULT_TTL" default:"60s"`
	CacheSweepInterval time.Duration `env:"CACHE_SWEEP_INTERVAL" default:"1m"`

	// Broadcaster tuning
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" default:"30s"`
	// AllowedMissedProbes is the number of unacknowledged heartbeat intervals a
	// client survives before termination. 1 drops the client on the first
	// unacknowledged interval.
	AllowedMissedProbes int `env:"ALLOWED_MISSED_PROBES" default:"1"`
	MaxClients          int `env:"MAX_CLIENTS" default:"10000"`

	// Price polling
	PricePollInterval time.Duration `env:"PRICE_POLL_INTERVAL" default:"30s"`
	PriceSymbols      string        `env:"PRICE_SYMBOLS" default:"bitcoin,ethereum,solana"`
	PriceAPIBaseURL   string        `env:"PRICE_API_BASE_URL" default:"https://api.coingecko.com/api/v3"`

	// Mood engine
	MoodHistoryCap int `env:"MOOD_HISTORY_CAP" default:"50"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	positive := []struct {
		name  string
		value time.Duration
	}{
		{"CACHE_DEFAULT_TTL", cfg.CacheDefaultTTL},
		{"CACHE_SWEEP_INTERVAL", cfg.CacheSweepInterval},
		{"HEARTBEAT_INTERVAL", cfg.HeartbeatInterval},
		{"PRICE_POLL_INTERVAL", cfg.PricePollInterval},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %v", p.name, p.value)
		}
	}

	if cfg.AllowedMissedProbes < 1 {
		return fmt.Errorf("ALLOWED_MISSED_PROBES must be at least 1, got %d", cfg.AllowedMissedProbes)
	}
	if cfg.MaxClients < 1 {
		return fmt.Errorf("MAX_CLIENTS must be at least 1, got %d", cfg.MaxClients)
	}
	if cfg.MoodHistoryCap < 1 {
		return fmt.Errorf("MOOD_HISTORY_CAP must be at least 1, got %d", cfg.MoodHistoryCap)
	}
	if len(cfg.Symbols()) == 0 {
		return fmt.Errorf("PRICE_SYMBOLS must name at least one symbol")
	}
	return nil
}

// Symbols splits the comma-separated PRICE_SYMBOLS value, dropping empty items.
func (c *Config) Symbols() []string {
	parts := strings.Split(c.PriceSymbols, ",")
	symbols := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			symbols = append(symbols, s)
		}
	}
	return symbols
}
