package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// HTTP
	Port      string `env:"PORT" envDefault:"8080"`
	JWTSecret string `env:"JWT_SECRET,required"`

	// Storage
	AuthDBPath  string `env:"AUTH_DB_PATH" envDefault:"./data/auth.db"`
	StoreDBPath string `env:"STORE_DB_PATH" envDefault:"./data/mirror.db"`

	// Google OAuth
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID,required"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET,required"`
	GoogleRedirectURL  string `env:"GOOGLE_REDIRECT_URL" envDefault:"http://localhost:8080/api/auth/google/callback"`

	// Mail provider: "google" or "microsoft"
	Provider string `env:"MAIL_PROVIDER" envDefault:"google"`

	// Sync
	SyncInterval    time.Duration `env:"SYNC_INTERVAL" envDefault:"30s"`
	SyncPageSize    int64         `env:"SYNC_PAGE_SIZE" envDefault:"100"`
	SyncMaxMessages int           `env:"SYNC_MAX_MESSAGES" envDefault:"500"`

	// Events (optional; outbox dispatch is disabled when unset)
	NATSURL string `env:"NATS_URL"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// EventsEnabled returns true if the NATS event dispatcher is configured
func (c *Config) EventsEnabled() bool {
	return c.NATSURL != ""
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Provider != "google" && cfg.Provider != "microsoft" {
		return nil, fmt.Errorf("unsupported MAIL_PROVIDER %q", cfg.Provider)
	}

	return cfg, nil
}
