package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const minSigningKeyLen = 32

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string        `env:"APP_NAME" envDefault:"AuthGateway"`
	AppEnv         string        `env:"APP_ENV" envDefault:"development"`
	Port           string        `env:"PORT" envDefault:"8080"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseURL    string        `env:"DATABASE_URL,required"`
	RedisURL       string        `env:"REDIS_URL"`
	RunMigrations  bool          `env:"RUN_MIGRATIONS" envDefault:"true"`
	ShutdownPeriod time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	IdempotencyTTL time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`
	LoginPerMinute int           `env:"LOGIN_ATTEMPTS_PER_MINUTE" envDefault:"5"`

	AccessTokenTTL     time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"30m"`
	SessionIssuer      string        `env:"SESSION_ISSUER" envDefault:"authgate"`
	SessionKeyID       string        `env:"SESSION_KEY_ID,required"`
	SessionSigningKey  string        `env:"SESSION_SIGNING_KEY,required,unset"`
	SessionRetiredKeys string        `env:"SESSION_RETIRED_KEYS,unset"`
	SessionKeyGrace    time.Duration `env:"SESSION_KEY_GRACE" envDefault:"30m"`

	GoogleClientID    string        `env:"GOOGLE_CLIENT_ID,required"`
	GoogleIssuerURL   string        `env:"GOOGLE_ISSUER_URL" envDefault:"https://accounts.google.com"`
	GoogleJWKSURL     string        `env:"GOOGLE_JWKS_URL"`
	GoogleIssuers     []string      `env:"GOOGLE_ALLOWED_ISSUERS" envSeparator:"," envDefault:"accounts.google.com,https://accounts.google.com"`
	GoogleMaxTokenAge time.Duration `env:"GOOGLE_MAX_TOKEN_AGE" envDefault:"24h"`
	GoogleKeyRefresh  time.Duration `env:"GOOGLE_KEY_REFRESH_INTERVAL" envDefault:"1h"`
	ProviderTimeout   time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"5s"`
	StorageTimeout    time.Duration `env:"STORAGE_TIMEOUT" envDefault:"5s"`
	ConflictRetries   int           `env:"CONFLICT_RETRIES" envDefault:"3"`
	BcryptCost        int           `env:"BCRYPT_COST" envDefault:"10"`
	PhonePattern      string        `env:"PHONE_PATTERN" envDefault:"^250\\d{9}$"`
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings that would weaken or disable verification.
func (c Config) Validate() error {
	if len(c.SessionSigningKey) < minSigningKeyLen {
		return fmt.Errorf("SESSION_SIGNING_KEY must be at least %d bytes", minSigningKeyLen)
	}
	if strings.TrimSpace(c.GoogleClientID) == "" {
		return fmt.Errorf("GOOGLE_CLIENT_ID must be set")
	}
	if len(c.GoogleIssuers) == 0 {
		return fmt.Errorf("GOOGLE_ALLOWED_ISSUERS must not be empty")
	}
	if c.GoogleJWKSURL == "" && c.GoogleIssuerURL == "" {
		return fmt.Errorf("one of GOOGLE_JWKS_URL or GOOGLE_ISSUER_URL must be set")
	}
	if c.AccessTokenTTL <= 0 {
		return fmt.Errorf("ACCESS_TOKEN_TTL must be positive")
	}
	if c.ProviderTimeout <= 0 || c.StorageTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT and STORAGE_TIMEOUT must be positive")
	}
	if c.ConflictRetries < 1 {
		return fmt.Errorf("CONFLICT_RETRIES must be at least 1")
	}
	return nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// IsDev reports whether the process runs in a local development environment.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local":
		return true
	default:
		return false
	}
}
