package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Credential store backends
const (
	StoreFile   = "file"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config holds runtime configuration for the session companion.
type Config struct {
	Env      string `env:"ENV,default=development"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
	Port     string `env:"PORT,default=9879"`

	APIBaseURL     string        `env:"STOREFRONT_API_URL,default=http://localhost:4000"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT,default=15s"`
	AdminAPIKey    string        `env:"ADMIN_API_KEY"`

	CredentialStore string `env:"CREDENTIAL_STORE,default=file"`
	CredentialPath  string `env:"CREDENTIAL_PATH"`
	RedisAddr       string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisPassword   string `env:"REDIS_PASSWORD"`
	RedisDB         int    `env:"REDIS_DB,default=0"`
	RedisPrefix     string `env:"REDIS_PREFIX,default=storefront:session:"`

	ExpiryMargin              time.Duration `env:"TOKEN_EXPIRY_MARGIN,default=30s"`
	BackgroundRefreshInterval time.Duration `env:"BACKGROUND_REFRESH_INTERVAL,default=0s"`

	PollInterval    time.Duration `env:"ORDER_POLL_INTERVAL,default=20s"`
	PollTimeout     time.Duration `env:"ORDER_POLL_TIMEOUT,default=5m"`
	LookupRateLimit float64       `env:"ORDER_LOOKUP_RPS,default=2"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

// LoadFrom is like Load but reads from the given map instead of the process
// environment. Used by tests.
func LoadFrom(ctx context.Context, env map[string]string) (Config, error) {
	return load(ctx, envconfig.MapLookuper(env))
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c Config) Validate() error {
	switch c.CredentialStore {
	case StoreFile, StoreRedis, StoreMemory:
	default:
		return fmt.Errorf("unknown CREDENTIAL_STORE %q", c.CredentialStore)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("ORDER_POLL_INTERVAL must be positive")
	}
	if c.PollTimeout < c.PollInterval {
		return fmt.Errorf("ORDER_POLL_TIMEOUT (%s) must not be shorter than ORDER_POLL_INTERVAL (%s)", c.PollTimeout, c.PollInterval)
	}
	if c.ExpiryMargin < 0 {
		return fmt.Errorf("TOKEN_EXPIRY_MARGIN must not be negative")
	}
	return nil
}

// IsProduction reports whether the process runs outside a development env.
func (c Config) IsProduction() bool {
	switch c.Env {
	case "", "development", "dev":
		return false
	}
	return true
}

// ListenAddr returns the address to bind the local API to.
func (c Config) ListenAddr() string {
	if c.Port == "" {
		return ":9879"
	}
	if c.Port[0] == ':' {
		return c.Port
	}
	return ":" + c.Port
}
