package engine

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/dmitrymomot/authkit/core/plugin"
)

// Environments recognized by the engine, re-exported from the plugin contract.
const (
	EnvProduction  = plugin.EnvProduction
	EnvDevelopment = plugin.EnvDevelopment
	EnvTest        = plugin.EnvTest
)

// Config holds engine-level settings. Designed for environment-based loading
// with caarlos0/env; plugins carry their own configs.
type Config struct {
	Environment string `env:"AUTHKIT_ENV" envDefault:"development"`

	// Session policy
	SessionTTL    time.Duration `env:"AUTHKIT_SESSION_TTL" envDefault:"24h"`
	RefreshWindow time.Duration `env:"AUTHKIT_SESSION_REFRESH_WINDOW" envDefault:"1h"`

	// Token policy
	UseJWT              bool          `env:"AUTHKIT_SESSION_JWT" envDefault:"false"`
	Issuer              string        `env:"AUTHKIT_ISSUER" envDefault:"authkit"`
	Audience            string        `env:"AUTHKIT_AUDIENCE" envDefault:"authkit"`
	KeyRotationInterval time.Duration `env:"AUTHKIT_KEY_ROTATION_INTERVAL" envDefault:"720h"`
	KeyGracePeriod      time.Duration `env:"AUTHKIT_KEY_GRACE_PERIOD" envDefault:"168h"`
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() Config {
	return Config{
		Environment:         EnvDevelopment,
		SessionTTL:          24 * time.Hour,
		RefreshWindow:       time.Hour,
		Issuer:              "authkit",
		Audience:            "authkit",
		KeyRotationInterval: 30 * 24 * time.Hour,
		KeyGracePeriod:      7 * 24 * time.Hour,
	}
}

// LoadConfig reads the engine configuration from AUTHKIT_* environment
// variables, falling back to the tag defaults.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %s", ErrInvalidConfig, err)
	}
	return cfg, nil
}

const maxSessionTTL = 30 * 24 * time.Hour

// validate fails fast at construction; configuration problems never surface
// at runtime.
func (c Config) validate() error {
	if c.SessionTTL <= 0 {
		return fmt.Errorf("%w: session ttl must be positive", ErrInvalidConfig)
	}
	if c.SessionTTL > maxSessionTTL {
		return fmt.Errorf("%w: session ttl exceeds 30 days", ErrInvalidConfig)
	}
	if c.RefreshWindow < 0 || c.RefreshWindow >= c.SessionTTL {
		return fmt.Errorf("%w: refresh window must be shorter than session ttl", ErrInvalidConfig)
	}
	if c.UseJWT {
		if c.Issuer == "" || c.Audience == "" {
			return fmt.Errorf("%w: jwt sessions require issuer and audience", ErrInvalidConfig)
		}
		if c.KeyRotationInterval <= 0 || c.KeyGracePeriod <= 0 {
			return fmt.Errorf("%w: jwt sessions require positive rotation interval and grace period", ErrInvalidConfig)
		}
	}
	return nil
}
