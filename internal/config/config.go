// Package config loads runtime settings from the environment and an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/nfrund/roomsync/internal/backend/surreal"
	"github.com/nfrund/roomsync/internal/pubsub"
)

// Backend names accepted by ROOMSYNC_BACKEND.
const (
	BackendMemory  = "memory"
	BackendBadger  = "badger"
	BackendSurreal = "surreal"
)

// Config holds all configuration for the application.
type Config struct {
	Room              string        `envconfig:"ROOMSYNC_ROOM" default:"main" validate:"required,max=64,excludesall=.*> "`
	Handle            string        `envconfig:"ROOMSYNC_HANDLE" validate:"omitempty,alphanum,max=64"`
	Backend           string        `envconfig:"ROOMSYNC_BACKEND" default:"memory" validate:"oneof=memory badger surreal"`
	PresenceTTL       time.Duration `envconfig:"ROOMSYNC_PRESENCE_TTL" default:"10s" validate:"gt=0"`
	TypingTTL         time.Duration `envconfig:"ROOMSYNC_TYPING_TTL" default:"3s" validate:"gt=0"`
	HeartbeatInterval time.Duration `envconfig:"ROOMSYNC_HEARTBEAT_INTERVAL" default:"2s" validate:"gt=0,ltfield=PresenceTTL"`
	ConfirmTimeout    time.Duration `envconfig:"ROOMSYNC_CONFIRM_TIMEOUT" default:"5s" validate:"gt=0"`
	MaxAttempts       int           `envconfig:"ROOMSYNC_MAX_ATTEMPTS" default:"5" validate:"min=1,max=20"`
	RetryBaseDelay    time.Duration `envconfig:"ROOMSYNC_RETRY_BASE_DELAY" default:"100ms" validate:"gt=0"`
	BadgerDir         string        `envconfig:"BADGER_DIR"`

	Surreal surreal.Config       `ignored:"true"`
	Tracing pubsub.TracingConfig `ignored:"true"`
}

// Load reads .env (if present) and the environment, then validates the
// result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	} else if err != nil {
		slog.Debug("No .env file found, relying on environment variables")
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	if err := envconfig.Process("", &cfg.Surreal); err != nil {
		return nil, fmt.Errorf("process surreal environment: %w", err)
	}
	if err := envconfig.Process("", &cfg.Tracing); err != nil {
		return nil, fmt.Errorf("process tracing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks value ranges and backend-specific requirements.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid configuration: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Backend == BackendSurreal && (c.Surreal.URL == "" || c.Surreal.Namespace == "" || c.Surreal.Database == "") {
		return errors.New("invalid configuration: SURREAL_URL, SURREAL_NS and SURREAL_DB are required for the surreal backend")
	}
	return nil
}
