// Package config loads application configuration from environment
// variables.  A .env file in the working directory is read first when
// present.
package config

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreMySQL  = "mysql"
	StoreMemory = "memory"
)

// Config holds all runtime configuration values.  Each field corresponds
// to an environment variable.
type Config struct {
	Env            string `env:"APP_ENV" env-required:"true"`             // local, dev or prod
	Port           string `env:"APP_PORT" env-required:"true"`            // HTTP port to listen on
	IdentitySecret string `env:"IDENTITY_JWT_SECRET" env-required:"true"` // HS256 secret of the identity provider

	Store     string `env:"STORE" env-default:"mysql"`
	DB        DBConfig
	Media     MediaConfig
	Room      RoomConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig

	RabbitURL string `env:"RABBITMQ_URL"` // lifecycle events are disabled when empty
	AuditLog  string `env:"LIFECYCLE_AUDIT_LOG" env-default:"logs/lifecycle.log"`
}

// DBConfig are the MySQL DSN parts.
type DBConfig struct {
	User    string `env:"DB_USER"`
	Pass    string `env:"DB_PASS"`
	Host    string `env:"DB_HOST" env-default:"127.0.0.1"`
	Port    string `env:"DB_PORT" env-default:"3306"`
	Name    string `env:"DB_NAME"`
	Migrate bool   `env:"DB_MIGRATE" env-default:"false"`
}

// MediaConfig carries the media provider's signing credentials.  Both
// are optional here; the token issuer refuses to start without them.
type MediaConfig struct {
	AppID       string        `env:"MEDIA_APP_ID"`
	Certificate string        `env:"MEDIA_APP_CERTIFICATE"`
	TokenTTL    time.Duration `env:"MEDIA_TOKEN_TTL" env-default:"24h"`
}

// RoomConfig tunes the realtime room coordinator.
type RoomConfig struct {
	TypingTTL    time.Duration `env:"ROOM_TYPING_TTL" env-default:"3s"`
	HistoryLimit int           `env:"ROOM_HISTORY_LIMIT" env-default:"100"`
	SendBuffer   int           `env:"ROOM_SEND_BUFFER" env-default:"64"`
}

// Load reads the environment into a Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.RateLimit.normalize()
	return &cfg, nil
}

// MustLoad is Load that exits the process on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}

func (c *Config) validate() error {
	if c.Env == "" || c.Port == "" || c.IdentitySecret == "" {
		return errors.New("APP_ENV, APP_PORT and IDENTITY_JWT_SECRET must not be empty")
	}
	switch c.Store {
	case StoreMemory:
	case StoreMySQL:
		if c.DB.User == "" || c.DB.Name == "" {
			return errors.New("DB_USER and DB_NAME are required when STORE=mysql")
		}
	default:
		return fmt.Errorf("unknown STORE %q", c.Store)
	}
	if c.Room.HistoryLimit < 1 {
		return fmt.Errorf("ROOM_HISTORY_LIMIT must be positive, got %d", c.Room.HistoryLimit)
	}
	return nil
}
