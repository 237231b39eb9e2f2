package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
)

type config struct {
	Addr            string        `env:"EVENTRELAY_ADDR" envDefault:":8080"`
	StoreDSN        string        `env:"EVENTRELAY_STORE_DSN"`
	BackendProfile  string        `env:"EVENTRELAY_BACKEND_PROFILE"`
	DataDir         string        `env:"EVENTRELAY_DATA_DIR" envDefault:".eventrelay"`
	PostgresDSN     string        `env:"EVENTRELAY_POSTGRES_DSN"`
	SessionSecret   string        `env:"EVENTRELAY_SESSION_SECRET"`
	MaxBodyBytes    int64         `env:"EVENTRELAY_MAX_BODY_BYTES" envDefault:"1048576"`
	RateLimitMax    int           `env:"EVENTRELAY_RATE_LIMIT_MAX" envDefault:"0"`
	RateLimitWindow time.Duration `env:"EVENTRELAY_RATE_LIMIT_WINDOW" envDefault:"1m"`
	ShutdownTimeout time.Duration `env:"EVENTRELAY_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	DiscordToken    string        `env:"DISCORD_TOKEN"`
	LogLevel        string        `env:"EVENTRELAY_LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"EVENTRELAY_LOG_FORMAT" envDefault:"json"`
}

func loadConfig() (config, error) {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

// validate rejects combinations that would start an insecure server. The
// development session secret is only acceptable without a chat platform,
// since session tokens are then never issued.
func (c config) validate() error {
	if strings.TrimSpace(c.DiscordToken) != "" && strings.TrimSpace(c.SessionSecret) == "" {
		return errors.New("EVENTRELAY_SESSION_SECRET is required when DISCORD_TOKEN is set")
	}
	return nil
}

// storeDSN picks the store location: an explicit DSN wins, otherwise the
// backend profile decides.
func (c config) storeDSN() (string, error) {
	if dsn := strings.TrimSpace(c.StoreDSN); dsn != "" {
		return dsn, nil
	}
	profile := strings.ToLower(strings.TrimSpace(c.BackendProfile))
	switch profile {
	case "", "memory", "inmemory":
		return "memory://", nil
	case "custom":
		return "", fmt.Errorf("EVENTRELAY_STORE_DSN is required when EVENTRELAY_BACKEND_PROFILE=%s", profile)
	case "durable-local", "local-durable":
		dataDir := strings.TrimSpace(c.DataDir)
		if dataDir == "" {
			dataDir = ".eventrelay"
		}
		return "sqlite://" + filepath.Join(dataDir, "eventrelay.db"), nil
	case "production", "prod":
		if dsn := strings.TrimSpace(c.PostgresDSN); dsn != "" {
			return dsn, nil
		}
		return "", fmt.Errorf("EVENTRELAY_POSTGRES_DSN is required when EVENTRELAY_BACKEND_PROFILE=%s", profile)
	default:
		return "", fmt.Errorf("unsupported EVENTRELAY_BACKEND_PROFILE: %s", profile)
	}
}

func (c config) logLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.LogLevel)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}
