package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DownloadDir   string `envconfig:"DOWNLOAD_DIR" required:"true"`
	DBPath        string `envconfig:"DB_PATH" default:"isoforge.db"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"INFO"`
	MaxConcurrent int    `envconfig:"MAX_CONCURRENT" default:"3"`

	// SpeedWindow is the sliding window used to smooth transfer speed samples.
	SpeedWindow time.Duration `envconfig:"SPEED_WINDOW" default:"4s"`
	// BroadcastInterval caps how often progress snapshots are pushed per download.
	// State transitions are always pushed immediately.
	BroadcastInterval time.Duration `envconfig:"BROADCAST_INTERVAL" default:"300ms"`

	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	PartialMaxAge   time.Duration `envconfig:"PARTIAL_MAX_AGE" default:"24h"`

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"isoforge"`
		ServiceVersion string `split_words:"true" default:"dev"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
