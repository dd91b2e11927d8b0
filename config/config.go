package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration.
type Config struct {
	ServerPort    string        `mapstructure:"SERVER_PORT"`
	DBPath        string        `mapstructure:"DB_PATH"`
	AuthSecret    string        `mapstructure:"AUTH_SECRET"`
	StaticDir     string        `mapstructure:"STATIC_DIR"`
	BoardFile     string        `mapstructure:"BOARD_FILE"`
	LogLevel      string        `mapstructure:"LOG_LEVEL"`
	LogFormat     string        `mapstructure:"LOG_FORMAT"`
	ForceInterval time.Duration `mapstructure:"FORCE_INTERVAL"`
}

var defaults = map[string]any{
	"SERVER_PORT":    ":3000",
	"DB_PATH":        "./dotracing.db",
	"AUTH_SECRET":    "",
	"STATIC_DIR":     "./public",
	"BOARD_FILE":     "",
	"LOG_LEVEL":      "info",
	"LOG_FORMAT":     "text",
	"FORCE_INTERVAL": "60ms",
}

// Load reads a .env file from dir (optional), then the environment, over the defaults.
func Load(dir string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.AddConfigPath(dir)
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	return &cfg, nil
}

// Logger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) Logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
