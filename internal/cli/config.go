package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/prompt-batch/internal/bundle"
	"github.com/ChuLiYu/prompt-batch/internal/imagegen"
	"github.com/ChuLiYu/prompt-batch/internal/journal"
	"github.com/ChuLiYu/prompt-batch/internal/retry"
	"github.com/ChuLiYu/prompt-batch/internal/scheduler"
	"github.com/ChuLiYu/prompt-batch/internal/server"
	"github.com/ChuLiYu/prompt-batch/pkg/types"
)

// TokenEnv overrides generation.token
const TokenEnv = "PROMPTBATCH_TOKEN"

// Config represents the complete configuration
// Maps config file fields through YAML tags
type Config struct {
	Generation struct {
		BaseURL      string                `yaml:"base_url" validate:"required,url"`
		GeneratePath string                `yaml:"generate_path" validate:"required,startswith=/"`
		Token        string                `yaml:"token"`
		Timeout      time.Duration         `yaml:"timeout" validate:"gte=0"`
		RateLimit    int                   `yaml:"rate_limit" validate:"gte=0"`
		Options      types.GenerateOptions `yaml:"options"`
	} `yaml:"generation"`

	Scheduler struct {
		WindowSize  int            `yaml:"window_size" validate:"min=1"`
		ItemTimeout time.Duration  `yaml:"item_timeout" validate:"gte=0"`
		Mode        scheduler.Mode `yaml:"mode" validate:"omitempty,oneof=per_item per_window"`
		Retry       retry.Policy   `yaml:"retry"`
	} `yaml:"scheduler"`

	Bundle bundle.Config `yaml:"bundle"`

	Storage struct {
		Dir         string `yaml:"dir"`
		Journal     string `yaml:"journal"`
		Manifest    string `yaml:"manifest"`
		Sync        bool   `yaml:"sync"`
		KeepBackups int    `yaml:"keep_backups" validate:"gte=0"`
	} `yaml:"storage"`

	Server server.Config `yaml:"server"`

	Log struct {
		Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
		Format string `yaml:"format" validate:"omitempty,oneof=text json"`
	} `yaml:"log"`
}

// DefaultConfig returns the configuration used when no file exists
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Generation.BaseURL = imagegen.DefaultBaseURL
	cfg.Generation.GeneratePath = imagegen.DefaultGeneratePath
	cfg.Generation.Timeout = imagegen.DefaultTimeout
	cfg.Generation.RateLimit = imagegen.DefaultRateLimit
	cfg.Generation.Options = types.GenerateOptions{}.WithDefaults()

	cfg.Scheduler.WindowSize = 50
	cfg.Scheduler.ItemTimeout = 2 * time.Minute
	cfg.Scheduler.Mode = scheduler.ModePerItem
	cfg.Scheduler.Retry = retry.DefaultPolicy

	cfg.Bundle = bundle.DefaultConfig()

	cfg.Storage.Dir = "data"
	cfg.Storage.Journal = "run.journal"
	cfg.Storage.Manifest = "manifest.json"
	cfg.Storage.KeepBackups = journal.DefaultRetention

	cfg.Server.HTTPAddr = ":3000"
	cfg.Server.GRPCAddr = ":50051"
	cfg.Server.ShutdownTimeout = 10 * time.Second

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// loadConfig reads path over the defaults. A missing file yields the
// defaults. The token environment variable wins over the file.
func loadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		// defaults only
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if token := os.Getenv(TokenEnv); token != "" {
		cfg.Generation.Token = token
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// JournalPath returns the journal location, empty when disabled
func (c *Config) JournalPath() string {
	if c.Storage.Journal == "" {
		return ""
	}
	return filepath.Join(c.Storage.Dir, c.Storage.Journal)
}

// ManifestPath returns the manifest location, empty when disabled
func (c *Config) ManifestPath() string {
	if c.Storage.Manifest == "" {
		return ""
	}
	return filepath.Join(c.Storage.Dir, c.Storage.Manifest)
}

// newLogger builds the process logger from the log section
func newLogger(c *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
