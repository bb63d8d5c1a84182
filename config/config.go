// Package config loads and validates the process configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	domainerrors "github.com/wasmCloud/krustlet-wasmcloud-provider/domain/errors"
)

// PortRange is the inclusive range HTTP ports are allocated from.
type PortRange struct {
	Min uint16 `yaml:"min" validate:"required"`
	Max uint16 `yaml:"max" validate:"required,gtefield=Min"`
}

// Config is the process configuration.
type Config struct {
	DataDir         string        `yaml:"data_dir" validate:"required"`
	HTTPBindAddress string        `yaml:"http_bind_address" validate:"required,ip"`
	LogLevel        string        `yaml:"log_level" validate:"required,oneof=debug info warn error"`
	LogFormat       string        `yaml:"log_format" validate:"required,oneof=text json"`
	PortRange       PortRange     `yaml:"port_range"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	MaxRequestSize  uint32        `yaml:"max_request_size" validate:"gt=0"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		DataDir:         filepath.Join(os.Getenv("HOME"), ".krustlet", "wasmcloud"),
		HTTPBindAddress: "0.0.0.0",
		LogLevel:        "info",
		LogFormat:       "text",
		PortRange:       PortRange{Min: 30000, Max: 32767},
		ShutdownTimeout: 10 * time.Second,
		MaxRequestSize:  1 << 20,
	}
}

// Option overrides a configuration value after the file is read.
type Option func(*Config)

// WithDataDir sets the data directory.
func WithDataDir(dir string) Option {
	return func(c *Config) {
		c.DataDir = dir
	}
}

// WithLogLevel sets the log level.
func WithLogLevel(level string) Option {
	return func(c *Config) {
		c.LogLevel = level
	}
}

// WithPortRange sets the HTTP port range.
func WithPortRange(min, max uint16) Option {
	return func(c *Config) {
		c.PortRange = PortRange{Min: min, Max: max}
	}
}

// WithHTTPBindAddress sets the address HTTP listeners bind to.
func WithHTTPBindAddress(addr string) Option {
	return func(c *Config) {
		c.HTTPBindAddress = addr
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Parse reads YAML over the defaults, applies opts and validates.
func Parse(data []byte, opts ...Option) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, &domainerrors.ConfigError{Field: "config", Err: err}
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads the file at path. An empty path means defaults only.
func Load(path string, opts ...Option) (Config, error) {
	if path == "" {
		return Parse(nil, opts...)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data, opts...)
}

// Validate checks the struct tags.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		field := "config"
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			field = verrs[0].Namespace()
		}
		return &domainerrors.ConfigError{Field: field, Err: err}
	}
	return nil
}

// LogDir is the root of the workload log directories.
func (c Config) LogDir() string {
	return filepath.Join(c.DataDir, "wasmcloud-logs")
}

// VolumeDir is the root of workload volumes.
func (c Config) VolumeDir() string {
	return filepath.Join(c.DataDir, "volumes")
}

// Level maps LogLevel to a slog level.
func (c Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Handler builds the slog handler the configuration asks for.
func (c Config) Handler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.Level()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
