// Package config loads seclink settings from defaults and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	goble "github.com/srg/seclink/internal/device/go-ble"
	"github.com/srg/seclink/pkg/link"
	"github.com/srg/seclink/pkg/session"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel       string        `yaml:"log_level" default:"info"`
	OutputFormat   string        `yaml:"output_format" default:"text"` // text, json
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"10s"`
	ReadTimeout    time.Duration `yaml:"read_timeout" default:"5s"`
	Retries        int           `yaml:"retries" default:"1"`
	MaxPending     int           `yaml:"max_pending" default:"0"`
	TraceSize      uint32        `yaml:"trace_size" default:"64"`

	// Hex encoded session keys; both or neither.
	OutboundKey string `yaml:"outbound_key"`
	InboundKey  string `yaml:"inbound_key"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.OutputFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported output format %q", c.OutputFormat)
	}
	if c.Retries < 0 {
		return errors.New("retries must not be negative")
	}
	if c.MaxPending < 0 {
		return errors.New("max_pending must not be negative")
	}
	if c.ConnectTimeout <= 0 || c.ReadTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if (c.OutboundKey == "") != (c.InboundKey == "") {
		return errors.New("outbound_key and inbound_key must be set together")
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// LinkOptions returns the transport settings.
func (c *Config) LinkOptions() *link.Options {
	return &link.Options{
		Retries:    c.Retries,
		MaxPending: c.MaxPending,
		TraceSize:  c.TraceSize,
	}
}

// DriverOptions returns the go-ble timeouts.
func (c *Config) DriverOptions() *goble.Options {
	return &goble.Options{
		ConnectTimeout: c.ConnectTimeout,
		ReadTimeout:    c.ReadTimeout,
	}
}

// SessionKeys parses the configured keys. ok is false when none are configured.
func (c *Config) SessionKeys() (keys session.Keys, ok bool, err error) {
	if c.OutboundKey == "" && c.InboundKey == "" {
		return session.Keys{}, false, nil
	}
	keys, err = session.ParseKeys(c.OutboundKey, c.InboundKey)
	if err != nil {
		return session.Keys{}, false, err
	}
	return keys, true, nil
}
