// Package config loads and validates the republisher's JSON configuration.
// Every section has defaults suitable for local development; a missing file
// is not an error when defaults are acceptable.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tessel-la/robo-boy/errors"
	"github.com/tessel-la/robo-boy/input/transform"
	"github.com/tessel-la/robo-boy/output/natsmirror"
	"github.com/tessel-la/robo-boy/output/websocket"
	"github.com/tessel-la/robo-boy/scheduler"
	"github.com/tessel-la/robo-boy/tfgraph"
)

// NATSConfig describes the upstream NATS connection.
type NATSConfig struct {
	URL           string `json:"url"`
	Name          string `json:"name"`
	MaxReconnects int    `json:"max_reconnects"`
}

// StoreConfig tunes the transform graph store. Durations are carried as
// milliseconds in JSON.
type StoreConfig struct {
	HistoryDepth       int   `json:"history_depth"`
	MaxExtrapolationMs int64 `json:"max_extrapolation_ms"`
}

// ToStoreConfig converts to the tfgraph representation.
func (c StoreConfig) ToStoreConfig() tfgraph.StoreConfig {
	return tfgraph.StoreConfig{
		HistoryDepth:     c.HistoryDepth,
		MaxExtrapolation: time.Duration(c.MaxExtrapolationMs) * time.Millisecond,
	}
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// MirrorConfig controls the NATS republish mirror.
type MirrorConfig struct {
	Enabled       bool   `json:"enabled"`
	SubjectPrefix string `json:"subject_prefix"`
}

// Config is the root configuration for the republisher process.
type Config struct {
	LogLevel  string           `json:"log_level"`
	NATS      NATSConfig       `json:"nats"`
	Store     StoreConfig      `json:"store"`
	Input     transform.Config `json:"input"`
	Scheduler scheduler.Config `json:"scheduler"`
	WebSocket websocket.Config `json:"websocket"`
	Mirror    MirrorConfig     `json:"mirror"`
	Metrics   MetricsConfig    `json:"metrics"`
}

// DefaultConfig returns the full default configuration.
func DefaultConfig() Config {
	storeDefaults := tfgraph.DefaultStoreConfig()
	return Config{
		LogLevel: "info",
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Name:          "tfrepublisher",
			MaxReconnects: -1,
		},
		Store: StoreConfig{
			HistoryDepth:       storeDefaults.HistoryDepth,
			MaxExtrapolationMs: storeDefaults.MaxExtrapolation.Milliseconds(),
		},
		Input:     transform.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
		WebSocket: websocket.DefaultConfig(),
		Mirror: MirrorConfig{
			Enabled:       false,
			SubjectPrefix: natsmirror.DefaultSubjectPrefix,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// Load reads a JSON config file and overlays it on the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "config", "Load", "config file read")
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.WrapInvalid(err, "config", "Load", "config file parsing")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the whole configuration tree.
func (c Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("unknown log level %q", c.LogLevel),
			"config", "Validate", "log level validation")
	}
	if c.NATS.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"config", "Validate", "NATS URL validation")
	}
	if err := c.Store.ToStoreConfig().Validate(); err != nil {
		return errors.Wrap(err, "config", "Validate", "store section validation")
	}
	if err := c.Input.Validate(); err != nil {
		return errors.Wrap(err, "config", "Validate", "input section validation")
	}
	if err := c.Scheduler.Validate(); err != nil {
		return errors.Wrap(err, "config", "Validate", "scheduler section validation")
	}
	if err := c.WebSocket.Validate(); err != nil {
		return errors.Wrap(err, "config", "Validate", "websocket section validation")
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return errors.WrapInvalid(
			fmt.Errorf("invalid metrics port %d", c.Metrics.Port),
			"config", "Validate", "metrics section validation")
	}
	return nil
}
