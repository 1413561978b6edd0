// Package config loads the kernel configuration: engine settings, logging,
// the admin listener and the list of service descriptors to load at startup.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Duration is a time.Duration that decodes from strings such as "250ms" in
// YAML, JSON and TOML.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the top-level kernel configuration.
type Config struct {
	Engine   EngineConfig        `json:"engine" yaml:"engine" toml:"engine"`
	Log      LogConfig           `json:"log" yaml:"log" toml:"log"`
	HTTP     HTTPConfig          `json:"http" yaml:"http" toml:"http"`
	Services []ServiceDescriptor `json:"services" yaml:"services" toml:"services"`

	// Settings is global and opaque to the kernel.
	Settings map[string]any `json:"settings,omitempty" yaml:"settings,omitempty" toml:"settings,omitempty"`
}

// EngineConfig configures the engine and its worker pool.
type EngineConfig struct {
	PoolSize        int      `json:"pool_size" yaml:"pool_size" toml:"pool_size"`
	JournalSize     int      `json:"journal_size" yaml:"journal_size" toml:"journal_size"`
	StartupTimeout  Duration `json:"startup_timeout" yaml:"startup_timeout" toml:"startup_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" toml:"shutdown_timeout"`

	// Trigger budget for publishers whose descriptor sets none. A zero rate
	// means unlimited.
	DefaultTriggerRate  float64 `json:"default_trigger_rate" yaml:"default_trigger_rate" toml:"default_trigger_rate"`
	DefaultTriggerBurst int     `json:"default_trigger_burst" yaml:"default_trigger_burst" toml:"default_trigger_burst"`

	MetricsNamespace string `json:"metrics_namespace" yaml:"metrics_namespace" toml:"metrics_namespace"`
}

// LogConfig configures pkg/logger.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`
	Format string `json:"format" yaml:"format" toml:"format"`
}

// HTTPConfig configures the admin listener. An empty Addr disables it.
type HTTPConfig struct {
	Addr string `json:"addr" yaml:"addr" toml:"addr"`
}

// Default returns a configuration with every default applied and no services.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Engine.JournalSize <= 0 {
		c.Engine.JournalSize = 1000
	}
	if c.Engine.StartupTimeout <= 0 {
		c.Engine.StartupTimeout = Duration(30 * time.Second)
	}
	if c.Engine.ShutdownTimeout <= 0 {
		c.Engine.ShutdownTimeout = Duration(10 * time.Second)
	}
	if c.Engine.MetricsNamespace == "" {
		c.Engine.MetricsNamespace = "kernel"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	for i := range c.Services {
		c.Services[i].applyDefaults()
	}
}

// Validate checks the configuration. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Engine.PoolSize < 0 {
		errs = append(errs, fmt.Errorf("engine.pool_size must not be negative"))
	}
	if c.Engine.DefaultTriggerRate < 0 {
		errs = append(errs, fmt.Errorf("engine.default_trigger_rate must not be negative"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}

	seen := make(map[string]bool, len(c.Services))
	for i := range c.Services {
		d := &c.Services[i]
		if err := d.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("services[%d]: %w", i, err))
			continue
		}
		if seen[d.Name] {
			errs = append(errs, fmt.Errorf("services[%d]: duplicate service name %q", i, d.Name))
		}
		seen[d.Name] = true
	}

	return errors.Join(errs...)
}
