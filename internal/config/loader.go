package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Overrides are read from KERNEL_* environment variables and win over the
// file. Zero values leave the file setting untouched.
type Overrides struct {
	LogLevel        string        `env:"KERNEL_LOG_LEVEL"`
	LogFormat       string        `env:"KERNEL_LOG_FORMAT"`
	HTTPAddr        string        `env:"KERNEL_HTTP_ADDR"`
	PoolSize        int           `env:"KERNEL_POOL_SIZE"`
	JournalSize     int           `env:"KERNEL_JOURNAL_SIZE"`
	StartupTimeout  time.Duration `env:"KERNEL_STARTUP_TIMEOUT"`
	ShutdownTimeout time.Duration `env:"KERNEL_SHUTDOWN_TIMEOUT"`
}

// Load reads the configuration file at path, applies KERNEL_* overrides and
// defaults, and validates the result. The format follows the extension:
// .yaml/.yml, .json or .toml.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("empty config path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data in the format named by ext. Defaults are not applied.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch ext = strings.ToLower(ext); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported config extension: %q", ext)
	}
	return &cfg, nil
}

// ApplyEnv overlays KERNEL_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	var o Overrides
	if err := envdecode.Decode(&o); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("decode environment: %w", err)
	}

	if o.LogLevel != "" {
		c.Log.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		c.Log.Format = o.LogFormat
	}
	if o.HTTPAddr != "" {
		c.HTTP.Addr = o.HTTPAddr
	}
	if o.PoolSize > 0 {
		c.Engine.PoolSize = o.PoolSize
	}
	if o.JournalSize > 0 {
		c.Engine.JournalSize = o.JournalSize
	}
	if o.StartupTimeout > 0 {
		c.Engine.StartupTimeout = Duration(o.StartupTimeout)
	}
	if o.ShutdownTimeout > 0 {
		c.Engine.ShutdownTimeout = Duration(o.ShutdownTimeout)
	}
	return nil
}

// LoadEnvFiles loads .env style files into the process environment without
// overwriting variables that are already set. Missing files are skipped.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	return nil
}
