// Package config loads fetch client configuration from defaults, an
// optional YAML file, and environment variables, in increasing priority.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	env "github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/fetchkit/fetchkit/fetch"
)

const (
	// DefaultFile is the optional YAML configuration file name
	DefaultFile = "fetchkit.yaml"

	// envPrefix namespaces the environment variables read by Load
	envPrefix = "FETCHKIT_"
)

// Config is the root configuration structure
type Config struct {
	Fetch FetchConfig `koanf:"fetch"`
	Log   LogConfig   `koanf:"log"`
}

// FetchConfig configures the retry/timeout behavior of the fetch client
type FetchConfig struct {
	Timeout    time.Duration `koanf:"timeout" validate:"gt=0"`
	MaxRetries int           `koanf:"maxretries" validate:"gte=0"`
	RetryDelay time.Duration `koanf:"retrydelay" validate:"gte=0"`
	Verbose    bool          `koanf:"verbose"`
}

// LogConfig configures the structured logger
type LogConfig struct {
	Level  string `koanf:"level" validate:"required"`
	Pretty bool   `koanf:"pretty"`
}

// Load loads configuration from multiple sources with priority:
// 1. Environment variables (highest priority)
// 2. The optional fetchkit.yaml file
// 3. Default values (lowest priority)
func Load() (*Config, error) {
	return LoadFrom(DefaultFile)
}

// LoadFrom behaves like Load but reads the YAML file at path. The file is
// optional; a missing file is not an error.
func LoadFrom(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// YAML file is optional
	if path != "" {
		_ = k.Load(file.Provider(path), yaml.Parser())
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			// FETCHKIT_FETCH_MAXRETRIES -> fetch.maxretries
			key = strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, envPrefix)), "_", ".")
			return key, value
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func loadDefaults(k *koanf.Koanf) error {
	defaults := map[string]any{
		"fetch.timeout":    fetch.DefaultTimeout.String(),
		"fetch.maxretries": fetch.DefaultMaxRetries,
		"fetch.retrydelay": fetch.DefaultRetryDelay.String(),
		"fetch.verbose":    false,

		"log.level":  "info",
		"log.pretty": false,
	}

	return k.Load(confmap.Provider(defaults, "."), nil)
}

// FetchConfig converts the loaded configuration into the fetch package's
// per-client configuration.
func (c *Config) FetchConfig() *fetch.Config {
	return &fetch.Config{
		Timeout:    c.Fetch.Timeout,
		MaxRetries: c.Fetch.MaxRetries,
		RetryDelay: c.Fetch.RetryDelay,
		Verbose:    c.Fetch.Verbose,
	}
}
