// Package config loads engine settings from a YAML file, an optional .env
// file and MSGCORE_* environment variables, in that order of precedence
// (environment wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Backend names.
const (
	BackendMemory = "memory"
	BackendPebble = "pebble"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MSGCORE_"

// ErrInvalidConfig indicates a setting that cannot be used.
var ErrInvalidConfig = errors.New("invalid configuration")

// Duration is a time.Duration written as "90s" or "720h" in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("%w: duration %q: %v", ErrInvalidConfig, s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Retention configures the retention sweeps.
type Retention struct {
	Cron           string   `yaml:"cron"`
	PlaceholderTTL Duration `yaml:"placeholder_ttl"`
	DeferredTTL    Duration `yaml:"deferred_ttl"`
}

// Config holds every engine setting.
type Config struct {
	Backend         string    `yaml:"backend"`
	DataDir         string    `yaml:"data_dir"`
	OwnedIdentity   string    `yaml:"owned_identity"`
	LogLevel        string    `yaml:"log_level"`
	StrictContracts bool      `yaml:"strict_contracts"`
	ReceiptWorkers  int       `yaml:"receipt_workers"`
	Retention       Retention `yaml:"retention"`
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	return &Config{
		Backend:  BackendMemory,
		LogLevel: "info",
	}
}

// Load reads path (if non-empty), then envFile (if present), then the
// environment.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, err
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			logrus.WithFields(logrus.Fields{
				"function": "Load",
				"env_file": envFile,
				"error":    err.Error(),
			}).Warn("Failed to load env file")
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with MSGCORE_* variables.
func ApplyEnv(cfg *Config) error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("BACKEND", &cfg.Backend)
	str("DATA_DIR", &cfg.DataDir)
	str("OWNED_IDENTITY", &cfg.OwnedIdentity)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("RETENTION_CRON", &cfg.Retention.Cron)

	if v, ok := os.LookupEnv(EnvPrefix + "STRICT_CONTRACTS"); ok && v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %sSTRICT_CONTRACTS=%q", ErrInvalidConfig, EnvPrefix, v)
		}
		cfg.StrictContracts = b
	}
	if v, ok := os.LookupEnv(EnvPrefix + "RECEIPT_WORKERS"); ok && v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %sRECEIPT_WORKERS=%q", ErrInvalidConfig, EnvPrefix, v)
		}
		cfg.ReceiptWorkers = n
	}
	for name, dst := range map[string]*Duration{
		"RETENTION_PLACEHOLDER_TTL": &cfg.Retention.PlaceholderTTL,
		"RETENTION_DEFERRED_TTL":    &cfg.Retention.DeferredTTL,
	} {
		v, ok := os.LookupEnv(EnvPrefix + name)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q", ErrInvalidConfig, EnvPrefix, name, v)
		}
		*dst = Duration(d)
	}
	return nil
}

// Validate checks the settings.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendPebble:
		if c.DataDir == "" {
			return fmt.Errorf("%w: pebble backend requires data_dir", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.ReceiptWorkers < 0 {
		return fmt.Errorf("%w: receipt_workers must not be negative", ErrInvalidConfig)
	}
	if c.OwnedIdentity != "" && strings.ContainsRune(c.OwnedIdentity, 0) {
		return fmt.Errorf("%w: owned_identity contains NUL byte", ErrInvalidConfig)
	}
	return nil
}

// ApplyLogging sets the global logrus level.
func (c *Config) ApplyLogging() {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}
