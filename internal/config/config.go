// Package config loads stepsync settings from defaults, an optional YAML
// file, an optional .env file and STEPSYNC_* environment variables, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// STEPSYNC_ENGINE_DEBOUNCE_MS.
const EnvPrefix = "STEPSYNC"

// Backend names accepted by store.backend.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config is the complete stepsync configuration.
type Config struct {
	Engine  EngineConfig  `mapstructure:"engine" json:"engine" yaml:"engine"`
	Store   StoreConfig   `mapstructure:"store" json:"store" yaml:"store"`
	Redis   RedisConfig   `mapstructure:"redis" json:"redis" yaml:"redis"`
	Logging LoggingConfig `mapstructure:"logging" json:"logging" yaml:"logging"`
}

// EngineConfig controls debouncing and retries.
type EngineConfig struct {
	// DebounceMs is the quiet period before a burst of edits is saved.
	DebounceMs int `mapstructure:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`
	// MaxRetries bounds retries after the original save fails.
	MaxRetries int `mapstructure:"max_retries" json:"max_retries" yaml:"max_retries"`
	// BaseDelayMs is multiplied by the attempt number to get the retry delay.
	BaseDelayMs int `mapstructure:"base_delay_ms" json:"base_delay_ms" yaml:"base_delay_ms"`
}

// StoreConfig selects and configures the backing store.
type StoreConfig struct {
	Backend        string `mapstructure:"backend" json:"backend" yaml:"backend"`
	Driver         string `mapstructure:"driver" json:"driver" yaml:"driver"`
	Path           string `mapstructure:"path" json:"path" yaml:"path"`
	PollIntervalMs int    `mapstructure:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	URL    string `mapstructure:"url" json:"url" yaml:"url"`
	Prefix string `mapstructure:"prefix" json:"prefix" yaml:"prefix"`
}

// LoggingConfig controls the CLI's slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level" yaml:"level"`
	Format string `mapstructure:"format" json:"format" yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			DebounceMs:  2000,
			MaxRetries:  3,
			BaseDelayMs: 1000,
		},
		Store: StoreConfig{
			Backend:        BackendSQLite,
			Driver:         "sqlite3",
			Path:           "stepsync.db",
			PollIntervalMs: 1000,
		},
		Redis: RedisConfig{
			Prefix: "stepsync",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// SetDefaults registers every key with its default on v. Registering all
// keys is also what lets AutomaticEnv overrides reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("engine.debounce_ms", d.Engine.DebounceMs)
	v.SetDefault("engine.max_retries", d.Engine.MaxRetries)
	v.SetDefault("engine.base_delay_ms", d.Engine.BaseDelayMs)

	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.poll_interval_ms", d.Store.PollIntervalMs)

	v.SetDefault("redis.url", d.Redis.URL)
	v.SetDefault("redis.prefix", d.Redis.Prefix)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// LoadOptions names the optional sources Load reads.
type LoadOptions struct {
	// ConfigFile is an explicit YAML file. When empty, ./stepsync.yaml is
	// used if present.
	ConfigFile string
	// EnvFile is a dotenv file loaded into the process environment before
	// overrides are read. Variables already set are not replaced.
	EnvFile string
}

// Load builds, validates and returns the configuration.
func Load(opts LoadOptions) (*Config, error) {
	if opts.EnvFile != "" {
		if err := LoadEnvFile(opts.EnvFile); err != nil {
			return nil, err
		}
	}

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", opts.ConfigFile, err)
		}
	} else {
		v.SetConfigName("stepsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// LoadEnvFile loads a dotenv file into the process environment.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Debounce returns engine.debounce_ms as a duration.
func (c *EngineConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// BaseDelay returns engine.base_delay_ms as a duration.
func (c *EngineConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMs) * time.Millisecond
}

// PollInterval returns store.poll_interval_ms as a duration.
func (c *StoreConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// Redacted returns a copy safe to print: credentials in redis.url are masked.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Redis.URL != "" {
		if u, err := url.Parse(out.Redis.URL); err == nil {
			out.Redis.URL = u.Redacted()
		}
	}
	return &out
}
