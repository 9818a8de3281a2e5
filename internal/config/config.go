// Package config handles layered YAML configuration with environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Credential store backends.
const (
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds all attend configuration.
type Config struct {
	API         API         `yaml:"api"`
	Credentials Credentials `yaml:"credentials"`
	Cache       Cache       `yaml:"cache"`
	Log         Log         `yaml:"log"`
}

// API holds backend connection settings.
type API struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Credentials holds session credential storage settings.
type Credentials struct {
	Backend     string `yaml:"backend"`      // "file" | "redis" | "memory"
	Path        string `yaml:"path"`         // File backend location
	RedisAddr   string `yaml:"redis_addr"`   // Redis backend address
	RedisDB     int    `yaml:"redis_db"`     // Redis logical database
	RedisPrefix string `yaml:"redis_prefix"` // Prepended to the access/refresh keys
}

// Cache holds query cache settings.
type Cache struct {
	Path       string        `yaml:"path"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

// Log holds logger settings.
type Log struct {
	Level string `yaml:"level"` // zerolog level name
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		API: API{
			BaseURL: "http://localhost:8000/api",
			Timeout: 30 * time.Second,
		},
		Credentials: Credentials{
			Backend:     BackendFile,
			Path:        ".attend/credentials.json",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "attend:",
		},
		Cache: Cache{
			Path:       ".attend/cache.json",
			StaleAfter: 5 * time.Minute,
		},
		Log: Log{
			Level: "warn",
		},
	}
}

// Load reads a single YAML config file at path and returns a Config.
// For merging multiple config sources, use LoadLayered instead.
// If the file does not exist, defaults are returned without error.
// If the file contains invalid YAML or unknown fields, an error is returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if len(data) == 0 {
		return &cfg, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		// Comment-only YAML files produce EOF with no decoded content.
		if errors.Is(err, io.EOF) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	return &cfg, nil
}

// LoadLayered loads config from multiple paths with increasing priority.
// Later paths override earlier ones. Missing files are skipped.
func LoadLayered(paths ...string) (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range paths {
		layer, err := loadLayer(path)
		if err != nil {
			return nil, err
		}
		if layer == nil {
			continue
		}
		cfg.merge(layer)
	}

	return &cfg, nil
}

// Validate checks that config values are usable.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("config: api.base_url cannot be empty")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: api.base_url must be an absolute http(s) URL, got %q", c.API.BaseURL)
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("config: api.timeout must be positive, got %v", c.API.Timeout)
	}
	switch c.Credentials.Backend {
	case BackendFile:
		if c.Credentials.Path == "" {
			return errors.New("config: credentials.path cannot be empty for the file backend")
		}
	case BackendRedis:
		if c.Credentials.RedisAddr == "" {
			return errors.New("config: credentials.redis_addr cannot be empty for the redis backend")
		}
		if c.Credentials.RedisDB < 0 {
			return fmt.Errorf("config: credentials.redis_db must be non-negative, got %d", c.Credentials.RedisDB)
		}
	case BackendMemory:
		// valid
	default:
		return fmt.Errorf("config: credentials.backend must be \"file\", \"redis\" or \"memory\", got %q", c.Credentials.Backend)
	}
	if c.Cache.StaleAfter < 0 {
		return fmt.Errorf("config: cache.stale_after must be non-negative, got %v", c.Cache.StaleAfter)
	}
	switch c.Log.Level {
	case "", "trace", "debug", "info", "warn", "error", "disabled":
		// valid
	default:
		return fmt.Errorf("config: log.level %q is not a known level", c.Log.Level)
	}
	return nil
}

// ApplyEnv applies environment variable overrides to the config.
// Supported variables: ATTEND_API_URL, ATTEND_TIMEOUT, ATTEND_CREDENTIALS,
// ATTEND_REDIS_ADDR, ATTEND_CACHE_PATH, ATTEND_LOG_LEVEL.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("ATTEND_API_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("ATTEND_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: invalid ATTEND_TIMEOUT %q: %w", v, err)
		}
		c.API.Timeout = d
	}
	if v := os.Getenv("ATTEND_CREDENTIALS"); v != "" {
		c.Credentials.Backend = v
	}
	if v := os.Getenv("ATTEND_REDIS_ADDR"); v != "" {
		c.Credentials.RedisAddr = v
	}
	if v := os.Getenv("ATTEND_CACHE_PATH"); v != "" {
		c.Cache.Path = v
	}
	if v := os.Getenv("ATTEND_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

// rawConfig mirrors Config but uses pointers to distinguish set vs unset fields.
type rawConfig struct {
	API         *rawAPI         `yaml:"api"`
	Credentials *rawCredentials `yaml:"credentials"`
	Cache       *rawCache       `yaml:"cache"`
	Log         *rawLog         `yaml:"log"`
}

type rawAPI struct {
	BaseURL *string        `yaml:"base_url"`
	Timeout *time.Duration `yaml:"timeout"`
}

type rawCredentials struct {
	Backend     *string `yaml:"backend"`
	Path        *string `yaml:"path"`
	RedisAddr   *string `yaml:"redis_addr"`
	RedisDB     *int    `yaml:"redis_db"`
	RedisPrefix *string `yaml:"redis_prefix"`
}

type rawCache struct {
	Path       *string        `yaml:"path"`
	StaleAfter *time.Duration `yaml:"stale_after"`
}

type rawLog struct {
	Level *string `yaml:"level"`
}

// loadLayer reads a single config file into a rawConfig for selective merging.
// Returns nil if the file does not exist. Rejects unknown fields.
func loadLayer(path string) (*rawConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if len(data) == 0 {
		return nil, nil
	}

	var raw rawConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	return &raw, nil
}

// merge applies non-nil fields from a rawConfig layer onto this Config.
func (c *Config) merge(layer *rawConfig) {
	if layer.API != nil {
		setIf(&c.API.BaseURL, layer.API.BaseURL)
		setIf(&c.API.Timeout, layer.API.Timeout)
	}
	if layer.Credentials != nil {
		setIf(&c.Credentials.Backend, layer.Credentials.Backend)
		setIf(&c.Credentials.Path, layer.Credentials.Path)
		setIf(&c.Credentials.RedisAddr, layer.Credentials.RedisAddr)
		setIf(&c.Credentials.RedisDB, layer.Credentials.RedisDB)
		setIf(&c.Credentials.RedisPrefix, layer.Credentials.RedisPrefix)
	}
	if layer.Cache != nil {
		setIf(&c.Cache.Path, layer.Cache.Path)
		setIf(&c.Cache.StaleAfter, layer.Cache.StaleAfter)
	}
	if layer.Log != nil {
		setIf(&c.Log.Level, layer.Log.Level)
	}
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}
