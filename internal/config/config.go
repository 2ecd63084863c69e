// Package config loads the YAML configuration of the serve command.
package config

import (
	"fmt"
	"os"
	"time"

	cachekey "github.com/hanpama/normcache/internal/cachekey"
	reader "github.com/hanpama/normcache/internal/reader"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Identity policies.
const (
	PolicyTypenameID = "typename-id"
	PolicyID         = "id"
	PolicyNone       = "none"
	PolicyExpr       = "expr"
)

// Config is the contents of a normcache.yaml file.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Keys   KeysConfig   `yaml:"keys"`
	Read   ReadConfig   `yaml:"read"`
	// Schema is the path of an SDL file. Documents are only parsed when empty.
	Schema string     `yaml:"schema,omitempty"`
	Otel   OtelConfig `yaml:"otel"`
}

type ServerConfig struct {
	Addr    string   `yaml:"addr"`
	Pretty  bool     `yaml:"pretty,omitempty"`
	Timeout string   `yaml:"timeout,omitempty"` // e.g. "10s"
	CORS    []string `yaml:"cors,omitempty"`    // allowed origins
}

type StoreConfig struct {
	Backend string      `yaml:"backend"` // "memory" or "redis"
	Redis   RedisConfig `yaml:"redis,omitempty"`
}

type RedisConfig struct {
	URL     string `yaml:"url"`
	Prefix  string `yaml:"prefix,omitempty"`
	Retries int    `yaml:"retries,omitempty"`
	Timeout string `yaml:"timeout,omitempty"`
}

// KeysConfig selects how records are identified.
type KeysConfig struct {
	Policy  string `yaml:"policy"`
	IDField string `yaml:"id_field,omitempty"`

	// Expression policy.
	Engine    string `yaml:"engine,omitempty"` // "cel" or "expr"
	RecordSet string `yaml:"record_set,omitempty"`
	Arguments string `yaml:"arguments,omitempty"`
}

type ReadConfig struct {
	Operation string `yaml:"operation,omitempty"`
	Fragment  string `yaml:"fragment,omitempty"`
}

type OtelConfig struct {
	Endpoint string `yaml:"endpoint,omitempty"`
	Service  string `yaml:"service,omitempty"`
	Metrics  bool   `yaml:"metrics,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080", Timeout: "10s"},
		Store:  StoreConfig{Backend: BackendMemory},
		Keys:   KeysConfig{Policy: PolicyTypenameID},
		Read:   ReadConfig{Operation: string(reader.Batch), Fragment: string(reader.Sequential)},
		Otel:   OtelConfig{Service: "normcache"},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.Redis.URL == "" {
			return fmt.Errorf("store.redis.url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	if _, err := parseDuration("server.timeout", c.Server.Timeout); err != nil {
		return err
	}
	if _, err := parseDuration("store.redis.timeout", c.Store.Redis.Timeout); err != nil {
		return err
	}
	if _, _, err := c.ReadModes(); err != nil {
		return err
	}
	if _, err := c.Resolver(); err != nil {
		return err
	}
	return nil
}

// ServerTimeout returns the per-request timeout, zero when unset.
func (c *Config) ServerTimeout() time.Duration {
	d, _ := parseDuration("server.timeout", c.Server.Timeout)
	return d
}

// RedisTimeout returns the Redis call timeout, zero when unset.
func (c *Config) RedisTimeout() time.Duration {
	d, _ := parseDuration("store.redis.timeout", c.Store.Redis.Timeout)
	return d
}

// ReadModes returns the default read modes of operations and fragments.
func (c *Config) ReadModes() (operation, fragment reader.Mode, err error) {
	operation, fragment = reader.Batch, reader.Sequential
	if c.Read.Operation != "" {
		if operation, err = reader.ParseMode(c.Read.Operation); err != nil {
			return "", "", fmt.Errorf("read.operation: %w", err)
		}
	}
	if c.Read.Fragment != "" {
		if fragment, err = reader.ParseMode(c.Read.Fragment); err != nil {
			return "", "", fmt.Errorf("read.fragment: %w", err)
		}
	}
	return operation, fragment, nil
}

// Resolver builds the identity policy.
func (c *Config) Resolver() (cachekey.Resolver, error) {
	switch c.Keys.Policy {
	case "", PolicyTypenameID:
		return cachekey.TypenameID{IDField: c.Keys.IDField}, nil
	case PolicyID:
		return cachekey.ByID{Field: c.Keys.IDField}, nil
	case PolicyNone:
		return cachekey.None{}, nil
	case PolicyExpr:
		r, err := cachekey.NewExpr(cachekey.ExprConfig{
			Engine:    cachekey.Engine(c.Keys.Engine),
			RecordSet: c.Keys.RecordSet,
			Arguments: c.Keys.Arguments,
		})
		if err != nil {
			return nil, fmt.Errorf("keys: %w", err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown keys.policy %q", c.Keys.Policy)
	}
}

func parseDuration(name, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}
