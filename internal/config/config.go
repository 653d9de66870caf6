// Package config loads the skillhost service configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "2h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full service configuration.
type Config struct {
	Listen   string `yaml:"listen"`
	Compiler struct {
		Endpoint string   `yaml:"endpoint"`
		Timeout  Duration `yaml:"timeout"`
	} `yaml:"compiler"`
	Store struct {
		// Backend selects the durable tier: "s3", "local" or "memory".
		Backend string `yaml:"backend"`
		Bucket  string `yaml:"bucket"`
		Prefix  string `yaml:"prefix"`
		// Dir is the root directory of the local backend.
		Dir string `yaml:"dir"`
		// Watch enables filesystem invalidation for the local backend.
		Watch bool `yaml:"watch"`
	} `yaml:"store"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Etcd struct {
		Endpoints []string `yaml:"endpoints"`
		Prefix    string   `yaml:"prefix"`
	} `yaml:"etcd"`
	Cache struct {
		TTL        Duration `yaml:"ttl"`
		MaxEntries int      `yaml:"max_entries"`
	} `yaml:"cache"`
	GC struct {
		// Schedule is a cron expression; empty disables the sweeper.
		Schedule   string   `yaml:"schedule"`
		StaleAfter Duration `yaml:"stale_after"`
	} `yaml:"gc"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var c Config
	c.Listen = ":8080"
	c.Compiler.Endpoint = "http://localhost:9090"
	c.Compiler.Timeout = Duration(30 * time.Second)
	c.Store.Backend = "memory"
	c.Cache.TTL = Duration(7 * 24 * time.Hour)
	c.Cache.MaxEntries = 512
	c.GC.Schedule = "@hourly"
	c.GC.StaleAfter = Duration(2 * time.Hour)
	return &c
}

// FromEnv returns the default configuration with environment overrides
// applied. Used when no configuration file is given.
func FromEnv() (*Config, error) {
	c := Default()
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads a YAML configuration file over the defaults, then applies
// environment overrides.
func Load(path string) (*Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// applyEnv overrides the settings that carry credentials or differ per
// deployment environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("SKILLHOST_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("SKILLHOST_DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("SKILLHOST_COMPILER_ENDPOINT"); v != "" {
		c.Compiler.Endpoint = v
	}
	if v := os.Getenv("SKILLHOST_STORE_BUCKET"); v != "" {
		c.Store.Bucket = v
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory":
	case "local":
		if c.Store.Dir == "" {
			return fmt.Errorf("config: store.dir is required for the local backend")
		}
	case "s3":
		if c.Store.Bucket == "" {
			return fmt.Errorf("config: store.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.Compiler.Endpoint == "" {
		return fmt.Errorf("config: compiler.endpoint is required")
	}
	if c.Store.Watch && c.Store.Backend != "local" {
		return fmt.Errorf("config: store.watch requires the local backend")
	}
	return nil
}
