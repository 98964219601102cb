package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models dres.yml.
type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
		// BaseURL is embedded in viewer join links and QR codes
		BaseURL string `yaml:"base_url"`
	} `yaml:"server"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Audit struct {
		// Endpoint of the external audit collector; empty logs locally
		Endpoint string `yaml:"endpoint"`
	} `yaml:"audit"`
	Auth struct {
		Secret     string        `yaml:"secret"`
		SessionTTL time.Duration `yaml:"session_ttl"`
		Users      []User        `yaml:"users"`
	} `yaml:"auth"`
	Loop struct {
		TickInterval     time.Duration `yaml:"tick_interval"`
		ReadinessTimeout time.Duration `yaml:"readiness_timeout"`
		EndGrace         time.Duration `yaml:"end_grace"`
		MaxLoopFailures  int           `yaml:"max_loop_failures"`
		SweepInterval    time.Duration `yaml:"sweep_interval"`
	} `yaml:"loop"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// User is one configured account
type User struct {
	ID       string   `yaml:"id"`
	Password string   `yaml:"password"`
	Roles    []string `yaml:"roles"`
	Team     string   `yaml:"team"`
}

// Default returns a configuration with sensible local defaults
func Default() *Config {
	var c Config
	c.Server.Addr = ":8080"
	c.Database.Path = "dres.db"
	c.Auth.SessionTTL = 24 * time.Hour
	c.Loop.TickInterval = 10 * time.Millisecond
	c.Loop.ReadinessTimeout = 30 * time.Second
	c.Loop.EndGrace = 5 * time.Second
	c.Loop.MaxLoopFailures = 5
	c.Loop.SweepInterval = 500 * time.Millisecond
	c.Log.Level = "info"
	return &c
}

// Load reads config from path, filling unset values with defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a config document
func FromYAML(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("config.database.path is required")
	}
	if c.Loop.TickInterval <= 0 {
		return fmt.Errorf("config.loop.tick_interval must be positive")
	}
	if c.Loop.MaxLoopFailures < 1 {
		return fmt.Errorf("config.loop.max_loop_failures must be at least 1")
	}
	for i, user := range c.Auth.Users {
		if user.ID == "" {
			return fmt.Errorf("config.auth.users[%d].id is required", i)
		}
		if user.Password == "" {
			return fmt.Errorf("config.auth.users[%d].password is required", i)
		}
	}
	return nil
}
