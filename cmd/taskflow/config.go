package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the service configuration loaded from YAML.
	Config struct {
		Agent  AgentConfig  `yaml:"agent"`
		Server ServerConfig `yaml:"server"`
		Model  ModelConfig  `yaml:"model"`
		Store  StoreConfig  `yaml:"store"`
		Redis  RedisConfig  `yaml:"redis"`
	}

	// AgentConfig describes the agent served on the well-known card and the
	// system prompt used for AI turns.
	AgentConfig struct {
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
		Version     string `yaml:"version"`
		URL         string `yaml:"url"`
		System      string `yaml:"system"`
	}

	// ServerConfig holds HTTP server settings.
	ServerConfig struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"basePath"`
	}

	// ModelConfig selects and configures the model provider.
	ModelConfig struct {
		// Provider is "anthropic" or "openai".
		Provider string `yaml:"provider"`
		// Name is the model identifier, e.g. "claude-sonnet-4-20250514".
		Name string `yaml:"name"`
		// APIKeyEnv names the environment variable holding the API key.
		APIKeyEnv string          `yaml:"apiKeyEnv"`
		RateLimit RateLimitConfig `yaml:"rateLimit"`
	}

	// RateLimitConfig configures the adaptive token rate limiter. Zero
	// InitialTPM disables rate limiting.
	RateLimitConfig struct {
		InitialTPM float64 `yaml:"initialTPM"`
		MaxTPM     float64 `yaml:"maxTPM"`
	}

	// StoreConfig selects the task persistence backend.
	StoreConfig struct {
		// Backend is "memory" or "mongo".
		Backend string      `yaml:"backend"`
		Mongo   MongoConfig `yaml:"mongo"`
	}

	// MongoConfig holds MongoDB connection settings.
	MongoConfig struct {
		URI        string        `yaml:"uri"`
		Database   string        `yaml:"database"`
		Collection string        `yaml:"collection"`
		Timeout    time.Duration `yaml:"timeout"`
	}

	// RedisConfig enables mirroring of task event streams onto Pulse when
	// Addr is set.
	RedisConfig struct {
		Addr         string `yaml:"addr"`
		Password     string `yaml:"password"`
		StreamMaxLen int    `yaml:"streamMaxLen"`
	}
)

// LoadConfig reads the YAML configuration file and applies defaults. An
// empty path yields the default configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	return cfg, cfg.validate()
}

func (c *Config) applyDefaults() {
	if c.Agent.Name == "" {
		c.Agent.Name = "taskflow"
	}
	if c.Agent.Version == "" {
		c.Agent.Version = "0.1.0"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Model.Provider == "" {
		c.Model.Provider = "anthropic"
	}
	if c.Model.APIKeyEnv == "" {
		switch c.Model.Provider {
		case "openai":
			c.Model.APIKeyEnv = "OPENAI_API_KEY"
		default:
			c.Model.APIKeyEnv = "ANTHROPIC_API_KEY"
		}
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Store.Mongo.Database == "" {
		c.Store.Mongo.Database = "taskflow"
	}
}

func (c *Config) validate() error {
	switch c.Model.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unknown model provider %q", c.Model.Provider)
	}
	switch c.Store.Backend {
	case "memory":
	case "mongo":
		if c.Store.Mongo.URI == "" {
			return errors.New("store.mongo.uri is required for the mongo backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	return nil
}
