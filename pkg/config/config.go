// Copyright 2025 Atelier Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines the YAML configuration surface of the server
// and its loading, defaulting and validation rules.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" json:"server"`
	Session SessionConfig `yaml:"session" json:"session"`
	Models  ModelsConfig  `yaml:"models" json:"models"`
	Agents  AgentsConfig  `yaml:"agents" json:"agents"`
	Run     RunConfig     `yaml:"run" json:"run"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// ServerConfig configures the HTTP listener and stream discipline.
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	// KeepaliveSeconds is the idle gap before a keepalive frame is
	// injected into an open stream.
	KeepaliveSeconds int `yaml:"keepalive_seconds" json:"keepalive_seconds"`

	// RunBudgetSeconds is the wall-clock ceiling for one generation run.
	RunBudgetSeconds int `yaml:"run_budget_seconds" json:"run_budget_seconds"`
}

// Address returns the host:port pair the server binds to.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// KeepaliveInterval returns the keepalive gap as a duration.
func (c *ServerConfig) KeepaliveInterval() time.Duration {
	return time.Duration(c.KeepaliveSeconds) * time.Second
}

// RunBudget returns the run ceiling as a duration.
func (c *ServerConfig) RunBudget() time.Duration {
	return time.Duration(c.RunBudgetSeconds) * time.Second
}

// SessionConfig selects and configures the session store backend.
type SessionConfig struct {
	// Backend is one of: memory, sqlite, mysql, postgres.
	Backend string `yaml:"backend" json:"backend"`

	// DSN is the driver connection string for SQL backends.
	DSN string `yaml:"dsn" json:"dsn"`
}

// ModelConfig configures one LLM provider endpoint.
type ModelConfig struct {
	// Provider is one of: anthropic, gemini.
	Provider string `yaml:"provider" json:"provider"`

	// Model is the provider-side model identifier.
	Model string `yaml:"model" json:"model"`

	// APIKey supports ${ENV_VAR} expansion at load time.
	APIKey string `yaml:"api_key" json:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`

	MaxTokens   int     `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	Temperature float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
}

// ModelsConfig names the models backing each role.
type ModelsConfig struct {
	Planner   ModelConfig `yaml:"planner" json:"planner"`
	Generator ModelConfig `yaml:"generator" json:"generator"`
}

// AgentConfig carries per-agent instruction overrides.
type AgentConfig struct {
	Instruction string `yaml:"instruction,omitempty" json:"instruction,omitempty"`
}

// AgentsConfig groups the two workflow agents.
type AgentsConfig struct {
	Planner   AgentConfig `yaml:"planner" json:"planner"`
	Generator AgentConfig `yaml:"generator" json:"generator"`
}

// RunConfig bounds the review/regenerate loop.
type RunConfig struct {
	MaxIterations int `yaml:"max_iterations" json:"max_iterations"`
	ChunkSize     int `yaml:"chunk_size" json:"chunk_size"`
}

// LoggingConfig configures the slog setup.
type LoggingConfig struct {
	// Level is one of: debug, info, warn, error.
	Level string `yaml:"level" json:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format" json:"format"`

	// File redirects logs to a file; empty logs to stderr.
	File string `yaml:"file,omitempty" json:"file,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// SetDefaults fills zero values with working defaults.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.KeepaliveSeconds == 0 {
		c.Server.KeepaliveSeconds = 10
	}
	if c.Server.RunBudgetSeconds == 0 {
		c.Server.RunBudgetSeconds = 240
	}

	if c.Session.Backend == "" {
		c.Session.Backend = "memory"
	}

	if c.Models.Planner.Provider == "" {
		c.Models.Planner.Provider = "gemini"
	}
	if c.Models.Planner.Model == "" {
		c.Models.Planner.Model = "gemini-2.0-flash"
	}
	if c.Models.Generator.Provider == "" {
		c.Models.Generator.Provider = "anthropic"
	}
	if c.Models.Generator.Model == "" {
		c.Models.Generator.Model = "claude-sonnet-4-20250514"
	}

	if c.Run.MaxIterations == 0 {
		c.Run.MaxIterations = 3
	}
	if c.Run.ChunkSize == 0 {
		c.Run.ChunkSize = 100
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	switch c.Session.Backend {
	case "memory":
	case "sqlite", "mysql", "postgres":
		if c.Session.DSN == "" {
			return fmt.Errorf("session: dsn is required for backend %q", c.Session.Backend)
		}
	default:
		return fmt.Errorf("session: unknown backend %q", c.Session.Backend)
	}

	for role, m := range map[string]*ModelConfig{
		"planner":   &c.Models.Planner,
		"generator": &c.Models.Generator,
	} {
		switch m.Provider {
		case "anthropic", "gemini":
		default:
			return fmt.Errorf("models.%s: unknown provider %q", role, m.Provider)
		}
		if m.Model == "" {
			return fmt.Errorf("models.%s: model is required", role)
		}
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", c.Server.Port)
	}
	if c.Run.MaxIterations < 1 {
		return fmt.Errorf("run: max_iterations must be at least 1")
	}
	return nil
}

// Load reads, env-expands and parses a YAML config file, applies
// defaults and validates the result. An empty path yields the default
// configuration.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		// ${VAR} references resolve against the process environment,
		// after any .env files were applied.
		expanded := os.Expand(string(data), func(key string) string {
			return os.Getenv(key)
		})
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
