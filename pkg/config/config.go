// Copyright 2025 The Teal Agents Authors
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

// Package config provides typed access to the service configuration.
//
// Configuration comes from two places:
//   - A service YAML file (path from TA_SERVICE_CONFIG or --config).
//   - Environment settings (TA_* variables), optionally loaded from a
//     .env file via godotenv.
//
// Loading runs a PreProcess → SetDefaults → Validate pipeline; a config
// that survives the pipeline is safe to hand to the runtime.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root service configuration.
type Config struct {
	// Service identifies the deployed service; it appears in the invoke
	// route (/{name}/{version}/invoke).
	Service ServiceConfig `yaml:"service"`

	// Model configures the default chat completion backend.
	Model ModelConfig `yaml:"model"`

	// Agents are the downstream agents the recipient chooser ranks.
	// A single-agent deployment lists exactly one.
	Agents []AgentConfig `yaml:"agents"`

	// McpServers are the remote MCP servers whose tools are discovered
	// at session start.
	McpServers []McpServerConfig `yaml:"mcp_servers"`

	// Plugins are the local code plugins built into the kernel.
	Plugins []PluginConfig `yaml:"plugins"`

	// PluginCatalogPath points at the static plugin catalog JSON document.
	PluginCatalogPath string `yaml:"plugin_catalog"`

	// Chooser configures the recipient chooser pipeline.
	Chooser ChooserConfig `yaml:"chooser"`

	// Server configures the HTTP surface.
	Server ServerConfig `yaml:"server"`
}

// ServiceConfig identifies the service.
type ServiceConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// ModelConfig configures the default chat completion backend.
type ModelConfig struct {
	// Provider selects the ChatCompletionFactory implementation.
	Provider string `yaml:"provider"`

	// Name is the model identifier passed to the provider.
	Name string `yaml:"name"`

	// APIKey overrides TA_API_KEY when set.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint.
	BaseURL string `yaml:"base_url"`
}

// AgentConfig describes one downstream agent for the chooser.
type AgentConfig struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Keywords    []string `yaml:"keywords"`

	// SystemPrompt is prepended to every model call for this agent.
	SystemPrompt string `yaml:"system_prompt"`

	// Fallback marks this agent as the catch-all for unknown selections.
	Fallback bool `yaml:"fallback"`
}

// PluginConfig names a local code plugin and its settings.
type PluginConfig struct {
	Name     string         `yaml:"name"`
	Settings map[string]any `yaml:"settings"`
}

// ChooserConfig configures the recipient chooser.
type ChooserConfig struct {
	// Enabled toggles the chooser; single-agent deployments leave it off.
	Enabled bool `yaml:"enabled"`

	// BM25Weight and SemanticWeight combine the lexical and semantic
	// scores (defaults 0.25 / 0.75).
	BM25Weight     float64 `yaml:"bm25_weight"`
	SemanticWeight float64 `yaml:"semantic_weight"`

	// TopK candidates are passed to the LLM reranker.
	TopK int `yaml:"top_k"`

	// FollowUpAnalysis toggles follow-up detection and query expansion.
	FollowUpAnalysis bool `yaml:"follow_up_analysis"`

	// FollowUpWindow is how many prior turns follow-up analysis inspects.
	FollowUpWindow int `yaml:"follow_up_window"`

	// MaxParallelAgents bounds parallel dispatch fan-out.
	MaxParallelAgents int `yaml:"max_parallel_agents"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// MaxHistoryTokens bounds the model-visible chat history built per
	// turn. Zero means no trimming.
	MaxHistoryTokens int `yaml:"max_history_tokens"`
}

// Load reads, parses and validates the service configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return Process(&cfg)
}

// Process runs the config pipeline on an already-parsed config.
func Process(cfg *Config) (*Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// SetDefaults fills unset fields with defaults.
func (c *Config) SetDefaults() {
	if c.Service.Version == "" {
		c.Service.Version = "1.0"
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Chooser.BM25Weight == 0 && c.Chooser.SemanticWeight == 0 {
		c.Chooser.BM25Weight = 0.25
		c.Chooser.SemanticWeight = 0.75
	}
	if c.Chooser.TopK == 0 {
		c.Chooser.TopK = 5
	}
	if c.Chooser.FollowUpWindow == 0 {
		c.Chooser.FollowUpWindow = 4
	}
	if c.Chooser.MaxParallelAgents == 0 {
		c.Chooser.MaxParallelAgents = 3
	}
	for i := range c.McpServers {
		c.McpServers[i].SetDefaults()
	}
}

// Validate checks the config for structural errors.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service.name is required")
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent is required")
	}

	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agent name cannot be empty")
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate agent name %q", a.Name)
		}
		seen[a.Name] = true
	}

	strictHTTPS := SettingsFromEnv().StrictHTTPSValidation
	names := make(map[string]bool, len(c.McpServers))
	for i := range c.McpServers {
		if err := c.McpServers[i].Validate(strictHTTPS); err != nil {
			return fmt.Errorf("mcp_servers[%d]: %w", i, err)
		}
		if names[c.McpServers[i].Name] {
			return fmt.Errorf("duplicate mcp server name %q", c.McpServers[i].Name)
		}
		names[c.McpServers[i].Name] = true
	}

	return nil
}

// FallbackAgent returns the configured fallback agent name, or the first
// agent when none is marked.
func (c *Config) FallbackAgent() string {
	for _, a := range c.Agents {
		if a.Fallback {
			return a.Name
		}
	}
	return c.Agents[0].Name
}
