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

// Package plugin defines the tool-provider boundary of the agent kernel.
//
// Code plugins are registered through an explicit factory map; MCP plugins
// are built at session start by the Registry, which enumerates remote
// tools and registers their governance in the catalog. Plugins are
// stateless across calls: an MCP plugin re-opens (or reuses, via session
// affinity) its server session on each invocation rather than holding a
// live connection.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tealagents/agentcore/pkg/catalog"
	"github.com/tealagents/agentcore/pkg/mcp"
)

// Tool is one callable tool exposed by a plugin. CatalogID doubles as the
// name offered to the model so that call intents map directly to catalog
// governance entries.
type Tool struct {
	CatalogID   string          `json:"catalog_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Plugin is a reusable tool provider. Implementations must be safe for
// concurrent use across tasks.
type Plugin interface {
	// Name returns the plugin id used in catalog tool ids.
	Name() string

	// Tools lists the tools this plugin provides.
	Tools() []Tool

	// Invoke executes the tool identified by its catalog id and returns
	// the text the model should see.
	Invoke(ctx context.Context, cc mcp.CallContext, catalogID string, args json.RawMessage) (string, error)
}

// Factory constructs a code plugin from its config settings.
type Factory func(settings map[string]any) (Plugin, error)

// Factories maps plugin name to constructor. The kernel builder consumes
// this map instead of scanning for implementations.
type Factories map[string]Factory

// DefaultFactories returns the built-in code plugins.
func DefaultFactories() Factories {
	return Factories{
		echoPluginID: func(map[string]any) (Plugin, error) { return &EchoPlugin{}, nil },
	}
}

// Create builds the named plugin.
func (f Factories) Create(name string, settings map[string]any) (Plugin, error) {
	factory, ok := f[name]
	if !ok {
		return nil, fmt.Errorf("unknown plugin %q", name)
	}
	return factory(settings)
}

const (
	echoPluginID = "echo_plugin"
	echoToolName = "Echo"
)

// EchoPlugin returns its text argument unchanged. It exists so a service
// can be exercised end to end without any external tool dependency.
type EchoPlugin struct{}

var _ Plugin = (*EchoPlugin)(nil)

func (p *EchoPlugin) Name() string { return echoPluginID }

func (p *EchoPlugin) Tools() []Tool {
	return []Tool{{
		CatalogID:   catalog.CodeToolID(echoPluginID, echoToolName),
		Name:        echoToolName,
		Description: "Return the provided text unchanged.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
	}}
}

func (p *EchoPlugin) Invoke(_ context.Context, _ mcp.CallContext, catalogID string, args json.RawMessage) (string, error) {
	if catalogID != catalog.CodeToolID(echoPluginID, echoToolName) {
		return "", fmt.Errorf("unknown tool %q", catalogID)
	}
	var parsed struct {
		Text string `json:"text"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &parsed); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
	}
	return parsed.Text, nil
}
