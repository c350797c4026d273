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

// Package kernel assembles the per-turn execution environment: the model
// client, the local code plugins and the MCP plugins discovered for the
// session. A kernel is built per turn and holds no live connections.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tealagents/agentcore/pkg/config"
	"github.com/tealagents/agentcore/pkg/mcp"
	"github.com/tealagents/agentcore/pkg/model"
	"github.com/tealagents/agentcore/pkg/plugin"
)

// Kernel is the execution environment for one turn.
type Kernel struct {
	llm     model.LLM
	plugins []plugin.Plugin
	byTool  map[string]plugin.Plugin
	tools   []model.ToolDefinition
}

// Builder constructs kernels from the service configuration.
type Builder struct {
	cfg       *config.Config
	llmFactry model.ChatCompletionFactory
	factories plugin.Factories
	registry  *plugin.Registry
	apiKey    string
}

// NewBuilder creates a kernel builder. registry may be nil when no MCP
// servers are configured.
func NewBuilder(cfg *config.Config, llmFactory model.ChatCompletionFactory, factories plugin.Factories, registry *plugin.Registry, apiKey string) *Builder {
	return &Builder{
		cfg:       cfg,
		llmFactry: llmFactory,
		factories: factories,
		registry:  registry,
		apiKey:    apiKey,
	}
}

// Build assembles a kernel for the turn. MCP discovery failures for
// missing credentials surface as plugin.AuthChallengesError so the
// orchestrator can pause the task on an auth challenge.
func (b *Builder) Build(ctx context.Context, cc mcp.CallContext) (*Kernel, error) {
	llm, err := b.llmFactry.CreateClient(b.cfg.Model.Name, b.apiKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create model client: %w", err)
	}

	var plugins []plugin.Plugin
	for _, pc := range b.cfg.Plugins {
		p, err := b.factories.Create(pc.Name, pc.Settings)
		if err != nil {
			_ = llm.Close()
			return nil, fmt.Errorf("failed to build plugin %s: %w", pc.Name, err)
		}
		plugins = append(plugins, p)
	}

	if b.registry != nil {
		mcpPlugins, err := b.registry.DiscoverMcpPlugins(ctx, cc)
		if err != nil {
			_ = llm.Close()
			return nil, err
		}
		plugins = append(plugins, mcpPlugins...)
	}

	k := &Kernel{
		llm:     llm,
		plugins: plugins,
		byTool:  make(map[string]plugin.Plugin),
	}
	for _, p := range plugins {
		for _, t := range p.Tools() {
			k.byTool[t.CatalogID] = p
			k.tools = append(k.tools, model.ToolDefinition{
				Name:        t.CatalogID,
				Description: t.Description,
				InputSchema: t.InputSchema,
			})
		}
	}
	return k, nil
}

// LLM returns the model client.
func (k *Kernel) LLM() model.LLM { return k.llm }

// Tools returns the definitions offered to the model. Tool names are
// catalog ids, so call intents map directly to governance entries.
func (k *Kernel) Tools() []model.ToolDefinition { return k.tools }

// Execute dispatches one tool call to its plugin and returns the text the
// model should see.
func (k *Kernel) Execute(ctx context.Context, cc mcp.CallContext, call model.ToolCall) (string, error) {
	p, ok := k.byTool[call.Name]
	if !ok {
		return "", fmt.Errorf("no plugin provides tool %q", call.Name)
	}
	return p.Invoke(ctx, cc, call.Name, json.RawMessage(call.Arguments))
}

// Close releases the model client.
func (k *Kernel) Close() error {
	return k.llm.Close()
}
