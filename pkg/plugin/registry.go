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

package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tealagents/agentcore/pkg/authstore"
	"github.com/tealagents/agentcore/pkg/catalog"
	"github.com/tealagents/agentcore/pkg/config"
	"github.com/tealagents/agentcore/pkg/mcp"
	"github.com/tealagents/agentcore/pkg/oauth"
)

// AuthChallengesError aggregates the auth requirements of every MCP
// server that lacked a usable credential during discovery. The
// orchestrator turns it into a single auth-challenge response.
type AuthChallengesError struct {
	Challenges []*oauth.AuthRequiredError
}

func (e *AuthChallengesError) Error() string {
	names := make([]string, len(e.Challenges))
	for i, c := range e.Challenges {
		names[i] = c.ServerName
	}
	return fmt.Sprintf("authorization required for MCP servers: %s", strings.Join(names, ", "))
}

// Registry discovers MCP servers and registers their tools.
type Registry struct {
	servers []config.McpServerConfig
	deps    mcp.Deps
	catalog *catalog.Catalog
}

// NewRegistry creates a registry over the configured MCP servers.
func NewRegistry(servers []config.McpServerConfig, deps mcp.Deps, cat *catalog.Catalog) *Registry {
	return &Registry{servers: servers, deps: deps, catalog: cat}
}

// DiscoverMcpPlugins builds one plugin per reachable MCP server.
//
// Servers whose OAuth credential is missing or expired are collected into
// a single AuthChallengesError so the user authorizes them all in one
// round trip; nothing is returned alongside it. Servers that fail for
// non-auth reasons are recorded in the discovery state and skipped.
func (r *Registry) DiscoverMcpPlugins(ctx context.Context, cc mcp.CallContext) ([]Plugin, error) {
	var challenges []*oauth.AuthRequiredError
	var plugins []Plugin

	for i := range r.servers {
		cfg := &r.servers[i]

		// Pre-flight: check the credential before opening a session so
		// every missing authorization is reported at once.
		if cfg.HasOAuth() {
			key := authstore.BuildKey(cfg.AuthServer, cfg.Scopes)
			data, err := r.deps.AuthStorage.Retrieve(ctx, cc.UserID, key)
			if err != nil || data.IsExpired() {
				challenges = append(challenges, &oauth.AuthRequiredError{
					ServerName: cfg.Name,
					AuthServer: cfg.AuthServer,
					Scopes:     cfg.Scopes,
				})
				continue
			}
		}

		p, err := r.discoverServer(ctx, cc, cfg)
		if err != nil {
			var authErr *oauth.AuthRequiredError
			if errors.As(err, &authErr) {
				challenges = append(challenges, authErr)
				continue
			}
			slog.Warn("MCP server discovery failed, skipping",
				"server", cfg.Name, "error", err)
			if r.deps.Sessions != nil {
				_ = r.deps.Sessions.RecordFailure(ctx, cc.UserID, cc.SessionID, cfg.Name, err.Error())
			}
			continue
		}
		plugins = append(plugins, p)
	}

	if len(challenges) > 0 {
		return nil, &AuthChallengesError{Challenges: challenges}
	}

	if r.deps.Sessions != nil {
		if err := r.deps.Sessions.MarkCompleted(ctx, cc.UserID, cc.SessionID); err != nil {
			return nil, err
		}
	}
	return plugins, nil
}

func (r *Registry) discoverServer(ctx context.Context, cc mcp.CallContext, cfg *config.McpServerConfig) (Plugin, error) {
	client := mcp.NewClient(cfg, r.deps)
	infos, err := client.ListTools(ctx, cc)
	if closeErr := client.Close(); closeErr != nil {
		slog.Warn("Failed to close MCP discovery session", "server", cfg.Name, "error", closeErr)
	}
	if err != nil {
		return nil, err
	}

	tools := make([]Tool, 0, len(infos))
	for _, info := range infos {
		id := catalog.McpToolID(cfg.Name, info.Name)
		r.registerTool(cfg, id, info)
		tools = append(tools, Tool{
			CatalogID:   id,
			Name:        info.Name,
			Description: info.Description,
			InputSchema: info.InputSchema,
		})
	}

	if r.deps.Sessions != nil {
		data, err := json.Marshal(tools)
		if err != nil {
			return nil, fmt.Errorf("failed to encode plugin data for %s: %w", cfg.Name, err)
		}
		if err := r.deps.Sessions.RecordServer(ctx, cc.UserID, cc.SessionID, cfg.Name, data); err != nil {
			return nil, err
		}
	}

	slog.Info("Discovered MCP server", "server", cfg.Name, "tools", len(tools))
	return newMcpPlugin(cfg, r.deps, tools), nil
}

// registerTool records the tool and its derived governance in the catalog.
// Re-discovery of an already-known tool is a no-op.
func (r *Registry) registerTool(cfg *config.McpServerConfig, id string, info mcp.ToolInfo) {
	if _, ok := r.catalog.GetTool(id); ok {
		return
	}

	var override *config.GovernanceOverride
	if o, ok := cfg.GovernanceOverrides[info.Name]; ok {
		override = &o
	}
	gov := mcp.DeriveGovernance(info.Annotations, cfg.TrustLevel, override)

	var schema map[string]any
	if len(info.InputSchema) > 0 {
		_ = json.Unmarshal(info.InputSchema, &schema)
	}

	tool := &catalog.PluginTool{
		ToolID:      id,
		Name:        info.Name,
		Description: info.Description,
		Governance:  gov,
		InputSchema: schema,
	}
	if cfg.HasOAuth() {
		tool.Auth = &catalog.ToolAuth{AuthServer: cfg.AuthServer, Scopes: cfg.Scopes}
	}

	if err := r.catalog.RegisterDynamicTool(tool, catalog.McpPluginID(cfg.Name)); err != nil {
		slog.Warn("Failed to register tool in catalog", "tool", id, "error", err)
	}
}

// mcpPlugin is the stateless shim over one MCP server. Each invocation
// goes through a fresh client; HTTP session affinity lives in the
// discovery store, not in the plugin.
type mcpPlugin struct {
	cfg  *config.McpServerConfig
	deps mcp.Deps

	tools []Tool
	byID  map[string]string // catalog id -> server-side tool name
}

var _ Plugin = (*mcpPlugin)(nil)

func newMcpPlugin(cfg *config.McpServerConfig, deps mcp.Deps, tools []Tool) *mcpPlugin {
	byID := make(map[string]string, len(tools))
	for _, t := range tools {
		byID[t.CatalogID] = t.Name
	}
	return &mcpPlugin{cfg: cfg, deps: deps, tools: tools, byID: byID}
}

func (p *mcpPlugin) Name() string { return catalog.McpPluginID(p.cfg.Name) }

func (p *mcpPlugin) Tools() []Tool { return p.tools }

func (p *mcpPlugin) Invoke(ctx context.Context, cc mcp.CallContext, catalogID string, args json.RawMessage) (string, error) {
	toolName, ok := p.byID[catalogID]
	if !ok {
		return "", fmt.Errorf("server %s has no tool %q", p.cfg.Name, catalogID)
	}

	client := mcp.NewClient(p.cfg, p.deps)
	defer client.Close()

	result, err := client.CallTool(ctx, cc, toolName, args)
	if err != nil {
		return "", err
	}
	// A tool-level failure is content for the model, not a fault.
	return result.Text, nil
}
