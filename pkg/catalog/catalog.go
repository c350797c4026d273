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

// Package catalog is the registry of tool metadata and governance policy.
//
// The catalog is loaded from a JSON document at startup and extended at
// runtime with tools learned from MCP discovery. Tool ids follow two
// canonical forms:
//   - mcp_{server}_{tool} for MCP tools, grouped under plugin mcp_{server}
//   - {plugin_id}-{tool_name} for code tools
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Plugin types.
const (
	PluginTypeCode = "code"
	PluginTypeMcp  = "mcp"
)

// Cost levels, ordered low < medium < high.
const (
	CostLow    = "low"
	CostMedium = "medium"
	CostHigh   = "high"
)

// Data sensitivity levels, ordered public < proprietary < confidential <
// sensitive.
const (
	SensitivityPublic       = "public"
	SensitivityProprietary  = "proprietary"
	SensitivityConfidential = "confidential"
	SensitivitySensitive    = "sensitive"
)

// Governance is the policy attached to a tool.
type Governance struct {
	RequiresHitl    bool   `json:"requires_hitl"`
	Cost            string `json:"cost"`
	DataSensitivity string `json:"data_sensitivity"`
}

// CostRank orders cost levels for "at least" comparisons.
func CostRank(cost string) int {
	switch cost {
	case CostLow:
		return 0
	case CostMedium:
		return 1
	case CostHigh:
		return 2
	default:
		return 0
	}
}

// SensitivityRank orders sensitivity levels.
func SensitivityRank(s string) int {
	switch s {
	case SensitivityPublic:
		return 0
	case SensitivityProprietary:
		return 1
	case SensitivityConfidential:
		return 2
	case SensitivitySensitive:
		return 3
	default:
		return 0
	}
}

// PluginTool is one catalog tool entry.
type PluginTool struct {
	ToolID      string         `json:"tool_id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Governance  Governance     `json:"governance"`
	Auth        *ToolAuth      `json:"auth,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ToolAuth describes a tool's auth requirement.
type ToolAuth struct {
	AuthServer string   `json:"auth_server"`
	Scopes     []string `json:"scopes"`
}

// Plugin groups tools under an owner.
type Plugin struct {
	PluginID   string       `json:"plugin_id"`
	Name       string       `json:"name"`
	Version    string       `json:"version"`
	Owner      string       `json:"owner"`
	PluginType string       `json:"plugin_type"`
	Tools      []PluginTool `json:"tools"`
}

// DefinitionError reports a malformed catalog document. It is fatal at boot.
type DefinitionError struct {
	Path   string
	Reason string
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("invalid plugin catalog %s: %s", e.Path, e.Reason)
}

// FileReadError reports a catalog file that could not be read. Fatal at boot.
type FileReadError struct {
	Path string
	Err  error
}

func (e *FileReadError) Error() string {
	return fmt.Sprintf("failed to read plugin catalog %s: %v", e.Path, e.Err)
}

func (e *FileReadError) Unwrap() error { return e.Err }

// McpPluginID returns the canonical plugin id for an MCP server.
func McpPluginID(server string) string {
	return "mcp_" + server
}

// McpToolID returns the canonical catalog id for an MCP tool.
func McpToolID(server, toolName string) string {
	return "mcp_" + server + "_" + toolName
}

// CodeToolID returns the canonical catalog id for a code tool.
func CodeToolID(pluginID, toolName string) string {
	return pluginID + "-" + toolName
}

// Catalog holds the static plugins plus dynamic registrations.
type Catalog struct {
	mu      sync.RWMutex
	plugins map[string]*Plugin
	tools   map[string]*PluginTool
	dynamic map[string]bool // plugin ids registered at runtime
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{
		plugins: make(map[string]*Plugin),
		tools:   make(map[string]*PluginTool),
		dynamic: make(map[string]bool),
	}
}

// catalogDocument is the JSON file layout.
type catalogDocument struct {
	Plugins []Plugin `json:"plugins"`
}

// LoadFile creates a catalog from the JSON document at path.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &FileReadError{Path: path, Err: err}
	}

	var doc catalogDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &DefinitionError{Path: path, Reason: err.Error()}
	}

	c := New()
	for i := range doc.Plugins {
		p := doc.Plugins[i]
		if p.PluginID == "" {
			return nil, &DefinitionError{Path: path, Reason: "plugin with empty plugin_id"}
		}
		if p.PluginType != PluginTypeCode && p.PluginType != PluginTypeMcp {
			return nil, &DefinitionError{
				Path:   path,
				Reason: fmt.Sprintf("plugin %s: unknown plugin_type %q", p.PluginID, p.PluginType),
			}
		}
		for j := range p.Tools {
			if p.Tools[j].ToolID == "" {
				return nil, &DefinitionError{
					Path:   path,
					Reason: fmt.Sprintf("plugin %s: tool with empty tool_id", p.PluginID),
				}
			}
		}
		if err := c.addPlugin(&p, false); err != nil {
			return nil, &DefinitionError{Path: path, Reason: err.Error()}
		}
	}

	return c, nil
}

func (c *Catalog) addPlugin(p *Plugin, dynamic bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.plugins[p.PluginID]; exists {
		return fmt.Errorf("duplicate plugin id %q", p.PluginID)
	}
	c.plugins[p.PluginID] = p
	if dynamic {
		c.dynamic[p.PluginID] = true
	}
	for i := range p.Tools {
		c.tools[p.Tools[i].ToolID] = &p.Tools[i]
	}
	return nil
}

// GetPlugin returns the plugin by id.
func (c *Catalog) GetPlugin(id string) (*Plugin, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.plugins[id]
	return p, ok
}

// GetTool returns the tool by its catalog id.
func (c *Catalog) GetTool(id string) (*PluginTool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tools[id]
	return t, ok
}

// RegisterDynamicPlugin registers a plugin learned at runtime.
func (c *Catalog) RegisterDynamicPlugin(p *Plugin) error {
	if p.PluginID == "" {
		return fmt.Errorf("plugin id cannot be empty")
	}
	return c.addPlugin(p, true)
}

// RegisterDynamicTool registers a single tool. When pluginID names a plugin
// that does not exist, a minimal placeholder plugin is created for it.
func (c *Catalog) RegisterDynamicTool(tool *PluginTool, pluginID string) error {
	if tool.ToolID == "" {
		return fmt.Errorf("tool id cannot be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if pluginID != "" {
		p, ok := c.plugins[pluginID]
		if !ok {
			p = &Plugin{
				PluginID:   pluginID,
				Name:       pluginID,
				PluginType: PluginTypeMcp,
			}
			c.plugins[pluginID] = p
			c.dynamic[pluginID] = true
		}
		p.Tools = append(p.Tools, *tool)
		c.tools[tool.ToolID] = &p.Tools[len(p.Tools)-1]
		return nil
	}

	c.tools[tool.ToolID] = tool
	return nil
}

// UnregisterDynamicPlugin removes a runtime-registered plugin and all of
// its tools. Static plugins cannot be unregistered.
func (c *Catalog) UnregisterDynamicPlugin(pluginID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.dynamic[pluginID] {
		return fmt.Errorf("plugin %q is not dynamically registered", pluginID)
	}
	p, ok := c.plugins[pluginID]
	if !ok {
		return fmt.Errorf("plugin %q not found", pluginID)
	}
	for i := range p.Tools {
		delete(c.tools, p.Tools[i].ToolID)
	}
	delete(c.plugins, pluginID)
	delete(c.dynamic, pluginID)
	return nil
}
