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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tealagents/agentcore/pkg/authstore"
	"github.com/tealagents/agentcore/pkg/catalog"
	"github.com/tealagents/agentcore/pkg/config"
	"github.com/tealagents/agentcore/pkg/discovery"
	"github.com/tealagents/agentcore/pkg/mcp"
)

// newToolServer serves a minimal MCP HTTP endpoint with one read-only and
// one destructive tool.
func newToolServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64          `json:"id"`
			Method string         `json:"method"`
			Params map[string]any `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var result any
		switch req.Method {
		case "initialize":
			w.Header().Set("mcp-session-id", "sess-xyz")
			result = map[string]any{}
		case "tools/list":
			result = map[string]any{"tools": []map[string]any{
				{
					"name":        "search",
					"description": "Search the index",
					"annotations": map[string]any{"readOnlyHint": true},
				},
				{
					"name":        "purge",
					"description": "Purge the index",
					"annotations": map[string]any{"destructiveHint": true},
				},
			}}
		case "tools/call":
			name, _ := req.Params["name"].(string)
			result = map[string]any{"content": []map[string]any{{"type": "text", "text": "ran " + name}}}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func serverConfig(url, name string) config.McpServerConfig {
	cfg := config.McpServerConfig{Name: name, Transport: config.TransportHTTP, URL: url}
	cfg.SetDefaults()
	cfg.TrustLevel = config.TrustSandboxed
	return cfg
}

func discoverCtx() mcp.CallContext {
	return mcp.CallContext{UserID: "alice", SessionID: "sess-1", TaskID: "task-1", RequestID: "req-1"}
}

func TestDiscoverRegistersToolsWithGovernance(t *testing.T) {
	srv := newToolServer(t)
	cat := catalog.New()
	deps := mcp.Deps{
		AuthStorage: authstore.NewMemoryStorage(),
		Sessions:    discovery.NewManager(discovery.NewMemoryStore()),
	}
	reg := NewRegistry([]config.McpServerConfig{serverConfig(srv.URL, "search")}, deps, cat)

	plugins, err := reg.DiscoverMcpPlugins(context.Background(), discoverCtx())
	require.NoError(t, err)
	require.Len(t, plugins, 1)
	assert.Equal(t, "mcp_search", plugins[0].Name())
	assert.Len(t, plugins[0].Tools(), 2)

	searchTool, ok := cat.GetTool("mcp_search_search")
	require.True(t, ok)
	assert.False(t, searchTool.Governance.RequiresHitl)
	assert.Equal(t, catalog.CostLow, searchTool.Governance.Cost)

	purgeTool, ok := cat.GetTool("mcp_search_purge")
	require.True(t, ok)
	assert.True(t, purgeTool.Governance.RequiresHitl)

	state, err := deps.Sessions.Get(context.Background(), "alice", "sess-1")
	require.NoError(t, err)
	assert.True(t, state.DiscoveryCompleted)
	assert.Contains(t, state.DiscoveredServers, "search")
}

func TestDiscoverAggregatesAuthChallenges(t *testing.T) {
	srv := newToolServer(t)
	cat := catalog.New()
	deps := mcp.Deps{
		AuthStorage: authstore.NewMemoryStorage(),
		Sessions:    discovery.NewManager(discovery.NewMemoryStore()),
	}

	github := serverConfig(srv.URL, "github")
	github.AuthServer = "https://github.com/login/oauth"
	github.Scopes = []string{"repo"}
	jira := serverConfig(srv.URL, "jira")
	jira.AuthServer = "https://jira.example.com/oauth"
	jira.Scopes = []string{"read:issues"}

	reg := NewRegistry([]config.McpServerConfig{github, jira}, deps, cat)

	plugins, err := reg.DiscoverMcpPlugins(context.Background(), discoverCtx())
	assert.Nil(t, plugins)

	var challenges *AuthChallengesError
	require.ErrorAs(t, err, &challenges)
	require.Len(t, challenges.Challenges, 2)
	assert.Equal(t, "github", challenges.Challenges[0].ServerName)
	assert.Equal(t, []string{"repo"}, challenges.Challenges[0].Scopes)
	assert.Equal(t, "jira", challenges.Challenges[1].ServerName)
}

func TestDiscoverWithValidCredential(t *testing.T) {
	srv := newToolServer(t)
	cat := catalog.New()
	store := authstore.NewMemoryStorage()
	deps := mcp.Deps{
		AuthStorage: store,
		Sessions:    discovery.NewManager(discovery.NewMemoryStore()),
	}

	github := serverConfig(srv.URL, "github")
	github.AuthServer = "https://github.com/login/oauth"
	github.Scopes = []string{"repo"}

	key := authstore.BuildKey(github.AuthServer, github.Scopes)
	require.NoError(t, store.Store(context.Background(), "alice", key, &authstore.AuthData{
		AccessToken: "at-1", TokenType: "Bearer",
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	reg := NewRegistry([]config.McpServerConfig{github}, deps, cat)
	plugins, err := reg.DiscoverMcpPlugins(context.Background(), discoverCtx())
	require.NoError(t, err)
	require.Len(t, plugins, 1)

	tool, ok := cat.GetTool("mcp_github_search")
	require.True(t, ok)
	require.NotNil(t, tool.Auth)
	assert.Equal(t, []string{"repo"}, tool.Auth.Scopes)
}

func TestDiscoverSkipsUnreachableServer(t *testing.T) {
	srv := newToolServer(t)
	cat := catalog.New()
	deps := mcp.Deps{
		AuthStorage: authstore.NewMemoryStorage(),
		Sessions:    discovery.NewManager(discovery.NewMemoryStore()),
	}

	dead := serverConfig("http://127.0.0.1:1", "dead")
	dead.Timeout = time.Second
	reg := NewRegistry([]config.McpServerConfig{dead, serverConfig(srv.URL, "live")}, deps, cat)

	plugins, err := reg.DiscoverMcpPlugins(context.Background(), discoverCtx())
	require.NoError(t, err)
	require.Len(t, plugins, 1)
	assert.Equal(t, "mcp_live", plugins[0].Name())

	state, err := deps.Sessions.Get(context.Background(), "alice", "sess-1")
	require.NoError(t, err)
	assert.Contains(t, state.FailedServers, "dead")
}

func TestMcpPluginInvoke(t *testing.T) {
	srv := newToolServer(t)
	cat := catalog.New()
	deps := mcp.Deps{
		AuthStorage: authstore.NewMemoryStorage(),
		Sessions:    discovery.NewManager(discovery.NewMemoryStore()),
	}
	reg := NewRegistry([]config.McpServerConfig{serverConfig(srv.URL, "search")}, deps, cat)

	plugins, err := reg.DiscoverMcpPlugins(context.Background(), discoverCtx())
	require.NoError(t, err)

	out, err := plugins[0].Invoke(context.Background(), discoverCtx(), "mcp_search_search", json.RawMessage(`{"q":"go"}`))
	require.NoError(t, err)
	assert.Equal(t, "ran search", out)

	_, err = plugins[0].Invoke(context.Background(), discoverCtx(), "mcp_search_nope", nil)
	assert.Error(t, err)
}

func TestEchoPlugin(t *testing.T) {
	p, err := DefaultFactories().Create("echo_plugin", nil)
	require.NoError(t, err)

	tools := p.Tools()
	require.Len(t, tools, 1)
	assert.Equal(t, "echo_plugin-Echo", tools[0].CatalogID)

	out, err := p.Invoke(context.Background(), mcp.CallContext{}, "echo_plugin-Echo", json.RawMessage(`{"text":"Hello"}`))
	require.NoError(t, err)
	assert.Equal(t, "Hello", out)

	_, err = DefaultFactories().Create("missing", nil)
	assert.Error(t, err)
}
