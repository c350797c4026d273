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

package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tealagents/agentcore/pkg/config"
)

const minimalConfig = `
service:
  name: assistant
  version: "1.0"
model:
  provider: echo
  name: echo-1
agents:
  - name: default
    description: General purpose assistant.
`

const oauthConfig = minimalConfig + `
mcp_servers:
  - name: github
    transport: http
    url: https://mcp.example.com/github
    auth_server: https://idp.example.com
    scopes: [repo]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestNewAssemblesMemoryRuntime(t *testing.T) {
	rt, err := New(context.Background(), config.Settings{
		ServiceConfigPath: writeConfig(t, minimalConfig),
		TaskBackend:       "memory",
	})
	require.NoError(t, err)
	defer rt.Close()

	assert.NotNil(t, rt.Server)
	assert.NotNil(t, rt.Registry)
	assert.Equal(t, "assistant", rt.Config.Service.Name)
}

func TestNewAssemblesSQLiteRuntime(t *testing.T) {
	rt, err := New(context.Background(), config.Settings{
		ServiceConfigPath: writeConfig(t, minimalConfig),
		TaskBackend:       "sqlite",
		SQLitePath:        filepath.Join(t.TempDir(), "tasks.db"),
	})
	require.NoError(t, err)
	rt.Close()
}

func TestNewRejectsUnknownTaskBackend(t *testing.T) {
	_, err := New(context.Background(), config.Settings{
		ServiceConfigPath: writeConfig(t, minimalConfig),
		TaskBackend:       "etcd",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown task backend")
}

func TestNewRejectsRedisBackendWithoutAddr(t *testing.T) {
	_, err := New(context.Background(), config.Settings{
		ServiceConfigPath: writeConfig(t, minimalConfig),
		TaskBackend:       "redis",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TA_REDIS_ADDR")
}

func TestNewRequiresRedirectURIForOAuthServers(t *testing.T) {
	_, err := New(context.Background(), config.Settings{
		ServiceConfigPath: writeConfig(t, oauthConfig),
		TaskBackend:       "memory",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TA_OAUTH_REDIRECT_URI")
}

func TestNewRegistersOAuthServers(t *testing.T) {
	// A localhost redirect URI is allowed even under strict validation.
	rt, err := New(context.Background(), config.Settings{
		ServiceConfigPath:     writeConfig(t, oauthConfig),
		TaskBackend:           "memory",
		OAuthRedirectURI:      "http://localhost:8000/oauth/github/callback",
		OAuthClientName:       "agentcore",
		StrictHTTPSValidation: true,
	})
	require.NoError(t, err)
	defer rt.Close()
}

func TestNewRejectsInsecureRedirectURI(t *testing.T) {
	_, err := New(context.Background(), config.Settings{
		ServiceConfigPath:     writeConfig(t, oauthConfig),
		TaskBackend:           "memory",
		OAuthRedirectURI:      "http://attacker.example.com/callback",
		OAuthClientName:       "agentcore",
		StrictHTTPSValidation: true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TA_OAUTH_REDIRECT_URI")

	// With strict validation off the URI is accepted.
	rt, err := New(context.Background(), config.Settings{
		ServiceConfigPath: writeConfig(t, oauthConfig),
		TaskBackend:       "memory",
		OAuthRedirectURI:  "http://internal.example.com/callback",
		OAuthClientName:   "agentcore",
	})
	require.NoError(t, err)
	rt.Close()
}

func TestNewRejectsUnknownModelProvider(t *testing.T) {
	cfg := `
service:
  name: assistant
model:
  provider: frontier
  name: frontier-xl
agents:
  - name: default
`
	_, err := New(context.Background(), config.Settings{
		ServiceConfigPath: writeConfig(t, cfg),
		TaskBackend:       "memory",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown model provider")
}

func TestBaseURLNormalizesWildcardHost(t *testing.T) {
	rt := &Runtime{Config: &config.Config{}}
	rt.Config.Server.Host = "0.0.0.0"
	rt.Config.Server.Port = 8000
	assert.Equal(t, "http://localhost:8000", rt.baseURL())

	rt.Config.Server.Host = "agents.internal"
	assert.Equal(t, "http://agents.internal:8000", rt.baseURL())
}
