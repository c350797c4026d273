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

package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Transport names for MCP servers.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Trust levels for MCP servers. The trust level biases the governance
// derived from tool annotations: trusted servers may suppress HITL for
// non-destructive tools, untrusted servers force HITL for every tool.
const (
	TrustTrusted   = "trusted"
	TrustSandboxed = "sandboxed"
	TrustUntrusted = "untrusted"
)

// shellMetachars are rejected in stdio commands; the command is executed
// directly, never through a shell, and metacharacters signal an attempt to
// smuggle one in.
const shellMetachars = ";&|$`"

// McpServerConfig configures one remote MCP server.
type McpServerConfig struct {
	Name      string `yaml:"name"`
	Transport string `yaml:"transport"`

	// stdio transport.
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`

	// http transport.
	URL            string            `yaml:"url"`
	Headers        map[string]string `yaml:"headers"`
	Timeout        time.Duration     `yaml:"timeout"`
	SSEReadTimeout time.Duration     `yaml:"sse_read_timeout"`
	VerifySSL      *bool             `yaml:"verify_ssl"`

	// OAuth. AuthServer and Scopes must be provided together.
	AuthServer        string   `yaml:"auth_server"`
	Scopes            []string `yaml:"scopes"`
	OAuthClientID     string   `yaml:"oauth_client_id"`
	OAuthClientSecret string   `yaml:"oauth_client_secret"`

	// CanonicalURI overrides the computed canonical resource URI used
	// for OAuth resource binding.
	CanonicalURI string `yaml:"canonical_uri"`

	// TrustLevel defaults to untrusted.
	TrustLevel string `yaml:"trust_level"`

	// GovernanceOverrides apply field-by-field on top of the governance
	// derived from tool annotations, keyed by tool name.
	GovernanceOverrides map[string]GovernanceOverride `yaml:"governance_overrides"`

	// UserIDHeader injects the calling user into requests when set.
	// UserIDSource is "auth" (authenticated principal) or "env";
	// UserIDEnvVar names the variable for the env source.
	UserIDHeader string `yaml:"user_id_header"`
	UserIDSource string `yaml:"user_id_source"`
	UserIDEnvVar string `yaml:"user_id_env_var"`
}

// GovernanceOverride patches derived governance for a single tool.
// Nil/empty fields leave the derived value in place.
type GovernanceOverride struct {
	RequiresHitl    *bool  `yaml:"requires_hitl"`
	Cost            string `yaml:"cost"`
	DataSensitivity string `yaml:"data_sensitivity"`
}

// SetDefaults fills unset fields with defaults.
func (c *McpServerConfig) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.SSEReadTimeout == 0 {
		c.SSEReadTimeout = 300 * time.Second
	}
	if c.TrustLevel == "" {
		c.TrustLevel = TrustUntrusted
	}
}

// Validate checks the server config. strictHTTPS additionally requires the
// auth server to be HTTPS (localhost excepted).
func (c *McpServerConfig) Validate(strictHTTPS bool) error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}

	switch c.Transport {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("command is required for stdio transport")
		}
		if strings.ContainsAny(c.Command, shellMetachars) {
			return fmt.Errorf("command contains shell metacharacters")
		}
	case TransportHTTP:
		if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
			return fmt.Errorf("url must begin with http:// or https://")
		}
	default:
		return fmt.Errorf("unknown transport %q (expected stdio or http)", c.Transport)
	}

	if (c.AuthServer == "") != (len(c.Scopes) == 0) {
		return fmt.Errorf("auth_server and scopes must be provided together")
	}

	if c.AuthServer != "" {
		if c.Transport == TransportStdio {
			return fmt.Errorf("stdio transport cannot use OAuth")
		}
		if strictHTTPS && !isSecureURL(c.AuthServer) {
			return fmt.Errorf("auth_server must be https in strict mode: %s", c.AuthServer)
		}
	}

	switch c.TrustLevel {
	case TrustTrusted, TrustSandboxed, TrustUntrusted:
	default:
		return fmt.Errorf("unknown trust_level %q", c.TrustLevel)
	}

	if c.UserIDSource != "" && c.UserIDSource != "auth" && c.UserIDSource != "env" {
		return fmt.Errorf("user_id_source must be auth or env")
	}
	if c.UserIDSource == "env" && c.UserIDEnvVar == "" {
		return fmt.Errorf("user_id_env_var is required when user_id_source is env")
	}

	return nil
}

// HasOAuth reports whether this server requires user OAuth.
func (c *McpServerConfig) HasOAuth() bool {
	return c.AuthServer != "" && len(c.Scopes) > 0
}

// isSecureURL accepts https URLs plus the localhost exceptions.
func isSecureURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme == "https" {
		return true
	}
	if u.Scheme != "http" {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// IsSecureURL reports whether raw satisfies the strict-HTTPS rule:
// https, or http to localhost/127.0.0.1/[::1].
func IsSecureURL(raw string) bool {
	return isSecureURL(raw)
}
