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

package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	// wellKnownAuthServer is the RFC 8414 metadata path.
	wellKnownAuthServer = "/.well-known/oauth-authorization-server"

	// wellKnownProtectedResource is the RFC 9728 metadata path.
	wellKnownProtectedResource = "/.well-known/oauth-protected-resource"

	// discoveryCacheTTL bounds how long metadata responses are reused.
	discoveryCacheTTL = time.Hour

	// maxMetadataSize caps metadata document size.
	maxMetadataSize = 1 << 20
)

// ServerMetadata is the RFC 8414 authorization server metadata subset the
// broker uses.
type ServerMetadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// ResourceMetadata is the RFC 9728 protected resource metadata subset.
type ResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers,omitempty"`
	ScopesSupported      []string `json:"scopes_supported,omitempty"`
}

type discoveryEntry struct {
	server    *ServerMetadata
	resource  *ResourceMetadata
	negative  bool // cacheable 404 for protected resource metadata
	fetchedAt time.Time
}

// discoveryCache caches metadata per base URL in-process.
type discoveryCache struct {
	mu      sync.Mutex
	client  *http.Client
	entries map[string]*discoveryEntry
	now     func() time.Time
}

func newDiscoveryCache(client *http.Client) *discoveryCache {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &discoveryCache{
		client:  client,
		entries: make(map[string]*discoveryEntry),
		now:     time.Now,
	}
}

// ServerMetadata fetches (or returns cached) RFC 8414 metadata for the
// authorization server base URL.
func (c *discoveryCache) ServerMetadata(ctx context.Context, authServer string) (*ServerMetadata, error) {
	base := strings.TrimSuffix(authServer, "/")
	key := "as:" + base

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Sub(e.fetchedAt) < discoveryCacheTTL {
		c.mu.Unlock()
		if e.server == nil {
			return nil, fmt.Errorf("authorization server metadata unavailable for %s", base)
		}
		return e.server, nil
	}
	c.mu.Unlock()

	var meta ServerMetadata
	status, err := c.fetchJSON(ctx, base+wellKnownAuthServer, &meta)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("metadata request to %s returned %d", base, status)
	}

	if !slices.Contains(meta.CodeChallengeMethodsSupported, "S256") {
		// Not fatal; the server may still accept S256 without
		// advertising it.
		slog.Warn("Authorization server does not advertise S256 PKCE support",
			"auth_server", base)
	}

	c.mu.Lock()
	c.entries[key] = &discoveryEntry{server: &meta, fetchedAt: c.now()}
	c.mu.Unlock()
	return &meta, nil
}

// ProtectedResourceMetadata fetches (or returns cached) RFC 9728 metadata
// for the resource base URL. A 404 is cached as a negative result and
// reported as (nil, nil).
func (c *discoveryCache) ProtectedResourceMetadata(ctx context.Context, resourceBase string) (*ResourceMetadata, error) {
	base := strings.TrimSuffix(resourceBase, "/")
	key := "prm:" + base

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Sub(e.fetchedAt) < discoveryCacheTTL {
		c.mu.Unlock()
		if e.negative {
			return nil, nil
		}
		return e.resource, nil
	}
	c.mu.Unlock()

	var meta ResourceMetadata
	status, err := c.fetchJSON(ctx, base+wellKnownProtectedResource, &meta)
	if err != nil {
		return nil, err
	}

	entry := &discoveryEntry{fetchedAt: c.now()}
	switch status {
	case http.StatusOK:
		entry.resource = &meta
	case http.StatusNotFound:
		entry.negative = true
	default:
		return nil, fmt.Errorf("protected resource metadata request to %s returned %d", base, status)
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()

	if entry.negative {
		return nil, nil
	}
	return entry.resource, nil
}

func (c *discoveryCache) fetchJSON(ctx context.Context, url string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create metadata request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("metadata request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetadataSize)).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to parse metadata from %s: %w", url, err)
	}
	return resp.StatusCode, nil
}
