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

// Package oauth implements the OAuth 2.1 authorization broker: PKCE
// (RFC 7636), authorization server metadata discovery (RFC 8414),
// protected resource metadata (RFC 9728), Bearer challenge parsing
// (RFC 6750) and the authorization-code and refresh-token grants with
// resource indicators.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/tealagents/agentcore/pkg/authstore"
)

// ServerAuth is the per-server authorization configuration the broker
// needs to drive a flow.
type ServerAuth struct {
	// ServerName is the MCP server's configured name.
	ServerName string

	// AuthServer is the authorization server base URL.
	AuthServer string

	// Scopes are the scopes configured for this server.
	Scopes []string

	// Resource is the canonical resource URI of the MCP server, bound
	// into the grant via the resource parameter (RFC 8707).
	Resource string

	// ClientID and ClientSecret identify the platform's registration at
	// the authorization server. ClientSecret may be empty (public client).
	ClientID     string
	ClientSecret string
}

// tokenResponse is the OAuth token endpoint response body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	Aud          string `json:"aud"`
}

// Broker drives user authorization flows against external authorization
// servers and stores the resulting credentials.
type Broker struct {
	store       authstore.Storage
	flows       FlowStore
	discovery   *discoveryCache
	httpClient  *http.Client
	redirectURI string
	servers     map[string]ServerAuth
	now         func() time.Time
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBrokerHTTPClient replaces the HTTP client used for discovery and
// token requests.
func WithBrokerHTTPClient(client *http.Client) BrokerOption {
	return func(b *Broker) {
		b.httpClient = client
		b.discovery = newDiscoveryCache(client)
	}
}

// NewBroker creates a Broker. redirectURI is the platform's callback URL
// registered with each authorization server.
func NewBroker(store authstore.Storage, flows FlowStore, redirectURI string, opts ...BrokerOption) *Broker {
	b := &Broker{
		store:       store,
		flows:       flows,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		redirectURI: redirectURI,
		servers:     make(map[string]ServerAuth),
		now:         time.Now,
	}
	b.discovery = newDiscoveryCache(b.httpClient)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RegisterServer makes a server known to the broker so callbacks can be
// routed by server name.
func (b *Broker) RegisterServer(auth ServerAuth) {
	b.servers[auth.ServerName] = auth
}

// Server returns the registered authorization configuration by name.
func (b *Broker) Server(name string) (ServerAuth, bool) {
	auth, ok := b.servers[name]
	return auth, ok
}

// CompositeKey returns the credential storage key for a server's
// authorization configuration.
func (a ServerAuth) CompositeKey() string {
	return authstore.BuildKey(a.AuthServer, a.Scopes)
}

// CanonicalResource normalizes a resource URI for token binding:
// lowercase scheme and host, port and path preserved, fragment dropped,
// trailing slash trimmed.
func CanonicalResource(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid resource URI %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("resource URI %q must be absolute", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	return strings.TrimSuffix(u.String(), "/"), nil
}

// InitiateAuthorizationFlow creates a pending flow for the user and server
// and returns the authorization URL the user must visit. The flow state is
// persisted under both state and (user, state) keys and expires after the
// store's TTL. The resource indicator is resolved through RFC 9728
// protected resource metadata when the server publishes it.
func (b *Broker) InitiateAuthorizationFlow(ctx context.Context, userID, serverName string) (string, error) {
	auth, ok := b.servers[serverName]
	if !ok {
		return "", fmt.Errorf("unknown server %q", serverName)
	}
	resource := b.resolveResource(ctx, auth)

	verifier, err := GenerateVerifier()
	if err != nil {
		return "", err
	}
	challenge, err := GenerateCodeChallenge(verifier)
	if err != nil {
		return "", err
	}
	state, err := GenerateState()
	if err != nil {
		return "", err
	}

	flow := &FlowState{
		State:      state,
		Verifier:   verifier,
		UserID:     userID,
		ServerName: serverName,
		Resource:   resource,
		Scopes:     auth.Scopes,
		CreatedAt:  b.now(),
	}
	if err := b.flows.Put(ctx, flow); err != nil {
		return "", fmt.Errorf("failed to persist flow state: %w", err)
	}

	authorizeEndpoint := b.authorizationEndpoint(ctx, auth.AuthServer)

	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", auth.ClientID)
	params.Set("redirect_uri", b.redirectURI)
	if len(auth.Scopes) > 0 {
		params.Set("scope", strings.Join(auth.Scopes, " "))
	}
	params.Set("state", state)
	params.Set("code_challenge", challenge)
	params.Set("code_challenge_method", "S256")
	if resource != "" {
		params.Set("resource", resource)
	}

	sep := "?"
	if strings.Contains(authorizeEndpoint, "?") {
		sep = "&"
	}
	return authorizeEndpoint + sep + params.Encode(), nil
}

// authorizationEndpoint resolves the authorization endpoint via RFC 8414
// metadata, falling back to the conventional /authorize path.
func (b *Broker) authorizationEndpoint(ctx context.Context, authServer string) string {
	meta, err := b.discovery.ServerMetadata(ctx, authServer)
	if err == nil && meta.AuthorizationEndpoint != "" {
		return meta.AuthorizationEndpoint
	}
	if err != nil {
		slog.Debug("Authorization server metadata discovery failed, using default endpoint",
			"auth_server", authServer, "error", err)
	}
	return strings.TrimSuffix(authServer, "/") + "/authorize"
}

// resolveResource resolves the resource indicator for a server. When the
// server publishes RFC 9728 protected resource metadata, the identifier it
// declares wins over the configured value. Discovery failures and servers
// without metadata fall back to the configured canonical URI; a 404 is
// cached so the fallback does not refetch per flow.
func (b *Broker) resolveResource(ctx context.Context, auth ServerAuth) string {
	if auth.Resource == "" {
		return ""
	}
	meta, err := b.discovery.ProtectedResourceMetadata(ctx, auth.Resource)
	if err != nil {
		slog.Debug("Protected resource metadata discovery failed, using configured resource",
			"server", auth.ServerName, "error", err)
		return auth.Resource
	}
	if meta != nil && meta.Resource != "" {
		canonical, err := CanonicalResource(meta.Resource)
		if err != nil {
			slog.Warn("Protected resource metadata declares an invalid resource identifier",
				"server", auth.ServerName, "resource", meta.Resource, "error", err)
			return auth.Resource
		}
		return canonical
	}
	return auth.Resource
}

// tokenEndpoint resolves the token endpoint via RFC 8414 metadata, falling
// back to the conventional /token path.
func (b *Broker) tokenEndpoint(ctx context.Context, authServer string) string {
	meta, err := b.discovery.ServerMetadata(ctx, authServer)
	if err == nil && meta.TokenEndpoint != "" {
		return meta.TokenEndpoint
	}
	return strings.TrimSuffix(authServer, "/") + "/token"
}

// HandleCallback completes a flow: it validates the state against the
// pending flow record and the record's user binding, exchanges the
// authorization code, validates the granted scopes against the requested
// set and stores the credential. The flow record is deleted whether the
// exchange succeeds or fails validation.
func (b *Broker) HandleCallback(ctx context.Context, serverName, state, code string) (*authstore.AuthData, error) {
	flow, err := b.flows.GetByState(ctx, state)
	if err != nil {
		return nil, err
	}
	if flow.ServerName != serverName {
		_ = b.flows.Delete(ctx, flow.UserID, flow.State)
		return nil, ErrFlowNotFound
	}
	// The record must still be live under its (user, state) key; a flow
	// reachable by state alone has lost its user binding and cannot be
	// completed.
	if _, err := b.flows.GetByUser(ctx, flow.UserID, flow.State); err != nil {
		_ = b.flows.Delete(ctx, flow.UserID, flow.State)
		return nil, ErrFlowNotFound
	}

	auth, ok := b.servers[serverName]
	if !ok {
		_ = b.flows.Delete(ctx, flow.UserID, flow.State)
		return nil, fmt.Errorf("unknown server %q", serverName)
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", b.redirectURI)
	form.Set("code_verifier", flow.Verifier)
	form.Set("client_id", auth.ClientID)
	if auth.ClientSecret != "" {
		form.Set("client_secret", auth.ClientSecret)
	}
	if flow.Resource != "" {
		form.Set("resource", flow.Resource)
	}

	token, status, err := b.postToken(ctx, auth.AuthServer, form)
	if err != nil {
		_ = b.flows.Delete(ctx, flow.UserID, flow.State)
		return nil, &TokenExchangeError{ServerName: serverName, StatusCode: status, Err: err}
	}

	// Reject any scope the user never asked for. An empty scope field in
	// the response means the requested scopes were granted as-is.
	granted := strings.Fields(token.Scope)
	if len(granted) > 0 {
		var unauthorized []string
		for _, s := range granted {
			if !slices.Contains(flow.Scopes, s) {
				unauthorized = append(unauthorized, s)
			}
		}
		if len(unauthorized) > 0 {
			_ = b.flows.Delete(ctx, flow.UserID, flow.State)
			return nil, &UnauthorizedScopesError{
				ServerName:   serverName,
				Requested:    flow.Scopes,
				Unauthorized: unauthorized,
			}
		}
	} else {
		granted = flow.Scopes
	}

	data := &authstore.AuthData{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Scopes:       granted,
		Resource:     flow.Resource,
		Audience:     token.Aud,
		TokenType:    token.TokenType,
		IssuedAt:     b.now(),
	}
	if token.ExpiresIn > 0 {
		data.ExpiresAt = b.now().Add(time.Duration(token.ExpiresIn) * time.Second)
	}

	key := authstore.BuildKey(auth.AuthServer, flow.Scopes)
	if err := b.store.Store(ctx, flow.UserID, key, data); err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}
	if err := b.flows.Delete(ctx, flow.UserID, flow.State); err != nil {
		slog.Warn("Failed to delete completed flow state", "state", flow.State, "error", err)
	}

	slog.Info("Authorization flow completed",
		"server", serverName, "user_id", flow.UserID, "scopes", strings.Join(granted, " "))
	return data, nil
}

// Refresh exchanges the stored refresh token for a new credential. The
// stored record is replaced; refresh token rotation is honored. When no
// refresh token exists the caller must restart the authorization flow.
func (b *Broker) Refresh(ctx context.Context, userID, serverName string) (*authstore.AuthData, error) {
	auth, ok := b.servers[serverName]
	if !ok {
		return nil, fmt.Errorf("unknown server %q", serverName)
	}

	key := authstore.BuildKey(auth.AuthServer, auth.Scopes)
	current, err := b.store.Retrieve(ctx, userID, key)
	if err != nil {
		return nil, &RefreshError{ServerName: serverName, Err: err}
	}
	if current.RefreshToken == "" {
		return nil, &RefreshError{ServerName: serverName, Err: fmt.Errorf("no refresh token stored")}
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", current.RefreshToken)
	form.Set("client_id", auth.ClientID)
	if auth.ClientSecret != "" {
		form.Set("client_secret", auth.ClientSecret)
	}
	// Refresh against the resource the original grant was bound to.
	resource := current.Resource
	if resource == "" {
		resource = auth.Resource
	}
	if resource != "" {
		form.Set("resource", resource)
	}

	token, status, err := b.postToken(ctx, auth.AuthServer, form)
	if err != nil {
		return nil, &RefreshError{ServerName: serverName, StatusCode: status, Err: err}
	}

	data := &authstore.AuthData{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Scopes:       current.Scopes,
		Resource:     current.Resource,
		Audience:     token.Aud,
		TokenType:    token.TokenType,
		IssuedAt:     b.now(),
	}
	if data.Audience == "" {
		data.Audience = current.Audience
	}
	if data.RefreshToken == "" {
		// Server did not rotate; keep the existing refresh token.
		data.RefreshToken = current.RefreshToken
	}
	if token.ExpiresIn > 0 {
		data.ExpiresAt = b.now().Add(time.Duration(token.ExpiresIn) * time.Second)
	}

	if err := b.store.Store(ctx, userID, key, data); err != nil {
		return nil, fmt.Errorf("failed to store refreshed credential: %w", err)
	}

	slog.Info("Access token refreshed", "server", serverName, "user_id", userID)
	return data, nil
}

// postToken submits a token-endpoint request and decodes the response.
func (b *Broker) postToken(ctx context.Context, authServer string, form url.Values) (*tokenResponse, int, error) {
	endpoint := b.tokenEndpoint(ctx, authServer)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("token endpoint returned %d: %s",
			resp.StatusCode, truncate(string(body), 200))
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to parse token response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, resp.StatusCode, fmt.Errorf("token response missing access_token")
	}
	return &token, resp.StatusCode, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
