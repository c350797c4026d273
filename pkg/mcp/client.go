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

// Package mcp implements the transport-polymorphic MCP client.
//
// Stdio servers run as subprocesses through the mcp-go client library.
// HTTP servers are spoken to with JSON-RPC over streamable HTTP, with SSE
// responses handled inline. HTTP calls resolve auth headers from the
// credential store, honor per-server session affinity through the
// discovery store, and translate 401 Bearer challenges into refresh
// attempts or auth-required signals.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/tealagents/agentcore/pkg/authstore"
	"github.com/tealagents/agentcore/pkg/config"
	"github.com/tealagents/agentcore/pkg/discovery"
	"github.com/tealagents/agentcore/pkg/httpclient"
	"github.com/tealagents/agentcore/pkg/oauth"
)

const (
	protocolVersion = "2025-06-18"
	clientName      = "agentcore"

	// sessionHeader carries MCP session affinity for stateful servers.
	sessionHeader = "mcp-session-id"
)

// ToolInfo describes one tool enumerated from a server.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Annotations Annotations
}

// Result is the outcome of a tool call. IsError marks a tool-level
// failure the model should see, as opposed to a transport error.
type Result struct {
	Text    string
	IsError bool
}

// CallContext identifies the turn a tool call belongs to, so suspended
// calls can be persisted and replayed.
type CallContext struct {
	UserID    string
	SessionID string
	TaskID    string
	RequestID string
}

// Deps are the stores and broker a client needs for HTTP transports.
type Deps struct {
	AuthStorage authstore.Storage
	Broker      *oauth.Broker
	Sessions    *discovery.Manager
	HTTPClient  *httpclient.Client
}

// Client talks to one configured MCP server.
type Client struct {
	cfg  *config.McpServerConfig
	deps Deps

	reqID atomic.Int64

	mu    sync.Mutex
	stdio *mcpclient.Client
}

// NewClient creates a client for the server config.
func NewClient(cfg *config.McpServerConfig, deps Deps) *Client {
	if deps.HTTPClient == nil {
		deps.HTTPClient = httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		)
	}
	return &Client{cfg: cfg, deps: deps}
}

// ServerName returns the configured server name.
func (c *Client) ServerName() string { return c.cfg.Name }

// ListTools enumerates the server's tools, connecting as needed.
func (c *Client) ListTools(ctx context.Context, cc CallContext) ([]ToolInfo, error) {
	if c.cfg.Transport == config.TransportStdio {
		return c.listToolsStdio(ctx)
	}
	return c.listToolsHTTP(ctx, cc)
}

// CallTool invokes a tool. An elicitation request from the server is
// persisted and surfaced as ElicitationRequiredError.
func (c *Client) CallTool(ctx context.Context, cc CallContext, name string, args json.RawMessage) (*Result, error) {
	if c.cfg.Transport == config.TransportStdio {
		return c.callToolStdio(ctx, name, args)
	}
	return c.callToolHTTP(ctx, cc, name, args)
}

// Close shuts down any subprocess connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stdio != nil {
		err := c.stdio.Close()
		c.stdio = nil
		return err
	}
	return nil
}

// --- stdio transport ---

func (c *Client) connectStdio(ctx context.Context) (*mcpclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stdio != nil {
		return c.stdio, nil
	}

	env := make([]string, 0, len(c.cfg.Env))
	for k, v := range c.cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	client, err := mcpclient.NewStdioMCPClient(c.cfg.Command, env, c.cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create stdio MCP client: %w", err)
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: clientName, Version: "1.0"}
	initReq.Params.ProtocolVersion = protocolVersion
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to initialize MCP session: %w", err)
	}

	slog.Info("Connected to MCP server", "server", c.cfg.Name, "transport", "stdio")
	c.stdio = client
	return client, nil
}

func (c *Client) listToolsStdio(ctx context.Context) ([]ToolInfo, error) {
	client, err := c.connectStdio(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools on %s: %w", c.cfg.Name, err)
	}

	tools := make([]ToolInfo, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		schema, _ := json.Marshal(t.InputSchema)
		tools = append(tools, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
			Annotations: Annotations{
				ReadOnly:    t.Annotations.ReadOnlyHint,
				Destructive: t.Annotations.DestructiveHint,
				OpenWorld:   t.Annotations.OpenWorldHint,
			},
		})
	}
	return tools, nil
}

func (c *Client) callToolStdio(ctx context.Context, name string, args json.RawMessage) (*Result, error) {
	client, err := c.connectStdio(ctx)
	if err != nil {
		return nil, err
	}

	req := mcpgo.CallToolRequest{}
	req.Params.Name = name
	if len(args) > 0 {
		var parsed map[string]any
		if err := json.Unmarshal(args, &parsed); err != nil {
			return nil, fmt.Errorf("invalid tool arguments: %w", err)
		}
		req.Params.Arguments = parsed
	}

	resp, err := client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("tool call %s on %s failed: %w", name, c.cfg.Name, err)
	}

	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcpgo.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	return &Result{Text: strings.Join(texts, "\n"), IsError: resp.IsError}, nil
}

// --- HTTP transport ---

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) listToolsHTTP(ctx context.Context, cc CallContext) ([]ToolInfo, error) {
	if err := c.ensureHTTPSession(ctx, cc); err != nil {
		return nil, err
	}

	result, err := c.rpc(ctx, cc, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
			Annotations struct {
				ReadOnlyHint    *bool `json:"readOnlyHint"`
				DestructiveHint *bool `json:"destructiveHint"`
				OpenWorldHint   *bool `json:"openWorldHint"`
			} `json:"annotations"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse tools/list response from %s: %w", c.cfg.Name, err)
	}

	tools := make([]ToolInfo, 0, len(parsed.Tools))
	for _, t := range parsed.Tools {
		tools = append(tools, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
			Annotations: Annotations{
				ReadOnly:    t.Annotations.ReadOnlyHint,
				Destructive: t.Annotations.DestructiveHint,
				OpenWorld:   t.Annotations.OpenWorldHint,
			},
		})
	}
	return tools, nil
}

func (c *Client) callToolHTTP(ctx context.Context, cc CallContext, name string, args json.RawMessage) (*Result, error) {
	if err := c.ensureHTTPSession(ctx, cc); err != nil {
		return nil, err
	}

	params := map[string]any{"name": name}
	if len(args) > 0 {
		var parsed map[string]any
		if err := json.Unmarshal(args, &parsed); err != nil {
			return nil, fmt.Errorf("invalid tool arguments: %w", err)
		}
		params["arguments"] = parsed
	}

	result, err := c.rpc(ctx, cc, "tools/call", params)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		IsError bool `json:"isError"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Elicitation *struct {
			ElicitationID   string          `json:"elicitationId"`
			Mode            string          `json:"mode"`
			URL             string          `json:"url"`
			RequestedSchema json.RawMessage `json:"requestedSchema"`
			Message         string          `json:"message"`
		} `json:"elicitation"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse tools/call response from %s: %w", c.cfg.Name, err)
	}

	if parsed.Elicitation != nil {
		pending := &discovery.PendingElicitation{
			ElicitationID:   parsed.Elicitation.ElicitationID,
			Mode:            parsed.Elicitation.Mode,
			URL:             parsed.Elicitation.URL,
			RequestedSchema: parsed.Elicitation.RequestedSchema,
			Message:         parsed.Elicitation.Message,
			ServerName:      c.cfg.Name,
			UserID:          cc.UserID,
			SessionID:       cc.SessionID,
			TaskID:          cc.TaskID,
			RequestID:       cc.RequestID,
			ToolName:        name,
			ToolArgs:        args,
		}
		if c.deps.Sessions != nil {
			if err := c.deps.Sessions.AddPendingElicitation(ctx, cc.UserID, cc.SessionID, pending); err != nil {
				return nil, fmt.Errorf("failed to persist pending elicitation: %w", err)
			}
		}
		return nil, &ElicitationRequiredError{Pending: pending}
	}

	var texts []string
	for _, content := range parsed.Content {
		if content.Type == "text" {
			texts = append(texts, content.Text)
		}
	}
	return &Result{Text: strings.Join(texts, "\n"), IsError: parsed.IsError}, nil
}

// ensureHTTPSession performs the initialize handshake once per
// (user, session) and persists the issued MCP session id.
func (c *Client) ensureHTTPSession(ctx context.Context, cc CallContext) error {
	if c.deps.Sessions != nil {
		id, err := c.deps.Sessions.ServerSession(ctx, cc.UserID, cc.SessionID, c.cfg.Name)
		if err != nil {
			return err
		}
		if id != "" {
			return nil
		}
	}

	_, err := c.rpc(ctx, cc, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo":      map[string]any{"name": clientName, "version": "1.0"},
		"capabilities":    map[string]any{},
	})
	return err
}

// rpc sends one JSON-RPC request with full header resolution, session
// affinity and 401 challenge handling.
func (c *Client) rpc(ctx context.Context, cc CallContext, method string, params any) (json.RawMessage, error) {
	refreshed := false
	reopenedSession := false

	for {
		headers, err := c.resolveHeaders(ctx, cc.UserID)
		if err != nil {
			return nil, err
		}

		mcpSession := ""
		if c.deps.Sessions != nil {
			mcpSession, err = c.deps.Sessions.ServerSession(ctx, cc.UserID, cc.SessionID, c.cfg.Name)
			if err != nil {
				return nil, err
			}
			if mcpSession != "" {
				headers[sessionHeader] = mcpSession
			}
		}

		resp, body, err := c.post(ctx, method, params, headers)
		if err != nil {
			return nil, err
		}

		if newID := resp.Header.Get(sessionHeader); newID != "" && newID != mcpSession && c.deps.Sessions != nil {
			if err := c.deps.Sessions.SetServerSession(ctx, cc.UserID, cc.SessionID, c.cfg.Name, newID); err != nil {
				return nil, err
			}
		}

		if resp.StatusCode == http.StatusUnauthorized {
			retry, err := c.handle401(ctx, cc, resp, mcpSession, &refreshed, &reopenedSession)
			if err != nil {
				return nil, err
			}
			if retry {
				continue
			}
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("MCP server %s returned HTTP %d: %s",
				c.cfg.Name, resp.StatusCode, truncate(string(body), 200))
		}

		var rpcResp rpcResponse
		if err := json.Unmarshal(body, &rpcResp); err != nil {
			return nil, fmt.Errorf("failed to parse response from %s: %w", c.cfg.Name, err)
		}
		if rpcResp.Error != nil {
			return nil, &ServerError{ServerName: c.cfg.Name, Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
		}

		if c.deps.Sessions != nil && mcpSession != "" {
			_ = c.deps.Sessions.TouchServerSession(ctx, cc.UserID, cc.SessionID, c.cfg.Name)
		}
		return rpcResp.Result, nil
	}
}

// handle401 interprets the Bearer challenge. It reports whether the call
// should be retried.
func (c *Client) handle401(ctx context.Context, cc CallContext, resp *http.Response, mcpSession string, refreshed, reopenedSession *bool) (bool, error) {
	challenge, parseErr := oauth.ParseChallenge(resp.Header.Get("WWW-Authenticate"))
	if parseErr != nil {
		challenge = &oauth.Challenge{}
	}

	switch challenge.Error {
	case "invalid_session":
		// The server-issued session expired. Clear it only if it still
		// matches what we sent, then re-handshake once.
		if *reopenedSession || c.deps.Sessions == nil || mcpSession == "" {
			break
		}
		*reopenedSession = true
		if err := c.deps.Sessions.ClearServerSessionIf(ctx, cc.UserID, cc.SessionID, c.cfg.Name, mcpSession); err != nil {
			return false, err
		}
		if err := c.ensureHTTPSession(ctx, cc); err != nil {
			return false, err
		}
		return true, nil

	case oauth.ErrorInvalidToken:
		if !*refreshed && c.deps.Broker != nil {
			*refreshed = true
			if _, err := c.deps.Broker.Refresh(ctx, cc.UserID, c.cfg.Name); err == nil {
				return true, nil
			}
			slog.Info("Token refresh failed, user must re-authorize", "server", c.cfg.Name)
		}

	case oauth.ErrorInsufficientScope:
		scopes := challenge.Scopes()
		if len(scopes) == 0 {
			scopes = c.cfg.Scopes
		}
		return false, &oauth.AuthRequiredError{
			ServerName: c.cfg.Name,
			AuthServer: c.cfg.AuthServer,
			Scopes:     scopes,
		}
	}

	if c.cfg.HasOAuth() {
		return false, &oauth.AuthRequiredError{
			ServerName: c.cfg.Name,
			AuthServer: c.cfg.AuthServer,
			Scopes:     c.cfg.Scopes,
		}
	}
	return false, fmt.Errorf("MCP server %s returned 401: %s", c.cfg.Name, challenge.Error)
}

func (c *Client) post(ctx context.Context, method string, params any, headers map[string]string) (*http.Response, []byte, error) {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.reqID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, strings.NewReader(string(payload)))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.deps.HTTPClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request to %s failed: %w", c.cfg.Name, err)
	}
	defer resp.Body.Close()

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		body, err := readSSEBody(resp.Body, c.cfg.SSEReadTimeout)
		return resp, body, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response from %s: %w", c.cfg.Name, err)
	}
	return resp, body, nil
}

// resolveHeaders composes outbound headers: config headers first
// (Authorization filtered when OAuth is configured), then the OAuth
// credential, then the optional user-id header.
func (c *Client) resolveHeaders(ctx context.Context, userID string) (map[string]string, error) {
	headers := make(map[string]string, len(c.cfg.Headers)+2)
	for k, v := range c.cfg.Headers {
		if c.cfg.HasOAuth() && strings.EqualFold(k, "Authorization") {
			continue
		}
		headers[k] = v
	}

	if c.cfg.HasOAuth() {
		if c.deps.AuthStorage == nil {
			return nil, fmt.Errorf("server %s requires OAuth but no credential store is configured", c.cfg.Name)
		}
		key := authstore.BuildKey(c.cfg.AuthServer, c.cfg.Scopes)
		data, err := c.deps.AuthStorage.Retrieve(ctx, userID, key)
		if err != nil || data.IsExpired() {
			return nil, &oauth.AuthRequiredError{
				ServerName: c.cfg.Name,
				AuthServer: c.cfg.AuthServer,
				Scopes:     c.cfg.Scopes,
			}
		}
		headers["Authorization"] = data.AuthorizationHeader()
	}

	if c.cfg.UserIDHeader != "" {
		switch c.cfg.UserIDSource {
		case "env":
			if v := os.Getenv(c.cfg.UserIDEnvVar); v != "" {
				headers[c.cfg.UserIDHeader] = v
			}
		default:
			headers[c.cfg.UserIDHeader] = userID
		}
	}
	return headers, nil
}

// readSSEBody extracts the first complete data payload from an SSE stream.
func readSSEBody(r io.Reader, timeout time.Duration) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)

	go func() {
		reader := bufio.NewReader(r)
		var data strings.Builder
		for {
			line, err := reader.ReadString('\n')
			trimmed := strings.TrimSpace(line)
			if strings.HasPrefix(trimmed, "data:") {
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(trimmed, "data:")))
			} else if trimmed == "" && data.Len() > 0 {
				ch <- result{data: []byte(data.String())}
				return
			}
			if err != nil {
				if data.Len() > 0 {
					ch <- result{data: []byte(data.String())}
				} else {
					ch <- result{err: fmt.Errorf("SSE stream ended without a message")}
				}
				return
			}
		}
	}()

	select {
	case res := <-ch:
		return res.data, res.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("timeout reading SSE response after %v", timeout)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
