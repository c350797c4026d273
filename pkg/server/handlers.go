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

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tealagents/agentcore/pkg/oauth"
	"github.com/tealagents/agentcore/pkg/orchestrator"
)

// maxBodySize bounds request bodies; multimodal items travel as data URIs
// so the limit is generous.
const maxBodySize = 16 << 20

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var msg orchestrator.UserMessage
	if err := decodeBody(w, r, &msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := s.orch.Invoke(r.Context(), principal(r), &msg)
	if err != nil {
		s.writeOrchestratorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInvokeStream(w http.ResponseWriter, r *http.Request) {
	var msg orchestrator.UserMessage
	if err := decodeBody(w, r, &msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	emit := func(p *orchestrator.PartialResponse) error {
		return writeSSE(w, flusher, "partial", p)
	}

	resp, err := s.orch.InvokeStream(r.Context(), principal(r), &msg, emit)
	if err != nil {
		// Headers are gone; the error travels as a terminal event.
		_ = writeSSE(w, flusher, "error", map[string]string{
			"error": publicError(err),
		})
		return
	}
	_ = writeSSE(w, flusher, resp.Kind(), resp)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")

	var req orchestrator.ResumeRequest
	if r.ContentLength > 0 {
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	// Approval and rejection links carry the action as a query parameter.
	if req.Action == "" {
		req.Action = r.URL.Query().Get("action")
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "action is required")
		return
	}

	resp, err := s.orch.Resume(r.Context(), principal(r), taskID, &req, nil)
	if err != nil {
		s.writeOrchestratorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	serverName := chi.URLParam(r, "server")
	if s.broker == nil {
		writeError(w, http.StatusBadRequest, "oauth is not configured")
		return
	}
	if _, ok := s.broker.Server(serverName); !ok {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("no oauth client configured for server %q", serverName))
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	authURL, err := s.broker.InitiateAuthorizationFlow(r.Context(), userID, serverName)
	if err != nil {
		slog.Error("Failed to initiate authorization flow",
			"server", serverName, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start authorization flow")
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	serverName := chi.URLParam(r, "server")
	if s.broker == nil {
		writeError(w, http.StatusBadRequest, "oauth is not configured")
		return
	}

	query := r.URL.Query()
	if errCode := query.Get("error"); errCode != "" {
		slog.Warn("Authorization server returned an error",
			"server", serverName, "error", errCode,
			"description", query.Get("error_description"))
		writeCallbackPage(w, http.StatusBadRequest, "Authorization failed",
			"The authorization server reported an error. You can close this window and try again.")
		return
	}

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		writeCallbackPage(w, http.StatusBadRequest, "Authorization failed",
			"The callback is missing its code or state parameter.")
		return
	}

	_, err := s.broker.HandleCallback(r.Context(), serverName, state, code)
	if err != nil {
		var scopeErr *oauth.UnauthorizedScopesError
		var exchangeErr *oauth.TokenExchangeError
		switch {
		case errors.Is(err, oauth.ErrFlowNotFound):
			writeCallbackPage(w, http.StatusBadRequest, "Authorization failed",
				"This authorization link is invalid or has expired. Please start over.")
		case errors.As(err, &scopeErr):
			writeCallbackPage(w, http.StatusBadRequest, "Authorization failed",
				"The authorization server granted scopes that were never requested, so the token was discarded.")
		case errors.As(err, &exchangeErr):
			slog.Error("Token exchange failed", "server", serverName, "error", err)
			writeCallbackPage(w, http.StatusBadGateway, "Authorization failed",
				"The authorization server rejected the token exchange. Please try again later.")
		default:
			slog.Error("Authorization callback failed", "server", serverName, "error", err)
			writeCallbackPage(w, http.StatusInternalServerError, "Authorization failed",
				"Something went wrong completing the authorization.")
		}
		return
	}

	writeCallbackPage(w, http.StatusOK, "Authorization complete",
		"You can close this window and return to your conversation.")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
		"version": Version,
	})
}

// writeOrchestratorError maps orchestrator errors to HTTP statuses. The
// wrapped cause of an AgentInvokeError is logged, never echoed.
func (s *Server) writeOrchestratorError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, orchestrator.ErrTaskNotOwned):
		writeError(w, http.StatusConflict, "task belongs to another user")
	case errors.Is(err, orchestrator.ErrTaskTerminal):
		writeError(w, http.StatusGone, "task is already in a terminal state")
	case errors.Is(err, orchestrator.ErrTaskNotPaused),
		errors.Is(err, orchestrator.ErrTurnInFlight):
		writeError(w, http.StatusConflict, publicError(err))
	case errors.Is(err, orchestrator.ErrBadResume):
		writeError(w, http.StatusBadRequest, publicError(err))
	default:
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, publicError(err))
	}
}

// publicError is the message safe to return to the client.
func publicError(err error) string {
	var invokeErr *orchestrator.AgentInvokeError
	if errors.As(err, &invokeErr) {
		return "agent invocation failed"
	}
	return err.Error()
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

const callbackPage = `<!DOCTYPE html>
<html>
<head><title>%s</title></head>
<body style="font-family: sans-serif; text-align: center; margin-top: 4em;">
<h1>%s</h1>
<p>%s</p>
</body>
</html>
`

func writeCallbackPage(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, callbackPage, title, title, message)
}
