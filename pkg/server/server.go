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

// Package server is the HTTP surface: a thin chi router over the
// orchestrator, the OAuth broker and the health/metrics endpoints. All
// agent routes require a platform principal; OAuth callbacks and health
// do not.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tealagents/agentcore"
	"github.com/tealagents/agentcore/pkg/auth"
	"github.com/tealagents/agentcore/pkg/config"
	"github.com/tealagents/agentcore/pkg/oauth"
	"github.com/tealagents/agentcore/pkg/orchestrator"
)

// Version is reported by the health endpoint. Defaults to the module
// version; the CLI overrides it with the build-time stamp.
var Version = agentcore.Version

// Server wires the HTTP routes to the runtime components.
type Server struct {
	cfg        *config.Config
	orch       *orchestrator.Orchestrator
	broker     *oauth.Broker
	authorizer auth.RequestAuthorizer
	registry   *prometheus.Registry
	startedAt  time.Time
}

// Options carries the server's collaborators. Broker may be nil when no
// MCP server uses OAuth; Registry may be nil to disable /metrics.
type Options struct {
	Config     *config.Config
	Orch       *orchestrator.Orchestrator
	Broker     *oauth.Broker
	Authorizer auth.RequestAuthorizer
	Registry   *prometheus.Registry
}

// New creates a Server.
func New(opts Options) *Server {
	return &Server{
		cfg:        opts.Config,
		orch:       opts.Orch,
		broker:     opts.Broker,
		authorizer: opts.Authorizer,
		registry:   opts.Registry,
		startedAt:  time.Now(),
	}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	base := fmt.Sprintf("/%s/%s", s.cfg.Service.Name, s.cfg.Service.Version)
	r.Route(base, func(r chi.Router) {
		r.Use(s.requirePrincipal)
		r.Post("/invoke", s.handleInvoke)
		r.Post("/invoke/stream", s.handleInvokeStream)
		r.Post("/resume/{task_id}", s.handleResume)
	})

	r.Get("/oauth/{server}/authorize", s.handleAuthorize)
	r.Get("/oauth/{server}/callback", s.handleCallback)

	r.Get("/health", s.handleHealth)
	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	return r
}

// ListenAndServe runs the server until ctx is canceled, then drains
// in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr,
			"service", s.cfg.Service.Name, "version", s.cfg.Service.Version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		slog.Info("Shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	}
}

type principalKey struct{}

// requirePrincipal resolves the Authorization header into a user id and
// stores it on the request context.
func (s *Server) requirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.authorizer.AuthorizeRequest(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			slog.Debug("Request rejected by authorizer", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principal(r *http.Request) string {
	userID, _ := r.Context().Value(principalKey{}).(string)
	return userID
}

// requestLogger logs one line per request at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("HTTP request",
			"method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "elapsed", time.Since(start))
	})
}
