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

// Package runtime assembles the service from its configuration: store
// backends, OAuth broker, kernel builder, chooser, orchestrator and the
// HTTP server. It is the only package that knows how the pieces fit
// together; everything below it is wired through constructor parameters.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/tealagents/agentcore/pkg/auth"
	"github.com/tealagents/agentcore/pkg/authstore"
	"github.com/tealagents/agentcore/pkg/catalog"
	"github.com/tealagents/agentcore/pkg/chooser"
	"github.com/tealagents/agentcore/pkg/config"
	"github.com/tealagents/agentcore/pkg/discovery"
	"github.com/tealagents/agentcore/pkg/hitl"
	"github.com/tealagents/agentcore/pkg/history"
	"github.com/tealagents/agentcore/pkg/kernel"
	"github.com/tealagents/agentcore/pkg/mcp"
	"github.com/tealagents/agentcore/pkg/model"
	"github.com/tealagents/agentcore/pkg/oauth"
	"github.com/tealagents/agentcore/pkg/observability"
	"github.com/tealagents/agentcore/pkg/orchestrator"
	"github.com/tealagents/agentcore/pkg/plugin"
	"github.com/tealagents/agentcore/pkg/server"
	"github.com/tealagents/agentcore/pkg/task"
)

// Runtime is a fully assembled service instance.
type Runtime struct {
	Config   *config.Config
	Settings config.Settings
	Server   *server.Server
	Registry *prometheus.Registry

	closers []func() error
}

// New loads the service configuration and assembles the runtime. The
// returned Runtime owns its store connections; call Close when done.
func New(ctx context.Context, settings config.Settings) (*Runtime, error) {
	if settings.ServiceConfigPath == "" {
		return nil, fmt.Errorf("TA_SERVICE_CONFIG is required")
	}
	cfg, err := config.Load(settings.ServiceConfigPath)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{Config: cfg, Settings: settings}
	if err := rt.assemble(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) assemble(ctx context.Context) error {
	cfg := rt.Config
	settings := rt.Settings

	var redisClient *redis.Client
	if settings.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     settings.RedisAddr,
			Password: settings.RedisPassword,
			DB:       settings.RedisDB,
		})
		rt.closers = append(rt.closers, redisClient.Close)
	}

	persistence, err := rt.taskPersistence(redisClient)
	if err != nil {
		return err
	}

	var authStorage authstore.Storage
	var sessionStore discovery.Store
	if redisClient != nil {
		authStorage = authstore.NewRedisStorage(redisClient)
		sessionStore = discovery.NewRedisStore(redisClient)
	} else {
		authStorage = authstore.NewMemoryStorage()
		sessionStore = discovery.NewMemoryStore()
	}
	sessions := discovery.NewManager(sessionStore)

	cat, err := rt.loadCatalog()
	if err != nil {
		return err
	}

	broker, err := rt.buildBroker(authStorage)
	if err != nil {
		return err
	}

	var registry *plugin.Registry
	if len(cfg.McpServers) > 0 {
		registry = plugin.NewRegistry(cfg.McpServers, mcp.Deps{
			AuthStorage: authStorage,
			Broker:      broker,
			Sessions:    sessions,
		}, cat)
	}

	llmFactory, err := modelFactory(cfg.Model.Provider)
	if err != nil {
		return err
	}
	apiKey := cfg.Model.APIKey
	if apiKey == "" {
		apiKey = settings.APIKey
	}

	var counter *history.Counter
	if cfg.Server.MaxHistoryTokens > 0 {
		counter, err = history.NewCounter(cfg.Model.Name)
		if err != nil {
			return fmt.Errorf("failed to build token counter: %w", err)
		}
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(promRegistry)
	rt.Registry = promRegistry

	ch, invoker, err := rt.buildChooser(ctx, llmFactory, apiKey)
	if err != nil {
		return err
	}

	orch := orchestrator.New(orchestrator.Options{
		Config:      cfg,
		Persistence: persistence,
		Builder:     kernel.NewBuilder(cfg, llmFactory, plugin.DefaultFactories(), registry, apiKey),
		Gate:        hitl.NewGate(cat),
		Sessions:    sessions,
		Broker:      broker,
		Counter:     counter,
		Metrics:     metrics,
		Chooser:     ch,
		Invoker:     invoker,
		BaseURL:     rt.baseURL(),
	})

	authorizer, err := rt.buildAuthorizer(ctx)
	if err != nil {
		return err
	}

	rt.Server = server.New(server.Options{
		Config:     cfg,
		Orch:       orch,
		Broker:     broker,
		Authorizer: authorizer,
		Registry:   promRegistry,
	})
	return nil
}

// Run serves HTTP until ctx is canceled.
func (rt *Runtime) Run(ctx context.Context) error {
	return rt.Server.ListenAndServe(ctx)
}

// Close releases store connections. Safe to call after a failed New.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			slog.Warn("Failed to close runtime resource", "error", err)
		}
	}
	rt.closers = nil
}

func (rt *Runtime) taskPersistence(redisClient *redis.Client) (task.Persistence, error) {
	switch strings.ToLower(rt.Settings.TaskBackend) {
	case "", "memory":
		return task.NewMemoryPersistence(), nil
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("TA_TASK_BACKEND=redis requires TA_REDIS_ADDR")
		}
		return task.NewRedisPersistence(redisClient), nil
	case "sqlite":
		p, err := task.NewSQLitePersistence(rt.Settings.SQLitePath)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, p.Close)
		return p, nil
	default:
		return nil, fmt.Errorf("unknown task backend %q", rt.Settings.TaskBackend)
	}
}

func (rt *Runtime) loadCatalog() (*catalog.Catalog, error) {
	if rt.Config.PluginCatalogPath == "" {
		return catalog.New(), nil
	}
	cat, err := catalog.LoadFile(rt.Config.PluginCatalogPath)
	if err != nil {
		return nil, err
	}
	return cat, nil
}

// buildBroker returns nil when no MCP server uses OAuth; the broker is
// only needed to mint and complete authorization flows.
func (rt *Runtime) buildBroker(store authstore.Storage) (*oauth.Broker, error) {
	var oauthServers []config.McpServerConfig
	for _, srv := range rt.Config.McpServers {
		if srv.HasOAuth() {
			oauthServers = append(oauthServers, srv)
		}
	}
	if len(oauthServers) == 0 {
		return nil, nil
	}

	redirectURI := rt.Settings.OAuthRedirectURI
	if redirectURI == "" {
		return nil, fmt.Errorf("TA_OAUTH_REDIRECT_URI is required when MCP servers use OAuth")
	}
	if rt.Settings.StrictHTTPSValidation && !config.IsSecureURL(redirectURI) {
		return nil, fmt.Errorf("TA_OAUTH_REDIRECT_URI %q must use https (or http to localhost) under strict HTTPS validation", redirectURI)
	}

	var flows oauth.FlowStore = oauth.NewMemoryFlowStore(0)
	broker := oauth.NewBroker(store, flows, redirectURI)

	for _, srv := range oauthServers {
		resource := srv.CanonicalURI
		if resource == "" {
			canonical, err := oauth.CanonicalResource(srv.URL)
			if err != nil {
				return nil, fmt.Errorf("mcp server %s: %w", srv.Name, err)
			}
			resource = canonical
		}
		clientID := srv.OAuthClientID
		if clientID == "" {
			clientID = rt.Settings.OAuthClientName
		}
		broker.RegisterServer(oauth.ServerAuth{
			ServerName:   srv.Name,
			AuthServer:   srv.AuthServer,
			Scopes:       srv.Scopes,
			Resource:     resource,
			ClientID:     clientID,
			ClientSecret: srv.OAuthClientSecret,
		})
	}
	return broker, nil
}

// buildChooser wires the recipient chooser for multi-agent deployments.
func (rt *Runtime) buildChooser(ctx context.Context, factory model.ChatCompletionFactory, apiKey string) (*chooser.Chooser, chooser.AgentInvoker, error) {
	cfg := rt.Config
	if !cfg.Chooser.Enabled || len(cfg.Agents) < 2 {
		return nil, nil, nil
	}

	llm, err := factory.CreateClient(cfg.Model.Name, apiKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build chooser model: %w", err)
	}

	ch, err := chooser.New(ctx, cfg.Chooser, cfg.Agents, chooser.NewLocalEmbedder(0), llm, cfg.FallbackAgent())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build chooser: %w", err)
	}
	return ch, &localAgentInvoker{llm: llm, agents: cfg.Agents}, nil
}

func (rt *Runtime) buildAuthorizer(ctx context.Context) (auth.RequestAuthorizer, error) {
	if rt.Settings.JWKSURL != "" {
		return auth.NewJWTAuthorizer(ctx, rt.Settings.JWKSURL, rt.Settings.JWTIssuer, rt.Settings.JWTAudience)
	}
	slog.Warn("TA_JWKS_URL is not set; requests are authorized by plain subject header (development only)")
	return auth.PlainAuthorizer{}, nil
}

// baseURL is what invoke responses prefix resume and approval links with.
func (rt *Runtime) baseURL() string {
	host := rt.Config.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, rt.Config.Server.Port)
}

// modelFactory resolves the configured provider. The echo provider ships
// as the default so services run without external model credentials.
func modelFactory(provider string) (model.ChatCompletionFactory, error) {
	switch strings.ToLower(provider) {
	case "", "echo":
		return model.EchoFactory{}, nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", provider)
	}
}
