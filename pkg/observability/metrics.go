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

// Package observability exposes Prometheus metrics for the runtime.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Turn outcomes recorded on turns_total.
const (
	OutcomeCompleted     = "completed"
	OutcomePaused        = "paused"
	OutcomeFailed        = "failed"
	OutcomeCanceled      = "canceled"
	OutcomeAuthChallenge = "auth_challenge"
)

// Metrics holds the runtime's Prometheus collectors. A nil *Metrics is
// valid and records nothing, so tests can pass nil.
type Metrics struct {
	turnsTotal    *prometheus.CounterVec
	turnDuration  prometheus.Histogram
	mcpCallsTotal *prometheus.CounterVec
	oauthFlows    *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors on the registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_turns_total",
			Help: "Orchestrator turns by outcome.",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentcore_turn_duration_seconds",
			Help:    "Wall time of one orchestrator turn.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		mcpCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_mcp_calls_total",
			Help: "MCP tool calls by server and result.",
		}, []string{"server", "result"}),
		oauthFlows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_oauth_flows_total",
			Help: "OAuth flows by stage.",
		}, []string{"stage"}),
	}
	reg.MustRegister(m.turnsTotal, m.turnDuration, m.mcpCallsTotal, m.oauthFlows)
	return m
}

// ObserveTurn records one finished turn.
func (m *Metrics) ObserveTurn(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(elapsed.Seconds())
}

// ObserveMcpCall records one MCP tool call.
func (m *Metrics) ObserveMcpCall(server, result string) {
	if m == nil {
		return
	}
	m.mcpCallsTotal.WithLabelValues(server, result).Inc()
}

// ObserveOAuthFlow records one OAuth flow stage (initiated, completed,
// rejected, refreshed).
func (m *Metrics) ObserveOAuthFlow(stage string) {
	if m == nil {
		return
	}
	m.oauthFlows.WithLabelValues(stage).Inc()
}
