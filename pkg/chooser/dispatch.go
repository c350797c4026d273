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

package chooser

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// AgentInvoker executes one message against a named downstream agent.
type AgentInvoker interface {
	InvokeAgent(ctx context.Context, agentName, message string) (string, error)
}

// AgentResult is one agent's outcome in a parallel dispatch.
type AgentResult struct {
	AgentName string
	Output    string
	Err       error
}

// ParallelExecutionResult aggregates a fan-out. Both slices are sorted by
// agent name so downstream synthesis is deterministic in its inputs.
type ParallelExecutionResult struct {
	Successes []AgentResult
	Failures  []AgentResult
}

// DispatchParallel fans the message out to the agents, bounded by the
// configured max. Individual agent failures are collected, not fatal.
func (c *Chooser) DispatchParallel(ctx context.Context, invoker AgentInvoker, agents []string, message string) (*ParallelExecutionResult, error) {
	if len(agents) == 0 {
		return nil, fmt.Errorf("no agents to dispatch")
	}

	results := make([]AgentResult, len(agents))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxParallelAgents)
	for i, name := range agents {
		g.Go(func() error {
			out, err := invoker.InvokeAgent(gctx, name, message)
			mu.Lock()
			results[i] = AgentResult{AgentName: name, Output: out, Err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	agg := &ParallelExecutionResult{}
	for _, r := range results {
		if r.Err != nil {
			agg.Failures = append(agg.Failures, r)
		} else {
			agg.Successes = append(agg.Successes, r)
		}
	}
	sort.Slice(agg.Successes, func(i, j int) bool { return agg.Successes[i].AgentName < agg.Successes[j].AgentName })
	sort.Slice(agg.Failures, func(i, j int) bool { return agg.Failures[i].AgentName < agg.Failures[j].AgentName })

	if len(agg.Successes) == 0 {
		return nil, fmt.Errorf("all %d agents failed", len(agents))
	}
	return agg, nil
}

// Synthesize folds parallel results into one response. When no model is
// available or synthesis fails, the single best result (first success by
// agent name) is returned instead.
func (c *Chooser) Synthesize(ctx context.Context, message string, result *ParallelExecutionResult) (string, error) {
	if len(result.Successes) == 0 {
		return "", fmt.Errorf("nothing to synthesize")
	}
	if len(result.Successes) == 1 || c.llm == nil {
		return result.Successes[0].Output, nil
	}

	var parts strings.Builder
	for _, r := range result.Successes {
		fmt.Fprintf(&parts, "[%s]\n%s\n\n", r.AgentName, r.Output)
	}

	prompt := fmt.Sprintf(`Combine the agent responses below into one coherent answer to the user message. Do not mention the agents.

User message: %s

Agent responses:
%s`, message, parts.String())

	text, err := c.complete(ctx, prompt)
	if err != nil || strings.TrimSpace(text) == "" {
		slog.Warn("Synthesis failed, returning single best result", "error", err)
		return result.Successes[0].Output, nil
	}
	return text, nil
}
