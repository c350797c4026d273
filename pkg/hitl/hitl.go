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

// Package hitl is the human-in-the-loop gate. It inspects proposed tool
// calls against catalog governance before the kernel executes them.
package hitl

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/tealagents/agentcore/pkg/catalog"
	"github.com/tealagents/agentcore/pkg/model"
)

// InterventionRequired is an orchestration signal, not a fault: the
// listed tool calls need user approval before execution.
type InterventionRequired struct {
	ToolCalls []model.ToolCall
}

func (e *InterventionRequired) Error() string {
	names := make([]string, len(e.ToolCalls))
	for i, tc := range e.ToolCalls {
		names[i] = tc.Name
	}
	return fmt.Sprintf("tool calls require approval: %s", strings.Join(names, ", "))
}

// Gate checks tool call intents against the catalog.
type Gate struct {
	catalog *catalog.Catalog
}

// NewGate creates a gate over the catalog.
func NewGate(cat *catalog.Catalog) *Gate {
	return &Gate{catalog: cat}
}

// RequiresIntervention reports whether the tool identified by its catalog
// id is gated. A tool the catalog does not know is not gated.
func (g *Gate) RequiresIntervention(catalogID string) bool {
	tool, ok := g.catalog.GetTool(catalogID)
	if !ok {
		slog.Debug("Tool not in catalog, no intervention", "tool", catalogID)
		return false
	}
	return tool.Governance.RequiresHitl
}

// Check partitions the proposed calls and returns InterventionRequired
// when any of them is gated. Calls whose ids appear in approved were
// already user-approved this turn and bypass the gate.
func (g *Gate) Check(toolCalls []model.ToolCall, approved map[string]bool) error {
	var gated []model.ToolCall
	for _, tc := range toolCalls {
		if approved[tc.ID] {
			continue
		}
		if g.RequiresIntervention(tc.Name) {
			gated = append(gated, tc)
		}
	}
	if len(gated) > 0 {
		return &InterventionRequired{ToolCalls: gated}
	}
	return nil
}
