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

package hitl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tealagents/agentcore/pkg/catalog"
	"github.com/tealagents/agentcore/pkg/model"
)

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	cat := catalog.New()
	require.NoError(t, cat.RegisterDynamicTool(&catalog.PluginTool{
		ToolID:     "shell_plugin-ShellCommand",
		Name:       "ShellCommand",
		Governance: catalog.Governance{RequiresHitl: true, Cost: catalog.CostHigh},
	}, ""))
	require.NoError(t, cat.RegisterDynamicTool(&catalog.PluginTool{
		ToolID:     "echo_plugin-Echo",
		Name:       "Echo",
		Governance: catalog.Governance{RequiresHitl: false, Cost: catalog.CostLow},
	}, ""))
	return NewGate(cat)
}

func TestRequiresIntervention(t *testing.T) {
	gate := newTestGate(t)
	assert.True(t, gate.RequiresIntervention("shell_plugin-ShellCommand"))
	assert.False(t, gate.RequiresIntervention("echo_plugin-Echo"))
	// Unknown tools are not gated.
	assert.False(t, gate.RequiresIntervention("unknown_plugin-Tool"))
}

func TestCheckPartitionsGatedCalls(t *testing.T) {
	gate := newTestGate(t)
	calls := []model.ToolCall{
		{ID: "call-1", Name: "echo_plugin-Echo"},
		{ID: "call-2", Name: "shell_plugin-ShellCommand"},
	}

	err := gate.Check(calls, nil)
	var intervention *InterventionRequired
	require.ErrorAs(t, err, &intervention)
	require.Len(t, intervention.ToolCalls, 1)
	assert.Equal(t, "call-2", intervention.ToolCalls[0].ID)
}

func TestCheckApprovedBypass(t *testing.T) {
	gate := newTestGate(t)
	calls := []model.ToolCall{
		{ID: "call-2", Name: "shell_plugin-ShellCommand"},
	}

	// The user approved this exact call; it passes the gate.
	assert.NoError(t, gate.Check(calls, map[string]bool{"call-2": true}))

	// A different call id does not inherit the approval.
	calls[0].ID = "call-3"
	assert.Error(t, gate.Check(calls, map[string]bool{"call-2": true}))
}
