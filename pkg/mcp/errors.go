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

package mcp

import (
	"fmt"

	"github.com/tealagents/agentcore/pkg/discovery"
)

// ElicitationRequiredError signals that a tool call is suspended on user
// input. The pending record has already been persisted; the orchestrator
// pauses the task and surfaces the prompt or URL.
type ElicitationRequiredError struct {
	Pending *discovery.PendingElicitation
}

func (e *ElicitationRequiredError) Error() string {
	return fmt.Sprintf("tool %s on server %s requires user elicitation (%s)",
		e.Pending.ToolName, e.Pending.ServerName, e.Pending.Mode)
}

// ServerError is a failure reported by the MCP server itself (a JSON-RPC
// error object), as opposed to a transport failure.
type ServerError struct {
	ServerName string
	Code       int
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("MCP server %s returned error %d: %s", e.ServerName, e.Code, e.Message)
}
