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

package runtime

import (
	"context"
	"fmt"

	"github.com/tealagents/agentcore/pkg/config"
	"github.com/tealagents/agentcore/pkg/model"
)

// localAgentInvoker answers parallel fan-out dispatches with a direct,
// tool-less model call under the target agent's system prompt. Fan-out
// turns aggregate read-only answers; tool use stays on the primary path.
type localAgentInvoker struct {
	llm    model.LLM
	agents []config.AgentConfig
}

func (l *localAgentInvoker) InvokeAgent(ctx context.Context, agentName, message string) (string, error) {
	var agent *config.AgentConfig
	for i := range l.agents {
		if l.agents[i].Name == agentName {
			agent = &l.agents[i]
			break
		}
	}
	if agent == nil {
		return "", fmt.Errorf("unknown agent %q", agentName)
	}

	req := &model.Request{
		SystemInstruction: agent.SystemPrompt,
		Messages:          []model.Message{{Role: model.RoleUser, Content: message}},
	}

	var final string
	for resp, err := range l.llm.GenerateContent(ctx, req, false) {
		if err != nil {
			return "", err
		}
		if !resp.Partial {
			final = resp.Content
		}
	}
	return final, nil
}
