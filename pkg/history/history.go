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

// Package history converts persisted task items into the model-visible
// conversation and trims it to a token budget.
package history

import (
	"github.com/tealagents/agentcore/pkg/model"
	"github.com/tealagents/agentcore/pkg/task"
)

// FromTask maps task items to model messages. Each MultiModalItem becomes
// one content chunk; images are passed through as their data URI.
func FromTask(t *task.Task) []model.Message {
	messages := make([]model.Message, 0, len(t.Items))
	for _, item := range t.Items {
		role := model.RoleUser
		if item.Role == task.RoleAssistant {
			role = model.RoleAssistant
		}
		messages = append(messages, model.Message{
			Role:    role,
			Content: item.Item.Content,
		})
	}
	return messages
}

// FitWithinBudget drops the oldest messages until the conversation fits
// maxTokens. The trailing keepLast messages (the current user turn) are
// never dropped, even if they alone exceed the budget.
func FitWithinBudget(counter *Counter, messages []model.Message, maxTokens, keepLast int) []model.Message {
	if len(messages) == 0 || maxTokens <= 0 {
		return messages
	}
	if keepLast > len(messages) {
		keepLast = len(messages)
	}

	pinned := messages[len(messages)-keepLast:]
	budget := maxTokens - counter.CountMessages(pinned)

	// Walk the droppable prefix from most recent backwards, keeping what
	// fits.
	prefix := messages[:len(messages)-keepLast]
	start := len(prefix)
	for i := len(prefix) - 1; i >= 0; i-- {
		cost := counter.CountMessages(prefix[i : i+1])
		if cost > budget {
			break
		}
		budget -= cost
		start = i
	}

	if start == 0 {
		return messages
	}
	fitted := make([]model.Message, 0, len(prefix)-start+keepLast)
	fitted = append(fitted, prefix[start:]...)
	fitted = append(fitted, pinned...)
	return fitted
}
