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

package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tealagents/agentcore/pkg/model"
	"github.com/tealagents/agentcore/pkg/task"
)

func TestFromTask(t *testing.T) {
	tk := task.New("alice", "")
	tk.AppendItem(task.TaskItem{
		RequestID: "req-1",
		Role:      task.RoleUser,
		Item:      task.MultiModalItem{ContentType: task.ContentTypeText, Content: "Hello"},
	})
	tk.AppendItem(task.TaskItem{
		RequestID: "req-1",
		Role:      task.RoleAssistant,
		Item:      task.MultiModalItem{ContentType: task.ContentTypeText, Content: "Hi there"},
	})

	messages := FromTask(tk)
	require.Len(t, messages, 2)
	assert.Equal(t, model.RoleUser, messages[0].Role)
	assert.Equal(t, "Hello", messages[0].Content)
	assert.Equal(t, model.RoleAssistant, messages[1].Role)
}

func TestCounterCounts(t *testing.T) {
	counter, err := NewCounter("gpt-4")
	require.NoError(t, err)

	assert.Greater(t, counter.Count("Hello, world"), 0)
	assert.Greater(t,
		counter.CountMessages([]model.Message{{Role: "user", Content: "Hello"}}),
		counter.Count("Hello"))
}

func TestFitWithinBudgetDropsOldestFirst(t *testing.T) {
	counter, err := NewCounter("gpt-4")
	require.NoError(t, err)

	messages := []model.Message{
		{Role: "user", Content: "first message about databases"},
		{Role: "assistant", Content: "a long answer about databases and indexes"},
		{Role: "user", Content: "second question"},
		{Role: "assistant", Content: "second answer"},
		{Role: "user", Content: "current question"},
	}

	budget := counter.CountMessages(messages[2:])
	fitted := FitWithinBudget(counter, messages, budget, 1)

	require.NotEmpty(t, fitted)
	// The current user turn survives, the oldest exchange is dropped and
	// relative order is preserved.
	assert.Equal(t, "current question", fitted[len(fitted)-1].Content)
	assert.Less(t, len(fitted), len(messages))
	assert.NotEqual(t, "first message about databases", fitted[0].Content)
	assert.Equal(t, messages[len(messages)-len(fitted):], fitted)
}

func TestFitWithinBudgetKeepsPinnedEvenOverBudget(t *testing.T) {
	counter, err := NewCounter("gpt-4")
	require.NoError(t, err)

	messages := []model.Message{
		{Role: "user", Content: "old"},
		{Role: "user", Content: "a deliberately long current turn that exceeds any tiny budget on its own"},
	}

	fitted := FitWithinBudget(counter, messages, 1, 1)
	require.Len(t, fitted, 1)
	assert.Equal(t, messages[1], fitted[0])
}

func TestFitWithinBudgetNoTrimNeeded(t *testing.T) {
	counter, err := NewCounter("gpt-4")
	require.NoError(t, err)

	messages := []model.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}
	fitted := FitWithinBudget(counter, messages, 10000, 1)
	assert.Equal(t, messages, fitted)
}
