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

package model

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, llm LLM, req *Request, stream bool) []*Response {
	t.Helper()
	var out []*Response
	for resp, err := range llm.GenerateContent(context.Background(), req, stream) {
		require.NoError(t, err)
		out = append(out, resp)
	}
	return out
}

func TestEchoNonStreaming(t *testing.T) {
	llm := NewEchoLLM("")
	req := &Request{Messages: []Message{
		{Role: RoleUser, Content: "hello there"},
	}}

	out := collect(t, llm, req, false)
	require.Len(t, out, 1)
	assert.Equal(t, "hello there", out[0].Content)
	assert.False(t, out[0].Partial)
	require.NotNil(t, out[0].Usage)
	assert.Equal(t, 4, out[0].Usage.TotalTokens)
}

func TestEchoStreaming(t *testing.T) {
	llm := NewEchoLLM("echo")
	req := &Request{Messages: []Message{
		{Role: RoleUser, Content: "one two three"},
	}}

	out := collect(t, llm, req, true)
	require.Len(t, out, 4)

	var partials strings.Builder
	for _, resp := range out[:3] {
		assert.True(t, resp.Partial)
		partials.WriteString(resp.Content)
	}
	assert.Equal(t, "one two three", strings.TrimSpace(partials.String()))
	assert.False(t, out[3].Partial)
	assert.Equal(t, "one two three", out[3].Content)
}

func TestEchoUsesLastUserMessage(t *testing.T) {
	llm := NewEchoLLM("echo")
	req := &Request{Messages: []Message{
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "reply"},
		{Role: RoleUser, Content: "second"},
	}}

	out := collect(t, llm, req, false)
	require.Len(t, out, 1)
	assert.Equal(t, "second", out[0].Content)
}

func TestScriptedSequence(t *testing.T) {
	llm := NewScriptedLLM(
		&Response{ToolCalls: []ToolCall{{ID: "call-1", Name: "lookup"}}},
		&Response{Content: "done"},
	)
	req := &Request{Messages: []Message{{Role: RoleUser, Content: "go"}}}

	first := collect(t, llm, req, false)
	require.Len(t, first, 1)
	assert.True(t, first[0].HasToolCalls())

	second := collect(t, llm, req, false)
	require.Len(t, second, 1)
	assert.Equal(t, "done", second[0].Content)
	assert.Equal(t, 2, llm.Calls())

	// Exhausted script surfaces an error.
	var sawErr bool
	for _, err := range llm.GenerateContent(context.Background(), req, false) {
		if err != nil {
			sawErr = true
		}
	}
	assert.True(t, sawErr)
}

func TestUsageAdd(t *testing.T) {
	u := &Usage{}
	u.Add(&Usage{PromptTokens: 2, CompletionTokens: 3, TotalTokens: 5})
	u.Add(nil)
	u.Add(&Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2})
	assert.Equal(t, Usage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7}, *u)
}
