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

// Package model defines the chat-completion boundary the orchestrator
// drives. Concrete provider adapters are plugged in through
// ChatCompletionFactory; the core never talks to a provider directly.
//
// GenerateContent returns iter.Seq2 for both streaming and non-streaming
// calls: non-streaming yields exactly one Response, streaming yields
// partial Responses (Partial=true) followed by the aggregated final
// Response (Partial=false) for persistence.
package model

import (
	"context"
	"encoding/json"
	"iter"
)

// Message roles in the model-visible conversation.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one model-visible conversation entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant messages proposing tool calls.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-proposed tool invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Usage counts tokens consumed by one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another call's usage.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Request is the input for one chat-completion call.
type Request struct {
	Messages          []Message
	Tools             []ToolDefinition
	SystemInstruction string
	Temperature       *float64
	MaxTokens         *int
}

// Response is the output of one chat-completion call (or one streaming
// chunk of it).
type Response struct {
	// Content is the generated text; for a partial response it is the
	// delta since the previous chunk.
	Content string

	// Partial distinguishes streaming chunks from the final response.
	Partial bool

	// ToolCalls proposed by the model. Only set on the final response.
	ToolCalls []ToolCall

	// Usage statistics, set on the final response when the provider
	// reports them.
	Usage *Usage
}

// HasToolCalls reports whether the response proposes tool calls.
func (r *Response) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// LLM is one chat-completion client.
type LLM interface {
	// Name returns the model identifier.
	Name() string

	// GenerateContent produces responses for the request. The returned
	// sequence respects ctx cancellation between yields.
	GenerateContent(ctx context.Context, req *Request, stream bool) iter.Seq2[*Response, error]

	// Close releases resources held by the client.
	Close() error
}

// ChatCompletionFactory creates LLM clients for a configured model name.
// Provider adapters register here; the core consumes only this interface.
type ChatCompletionFactory interface {
	CreateClient(modelName, apiKey string) (LLM, error)
}
