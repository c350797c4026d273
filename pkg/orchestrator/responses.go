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

package orchestrator

import (
	"encoding/json"

	"github.com/tealagents/agentcore/pkg/model"
	"github.com/tealagents/agentcore/pkg/task"
)

// UserMessage is the wire payload of one turn.
type UserMessage struct {
	TaskID    string `json:"task_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// RequestID makes the turn idempotent: replaying a request id whose
	// assistant output was already persisted returns the prior response.
	// Empty means a fresh id is assigned.
	RequestID string `json:"request_id,omitempty"`

	Items       []task.MultiModalItem `json:"items"`
	UserContext map[string]string     `json:"user_context,omitempty"`
}

// ResumeRequest resumes a paused task.
type ResumeRequest struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Resume actions.
const (
	ActionApprove             = "approve"
	ActionReject              = "reject"
	ActionAuthComplete        = "auth_complete"
	ActionElicitationResponse = "elicitation_response"
)

// Response is one of the orchestrator's terminal outputs for a turn.
type Response interface {
	Kind() string
}

// TealAgentsResponse is the final assistant output of a completed turn.
type TealAgentsResponse struct {
	ResponseType string         `json:"response_type"`
	TaskID       string         `json:"task_id"`
	SessionID    string         `json:"session_id"`
	RequestID    string         `json:"request_id"`
	Output       string         `json:"output"`
	ExtraData    map[string]any `json:"extra_data,omitempty"`
	TokenUsage   *model.Usage   `json:"token_usage,omitempty"`
}

func (r *TealAgentsResponse) Kind() string { return "final" }

// PartialResponse is one streamed fragment.
type PartialResponse struct {
	ResponseType  string `json:"response_type"`
	TaskID        string `json:"task_id"`
	SessionID     string `json:"session_id"`
	RequestID     string `json:"request_id"`
	OutputPartial string `json:"output_partial"`
}

func (r *PartialResponse) Kind() string { return "partial" }

// HitlResponse pauses the turn on tool calls that need user approval.
type HitlResponse struct {
	ResponseType string           `json:"response_type"`
	TaskID       string           `json:"task_id"`
	SessionID    string           `json:"session_id"`
	RequestID    string           `json:"request_id"`
	Message      string           `json:"message"`
	ApprovalURL  string           `json:"approval_url"`
	RejectionURL string           `json:"rejection_url"`
	ToolCalls    []model.ToolCall `json:"tool_calls"`
}

func (r *HitlResponse) Kind() string { return "hitl" }

// RejectedToolResponse ends a turn whose pending tool calls the user
// rejected.
type RejectedToolResponse struct {
	ResponseType string `json:"response_type"`
	TaskID       string `json:"task_id"`
	SessionID    string `json:"session_id"`
	RequestID    string `json:"request_id"`
	Message      string `json:"message"`
}

func (r *RejectedToolResponse) Kind() string { return "rejected" }

// AuthChallenge is one MCP server awaiting user authorization.
type AuthChallenge struct {
	ServerName string   `json:"server_name"`
	AuthServer string   `json:"auth_server"`
	Scopes     []string `json:"scopes"`
	AuthURL    string   `json:"auth_url"`
}

// AuthChallengeResponse pauses the turn until the user completes OAuth
// for the listed servers.
type AuthChallengeResponse struct {
	ResponseType   string          `json:"response_type"`
	TaskID         string          `json:"task_id"`
	SessionID      string          `json:"session_id"`
	RequestID      string          `json:"request_id"`
	Message        string          `json:"message"`
	AuthChallenges []AuthChallenge `json:"auth_challenges"`
	ResumeURL      string          `json:"resume_url"`
}

func (r *AuthChallengeResponse) Kind() string { return "auth_challenge" }

// ElicitationResponse pauses the turn on an MCP server's request for
// structured user input.
type ElicitationResponse struct {
	ResponseType    string          `json:"response_type"`
	TaskID          string          `json:"task_id"`
	SessionID       string          `json:"session_id"`
	RequestID       string          `json:"request_id"`
	Message         string          `json:"message"`
	ElicitationID   string          `json:"elicitation_id"`
	Mode            string          `json:"mode"`
	URL             string          `json:"url,omitempty"`
	RequestedSchema json.RawMessage `json:"requested_schema,omitempty"`
	ResumeURL       string          `json:"resume_url"`
}

func (r *ElicitationResponse) Kind() string { return "elicitation" }
