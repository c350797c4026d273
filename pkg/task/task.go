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

// Package task defines the authoritative unit of work and its persistence
// backends.
package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusRunning   Status = "Running"
	StatusPaused    Status = "Paused"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusCanceled  Status = "Canceled"
)

// IsTerminal reports whether no further turns may run on the task.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Item roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content types for MultiModalItem.
const (
	ContentTypeText  = "text"
	ContentTypeImage = "image"
)

// MultiModalItem is one piece of message content: UTF-8 text or a data URI
// for an image.
type MultiModalItem struct {
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
}

// TaskItem is one message within a task. Items are append-only;
// request_id groups a user turn with the assistant items it produced.
type TaskItem struct {
	TaskID    string         `json:"task_id"`
	RequestID string         `json:"request_id"`
	Role      string         `json:"role"`
	Item      MultiModalItem `json:"item"`
	Updated   time.Time      `json:"updated"`

	// PendingToolCalls is set iff this is an assistant item paused
	// awaiting approval.
	PendingToolCalls json.RawMessage `json:"pending_tool_calls,omitempty"`

	// ChatHistory is the model-visible conversation snapshot captured at
	// pause time, so resume continues exactly where execution stopped.
	ChatHistory json.RawMessage `json:"chat_history,omitempty"`

	// TokenUsage is recorded on the final assistant item of a request so
	// an idempotent replay can return the original counts.
	TokenUsage json.RawMessage `json:"token_usage,omitempty"`
}

// Task is the authoritative unit of work. user_id is assigned on create
// and never changes; every operation must verify it against the
// authenticated principal.
type Task struct {
	TaskID      string     `json:"task_id"`
	SessionID   string     `json:"session_id"`
	UserID      string     `json:"user_id"`
	Items       []TaskItem `json:"items"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUpdated time.Time  `json:"last_updated"`
	Status      Status     `json:"status"`
}

// New creates a running task for the user. sessionID may be empty, in
// which case a fresh session id is assigned.
func New(userID, sessionID string) *Task {
	now := time.Now().UTC()
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return &Task{
		TaskID:      uuid.NewString(),
		SessionID:   sessionID,
		UserID:      userID,
		CreatedAt:   now,
		LastUpdated: now,
		Status:      StatusRunning,
	}
}

// AppendItem appends a message and bumps last_updated.
func (t *Task) AppendItem(item TaskItem) {
	if item.Updated.IsZero() {
		item.Updated = time.Now().UTC()
	}
	item.TaskID = t.TaskID
	t.Items = append(t.Items, item)
	t.LastUpdated = item.Updated
}

// RequestIDs returns the distinct request ids across the task's items, in
// first-seen order.
func (t *Task) RequestIDs() []string {
	seen := make(map[string]bool, len(t.Items))
	var ids []string
	for _, item := range t.Items {
		if !seen[item.RequestID] {
			seen[item.RequestID] = true
			ids = append(ids, item.RequestID)
		}
	}
	return ids
}

// HasRequestID reports whether any item belongs to the request.
func (t *Task) HasRequestID(requestID string) bool {
	for _, item := range t.Items {
		if item.RequestID == requestID {
			return true
		}
	}
	return false
}

// ItemsForRequest returns the items belonging to one request, in order.
func (t *Task) ItemsForRequest(requestID string) []TaskItem {
	var items []TaskItem
	for _, item := range t.Items {
		if item.RequestID == requestID {
			items = append(items, item)
		}
	}
	return items
}

// LastPausedItem returns the most recent assistant item carrying pending
// tool calls, or nil.
func (t *Task) LastPausedItem() *TaskItem {
	for i := len(t.Items) - 1; i >= 0; i-- {
		if t.Items[i].Role == RoleAssistant && len(t.Items[i].PendingToolCalls) > 0 {
			return &t.Items[i]
		}
	}
	return nil
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	copied := *t
	copied.Items = make([]TaskItem, len(t.Items))
	copy(copied.Items, t.Items)
	for i := range copied.Items {
		if len(t.Items[i].PendingToolCalls) > 0 {
			copied.Items[i].PendingToolCalls = append(json.RawMessage(nil), t.Items[i].PendingToolCalls...)
		}
		if len(t.Items[i].ChatHistory) > 0 {
			copied.Items[i].ChatHistory = append(json.RawMessage(nil), t.Items[i].ChatHistory...)
		}
		if len(t.Items[i].TokenUsage) > 0 {
			copied.Items[i].TokenUsage = append(json.RawMessage(nil), t.Items[i].TokenUsage...)
		}
	}
	return &copied
}
