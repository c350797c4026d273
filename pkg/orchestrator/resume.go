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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tealagents/agentcore/pkg/discovery"
	"github.com/tealagents/agentcore/pkg/history"
	"github.com/tealagents/agentcore/pkg/mcp"
	"github.com/tealagents/agentcore/pkg/model"
	"github.com/tealagents/agentcore/pkg/observability"
	"github.com/tealagents/agentcore/pkg/task"
)

// rejectionMessage is the literal output of a rejected HITL turn.
const rejectionMessage = "Tool execution rejected."

// Resume continues a paused task. Only the task owner may resume, and
// only while the task is Paused; terminal tasks are gone.
func (o *Orchestrator) Resume(ctx context.Context, userID, taskID string, req *ResumeRequest, emit EmitFunc) (Response, error) {
	start := time.Now()

	t, err := o.opts.Persistence.Load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrTaskNotFound
	}
	if t.UserID != userID {
		return nil, ErrTaskNotOwned
	}
	if t.Status.IsTerminal() {
		return nil, ErrTaskTerminal
	}
	if t.Status != task.StatusPaused {
		return nil, ErrTaskNotPaused
	}

	unlock, err := o.lockTask(t.TaskID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	switch req.Action {
	case ActionApprove:
		return o.resumeApprove(ctx, t, userID, emit, start)
	case ActionReject:
		return o.resumeReject(ctx, t, start)
	case ActionAuthComplete:
		return o.resumeAuthComplete(ctx, t, userID, emit, start)
	case ActionElicitationResponse:
		return o.resumeElicitation(ctx, t, userID, req.Payload, emit, start)
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrBadResume, req.Action)
	}
}

// resumeApprove replays the persisted pending tool calls, bypassing the
// HITL gate for those exact calls only.
func (o *Orchestrator) resumeApprove(ctx context.Context, t *task.Task, userID string, emit EmitFunc, start time.Time) (Response, error) {
	item := t.LastPausedItem()
	if item == nil {
		return nil, fmt.Errorf("%w: no pending tool calls", ErrBadResume)
	}

	calls, messages, err := decodePause(item)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResume, err)
	}

	cc := mcp.CallContext{UserID: userID, SessionID: t.SessionID, TaskID: t.TaskID, RequestID: item.RequestID}

	k, err := o.buildKernel(ctx, t, cc, start)
	if err != nil {
		return nil, err
	}
	if k.paused != nil {
		return k.paused, nil
	}
	defer k.kernel.Close()

	approved := make(map[string]bool, len(calls))
	for _, call := range calls {
		approved[call.ID] = true
	}

	clearPause(item)
	t.Status = task.StatusRunning
	if err := o.opts.Persistence.Update(ctx, t); err != nil {
		return nil, err
	}

	return o.runLoop(ctx, k.kernel, t, cc, o.opts.Config.Agents[0], messages, calls, approved, emit, start)
}

// resumeReject records the rejection and fails the task.
func (o *Orchestrator) resumeReject(ctx context.Context, t *task.Task, start time.Time) (Response, error) {
	item := t.LastPausedItem()
	if item == nil {
		return nil, fmt.Errorf("%w: no pending tool calls", ErrBadResume)
	}
	requestID := item.RequestID

	clearPause(item)
	t.AppendItem(task.TaskItem{
		RequestID: requestID,
		Role:      task.RoleAssistant,
		Item:      task.MultiModalItem{ContentType: task.ContentTypeText, Content: rejectionMessage},
	})
	t.Status = task.StatusFailed
	if err := o.opts.Persistence.Update(ctx, t); err != nil {
		return nil, err
	}

	o.opts.Metrics.ObserveTurn(observability.OutcomeFailed, time.Since(start))
	return &RejectedToolResponse{
		ResponseType: "rejected",
		TaskID:       t.TaskID,
		SessionID:    t.SessionID,
		RequestID:    requestID,
		Message:      rejectionMessage,
	}, nil
}

// resumeAuthComplete re-enters the turn from kernel build, which succeeds
// now that the user has authorized the challenged servers.
func (o *Orchestrator) resumeAuthComplete(ctx context.Context, t *task.Task, userID string, emit EmitFunc, start time.Time) (Response, error) {
	requestIDs := t.RequestIDs()
	if len(requestIDs) == 0 {
		return nil, fmt.Errorf("%w: task has no requests", ErrBadResume)
	}
	requestID := requestIDs[len(requestIDs)-1]

	cc := mcp.CallContext{UserID: userID, SessionID: t.SessionID, TaskID: t.TaskID, RequestID: requestID}

	k, err := o.buildKernel(ctx, t, cc, start)
	if err != nil {
		return nil, err
	}
	if k.paused != nil {
		return k.paused, nil
	}
	defer k.kernel.Close()

	t.Status = task.StatusRunning
	if err := o.opts.Persistence.Update(ctx, t); err != nil {
		return nil, err
	}

	// If the pause happened mid-execution, pick up the persisted calls;
	// otherwise rebuild history and start the loop from the model.
	if item := t.LastPausedItem(); item != nil {
		calls, messages, derr := decodePause(item)
		if derr == nil {
			approved := make(map[string]bool, len(calls))
			for _, call := range calls {
				approved[call.ID] = true
			}
			clearPause(item)
			return o.runLoop(ctx, k.kernel, t, cc, o.opts.Config.Agents[0], messages, calls, approved, emit, start)
		}
	}

	messages := history.FromTask(t)
	return o.runLoop(ctx, k.kernel, t, cc, o.opts.Config.Agents[0], messages, nil, nil, emit, start)
}

// elicitationPayload is the resume body for elicitation_response.
type elicitationPayload struct {
	ElicitationID string          `json:"elicitation_id"`
	Content       json.RawMessage `json:"content"`
}

// resumeElicitation validates the user-supplied content against the
// server's requested schema and replays the suspended tool call with it.
func (o *Orchestrator) resumeElicitation(ctx context.Context, t *task.Task, userID string, payload json.RawMessage, emit EmitFunc, start time.Time) (Response, error) {
	var body elicitationPayload
	if err := json.Unmarshal(payload, &body); err != nil || body.ElicitationID == "" {
		return nil, fmt.Errorf("%w: elicitation_id and content are required", ErrBadResume)
	}

	pending, err := o.opts.Sessions.PopPendingElicitation(ctx, userID, t.SessionID, body.ElicitationID)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return nil, fmt.Errorf("%w: no pending elicitation %q", ErrBadResume, body.ElicitationID)
	}

	if len(pending.RequestedSchema) > 0 {
		if err := validateAgainstSchema(pending.RequestedSchema, body.Content); err != nil {
			// Keep the elicitation open so the user can retry.
			if aerr := o.opts.Sessions.AddPendingElicitation(ctx, userID, t.SessionID, pending); aerr != nil {
				slog.Warn("Failed to restore pending elicitation",
					"elicitation_id", pending.ElicitationID, "error", aerr)
			}
			return nil, fmt.Errorf("%w: %v", ErrBadResume, err)
		}
	}

	item := t.LastPausedItem()
	if item == nil {
		return nil, fmt.Errorf("%w: task has no suspended tool calls", ErrBadResume)
	}
	calls, messages, err := decodePause(item)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResume, err)
	}

	// Fold the user's answer into the suspended call's arguments.
	for i := range calls {
		if calls[i].Name != pending.ToolName && calls[i].Name != mcpCatalogID(pending) {
			continue
		}
		merged, merr := mergeElicitation(calls[i].Arguments, body.ElicitationID, body.Content)
		if merr != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadResume, merr)
		}
		calls[i].Arguments = merged
		break
	}

	cc := mcp.CallContext{UserID: userID, SessionID: t.SessionID, TaskID: t.TaskID, RequestID: item.RequestID}

	k, err := o.buildKernel(ctx, t, cc, start)
	if err != nil {
		return nil, err
	}
	if k.paused != nil {
		return k.paused, nil
	}
	defer k.kernel.Close()

	approved := make(map[string]bool, len(calls))
	for _, call := range calls {
		approved[call.ID] = true
	}

	clearPause(item)
	t.Status = task.StatusRunning
	if err := o.opts.Persistence.Update(ctx, t); err != nil {
		return nil, err
	}

	return o.runLoop(ctx, k.kernel, t, cc, o.opts.Config.Agents[0], messages, calls, approved, emit, start)
}

// decodePause unpacks a paused item's tool calls and history snapshot.
func decodePause(item *task.TaskItem) ([]model.ToolCall, []model.Message, error) {
	var calls []model.ToolCall
	if err := json.Unmarshal(item.PendingToolCalls, &calls); err != nil {
		return nil, nil, fmt.Errorf("corrupted pending tool calls: %v", err)
	}
	var messages []model.Message
	if len(item.ChatHistory) > 0 {
		if err := json.Unmarshal(item.ChatHistory, &messages); err != nil {
			return nil, nil, fmt.Errorf("corrupted chat history: %v", err)
		}
	}
	return calls, messages, nil
}

func clearPause(item *task.TaskItem) {
	item.PendingToolCalls = nil
	item.ChatHistory = nil
}

// mcpCatalogID reconstructs the catalog id the kernel knows the pending
// elicitation's tool by.
func mcpCatalogID(p *discovery.PendingElicitation) string {
	return "mcp_" + p.ServerName + "_" + p.ToolName
}

// mergeElicitation adds the elicitation answer to the call arguments.
func mergeElicitation(args json.RawMessage, elicitationID string, content json.RawMessage) (json.RawMessage, error) {
	parsed := make(map[string]any)
	if len(args) > 0 {
		if err := json.Unmarshal(args, &parsed); err != nil {
			return nil, fmt.Errorf("corrupted tool arguments: %v", err)
		}
	}
	parsed["elicitation_id"] = elicitationID
	var answer any
	if err := json.Unmarshal(content, &answer); err != nil {
		return nil, fmt.Errorf("invalid elicitation content: %v", err)
	}
	parsed["elicitation_response"] = answer
	return json.Marshal(parsed)
}

// validateAgainstSchema checks the content against a JSON schema.
func validateAgainstSchema(schemaBytes, content json.RawMessage) error {
	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaBytes))
	if err != nil {
		return fmt.Errorf("invalid requested schema: %v", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("elicitation.json", schemaDoc); err != nil {
		return fmt.Errorf("invalid requested schema: %v", err)
	}
	schema, err := compiler.Compile("elicitation.json")
	if err != nil {
		return fmt.Errorf("invalid requested schema: %v", err)
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("invalid content: %v", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("content does not match requested schema: %v", err)
	}
	return nil
}
