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

// Package orchestrator drives one user message through the agent loop:
// authenticate, persist the task, build the kernel, run the model, gate
// and execute tool calls, and end the turn in exactly one of the terminal
// response types. Pauses for approval, authorization and elicitation are
// orchestration signals, not faults.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tealagents/agentcore/pkg/chooser"
	"github.com/tealagents/agentcore/pkg/config"
	"github.com/tealagents/agentcore/pkg/discovery"
	"github.com/tealagents/agentcore/pkg/hitl"
	"github.com/tealagents/agentcore/pkg/history"
	"github.com/tealagents/agentcore/pkg/kernel"
	"github.com/tealagents/agentcore/pkg/mcp"
	"github.com/tealagents/agentcore/pkg/model"
	"github.com/tealagents/agentcore/pkg/oauth"
	"github.com/tealagents/agentcore/pkg/observability"
	"github.com/tealagents/agentcore/pkg/plugin"
	"github.com/tealagents/agentcore/pkg/task"
)

// EmitFunc forwards one streamed fragment to the client.
type EmitFunc func(*PartialResponse) error

// Options wires the orchestrator's collaborators.
type Options struct {
	Config      *config.Config
	Persistence task.Persistence
	Builder     *kernel.Builder
	Gate        *hitl.Gate
	Sessions    SessionStore
	Broker      *oauth.Broker
	Counter     *history.Counter
	Metrics     *observability.Metrics

	// Chooser routes turns in multi-agent deployments; nil for
	// single-agent services.
	Chooser *chooser.Chooser

	// Invoker executes downstream agents when the chooser selects a
	// parallel fan-out.
	Invoker chooser.AgentInvoker

	// BaseURL prefixes the resume and approval URLs handed to clients.
	BaseURL string
}

// SessionStore is the slice of the discovery manager the orchestrator
// needs for elicitation resume.
type SessionStore interface {
	PopPendingElicitation(ctx context.Context, userID, sessionID, elicitationID string) (*discovery.PendingElicitation, error)
	AddPendingElicitation(ctx context.Context, userID, sessionID string, pending *discovery.PendingElicitation) error
}

// Orchestrator is the per-turn state machine.
type Orchestrator struct {
	opts Options

	mu        sync.Mutex
	taskLocks map[string]*sync.Mutex
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	return &Orchestrator{opts: opts, taskLocks: make(map[string]*sync.Mutex)}
}

// Invoke runs one non-streaming turn.
func (o *Orchestrator) Invoke(ctx context.Context, userID string, msg *UserMessage) (Response, error) {
	return o.run(ctx, userID, msg, nil)
}

// InvokeStream runs one streaming turn, forwarding partials through emit.
func (o *Orchestrator) InvokeStream(ctx context.Context, userID string, msg *UserMessage, emit EmitFunc) (Response, error) {
	return o.run(ctx, userID, msg, emit)
}

func (o *Orchestrator) run(ctx context.Context, userID string, msg *UserMessage, emit EmitFunc) (Response, error) {
	start := time.Now()

	requestID := msg.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	t, err := o.loadOrCreate(ctx, userID, msg)
	if err != nil {
		return nil, err
	}

	if prior := o.priorResponse(t, requestID); prior != nil {
		slog.Info("Replayed request, returning prior response",
			"task_id", t.TaskID, "request_id", requestID)
		return prior, nil
	}

	unlock, err := o.lockTask(t.TaskID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cc := mcp.CallContext{UserID: userID, SessionID: t.SessionID, TaskID: t.TaskID, RequestID: requestID}

	for _, item := range msg.Items {
		t.AppendItem(task.TaskItem{RequestID: requestID, Role: task.RoleUser, Item: item})
	}
	t.Status = task.StatusRunning
	if err := o.opts.Persistence.Update(ctx, t); err != nil {
		return nil, err
	}

	k, err := o.buildKernel(ctx, t, cc, start)
	if err != nil {
		return nil, err
	}
	if k.paused != nil {
		return k.paused, nil
	}
	defer k.kernel.Close()

	messages := history.FromTask(t)
	if o.opts.Counter != nil && o.opts.Config.Server.MaxHistoryTokens > 0 {
		keep := len(msg.Items)
		if keep == 0 {
			keep = 1
		}
		messages = history.FitWithinBudget(o.opts.Counter, messages, o.opts.Config.Server.MaxHistoryTokens, keep)
	}

	agent, routed, err := o.routeTurn(ctx, t, cc, messages, start)
	if err != nil {
		return nil, err
	}
	if routed != nil {
		return routed, nil
	}

	return o.runLoop(ctx, k.kernel, t, cc, agent, messages, nil, nil, emit, start)
}

// routeTurn picks the agent for the turn. Parallel selections are handled
// entirely here: the message fans out to the selected agents and the
// synthesized answer completes the turn, so the returned Response is
// non-nil and the caller skips the model loop.
func (o *Orchestrator) routeTurn(ctx context.Context, t *task.Task, cc mcp.CallContext, messages []model.Message, start time.Time) (config.AgentConfig, Response, error) {
	agents := o.opts.Config.Agents
	agent := agents[0]
	if o.opts.Chooser == nil || len(agents) < 2 {
		return agent, nil, nil
	}

	query := lastUserContent(messages)
	selected, err := o.opts.Chooser.Choose(ctx, query, messages)
	if err != nil {
		slog.Warn("Agent selection failed, using first configured agent",
			"task_id", t.TaskID, "error", err)
		return agent, nil, nil
	}

	if selected.IsParallel && o.opts.Invoker != nil {
		result, derr := o.opts.Chooser.DispatchParallel(ctx, o.opts.Invoker, selected.ParallelAgents, query)
		if derr != nil {
			return agent, nil, o.failTurn(ctx, t, cc, derr, start)
		}
		output, serr := o.opts.Chooser.Synthesize(ctx, query, result)
		if serr != nil {
			return agent, nil, o.failTurn(ctx, t, cc, serr, start)
		}
		resp, cerr := o.completeTurn(ctx, t, cc, output, nil, &model.Usage{}, start)
		return agent, resp, cerr
	}

	for _, a := range agents {
		if a.Name == selected.AgentName {
			agent = a
			break
		}
	}
	slog.Debug("Agent selected for turn",
		"task_id", t.TaskID, "agent", agent.Name, "confidence", selected.Confidence)
	return agent, nil, nil
}

func lastUserContent(messages []model.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == model.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func (o *Orchestrator) loadOrCreate(ctx context.Context, userID string, msg *UserMessage) (*task.Task, error) {
	if msg.TaskID != "" {
		t, err := o.opts.Persistence.Load(ctx, msg.TaskID)
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, ErrTaskNotFound
		}
		if t.UserID != userID {
			return nil, ErrTaskNotOwned
		}
		return t, nil
	}

	t := task.New(userID, msg.SessionID)
	if err := o.opts.Persistence.Create(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// priorResponse rebuilds the response of an already-answered request.
func (o *Orchestrator) priorResponse(t *task.Task, requestID string) *TealAgentsResponse {
	items := t.ItemsForRequest(requestID)
	for i := len(items) - 1; i >= 0; i-- {
		item := items[i]
		if item.Role != task.RoleAssistant || len(item.PendingToolCalls) > 0 {
			continue
		}
		var usage *model.Usage
		if len(item.TokenUsage) > 0 {
			usage = &model.Usage{}
			_ = json.Unmarshal(item.TokenUsage, usage)
		}
		return &TealAgentsResponse{
			ResponseType: "final",
			TaskID:       t.TaskID,
			SessionID:    t.SessionID,
			RequestID:    requestID,
			Output:       item.Item.Content,
			TokenUsage:   usage,
		}
	}
	return nil
}

// lockTask enforces the single in-flight turn per task.
func (o *Orchestrator) lockTask(taskID string) (func(), error) {
	o.mu.Lock()
	lock, ok := o.taskLocks[taskID]
	if !ok {
		lock = &sync.Mutex{}
		o.taskLocks[taskID] = lock
	}
	o.mu.Unlock()

	if !lock.TryLock() {
		return nil, ErrTurnInFlight
	}
	return lock.Unlock, nil
}

// builtKernel is either a kernel or the auth-challenge pause that
// preempted it.
type builtKernel struct {
	kernel *kernel.Kernel
	paused *AuthChallengeResponse
}

func (o *Orchestrator) buildKernel(ctx context.Context, t *task.Task, cc mcp.CallContext, start time.Time) (*builtKernel, error) {
	k, err := o.opts.Builder.Build(ctx, cc)
	if err == nil {
		return &builtKernel{kernel: k}, nil
	}

	var challenges *plugin.AuthChallengesError
	if errors.As(err, &challenges) {
		resp, perr := o.pauseForAuth(ctx, t, cc, challenges.Challenges, start)
		if perr != nil {
			return nil, perr
		}
		return &builtKernel{paused: resp}, nil
	}

	return nil, o.failTurn(ctx, t, cc, err, start)
}

// runLoop is the agent loop. pending tool calls (from a resume) execute
// before the first model call; approved call ids bypass the HITL gate.
func (o *Orchestrator) runLoop(ctx context.Context, k *kernel.Kernel, t *task.Task, cc mcp.CallContext, agent config.AgentConfig, messages []model.Message, pending []model.ToolCall, approved map[string]bool, emit EmitFunc, start time.Time) (Response, error) {
	usage := &model.Usage{}
	extraData := make(map[string]any)

	for {
		if len(pending) > 0 {
			var err error
			messages, err = o.executeCalls(ctx, k, t, cc, messages, pending, usage, start)
			if err != nil {
				return o.dispatchSignal(ctx, t, cc, err, messages, pending, usage, start)
			}
			pending = nil
		}

		req := &model.Request{
			Messages:          messages,
			Tools:             k.Tools(),
			SystemInstruction: agent.SystemPrompt,
		}

		var final *model.Response
		for resp, err := range k.LLM().GenerateContent(ctx, req, emit != nil) {
			if err != nil {
				return nil, o.failTurn(ctx, t, cc, err, start)
			}
			if resp.Partial {
				if extra, ok := parseExtraData(resp.Content); ok {
					for key, value := range extra {
						extraData[key] = value
					}
					continue
				}
				if emit != nil {
					if err := emit(&PartialResponse{
						ResponseType:  "partial",
						TaskID:        t.TaskID,
						SessionID:     t.SessionID,
						RequestID:     cc.RequestID,
						OutputPartial: resp.Content,
					}); err != nil {
						return nil, o.failTurn(ctx, t, cc, err, start)
					}
				}
				continue
			}
			final = resp
		}
		if final == nil {
			return nil, o.failTurn(ctx, t, cc, fmt.Errorf("model returned no response"), start)
		}
		usage.Add(final.Usage)

		if !final.HasToolCalls() {
			return o.completeTurn(ctx, t, cc, final.Content, extraData, usage, start)
		}

		if err := o.opts.Gate.Check(final.ToolCalls, approved); err != nil {
			var intervention *hitl.InterventionRequired
			if errors.As(err, &intervention) {
				snapshot := append(messages, model.Message{
					Role:      model.RoleAssistant,
					Content:   final.Content,
					ToolCalls: final.ToolCalls,
				})
				return o.pauseForHitl(ctx, t, cc, final.ToolCalls, snapshot, usage, start)
			}
			return nil, o.failTurn(ctx, t, cc, err, start)
		}

		messages = append(messages, model.Message{
			Role:      model.RoleAssistant,
			Content:   final.Content,
			ToolCalls: final.ToolCalls,
		})
		var err error
		messages, err = o.executeCalls(ctx, k, t, cc, messages, final.ToolCalls, usage, start)
		if err != nil {
			return o.dispatchSignal(ctx, t, cc, err, messages, final.ToolCalls, usage, start)
		}
	}
}

// executeCalls runs tool calls in order, appending tool results to the
// conversation. The returned messages include results of calls that
// completed before any error.
func (o *Orchestrator) executeCalls(ctx context.Context, k *kernel.Kernel, t *task.Task, cc mcp.CallContext, messages []model.Message, calls []model.ToolCall, usage *model.Usage, start time.Time) ([]model.Message, error) {
	for i, call := range calls {
		out, err := k.Execute(ctx, cc, call)
		if err != nil {
			// Signal which calls remain so a resume can pick up here.
			return messages, &callSuspension{err: err, remaining: calls[i:]}
		}
		messages = append(messages, model.Message{
			Role:       model.RoleTool,
			Content:    out,
			ToolCallID: call.ID,
		})
	}
	return messages, nil
}

// callSuspension carries a tool execution error plus the calls that had
// not run yet.
type callSuspension struct {
	err       error
	remaining []model.ToolCall
}

func (s *callSuspension) Error() string { return s.err.Error() }
func (s *callSuspension) Unwrap() error { return s.err }

// dispatchSignal routes a tool execution failure to the right pause, or
// fails the turn.
func (o *Orchestrator) dispatchSignal(ctx context.Context, t *task.Task, cc mcp.CallContext, err error, messages []model.Message, calls []model.ToolCall, usage *model.Usage, start time.Time) (Response, error) {
	remaining := calls
	var susp *callSuspension
	if errors.As(err, &susp) {
		remaining = susp.remaining
	}

	var elic *mcp.ElicitationRequiredError
	if errors.As(err, &elic) {
		return o.pauseForElicitation(ctx, t, cc, elic, messages, remaining, start)
	}

	var authErr *oauth.AuthRequiredError
	if errors.As(err, &authErr) {
		return o.pauseForAuth(ctx, t, cc, []*oauth.AuthRequiredError{authErr}, start)
	}

	return nil, o.failTurn(ctx, t, cc, err, start)
}

func (o *Orchestrator) completeTurn(ctx context.Context, t *task.Task, cc mcp.CallContext, output string, extraData map[string]any, usage *model.Usage, start time.Time) (Response, error) {
	usageJSON, _ := json.Marshal(usage)
	t.AppendItem(task.TaskItem{
		RequestID:  cc.RequestID,
		Role:       task.RoleAssistant,
		Item:       task.MultiModalItem{ContentType: task.ContentTypeText, Content: output},
		TokenUsage: usageJSON,
	})
	t.Status = task.StatusCompleted
	if err := o.opts.Persistence.Update(ctx, t); err != nil {
		return nil, err
	}

	o.opts.Metrics.ObserveTurn(observability.OutcomeCompleted, time.Since(start))
	if len(extraData) == 0 {
		extraData = nil
	}
	return &TealAgentsResponse{
		ResponseType: "final",
		TaskID:       t.TaskID,
		SessionID:    t.SessionID,
		RequestID:    cc.RequestID,
		Output:       output,
		ExtraData:    extraData,
		TokenUsage:   usage,
	}, nil
}

func (o *Orchestrator) pauseForHitl(ctx context.Context, t *task.Task, cc mcp.CallContext, calls []model.ToolCall, snapshot []model.Message, usage *model.Usage, start time.Time) (Response, error) {
	callsJSON, err := json.Marshal(calls)
	if err != nil {
		return nil, o.failTurn(ctx, t, cc, err, start)
	}
	historyJSON, err := json.Marshal(snapshot)
	if err != nil {
		return nil, o.failTurn(ctx, t, cc, err, start)
	}

	t.AppendItem(task.TaskItem{
		RequestID:        cc.RequestID,
		Role:             task.RoleAssistant,
		Item:             task.MultiModalItem{ContentType: task.ContentTypeText, Content: "Tool execution requires approval."},
		PendingToolCalls: callsJSON,
		ChatHistory:      historyJSON,
	})
	t.Status = task.StatusPaused
	if err := o.opts.Persistence.Update(ctx, t); err != nil {
		return nil, err
	}

	o.opts.Metrics.ObserveTurn(observability.OutcomePaused, time.Since(start))
	resumeURL := o.resumeURL(t.TaskID)
	return &HitlResponse{
		ResponseType: "hitl",
		TaskID:       t.TaskID,
		SessionID:    t.SessionID,
		RequestID:    cc.RequestID,
		Message:      "Tool execution requires approval.",
		ApprovalURL:  resumeURL + "?action=approve",
		RejectionURL: resumeURL + "?action=reject",
		ToolCalls:    calls,
	}, nil
}

func (o *Orchestrator) pauseForAuth(ctx context.Context, t *task.Task, cc mcp.CallContext, required []*oauth.AuthRequiredError, start time.Time) (*AuthChallengeResponse, error) {
	challenges := make([]AuthChallenge, 0, len(required))
	for _, r := range required {
		challenge := AuthChallenge{
			ServerName: r.ServerName,
			AuthServer: r.AuthServer,
			Scopes:     r.Scopes,
		}
		if o.opts.Broker != nil {
			authURL, err := o.opts.Broker.InitiateAuthorizationFlow(ctx, cc.UserID, r.ServerName)
			if err != nil {
				slog.Warn("Failed to initiate authorization flow",
					"server", r.ServerName, "error", err)
			} else {
				challenge.AuthURL = authURL
				o.opts.Metrics.ObserveOAuthFlow("initiated")
			}
		}
		if challenge.AuthURL == "" {
			challenge.AuthURL = fmt.Sprintf("%s/oauth/%s/authorize?user_id=%s", o.opts.BaseURL, r.ServerName, cc.UserID)
		}
		challenges = append(challenges, challenge)
	}

	t.Status = task.StatusPaused
	if err := o.opts.Persistence.Update(ctx, t); err != nil {
		return nil, err
	}

	o.opts.Metrics.ObserveTurn(observability.OutcomeAuthChallenge, time.Since(start))
	return &AuthChallengeResponse{
		ResponseType:   "auth_challenge",
		TaskID:         t.TaskID,
		SessionID:      t.SessionID,
		RequestID:      cc.RequestID,
		Message:        "Authorization required before this request can proceed.",
		AuthChallenges: challenges,
		ResumeURL:      o.resumeURL(t.TaskID),
	}, nil
}

func (o *Orchestrator) pauseForElicitation(ctx context.Context, t *task.Task, cc mcp.CallContext, elic *mcp.ElicitationRequiredError, messages []model.Message, remaining []model.ToolCall, start time.Time) (Response, error) {
	callsJSON, err := json.Marshal(remaining)
	if err != nil {
		return nil, o.failTurn(ctx, t, cc, err, start)
	}
	historyJSON, err := json.Marshal(messages)
	if err != nil {
		return nil, o.failTurn(ctx, t, cc, err, start)
	}

	t.AppendItem(task.TaskItem{
		RequestID:        cc.RequestID,
		Role:             task.RoleAssistant,
		Item:             task.MultiModalItem{ContentType: task.ContentTypeText, Content: elic.Pending.Message},
		PendingToolCalls: callsJSON,
		ChatHistory:      historyJSON,
	})
	t.Status = task.StatusPaused
	if err := o.opts.Persistence.Update(ctx, t); err != nil {
		return nil, err
	}

	o.opts.Metrics.ObserveTurn(observability.OutcomePaused, time.Since(start))
	return &ElicitationResponse{
		ResponseType:    "elicitation",
		TaskID:          t.TaskID,
		SessionID:       t.SessionID,
		RequestID:       cc.RequestID,
		Message:         elic.Pending.Message,
		ElicitationID:   elic.Pending.ElicitationID,
		Mode:            elic.Pending.Mode,
		URL:             elic.Pending.URL,
		RequestedSchema: elic.Pending.RequestedSchema,
		ResumeURL:       o.resumeURL(t.TaskID),
	}, nil
}

// failTurn finalizes an aborted turn. A client cancellation marks the
// task Canceled only when nothing was produced for the request, so a
// reconnecting client can re-attach; otherwise the task stays Running.
func (o *Orchestrator) failTurn(ctx context.Context, t *task.Task, cc mcp.CallContext, err error, start time.Time) error {
	persistCtx := context.WithoutCancel(ctx)

	if errors.Is(err, context.Canceled) {
		if !hasAssistantItem(t, cc.RequestID) {
			t.Status = task.StatusCanceled
			if uerr := o.opts.Persistence.Update(persistCtx, t); uerr != nil {
				slog.Error("Failed to persist canceled task", "task_id", t.TaskID, "error", uerr)
			}
			o.opts.Metrics.ObserveTurn(observability.OutcomeCanceled, time.Since(start))
		}
		return err
	}

	t.Status = task.StatusFailed
	if uerr := o.opts.Persistence.Update(persistCtx, t); uerr != nil {
		slog.Error("Failed to persist failed task", "task_id", t.TaskID, "error", uerr)
	}
	o.opts.Metrics.ObserveTurn(observability.OutcomeFailed, time.Since(start))
	slog.Error("Turn failed", "task_id", t.TaskID, "request_id", cc.RequestID, "error", err)
	return &AgentInvokeError{Err: err}
}

func (o *Orchestrator) resumeURL(taskID string) string {
	return fmt.Sprintf("%s/%s/%s/resume/%s",
		o.opts.BaseURL, o.opts.Config.Service.Name, o.opts.Config.Service.Version, taskID)
}

func hasAssistantItem(t *task.Task, requestID string) bool {
	for _, item := range t.Items {
		if item.RequestID == requestID && item.Role == task.RoleAssistant {
			return true
		}
	}
	return false
}

// parseExtraData recognizes structured extra-data directives in streamed
// fragments. They are folded into the final response instead of being
// forwarded on the wire.
func parseExtraData(content string) (map[string]any, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	var payload struct {
		ExtraData map[string]any `json:"extra_data"`
	}
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil || payload.ExtraData == nil {
		return nil, false
	}
	return payload.ExtraData, true
}
