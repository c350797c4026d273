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
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tealagents/agentcore/pkg/authstore"
	"github.com/tealagents/agentcore/pkg/catalog"
	"github.com/tealagents/agentcore/pkg/chooser"
	"github.com/tealagents/agentcore/pkg/config"
	"github.com/tealagents/agentcore/pkg/discovery"
	"github.com/tealagents/agentcore/pkg/hitl"
	"github.com/tealagents/agentcore/pkg/kernel"
	"github.com/tealagents/agentcore/pkg/mcp"
	"github.com/tealagents/agentcore/pkg/model"
	"github.com/tealagents/agentcore/pkg/oauth"
	"github.com/tealagents/agentcore/pkg/plugin"
	"github.com/tealagents/agentcore/pkg/task"
)

// fixedFactory hands the same model client to every kernel build.
type fixedFactory struct {
	llm model.LLM
}

func (f fixedFactory) CreateClient(string, string) (model.LLM, error) {
	return f.llm, nil
}

// queueFactory hands out a different client per kernel build.
type queueFactory struct {
	mu   sync.Mutex
	llms []model.LLM
}

func (f *queueFactory) CreateClient(string, string) (model.LLM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.llms) == 0 {
		return nil, errors.New("no more clients queued")
	}
	llm := f.llms[0]
	f.llms = f.llms[1:]
	return llm, nil
}

// blockingLLM parks GenerateContent until released, so a test can hold a
// turn open while probing concurrent invocations.
type blockingLLM struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingLLM) Name() string { return "blocking" }

func (b *blockingLLM) GenerateContent(ctx context.Context, _ *model.Request, _ bool) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		b.once.Do(func() { close(b.started) })
		select {
		case <-b.release:
		case <-ctx.Done():
			yield(nil, ctx.Err())
			return
		}
		yield(&model.Response{Content: "finally done"}, nil)
	}
}

func (b *blockingLLM) Close() error { return nil }

// deployPlugin is a gated code plugin that counts invocations.
type deployPlugin struct {
	invocations atomic.Int32
}

func (p *deployPlugin) Name() string { return "deploy_plugin" }

func (p *deployPlugin) Tools() []plugin.Tool {
	return []plugin.Tool{{
		CatalogID:   "deploy_plugin-Deploy",
		Name:        "Deploy",
		Description: "Roll out a service.",
	}}
}

func (p *deployPlugin) Invoke(_ context.Context, _ mcp.CallContext, catalogID string, _ json.RawMessage) (string, error) {
	if catalogID != "deploy_plugin-Deploy" {
		return "", errors.New("unknown tool")
	}
	p.invocations.Add(1)
	return "deployment started", nil
}

func testConfig() *config.Config {
	cfg := &config.Config{
		Service: config.ServiceConfig{Name: "assistant", Version: "1.0"},
		Model:   config.ModelConfig{Provider: "scripted", Name: "scripted"},
		Agents:  []config.AgentConfig{{Name: "default", SystemPrompt: "You are a helpful assistant."}},
		Plugins: []config.PluginConfig{{Name: "echo_plugin"}, {Name: "deploy_plugin"}},
	}
	cfg.SetDefaults()
	return cfg
}

type testEnv struct {
	orch     *Orchestrator
	pers     *task.MemoryPersistence
	cat      *catalog.Catalog
	sessions *discovery.Manager
	deploy   *deployPlugin
}

func newEnv(t *testing.T, factory model.ChatCompletionFactory, mutateCfg func(*config.Config), mutateOpts func(*Options)) *testEnv {
	t.Helper()

	cfg := testConfig()
	if mutateCfg != nil {
		mutateCfg(cfg)
	}

	cat := catalog.New()
	require.NoError(t, cat.RegisterDynamicTool(&catalog.PluginTool{
		ToolID: "deploy_plugin-Deploy",
		Name:   "Deploy",
		Governance: catalog.Governance{
			RequiresHitl: true,
			Cost:         catalog.CostMedium,
		},
	}, "deploy_plugin"))

	deploy := &deployPlugin{}
	factories := plugin.DefaultFactories()
	factories["deploy_plugin"] = func(map[string]any) (plugin.Plugin, error) { return deploy, nil }

	sessions := discovery.NewManager(discovery.NewMemoryStore())
	var registry *plugin.Registry
	if len(cfg.McpServers) > 0 {
		registry = plugin.NewRegistry(cfg.McpServers, mcp.Deps{
			AuthStorage: authstore.NewMemoryStorage(),
			Sessions:    sessions,
		}, cat)
	}

	pers := task.NewMemoryPersistence()
	opts := Options{
		Config:      cfg,
		Persistence: pers,
		Builder:     kernel.NewBuilder(cfg, factory, factories, registry, ""),
		Gate:        hitl.NewGate(cat),
		Sessions:    sessions,
		BaseURL:     "http://localhost:8000",
	}
	if mutateOpts != nil {
		mutateOpts(&opts)
	}

	return &testEnv{
		orch:     New(opts),
		pers:     pers,
		cat:      cat,
		sessions: sessions,
		deploy:   deploy,
	}
}

func textMessage(content string) *UserMessage {
	return &UserMessage{
		Items: []task.MultiModalItem{{ContentType: task.ContentTypeText, Content: content}},
	}
}

func TestInvokeCompletesTurn(t *testing.T) {
	llm := model.NewScriptedLLM(&model.Response{
		Content: "All done.",
		Usage:   &model.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7},
	})
	env := newEnv(t, fixedFactory{llm: llm}, nil, nil)

	resp, err := env.orch.Invoke(context.Background(), "alice", textMessage("hi"))
	require.NoError(t, err)

	final, ok := resp.(*TealAgentsResponse)
	require.True(t, ok)
	assert.Equal(t, "All done.", final.Output)
	require.NotNil(t, final.TokenUsage)
	assert.Equal(t, 7, final.TokenUsage.TotalTokens)

	loaded, err := env.pers.Load(context.Background(), final.TaskID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, task.StatusCompleted, loaded.Status)
	require.Len(t, loaded.Items, 2)
	assert.Equal(t, task.RoleUser, loaded.Items[0].Role)
	assert.Equal(t, task.RoleAssistant, loaded.Items[1].Role)
	assert.NotEmpty(t, loaded.Items[1].TokenUsage)
}

func TestInvokeRunsToolLoop(t *testing.T) {
	args, _ := json.Marshal(map[string]string{"text": "hi from tool"})
	llm := model.NewScriptedLLM(
		&model.Response{ToolCalls: []model.ToolCall{{ID: "call-1", Name: "echo_plugin-Echo", Arguments: args}}},
		&model.Response{Content: "echoed", Usage: &model.Usage{TotalTokens: 3}},
	)
	env := newEnv(t, fixedFactory{llm: llm}, nil, nil)

	resp, err := env.orch.Invoke(context.Background(), "alice", textMessage("echo something"))
	require.NoError(t, err)

	final := resp.(*TealAgentsResponse)
	assert.Equal(t, "echoed", final.Output)
	assert.Equal(t, 2, llm.Calls())

	// The second model call must see the assistant tool-call message and
	// the tool result.
	second := llm.Requests[1]
	require.GreaterOrEqual(t, len(second.Messages), 2)
	toolMsg := second.Messages[len(second.Messages)-1]
	assert.Equal(t, model.RoleTool, toolMsg.Role)
	assert.Equal(t, "hi from tool", toolMsg.Content)
	assert.Equal(t, "call-1", toolMsg.ToolCallID)
	assistantMsg := second.Messages[len(second.Messages)-2]
	assert.Equal(t, model.RoleAssistant, assistantMsg.Role)
	require.Len(t, assistantMsg.ToolCalls, 1)
}

func TestInvokeReplaysCompletedRequest(t *testing.T) {
	llm := model.NewScriptedLLM(&model.Response{
		Content: "first answer",
		Usage:   &model.Usage{PromptTokens: 4, CompletionTokens: 1, TotalTokens: 5},
	})
	env := newEnv(t, fixedFactory{llm: llm}, nil, nil)

	msg := textMessage("hello")
	msg.RequestID = "req-1"
	first, err := env.orch.Invoke(context.Background(), "alice", msg)
	require.NoError(t, err)
	taskID := first.(*TealAgentsResponse).TaskID

	replay := textMessage("hello")
	replay.TaskID = taskID
	replay.RequestID = "req-1"
	second, err := env.orch.Invoke(context.Background(), "alice", replay)
	require.NoError(t, err)

	final := second.(*TealAgentsResponse)
	assert.Equal(t, "first answer", final.Output)
	require.NotNil(t, final.TokenUsage)
	assert.Equal(t, 5, final.TokenUsage.TotalTokens)
	assert.Equal(t, 1, llm.Calls(), "replay must not re-run the model")

	loaded, err := env.pers.Load(context.Background(), taskID)
	require.NoError(t, err)
	assert.Len(t, loaded.Items, 2, "replay must not append items")
}

func TestInvokeEnforcesOwnership(t *testing.T) {
	llm := model.NewScriptedLLM(&model.Response{Content: "ok"})
	env := newEnv(t, fixedFactory{llm: llm}, nil, nil)

	resp, err := env.orch.Invoke(context.Background(), "alice", textMessage("hi"))
	require.NoError(t, err)
	taskID := resp.(*TealAgentsResponse).TaskID

	msg := textMessage("mine now")
	msg.TaskID = taskID
	_, err = env.orch.Invoke(context.Background(), "bob", msg)
	assert.ErrorIs(t, err, ErrTaskNotOwned)

	missing := textMessage("hi")
	missing.TaskID = "no-such-task"
	_, err = env.orch.Invoke(context.Background(), "alice", missing)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestSingleTurnInFlightPerTask(t *testing.T) {
	blocking := &blockingLLM{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	factory := &queueFactory{llms: []model.LLM{
		model.NewScriptedLLM(&model.Response{Content: "created"}),
		blocking,
	}}
	env := newEnv(t, factory, nil, nil)

	resp, err := env.orch.Invoke(context.Background(), "alice", textMessage("hi"))
	require.NoError(t, err)
	taskID := resp.(*TealAgentsResponse).TaskID

	done := make(chan error, 1)
	go func() {
		msg := textMessage("slow turn")
		msg.TaskID = taskID
		_, err := env.orch.Invoke(context.Background(), "alice", msg)
		done <- err
	}()

	select {
	case <-blocking.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first turn never reached the model")
	}

	msg := textMessage("concurrent turn")
	msg.TaskID = taskID
	_, err = env.orch.Invoke(context.Background(), "alice", msg)
	assert.ErrorIs(t, err, ErrTurnInFlight)

	close(blocking.release)
	require.NoError(t, <-done)
}

func TestHitlPauseAndApprove(t *testing.T) {
	llm := model.NewScriptedLLM(
		&model.Response{ToolCalls: []model.ToolCall{{
			ID:        "call-9",
			Name:      "deploy_plugin-Deploy",
			Arguments: json.RawMessage(`{"service":"api"}`),
		}}},
		&model.Response{Content: "Deployment kicked off.", Usage: &model.Usage{TotalTokens: 4}},
	)
	env := newEnv(t, fixedFactory{llm: llm}, nil, nil)

	resp, err := env.orch.Invoke(context.Background(), "alice", textMessage("deploy the api"))
	require.NoError(t, err)

	paused, ok := resp.(*HitlResponse)
	require.True(t, ok)
	assert.Equal(t, "Tool execution requires approval.", paused.Message)
	assert.Contains(t, paused.ApprovalURL, "/assistant/1.0/resume/"+paused.TaskID+"?action=approve")
	assert.Contains(t, paused.RejectionURL, "?action=reject")
	require.Len(t, paused.ToolCalls, 1)
	assert.Equal(t, "deploy_plugin-Deploy", paused.ToolCalls[0].Name)
	assert.Equal(t, int32(0), env.deploy.invocations.Load(), "gated tool must not run before approval")

	loaded, err := env.pers.Load(context.Background(), paused.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPaused, loaded.Status)
	require.NotNil(t, loaded.LastPausedItem())

	resumed, err := env.orch.Resume(context.Background(), "alice", paused.TaskID,
		&ResumeRequest{Action: ActionApprove}, nil)
	require.NoError(t, err)

	final, ok := resumed.(*TealAgentsResponse)
	require.True(t, ok)
	assert.Equal(t, "Deployment kicked off.", final.Output)
	assert.Equal(t, int32(1), env.deploy.invocations.Load())

	loaded, err = env.pers.Load(context.Background(), paused.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, loaded.Status)
	assert.Nil(t, loaded.LastPausedItem(), "approval must clear the pending calls")
}

func TestHitlReject(t *testing.T) {
	llm := model.NewScriptedLLM(
		&model.Response{ToolCalls: []model.ToolCall{{
			ID:   "call-2",
			Name: "deploy_plugin-Deploy",
		}}},
	)
	env := newEnv(t, fixedFactory{llm: llm}, nil, nil)

	resp, err := env.orch.Invoke(context.Background(), "alice", textMessage("deploy it"))
	require.NoError(t, err)
	taskID := resp.(*HitlResponse).TaskID

	_, err = env.orch.Resume(context.Background(), "bob", taskID,
		&ResumeRequest{Action: ActionReject}, nil)
	assert.ErrorIs(t, err, ErrTaskNotOwned)

	rejected, err := env.orch.Resume(context.Background(), "alice", taskID,
		&ResumeRequest{Action: ActionReject}, nil)
	require.NoError(t, err)

	rtr, ok := rejected.(*RejectedToolResponse)
	require.True(t, ok)
	assert.Equal(t, "Tool execution rejected.", rtr.Message)
	assert.Equal(t, int32(0), env.deploy.invocations.Load())

	loaded, err := env.pers.Load(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, loaded.Status)
	last := loaded.Items[len(loaded.Items)-1]
	assert.Equal(t, "Tool execution rejected.", last.Item.Content)

	// A terminal task cannot be resumed again.
	_, err = env.orch.Resume(context.Background(), "alice", taskID,
		&ResumeRequest{Action: ActionApprove}, nil)
	assert.ErrorIs(t, err, ErrTaskTerminal)
}

func TestAuthChallengePausesTask(t *testing.T) {
	idp := httptest.NewServer(http.NotFoundHandler())
	defer idp.Close()

	store := authstore.NewMemoryStorage()
	broker := oauth.NewBroker(store, oauth.NewMemoryFlowStore(time.Minute),
		"http://localhost:8000/oauth/github/callback")
	broker.RegisterServer(oauth.ServerAuth{
		ServerName: "github",
		AuthServer: idp.URL,
		Scopes:     []string{"repo"},
		ClientID:   "agentcore",
	})

	llm := model.NewScriptedLLM(&model.Response{Content: "never reached"})
	env := newEnv(t, fixedFactory{llm: llm},
		func(cfg *config.Config) {
			cfg.McpServers = []config.McpServerConfig{{
				Name:       "github",
				Transport:  config.TransportHTTP,
				URL:        "http://127.0.0.1:9",
				AuthServer: idp.URL,
				Scopes:     []string{"repo"},
			}}
			cfg.SetDefaults()
		},
		func(opts *Options) {
			opts.Broker = broker
		})

	resp, err := env.orch.Invoke(context.Background(), "alice", textMessage("list my repos"))
	require.NoError(t, err)

	challenge, ok := resp.(*AuthChallengeResponse)
	require.True(t, ok)
	require.Len(t, challenge.AuthChallenges, 1)
	ch := challenge.AuthChallenges[0]
	assert.Equal(t, "github", ch.ServerName)
	assert.Equal(t, []string{"repo"}, ch.Scopes)
	assert.True(t, strings.HasPrefix(ch.AuthURL, idp.URL))
	assert.Contains(t, ch.AuthURL, "code_challenge_method=S256")
	assert.Contains(t, ch.AuthURL, "code_challenge=")
	assert.Contains(t, ch.AuthURL, "scope=repo")
	assert.Contains(t, challenge.ResumeURL, "/assistant/1.0/resume/"+challenge.TaskID)
	assert.Equal(t, 0, llm.Calls(), "model must not run before authorization")

	loaded, err := env.pers.Load(context.Background(), challenge.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPaused, loaded.Status)
}

func TestResumeAuthComplete(t *testing.T) {
	llm := model.NewScriptedLLM(&model.Response{
		Content: "Welcome back.",
		Usage:   &model.Usage{TotalTokens: 2},
	})
	env := newEnv(t, fixedFactory{llm: llm}, nil, nil)

	tk := task.New("alice", "")
	tk.AppendItem(task.TaskItem{
		RequestID: "req-1",
		Role:      task.RoleUser,
		Item:      task.MultiModalItem{ContentType: task.ContentTypeText, Content: "hello"},
	})
	tk.Status = task.StatusPaused
	require.NoError(t, env.pers.Create(context.Background(), tk))

	resp, err := env.orch.Resume(context.Background(), "alice", tk.TaskID,
		&ResumeRequest{Action: ActionAuthComplete}, nil)
	require.NoError(t, err)

	final, ok := resp.(*TealAgentsResponse)
	require.True(t, ok)
	assert.Equal(t, "Welcome back.", final.Output)
	assert.Equal(t, "req-1", final.RequestID)

	loaded, err := env.pers.Load(context.Background(), tk.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, loaded.Status)
}

func pausedTaskWithPendingCall(t *testing.T, env *testEnv) *task.Task {
	t.Helper()

	calls := []model.ToolCall{{
		ID:        "call-3",
		Name:      "echo_plugin-Echo",
		Arguments: json.RawMessage(`{"text":"original"}`),
	}}
	snapshot := []model.Message{
		{Role: model.RoleUser, Content: "hello"},
		{Role: model.RoleAssistant, ToolCalls: calls},
	}
	callsJSON, err := json.Marshal(calls)
	require.NoError(t, err)
	historyJSON, err := json.Marshal(snapshot)
	require.NoError(t, err)

	tk := task.New("alice", "")
	tk.AppendItem(task.TaskItem{
		RequestID: "req-7",
		Role:      task.RoleUser,
		Item:      task.MultiModalItem{ContentType: task.ContentTypeText, Content: "hello"},
	})
	tk.AppendItem(task.TaskItem{
		RequestID:        "req-7",
		Role:             task.RoleAssistant,
		Item:             task.MultiModalItem{ContentType: task.ContentTypeText, Content: "Need more info."},
		PendingToolCalls: callsJSON,
		ChatHistory:      historyJSON,
	})
	tk.Status = task.StatusPaused
	require.NoError(t, env.pers.Create(context.Background(), tk))
	return tk
}

func TestResumeElicitationResponse(t *testing.T) {
	llm := model.NewScriptedLLM(&model.Response{
		Content: "Thanks, finishing up.",
		Usage:   &model.Usage{TotalTokens: 3},
	})
	env := newEnv(t, fixedFactory{llm: llm}, nil, nil)
	tk := pausedTaskWithPendingCall(t, env)

	require.NoError(t, env.sessions.AddPendingElicitation(context.Background(), "alice", tk.SessionID,
		&discovery.PendingElicitation{
			ElicitationID:   "el-1",
			Mode:            discovery.ModeForm,
			RequestedSchema: json.RawMessage(`{"type":"object","required":["reason"],"properties":{"reason":{"type":"string"}}}`),
			ServerName:      "files",
			UserID:          "alice",
			SessionID:       tk.SessionID,
			TaskID:          tk.TaskID,
			RequestID:       "req-7",
			ToolName:        "echo_plugin-Echo",
		}))

	resp, err := env.orch.Resume(context.Background(), "alice", tk.TaskID, &ResumeRequest{
		Action:  ActionElicitationResponse,
		Payload: json.RawMessage(`{"elicitation_id":"el-1","content":{"reason":"approved by user"}}`),
	}, nil)
	require.NoError(t, err)

	final, ok := resp.(*TealAgentsResponse)
	require.True(t, ok)
	assert.Equal(t, "Thanks, finishing up.", final.Output)

	// The replayed call's tool result must reach the model.
	require.Equal(t, 1, llm.Calls())
	req := llm.Requests[0]
	toolMsg := req.Messages[len(req.Messages)-1]
	assert.Equal(t, model.RoleTool, toolMsg.Role)
	assert.Equal(t, "original", toolMsg.Content)

	loaded, err := env.pers.Load(context.Background(), tk.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, loaded.Status)
}

func TestResumeElicitationValidation(t *testing.T) {
	llm := model.NewScriptedLLM(&model.Response{Content: "unused"})
	env := newEnv(t, fixedFactory{llm: llm}, nil, nil)
	tk := pausedTaskWithPendingCall(t, env)

	_, err := env.orch.Resume(context.Background(), "alice", tk.TaskID, &ResumeRequest{
		Action:  ActionElicitationResponse,
		Payload: json.RawMessage(`{"elicitation_id":"nope","content":{}}`),
	}, nil)
	assert.ErrorIs(t, err, ErrBadResume)

	require.NoError(t, env.sessions.AddPendingElicitation(context.Background(), "alice", tk.SessionID,
		&discovery.PendingElicitation{
			ElicitationID:   "el-2",
			Mode:            discovery.ModeForm,
			RequestedSchema: json.RawMessage(`{"type":"object","required":["reason"],"properties":{"reason":{"type":"string"}}}`),
			ToolName:        "echo_plugin-Echo",
		}))

	_, err = env.orch.Resume(context.Background(), "alice", tk.TaskID, &ResumeRequest{
		Action:  ActionElicitationResponse,
		Payload: json.RawMessage(`{"elicitation_id":"el-2","content":{"reason":42}}`),
	}, nil)
	assert.ErrorIs(t, err, ErrBadResume)

	// A failed validation keeps the elicitation open for a retry.
	pending, err := env.sessions.PopPendingElicitation(context.Background(), "alice", tk.SessionID, "el-2")
	require.NoError(t, err)
	assert.NotNil(t, pending)
}

func TestResumeRequiresPausedTask(t *testing.T) {
	llm := model.NewScriptedLLM(&model.Response{Content: "done"})
	env := newEnv(t, fixedFactory{llm: llm}, nil, nil)

	resp, err := env.orch.Invoke(context.Background(), "alice", textMessage("hi"))
	require.NoError(t, err)
	taskID := resp.(*TealAgentsResponse).TaskID

	_, err = env.orch.Resume(context.Background(), "alice", taskID,
		&ResumeRequest{Action: ActionApprove}, nil)
	assert.ErrorIs(t, err, ErrTaskTerminal)

	_, err = env.orch.Resume(context.Background(), "alice", "missing",
		&ResumeRequest{Action: ActionApprove}, nil)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestCanceledBeforeOutputMarksTaskCanceled(t *testing.T) {
	llm := model.NewScriptedLLM(&model.Response{Content: "never"})
	env := newEnv(t, fixedFactory{llm: llm}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msg := textMessage("hi")
	msg.RequestID = "req-cancel"
	_, err := env.orch.Invoke(ctx, "alice", msg)
	require.ErrorIs(t, err, context.Canceled)

	// The task was created and persisted before cancellation hit the model
	// call, so it is reachable through the request-id index.
	canceled, err := env.pers.LoadByRequestID(context.Background(), "req-cancel")
	require.NoError(t, err)
	require.NotNil(t, canceled)
	assert.Equal(t, task.StatusCanceled, canceled.Status)
}

func TestModelFailureFailsTask(t *testing.T) {
	llm := model.NewScriptedLLM() // exhausted immediately
	env := newEnv(t, fixedFactory{llm: llm}, nil, nil)

	msg := textMessage("hi")
	msg.RequestID = "req-fail"
	_, err := env.orch.Invoke(context.Background(), "alice", msg)
	require.Error(t, err)

	var invokeErr *AgentInvokeError
	assert.ErrorAs(t, err, &invokeErr)

	failed, err := env.pers.LoadByRequestID(context.Background(), "req-fail")
	require.NoError(t, err)
	require.NotNil(t, failed)
	assert.Equal(t, task.StatusFailed, failed.Status)
}

func TestStreamingEmitsPartials(t *testing.T) {
	llm := model.NewScriptedLLM(&model.Response{
		Content: "hello streaming world",
		Usage:   &model.Usage{TotalTokens: 3},
	})
	env := newEnv(t, fixedFactory{llm: llm}, nil, nil)

	var partials []string
	resp, err := env.orch.InvokeStream(context.Background(), "alice", textMessage("hi"),
		func(p *PartialResponse) error {
			partials = append(partials, p.OutputPartial)
			return nil
		})
	require.NoError(t, err)

	final := resp.(*TealAgentsResponse)
	assert.Equal(t, "hello streaming world", final.Output)
	assert.Equal(t, []string{"hello ", "streaming ", "world "}, partials)
}

// fakeInvoker answers downstream agent calls from a fixed map.
type fakeInvoker struct {
	outputs map[string]string
}

func (f *fakeInvoker) InvokeAgent(_ context.Context, agentName, _ string) (string, error) {
	out, ok := f.outputs[agentName]
	if !ok {
		return "", errors.New("unknown agent")
	}
	return out, nil
}

func TestParallelRoutingCompletesTurn(t *testing.T) {
	agents := []config.AgentConfig{
		{Name: "billing", Description: "Invoices, refunds and payment questions.", Keywords: []string{"invoice", "refund"}},
		{Name: "devops", Description: "Deployments, clusters and infrastructure.", Keywords: []string{"kubernetes", "deploy"}},
		{Name: "search", Description: "General knowledge lookups.", Fallback: true},
	}

	// The chooser model first reranks, then synthesizes the fan-out.
	chooserLLM := model.NewScriptedLLM(
		&model.Response{Content: `{"agent_name":"billing","primary":"billing","confidence":"high","is_parallel":true,"parallel_agents":["billing","devops"]}`},
		&model.Response{Content: "combined answer"},
	)

	var chooserCfg config.ChooserConfig
	env := newEnv(t, fixedFactory{llm: model.NewScriptedLLM()},
		func(cfg *config.Config) {
			cfg.Agents = agents
			cfg.Chooser.Enabled = true
			cfg.SetDefaults()
			chooserCfg = cfg.Chooser
		},
		func(opts *Options) {
			ch, err := chooser.New(context.Background(), chooserCfg, agents,
				chooser.NewLocalEmbedder(64), chooserLLM, "search")
			require.NoError(t, err)
			opts.Chooser = ch
			opts.Invoker = &fakeInvoker{outputs: map[string]string{
				"billing": "billing answer",
				"devops":  "devops answer",
			}}
		})

	resp, err := env.orch.Invoke(context.Background(), "alice",
		textMessage("compare our billing spend with the cluster costs"))
	require.NoError(t, err)

	final, ok := resp.(*TealAgentsResponse)
	require.True(t, ok)
	assert.Equal(t, "combined answer", final.Output)

	loaded, err := env.pers.Load(context.Background(), final.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, loaded.Status)
}

func TestStreamingFoldsExtraData(t *testing.T) {
	llm := model.NewScriptedLLM(&model.Response{
		Content: `{"extra_data":{"mood":"calm"}}`,
	})
	env := newEnv(t, fixedFactory{llm: llm}, nil, nil)

	var partials []string
	resp, err := env.orch.InvokeStream(context.Background(), "alice", textMessage("hi"),
		func(p *PartialResponse) error {
			partials = append(partials, p.OutputPartial)
			return nil
		})
	require.NoError(t, err)

	final := resp.(*TealAgentsResponse)
	require.NotNil(t, final.ExtraData)
	assert.Equal(t, "calm", final.ExtraData["mood"])
	assert.Empty(t, partials, "extra-data fragments never reach the wire")
}
