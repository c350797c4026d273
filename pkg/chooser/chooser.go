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

// Package chooser routes a user message to the best downstream agent.
//
// The pipeline is: optional follow-up analysis (query expansion), hybrid
// BM25 + semantic retrieval over the agent corpus, then an LLM reranker
// over the top-k candidates. Multi-agent selections fan out in parallel
// and are synthesized into a single response.
package chooser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tealagents/agentcore/pkg/config"
	"github.com/tealagents/agentcore/pkg/model"
)

// Intent classes for follow-up analysis.
const (
	IntentKnowledge = "knowledge"
	IntentAction    = "action"
)

// Confidence levels reported by the reranker.
const (
	ConfidenceLow    = "low"
	ConfidenceMedium = "medium"
	ConfidenceHigh   = "high"
)

// FollowUpAnalysisResult classifies the current message against recent
// conversation turns.
type FollowUpAnalysisResult struct {
	IsFollowup    bool     `json:"is_followup"`
	OriginalQuery string   `json:"original_query"`
	ExpandedQuery string   `json:"expanded_query"`
	KeyTermsAdded []string `json:"key_terms_added"`
	Intent        string   `json:"intent"`
}

// SelectedAgent is the reranker's decision.
type SelectedAgent struct {
	AgentName      string   `json:"agent_name"`
	Primary        string   `json:"primary"`
	Secondary      string   `json:"secondary,omitempty"`
	Confidence     string   `json:"confidence"`
	IsParallel     bool     `json:"is_parallel"`
	ParallelAgents []string `json:"parallel_agents,omitempty"`
}

// Chooser ranks and selects agents for a message.
type Chooser struct {
	cfg      config.ChooserConfig
	index    *Index
	llm      model.LLM
	fallback string
}

// New builds a chooser over the configured agents. llm may be nil, in
// which case the top retrieval candidate is selected without reranking.
func New(ctx context.Context, cfg config.ChooserConfig, agents []config.AgentConfig, embedder Embedder, llm model.LLM, fallback string) (*Chooser, error) {
	index, err := NewIndex(ctx, agents, embedder, cfg.BM25Weight, cfg.SemanticWeight)
	if err != nil {
		return nil, err
	}
	return &Chooser{cfg: cfg, index: index, llm: llm, fallback: fallback}, nil
}

// Choose runs the full selection pipeline for one message.
func (c *Chooser) Choose(ctx context.Context, message string, history []model.Message) (*SelectedAgent, error) {
	query := message
	var followUp *FollowUpAnalysisResult
	if c.cfg.FollowUpAnalysis && c.llm != nil {
		followUp = c.analyzeFollowUp(ctx, message, history)
		if followUp != nil && followUp.IsFollowup && followUp.ExpandedQuery != "" {
			query = followUp.ExpandedQuery
		}
	}

	candidates, err := c.index.Rank(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no agents registered")
	}
	if len(candidates) > c.cfg.TopK {
		candidates = candidates[:c.cfg.TopK]
	}

	selected := c.rerank(ctx, message, candidates, followUp, history)

	// Unknown selections fall through to the fallback agent.
	if !c.index.Knows(selected.AgentName) {
		slog.Warn("Reranker selected unknown agent, using fallback",
			"selected", selected.AgentName, "fallback", c.fallback)
		selected.AgentName = c.fallback
		selected.Primary = c.fallback
		selected.Confidence = ConfidenceLow
		selected.IsParallel = false
		selected.ParallelAgents = nil
	}
	var known []string
	for _, name := range selected.ParallelAgents {
		if c.index.Knows(name) {
			known = append(known, name)
		}
	}
	selected.ParallelAgents = known
	if len(selected.ParallelAgents) < 2 {
		selected.IsParallel = false
	}
	return selected, nil
}

// analyzeFollowUp asks the model whether the message continues a prior
// exchange. Failures degrade to treating the message as standalone.
func (c *Chooser) analyzeFollowUp(ctx context.Context, message string, history []model.Message) *FollowUpAnalysisResult {
	window := history
	if len(window) > c.cfg.FollowUpWindow {
		window = window[len(window)-c.cfg.FollowUpWindow:]
	}

	var snippet strings.Builder
	for _, m := range window {
		fmt.Fprintf(&snippet, "%s: %s\n", m.Role, m.Content)
	}

	prompt := fmt.Sprintf(`Classify whether the user message continues the prior conversation.

Conversation:
%s
Message: %s

Respond with JSON only:
{"is_followup": bool, "original_query": string, "expanded_query": string, "key_terms_added": [string], "intent": "knowledge"|"action"}
The expanded_query must restate the message with the key terms from prior turns it depends on.`, snippet.String(), message)

	text, err := c.complete(ctx, prompt)
	if err != nil {
		slog.Warn("Follow-up analysis failed", "error", err)
		return nil
	}

	var result FollowUpAnalysisResult
	if err := json.Unmarshal(extractJSON(text), &result); err != nil {
		slog.Warn("Follow-up analysis returned unparseable output", "error", err)
		return nil
	}
	if result.Intent != IntentKnowledge && result.Intent != IntentAction {
		result.Intent = IntentKnowledge
	}
	return &result
}

// rerank asks the model to pick among the top candidates. Failures
// degrade to the top retrieval candidate.
func (c *Chooser) rerank(ctx context.Context, message string, candidates []Candidate, followUp *FollowUpAnalysisResult, history []model.Message) *SelectedAgent {
	top := &SelectedAgent{
		AgentName:  candidates[0].Name,
		Primary:    candidates[0].Name,
		Confidence: confidenceLevel(candidates[0].Confidence),
	}
	if c.llm == nil {
		return top
	}

	candidateJSON, _ := json.Marshal(candidates)
	followUpJSON := []byte("null")
	if followUp != nil {
		followUpJSON, _ = json.Marshal(followUp)
	}

	var snippet strings.Builder
	start := len(history) - c.cfg.FollowUpWindow
	if start < 0 {
		start = 0
	}
	for _, m := range history[start:] {
		fmt.Fprintf(&snippet, "%s: %s\n", m.Role, m.Content)
	}

	prompt := fmt.Sprintf(`Select the best agent for the user message.

Message: %s
Candidates (with retrieval scores): %s
Follow-up analysis: %s
Recent conversation:
%s
Respond with JSON only:
{"agent_name": string, "primary": string, "secondary": string, "confidence": "low"|"medium"|"high", "is_parallel": bool, "parallel_agents": [string]}
Set is_parallel only when the message genuinely needs multiple agents.`, message, candidateJSON, followUpJSON, snippet.String())

	text, err := c.complete(ctx, prompt)
	if err != nil {
		slog.Warn("Reranker failed, using top retrieval candidate", "error", err)
		return top
	}

	var selected SelectedAgent
	if err := json.Unmarshal(extractJSON(text), &selected); err != nil || selected.AgentName == "" {
		slog.Warn("Reranker returned unparseable output, using top retrieval candidate")
		return top
	}
	if selected.Primary == "" {
		selected.Primary = selected.AgentName
	}
	switch selected.Confidence {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
	default:
		selected.Confidence = ConfidenceMedium
	}
	return &selected
}

// complete runs one non-streaming model call and returns the final text.
func (c *Chooser) complete(ctx context.Context, prompt string) (string, error) {
	req := &model.Request{Messages: []model.Message{{Role: model.RoleUser, Content: prompt}}}

	var final string
	for resp, err := range c.llm.GenerateContent(ctx, req, false) {
		if err != nil {
			return "", err
		}
		if !resp.Partial {
			final = resp.Content
		}
	}
	return final, nil
}

// confidenceLevel buckets a combined retrieval score.
func confidenceLevel(score float64) string {
	switch {
	case score >= 0.7:
		return ConfidenceHigh
	case score >= 0.4:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// extractJSON returns the first top-level JSON object in text, tolerating
// prose around the model's answer.
func extractJSON(text string) []byte {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return []byte(text)
	}
	return []byte(text[start : end+1])
}
