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

package chooser

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/philippgille/chromem-go"

	"github.com/tealagents/agentcore/pkg/config"
)

// BM25 parameters, standard values.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// Candidate is one agent with its retrieval scores. Confidence is the
// weighted combination of the normalized BM25 score and the semantic
// similarity.
type Candidate struct {
	Name       string  `json:"name"`
	BM25       float64 `json:"bm25"`
	Semantic   float64 `json:"semantic"`
	Confidence float64 `json:"confidence"`
}

// Index ranks agents against a query with hybrid lexical + semantic
// retrieval. The corpus is each agent's description and keywords.
type Index struct {
	agents   []config.AgentConfig
	docs     map[string][]string
	df       map[string]int
	avgLen   float64
	embedder Embedder
	col      *chromem.Collection

	bm25Weight     float64
	semanticWeight float64
}

// NewIndex builds the index over the agent corpus.
func NewIndex(ctx context.Context, agents []config.AgentConfig, embedder Embedder, bm25Weight, semanticWeight float64) (*Index, error) {
	ix := &Index{
		agents:         agents,
		docs:           make(map[string][]string, len(agents)),
		df:             make(map[string]int),
		embedder:       embedder,
		bm25Weight:     bm25Weight,
		semanticWeight: semanticWeight,
	}

	db := chromem.NewDB()
	col, err := db.GetOrCreateCollection("agents", nil, func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create agent collection: %w", err)
	}
	ix.col = col

	var totalLen int
	for _, a := range agents {
		text := agentCorpusText(a)
		tokens := tokenize(text)
		ix.docs[a.Name] = tokens
		totalLen += len(tokens)
		for _, tok := range uniqueTokens(tokens) {
			ix.df[tok]++
		}

		vec, err := embedder.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed agent %s: %w", a.Name, err)
		}
		if err := col.AddDocuments(ctx, []chromem.Document{{
			ID:        a.Name,
			Content:   text,
			Embedding: vec,
		}}, 1); err != nil {
			return nil, fmt.Errorf("failed to index agent %s: %w", a.Name, err)
		}
	}
	if len(agents) > 0 {
		ix.avgLen = float64(totalLen) / float64(len(agents))
	}
	return ix, nil
}

// Rank scores every agent against the query and returns candidates in
// descending confidence order, ties broken by lexicographic name.
func (ix *Index) Rank(ctx context.Context, query string) ([]Candidate, error) {
	if len(ix.agents) == 0 {
		return nil, nil
	}

	bm25 := ix.bm25Scores(query)

	semantic := make(map[string]float64, len(ix.agents))
	qv, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	results, err := ix.col.QueryEmbedding(ctx, qv, len(ix.agents), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("semantic search failed: %w", err)
	}
	for _, r := range results {
		semantic[r.ID] = float64(r.Similarity)
	}

	candidates := make([]Candidate, 0, len(ix.agents))
	for _, a := range ix.agents {
		sem := math.Max(0, semantic[a.Name])
		candidates = append(candidates, Candidate{
			Name:       a.Name,
			BM25:       bm25[a.Name],
			Semantic:   sem,
			Confidence: ix.bm25Weight*bm25[a.Name] + ix.semanticWeight*sem,
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Confidence != candidates[j].Confidence {
			return candidates[i].Confidence > candidates[j].Confidence
		}
		return candidates[i].Name < candidates[j].Name
	})
	return candidates, nil
}

// Knows reports whether the index contains the agent.
func (ix *Index) Knows(name string) bool {
	_, ok := ix.docs[name]
	return ok
}

// bm25Scores computes BM25 per agent, normalized to [0, 1] by the best
// score so it is comparable with cosine similarity.
func (ix *Index) bm25Scores(query string) map[string]float64 {
	scores := make(map[string]float64, len(ix.agents))
	qTokens := tokenize(query)
	n := float64(len(ix.agents))

	var best float64
	for name, doc := range ix.docs {
		tf := make(map[string]int, len(doc))
		for _, tok := range doc {
			tf[tok]++
		}

		var score float64
		for _, q := range uniqueTokens(qTokens) {
			f := float64(tf[q])
			if f == 0 {
				continue
			}
			df := float64(ix.df[q])
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			norm := bm25K1 * (1 - bm25B + bm25B*float64(len(doc))/ix.avgLen)
			score += idf * f * (bm25K1 + 1) / (f + norm)
		}
		scores[name] = score
		if score > best {
			best = score
		}
	}

	if best > 0 {
		for name := range scores {
			scores[name] /= best
		}
	}
	return scores
}

func agentCorpusText(a config.AgentConfig) string {
	parts := []string{a.Name, a.Description}
	parts = append(parts, a.Keywords...)
	return strings.Join(parts, " ")
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func uniqueTokens(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	var out []string
	for _, t := range tokens {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
