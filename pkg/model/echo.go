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
	"iter"
	"strings"
)

// EchoLLM is a providerless model that echoes the last user message. It
// backs development configurations and tests that exercise the
// orchestrator without a real provider.
type EchoLLM struct {
	name string
}

// NewEchoLLM creates an echo model.
func NewEchoLLM(name string) *EchoLLM {
	if name == "" {
		name = "echo"
	}
	return &EchoLLM{name: name}
}

// Name returns the model identifier.
func (e *EchoLLM) Name() string { return e.name }

// GenerateContent echoes the last user message. In streaming mode the
// reply is chunked word by word before the final aggregated response.
func (e *EchoLLM) GenerateContent(ctx context.Context, req *Request, stream bool) iter.Seq2[*Response, error] {
	reply := "(empty)"
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			reply = req.Messages[i].Content
			break
		}
	}

	return func(yield func(*Response, error) bool) {
		if stream {
			for _, word := range strings.Fields(reply) {
				if ctx.Err() != nil {
					yield(nil, ctx.Err())
					return
				}
				if !yield(&Response{Content: word + " ", Partial: true}, nil) {
					return
				}
			}
		}
		if ctx.Err() != nil {
			yield(nil, ctx.Err())
			return
		}
		yield(&Response{
			Content: reply,
			Usage: &Usage{
				PromptTokens:     len(strings.Fields(reply)),
				CompletionTokens: len(strings.Fields(reply)),
				TotalTokens:      2 * len(strings.Fields(reply)),
			},
		}, nil)
	}
}

// Close is a no-op.
func (e *EchoLLM) Close() error { return nil }

// EchoFactory creates EchoLLM clients regardless of model name.
type EchoFactory struct{}

// CreateClient returns an echo model named after the requested model.
func (EchoFactory) CreateClient(modelName, _ string) (LLM, error) {
	return NewEchoLLM(modelName), nil
}

var (
	_ LLM                   = (*EchoLLM)(nil)
	_ ChatCompletionFactory = EchoFactory{}
)
