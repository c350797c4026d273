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
	"fmt"
	"iter"
	"strings"
	"sync"
)

// ScriptedLLM replays a fixed sequence of responses, one per
// GenerateContent call. Tests use it to drive tool-call loops through the
// orchestrator deterministically.
type ScriptedLLM struct {
	name string

	mu        sync.Mutex
	responses []*Response
	calls     int

	// Requests records every request received, for assertions.
	Requests []*Request
}

// NewScriptedLLM creates a scripted model that returns the given responses
// in order.
func NewScriptedLLM(responses ...*Response) *ScriptedLLM {
	return &ScriptedLLM{name: "scripted", responses: responses}
}

// Name returns the model identifier.
func (s *ScriptedLLM) Name() string { return s.name }

// Calls returns how many times GenerateContent has run.
func (s *ScriptedLLM) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// GenerateContent yields the next scripted response. In streaming mode the
// response text is chunked word by word first.
func (s *ScriptedLLM) GenerateContent(ctx context.Context, req *Request, stream bool) iter.Seq2[*Response, error] {
	s.mu.Lock()
	s.Requests = append(s.Requests, req)
	var next *Response
	var err error
	if s.calls < len(s.responses) {
		next = s.responses[s.calls]
	} else {
		err = fmt.Errorf("scripted model exhausted after %d responses", len(s.responses))
	}
	s.calls++
	s.mu.Unlock()

	return func(yield func(*Response, error) bool) {
		if err != nil {
			yield(nil, err)
			return
		}
		if ctx.Err() != nil {
			yield(nil, ctx.Err())
			return
		}
		if stream && next.Content != "" && !next.HasToolCalls() {
			for _, word := range strings.Fields(next.Content) {
				if !yield(&Response{Content: word + " ", Partial: true}, nil) {
					return
				}
			}
		}
		yield(next, nil)
	}
}

// Close is a no-op.
func (s *ScriptedLLM) Close() error { return nil }

var _ LLM = (*ScriptedLLM)(nil)
