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

package history

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/tealagents/agentcore/pkg/model"
)

var (
	encodingCache   = make(map[string]*tiktoken.Tiktoken)
	encodingCacheMu sync.RWMutex
)

// Counter counts tokens for a specific model's encoding.
type Counter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

// NewCounter creates a counter for the model, falling back to cl100k_base
// when the model is not known to tiktoken.
func NewCounter(modelName string) (*Counter, error) {
	encodingCacheMu.RLock()
	cached, ok := encodingCache[modelName]
	encodingCacheMu.RUnlock()
	if ok {
		return &Counter{encoding: cached, model: modelName}, nil
	}

	encoding, err := tiktoken.EncodingForModel(modelName)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get token encoding: %w", err)
		}
	}

	encodingCacheMu.Lock()
	encodingCache[modelName] = encoding
	encodingCacheMu.Unlock()

	return &Counter{encoding: encoding, model: modelName}, nil
}

// Count returns the token count for text.
func (c *Counter) Count(text string) int {
	return len(c.encoding.Encode(text, nil, nil))
}

// CountMessages counts tokens across messages, including the per-message
// framing overhead of the OpenAI chat format.
func (c *Counter) CountMessages(messages []model.Message) int {
	const tokensPerMessage = 3

	total := 0
	for _, msg := range messages {
		total += tokensPerMessage
		total += len(c.encoding.Encode(msg.Role, nil, nil))
		total += len(c.encoding.Encode(msg.Content, nil, nil))
	}
	return total
}

// Model returns the model name this counter was built for.
func (c *Counter) Model() string { return c.model }
