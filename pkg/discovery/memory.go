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

package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Store. State is stored serialized so reads
// return independent copies.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory discovery store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func memKey(userID, sessionID string) string {
	return userID + "\x00" + sessionID
}

// Get returns the stored state, or a fresh empty state when none exists.
func (s *MemoryStore) Get(_ context.Context, userID, sessionID string) (*State, error) {
	s.mu.RLock()
	raw, ok := s.data[memKey(userID, sessionID)]
	s.mu.RUnlock()

	if !ok {
		return NewState(), nil
	}

	state := &State{}
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("failed to decode discovery state: %w", err)
	}
	state.normalize()
	return state, nil
}

// Save persists the state.
func (s *MemoryStore) Save(_ context.Context, userID, sessionID string, state *State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode discovery state: %w", err)
	}

	s.mu.Lock()
	s.data[memKey(userID, sessionID)] = raw
	s.mu.Unlock()
	return nil
}

// Delete removes the state. Deleting a missing record is not an error.
func (s *MemoryStore) Delete(_ context.Context, userID, sessionID string) error {
	s.mu.Lock()
	delete(s.data, memKey(userID, sessionID))
	s.mu.Unlock()
	return nil
}

var _ Store = (*MemoryStore)(nil)
