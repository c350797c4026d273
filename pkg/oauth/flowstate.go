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

package oauth

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultFlowTTL is how long a pending authorization flow stays valid.
const DefaultFlowTTL = 300 * time.Second

// ErrFlowNotFound is returned for a missing or expired flow state.
// Expiry is enforced lazily: an expired record is deleted on retrieval and
// reported as not found.
var ErrFlowNotFound = errors.New("authorization flow state invalid or expired")

// FlowState is the short-lived record created when an authorization flow
// is initiated and consumed by the callback.
type FlowState struct {
	State      string    `json:"state"`
	Verifier   string    `json:"verifier"`
	UserID     string    `json:"user_id"`
	ServerName string    `json:"server_name"`
	Resource   string    `json:"resource"`
	Scopes     []string  `json:"scopes"`
	CreatedAt  time.Time `json:"created_at"`
}

// FlowStore persists pending flow states. Records are retrievable by state
// alone (for the IdP callback, which carries no user) and by (user_id,
// state) for CSRF validation. Implementations must be safe for concurrent
// use.
type FlowStore interface {
	// Put stores the flow under both keys.
	Put(ctx context.Context, flow *FlowState) error

	// GetByState returns the flow for the state or ErrFlowNotFound.
	GetByState(ctx context.Context, state string) (*FlowState, error)

	// GetByUser returns the flow for (userID, state) or ErrFlowNotFound.
	GetByUser(ctx context.Context, userID, state string) (*FlowState, error)

	// Delete removes the flow under both keys.
	Delete(ctx context.Context, userID, state string) error
}

// MemoryFlowStore is an in-memory FlowStore with lazy TTL expiry.
type MemoryFlowStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	byState map[string]*FlowState
	byUser  map[string]*FlowState // key: userID + "\x00" + state
}

// NewMemoryFlowStore creates a flow store. ttl <= 0 uses DefaultFlowTTL.
func NewMemoryFlowStore(ttl time.Duration) *MemoryFlowStore {
	if ttl <= 0 {
		ttl = DefaultFlowTTL
	}
	return &MemoryFlowStore{
		ttl:     ttl,
		now:     time.Now,
		byState: make(map[string]*FlowState),
		byUser:  make(map[string]*FlowState),
	}
}

func userKey(userID, state string) string {
	return userID + "\x00" + state
}

// Put stores the flow under both keys.
func (s *MemoryFlowStore) Put(_ context.Context, flow *FlowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *flow
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = s.now()
	}
	s.byState[copied.State] = &copied
	s.byUser[userKey(copied.UserID, copied.State)] = &copied
	return nil
}

// GetByState returns the flow for the state or ErrFlowNotFound.
func (s *MemoryFlowStore) GetByState(_ context.Context, state string) (*FlowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(s.byState[state])
}

// GetByUser returns the flow for (userID, state) or ErrFlowNotFound.
func (s *MemoryFlowStore) GetByUser(_ context.Context, userID, state string) (*FlowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(s.byUser[userKey(userID, state)])
}

// get checks expiry under the lock; expired records are deleted.
func (s *MemoryFlowStore) get(flow *FlowState) (*FlowState, error) {
	if flow == nil {
		return nil, ErrFlowNotFound
	}
	if !s.now().Before(flow.CreatedAt.Add(s.ttl)) {
		s.deleteLocked(flow.UserID, flow.State)
		return nil, ErrFlowNotFound
	}
	copied := *flow
	return &copied, nil
}

// Delete removes the flow under both keys.
func (s *MemoryFlowStore) Delete(_ context.Context, userID, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(userID, state)
	return nil
}

func (s *MemoryFlowStore) deleteLocked(userID, state string) {
	delete(s.byState, state)
	delete(s.byUser, userKey(userID, state))
}

var _ FlowStore = (*MemoryFlowStore)(nil)
