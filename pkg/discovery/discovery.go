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

// Package discovery stores the per-(user, session) record of discovered
// MCP servers, their issued MCP session ids, and pending elicitations.
package discovery

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Elicitation modes.
const (
	ModeForm = "form"
	ModeURL  = "url"
)

// McpSession tracks a stateful MCP server session issued to this
// (user, session) pair.
type McpSession struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// ServerRecord is the discovery result for one MCP server.
type ServerRecord struct {
	// PluginData is the serialized plugin definition registered into the
	// catalog for this server's tools.
	PluginData json.RawMessage `json:"plugin_data,omitempty"`

	// Session is the MCP session issued by the server, when stateful.
	Session *McpSession `json:"session,omitempty"`
}

// PendingElicitation is a tool call suspended on a user elicitation. The
// stored arguments let the call be replayed verbatim on resume.
type PendingElicitation struct {
	ElicitationID   string          `json:"elicitation_id"`
	Mode            string          `json:"mode"`
	URL             string          `json:"url,omitempty"`
	RequestedSchema json.RawMessage `json:"requested_schema,omitempty"`
	Message         string          `json:"message,omitempty"`
	ServerName      string          `json:"server_name"`
	UserID          string          `json:"user_id"`
	SessionID       string          `json:"session_id"`
	TaskID          string          `json:"task_id"`
	RequestID       string          `json:"request_id"`
	ToolName        string          `json:"tool_name"`
	ToolArgs        json.RawMessage `json:"tool_args,omitempty"`
}

// State is the discovery record for one (user, session).
type State struct {
	DiscoveredServers   map[string]*ServerRecord       `json:"discovered_servers"`
	DiscoveryCompleted  bool                           `json:"discovery_completed"`
	FailedServers       map[string]string              `json:"failed_servers,omitempty"`
	PendingElicitations map[string]*PendingElicitation `json:"pending_elicitations,omitempty"`
}

// NewState returns an empty discovery state.
func NewState() *State {
	return &State{
		DiscoveredServers:   make(map[string]*ServerRecord),
		FailedServers:       make(map[string]string),
		PendingElicitations: make(map[string]*PendingElicitation),
	}
}

// normalize ensures maps exist after deserialization.
func (s *State) normalize() {
	if s.DiscoveredServers == nil {
		s.DiscoveredServers = make(map[string]*ServerRecord)
	}
	if s.FailedServers == nil {
		s.FailedServers = make(map[string]string)
	}
	if s.PendingElicitations == nil {
		s.PendingElicitations = make(map[string]*PendingElicitation)
	}
}

// Store persists discovery state keyed by (user_id, session_id).
// Implementations must be safe for concurrent use; a missing record reads
// as a fresh empty state.
type Store interface {
	Get(ctx context.Context, userID, sessionID string) (*State, error)
	Save(ctx context.Context, userID, sessionID string, state *State) error
	Delete(ctx context.Context, userID, sessionID string) error
}

// Manager serializes read-modify-write cycles on a session's discovery
// state with a per-(user, session) lock.
type Manager struct {
	store Store
	now   func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager wraps a Store with per-session locking.
func NewManager(store Store) *Manager {
	return &Manager{
		store: store,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}
}

func (m *Manager) sessionLock(userID, sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := userID + "\x00" + sessionID
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}

// Get returns the session's discovery state.
func (m *Manager) Get(ctx context.Context, userID, sessionID string) (*State, error) {
	return m.store.Get(ctx, userID, sessionID)
}

// Update applies fn to the session's state under the session lock and
// persists the result.
func (m *Manager) Update(ctx context.Context, userID, sessionID string, fn func(*State) error) error {
	lock := m.sessionLock(userID, sessionID)
	lock.Lock()
	defer lock.Unlock()

	state, err := m.store.Get(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	if err := fn(state); err != nil {
		return err
	}
	return m.store.Save(ctx, userID, sessionID, state)
}

// RecordServer stores a discovered server's plugin data.
func (m *Manager) RecordServer(ctx context.Context, userID, sessionID, serverName string, pluginData json.RawMessage) error {
	return m.Update(ctx, userID, sessionID, func(s *State) error {
		rec, ok := s.DiscoveredServers[serverName]
		if !ok {
			rec = &ServerRecord{}
			s.DiscoveredServers[serverName] = rec
		}
		rec.PluginData = pluginData
		return nil
	})
}

// RecordFailure marks a server as failed during discovery.
func (m *Manager) RecordFailure(ctx context.Context, userID, sessionID, serverName, reason string) error {
	return m.Update(ctx, userID, sessionID, func(s *State) error {
		s.FailedServers[serverName] = reason
		return nil
	})
}

// MarkCompleted records that discovery has run for the session.
func (m *Manager) MarkCompleted(ctx context.Context, userID, sessionID string) error {
	return m.Update(ctx, userID, sessionID, func(s *State) error {
		s.DiscoveryCompleted = true
		return nil
	})
}

// SetServerSession records the MCP session id a server issued.
func (m *Manager) SetServerSession(ctx context.Context, userID, sessionID, serverName, mcpSessionID string) error {
	return m.Update(ctx, userID, sessionID, func(s *State) error {
		rec, ok := s.DiscoveredServers[serverName]
		if !ok {
			rec = &ServerRecord{}
			s.DiscoveredServers[serverName] = rec
		}
		now := m.now()
		rec.Session = &McpSession{ID: mcpSessionID, CreatedAt: now, LastUsedAt: now}
		return nil
	})
}

// TouchServerSession updates the session's last-used timestamp.
func (m *Manager) TouchServerSession(ctx context.Context, userID, sessionID, serverName string) error {
	return m.Update(ctx, userID, sessionID, func(s *State) error {
		if rec, ok := s.DiscoveredServers[serverName]; ok && rec.Session != nil {
			rec.Session.LastUsedAt = m.now()
		}
		return nil
	})
}

// ServerSession returns the stored MCP session id for a server, or "".
func (m *Manager) ServerSession(ctx context.Context, userID, sessionID, serverName string) (string, error) {
	state, err := m.store.Get(ctx, userID, sessionID)
	if err != nil {
		return "", err
	}
	if rec, ok := state.DiscoveredServers[serverName]; ok && rec.Session != nil {
		return rec.Session.ID, nil
	}
	return "", nil
}

// ClearServerSessionIf removes the stored MCP session id only when it still
// matches expected. A concurrent turn that already replaced the id is left
// alone.
func (m *Manager) ClearServerSessionIf(ctx context.Context, userID, sessionID, serverName, expected string) error {
	return m.Update(ctx, userID, sessionID, func(s *State) error {
		rec, ok := s.DiscoveredServers[serverName]
		if !ok || rec.Session == nil {
			return nil
		}
		if rec.Session.ID == expected {
			rec.Session = nil
		}
		return nil
	})
}

// AddPendingElicitation stores a suspended tool call.
func (m *Manager) AddPendingElicitation(ctx context.Context, userID, sessionID string, pending *PendingElicitation) error {
	return m.Update(ctx, userID, sessionID, func(s *State) error {
		s.PendingElicitations[pending.ElicitationID] = pending
		return nil
	})
}

// PopPendingElicitation removes and returns a pending elicitation, or nil
// when no such elicitation exists.
func (m *Manager) PopPendingElicitation(ctx context.Context, userID, sessionID, elicitationID string) (*PendingElicitation, error) {
	var popped *PendingElicitation
	err := m.Update(ctx, userID, sessionID, func(s *State) error {
		if p, ok := s.PendingElicitations[elicitationID]; ok {
			popped = p
			delete(s.PendingElicitations, elicitationID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return popped, nil
}
