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

// Package authstore stores per-user OAuth credentials.
//
// Credentials are keyed by (user_id, composite key) where the composite key
// is a pure function of the authorization server and the sorted scope set,
// so two requests for the same server and scopes always resolve to the same
// record regardless of scope ordering.
package authstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when no credential exists for the key.
var ErrNotFound = errors.New("auth data not found")

// AuthData holds one OAuth 2.1 credential with MCP resource binding.
type AuthData struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes"`

	// MCP compliance fields: the token is bound to a resource and,
	// when the server reported one, an audience.
	Audience  string    `json:"audience,omitempty"`
	Resource  string    `json:"resource,omitempty"`
	TokenType string    `json:"token_type"`
	IssuedAt  time.Time `json:"issued_at"`
}

// IsExpired reports whether the token's lifetime has elapsed.
func (d *AuthData) IsExpired() bool {
	return !d.ExpiresAt.IsZero() && !time.Now().Before(d.ExpiresAt)
}

// IsValidForResource reports whether the token may be presented to the
// given resource URI: not expired, and both resource and audience (when
// set) match.
func (d *AuthData) IsValidForResource(uri string) bool {
	if d.IsExpired() {
		return false
	}
	if d.Resource != "" && d.Resource != uri {
		return false
	}
	if d.Audience != "" && d.Audience != uri {
		return false
	}
	return true
}

// AuthorizationHeader formats the credential for an Authorization header.
func (d *AuthData) AuthorizationHeader() string {
	tokenType := d.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return tokenType + " " + d.AccessToken
}

// BuildKey constructs the composite storage key: the auth server joined
// with the sorted scopes by pipes, or the auth server alone when scopes
// are empty.
func BuildKey(authServer string, scopes []string) string {
	if len(scopes) == 0 {
		return authServer
	}
	sorted := make([]string, len(scopes))
	copy(sorted, scopes)
	sort.Strings(sorted)
	return authServer + "|" + strings.Join(sorted, "|")
}

// Storage is the keyed credential container. Implementations must be safe
// for concurrent use.
type Storage interface {
	// Store saves auth data under (userID, compositeKey).
	Store(ctx context.Context, userID, compositeKey string, data *AuthData) error

	// Retrieve returns the auth data or ErrNotFound.
	Retrieve(ctx context.Context, userID, compositeKey string) (*AuthData, error)

	// Delete removes the auth data. Deleting a missing record is not an
	// error.
	Delete(ctx context.Context, userID, compositeKey string) error

	// ClearUserData removes every credential belonging to the user.
	ClearUserData(ctx context.Context, userID string) error
}

// MemoryStorage is an in-memory Storage implementation.
type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string]map[string]*AuthData
}

// NewMemoryStorage creates an empty in-memory credential store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string]map[string]*AuthData)}
}

// Store saves auth data under (userID, compositeKey).
func (s *MemoryStorage) Store(_ context.Context, userID, compositeKey string, data *AuthData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	userData, ok := s.data[userID]
	if !ok {
		userData = make(map[string]*AuthData)
		s.data[userID] = userData
	}
	copied := *data
	userData[compositeKey] = &copied
	return nil
}

// Retrieve returns the auth data or ErrNotFound.
func (s *MemoryStorage) Retrieve(_ context.Context, userID, compositeKey string) (*AuthData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userData, ok := s.data[userID]
	if !ok {
		return nil, ErrNotFound
	}
	data, ok := userData[compositeKey]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *data
	return &copied, nil
}

// Delete removes the auth data.
func (s *MemoryStorage) Delete(_ context.Context, userID, compositeKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if userData, ok := s.data[userID]; ok {
		delete(userData, compositeKey)
		if len(userData) == 0 {
			delete(s.data, userID)
		}
	}
	return nil
}

// ClearUserData removes every credential belonging to the user.
func (s *MemoryStorage) ClearUserData(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, userID)
	return nil
}

var _ Storage = (*MemoryStorage)(nil)
