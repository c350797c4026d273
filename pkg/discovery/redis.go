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
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore stores discovery state as JSON keyed disc:{user_id}:{session_id}.
type RedisStore struct {
	client *redis.Client

	// TTL, when non-zero, expires the record after inactivity. Each Save
	// refreshes it.
	TTL time.Duration
}

// NewRedisStore creates a Redis-backed discovery store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) key(userID, sessionID string) string {
	return "disc:" + userID + ":" + sessionID
}

// Get returns the stored state, or a fresh empty state when none exists.
func (s *RedisStore) Get(ctx context.Context, userID, sessionID string) (*State, error) {
	payload, err := s.client.Get(ctx, s.key(userID, sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve discovery state: %w", err)
	}

	state := &State{}
	if err := json.Unmarshal(payload, state); err != nil {
		// Discovery state is a cache; drop the corrupted record and let
		// discovery run again.
		_ = s.client.Del(ctx, s.key(userID, sessionID)).Err()
		return NewState(), nil
	}
	state.normalize()
	return state, nil
}

// Save persists the state, refreshing the TTL when configured.
func (s *RedisStore) Save(ctx context.Context, userID, sessionID string, state *State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode discovery state: %w", err)
	}
	if err := s.client.Set(ctx, s.key(userID, sessionID), payload, s.TTL).Err(); err != nil {
		return fmt.Errorf("failed to store discovery state: %w", err)
	}
	return nil
}

// Delete removes the state.
func (s *RedisStore) Delete(ctx context.Context, userID, sessionID string) error {
	if err := s.client.Del(ctx, s.key(userID, sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete discovery state: %w", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
