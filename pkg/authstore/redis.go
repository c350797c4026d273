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

package authstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStorage stores credentials as JSON hashes keyed auth:{user_id}.
// Hash fields are the composite keys, so ClearUserData is a single DEL.
type RedisStorage struct {
	client *redis.Client

	// TTL, when non-zero, expires the whole user hash after inactivity.
	// Each Store refreshes it.
	TTL time.Duration
}

// NewRedisStorage creates a Redis-backed credential store.
func NewRedisStorage(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client}
}

func (s *RedisStorage) userKey(userID string) string {
	return "auth:" + userID
}

// Store saves auth data under (userID, compositeKey).
func (s *RedisStorage) Store(ctx context.Context, userID, compositeKey string, data *AuthData) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode auth data: %w", err)
	}

	key := s.userKey(userID)
	if err := s.client.HSet(ctx, key, compositeKey, payload).Err(); err != nil {
		return fmt.Errorf("failed to store auth data: %w", err)
	}
	if s.TTL > 0 {
		if err := s.client.Expire(ctx, key, s.TTL).Err(); err != nil {
			return fmt.Errorf("failed to refresh auth data TTL: %w", err)
		}
	}
	return nil
}

// Retrieve returns the auth data or ErrNotFound.
func (s *RedisStorage) Retrieve(ctx context.Context, userID, compositeKey string) (*AuthData, error) {
	payload, err := s.client.HGet(ctx, s.userKey(userID), compositeKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve auth data: %w", err)
	}

	var data AuthData
	if err := json.Unmarshal(payload, &data); err != nil {
		// A corrupted record is unusable; remove it so the caller can
		// re-authorize cleanly.
		_ = s.client.HDel(ctx, s.userKey(userID), compositeKey).Err()
		return nil, fmt.Errorf("corrupted auth data deleted: %w", err)
	}
	return &data, nil
}

// Delete removes the auth data.
func (s *RedisStorage) Delete(ctx context.Context, userID, compositeKey string) error {
	if err := s.client.HDel(ctx, s.userKey(userID), compositeKey).Err(); err != nil {
		return fmt.Errorf("failed to delete auth data: %w", err)
	}
	return nil
}

// ClearUserData removes every credential belonging to the user.
func (s *RedisStorage) ClearUserData(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.userKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to clear auth data: %w", err)
	}
	return nil
}

var _ Storage = (*RedisStorage)(nil)
