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

package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPersistence stores tasks as JSON keyed task:{task_id} with a
// secondary set taskreq:{request_id} of claiming task ids. The TTL, when
// configured, applies to both and is refreshed on update.
type RedisPersistence struct {
	client *redis.Client
	TTL    time.Duration
}

// NewRedisPersistence creates a Redis-backed task store.
func NewRedisPersistence(client *redis.Client) *RedisPersistence {
	return &RedisPersistence{client: client}
}

func taskKey(taskID string) string   { return "task:" + taskID }
func requestKey(reqID string) string { return "taskreq:" + reqID }

// Create atomically inserts a fresh task.
func (p *RedisPersistence) Create(ctx context.Context, t *Task) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return &CreateError{TaskID: t.TaskID, Err: err}
	}

	ok, err := p.client.SetNX(ctx, taskKey(t.TaskID), payload, p.TTL).Result()
	if err != nil {
		return &CreateError{TaskID: t.TaskID, Err: err}
	}
	if !ok {
		return &CreateError{TaskID: t.TaskID, Err: errAlreadyExists}
	}
	if err := p.index(ctx, t); err != nil {
		return &CreateError{TaskID: t.TaskID, Err: err}
	}
	return nil
}

// Load returns the task or (nil, nil) when absent. A corrupted record is
// deleted and surfaced as LoadError.
func (p *RedisPersistence) Load(ctx context.Context, taskID string) (*Task, error) {
	payload, err := p.client.Get(ctx, taskKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, &LoadError{TaskID: taskID, Err: err}
	}

	var t Task
	if err := json.Unmarshal(payload, &t); err != nil {
		_ = p.client.Del(ctx, taskKey(taskID)).Err()
		return nil, &LoadError{TaskID: taskID, Err: fmt.Errorf("corrupted record deleted: %w", err)}
	}
	return &t, nil
}

// Update replaces the record, re-derives the request index and refreshes
// the TTL.
func (p *RedisPersistence) Update(ctx context.Context, t *Task) error {
	prior, err := p.Load(ctx, t.TaskID)
	if err != nil {
		return &UpdateError{TaskID: t.TaskID, Err: err}
	}
	if prior == nil {
		return &UpdateError{TaskID: t.TaskID, Err: errNotFound}
	}

	payload, err := json.Marshal(t)
	if err != nil {
		return &UpdateError{TaskID: t.TaskID, Err: err}
	}

	// Old index entries are removed before the new ones are written so
	// the index never points at request ids the task no longer carries.
	if err := p.unindex(ctx, prior); err != nil {
		return &UpdateError{TaskID: t.TaskID, Err: err}
	}
	if err := p.client.Set(ctx, taskKey(t.TaskID), payload, p.TTL).Err(); err != nil {
		return &UpdateError{TaskID: t.TaskID, Err: err}
	}
	if err := p.index(ctx, t); err != nil {
		return &UpdateError{TaskID: t.TaskID, Err: err}
	}
	return nil
}

// Delete removes the record and its index entries.
func (p *RedisPersistence) Delete(ctx context.Context, taskID string) error {
	t, err := p.Load(ctx, taskID)
	if err != nil {
		return &DeleteError{TaskID: taskID, Err: err}
	}
	if t == nil {
		return &DeleteError{TaskID: taskID, Err: errNotFound}
	}

	if err := p.unindex(ctx, t); err != nil {
		return &DeleteError{TaskID: taskID, Err: err}
	}
	if err := p.client.Del(ctx, taskKey(taskID)).Err(); err != nil {
		return &DeleteError{TaskID: taskID, Err: err}
	}
	return nil
}

// LoadByRequestID returns the task containing the request id.
func (p *RedisPersistence) LoadByRequestID(ctx context.Context, requestID string) (*Task, error) {
	ids, err := p.client.SMembers(ctx, requestKey(requestID)).Result()
	if err != nil {
		return nil, &LoadError{TaskID: requestID, Err: err}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	sort.Strings(ids)
	if len(ids) > 1 {
		slog.Warn("Multiple tasks claim the same request id; picking deterministically",
			"request_id", requestID, "task_ids", ids, "chosen", ids[0])
	}
	return p.Load(ctx, ids[0])
}

func (p *RedisPersistence) index(ctx context.Context, t *Task) error {
	for _, reqID := range t.RequestIDs() {
		if err := p.client.SAdd(ctx, requestKey(reqID), t.TaskID).Err(); err != nil {
			return err
		}
		if p.TTL > 0 {
			if err := p.client.Expire(ctx, requestKey(reqID), p.TTL).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *RedisPersistence) unindex(ctx context.Context, t *Task) error {
	for _, reqID := range t.RequestIDs() {
		if err := p.client.SRem(ctx, requestKey(reqID), t.TaskID).Err(); err != nil {
			return err
		}
	}
	return nil
}

var _ Persistence = (*RedisPersistence)(nil)
