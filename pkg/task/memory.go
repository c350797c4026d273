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
	"log/slog"
	"sort"
	"sync"
)

// MemoryPersistence is an in-memory Persistence implementation.
type MemoryPersistence struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	// byRequest maps request_id to the set of task ids claiming it.
	byRequest map[string]map[string]bool
}

// NewMemoryPersistence creates an empty in-memory task store.
func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{
		tasks:     make(map[string]*Task),
		byRequest: make(map[string]map[string]bool),
	}
}

// Create atomically inserts a fresh task.
func (p *MemoryPersistence) Create(_ context.Context, t *Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.tasks[t.TaskID]; exists {
		return &CreateError{TaskID: t.TaskID, Err: errAlreadyExists}
	}
	p.tasks[t.TaskID] = t.Clone()
	p.indexLocked(t)
	return nil
}

// Load returns the task or (nil, nil) when absent.
func (p *MemoryPersistence) Load(_ context.Context, taskID string) (*Task, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	t, ok := p.tasks[taskID]
	if !ok {
		return nil, nil
	}
	return t.Clone(), nil
}

// Update atomically replaces the record and re-derives the request index.
func (p *MemoryPersistence) Update(_ context.Context, t *Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	prior, ok := p.tasks[t.TaskID]
	if !ok {
		return &UpdateError{TaskID: t.TaskID, Err: errNotFound}
	}
	p.unindexLocked(prior)
	p.tasks[t.TaskID] = t.Clone()
	p.indexLocked(t)
	return nil
}

// Delete removes the record and its index entries.
func (p *MemoryPersistence) Delete(_ context.Context, taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.tasks[taskID]
	if !ok {
		return &DeleteError{TaskID: taskID, Err: errNotFound}
	}
	p.unindexLocked(t)
	delete(p.tasks, taskID)
	return nil
}

// LoadByRequestID returns the task containing the request id.
func (p *MemoryPersistence) LoadByRequestID(_ context.Context, requestID string) (*Task, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	claims := p.byRequest[requestID]
	if len(claims) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(claims))
	for id := range claims {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) > 1 {
		slog.Warn("Multiple tasks claim the same request id; picking deterministically",
			"request_id", requestID, "task_ids", ids, "chosen", ids[0])
	}

	t, ok := p.tasks[ids[0]]
	if !ok {
		return nil, nil
	}
	return t.Clone(), nil
}

func (p *MemoryPersistence) indexLocked(t *Task) {
	for _, reqID := range t.RequestIDs() {
		claims, ok := p.byRequest[reqID]
		if !ok {
			claims = make(map[string]bool)
			p.byRequest[reqID] = claims
		}
		claims[t.TaskID] = true
	}
}

func (p *MemoryPersistence) unindexLocked(t *Task) {
	for _, reqID := range t.RequestIDs() {
		if claims, ok := p.byRequest[reqID]; ok {
			delete(claims, t.TaskID)
			if len(claims) == 0 {
				delete(p.byRequest, reqID)
			}
		}
	}
}

var _ Persistence = (*MemoryPersistence)(nil)
