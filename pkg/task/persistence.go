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
	"fmt"
)

// CreateError reports a failed create, including duplicate task ids.
type CreateError struct {
	TaskID string
	Err    error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("failed to create task %s: %v", e.TaskID, e.Err)
}

func (e *CreateError) Unwrap() error { return e.Err }

// LoadError reports a backend failure during load. A missing task is not a
// LoadError; Load returns (nil, nil).
type LoadError struct {
	TaskID string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load task %s: %v", e.TaskID, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// UpdateError reports a failed update, including updates of missing tasks.
type UpdateError struct {
	TaskID string
	Err    error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("failed to update task %s: %v", e.TaskID, e.Err)
}

func (e *UpdateError) Unwrap() error { return e.Err }

// DeleteError reports a failed delete, including deletes of missing tasks.
type DeleteError struct {
	TaskID string
	Err    error
}

func (e *DeleteError) Error() string {
	return fmt.Sprintf("failed to delete task %s: %v", e.TaskID, e.Err)
}

func (e *DeleteError) Unwrap() error { return e.Err }

// Causes wrapped by the typed persistence errors.
var (
	errNotFound      = fmt.Errorf("task not found")
	errAlreadyExists = fmt.Errorf("task already exists")
)

// Persistence is the task storage contract. Implementations must keep the
// request-id index coherent: on update, index entries derived from the
// prior record are removed before the new ones are written. Backends with
// native TTL refresh it on update.
type Persistence interface {
	// Create atomically inserts a fresh task and indexes its request
	// ids. Returns CreateError if the task id already exists.
	Create(ctx context.Context, t *Task) error

	// Load returns the task or (nil, nil) when absent. Corrupted
	// records are deleted and surfaced as LoadError.
	Load(ctx context.Context, taskID string) (*Task, error)

	// Update atomically replaces the record. Returns UpdateError if the
	// task does not exist.
	Update(ctx context.Context, t *Task) error

	// Delete removes the record and its index entries. Returns
	// DeleteError if the task does not exist.
	Delete(ctx context.Context, taskID string) error

	// LoadByRequestID returns the task containing the request id, or
	// (nil, nil) when absent. When several tasks claim the same request
	// id the one with the smallest task id wins and a warning is logged.
	LoadByRequestID(ctx context.Context, requestID string) (*Task, error)
}
