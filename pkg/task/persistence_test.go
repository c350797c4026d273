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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// persistenceBackends enumerates the backends exercised by the shared
// contract tests. Redis is covered separately since it needs a server.
func persistenceBackends(t *testing.T) map[string]Persistence {
	t.Helper()

	sqlite, err := NewSQLitePersistence(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]Persistence{
		"memory": NewMemoryPersistence(),
		"sqlite": sqlite,
	}
}

func TestPersistenceCreateLoad(t *testing.T) {
	for name, p := range persistenceBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			task := New("alice", "sess-1")
			task.AppendItem(TaskItem{RequestID: "req-1", Role: RoleUser,
				Item: MultiModalItem{ContentType: ContentTypeText, Content: "hi"}})
			require.NoError(t, p.Create(ctx, task))

			loaded, err := p.Load(ctx, task.TaskID)
			require.NoError(t, err)
			require.NotNil(t, loaded)
			assert.Equal(t, "alice", loaded.UserID)
			assert.Equal(t, StatusRunning, loaded.Status)
			require.Len(t, loaded.Items, 1)
			assert.Equal(t, "hi", loaded.Items[0].Item.Content)

			// Duplicate create fails.
			var createErr *CreateError
			assert.ErrorAs(t, p.Create(ctx, task), &createErr)

			// Missing task loads as nil without error.
			missing, err := p.Load(ctx, "nope")
			require.NoError(t, err)
			assert.Nil(t, missing)
		})
	}
}

func TestPersistenceUpdate(t *testing.T) {
	for name, p := range persistenceBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			task := New("alice", "sess-1")
			task.AppendItem(TaskItem{RequestID: "req-1", Role: RoleUser})
			require.NoError(t, p.Create(ctx, task))

			task.Status = StatusPaused
			task.AppendItem(TaskItem{RequestID: "req-2", Role: RoleAssistant})
			require.NoError(t, p.Update(ctx, task))

			loaded, err := p.Load(ctx, task.TaskID)
			require.NoError(t, err)
			assert.Equal(t, StatusPaused, loaded.Status)
			assert.Len(t, loaded.Items, 2)

			// Updating a missing task fails.
			ghost := New("alice", "sess-1")
			var updateErr *UpdateError
			assert.ErrorAs(t, p.Update(ctx, ghost), &updateErr)
		})
	}
}

func TestPersistenceDelete(t *testing.T) {
	for name, p := range persistenceBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			task := New("alice", "sess-1")
			task.AppendItem(TaskItem{RequestID: "req-1", Role: RoleUser})
			require.NoError(t, p.Create(ctx, task))
			require.NoError(t, p.Delete(ctx, task.TaskID))

			loaded, err := p.Load(ctx, task.TaskID)
			require.NoError(t, err)
			assert.Nil(t, loaded)

			// Index entries went with it.
			byReq, err := p.LoadByRequestID(ctx, "req-1")
			require.NoError(t, err)
			assert.Nil(t, byReq)

			var deleteErr *DeleteError
			assert.ErrorAs(t, p.Delete(ctx, task.TaskID), &deleteErr)
		})
	}
}

func TestPersistenceLoadByRequestID(t *testing.T) {
	for name, p := range persistenceBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			task := New("alice", "sess-1")
			task.AppendItem(TaskItem{RequestID: "req-1", Role: RoleUser})
			require.NoError(t, p.Create(ctx, task))

			loaded, err := p.LoadByRequestID(ctx, "req-1")
			require.NoError(t, err)
			require.NotNil(t, loaded)
			assert.Equal(t, task.TaskID, loaded.TaskID)

			missing, err := p.LoadByRequestID(ctx, "req-9")
			require.NoError(t, err)
			assert.Nil(t, missing)
		})
	}
}

func TestPersistenceRequestIndexCoherence(t *testing.T) {
	for name, p := range persistenceBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			task := New("alice", "sess-1")
			task.AppendItem(TaskItem{RequestID: "req-1", Role: RoleUser})
			require.NoError(t, p.Create(ctx, task))

			// Replace the item set entirely; the old index entry must not
			// survive the update.
			task.Items = []TaskItem{{TaskID: task.TaskID, RequestID: "req-2", Role: RoleUser}}
			require.NoError(t, p.Update(ctx, task))

			gone, err := p.LoadByRequestID(ctx, "req-1")
			require.NoError(t, err)
			assert.Nil(t, gone)

			found, err := p.LoadByRequestID(ctx, "req-2")
			require.NoError(t, err)
			require.NotNil(t, found)
			assert.Equal(t, task.TaskID, found.TaskID)
		})
	}
}

func TestPersistenceRequestIDTieBreak(t *testing.T) {
	for name, p := range persistenceBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			a := New("alice", "sess-1")
			a.TaskID = "task-b"
			a.AppendItem(TaskItem{RequestID: "req-dup", Role: RoleUser})
			require.NoError(t, p.Create(ctx, a))

			b := New("alice", "sess-1")
			b.TaskID = "task-a"
			b.AppendItem(TaskItem{RequestID: "req-dup", Role: RoleUser})
			require.NoError(t, p.Create(ctx, b))

			// Smallest task id wins.
			loaded, err := p.LoadByRequestID(ctx, "req-dup")
			require.NoError(t, err)
			require.NotNil(t, loaded)
			assert.Equal(t, "task-a", loaded.TaskID)
		})
	}
}
