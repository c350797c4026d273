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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryFlowStoreDualKeys(t *testing.T) {
	store := NewMemoryFlowStore(0)
	ctx := context.Background()

	flow := &FlowState{
		State:      "state-1",
		Verifier:   "verifier",
		UserID:     "alice",
		ServerName: "files",
		Scopes:     []string{"files:read"},
	}
	require.NoError(t, store.Put(ctx, flow))

	byState, err := store.GetByState(ctx, "state-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", byState.UserID)

	byUser, err := store.GetByUser(ctx, "alice", "state-1")
	require.NoError(t, err)
	assert.Equal(t, "files", byUser.ServerName)

	// Wrong user does not resolve.
	_, err = store.GetByUser(ctx, "bob", "state-1")
	assert.ErrorIs(t, err, ErrFlowNotFound)
}

func TestMemoryFlowStoreExpiry(t *testing.T) {
	store := NewMemoryFlowStore(0)
	ctx := context.Background()

	base := time.Now()
	store.now = func() time.Time { return base }

	require.NoError(t, store.Put(ctx, &FlowState{State: "s", UserID: "alice"}))

	// Just inside the TTL.
	store.now = func() time.Time { return base.Add(DefaultFlowTTL - time.Second) }
	_, err := store.GetByState(ctx, "s")
	require.NoError(t, err)

	// At the TTL boundary the record is gone, and the expired record is
	// removed so a later in-window read cannot resurrect it.
	store.now = func() time.Time { return base.Add(DefaultFlowTTL) }
	_, err = store.GetByState(ctx, "s")
	assert.ErrorIs(t, err, ErrFlowNotFound)

	store.now = func() time.Time { return base }
	_, err = store.GetByUser(ctx, "alice", "s")
	assert.ErrorIs(t, err, ErrFlowNotFound)
}

func TestMemoryFlowStoreDelete(t *testing.T) {
	store := NewMemoryFlowStore(0)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &FlowState{State: "s", UserID: "alice"}))
	require.NoError(t, store.Delete(ctx, "alice", "s"))

	_, err := store.GetByState(ctx, "s")
	assert.ErrorIs(t, err, ErrFlowNotFound)
	_, err = store.GetByUser(ctx, "alice", "s")
	assert.ErrorIs(t, err, ErrFlowNotFound)
}
