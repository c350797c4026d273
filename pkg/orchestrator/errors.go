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

package orchestrator

import (
	"errors"
	"fmt"
)

// Sentinel errors the HTTP surface maps to status codes.
var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrTaskNotOwned  = errors.New("task not owned by user")
	ErrTaskTerminal  = errors.New("task already in a terminal state")
	ErrTaskNotPaused = errors.New("task is not paused")
	ErrTurnInFlight  = errors.New("another turn is in flight for this task")
	ErrBadResume     = errors.New("invalid resume request")
)

// AgentInvokeError wraps a model or tool failure. The wrapped error is
// logged but never echoed verbatim to the client.
type AgentInvokeError struct {
	Err error
}

func (e *AgentInvokeError) Error() string {
	return fmt.Sprintf("agent invocation failed: %v", e.Err)
}

func (e *AgentInvokeError) Unwrap() error { return e.Err }
