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

// Package agentcore is the agent orchestration runtime.
//
// The runtime accepts conversational requests from authenticated users,
// dispatches them to LLM-backed agents equipped with tools from MCP servers,
// mediates tool execution under governance policy, persists per-task state so
// paused work can resume, and brokers OAuth 2.1 flows between end users and
// remote MCP servers.
package agentcore

// Version is the runtime version, overridable at build time via
// -ldflags "-X github.com/tealagents/agentcore.Version=...".
var Version = "0.3.0-dev"
