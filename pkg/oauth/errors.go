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
	"fmt"
	"strings"
)

// AuthRequiredError signals that a tool call cannot proceed until the user
// completes an authorization flow for the named server. Callers surface it
// to the client as an auth challenge rather than a failure.
type AuthRequiredError struct {
	ServerName string
	AuthServer string
	Scopes     []string
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("authorization required for server %s (auth server %s, scopes %s)",
		e.ServerName, e.AuthServer, strings.Join(e.Scopes, " "))
}

// UnauthorizedScopesError is returned when a token exchange grants scopes
// that were never requested. The granted token is discarded.
type UnauthorizedScopesError struct {
	ServerName   string
	Requested    []string
	Unauthorized []string
}

func (e *UnauthorizedScopesError) Error() string {
	return fmt.Sprintf("authorization server granted unrequested scopes for %s: %s",
		e.ServerName, strings.Join(e.Unauthorized, " "))
}

// TokenExchangeError wraps a failed authorization-code exchange.
type TokenExchangeError struct {
	ServerName string
	StatusCode int
	Err        error
}

func (e *TokenExchangeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token exchange failed for %s: %v", e.ServerName, e.Err)
	}
	return fmt.Sprintf("token exchange failed for %s: status %d", e.ServerName, e.StatusCode)
}

func (e *TokenExchangeError) Unwrap() error { return e.Err }

// RefreshError wraps a failed refresh-token grant.
type RefreshError struct {
	ServerName string
	StatusCode int
	Err        error
}

func (e *RefreshError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token refresh failed for %s: %v", e.ServerName, e.Err)
	}
	return fmt.Sprintf("token refresh failed for %s: status %d", e.ServerName, e.StatusCode)
}

func (e *RefreshError) Unwrap() error { return e.Err }
