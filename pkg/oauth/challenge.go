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

// Bearer challenge error codes per RFC 6750 section 3.1.
const (
	ErrorInvalidToken      = "invalid_token"
	ErrorInsufficientScope = "insufficient_scope"
	ErrorInvalidRequest    = "invalid_request"
)

// Challenge is a parsed WWW-Authenticate Bearer challenge (RFC 6750),
// including the RFC 9728 resource_metadata parameter.
type Challenge struct {
	Error            string
	ErrorDescription string
	Scope            string
	Realm            string
	ResourceMetadata string
}

// Scopes splits the space-delimited scope parameter.
func (c *Challenge) Scopes() []string {
	if c.Scope == "" {
		return nil
	}
	return strings.Fields(c.Scope)
}

// ParseChallenge parses a WWW-Authenticate header value. Only the Bearer
// scheme is supported; unknown parameters are ignored.
func ParseChallenge(header string) (*Challenge, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, fmt.Errorf("empty WWW-Authenticate header")
	}
	if !strings.HasPrefix(header, "Bearer") {
		return nil, fmt.Errorf("unsupported authentication scheme in %q", strings.SplitN(header, " ", 2)[0])
	}

	params := strings.TrimSpace(strings.TrimPrefix(header, "Bearer"))
	return &Challenge{
		Error:            extractParameter(params, "error"),
		ErrorDescription: extractParameter(params, "error_description"),
		Scope:            extractParameter(params, "scope"),
		Realm:            extractParameter(params, "realm"),
		ResourceMetadata: extractParameter(params, "resource_metadata"),
	}, nil
}

// BuildChallenge renders a Bearer challenge header value. Empty fields are
// omitted.
func BuildChallenge(c *Challenge) string {
	var parts []string
	add := func(name, value string) {
		if value != "" {
			parts = append(parts, fmt.Sprintf("%s=%q", name, value))
		}
	}
	add("realm", c.Realm)
	add("error", c.Error)
	add("error_description", c.ErrorDescription)
	add("scope", c.Scope)
	add("resource_metadata", c.ResourceMetadata)

	if len(parts) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(parts, ", ")
}

// extractParameter pulls one parameter value from a challenge parameter
// list, handling both quoted and unquoted forms per RFC 6750. Quoted
// values may contain escaped quotes.
func extractParameter(params, name string) string {
	search := name + "="
	idx := 0
	for {
		pos := strings.Index(params[idx:], search)
		if pos == -1 {
			return ""
		}
		pos += idx
		// Reject substring matches like "error_description" when looking
		// for "error": the match must start a parameter.
		if pos > 0 {
			prev := params[pos-1]
			if prev != ' ' && prev != ',' && prev != '\t' {
				idx = pos + len(search)
				continue
			}
		}
		idx = pos
		break
	}

	remainder := params[idx+len(search):]
	if strings.HasPrefix(remainder, `"`) {
		for end := 1; end < len(remainder); end++ {
			if remainder[end] == '"' && remainder[end-1] != '\\' {
				return strings.ReplaceAll(remainder[1:end], `\"`, `"`)
			}
		}
		return ""
	}

	end := strings.IndexAny(remainder, ", \t")
	if end == -1 {
		return remainder
	}
	return remainder[:end]
}
