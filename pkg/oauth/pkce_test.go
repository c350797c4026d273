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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateVerifier(t *testing.T) {
	v1, err := GenerateVerifier()
	require.NoError(t, err)
	v2, err := GenerateVerifier()
	require.NoError(t, err)

	assert.Len(t, v1, 43)
	assert.NotEqual(t, v1, v2)
	assert.NoError(t, ValidateVerifier(v1))
}

func TestChallengeRoundTrip(t *testing.T) {
	verifier, err := GenerateVerifier()
	require.NoError(t, err)

	challenge, err := GenerateCodeChallenge(verifier)
	require.NoError(t, err)

	assert.True(t, VerifyChallenge(verifier, challenge))
	assert.False(t, VerifyChallenge(verifier, challenge+"x"))

	other, err := GenerateVerifier()
	require.NoError(t, err)
	assert.False(t, VerifyChallenge(other, challenge))
}

func TestValidateVerifier(t *testing.T) {
	tests := []struct {
		name     string
		verifier string
		wantErr  bool
	}{
		{"minimum length", strings.Repeat("a", 43), false},
		{"maximum length", strings.Repeat("a", 128), false},
		{"full alphabet", strings.Repeat("Az0-._~", 7), false},
		{"too short", strings.Repeat("a", 42), true},
		{"too long", strings.Repeat("a", 129), true},
		{"invalid character", strings.Repeat("a", 42) + "!", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVerifier(tt.verifier)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGenerateCodeChallengeRejectsInvalidVerifier(t *testing.T) {
	_, err := GenerateCodeChallenge("short")
	assert.Error(t, err)
}
