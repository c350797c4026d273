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

// Package auth resolves the platform principal from incoming requests.
//
// The HTTP surface carries the principal in the Authorization header; a
// RequestAuthorizer turns that header into a user id. The JWT authorizer
// validates tokens against a JWKS endpoint; the plain authorizer treats
// the header value as the user id and exists for development setups only.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ErrUnauthorized is returned when the Authorization header is missing,
// malformed, or fails validation.
var ErrUnauthorized = errors.New("unauthorized")

// RequestAuthorizer resolves the authenticated user id from the raw
// Authorization header value.
type RequestAuthorizer interface {
	AuthorizeRequest(ctx context.Context, authHeader string) (string, error)
}

// JWTAuthorizer validates bearer JWTs against a provider JWKS.
// Keys are cached and auto-refreshed to handle rotation.
type JWTAuthorizer struct {
	jwksURL  string
	cache    *jwk.Cache
	issuer   string
	audience string
}

// NewJWTAuthorizer creates an authorizer that fetches JWKS from jwksURL.
// The initial fetch validates the configuration eagerly.
func NewJWTAuthorizer(ctx context.Context, jwksURL, issuer, audience string) (*JWTAuthorizer, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}

	return &JWTAuthorizer{
		jwksURL:  jwksURL,
		cache:    cache,
		issuer:   issuer,
		audience: audience,
	}, nil
}

// AuthorizeRequest validates the bearer token and returns its subject.
func (a *JWTAuthorizer) AuthorizeRequest(ctx context.Context, authHeader string) (string, error) {
	tokenString, err := bearerToken(authHeader)
	if err != nil {
		return "", err
	}

	keyset, err := a.cache.Get(ctx, a.jwksURL)
	if err != nil {
		return "", fmt.Errorf("failed to get JWKS: %w", err)
	}

	opts := []jwt.ParseOption{
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	token, err := jwt.Parse([]byte(tokenString), opts...)
	if err != nil {
		return "", fmt.Errorf("%w: invalid token: %v", ErrUnauthorized, err)
	}

	sub := token.Subject()
	if sub == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return sub, nil
}

// PlainAuthorizer treats the Authorization header value as the user id.
// Development only; it performs no validation beyond non-emptiness.
type PlainAuthorizer struct{}

// AuthorizeRequest returns the header value (minus a Bearer prefix) as the
// user id.
func (PlainAuthorizer) AuthorizeRequest(_ context.Context, authHeader string) (string, error) {
	header := strings.TrimSpace(authHeader)
	if header == "" {
		return "", fmt.Errorf("%w: missing Authorization header", ErrUnauthorized)
	}
	return strings.TrimPrefix(header, "Bearer "), nil
}

func bearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", fmt.Errorf("%w: missing Authorization header", ErrUnauthorized)
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == authHeader {
		return "", fmt.Errorf("%w: expected Bearer token", ErrUnauthorized)
	}
	return token, nil
}

var (
	_ RequestAuthorizer = (*JWTAuthorizer)(nil)
	_ RequestAuthorizer = PlainAuthorizer{}
)
