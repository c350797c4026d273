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

package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Settings holds environment-sourced settings. All keys use the TA_ prefix.
type Settings struct {
	// ServiceConfigPath is the service YAML path (TA_SERVICE_CONFIG).
	ServiceConfigPath string

	// APIKey is the default model API key (TA_API_KEY).
	APIKey string

	// RedisAddr enables the Redis store backends when non-empty
	// (TA_REDIS_ADDR, TA_REDIS_PASSWORD, TA_REDIS_DB).
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// TaskBackend selects task persistence: memory, redis or sqlite
	// (TA_TASK_BACKEND). SQLitePath locates the database file
	// (TA_SQLITE_PATH).
	TaskBackend string
	SQLitePath  string

	// OAuthRedirectURI is the platform redirect URI registered with
	// authorization servers (TA_OAUTH_REDIRECT_URI).
	OAuthRedirectURI string

	// OAuthClientName identifies this platform to authorization servers
	// (TA_OAUTH_CLIENT_NAME).
	OAuthClientName string

	// StrictHTTPSValidation rejects non-HTTPS auth servers and redirect
	// URIs, localhost excepted (TA_MCP_OAUTH_STRICT_HTTPS_VALIDATION,
	// default true).
	StrictHTTPSValidation bool

	// JWT request authorization (TA_JWKS_URL, TA_JWT_ISSUER,
	// TA_JWT_AUDIENCE). When JWKSURL is empty the server falls back to
	// the plain-subject authorizer, intended for development only.
	JWKSURL     string
	JWTIssuer   string
	JWTAudience string

	// LogLevel and LogFormat configure the process logger
	// (TA_LOG_LEVEL, TA_LOG_FORMAT).
	LogLevel  string
	LogFormat string
}

// LoadEnv loads a .env file when present and returns the settings.
// A missing .env file is not an error.
func LoadEnv() Settings {
	_ = godotenv.Load()
	return SettingsFromEnv()
}

// SettingsFromEnv reads settings from the current process environment.
func SettingsFromEnv() Settings {
	return Settings{
		ServiceConfigPath:     os.Getenv("TA_SERVICE_CONFIG"),
		APIKey:                os.Getenv("TA_API_KEY"),
		RedisAddr:             os.Getenv("TA_REDIS_ADDR"),
		RedisPassword:         os.Getenv("TA_REDIS_PASSWORD"),
		RedisDB:               envInt("TA_REDIS_DB", 0),
		TaskBackend:           envDefault("TA_TASK_BACKEND", "memory"),
		SQLitePath:            envDefault("TA_SQLITE_PATH", "./agentcore.db"),
		OAuthRedirectURI:      os.Getenv("TA_OAUTH_REDIRECT_URI"),
		OAuthClientName:       envDefault("TA_OAUTH_CLIENT_NAME", "agentcore"),
		StrictHTTPSValidation: envBool("TA_MCP_OAUTH_STRICT_HTTPS_VALIDATION", true),
		JWKSURL:               os.Getenv("TA_JWKS_URL"),
		JWTIssuer:             os.Getenv("TA_JWT_ISSUER"),
		JWTAudience:           os.Getenv("TA_JWT_AUDIENCE"),
		LogLevel:              envDefault("TA_LOG_LEVEL", "info"),
		LogFormat:             envDefault("TA_LOG_FORMAT", "text"),
	}
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return parsed
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}
