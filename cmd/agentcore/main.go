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

// Command agentcore runs the agent orchestration service.
//
// Usage:
//
//	agentcore serve --config config.yaml
//	agentcore validate --config config.yaml
//	agentcore version
//
// Environment settings use the TA_ prefix; see pkg/config.Settings. A
// .env file in the working directory is loaded when present.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/tealagents/agentcore"
	"github.com/tealagents/agentcore/pkg/config"
	"github.com/tealagents/agentcore/pkg/logger"
	"github.com/tealagents/agentcore/pkg/runtime"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the agent service."`
	Validate ValidateCmd `cmd:"" help:"Validate a service configuration file."`

	LogLevel  string `help:"Log level (debug, info, warn, error). Overrides TA_LOG_LEVEL."`
	LogFormat string `help:"Log format (text, json). Overrides TA_LOG_FORMAT."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	v := agentcore.Version
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			v = info.Main.Version
		}
	}
	fmt.Printf("agentcore version %s\n", v)
	return nil
}

// ServeCmd starts the HTTP service.
type ServeCmd struct {
	Config string `short:"c" help:"Path to the service config file. Overrides TA_SERVICE_CONFIG." type:"path"`
	Port   int    `help:"Port to listen on. Overrides the configured port."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	settings := config.LoadEnv()
	if c.Config != "" {
		settings.ServiceConfigPath = c.Config
	}
	if cli.LogLevel != "" {
		settings.LogLevel = cli.LogLevel
	}
	if cli.LogFormat != "" {
		settings.LogFormat = cli.LogFormat
	}
	logger.Setup(logger.Options{Level: settings.LogLevel, Format: settings.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.New(ctx, settings)
	if err != nil {
		return err
	}
	defer rt.Close()

	if c.Port != 0 {
		rt.Config.Server.Port = c.Port
	}

	if err := rt.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ValidateCmd parses and validates a config file without serving.
type ValidateCmd struct {
	Config string `short:"c" help:"Path to the service config file. Overrides TA_SERVICE_CONFIG." type:"path"`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	logger.Setup(logger.Options{Level: cli.LogLevel, Format: cli.LogFormat})

	path := c.Config
	if path == "" {
		path = config.LoadEnv().ServiceConfigPath
	}
	if path == "" {
		return fmt.Errorf("no config file given; use --config or TA_SERVICE_CONFIG")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	fmt.Printf("%s: OK (service %s/%s, %d agent(s), %d mcp server(s))\n",
		path, cfg.Service.Name, cfg.Service.Version, len(cfg.Agents), len(cfg.McpServers))
	return nil
}

func main() {
	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Name("agentcore"),
		kong.Description("Agent orchestration service."),
		kong.UsageOnError(),
	)
	if err := kctx.Run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "agentcore: %v\n", err)
		os.Exit(1)
	}
}
