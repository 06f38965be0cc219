/*
Copyright 2018 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gravitational/pureboot-agent/lib/agent"
	"github.com/gravitational/pureboot-agent/lib/agent/agentconfig"
	"github.com/gravitational/pureboot-agent/tool/common"

	teleutils "github.com/gravitational/teleport/lib/utils"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
)

func main() {
	teleutils.InitLogger(teleutils.LoggingForCLI, log.InfoLevel)
	stdlog.SetOutput(log.StandardLogger().Writer())
	if err := run(); err != nil {
		log.Error(trace.DebugReport(err))
		common.PrintError(err)
		os.Exit(255)
	}
}

func run() error {
	app := kingpin.New("pureboot-agent", "Site agent for offline-resilient PXE provisioning")
	configPath := app.Flag("config", "path to the agent's YAML configuration file").
		Default("/etc/pureboot/agent.yaml").String()

	if _, err := app.Parse(os.Args[1:]); err != nil {
		return trace.Wrap(err)
	}

	cfg, err := agentconfig.Load(*configPath)
	if err != nil {
		return trace.Wrap(err)
	}

	a, err := agent.New(*cfg)
	if err != nil {
		return trace.Wrap(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		return trace.Wrap(err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	return trace.Wrap(a.Stop(context.Background()))
}
