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

// Package agent wires the eight site-agent components into a single
// running process: connectivity monitor, node-state cache, content
// cache, sync queue, offline boot generator, conflict detector,
// central proxy, and queue processor, plus the inbound HTTP server
// that fronts them.
package agent

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gravitational/pureboot-agent/lib/agent/agentconfig"
	"github.com/gravitational/pureboot-agent/lib/agent/bootgen"
	"github.com/gravitational/pureboot-agent/lib/agent/conflicts"
	"github.com/gravitational/pureboot-agent/lib/agent/connectivity"
	"github.com/gravitational/pureboot-agent/lib/agent/contentcache"
	"github.com/gravitational/pureboot-agent/lib/agent/httpserver"
	"github.com/gravitational/pureboot-agent/lib/agent/proxy"
	"github.com/gravitational/pureboot-agent/lib/agent/queueprocessor"
	"github.com/gravitational/pureboot-agent/lib/agent/statecache"
	"github.com/gravitational/pureboot-agent/lib/agent/syncqueue"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// Agent is a fully wired site agent process.
type Agent struct {
	config agentconfig.Config
	log    logrus.FieldLogger

	StateCache   *statecache.Cache
	Queue        *syncqueue.Queue
	ContentCache *contentcache.Cache
	Monitor      *connectivity.Monitor
	BootGen      *bootgen.Generator
	Proxy        *proxy.Proxy
	Processor    *queueprocessor.Processor
	Conflicts    *conflicts.Detector

	httpServer *http.Server
}

func newID() string {
	return uuid.New().String()
}

// New constructs an Agent from cfg, opening every persistent store
// under cfg.DataDir and cfg.CacheDir. The agent is not started; call
// Start to begin the connectivity monitor and queue processor loops.
func New(cfg agentconfig.Config) (*Agent, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	log := logrus.WithField(trace.Component, "agent").WithField("site", cfg.SiteID)

	stateDir := filepath.Join(cfg.DataDir, "state")
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(cfg.CacheDir, 0755); err != nil {
		return nil, trace.Wrap(err)
	}

	stateCache, err := statecache.New(statecache.Config{
		Path:       filepath.Join(stateDir, "nodes.db"),
		DefaultTTL: cfg.NodeCacheTTL,
		FieldLogger: log.WithField("subsystem", "statecache"),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	queue, err := syncqueue.New(syncqueue.Config{
		Path:        filepath.Join(stateDir, "queue.db"),
		NewID:       newID,
		FieldLogger: log.WithField("subsystem", "syncqueue"),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	contentCache, err := contentcache.New(contentcache.Config{
		Dir:           cfg.CacheDir,
		MaxSizeBytes:  cfg.ContentCacheMaxSizeGB * 1024 * 1024 * 1024,
		DefaultPolicy: contentcache.Policy(cfg.ContentCachePolicy),
		FieldLogger:   log.WithField("subsystem", "contentcache"),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	monitor, err := connectivity.New(connectivity.Config{
		CentralURL:       cfg.CentralURL,
		CheckInterval:    cfg.ConnectivityCheckInterval,
		Timeout:          cfg.ConnectivityTimeout,
		FailureThreshold: cfg.ConnectivityFailureThreshold,
		FieldLogger:      log.WithField("subsystem", "connectivity"),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	bootGen := bootgen.New(cfg.SiteID, cfg.DefaultBootAction)

	proxyClient, err := proxy.New(proxy.Config{
		CentralURL:  cfg.CentralURL,
		PublicURL:   cfg.PublicURL,
		Timeout:     cfg.ConnectivityTimeout,
		StateCache:  stateCache,
		Queue:       queue,
		Monitor:     monitor,
		NewID:       newID,
		FieldLogger: log.WithField("subsystem", "proxy"),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	processor, err := queueprocessor.New(queueprocessor.Config{
		Queue:          queue,
		Proxy:          proxyClient,
		Monitor:        monitor,
		BatchSize:      cfg.QueueBatchSize,
		ReconnectDelay: cfg.ReconnectDrainDelay,
		PollInterval:   cfg.QueuePollInterval,
		MaxAttempts:    cfg.QueueMaxAttempts,
		FieldLogger:    log.WithField("subsystem", "queue-processor"),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	conflictDetector, err := conflicts.New(conflicts.Config{
		Path:        filepath.Join(stateDir, "conflicts.db"),
		NewID:       newID,
		FieldLogger: log.WithField("subsystem", "conflicts"),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	httpHandler, err := httpserver.New(httpserver.Config{
		Proxy:        proxyClient,
		ContentCache: contentCache,
		Monitor:      monitor,
		BootGen:      bootGen,
		FieldLogger:  log.WithField("subsystem", "http-server"),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &Agent{
		config:       cfg,
		log:          log,
		StateCache:   stateCache,
		Queue:        queue,
		ContentCache: contentCache,
		Monitor:      monitor,
		BootGen:      bootGen,
		Proxy:        proxyClient,
		Processor:    processor,
		Conflicts:    conflictDetector,
		httpServer: &http.Server{
			Addr:    cfg.ListenAddr,
			Handler: httpHandler,
		},
	}, nil
}

// Start launches the connectivity monitor, the queue processor, and
// the inbound HTTP server. It returns once the HTTP listener is bound;
// serving itself runs in a background goroutine.
func (a *Agent) Start(ctx context.Context) error {
	a.Monitor.Start(ctx)
	a.Processor.Start(ctx)

	ln, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		a.Monitor.Stop()
		a.Processor.Stop()
		return trace.Wrap(err)
	}

	go func() {
		if err := a.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			a.log.WithError(err).Error("HTTP server exited with error.")
		}
	}()

	a.log.WithField("addr", a.httpServer.Addr).Info("Site agent started.")
	return nil
}

// Stop gracefully shuts down the HTTP server and stops the
// connectivity monitor and queue processor, then closes every
// persistent store.
func (a *Agent) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var errs []error
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	a.Processor.Stop()
	a.Monitor.Stop()

	if err := a.StateCache.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.Queue.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.Conflicts.Close(); err != nil {
		errs = append(errs, err)
	}

	a.log.Info("Site agent stopped.")
	return trace.NewAggregate(errs...)
}
