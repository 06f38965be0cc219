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

// Package httpserver exposes the agent's inbound surface: the iPXE
// boot endpoint booting hardware actually hits, a TFTP-style static
// file endpoint backed by the content cache, and a health endpoint for
// central's own monitoring of this site.
package httpserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gravitational/pureboot-agent/lib/agent/bootgen"
	"github.com/gravitational/pureboot-agent/lib/agent/connectivity"
	"github.com/gravitational/pureboot-agent/lib/agent/contentcache"
	"github.com/gravitational/pureboot-agent/lib/agent/proxy"
	"github.com/gravitational/pureboot-agent/lib/agent/statecache"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
)

// Config configures a Server.
type Config struct {
	// Proxy answers node lookups, trying central first.
	Proxy *proxy.Proxy
	// ContentCache serves cached boot assets.
	ContentCache *contentcache.Cache
	// Monitor reports connectivity for the health endpoint and decides
	// whether the boot endpoint should prefer an offline script.
	Monitor *connectivity.Monitor
	// BootGen generates offline boot scripts when central cannot
	// answer the boot decision.
	BootGen *bootgen.Generator
	// Clock is the time source; defaults to the real clock.
	Clock clockwork.Clock
	// FieldLogger is the logger used for request handling.
	FieldLogger logrus.FieldLogger
}

// CheckAndSetDefaults validates the configuration and fills in
// defaults for unset fields.
func (c *Config) CheckAndSetDefaults() error {
	if c.Proxy == nil {
		return trace.BadParameter("missing Proxy parameter")
	}
	if c.ContentCache == nil {
		return trace.BadParameter("missing ContentCache parameter")
	}
	if c.BootGen == nil {
		return trace.BadParameter("missing BootGen parameter")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.FieldLogger == nil {
		c.FieldLogger = logrus.WithField(trace.Component, "http-server")
	}
	return nil
}

// Server is the agent's inbound HTTP surface.
type Server struct {
	Config
	router *httprouter.Router
}

// New creates a Server and wires its routes.
func New(cfg Config) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Server{Config: cfg, router: httprouter.New()}
	s.router.GET("/api/v1/boot", s.handleBoot)
	s.router.GET("/tftp/*path", s.handleTFTP)
	s.router.GET("/health", s.handleHealth)
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleBoot(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	mac := r.URL.Query().Get("mac")
	if mac == "" {
		http.Error(w, "missing mac query parameter", http.StatusBadRequest)
		return
	}

	log := s.FieldLogger.WithField("mac", mac)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	online := s.Monitor == nil || s.Monitor.IsOnline()
	if online {
		script, err := s.Proxy.FetchBootScript(r.Context(), mac, r.URL.Query())
		if err == nil {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(script))
			return
		}
		log.WithError(err).Warn("Failed to fetch boot script from central, falling back to local generator.")
	}

	node, _, err := s.Proxy.GetNodeByMAC(r.Context(), mac)
	if err != nil && !trace.IsNotFound(err) {
		log.WithError(err).Error("Failed to resolve node for boot request.")
	}

	var cached *statecache.CachedNode
	if err == nil {
		cached = node
	}
	hw := hardwareFromQuery(r)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(s.BootGen.Generate(mac, cached, hw, offlineSince(s.Monitor))))
}

func hardwareFromQuery(r *http.Request) *bootgen.HardwareInfo {
	q := r.URL.Query()
	hw := &bootgen.HardwareInfo{
		Vendor: q.Get("vendor"),
		Model:  q.Get("model"),
		Serial: q.Get("serial"),
		UUID:   q.Get("uuid"),
	}
	if hw.Vendor == "" && hw.Model == "" && hw.Serial == "" && hw.UUID == "" {
		return nil
	}
	return hw
}

func offlineSince(m *connectivity.Monitor) time.Time {
	if m == nil {
		return time.Time{}
	}
	return m.OfflineSince()
}

func (s *Server) handleTFTP(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	path := ps.ByName("path")
	category := r.URL.Query().Get("category")
	if category == "" {
		category = "bootloaders"
	}
	path = strings.TrimPrefix(path, "/")

	filePath, err := s.ContentCache.Get(category, path)
	if err == nil {
		http.ServeFile(w, r, filePath)
		return
	}

	log := s.FieldLogger.WithFields(logrus.Fields{"category": category, "path": path})

	content, err := s.Proxy.FetchTFTPFile(r.Context(), path)
	if err != nil {
		if trace.IsNotFound(err) {
			http.NotFound(w, r)
			return
		}
		log.WithError(err).Warn("Failed to fetch tftp asset from central.")
		http.Error(w, "central controller unreachable", http.StatusServiceUnavailable)
		return
	}

	if _, putErr := s.ContentCache.Put(category, path, content, 0); putErr != nil {
		log.WithError(putErr).Warn("Failed to cache tftp asset fetched from central.")
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(content)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	online := true
	if s.Monitor != nil {
		online = s.Monitor.IsOnline()
	}
	metrics := s.Proxy.Metrics.Snapshot()

	body := map[string]interface{}{
		"status":     "ok",
		"online":     online,
		"cache_rate": metrics.CacheRate,
		"queued":     metrics.QueuedWrites,
		"time":       s.Clock.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.FieldLogger.WithError(err).Warn("Failed to encode health response.")
	}
}
