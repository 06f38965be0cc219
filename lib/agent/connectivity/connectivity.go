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

// Package connectivity tracks whether the agent currently has a
// working link to the central controller, using asymmetric
// hysteresis: one successful probe restores the online state, while N
// consecutive failures are required to declare the link offline.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gravitational/pureboot-agent/lib/agent/defaults"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Listener is invoked exactly once per state transition with the new
// online value. A listener that panics has the panic recovered and
// logged, and does not block notification of subsequent listeners.
type Listener func(online bool)

// ListenerHandle identifies a registered Listener so it can later be
// removed with RemoveListener. Listener is a bare func value and is
// not itself comparable, so AddListener hands back this token instead
// of requiring callers to compare functions.
type ListenerHandle uint64

type listenerEntry struct {
	handle ListenerHandle
	fn     Listener
}

// Config configures a Monitor.
type Config struct {
	// CentralURL is the base URL of the central controller; the
	// monitor probes CentralURL + "/health".
	CentralURL string
	// CheckInterval is the period between probes.
	CheckInterval time.Duration
	// Timeout bounds each individual probe.
	Timeout time.Duration
	// FailureThreshold is the number of consecutive failures required
	// to transition from online to offline.
	FailureThreshold int
	// Client is the HTTP client used for probes; defaults to one
	// built from Timeout.
	Client *http.Client
	// Clock is the time source; defaults to the real clock.
	Clock clockwork.Clock
	// FieldLogger is the logger used for connectivity events.
	FieldLogger logrus.FieldLogger
}

// CheckAndSetDefaults validates the configuration and fills in
// defaults for unset fields.
func (c *Config) CheckAndSetDefaults() error {
	if c.CentralURL == "" {
		return trace.BadParameter("missing CentralURL parameter")
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = defaults.ConnectivityCheckInterval
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.ConnectivityTimeout
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = defaults.ConnectivityFailureThreshold
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: c.Timeout}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.FieldLogger == nil {
		c.FieldLogger = logrus.WithField(trace.Component, "connectivity")
	}
	return nil
}

// Monitor periodically probes the central controller and maintains
// the online/offline state machine.
type Monitor struct {
	Config

	mu                   sync.RWMutex
	online               bool
	lastOnlineAt         time.Time
	offlineSince         time.Time
	consecutiveFailures  int
	consecutiveSuccesses int

	listenersMu    sync.Mutex
	listeners      []listenerEntry
	nextListenerID ListenerHandle

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Monitor in the optimistic online state.
func New(cfg Config) (*Monitor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Monitor{Config: cfg, online: true}, nil
}

// IsOnline returns the current connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// OfflineDuration returns how long the monitor has observed the link
// as down, or zero while online.
func (m *Monitor) OfflineDuration() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.online || m.offlineSince.IsZero() {
		return 0
	}
	return m.Clock.Now().UTC().Sub(m.offlineSince)
}

// OfflineSince returns when the link went down, or the zero time
// while online.
func (m *Monitor) OfflineSince() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.offlineSince
}

// AddListener registers a callback invoked on every state transition
// and returns a handle that can be passed to RemoveListener.
func (m *Monitor) AddListener(l Listener) ListenerHandle {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.nextListenerID++
	handle := m.nextListenerID
	m.listeners = append(m.listeners, listenerEntry{handle: handle, fn: l})
	return handle
}

// RemoveListener unregisters a listener previously added with
// AddListener. Removing an unknown or already-removed handle is a
// no-op.
func (m *Monitor) RemoveListener(h ListenerHandle) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	for i, entry := range m.listeners {
		if entry.handle == h {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

// notifyListeners runs every listener synchronously, in registration
// order, isolating panics and errors so one bad listener cannot block
// or skip the others.
func (m *Monitor) notifyListeners(online bool) {
	m.listenersMu.Lock()
	entries := make([]listenerEntry, len(m.listeners))
	copy(entries, m.listeners)
	m.listenersMu.Unlock()

	for _, entry := range entries {
		m.invokeListener(entry.fn, online)
	}
}

func (m *Monitor) invokeListener(l Listener, online bool) {
	defer func() {
		if r := recover(); r != nil {
			m.FieldLogger.WithField("panic", r).Error("Connectivity listener panicked.")
		}
	}()
	l(online)
}

// checkConnectivity performs one HTTP probe against CentralURL +
// "/health". Any 200 response counts as success; timeouts, transport
// errors, and non-2xx responses all count as a single failure.
func (m *Monitor) checkConnectivity(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.CentralURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := m.Client.Do(req)
	if err != nil {
		m.FieldLogger.WithError(err).Debug("Connectivity check failed.")
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// updateState applies one probe result to the state machine,
// transitioning and notifying listeners as needed.
func (m *Monitor) updateState(success bool) {
	now := m.Clock.Now().UTC()

	m.mu.Lock()
	var transitionedOnline, transitionedOffline bool
	if success {
		m.consecutiveFailures = 0
		m.consecutiveSuccesses++
		m.lastOnlineAt = now
		if !m.online {
			m.online = true
			m.offlineSince = time.Time{}
			transitionedOnline = true
		}
	} else {
		m.consecutiveSuccesses = 0
		m.consecutiveFailures++
		if m.online && m.consecutiveFailures >= m.FailureThreshold {
			m.online = false
			m.offlineSince = now
			transitionedOffline = true
		}
	}
	failures := m.consecutiveFailures
	m.mu.Unlock()

	switch {
	case transitionedOnline:
		m.FieldLogger.Info("Connectivity restored to central controller.")
		m.notifyListeners(true)
	case transitionedOffline:
		m.FieldLogger.WithField("failures", failures).Warn("Lost connectivity to central controller.")
		m.notifyListeners(false)
	}
}

// ForceCheck runs an immediate probe, updates state, and returns the
// resulting online value.
func (m *Monitor) ForceCheck(ctx context.Context) bool {
	m.updateState(m.checkConnectivity(ctx))
	return m.IsOnline()
}

// Start performs one synchronous probe and then launches the
// periodic monitoring loop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	m.mu.Lock()
	m.lastOnlineAt = m.Clock.Now().UTC()
	m.mu.Unlock()

	m.updateState(m.checkConnectivity(ctx))

	go m.runLoop(ctx)
	m.FieldLogger.WithFields(logrus.Fields{
		"interval":  m.CheckInterval,
		"threshold": m.FailureThreshold,
	}).Info("Connectivity monitor started.")
}

func (m *Monitor) runLoop(ctx context.Context) {
	defer close(m.done)
	ticker := m.Clock.NewTicker(m.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.updateState(m.checkConnectivity(ctx))
		}
	}
}

// Stop cancels the monitoring loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.FieldLogger.Info("Stopping connectivity monitor.")
	m.cancel()
	<-m.done
	m.FieldLogger.Info("Connectivity monitor stopped.")
}
