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

// Package proxy is the single gateway every other agent component uses
// to reach the central controller. It decides, on every call, whether
// to hit central directly, fall back to cached state, or defer the
// mutation to the durable sync queue, so that callers never have to
// reason about connectivity themselves.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/pureboot-agent/lib/agent/connectivity"
	"github.com/gravitational/pureboot-agent/lib/agent/defaults"
	"github.com/gravitational/pureboot-agent/lib/agent/statecache"
	"github.com/gravitational/pureboot-agent/lib/agent/syncqueue"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Response wraps data returned through the proxy along with whether it
// came from central or from a local fallback.
type Response struct {
	Data      map[string]interface{}
	FromCache bool
	Queued    bool
}

// Metrics tracks proxy call outcomes for observability.
type Metrics struct {
	mu            sync.Mutex
	CentralCalls  int64
	CentralErrors int64
	CacheHits     int64
	CacheMisses   int64
	QueuedWrites  int64
}

func (m *Metrics) recordCall(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CentralCalls++
	if err != nil {
		m.CentralErrors++
	}
}

func (m *Metrics) recordCacheHit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CacheHits++
}

func (m *Metrics) recordCacheMiss() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CacheMisses++
}

func (m *Metrics) recordQueued() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.QueuedWrites++
}

// Snapshot is a point-in-time, race-free copy of Metrics.
type Snapshot struct {
	CentralCalls  int64
	CentralErrors int64
	CacheHits     int64
	CacheMisses   int64
	QueuedWrites  int64
	CacheRate     float64
}

// Snapshot returns a consistent copy of the current counters.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		CentralCalls:  m.CentralCalls,
		CentralErrors: m.CentralErrors,
		CacheHits:     m.CacheHits,
		CacheMisses:   m.CacheMisses,
		QueuedWrites:  m.QueuedWrites,
	}
	total := s.CacheHits + s.CacheMisses
	if total > 0 {
		s.CacheRate = float64(s.CacheHits) / float64(total)
	}
	return s
}

// Config configures a Proxy.
type Config struct {
	// CentralURL is the base URL of the central controller.
	CentralURL string
	// PublicURL is this agent's own base URL, as reached by hardware on
	// this site. Boot scripts fetched from central reference
	// CentralURL + "/tftp/..."; rewriteTFTPURLs substitutes PublicURL
	// so those assets are served from this agent's cache instead.
	PublicURL string
	// Client is the HTTP client used to reach central; defaults to one
	// built from Timeout.
	Client *http.Client
	// Timeout bounds every individual call to central.
	Timeout time.Duration
	// StateCache is consulted for node reads and updated by node reads
	// from central, registrations and state updates; event reports do
	// not touch it.
	StateCache *statecache.Cache
	// Queue receives mutations that cannot reach central immediately.
	Queue *syncqueue.Queue
	// Monitor reports current connectivity; a nil Monitor is treated as
	// always online, so every call attempts central directly.
	Monitor *connectivity.Monitor
	// WorkflowCacheTTL bounds how long a fetched workflow is reused
	// without re-fetching.
	WorkflowCacheTTL time.Duration
	// Clock is the time source; defaults to the real clock.
	Clock clockwork.Clock
	// FieldLogger is the logger used for proxy events.
	FieldLogger logrus.FieldLogger
	// NewID generates ids for queued sync items.
	NewID func() string
}

// CheckAndSetDefaults validates the configuration and fills in
// defaults for unset fields.
func (c *Config) CheckAndSetDefaults() error {
	if c.CentralURL == "" {
		return trace.BadParameter("missing CentralURL parameter")
	}
	if c.StateCache == nil {
		return trace.BadParameter("missing StateCache parameter")
	}
	if c.Queue == nil {
		return trace.BadParameter("missing Queue parameter")
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.ProxyTimeout
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: c.Timeout}
	}
	if c.WorkflowCacheTTL == 0 {
		c.WorkflowCacheTTL = defaults.NodeCacheTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.FieldLogger == nil {
		c.FieldLogger = logrus.WithField(trace.Component, "proxy")
	}
	if c.NewID == nil {
		return trace.BadParameter("missing NewID parameter")
	}
	return nil
}

type cachedWorkflow struct {
	data      map[string]interface{}
	expiresAt time.Time
}

// Proxy is the single point of contact with the central controller.
type Proxy struct {
	Config
	Metrics Metrics

	mu        sync.Mutex
	workflows map[string]cachedWorkflow
}

// New creates a Proxy.
func New(cfg Config) (*Proxy, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Proxy{Config: cfg, workflows: map[string]cachedWorkflow{}}, nil
}

// online reports whether central should be attempted directly. With no
// monitor configured the proxy always attempts central and lets the
// call itself fail closed into the cache/queue fallback path.
func (p *Proxy) online() bool {
	if p.Monitor == nil {
		return true
	}
	return p.Monitor.IsOnline()
}

func (p *Proxy) call(ctx context.Context, method, path string, body interface{}) (map[string]interface{}, error) {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.CentralURL+path, reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	p.Metrics.recordCall(err)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "central controller unreachable")
	}
	defer resp.Body.Close()

	data, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, trace.NotFound("central returned 404 for %v %v", method, path)
	}
	if resp.StatusCode >= 300 {
		return nil, trace.ConnectionProblem(nil, "central returned status %v for %v %v", resp.StatusCode, method, path)
	}

	if len(data) == 0 {
		return map[string]interface{}{}, nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// GetNodeByMAC returns the current node record for mac. An unexpired
// cached copy is returned without contacting central; otherwise
// central is asked when reachable, and a stale cached copy is the
// fallback when it is not. The returned boolean reports whether the
// data came from cache.
func (p *Proxy) GetNodeByMAC(ctx context.Context, mac string) (*statecache.CachedNode, bool, error) {
	mac = statecache.NormalizeMAC(mac)

	if cached, err := p.StateCache.Get(mac); err == nil && !cached.IsExpired(p.Clock) {
		p.Metrics.recordCacheHit()
		return cached, true, nil
	}

	if p.online() {
		data, err := p.call(ctx, http.MethodGet, "/api/v1/nodes?mac="+url.QueryEscape(mac), nil)
		if err == nil {
			node := nodeFromPayload(mac, data)
			if _, putErr := p.StateCache.Put(*node); putErr != nil {
				p.FieldLogger.WithError(putErr).Warn("Failed to refresh node cache.")
			}
			p.Metrics.recordCacheMiss()
			return node, false, nil
		}
		if trace.IsNotFound(err) {
			return nil, false, trace.Wrap(err)
		}
		p.FieldLogger.WithError(err).Debug("Central unreachable, falling back to cache.")
	}

	cached, err := p.StateCache.Get(mac)
	if err != nil {
		p.Metrics.recordCacheMiss()
		return nil, false, trace.Wrap(err)
	}
	p.Metrics.recordCacheHit()
	return cached, true, nil
}

func nodeFromPayload(mac string, data map[string]interface{}) *statecache.CachedNode {
	node := &statecache.CachedNode{
		MACAddress: mac,
		RawData:    data,
	}
	if v, ok := data["state"].(string); ok {
		node.State = v
	}
	if v, ok := data["id"].(string); ok {
		node.NodeID = v
	}
	if v, ok := data["workflow_id"].(string); ok {
		node.WorkflowID = v
	}
	if v, ok := data["group_id"].(string); ok {
		node.GroupID = v
	}
	if v, ok := data["ip_address"].(string); ok {
		node.IPAddress = v
	}
	if v, ok := data["vendor"].(string); ok {
		node.Vendor = v
	}
	if v, ok := data["model"].(string); ok {
		node.Model = v
	}
	if node.State == "" {
		node.State = "discovered"
	}
	return node
}

// RegisterNode registers a newly discovered node. When central is
// unreachable the registration is deferred to the sync queue and
// Response.Queued is set.
func (p *Proxy) RegisterNode(ctx context.Context, mac string, payload map[string]interface{}) (*Response, error) {
	mac = statecache.NormalizeMAC(mac)

	if p.online() {
		data, err := p.call(ctx, http.MethodPost, "/api/v1/nodes/register", mergeMAC(mac, payload))
		if err == nil {
			node := nodeFromPayload(mac, data)
			if _, putErr := p.StateCache.Put(*node); putErr != nil {
				p.FieldLogger.WithError(putErr).Warn("Failed to cache registered node.")
			}
			return &Response{Data: data}, nil
		}
		p.FieldLogger.WithError(err).Warn("Registration failed against central, deferring.")
	}

	if _, err := p.enqueue(syncqueue.ItemRegistration, mergeMAC(mac, payload)); err != nil {
		return nil, trace.Wrap(err)
	}

	node := statecache.CachedNode{MACAddress: mac, State: "discovered", RawData: payload}
	if _, err := p.StateCache.Put(node); err != nil {
		p.FieldLogger.WithError(err).Warn("Failed to optimistically cache registration.")
	}
	return &Response{Queued: true}, nil
}

// UpdateNodeState records a node state transition. The local cache is
// updated optimistically in every case; if central cannot be reached
// immediately the update is queued for replay.
func (p *Proxy) UpdateNodeState(ctx context.Context, mac, state string, extra map[string]interface{}) (*Response, error) {
	mac = statecache.NormalizeMAC(mac)

	existing, _ := p.StateCache.Get(mac)
	raw := map[string]interface{}{}
	if existing != nil {
		for k, v := range existing.RawData {
			raw[k] = v
		}
	}
	for k, v := range extra {
		raw[k] = v
	}
	raw["state"] = state

	node := statecache.CachedNode{MACAddress: mac, State: state, RawData: raw}
	if existing != nil {
		node.NodeID, node.WorkflowID, node.GroupID = existing.NodeID, existing.WorkflowID, existing.GroupID
		node.IPAddress, node.Vendor, node.Model = existing.IPAddress, existing.Vendor, existing.Model
	}
	if _, err := p.StateCache.Put(node); err != nil {
		return nil, trace.Wrap(err)
	}

	payload := mergeMAC(mac, raw)
	payload["node_id"] = node.NodeID

	if p.online() && node.NodeID != "" {
		data, err := p.call(ctx, http.MethodPatch, "/api/v1/nodes/"+node.NodeID+"/state", map[string]interface{}{"state": state})
		if err == nil {
			return &Response{Data: data}, nil
		}
		p.FieldLogger.WithError(err).Warn("State update failed against central, deferring.")
	} else if node.NodeID == "" {
		p.FieldLogger.Warn("No central node id cached yet, deferring state update.")
	}

	if _, err := p.enqueue(syncqueue.ItemStateUpdate, payload); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Response{Queued: true}, nil
}

// ReportNodeEvent records an observational event for a node. Events
// are always deferred to the queue when central is unreachable; unlike
// state updates there is no local authoritative copy to update
// optimistically.
func (p *Proxy) ReportNodeEvent(ctx context.Context, mac, eventType string, data map[string]interface{}) (*Response, error) {
	mac = statecache.NormalizeMAC(mac)
	payload := mergeMAC(mac, data)
	payload["event_type"] = eventType

	cached, _ := p.StateCache.Get(mac)
	var nodeID string
	if cached != nil {
		nodeID = cached.NodeID
	}
	payload["node_id"] = nodeID

	if p.online() && nodeID != "" {
		resp, err := p.call(ctx, http.MethodPost, "/api/v1/nodes/"+nodeID+"/event", payload)
		if err == nil {
			return &Response{Data: resp}, nil
		}
		p.FieldLogger.WithError(err).Debug("Event report failed against central, deferring.")
	} else if nodeID == "" {
		p.FieldLogger.Debug("No central node id cached yet, deferring event report.")
	}

	if _, err := p.enqueue(syncqueue.ItemEvent, payload); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Response{Queued: true}, nil
}

// GetWorkflow fetches a workflow definition, serving a short-lived
// in-memory cached copy when central cannot be reached.
func (p *Proxy) GetWorkflow(ctx context.Context, workflowID string) (map[string]interface{}, bool, error) {
	if p.online() {
		data, err := p.call(ctx, http.MethodGet, "/api/v1/workflows/"+workflowID, nil)
		if err == nil {
			p.mu.Lock()
			p.workflows[workflowID] = cachedWorkflow{data: data, expiresAt: p.Clock.Now().UTC().Add(p.WorkflowCacheTTL)}
			p.mu.Unlock()
			p.Metrics.recordCacheMiss()
			return data, false, nil
		}
		if trace.IsNotFound(err) {
			return nil, false, trace.Wrap(err)
		}
		p.FieldLogger.WithError(err).Debug("Central unreachable, falling back to cached workflow.")
	}

	p.mu.Lock()
	cached, ok := p.workflows[workflowID]
	p.mu.Unlock()
	if !ok || p.Clock.Now().UTC().After(cached.expiresAt) {
		p.Metrics.recordCacheMiss()
		return nil, false, trace.NotFound("no cached workflow %v", workflowID)
	}
	p.Metrics.recordCacheHit()
	return cached.data, true, nil
}

// FetchBootScript fetches the rendered iPXE script for mac from
// central, forwarding any extra hardware query parameters, and
// rewrites embedded references to central's TFTP prefix to point at
// this agent instead. Returns a ConnectionProblem if offline or on
// any transport/status error, leaving the offline fallback to the
// caller.
func (p *Proxy) FetchBootScript(ctx context.Context, mac string, extra url.Values) (string, error) {
	if !p.online() {
		return "", trace.ConnectionProblem(nil, "central controller is offline")
	}

	q := url.Values{}
	for k, v := range extra {
		q[k] = v
	}
	q.Set("mac", mac)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.CentralURL+"/api/v1/boot?"+q.Encode(), nil)
	if err != nil {
		return "", trace.Wrap(err)
	}
	resp, err := p.Client.Do(req)
	p.Metrics.recordCall(err)
	if err != nil {
		return "", trace.ConnectionProblem(err, "central controller unreachable")
	}
	defer resp.Body.Close()

	data, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", trace.ConnectionProblem(nil, "central returned status %v for boot script", resp.StatusCode)
	}

	return p.rewriteTFTPURLs(string(data)), nil
}

// rewriteTFTPURLs substitutes this agent's PublicURL for CentralURL in
// references to the central /tftp/ prefix, so cached assets are
// fetched from this agent rather than re-fetched from central on
// every boot.
func (p *Proxy) rewriteTFTPURLs(script string) string {
	if p.PublicURL == "" {
		return script
	}
	return strings.ReplaceAll(script, p.CentralURL+"/tftp/", strings.TrimSuffix(p.PublicURL, "/")+"/tftp/")
}

// FetchTFTPFile fetches a single TFTP-style asset from central by its
// relative path, for use when the local content cache misses.
func (p *Proxy) FetchTFTPFile(ctx context.Context, path string) ([]byte, error) {
	if !p.online() {
		return nil, trace.ConnectionProblem(nil, "central controller is offline")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.CentralURL+"/tftp/"+path, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := p.Client.Do(req)
	p.Metrics.recordCall(err)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "central controller unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, trace.NotFound("central has no tftp asset %v", path)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, trace.ConnectionProblem(nil, "central returned status %v for tftp asset %v", resp.StatusCode, path)
	}
	return ioutil.ReadAll(resp.Body)
}

// InvalidateNodeCache drops any cached copy of a node, forcing the
// next GetNodeByMAC to treat the entry as a miss if central is also
// unreachable.
func (p *Proxy) InvalidateNodeCache(mac string) error {
	err := p.StateCache.Invalidate(statecache.NormalizeMAC(mac))
	if trace.IsNotFound(err) {
		return nil
	}
	return trace.Wrap(err)
}

// Replay re-attempts a previously queued mutation directly against
// central, without the online/offline branching GetNodeByMAC and its
// write siblings apply, and without re-queuing on failure: that
// decision belongs to the caller draining the queue.
func (p *Proxy) Replay(ctx context.Context, item syncqueue.Item) (*Response, error) {
	mac, _ := item.Payload["mac_address"].(string)
	mac = statecache.NormalizeMAC(mac)

	switch item.ItemType {
	case syncqueue.ItemRegistration:
		data, err := p.call(ctx, http.MethodPost, "/api/v1/nodes/register", item.Payload)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		node := nodeFromPayload(mac, data)
		if _, putErr := p.StateCache.Put(*node); putErr != nil {
			p.FieldLogger.WithError(putErr).Warn("Failed to cache replayed registration.")
		}
		return &Response{Data: data}, nil

	case syncqueue.ItemStateUpdate:
		nodeID, _ := item.Payload["node_id"].(string)
		if nodeID == "" {
			return nil, trace.BadParameter("queued state update for %v has no central node id yet", mac)
		}
		data, err := p.call(ctx, http.MethodPatch, "/api/v1/nodes/"+nodeID+"/state", map[string]interface{}{"state": item.Payload["state"]})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return &Response{Data: data}, nil

	case syncqueue.ItemEvent:
		nodeID, _ := item.Payload["node_id"].(string)
		if nodeID == "" {
			return nil, trace.BadParameter("queued event for %v has no central node id yet", mac)
		}
		data, err := p.call(ctx, http.MethodPost, "/api/v1/nodes/"+nodeID+"/event", item.Payload)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return &Response{Data: data}, nil

	default:
		return nil, trace.BadParameter("unknown queue item type %v", item.ItemType)
	}
}

func (p *Proxy) enqueue(itemType string, payload map[string]interface{}) (string, error) {
	id, err := p.Queue.Enqueue(syncqueue.Item{ItemType: itemType, Payload: payload})
	if err != nil {
		return "", trace.Wrap(err)
	}
	p.Metrics.recordQueued()
	return id, nil
}

func mergeMAC(mac string, data map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{"mac_address": mac}
	for k, v := range data {
		out[k] = v
	}
	return out
}
