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

// Package statecache implements a SQLite-backed, TTL'd local cache of
// node state as last observed from the central controller. It exists
// so the agent can keep serving boot decisions and API reads when the
// central controller is unreachable.
package statecache

import (
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/pureboot-agent/lib/agent/defaults"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	mac_address TEXT PRIMARY KEY,
	node_id TEXT,
	state TEXT NOT NULL,
	workflow_id TEXT,
	group_id TEXT,
	ip_address TEXT,
	vendor TEXT,
	model TEXT,
	cached_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	raw_data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_nodes_group ON nodes(group_id);
CREATE INDEX IF NOT EXISTS idx_nodes_state ON nodes(state);
CREATE INDEX IF NOT EXISTS idx_nodes_expires ON nodes(expires_at);
`

// CachedNode is the last-observed state of a node seen at this site.
type CachedNode struct {
	MACAddress string
	NodeID     string
	State      string
	WorkflowID string
	GroupID    string
	IPAddress  string
	Vendor     string
	Model      string
	CachedAt   time.Time
	ExpiresAt  time.Time
	RawData    map[string]interface{}
}

// IsExpired reports whether this entry is past its TTL. Expired
// entries are not deleted automatically; callers decide whether to
// treat them as a stale fallback.
func (n CachedNode) IsExpired(clock clockwork.Clock) bool {
	return clock.Now().UTC().After(n.ExpiresAt)
}

// TTL returns the remaining time to live, floored at zero.
func (n CachedNode) TTL(clock clockwork.Clock) time.Duration {
	remaining := n.ExpiresAt.Sub(clock.Now().UTC())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Stats summarizes the cache's contents.
type Stats struct {
	TotalEntries   int
	ExpiredEntries int
	ValidEntries   int
	OldestEntry    *time.Time
}

// Config configures a Cache.
type Config struct {
	// Path is the filesystem location of the SQLite database file.
	Path string
	// DefaultTTL is applied to entries that do not specify an
	// explicit TTL override.
	DefaultTTL time.Duration
	// Clock is the time source; defaults to the real clock.
	Clock clockwork.Clock
	// FieldLogger is the logger used for cache events.
	FieldLogger logrus.FieldLogger
}

// CheckAndSetDefaults validates the configuration and fills in
// defaults for unset fields.
func (c *Config) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing Path parameter")
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = defaults.NodeCacheTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.FieldLogger == nil {
		c.FieldLogger = logrus.WithField(trace.Component, "statecache")
	}
	return nil
}

// Cache is a SQLite-backed keyed store of node state.
type Cache struct {
	Config
	mu sync.Mutex
	db *sql.DB
}

// New opens (creating if necessary) the node state cache database.
func New(cfg Config) (*Cache, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, trace.Wrap(err, "failed to open node state cache")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, trace.Wrap(err, "failed to initialize node state cache schema")
	}
	cfg.FieldLogger.WithField("path", cfg.Path).Info("Node state cache initialized.")
	return &Cache{Config: cfg, db: db}, nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error {
	return trace.Wrap(c.db.Close())
}

// NormalizeMAC lowercases a MAC address and converts hyphen
// separators to colons, matching the agent-wide canonical form.
func NormalizeMAC(mac string) string {
	return strings.ReplaceAll(strings.ToLower(mac), "-", ":")
}

// Get returns the cached node regardless of expiry; the caller
// inspects IsExpired to decide whether to treat it as authoritative
// or as a stale fallback.
func (c *Cache) Get(mac string) (*CachedNode, error) {
	mac = NormalizeMAC(mac)

	c.mu.Lock()
	defer c.mu.Unlock()

	row := c.db.QueryRow(`SELECT mac_address, node_id, state, workflow_id, group_id,
		ip_address, vendor, model, cached_at, expires_at, raw_data
		FROM nodes WHERE mac_address = ?`, mac)

	node, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, trace.NotFound("no cached node for %v", mac)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return node, nil
}

// PutOptions overrides the defaults applied to a Put call.
type PutOptions struct {
	// TTL overrides DefaultTTL for this entry when non-zero.
	TTL time.Duration
}

// Put inserts or replaces the cached record for a node. ExpiresAt
// defaults to now + DefaultTTL unless an explicit TTL override is
// supplied.
func (c *Cache) Put(node CachedNode, opts ...PutOptions) (*CachedNode, error) {
	node.MACAddress = NormalizeMAC(node.MACAddress)
	if node.State == "" {
		return nil, trace.BadParameter("missing state for node %v", node.MACAddress)
	}

	ttl := c.DefaultTTL
	for _, o := range opts {
		if o.TTL > 0 {
			ttl = o.TTL
		}
	}

	now := c.Clock.Now().UTC()
	if node.CachedAt.IsZero() {
		node.CachedAt = now
	}
	if node.ExpiresAt.IsZero() {
		node.ExpiresAt = now.Add(ttl)
	}
	if node.RawData == nil {
		node.RawData = map[string]interface{}{}
	}

	rawData, err := json.Marshal(node.RawData)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, err = c.db.Exec(`INSERT OR REPLACE INTO nodes
		(mac_address, node_id, state, workflow_id, group_id, ip_address,
		 vendor, model, cached_at, expires_at, raw_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		node.MACAddress, node.NodeID, node.State, node.WorkflowID, node.GroupID,
		node.IPAddress, node.Vendor, node.Model,
		node.CachedAt.Format(time.RFC3339Nano), node.ExpiresAt.Format(time.RFC3339Nano), string(rawData))
	if err != nil {
		return nil, trace.Wrap(err)
	}

	c.FieldLogger.WithFields(logrus.Fields{
		"mac":   node.MACAddress,
		"state": node.State,
	}).Debug("Cached node state.")
	return &node, nil
}

// GetByGroup returns all cached nodes belonging to a group,
// regardless of expiry.
func (c *Cache) GetByGroup(groupID string) ([]CachedNode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.Query(`SELECT mac_address, node_id, state, workflow_id, group_id,
		ip_address, vendor, model, cached_at, expires_at, raw_data
		FROM nodes WHERE group_id = ?`, groupID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// GetAll returns every cached node, used for post-reconnect
// reconciliation against central.
func (c *Cache) GetAll() ([]CachedNode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.Query(`SELECT mac_address, node_id, state, workflow_id, group_id,
		ip_address, vendor, model, cached_at, expires_at, raw_data
		FROM nodes`)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// Invalidate removes one cached node. It returns trace.NotFound if
// no such entry existed.
func (c *Cache) Invalidate(mac string) error {
	mac = NormalizeMAC(mac)

	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.Exec(`DELETE FROM nodes WHERE mac_address = ?`, mac)
	if err != nil {
		return trace.Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if n == 0 {
		return trace.NotFound("no cached node for %v", mac)
	}
	c.FieldLogger.WithField("mac", mac).Debug("Invalidated cached node.")
	return nil
}

// EvictExpired deletes every row whose ExpiresAt has passed and
// returns the number removed.
func (c *Cache) EvictExpired() (int, error) {
	now := c.Clock.Now().UTC().Format(time.RFC3339Nano)

	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.Exec(`DELETE FROM nodes WHERE expires_at < ?`, now)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, trace.Wrap(err)
	}
	if n > 0 {
		c.FieldLogger.WithField("count", n).Info("Evicted expired cache entries.")
	}
	return int(n), nil
}

// GetStats returns aggregate cache statistics.
func (c *Cache) GetStats() (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var stats Stats
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM nodes`).Scan(&stats.TotalEntries); err != nil {
		return stats, trace.Wrap(err)
	}
	now := c.Clock.Now().UTC().Format(time.RFC3339Nano)
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM nodes WHERE expires_at < ?`, now).Scan(&stats.ExpiredEntries); err != nil {
		return stats, trace.Wrap(err)
	}
	stats.ValidEntries = stats.TotalEntries - stats.ExpiredEntries

	var oldest sql.NullString
	if err := c.db.QueryRow(`SELECT MIN(cached_at) FROM nodes`).Scan(&oldest); err != nil {
		return stats, trace.Wrap(err)
	}
	if oldest.Valid {
		t, err := time.Parse(time.RFC3339Nano, oldest.String)
		if err == nil {
			stats.OldestEntry = &t
		}
	}
	return stats, nil
}

// Clear removes every cached node and returns the number removed.
func (c *Cache) Clear() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.Exec(`DELETE FROM nodes`)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, trace.Wrap(err)
	}
	c.FieldLogger.WithField("count", n).Info("Cleared node state cache.")
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row rowScanner) (*CachedNode, error) {
	var n CachedNode
	var nodeID, workflowID, groupID, ipAddress, vendor, model sql.NullString
	var cachedAt, expiresAt, rawData string

	err := row.Scan(&n.MACAddress, &nodeID, &n.State, &workflowID, &groupID,
		&ipAddress, &vendor, &model, &cachedAt, &expiresAt, &rawData)
	if err != nil {
		return nil, err
	}
	n.NodeID = nodeID.String
	n.WorkflowID = workflowID.String
	n.GroupID = groupID.String
	n.IPAddress = ipAddress.String
	n.Vendor = vendor.String
	n.Model = model.String

	if n.CachedAt, err = time.Parse(time.RFC3339Nano, cachedAt); err != nil {
		return nil, trace.Wrap(err)
	}
	if n.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt); err != nil {
		return nil, trace.Wrap(err)
	}
	n.RawData = map[string]interface{}{}
	if rawData != "" {
		if err := json.Unmarshal([]byte(rawData), &n.RawData); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return &n, nil
}

func scanNodes(rows *sql.Rows) ([]CachedNode, error) {
	var out []CachedNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *n)
	}
	return out, trace.Wrap(rows.Err())
}
