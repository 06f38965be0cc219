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

// Package conflicts detects and persists divergences between cached
// node state and the central controller's view, discovered after
// connectivity is restored and the sync queue has drained.
package conflicts

import (
	"database/sql"
	"sync"
	"time"

	"github.com/gravitational/pureboot-agent/lib/agent/statecache"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS conflicts (
	id TEXT PRIMARY KEY,
	node_mac TEXT NOT NULL,
	node_id TEXT,
	local_state TEXT NOT NULL,
	central_state TEXT NOT NULL,
	local_updated_at TEXT NOT NULL,
	central_updated_at TEXT NOT NULL,
	conflict_type TEXT NOT NULL,
	detected_at TEXT NOT NULL,
	resolved INTEGER DEFAULT 0,
	resolution TEXT,
	resolved_at TEXT,
	resolved_by TEXT
);
CREATE INDEX IF NOT EXISTS idx_conflicts_resolved ON conflicts (resolved);
CREATE INDEX IF NOT EXISTS idx_conflicts_mac ON conflicts (node_mac);
`

// Conflict types.
const (
	TypeStateMismatch  = "state_mismatch"
	TypeMissingLocal   = "missing_local"
	TypeMissingCentral = "missing_central"
)

// Resolutions an operator may apply.
const (
	ResolveKeepLocal   = "keep_local"
	ResolveKeepCentral = "keep_central"
	ResolveMerge       = "merge"
)

// CentralNode is the minimal view of a node as reported by central,
// supplied by the caller; the detector never contacts central itself.
type CentralNode struct {
	ID        string
	MAC       string
	State     string
	UpdatedAt time.Time
}

// Conflict is one observed divergence between cached and central
// state.
type Conflict struct {
	ID               string
	NodeMAC          string
	NodeID           string
	LocalState       string
	CentralState     string
	LocalUpdatedAt   time.Time
	CentralUpdatedAt time.Time
	ConflictType     string
	DetectedAt       time.Time
	Resolved         bool
	Resolution       string
	ResolvedAt       *time.Time
	ResolvedBy       string
}

// Config configures a Detector.
type Config struct {
	// Path is the filesystem location of the SQLite database file.
	Path string
	// Clock is the time source; defaults to the real clock.
	Clock clockwork.Clock
	// FieldLogger is the logger used for conflict events.
	FieldLogger logrus.FieldLogger
	// NewID generates an id for a newly detected conflict.
	NewID func() string
}

// CheckAndSetDefaults validates the configuration and fills in
// defaults for unset fields.
func (c *Config) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing Path parameter")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.FieldLogger == nil {
		c.FieldLogger = logrus.WithField(trace.Component, "conflicts")
	}
	if c.NewID == nil {
		return trace.BadParameter("missing NewID parameter")
	}
	return nil
}

// Detector stores and manages conflicts between offline changes and
// central state.
type Detector struct {
	Config
	mu sync.Mutex
	db *sql.DB
}

// New opens (creating if necessary) the conflict ledger database.
func New(cfg Config) (*Detector, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, trace.Wrap(err, "failed to open conflict ledger")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, trace.Wrap(err, "failed to initialize conflict ledger schema")
	}
	cfg.FieldLogger.WithField("path", cfg.Path).Info("Conflict detector initialized.")
	return &Detector{Config: cfg, db: db}, nil
}

// Close releases the underlying database handle.
func (d *Detector) Close() error {
	return trace.Wrap(d.db.Close())
}

// CheckConflicts diffs the state cache against centralNodes (indexed
// by MAC) and persists every divergence found.
func (d *Detector) CheckConflicts(centralNodes []CentralNode, cache *statecache.Cache) ([]Conflict, error) {
	now := d.Clock.Now().UTC()

	byMAC := make(map[string]CentralNode, len(centralNodes))
	for _, n := range centralNodes {
		mac := statecache.NormalizeMAC(n.MAC)
		if mac != "" {
			byMAC[mac] = n
		}
	}

	cached, err := cache.GetAll()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var detected []Conflict
	for _, node := range cached {
		mac := statecache.NormalizeMAC(node.MACAddress)
		central, ok := byMAC[mac]
		delete(byMAC, mac)

		if !ok {
			c := Conflict{
				ID:               d.NewID(),
				NodeMAC:          mac,
				NodeID:           node.NodeID,
				LocalState:       node.State,
				CentralState:     "missing",
				LocalUpdatedAt:   node.CachedAt,
				CentralUpdatedAt: now,
				ConflictType:     TypeMissingCentral,
				DetectedAt:       now,
			}
			detected = append(detected, c)
			if err := d.MarkConflict(c); err != nil {
				return nil, trace.Wrap(err)
			}
			continue
		}

		if node.State != central.State {
			centralUpdated := central.UpdatedAt
			if centralUpdated.IsZero() {
				centralUpdated = now
			}
			nodeID := node.NodeID
			if nodeID == "" {
				nodeID = central.ID
			}
			c := Conflict{
				ID:               d.NewID(),
				NodeMAC:          mac,
				NodeID:           nodeID,
				LocalState:       node.State,
				CentralState:     central.State,
				LocalUpdatedAt:   node.CachedAt,
				CentralUpdatedAt: centralUpdated,
				ConflictType:     TypeStateMismatch,
				DetectedAt:       now,
			}
			detected = append(detected, c)
			if err := d.MarkConflict(c); err != nil {
				return nil, trace.Wrap(err)
			}
		}
	}

	for mac, central := range byMAC {
		centralUpdated := central.UpdatedAt
		if centralUpdated.IsZero() {
			centralUpdated = now
		}
		c := Conflict{
			ID:               d.NewID(),
			NodeMAC:          mac,
			NodeID:           central.ID,
			LocalState:       "missing",
			CentralState:     central.State,
			LocalUpdatedAt:   now,
			CentralUpdatedAt: centralUpdated,
			ConflictType:     TypeMissingLocal,
			DetectedAt:       now,
		}
		detected = append(detected, c)
		if err := d.MarkConflict(c); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	if len(detected) > 0 {
		d.FieldLogger.WithField("count", len(detected)).Warn("Detected conflicts after reconnect.")
	}
	return detected, nil
}

// MarkConflict persists a conflict for later resolution.
func (d *Detector) MarkConflict(c Conflict) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`INSERT OR REPLACE INTO conflicts
		(id, node_mac, node_id, local_state, central_state, local_updated_at,
		 central_updated_at, conflict_type, detected_at, resolved, resolution,
		 resolved_at, resolved_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.NodeMAC, c.NodeID, c.LocalState, c.CentralState,
		c.LocalUpdatedAt.Format(time.RFC3339Nano), c.CentralUpdatedAt.Format(time.RFC3339Nano),
		c.ConflictType, c.DetectedAt.Format(time.RFC3339Nano), boolToInt(c.Resolved),
		nullString(c.Resolution), nullableTime(c.ResolvedAt), nullString(c.ResolvedBy))
	return trace.Wrap(err)
}

// GetPendingConflicts returns unresolved conflicts, newest first.
func (d *Detector) GetPendingConflicts() ([]Conflict, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.db.Query(`SELECT ` + selectColumns + ` FROM conflicts WHERE resolved = 0 ORDER BY detected_at DESC`)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	return scanConflicts(rows)
}

// GetConflict returns a single conflict by id.
func (d *Detector) GetConflict(id string) (*Conflict, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	row := d.db.QueryRow(`SELECT `+selectColumns+` FROM conflicts WHERE id = ?`, id)
	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, trace.NotFound("no conflict %v", id)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return c, nil
}

// ResolveConflict marks a conflict resolved by the given operator.
func (d *Detector) ResolveConflict(id, resolution, resolvedBy string) error {
	now := d.Clock.Now().UTC()

	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.Exec(`UPDATE conflicts
		SET resolved = 1, resolution = ?, resolved_at = ?, resolved_by = ?
		WHERE id = ?`, resolution, now.Format(time.RFC3339Nano), resolvedBy, id)
	if err != nil {
		return trace.Wrap(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return trace.NotFound("no conflict %v", id)
	}
	d.FieldLogger.WithFields(logrus.Fields{"id": id, "resolution": resolution}).Info("Resolved conflict.")
	return nil
}

// GetConflictCount returns the number of unresolved conflicts.
func (d *Detector) GetConflictCount() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM conflicts WHERE resolved = 0`).Scan(&n)
	return n, trace.Wrap(err)
}

// GetConflictsForNode returns all conflicts recorded for mac, newest
// first.
func (d *Detector) GetConflictsForNode(mac string) ([]Conflict, error) {
	mac = statecache.NormalizeMAC(mac)

	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.db.Query(`SELECT `+selectColumns+` FROM conflicts WHERE node_mac = ? ORDER BY detected_at DESC`, mac)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	return scanConflicts(rows)
}

// ClearResolved deletes resolved conflicts older than olderThanDays
// and returns the number removed.
func (d *Detector) ClearResolved(olderThanDays int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.Exec(`DELETE FROM conflicts
		WHERE resolved = 1
		AND julianday('now') - julianday(resolved_at) > ?`, olderThanDays)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		d.FieldLogger.WithField("count", n).Info("Cleared old resolved conflicts.")
	}
	return int(n), nil
}

const selectColumns = `id, node_mac, node_id, local_state, central_state, local_updated_at,
	central_updated_at, conflict_type, detected_at, resolved, resolution,
	resolved_at, resolved_by`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConflict(row rowScanner) (*Conflict, error) {
	var c Conflict
	var nodeID, resolution, resolvedAt, resolvedBy sql.NullString
	var localUpdatedAt, centralUpdatedAt, detectedAt string
	var resolvedInt int

	err := row.Scan(&c.ID, &c.NodeMAC, &nodeID, &c.LocalState, &c.CentralState,
		&localUpdatedAt, &centralUpdatedAt, &c.ConflictType, &detectedAt,
		&resolvedInt, &resolution, &resolvedAt, &resolvedBy)
	if err != nil {
		return nil, err
	}
	c.NodeID = nodeID.String
	c.Resolution = resolution.String
	c.ResolvedBy = resolvedBy.String
	c.Resolved = resolvedInt != 0

	if c.LocalUpdatedAt, err = time.Parse(time.RFC3339Nano, localUpdatedAt); err != nil {
		return nil, trace.Wrap(err)
	}
	if c.CentralUpdatedAt, err = time.Parse(time.RFC3339Nano, centralUpdatedAt); err != nil {
		return nil, trace.Wrap(err)
	}
	if c.DetectedAt, err = time.Parse(time.RFC3339Nano, detectedAt); err != nil {
		return nil, trace.Wrap(err)
	}
	if resolvedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, resolvedAt.String)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		c.ResolvedAt = &t
	}
	return &c, nil
}

func scanConflicts(rows *sql.Rows) ([]Conflict, error) {
	var out []Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *c)
	}
	return out, trace.Wrap(rows.Err())
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
