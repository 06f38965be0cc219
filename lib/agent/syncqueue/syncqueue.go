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

// Package syncqueue implements a SQLite-backed durable FIFO of
// mutations deferred while the agent is offline. Entries are replayed
// in order once connectivity to central is restored.
package syncqueue

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_queue (
	id TEXT PRIMARY KEY,
	item_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL,
	attempts INTEGER DEFAULT 0,
	last_attempt_at TEXT,
	last_error TEXT,
	status TEXT DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS idx_queue_status ON sync_queue (status);
CREATE INDEX IF NOT EXISTS idx_queue_created ON sync_queue (created_at);
`

// Item types recognized by the queue processor's dispatch table.
const (
	ItemRegistration = "registration"
	ItemStateUpdate  = "state_update"
	ItemEvent        = "event"
)

// Status values for a QueueItem.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusFailed     = "failed"
)

// Item is a single deferred mutation.
type Item struct {
	ID            string
	ItemType      string
	Payload       map[string]interface{}
	CreatedAt     time.Time
	Attempts      int
	LastAttemptAt *time.Time
	LastError     string
	Status        string
}

// Stats summarizes queue contents by status.
type Stats struct {
	Pending    int
	Processing int
	Failed     int
	Total      int
}

// Config configures a Queue.
type Config struct {
	// Path is the filesystem location of the SQLite database file.
	Path string
	// Clock is the time source; defaults to the real clock.
	Clock clockwork.Clock
	// FieldLogger is the logger used for queue events.
	FieldLogger logrus.FieldLogger
	// NewID generates an id for an item enqueued without one.
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
		c.FieldLogger = logrus.WithField(trace.Component, "syncqueue")
	}
	if c.NewID == nil {
		return trace.BadParameter("missing NewID parameter")
	}
	return nil
}

// Queue is a SQLite-backed durable FIFO.
type Queue struct {
	Config
	mu sync.Mutex
	db *sql.DB
}

// New opens (creating if necessary) the sync queue database.
func New(cfg Config) (*Queue, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, trace.Wrap(err, "failed to open sync queue")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, trace.Wrap(err, "failed to initialize sync queue schema")
	}
	cfg.FieldLogger.WithField("path", cfg.Path).Info("Sync queue initialized.")
	return &Queue{Config: cfg, db: db}, nil
}

// Close releases the underlying database handle.
func (q *Queue) Close() error {
	return trace.Wrap(q.db.Close())
}

// Enqueue appends an item, assigning it an id if it does not already
// have one, and returns the effective id.
func (q *Queue) Enqueue(item Item) (string, error) {
	if item.ID == "" {
		item.ID = q.NewID()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = q.Clock.Now().UTC()
	}
	if item.Status == "" {
		item.Status = StatusPending
	}
	if item.Payload == nil {
		item.Payload = map[string]interface{}{}
	}

	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return "", trace.Wrap(err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	_, err = q.db.Exec(`INSERT INTO sync_queue
		(id, item_type, payload, created_at, attempts, last_attempt_at, last_error, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.ItemType, string(payload), item.CreatedAt.Format(time.RFC3339Nano),
		item.Attempts, nullableTime(item.LastAttemptAt), nullString(item.LastError), item.Status)
	if err != nil {
		return "", trace.Wrap(err)
	}

	q.FieldLogger.WithFields(logrus.Fields{
		"id":   item.ID,
		"type": item.ItemType,
	}).Debug("Enqueued item.")
	return item.ID, nil
}

// Peek returns up to limit pending items in FIFO order without
// mutating their status.
func (q *Queue) Peek(limit int) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.Query(`SELECT id, item_type, payload, created_at, attempts,
		last_attempt_at, last_error, status
		FROM sync_queue WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		StatusPending, limit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// GetItem returns a single item by id.
func (q *Queue) GetItem(id string) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	row := q.db.QueryRow(`SELECT id, item_type, payload, created_at, attempts,
		last_attempt_at, last_error, status FROM sync_queue WHERE id = ?`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, trace.NotFound("no queue item %v", id)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return item, nil
}

// Dequeue removes an item after a successful replay.
func (q *Queue) Dequeue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.Exec(`DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return trace.Wrap(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return trace.NotFound("no queue item %v", id)
	}
	q.FieldLogger.WithField("id", id).Debug("Dequeued item.")
	return nil
}

// MarkProcessing transitions an item to processing, incrementing its
// attempt count and stamping last_attempt_at.
func (q *Queue) MarkProcessing(id string) error {
	now := q.Clock.Now().UTC().Format(time.RFC3339Nano)

	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.Exec(`UPDATE sync_queue
		SET status = ?, last_attempt_at = ?, attempts = attempts + 1
		WHERE id = ?`, StatusProcessing, now, id)
	if err != nil {
		return trace.Wrap(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return trace.NotFound("no queue item %v", id)
	}
	return nil
}

// MarkPending transitions an item back to pending for a later retry,
// leaving last_error intact.
func (q *Queue) MarkPending(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.Exec(`UPDATE sync_queue SET status = ? WHERE id = ?`, StatusPending, id)
	if err != nil {
		return trace.Wrap(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return trace.NotFound("no queue item %v", id)
	}
	return nil
}

// MarkFailed marks an item terminally failed with an error message.
func (q *Queue) MarkFailed(id string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.Exec(`UPDATE sync_queue SET status = ?, last_error = ? WHERE id = ?`,
		StatusFailed, reason, id)
	if err != nil {
		return trace.Wrap(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return trace.NotFound("no queue item %v", id)
	}
	q.FieldLogger.WithFields(logrus.Fields{"id": id, "error": reason}).Warn("Queue item marked failed.")
	return nil
}

// GetPendingCount returns the number of pending items.
func (q *Queue) GetPendingCount() (int, error) {
	return q.countByStatus(StatusPending)
}

// GetFailedCount returns the number of terminally failed items.
func (q *Queue) GetFailedCount() (int, error) {
	return q.countByStatus(StatusFailed)
}

func (q *Queue) countByStatus(status string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM sync_queue WHERE status = ?`, status).Scan(&n)
	return n, trace.Wrap(err)
}

// GetFailedItems returns every terminally failed item, oldest first.
func (q *Queue) GetFailedItems() ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.Query(`SELECT id, item_type, payload, created_at, attempts,
		last_attempt_at, last_error, status
		FROM sync_queue WHERE status = ? ORDER BY created_at ASC`, StatusFailed)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// ClearFailed deletes every terminally failed item and returns the
// number removed.
func (q *Queue) ClearFailed() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.Exec(`DELETE FROM sync_queue WHERE status = ?`, StatusFailed)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.FieldLogger.WithField("count", n).Info("Cleared failed queue items.")
	}
	return int(n), nil
}

// RetryFailed resets every failed item back to pending and clears its
// last_error, returning the number reset.
func (q *Queue) RetryFailed() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.Exec(`UPDATE sync_queue SET status = ?, last_error = NULL WHERE status = ?`,
		StatusPending, StatusFailed)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.FieldLogger.WithField("count", n).Info("Reset failed items for retry.")
	}
	return int(n), nil
}

// GetStats returns counts by status.
func (q *Queue) GetStats() (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.Query(`SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return Stats{}, trace.Wrap(err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, trace.Wrap(err)
		}
		switch status {
		case StatusPending:
			stats.Pending = count
		case StatusProcessing:
			stats.Processing = count
		case StatusFailed:
			stats.Failed = count
		}
		stats.Total += count
	}
	return stats, trace.Wrap(rows.Err())
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*Item, error) {
	var it Item
	var payload, createdAt string
	var lastAttemptAt, lastError sql.NullString

	err := row.Scan(&it.ID, &it.ItemType, &payload, &createdAt, &it.Attempts,
		&lastAttemptAt, &lastError, &it.Status)
	if err != nil {
		return nil, err
	}
	it.Payload = map[string]interface{}{}
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &it.Payload); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if it.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, trace.Wrap(err)
	}
	if lastAttemptAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastAttemptAt.String)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		it.LastAttemptAt = &t
	}
	it.LastError = lastError.String
	return &it, nil
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *it)
	}
	return out, trace.Wrap(rows.Err())
}
