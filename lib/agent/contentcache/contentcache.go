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

// Package contentcache implements the categorized, size-bounded
// on-disk store for boot files and templates the agent mirrors from
// central so it can keep serving them while offline.
package contentcache

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/pureboot-agent/lib/agent/defaults"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Policy is the admission policy governing which (category, path)
// pairs may be cached.
type Policy string

// Recognized cache policies.
const (
	PolicyMinimal  Policy = "minimal"
	PolicyAssigned Policy = "assigned"
	PolicyMirror   Policy = "mirror"
	PolicyPattern  Policy = "pattern"
)

const metadataFile = ".cache_meta.json"

// Entry is the metadata recorded for one cached file.
type Entry struct {
	Path         string    `json:"path"`
	Category     string    `json:"category"`
	SizeBytes    int64     `json:"size_bytes"`
	CachedAt     time.Time `json:"cached_at"`
	LastAccessed time.Time `json:"last_accessed"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// Stats summarizes cache usage.
type Stats struct {
	TotalSizeBytes int64
	MaxSizeBytes   int64
	UsagePercent   float64
	TotalEntries   int
	Categories     map[string]CategoryStats
}

// CategoryStats is the per-category breakdown within Stats.
type CategoryStats struct {
	Count     int
	SizeBytes int64
}

// Config configures a Cache.
type Config struct {
	// Dir is the cache's root directory.
	Dir string
	// MaxSizeBytes is the hard cap on aggregate cached content size.
	MaxSizeBytes int64
	// DefaultPolicy governs admission for categories with no explicit
	// always_cache marker.
	DefaultPolicy Policy
	// Patterns is the glob list consulted when DefaultPolicy is
	// PolicyPattern.
	Patterns []string
	// Categories is the per-category policy table; defaults to
	// defaults.DefaultCategories.
	Categories map[string]defaults.CategoryPolicy
	// Clock is the time source; defaults to the real clock.
	Clock clockwork.Clock
	// FieldLogger is the logger used for cache events.
	FieldLogger logrus.FieldLogger
}

// CheckAndSetDefaults validates the configuration and fills in
// defaults for unset fields.
func (c *Config) CheckAndSetDefaults() error {
	if c.Dir == "" {
		return trace.BadParameter("missing Dir parameter")
	}
	if c.MaxSizeBytes == 0 {
		c.MaxSizeBytes = defaults.ContentCacheMaxSizeGB * 1024 * 1024 * 1024
	}
	if c.DefaultPolicy == "" {
		c.DefaultPolicy = PolicyMinimal
	}
	if c.Categories == nil {
		c.Categories = defaults.DefaultCategories
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.FieldLogger == nil {
		c.FieldLogger = logrus.WithField(trace.Component, "contentcache")
	}
	return nil
}

// Cache is the categorized, size-bounded file store.
type Cache struct {
	Config
	mu       sync.Mutex
	metadata map[string]*Entry
}

// New creates category directories, recovers any stray .tmp files
// from an interrupted write, and loads the metadata sidecar.
func New(cfg Config) (*Cache, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	for category := range cfg.Categories {
		if err := os.MkdirAll(filepath.Join(cfg.Dir, category), 0755); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	c := &Cache{Config: cfg, metadata: map[string]*Entry{}}
	if err := c.recoverStrayTemp(); err != nil {
		cfg.FieldLogger.WithError(err).Warn("Failed to sweep stray temp files.")
	}
	if err := c.loadMetadata(); err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.FieldLogger.WithFields(logrus.Fields{
		"dir":    cfg.Dir,
		"policy": cfg.DefaultPolicy,
		"max_gb": cfg.MaxSizeBytes / (1024 * 1024 * 1024),
	}).Info("Content cache initialized.")
	return c, nil
}

func (c *Cache) recoverStrayTemp() error {
	return filepath.Walk(c.Dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".tmp") {
			os.Remove(path)
		}
		return nil
	})
}

func (c *Cache) metaPath() string {
	return filepath.Join(c.Dir, metadataFile)
}

func (c *Cache) loadMetadata() error {
	data, err := ioutil.ReadFile(c.metaPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return trace.Wrap(err)
	}
	var raw map[string]*Entry
	if err := json.Unmarshal(data, &raw); err != nil {
		// Cache metadata is a cache of filesystem truth: on parse
		// failure it is discarded and rebuilt empty, not fatal.
		c.FieldLogger.WithError(err).Warn("Failed to load cache metadata, rebuilding empty.")
		return nil
	}
	c.metadata = raw
	return nil
}

func (c *Cache) saveMetadataLocked() error {
	data, err := json.MarshalIndent(c.metadata, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(ioutil.WriteFile(c.metaPath(), data, 0644))
}

func cacheKey(category, path string) string {
	return category + "/" + path
}

// filePath returns the sandboxed on-disk location for (category,
// path), stripping ".." segments so a caller cannot escape the
// category directory.
func (c *Cache) filePath(category, path string) string {
	safe := strings.ReplaceAll(strings.TrimLeft(path, "/"), "..", "")
	return filepath.Join(c.Dir, category, safe)
}

// Get returns the on-disk path of a cached entry if it exists and has
// not expired, refreshing last_accessed. Expired entries are evicted
// in-line.
func (c *Cache) Get(category, path string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(category, path)
	filePath := c.filePath(category, path)

	if _, err := os.Stat(filePath); err != nil {
		delete(c.metadata, key)
		return "", trace.NotFound("no cached entry for %v", key)
	}

	entry, ok := c.metadata[key]
	if ok {
		if entry.ExpiresAt != nil && c.Clock.Now().UTC().After(*entry.ExpiresAt) {
			c.evictLocked(category, path)
			return "", trace.NotFound("cache entry expired for %v", key)
		}
		entry.LastAccessed = c.Clock.Now().UTC()
		if err := c.saveMetadataLocked(); err != nil {
			return "", trace.Wrap(err)
		}
	}
	return filePath, nil
}

// Put writes content atomically (temp file then rename) after
// verifying policy admission and reclaiming space if needed.
func (c *Cache) Put(category, path string, content []byte, expiresIn time.Duration) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.shouldCacheLocked(category, path) {
		return "", trace.BadParameter("cache policy does not allow caching %v/%v", category, path)
	}

	now := c.Clock.Now().UTC()
	var expiresAt *time.Time
	if expiresIn > 0 {
		t := now.Add(expiresIn)
		expiresAt = &t
	} else if cat, ok := c.Categories[category]; ok && cat.MaxAge > 0 {
		t := now.Add(cat.MaxAge)
		expiresAt = &t
	} else if !cat.AlwaysCache {
		t := now.Add(defaults.ContentCacheRetentionDays * 24 * time.Hour)
		expiresAt = &t
	}

	if err := c.ensureSpaceLocked(int64(len(content))); err != nil {
		return "", trace.Wrap(err)
	}

	filePath := c.filePath(category, path)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return "", trace.Wrap(err)
	}

	tmpPath := filePath + ".tmp"
	if err := ioutil.WriteFile(tmpPath, content, 0644); err != nil {
		os.Remove(tmpPath)
		return "", trace.Wrap(err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return "", trace.Wrap(err)
	}

	key := cacheKey(category, path)
	c.metadata[key] = &Entry{
		Path:         path,
		Category:     category,
		SizeBytes:    int64(len(content)),
		CachedAt:     now,
		LastAccessed: now,
		ExpiresAt:    expiresAt,
	}
	if err := c.saveMetadataLocked(); err != nil {
		return "", trace.Wrap(err)
	}

	c.FieldLogger.WithFields(logrus.Fields{
		"key":   key,
		"bytes": len(content),
	}).Debug("Cached content.")
	return filePath, nil
}

// ShouldCache evaluates the admission policy for (category, path).
func (c *Cache) ShouldCache(category, path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shouldCacheLocked(category, path)
}

func (c *Cache) shouldCacheLocked(category, path string) bool {
	if cat, ok := c.Categories[category]; ok && cat.AlwaysCache {
		return true
	}
	switch c.DefaultPolicy {
	case PolicyMinimal:
		return false
	case PolicyAssigned, PolicyMirror:
		return true
	case PolicyPattern:
		full := category + "/" + path
		for _, pattern := range c.Patterns {
			if ok, _ := filepath.Match(pattern, full); ok {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Evict removes a single entry.
func (c *Cache) Evict(category, path string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked(category, path)
}

func (c *Cache) evictLocked(category, path string) (bool, error) {
	key := cacheKey(category, path)
	filePath := c.filePath(category, path)

	deleted := false
	if err := os.Remove(filePath); err == nil {
		deleted = true
	} else if !os.IsNotExist(err) {
		return false, trace.Wrap(err)
	}

	if _, ok := c.metadata[key]; ok {
		delete(c.metadata, key)
		if err := c.saveMetadataLocked(); err != nil {
			return deleted, trace.Wrap(err)
		}
	}
	if deleted {
		c.FieldLogger.WithField("key", key).Debug("Evicted cache entry.")
	}
	return deleted, nil
}

// EvictExpired removes every entry whose ExpiresAt has passed.
func (c *Cache) EvictExpired() (int, error) {
	c.mu.Lock()
	now := c.Clock.Now().UTC()
	var expired []Entry
	for _, e := range c.metadata {
		if e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			expired = append(expired, *e)
		}
	}
	c.mu.Unlock()

	count := 0
	for _, e := range expired {
		ok, err := c.Evict(e.Category, e.Path)
		if err != nil {
			return count, trace.Wrap(err)
		}
		if ok {
			count++
		}
	}
	if count > 0 {
		c.FieldLogger.WithField("count", count).Info("Evicted expired cache entries.")
	}
	return count, nil
}

// ensureSpaceLocked evicts entries, lowest priority and
// least-recently-used first, until there is room for needed bytes.
// Entries in always_cache categories are never evicted.
func (c *Cache) ensureSpaceLocked(needed int64) error {
	current := c.totalSizeLocked()
	if current+needed <= c.MaxSizeBytes {
		return nil
	}

	entries := make([]*Entry, 0, len(c.metadata))
	for _, e := range c.metadata {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		pi := c.Categories[entries[i].Category].Priority
		pj := c.Categories[entries[j].Category].Priority
		if pi != pj {
			return pi < pj
		}
		return entries[i].LastAccessed.Before(entries[j].LastAccessed)
	})

	target := c.MaxSizeBytes - needed
	for _, e := range entries {
		if current <= target {
			break
		}
		if cat, ok := c.Categories[e.Category]; ok && cat.AlwaysCache {
			continue
		}
		key := cacheKey(e.Category, e.Path)
		filePath := c.filePath(e.Category, e.Path)
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			return trace.Wrap(err)
		}
		delete(c.metadata, key)
		current -= e.SizeBytes
	}
	if err := c.saveMetadataLocked(); err != nil {
		return trace.Wrap(err)
	}
	if current+needed > c.MaxSizeBytes {
		return trace.LimitExceeded("cache full, no evictable entries for %v bytes", needed)
	}
	return nil
}

func (c *Cache) totalSizeLocked() int64 {
	var total int64
	for _, e := range c.metadata {
		total += e.SizeBytes
	}
	return total
}

// GetTotalSize returns the current aggregate cached size in bytes.
func (c *Cache) GetTotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalSizeLocked()
}

// GetStats returns aggregate and per-category usage.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		MaxSizeBytes: c.MaxSizeBytes,
		TotalEntries: len(c.metadata),
		Categories:   map[string]CategoryStats{},
	}
	for _, e := range c.metadata {
		stats.TotalSizeBytes += e.SizeBytes
		cs := stats.Categories[e.Category]
		cs.Count++
		cs.SizeBytes += e.SizeBytes
		stats.Categories[e.Category] = cs
	}
	if c.MaxSizeBytes > 0 {
		stats.UsagePercent = float64(stats.TotalSizeBytes) / float64(c.MaxSizeBytes) * 100
	}
	return stats
}

// ListEntries returns cache entries, optionally filtered by category,
// newest first.
func (c *Cache) ListEntries(category string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var entries []Entry
	for _, e := range c.metadata {
		if category != "" && e.Category != category {
			continue
		}
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CachedAt.After(entries[j].CachedAt)
	})
	return entries
}

// Clear removes every entry, optionally scoped to one category, and
// returns the number removed.
func (c *Cache) Clear(category string) (int, error) {
	c.mu.Lock()
	var targets []Entry
	for _, e := range c.metadata {
		if category == "" || e.Category == category {
			targets = append(targets, *e)
		}
	}
	c.mu.Unlock()

	count := 0
	for _, e := range targets {
		ok, err := c.Evict(e.Category, e.Path)
		if err != nil {
			return count, trace.Wrap(err)
		}
		if ok {
			count++
		}
	}
	c.FieldLogger.WithField("count", count).Info("Cleared content cache entries.")
	return count, nil
}
