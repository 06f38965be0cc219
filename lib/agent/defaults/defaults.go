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

// Package defaults collects the default constants for the site agent
// offline-resilience core: cache TTLs, connectivity thresholds, queue
// tunables and content-cache category policy.
package defaults

import "time"

const (
	// NodeCacheTTL is the default time a node-state cache entry remains
	// fresh before it is considered expired (still served as a stale
	// fallback when central is unreachable).
	NodeCacheTTL = 5 * time.Minute

	// ConnectivityCheckInterval is the default period between central
	// health probes.
	ConnectivityCheckInterval = 30 * time.Second

	// ConnectivityTimeout is the default per-probe HTTP timeout.
	ConnectivityTimeout = 5 * time.Second

	// ConnectivityFailureThreshold is the default number of consecutive
	// probe failures required to transition from online to offline.
	ConnectivityFailureThreshold = 3

	// QueueBatchSize is the default number of items drained per pass.
	QueueBatchSize = 10

	// QueueRetryDelay is the default interval between periodic drains
	// of the queue processor (its PollInterval). In-run retries of a
	// failed queue item use exponential backoff, not this value.
	QueueRetryDelay = 5 * time.Second

	// QueueMaxRetries is the default number of attempts before a queue
	// item is marked terminally failed.
	QueueMaxRetries = 3

	// ReconnectDrainDelay is how long the queue processor waits after a
	// connectivity transition to online before starting the first drain,
	// to let the link stabilize.
	ReconnectDrainDelay = 2 * time.Second

	// ContentCacheMaxSizeGB is the default content cache hard cap.
	ContentCacheMaxSizeGB = 50

	// ContentCacheRetentionDays is the default expiry for non-essential
	// cached entries when a category does not specify its own max age.
	ContentCacheRetentionDays = 30

	// ConflictRetentionDays is the default age after which resolved
	// conflicts may be removed with ClearResolved. No periodic sweep
	// calls ClearResolved.
	ConflictRetentionDays = 30

	// ProxyTimeout is the default outbound HTTP timeout for proxy calls
	// to the central controller.
	ProxyTimeout = 30 * time.Second

	// SanbootDrive is the iPXE local-boot target used by every generated
	// offline script that falls back to local disk.
	SanbootDrive = "0x80"
)

// CategoryPolicy describes the admission and eviction policy of one
// content-cache category.
type CategoryPolicy struct {
	// AlwaysCache marks entries in this category as exempt from
	// eviction and expiry.
	AlwaysCache bool
	// MaxAge is the default expiry applied to new entries in this
	// category; zero means entries never expire.
	MaxAge time.Duration
	// Priority orders eviction: lower priority categories are evicted
	// first, always_cache categories are never evicted.
	Priority int
}

// DefaultCategories are the categories recognized by the content cache
// out of the box, matching the upstream agent's cache taxonomy.
var DefaultCategories = map[string]CategoryPolicy{
	"bootloaders": {AlwaysCache: true, MaxAge: 0, Priority: 100},
	"scripts":     {AlwaysCache: false, MaxAge: 24 * time.Hour, Priority: 10},
	"templates":   {AlwaysCache: false, MaxAge: 7 * 24 * time.Hour, Priority: 50},
	"images":      {AlwaysCache: false, MaxAge: 30 * 24 * time.Hour, Priority: 30},
}
