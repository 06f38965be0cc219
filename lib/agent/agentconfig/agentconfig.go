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

// Package agentconfig loads and validates the on-disk YAML
// configuration for a site agent, translating it into the Config
// structs each component package expects.
package agentconfig

import (
	"io/ioutil"
	"time"

	"github.com/gravitational/pureboot-agent/lib/agent/bootgen"
	"github.com/gravitational/pureboot-agent/lib/agent/defaults"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v2"
)

// Config is the on-disk configuration for a site agent.
type Config struct {
	// SiteID identifies this site to central and appears in generated
	// boot script banners.
	SiteID string `yaml:"site_id"`
	// CentralURL is the base URL of the central controller.
	CentralURL string `yaml:"central_url"`
	// ListenAddr is the address the agent's HTTP server binds.
	ListenAddr string `yaml:"listen_addr"`
	// PublicURL is the base URL hardware on this site uses to reach
	// this agent, e.g. http://10.0.0.5:8080. It is substituted for
	// CentralURL inside boot scripts proxied from central so that
	// cached TFTP assets are fetched from this agent instead of being
	// re-fetched from central on every boot.
	PublicURL string `yaml:"public_url"`
	// DataDir holds the SQLite state/queue/conflict databases.
	DataDir string `yaml:"data_dir"`
	// CacheDir holds cached boot content.
	CacheDir string `yaml:"cache_dir"`
	// DefaultBootAction controls boot behavior for nodes with no
	// cached state.
	DefaultBootAction bootgen.DefaultAction `yaml:"default_boot_action"`

	// ConnectivityCheckInterval is the period between central probes.
	ConnectivityCheckInterval time.Duration `yaml:"connectivity_check_interval"`
	// ConnectivityTimeout bounds each probe.
	ConnectivityTimeout time.Duration `yaml:"connectivity_timeout"`
	// ConnectivityFailureThreshold is consecutive failures required to
	// declare the link offline.
	ConnectivityFailureThreshold int `yaml:"connectivity_failure_threshold"`

	// QueueBatchSize bounds items pulled per drain iteration.
	QueueBatchSize int `yaml:"queue_batch_size"`
	// QueuePollInterval is how often the queue processor drains while
	// online, independent of reconnect events.
	QueuePollInterval time.Duration `yaml:"queue_poll_interval"`
	// QueueMaxAttempts bounds in-run dispatch retries and is the attempt
	// count at which a still-failing item is marked failed.
	QueueMaxAttempts int `yaml:"queue_max_attempts"`
	// ReconnectDrainDelay is how long to wait after reconnecting
	// before draining the queue.
	ReconnectDrainDelay time.Duration `yaml:"reconnect_drain_delay"`

	// ContentCacheMaxSizeGB bounds aggregate cached content size.
	ContentCacheMaxSizeGB int64 `yaml:"content_cache_max_size_gb"`
	// ContentCachePolicy is the default admission policy for
	// categories without an explicit always_cache marker.
	ContentCachePolicy string `yaml:"content_cache_policy"`

	// NodeCacheTTL bounds how long node state is served as current
	// before being treated as a stale fallback.
	NodeCacheTTL time.Duration `yaml:"node_cache_ttl"`
	// ConflictRetentionDays is the age passed to ClearResolved for
	// removing resolved conflicts. The agent does not call
	// ClearResolved itself; no periodic sweep prunes conflicts.
	ConflictRetentionDays int `yaml:"conflict_retention_days"`
}

// CheckAndSetDefaults validates the configuration and fills in
// defaults for unset fields.
func (c *Config) CheckAndSetDefaults() error {
	if c.SiteID == "" {
		return trace.BadParameter("missing site_id parameter")
	}
	if c.CentralURL == "" {
		return trace.BadParameter("missing central_url parameter")
	}
	if c.DataDir == "" {
		return trace.BadParameter("missing data_dir parameter")
	}
	if c.CacheDir == "" {
		return trace.BadParameter("missing cache_dir parameter")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.PublicURL == "" {
		c.PublicURL = "http://" + c.ListenAddr
	}
	if c.DefaultBootAction == "" {
		c.DefaultBootAction = bootgen.ActionLocal
	}
	if c.ConnectivityCheckInterval == 0 {
		c.ConnectivityCheckInterval = defaults.ConnectivityCheckInterval
	}
	if c.ConnectivityTimeout == 0 {
		c.ConnectivityTimeout = defaults.ConnectivityTimeout
	}
	if c.ConnectivityFailureThreshold == 0 {
		c.ConnectivityFailureThreshold = defaults.ConnectivityFailureThreshold
	}
	if c.QueueBatchSize == 0 {
		c.QueueBatchSize = defaults.QueueBatchSize
	}
	if c.QueuePollInterval == 0 {
		c.QueuePollInterval = defaults.QueueRetryDelay
	}
	if c.QueueMaxAttempts == 0 {
		c.QueueMaxAttempts = defaults.QueueMaxRetries
	}
	if c.ReconnectDrainDelay == 0 {
		c.ReconnectDrainDelay = defaults.ReconnectDrainDelay
	}
	if c.ContentCacheMaxSizeGB == 0 {
		c.ContentCacheMaxSizeGB = defaults.ContentCacheMaxSizeGB
	}
	if c.ContentCachePolicy == "" {
		c.ContentCachePolicy = "minimal"
	}
	if c.NodeCacheTTL == 0 {
		c.NodeCacheTTL = defaults.NodeCacheTTL
	}
	if c.ConflictRetentionDays == 0 {
		c.ConflictRetentionDays = defaults.ConflictRetentionDays
	}
	return nil
}

// Load reads and validates a Config from a YAML file at path.
func Load(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err, "failed to read agent config %v", path)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, trace.Wrap(err, "failed to parse agent config %v", path)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}

// Save marshals the configuration and writes it to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(ioutil.WriteFile(path, data, 0644))
}
