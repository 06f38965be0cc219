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

package bootgen

import (
	"strings"
	"testing"
	"time"

	"github.com/gravitational/pureboot-agent/lib/agent/statecache"

	"github.com/stretchr/testify/require"
)

func TestGenerateAlwaysProducesValidIPXEHeader(t *testing.T) {
	g := New("site-1", ActionLocal)

	script := g.Generate("AA-BB-CC-DD-EE-FF", nil, nil, time.Time{})
	require.True(t, strings.HasPrefix(script, "#!ipxe"))
	require.Contains(t, script, "aa:bb:cc:dd:ee:ff")
}

func TestGenerateUnknownNodeDefaultsToLocalBoot(t *testing.T) {
	g := New("site-1", ActionLocal)

	script := g.Generate("aa:bb:cc:dd:ee:ff", nil, nil, time.Time{})
	require.Contains(t, script, "not registered")
	require.Contains(t, script, "sanboot --drive 0x80")
}

func TestGenerateUnknownNodeDiscoveryMode(t *testing.T) {
	g := New("site-1", ActionDiscovery)

	hw := &HardwareInfo{Vendor: "Dell Inc.", Model: "PowerEdge R640"}
	script := g.Generate("aa:bb:cc:dd:ee:ff", nil, hw, time.Time{})
	require.Contains(t, script, "Discovery Mode")
	require.Contains(t, script, "Dell Inc.")
	require.Contains(t, script, "PowerEdge R640")
}

func TestGenerateCachedStateInstalling(t *testing.T) {
	g := New("site-1", ActionLocal)

	node := &statecache.CachedNode{MACAddress: "aa:bb:cc:dd:ee:ff", State: "installing"}
	script := g.Generate("aa:bb:cc:dd:ee:ff", node, nil, time.Time{})
	require.Contains(t, script, "WARNING")
	require.Contains(t, script, "installation may be incomplete")
}

func TestGenerateCachedStateRetiredHasNoSanboot(t *testing.T) {
	g := New("site-1", ActionLocal)

	node := &statecache.CachedNode{MACAddress: "aa:bb:cc:dd:ee:ff", State: "retired"}
	script := g.Generate("aa:bb:cc:dd:ee:ff", node, nil, time.Time{})
	require.Contains(t, script, "retired")
	require.NotContains(t, script, "sanboot")
}

func TestGenerateIncludesOfflineDuration(t *testing.T) {
	g := New("site-1", ActionLocal)

	since := time.Now().Add(-90 * time.Minute)
	node := &statecache.CachedNode{MACAddress: "aa:bb:cc:dd:ee:ff", State: "active"}
	script := g.Generate("aa:bb:cc:dd:ee:ff", node, nil, since)
	require.Contains(t, script, "Offline Since")
	require.Contains(t, script, "1h")
}

func TestStaticScripts(t *testing.T) {
	require.Contains(t, LocalBoot("aa:bb:cc:dd:ee:ff", "site-1", "policy override"), "policy override")
	require.Contains(t, MaintenanceMode("aa:bb:cc:dd:ee:ff", "site-1", ""), "under maintenance")
	require.Contains(t, ErrorScript("aa:bb:cc:dd:ee:ff", "site-1", "disk full"), "disk full")
}
