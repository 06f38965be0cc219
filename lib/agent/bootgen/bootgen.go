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

// Package bootgen generates iPXE boot scripts from cached node state
// when the central controller cannot be reached. Generation is a pure
// function of its inputs apart from reading the current time for the
// offline-duration line; the cached node is passed in. This matters
// because this is the component whose correctness most directly
// affects booting hardware.
package bootgen

import (
	"fmt"
	"strings"
	"time"

	"github.com/gravitational/pureboot-agent/lib/agent/statecache"
)

// DefaultAction controls the behavior for nodes with no cached state.
type DefaultAction string

// Recognized default actions for unknown nodes.
const (
	ActionLocal      DefaultAction = "local"
	ActionDiscovery  DefaultAction = "discovery"
	ActionLastKnown  DefaultAction = "last_known"
)

// HardwareInfo carries the hint fields a booting node reports, used
// only by the discovery script path.
type HardwareInfo struct {
	Vendor string
	Model  string
	Serial string
	UUID   string
}

// Generator produces offline boot scripts from cached node state.
type Generator struct {
	// SiteID names this agent's site in generated banners.
	SiteID string
	// DefaultAction controls behavior for nodes with no cached entry.
	DefaultAction DefaultAction
}

// New creates a Generator. DefaultAction defaults to ActionLocal.
func New(siteID string, defaultAction DefaultAction) *Generator {
	if defaultAction == "" {
		defaultAction = ActionLocal
	}
	return &Generator{SiteID: siteID, DefaultAction: defaultAction}
}

// Generate produces the boot script for mac from node, the cached
// state passed in by the caller (nil when the node is not cached).
// offlineSince is the time the agent's connectivity
// monitor last recorded going offline (the zero time if unknown).
func (g *Generator) Generate(mac string, node *statecache.CachedNode, hw *HardwareInfo, offlineSince time.Time) string {
	mac = statecache.NormalizeMAC(mac)
	if node != nil {
		return g.generateCached(mac, *node, offlineSince)
	}
	return g.generateUnknown(mac, hw, offlineSince)
}

func (g *Generator) generateCached(mac string, node statecache.CachedNode, offlineSince time.Time) string {
	cachedAt := node.CachedAt.Format("2006-01-02 15:04:05 UTC")
	offlineInfo := offlineInfoComment(offlineSince)
	header := g.header(mac)

	switch node.State {
	case "discovered", "pending":
		return header + fmt.Sprintf(`
# Cached State: %s
# Cached At: %s
%s

echo   Node is in '%s' state.
echo   Cannot provision while offline.
echo   Booting from local disk...
echo

sleep 5
sanboot --drive 0x80 || exit
`, node.State, cachedAt, offlineInfo, node.State)

	case "installing":
		return header + fmt.Sprintf(`
# Cached State: %s
# Cached At: %s
%s

echo   *** WARNING ***
echo   Node was in '%s' state when offline began.
echo   Cannot continue installation without central.
echo   Booting from local disk (installation may be incomplete).
echo

sleep 10
sanboot --drive 0x80 || exit
`, node.State, cachedAt, offlineInfo, node.State)

	case "installed", "active":
		return header + fmt.Sprintf(`
# Cached State: %s
# Cached At: %s
%s

echo   Node is in '%s' state.
echo   Booting from local disk...
echo

sleep 3
sanboot --drive 0x80 || exit
`, node.State, cachedAt, offlineInfo, node.State)

	case "reprovision":
		return header + fmt.Sprintf(`
# Cached State: %s
# Cached At: %s
%s

echo   Node is marked for reprovisioning.
echo   Cannot reprovision while offline.
echo   Booting from local disk...
echo

sleep 5
sanboot --drive 0x80 || exit
`, node.State, cachedAt, offlineInfo)

	case "retired":
		return header + fmt.Sprintf(`
# Cached State: %s
# Cached At: %s
%s

echo   Node is retired.
echo   No boot action configured.
echo

sleep 3
exit
`, node.State, cachedAt, offlineInfo)

	default:
		return header + fmt.Sprintf(`
# Cached State: %s (unknown)
# Cached At: %s
%s

echo   Unknown node state: %s
echo   Booting from local disk...
echo

sleep 3
sanboot --drive 0x80 || exit
`, node.State, cachedAt, offlineInfo, node.State)
	}
}

func (g *Generator) generateUnknown(mac string, hw *HardwareInfo, offlineSince time.Time) string {
	switch g.DefaultAction {
	case ActionDiscovery:
		return g.generateDiscovery(mac, hw, offlineSince)
	case ActionLastKnown:
		// Caller is expected to have already attempted a cache
		// lookup before calling Generate with node == nil; when
		// using last_known there is by definition no stale entry
		// either, so fall through to local boot.
	}

	offlineInfo := offlineInfoComment(offlineSince)
	return g.header(mac) + fmt.Sprintf(`
# Node not in cache
%s

echo   This node is not registered.
echo   Cannot register while offline.
echo   Booting from local disk...
echo

sleep 5
sanboot --drive 0x80 || exit
`, offlineInfo)
}

func (g *Generator) generateDiscovery(mac string, hw *HardwareInfo, offlineSince time.Time) string {
	offlineInfo := offlineInfoComment(offlineSince)
	vendor, model, serial, uuid := "${manufacturer:undef}", "${product:undef}", "${serial:undef}", "${uuid:undef}"
	if hw != nil {
		vendor, model, serial, uuid = orUndef(hw.Vendor, vendor), orUndef(hw.Model, model), orUndef(hw.Serial, serial), orUndef(hw.UUID, uuid)
	}

	return g.header(mac) + fmt.Sprintf(`
# Discovery Mode (Offline)
%s

echo   Running offline discovery...
echo
echo   MAC Address: %s
echo   Vendor: %s
echo   Model: %s
echo   Serial: %s
echo   UUID: %s
echo
echo   Discovery data is shown here only and is not sent to central.
echo   Booting from local disk...
echo

sleep 10
sanboot --drive 0x80 || exit
`, offlineInfo, mac, vendor, model, serial, uuid)
}

func orUndef(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func (g *Generator) header(mac string) string {
	return fmt.Sprintf(`#!ipxe
# PureBoot Site Agent - OFFLINE MODE
# MAC: %s
# Site: %s

echo
echo *** PureBoot Site Agent - OFFLINE ***
echo
echo   Central controller is unreachable.
echo   Operating from cached state.
echo
`, mac, g.SiteID)
}

func offlineInfoComment(offlineSince time.Time) string {
	if offlineSince.IsZero() {
		return "# Offline Duration: Unknown"
	}
	sinceStr := offlineSince.Format("2006-01-02 15:04:05 UTC")
	duration := time.Since(offlineSince)
	hours := int(duration.Hours())
	minutes := int(duration.Minutes()) % 60
	return fmt.Sprintf("# Offline Since: %s (%dh %dm)", sinceStr, hours, minutes)
}

// LocalBoot renders a minimal local-boot script outside the
// cached-state path, for callers that need a boot response without
// consulting the state cache (e.g. a local policy override).
func LocalBoot(mac, siteID, reason string) string {
	reasonLine := ""
	if reason != "" {
		reasonLine = "echo   Reason: " + reason
	}
	return fmt.Sprintf(`#!ipxe
# PureBoot Site Agent - Local Boot
# MAC: %s
# Site: %s

echo
echo *** PureBoot - Local Boot ***
echo
%s
echo   Booting from local disk...
echo

sleep 2
sanboot --drive 0x80 || exit
`, mac, siteID, reasonLine)
}

// MaintenanceMode renders a maintenance-mode boot script.
func MaintenanceMode(mac, siteID, message string) string {
	if message == "" {
		message = "System under maintenance."
	}
	return fmt.Sprintf(`#!ipxe
# PureBoot Site Agent - Maintenance Mode
# MAC: %s
# Site: %s

echo
echo *** PureBoot - MAINTENANCE MODE ***
echo
echo   %s
echo   Booting from local disk...
echo

sleep 5
sanboot --drive 0x80 || exit
`, mac, siteID, message)
}

// ErrorScript renders a boot script surfacing an unrecoverable error
// before falling back to local disk.
func ErrorScript(mac, siteID, errMsg string) string {
	return fmt.Sprintf(`#!ipxe
# PureBoot Site Agent - Error
# MAC: %s
# Site: %s

echo
echo *** PureBoot - ERROR ***
echo
echo   Error: %s
echo   Booting from local disk...
echo

sleep 10
sanboot --drive 0x80 || exit
`, mac, siteID, strings.TrimSpace(errMsg))
}
