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

package statecache

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, clockwork.FakeClock, func()) {
	dir, err := ioutil.TempDir("", "statecache-test")
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	cache, err := New(Config{
		Path:       filepath.Join(dir, "nodes.db"),
		DefaultTTL: time.Hour,
		Clock:      clock,
	})
	require.NoError(t, err)

	return cache, clock, func() {
		cache.Close()
		os.RemoveAll(dir)
	}
}

func TestNormalizeMAC(t *testing.T) {
	tests := []struct{ in, out string }{
		{"AA-BB-CC-DD-EE-FF", "aa:bb:cc:dd:ee:ff"},
		{"aa:bb:cc:dd:ee:ff", "aa:bb:cc:dd:ee:ff"},
		{"AA:BB:CC:DD:EE:FF", "aa:bb:cc:dd:ee:ff"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.out, NormalizeMAC(tt.in))
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	cache, _, cleanup := newTestCache(t)
	defer cleanup()

	node := CachedNode{
		MACAddress: "AA-BB-CC-DD-EE-FF",
		State:      "installed",
		RawData:    map[string]interface{}{"foo": "bar"},
	}
	_, err := cache.Put(node)
	require.NoError(t, err)

	got, err := cache.Get("aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)
	require.Equal(t, "installed", got.State)
	require.Equal(t, "bar", got.RawData["foo"])
}

func TestGetMissing(t *testing.T) {
	cache, _, cleanup := newTestCache(t)
	defer cleanup()

	_, err := cache.Get("00:11:22:33:44:55")
	require.Error(t, err)
	require.True(t, trace.IsNotFound(err))
}

func TestExpiryAndEviction(t *testing.T) {
	cache, clock, cleanup := newTestCache(t)
	defer cleanup()

	_, err := cache.Put(CachedNode{MACAddress: "aa:bb:cc:dd:ee:ff", State: "active"}, PutOptions{TTL: time.Minute})
	require.NoError(t, err)

	node, err := cache.Get("aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)
	require.False(t, node.IsExpired(clock))

	clock.Advance(2 * time.Minute)

	node, err = cache.Get("aa:bb:cc:dd:ee:ff")
	require.NoError(t, err, "expired entries are still returned, not hidden")
	require.True(t, node.IsExpired(clock))

	n, err := cache.EvictExpired()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = cache.Get("aa:bb:cc:dd:ee:ff")
	require.Error(t, err)
}

func TestGetByGroup(t *testing.T) {
	cache, _, cleanup := newTestCache(t)
	defer cleanup()

	_, err := cache.Put(CachedNode{MACAddress: "aa:aa:aa:aa:aa:aa", State: "active", GroupID: "rack-1"})
	require.NoError(t, err)
	_, err = cache.Put(CachedNode{MACAddress: "bb:bb:bb:bb:bb:bb", State: "active", GroupID: "rack-1"})
	require.NoError(t, err)
	_, err = cache.Put(CachedNode{MACAddress: "cc:cc:cc:cc:cc:cc", State: "active", GroupID: "rack-2"})
	require.NoError(t, err)

	nodes, err := cache.GetByGroup("rack-1")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
}

func TestInvalidate(t *testing.T) {
	cache, _, cleanup := newTestCache(t)
	defer cleanup()

	_, err := cache.Put(CachedNode{MACAddress: "aa:bb:cc:dd:ee:ff", State: "active"})
	require.NoError(t, err)

	require.NoError(t, cache.Invalidate("aa:bb:cc:dd:ee:ff"))
	require.Error(t, cache.Invalidate("aa:bb:cc:dd:ee:ff"))
}

func TestGetStats(t *testing.T) {
	cache, clock, cleanup := newTestCache(t)
	defer cleanup()

	_, err := cache.Put(CachedNode{MACAddress: "aa:aa:aa:aa:aa:aa", State: "active"}, PutOptions{TTL: time.Minute})
	require.NoError(t, err)
	_, err = cache.Put(CachedNode{MACAddress: "bb:bb:bb:bb:bb:bb", State: "active"}, PutOptions{TTL: time.Hour})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	stats, err := cache.GetStats()
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalEntries)
	require.Equal(t, 1, stats.ExpiredEntries)
	require.Equal(t, 1, stats.ValidEntries)
}
