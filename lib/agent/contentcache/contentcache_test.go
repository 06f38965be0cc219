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

package contentcache

import (
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, maxSize int64) (*Cache, clockwork.FakeClock, func()) {
	dir, err := ioutil.TempDir("", "contentcache-test")
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	cache, err := New(Config{
		Dir:           dir,
		MaxSizeBytes:  maxSize,
		DefaultPolicy: PolicyMirror,
		Clock:         clock,
	})
	require.NoError(t, err)

	return cache, clock, func() { os.RemoveAll(dir) }
}

func TestPutGetRoundTrip(t *testing.T) {
	cache, _, cleanup := newTestCache(t, 1024*1024)
	defer cleanup()

	path, err := cache.Put("scripts", "boot.ipxe", []byte("#!ipxe\n"), 0)
	require.NoError(t, err)

	got, err := cache.Get("scripts", "boot.ipxe")
	require.NoError(t, err)
	require.Equal(t, path, got)

	data, err := ioutil.ReadFile(got)
	require.NoError(t, err)
	require.Equal(t, "#!ipxe\n", string(data))
}

func TestShouldCacheRespectsPolicy(t *testing.T) {
	dir, err := ioutil.TempDir("", "contentcache-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	cache, err := New(Config{Dir: dir, DefaultPolicy: PolicyMinimal})
	require.NoError(t, err)

	require.False(t, cache.ShouldCache("scripts", "anything"))
	// bootloaders is always_cache in the default category table and
	// must be admitted regardless of the minimal default policy.
	require.True(t, cache.ShouldCache("bootloaders", "undionly.kpxe"))
}

func TestExpiryEviction(t *testing.T) {
	cache, clock, cleanup := newTestCache(t, 1024*1024)
	defer cleanup()

	_, err := cache.Put("templates", "a.tmpl", []byte("data"), time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	_, err = cache.Get("templates", "a.tmpl")
	require.Error(t, err)
}

func TestEvictionUnderPressureSkipsAlwaysCache(t *testing.T) {
	cache, clock, cleanup := newTestCache(t, 20)
	defer cleanup()

	// bootloaders is always_cache: it must survive eviction pressure
	// even though it is the oldest, least-recently-used entry.
	_, err := cache.Put("bootloaders", "undionly.kpxe", []byte("0123456789"), 0)
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = cache.Put("scripts", "one.ipxe", []byte("0123456789"), 0)
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = cache.Put("scripts", "two.ipxe", []byte("0123456789"), 0)
	require.NoError(t, err)

	_, err = cache.Get("bootloaders", "undionly.kpxe")
	require.NoError(t, err, "always_cache entries must never be evicted")

	_, err = cache.Get("scripts", "one.ipxe")
	require.Error(t, err, "oldest evictable entry must be reclaimed first")
}

func TestEvictionExhaustedReturnsLimitExceeded(t *testing.T) {
	cache, _, cleanup := newTestCache(t, 15)
	defer cleanup()

	_, err := cache.Put("bootloaders", "undionly.kpxe", []byte("0123456789"), 0)
	require.NoError(t, err)

	_, err = cache.Put("scripts", "too-big.ipxe", []byte("0123456789"), 0)
	require.Error(t, err)
	require.True(t, trace.IsLimitExceeded(err))
}

func TestGetStats(t *testing.T) {
	cache, _, cleanup := newTestCache(t, 1024*1024)
	defer cleanup()

	_, err := cache.Put("scripts", "a.ipxe", []byte("12345"), 0)
	require.NoError(t, err)

	stats := cache.GetStats()
	require.Equal(t, int64(5), stats.TotalSizeBytes)
	require.Equal(t, 1, stats.TotalEntries)
	require.Equal(t, 1, stats.Categories["scripts"].Count)
}
