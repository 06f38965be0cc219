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

package queueprocessor

import (
	"context"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gravitational/pureboot-agent/lib/agent/proxy"
	"github.com/gravitational/pureboot-agent/lib/agent/statecache"
	"github.com/gravitational/pureboot-agent/lib/agent/syncqueue"

	"github.com/stretchr/testify/require"
)

func newTestProcessor(t *testing.T, centralURL string) (*Processor, *syncqueue.Queue, func()) {
	dir, err := ioutil.TempDir("", "queueprocessor-test")
	require.NoError(t, err)

	cache, err := statecache.New(statecache.Config{Path: filepath.Join(dir, "nodes.db")})
	require.NoError(t, err)

	var qn int
	queue, err := syncqueue.New(syncqueue.Config{
		Path: filepath.Join(dir, "queue.db"),
		NewID: func() string {
			qn++
			return "q-" + strconv.Itoa(qn)
		},
	})
	require.NoError(t, err)

	var pn int
	p, err := proxy.New(proxy.Config{
		CentralURL: centralURL,
		StateCache: cache,
		Queue:      queue,
		NewID: func() string {
			pn++
			return "p-" + strconv.Itoa(pn)
		},
	})
	require.NoError(t, err)

	processor, err := New(Config{
		Queue:       queue,
		Proxy:       p,
		BatchSize:   10,
		MaxAttempts: 2,
	})
	require.NoError(t, err)

	return processor, queue, func() {
		cache.Close()
		queue.Close()
		os.RemoveAll(dir)
	}
}

func TestDrainOnceReplaysAndDequeues(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	processor, queue, cleanup := newTestProcessor(t, srv.URL)
	defer cleanup()

	_, err := queue.Enqueue(syncqueue.Item{
		ItemType: syncqueue.ItemEvent,
		Payload:  map[string]interface{}{"mac_address": "aa:bb:cc:dd:ee:ff", "node_id": "node-1", "event_type": "boot"},
	})
	require.NoError(t, err)

	results := processor.DrainOnce(context.Background())
	require.Len(t, results, 1)
	require.True(t, results[0].Success)

	count, err := queue.GetPendingCount()
	require.NoError(t, err)
	require.Equal(t, 0, count)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDrainOnceMarksFailedAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	processor, queue, cleanup := newTestProcessor(t, srv.URL)
	defer cleanup()

	_, err := queue.Enqueue(syncqueue.Item{
		ItemType: syncqueue.ItemEvent,
		Payload:  map[string]interface{}{"mac_address": "aa:bb:cc:dd:ee:ff", "node_id": "node-1", "event_type": "boot"},
	})
	require.NoError(t, err)

	// MaxAttempts is 2: the first pass returns the item to pending and
	// the same drain picks it up again; the second pass marks it failed.
	results := processor.DrainOnce(context.Background())
	require.Len(t, results, 2)
	require.False(t, results[0].Success)

	failed, err := queue.GetFailedItems()
	require.NoError(t, err)
	require.Len(t, failed, 1)
}

func TestDrainOnceIsSingleFlighted(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	processor, queue, cleanup := newTestProcessor(t, srv.URL)
	defer cleanup()

	_, err := queue.Enqueue(syncqueue.Item{
		ItemType: syncqueue.ItemEvent,
		Payload:  map[string]interface{}{"mac_address": "aa:bb:cc:dd:ee:ff", "node_id": "node-1", "event_type": "boot"},
	})
	require.NoError(t, err)

	done := make(chan []Result, 1)
	go func() { done <- processor.DrainOnce(context.Background()) }()

	// Give the first drain time to mark the item processing before the
	// second, concurrent call observes the single-flight guard.
	time.Sleep(50 * time.Millisecond)
	second := processor.DrainOnce(context.Background())
	require.Nil(t, second, "a concurrent drain must be a no-op")

	close(block)
	first := <-done
	require.Len(t, first, 1)
}
