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

package syncqueue

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, func()) {
	dir, err := ioutil.TempDir("", "syncqueue-test")
	require.NoError(t, err)

	var n int
	queue, err := New(Config{
		Path:  filepath.Join(dir, "queue.db"),
		Clock: clockwork.NewFakeClock(),
		NewID: func() string {
			n++
			return "id-" + strconv.Itoa(n)
		},
	})
	require.NoError(t, err)

	return queue, func() {
		queue.Close()
		os.RemoveAll(dir)
	}
}

func TestEnqueuePeekFIFO(t *testing.T) {
	queue, cleanup := newTestQueue(t)
	defer cleanup()

	for i := 0; i < 3; i++ {
		_, err := queue.Enqueue(Item{ItemType: ItemEvent, Payload: map[string]interface{}{"n": i}})
		require.NoError(t, err)
	}

	items, err := queue.Peek(10)
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, float64(0), items[0].Payload["n"])
	require.Equal(t, float64(1), items[1].Payload["n"])
	require.Equal(t, float64(2), items[2].Payload["n"])
}

func TestDequeueRemovesItem(t *testing.T) {
	queue, cleanup := newTestQueue(t)
	defer cleanup()

	id, err := queue.Enqueue(Item{ItemType: ItemRegistration})
	require.NoError(t, err)

	require.NoError(t, queue.Dequeue(id))
	_, err = queue.GetItem(id)
	require.Error(t, err)
}

func TestMarkFailedIsolatesItem(t *testing.T) {
	queue, cleanup := newTestQueue(t)
	defer cleanup()

	id1, err := queue.Enqueue(Item{ItemType: ItemEvent})
	require.NoError(t, err)
	id2, err := queue.Enqueue(Item{ItemType: ItemEvent})
	require.NoError(t, err)

	require.NoError(t, queue.MarkProcessing(id1))
	require.NoError(t, queue.MarkFailed(id1, "boom"))

	// Peek only returns pending items; a failed item must not block
	// FIFO progress of items behind it.
	items, err := queue.Peek(10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, id2, items[0].ID)

	failed, err := queue.GetFailedItems()
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "boom", failed[0].LastError)
}

func TestRetryFailedResetsToPending(t *testing.T) {
	queue, cleanup := newTestQueue(t)
	defer cleanup()

	id, err := queue.Enqueue(Item{ItemType: ItemEvent})
	require.NoError(t, err)
	require.NoError(t, queue.MarkProcessing(id))
	require.NoError(t, queue.MarkFailed(id, "boom"))

	n, err := queue.RetryFailed()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	items, err := queue.Peek(10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Empty(t, items[0].LastError)
}

func TestGetStats(t *testing.T) {
	queue, cleanup := newTestQueue(t)
	defer cleanup()

	id1, err := queue.Enqueue(Item{ItemType: ItemEvent})
	require.NoError(t, err)
	_, err = queue.Enqueue(Item{ItemType: ItemEvent})
	require.NoError(t, err)

	require.NoError(t, queue.MarkProcessing(id1))
	require.NoError(t, queue.MarkFailed(id1, "boom"))

	stats, err := queue.GetStats()
	require.NoError(t, err)
	require.Equal(t, 1, stats.Pending)
	require.Equal(t, 1, stats.Failed)
	require.Equal(t, 2, stats.Total)
}
