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

package httpserver

import (
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/gravitational/pureboot-agent/lib/agent/bootgen"
	"github.com/gravitational/pureboot-agent/lib/agent/contentcache"
	"github.com/gravitational/pureboot-agent/lib/agent/proxy"
	"github.com/gravitational/pureboot-agent/lib/agent/statecache"
	"github.com/gravitational/pureboot-agent/lib/agent/syncqueue"

	"github.com/stretchr/testify/require"
)

func newTestServerWithCentral(t *testing.T, centralURL string) (*Server, func()) {
	dir, err := ioutil.TempDir("", "httpserver-test")
	require.NoError(t, err)

	stateCache, err := statecache.New(statecache.Config{Path: filepath.Join(dir, "nodes.db")})
	require.NoError(t, err)

	var n int
	queue, err := syncqueue.New(syncqueue.Config{
		Path: filepath.Join(dir, "queue.db"),
		NewID: func() string {
			n++
			return "q-" + strconv.Itoa(n)
		},
	})
	require.NoError(t, err)

	contentDir := filepath.Join(dir, "cache")
	contentCache, err := contentcache.New(contentcache.Config{Dir: contentDir, DefaultPolicy: contentcache.PolicyMirror})
	require.NoError(t, err)

	var pn int
	p, err := proxy.New(proxy.Config{
		CentralURL: centralURL,
		PublicURL:  "http://agent.local",
		StateCache: stateCache,
		Queue:      queue,
		NewID: func() string {
			pn++
			return "p-" + strconv.Itoa(pn)
		},
	})
	require.NoError(t, err)

	srv, err := New(Config{
		Proxy:        p,
		ContentCache: contentCache,
		BootGen:      bootgen.New("site-1", bootgen.ActionLocal),
	})
	require.NoError(t, err)

	return srv, func() {
		stateCache.Close()
		queue.Close()
		os.RemoveAll(dir)
	}
}

func newTestServer(t *testing.T) (*Server, func()) {
	return newTestServerWithCentral(t, "http://unused.invalid")
}

func TestHandleBootMissingMAC(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/boot", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleBootUnknownNodeFallsBackToLocal(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/boot?mac=aa:bb:cc:dd:ee:ff", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "not registered")
}

func TestHandleBootProxiesToCentralAndRewritesTFTPURLs(t *testing.T) {
	mux := http.NewServeMux()
	central := httptest.NewServer(mux)
	defer central.Close()
	mux.HandleFunc("/api/v1/boot", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "aa:bb:cc:dd:ee:ff", r.URL.Query().Get("mac"))
		w.Write([]byte("#!ipxe\nkernel " + central.URL + "/tftp/vmlinuz\n"))
	})

	srv, cleanup := newTestServerWithCentral(t, central.URL)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/boot?mac=aa:bb:cc:dd:ee:ff", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "http://agent.local/tftp/vmlinuz")
	require.NotContains(t, w.Body.String(), central.URL+"/tftp/")
}

func TestHandleTFTPServesCachedFile(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	_, err := srv.ContentCache.Put("bootloaders", "undionly.kpxe", []byte("binary-data"), 0)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/tftp/undionly.kpxe?category=bootloaders", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "binary-data", w.Body.String())
}

func TestHandleTFTPMissingFileReturns503WhenCentralUnreachable(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/tftp/missing.bin", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleTFTPMissingFile404sWhenCentralAlsoHasNoSuchFile(t *testing.T) {
	central := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer central.Close()

	srv, cleanup := newTestServerWithCentral(t, central.URL)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/tftp/missing.bin", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleTFTPCacheMissFetchesFromCentralAndCaches(t *testing.T) {
	var gotPath string
	central := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte("fetched-from-central"))
	}))
	defer central.Close()

	srv, cleanup := newTestServerWithCentral(t, central.URL)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/tftp/undionly.kpxe?category=bootloaders", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "fetched-from-central", w.Body.String())
	require.Equal(t, "/tftp/undionly.kpxe", gotPath)

	cachedPath, err := srv.ContentCache.Get("bootloaders", "undionly.kpxe")
	require.NoError(t, err)
	cachedContent, err := ioutil.ReadFile(cachedPath)
	require.NoError(t, err)
	require.Equal(t, "fetched-from-central", string(cachedContent))
}

func TestHandleHealth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, true, body["online"])
}
