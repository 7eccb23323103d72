// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package downloader_test

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webdavfs/webdavfs/internal/blockfile"
	"github.com/webdavfs/webdavfs/internal/downloader"
	"github.com/webdavfs/webdavfs/internal/webdav"
)

func TestEnsureRangeFetchesThenServesFromCache(t *testing.T) {
	const payload = "the quick brown fox jumps over the lazy dog"
	var fetches int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fetches, 1)
		w.Header().Set("Content-Range", "bytes 0-42/43")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	client, err := webdav.New(srv.URL)
	require.NoError(t, err)

	c, err := downloader.New(client, t.TempDir(), 16, nil)
	require.NoError(t, err)

	path1, err := c.EnsureRange(t.Context(), "/obj", uint64(len(payload)), 0, uint32(len(payload)))
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fetches))

	bf, err := blockfile.Open(path1, false)
	require.NoError(t, err)
	defer bf.Close()

	buf := make([]byte, len(payload))
	n, err := bf.Read(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, string(buf[:n]))

	path2, err := c.EnsureRange(t.Context(), "/obj", uint64(len(payload)), 0, uint32(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, path1, path2)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fetches), "cached range should not trigger a second fetch")
}

func TestEnsureRangeSeparatePathsGetSeparateCacheFiles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-3/4")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("data"))
	}))
	defer srv.Close()

	client, err := webdav.New(srv.URL)
	require.NoError(t, err)

	c, err := downloader.New(client, t.TempDir(), 16, nil)
	require.NoError(t, err)

	p1, err := c.EnsureRange(t.Context(), "/a", 4, 0, 4)
	require.NoError(t, err)
	p2, err := c.EnsureRange(t.Context(), "/b", 4, 0, 4)
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)
}

func TestForgetRemovesRegistryEntry(t *testing.T) {
	var fetches int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fetches, 1)
		w.Header().Set("Content-Range", "bytes 0-3/4")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("data"))
	}))
	defer srv.Close()

	client, err := webdav.New(srv.URL)
	require.NoError(t, err)

	c, err := downloader.New(client, t.TempDir(), 16, nil)
	require.NoError(t, err)

	_, err = c.EnsureRange(t.Context(), "/a", 4, 0, 4)
	require.NoError(t, err)
	c.Forget("/a")
	_, err = c.EnsureRange(t.Context(), "/a", 4, 0, 4)
	require.NoError(t, err)

	assert.EqualValues(t, 2, atomic.LoadInt32(&fetches))
}
