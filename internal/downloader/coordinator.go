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

// Package downloader coordinates fetching ranges of remote WebDAV
// resources into local block-file caches, so that concurrent reads of the
// same resource share one cache file and, outside of a narrow race, issue
// at most one fetch per range.
package downloader

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/jacobsa/ratelimit"

	"github.com/webdavfs/webdavfs/internal/blockfile"
	"github.com/webdavfs/webdavfs/internal/webdav"
)

// DefaultBlockSize is the block size new cache files are created with:
// large enough that a typical sequential read touches few blocks, small
// enough that random access to a large file doesn't force downloading it
// whole.
const DefaultBlockSize = 16 * 1024 * 1024

// pathHandle is the registry's entry for one remote path: the local cache
// file backing it, and a mutex serializing fetches against that file.
// Fields are immutable after creation except through the mutex below
// (the cache file itself is mutated, not the handle).
type pathHandle struct {
	cachePath string
	fetchMu   sync.Mutex
}

// Coordinator owns the registry of in-flight and completed downloads. The
// zero value is not usable; construct with New.
type Coordinator struct {
	client    *webdav.Client
	tempDir   string
	blockSize uint32
	throttle  ratelimit.Throttle // nil disables egress throttling

	registryMu sync.Mutex
	handles    map[string]*pathHandle // GUARDED_BY(registryMu)
}

// New creates a Coordinator that fetches through client, caching blocks
// under tempDir. A nil throttle disables egress rate limiting.
func New(client *webdav.Client, tempDir string, blockSize uint32, throttle ratelimit.Throttle) (*Coordinator, error) {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	if err := os.MkdirAll(tempDir, 0o700); err != nil {
		return nil, fmt.Errorf("downloader: create temp dir %s: %w", tempDir, err)
	}
	return &Coordinator{
		client:    client,
		tempDir:   tempDir,
		blockSize: blockSize,
		throttle:  throttle,
		handles:   make(map[string]*pathHandle),
	}, nil
}

// EnsureRange guarantees that [offset, offset+size) of remotePath is
// present in the local cache file and returns that file's path. fileSize
// is the resource's full logical size, needed the first time a cache file
// is created for remotePath.
//
// The freshness check (is the range already cached?) happens while the
// registry lock is held; the fetch itself, if needed, happens only under
// the per-path lock, so concurrent requests against different remote
// paths never block each other. Two concurrent requests against the same
// path that both observe the range as missing may both issue a fetch for
// it; the second is redundant but not incorrect, since writing the same
// bytes to the same blocks again is idempotent.
func (c *Coordinator) EnsureRange(ctx context.Context, remotePath string, fileSize, offset uint64, size uint32) (string, error) {
	c.registryMu.Lock()

	h, existing := c.handles[remotePath]
	var bf *blockfile.BlockFile
	var err error

	if existing {
		bf, err = blockfile.Open(h.cachePath, true)
		if err != nil {
			c.registryMu.Unlock()
			return "", fmt.Errorf("downloader: %s: %w", remotePath, err)
		}
		ready, rerr := bf.IsDataReady(offset, uint64(size))
		if rerr != nil {
			bf.Close()
			c.registryMu.Unlock()
			return "", fmt.Errorf("downloader: %s: %w", remotePath, rerr)
		}
		if ready {
			bf.Close()
			c.registryMu.Unlock()
			return h.cachePath, nil
		}
	} else {
		cachePath := filepath.Join(c.tempDir, uuid.NewString())
		bf, err = blockfile.Create(cachePath, fileSize, c.blockSize)
		if err != nil {
			c.registryMu.Unlock()
			return "", fmt.Errorf("downloader: %s: %w", remotePath, err)
		}
		h = &pathHandle{cachePath: cachePath}
		c.handles[remotePath] = h
	}

	if existing {
		// Wait for the per-path lock without holding the registry, then
		// reopen so the block-allocation state includes whatever a fetch
		// that finished in the meantime wrote.
		bf.Close()
		c.registryMu.Unlock()
		h.fetchMu.Lock()
		bf, err = blockfile.Open(h.cachePath, true)
		if err != nil {
			h.fetchMu.Unlock()
			return "", fmt.Errorf("downloader: %s: %w", remotePath, err)
		}
	} else {
		h.fetchMu.Lock()
		c.registryMu.Unlock()
	}
	defer h.fetchMu.Unlock()
	defer bf.Close()

	begin, end := bf.CalcBlockRangeFrom(offset, uint64(size))
	if err := c.fetch(ctx, remotePath, bf, begin, end-begin); err != nil {
		return "", err
	}
	return h.cachePath, nil
}

// fetch issues one block-aligned ranged GET and streams it into bf.
func (c *Coordinator) fetch(ctx context.Context, remotePath string, bf *blockfile.BlockFile, offset, length uint64) error {
	rc, total, err := c.client.GetRange(ctx, remotePath, int64(offset), int64(length))
	if err != nil {
		return fmt.Errorf("downloader: fetch %s: %w", remotePath, err)
	}
	defer rc.Close()

	if total <= 0 {
		// No Content-Range, or the server reports the object as empty;
		// there is nothing to write.
		return nil
	}

	var r io.Reader = rc
	if c.throttle != nil {
		r = ratelimit.ThrottledReader(ctx, rc, c.throttle)
	}

	buf := make([]byte, 256*1024)
	var written uint64
	for written < length {
		chunk := buf
		if remaining := length - written; uint64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}
		n, rerr := r.Read(chunk)
		if n > 0 {
			if _, werr := bf.Write(chunk[:n], offset+written); werr != nil {
				return fmt.Errorf("downloader: write %s: %w", remotePath, werr)
			}
			written += uint64(n)
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			return fmt.Errorf("downloader: fetch %s: %w", remotePath, rerr)
		}
	}
	return nil
}

// Forget drops remotePath from the registry without touching the cache
// file on disk, so a subsequent EnsureRange treats it as never seen. It
// is used when metadata indicates the remote resource changed underneath
// an existing cache entry.
func (c *Coordinator) Forget(remotePath string) {
	c.registryMu.Lock()
	defer c.registryMu.Unlock()
	delete(c.handles, remotePath)
}
