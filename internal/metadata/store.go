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

// Package metadata assigns stable inode numbers to remote WebDAV
// resources and caches directory listings for a configurable TTL, so
// repeated Lookup/ReadDir calls from the kernel don't each trigger a
// PROPFIND.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/jacobsa/timeutil"

	"github.com/webdavfs/webdavfs/internal/webdav"
)

// ErrNotExist is returned when a name has no corresponding entry.
var ErrNotExist = errors.New("metadata: no such entry")

// RootIno is the inode number of the mount's root directory.
const RootIno = 1

// Entry is the cached metadata for one remote resource.
type Entry struct {
	Ino     uint64
	Path    string // full remote path, e.g. "/a/b.txt"
	Name    string // final path segment; "/" for the root
	IsDir   bool
	Size    uint64
	ModTime time.Time
	ETag    string
}

// Store maps inode numbers to Entry values, lazily populating directory
// contents from a webdav.Client and serving repeat requests from cache
// until the configured TTL elapses.
type Store struct {
	client *webdav.Client
	ttl    time.Duration
	clock  timeutil.Clock

	mu         sync.RWMutex
	byIno      map[uint64]*Entry
	childrenOf map[uint64][]uint64 // GUARDED_BY(mu); nil until first listed
	listedAt   map[uint64]time.Time
	nextIno    uint64

	// onChange, if set, is called with the full remote path of any entry
	// whose ETag or Size differs from what was previously cached for it,
	// so a holder of stale cached bytes for that path can discard them.
	onChange func(path string)
}

// NewStore creates a Store backed by client. A ttl of zero disables
// caching: every Children call re-lists the server.
func NewStore(client *webdav.Client, ttl time.Duration) *Store {
	return NewStoreWithClock(client, ttl, timeutil.RealClock())
}

// NewStoreWithClock is like NewStore but lets a test substitute a fake
// clock to exercise TTL expiry deterministically.
func NewStoreWithClock(client *webdav.Client, ttl time.Duration, clock timeutil.Clock) *Store {
	root := &Entry{
		Ino:     RootIno,
		Path:    "/",
		Name:    "/",
		IsDir:   true,
		ModTime: clock.Now(),
	}
	return &Store{
		client:     client,
		ttl:        ttl,
		clock:      clock,
		byIno:      map[uint64]*Entry{RootIno: root},
		childrenOf: map[uint64][]uint64{},
		listedAt:   map[uint64]time.Time{},
		nextIno:    RootIno + 1,
	}
}

// OnChange registers fn to be called with the remote path of any entry
// whose ETag or Size changes across a refresh. Only one callback is kept;
// a later call replaces an earlier one. Typically wired to a download
// coordinator's Forget method so a stale cache entry is dropped as soon
// as the resource it backs is observed to have changed underneath it.
func (s *Store) OnChange(fn func(path string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// FindByIno returns the cached entry for ino, if any is known.
func (s *Store) FindByIno(ino uint64) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byIno[ino]
	return e, ok
}

// Children returns the entries listed under the directory at parentIno,
// fetching (or refreshing) the listing from the server if the cached copy
// is missing or older than the store's TTL.
func (s *Store) Children(ctx context.Context, parentIno uint64) ([]*Entry, error) {
	if err := s.ensureListed(ctx, parentIno); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	inos := s.childrenOf[parentIno]
	out := make([]*Entry, 0, len(inos))
	for _, ino := range inos {
		if e, ok := s.byIno[ino]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// Lookup returns the entry named name within the directory at parentIno.
func (s *Store) Lookup(ctx context.Context, parentIno uint64, name string) (*Entry, error) {
	children, err := s.Children(ctx, parentIno)
	if err != nil {
		return nil, err
	}
	for _, e := range children {
		if e.Name == name {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotExist, name)
}

// ensureListed populates (or refreshes) childrenOf[parentIno] from the
// server if it is absent or stale. It always takes the write lock, like
// the lazy-population pattern this is adapted from: the common case is a
// single PROPFIND per TTL window, so the extra lock contention against
// concurrent readers is not worth a read-then-upgrade dance.
func (s *Store) ensureListed(ctx context.Context, parentIno uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.listedAt[parentIno]; ok && s.ttl > 0 && s.clock.Now().Sub(last) < s.ttl {
		return nil
	}

	parent, ok := s.byIno[parentIno]
	if !ok {
		return fmt.Errorf("%w: inode %d", ErrNotExist, parentIno)
	}

	remoteEntries, err := s.client.List(ctx, parent.Path)
	if err != nil {
		return fmt.Errorf("metadata: list %s: %w", parent.Path, err)
	}
	sort.Slice(remoteEntries, func(i, j int) bool { return remoteEntries[i].Name < remoteEntries[j].Name })

	byName := make(map[string]*Entry, len(remoteEntries))
	for _, existingIno := range s.childrenOf[parentIno] {
		if e, ok := s.byIno[existingIno]; ok {
			byName[e.Name] = e
		}
	}

	var inos []uint64
	for _, re := range remoteEntries {
		childPath := path.Join(parent.Path, re.Name)
		var e *Entry
		if existing, ok := byName[re.Name]; ok {
			e = existing
		} else {
			e = &Entry{Ino: s.nextIno}
			s.nextIno++
		}
		if existing, ok := byName[re.Name]; ok && s.onChange != nil {
			if existing.ETag != re.ETag || existing.Size != uint64(re.Size) {
				s.onChange(childPath)
			}
		}
		e.Path = childPath
		e.Name = re.Name
		e.IsDir = re.IsDir
		e.Size = uint64(re.Size)
		e.ETag = re.ETag
		e.ModTime = re.ModTime

		s.byIno[e.Ino] = e
		inos = append(inos, e.Ino)
	}

	s.childrenOf[parentIno] = inos
	s.listedAt[parentIno] = s.clock.Now()
	return nil
}
