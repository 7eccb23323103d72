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

// Package fs adapts the metadata store and download coordinator to
// bazil.org/fuse, presenting the remote WebDAV tree as a read-only local
// filesystem.
package fs

import (
	"context"
	"errors"
	"io"
	"os"
	"syscall"

	bazilfuse "bazil.org/fuse"
	bazilfs "bazil.org/fuse/fs"

	"github.com/webdavfs/webdavfs/internal/blockfile"
	"github.com/webdavfs/webdavfs/internal/downloader"
	"github.com/webdavfs/webdavfs/internal/logger"
	"github.com/webdavfs/webdavfs/internal/metadata"
)

// FS is the root of the mounted filesystem.
type FS struct {
	store      *metadata.Store
	downloader *downloader.Coordinator
	uid, gid   uint32
}

// New creates an FS backed by store and downloader. Every reported file
// and directory is owned by uid/gid, since a read-only WebDAV mount has
// no per-resource ownership concept to expose.
func New(store *metadata.Store, dl *downloader.Coordinator, uid, gid uint32) *FS {
	return &FS{store: store, downloader: dl, uid: uid, gid: gid}
}

var _ bazilfs.FS = (*FS)(nil)

// Root implements fs.FS.
func (f *FS) Root() (bazilfs.Node, error) {
	root, ok := f.store.FindByIno(metadata.RootIno)
	if !ok {
		return nil, bazilfuse.EIO
	}
	return &node{fs: f, entry: root}, nil
}

// node represents both directories and regular files; the kernel only
// ever calls ReadDirAll on a node it was told is a directory (via Attr)
// and Read on one it was told is a file, so a single type serving both
// roles keeps the Lookup/Attr wiring in one place.
type node struct {
	fs    *FS
	entry *metadata.Entry
}

var (
	_ bazilfs.Node               = (*node)(nil)
	_ bazilfs.NodeStringLookuper = (*node)(nil)
	_ bazilfs.HandleReadDirAller = (*node)(nil)
	_ bazilfs.HandleReader       = (*node)(nil)
)

// Attr implements fs.Node.
func (n *node) Attr(ctx context.Context, a *bazilfuse.Attr) error {
	a.Inode = n.entry.Ino
	a.Uid = n.fs.uid
	a.Gid = n.fs.gid
	a.Mtime = n.entry.ModTime
	a.Ctime = n.entry.ModTime
	a.Atime = n.entry.ModTime

	if n.entry.IsDir {
		a.Mode = os.ModeDir | 0o555
		a.Size = 4096
		a.Nlink = 2
	} else {
		a.Mode = 0o444
		a.Size = n.entry.Size
		a.Nlink = 1
	}
	return nil
}

// Lookup implements fs.NodeStringLookuper.
func (n *node) Lookup(ctx context.Context, name string) (bazilfs.Node, error) {
	child, err := n.fs.store.Lookup(ctx, n.entry.Ino, name)
	if err != nil {
		if !errors.Is(err, metadata.ErrNotExist) {
			logger.Errorf("fs: lookup %s in %s: %v", name, n.entry.Path, err)
		}
		return nil, bazilfuse.ENOENT
	}
	return &node{fs: n.fs, entry: child}, nil
}

// ReadDirAll implements fs.HandleReadDirAller.
func (n *node) ReadDirAll(ctx context.Context) ([]bazilfuse.Dirent, error) {
	children, err := n.fs.store.Children(ctx, n.entry.Ino)
	if err != nil {
		logger.Errorf("fs: readdir %s: %v", n.entry.Path, err)
		return nil, bazilfuse.ENOENT
	}

	ents := make([]bazilfuse.Dirent, 0, len(children))
	for _, c := range children {
		typ := bazilfuse.DT_File
		if c.IsDir {
			typ = bazilfuse.DT_Dir
		}
		ents = append(ents, bazilfuse.Dirent{Inode: c.Ino, Name: c.Name, Type: typ})
	}
	return ents, nil
}

// Read implements fs.HandleReader. It ensures the requested range is
// present in the local cache via the download coordinator, then serves
// the read directly out of the cache file.
func (n *node) Read(ctx context.Context, req *bazilfuse.ReadRequest, resp *bazilfuse.ReadResponse) error {
	if n.entry.IsDir {
		return bazilfuse.Errno(syscall.EISDIR)
	}
	if uint64(req.Offset) >= n.entry.Size {
		resp.Data = resp.Data[:0]
		return nil
	}

	cachePath, err := n.fs.downloader.EnsureRange(ctx, n.entry.Path, n.entry.Size, uint64(req.Offset), uint32(req.Size))
	if err != nil {
		logger.Errorf("fs: read %s: %v", n.entry.Path, err)
		return bazilfuse.ENOENT
	}

	bf, err := blockfile.Open(cachePath, false)
	if err != nil {
		logger.Errorf("fs: read %s: open cache file: %v", n.entry.Path, err)
		return bazilfuse.ENOENT
	}
	defer bf.Close()

	buf := make([]byte, req.Size)
	got, err := bf.Read(buf, uint64(req.Offset))
	if err != nil && !errors.Is(err, io.EOF) {
		logger.Errorf("fs: read %s: %v", n.entry.Path, err)
		return bazilfuse.ENOENT
	}
	resp.Data = buf[:got]
	return nil
}
