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

// Package mount wires together the WebDAV client, metadata store,
// download coordinator and FUSE adapter, and drives the blocking mount
// loop.
package mount

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	bazilfuse "bazil.org/fuse"
	bazilfs "bazil.org/fuse/fs"
	"github.com/jacobsa/ratelimit"

	"github.com/webdavfs/webdavfs/internal/downloader"
	"github.com/webdavfs/webdavfs/internal/fs"
	"github.com/webdavfs/webdavfs/internal/logger"
	"github.com/webdavfs/webdavfs/internal/metadata"
	"github.com/webdavfs/webdavfs/internal/webdav"
)

// Config holds everything needed to mount a remote WebDAV collection.
type Config struct {
	ServerURL string
	Username  string
	Password  string
	MountDir  string
	CacheDir  string

	BlockSizeBytes uint32
	StatCacheTTL   time.Duration

	OpRateLimitHz             float64
	EgressBandwidthLimitBytes float64

	FSName  string
	Subtype string
}

// rateLimitWindow is the averaging window used to size token buckets,
// matching the window chosen for GCS bucket-level throttling.
const rateLimitWindow = 8 * time.Hour

// buildThrottles turns the configured rate limits into jacobsa/ratelimit
// throttles. A non-positive limit disables that throttle (nil).
func buildThrottles(opRateLimitHz, egressBandwidthLimit float64) (op, egress ratelimit.Throttle, err error) {
	if opRateLimitHz > 0 {
		capacity, cerr := ratelimit.ChooseTokenBucketCapacity(opRateLimitHz, rateLimitWindow)
		if cerr != nil {
			return nil, nil, fmt.Errorf("mount: choosing op rate limit capacity: %w", cerr)
		}
		op = ratelimit.NewThrottle(opRateLimitHz, capacity)
	}
	if egressBandwidthLimit > 0 {
		capacity, cerr := ratelimit.ChooseTokenBucketCapacity(egressBandwidthLimit, rateLimitWindow)
		if cerr != nil {
			return nil, nil, fmt.Errorf("mount: choosing egress rate limit capacity: %w", cerr)
		}
		egress = ratelimit.NewThrottle(egressBandwidthLimit, capacity)
	}
	return op, egress, nil
}

func currentUIDGID() (uint32, uint32) {
	u, err := user.Current()
	if err != nil {
		return 0, 0
	}
	uid, _ := strconv.ParseUint(u.Uid, 10, 32)
	gid, _ := strconv.ParseUint(u.Gid, 10, 32)
	return uint32(uid), uint32(gid)
}

// Mount blocks until the filesystem is unmounted (by the kernel, by a
// call to bazilfuse.Unmount, or by registerSIGINTHandler's signal
// handler), returning any error encountered along the way.
func Mount(ctx context.Context, cfg Config) error {
	opThrottle, egressThrottle, err := buildThrottles(cfg.OpRateLimitHz, cfg.EgressBandwidthLimitBytes)
	if err != nil {
		return err
	}

	clientOpts := []webdav.Option{}
	if cfg.Username != "" || cfg.Password != "" {
		clientOpts = append(clientOpts, webdav.WithBasicAuth(cfg.Username, cfg.Password))
	}
	if opThrottle != nil {
		clientOpts = append(clientOpts, webdav.WithOpThrottle(opThrottle))
	}
	client, err := webdav.New(cfg.ServerURL, clientOpts...)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	store := metadata.NewStore(client, cfg.StatCacheTTL)

	blockSize := cfg.BlockSizeBytes
	if blockSize == 0 {
		blockSize = downloader.DefaultBlockSize
	}
	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "webdavfs")
	}
	dl, err := downloader.New(client, cacheDir, blockSize, egressThrottle)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	store.OnChange(dl.Forget)

	uid, gid := currentUIDGID()
	filesystem := fs.New(store, dl, uid, gid)

	fsName := cfg.FSName
	if fsName == "" {
		fsName = "webdavfs"
	}
	subtype := cfg.Subtype
	if subtype == "" {
		subtype = "webdavfs"
	}

	conn, err := bazilfuse.Mount(
		cfg.MountDir,
		bazilfuse.FSName(fsName),
		bazilfuse.Subtype(subtype),
		bazilfuse.ReadOnly(),
	)
	if err != nil {
		return fmt.Errorf("mount: fuse.Mount: %w", err)
	}
	defer conn.Close()

	registerSIGINTHandler(cfg.MountDir)

	logger.Infof("mounted %s at %s", cfg.ServerURL, cfg.MountDir)

	if err := bazilfs.Serve(conn, filesystem); err != nil {
		return fmt.Errorf("mount: fs.Serve: %w", err)
	}

	// Serve returns once the kernel has closed the connection (e.g. after
	// an unmount); check whether the mount handshake itself ever failed.
	<-conn.Ready
	if err := conn.MountError; err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	return nil
}

// registerSIGINTHandler starts a goroutine that unmounts mountPoint when
// SIGINT is received. If the unmount fails (the kernel can report the
// mount as busy briefly after requests drain), the next SIGINT tries
// again; the goroutine exits after the first unmount that succeeds.
func registerSIGINTHandler(mountPoint string) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)

	go func() {
		for range signalChan {
			logger.Infof("received SIGINT, attempting to unmount %s...", mountPoint)
			if err := bazilfuse.Unmount(mountPoint); err != nil {
				logger.Errorf("failed to unmount in response to SIGINT: %v", err)
				continue
			}
			logger.Infof("successfully unmounted %s", mountPoint)
			return
		}
	}()
}
