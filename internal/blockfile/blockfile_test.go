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

package blockfile_test

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webdavfs/webdavfs/internal/blockfile"
)

func TestCalcBlockRangeFrom(t *testing.T) {
	dir := t.TempDir()
	bf, err := blockfile.Create(filepath.Join(dir, "f"), 100, 16)
	require.NoError(t, err)
	defer bf.Close()

	begin, end := bf.CalcBlockRangeFrom(10, 20)
	assert.EqualValues(t, 0, begin)
	assert.EqualValues(t, 32, end)

	begin, end = bf.CalcBlockRangeFrom(32, 0)
	assert.EqualValues(t, 32, begin)
	assert.EqualValues(t, 48, end)

	begin, end = bf.CalcBlockRangeFrom(0, 50)
	assert.EqualValues(t, 0, begin)
	assert.EqualValues(t, 64, end)
}

func TestIsDataReadyBeforeAndAfterWrite(t *testing.T) {
	dir := t.TempDir()
	bf, err := blockfile.Create(filepath.Join(dir, "f"), 100, 16)
	require.NoError(t, err)
	defer bf.Close()

	ready, err := bf.IsDataReady(0, 16)
	require.NoError(t, err)
	assert.False(t, ready)

	_, err = bf.Write(make([]byte, 16), 0)
	require.NoError(t, err)

	ready, err = bf.IsDataReady(0, 16)
	require.NoError(t, err)
	assert.True(t, ready)

	// A range reaching into a still-unwritten block is not ready.
	ready, err = bf.IsDataReady(0, 32)
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestReadOfHoleReturnsErrHole(t *testing.T) {
	dir := t.TempDir()
	bf, err := blockfile.Create(filepath.Join(dir, "f"), 100, 16)
	require.NoError(t, err)
	defer bf.Close()

	buf := make([]byte, 16)
	n, err := bf.Read(buf, 0)
	assert.ErrorIs(t, err, blockfile.ErrHole)
	assert.Equal(t, 0, n)
}

func TestReadClampsToLogicalSize(t *testing.T) {
	dir := t.TempDir()
	bf, err := blockfile.Create(filepath.Join(dir, "f"), 10, 16)
	require.NoError(t, err)
	defer bf.Close()

	data := []byte("0123456789")
	n, err := bf.Write(data, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	buf := make([]byte, 100)
	n, err = bf.Read(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, buf[:n])

	n, err = bf.Read(buf, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReadPastLogicalSizeReturnsOutOfRange(t *testing.T) {
	dir := t.TempDir()
	bf, err := blockfile.Create(filepath.Join(dir, "f"), 10, 16)
	require.NoError(t, err)
	defer bf.Close()

	buf := make([]byte, 10)
	n, err := bf.Read(buf, 11)
	assert.ErrorIs(t, err, blockfile.ErrOutOfRange)
	assert.Equal(t, 0, n)
}

func TestOpenRejectsBadSignature(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "not-a-blockfile")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a block file"), 0o644))

	_, err := blockfile.Open(path, false)
	assert.True(t, errors.Is(err, blockfile.ErrBadSignature))
}

func TestWriteBeyondBlockCountIsOutOfRange(t *testing.T) {
	dir := t.TempDir()
	bf, err := blockfile.Create(filepath.Join(dir, "f"), 16, 16)
	require.NoError(t, err)
	defer bf.Close()

	_, err = bf.Write([]byte{1}, 16)
	assert.ErrorIs(t, err, blockfile.ErrOutOfRange)
}

// TestPermutedWriteRoundTrip mirrors the reference implementation's
// shuffle-write/shuffle-read exercise: every byte of a buffer is written
// exactly once, via many small non-overlapping fixed-stride writes issued in random
// order, then read back (also in random order) and compared byte for byte.
func TestPermutedWriteRoundTrip(t *testing.T) {
	const (
		size      = 600
		blockSize = 16
	)

	want := make([]byte, size)
	rng := rand.New(rand.NewSource(1))
	rng.Read(want)

	dir := t.TempDir()
	bf, err := blockfile.Create(filepath.Join(dir, "f"), size, blockSize)
	require.NoError(t, err)
	defer bf.Close()

	for stride := 3; stride < 33; stride++ {
		t.Run("", func(t *testing.T) {
			var ranges [][2]int
			for start := 0; start < size; start += stride {
				end := start + stride
				if end > size {
					end = size
				}
				ranges = append(ranges, [2]int{start, end})
			}
			rng.Shuffle(len(ranges), func(i, j int) { ranges[i], ranges[j] = ranges[j], ranges[i] })

			wdir := t.TempDir()
			wf, err := blockfile.Create(filepath.Join(wdir, "f"), size, blockSize)
			require.NoError(t, err)
			defer wf.Close()

			for _, r := range ranges {
				n, err := wf.Write(want[r[0]:r[1]], uint64(r[0]))
				require.NoError(t, err)
				require.Equal(t, r[1]-r[0], n)
			}

			ready, err := wf.IsDataReady(0, size)
			require.NoError(t, err)
			require.True(t, ready)

			got := make([]byte, size)
			rng.Shuffle(len(ranges), func(i, j int) { ranges[i], ranges[j] = ranges[j], ranges[i] })
			for _, r := range ranges {
				n, err := wf.Read(got[r[0]:r[1]], uint64(r[0]))
				require.NoError(t, err)
				require.Equal(t, r[1]-r[0], n)
			}

			assert.Equal(t, want, got)
		})
	}
}

func TestOpenReloadsBlockInfoWrittenByAnotherHandle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	writer, err := blockfile.Create(path, 32, 16)
	require.NoError(t, err)

	_, err = writer.Write(make([]byte, 16), 0)
	require.NoError(t, err)
	require.NoError(t, writer.Sync())

	reader, err := blockfile.Open(path, false)
	require.NoError(t, err)
	defer reader.Close()

	ready, err := reader.IsDataReady(0, 16)
	require.NoError(t, err)
	assert.True(t, ready)

	ready, err = reader.IsDataReady(16, 16)
	require.NoError(t, err)
	assert.False(t, ready)

	require.NoError(t, writer.Close())
}
