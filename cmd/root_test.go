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

package cmd

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPopulateArgsResolvesMountPointToAbsolutePath(t *testing.T) {
	serverURL, mountPoint, err := populateArgs([]string{"https://dav.example.com/files", "relative/mount"})
	require.NoError(t, err)
	assert.Equal(t, "https://dav.example.com/files", serverURL)
	assert.True(t, filepath.IsAbs(mountPoint))
	assert.True(t, strings.HasSuffix(mountPoint, filepath.Join("relative", "mount")))
}

func TestBindFlagsRegistersExpectedFlags(t *testing.T) {
	for _, name := range []string{
		"username", "password", "cache-dir", "block-size-mb", "stat-cache-ttl",
		"log-file", "log-format", "log-severity",
		"op-rate-limit-hz", "egress-bandwidth-limit-bytes-per-sec",
		"uid", "gid",
	} {
		assert.NotNilf(t, rootCmd.PersistentFlags().Lookup(name), "flag %q not registered", name)
	}
}
