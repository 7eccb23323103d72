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

// Package cfg declares the mount's configuration surface and binds it to
// command-line flags. Values can additionally be supplied through a YAML
// config file (see cmd.initConfig), which goes through the same viper
// registry that BindFlags populates. Environment variables are not
// consulted.
package cfg

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully-resolved mount configuration.
type Config struct {
	WebDAV     WebDAVConfig     `yaml:"webdav"`
	Cache      CacheConfig      `yaml:"cache"`
	Logging    LoggingConfig    `yaml:"logging"`
	RateLimit  RateLimitConfig  `yaml:"rate-limit"`
	FileSystem FileSystemConfig `yaml:"file-system"`
}

// WebDAVConfig configures the connection to the remote server.
type WebDAVConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// CacheConfig configures the local block-file cache.
type CacheConfig struct {
	Dir          string        `yaml:"dir"`
	BlockSizeMB  int           `yaml:"block-size-mb"`
	StatCacheTTL time.Duration `yaml:"stat-cache-ttl"`
}

// LoggingConfig configures the package-level logger.
type LoggingConfig struct {
	FilePath string `yaml:"file-path"`
	Format   string `yaml:"format"`
	Severity string `yaml:"severity"`
}

// RateLimitConfig configures throttling of requests to the server. A
// non-positive value disables the corresponding limit.
type RateLimitConfig struct {
	OpRateLimitHz                   float64 `yaml:"op-rate-limit-hz"`
	EgressBandwidthLimitBytesPerSec float64 `yaml:"egress-bandwidth-limit-bytes-per-sec"`
}

// FileSystemConfig holds the uid/gid settings. They are parsed but not
// passed to the mount: every inode is reported as owned by the mounting
// user.
type FileSystemConfig struct {
	Uid int `yaml:"uid"`
	Gid int `yaml:"gid"`
}

// BindFlags registers every configuration field as a flag on flagSet and
// binds it into viper's default registry, so that the value used at
// runtime is an explicitly set flag if there is one, else the config
// file's value, else the flag's default.
func BindFlags(flagSet *pflag.FlagSet) error {
	bindings := []struct {
		key string
		set func() *pflag.Flag
	}{
		{"webdav.username", func() *pflag.Flag {
			flagSet.StringP("username", "", "", "Username for HTTP Basic authentication against the WebDAV server.")
			return flagSet.Lookup("username")
		}},
		{"webdav.password", func() *pflag.Flag {
			flagSet.StringP("password", "", "", "Password for HTTP Basic authentication against the WebDAV server.")
			return flagSet.Lookup("password")
		}},
		{"cache.dir", func() *pflag.Flag {
			flagSet.StringP("cache-dir", "", "", "Directory holding downloaded block-file cache entries. Defaults to a subdirectory of the OS temp directory.")
			return flagSet.Lookup("cache-dir")
		}},
		{"cache.block-size-mb", func() *pflag.Flag {
			flagSet.IntP("block-size-mb", "", 16, "Size, in MiB, of each cache block and of each ranged fetch from the server.")
			return flagSet.Lookup("block-size-mb")
		}},
		{"cache.stat-cache-ttl", func() *pflag.Flag {
			flagSet.DurationP("stat-cache-ttl", "", time.Minute, "How long a directory listing is trusted before it is re-fetched.")
			return flagSet.Lookup("stat-cache-ttl")
		}},
		{"logging.file-path", func() *pflag.Flag {
			flagSet.StringP("log-file", "", "", "Path to write logs to. Defaults to stdout.")
			return flagSet.Lookup("log-file")
		}},
		{"logging.format", func() *pflag.Flag {
			flagSet.StringP("log-format", "", "text", "Log output format: text or json.")
			return flagSet.Lookup("log-format")
		}},
		{"logging.severity", func() *pflag.Flag {
			flagSet.StringP("log-severity", "", "info", "Minimum severity to log: trace, debug, info, warning, error, or off.")
			return flagSet.Lookup("log-severity")
		}},
		{"rate-limit.op-rate-limit-hz", func() *pflag.Flag {
			flagSet.Float64P("op-rate-limit-hz", "", 0, "Maximum PROPFIND/GET operations per second against the server. Zero disables the limit.")
			return flagSet.Lookup("op-rate-limit-hz")
		}},
		{"rate-limit.egress-bandwidth-limit-bytes-per-sec", func() *pflag.Flag {
			flagSet.Float64P("egress-bandwidth-limit-bytes-per-sec", "", 0, "Maximum bytes per second fetched from the server. Zero disables the limit.")
			return flagSet.Lookup("egress-bandwidth-limit-bytes-per-sec")
		}},
		{"file-system.uid", func() *pflag.Flag {
			flagSet.IntP("uid", "", -1, "Accepted but not applied: every file and directory is reported as owned by the mounting user's UID.")
			return flagSet.Lookup("uid")
		}},
		{"file-system.gid", func() *pflag.Flag {
			flagSet.IntP("gid", "", -1, "Accepted but not applied: every file and directory is reported as owned by the mounting user's GID.")
			return flagSet.Lookup("gid")
		}},
	}

	for _, b := range bindings {
		flag := b.set()
		if err := viper.BindPFlag(b.key, flag); err != nil {
			return err
		}
	}
	return nil
}
