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
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/webdavfs/webdavfs/cfg"
	"github.com/webdavfs/webdavfs/internal/logger"
	"github.com/webdavfs/webdavfs/internal/mount"
)

var (
	cfgFile       string
	bindErr       error
	configFileErr error
	unmarshalErr  error
	MountConfig   cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "webdavfs [flags] server-url mount-point",
	Short: "Mount a read-only WebDAV collection as a local file system",
	Long: `webdavfs is a FUSE adapter that lets you mount a WebDAV server's
          collection as a read-only local file system, serving file
          contents out of a sparse on-disk block cache fetched lazily
          over ranged GET requests.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if configFileErr != nil {
			return configFileErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}

		serverURL, mountPoint, err := populateArgs(args)
		if err != nil {
			return err
		}

		if err := logger.InitLogFile(logger.Config{
			Format:   MountConfig.Logging.Format,
			Severity: MountConfig.Logging.Severity,
			FilePath: MountConfig.Logging.FilePath,
		}); err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}

		blockSizeBytes := uint32(MountConfig.Cache.BlockSizeMB) * 1024 * 1024

		return mount.Mount(context.Background(), mount.Config{
			ServerURL:                 serverURL,
			Username:                  MountConfig.WebDAV.Username,
			Password:                  MountConfig.WebDAV.Password,
			MountDir:                  mountPoint,
			CacheDir:                  MountConfig.Cache.Dir,
			BlockSizeBytes:            blockSizeBytes,
			StatCacheTTL:              MountConfig.Cache.StatCacheTTL,
			OpRateLimitHz:             MountConfig.RateLimit.OpRateLimitHz,
			EgressBandwidthLimitBytes: MountConfig.RateLimit.EgressBandwidthLimitBytesPerSec,
		})
	},
}

// populateArgs resolves the positional server-url and mount-point
// arguments, canonicalizing the mount point to an absolute path.
func populateArgs(args []string) (serverURL, mountPoint string, err error) {
	serverURL = args[0]
	mountPoint, err = filepath.Abs(args[1])
	if err != nil {
		return "", "", fmt.Errorf("canonicalizing mount point: %w", err)
	}
	return serverURL, mountPoint, nil
}

// Execute runs the root command, exiting the process with status 1 if it
// returns an error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file.")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
}

// decoderOption makes viper match the Config struct's `yaml:"..."` tags
// (the same dotted, hyphenated names BindFlags registers) instead of its
// default mapstructure tag, and layers in DecodeHook's duration parsing.
func decoderOption(dc *mapstructure.DecoderConfig) {
	dc.TagName = "yaml"
	dc.DecodeHook = cfg.DecodeHook()
}

func initConfig() {
	if cfgFile == "" {
		unmarshalErr = viper.Unmarshal(&MountConfig, viper.DecoderConfigOption(decoderOption))
		return
	}

	resolved, err := filepath.Abs(cfgFile)
	if err != nil {
		configFileErr = fmt.Errorf("resolving config file path: %w", err)
		return
	}
	viper.SetConfigFile(resolved)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		configFileErr = fmt.Errorf("reading config file: %w", err)
		return
	}
	unmarshalErr = viper.Unmarshal(&MountConfig, viper.DecoderConfigOption(decoderOption))
}
