// Copyright 2024 The gonda Authors
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

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"

	"github.com/gonda-dev/gonda/pkg/conda/channel"
	"github.com/gonda-dev/gonda/pkg/conda/loader"
	"github.com/gonda-dev/gonda/pkg/conda/pool"
	"github.com/gonda-dev/gonda/pkg/conda/spec"
	"github.com/gonda-dev/gonda/pkg/conda/trust"
)

// GlobalOptions are the flags shared by every command.
type GlobalOptions struct {
	Prefix          string
	Channels        []string
	Platform        string
	CacheDir        string
	NoCache         bool
	Quiet           bool
	Verbose         int
	StrictPriority  bool
	AllowDowngrade  bool
	FreezeInstalled bool
	Untrusted       bool
	MaxParallel     int
}

var globalOpts = &GlobalOptions{}

// loadConfig layers the config file and environment under the flags:
// flag > GONDA_* env > ~/.config/gonda/config.yaml > defaults.
func loadConfig() error {
	viper.SetEnvPrefix("GONDA")
	viper.AutomaticEnv()
	viper.SetDefault("channel_alias", channel.DefaultAlias)
	viper.SetDefault("default_channels", []string{"main", "r"})
	viper.SetDefault("channels", []string{"conda-forge"})

	if home, err := os.UserConfigDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, "gonda"))
	}
	viper.SetConfigName("config")
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("reading config: %w", err)
		}
	}
	return nil
}

// platformSubdir maps the runtime platform to its conda subdir tag.
func platformSubdir() string {
	if globalOpts.Platform != "" {
		return globalOpts.Platform
	}
	if p := viper.GetString("platform"); p != "" {
		return p
	}
	switch runtime.GOOS + "/" + runtime.GOARCH {
	case "linux/amd64":
		return "linux-64"
	case "linux/arm64":
		return "linux-aarch64"
	case "linux/ppc64le":
		return "linux-ppc64le"
	case "darwin/amd64":
		return "osx-64"
	case "darwin/arm64":
		return "osx-arm64"
	case "windows/amd64":
		return "win-64"
	default:
		return "linux-64"
	}
}

func prefixDir() string {
	if globalOpts.Prefix != "" {
		return globalOpts.Prefix
	}
	if p := viper.GetString("prefix"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".gonda", "env")
}

func cacheDir() string {
	if globalOpts.CacheDir != "" {
		return globalOpts.CacheDir
	}
	if d := viper.GetString("cache_dir"); d != "" {
		return d
	}
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "gonda")
}

func packagesDir() string { return filepath.Join(cacheDir(), "pkgs") }

// channelList returns the -c flags when any are given, and the configured
// channel list otherwise.
func channelList() []string {
	if len(globalOpts.Channels) > 0 {
		return globalOpts.Channels
	}
	return viper.GetStringSlice("channels")
}

// resolveChannels expands the channel list into channel × subdir pairs.
func resolveChannels() ([]channel.Channel, error) {
	resolver := channel.NewResolver(
		viper.GetString("channel_alias"),
		viper.GetStringSlice("default_channels"),
		[]string{platformSubdir(), "noarch"},
	)
	var out []channel.Channel
	for _, name := range channelList() {
		chans, err := resolver.Resolve(spec.ParseChannelSpec(name))
		if err != nil {
			return nil, err
		}
		out = append(out, chans...)
	}
	return out, nil
}

// trustChecker loads the root of trust when the prefix carries one; nil
// when verification is off or no trust files are initialized.
func trustChecker() (*trust.RepoIndexChecker, error) {
	if globalOpts.Untrusted {
		return nil, nil
	}
	trustDir := filepath.Join(prefixDir(), "etc", "trust")
	rootPath := filepath.Join(trustDir, trust.DefaultRoleNames.Root)
	if _, err := os.Stat(rootPath); err != nil {
		return nil, nil
	}
	root, err := trust.LoadRoot(rootPath, trust.DefaultRoleNames, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return trust.NewRepoIndexChecker(root,
		filepath.Join(trustDir, trust.DefaultRoleNames.KeyMgr),
		filepath.Join(trustDir, trust.DefaultRoleNames.PkgMgr),
		time.Now().UTC())
}

// buildPool loads the channels and the installed prefix into a fresh pool.
func buildPool(ctx context.Context) (*pool.Pool, pool.RepoID, []pool.RepoID, error) {
	checker, err := trustChecker()
	if err != nil {
		return nil, 0, nil, err
	}
	l, err := loader.New(loader.Options{
		CacheDir:  filepath.Join(cacheDir(), "repodata"),
		Checker:   checker,
		NoCache:   globalOpts.NoCache,
		UserAgent: "gonda",
	})
	if err != nil {
		return nil, 0, nil, err
	}

	channels, err := resolveChannels()
	if err != nil {
		return nil, 0, nil, err
	}

	pl := pool.New()
	installed, err := loader.InstalledFromPrefix(prefixDir(), pl)
	if err != nil {
		return nil, 0, nil, err
	}
	repos, err := l.LoadChannels(ctx, channels, pl)
	if err != nil && len(repos) == 0 {
		return nil, 0, nil, err
	}
	return pl, installed, repos, nil
}
