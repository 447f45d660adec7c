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

// Package cli wires the gonda commands. Everything the library packages
// need arrives as explicit options built here, once, from flags, the config
// file, and the environment.
package cli

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/chainguard-dev/clog/slag"
	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"sigs.k8s.io/release-utils/version"
)

// New builds the gonda root command.
func New() *cobra.Command {
	level := slag.Level(slog.LevelInfo)

	cmd := &cobra.Command{
		Use:               "gonda",
		Short:             "A conda-compatible package manager",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			http.DefaultTransport = userAgentTransport{http.DefaultTransport}

			if globalOpts.Quiet {
				level = slag.Level(slog.LevelError)
			} else if globalOpts.Verbose > 0 {
				if globalOpts.Verbose == 1 {
					level = slag.Level(slog.LevelDebug)
				} else {
					level = slag.Level(slog.LevelDebug - 1)
				}
			}

			slog.SetDefault(slog.New(charmlog.NewWithOptions(os.Stderr, charmlog.Options{
				ReportTimestamp: true,
				Level:           charmlog.Level(level),
			})))

			return loadConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&globalOpts.Prefix, "prefix", "", "target environment prefix")
	cmd.PersistentFlags().StringSliceVarP(&globalOpts.Channels, "channel", "c", nil, "channel to search for packages (replaces the configured channel list)")
	cmd.PersistentFlags().StringVar(&globalOpts.Platform, "platform", "", "override the target platform subdir")
	cmd.PersistentFlags().StringVar(&globalOpts.CacheDir, "cache-dir", "", "override the repodata and package cache directory")
	cmd.PersistentFlags().BoolVar(&globalOpts.NoCache, "no-cache", false, "bypass the repodata cache")
	cmd.PersistentFlags().BoolVarP(&globalOpts.Quiet, "quiet", "q", false, "print less information")
	cmd.PersistentFlags().CountVarP(&globalOpts.Verbose, "verbose", "v", "print more information (can be specified twice)")
	cmd.PersistentFlags().BoolVar(&globalOpts.StrictPriority, "strict-channel-priority", false, "refuse packages from lower-priority channels when a higher one provides the name")
	cmd.PersistentFlags().BoolVar(&globalOpts.AllowDowngrade, "allow-downgrade", false, "allow specs to downgrade installed packages")
	cmd.PersistentFlags().BoolVar(&globalOpts.FreezeInstalled, "freeze-installed", false, "do not move installed packages to satisfy transitive requirements")
	cmd.PersistentFlags().BoolVar(&globalOpts.Untrusted, "allow-untrusted", false, "skip repodata signature verification")
	cmd.PersistentFlags().IntVar(&globalOpts.MaxParallel, "max-parallel-downloads", 5, "concurrent package downloads")

	cmd.AddCommand(installCmd())
	cmd.AddCommand(updateCmd())
	cmd.AddCommand(removeCmd())
	cmd.AddCommand(searchCmd())
	cmd.AddCommand(cleanCmd())
	cmd.AddCommand(configCmd())
	cmd.AddCommand(version.Version())

	return cmd
}

type userAgentTransport struct{ t http.RoundTripper }

func (u userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", fmt.Sprintf("gonda/%s", version.GetVersionInfo().GitVersion))
	return u.t.RoundTrip(req)
}
