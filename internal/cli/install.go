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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"github.com/gonda-dev/gonda/pkg/conda/fetch"
	"github.com/gonda-dev/gonda/pkg/conda/repo"
	"github.com/gonda-dev/gonda/pkg/conda/solver"
	"github.com/gonda-dev/gonda/pkg/conda/spec"
)

func installCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:     "install SPEC...",
		Short:   "Install packages into the target prefix",
		Example: `  gonda install "numpy>=1.24" "python=3.11"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := parseSpecs(args)
			if err != nil {
				return err
			}
			return runTransaction(cmd.Context(), solver.Request{Install: specs}, dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "solve and print the transaction without downloading")
	return cmd
}

func updateCmd() *cobra.Command {
	var all, dryRun bool
	cmd := &cobra.Command{
		Use:   "update [SPEC...]",
		Short: "Update packages in the target prefix",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("nothing to update: pass specs or --all")
			}
			specs, err := parseSpecs(args)
			if err != nil {
				return err
			}
			return runTransaction(cmd.Context(), solver.Request{
				Update:    specs,
				UpdateAll: all,
			}, dryRun)
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "update every installed package")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "solve and print the transaction without downloading")
	return cmd
}

func removeCmd() *cobra.Command {
	var prune, dryRun bool
	cmd := &cobra.Command{
		Use:     "remove SPEC...",
		Aliases: []string{"uninstall"},
		Short:   "Remove packages from the target prefix",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := parseSpecs(args)
			if err != nil {
				return err
			}
			return runTransaction(cmd.Context(), solver.Request{
				Remove: specs,
				Prune:  prune,
			}, dryRun)
		},
	}
	cmd.Flags().BoolVar(&prune, "prune", true, "also remove dependencies that become orphaned")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "solve and print the transaction without downloading")
	return cmd
}

func parseSpecs(args []string) ([]*spec.MatchSpec, error) {
	out := make([]*spec.MatchSpec, 0, len(args))
	for _, a := range args {
		ms, err := spec.Parse(a)
		if err != nil {
			return nil, err
		}
		out = append(out, ms)
	}
	return out, nil
}

// runTransaction is the shared install/update/remove driver: build the pool,
// solve, fetch, and record the new prefix state.
func runTransaction(ctx context.Context, req solver.Request, dryRun bool) error {
	log := clog.FromContext(ctx)

	pl, installed, _, err := buildPool(ctx)
	if err != nil {
		return err
	}

	s := solver.New(pl, installed, solver.Options{
		AllowDowngrade:  globalOpts.AllowDowngrade,
		FreezeInstalled: globalOpts.FreezeInstalled,
		StrictPriority:  globalOpts.StrictPriority,
	})
	tx, err := s.Solve(ctx, solver.BuildJobs(pl, req))
	if err != nil {
		return err
	}
	if tx.Empty() {
		fmt.Println("nothing to do, the environment is up to date")
		return nil
	}

	for _, op := range tx.Ops {
		if op.Replaced != nil {
			fmt.Printf("  %-10s %s (was %s)\n", op.Kind, op.Info, op.Replaced)
		} else {
			fmt.Printf("  %-10s %s\n", op.Kind, op.Info)
		}
	}
	if dryRun {
		return nil
	}

	if err := fetchArtifacts(ctx, tx.FetchList()); err != nil {
		return err
	}
	if err := recordPrefixState(tx); err != nil {
		return err
	}
	log.Infof("transaction of %d operations complete", len(tx.Ops))
	return nil
}

// fetchArtifacts downloads every incoming artifact into the package cache,
// largest first, verifying the repodata digests.
func fetchArtifacts(ctx context.Context, pkgs []repo.PackageInfo) error {
	if len(pkgs) == 0 {
		return nil
	}
	d := fetch.NewMultiDownloader(fetch.Options{
		MaxParallel: globalOpts.MaxParallel,
		Sort:        true,
		UserAgent:   "gonda",
	})
	for _, p := range pkgs {
		target := fetch.NewTarget(p.String(), p.PackageURL, filepath.Join(packagesDir(), p.ArtifactFilename()))
		target.ExpectedSize = p.Size
		target.ExpectedSHA256 = p.SHA256
		target.ExpectedMD5 = p.MD5
		target.Progress = newLogSink(ctx, p.String())
		d.Add(target)
	}
	_, err := d.Download(ctx)
	return err
}

// recordPrefixState writes conda-meta records for the transaction result so
// the next resolution sees the new installed state. Extraction of the
// artifacts into the prefix tree is delegated to the platform layer.
func recordPrefixState(tx *solver.Transaction) error {
	metaDir := filepath.Join(prefixDir(), "conda-meta")
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return err
	}
	recordPath := func(p repo.PackageInfo) string {
		return filepath.Join(metaDir, fmt.Sprintf("%s-%s-%s.json", p.Name, p.Version, p.BuildString))
	}
	for _, op := range tx.Ops {
		if op.Replaced != nil {
			os.Remove(recordPath(*op.Replaced))
		}
		switch op.Kind {
		case solver.OpRemove:
			os.Remove(recordPath(op.Info))
		default:
			data, err := json.MarshalIndent(op.Info, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(recordPath(op.Info), data, 0o644); err != nil {
				return err
			}
		}
	}
	return nil
}
