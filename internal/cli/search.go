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
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gonda-dev/gonda/pkg/conda/pool"
	"github.com/gonda-dev/gonda/pkg/conda/spec"
)

func searchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search SPEC",
		Short: "Search channels for packages matching a spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ms, err := spec.Parse(args[0])
			if err != nil {
				return err
			}

			pl, _, _, err := buildPool(cmd.Context())
			if err != nil {
				return err
			}
			dep := pl.InternMatchSpec(ms)
			pl.RebuildWhatProvides()

			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tBUILD\tCHANNEL\tSUBDIR")
			count := 0
			err = pl.ForEachWhatProvides(dep, func(s *pool.Solvable) bool {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					s.Info.Name, s.Info.Version, s.Info.BuildString,
					pl.Repo(s.Repo).Name, s.Info.Subdir)
				count++
				return true
			})
			if err != nil {
				return err
			}
			w.Flush()
			if count == 0 {
				return fmt.Errorf("no packages match %s", ms)
			}
			return nil
		},
	}
}
