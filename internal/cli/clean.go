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
	"path/filepath"

	"github.com/spf13/cobra"
)

func cleanCmd() *cobra.Command {
	var packages, index, all bool
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove cached repodata and package artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all {
				packages, index = true, true
			}
			if !packages && !index {
				return fmt.Errorf("nothing selected: pass --packages, --index or --all")
			}
			if index {
				if err := os.RemoveAll(filepath.Join(cacheDir(), "repodata")); err != nil {
					return err
				}
				fmt.Println("removed repodata cache")
			}
			if packages {
				if err := os.RemoveAll(packagesDir()); err != nil {
					return err
				}
				fmt.Println("removed package cache")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&packages, "packages", false, "remove downloaded package artifacts")
	cmd.Flags().BoolVar(&index, "index", false, "remove cached repodata")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "remove everything")
	return cmd
}
