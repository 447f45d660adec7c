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
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintf(w, "prefix\t%s\n", prefixDir())
			fmt.Fprintf(w, "platform\t%s\n", platformSubdir())
			fmt.Fprintf(w, "cache_dir\t%s\n", cacheDir())
			fmt.Fprintf(w, "channel_alias\t%s\n", viper.GetString("channel_alias"))
			fmt.Fprintf(w, "channels\t%s\n", strings.Join(channelList(), ", "))
			fmt.Fprintf(w, "default_channels\t%s\n", strings.Join(viper.GetStringSlice("default_channels"), ", "))
			if viper.ConfigFileUsed() != "" {
				fmt.Fprintf(w, "config_file\t%s\n", viper.ConfigFileUsed())
			}
			return w.Flush()
		},
	}
}
