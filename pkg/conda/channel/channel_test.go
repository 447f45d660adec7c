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

package channel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gonda-dev/gonda/pkg/conda/spec"
)

func TestResolveName(t *testing.T) {
	r := NewResolver("", nil, []string{"linux-64", "noarch"})
	chans, err := r.Resolve(spec.ParseChannelSpec("conda-forge"))
	require.NoError(t, err)
	require.Len(t, chans, 1)
	require.Equal(t, "conda-forge", chans[0].Name)
	require.Equal(t, "https://conda.anaconda.org/conda-forge", chans[0].BaseURL)
	require.Equal(t, []string{"linux-64", "noarch"}, chans[0].Platforms)
}

func TestResolveURLKeepsPlatformFilters(t *testing.T) {
	r := NewResolver("", nil, []string{"linux-64", "noarch"})
	chans, err := r.Resolve(spec.ParseChannelSpec("https://repo.example.com/stable[osx-64]"))
	require.NoError(t, err)
	require.Len(t, chans, 1)
	require.Equal(t, []string{"osx-64"}, chans[0].Platforms)
	require.Equal(t, "https://repo.example.com/stable", chans[0].BaseURL)
}

func TestResolveDefaults(t *testing.T) {
	r := NewResolver("https://repo.example.com", []string{"main", "free"}, []string{"noarch"})
	chans, err := r.Resolve(spec.ParseChannelSpec("defaults"))
	require.NoError(t, err)
	require.Len(t, chans, 2)
	require.Equal(t, "https://repo.example.com/main", chans[0].BaseURL)
	require.Equal(t, "https://repo.example.com/free", chans[1].BaseURL)
}

func TestResolvePath(t *testing.T) {
	r := NewResolver("", nil, []string{"noarch"})
	chans, err := r.Resolve(spec.ParseChannelSpec("/srv/conda-bld"))
	require.NoError(t, err)
	require.Equal(t, "file:///srv/conda-bld", chans[0].BaseURL)
}

func TestResolvePackageURLRejected(t *testing.T) {
	r := NewResolver("", nil, nil)
	_, err := r.Resolve(spec.ParseChannelSpec("https://x.com/ch/linux-64/pkg-1.0-0.conda"))
	require.Error(t, err)
}

func TestURLComposition(t *testing.T) {
	c := Channel{Name: "conda-forge", BaseURL: "https://conda.anaconda.org/conda-forge"}
	require.Equal(t, "https://conda.anaconda.org/conda-forge/linux-64/repodata.json", c.RepodataURL("linux-64"))
	require.Equal(t, "https://conda.anaconda.org/conda-forge/noarch/pkg-1.0-0.conda", c.PackageURL("noarch", "pkg-1.0-0.conda"))
}
