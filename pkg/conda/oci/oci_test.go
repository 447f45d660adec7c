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

package oci

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMirror(t *testing.T) {
	m, err := ParseMirror("oci://ghcr.io/channel-mirrors/conda-forge")
	require.NoError(t, err)
	require.Equal(t, "ghcr.io", m.Registry)
	require.Equal(t, "channel-mirrors/conda-forge", m.Namespace)

	_, err = ParseMirror("https://ghcr.io/x")
	require.Error(t, err)
}

func TestRepoPathEscapesLeadingUnderscore(t *testing.T) {
	require.Equal(t, "zzz_libgcc_mutex", repoPath("_libgcc_mutex"))
	require.Equal(t, "numpy", repoPath("numpy"))
}

func TestTagEscapes(t *testing.T) {
	require.Equal(t, "1.0-0", tagOf("1.0", "0"))
	require.Equal(t, "1.0__p__cuda-0", tagOf("1.0+cuda", "0"))
	require.Equal(t, "2__e__1.0-0", tagOf("2!1.0", "0"))
	require.Equal(t, "1.0-b__eq__2", tagOf("1.0", "b=2"))
}

func TestReference(t *testing.T) {
	m, err := ParseMirror("oci://ghcr.io/channel-mirrors/conda-forge")
	require.NoError(t, err)
	ref, err := m.Reference("linux-64", "_openmp_mutex-4.5-2_gnu.conda")
	require.NoError(t, err)
	require.Equal(t, "ghcr.io/channel-mirrors/conda-forge/linux-64/zzz_openmp_mutex:4.5-2_gnu", ref.String())
}
