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

package repo

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const sampleRecord = `{
	"build": "py38h1234_0",
	"build_number": 0,
	"depends": ["python >=3.8,<3.9.0a0", "libblas"],
	"constrains": [],
	"license": "BSD-3-Clause",
	"md5": "0123456789abcdef0123456789abcdef",
	"name": "numpy",
	"sha256": "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
	"size": 6303029,
	"subdir": "linux-64",
	"timestamp": 1649124524000,
	"version": "1.21.5"
}`

func TestParseRecord(t *testing.T) {
	info, err := ParseRecord("numpy-1.21.5-py38h1234_0.conda", []byte(sampleRecord))
	require.NoError(t, err)
	require.Equal(t, "numpy", info.Name)
	require.Equal(t, "1.21.5", info.Version)
	require.Equal(t, "py38h1234_0", info.BuildString)
	require.Equal(t, "linux-64", info.Subdir)
	require.Len(t, info.Depends, 2)
	require.Empty(t, info.Constrains)
	require.Equal(t, NoarchNo, info.Noarch)
}

func TestParseFilename(t *testing.T) {
	name, version, build, err := ParseFilename("numpy-1.21.5-py38h1234_0.conda")
	require.NoError(t, err)
	require.Equal(t, "numpy", name)
	require.Equal(t, "1.21.5", version)
	require.Equal(t, "py38h1234_0", build)

	name, _, _, err = ParseFilename("my-pkg-1.0-0.tar.bz2")
	require.NoError(t, err)
	require.Equal(t, "my-pkg", name)

	_, _, _, err = ParseFilename("nodashes.conda")
	require.Error(t, err)
	_, _, _, err = ParseFilename("plainfile.txt")
	require.Error(t, err)
}

func TestSignableStableAndShaped(t *testing.T) {
	info, err := ParseRecord("numpy-1.21.5-py38h1234_0.conda", []byte(sampleRecord))
	require.NoError(t, err)

	first := info.JSONSignable()
	second := info.JSONSignable()
	require.Equal(t, first, second)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(first, &decoded))
	// the explicitly empty constrains array survives
	require.Equal(t, []any{}, decoded["constrains"])
	_, hasNoarch := decoded["noarch"]
	require.False(t, hasNoarch)
	require.Equal(t, "numpy", decoded["name"])
}

func TestRecordRoundTrip(t *testing.T) {
	info, err := ParseRecord("numpy-1.21.5-py38h1234_0.conda", []byte(sampleRecord))
	require.NoError(t, err)

	out, err := json.Marshal(info)
	require.NoError(t, err)

	again, err := ParseRecord("numpy-1.21.5-py38h1234_0.conda", out)
	require.NoError(t, err)
	require.Equal(t, info.JSONSignable(), again.JSONSignable())
}

func TestNoarchVariants(t *testing.T) {
	info, err := ParseRecord("tzdata-2024a-h0_0.conda", []byte(`{"name":"tzdata","version":"2024a","build":"h0_0","noarch":"generic"}`))
	require.NoError(t, err)
	require.Equal(t, NoarchGeneric, info.Noarch)

	info, err = ParseRecord("six-1.16.0-pyhd3_0.conda", []byte(`{"name":"six","version":"1.16.0","build":"pyhd3_0","noarch":"python"}`))
	require.NoError(t, err)
	require.Equal(t, NoarchPython, info.Noarch)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(info.JSONSignable(), &decoded))
	require.Equal(t, "python", decoded["noarch"])
}

func TestParseRepodata(t *testing.T) {
	doc := `{
		"info": {"subdir": "linux-64"},
		"packages": {
			"a-1.0-0.tar.bz2": {"name":"a","version":"1.0","build":"0","depends":["b"]},
			"b-2.0-0.tar.bz2": {"name":"b","version":"2.0","build":"0"},
			"gone-1.0-0.tar.bz2": {"name":"gone","version":"1.0","build":"0"}
		},
		"packages.conda": {
			"a-1.0-0.conda": {"name":"a","version":"1.0","build":"0","depends":["b"]}
		},
		"removed": ["gone-1.0-0.tar.bz2"]
	}`
	rd, err := ParseRepodata("https://x.example/ch", []byte(doc))
	require.NoError(t, err)
	require.Equal(t, "linux-64", rd.Subdir)
	// the .conda entry shadows the .tar.bz2 of the same build, and the
	// removed tombstone drops "gone"
	require.Equal(t, 2, rd.Count())
	names := map[string]string{}
	for _, p := range rd.Packages {
		names[p.Name] = p.Filename
	}
	want := map[string]string{"a": "a-1.0-0.conda", "b": "b-2.0-0.tar.bz2"}
	require.Empty(t, cmp.Diff(want, names))
	for _, p := range rd.Packages {
		require.Equal(t, "linux-64", p.Subdir)
		require.Contains(t, p.PackageURL, "https://x.example/ch/linux-64/")
	}
}

func TestCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCache(dir)
	require.NoError(t, err)

	url := "https://conda.anaconda.org/conda-forge/linux-64/repodata.json"
	body := `{"info":{"subdir":"linux-64"},"packages":{}}`
	n, err := c.Store(url, newStringReader(body), `"etag123"`, "Wed, 01 May 2024 00:00:00 GMT")
	require.NoError(t, err)
	require.Equal(t, int64(len(body)), n)

	got, state, err := c.Load(url)
	require.NoError(t, err)
	require.JSONEq(t, body, string(got))
	require.Equal(t, `"etag123"`, state.ETag)
	require.Equal(t, url, state.URL)
	require.Equal(t, int64(len(body)), state.Size)

	c.Evict(url)
	_, _, err = c.Load(url)
	require.Error(t, err)
}

func TestCacheCorruptSidecar(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCache(dir)
	require.NoError(t, err)

	url := "https://x.example/repodata.json"
	_, err = c.Store(url, newStringReader(`{}`), "", "")
	require.NoError(t, err)

	require.NoError(t, writeFile(c.statePath(url), "not json"))
	_, _, err = c.Load(url)
	var cerr *CacheError
	require.ErrorAs(t, err, &cerr)
}
