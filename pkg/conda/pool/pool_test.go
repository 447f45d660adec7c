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

package pool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gonda-dev/gonda/pkg/conda/repo"
)

func pkg(name, version, build string, depends ...string) repo.PackageInfo {
	return repo.PackageInfo{
		Name:        name,
		Version:     version,
		BuildString: build,
		Depends:     depends,
	}
}

func TestInternStringIdempotent(t *testing.T) {
	p := New()
	a := p.InternString("python")
	b := p.InternString("python")
	c := p.InternString("numpy")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Equal(t, "python", p.StringOf(a))
}

func TestInternDependencyIdempotent(t *testing.T) {
	p := New()
	a := p.InternDependency("python", RelGreaterEq, "3.8")
	b := p.InternDependency("python", RelGreaterEq, "3.8")
	c := p.InternDependency("python", RelGreater, "3.8")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestRepoIDReuse(t *testing.T) {
	p := New()
	r1 := p.AddRepo("one", Priority{})
	r2 := p.AddRepo("two", Priority{})
	require.NotEqual(t, r1, r2)
	p.RemoveRepo(r1, true)
	r3 := p.AddRepo("three", Priority{})
	require.Equal(t, r1, r3)
}

func TestWhatProvides(t *testing.T) {
	p := New()
	r := p.AddRepo("channel", Priority{})
	_, err := p.AddSolvable(r, pkg("a", "1.0", "0", "b"))
	require.NoError(t, err)
	_, err = p.AddSolvable(r, pkg("b", "1.0", "0"))
	require.NoError(t, err)
	_, err = p.AddSolvable(r, pkg("b", "2.0", "0"))
	require.NoError(t, err)

	dep, err := p.InternDepString("b >=2.0")
	require.NoError(t, err)

	// query before rebuild fails
	err = p.ForEachWhatProvides(dep, func(*Solvable) bool { return true })
	require.ErrorIs(t, err, ErrStale)

	p.RebuildWhatProvides()
	got, err := p.WhatProvides(dep)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "2.0", got[0].Info.Version)

	anyB, err := p.InternDepString("b")
	require.NoError(t, err)
	got, err = p.WhatProvides(anyB)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// insertion order within a repository
	require.Equal(t, "1.0", got[0].Info.Version)
	require.Equal(t, "2.0", got[1].Info.Version)
}

func TestWhatProvidesPriorityOrder(t *testing.T) {
	p := New()
	low := p.AddRepo("low", Priority{Channel: 1})
	high := p.AddRepo("high", Priority{Channel: 2})
	_, err := p.AddSolvable(low, pkg("x", "2.0", "0"))
	require.NoError(t, err)
	_, err = p.AddSolvable(high, pkg("x", "1.0", "0"))
	require.NoError(t, err)
	p.RebuildWhatProvides()

	dep, err := p.InternDepString("x")
	require.NoError(t, err)
	got, err := p.WhatProvides(dep)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// the higher-priority repo enumerates first even with a lower version
	require.Equal(t, "1.0", got[0].Info.Version)
	require.Equal(t, "2.0", got[1].Info.Version)
}

func TestRemoveRepoInvalidatesSolvables(t *testing.T) {
	p := New()
	r := p.AddRepo("channel", Priority{})
	sid, err := p.AddSolvable(r, pkg("a", "1.0", "0"))
	require.NoError(t, err)
	p.RebuildWhatProvides()
	require.NotNil(t, p.Solvable(sid))

	p.RemoveRepo(r, true)
	require.Nil(t, p.Solvable(sid))
	p.RebuildWhatProvides()

	dep, err := p.InternDepString("a")
	require.NoError(t, err)
	got, err := p.WhatProvides(dep)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestTrackFeatureVirtualProvides(t *testing.T) {
	p := New()
	r := p.AddRepo("channel", Priority{})
	info := pkg("mkl", "2024.0", "0")
	info.TrackFeatures = []string{"mkl"}
	_, err := p.AddSolvable(r, info)
	require.NoError(t, err)
	p.RebuildWhatProvides()

	dep, err := p.InternDepString("@mkl")
	require.NoError(t, err)
	got, err := p.WhatProvides(dep)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestSelectSolvables(t *testing.T) {
	p := New()
	r := p.AddRepo("channel", Priority{})
	_, err := p.AddSolvable(r, pkg("a", "1.0", "0"))
	require.NoError(t, err)
	_, err = p.AddSolvable(r, pkg("b", "1.0", "0"))
	require.NoError(t, err)
	p.RebuildWhatProvides()

	da, err := p.InternDepString("a")
	require.NoError(t, err)
	db, err := p.InternDepString("b")
	require.NoError(t, err)
	ids, err := p.SelectSolvables([]DependencyID{da, db, da})
	require.NoError(t, err)
	require.Len(t, ids, 2)
}
