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

package solver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gonda-dev/gonda/pkg/conda/pool"
	"github.com/gonda-dev/gonda/pkg/conda/repo"
	"github.com/gonda-dev/gonda/pkg/conda/spec"
)

func pkg(name, version, build string, depends ...string) repo.PackageInfo {
	return repo.PackageInfo{
		Name:        name,
		Version:     version,
		BuildString: build,
		Depends:     depends,
	}
}

type fixture struct {
	pool      *pool.Pool
	installed pool.RepoID
	channel   pool.RepoID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	p := pool.New()
	return &fixture{
		pool:      p,
		installed: p.AddRepo("installed", pool.Priority{Channel: -1}),
		channel:   p.AddRepo("conda-forge", pool.Priority{Channel: 1}),
	}
}

func (f *fixture) add(t *testing.T, r pool.RepoID, infos ...repo.PackageInfo) {
	t.Helper()
	for _, info := range infos {
		_, err := f.pool.AddSolvable(r, info)
		require.NoError(t, err)
	}
}

func (f *fixture) solve(t *testing.T, opts Options, req Request) (*Transaction, error) {
	t.Helper()
	s := New(f.pool, f.installed, opts)
	return s.Solve(context.Background(), BuildJobs(f.pool, req))
}

func specs(t *testing.T, in ...string) []*spec.MatchSpec {
	t.Helper()
	out := make([]*spec.MatchSpec, 0, len(in))
	for _, s := range in {
		ms, err := spec.Parse(s)
		require.NoError(t, err)
		out = append(out, ms)
	}
	return out
}

func opsOf(tx *Transaction) []string {
	var out []string
	for _, op := range tx.Ops {
		out = append(out, op.Kind.String()+" "+op.Info.String())
	}
	return out
}

func TestSimpleInstall(t *testing.T) {
	f := newFixture(t)
	f.add(t, f.channel,
		pkg("a", "1.0", "0", "b"),
		pkg("b", "2.0", "0"),
	)

	tx, err := f.solve(t, Options{}, Request{Install: specs(t, "a")})
	require.NoError(t, err)
	// the dependency installs before its dependent
	require.Equal(t, []string{"install b-2.0-0", "install a-1.0-0"}, opsOf(tx))
}

func TestInstallPicksHighestVersion(t *testing.T) {
	f := newFixture(t)
	rebuilt := pkg("a", "2.0", "1")
	rebuilt.BuildNumber = 1
	f.add(t, f.channel,
		pkg("a", "1.0", "0"),
		pkg("a", "2.0", "0"),
		rebuilt,
	)

	tx, err := f.solve(t, Options{}, Request{Install: specs(t, "a")})
	require.NoError(t, err)
	require.Equal(t, []string{"install a-2.0-1"}, opsOf(tx))
}

func TestDowngradeForbidden(t *testing.T) {
	f := newFixture(t)
	f.add(t, f.installed, pkg("a", "2.0", "0"))
	f.add(t, f.channel, pkg("a", "1.0", "0"), pkg("a", "2.0", "0"))

	_, err := f.solve(t, Options{AllowDowngrade: false}, Request{Install: specs(t, "a=1.0")})
	var rerr *ResolveError
	require.ErrorAs(t, err, &rerr)
	require.NotNil(t, rerr.Graph)
}

func TestDowngradeAllowed(t *testing.T) {
	f := newFixture(t)
	f.add(t, f.installed, pkg("a", "2.0", "0"))
	f.add(t, f.channel, pkg("a", "1.0", "0"), pkg("a", "2.0", "0"))

	tx, err := f.solve(t, Options{AllowDowngrade: true}, Request{Install: specs(t, "a=1.0")})
	require.NoError(t, err)
	require.Equal(t, []string{"downgrade a-1.0-0"}, opsOf(tx))
}

func TestUpdateAll(t *testing.T) {
	f := newFixture(t)
	f.add(t, f.installed, pkg("a", "1.0", "0"), pkg("b", "1.0", "0"))
	f.add(t, f.channel,
		pkg("a", "1.0", "0"), pkg("a", "1.1", "0"),
		pkg("b", "1.0", "0"), pkg("b", "1.1", "0"),
	)

	tx, err := f.solve(t, Options{}, Request{UpdateAll: true})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"upgrade a-1.1-0", "upgrade b-1.1-0"}, opsOf(tx))
}

func TestStrictChannelPriority(t *testing.T) {
	p := pool.New()
	installed := p.AddRepo("installed", pool.Priority{Channel: -1})
	high := p.AddRepo("high", pool.Priority{Channel: 2})
	low := p.AddRepo("low", pool.Priority{Channel: 1})
	_, err := p.AddSolvable(high, pkg("x", "1.0", "0"))
	require.NoError(t, err)
	_, err = p.AddSolvable(low, pkg("x", "2.0", "0"))
	require.NoError(t, err)

	s := New(p, installed, Options{StrictPriority: true})
	tx, err := s.Solve(context.Background(), BuildJobs(p, Request{Install: mustSpecs(t, "x")}))
	require.NoError(t, err)
	// strict priority refuses the lower channel's newer version
	require.Equal(t, []string{"install x-1.0-0"}, opsOf(tx))

	s = New(p, installed, Options{})
	tx, err = s.Solve(context.Background(), BuildJobs(p, Request{Install: mustSpecs(t, "x")}))
	require.NoError(t, err)
	// flexible priority still prefers the higher channel
	require.Equal(t, []string{"install x-1.0-0"}, opsOf(tx))
}

func mustSpecs(t *testing.T, in ...string) []*spec.MatchSpec {
	return specs(t, in...)
}

func TestRemoveWithPrune(t *testing.T) {
	f := newFixture(t)
	f.add(t, f.installed,
		pkg("app", "1.0", "0", "lib"),
		pkg("lib", "1.0", "0"),
		pkg("other", "1.0", "0"),
	)

	tx, err := f.solve(t, Options{}, Request{Remove: specs(t, "app"), Prune: true})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"remove app-1.0-0", "remove lib-1.0-0"}, opsOf(tx))
}

func TestRemoveKeepsSharedDeps(t *testing.T) {
	f := newFixture(t)
	f.add(t, f.installed,
		pkg("app", "1.0", "0", "lib"),
		pkg("keeper", "1.0", "0", "lib"),
		pkg("lib", "1.0", "0"),
	)

	tx, err := f.solve(t, Options{}, Request{Remove: specs(t, "app"), Prune: true})
	require.NoError(t, err)
	require.Equal(t, []string{"remove app-1.0-0"}, opsOf(tx))
}

func TestSolutionSatisfiesEverySpec(t *testing.T) {
	f := newFixture(t)
	f.add(t, f.channel,
		pkg("py", "3.10", "0"),
		pkg("py", "3.11", "0"),
		pkg("numpy", "1.24", "0", "py >=3.10"),
		pkg("pandas", "2.0", "0", "numpy >=1.20", "py >=3.10"),
	)

	req := Request{Install: specs(t, "pandas", "numpy")}
	tx, err := f.solve(t, Options{}, req)
	require.NoError(t, err)

	got := map[string]repo.PackageInfo{}
	for _, op := range tx.Ops {
		require.NotEqual(t, OpRemove, op.Kind)
		got[op.Info.Name] = op.Info
	}
	for _, ms := range req.Install {
		matched := 0
		for _, info := range got {
			if ms.Matches(info.Record()) {
				matched++
			}
		}
		require.Equal(t, 1, matched, ms.String())
	}
	// every dependency of every installed package is satisfied in the set
	for _, info := range got {
		for _, d := range info.Depends {
			ms, err := spec.Parse(d)
			require.NoError(t, err)
			found := false
			for _, other := range got {
				if ms.Matches(other.Record()) {
					found = true
				}
			}
			require.True(t, found, "dependency %s of %s", d, info.Name)
		}
	}
}

func TestConflictExplanation(t *testing.T) {
	f := newFixture(t)
	f.add(t, f.channel,
		pkg("a", "1.0", "0", "b ==1"),
		pkg("c", "1.0", "0", "b ==2"),
		pkg("b", "1", "0"),
		pkg("b", "2", "0"),
	)

	_, err := f.solve(t, Options{}, Request{Install: specs(t, "a", "c")})
	var rerr *ResolveError
	require.ErrorAs(t, err, &rerr)

	g := rerr.Graph
	require.True(t, g.HasEdge("a-1.0-0", "b==1"), "missing a -> b==1 edge\n%s", g)
	require.True(t, g.HasEdge("c-1.0-0", "b==2"), "missing c -> b==2 edge\n%s", g)
	require.Contains(t, g.ConflictNames(), "b")

	// rendering terminates even though conflict edges may alias nodes
	require.NotEmpty(t, g.String())
}

func TestMissingPackageExplanation(t *testing.T) {
	f := newFixture(t)
	f.add(t, f.channel, pkg("a", "1.0", "0", "ghost"))

	_, err := f.solve(t, Options{}, Request{Install: specs(t, "a")})
	var rerr *ResolveError
	require.ErrorAs(t, err, &rerr)
	found := false
	for _, n := range rerr.Graph.Nodes {
		if n.Kind == NodeMissing && n.Label == "ghost" {
			found = true
		}
	}
	require.True(t, found)
}

func TestFreezeInstalledBlocksTransitiveMoves(t *testing.T) {
	f := newFixture(t)
	f.add(t, f.installed, pkg("lib", "1.0", "0"))
	f.add(t, f.channel,
		pkg("lib", "1.0", "0"),
		pkg("lib", "2.0", "0"),
		pkg("app", "1.0", "0", "lib >=2.0"),
	)

	_, err := f.solve(t, Options{FreezeInstalled: true}, Request{Install: specs(t, "app")})
	var rerr *ResolveError
	require.ErrorAs(t, err, &rerr)

	tx, err := f.solve(t, Options{}, Request{Install: specs(t, "app")})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"upgrade lib-2.0-0", "install app-1.0-0"}, opsOf(tx))
}

func TestConstrainsBoundCoinstalledPackages(t *testing.T) {
	f := newFixture(t)
	cuda := pkg("cudatoolkit", "10.0", "0")
	lib := pkg("lib", "1.0", "0")
	lib.Constrains = []string{"cudatoolkit >=11"}
	f.add(t, f.channel,
		cuda,
		pkg("cudatoolkit", "11.2", "0"),
		lib,
	)

	// lib's constrain forces the newer cudatoolkit when both install
	tx, err := f.solve(t, Options{}, Request{Install: specs(t, "lib", "cudatoolkit")})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"install lib-1.0-0", "install cudatoolkit-11.2-0"}, opsOf(tx))

	// but a bare cudatoolkit install without lib is unconstrained
	tx, err = f.solve(t, Options{}, Request{Install: specs(t, "cudatoolkit")})
	require.NoError(t, err)
	require.Equal(t, []string{"install cudatoolkit-11.2-0"}, opsOf(tx))
}

func TestInterruptedContextStillSolves(t *testing.T) {
	// the solver is pure CPU; context is for tracing and logging only
	f := newFixture(t)
	f.add(t, f.channel, pkg("a", "1.0", "0"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := New(f.pool, f.installed, Options{})
	_, err := s.Solve(ctx, BuildJobs(f.pool, Request{Install: specs(t, "a")}))
	require.False(t, errors.Is(err, context.Canceled))
}
