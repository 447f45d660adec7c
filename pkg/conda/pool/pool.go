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

// Package pool is the arena the resolver runs over: interned strings and
// dependencies, repositories of solvables, and the what-provides index.
// Solvables are indexes into the arena, never owning handles.
//
// The pool is not safe for concurrent mutation. After the last mutation and
// a RebuildWhatProvides call it may be shared read-only.
package pool

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gonda-dev/gonda/pkg/conda/repo"
	"github.com/gonda-dev/gonda/pkg/conda/spec"
	"github.com/gonda-dev/gonda/pkg/conda/version"
)

// StringID is an interned string; stable within one pool.
type StringID int

// DependencyID is an interned dependency triple; stable within one pool.
type DependencyID int

// SolvableID is a package candidate; stable until its repository is removed.
type SolvableID int

// RepoID is a repository; ids are dense and reusable after removal.
type RepoID int

// RelFlag encodes the relation of a dependency triple, or its boolean
// composition for AND/OR nodes.
type RelFlag int

const (
	RelAny RelFlag = iota
	RelLess
	RelLessEq
	RelEq
	RelNotEq
	RelGreaterEq
	RelGreater
	RelCompat
	RelAnd
	RelOr
)

func (r RelFlag) String() string {
	switch r {
	case RelLess:
		return "<"
	case RelLessEq:
		return "<="
	case RelEq:
		return "="
	case RelNotEq:
		return "!="
	case RelGreaterEq:
		return ">="
	case RelGreater:
		return ">"
	case RelCompat:
		return "~="
	case RelAnd:
		return ","
	case RelOr:
		return "|"
	default:
		return ""
	}
}

// Dependency is an interned triple (name, rel, version), or a composition of
// two other dependencies when Rel is RelAnd/RelOr.
type Dependency struct {
	Name    StringID
	Rel     RelFlag
	Version StringID
	Left    DependencyID
	Right   DependencyID

	// the parsed constraint the triple was interned from; not part of the
	// identity
	matcher *spec.MatchSpec
	raw     string
}

// Solvable is one concrete candidate: interned name and version plus its
// dependency id lists.
type Solvable struct {
	ID          SolvableID
	Repo        RepoID
	Name        StringID
	Version     StringID
	BuildString string
	BuildNumber int
	Depends     []DependencyID
	Constrains  []DependencyID
	Provides    []DependencyID
	Info        repo.PackageInfo
}

// Priority orders repositories: higher wins, channel before subdir.
type Priority struct {
	Channel int
	Subdir  int
}

// Less orders priorities; higher tuples win, channel before subdir.
func (p Priority) Less(o Priority) bool {
	if p.Channel != o.Channel {
		return p.Channel < o.Channel
	}
	return p.Subdir < o.Subdir
}

// Repo is a repository of solvables inside a pool.
type Repo struct {
	ID        RepoID
	Name      string
	Priority  Priority
	System    bool
	solvables []SolvableID
	live      bool
}

// Count returns the number of solvables in the repository.
func (r *Repo) Count() int { return len(r.solvables) }

// Solvables returns the solvable ids in insertion order.
func (r *Repo) Solvables() []SolvableID { return append([]SolvableID(nil), r.solvables...) }

// Pool is the resolution arena.
type Pool struct {
	strings   []string
	stringIDs map[string]StringID

	deps   []Dependency
	depIDs map[string]DependencyID

	repos []*Repo // indexed by RepoID; removed slots are nil until reused

	solvables []*Solvable // indexed by SolvableID; nil when the repo was removed

	whatProvides map[StringID][]SolvableID
	dirty        bool
}

// New creates an empty pool.
func New() *Pool {
	return &Pool{
		stringIDs: map[string]StringID{},
		depIDs:    map[string]DependencyID{},
	}
}

// InternString returns the id for s, interning it on first use.
func (p *Pool) InternString(s string) StringID {
	if id, ok := p.stringIDs[s]; ok {
		return id
	}
	id := StringID(len(p.strings))
	p.strings = append(p.strings, s)
	p.stringIDs[s] = id
	return id
}

// StringOf resolves an interned id.
func (p *Pool) StringOf(id StringID) string {
	if int(id) < 0 || int(id) >= len(p.strings) {
		return ""
	}
	return p.strings[id]
}

// InternDependency interns a (name, rel, version) triple.
func (p *Pool) InternDependency(name string, rel RelFlag, ver string) DependencyID {
	key := name + "\x00" + rel.String() + "\x00" + ver
	if id, ok := p.depIDs[key]; ok {
		return id
	}
	dep := Dependency{
		Name:    p.InternString(strings.ToLower(name)),
		Rel:     rel,
		Version: p.InternString(ver),
		Left:    -1,
		Right:   -1,
		raw:     depString(name, rel, ver),
	}
	if ms, err := spec.Parse(dep.raw); err == nil {
		dep.matcher = ms
	}
	id := DependencyID(len(p.deps))
	p.deps = append(p.deps, dep)
	p.depIDs[key] = id
	return id
}

func depString(name string, rel RelFlag, ver string) string {
	if rel == RelAny || ver == "" {
		return name
	}
	op := rel.String()
	if rel == RelEq {
		// conda's "=" is the starts-with relation
		op = "="
	}
	return name + " " + op + ver
}

// InternComposite interns an AND/OR composition of two dependency ids.
func (p *Pool) InternComposite(rel RelFlag, left, right DependencyID) (DependencyID, error) {
	if rel != RelAnd && rel != RelOr {
		return 0, fmt.Errorf("composite dependencies must be AND or OR")
	}
	key := fmt.Sprintf("\x01%d\x00%d\x00%d", rel, left, right)
	if id, ok := p.depIDs[key]; ok {
		return id, nil
	}
	id := DependencyID(len(p.deps))
	p.deps = append(p.deps, Dependency{Rel: rel, Left: left, Right: right})
	p.depIDs[key] = id
	return id, nil
}

// InternMatchSpec interns a parsed match spec as a dependency.
func (p *Pool) InternMatchSpec(ms *spec.MatchSpec) DependencyID {
	raw := ms.String()
	key := "\x02" + raw
	if id, ok := p.depIDs[key]; ok {
		return id
	}
	dep := Dependency{
		Name:    p.InternString(ms.Name().String()),
		Rel:     RelAny,
		Version: p.InternString(ms.Version().String()),
		Left:    -1,
		Right:   -1,
		matcher: ms,
		raw:     raw,
	}
	if !ms.Version().IsFree() {
		dep.Rel = RelEq
	}
	id := DependencyID(len(p.deps))
	p.deps = append(p.deps, dep)
	p.depIDs[key] = id
	return id
}

// InternDepString parses a repodata dependency string and interns it.
func (p *Pool) InternDepString(s string) (DependencyID, error) {
	ms, err := spec.Parse(s)
	if err != nil {
		return 0, err
	}
	return p.InternMatchSpec(ms), nil
}

// Dependency resolves an interned dependency id.
func (p *Pool) Dependency(id DependencyID) *Dependency {
	if int(id) < 0 || int(id) >= len(p.deps) {
		return nil
	}
	return &p.deps[id]
}

// DepString renders a dependency id for error messages.
func (p *Pool) DepString(id DependencyID) string {
	dep := p.Dependency(id)
	if dep == nil {
		return ""
	}
	if dep.Rel == RelAnd || dep.Rel == RelOr {
		return p.DepString(dep.Left) + dep.Rel.String() + p.DepString(dep.Right)
	}
	if dep.raw != "" {
		return dep.raw
	}
	return p.StringOf(dep.Name)
}

// AddRepo creates a repository; removed ids are reused before new ones are
// allocated.
func (p *Pool) AddRepo(name string, prio Priority) RepoID {
	p.dirty = true
	r := &Repo{Name: name, Priority: prio, live: true}
	for i, slot := range p.repos {
		if slot == nil {
			r.ID = RepoID(i)
			p.repos[i] = r
			return r.ID
		}
	}
	r.ID = RepoID(len(p.repos))
	p.repos = append(p.repos, r)
	return r.ID
}

// Repo resolves a repository id; nil after removal with reuseIDs. A repo
// removed without reuseIDs stays resolvable but is no longer live.
func (p *Pool) Repo(id RepoID) *Repo {
	if int(id) < 0 || int(id) >= len(p.repos) {
		return nil
	}
	return p.repos[id]
}

// Repos iterates the live repositories in id order.
func (p *Pool) Repos() []*Repo {
	out := make([]*Repo, 0, len(p.repos))
	for _, r := range p.repos {
		if r != nil && r.live {
			out = append(out, r)
		}
	}
	return out
}

// RemoveRepo destroys a repository and its solvables. With reuseIDs the repo
// id slot becomes available to the next AddRepo.
func (p *Pool) RemoveRepo(id RepoID, reuseIDs bool) {
	r := p.Repo(id)
	if r == nil {
		return
	}
	p.dirty = true
	for _, sid := range r.solvables {
		p.solvables[sid] = nil
	}
	if reuseIDs {
		p.repos[id] = nil
	} else {
		r.live = false
		r.solvables = nil
	}
}

// AddSolvable ingests a package record into a repository.
func (p *Pool) AddSolvable(repoID RepoID, info repo.PackageInfo) (SolvableID, error) {
	r := p.Repo(repoID)
	if r == nil || !r.live {
		return 0, fmt.Errorf("repo %d is not live", repoID)
	}
	p.dirty = true

	s := &Solvable{
		ID:          SolvableID(len(p.solvables)),
		Repo:        repoID,
		Name:        p.InternString(strings.ToLower(info.Name)),
		Version:     p.InternString(info.Version),
		BuildString: info.BuildString,
		BuildNumber: info.BuildNumber,
		Info:        info,
	}
	for _, d := range info.Depends {
		id, err := p.InternDepString(d)
		if err != nil {
			return 0, fmt.Errorf("solvable %s: depends %q: %w", info, d, err)
		}
		s.Depends = append(s.Depends, id)
	}
	for _, c := range info.Constrains {
		id, err := p.InternDepString(c)
		if err != nil {
			return 0, fmt.Errorf("solvable %s: constrains %q: %w", info, c, err)
		}
		s.Constrains = append(s.Constrains, id)
	}
	// every solvable provides its own name at its exact version
	s.Provides = append(s.Provides, p.InternDependency(info.Name, RelEq, info.Version))
	for _, tf := range info.TrackFeatures {
		s.Provides = append(s.Provides, p.InternDependency("@"+tf, RelAny, ""))
	}

	p.solvables = append(p.solvables, s)
	r.solvables = append(r.solvables, s.ID)
	return s.ID, nil
}

// Solvable resolves a solvable id; nil after its repository was removed.
func (p *Pool) Solvable(id SolvableID) *Solvable {
	if int(id) < 0 || int(id) >= len(p.solvables) {
		return nil
	}
	return p.solvables[id]
}

// RebuildWhatProvides rebuilds the reverse index. It must be called after
// any repository mutation and before any query.
func (p *Pool) RebuildWhatProvides() {
	byName := map[StringID][]SolvableID{}

	repos := p.Repos()
	// higher priority repositories enumerate first
	sort.SliceStable(repos, func(i, j int) bool {
		return repos[j].Priority.Less(repos[i].Priority)
	})
	for _, r := range repos {
		for _, sid := range r.solvables {
			s := p.Solvable(sid)
			if s == nil {
				continue
			}
			byName[s.Name] = append(byName[s.Name], sid)
			for _, prov := range s.Provides {
				dep := p.Dependency(prov)
				if dep != nil && dep.Name != s.Name {
					byName[dep.Name] = append(byName[dep.Name], sid)
				}
			}
		}
	}
	p.whatProvides = byName
	p.dirty = false
}

// ErrStale is returned when a query runs against a mutated, unrebuilt pool.
var ErrStale = fmt.Errorf("pool mutated since last RebuildWhatProvides")

// ForEachWhatProvides enumerates the solvables satisfying a dependency.
// Order within a repository is insertion order; across repositories the
// priority tuple wins. Returning false from fn stops the walk.
func (p *Pool) ForEachWhatProvides(dep DependencyID, fn func(*Solvable) bool) error {
	if p.dirty {
		return ErrStale
	}
	d := p.Dependency(dep)
	if d == nil {
		return fmt.Errorf("unknown dependency id %d", dep)
	}
	if d.Rel == RelAnd || d.Rel == RelOr {
		return p.forEachComposite(d, fn)
	}
	for _, sid := range p.whatProvides[d.Name] {
		s := p.Solvable(sid)
		if s == nil {
			continue
		}
		if !p.depMatches(d, s) {
			continue
		}
		if !fn(s) {
			return nil
		}
	}
	return nil
}

func (p *Pool) forEachComposite(d *Dependency, fn func(*Solvable) bool) error {
	seen := map[SolvableID]bool{}
	collect := func(id DependencyID) (map[SolvableID]bool, error) {
		out := map[SolvableID]bool{}
		err := p.ForEachWhatProvides(id, func(s *Solvable) bool {
			out[s.ID] = true
			return true
		})
		return out, err
	}
	left, err := collect(d.Left)
	if err != nil {
		return err
	}
	right, err := collect(d.Right)
	if err != nil {
		return err
	}
	for sid := range left {
		if d.Rel == RelOr || right[sid] {
			seen[sid] = true
		}
	}
	if d.Rel == RelOr {
		for sid := range right {
			seen[sid] = true
		}
	}
	ids := make([]int, 0, len(seen))
	for sid := range seen {
		ids = append(ids, int(sid))
	}
	sort.Ints(ids)
	for _, sid := range ids {
		s := p.Solvable(SolvableID(sid))
		if s != nil && !fn(s) {
			return nil
		}
	}
	return nil
}

func (p *Pool) depMatches(d *Dependency, s *Solvable) bool {
	if d.matcher != nil {
		if d.matcher.Matches(s.Info.Record()) {
			return true
		}
		// a provided virtual may satisfy the constraint even when the
		// solvable's own record does not
		for _, prov := range s.Provides {
			pd := p.Dependency(prov)
			if pd == nil || pd.Name != d.Name {
				continue
			}
			if d.matcher.Version().IsFree() {
				return true
			}
			pv, err := version.Parse(p.StringOf(pd.Version))
			if err != nil {
				continue
			}
			if d.matcher.Version().Contains(pv) {
				return true
			}
		}
		return false
	}
	return d.Name == s.Name || p.providesName(s, d.Name)
}

func (p *Pool) providesName(s *Solvable, name StringID) bool {
	for _, prov := range s.Provides {
		pd := p.Dependency(prov)
		if pd != nil && pd.Name == name {
			return true
		}
	}
	return false
}

// WhatProvides collects the matching solvables for a dependency.
func (p *Pool) WhatProvides(dep DependencyID) ([]*Solvable, error) {
	var out []*Solvable
	err := p.ForEachWhatProvides(dep, func(s *Solvable) bool {
		out = append(out, s)
		return true
	})
	return out, err
}

// SelectSolvables resolves each job dependency to its candidate set, in job
// order, deduplicated.
func (p *Pool) SelectSolvables(deps []DependencyID) ([]SolvableID, error) {
	seen := map[SolvableID]bool{}
	var out []SolvableID
	for _, dep := range deps {
		err := p.ForEachWhatProvides(dep, func(s *Solvable) bool {
			if !seen[s.ID] {
				seen[s.ID] = true
				out = append(out, s.ID)
			}
			return true
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
