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
	"sort"
	"strings"

	"github.com/chainguard-dev/clog"

	"github.com/gonda-dev/gonda/pkg/conda/pool"
	"github.com/gonda-dev/gonda/pkg/conda/repo"
	"github.com/gonda-dev/gonda/pkg/conda/version"
)

// OpKind classifies one transaction step.
type OpKind int

const (
	OpInstall OpKind = iota
	OpRemove
	OpReinstall
	OpUpgrade
	OpDowngrade
)

func (k OpKind) String() string {
	switch k {
	case OpInstall:
		return "install"
	case OpRemove:
		return "remove"
	case OpReinstall:
		return "reinstall"
	case OpUpgrade:
		return "upgrade"
	default:
		return "downgrade"
	}
}

// Op is one step of a transaction. Replaced is the outgoing installed record
// for reinstall/upgrade/downgrade steps.
type Op struct {
	Kind     OpKind
	Info     repo.PackageInfo
	Replaced *repo.PackageInfo
}

// Transaction is the ordered list of operations moving a prefix between
// consistent states. Installs are topologically ordered so every package's
// runtime dependencies precede it; removes come first, in reverse order.
type Transaction struct {
	Ops []Op
}

// Empty reports whether the transaction changes nothing.
func (t *Transaction) Empty() bool { return len(t.Ops) == 0 }

// FetchList returns the records whose artifacts must be downloaded.
func (t *Transaction) FetchList() []repo.PackageInfo {
	var out []repo.PackageInfo
	for _, op := range t.Ops {
		if op.Kind != OpRemove {
			out = append(out, op.Info)
		}
	}
	return out
}

// classify lifts the solved selection into an ordered transaction against
// the installed state.
func (s *Solver) classify(
	ctx context.Context,
	chosen map[string]*pool.Solvable,
	installed map[string]*pool.Solvable,
	removeNames map[string]bool,
	cleanDeps bool,
	roots []requirement,
) (*Transaction, error) {
	log := clog.FromContext(ctx)

	removed := map[string]*pool.Solvable{}
	for name := range removeNames {
		if inst, ok := installed[name]; ok {
			removed[name] = inst
		}
	}
	if cleanDeps {
		for name, inst := range s.orphanedBy(installed, removed, chosen, roots) {
			removed[name] = inst
		}
	}

	var incoming []Op
	for name, pick := range chosen {
		inst, wasInstalled := installed[name]
		if !wasInstalled || removed[name] != nil {
			incoming = append(incoming, Op{Kind: OpInstall, Info: pick.Info})
			delete(removed, name)
			if wasInstalled {
				// replacing a to-be-removed package is a plain reinstall
				replaced := inst.Info
				incoming[len(incoming)-1] = Op{Kind: OpReinstall, Info: pick.Info, Replaced: &replaced}
			}
			continue
		}
		if inst.ID == pick.ID {
			continue
		}
		replaced := inst.Info
		switch compareVersions(pick.Info.Version, inst.Info.Version) {
		case 0:
			if pick.Info.BuildString == inst.Info.BuildString && pick.Info.BuildNumber == inst.Info.BuildNumber {
				continue
			}
			incoming = append(incoming, Op{Kind: OpReinstall, Info: pick.Info, Replaced: &replaced})
		case 1:
			incoming = append(incoming, Op{Kind: OpUpgrade, Info: pick.Info, Replaced: &replaced})
		case -1:
			incoming = append(incoming, Op{Kind: OpDowngrade, Info: pick.Info, Replaced: &replaced})
		}
	}

	ordered := s.topoOrder(incoming, chosen, installed)

	// removes run first, dependents before their dependencies
	var removeOps []Op
	for name := range removed {
		removeOps = append(removeOps, Op{Kind: OpRemove, Info: removed[name].Info})
	}
	removedAs := map[string]*pool.Solvable{}
	for name, sv := range removed {
		removedAs[name] = sv
	}
	removeOps = s.topoOrder(removeOps, removedAs, installed)
	for i, j := 0, len(removeOps)-1; i < j; i, j = i+1, j-1 {
		removeOps[i], removeOps[j] = removeOps[j], removeOps[i]
	}
	ops := append(removeOps, ordered...)

	for _, op := range ops {
		log.Debugf("transaction: %s %s", op.Kind, op.Info)
	}
	return &Transaction{Ops: ops}, nil
}

func compareVersions(a, b string) int {
	va, err1 := version.Parse(a)
	vb, err2 := version.Parse(b)
	if err1 != nil || err2 != nil {
		return strings.Compare(a, b)
	}
	return version.Compare(va, vb)
}

// topoOrder sorts incoming operations so every install's runtime
// dependencies are installed, or already present, earlier. Ties and broken
// cycles fall back to name order for determinism.
func (s *Solver) topoOrder(
	incoming []Op,
	chosen map[string]*pool.Solvable,
	installed map[string]*pool.Solvable,
) []Op {
	byName := map[string]int{}
	for i, op := range incoming {
		byName[strings.ToLower(op.Info.Name)] = i
	}

	// edges dep -> dependent, among the incoming set only
	dependsOn := make(map[int][]int, len(incoming))
	indegree := make(map[int]int, len(incoming))
	for i := range incoming {
		indegree[i] = 0
	}
	for i, op := range incoming {
		sv := chosen[strings.ToLower(op.Info.Name)]
		if sv == nil {
			continue
		}
		for _, depID := range sv.Depends {
			dep := s.pool.Dependency(depID)
			if dep == nil {
				continue
			}
			depName := s.pool.StringOf(dep.Name)
			j, ok := byName[depName]
			if !ok || j == i {
				continue
			}
			dependsOn[j] = append(dependsOn[j], i)
			indegree[i]++
		}
	}

	ready := make([]int, 0, len(incoming))
	for i, deg := range indegree {
		if deg == 0 {
			ready = append(ready, i)
		}
	}
	nameOf := func(i int) string { return incoming[i].Info.Name }
	sortReady := func() { sort.Slice(ready, func(a, b int) bool { return nameOf(ready[a]) < nameOf(ready[b]) }) }
	sortReady()

	var order []int
	done := make(map[int]bool, len(incoming))
	for len(order) < len(incoming) {
		if len(ready) == 0 {
			// dependency cycle: break it at the smallest remaining name
			rest := make([]int, 0)
			for i := range incoming {
				if !done[i] {
					rest = append(rest, i)
				}
			}
			sort.Slice(rest, func(a, b int) bool { return nameOf(rest[a]) < nameOf(rest[b]) })
			ready = append(ready, rest[0])
		}
		i := ready[0]
		ready = ready[1:]
		if done[i] {
			continue
		}
		done[i] = true
		order = append(order, i)
		for _, next := range dependsOn[i] {
			indegree[next]--
			if indegree[next] == 0 && !done[next] {
				ready = append(ready, next)
			}
		}
		sortReady()
	}

	out := make([]Op, 0, len(incoming))
	for _, i := range order {
		out = append(out, incoming[i])
	}
	return out
}

// orphanedBy finds installed packages that only the removed set required,
// for the prune path of remove.
func (s *Solver) orphanedBy(
	installed map[string]*pool.Solvable,
	removed map[string]*pool.Solvable,
	chosen map[string]*pool.Solvable,
	roots []requirement,
) map[string]*pool.Solvable {
	// names required by surviving installed packages, chosen packages, or
	// explicit user specs
	needed := map[string]bool{}
	for _, req := range roots {
		needed[req.ms.Name().String()] = true
	}
	mark := func(sv *pool.Solvable) {
		for _, depID := range sv.Depends {
			if dep := s.pool.Dependency(depID); dep != nil {
				needed[s.pool.StringOf(dep.Name)] = true
			}
		}
	}
	for name, sv := range installed {
		if removed[name] == nil {
			mark(sv)
		}
	}
	for _, sv := range chosen {
		mark(sv)
	}

	// anything unreferenced that only removed packages depended on goes too
	requiredByRemoved := map[string]bool{}
	for _, sv := range removed {
		for _, depID := range sv.Depends {
			if dep := s.pool.Dependency(depID); dep != nil {
				requiredByRemoved[s.pool.StringOf(dep.Name)] = true
			}
		}
	}

	out := map[string]*pool.Solvable{}
	for name, sv := range installed {
		if removed[name] != nil {
			continue
		}
		if requiredByRemoved[name] && !needed[name] {
			out[name] = sv
		}
	}
	return out
}
