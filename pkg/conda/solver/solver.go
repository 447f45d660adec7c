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
	"fmt"
	"sort"
	"strings"

	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/otel"

	"github.com/gonda-dev/gonda/pkg/conda/pool"
	"github.com/gonda-dev/gonda/pkg/conda/spec"
	"github.com/gonda-dev/gonda/pkg/conda/version"
)

// Solver resolves a job queue against a pool.
type Solver struct {
	pool      *pool.Pool
	installed pool.RepoID
	opts      Options
}

// New creates a solver. installed is the repository holding the current
// prefix state, or a negative id when resolving into an empty prefix.
func New(p *pool.Pool, installed pool.RepoID, opts Options) *Solver {
	return &Solver{pool: p, installed: installed, opts: opts}
}

// requirement is one constraint to satisfy, with its provenance for
// explanations.
type requirement struct {
	ms     *spec.MatchSpec
	label  string
	parent *pool.Solvable // nil for user specs
	update bool           // prefer the newest candidate over the installed one
}

const maxRestarts = 1000

// Solve runs the jobs and returns the transaction moving the prefix to the
// solved state. Unsatisfiable requests return a *ResolveError.
func (s *Solver) Solve(ctx context.Context, jobs []Job) (*Transaction, error) {
	ctx, span := otel.Tracer("gonda").Start(ctx, "Solver.Solve")
	defer span.End()
	log := clog.FromContext(ctx)

	s.pool.RebuildWhatProvides()
	installed := s.installedByName()

	var roots []requirement
	removeNames := map[string]bool{}
	cleanDeps := false
	updateAll := false

	for _, job := range jobs {
		switch {
		case job.Flags.Has(ActionErase):
			if job.Flags.Has(ActionCleanDeps) {
				cleanDeps = true
			}
			matched := false
			for name, inst := range installed {
				if job.Spec.Matches(inst.Info.Record()) {
					removeNames[name] = true
					matched = true
				}
			}
			if !matched {
				log.Warnf("remove spec %s matches no installed package", job.Spec)
			}
		case job.Flags.Has(ActionUpdateAll):
			updateAll = true
		case job.Flags.Has(ActionInstall), job.Flags.Has(ActionUpdate):
			roots = append(roots, requirement{
				ms:     job.Spec,
				label:  job.Spec.String(),
				update: job.Flags.Has(ActionUpdate),
			})
		}
	}

	if updateAll {
		names := make([]string, 0, len(installed))
		for name := range installed {
			if !removeNames[name] {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, name := range names {
			ms, err := spec.Parse(name)
			if err != nil {
				return nil, err
			}
			roots = append(roots, requirement{ms: ms, label: name, update: true})
		}
	}

	res, err := s.resolve(ctx, roots, installed, removeNames)
	if err != nil {
		return nil, err
	}

	return s.classify(ctx, res, installed, removeNames, cleanDeps, roots)
}

func (s *Solver) installedByName() map[string]*pool.Solvable {
	out := map[string]*pool.Solvable{}
	r := s.pool.Repo(s.installed)
	if r == nil {
		return out
	}
	for _, sid := range r.Solvables() {
		if sv := s.pool.Solvable(sid); sv != nil {
			out[strings.ToLower(sv.Info.Name)] = sv
		}
	}
	return out
}

// resolve runs disqualify-and-restart resolution: choices that lead to a
// conflict are disqualified with a reason and the whole selection is retried,
// exactly once per new disqualification.
func (s *Solver) resolve(
	ctx context.Context,
	roots []requirement,
	installed map[string]*pool.Solvable,
	removeNames map[string]bool,
) (map[string]*pool.Solvable, error) {
	log := clog.FromContext(ctx)
	dq := map[pool.SolvableID]string{}

	for attempt := 0; attempt < maxRestarts; attempt++ {
		chosen := map[string]*pool.Solvable{}
		conflictWith, failed, err := s.tryResolve(roots, installed, removeNames, dq, chosen)
		if err != nil {
			return nil, err
		}
		if failed == nil {
			return chosen, nil
		}
		if conflictWith != nil {
			if _, dqed := dq[conflictWith.ID]; !dqed {
				reason := fmt.Sprintf("conflicts with %s", failed.label)
				log.Debugf("disqualifying %s: %s", conflictWith.Info, reason)
				dq[conflictWith.ID] = reason
				continue
			}
		}
		// nothing left to disqualify: genuinely unsatisfiable
		return nil, &ResolveError{Graph: s.buildProblemGraph(roots, installed, removeNames, failed)}
	}
	return nil, fmt.Errorf("resolution did not converge after %d restarts", maxRestarts)
}

// tryResolve attempts one full selection. On conflict it returns the chosen
// solvable standing in the way (if any) and the requirement that failed.
func (s *Solver) tryResolve(
	roots []requirement,
	installed map[string]*pool.Solvable,
	removeNames map[string]bool,
	dq map[pool.SolvableID]string,
	chosen map[string]*pool.Solvable,
) (conflictWith *pool.Solvable, failed *requirement, err error) {
	queue := append([]requirement(nil), roots...)

	// soft bounds accumulated from the constrains of every selected package;
	// they only bind names that actually end up co-installed
	constraints := map[string][]*spec.MatchSpec{}
	recordConstrains := func(sv *pool.Solvable) *pool.Solvable {
		for _, cid := range sv.Constrains {
			ms, err := spec.Parse(s.pool.DepString(cid))
			if err != nil {
				continue
			}
			cname := ms.Name().String()
			constraints[cname] = append(constraints[cname], ms)
			if cur, ok := chosen[cname]; ok && !ms.Matches(cur.Info.Record()) {
				return cur
			}
		}
		return nil
	}
	satisfiesConstraints := func(name string, sv *pool.Solvable) bool {
		for _, ms := range constraints[name] {
			if !ms.Matches(sv.Info.Record()) {
				return false
			}
		}
		return true
	}

	for len(queue) > 0 {
		req := queue[0]
		queue = queue[1:]

		name := req.ms.Name().String()
		if cur, ok := chosen[name]; ok {
			if req.ms.Matches(cur.Info.Record()) {
				continue
			}
			r := req
			return cur, &r, nil
		}

		// an installed package satisfies a non-update requirement as-is
		if inst, ok := installed[name]; ok && !removeNames[name] && !req.update {
			if _, dqed := dq[inst.ID]; !dqed && req.ms.Matches(inst.Info.Record()) && satisfiesConstraints(name, inst) {
				chosen[name] = inst
				queue = s.pushDeps(queue, inst)
				if blocker := recordConstrains(inst); blocker != nil {
					r := req
					return blocker, &r, nil
				}
				continue
			}
			if s.opts.FreezeInstalled && req.parent != nil {
				// transitive requirements may not move a frozen package
				r := req
				return inst, &r, nil
			}
		}

		candidates, err := s.orderedCandidates(req.ms)
		if err != nil {
			return nil, nil, err
		}
		var pick *pool.Solvable
		for _, cand := range candidates {
			if _, dqed := dq[cand.ID]; dqed {
				continue
			}
			if inst, ok := installed[name]; ok && !s.opts.AllowDowngrade && isDowngradeOf(cand, inst) {
				continue
			}
			if !satisfiesConstraints(name, cand) {
				continue
			}
			pick = cand
			break
		}
		if pick == nil {
			r := req
			return nil, &r, nil
		}
		chosen[name] = pick
		queue = s.pushDeps(queue, pick)
		if blocker := recordConstrains(pick); blocker != nil {
			r := req
			return blocker, &r, nil
		}
	}
	return nil, nil, nil
}

func (s *Solver) pushDeps(queue []requirement, sv *pool.Solvable) []requirement {
	for _, depID := range sv.Depends {
		dep := s.pool.Dependency(depID)
		if dep == nil {
			continue
		}
		raw := s.pool.DepString(depID)
		ms, err := spec.Parse(raw)
		if err != nil {
			continue
		}
		queue = append(queue, requirement{ms: ms, label: raw, parent: sv})
	}
	return queue
}

// orderedCandidates enumerates the pool's candidates for a spec ordered by
// repository priority first, then by version and build number descending.
// Under strict priority only the highest-ranked channel repository providing
// the name contributes. The what-provides index must already be built.
func (s *Solver) orderedCandidates(ms *spec.MatchSpec) ([]*pool.Solvable, error) {
	dep := s.pool.InternMatchSpec(ms)

	all, err := s.pool.WhatProvides(dep)
	if err != nil {
		return nil, err
	}

	var out []*pool.Solvable
	for _, cand := range all {
		if cand.Repo == s.installed {
			// the installed record is handled by the satisfies shortcut
			continue
		}
		out = append(out, cand)
	}

	if s.opts.StrictPriority && len(out) > 0 {
		// strictness keys off the name: if any higher-ranked repository
		// provides it, lower ones are refused even when only they match
		// the version constraint
		best, ok := s.bestProviderPriority(ms.Name().String())
		if ok {
			kept := out[:0]
			for _, cand := range out {
				if s.pool.Repo(cand.Repo).Priority == best {
					kept = append(kept, cand)
				}
			}
			out = kept
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := s.pool.Repo(out[i].Repo).Priority, s.pool.Repo(out[j].Repo).Priority
		if pi != pj {
			return pj.Less(pi)
		}
		vi, erri := version.Parse(out[i].Info.Version)
		vj, errj := version.Parse(out[j].Info.Version)
		if erri == nil && errj == nil {
			if c := version.Compare(vi, vj); c != 0 {
				return c > 0
			}
		}
		return out[i].BuildNumber > out[j].BuildNumber
	})
	return out, nil
}

// bestProviderPriority returns the priority of the highest-ranked channel
// repository providing the bare name.
func (s *Solver) bestProviderPriority(name string) (pool.Priority, bool) {
	ms, err := spec.Parse(name)
	if err != nil {
		return pool.Priority{}, false
	}
	dep := s.pool.InternMatchSpec(ms)
	providers, err := s.pool.WhatProvides(dep)
	if err != nil {
		return pool.Priority{}, false
	}
	found := false
	var best pool.Priority
	for _, p := range providers {
		if p.Repo == s.installed {
			continue
		}
		prio := s.pool.Repo(p.Repo).Priority
		if !found || best.Less(prio) {
			best, found = prio, true
		}
	}
	return best, found
}

func isDowngradeOf(cand, inst *pool.Solvable) bool {
	if cand.Info.Name != inst.Info.Name {
		return false
	}
	cv, err1 := version.Parse(cand.Info.Version)
	iv, err2 := version.Parse(inst.Info.Version)
	if err1 != nil || err2 != nil {
		return false
	}
	return version.Compare(cv, iv) < 0
}

// buildProblemGraph expands the failed request into the explanation DAG:
// user specs under the root, candidate packages under each spec, transitive
// requirements below, with conflict nodes where candidate sets for the same
// name cannot intersect.
func (s *Solver) buildProblemGraph(
	roots []requirement,
	installed map[string]*pool.Solvable,
	removeNames map[string]bool,
	failed *requirement,
) *ProblemGraph {
	gb := newGraphBuilder()

	// candidate sets per spec label, for conflict detection
	specCandidates := map[string]map[pool.SolvableID]bool{}
	specName := map[string]string{}
	visited := map[string]bool{}

	var expand func(from int, req requirement, depth int)
	expand = func(from int, req requirement, depth int) {
		label := req.label
		specNode := gb.node(NodeSpec, label)
		gb.edge(from, specNode, label)
		if visited[label] {
			return
		}
		visited[label] = true

		name := req.ms.Name().String()
		specName[label] = name

		candidates, err := s.orderedCandidates(req.ms)
		if err != nil || len(candidates) == 0 {
			missing := gb.node(NodeMissing, name)
			gb.edge(specNode, missing, label)
			return
		}
		set := map[pool.SolvableID]bool{}
		for _, cand := range candidates {
			set[cand.ID] = true
		}
		specCandidates[label] = set

		if depth >= 8 {
			return
		}
		for _, cand := range candidates {
			pkgNode := gb.node(NodePackage, cand.Info.String())
			gb.edge(specNode, pkgNode, label)
			for _, depID := range cand.Depends {
				raw := s.pool.DepString(depID)
				ms, err := spec.Parse(raw)
				if err != nil {
					continue
				}
				expand(pkgNode, requirement{ms: ms, label: raw, parent: cand}, depth+1)
			}
		}
	}

	for _, req := range roots {
		expand(gb.graph.Root(), req, 0)
	}
	if failed != nil && !visited[failed.label] {
		from := gb.graph.Root()
		if failed.parent != nil {
			from = gb.node(NodePackage, failed.parent.Info.String())
		}
		expand(from, *failed, 0)
	}

	// two specs over one name with disjoint candidate sets cannot agree
	labels := make([]string, 0, len(specCandidates))
	for label := range specCandidates {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for i := 0; i < len(labels); i++ {
		for j := i + 1; j < len(labels); j++ {
			a, b := labels[i], labels[j]
			if specName[a] != specName[b] {
				continue
			}
			if intersects(specCandidates[a], specCandidates[b]) {
				continue
			}
			conflict := gb.node(NodeConflict, specName[a])
			gb.edge(gb.node(NodeSpec, a), conflict, a)
			gb.edge(gb.node(NodeSpec, b), conflict, b)
		}
	}

	return &gb.graph
}

func intersects(a, b map[pool.SolvableID]bool) bool {
	for id := range a {
		if b[id] {
			return true
		}
	}
	return false
}
