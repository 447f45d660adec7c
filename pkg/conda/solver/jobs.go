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

// Package solver is the resolver driver: it lowers user match specs and the
// installed state into a job queue, resolves it against the pool, lifts the
// result into an ordered transaction, and explains unsatisfiable inputs as a
// problem graph.
package solver

import (
	"github.com/gonda-dev/gonda/pkg/conda/pool"
	"github.com/gonda-dev/gonda/pkg/conda/spec"
)

// ActionFlags say what a job asks of the solver.
type ActionFlags int

const (
	ActionInstall ActionFlags = 1 << iota
	ActionUpdate
	ActionErase
	ActionUpdateAll
	ActionCleanDeps
	// SolvableProvides marks the dependency as a provides-style selector,
	// the only selector kind the driver emits.
	SolvableProvides
)

// Has reports whether all bits in mask are set.
func (f ActionFlags) Has(mask ActionFlags) bool { return f&mask == mask }

// Job is one (action, dependency) entry in the solver queue.
type Job struct {
	Flags ActionFlags
	Dep   pool.DependencyID
	Spec  *spec.MatchSpec
}

// Options are the global resolution switches.
type Options struct {
	AllowDowngrade  bool
	FreezeInstalled bool
	StrictPriority  bool
}

// Request classifies the user's specs.
type Request struct {
	Install []*spec.MatchSpec
	Update  []*spec.MatchSpec
	Remove  []*spec.MatchSpec

	UpdateAll bool
	Prune     bool
}

// BuildJobs lowers a request into the job queue.
func BuildJobs(p *pool.Pool, req Request) []Job {
	var jobs []Job
	for _, ms := range req.Install {
		jobs = append(jobs, Job{
			Flags: ActionInstall | SolvableProvides,
			Dep:   p.InternMatchSpec(ms),
			Spec:  ms,
		})
	}
	for _, ms := range req.Update {
		jobs = append(jobs, Job{
			Flags: ActionUpdate | SolvableProvides,
			Dep:   p.InternMatchSpec(ms),
			Spec:  ms,
		})
	}
	if req.UpdateAll {
		jobs = append(jobs, Job{Flags: ActionUpdate | ActionUpdateAll})
	}
	for _, ms := range req.Remove {
		flags := ActionErase | SolvableProvides
		if req.Prune {
			flags |= ActionCleanDeps
		}
		jobs = append(jobs, Job{
			Flags: flags,
			Dep:   p.InternMatchSpec(ms),
			Spec:  ms,
		})
	}
	return jobs
}
