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
	"fmt"
	"strings"
)

// NodeKind classifies problem graph nodes.
type NodeKind int

const (
	// NodeRoot anchors the user's request.
	NodeRoot NodeKind = iota
	// NodeSpec is a requirement, user-supplied or transitive.
	NodeSpec
	// NodePackage is a concrete candidate.
	NodePackage
	// NodeConflict is a package name whose constraints cannot agree.
	NodeConflict
	// NodeMissing is a requirement with no candidates at all.
	NodeMissing
)

// ProblemNode is one node of the unsatisfiability explanation.
type ProblemNode struct {
	ID    int
	Kind  NodeKind
	Label string
}

// ProblemEdge connects two nodes; Spec carries the match spec that forced
// the constraint.
type ProblemEdge struct {
	From, To int
	Spec     string
}

// ProblemGraph is the rooted DAG explaining an unsatisfiable request: user
// specs at the top, conflicting transitive requirements below, terminal
// nodes carrying concrete conflicts. Cycles are permitted.
type ProblemGraph struct {
	Nodes []ProblemNode
	Edges []ProblemEdge
}

// Root returns the root node id.
func (g *ProblemGraph) Root() int { return 0 }

// HasEdge reports whether an edge labelled spec leaves a node labelled from.
func (g *ProblemGraph) HasEdge(from, edgeSpec string) bool {
	for _, e := range g.Edges {
		if e.Spec != edgeSpec {
			continue
		}
		if g.Nodes[e.From].Label == from {
			return true
		}
	}
	return false
}

// ConflictNames returns the labels of the conflict nodes.
func (g *ProblemGraph) ConflictNames() []string {
	var out []string
	for _, n := range g.Nodes {
		if n.Kind == NodeConflict {
			out = append(out, n.Label)
		}
	}
	return out
}

// String renders the graph as an indented tree. Back edges into nodes
// already on the current path are printed once and pruned, so a cyclic
// graph cannot loop the renderer.
func (g *ProblemGraph) String() string {
	children := map[int][]ProblemEdge{}
	for _, e := range g.Edges {
		children[e.From] = append(children[e.From], e)
	}
	var b strings.Builder
	onPath := map[int]bool{}
	var walk func(id, depth int)
	walk = func(id, depth int) {
		n := g.Nodes[id]
		b.WriteString(strings.Repeat("  ", depth))
		switch n.Kind {
		case NodeRoot:
			b.WriteString("the following packages are incompatible\n")
		case NodeSpec:
			fmt.Fprintf(&b, "requires %s\n", n.Label)
		case NodePackage:
			fmt.Fprintf(&b, "%s\n", n.Label)
		case NodeConflict:
			fmt.Fprintf(&b, "%s, which conflicts\n", n.Label)
		case NodeMissing:
			fmt.Fprintf(&b, "%s, which does not exist\n", n.Label)
		}
		if onPath[id] {
			return
		}
		onPath[id] = true
		for _, e := range children[id] {
			walk(e.To, depth+1)
		}
		onPath[id] = false
	}
	walk(g.Root(), 0)
	return b.String()
}

// graphBuilder accumulates nodes with dedup by (kind, label).
type graphBuilder struct {
	graph ProblemGraph
	index map[string]int
	edges map[string]bool
}

func newGraphBuilder() *graphBuilder {
	gb := &graphBuilder{index: map[string]int{}, edges: map[string]bool{}}
	gb.graph.Nodes = append(gb.graph.Nodes, ProblemNode{ID: 0, Kind: NodeRoot, Label: "root"})
	return gb
}

func (gb *graphBuilder) node(kind NodeKind, label string) int {
	key := fmt.Sprintf("%d\x00%s", kind, label)
	if id, ok := gb.index[key]; ok {
		return id
	}
	id := len(gb.graph.Nodes)
	gb.graph.Nodes = append(gb.graph.Nodes, ProblemNode{ID: id, Kind: kind, Label: label})
	gb.index[key] = id
	return id
}

func (gb *graphBuilder) edge(from, to int, spec string) {
	key := fmt.Sprintf("%d\x00%d\x00%s", from, to, spec)
	if gb.edges[key] {
		return
	}
	gb.edges[key] = true
	gb.graph.Edges = append(gb.graph.Edges, ProblemEdge{From: from, To: to, Spec: spec})
}

// ResolveError carries the problem graph for an unsatisfiable request.
type ResolveError struct {
	Graph *ProblemGraph
}

func (e *ResolveError) Error() string {
	return "packages are not resolvable:\n" + e.Graph.String()
}
