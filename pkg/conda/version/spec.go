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

package version

import (
	"errors"
	"fmt"
	"strings"
)

// Spec is a boolean expression over version intervals, e.g. ">=1.2,<2|==3.0".
// The zero value matches every version.
type Spec struct {
	root node
}

type node interface {
	contains(Version) bool
	canon(b *strings.Builder, parenAnd bool)
	equalNode(node) bool
}

// leaf holds the interval plus the operator it was written with, so printing
// round-trips. negate inverts the interval, which is how != stays a single
// leaf instead of a union of rays.
type leaf struct {
	op      string
	operand string
	iv      Interval
	negate  bool
}

func (l *leaf) contains(v Version) bool {
	in := l.iv.Contains(v)
	if l.negate {
		return !in
	}
	return in
}

func (l *leaf) canon(b *strings.Builder, _ bool) {
	b.WriteString(l.op)
	b.WriteString(l.operand)
}

func (l *leaf) equalNode(o node) bool {
	ol, ok := o.(*leaf)
	return ok && l.op == ol.op && l.operand == ol.operand && l.negate == ol.negate && l.iv.Equal(ol.iv)
}

type junction struct {
	and  bool
	kids []node
}

func (j *junction) contains(v Version) bool {
	// short-circuit
	for _, k := range j.kids {
		if k.contains(v) != j.and {
			return !j.and
		}
	}
	return j.and
}

func (j *junction) canon(b *strings.Builder, parenAnd bool) {
	if !j.and && parenAnd {
		b.WriteByte('(')
	}
	sep := byte('|')
	if j.and {
		sep = ','
	}
	for i, k := range j.kids {
		if i > 0 {
			b.WriteByte(sep)
		}
		k.canon(b, j.and)
	}
	if !j.and && parenAnd {
		b.WriteByte(')')
	}
}

func (j *junction) equalNode(o node) bool {
	oj, ok := o.(*junction)
	if !ok || oj.and != j.and || len(oj.kids) != len(j.kids) {
		return false
	}
	for i := range j.kids {
		if !j.kids[i].equalNode(oj.kids[i]) {
			return false
		}
	}
	return true
}

// ParseSpec parses a version spec over the grammar
//
//	spec      := or_expr
//	or_expr   := and_expr ( '|' and_expr )*
//	and_expr  := atom    ( ',' atom    )*
//	atom      := '(' or_expr ')' | op? version
//	op        := '==' | '!=' | '<' | '<=' | '>' | '>=' | '~=' | '='
//
// "=" is "starts with" on the dotted prefix; "~=" is compatible release.
func ParseSpec(s string) (Spec, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || trimmed == "*" {
		return Spec{}, nil
	}
	p := &specParser{input: s, rest: trimmed}
	root, err := p.orExpr()
	if err != nil {
		return Spec{}, err
	}
	p.skipSpace()
	if p.rest != "" {
		return Spec{}, p.errorf("trailing input %q", p.rest)
	}
	return Spec{root: root}, nil
}

// MustParseSpec is ParseSpec for known-good literals.
func MustParseSpec(s string) Spec {
	sp, err := ParseSpec(s)
	if err != nil {
		panic(err)
	}
	return sp
}

// Contains evaluates the tree against v with short-circuiting.
func (s Spec) Contains(v Version) bool {
	if s.root == nil {
		return true
	}
	return s.root.contains(v)
}

// IsFree reports whether the spec matches every version.
func (s Spec) IsFree() bool { return s.root == nil }

// Equal is structural tree equality.
func (s Spec) Equal(o Spec) bool {
	if s.root == nil || o.root == nil {
		return s.root == nil && o.root == nil
	}
	return s.root.equalNode(o.root)
}

// String prints a canonical form that re-parses to the same tree.
func (s Spec) String() string {
	if s.root == nil {
		return "*"
	}
	var b strings.Builder
	s.root.canon(&b, false)
	return b.String()
}

type specParser struct {
	input string
	rest  string
}

func (p *specParser) offset() int { return len(p.input) - len(p.rest) + 1 }

func (p *specParser) errorf(format string, args ...any) error {
	return &ParseError{Input: p.input, Offset: p.offset(), Reason: fmt.Sprintf(format, args...)}
}

func (p *specParser) skipSpace() {
	p.rest = strings.TrimLeft(p.rest, " \t")
}

func (p *specParser) orExpr() (node, error) {
	first, err := p.andExpr()
	if err != nil {
		return nil, err
	}
	kids := []node{first}
	for {
		p.skipSpace()
		if !strings.HasPrefix(p.rest, "|") {
			break
		}
		p.rest = p.rest[1:]
		next, err := p.andExpr()
		if err != nil {
			return nil, err
		}
		kids = append(kids, next)
	}
	if len(kids) == 1 {
		return kids[0], nil
	}
	return &junction{and: false, kids: kids}, nil
}

func (p *specParser) andExpr() (node, error) {
	first, err := p.atom()
	if err != nil {
		return nil, err
	}
	kids := []node{first}
	for {
		p.skipSpace()
		if !strings.HasPrefix(p.rest, ",") {
			break
		}
		p.rest = p.rest[1:]
		next, err := p.atom()
		if err != nil {
			return nil, err
		}
		kids = append(kids, next)
	}
	if len(kids) == 1 {
		return kids[0], nil
	}
	return &junction{and: true, kids: kids}, nil
}

func (p *specParser) atom() (node, error) {
	p.skipSpace()
	if strings.HasPrefix(p.rest, "(") {
		p.rest = p.rest[1:]
		inner, err := p.orExpr()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if !strings.HasPrefix(p.rest, ")") {
			return nil, p.errorf("expected closing parenthesis")
		}
		p.rest = p.rest[1:]
		return inner, nil
	}

	op := ""
	for _, candidate := range []string{"==", "!=", "<=", ">=", "~=", "<", ">", "="} {
		if strings.HasPrefix(p.rest, candidate) {
			op = candidate
			p.rest = p.rest[len(candidate):]
			break
		}
	}
	p.skipSpace()
	end := strings.IndexAny(p.rest, ",|() \t")
	if end < 0 {
		end = len(p.rest)
	}
	operand := p.rest[:end]
	if operand == "" {
		return nil, p.errorf("expected version after %q", op)
	}
	p.rest = p.rest[end:]
	return p.leafFor(op, operand)
}

func (p *specParser) leafFor(op, operand string) (node, error) {
	// trailing globs turn == into "starts with" and != into "does not start with"
	glob := false
	stripped := operand
	switch {
	case strings.HasSuffix(stripped, ".*"):
		stripped = strings.TrimSuffix(stripped, ".*")
		glob = true
	case strings.HasSuffix(stripped, "*"):
		stripped = strings.TrimSuffix(stripped, "*")
		glob = true
	}
	if stripped == "" {
		if op == "" || op == "=" || op == "==" {
			return &leaf{op: "", operand: "*", iv: MakeFree()}, nil
		}
		return nil, p.errorf("operator %q cannot take a bare glob", op)
	}

	v, err := Parse(stripped)
	if err != nil {
		var perr *ParseError
		if errors.As(err, &perr) {
			return nil, &ParseError{Input: p.input, Offset: p.offset() - len(operand) + perr.Offset - 1, Reason: perr.Reason}
		}
		return nil, err
	}

	startsWith := func(negate bool) node {
		canonOp := "="
		if negate {
			canonOp = "!="
		}
		return &leaf{
			op:      canonOp,
			operand: v.String() + map[bool]string{true: ".*", false: ""}[negate],
			iv:      MakeBounded(v, Closed, v.BumpLast(), Open),
			negate:  negate,
		}
	}

	switch op {
	case "", "==":
		if glob {
			return startsWith(false), nil
		}
		if op == "" {
			op = "=="
		}
		return &leaf{op: op, operand: v.String(), iv: MakeSingleton(v)}, nil
	case "=":
		return startsWith(false), nil
	case "!=":
		if glob {
			return startsWith(true), nil
		}
		return &leaf{op: op, operand: v.String(), iv: MakeSingleton(v), negate: true}, nil
	case "<":
		return &leaf{op: op, operand: v.String(), iv: MakeUpperBounded(v, Open)}, nil
	case "<=":
		return &leaf{op: op, operand: v.String(), iv: MakeUpperBounded(v, Closed)}, nil
	case ">":
		return &leaf{op: op, operand: v.String(), iv: MakeLowerBounded(v, Open)}, nil
	case ">=":
		return &leaf{op: op, operand: v.String(), iv: MakeLowerBounded(v, Closed)}, nil
	case "~=":
		if v.SegmentCount() < 2 {
			return nil, p.errorf("compatible release %q needs at least two version segments", operand)
		}
		upper := v.DropLast().BumpLast()
		return &leaf{op: op, operand: v.String(), iv: MakeBounded(v, Closed, upper, Open)}, nil
	default:
		return nil, p.errorf("unknown operator %q", op)
	}
}
