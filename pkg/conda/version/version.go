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
	"fmt"
	"strconv"
	"strings"
)

// ParseError reports a malformed version or version spec. Offset is one-based.
type ParseError struct {
	Input  string
	Offset int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %q at offset %d: %s", e.Input, e.Offset, e.Reason)
}

// atom is one alternating run within a version segment: either a number or a
// lowercase literal. Numbers sort after every literal except "post", so that
// "1.0a" is a pre-release of "1.0".
type atom struct {
	num     int
	lit     string
	numeric bool
}

// the order of these matters!
const (
	litRankDev   = -1
	litRankOther = 0
	litRankPost  = 1
)

func litRank(s string) int {
	switch s {
	case "dev":
		return litRankDev
	case "post":
		return litRankPost
	default:
		return litRankOther
	}
}

func compareAtoms(a, b atom) int {
	if a.numeric && b.numeric {
		switch {
		case a.num > b.num:
			return 1
		case a.num < b.num:
			return -1
		}
		return 0
	}
	// numbers sort above any literal except "post"
	if a.numeric {
		if litRank(b.lit) == litRankPost {
			return -1
		}
		return 1
	}
	if b.numeric {
		if litRank(a.lit) == litRankPost {
			return 1
		}
		return -1
	}
	ra, rb := litRank(a.lit), litRank(b.lit)
	switch {
	case ra > rb:
		return 1
	case ra < rb:
		return -1
	}
	return strings.Compare(a.lit, b.lit)
}

// segment is one dot-separated component, already split into atoms.
type segment []atom

var zeroAtom = atom{num: 0, numeric: true}

func compareSegments(a, b segment) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		x, y := zeroAtom, zeroAtom
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		if c := compareAtoms(x, y); c != 0 {
			return c
		}
	}
	return 0
}

// zero padding makes "1.0.0" and "1.0" equal
func compareSegmentTrains(a, b []segment) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	zero := segment{zeroAtom}
	for i := 0; i < n; i++ {
		x, y := zero, zero
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		if c := compareSegments(x, y); c != 0 {
			return c
		}
	}
	return 0
}

// Version is a parsed conda version: an optional epoch, a release segment
// train, and optional local build metadata after "+".
type Version struct {
	raw      string
	epoch    int
	segments []segment
	local    []segment
}

// Parse parses a version string. Malformed inputs produce a *ParseError with a
// one-based offset into the input.
func Parse(s string) (Version, error) {
	if s == "" {
		return Version{}, &ParseError{Input: s, Offset: 1, Reason: "empty version"}
	}
	lower := strings.ToLower(strings.TrimSpace(s))
	v := Version{raw: lower}

	rest := lower
	base := 0
	if idx := strings.Index(rest, "!"); idx >= 0 {
		epoch, err := strconv.Atoi(rest[:idx])
		if err != nil {
			return Version{}, &ParseError{Input: s, Offset: 1, Reason: "epoch is not a number"}
		}
		v.epoch = epoch
		rest = rest[idx+1:]
		base = idx + 1
	}

	localStr := ""
	if idx := strings.Index(rest, "+"); idx >= 0 {
		localStr = rest[idx+1:]
		if localStr == "" {
			return Version{}, &ParseError{Input: s, Offset: base + idx + 2, Reason: "empty local version"}
		}
		rest = rest[:idx]
	}

	segs, off, err := parseSegments(rest)
	if err != nil {
		return Version{}, &ParseError{Input: s, Offset: base + off, Reason: err.Error()}
	}
	v.segments = segs

	if localStr != "" {
		lsegs, off, err := parseSegments(localStr)
		if err != nil {
			return Version{}, &ParseError{Input: s, Offset: base + len(rest) + 1 + off, Reason: err.Error()}
		}
		v.local = lsegs
	}
	return v, nil
}

// MustParse is Parse for tests and literals of known-good shape.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

func parseSegments(s string) ([]segment, int, error) {
	if s == "" {
		return nil, 1, fmt.Errorf("empty version component")
	}
	var segs []segment
	off := 0
	for _, part := range strings.FieldsFunc(s, func(r rune) bool {
		return r == '.' || r == '-' || r == '_'
	}) {
		seg, err := parseSegment(part)
		if err != nil {
			return nil, off + 1, err
		}
		segs = append(segs, seg)
		off += len(part) + 1
	}
	if len(segs) == 0 {
		return nil, 1, fmt.Errorf("no version components")
	}
	return segs, 0, nil
}

func parseSegment(s string) (segment, error) {
	var seg segment
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			j := i
			for j < len(s) && s[j] >= '0' && s[j] <= '9' {
				j++
			}
			n, err := strconv.Atoi(s[i:j])
			if err != nil {
				return nil, fmt.Errorf("numeral %q too large", s[i:j])
			}
			seg = append(seg, atom{num: n, numeric: true})
			i = j
		case c >= 'a' && c <= 'z':
			j := i
			for j < len(s) && s[j] >= 'a' && s[j] <= 'z' {
				j++
			}
			seg = append(seg, atom{lit: s[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q", string(c))
		}
	}
	if len(seg) == 0 {
		return nil, fmt.Errorf("empty version segment")
	}
	// a segment that leads with a letter is a pre-release marker of the
	// previous numeral, e.g. the "a1" in "1.0a1" parsed as its own segment
	if !seg[0].numeric {
		seg = append(segment{zeroAtom}, seg...)
	}
	return seg, nil
}

// String returns the string the version was parsed from, lowercased.
func (v Version) String() string { return v.raw }

// Epoch returns the version epoch, zero when unset.
func (v Version) Epoch() int { return v.epoch }

// Compare returns -1, 0 or 1. The order is total and stable across platforms.
func Compare(a, b Version) int {
	switch {
	case a.epoch > b.epoch:
		return 1
	case a.epoch < b.epoch:
		return -1
	}
	if c := compareSegmentTrains(a.segments, b.segments); c != 0 {
		return c
	}
	// a local version sorts after the same version without one
	switch {
	case len(a.local) == 0 && len(b.local) == 0:
		return 0
	case len(a.local) == 0:
		return -1
	case len(b.local) == 0:
		return 1
	}
	return compareSegmentTrains(a.local, b.local)
}

// Equal reports order equality; "1.0.0" equals "1.0".
func (v Version) Equal(o Version) bool { return Compare(v, o) == 0 }

// LessThan reports v < o in the total order.
func (v Version) LessThan(o Version) bool { return Compare(v, o) < 0 }

// StartsWith reports whether v begins with the dotted prefix p, the "=1.2"
// match semantics: every segment of p must equal the corresponding segment of
// v, except that a final numeric segment of p may match exactly.
func (v Version) StartsWith(p Version) bool {
	if v.epoch != p.epoch {
		return false
	}
	if len(p.segments) > len(v.segments) {
		// prefix longer than version: only equal-with-zero-padding matches
		return compareSegmentTrains(v.segments, p.segments) == 0
	}
	for i, seg := range p.segments {
		if compareSegments(v.segments[i], seg) != 0 {
			return false
		}
	}
	if len(p.local) == 0 {
		return true
	}
	if len(p.local) > len(v.local) {
		return false
	}
	for i, seg := range p.local {
		if compareSegments(v.local[i], seg) != 0 {
			return false
		}
	}
	return true
}

// BumpLast returns the version with its final release segment incremented and
// any pre-release tail dropped: 1.2 -> 1.3, 1.2a1 -> 1.3. Used to turn
// "starts with" and "compatible release" specs into half-open intervals.
func (v Version) BumpLast() Version {
	segs := make([]segment, len(v.segments))
	copy(segs, v.segments)
	last := segs[len(segs)-1]
	bumped := segment{zeroAtom}
	if last[0].numeric {
		bumped = segment{atom{num: last[0].num + 1, numeric: true}}
	}
	segs[len(segs)-1] = bumped
	out := Version{epoch: v.epoch, segments: segs}
	out.raw = out.canonical()
	return out
}

// DropLast returns the version without its final segment, for compatible
// release bounds. The receiver must have at least two segments.
func (v Version) DropLast() Version {
	segs := make([]segment, len(v.segments)-1)
	copy(segs, v.segments)
	out := Version{epoch: v.epoch, segments: segs}
	out.raw = out.canonical()
	return out
}

// SegmentCount returns the number of release segments.
func (v Version) SegmentCount() int { return len(v.segments) }

func (v Version) canonical() string {
	var b strings.Builder
	if v.epoch != 0 {
		fmt.Fprintf(&b, "%d!", v.epoch)
	}
	for i, seg := range v.segments {
		if i > 0 {
			b.WriteByte('.')
		}
		writeSegment(&b, seg)
	}
	if len(v.local) > 0 {
		b.WriteByte('+')
		for i, seg := range v.local {
			if i > 0 {
				b.WriteByte('.')
			}
			writeSegment(&b, seg)
		}
	}
	return b.String()
}

func writeSegment(b *strings.Builder, seg segment) {
	for _, a := range seg {
		if a.numeric {
			b.WriteString(strconv.Itoa(a.num))
		} else {
			b.WriteString(a.lit)
		}
	}
}
