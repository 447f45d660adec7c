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

// Bound is the closure of a numeric interval endpoint.
type Bound int

const (
	Open Bound = iota
	Closed
)

type intervalKind int

const (
	intervalEmpty intervalKind = iota
	intervalFree
	intervalSingleton
	intervalLowerBounded
	intervalUpperBounded
	intervalBounded
)

// Interval is one of: empty, free, a singleton, a half-bounded ray, or a
// bounded segment. Bounded requires lower < upper; the constructors collapse
// degenerate cases.
type Interval struct {
	kind         intervalKind
	lower, upper Version
	ltype, utype Bound
}

// MakeEmpty returns the interval containing no version.
func MakeEmpty() Interval { return Interval{kind: intervalEmpty} }

// MakeFree returns the interval containing every version.
func MakeFree() Interval { return Interval{kind: intervalFree} }

// MakeSingleton returns the interval containing exactly point.
func MakeSingleton(point Version) Interval {
	return Interval{kind: intervalSingleton, lower: point, upper: point, ltype: Closed, utype: Closed}
}

// MakeLowerBounded returns [lb, inf) or (lb, inf) depending on ltype.
func MakeLowerBounded(lb Version, ltype Bound) Interval {
	return Interval{kind: intervalLowerBounded, lower: lb, ltype: ltype}
}

// MakeUpperBounded returns (-inf, ub] or (-inf, ub) depending on utype.
func MakeUpperBounded(ub Version, utype Bound) Interval {
	return Interval{kind: intervalUpperBounded, upper: ub, utype: utype}
}

// MakeBounded returns the interval between lb and ub. Equal endpoints collapse
// to a singleton when both bounds are closed and to empty otherwise; inverted
// endpoints collapse to empty.
func MakeBounded(lb Version, ltype Bound, ub Version, utype Bound) Interval {
	switch Compare(lb, ub) {
	case 0:
		if ltype == Closed && utype == Closed {
			return MakeSingleton(lb)
		}
		return MakeEmpty()
	case 1:
		return MakeEmpty()
	}
	return Interval{kind: intervalBounded, lower: lb, upper: ub, ltype: ltype, utype: utype}
}

func (i Interval) IsEmpty() bool        { return i.kind == intervalEmpty }
func (i Interval) IsFree() bool         { return i.kind == intervalFree }
func (i Interval) IsSingleton() bool    { return i.kind == intervalSingleton }
func (i Interval) IsLowerBounded() bool { return i.kind == intervalLowerBounded || i.kind == intervalBounded || i.kind == intervalSingleton }
func (i Interval) IsUpperBounded() bool { return i.kind == intervalUpperBounded || i.kind == intervalBounded || i.kind == intervalSingleton }

// Equal is structural equality.
func (i Interval) Equal(o Interval) bool {
	if i.kind != o.kind {
		return false
	}
	switch i.kind {
	case intervalEmpty, intervalFree:
		return true
	case intervalSingleton:
		return i.lower.Equal(o.lower)
	case intervalLowerBounded:
		return i.ltype == o.ltype && i.lower.Equal(o.lower)
	case intervalUpperBounded:
		return i.utype == o.utype && i.upper.Equal(o.upper)
	default:
		return i.ltype == o.ltype && i.utype == o.utype &&
			i.lower.Equal(o.lower) && i.upper.Equal(o.upper)
	}
}

// Contains reports whether v lies in the interval.
func (i Interval) Contains(v Version) bool {
	switch i.kind {
	case intervalEmpty:
		return false
	case intervalFree:
		return true
	case intervalSingleton:
		return Compare(v, i.lower) == 0
	case intervalLowerBounded:
		return aboveLower(v, i.lower, i.ltype)
	case intervalUpperBounded:
		return belowUpper(v, i.upper, i.utype)
	default:
		return aboveLower(v, i.lower, i.ltype) && belowUpper(v, i.upper, i.utype)
	}
}

func aboveLower(v, lb Version, t Bound) bool {
	c := Compare(v, lb)
	if t == Closed {
		return c >= 0
	}
	return c > 0
}

func belowUpper(v, ub Version, t Bound) bool {
	c := Compare(v, ub)
	if t == Closed {
		return c <= 0
	}
	return c < 0
}
