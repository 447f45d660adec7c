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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	for _, s := range []string{
		"1.0", "1.0.1", "0.4.1", "2!1.0", "1.0a1", "1.0rc2", "1.0.dev1",
		"1.0post1", "1.0+local", "1.0+cuda.11", "2024.10", "1.2.3b4",
	} {
		v, err := Parse(s)
		require.NoError(t, err, s)
		again, err := Parse(v.String())
		require.NoError(t, err, s)
		require.Zero(t, Compare(v, again), s)
	}
}

func TestParseErrors(t *testing.T) {
	for _, s := range []string{"", "x!1.0", "1.0+", "1..0$", "1.0 2"} {
		_, err := Parse(s)
		require.Error(t, err, s)
		var perr *ParseError
		require.True(t, errors.As(err, &perr), s)
		require.GreaterOrEqual(t, perr.Offset, 1, s)
	}
}

func TestTotalOrder(t *testing.T) {
	// each entry sorts strictly before the next
	// attached suffixes sort before dotted ones (1.0dev1 < 1.0.dev1) and
	// post counts as infinity within its segment (1.0post1 > 1.0.1)
	ordered := []string{
		"0.9",
		"1.0dev1",
		"1.0a1",
		"1.0a2",
		"1.0b1",
		"1.0rc1",
		"1.0.dev1",
		"1.0",
		"1.0+local",
		"1.0.1",
		"1.0post1",
		"1.1",
		"2.0",
		"1!0.5",
	}
	for i := 0; i < len(ordered); i++ {
		vi := MustParse(ordered[i])
		require.Zero(t, Compare(vi, vi), ordered[i])
		for j := i + 1; j < len(ordered); j++ {
			vj := MustParse(ordered[j])
			require.Equal(t, -1, Compare(vi, vj), "%s < %s", ordered[i], ordered[j])
			require.Equal(t, 1, Compare(vj, vi), "%s > %s", ordered[j], ordered[i])
		}
	}
}

func TestTrailingZerosEqual(t *testing.T) {
	require.True(t, MustParse("1.0.0").Equal(MustParse("1.0")))
	require.True(t, MustParse("1.0").Equal(MustParse("1.0.0.0")))
	require.False(t, MustParse("1.0.1").Equal(MustParse("1.0")))
}

func TestStartsWith(t *testing.T) {
	require.True(t, MustParse("1.2.3").StartsWith(MustParse("1.2")))
	require.True(t, MustParse("1.2").StartsWith(MustParse("1.2")))
	require.True(t, MustParse("1.2").StartsWith(MustParse("1.2.0")))
	require.False(t, MustParse("1.20.3").StartsWith(MustParse("1.2")))
	require.False(t, MustParse("2.2.3").StartsWith(MustParse("1.2")))
}

func TestBumpLast(t *testing.T) {
	require.True(t, MustParse("1.3").Equal(MustParse("1.2").BumpLast()))
	require.True(t, MustParse("2").Equal(MustParse("1").BumpLast()))
	require.True(t, MustParse("1.2.6").Equal(MustParse("1.2.5").BumpLast()))
}

func TestIntervalConstructors(t *testing.T) {
	one := MustParse("1.0")
	two := MustParse("2.0")

	require.True(t, MakeBounded(one, Closed, one, Closed).IsSingleton())
	require.True(t, MakeBounded(one, Open, one, Closed).IsEmpty())
	require.True(t, MakeBounded(two, Closed, one, Closed).IsEmpty())

	b := MakeBounded(one, Closed, two, Open)
	require.True(t, b.Contains(one))
	require.True(t, b.Contains(MustParse("1.5")))
	require.False(t, b.Contains(two))
	require.False(t, b.Contains(MustParse("0.9")))

	require.True(t, MakeFree().Contains(one))
	require.False(t, MakeEmpty().Contains(one))

	require.True(t, MakeBounded(one, Closed, two, Open).Equal(MakeBounded(one, Closed, two, Open)))
	require.False(t, MakeBounded(one, Closed, two, Open).Equal(MakeBounded(one, Open, two, Open)))
}

func TestSpecContains(t *testing.T) {
	spec := MustParseSpec("1.0|>=2,<3")
	require.True(t, spec.Contains(MustParse("1.0")))
	require.True(t, spec.Contains(MustParse("2.5")))
	require.False(t, spec.Contains(MustParse("3.0")))
	require.False(t, spec.Contains(MustParse("1.5")))
}

func TestSpecOperators(t *testing.T) {
	cases := []struct {
		spec    string
		version string
		want    bool
	}{
		{"=1.2", "1.2.3", true},
		{"=1.2", "1.20", false},
		{"1.2.*", "1.2.9", true},
		{"1.2.*", "1.3.0", false},
		{"!=1.2.*", "1.3.0", true},
		{"!=1.2.*", "1.2.4", false},
		{"~=1.4.5", "1.4.9", true},
		{"~=1.4.5", "1.5.0", false},
		{"~=2.1", "2.9", true},
		{"~=2.1", "3.0", false},
		{"<=1.0", "1.0", true},
		{"<1.0", "1.0", false},
		{"(>=1,<2)|>3", "1.5", true},
		{"(>=1,<2)|>3", "2.5", false},
		{"*", "0.0.1", true},
	}
	for _, tc := range cases {
		spec, err := ParseSpec(tc.spec)
		require.NoError(t, err, tc.spec)
		require.Equal(t, tc.want, spec.Contains(MustParse(tc.version)), "%s contains %s", tc.spec, tc.version)
	}
}

func TestSpecRoundTrip(t *testing.T) {
	for _, s := range []string{
		"==1.0", ">=1.2,<2.0", "1.0|>=2,<3", "=1.2", "!=1.2.*", "~=1.4.5",
		">=1,<2|>3,<4", "*",
	} {
		spec, err := ParseSpec(s)
		require.NoError(t, err, s)
		printed := spec.String()
		again, err := ParseSpec(printed)
		require.NoError(t, err, printed)
		require.True(t, spec.Equal(again), "%s -> %s", s, printed)
	}
}

func TestSpecParseErrors(t *testing.T) {
	for _, s := range []string{">=", "(>=1", ">=1,", "~=2", ">=1.0$"} {
		_, err := ParseSpec(s)
		require.Error(t, err, s)
	}
}
