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

// Package spec implements the conda match-spec grammar: the requirement
// strings of the form "channel::ns:name >=1.2,<2[build=*mkl,subdir=linux-64]"
// a user hands to the resolver.
package spec

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/gonda-dev/gonda/pkg/conda/version"
)

// ParseError reports a malformed match spec.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing match spec %q: %s", e.Input, e.Reason)
}

// kvRegex matches one key=value pair inside a bracket or paren group; values
// may be single- or double-quoted.
var kvRegex = regexp.MustCompile(`([a-zA-Z0-9_-]+)\s*=\s*(?:"([^"]*)"|'([^']*)'|([^'", ]+))`)

// nameVersionRegex splits the head into name and version/build on the first
// run of version characters.
var nameVersionRegex = regexp.MustCompile(`^([^ =<>!~]+)?([><!=~ ].+)?$`)

// recognized bracket keys; anything else is a parse error
var knownAttrKeys = map[string]bool{
	"build": true, "build_number": true, "version": true, "channel": true,
	"subdir": true, "url": true, "fn": true, "md5": true, "sha256": true,
	"license": true, "license_family": true, "track_features": true,
	"features": true,
}

// MatchSpec is an immutable parsed package requirement.
type MatchSpec struct {
	channel     *ChannelSpec
	namespace   string
	name        GlobSpec
	version     version.Spec
	build       GlobSpec
	buildNumber *BuildNumberSpec
	optional    bool
	url         string
	filename    string
	attrs       map[string]string
}

// Record is the candidate shape a MatchSpec is evaluated against.
type Record struct {
	Name          string
	Version       string
	Build         string
	BuildNumber   int
	Channel       string
	Subdir        string
	MD5           string
	SHA256        string
	License       string
	Filename      string
	TrackFeatures []string
	Features      []string
}

// Parse parses a full match spec. The stages, applied in order: trailing-comment
// strip, archive-URL dispatch, bracket and paren extraction, channel and
// namespace split on "::" and ":", name/version/build split, and finally
// per-attribute typing with bracket values overriding positional ones.
func Parse(input string) (*MatchSpec, error) {
	s := input
	if idx := strings.Index(s, "#"); idx >= 0 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, &ParseError{Input: input, Reason: "empty spec"}
	}

	if HasArchiveExtension(s) {
		return parseURL(input, s)
	}

	out := &MatchSpec{attrs: map[string]string{}}
	brackets := map[string]string{}

	var err error
	if s, err = extractGroup(input, s, '[', ']', brackets, nil); err != nil {
		return nil, err
	}
	optional := false
	if s, err = extractGroup(input, s, '(', ')', brackets, &optional); err != nil {
		return nil, err
	}
	out.optional = optional
	s = strings.TrimSpace(s)

	// channel::namespace:name, split from the right at most twice
	head := s
	if parts := rsplit(head, "::"); len(parts) == 2 {
		cs := ParseChannelSpec(parts[0])
		out.channel = &cs
		head = parts[1]
	}
	if parts := rsplit(head, ":"); len(parts) == 2 && !strings.Contains(parts[0], "/") {
		out.namespace = parts[0]
		head = parts[1]
	}

	// `libblas=[build=*mkl]` is the repr of `libblas=*=*mkl`
	if strings.HasSuffix(head, "=") {
		head += "*"
	}

	m := nameVersionRegex.FindStringSubmatch(head)
	if m == nil || m[1] == "" {
		return nil, &ParseError{Input: input, Reason: "no package name found"}
	}
	if strings.ContainsAny(m[1], "[]()") {
		return nil, &ParseError{Input: input, Reason: "multiple bracket sections not allowed"}
	}
	out.name = NewGlobSpec(strings.ToLower(m[1]))
	if vb := strings.TrimSpace(m[2]); vb != "" {
		if strings.Contains(vb, "[") {
			return nil, &ParseError{Input: input, Reason: "multiple bracket sections not allowed"}
		}
		verStr, buildStr := splitVersionAndBuild(vb)
		if out.version, err = version.ParseSpec(verStr); err != nil {
			return nil, &ParseError{Input: input, Reason: err.Error()}
		}
		out.build = NewGlobSpec(buildStr)
	}

	if err := out.applyBrackets(input, brackets); err != nil {
		return nil, err
	}
	return out, nil
}

// MustParse is Parse for known-good literals.
func MustParse(s string) *MatchSpec {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

// parseURL handles a spec that is a URL or path to one artifact: the filename
// carries name, version and build as "name-version-build.ext".
func parseURL(input, s string) (*MatchSpec, error) {
	out := &MatchSpec{attrs: map[string]string{}}
	cs := ParseChannelSpec(s)
	out.channel = &cs
	out.url = s

	base := s
	if idx := strings.LastIndexAny(base, "/\\"); idx >= 0 {
		base = base[idx+1:]
	}
	out.filename = base

	stem := StripArchiveExtension(base)
	nameVer, build, ok := rcut(stem, '-')
	if !ok {
		return nil, &ParseError{Input: input, Reason: "artifact filename is not name-version-build"}
	}
	name, ver, ok := rcut(nameVer, '-')
	if !ok {
		return nil, &ParseError{Input: input, Reason: "artifact filename is not name-version-build"}
	}
	out.name = NewGlobSpec(strings.ToLower(name))
	vs, err := version.ParseSpec("==" + ver)
	if err != nil {
		return nil, &ParseError{Input: input, Reason: err.Error()}
	}
	out.version = vs
	out.build = NewGlobSpec(build)
	return out, nil
}

// extractGroup removes the last delimited group from s and folds its
// key=value pairs into attrs. Earlier groups are left in place so a channel
// location can keep its own platform brackets. The paren group additionally
// recognizes the bare token "optional".
func extractGroup(input, s string, open, closer byte, attrs map[string]string, optional *bool) (string, error) {
	start := strings.LastIndexByte(s, open)
	if start < 0 {
		if strings.IndexByte(s, closer) >= 0 {
			return "", &ParseError{Input: input, Reason: fmt.Sprintf("unmatched %q", string(closer))}
		}
		return s, nil
	}
	end := strings.IndexByte(s[start:], closer)
	if end < 0 {
		return "", &ParseError{Input: input, Reason: fmt.Sprintf("unterminated %q group", string(open))}
	}
	end += start
	body := s[start+1 : end]

	for _, m := range kvRegex.FindAllStringSubmatch(body, -1) {
		key := m[1]
		value := m[2] + m[3] + m[4]
		if !knownAttrKeys[key] {
			return "", &ParseError{Input: input, Reason: fmt.Sprintf("unknown attribute %q", key)}
		}
		if prev, ok := attrs[key]; ok && prev != value {
			return "", &ParseError{Input: input, Reason: fmt.Sprintf("duplicate key %q with conflicting values", key)}
		}
		attrs[key] = value
	}
	if optional != nil {
		for _, tok := range strings.FieldsFunc(body, func(r rune) bool { return r == ',' || r == ' ' }) {
			if tok == "optional" {
				*optional = true
			}
		}
	}
	return s[:start] + s[end+1:], nil
}

// splitVersionAndBuild splits "1.2.*=py38*" or ">=1.2 py38_0" on the last
// space or "=" that is not part of an operator.
func splitVersionAndBuild(s string) (ver, build string) {
	pos := strings.LastIndexAny(s, " =")
	if pos <= 0 {
		return s, ""
	}
	if s[pos] == '=' {
		switch s[pos-1] {
		case '=', '!', '|', ',', '<', '>', '~':
			return s, ""
		}
	}
	return strings.TrimSpace(s[:pos]), strings.TrimSpace(s[pos+1:])
}

func (m *MatchSpec) applyBrackets(input string, brackets map[string]string) error {
	var err error
	for key, value := range brackets {
		switch key {
		case "build_number":
			bn, perr := ParseBuildNumberSpec(value)
			if perr != nil {
				return &ParseError{Input: input, Reason: perr.Error()}
			}
			m.buildNumber = bn
		case "build":
			m.build = NewGlobSpec(value)
		case "version":
			if m.version, err = version.ParseSpec(value); err != nil {
				return &ParseError{Input: input, Reason: err.Error()}
			}
		case "channel":
			cs := ParseChannelSpec(value)
			if m.channel != nil && len(m.channel.Platforms()) > 0 && len(cs.Platforms()) == 0 {
				// keep subdirs picked up positionally or via a subdir key
				cs = cs.WithPlatforms(m.channel.Platforms())
			}
			m.channel = &cs
		case "subdir":
			if m.channel == nil {
				cs := NewChannelSpec("", []string{value})
				m.channel = &cs
			} else if len(m.channel.Platforms()) == 0 {
				// subdirs embedded in the channel win over the bracket key
				cs := m.channel.WithPlatforms([]string{value})
				m.channel = &cs
			}
		case "url":
			m.url = value
		case "fn":
			m.filename = value
		default:
			m.attrs[key] = value
		}
	}
	return nil
}

// Channel returns the channel constraint, or nil.
func (m *MatchSpec) Channel() *ChannelSpec { return m.channel }

// Namespace returns the namespace constraint, empty when unset.
func (m *MatchSpec) Namespace() string { return m.namespace }

// Name returns the name constraint.
func (m *MatchSpec) Name() GlobSpec { return m.name }

// Version returns the version constraint; the zero Spec matches everything.
func (m *MatchSpec) Version() version.Spec { return m.version }

// Build returns the build string constraint.
func (m *MatchSpec) Build() GlobSpec { return m.build }

// BuildNumber returns the build number constraint, or nil.
func (m *MatchSpec) BuildNumber() *BuildNumberSpec { return m.buildNumber }

// Optional reports whether the paren group carried the "optional" token.
func (m *MatchSpec) Optional() bool { return m.optional }

// URL returns the explicit artifact URL, empty when unset.
func (m *MatchSpec) URL() string { return m.url }

// Filename returns the explicit artifact filename, empty when unset.
func (m *MatchSpec) Filename() string { return m.filename }

// Attr returns a typed bracket attribute (md5, sha256, license, ...).
func (m *MatchSpec) Attr(key string) string { return m.attrs[key] }

// IsSimple reports whether only the name is constrained.
func (m *MatchSpec) IsSimple() bool {
	return m.version.IsFree() && m.build.IsFree() && m.buildNumber == nil
}

// IsFile reports whether the spec names a single artifact.
func (m *MatchSpec) IsFile() bool { return m.url != "" || m.filename != "" }

// Matches evaluates the spec against a candidate record.
func (m *MatchSpec) Matches(r Record) bool {
	if !m.name.Matches(strings.ToLower(r.Name)) {
		return false
	}
	if !m.version.IsFree() {
		v, err := version.Parse(r.Version)
		if err != nil || !m.version.Contains(v) {
			return false
		}
	}
	if !m.build.Matches(r.Build) {
		return false
	}
	if m.buildNumber != nil && !m.buildNumber.Matches(r.BuildNumber) {
		return false
	}
	if m.channel != nil {
		if loc := m.channel.Location(); loc != DefaultChannelName && r.Channel != "" && !channelMatches(loc, r.Channel) {
			return false
		}
		if plats := m.channel.Platforms(); len(plats) > 0 && r.Subdir != "" {
			found := false
			for _, p := range plats {
				if p == r.Subdir {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	if want := m.attrs["md5"]; want != "" && r.MD5 != "" && !strings.EqualFold(want, r.MD5) {
		return false
	}
	if want := m.attrs["sha256"]; want != "" && r.SHA256 != "" && !strings.EqualFold(want, r.SHA256) {
		return false
	}
	if want := m.attrs["license"]; want != "" && r.License != "" && want != r.License {
		return false
	}
	if want := m.attrs["track_features"]; want != "" {
		if !containsAll(r.TrackFeatures, strings.Fields(strings.ReplaceAll(want, ",", " "))) {
			return false
		}
	}
	if want := m.attrs["features"]; want != "" {
		if !containsAll(r.Features, strings.Fields(strings.ReplaceAll(want, ",", " "))) {
			return false
		}
	}
	if m.filename != "" && r.Filename != "" && m.filename != r.Filename {
		return false
	}
	return true
}

func channelMatches(want, got string) bool {
	// a channel constraint matches the resolved channel name or the last
	// path component of its URL
	if want == got {
		return true
	}
	trimmed := strings.TrimRight(got, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		return trimmed[idx+1:] == want
	}
	return false
}

func containsAll(haystack, needles []string) bool {
	for _, n := range needles {
		found := false
		for _, h := range haystack {
			if h == n {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// CondaBuildForm returns "name", "name version" or "name version build"
// depending on which parts are explicitly constrained.
func (m *MatchSpec) CondaBuildForm() string {
	hasVersion := !m.version.IsFree()
	hasBuild := !m.build.IsFree()
	switch {
	case hasVersion && hasBuild:
		return fmt.Sprintf("%s %s %s", m.name, m.version, m.build)
	case hasVersion:
		return fmt.Sprintf("%s %s", m.name, m.version)
	case hasBuild:
		return fmt.Sprintf("%s * %s", m.name, m.build)
	default:
		return m.name.String()
	}
}

// String prints a canonical form that re-parses to an equal spec.
func (m *MatchSpec) String() string {
	if m.url != "" && HasArchiveExtension(m.url) {
		return m.url
	}
	var b strings.Builder
	var bracketed []string
	if m.channel != nil {
		// brackets after the name would swallow the channel's platform
		// filters on re-parse, so a single known subdir rides in the
		// location and anything fancier goes through a quoted channel key
		plats := m.channel.Platforms()
		switch {
		case len(plats) == 0:
			b.WriteString(m.channel.Location())
			b.WriteString("::")
		case len(plats) == 1 && isKnownSubdir(plats[0]):
			b.WriteString(m.channel.Location())
			b.WriteString("/")
			b.WriteString(plats[0])
			b.WriteString("::")
		default:
			bracketed = append(bracketed, "channel='"+m.channel.String()+"'")
		}
	}
	if m.namespace != "" {
		b.WriteString(m.namespace)
		b.WriteString(":")
	}
	b.WriteString(m.name.String())
	if !m.version.IsFree() {
		ver := m.version.String()
		if strings.ContainsAny(ver, "><|,") {
			bracketed = append(bracketed, "version='"+ver+"'")
		} else {
			b.WriteString(ver)
		}
	}
	if !m.build.IsFree() {
		if m.build.IsExact() {
			b.WriteString("=")
			b.WriteString(m.build.String())
		} else {
			bracketed = append(bracketed, "build='"+m.build.String()+"'")
		}
	}
	if m.buildNumber != nil {
		bracketed = append(bracketed, "build_number="+m.buildNumber.String())
	}
	keys := make([]string, 0, len(m.attrs))
	for k := range m.attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := m.attrs[k]
		if strings.ContainsAny(v, "= ,") {
			bracketed = append(bracketed, k+"='"+v+"'")
		} else {
			bracketed = append(bracketed, k+"="+v)
		}
	}
	if m.url != "" {
		bracketed = append(bracketed, "url="+m.url)
	} else if m.filename != "" {
		bracketed = append(bracketed, "fn="+m.filename)
	}
	if len(bracketed) > 0 {
		b.WriteString("[")
		b.WriteString(strings.Join(bracketed, ","))
		b.WriteString("]")
	}
	if m.optional {
		b.WriteString("(optional)")
	}
	return b.String()
}

// Equal is structural equality over the parsed representation.
func (m *MatchSpec) Equal(o *MatchSpec) bool {
	if (m.channel == nil) != (o.channel == nil) {
		return false
	}
	if m.channel != nil && !m.channel.Equal(*o.channel) {
		return false
	}
	if m.namespace != o.namespace || m.name != o.name || m.build != o.build ||
		m.optional != o.optional || m.url != o.url || m.filename != o.filename {
		return false
	}
	if !m.version.Equal(o.version) {
		return false
	}
	if (m.buildNumber == nil) != (o.buildNumber == nil) {
		return false
	}
	if m.buildNumber != nil && *m.buildNumber != *o.buildNumber {
		return false
	}
	if len(m.attrs) != len(o.attrs) {
		return false
	}
	for k, v := range m.attrs {
		if o.attrs[k] != v {
			return false
		}
	}
	return true
}

// GlobSpec matches a string exactly or against a "*" glob. The zero value is
// free and matches anything.
type GlobSpec struct {
	pattern string
}

// NewGlobSpec returns a spec for pattern; "" and "*" are free.
func NewGlobSpec(pattern string) GlobSpec {
	if pattern == "*" {
		pattern = ""
	}
	return GlobSpec{pattern: pattern}
}

// IsFree reports whether the spec matches anything.
func (g GlobSpec) IsFree() bool { return g.pattern == "" }

// IsExact reports whether the spec has no glob characters.
func (g GlobSpec) IsExact() bool { return g.pattern != "" && !strings.Contains(g.pattern, "*") }

func (g GlobSpec) String() string {
	if g.pattern == "" {
		return "*"
	}
	return g.pattern
}

// Matches evaluates the glob; "*" matches any run including the empty one.
func (g GlobSpec) Matches(s string) bool {
	if g.pattern == "" {
		return true
	}
	parts := strings.Split(g.pattern, "*")
	if len(parts) == 1 {
		return s == g.pattern
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}

// BuildNumberSpec is a comparison against a build number.
type BuildNumberSpec struct {
	Op string
	N  int
}

// ParseBuildNumberSpec parses "3", "=3", ">3", ">=3", "<3", "<=3" or "!=3".
func ParseBuildNumberSpec(s string) (*BuildNumberSpec, error) {
	op := "="
	rest := s
	for _, candidate := range []string{">=", "<=", "!=", "==", ">", "<", "="} {
		if strings.HasPrefix(s, candidate) {
			op = candidate
			rest = s[len(candidate):]
			break
		}
	}
	if op == "==" {
		op = "="
	}
	n, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return nil, fmt.Errorf("invalid build number %q", s)
	}
	return &BuildNumberSpec{Op: op, N: n}, nil
}

// Matches evaluates the comparison.
func (b BuildNumberSpec) Matches(n int) bool {
	switch b.Op {
	case "=":
		return n == b.N
	case "!=":
		return n != b.N
	case ">":
		return n > b.N
	case ">=":
		return n >= b.N
	case "<":
		return n < b.N
	case "<=":
		return n <= b.N
	}
	return false
}

func (b BuildNumberSpec) String() string {
	if b.Op == "=" {
		return strconv.Itoa(b.N)
	}
	return b.Op + strconv.Itoa(b.N)
}

// rsplit splits s on the last occurrence of sep: ["head", "tail"], or ["s"]
// when sep is absent.
func rsplit(s, sep string) []string {
	idx := strings.LastIndex(s, sep)
	if idx < 0 {
		return []string{s}
	}
	return []string{s[:idx], s[idx+len(sep):]}
}

func rcut(s string, sep byte) (before, after string, found bool) {
	idx := strings.LastIndexByte(s, sep)
	if idx < 0 {
		return s, "", false
	}
	return s[:idx], s[idx+1:], true
}
