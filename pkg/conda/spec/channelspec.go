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

package spec

import (
	"path"
	"sort"
	"strings"
)

// ChannelType classifies how a channel location must be resolved.
type ChannelType int

const (
	// ChannelURL is a URL to a full repo structure, e.g.
	// "https://repo.anaconda.com/conda-forge".
	ChannelURL ChannelType = iota
	// ChannelPackageURL is a URL to a single artifact.
	ChannelPackageURL
	// ChannelPath is an absolute path to a full repo structure.
	ChannelPath
	// ChannelPackagePath is an absolute path to a single artifact.
	ChannelPackagePath
	// ChannelName is a relative name resolved against the channel alias,
	// e.g. "conda-forge" or "my-channel/my-label".
	ChannelName
)

func (t ChannelType) String() string {
	switch t {
	case ChannelURL:
		return "url"
	case ChannelPackageURL:
		return "package-url"
	case ChannelPath:
		return "path"
	case ChannelPackagePath:
		return "package-path"
	default:
		return "name"
	}
}

// DefaultChannelName is the location of a zero-value ChannelSpec.
const DefaultChannelName = "defaults"

// KnownSubdirs are the platform tags a channel location may embed.
var KnownSubdirs = []string{
	"noarch",
	"linux-32", "linux-64", "linux-aarch64", "linux-armv6l", "linux-armv7l",
	"linux-ppc64", "linux-ppc64le", "linux-riscv64", "linux-s390x",
	"osx-64", "osx-arm64",
	"win-32", "win-64", "win-arm64",
	"zos-z",
}

// ArchiveExtensions are the recognized package artifact suffixes.
var ArchiveExtensions = []string{".conda", ".tar.bz2"}

// HasArchiveExtension reports whether s names a package artifact.
func HasArchiveExtension(s string) bool {
	for _, ext := range ArchiveExtensions {
		if strings.HasSuffix(s, ext) {
			return true
		}
	}
	return false
}

// StripArchiveExtension removes the artifact suffix, if any.
func StripArchiveExtension(s string) string {
	for _, ext := range ArchiveExtensions {
		if strings.HasSuffix(s, ext) {
			return strings.TrimSuffix(s, ext)
		}
	}
	return s
}

// ChannelSpec is the channel string passed by a user, before resolution
// against the channel alias. A string without an explicit scheme is a name,
// so "repo.anaconda.com" is a name just like "conda-forge".
type ChannelSpec struct {
	location  string
	platforms []string
}

// ParseChannelSpec splits platform filters from the location. Filters come
// from a trailing bracket group ("conda-forge[linux-64,noarch]") or from a
// known subdir embedded as the final path component ("conda-forge/linux-64").
func ParseChannelSpec(s string) ChannelSpec {
	location := strings.TrimSpace(s)
	var platforms []string

	if strings.HasSuffix(location, "]") {
		if open := strings.LastIndex(location, "["); open >= 0 {
			for _, p := range strings.FieldsFunc(location[open+1:len(location)-1], func(r rune) bool {
				return r == '|' || r == ',' || r == ';'
			}) {
				if p = strings.TrimSpace(p); p != "" {
					platforms = append(platforms, p)
				}
			}
			location = strings.TrimSpace(location[:open])
		}
	}

	location = strings.TrimRight(location, "/")
	if last := path.Base(strings.ReplaceAll(location, "\\", "/")); isKnownSubdir(last) {
		platforms = append(platforms, last)
		location = strings.TrimRight(strings.TrimSuffix(location, last), "/\\")
	}

	if location == "" {
		location = DefaultChannelName
	}
	sort.Strings(platforms)
	return ChannelSpec{location: location, platforms: platforms}
}

func isKnownSubdir(s string) bool {
	for _, sub := range KnownSubdirs {
		if s == sub {
			return true
		}
	}
	return false
}

// NewChannelSpec builds a spec from an explicit location and filter set.
func NewChannelSpec(location string, platforms []string) ChannelSpec {
	out := ChannelSpec{location: location, platforms: append([]string(nil), platforms...)}
	if out.location == "" {
		out.location = DefaultChannelName
	}
	sort.Strings(out.platforms)
	return out
}

// Location returns the channel location as given, without platform filters.
func (c ChannelSpec) Location() string {
	if c.location == "" {
		return DefaultChannelName
	}
	return c.location
}

// Platforms returns the platform filters, sorted.
func (c ChannelSpec) Platforms() []string { return append([]string(nil), c.platforms...) }

// WithPlatforms returns a copy with the filters replaced.
func (c ChannelSpec) WithPlatforms(platforms []string) ChannelSpec {
	return NewChannelSpec(c.location, platforms)
}

// Type derives the channel type from the location shape.
func (c ChannelSpec) Type() ChannelType {
	loc := c.Location()
	archive := HasArchiveExtension(loc)
	switch {
	case hasScheme(loc):
		if archive {
			return ChannelPackageURL
		}
		return ChannelURL
	case isAbsolutePath(loc):
		if archive {
			return ChannelPackagePath
		}
		return ChannelPath
	default:
		return ChannelName
	}
}

// Equal is structural equality.
func (c ChannelSpec) Equal(o ChannelSpec) bool {
	if c.Location() != o.Location() || len(c.platforms) != len(o.platforms) {
		return false
	}
	for i := range c.platforms {
		if c.platforms[i] != o.platforms[i] {
			return false
		}
	}
	return true
}

func (c ChannelSpec) String() string {
	if len(c.platforms) == 0 {
		return c.Location()
	}
	return c.Location() + "[" + strings.Join(c.platforms, ",") + "]"
}

func hasScheme(s string) bool {
	idx := strings.Index(s, "://")
	if idx <= 0 {
		return false
	}
	for _, r := range s[:idx] {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.') {
			return false
		}
	}
	return true
}

func isAbsolutePath(s string) bool {
	switch {
	case strings.HasPrefix(s, "/"), strings.HasPrefix(s, "~/"), strings.HasPrefix(s, "./"), strings.HasPrefix(s, "../"):
		return true
	case len(s) >= 3 && s[1] == ':' && (s[2] == '\\' || s[2] == '/'):
		// Windows drive letter
		return true
	case strings.HasPrefix(s, `\\`):
		// UNC
		return true
	}
	return false
}
