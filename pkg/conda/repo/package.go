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

// Package repo models repodata documents: the per-package records a channel
// publishes and the on-disk cache they are staged through.
package repo

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gonda-dev/gonda/pkg/conda/spec"
)

// Noarch is the package's architecture-independence flavour.
type Noarch int

const (
	NoarchNo Noarch = iota
	NoarchGeneric
	NoarchPython
)

func (n Noarch) String() string {
	switch n {
	case NoarchGeneric:
		return "generic"
	case NoarchPython:
		return "python"
	default:
		return ""
	}
}

func parseNoarch(v any) Noarch {
	switch t := v.(type) {
	case string:
		switch t {
		case "python":
			return NoarchPython
		case "generic":
			return NoarchGeneric
		}
	case bool:
		if t {
			return NoarchGeneric
		}
	}
	return NoarchNo
}

// PackageInfo is the canonical normalized package record. It is a passive
// value, independent of any pool; it parses from a repodata entry and
// serializes back to the same shape for signing.
type PackageInfo struct {
	Name          string
	Version       string
	BuildString   string
	BuildNumber   int
	Subdir        string
	Channel       string
	PackageURL    string
	Filename      string
	Size          int64
	Timestamp     int64
	MD5           string
	SHA256        string
	License       string
	TrackFeatures []string
	Depends       []string
	Constrains    []string
	Noarch        Noarch
	Signatures    map[string]SignatureEntry

	// repodata entries that carried an explicit empty depends/constrains
	// must round-trip the empty array
	hasDepends    bool
	hasConstrains bool
}

// SignatureEntry is one hex-keyed signature over the signable form.
// OtherHeaders carries the RFC4880 trailer for GPG-wrapped signatures.
type SignatureEntry struct {
	Signature    string `json:"signature"`
	OtherHeaders string `json:"other_headers,omitempty"`
}

// ParseFilename splits "<name>-<version>-<build>.<ext>".
func ParseFilename(fn string) (name, version, build string, err error) {
	stem := spec.StripArchiveExtension(fn)
	if stem == fn {
		return "", "", "", fmt.Errorf("filename %q has no package extension", fn)
	}
	idx := strings.LastIndexByte(stem, '-')
	if idx <= 0 {
		return "", "", "", fmt.Errorf("filename %q is not name-version-build", fn)
	}
	build = stem[idx+1:]
	rest := stem[:idx]
	idx = strings.LastIndexByte(rest, '-')
	if idx <= 0 {
		return "", "", "", fmt.Errorf("filename %q is not name-version-build", fn)
	}
	return rest[:idx], rest[idx+1:], build, nil
}

// rawRecord is the wire shape of one repodata entry.
type rawRecord struct {
	Name          string          `json:"name"`
	Version       string          `json:"version"`
	Build         string          `json:"build"`
	BuildNumber   int             `json:"build_number"`
	Subdir        string          `json:"subdir,omitempty"`
	Size          int64           `json:"size,omitempty"`
	Timestamp     int64           `json:"timestamp,omitempty"`
	MD5           string          `json:"md5,omitempty"`
	SHA256        string          `json:"sha256,omitempty"`
	License       string          `json:"license,omitempty"`
	TrackFeatures string          `json:"track_features,omitempty"`
	Depends       *[]string       `json:"depends,omitempty"`
	Constrains    *[]string       `json:"constrains,omitempty"`
	Noarch        json.RawMessage `json:"noarch,omitempty"`
}

// ParseRecord builds a PackageInfo from one repodata entry. The map key is
// the artifact filename; unknown value keys are ignored.
func ParseRecord(filename string, value []byte) (PackageInfo, error) {
	var raw rawRecord
	if err := json.Unmarshal(value, &raw); err != nil {
		return PackageInfo{}, fmt.Errorf("record %s: %w", filename, err)
	}
	info := PackageInfo{
		Name:        raw.Name,
		Version:     raw.Version,
		BuildString: raw.Build,
		BuildNumber: raw.BuildNumber,
		Subdir:      raw.Subdir,
		Filename:    filename,
		Size:        raw.Size,
		Timestamp:   raw.Timestamp,
		MD5:         raw.MD5,
		SHA256:      raw.SHA256,
		License:     raw.License,
	}
	if raw.TrackFeatures != "" {
		info.TrackFeatures = strings.Fields(strings.ReplaceAll(raw.TrackFeatures, ",", " "))
	}
	if raw.Depends != nil {
		info.hasDepends = true
		info.Depends = *raw.Depends
	}
	if raw.Constrains != nil {
		info.hasConstrains = true
		info.Constrains = *raw.Constrains
	}
	if len(raw.Noarch) > 0 {
		var v any
		if err := json.Unmarshal(raw.Noarch, &v); err == nil {
			info.Noarch = parseNoarch(v)
		}
	}
	if info.Name == "" || info.Version == "" {
		name, version, build, err := ParseFilename(filename)
		if err != nil {
			return PackageInfo{}, fmt.Errorf("record %s: missing name/version and %w", filename, err)
		}
		if info.Name == "" {
			info.Name = name
		}
		if info.Version == "" {
			info.Version = version
		}
		if info.BuildString == "" {
			info.BuildString = build
		}
	}
	return info, nil
}

// JSONSignable emits the record in the canonical byte-stable form used for
// signing: keys in a fixed order, empty arrays for depends/constrains the
// source document carried, noarch omitted when No.
func (p PackageInfo) JSONSignable() []byte {
	var b bytes.Buffer
	b.WriteByte('{')
	first := true
	field := func(key string, value any) {
		if !first {
			b.WriteByte(',')
		}
		first = false
		kb, _ := json.Marshal(key)
		b.Write(kb)
		b.WriteByte(':')
		vb, _ := json.Marshal(value)
		b.Write(vb)
	}

	field("build", p.BuildString)
	field("build_number", p.BuildNumber)
	if p.hasConstrains || len(p.Constrains) > 0 {
		field("constrains", nonNil(p.Constrains))
	}
	if p.hasDepends || len(p.Depends) > 0 {
		field("depends", nonNil(p.Depends))
	}
	if p.License != "" {
		field("license", p.License)
	}
	if p.MD5 != "" {
		field("md5", p.MD5)
	}
	field("name", p.Name)
	if p.Noarch != NoarchNo {
		field("noarch", p.Noarch.String())
	}
	if p.SHA256 != "" {
		field("sha256", p.SHA256)
	}
	if p.Size != 0 {
		field("size", p.Size)
	}
	if p.Subdir != "" {
		field("subdir", p.Subdir)
	}
	if p.Timestamp != 0 {
		field("timestamp", p.Timestamp)
	}
	if len(p.TrackFeatures) > 0 {
		field("track_features", strings.Join(p.TrackFeatures, " "))
	}
	field("version", p.Version)
	b.WriteByte('}')
	return b.Bytes()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// MarshalJSON serializes back to the repodata entry shape.
func (p PackageInfo) MarshalJSON() ([]byte, error) {
	raw := rawRecord{
		Name:        p.Name,
		Version:     p.Version,
		Build:       p.BuildString,
		BuildNumber: p.BuildNumber,
		Subdir:      p.Subdir,
		Size:        p.Size,
		Timestamp:   p.Timestamp,
		MD5:         p.MD5,
		SHA256:      p.SHA256,
		License:     p.License,
	}
	if len(p.TrackFeatures) > 0 {
		raw.TrackFeatures = strings.Join(p.TrackFeatures, " ")
	}
	if p.hasDepends || len(p.Depends) > 0 {
		deps := nonNil(p.Depends)
		raw.Depends = &deps
	}
	if p.hasConstrains || len(p.Constrains) > 0 {
		cons := nonNil(p.Constrains)
		raw.Constrains = &cons
	}
	if p.Noarch != NoarchNo {
		nb, _ := json.Marshal(p.Noarch.String())
		raw.Noarch = nb
	}
	return json.Marshal(raw)
}

// String is a short human form used in logs and transaction listings.
func (p PackageInfo) String() string {
	return fmt.Sprintf("%s-%s-%s", p.Name, p.Version, p.BuildString)
}

// ArtifactFilename returns the filename, deriving it when the record came
// from somewhere without one.
func (p PackageInfo) ArtifactFilename() string {
	if p.Filename != "" {
		return p.Filename
	}
	return fmt.Sprintf("%s-%s-%s.conda", p.Name, p.Version, p.BuildString)
}

// Record converts to the match-spec candidate shape.
func (p PackageInfo) Record() spec.Record {
	return spec.Record{
		Name:          p.Name,
		Version:       p.Version,
		Build:         p.BuildString,
		BuildNumber:   p.BuildNumber,
		Channel:       p.Channel,
		Subdir:        p.Subdir,
		MD5:           p.MD5,
		SHA256:        p.SHA256,
		License:       p.License,
		Filename:      p.Filename,
		TrackFeatures: p.TrackFeatures,
	}
}
