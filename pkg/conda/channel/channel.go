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

// Package channel resolves channel specifiers into the concrete
// channel × subdir base URLs the fetch engine pulls repodata from.
package channel

import (
	"fmt"
	"strings"

	"go.lsp.dev/uri"

	"github.com/gonda-dev/gonda/pkg/conda/condaurl"
	"github.com/gonda-dev/gonda/pkg/conda/spec"
)

// DefaultAlias is the base URL named channels resolve against.
const DefaultAlias = "https://conda.anaconda.org"

// RepodataFilename is the index document name under each subdir.
const RepodataFilename = "repodata.json"

// Channel is a resolved channel: a name for display, a base URL, and the
// platform set it publishes for this resolution.
type Channel struct {
	Name      string
	BaseURL   string
	Platforms []string
}

// Resolver turns ChannelSpecs into Channels using the configured alias,
// default channel list and global platform list.
type Resolver struct {
	alias     string
	defaults  []string
	platforms []string
}

// NewResolver builds a resolver. platforms is the global subdir list used
// when a spec carries no filters of its own; it should normally be
// [current-platform, "noarch"].
func NewResolver(alias string, defaults, platforms []string) *Resolver {
	if alias == "" {
		alias = DefaultAlias
	}
	if len(defaults) == 0 {
		defaults = []string{"main", "r"}
	}
	return &Resolver{
		alias:     strings.TrimRight(alias, "/"),
		defaults:  defaults,
		platforms: platforms,
	}
}

// Resolve expands a channel spec into one or more channels; "defaults"
// expands into the configured default channel list.
func (r *Resolver) Resolve(cs spec.ChannelSpec) ([]Channel, error) {
	if cs.Location() == spec.DefaultChannelName {
		out := make([]Channel, 0, len(r.defaults))
		for _, name := range r.defaults {
			ch, err := r.resolveOne(spec.NewChannelSpec(name, cs.Platforms()))
			if err != nil {
				return nil, err
			}
			out = append(out, ch)
		}
		return out, nil
	}
	ch, err := r.resolveOne(cs)
	if err != nil {
		return nil, err
	}
	return []Channel{ch}, nil
}

func (r *Resolver) resolveOne(cs spec.ChannelSpec) (Channel, error) {
	platforms := cs.Platforms()
	if len(platforms) == 0 {
		platforms = append([]string(nil), r.platforms...)
	}
	loc := cs.Location()

	switch cs.Type() {
	case spec.ChannelURL:
		return Channel{
			Name:      channelNameFromURL(loc),
			BaseURL:   strings.TrimRight(loc, "/"),
			Platforms: platforms,
		}, nil
	case spec.ChannelPath:
		fileURI := condaurl.FileURIUNC2ToUNC4(string(uri.File(loc)))
		return Channel{
			Name:      channelNameFromURL(loc),
			BaseURL:   fileURI,
			Platforms: platforms,
		}, nil
	case spec.ChannelName:
		return Channel{
			Name:      loc,
			BaseURL:   condaurl.JoinPath(r.alias, loc),
			Platforms: platforms,
		}, nil
	default:
		return Channel{}, fmt.Errorf("channel %q names a single artifact, not a repo", loc)
	}
}

func channelNameFromURL(loc string) string {
	trimmed := strings.TrimRight(loc, "/")
	if idx := strings.LastIndexAny(trimmed, "/\\"); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}

// SubdirURL composes the base URL for one platform subdir.
func (c Channel) SubdirURL(subdir string) string {
	return condaurl.JoinPath(c.BaseURL, subdir)
}

// RepodataURL composes the repodata document URL for one platform subdir.
func (c Channel) RepodataURL(subdir string) string {
	return condaurl.JoinPath(c.BaseURL, subdir, RepodataFilename)
}

// PackageURL composes the artifact URL for a filename under a subdir.
func (c Channel) PackageURL(subdir, filename string) string {
	return condaurl.JoinPath(c.BaseURL, subdir, filename)
}
