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

package repo

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gonda-dev/gonda/pkg/conda/spec"
)

// Repodata is one parsed repodata.json document: every package a channel
// publishes for one subdir.
type Repodata struct {
	Subdir     string
	Packages   []PackageInfo
	Signatures map[string]map[string]SignatureEntry
}

type rawRepodata struct {
	Info struct {
		Subdir string `json:"subdir"`
	} `json:"info"`
	Packages      map[string]json.RawMessage           `json:"packages"`
	PackagesConda map[string]json.RawMessage           `json:"packages.conda"`
	Removed       []string                             `json:"removed"`
	Signatures    map[string]map[string]SignatureEntry `json:"signatures"`
}

// ParseRepodata parses a repodata document. Entries under "packages.conda"
// shadow a "packages" entry for the same name-version-build; filenames under
// "removed" are tombstones and skipped. channelURL and the document subdir
// are stamped onto every record.
func ParseRepodata(channelURL string, data []byte) (*Repodata, error) {
	var raw rawRepodata
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing repodata: %w", err)
	}

	removed := make(map[string]bool, len(raw.Removed))
	for _, fn := range raw.Removed {
		removed[fn] = true
	}

	out := &Repodata{
		Subdir:     raw.Info.Subdir,
		Signatures: raw.Signatures,
	}

	// .conda entries win over .tar.bz2 of the same name-version-build
	shadowed := make(map[string]bool, len(raw.PackagesConda))
	ingest := func(entries map[string]json.RawMessage, shadow bool) error {
		filenames := make([]string, 0, len(entries))
		for fn := range entries {
			filenames = append(filenames, fn)
		}
		sort.Strings(filenames)
		for _, fn := range filenames {
			if removed[fn] {
				continue
			}
			stem := spec.StripArchiveExtension(fn)
			if shadow {
				shadowed[stem] = true
			} else if shadowed[stem] {
				continue
			}
			info, err := ParseRecord(fn, entries[fn])
			if err != nil {
				return err
			}
			info.Channel = channelURL
			if info.Subdir == "" {
				info.Subdir = raw.Info.Subdir
			}
			if channelURL != "" {
				info.PackageURL = strings.TrimRight(channelURL, "/") + "/" + info.Subdir + "/" + fn
			}
			if sigs, ok := raw.Signatures[fn]; ok {
				info.Signatures = sigs
			}
			out.Packages = append(out.Packages, info)
		}
		return nil
	}

	if err := ingest(raw.PackagesConda, true); err != nil {
		return nil, err
	}
	if err := ingest(raw.Packages, false); err != nil {
		return nil, err
	}
	return out, nil
}

// Count returns the number of live records in the document.
func (r *Repodata) Count() int { return len(r.Packages) }
