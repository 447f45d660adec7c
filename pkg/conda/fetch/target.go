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

// Package fetch is the concurrent download engine: bounded parallel
// transfers with per-target retry, conditional requests, streaming
// decompression and integrity checks.
package fetch

import (
	"strings"

	"github.com/gonda-dev/gonda/pkg/conda/condaurl"
)

// ProgressSink receives transfer progress; implementations must be cheap,
// they are called from the transfer path. The CLI owns rendering.
type ProgressSink interface {
	Update(done, total int64)
	SetSpeed(bytesPerSecond int64)
	SetPostfix(s string)
	MarkCompleted()
}

// Result is handed to the finalize callback of a completed target.
type Result struct {
	Target      *Target
	Path        string
	Size        int64
	HTTPStatus  int
	NotModified bool
	ETag        string
	Mod         string
	RetriesUsed int
}

// Target describes one transfer.
type Target struct {
	// Name identifies the target in logs and errors.
	Name string
	// URL to fetch; UNC file URIs are normalized at construction.
	URL string
	// Filename is the output path. For .json.zst/.json.bz2 URLs the
	// decompressed stream lands here.
	Filename string

	ExpectedSize   int64
	ExpectedSHA256 string
	ExpectedMD5    string

	// conditional GET inputs; when the server answers 304 the transfer
	// finalizes against CachedPath
	ETag       string
	Mod        string
	CachedPath string

	Progress      ProgressSink
	IgnoreFailure bool
	// NoCache asks intermediaries for a fresh body.
	NoCache bool

	// Finalize runs serially on the driver after a successful transfer.
	Finalize func(*Result) error
}

// NewTarget builds a target with the URL normalized for transport.
func NewTarget(name, url, filename string) *Target {
	return &Target{
		Name:     name,
		URL:      condaurl.FileURIUNC2ToUNC4(url),
		Filename: filename,
	}
}

// isFileURL reports whether the target reads from the local filesystem;
// such targets are never retried.
func (t *Target) isFileURL() bool { return strings.HasPrefix(t.URL, "file://") }

// compression returns the streaming decompressor suffix of the URL, if any.
func (t *Target) compression() string {
	switch {
	case strings.HasSuffix(t.URL, ".json.zst"):
		return "zst"
	case strings.HasSuffix(t.URL, ".json.bz2"):
		return "bz2"
	default:
		return ""
	}
}

// wantsEncoding reports whether to ask for server-side compression.
func (t *Target) wantsEncoding() bool { return strings.HasSuffix(t.URL, ".json") }
