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

// Package condaurl centralizes URL handling, including the file:// oddities
// (Windows drive letters, UNC shares) that must not leak into the fetch
// engine as platform branches.
package condaurl

import (
	"fmt"
	"net/url"
	"strings"

	"go.lsp.dev/uri"
)

// URL is a parsed location. Unlike net/url it tolerates a missing scheme and
// keeps the user field percent-encoded as given.
type URL struct {
	Scheme   string
	User     string
	Password string
	Host     string
	Port     string
	Path     string
	Query    string
	Fragment string
}

// ParseError reports an unparseable URL.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing url %q: %s", e.Input, e.Reason)
}

// Parse is tolerant: a scheme-less input is treated as a host and path, and
// file URIs may carry a Windows drive letter in the path.
func Parse(s string) (URL, error) {
	if s == "" {
		return URL{}, &ParseError{Input: s, Reason: "empty url"}
	}
	in := s
	if !strings.Contains(in, "://") {
		// local paths become file URIs, anything else gets a scheme-less
		// authority parse
		switch {
		case strings.HasPrefix(in, "//"):
			// already in authority form
		case strings.HasPrefix(in, "/"), strings.HasPrefix(in, `\\`), isDriveLetterPath(in):
			in = string(uri.File(in))
		default:
			in = "//" + in
		}
	}

	parsed, err := url.Parse(in)
	if err != nil {
		return URL{}, &ParseError{Input: s, Reason: err.Error()}
	}

	out := URL{
		Scheme:   parsed.Scheme,
		Host:     parsed.Hostname(),
		Port:     parsed.Port(),
		Path:     parsed.EscapedPath(),
		Query:    parsed.RawQuery,
		Fragment: parsed.Fragment,
	}
	if parsed.User != nil {
		// keep the user field percent-encoded as given
		raw := parsed.User.String()
		if idx := strings.Index(raw, ":"); idx >= 0 {
			out.User = raw[:idx]
			out.Password, _ = parsed.User.Password()
		} else {
			out.User = raw
		}
	}
	return out, nil
}

func isDriveLetterPath(s string) bool {
	return len(s) >= 3 && s[1] == ':' && (s[2] == '/' || s[2] == '\\')
}

// String reassembles the URL; Parse(String(u)) == u for any parsed u.
func (u URL) String() string {
	var b strings.Builder
	if u.Scheme != "" {
		b.WriteString(u.Scheme)
		b.WriteString("://")
	} else {
		b.WriteString("//")
	}
	if u.User != "" {
		b.WriteString(u.User)
		if u.Password != "" {
			b.WriteString(":")
			b.WriteString(url.QueryEscape(u.Password))
		}
		b.WriteString("@")
	}
	b.WriteString(u.Host)
	if u.Port != "" {
		b.WriteString(":")
		b.WriteString(u.Port)
	}
	b.WriteString(u.Path)
	if u.Query != "" {
		b.WriteString("?")
		b.WriteString(u.Query)
	}
	if u.Fragment != "" {
		b.WriteString("#")
		b.WriteString(u.Fragment)
	}
	return b.String()
}

// Equal is field equality after a String round trip would agree.
func (u URL) Equal(o URL) bool { return u == o }

// LogSafe returns the URL with any credentials removed; use this in every
// log message that mentions a URL.
func (u URL) LogSafe() string {
	redacted := u
	if redacted.User != "" || redacted.Password != "" {
		redacted.User = "*****"
		redacted.Password = ""
	}
	return redacted.String()
}

// LogSafeString redacts credentials from a raw URL string. Unparseable
// inputs are returned as file URIs when possible, unchanged otherwise.
func LogSafeString(s string) string {
	parsed, err := url.Parse(s)
	if err != nil {
		fallback, ferr := url.Parse(string(uri.New(s)))
		if ferr != nil {
			return s
		}
		return fallback.Redacted()
	}
	return parsed.Redacted()
}

// FileURIUNC2ToUNC4 rewrites a two-slash UNC file URI, "file://host/share",
// into the four-slash transport form "file:////host/share". Inputs that are
// not UNC file URIs come back unchanged.
func FileURIUNC2ToUNC4(s string) string {
	rest, ok := strings.CutPrefix(s, "file://")
	if !ok || rest == "" || strings.HasPrefix(rest, "/") {
		return s
	}
	host, _, found := strings.Cut(rest, "/")
	if !found || host == "" || isDriveLetterPath(rest) {
		return s
	}
	if strings.EqualFold(host, "localhost") {
		return s
	}
	return "file:////" + rest
}

// JoinPath appends segments to a base URL, collapsing duplicate slashes.
func JoinPath(base string, segments ...string) string {
	out := strings.TrimRight(base, "/")
	for _, seg := range segments {
		out += "/" + strings.Trim(seg, "/")
	}
	return out
}
