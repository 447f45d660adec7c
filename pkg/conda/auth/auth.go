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

package auth

import (
	"context"
	"net/http"
	"os"
	"strings"
)

// DefaultAuthenticators is the chain used when nothing else is configured.
var DefaultAuthenticators = MultiAuthenticator(EnvAuth{})

// Authenticator adds credentials to an outgoing request when its host
// matches. Implementations must leave non-matching requests untouched.
type Authenticator interface {
	AddAuth(ctx context.Context, req *http.Request)
}

// MultiAuthenticator tries each authenticator in order until one of them
// adds auth to the request.
func MultiAuthenticator(auths ...Authenticator) Authenticator { return multiAuthenticator(auths) }

type multiAuthenticator []Authenticator

func (m multiAuthenticator) AddAuth(ctx context.Context, req *http.Request) {
	for _, a := range m {
		if _, _, ok := req.BasicAuth(); ok {
			return
		}
		if req.Header.Get("Authorization") != "" {
			return
		}
		a.AddAuth(ctx, req)
	}
}

// EnvAuth adds HTTP basic auth or a bearer token when the request host matches the
// GONDA_HTTP_AUTH environment variable, formatted "basic:host:user:pass"
// or "bearer:host:token".
type EnvAuth struct{}

func (e EnvAuth) AddAuth(_ context.Context, req *http.Request) {
	env := os.Getenv("GONDA_HTTP_AUTH")
	parts := strings.Split(env, ":")
	switch {
	case len(parts) == 4 && parts[0] == "basic":
		if req.URL.Host == parts[1] {
			req.SetBasicAuth(parts[2], parts[3])
		}
	case len(parts) == 3 && parts[0] == "bearer":
		if req.URL.Host == parts[1] {
			req.Header.Set("Authorization", "Bearer "+parts[2])
		}
	}
}

// StaticAuth adds HTTP basic auth when the request host matches domain.
func StaticAuth(domain, user, pass string) Authenticator {
	return staticAuth{domain, user, pass}
}

type staticAuth struct{ domain, user, pass string }

func (s staticAuth) AddAuth(_ context.Context, req *http.Request) {
	if req.Host == s.domain || req.URL.Host == s.domain {
		req.SetBasicAuth(s.user, s.pass)
	}
}

// TokenAuth adds a bearer token when the request host matches domain; the
// OCI adapter uses it after token negotiation.
func TokenAuth(domain, token string) Authenticator {
	return tokenAuth{domain, token}
}

type tokenAuth struct{ domain, token string }

func (t tokenAuth) AddAuth(_ context.Context, req *http.Request) {
	if req.Host == t.domain || req.URL.Host == t.domain {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
}
