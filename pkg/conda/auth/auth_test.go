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
	"testing"

	"github.com/stretchr/testify/require"
)

func request(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	return req
}

func TestStaticAuthMatchesHost(t *testing.T) {
	a := StaticAuth("conda.example.com", "user", "pass")

	req := request(t, "https://conda.example.com/repodata.json")
	a.AddAuth(context.Background(), req)
	user, pass, ok := req.BasicAuth()
	require.True(t, ok)
	require.Equal(t, "user", user)
	require.Equal(t, "pass", pass)

	req = request(t, "https://other.example.com/repodata.json")
	a.AddAuth(context.Background(), req)
	_, _, ok = req.BasicAuth()
	require.False(t, ok)
}

func TestTokenAuth(t *testing.T) {
	a := TokenAuth("ghcr.io", "tok123")
	req := request(t, "https://ghcr.io/v2/blobs/sha256:abc")
	a.AddAuth(context.Background(), req)
	require.Equal(t, "Bearer tok123", req.Header.Get("Authorization"))
}

func TestMultiAuthenticatorFirstMatchWins(t *testing.T) {
	a := MultiAuthenticator(
		StaticAuth("host.example.com", "first", "x"),
		StaticAuth("host.example.com", "second", "y"),
	)
	req := request(t, "https://host.example.com/x")
	a.AddAuth(context.Background(), req)
	user, _, ok := req.BasicAuth()
	require.True(t, ok)
	require.Equal(t, "first", user)
}

func TestEnvAuth(t *testing.T) {
	t.Setenv("GONDA_HTTP_AUTH", "basic:env.example.com:u:p")
	req := request(t, "https://env.example.com/x")
	EnvAuth{}.AddAuth(context.Background(), req)
	user, pass, ok := req.BasicAuth()
	require.True(t, ok)
	require.Equal(t, "u", user)
	require.Equal(t, "p", pass)

	t.Setenv("GONDA_HTTP_AUTH", "bearer:env.example.com:tok")
	req = request(t, "https://env.example.com/x")
	EnvAuth{}.AddAuth(context.Background(), req)
	require.Equal(t, "Bearer tok", req.Header.Get("Authorization"))
}
