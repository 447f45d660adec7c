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

package fetch

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"sync"
)

// caBundlePaths is the platform fallback list consulted when no explicit CA
// bundle is configured.
var caBundlePaths = []string{
	"/etc/ssl/certs/ca-certificates.crt",
	"/etc/pki/tls/certs/ca-bundle.crt",
	"/etc/ssl/ca-bundle.pem",
	"/etc/pki/tls/cacert.pem",
	"/etc/ssl/cert.pem",
	"/usr/local/etc/openssl/cert.pem",
}

var (
	sslOnce   sync.Once
	sslConfig *tls.Config

	// SSLCABundle overrides CA resolution when set before the first
	// transfer; REQUESTS_CA_BUNDLE wins over it.
	SSLCABundle string
)

// tlsConfig resolves the process TLS configuration once: the CA bundle comes
// from REQUESTS_CA_BUNDLE, then the explicit path, then the first existing
// file from the platform list, then the system pool. MAMBA_SSL_NO_REVOKE
// downgrades verification for proxies that break revocation checks.
func tlsConfig() *tls.Config {
	sslOnce.Do(func() {
		cfg := &tls.Config{MinVersion: tls.VersionTLS12}

		candidates := []string{}
		if env := os.Getenv("REQUESTS_CA_BUNDLE"); env != "" {
			candidates = append(candidates, env)
		}
		if SSLCABundle != "" {
			candidates = append(candidates, SSLCABundle)
		}
		candidates = append(candidates, caBundlePaths...)

		for _, path := range candidates {
			pem, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			roots := x509.NewCertPool()
			if roots.AppendCertsFromPEM(pem) {
				cfg.RootCAs = roots
				break
			}
		}

		if truthyEnv(os.Getenv("MAMBA_SSL_NO_REVOKE")) {
			// Go's verifier does not consult CRLs, but some MITM proxies
			// present chains that only pass without full verification.
			cfg.InsecureSkipVerify = true // #nosec G402
		}
		sslConfig = cfg
	})
	return sslConfig
}
