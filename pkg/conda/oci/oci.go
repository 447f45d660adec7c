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

// Package oci adapts a channel mirrored into an OCI registry: package
// filenames map to image references and the per-package URL becomes a blob
// fetch with transparent bearer-token negotiation.
package oci

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"

	"github.com/gonda-dev/gonda/pkg/conda/repo"
)

// Mirror is one channel hosted in an OCI registry, e.g.
// "oci://ghcr.io/channel-mirrors/conda-forge".
type Mirror struct {
	Registry  string
	Namespace string
	keychain  authn.Keychain
}

// ParseMirror parses an oci:// channel mirror location.
func ParseMirror(s string) (*Mirror, error) {
	rest, ok := strings.CutPrefix(s, "oci://")
	if !ok {
		return nil, fmt.Errorf("mirror %q is not an oci:// location", s)
	}
	registry, namespace, _ := strings.Cut(rest, "/")
	if registry == "" {
		return nil, fmt.Errorf("mirror %q has no registry", s)
	}
	return &Mirror{
		Registry:  registry,
		Namespace: strings.Trim(namespace, "/"),
		keychain:  authn.DefaultKeychain,
	}, nil
}

// repoPath maps a package name to its image path: OCI repositories cannot
// start with an underscore, so a leading "_" becomes "zzz_".
func repoPath(pkgName string) string {
	if strings.HasPrefix(pkgName, "_") {
		return "zzz" + pkgName
	}
	return pkgName
}

// tagOf maps "version-build" to a valid OCI tag: "!", "+" and "=" are not
// tag characters and escape to "__e__", "__p__" and "__eq__".
func tagOf(version, build string) string {
	tag := version + "-" + build
	tag = strings.ReplaceAll(tag, "!", "__e__")
	tag = strings.ReplaceAll(tag, "+", "__p__")
	tag = strings.ReplaceAll(tag, "=", "__eq__")
	return tag
}

// Reference maps an artifact filename to its image reference in the mirror.
func (m *Mirror) Reference(subdir, filename string) (name.Reference, error) {
	pkgName, version, build, err := repo.ParseFilename(filename)
	if err != nil {
		return nil, err
	}
	parts := []string{m.Registry}
	if m.Namespace != "" {
		parts = append(parts, m.Namespace)
	}
	if subdir != "" {
		parts = append(parts, subdir)
	}
	parts = append(parts, repoPath(pkgName))
	ref := strings.Join(parts, "/") + ":" + tagOf(version, build)
	return name.ParseReference(ref)
}

// Resolved is a package blob located in the registry, ready for the fetch
// engine: a direct URL plus a client that injects the negotiated token.
type Resolved struct {
	URL          string
	Client       *http.Client
	Size         int64
	SHA256       string
	ExpectedName string
}

// Resolve locates the package layer for filename: it pulls the manifest,
// picks the layer whose title annotation names the artifact, and returns the
// blob URL with an authorized client. Token negotiation happens inside the
// transport and never surfaces credentials.
func (m *Mirror) Resolve(ctx context.Context, subdir, filename string) (*Resolved, error) {
	ref, err := m.Reference(subdir, filename)
	if err != nil {
		return nil, err
	}
	desc, err := remote.Get(ref, remote.WithContext(ctx), remote.WithAuthFromKeychain(m.keychain))
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", ref, err)
	}
	img, err := desc.Image()
	if err != nil {
		return nil, fmt.Errorf("reading image %s: %w", ref, err)
	}
	manifest, err := img.Manifest()
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", ref, err)
	}

	layer, err := pickLayer(manifest, filename)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ref, err)
	}

	authorizer, err := m.keychain.Resolve(ref.Context().Registry)
	if err != nil {
		return nil, err
	}
	rt, err := transport.NewWithContext(
		ctx,
		ref.Context().Registry,
		authorizer,
		http.DefaultTransport,
		[]string{ref.Context().Scope(transport.PullScope)},
	)
	if err != nil {
		return nil, fmt.Errorf("negotiating token for %s: %w", ref.Context().RegistryStr(), err)
	}

	blobURL := fmt.Sprintf("https://%s/v2/%s/blobs/%s",
		ref.Context().RegistryStr(), ref.Context().RepositoryStr(), layer.Digest.String())
	return &Resolved{
		URL:          blobURL,
		Client:       &http.Client{Transport: rt},
		Size:         layer.Size,
		SHA256:       strings.TrimPrefix(layer.Digest.String(), "sha256:"),
		ExpectedName: filename,
	}, nil
}

func pickLayer(manifest *v1.Manifest, filename string) (v1.Descriptor, error) {
	for _, layer := range manifest.Layers {
		if layer.Annotations["org.opencontainers.image.title"] == filename {
			return layer, nil
		}
		if strings.Contains(string(layer.MediaType), "conda") &&
			strings.Contains(string(layer.MediaType), archiveFlavour(filename)) {
			return layer, nil
		}
	}
	if len(manifest.Layers) == 1 {
		return manifest.Layers[0], nil
	}
	return v1.Descriptor{}, fmt.Errorf("no layer matches %s", filename)
}

func archiveFlavour(filename string) string {
	if strings.HasSuffix(filename, ".conda") {
		return "conda"
	}
	return "tar.bz2"
}
