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

package trust

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gonda-dev/gonda/pkg/conda/repo"
)

type signer struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newSigner(t *testing.T) *signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return &signer{pub: pub, priv: priv}
}

func (s *signer) hexKey() string { return hex.EncodeToString(s.pub) }

func (s *signer) sign(data []byte) Signature {
	return Signature{Signature: hex.EncodeToString(ed25519.Sign(s.priv, data))}
}

// writeRole writes an envelope signed by the given signers.
func writeRole(t *testing.T, path string, signed any, signers ...*signer) {
	t.Helper()
	raw, err := json.Marshal(signed)
	require.NoError(t, err)
	canonical, err := canonicalJSON(raw)
	require.NoError(t, err)

	sigs := map[string]Signature{}
	for _, s := range signers {
		sigs[s.hexKey()] = s.sign(canonical)
	}
	env := map[string]any{"signed": json.RawMessage(raw), "signatures": sigs}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func rootDoc(version int, expires string, rootKeys []string, keyMgrKeys []string) map[string]any {
	return map[string]any{
		"type":       "root",
		"version":    version,
		"expiration": expires,
		"delegations": map[string]any{
			"root":    map[string]any{"pubkeys": rootKeys, "threshold": 1},
			"key_mgr": map[string]any{"pubkeys": keyMgrKeys, "threshold": 1},
		},
	}
}

var (
	future = time.Now().UTC().Add(365 * 24 * time.Hour).Format(TimeFormat)
	past   = "2020-01-01T00:00:00Z"
)

func TestHexCodecs(t *testing.T) {
	key := make([]byte, 32)
	got, err := HexToPublicKey(hex.EncodeToString(key))
	require.NoError(t, err)
	require.Equal(t, key, got)

	_, err = HexToPublicKey("abcd")
	var herr *HexError
	require.ErrorAs(t, err, &herr)
	require.Equal(t, 32, herr.Want)
	require.Equal(t, 2, herr.Got)

	_, err = HexToSignature("zz")
	require.ErrorAs(t, err, &herr)
}

func TestLoadRootSelfSigned(t *testing.T) {
	dir := t.TempDir()
	rootKey := newSigner(t)
	keyMgr := newSigner(t)

	path := filepath.Join(dir, "root.json")
	writeRole(t, path, rootDoc(1, future, []string{rootKey.hexKey()}, []string{keyMgr.hexKey()}), rootKey)

	root, err := LoadRoot(path, DefaultRoleNames, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, 1, root.Version)
}

func TestLoadRootWrongKeyFails(t *testing.T) {
	dir := t.TempDir()
	rootKey := newSigner(t)
	intruder := newSigner(t)

	path := filepath.Join(dir, "root.json")
	writeRole(t, path, rootDoc(1, future, []string{rootKey.hexKey()}, nil), intruder)

	_, err := LoadRoot(path, DefaultRoleNames, time.Now().UTC())
	var rerr *RoleError
	require.ErrorAs(t, err, &rerr)
	require.Contains(t, rerr.Reason, "threshold")
}

func TestLoadRootExpired(t *testing.T) {
	dir := t.TempDir()
	rootKey := newSigner(t)

	path := filepath.Join(dir, "root.json")
	writeRole(t, path, rootDoc(1, past, []string{rootKey.hexKey()}, nil), rootKey)

	_, err := LoadRoot(path, DefaultRoleNames, time.Now().UTC())
	var rerr *RoleError
	require.ErrorAs(t, err, &rerr)
	require.Contains(t, rerr.Reason, "expired")
}

func TestRootRotation(t *testing.T) {
	dir := t.TempDir()
	oldKey := newSigner(t)
	newKey := newSigner(t)

	// root.json at version 1, expired stamps on intermediates are ignored:
	// only the final root's expiry counts
	writeRole(t, filepath.Join(dir, "root.json"),
		rootDoc(1, past, []string{oldKey.hexKey()}, nil), oldKey)
	// root.2.json signed by both the outgoing and incoming roots
	writeRole(t, filepath.Join(dir, "root.2.json"),
		rootDoc(2, future, []string{newKey.hexKey()}, nil), oldKey, newKey)

	root, err := LoadRoot(filepath.Join(dir, "root.json"), DefaultRoleNames, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, 2, root.Version)
}

func TestRootRotationNewKeysOnlyFails(t *testing.T) {
	dir := t.TempDir()
	oldKey := newSigner(t)
	newKey := newSigner(t)

	writeRole(t, filepath.Join(dir, "root.json"),
		rootDoc(1, future, []string{oldKey.hexKey()}, nil), oldKey)
	// the rotation is signed only by the new root's keys
	writeRole(t, filepath.Join(dir, "root.2.json"),
		rootDoc(2, future, []string{newKey.hexKey()}, nil), newKey)

	_, err := LoadRoot(filepath.Join(dir, "root.json"), DefaultRoleNames, time.Now().UTC())
	var rerr *RoleError
	require.ErrorAs(t, err, &rerr)
	require.Contains(t, rerr.Reason, "threshold")
}

func TestRootRotationVersionMustIncrease(t *testing.T) {
	dir := t.TempDir()
	key := newSigner(t)

	writeRole(t, filepath.Join(dir, "root.json"),
		rootDoc(1, future, []string{key.hexKey()}, nil), key)
	// claims to be the successor file but repeats version 1
	writeRole(t, filepath.Join(dir, "root.2.json"),
		rootDoc(1, future, []string{key.hexKey()}, nil), key)

	_, err := LoadRoot(filepath.Join(dir, "root.json"), DefaultRoleNames, time.Now().UTC())
	var rerr *RoleError
	require.ErrorAs(t, err, &rerr)
	require.Contains(t, rerr.Reason, "version")
}

func writeDelegationChain(t *testing.T, dir string, rootKey, keyMgrKey, pkgKey *signer) {
	t.Helper()
	writeRole(t, filepath.Join(dir, "root.json"),
		rootDoc(1, future, []string{rootKey.hexKey()}, []string{keyMgrKey.hexKey()}), rootKey)
	writeRole(t, filepath.Join(dir, "key_mgr.json"), map[string]any{
		"type":       "key_mgr",
		"expiration": future,
		"delegations": map[string]any{
			"pkg_mgr": map[string]any{"pubkeys": []string{pkgKey.hexKey()}, "threshold": 1},
		},
	}, keyMgrKey)
	writeRole(t, filepath.Join(dir, "pkg_mgr.json"), map[string]any{
		"type":       "pkg_mgr",
		"expiration": future,
		"delegations": map[string]any{
			"pkg": map[string]any{"pubkeys": []string{pkgKey.hexKey()}, "threshold": 1},
		},
	}, pkgKey)
}

func signedPackage(t *testing.T, pkgKey *signer) repo.PackageInfo {
	t.Helper()
	info, err := repo.ParseRecord("a-1.0-0.conda",
		[]byte(`{"name":"a","version":"1.0","build":"0","depends":[]}`))
	require.NoError(t, err)
	sig := pkgKey.sign(info.JSONSignable())
	info.Signatures = map[string]repo.SignatureEntry{
		pkgKey.hexKey(): {Signature: sig.Signature},
	}
	return info
}

func TestPackageVerification(t *testing.T) {
	dir := t.TempDir()
	rootKey, keyMgrKey, pkgKey := newSigner(t), newSigner(t), newSigner(t)
	writeDelegationChain(t, dir, rootKey, keyMgrKey, pkgKey)

	root, err := LoadRoot(filepath.Join(dir, "root.json"), DefaultRoleNames, time.Now().UTC())
	require.NoError(t, err)
	checker, err := NewRepoIndexChecker(root,
		filepath.Join(dir, "key_mgr.json"), filepath.Join(dir, "pkg_mgr.json"), time.Now().UTC())
	require.NoError(t, err)

	info := signedPackage(t, pkgKey)
	require.NoError(t, checker.VerifyPackage(info))

	// a signature from a key outside the pinned set fails
	rogue := newSigner(t)
	info.Signatures = map[string]repo.SignatureEntry{
		rogue.hexKey(): {Signature: rogue.sign(info.JSONSignable()).Signature},
	}
	err = checker.VerifyPackage(info)
	var rerr *RoleError
	require.ErrorAs(t, err, &rerr)

	// tampering with the record invalidates the signature
	info = signedPackage(t, pkgKey)
	info.Version = "9.9"
	require.Error(t, checker.VerifyPackage(info))
}

func TestVerifyIndexRejectsUntrusted(t *testing.T) {
	pkgKey := newSigner(t)
	checker := NewPinnedChecker([]string{pkgKey.hexKey()}, 1)

	good := signedPackage(t, pkgKey)
	rd := &repo.Repodata{Packages: []repo.PackageInfo{good}}
	require.NoError(t, checker.VerifyIndex(rd))

	rogue := newSigner(t)
	bad := signedPackage(t, rogue)
	rd = &repo.Repodata{Packages: []repo.PackageInfo{good, bad}}
	require.Error(t, checker.VerifyIndex(rd))
}

func TestGPGWrappedSignature(t *testing.T) {
	key := newSigner(t)
	data := []byte(`{"name":"a"}`)
	trailer := []byte{0x04, 0x00, 0x01, 0x08, 0x00, 0x06}

	digest, err := gpgWrappedDigest(data, hex.EncodeToString(trailer))
	require.NoError(t, err)
	sig := Signature{
		Signature:    hex.EncodeToString(ed25519.Sign(key.priv, digest)),
		OtherHeaders: hex.EncodeToString(trailer),
	}
	require.NoError(t, VerifySignature(data, key.hexKey(), sig))

	sig.OtherHeaders = hex.EncodeToString([]byte{0x99})
	require.Error(t, VerifySignature(data, key.hexKey(), sig))
}

func TestThresholdCounting(t *testing.T) {
	k1, k2 := newSigner(t), newSigner(t)
	data := []byte("payload")
	sigs := map[string]Signature{
		k1.hexKey(): k1.sign(data),
		k2.hexKey(): k2.sign(data),
	}
	n, err := VerifyThreshold(data, sigs, []string{k1.hexKey(), k2.hexKey()}, 2)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, err = VerifyThreshold(data, sigs, []string{k1.hexKey()}, 2)
	require.Error(t, err)
	require.Contains(t, fmt.Sprint(err), "threshold")
}
