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
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gonda-dev/gonda/pkg/conda/repo"
)

// delegationSigned is the signed section of key_mgr.json / pkg_mgr.json.
type delegationSigned struct {
	Type        string              `json:"type"`
	Expiration  string              `json:"expiration"`
	Delegations map[string]roleKeys `json:"delegations"`
}

// RepoIndexChecker verifies repodata documents and per-package signatures
// against the pinned package-manager key set.
type RepoIndexChecker struct {
	pkgKeys   []string
	threshold int
}

// NewRepoIndexChecker walks the chain root -> key_mgr -> pkg_mgr and pins
// the package signing keys. Every link must meet its delegator's threshold
// and be unexpired at now.
func NewRepoIndexChecker(root *Root, keyMgrPath, pkgMgrPath string, now time.Time) (*RepoIndexChecker, error) {
	keyMgrKeys, keyMgrThreshold, err := root.KeyMgrKeys()
	if err != nil {
		return nil, err
	}

	keyMgr, err := loadDelegation("key_mgr", keyMgrPath, keyMgrKeys, keyMgrThreshold, now)
	if err != nil {
		return nil, err
	}
	pkgMgrKeys, ok := keyMgr.Delegations["pkg_mgr"]
	if !ok {
		return nil, &RoleError{Role: "pkg_mgr", Reason: "key_mgr carries no pkg_mgr delegation"}
	}

	pkgMgr, err := loadDelegation("pkg_mgr", pkgMgrPath, pkgMgrKeys.PubKeys, pkgMgrKeys.Threshold, now)
	if err != nil {
		return nil, err
	}
	signing, ok := pkgMgr.Delegations["pkg"]
	if !ok {
		// some repositories flatten the delegation into the role itself
		signing = pkgMgrKeys
	}

	return &RepoIndexChecker{
		pkgKeys:   signing.PubKeys,
		threshold: max(1, signing.Threshold),
	}, nil
}

// NewPinnedChecker builds a checker from an explicit key set, for tests and
// for repositories with out-of-band key distribution.
func NewPinnedChecker(keys []string, threshold int) *RepoIndexChecker {
	return &RepoIndexChecker{pkgKeys: keys, threshold: max(1, threshold)}
}

func loadDelegation(role, path string, allowedKeys []string, threshold int, now time.Time) (*delegationSigned, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &RoleError{Role: role, Reason: err.Error()}
	}
	env, err := ParseEnvelope(data)
	if err != nil {
		return nil, &RoleError{Role: role, Reason: err.Error()}
	}
	canonical, err := env.CanonicalSigned()
	if err != nil {
		return nil, &RoleError{Role: role, Reason: err.Error()}
	}
	if _, err := VerifyThreshold(canonical, env.Signatures, allowedKeys, threshold); err != nil {
		return nil, &RoleError{Role: role, Reason: "threshold: " + err.Error()}
	}
	var signed delegationSigned
	if err := json.Unmarshal(env.Signed, &signed); err != nil {
		return nil, &RoleError{Role: role, Reason: "malformed signed section: " + err.Error()}
	}
	if signed.Expiration != "" {
		if err := checkExpiry(role, signed.Expiration, now); err != nil {
			return nil, err
		}
	}
	return &signed, nil
}

// VerifyPackage checks one package record against the pinned key set: at
// least threshold signatures over the canonical signable form must verify.
func (c *RepoIndexChecker) VerifyPackage(info repo.PackageInfo) error {
	if len(info.Signatures) == 0 {
		return &RoleError{Role: "pkg_mgr", Reason: fmt.Sprintf("package %s carries no signatures", info)}
	}
	sigs := make(map[string]Signature, len(info.Signatures))
	for keyHex, entry := range info.Signatures {
		sigs[keyHex] = Signature(entry)
	}
	if _, err := VerifyThreshold(info.JSONSignable(), sigs, c.pkgKeys, c.threshold); err != nil {
		return &RoleError{Role: "pkg_mgr", Reason: fmt.Sprintf("package %s: %s", info, err)}
	}
	return nil
}

// VerifyIndex checks every signed record of a repodata document. Records
// without signatures fail; one bad record fails the document.
func (c *RepoIndexChecker) VerifyIndex(rd *repo.Repodata) error {
	for _, info := range rd.Packages {
		if err := c.VerifyPackage(info); err != nil {
			return err
		}
	}
	return nil
}
