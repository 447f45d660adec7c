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
	"path/filepath"
	"time"
)

// RoleNames configures the file names of the trust roles.
type RoleNames struct {
	Root   string
	KeyMgr string
	PkgMgr string
}

// DefaultRoleNames are the conventional trust file names.
var DefaultRoleNames = RoleNames{
	Root:   "root.json",
	KeyMgr: "key_mgr.json",
	PkgMgr: "pkg_mgr.json",
}

// roleKeys is one delegation entry: the keys allowed to sign a role and how
// many of them must.
type roleKeys struct {
	PubKeys   []string `json:"pubkeys"`
	Threshold int      `json:"threshold"`
}

// rootSigned is the signed section of root.json.
type rootSigned struct {
	Type        string              `json:"type"`
	Version     int                 `json:"version"`
	Expiration  string              `json:"expiration"`
	Delegations map[string]roleKeys `json:"delegations"`
}

// Root is a validated root role.
type Root struct {
	Version    int
	Expiration string
	names      RoleNames
	delegation map[string]roleKeys
}

// LoadRoot reads the reference root file, verifies it is self-signed under
// its own declared threshold, discovers and applies any newer root.N.json
// rotations next to it, and checks expiry on the final root against now.
//
// Each rotation step must satisfy both the current root's threshold and the
// next root's own threshold, and versions must increase strictly one by one.
func LoadRoot(path string, names RoleNames, now time.Time) (*Root, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading root: %w", err)
	}
	current, err := parseAndSelfVerify(data, nil)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	for {
		nextPath := filepath.Join(dir, fmt.Sprintf("root.%d.json", current.Version+1))
		nextData, err := os.ReadFile(nextPath)
		if err != nil {
			break
		}
		next, err := parseAndSelfVerify(nextData, current)
		if err != nil {
			return nil, err
		}
		if next.Version != current.Version+1 {
			return nil, &RoleError{Role: "root", Reason: fmt.Sprintf(
				"rotation version %d does not increase from %d", next.Version, current.Version)}
		}
		current = next
	}

	if err := checkExpiry("root", current.Expiration, now); err != nil {
		return nil, err
	}
	current.names = names
	return current, nil
}

// parseAndSelfVerify validates a root document: it must always satisfy its
// own root delegation threshold, and when prev is given (a rotation step) it
// must satisfy the previous root's threshold too.
func parseAndSelfVerify(data []byte, prev *Root) (*Root, error) {
	env, err := ParseEnvelope(data)
	if err != nil {
		return nil, &RoleError{Role: "root", Reason: err.Error()}
	}
	var signed rootSigned
	if err := json.Unmarshal(env.Signed, &signed); err != nil {
		return nil, &RoleError{Role: "root", Reason: "malformed signed section: " + err.Error()}
	}
	if signed.Type != "" && signed.Type != "root" {
		return nil, &RoleError{Role: "root", Reason: "signed section is not a root role"}
	}
	selfKeys, ok := signed.Delegations["root"]
	if !ok || len(selfKeys.PubKeys) == 0 {
		return nil, &RoleError{Role: "root", Reason: "no root delegation"}
	}

	canonical, err := env.CanonicalSigned()
	if err != nil {
		return nil, &RoleError{Role: "root", Reason: err.Error()}
	}
	if _, err := VerifyThreshold(canonical, env.Signatures, selfKeys.PubKeys, selfKeys.Threshold); err != nil {
		return nil, &RoleError{Role: "root", Reason: "threshold: " + err.Error()}
	}
	if prev != nil {
		prevKeys := prev.delegation["root"]
		if _, err := VerifyThreshold(canonical, env.Signatures, prevKeys.PubKeys, prevKeys.Threshold); err != nil {
			return nil, &RoleError{Role: "root", Reason: "threshold: rotation not signed by current root: " + err.Error()}
		}
	}

	return &Root{
		Version:    signed.Version,
		Expiration: signed.Expiration,
		delegation: signed.Delegations,
	}, nil
}

// KeyMgrKeys returns the delegation for the key manager role.
func (r *Root) KeyMgrKeys() ([]string, int, error) {
	d, ok := r.delegation["key_mgr"]
	if !ok {
		return nil, 0, &RoleError{Role: "key_mgr", Reason: "root carries no key_mgr delegation"}
	}
	return d.PubKeys, d.Threshold, nil
}
