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

// Package trust implements the repository trust pipeline: root-of-trust
// rotation, role metadata validation, and per-package signature checks.
package trust

import (
	"encoding/hex"
	"fmt"
)

// HexError distinguishes malformed from length-mismatched hex input.
type HexError struct {
	Want   int
	Got    int
	Reason string
}

func (e *HexError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("hex decode: %s", e.Reason)
	}
	return fmt.Sprintf("hex decode: expected %d bytes, got %d", e.Want, e.Got)
}

func hexToFixed(s string, n int) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, &HexError{Want: n, Reason: err.Error()}
	}
	if len(b) != n {
		return nil, &HexError{Want: n, Got: len(b)}
	}
	return b, nil
}

// HexToPublicKey decodes a 32-byte Ed25519 public key.
func HexToPublicKey(s string) ([]byte, error) { return hexToFixed(s, 32) }

// HexToSignature decodes a 64-byte Ed25519 signature.
func HexToSignature(s string) ([]byte, error) { return hexToFixed(s, 64) }

// PublicKeyToHex is the inverse of HexToPublicKey.
func PublicKeyToHex(b []byte) string { return hex.EncodeToString(b) }
