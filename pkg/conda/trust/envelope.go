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
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

// RoleError reports a trust failure: threshold not met, role expired,
// version not increasing.
type RoleError struct {
	Role   string
	Reason string
}

func (e *RoleError) Error() string {
	return fmt.Sprintf("trust: role %s: %s", e.Role, e.Reason)
}

// TimeFormat is the expiry format of every role document.
const TimeFormat = "2006-01-02T15:04:05Z"

// Signature is one envelope signature. OtherHeaders carries the RFC4880
// v4 trailer for GPG-wrapped signatures.
type Signature struct {
	Signature    string `json:"signature"`
	OtherHeaders string `json:"other_headers,omitempty"`
}

// Envelope is the TUF-style "signed" + "signatures" document wrapper.
// Signatures are keyed by the hex public key of the signer.
type Envelope struct {
	Signed     json.RawMessage      `json:"signed"`
	Signatures map[string]Signature `json:"signatures"`
}

// ParseEnvelope decodes an envelope document.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing envelope: %w", err)
	}
	if len(env.Signed) == 0 {
		return nil, fmt.Errorf("envelope has no signed section")
	}
	return &env, nil
}

// CanonicalSigned returns the byte-stable serialization of the signed
// section: compact JSON with sorted object keys and no HTML escaping.
func (e *Envelope) CanonicalSigned() ([]byte, error) {
	return canonicalJSON(e.Signed)
}

func canonicalJSON(raw json.RawMessage) ([]byte, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// VerifySignature checks one signature over data with a hex Ed25519 key.
// GPG-wrapped signatures hash data plus the RFC4880 v4 trailer before the
// Ed25519 check.
func VerifySignature(data []byte, keyHex string, sig Signature) error {
	key, err := HexToPublicKey(keyHex)
	if err != nil {
		return err
	}
	sigBytes, err := HexToSignature(sig.Signature)
	if err != nil {
		return err
	}

	if sig.OtherHeaders != "" {
		digest, err := gpgWrappedDigest(data, sig.OtherHeaders)
		if err != nil {
			return err
		}
		if !ed25519.Verify(ed25519.PublicKey(key), digest, sigBytes) {
			return fmt.Errorf("gpg signature does not verify")
		}
		return nil
	}

	if !ed25519.Verify(ed25519.PublicKey(key), data, sigBytes) {
		return fmt.Errorf("signature does not verify")
	}
	return nil
}

// gpgWrappedDigest computes the RFC4880 §5.2.4 digest: the content, the v4
// signature trailer, then 0x04 0xFF and the big-endian trailer length.
func gpgWrappedDigest(data []byte, otherHeadersHex string) ([]byte, error) {
	trailer := make([]byte, len(otherHeadersHex)/2)
	if _, err := fmt.Sscanf(otherHeadersHex, "%x", &trailer); err != nil {
		return nil, &HexError{Reason: "bad other_headers: " + err.Error()}
	}
	h := sha256.New()
	h.Write(data)
	h.Write(trailer)
	h.Write([]byte{0x04, 0xff})
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(trailer)))
	h.Write(lenBuf[:])
	return h.Sum(nil), nil
}

// VerifyThreshold checks that at least threshold of the allowed keys signed
// data. It returns the number of valid signatures found.
func VerifyThreshold(data []byte, sigs map[string]Signature, allowedKeys []string, threshold int) (int, error) {
	allowed := make(map[string]bool, len(allowedKeys))
	for _, k := range allowedKeys {
		allowed[k] = true
	}
	valid := 0
	for keyHex, sig := range sigs {
		if !allowed[keyHex] {
			continue
		}
		if err := VerifySignature(data, keyHex, sig); err == nil {
			valid++
		}
	}
	if valid < threshold {
		return valid, fmt.Errorf("threshold not met: %d of %d required signatures", valid, threshold)
	}
	return valid, nil
}

// checkExpiry validates an expires stamp against the reference time.
func checkExpiry(role, expires string, now time.Time) error {
	t, err := time.Parse(TimeFormat, expires)
	if err != nil {
		return &RoleError{Role: role, Reason: fmt.Sprintf("bad expires stamp %q", expires)}
	}
	if now.After(t) {
		return &RoleError{Role: role, Reason: "expired " + expires}
	}
	return nil
}
