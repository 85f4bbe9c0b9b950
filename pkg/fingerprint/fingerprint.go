// Package fingerprint derives stable cache keys from request payloads.
//
// A body is decoded and re-serialized in canonical form (object keys
// sorted, whitespace normalized, number literals preserved) before hashing,
// so two requests that differ only in key order or formatting share a key.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Request returns the hex SHA-256 digest of the canonical form of a JSON
// request body. The only error path is a malformed body, which is terminal
// for the calling request.
func Request(body []byte) (string, error) {
	canonical, err := Canonicalize(body)
	if err != nil {
		return "", fmt.Errorf("canonicalize request: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Canonicalize re-serializes a JSON document with object keys sorted and
// whitespace normalized. UseNumber keeps number literals byte-for-byte, so
// no precision is lost on the way through.
func Canonicalize(body []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON document")
	}
	return json.Marshal(v)
}

// Credential returns the hex SHA-256 digest of a raw credential. Only the
// digest is ever stored or logged.
func Credential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// Prefix shortens a digest for logs and audit rows.
func Prefix(digest string) string {
	if len(digest) <= 8 {
		return digest
	}
	return digest[:8]
}
