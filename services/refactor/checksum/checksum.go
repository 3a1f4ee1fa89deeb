// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checksum fingerprints file content and detects stale plans.
//
// A plan records a checksum for every file it references when it is
// created. Before anything is written, the Validator compares each of
// them against the file on disk; one mismatch makes the whole plan stale.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// Prefix is the algorithm tag carried by every checksum this package emits.
const Prefix = "sha256:"

// Of returns the checksum of content.
func Of(content []byte) string {
	h := sha256.Sum256(content)
	return Prefix + hex.EncodeToString(h[:])
}

// Compute returns the checksum of the file at path.
func Compute(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return Prefix + hex.EncodeToString(h.Sum(nil)), nil
}

// Normalize strips the algorithm tag and lowercases the digest so that
// "sha256:ABC", "SHA256:abc" and "abc" compare equal.
func Normalize(sum string) string {
	sum = strings.TrimSpace(sum)
	if len(sum) >= len(Prefix) && strings.EqualFold(sum[:len(Prefix)], Prefix) {
		sum = sum[len(Prefix):]
	}
	return strings.ToLower(sum)
}

// Equal reports whether two checksums name the same content.
// Empty checksums never match.
func Equal(a, b string) bool {
	na := Normalize(a)
	return na != "" && na == Normalize(b)
}
