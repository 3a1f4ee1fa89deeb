// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package atomicfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// SensitivePaths contains path fragments that are never written.
var SensitivePaths = []string{
	"/etc/passwd",
	"/etc/shadow",
	"/etc/hosts",
	"/.ssh/",
	"/.gnupg/",
	"/.aws/credentials",
	"/id_rsa",
	"/id_ed25519",
}

// IsSensitive reports whether path names a credential or system file.
func IsSensitive(path string) bool {
	lower := strings.ToLower(filepath.ToSlash(path))
	for _, sensitive := range SensitivePaths {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}

// Within reports whether path lies inside root. Both are resolved through
// symlinks on their nearest existing ancestor, so paths that do not exist
// yet are checked against where they would be created. The final path
// element is not resolved; a symlink inside root is within root wherever
// it points.
func Within(root, path string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}

	realRoot := resolveWithAncestors(absRoot)
	realPath := filepath.Join(resolveWithAncestors(filepath.Dir(absPath)), filepath.Base(absPath))

	rel, err := filepath.Rel(realRoot, realPath)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// resolveWithAncestors resolves symlinks by finding the nearest existing
// ancestor and re-appending the missing tail.
func resolveWithAncestors(path string) string {
	if real, err := filepath.EvalSymlinks(path); err == nil {
		return real
	}

	current := path
	var missing []string
	for {
		parent := filepath.Dir(current)
		if parent == current {
			return path
		}
		missing = append(missing, filepath.Base(current))
		if real, err := filepath.EvalSymlinks(parent); err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				real = filepath.Join(real, missing[i])
			}
			return real
		}
		current = parent
	}
}

// MissingDirs returns the directories that creating dir would bring into
// existence, shallowest first. It is empty when dir already exists.
func MissingDirs(dir string) ([]string, error) {
	var missing []string
	current := filepath.Clean(dir)
	for {
		_, err := os.Lstat(current)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("stat %s: %w", current, err)
		}
		missing = append(missing, current)
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}

	for i, j := 0, len(missing)-1; i < j; i, j = i+1, j-1 {
		missing[i], missing[j] = missing[j], missing[i]
	}
	return missing, nil
}
