// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scanner enumerates workspace source files.
//
// Build output, dependency caches and VCS metadata are skipped by
// directory name. Further paths can be excluded with glob patterns that
// support "**" and "{a,b}" alternatives.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultExclusions are directory names never descended into.
var DefaultExclusions = []string{
	".git",
	"node_modules",
	"vendor",
	"__pycache__",
	".venv",
	"venv",
	".idea",
	".vscode",
	"dist",
	"build",
	".next",
	"target",
}

// Config configures a Scanner.
type Config struct {
	// Root is the directory to scan.
	Root string

	// Extensions restricts results to these suffixes, including the dot.
	// ".d.ts" style compound suffixes are allowed. Empty means all files.
	Extensions []string

	// Ignore holds glob patterns relative to Root. A pattern without "/"
	// matches any path element; one with "/" matches the whole relative
	// path. "**" matches any number of directories.
	Ignore []string

	// Exclusions overrides DefaultExclusions when non-nil.
	Exclusions []string

	// Logger for scan events. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Scanner walks a workspace.
//
// Thread Safety: Scanner is immutable after New and safe for concurrent use.
type Scanner struct {
	root       string
	extensions []string
	ignore     []string
	exclusions map[string]bool
	logger     *slog.Logger
}

// New creates a Scanner.
func New(cfg Config) *Scanner {
	exclusions := cfg.Exclusions
	if exclusions == nil {
		exclusions = DefaultExclusions
	}
	excl := make(map[string]bool, len(exclusions))
	for _, e := range exclusions {
		excl[e] = true
	}

	var ignore []string
	for _, p := range cfg.Ignore {
		ignore = append(ignore, expandBraces(filepath.ToSlash(p))...)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scanner{
		root:       cfg.Root,
		extensions: cfg.Extensions,
		ignore:     ignore,
		exclusions: excl,
		logger:     logger.With("component", "scanner.Scanner"),
	}
}

// Root returns the scanned directory.
func (s *Scanner) Root() string {
	return s.root
}

// Files returns the absolute paths of every matching file, sorted.
//
// # Description
//
// Walks Root, skipping excluded directory names and ignored paths.
// Unreadable directories are logged and skipped.
//
// # Outputs
//
//   - []string: Sorted absolute file paths.
//   - error: ctx.Err() on cancellation, or an error if Root cannot be read.
func (s *Scanner) Files(ctx context.Context) ([]string, error) {
	root, err := filepath.Abs(s.root)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root {
				return err
			}
			s.logger.Debug("skipping unreadable path", "path", path, "error", err)
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if path == root {
				return nil
			}
			if s.exclusions[d.Name()] || s.Ignored(rel) {
				return filepath.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}
		if !s.hasExtension(d.Name()) || s.Ignored(rel) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}

	sort.Strings(files)
	s.logger.Debug("scan complete", "root", root, "files", len(files))
	return files, nil
}

// Ignored reports whether a slash-separated path relative to Root matches
// an ignore pattern.
func (s *Scanner) Ignored(rel string) bool {
	for _, pattern := range s.ignore {
		if Match(pattern, rel) {
			return true
		}
	}
	return false
}

func (s *Scanner) hasExtension(name string) bool {
	if len(s.extensions) == 0 {
		return true
	}
	for _, ext := range s.extensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// Match reports whether a slash-separated path matches pattern.
//
// Supports:
//   - * and ? within one path element, and [abc] classes
//   - ** as a whole element, matching zero or more elements
//   - patterns without "/" matching any single element of path
func Match(pattern, path string) bool {
	pattern = strings.Trim(filepath.ToSlash(pattern), "/")
	path = strings.Trim(filepath.ToSlash(path), "/")

	if !strings.Contains(pattern, "/") && pattern != "**" {
		for _, elem := range strings.Split(path, "/") {
			if ok, _ := filepath.Match(pattern, elem); ok {
				return true
			}
		}
		return false
	}
	return matchElements(strings.Split(pattern, "/"), strings.Split(path, "/"))
}

func matchElements(pattern, path []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			rest := pattern[1:]
			for i := 0; i <= len(path); i++ {
				if matchElements(rest, path[i:]) {
					return true
				}
			}
			return false
		}
		if len(path) == 0 {
			return false
		}
		if ok, _ := filepath.Match(pattern[0], path[0]); !ok {
			return false
		}
		pattern, path = pattern[1:], path[1:]
	}
	return len(path) == 0
}

// expandBraces expands {a,b} patterns into multiple patterns.
// For example, "*.{go,ts}" becomes ["*.go", "*.ts"].
func expandBraces(pattern string) []string {
	start := strings.Index(pattern, "{")
	if start == -1 {
		return []string{pattern}
	}

	end := strings.Index(pattern[start:], "}")
	if end == -1 {
		return []string{pattern}
	}
	end += start

	prefix := pattern[:start]
	suffix := pattern[end+1:]

	var results []string
	for _, alt := range strings.Split(pattern[start+1:end], ",") {
		results = append(results, expandBraces(prefix+alt+suffix)...)
	}
	return results
}
