// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checksum

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrStale indicates at least one file changed since the plan was created.
var ErrStale = errors.New("stale plan")

// StaleFile describes one checksum mismatch.
type StaleFile struct {
	// Path is the file as named in the plan.
	Path string `json:"path"`

	// Expected is the checksum recorded in the plan.
	Expected string `json:"expected"`

	// Actual is the checksum of the file now, empty when Missing.
	Actual string `json:"actual,omitempty"`

	// Missing is true when the file no longer exists.
	Missing bool `json:"missing,omitempty"`
}

// StaleError lists every file whose content no longer matches the plan.
type StaleError struct {
	Files []StaleFile
}

// Error implements the error interface.
func (e *StaleError) Error() string {
	paths := make([]string, len(e.Files))
	for i, f := range e.Files {
		paths[i] = f.Path
	}
	return fmt.Sprintf("%d file(s) changed since the plan was created: %s",
		len(e.Files), strings.Join(paths, ", "))
}

// Unwrap allows errors.Is(err, ErrStale).
func (e *StaleError) Unwrap() error {
	return ErrStale
}

// Config configures a Validator.
type Config struct {
	// Root resolves relative plan paths. Empty means the working directory.
	Root string

	// Concurrency bounds parallel file reads. Default: 8.
	Concurrency int

	// Logger for validation events. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Validator compares recorded checksums against files on disk.
//
// # Thread Safety
//
// Safe for concurrent use. Validate has no side effects.
type Validator struct {
	root        string
	concurrency int
	logger      *slog.Logger
}

// NewValidator creates a Validator with defaults applied.
func NewValidator(cfg Config) *Validator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		root:        cfg.Root,
		concurrency: cfg.Concurrency,
		logger:      logger.With("component", "checksum.Validator"),
	}
}

// Resolve maps a plan path to a filesystem path.
func (v *Validator) Resolve(path string) string {
	if filepath.IsAbs(path) || v.root == "" {
		return filepath.Clean(path)
	}
	return filepath.Join(v.root, path)
}

// Validate checks every checksum before any write begins.
//
// # Description
//
// Reads all referenced files and compares their checksums with the
// recorded ones. Every mismatch is collected; the check never stops at
// the first one. Missing files count as stale.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - checksums: Plan path to recorded checksum.
//
// # Outputs
//
//   - error: *StaleError listing every mismatch sorted by path, an I/O
//     error when a file exists but cannot be read, or nil.
func (v *Validator) Validate(ctx context.Context, checksums map[string]string) error {
	if len(checksums) == 0 {
		v.logger.Debug("no checksums to validate")
		return nil
	}

	var (
		mu    sync.Mutex
		stale []StaleFile
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)

	for path, expected := range checksums {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			actual, err := Compute(v.Resolve(path))
			if errors.Is(err, fs.ErrNotExist) {
				mu.Lock()
				stale = append(stale, StaleFile{Path: path, Expected: expected, Missing: true})
				mu.Unlock()
				return nil
			}
			if err != nil {
				return fmt.Errorf("computing checksum for %s: %w", path, err)
			}

			if !Equal(expected, actual) {
				mu.Lock()
				stale = append(stale, StaleFile{Path: path, Expected: expected, Actual: actual})
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if len(stale) == 0 {
		v.logger.Debug("checksums valid", "files", len(checksums))
		return nil
	}

	sort.Slice(stale, func(i, j int) bool { return stale[i].Path < stale[j].Path })
	v.logger.Warn("plan is stale",
		"stale_files", len(stale),
		"checked_files", len(checksums))
	return &StaleError{Files: stale}
}
