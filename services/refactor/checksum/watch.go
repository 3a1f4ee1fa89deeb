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
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports when a plan's recorded checksums stop matching disk.
//
// Directories are watched rather than files so editors that save by
// rename are still observed.
//
// # Thread Safety
//
// Wait must be called from a single goroutine. Close is safe to call
// concurrently with Wait.
type Watcher struct {
	validator *Validator
	byPath    map[string]string // resolved path -> plan path
	checksums map[string]string
	fsw       *fsnotify.Watcher
}

// NewWatcher starts watching every file named in checksums.
//
// # Inputs
//
//   - v: Validator used to resolve paths and re-check content.
//   - checksums: Plan path to recorded checksum.
//
// # Outputs
//
//   - *Watcher: Running watcher. Caller must call Close.
//   - error: Non-nil if the watcher cannot be created.
func NewWatcher(v *Validator, checksums map[string]string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	w := &Watcher{
		validator: v,
		byPath:    make(map[string]string, len(checksums)),
		checksums: checksums,
		fsw:       fsw,
	}

	dirs := make(map[string]struct{})
	for path := range checksums {
		resolved, err := filepath.Abs(v.Resolve(path))
		if err != nil {
			fsw.Close()
			return nil, fmt.Errorf("resolving %s: %w", path, err)
		}
		w.byPath[resolved] = path
		dirs[filepath.Dir(resolved)] = struct{}{}
	}

	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
	}
	return w, nil
}

// Wait blocks until a watched file no longer matches its checksum.
//
// # Outputs
//
//   - *StaleError: The files found stale after the triggering event.
//   - error: ctx.Err() on cancellation, or a watcher failure.
func (w *Watcher) Wait(ctx context.Context) (*StaleError, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil, errors.New("watcher closed")
			}
			planPath, watched := w.byPath[filepath.Clean(event.Name)]
			if !watched || event.Op == fsnotify.Chmod {
				continue
			}

			err := w.validator.Validate(ctx, map[string]string{planPath: w.checksums[planPath]})
			var staleErr *StaleError
			if errors.As(err, &staleErr) {
				return staleErr, nil
			}
			if err != nil {
				return nil, err
			}
			w.validator.logger.Debug("watched file touched but unchanged", "path", planPath)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil, errors.New("watcher closed")
			}
			w.validator.logger.Warn("fsnotify error", "error", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
