// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package atomicfs writes files so that readers see either the old content
// or the new content, never a mix.
//
// Every write goes to a temp file in the target's directory, is synced,
// and is renamed over the target. Symlinks are followed: the real file is
// replaced and the link itself is left alone.
package atomicfs

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// DefaultFileMode is used for files that did not exist before the write.
const DefaultFileMode os.FileMode = 0644

// WriteResult describes a completed write.
type WriteResult struct {
	// RequestedPath is the path the caller asked to write. This is the path
	// reported to users, even when it is a symlink.
	RequestedPath string

	// ResolvedPath is the file that was actually replaced.
	ResolvedPath string

	// Created is true if no file existed at ResolvedPath before the write.
	Created bool

	// BytesWritten is the size of the new content.
	BytesWritten int64
}

// Config configures a Writer.
type Config struct {
	// Logger for write events. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Writer performs atomic file operations.
//
// Thread Safety: Writer is safe for concurrent use. Concurrent writes to
// the same path race; the last rename wins.
type Writer struct {
	logger *slog.Logger

	// rename is swapped in tests to simulate a failure after the temp file
	// has been written.
	rename func(oldpath, newpath string) error
}

// NewWriter creates a Writer.
func NewWriter(cfg Config) *Writer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		logger: logger.With("component", "atomicfs.Writer"),
		rename: os.Rename,
	}
}

// Resolve returns the file a write to path would replace.
//
// A path that is not a symlink resolves to itself. A symlink resolves
// through its full chain. A dangling symlink resolves to its immediate
// target, so writing through it creates that file.
func Resolve(path string) (string, error) {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return path, nil
	}
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return path, nil
	}

	real, err := filepath.EvalSymlinks(path)
	if err == nil {
		return real, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("resolving symlink %s: %w", path, err)
	}

	target, err := os.Readlink(path)
	if err != nil {
		return "", fmt.Errorf("reading symlink %s: %w", path, err)
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(path), target)
	}
	return filepath.Clean(target), nil
}

// Write atomically replaces the content of path.
//
// # Description
//
// Resolves symlinks, creates missing parent directories, then writes the
// content to a uniquely named temp file beside the target, syncs it,
// applies the existing file's mode (or DefaultFileMode for new files) and
// renames it into place. On failure the temp file is removed and the
// target is untouched.
//
// # Inputs
//
//   - path: File to write. May be a symlink.
//   - content: New file content.
//
// # Outputs
//
//   - *WriteResult: Requested and resolved paths.
//   - error: Non-nil if the write did not happen.
func (w *Writer) Write(path string, content []byte) (*WriteResult, error) {
	return w.WriteMode(path, content, 0)
}

// WriteMode is Write with an explicit file mode. A zero mode keeps the
// existing file's mode, or DefaultFileMode for new files.
func (w *Writer) WriteMode(path string, content []byte, mode os.FileMode) (*WriteResult, error) {
	resolved, err := Resolve(path)
	if err != nil {
		return nil, err
	}

	created := false
	info, err := os.Stat(resolved)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		created = true
		if mode == 0 {
			mode = DefaultFileMode
		}
	case err != nil:
		return nil, fmt.Errorf("stat %s: %w", resolved, err)
	case info.IsDir():
		return nil, fmt.Errorf("cannot write %s: is a directory", path)
	default:
		if mode == 0 {
			mode = info.Mode().Perm()
		}
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return nil, fmt.Errorf("creating parent directories: %w", err)
	}

	if err := w.writeAtomic(resolved, content, mode); err != nil {
		return nil, fmt.Errorf("writing %s: %w", path, err)
	}

	w.logger.Debug("file written",
		"path", path,
		"resolved", resolved,
		"bytes", len(content),
		"created", created)

	return &WriteResult{
		RequestedPath: path,
		ResolvedPath:  resolved,
		Created:       created,
		BytesWritten:  int64(len(content)),
	}, nil
}

// writeAtomic writes content to a temp file in the target directory
// (same filesystem, so rename is atomic) and renames it over path.
func (w *Writer) writeAtomic(path string, content []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("writing content: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing to disk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := w.rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

// ReadFile reads path, following symlinks.
func (w *Writer) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Remove deletes a file or a directory tree. Removing a path that does
// not exist is an error.
func (w *Writer) Remove(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	if info.IsDir() {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if err != nil {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	w.logger.Debug("path removed", "path", path, "dir", info.IsDir())
	return nil
}

// Rename moves a file or directory, creating the destination's parent
// directories. The destination must not exist.
func (w *Writer) Rename(from, to string) error {
	if _, err := os.Lstat(to); err == nil {
		return fmt.Errorf("moving %s: destination %s: %w", from, to, fs.ErrExist)
	}
	if err := os.MkdirAll(filepath.Dir(to), 0755); err != nil {
		return fmt.Errorf("creating parent directories: %w", err)
	}
	if err := w.rename(from, to); err != nil {
		return fmt.Errorf("moving %s to %s: %w", from, to, err)
	}
	w.logger.Debug("path moved", "from", from, "to", to)
	return nil
}

// Mkdir creates a directory and any missing parents.
func (w *Writer) Mkdir(path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	return nil
}
