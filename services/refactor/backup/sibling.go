// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRefactor/services/refactor/atomicfs"
)

// SiblingConfig configures a SiblingStore.
type SiblingConfig struct {
	// Suffix is inserted between the file name and the timestamp.
	// Default: ".backup"
	Suffix string

	// TimeFormat formats the timestamp in the backup name.
	// Default: "2006-01-02_150405.000000"
	TimeFormat string

	// MaxBackups is how many backups are kept per file. Default: 5
	MaxBackups int

	// Writer writes backup and restored files. Default: a new atomicfs.Writer.
	Writer *atomicfs.Writer

	// Logger for backup events. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// SiblingStore keeps each backup next to its file as
// "<name><suffix>.<timestamp>".
//
// # Description
//
// The backup path is the entry ID. Old backups beyond MaxBackups are
// rotated away on Save. Prune cannot find files it has not saved in this
// process, so it only covers backups of paths saved through this store.
//
// # Thread Safety
//
// Safe for concurrent use.
type SiblingStore struct {
	suffix     string
	timeFormat string
	maxBackups int
	writer     *atomicfs.Writer
	logger     *slog.Logger

	mu      sync.Mutex
	byApply map[string][]string
	paths   map[string]struct{}
}

// NewSiblingStore creates a SiblingStore with defaults applied.
func NewSiblingStore(cfg SiblingConfig) *SiblingStore {
	if cfg.Suffix == "" {
		cfg.Suffix = ".backup"
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = "2006-01-02_150405.000000"
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Writer == nil {
		cfg.Writer = atomicfs.NewWriter(atomicfs.Config{Logger: logger})
	}
	return &SiblingStore{
		suffix:     cfg.Suffix,
		timeFormat: cfg.TimeFormat,
		maxBackups: cfg.MaxBackups,
		writer:     cfg.Writer,
		logger:     logger.With("component", "backup.SiblingStore"),
		byApply:    make(map[string][]string),
		paths:      make(map[string]struct{}),
	}
}

// Save writes content beside path and rotates old backups of path.
func (s *SiblingStore) Save(ctx context.Context, applyID, path string, content []byte, mode os.FileMode) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Entry{}, fmt.Errorf("resolving %s: %w", path, err)
	}

	now := time.Now()
	location := abs + s.suffix + "." + now.Format(s.timeFormat)
	if _, err := s.writer.WriteMode(location, content, mode); err != nil {
		return Entry{}, fmt.Errorf("writing backup of %s: %w", abs, err)
	}

	s.mu.Lock()
	s.byApply[applyID] = append(s.byApply[applyID], location)
	s.paths[abs] = struct{}{}
	s.mu.Unlock()

	if err := s.rotate(abs); err != nil {
		s.logger.Warn("backup rotation failed", "path", abs, "error", err)
	}

	s.logger.Debug("backup saved", "path", abs, "backup", location)
	return Entry{
		ID:        location,
		ApplyID:   applyID,
		Path:      abs,
		Location:  location,
		CreatedAt: now,
		Size:      int64(len(content)),
		Mode:      mode,
	}, nil
}

// List returns the backups found beside path, newest first.
func (s *SiblingStore) List(ctx context.Context, path string) ([]Entry, error) {
	if path == "" {
		return nil, ErrPathRequired
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}

	dir := filepath.Dir(abs)
	prefix := filepath.Base(abs) + s.suffix + "."
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}

	var backups []Entry
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || e.IsDir() {
			continue
		}
		createdAt, err := time.ParseInLocation(s.timeFormat, strings.TrimPrefix(name, prefix), time.Local)
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		location := filepath.Join(dir, name)
		backups = append(backups, Entry{
			ID:        location,
			Path:      abs,
			Location:  location,
			CreatedAt: createdAt,
			Size:      info.Size(),
			Mode:      info.Mode().Perm(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

// Restore copies the backup at id over its original file. The backup is
// kept.
func (s *SiblingStore) Restore(ctx context.Context, id string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	original := s.originalPath(id)
	if original == "" {
		return Entry{}, fmt.Errorf("%w: %s is not a backup name", ErrNotFound, id)
	}

	info, err := os.Stat(id)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Entry{}, err
	}
	content, err := os.ReadFile(id)
	if err != nil {
		return Entry{}, fmt.Errorf("reading backup: %w", err)
	}
	if _, err := s.writer.WriteMode(original, content, info.Mode().Perm()); err != nil {
		return Entry{}, fmt.Errorf("restoring %s: %w", original, err)
	}

	s.logger.Info("backup restored", "path", original, "backup", id)
	return Entry{
		ID:        id,
		Path:      original,
		Location:  id,
		CreatedAt: info.ModTime(),
		Size:      info.Size(),
		Mode:      info.Mode().Perm(),
	}, nil
}

// Discard removes the backups saved for applyID by this store.
func (s *SiblingStore) Discard(ctx context.Context, applyID string) (int, error) {
	s.mu.Lock()
	locations := s.byApply[applyID]
	delete(s.byApply, applyID)
	s.mu.Unlock()

	removed := 0
	var errs []error
	for _, loc := range locations {
		if err := os.Remove(loc); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// Prune removes backups older than maxAge for every path saved through
// this store.
func (s *SiblingStore) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	paths := make([]string, 0, len(s.paths))
	for p := range s.paths {
		paths = append(paths, p)
	}
	s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, p := range paths {
		backups, err := s.List(ctx, p)
		if err != nil {
			return removed, err
		}
		for _, b := range backups {
			if b.CreatedAt.Before(cutoff) && os.Remove(b.Location) == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// Close is a no-op.
func (s *SiblingStore) Close() error {
	return nil
}

// rotate removes the oldest backups of path beyond maxBackups.
func (s *SiblingStore) rotate(path string) error {
	backups, err := s.List(context.Background(), path)
	if err != nil {
		return err
	}
	for i := s.maxBackups; i < len(backups); i++ {
		if err := os.Remove(backups[i].Location); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// originalPath extracts the original path from a backup name, or "".
func (s *SiblingStore) originalPath(backupPath string) string {
	base := filepath.Base(backupPath)
	idx := strings.LastIndex(base, s.suffix+".")
	if idx <= 0 {
		return ""
	}
	return filepath.Join(filepath.Dir(backupPath), base[:idx])
}

var _ Store = (*SiblingStore)(nil)
