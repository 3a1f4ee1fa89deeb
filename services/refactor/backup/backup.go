// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backup keeps on-disk copies of files' pre-apply content.
//
// Backups are independent of the in-memory snapshot used for rollback:
// they survive a crashed process and a rollback_on_error=false failure,
// and can be listed and restored later.
package backup

import (
	"context"
	"errors"
	"os"
	"time"
)

var (
	// ErrNotFound indicates no backup has the requested ID.
	ErrNotFound = errors.New("backup not found")

	// ErrPathRequired indicates the store cannot list without a path.
	ErrPathRequired = errors.New("path is required")
)

// Entry describes one stored backup.
type Entry struct {
	// ID identifies the backup for Restore.
	ID string `json:"id"`

	// ApplyID groups the backups taken by one apply.
	ApplyID string `json:"apply_id,omitempty"`

	// Path is the absolute path of the backed-up file.
	Path string `json:"path"`

	// Location is where the copy lives: a file path or a database key.
	Location string `json:"location"`

	CreatedAt time.Time   `json:"created_at"`
	Size      int64       `json:"size"`
	Mode      os.FileMode `json:"mode"`
}

// Store saves and restores file backups.
//
// # Thread Safety
//
// Implementations are safe for concurrent use.
type Store interface {
	// Save stores content as the backup of path, taken for applyID.
	Save(ctx context.Context, applyID, path string, content []byte, mode os.FileMode) (Entry, error)

	// List returns the backups of path, newest first. An empty path lists
	// every backup if the store supports it, otherwise ErrPathRequired.
	List(ctx context.Context, path string) ([]Entry, error)

	// Restore writes a backup back over its original path.
	Restore(ctx context.Context, id string) (Entry, error)

	// Discard removes every backup taken for applyID.
	Discard(ctx context.Context, applyID string) (int, error)

	// Prune removes backups older than maxAge.
	Prune(ctx context.Context, maxAge time.Duration) (int, error)

	// Close releases the store's resources.
	Close() error
}
