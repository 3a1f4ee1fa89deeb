// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/AleutianAI/AleutianRefactor/pkg/ux"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/backup"
)

// backupSession opens a session that must have a backup store.
func (a *app) backupSession(ctx context.Context) (*session, error) {
	s, err := a.openSession(ctx, false)
	if err != nil {
		return nil, err
	}
	if s.store == nil {
		s.Close()
		return nil, errNoBackupStore
	}
	return s, nil
}

func (a *app) runBackupsList(ctx context.Context, path string) error {
	start := time.Now()
	s, err := a.backupSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if path != "" && !filepath.IsAbs(path) {
		path = filepath.Join(s.root, path)
	}
	entries, err := s.store.List(ctx, path)
	if errors.Is(err, backup.ErrPathRequired) {
		return fmt.Errorf("the %s store lists backups per file: pass a file", s.cfg.Backup.Store)
	}
	if err != nil {
		return err
	}

	if a.global.json {
		if entries == nil {
			entries = []backup.Entry{}
		}
		return writeEnvelope(a.stdout, "backups list", start, true, entries, nil)
	}
	if len(entries) == 0 {
		ux.Muted("no backups")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(a.stdout, "%s\t%s\t%s\t%d\n", e.ID, e.CreatedAt.Local().Format(time.DateTime), s.display(e.Path), e.Size)
	}
	return nil
}

func (a *app) runBackupsRestore(ctx context.Context, id string) error {
	start := time.Now()
	s, err := a.backupSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	entry, err := s.store.Restore(ctx, id)
	if errors.Is(err, backup.ErrNotFound) {
		if a.global.json {
			if werr := writeEnvelope(a.stdout, "backups restore", start, false, nil, err); werr != nil {
				return werr
			}
		} else {
			ux.Error(fmt.Sprintf("backup %s not found", id))
		}
		return findings()
	}
	if err != nil {
		return err
	}

	if a.global.json {
		return writeEnvelope(a.stdout, "backups restore", start, true, entry, nil)
	}
	ux.Success(fmt.Sprintf("restored %s", s.display(entry.Path)))
	return nil
}

func (a *app) runBackupsPrune(ctx context.Context) error {
	start := time.Now()
	s, err := a.backupSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	maxAge := a.olderThan
	if maxAge <= 0 {
		maxAge = s.cfg.Backup.Retention()
	}
	if maxAge <= 0 {
		return errors.New("no retention period: pass --older-than or set backup.retention_hours")
	}

	n, err := s.store.Prune(ctx, maxAge)
	if err != nil {
		return err
	}
	if a.global.json {
		return writeEnvelope(a.stdout, "backups prune", start, true, map[string]int{"removed": n}, nil)
	}
	ux.Success(fmt.Sprintf("removed %d backup(s) older than %s", n, maxAge))
	return nil
}

// display shows path relative to the workspace root when it is inside it.
func (s *session) display(path string) string {
	if rel, err := filepath.Rel(s.root, path); err == nil && filepath.IsLocal(rel) {
		return filepath.ToSlash(rel)
	}
	return path
}
