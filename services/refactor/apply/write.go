// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package apply

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/AleutianAI/AleutianRefactor/services/refactor/atomicfs"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/imports"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/plan"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/transaction"
)

// =============================================================================
// Writing
// =============================================================================

// write runs the file operations, the edits and the deletions in that
// order, recording each change in the ledger before making it.
func (a *Applier) write(ctx context.Context, pr *prepared, opts Options, res *Result, logger *slog.Logger) error {
	tracked := make([]string, 0, len(pr.targets)+len(pr.ops))
	for _, t := range pr.targets {
		resolved, err := atomicfs.Resolve(t.path)
		if err != nil {
			return err
		}
		tracked = append(tracked, resolved)
	}
	for _, op := range pr.ops {
		if op.Kind == plan.OpCreate {
			tracked = append(tracked, op.path)
		}
	}
	if err := a.ledger.Track(tracked...); err != nil {
		return err
	}
	if err := a.ledger.SaveCheckpoint(ctx, transaction.BeginCheckpoint); err != nil {
		return err
	}

	if opts.Backup {
		if err := a.backup(ctx, pr, res, logger); err != nil {
			return err
		}
	}

	for _, op := range pr.ops {
		var err error
		switch op.Kind {
		case plan.OpCreate:
			err = a.create(ctx, op, res, logger)
		case plan.OpMove:
			err = a.move(ctx, op, res, logger)
		case plan.OpDelete:
			err = a.remove(ctx, op.path, res, logger)
		}
		if err != nil {
			return err
		}
	}

	for _, t := range pr.targets {
		if err := a.writeTarget(ctx, t, res, logger); err != nil {
			return err
		}
	}

	for _, d := range pr.deletions {
		if err := a.remove(ctx, d.path, res, logger); err != nil {
			return err
		}
	}
	return nil
}

// create writes a create operation's content.
func (a *Applier) create(ctx context.Context, op fileOp, res *Result, logger *slog.Logger) error {
	if err := a.recordWrite(op.path); err != nil {
		return err
	}
	content := []byte(op.Content)
	if _, err := a.writer.Write(op.path, content); err != nil {
		return fmt.Errorf("creating %s: %w", a.display(op.path), err)
	}
	if op.existed {
		res.AppliedFiles = appendUnique(res.AppliedFiles, a.display(op.path))
	} else {
		res.CreatedFiles = appendUnique(res.CreatedFiles, a.display(op.path))
	}
	a.notifyWrite(ctx, op.path, content, logger)
	return nil
}

// move renames a file or directory.
func (a *Applier) move(ctx context.Context, op fileOp, res *Result, logger *slog.Logger) error {
	if err := a.recordParents(op.to); err != nil {
		return err
	}
	if err := a.ledger.RecordMove(op.from, op.to); err != nil {
		return err
	}
	if err := a.writer.Rename(op.from, op.to); err != nil {
		return err
	}
	res.AppliedFiles = appendUnique(res.AppliedFiles, a.display(op.to))

	if a.notifier == nil {
		return nil
	}
	if info, err := os.Stat(op.to); err == nil && info.Mode().IsRegular() {
		a.notifyDelete(ctx, op.from, logger)
		if content, err := os.ReadFile(op.to); err == nil {
			a.notifyWrite(ctx, op.to, content, logger)
		}
	}
	return nil
}

// writeTarget writes one file's composed edits.
func (a *Applier) writeTarget(ctx context.Context, t target, res *Result, logger *slog.Logger) error {
	if err := a.recordWrite(t.path); err != nil {
		return err
	}
	content := []byte(t.updated)
	if _, err := a.writer.Write(t.path, content); err != nil {
		return fmt.Errorf("writing %s: %w", t.display, err)
	}
	if !t.created {
		res.AppliedFiles = appendUnique(res.AppliedFiles, t.display)
	}
	logger.Debug("file written", slog.String("path", t.display), slog.Int("edits", t.edits))
	a.notifyWrite(ctx, t.path, content, logger)
	return nil
}

// recordWrite records the file a write to path will replace, and the
// directories the write will create.
func (a *Applier) recordWrite(path string) error {
	resolved, err := atomicfs.Resolve(path)
	if err != nil {
		return err
	}
	if err := a.recordParents(resolved); err != nil {
		return err
	}
	state, err := transaction.Capture(resolved)
	if err != nil {
		return fmt.Errorf("capturing %s: %w", a.display(path), err)
	}
	if state.Exists {
		return a.ledger.RecordModify(resolved, state.Content, state.Mode)
	}
	return a.ledger.RecordCreate(resolved)
}

// recordParents records every missing parent directory of path, shallowest
// first, so a rollback removes them deepest first.
func (a *Applier) recordParents(path string) error {
	dirs, err := atomicfs.MissingDirs(filepath.Dir(path))
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if err := a.ledger.RecordCreateDir(dir); err != nil {
			return err
		}
	}
	return nil
}

// remove deletes a file or a directory tree.
func (a *Applier) remove(ctx context.Context, path string, res *Result, logger *slog.Logger) error {
	info, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("deleting %s: %w", a.display(path), err)
	}

	var files []string
	if info.IsDir() {
		if files, err = a.recordTree(path, res); err != nil {
			return err
		}
	} else {
		state, err := transaction.Capture(path)
		if err != nil {
			return fmt.Errorf("capturing %s: %w", a.display(path), err)
		}
		if err := a.ledger.RecordDelete(path, state.Content, state.Mode); err != nil {
			return err
		}
		files = []string{path}
	}

	if err := a.writer.Remove(path); err != nil {
		return err
	}
	res.DeletedFiles = appendUnique(res.DeletedFiles, a.display(path))
	for _, f := range files {
		a.notifyDelete(ctx, f, logger)
	}
	return nil
}

// recordTree records every regular file under dir, then the directories
// bottom-up, so a rollback recreates the directories first.
func (a *Applier) recordTree(dir string, res *Result) ([]string, error) {
	type dirEntry struct {
		path string
		mode os.FileMode
	}
	var files []string
	var dirs []dirEntry

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			dirs = append(dirs, dirEntry{path: path, mode: info.Mode().Perm()})
		case d.Type()&fs.ModeSymlink != 0:
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("symlink %s is deleted and will not be restored on rollback", a.display(path)))
		case d.Type().IsRegular():
			state, err := transaction.Capture(path)
			if err != nil {
				return err
			}
			if err := a.ledger.RecordDelete(path, state.Content, state.Mode); err != nil {
				return err
			}
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recording %s: %w", a.display(dir), err)
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		if err := a.ledger.RecordDeleteDir(dirs[i].path, dirs[i].mode); err != nil {
			return nil, err
		}
	}
	return files, nil
}

// =============================================================================
// Backups
// =============================================================================

// backup saves every existing file the apply will overwrite or delete.
func (a *Applier) backup(ctx context.Context, pr *prepared, res *Result, logger *slog.Logger) error {
	if a.backups == nil {
		res.Warnings = append(res.Warnings, "backup requested but no backup store is configured")
		return nil
	}

	var paths []string
	for _, op := range pr.ops {
		switch {
		case op.Kind == plan.OpCreate && op.existed:
			paths = append(paths, op.path)
		case op.Kind == plan.OpDelete:
			paths = append(paths, op.path)
		}
	}
	for _, t := range pr.targets {
		if !t.created {
			if src := locate(pr.ops, t.path); !src.created && !src.gone {
				paths = append(paths, src.disk)
			}
		}
	}
	for _, d := range pr.deletions {
		if src := locate(pr.ops, d.path); !src.created && !src.gone {
			paths = append(paths, src.disk)
		}
	}

	seen := make(map[string]bool)
	for _, p := range paths {
		files, err := regularFiles(p)
		if err != nil {
			return fmt.Errorf("backing up %s: %w", a.display(p), err)
		}
		for _, f := range files {
			resolved, err := atomicfs.Resolve(f)
			if err != nil {
				return err
			}
			if seen[resolved] {
				continue
			}
			seen[resolved] = true

			state, err := transaction.Capture(resolved)
			if err != nil {
				return fmt.Errorf("backing up %s: %w", a.display(f), err)
			}
			if !state.Exists || state.IsDir {
				continue
			}
			entry, err := a.backups.Save(ctx, res.ApplyID, resolved, state.Content, state.Mode)
			if err != nil {
				return fmt.Errorf("backing up %s: %w", a.display(f), err)
			}
			res.Backups = append(res.Backups, entry)
		}
	}
	logger.Debug("backups saved", slog.Int("count", len(res.Backups)))
	return nil
}

// regularFiles returns path itself, or every regular file under it when
// it is a directory. A missing path yields nothing.
func regularFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	return files, err
}

// =============================================================================
// Import Repair
// =============================================================================

// repairImports rewrites references broken by the plan's moves. All moves
// are repaired in one pass, so a file moved by one operation that imports
// a file moved by another is fixed at both ends.
func (a *Applier) repairImports(ctx context.Context, moves []fileOp, res *Result, logger *slog.Logger) error {
	chain := make([]imports.Move, 0, len(moves))
	for i, op := range moves {
		if _, err := os.Lstat(finalLocation(moves[i+1:], op.to)); err != nil {
			logger.Debug("skipping import repair for a path no longer present",
				slog.String("path", a.display(op.to)))
			continue
		}
		chain = append(chain, imports.Move{From: op.from, To: op.to})
	}
	if len(chain) == 0 {
		return nil
	}

	report, err := a.repairer.RepairMoves(ctx, chain)
	if err != nil {
		return fmt.Errorf("repairing imports: %w", err)
	}
	for _, w := range report.Warnings {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("import repair: %s: %s", a.display(w.Path), w.Message))
	}

	updated := make(map[string]string, len(report.Changes))
	for _, c := range report.Changes {
		updated[c.Path] = c.Updated
	}
	for _, path := range report.Written {
		res.AppliedFiles = appendUnique(res.AppliedFiles, a.display(path))
		a.notifyWrite(ctx, path, []byte(updated[path]), logger)
	}
	importsRepaired.Add(float64(len(report.Written)))

	logger.Info("imports repaired",
		slog.Int("moves", len(chain)),
		slog.Int("files", len(report.Written)))
	return nil
}

// finalLocation follows path through later moves.
func finalLocation(later []fileOp, path string) string {
	for _, op := range later {
		if within(op.from, path) {
			path = rebase(path, op.from, op.to)
		}
	}
	return path
}

// =============================================================================
// Notifications
// =============================================================================

func (a *Applier) notifyWrite(ctx context.Context, path string, content []byte, logger *slog.Logger) {
	if a.notifier == nil {
		return
	}
	if err := a.notifier.DidWrite(ctx, path, content); err != nil {
		logger.Debug("write notification failed", slog.String("path", path), slog.String("error", err.Error()))
	}
}

func (a *Applier) notifyDelete(ctx context.Context, path string, logger *slog.Logger) {
	if a.notifier == nil {
		return
	}
	if err := a.notifier.DidDelete(ctx, path); err != nil {
		logger.Debug("delete notification failed", slog.String("path", path), slog.String("error", err.Error()))
	}
}

// appendUnique appends s unless list already holds it.
func appendUnique(list []string, s string) []string {
	if slices.Contains(list, s) {
		return list
	}
	return append(list, s)
}
