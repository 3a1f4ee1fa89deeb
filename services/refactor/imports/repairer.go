// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package imports rewrites relative import paths after a file or directory
// moves.
//
// # Description
//
// Two kinds of reference break when something moves: imports of the moved
// file from elsewhere, and the moved file's own relative imports. A set of
// moves is repaired together. Every reference is resolved as the
// filesystem looked before the first move, from where its file was then,
// and rewritten for where both ends are after the last move. References
// that were already broken are never touched, and rewritten ones keep
// their original shape (extension present or omitted, index omitted).
//
// JavaScript and TypeScript files are parsed with tree-sitter. Other files
// are matched with patterns for import/export ... from '…', import '…',
// require('…'), import('…') and CSS @import. Only "./" and "../"
// specifiers are considered.
package imports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/AleutianAI/AleutianRefactor/services/refactor/atomicfs"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/scanner"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/textedit"
)

// DefaultScanExtensions are the importer file types scanned by default.
var DefaultScanExtensions = append(append([]string(nil), DefaultResolutionExtensions...),
	".html", ".md", ".txt")

// Recorder is notified before the repairer overwrites a file, so the
// change can be undone with the rest of an apply.
type Recorder interface {
	RecordModify(path string, content []byte, mode os.FileMode) error
}

// Config configures a Repairer.
type Config struct {
	// Root is the directory searched for importers.
	Root string

	// ScanExtensions selects importer files. Default: DefaultScanExtensions.
	ScanExtensions []string

	// Ignore holds scanner ignore patterns relative to Root.
	Ignore []string

	// ResolutionExtensions is the extension preference order.
	// Default: DefaultResolutionExtensions.
	ResolutionExtensions []string

	// Writer performs the rewrites. Default: a new atomicfs.Writer.
	Writer *atomicfs.Writer

	// Recorder, when set, is called before each rewrite.
	Recorder Recorder

	// Logger for repair events. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// FileChange is the set of edits computed for one file.
type FileChange struct {
	// Path is where the file lives after the move.
	Path string `json:"path"`

	Edits []textedit.TextEdit `json:"edits"`

	// Original and Updated are the file content before and after.
	Original string `json:"-"`
	Updated  string `json:"-"`
}

// Warning is a per-file problem that did not stop the repair.
type Warning struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Report is the outcome of a repair.
type Report struct {
	// Moves holds the repaired moves with absolute paths.
	Moves []Move `json:"moves"`

	// Changes lists every file with at least one rewritten import.
	Changes []FileChange `json:"changes"`

	// Written lists files actually rewritten. Empty for Plan.
	Written []string `json:"written,omitempty"`

	Warnings []Warning `json:"warnings,omitempty"`
}

// Repairer fixes import references after moves.
//
// Thread Safety: Safe for concurrent use if the Recorder is.
type Repairer struct {
	root       string
	scanExts   []string
	ignore     []string
	resolution []string
	writer     *atomicfs.Writer
	recorder   Recorder
	logger     *slog.Logger
}

// NewRepairer creates a Repairer with defaults applied.
func NewRepairer(cfg Config) *Repairer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.ScanExtensions) == 0 {
		cfg.ScanExtensions = DefaultScanExtensions
	}
	if len(cfg.ResolutionExtensions) == 0 {
		cfg.ResolutionExtensions = DefaultResolutionExtensions
	}
	if cfg.Writer == nil {
		cfg.Writer = atomicfs.NewWriter(atomicfs.Config{Logger: logger})
	}
	return &Repairer{
		root:       cfg.Root,
		scanExts:   cfg.ScanExtensions,
		ignore:     cfg.Ignore,
		resolution: cfg.ResolutionExtensions,
		writer:     cfg.Writer,
		recorder:   cfg.Recorder,
		logger:     logger.With("component", "imports.Repairer"),
	}
}

// RepairMove rewrites references broken by moving oldPath to newPath. It
// is RepairMoves for a single move.
func (r *Repairer) RepairMove(ctx context.Context, oldPath, newPath string) (*Report, error) {
	return r.RepairMoves(ctx, []Move{{From: oldPath, To: newPath}})
}

// RepairMoves rewrites references broken by a sequence of moves.
//
// # Description
//
// Must be called after every move happened on disk, in the order given.
// Every file edit is composed with textedit and written atomically. A
// file that cannot be read, parsed, composed or written becomes a
// warning; the others are still repaired.
//
// # Inputs
//
//   - ctx: Context for cancellation of the importer scan.
//   - moves: The moves in the order they ran. A move may name a file or
//     a directory, and may act on what an earlier move produced.
//
// # Outputs
//
//   - *Report: Changes, written files and warnings.
//   - error: Non-nil only if a move is not visible on disk or the
//     importer scan fails.
func (r *Repairer) RepairMoves(ctx context.Context, moves []Move) (*Report, error) {
	v, err := r.newView(moves, true)
	if err != nil {
		return nil, err
	}

	report, err := r.plan(ctx, v)
	if err != nil {
		return nil, err
	}

	for _, change := range report.Changes {
		if err := r.write(change); err != nil {
			r.logger.Warn("import repair failed", "path", change.Path, "error", err)
			report.Warnings = append(report.Warnings, Warning{Path: change.Path, Message: err.Error()})
			continue
		}
		report.Written = append(report.Written, change.Path)
	}

	r.logger.Info("imports repaired",
		"moves", len(v.moves),
		"files", len(report.Written),
		"warnings", len(report.Warnings))
	return report, nil
}

// Plan computes the edits RepairMove would make without writing.
func (r *Repairer) Plan(ctx context.Context, oldPath, newPath string) (*Report, error) {
	return r.PlanMoves(ctx, []Move{{From: oldPath, To: newPath}})
}

// PlanMoves computes the edits RepairMoves would make for moves that have
// not happened yet. Nothing is written.
func (r *Repairer) PlanMoves(ctx context.Context, moves []Move) (*Report, error) {
	v, err := r.newView(moves, false)
	if err != nil {
		return nil, err
	}
	return r.plan(ctx, v)
}

// newView resolves moves and checks that the filesystem is in the state
// moved claims: every source present before, every result present after.
func (r *Repairer) newView(moves []Move, moved bool) (view, error) {
	if len(moves) == 0 {
		return view{}, errors.New("no moves to repair")
	}
	v := view{moves: make([]Move, len(moves)), moved: moved}
	for i, m := range moves {
		from, err := r.abs(m.From)
		if err != nil {
			return view{}, err
		}
		to, err := r.abs(m.To)
		if err != nil {
			return view{}, err
		}
		if from == to {
			return view{}, fmt.Errorf("old and new path are the same: %s", from)
		}
		v.moves[i] = Move{From: from, To: to}
	}

	for i, m := range v.moves {
		if moved {
			if _, err := os.Lstat(v.forwardFrom(i+1, m.To)); err != nil {
				return view{}, fmt.Errorf("move %s -> %s has not happened", m.From, m.To)
			}
			continue
		}
		if _, err := os.Lstat(v.backwardTo(i, m.From)); err != nil {
			return view{}, fmt.Errorf("move source %s does not exist", m.From)
		}
	}
	return v, nil
}

func (r *Repairer) abs(p string) (string, error) {
	if !filepath.IsAbs(p) && r.root != "" {
		p = filepath.Join(r.root, p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", p, err)
	}
	return abs, nil
}

// plan computes every file change for the moves described by v.
func (r *Repairer) plan(ctx context.Context, v view) (*Report, error) {
	report := &Report{Moves: v.moves}

	files, err := r.files(ctx, v, report)
	if err != nil {
		return nil, err
	}

	for _, path := range files {
		change, warn := r.planFile(ctx, v, path)
		if warn != nil {
			report.Warnings = append(report.Warnings, *warn)
		}
		if change != nil {
			report.Changes = append(report.Changes, *change)
		}
	}

	sort.Slice(report.Changes, func(i, j int) bool { return report.Changes[i].Path < report.Changes[j].Path })
	return report, nil
}

// files lists every candidate file at its current location: the importers
// found by the workspace scan plus everything inside each moved tree,
// which is scanned even where the ignore patterns would skip it.
func (r *Repairer) files(ctx context.Context, v view, report *Report) ([]string, error) {
	importers, err := scanner.New(scanner.Config{
		Root:       r.root,
		Extensions: r.scanExts,
		Ignore:     r.ignore,
		Logger:     r.logger,
	}).Files(ctx)
	if err != nil {
		return nil, fmt.Errorf("scanning for importers: %w", err)
	}

	seen := make(map[string]struct{}, len(importers))
	for _, path := range importers {
		seen[path] = struct{}{}
	}
	for i, m := range v.moves {
		// Where the moved tree currently is.
		current := v.backwardTo(i, m.From)
		if v.moved {
			current = v.forwardFrom(i+1, m.To)
		}
		moved, err := r.movedFiles(ctx, current)
		if err != nil {
			report.Warnings = append(report.Warnings, Warning{Path: current, Message: err.Error()})
		}
		for _, path := range moved {
			seen[path] = struct{}{}
		}
	}

	files := make([]string, 0, len(seen))
	for path := range seen {
		files = append(files, path)
	}
	sort.Strings(files)
	return files, nil
}

// movedFiles lists the files under the moved tree at its current location.
func (r *Repairer) movedFiles(ctx context.Context, root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{root}, nil
	}
	return scanner.New(scanner.Config{Root: root, Extensions: r.scanExts, Logger: r.logger}).Files(ctx)
}

// planFile computes edits for one file. current is where the file is now.
// Its imports are resolved from where it was before the moves and
// rewritten for where it is after them.
func (r *Repairer) planFile(ctx context.Context, v view, current string) (*FileChange, *Warning) {
	content, err := os.ReadFile(current)
	if err != nil {
		return nil, &Warning{Path: current, Message: fmt.Sprintf("reading importer: %v", err)}
	}
	refs, err := findReferences(ctx, current, string(content))
	if err != nil {
		return nil, &Warning{Path: current, Message: err.Error()}
	}

	oldLocation, newLocation := current, current
	if v.moved {
		oldLocation = v.newToOld(current)
	} else {
		newLocation = v.oldToNew(current)
	}
	relocated := oldLocation != newLocation
	oldDir, newDir := filepath.Dir(oldLocation), filepath.Dir(newLocation)

	var edits []textedit.TextEdit
	for _, ref := range refs {
		t, ok := resolve(v, oldDir, ref.Specifier, r.resolution)
		if !ok {
			continue
		}
		newTarget := v.oldToNew(t.path)
		if !relocated && newTarget == t.path {
			continue
		}
		specifier := respecify(t, ref.Specifier, newTarget, newDir)
		if specifier != ref.Specifier {
			edits = append(edits, textedit.TextEdit{Range: ref.Range, NewText: specifier})
		}
	}
	return r.change(newLocation, string(content), edits)
}

func (r *Repairer) change(path, content string, edits []textedit.TextEdit) (*FileChange, *Warning) {
	if len(edits) == 0 {
		return nil, nil
	}
	updated, err := textedit.Apply(content, edits, textedit.Options{Validate: true})
	if err != nil {
		return nil, &Warning{Path: path, Message: fmt.Sprintf("composing import edits: %v", err)}
	}
	return &FileChange{Path: path, Edits: edits, Original: content, Updated: updated}, nil
}

// write records the file's prior state and replaces it.
func (r *Repairer) write(change FileChange) error {
	resolved, err := atomicfs.Resolve(change.Path)
	if err != nil {
		return err
	}
	if r.recorder != nil {
		mode := atomicfs.DefaultFileMode
		if info, err := os.Stat(resolved); err == nil {
			mode = info.Mode().Perm()
		}
		if err := r.recorder.RecordModify(resolved, []byte(change.Original), mode); err != nil {
			return fmt.Errorf("recording %s: %w", change.Path, err)
		}
	}
	if _, err := r.writer.Write(change.Path, []byte(change.Updated)); err != nil {
		return err
	}
	return nil
}
