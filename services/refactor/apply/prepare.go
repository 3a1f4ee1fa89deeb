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
	"strings"

	"github.com/AleutianAI/AleutianRefactor/services/refactor/atomicfs"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/plan"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/textedit"
)

// =============================================================================
// Prepared Plan
// =============================================================================

// fileOp is a plan file operation with absolute paths.
type fileOp struct {
	plan.FileOperation

	// path is the create or delete target; from and to are the move
	// endpoints.
	path, from, to string

	// existed is true when a create replaces a file.
	existed bool
}

// target is one file whose edits have been composed in memory.
type target struct {
	path    string
	display string

	// created is true when a create operation in the plan produced the
	// file, so it is reported under created_files only.
	created bool

	original string
	updated  string
	edits    int
}

// removal is a deletion from a delete plan.
type removal struct {
	path    string
	display string
}

// prepared is a plan that passed validation, ready to write.
type prepared struct {
	kind      plan.Kind
	ops       []fileOp
	targets   []target
	deletions []removal
}

// moves returns the move operations in plan order.
func (pr *prepared) moves() []fileOp {
	var moves []fileOp
	for _, op := range pr.ops {
		if op.Kind == plan.OpMove {
			moves = append(moves, op)
		}
	}
	return moves
}

// =============================================================================
// Validating
// =============================================================================

// prepare runs every check that must pass before the first write.
//
// # Description
//
// Validates the plan's shape, compares checksums, checks that every file
// operation can run in order, and composes every file's edits in memory
// with bounds checking. Nothing is written. ctx is honoured only here.
//
// # Outputs
//
//   - *prepared: Resolved operations and composed content.
//   - *plan.Error: The first failure, or nil.
func (a *Applier) prepare(ctx context.Context, p *plan.Plan, opts Options, logger *slog.Logger) (*prepared, *plan.Error) {
	if err := p.ValidateWith(plan.ValidateOptions{AllowUnknownKind: !opts.ValidatePlanType}); err != nil {
		return nil, plan.ErrorFrom(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, plan.NewError(plan.CodeCancelled, "apply cancelled before writing", err)
	}

	if opts.ValidateChecksums && !opts.Force && len(p.FileChecksums) > 0 {
		if err := a.checksums.Validate(ctx, p.FileChecksums); err != nil {
			return nil, plan.ReadErrorFrom(err)
		}
	}

	pr := &prepared{kind: p.Kind}
	if perr := a.prepareOps(p, pr); perr != nil {
		return nil, perr
	}
	if perr := a.prepareTargets(ctx, p, pr, logger); perr != nil {
		return nil, perr
	}
	if perr := a.prepareDeletions(p, pr); perr != nil {
		return nil, perr
	}
	return pr, nil
}

// prepareOps resolves file operations and checks each against the state
// the operations before it leave behind.
func (a *Applier) prepareOps(p *plan.Plan, pr *prepared) *plan.Error {
	for i, op := range p.FileOperations {
		fop := fileOp{FileOperation: op}
		var perr *plan.Error
		switch op.Kind {
		case plan.OpMove:
			if fop.from, perr = a.resolve(op.OldPath); perr != nil {
				return perr
			}
			if fop.to, perr = a.resolve(op.NewPath); perr != nil {
				return perr
			}
		case plan.OpCreate, plan.OpDelete:
			if fop.path, perr = a.resolve(op.Path); perr != nil {
				return perr
			}
		default:
			return plan.NewError(plan.CodeInvalidPlan,
				fmt.Sprintf("file_operations[%d]: unknown kind %q", i, op.Kind), nil)
		}

		before := locate(pr.ops, fop.path)
		switch op.Kind {
		case plan.OpCreate:
			exists, isDir := before.exists()
			if isDir {
				return plan.NewError(plan.CodeInvalidPlan,
					fmt.Sprintf("file_operations[%d]: %s is a directory", i, op.Path), nil)
			}
			if exists && !op.Overwrite {
				return plan.NewError(plan.CodeInvalidPlan,
					fmt.Sprintf("file_operations[%d]: %s already exists", i, op.Path), nil)
			}
			fop.existed = exists

		case plan.OpMove:
			if exists, _ := locate(pr.ops, fop.from).exists(); !exists {
				return plan.NewError(plan.CodeFileNotFound,
					fmt.Sprintf("file_operations[%d]: move source %s does not exist", i, op.OldPath), nil)
			}
			if exists, _ := locate(pr.ops, fop.to).exists(); exists {
				return plan.NewError(plan.CodeInvalidPlan,
					fmt.Sprintf("file_operations[%d]: move destination %s already exists", i, op.NewPath), nil)
			}
			if within(fop.from, fop.to) {
				return plan.NewError(plan.CodeInvalidPlan,
					fmt.Sprintf("file_operations[%d]: cannot move %s into itself", i, op.OldPath), nil)
			}

		case plan.OpDelete:
			if exists, _ := before.exists(); !exists {
				return plan.NewError(plan.CodeFileNotFound,
					fmt.Sprintf("file_operations[%d]: %s does not exist", i, op.Path), nil)
			}
			if before.isSymlink() {
				return plan.NewError(plan.CodeInvalidPlan,
					fmt.Sprintf("file_operations[%d]: deleting symlink %s is not supported", i, op.Path), nil)
			}
		}
		pr.ops = append(pr.ops, fop)
	}
	return nil
}

// prepareTargets composes every file's edits against the content it will
// have after the file operations.
func (a *Applier) prepareTargets(ctx context.Context, p *plan.Plan, pr *prepared, logger *slog.Logger) *plan.Error {
	seen := make(map[string]string, len(p.Changes))
	for _, name := range p.ChangedFiles() {
		if err := ctx.Err(); err != nil {
			return plan.NewError(plan.CodeCancelled, "apply cancelled before writing", err)
		}

		path, perr := a.resolve(name)
		if perr != nil {
			return perr
		}
		if other, dup := seen[path]; dup {
			return plan.NewError(plan.CodeInvalidPlan,
				fmt.Sprintf("changes list %s twice (as %q and %q)", a.display(path), other, name), nil)
		}
		seen[path] = name

		src := locate(pr.ops, path)
		content, perr := src.read(name)
		if perr != nil {
			return perr
		}

		edits := p.Changes[name]
		updated, err := textedit.Apply(string(content), edits, textedit.Options{Validate: true})
		if err != nil {
			return plan.ErrorFrom(fmt.Errorf("%s: %w", name, err)).WithDetail("path", name)
		}

		logger.Debug("edits composed",
			slog.String("path", name),
			slog.Int("edits", len(edits)),
			slog.String("line_ending", textedit.LineEnding(string(content))))

		pr.targets = append(pr.targets, target{
			path:     path,
			display:  a.display(path),
			created:  src.created,
			original: string(content),
			updated:  updated,
			edits:    len(edits),
		})
	}
	return nil
}

// prepareDeletions checks the deletions of a delete plan against the
// state after the file operations.
func (a *Applier) prepareDeletions(p *plan.Plan, pr *prepared) *plan.Error {
	for i, d := range p.Deletions {
		path, perr := a.resolve(d.Path)
		if perr != nil {
			return perr
		}
		src := locate(pr.ops, path)
		exists, isDir := src.exists()
		if !exists {
			return plan.NewError(plan.CodeFileNotFound,
				fmt.Sprintf("deletions[%d]: %s does not exist", i, d.Path), nil)
		}
		if src.isSymlink() {
			return plan.NewError(plan.CodeInvalidPlan,
				fmt.Sprintf("deletions[%d]: deleting symlink %s is not supported", i, d.Path), nil)
		}
		switch {
		case d.Kind == "file" && isDir:
			return plan.NewError(plan.CodeInvalidPlan,
				fmt.Sprintf("deletions[%d]: %s is a directory", i, d.Path), nil)
		case d.Kind == "directory" && !isDir:
			return plan.NewError(plan.CodeInvalidPlan,
				fmt.Sprintf("deletions[%d]: %s is not a directory", i, d.Path), nil)
		}
		pr.deletions = append(pr.deletions, removal{path: path, display: a.display(path)})
	}
	return nil
}

// =============================================================================
// Path Resolution
// =============================================================================

// resolve makes a plan path absolute and keeps it inside the workspace.
func (a *Applier) resolve(name string) (string, *plan.Error) {
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(a.root, path)
	}
	path = filepath.Clean(path)

	if !atomicfs.Within(a.root, path) {
		return "", plan.NewError(plan.CodeInvalidPlan,
			fmt.Sprintf("%s is outside the workspace", name), nil).WithDetail("path", name)
	}
	if atomicfs.IsSensitive(path) {
		return "", plan.NewError(plan.CodeInvalidPlan,
			fmt.Sprintf("%s is a protected path", name), nil).WithDetail("path", name)
	}
	return path, nil
}

// display renders an absolute path relative to the root with forward
// slashes, or unchanged when it lies outside the root.
func (a *Applier) display(path string) string {
	rel, err := filepath.Rel(a.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return filepath.ToSlash(rel)
}

// within reports whether path is parent or lies below it.
func within(parent, path string) bool {
	return path == parent || strings.HasPrefix(path, parent+string(filepath.Separator))
}

// rebase moves path from under oldRoot to under newRoot.
func rebase(path, oldRoot, newRoot string) string {
	if path == oldRoot {
		return newRoot
	}
	return filepath.Join(newRoot, strings.TrimPrefix(path, oldRoot+string(filepath.Separator)))
}

// =============================================================================
// Pre-apply View
// =============================================================================

// origin is where a path's content comes from once a prefix of the file
// operations has run.
type origin struct {
	// disk is the path holding the content before the apply.
	disk string

	// created is set when a create operation supplies content.
	created bool
	content []byte

	// gone is set when an operation deleted or moved the path away.
	gone bool
}

// locate follows path backwards through ops to its origin.
func locate(ops []fileOp, path string) origin {
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		switch op.Kind {
		case plan.OpCreate:
			if path == op.path {
				return origin{created: true, content: []byte(op.Content)}
			}
		case plan.OpDelete:
			if within(op.path, path) {
				return origin{gone: true}
			}
		case plan.OpMove:
			if within(op.to, path) {
				path = rebase(path, op.to, op.from)
				continue
			}
			if within(op.from, path) {
				return origin{gone: true}
			}
		}
	}
	return origin{disk: path}
}

// exists reports whether the origin holds a file or directory.
func (o origin) exists() (exists, isDir bool) {
	switch {
	case o.created:
		return true, false
	case o.gone:
		return false, false
	}
	info, err := os.Stat(o.disk)
	if err != nil {
		// A dangling symlink still occupies the name.
		if _, lerr := os.Lstat(o.disk); lerr == nil {
			return true, false
		}
		return false, false
	}
	return true, info.IsDir()
}

// isSymlink reports whether the origin is a symlink on disk.
func (o origin) isSymlink() bool {
	if o.disk == "" {
		return false
	}
	info, err := os.Lstat(o.disk)
	return err == nil && info.Mode()&fs.ModeSymlink != 0
}

// read returns the origin's content. name is the plan path for messages.
func (o origin) read(name string) ([]byte, *plan.Error) {
	if o.created {
		return o.content, nil
	}
	if o.gone {
		return nil, plan.NewError(plan.CodeFileNotFound,
			fmt.Sprintf("%s is removed by a file operation before its edits", name), nil).WithDetail("path", name)
	}
	info, err := os.Stat(o.disk)
	if err != nil {
		return nil, plan.ReadErrorFrom(fmt.Errorf("%s: %w", name, err)).WithDetail("path", name)
	}
	if info.IsDir() {
		return nil, plan.NewError(plan.CodeInvalidPlan,
			fmt.Sprintf("%s is a directory", name), nil).WithDetail("path", name)
	}
	content, err := os.ReadFile(o.disk)
	if err != nil {
		return nil, plan.ReadErrorFrom(fmt.Errorf("%s: %w", name, err)).WithDetail("path", name)
	}
	return content, nil
}
