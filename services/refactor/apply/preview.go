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
	"log/slog"
	"os"

	"github.com/AleutianAI/AleutianRefactor/services/refactor/imports"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/plan"
)

// preview reports what a validated plan would change without writing.
//
// The file lists match what a real apply would report, including files
// whose imports a move would rewrite. With opts.Diff the result carries a
// unified diff and its line counts. Moves appear in the diff only through
// the files whose content changes.
func (a *Applier) preview(ctx context.Context, pr *prepared, opts Options, res *Result, logger *slog.Logger) *Result {
	ctx, span := startPhase(ctx, StatePreviewed)
	defer endPhase(span, nil)

	var diffs []fileDiff
	edited := make(map[string]bool, len(pr.targets))
	for _, t := range pr.targets {
		edited[t.path] = true
	}

	for _, op := range pr.ops {
		switch op.Kind {
		case plan.OpCreate:
			if op.existed {
				res.AppliedFiles = appendUnique(res.AppliedFiles, a.display(op.path))
			} else {
				res.CreatedFiles = appendUnique(res.CreatedFiles, a.display(op.path))
			}
			if !edited[op.path] {
				before := ""
				if op.existed {
					if content, err := os.ReadFile(op.path); err == nil {
						before = string(content)
					}
				}
				diffs = append(diffs, fileDiff{
					path:    a.display(op.path),
					before:  before,
					after:   op.Content,
					created: !op.existed,
				})
			}
		case plan.OpMove:
			res.AppliedFiles = appendUnique(res.AppliedFiles, a.display(op.to))
		case plan.OpDelete:
			res.DeletedFiles = appendUnique(res.DeletedFiles, a.display(op.path))
			diffs = append(diffs, a.deletionDiffs(op.path)...)
		}
	}

	for _, t := range pr.targets {
		if !t.created {
			res.AppliedFiles = appendUnique(res.AppliedFiles, t.display)
		}
		before := t.original
		if t.created {
			before = ""
		}
		diffs = append(diffs, fileDiff{path: t.display, before: before, after: t.updated, created: t.created})
	}

	for _, d := range pr.deletions {
		res.DeletedFiles = appendUnique(res.DeletedFiles, d.display)
		diffs = append(diffs, a.deletionDiffs(locate(pr.ops, d.path).disk)...)
	}

	if moves := pr.moves(); len(moves) > 0 {
		chain := make([]imports.Move, len(moves))
		for i, op := range moves {
			chain[i] = imports.Move{From: op.from, To: op.to}
		}
		report, err := a.repairer.PlanMoves(ctx, chain)
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("import repair preview: %v", err))
		} else {
			for _, w := range report.Warnings {
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("import repair: %s: %s", a.display(w.Path), w.Message))
			}
			for _, c := range report.Changes {
				res.AppliedFiles = appendUnique(res.AppliedFiles, a.display(c.Path))
				if !edited[c.Path] {
					diffs = append(diffs, fileDiff{path: a.display(c.Path), before: c.Original, after: c.Updated})
				}
			}
		}
	}

	if opts.Diff {
		text, err := renderDiff(diffs)
		if err != nil {
			res.Warnings = append(res.Warnings, "rendering diff: "+err.Error())
		} else {
			res.Diff = text
			if stats, err := diffStats(text); err != nil {
				logger.Debug("diff stats unavailable", slog.String("error", err.Error()))
			} else {
				res.DiffStats = stats
			}
		}
	}

	res.State = StatePreviewed
	res.Success = true
	res.RollbackAvailable = false
	logger.Info("plan previewed",
		slog.String("plan_type", string(pr.kind)),
		slog.Int("applied", len(res.AppliedFiles)),
		slog.Int("created", len(res.CreatedFiles)),
		slog.Int("deleted", len(res.DeletedFiles)))
	return res
}

// deletionDiffs renders the removal of every regular file at or under
// path as it is on disk now.
func (a *Applier) deletionDiffs(path string) []fileDiff {
	if path == "" {
		return nil
	}
	files, err := regularFiles(path)
	if err != nil {
		return nil
	}
	diffs := make([]fileDiff, 0, len(files))
	for _, f := range files {
		content, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		diffs = append(diffs, fileDiff{path: a.display(f), before: string(content), deleted: true})
	}
	return diffs
}
