// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package apply executes refactor plans against a workspace.
//
// An apply moves through these states:
//
//	validating ──► previewed                        (dry run)
//	    │
//	    └──► writing ──► repairing_imports ──► verifying ──► committed
//	             │               │                  │
//	             └───────────────┴──────────────────┴──► rolling_back ──► failed
//
// Nothing is written until every check in validating has passed. Once
// writing starts, every change is recorded in a transaction ledger so a
// failure in any later state restores the workspace to its pre-apply
// content.
//
// # Thread Safety
//
// An Applier runs one apply at a time. Concurrent calls to Apply wait.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianRefactor/services/refactor/atomicfs"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/backup"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/checksum"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/imports"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/plan"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/transaction"
)

// ErrNothingPending is returned by Rollback and Release when no failed
// apply left its changes in place.
var ErrNothingPending = errors.New("no pending apply")

// Applier applies refactor plans to one workspace.
type Applier struct {
	root      string
	ledger    *transaction.Ledger
	writer    FileWriter
	repairer  *imports.Repairer
	checksums *checksum.Validator
	backups   backup.Store
	notifier  Notifier
	logger    *slog.Logger

	mu sync.Mutex
}

// NewApplier creates an applier for cfg.Root.
//
// # Inputs
//
//   - cfg: Configuration. Root is required and must be a directory.
//
// # Outputs
//
//   - *Applier: Ready to use.
//   - error: Non-nil if the root is missing or not a directory.
func NewApplier(cfg Config) (*Applier, error) {
	if cfg.Root == "" {
		return nil, errors.New("apply: root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("apply: resolving root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("apply: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("apply: root %s is not a directory", root)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "apply.Applier")

	ledger := cfg.Ledger
	if ledger == nil {
		ledger = transaction.NewLedger(transaction.Config{Logger: logger})
	}
	writer := cfg.Writer
	if writer == nil {
		writer = atomicfs.NewWriter(atomicfs.Config{Logger: logger})
	}

	importsCfg := cfg.Imports
	importsCfg.Root = root
	importsCfg.Recorder = ledger
	importsCfg.Logger = logger
	if w, ok := writer.(*atomicfs.Writer); ok && importsCfg.Writer == nil {
		importsCfg.Writer = w
	}

	return &Applier{
		root:     root,
		ledger:   ledger,
		writer:   writer,
		repairer: imports.NewRepairer(importsCfg),
		checksums: checksum.NewValidator(checksum.Config{
			Root:        root,
			Concurrency: cfg.ChecksumConcurrency,
			Logger:      logger,
		}),
		backups:  cfg.Backups,
		notifier: cfg.Notifier,
		logger:   logger,
	}, nil
}

// Root returns the absolute workspace root.
func (a *Applier) Root() string {
	return a.root
}

// Apply validates p and, unless opts.DryRun is set, writes it.
//
// # Description
//
// Every check runs before the first write: plan shape, checksums, file
// operation preconditions and edit bounds. A failed check returns with
// nothing written. Writes then run under a transaction; a failure while
// writing, repairing imports or validating rolls every change back when
// opts.RollbackOnError is set. Cancelling ctx stops the apply only while
// it is still validating.
//
// # Inputs
//
//   - ctx: Context for cancellation and tracing.
//   - p: The plan to apply.
//   - opts: Apply options. Use DefaultOptions for the usual behaviour.
//
// # Outputs
//
//   - *Result: Always non-nil. Result.Error carries the failure.
func (a *Applier) Apply(ctx context.Context, p *plan.Plan, opts Options) *Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := time.Now()
	res := &Result{
		ApplyID:      uuid.NewString(),
		State:        StateValidating,
		DryRun:       opts.DryRun,
		AppliedFiles: []string{},
		CreatedFiles: []string{},
		DeletedFiles: []string{},
		Warnings:     planWarnings(p),
	}
	logger := a.logger.With("apply_id", res.ApplyID)

	ctx, span := tracer.Start(ctx, "apply.Apply", trace.WithAttributes(
		attribute.String("apply_id", res.ApplyID),
		attribute.Bool("dry_run", opts.DryRun),
	))
	defer func() {
		span.SetAttributes(
			attribute.String("state", string(res.State)),
			attribute.Int("files.applied", len(res.AppliedFiles)),
			attribute.Int("files.created", len(res.CreatedFiles)),
			attribute.Int("files.deleted", len(res.DeletedFiles)),
		)
		if res.Error != nil {
			span.SetStatus(codes.Error, string(res.Error.Code))
		}
		span.End()
		observe(res, time.Since(start))
	}()

	if p == nil {
		return a.reject(res, plan.NewError(plan.CodeInvalidPlan, "plan is required", nil), logger)
	}
	span.SetAttributes(attribute.String("plan.kind", string(p.Kind)))

	if a.ledger.IsActive() {
		return a.reject(res, plan.NewError(plan.CodeWriteFailed,
			"a previous apply left its changes in place; roll it back or release it first",
			transaction.ErrTransactionActive), logger)
	}

	vctx, vspan := startPhase(ctx, StateValidating)
	pr, perr := a.prepare(vctx, p, opts, logger)
	endPhase(vspan, perr)
	if perr != nil {
		return a.reject(res, perr, logger)
	}

	if opts.DryRun {
		return a.preview(ctx, pr, opts, res, logger)
	}

	// From here on the apply runs to commit or rollback.
	wctx := context.WithoutCancel(ctx)
	if _, err := a.ledger.Begin(wctx); err != nil {
		return a.reject(res, plan.ErrorFrom(err), logger)
	}
	res.RollbackAvailable = true

	res.State = StateWriting
	if perr := a.runPhase(wctx, StateWriting, func(ctx context.Context) error {
		return a.write(ctx, pr, opts, res, logger)
	}); perr != nil {
		return a.fail(wctx, res, perr, opts, logger)
	}

	if moves := pr.moves(); len(moves) > 0 {
		res.State = StateRepairingImports
		if perr := a.runPhase(wctx, StateRepairingImports, func(ctx context.Context) error {
			return a.repairImports(ctx, moves, res, logger)
		}); perr != nil {
			return a.fail(wctx, res, perr, opts, logger)
		}
	}

	if opts.Validation != nil && opts.Validation.Command != "" {
		res.State = StateVerifying
		vctx, vspan := startPhase(wctx, StateVerifying)
		perr := a.verify(vctx, *opts.Validation, res, logger)
		endPhase(vspan, perr)
		if perr != nil {
			return a.fail(wctx, res, perr, opts, logger)
		}
	}

	if _, err := a.ledger.Commit(wctx); err != nil {
		return a.fail(wctx, res, plan.ErrorFrom(err), opts, logger)
	}
	res.State = StateCommitted
	res.Success = true
	res.RollbackAvailable = false
	if !opts.KeepBackups {
		a.discardBackups(wctx, res, logger)
	}

	logger.Info("plan applied",
		slog.String("plan_type", string(pr.kind)),
		slog.Int("applied", len(res.AppliedFiles)),
		slog.Int("created", len(res.CreatedFiles)),
		slog.Int("deleted", len(res.DeletedFiles)),
		slog.Duration("duration", time.Since(start)))
	return res
}

// runPhase runs fn under a span for state and converts its error.
func (a *Applier) runPhase(ctx context.Context, state State, fn func(context.Context) error) *plan.Error {
	ctx, span := startPhase(ctx, state)
	perr := plan.ErrorFrom(fn(ctx))
	endPhase(span, perr)
	return perr
}

// verify runs the validation command and records its outcome.
func (a *Applier) verify(ctx context.Context, opts ValidationOptions, res *Result, logger *slog.Logger) *plan.Error {
	vr, err := runValidation(ctx, a.root, opts, logger)
	if err != nil {
		return plan.NewError(plan.CodeValidationFailed, err.Error(), err).
			WithDetail("command", opts.Command)
	}
	res.Validation = vr
	if vr.Passed {
		return nil
	}

	msg := fmt.Sprintf("validation command exited with code %d", vr.ExitCode)
	if vr.ExitCode == 0 {
		msg = "validation command wrote to stderr"
	}
	return plan.NewError(plan.CodeValidationFailed, msg, nil).
		WithDetail("command", opts.Command).
		WithDetail("exit_code", vr.ExitCode)
}

// reject ends an apply that wrote nothing.
func (a *Applier) reject(res *Result, perr *plan.Error, logger *slog.Logger) *Result {
	res.State = StateFailed
	res.Success = false
	res.Error = perr
	logger.Warn("plan rejected",
		slog.String("code", string(perr.Code)),
		slog.String("error", perr.Message))
	return res
}

// fail ends an apply that wrote something, rolling back when asked to.
func (a *Applier) fail(ctx context.Context, res *Result, perr *plan.Error, opts Options, logger *slog.Logger) *Result {
	res.Success = false
	res.Error = perr
	logger.Error("apply failed",
		slog.String("state", string(res.State)),
		slog.String("code", string(perr.Code)),
		slog.String("error", perr.Message))

	if !opts.RollbackOnError {
		res.State = StateFailed
		res.Warnings = append(res.Warnings,
			"changes were left in place and can still be rolled back")
		return res
	}

	res.State = StateRollingBack
	rctx, span := startPhase(ctx, StateRollingBack)
	result, err := a.ledger.Rollback(rctx, perr.Message)
	var rerr *plan.Error
	clean := err == nil
	if err != nil {
		rerr = plan.ErrorFrom(err)
		res.Warnings = append(res.Warnings, "rollback: "+err.Error())
	} else if result.Rollback != nil {
		res.Rollback = result.Rollback
		for _, f := range result.Rollback.Failures {
			clean = false
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("rollback: could not restore %s: %s", a.display(f.Path), f.Err))
		}
	}
	endPhase(span, rerr)

	switch {
	case len(res.Backups) == 0:
	case clean && !opts.KeepBackups:
		a.discardBackups(ctx, res, logger)
	case !clean:
		res.Warnings = append(res.Warnings, "backups were kept because the rollback was incomplete")
	}

	res.State = StateFailed
	logger.Info("apply rolled back", slog.Bool("complete", clean))
	return res
}

// discardBackups removes the apply's backups, reporting a failure as a
// warning.
func (a *Applier) discardBackups(ctx context.Context, res *Result, logger *slog.Logger) {
	if a.backups == nil || len(res.Backups) == 0 {
		return
	}
	n, err := a.backups.Discard(ctx, res.ApplyID)
	if err != nil {
		res.Warnings = append(res.Warnings, "discarding backups: "+err.Error())
		return
	}
	logger.Debug("backups discarded", slog.Int("count", n))
}

// =============================================================================
// Pending Applies
// =============================================================================

// Pending reports whether a failed apply left its changes in place.
func (a *Applier) Pending() bool {
	return a.ledger.IsActive()
}

// Rollback undoes a failed apply that ran without RollbackOnError.
//
// # Outputs
//
//   - *transaction.RollbackReport: What was restored.
//   - error: ErrNothingPending, or the ledger's failure.
func (a *Applier) Rollback(ctx context.Context) (*transaction.RollbackReport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.ledger.IsActive() {
		return nil, ErrNothingPending
	}
	result, err := a.ledger.Rollback(ctx, "requested")
	if err != nil {
		return nil, err
	}
	a.logger.Info("pending apply rolled back",
		slog.Int("restored", len(result.Rollback.Restored)),
		slog.Int("failures", len(result.Rollback.Failures)))
	return result.Rollback, nil
}

// Release keeps the changes of a failed apply that ran without
// RollbackOnError and frees the applier for the next plan.
func (a *Applier) Release(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.ledger.IsActive() {
		return ErrNothingPending
	}
	if _, err := a.ledger.Commit(ctx); err != nil {
		return err
	}
	a.logger.Info("pending apply released")
	return nil
}

// planWarnings renders the plan's own warnings for the result.
func planWarnings(p *plan.Plan) []string {
	warnings := []string{}
	if p == nil {
		return warnings
	}
	for _, w := range p.Warnings {
		if w.Code == "" {
			warnings = append(warnings, w.Message)
			continue
		}
		warnings = append(warnings, w.Code+": "+w.Message)
	}
	return warnings
}
