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
	"encoding/json"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianRefactor/services/refactor/atomicfs"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/backup"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/imports"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/plan"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/transaction"
)

// =============================================================================
// State
// =============================================================================

// State is a phase of an apply.
type State string

const (
	StateValidating       State = "validating"
	StatePreviewed        State = "previewed"
	StateWriting          State = "writing"
	StateRepairingImports State = "repairing_imports"
	StateVerifying        State = "verifying"
	StateCommitted        State = "committed"
	StateRollingBack      State = "rolling_back"
	StateFailed           State = "failed"
)

// DefaultValidationTimeout bounds the post-apply validation command when
// the options leave the timeout at zero.
const DefaultValidationTimeout = 60 * time.Second

// =============================================================================
// Options
// =============================================================================

// Options control one apply.
type Options struct {
	// DryRun validates and reports without touching disk.
	DryRun bool `json:"dry_run"`

	// ValidateChecksums compares plan checksums to the workspace.
	ValidateChecksums bool `json:"validate_checksums"`

	// ValidatePlanType rejects unknown plan kinds.
	ValidatePlanType bool `json:"validate_plan_type"`

	// Force skips the checksum comparison.
	Force bool `json:"force"`

	// RollbackOnError undoes every change when a write, import repair or
	// validation command fails. When false the partial state is left in
	// place and the transaction stays open for Rollback or Release.
	RollbackOnError bool `json:"rollback_on_error"`

	// Backup copies every file to the configured backup store before it
	// is changed.
	Backup bool `json:"backup"`

	// KeepBackups keeps the copies after a successful apply.
	KeepBackups bool `json:"keep_backups"`

	// Diff adds a unified diff of every change to a dry-run result.
	Diff bool `json:"diff"`

	// Validation runs a command after the changes are written.
	Validation *ValidationOptions `json:"validation,omitempty"`
}

// DefaultOptions returns checksum and plan validation on, rollback on
// error, and everything else off.
func DefaultOptions() Options {
	return Options{
		ValidateChecksums: true,
		ValidatePlanType:  true,
		RollbackOnError:   true,
	}
}

// UnmarshalJSON decodes options, taking DefaultOptions for absent keys.
func (o *Options) UnmarshalJSON(data []byte) error {
	type raw Options
	decoded := raw(DefaultOptions())
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*o = Options(decoded)
	return nil
}

// ValidationOptions describe the post-apply validation command.
type ValidationOptions struct {
	// Command runs under "sh -c".
	Command string `json:"command"`

	// TimeoutSeconds bounds the command. Zero means
	// DefaultValidationTimeout.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	// WorkingDir is relative to the workspace root. Empty means the root.
	WorkingDir string `json:"working_dir,omitempty"`

	// FailOnStderr fails validation when the command writes to stderr,
	// even if it exits zero.
	FailOnStderr bool `json:"fail_on_stderr,omitempty"`
}

// Timeout returns the effective command timeout.
func (v ValidationOptions) Timeout() time.Duration {
	if v.TimeoutSeconds <= 0 {
		return DefaultValidationTimeout
	}
	return time.Duration(v.TimeoutSeconds) * time.Second
}

// =============================================================================
// Result
// =============================================================================

// ValidationResult is the outcome of the validation command.
type ValidationResult struct {
	Passed     bool   `json:"passed"`
	Command    string `json:"command"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMS int64  `json:"duration_ms"`
}

// DiffStats summarizes a unified diff.
type DiffStats struct {
	FilesAffected int `json:"files_affected"`
	LinesAdded    int `json:"lines_added"`
	LinesRemoved  int `json:"lines_removed"`
}

// Result is the outcome of Apply.
//
// File lists use the paths as the plan named them, relative to the
// workspace root when they are inside it. A symlink is reported under its
// own path, never its target. On failure the lists hold what was touched
// before the rollback.
type Result struct {
	ApplyID           string                      `json:"apply_id"`
	Success           bool                        `json:"success"`
	State             State                       `json:"state"`
	DryRun            bool                        `json:"dry_run,omitempty"`
	AppliedFiles      []string                    `json:"applied_files"`
	CreatedFiles      []string                    `json:"created_files"`
	DeletedFiles      []string                    `json:"deleted_files"`
	Warnings          []string                    `json:"warnings"`
	RollbackAvailable bool                        `json:"rollback_available"`
	Error             *plan.Error                 `json:"error,omitempty"`
	Validation        *ValidationResult           `json:"validation,omitempty"`
	Diff              string                      `json:"diff,omitempty"`
	DiffStats         *DiffStats                  `json:"diff_stats,omitempty"`
	Backups           []backup.Entry              `json:"backups,omitempty"`
	Rollback          *transaction.RollbackReport `json:"rollback,omitempty"`
}

// =============================================================================
// Collaborators
// =============================================================================

// Notifier is told about every file the applier writes or removes.
// *lsp.Notifier implements it. Failures are logged and ignored.
type Notifier interface {
	DidWrite(ctx context.Context, path string, content []byte) error
	DidDelete(ctx context.Context, path string) error
}

// FileWriter performs the applier's disk mutations. *atomicfs.Writer
// implements it.
type FileWriter interface {
	Write(path string, content []byte) (*atomicfs.WriteResult, error)
	Rename(from, to string) error
	Remove(path string) error
}

// Config configures an Applier.
type Config struct {
	// Root is the workspace root. Relative plan paths resolve against it
	// and no plan path may leave it. Required.
	Root string

	// Ledger records the apply for rollback. Default: a new ledger.
	Ledger *transaction.Ledger

	// Writer performs writes. Default: an atomicfs.Writer.
	Writer FileWriter

	// Imports configures the import repairer. Root, Recorder and Logger
	// are set by the applier.
	Imports imports.Config

	// Backups stores pre-apply copies when Options.Backup is set.
	Backups backup.Store

	// Notifier is told about writes. Optional.
	Notifier Notifier

	// ChecksumConcurrency bounds parallel checksum reads. Default: 8.
	ChecksumConcurrency int

	// Logger for apply events. Uses slog.Default() if nil.
	Logger *slog.Logger
}
