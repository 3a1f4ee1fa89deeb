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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/AleutianAI/AleutianRefactor/pkg/ux"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/apply"
)

// Exit codes for CLI commands
const (
	CLIExitSuccess  = 0 // Operation completed successfully
	CLIExitFindings = 1 // Plan failed, went stale, or was rejected
	CLIExitError    = 2 // Command could not run
)

// APIVersion is the version of the JSON envelope.
const APIVersion = "1.0"

// CommandResult is the JSON envelope every command writes with --json.
type CommandResult struct {
	APIVersion string      `json:"api_version"`
	Command    string      `json:"command"`
	Timestamp  time.Time   `json:"timestamp"`
	DurationMs int64       `json:"duration_ms"`
	Success    bool        `json:"success"`
	Data       interface{} `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// exitError carries a non-zero exit code out of a cobra RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// findings reports a completed command whose outcome was negative. The
// output has already been written.
func findings() error {
	return &exitError{code: CLIExitFindings}
}

// exitCode maps a RunE error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return CLIExitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return CLIExitError
}

// OutputJSON writes data as indented JSON.
func OutputJSON(w io.Writer, data interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// writeEnvelope wraps data in a CommandResult.
func writeEnvelope(w io.Writer, command string, start time.Time, success bool, data interface{}, err error) error {
	result := CommandResult{
		APIVersion: APIVersion,
		Command:    command,
		Timestamp:  start.UTC(),
		DurationMs: time.Since(start).Milliseconds(),
		Success:    success,
		Data:       data,
	}
	if err != nil {
		result.Error = err.Error()
	}
	return OutputJSON(w, result)
}

// renderResult prints an apply result for a terminal.
func renderResult(res *apply.Result) {
	verb := "Applied"
	if res.DryRun {
		verb = "Preview of"
	}
	ux.Title(fmt.Sprintf("%s plan %s", verb, res.ApplyID))
	ux.Muted("state: " + string(res.State))

	for _, path := range res.AppliedFiles {
		ux.FileStatus(path, ux.IconChanged, "modified")
	}
	for _, path := range res.CreatedFiles {
		ux.FileStatus(path, ux.IconAdded, "created")
	}
	for _, path := range res.DeletedFiles {
		ux.FileStatus(path, ux.IconRemoved, "deleted")
	}

	if res.Diff != "" {
		ux.Diff(res.Diff)
	}
	if res.DiffStats != nil {
		ux.Info(fmt.Sprintf("%d file(s), +%d -%d", res.DiffStats.FilesAffected, res.DiffStats.LinesAdded, res.DiffStats.LinesRemoved))
	}
	for _, w := range res.Warnings {
		ux.Warning(w)
	}

	if v := res.Validation; v != nil {
		if v.Passed {
			ux.Success(fmt.Sprintf("validation passed: %s (%dms)", v.Command, v.DurationMS))
		} else {
			ux.Error(fmt.Sprintf("validation failed: %s (exit %d)", v.Command, v.ExitCode))
			if v.Stderr != "" {
				ux.Muted(v.Stderr)
			}
		}
	}

	if res.Error != nil {
		msg := res.Error.Message
		if res.Error.Retryable {
			msg += "\nRecompute the plan and try again."
		}
		ux.ErrorBox(string(res.Error.Code), msg)
	}
	if res.Rollback != nil {
		ux.Info(fmt.Sprintf("rolled back %d file(s), %d operation(s)", len(res.Rollback.Restored), res.Rollback.Reversed))
	}
	if res.RollbackAvailable && len(res.Backups) > 0 {
		ux.Warning("changes were left in place; restore them with 'refactor backups restore'")
	}

	ux.Summary(len(res.AppliedFiles), len(res.CreatedFiles), len(res.DeletedFiles))
	switch {
	case res.Success && res.DryRun:
		ux.Success("plan is ready to apply")
	case res.Success:
		ux.Success("plan applied")
	}
}
