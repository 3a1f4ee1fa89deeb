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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"time"
)

// maxValidationOutput caps the captured stdout and stderr of the
// validation command, each.
const maxValidationOutput = 1 << 20

// ErrValidationTimeout is returned when the validation command outlives
// its timeout.
var ErrValidationTimeout = errors.New("validation command timed out")

// runValidation runs opts.Command under "sh -c" in the working directory.
//
// # Description
//
// The command passes when it exits zero and, with FailOnStderr, writes
// nothing to stderr. A command that could not be started or timed out
// returns an error instead of a result.
//
// # Inputs
//
//   - ctx: Parent context. The timeout is applied on top of it.
//   - root: Workspace root, used for an empty or relative WorkingDir.
//   - opts: The command description.
//   - logger: Debug logging of the run.
//
// # Outputs
//
//   - *ValidationResult: The command's outcome.
//   - error: ErrValidationTimeout or an execution failure.
func runValidation(ctx context.Context, root string, opts ValidationOptions, logger *slog.Logger) (*ValidationResult, error) {
	dir := opts.WorkingDir
	switch {
	case dir == "":
		dir = root
	case !filepath.IsAbs(dir):
		dir = filepath.Join(root, dir)
	}

	timeout := opts.Timeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", opts.Command)
	cmd.Dir = dir
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, limit: maxValidationOutput}
	cmd.Stderr = &limitedWriter{w: &stderr, limit: maxValidationOutput}

	logger.Debug("running validation command",
		slog.String("command", opts.Command),
		slog.String("dir", dir),
		slog.Duration("timeout", timeout))

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w after %s", ErrValidationTimeout, timeout)
	}

	result := &ValidationResult{
		Command:    opts.Command,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMS: elapsed.Milliseconds(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("running validation command: %w", err)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	result.Passed = result.ExitCode == 0 && (!opts.FailOnStderr || result.Stderr == "")

	logger.Debug("validation command finished",
		slog.Int("exit_code", result.ExitCode),
		slog.Bool("passed", result.Passed),
		slog.Int64("duration_ms", result.DurationMS))
	return result, nil
}

// limitedWriter discards everything past limit bytes.
type limitedWriter struct {
	w       io.Writer
	limit   int
	written int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return len(p), nil
	}
	chunk := p
	if len(chunk) > remaining {
		chunk = chunk[:remaining]
	}
	n, err := lw.w.Write(chunk)
	lw.written += n
	if err != nil {
		return n, err
	}
	return len(p), nil
}
