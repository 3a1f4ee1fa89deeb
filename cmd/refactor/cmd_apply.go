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
	"time"

	"github.com/AleutianAI/AleutianRefactor/pkg/ux"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/apply"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/config"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/plan"
)

// runApply loads the plan at source and applies or previews it.
func (a *app) runApply(ctx context.Context, command, source string, dryRun bool) error {
	start := time.Now()

	p, err := a.readPlan(source)
	if err != nil {
		var coded *plan.Error
		if !errors.As(err, &coded) {
			return err
		}
		// A plan that does not decode is reported like any other rejection.
		res := &apply.Result{State: apply.StateFailed, Error: coded, DryRun: dryRun}
		return a.reportApply(command, start, res)
	}

	s, err := a.openSession(ctx, true)
	if err != nil {
		return err
	}
	defer s.Close()

	opts := a.applyOptions(s.cfg, dryRun)
	s.logger.Debug("applying plan",
		"source", source,
		"plan_type", p.Kind,
		"dry_run", opts.DryRun,
		"root", s.root,
	)

	spinner := ux.NewSpinner("Applying plan")
	if dryRun {
		spinner = ux.NewSpinner("Checking plan")
	}
	spinner.Start()
	res := s.applier.Apply(ctx, p, opts)
	spinner.Stop()

	return a.reportApply(command, start, res)
}

// applyOptions starts from the configured defaults and applies the
// command-line overrides.
func (a *app) applyOptions(cfg *config.Config, dryRun bool) apply.Options {
	opts := apply.DefaultOptions()
	opts.ValidateChecksums = cfg.Apply.ValidateChecksums && !a.apply.noChecksums
	opts.ValidatePlanType = cfg.Apply.ValidatePlanType
	opts.RollbackOnError = cfg.Apply.RollbackOnError && !a.apply.noRollback
	opts.KeepBackups = cfg.Apply.KeepBackups || a.apply.keepBackups
	opts.Backup = a.apply.backup || cfg.Backup.Store != "none"
	opts.Force = a.apply.force
	opts.DryRun = dryRun
	opts.Diff = a.apply.diff

	command := cfg.Validation.Command
	if a.apply.validateCmd != "" {
		command = a.apply.validateCmd
	}
	if command != "" {
		v := &apply.ValidationOptions{
			Command:        command,
			TimeoutSeconds: cfg.Validation.TimeoutSeconds,
			WorkingDir:     cfg.Validation.WorkingDir,
			FailOnStderr:   cfg.Validation.FailOnStderr || a.apply.failOnStderr,
		}
		if a.apply.validateTimeout > 0 {
			v.TimeoutSeconds = int((a.apply.validateTimeout + time.Second - 1) / time.Second)
		}
		opts.Validation = v
	}
	return opts
}

// readPlan decodes the plan file, or stdin for "-".
func (a *app) readPlan(source string) (*plan.Plan, error) {
	if source == "-" {
		return plan.Decode(a.stdin)
	}
	return plan.Load(source)
}

func (a *app) reportApply(command string, start time.Time, res *apply.Result) error {
	if a.global.json {
		var resErr error
		if res.Error != nil {
			resErr = res.Error
		}
		if err := writeEnvelope(a.stdout, command, start, res.Success, res, resErr); err != nil {
			return err
		}
	} else {
		renderResult(res)
	}
	if !res.Success {
		return findings()
	}
	return nil
}
