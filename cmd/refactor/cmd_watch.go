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
	"time"

	"github.com/AleutianAI/AleutianRefactor/pkg/ux"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/checksum"
)

// watchReport is the JSON payload of the watch command.
type watchReport struct {
	Stale bool                 `json:"stale"`
	Files []checksum.StaleFile `json:"files,omitempty"`
}

// runWatch blocks until the plan's checksums stop matching the workspace.
func (a *app) runWatch(ctx context.Context, source string) error {
	start := time.Now()

	p, err := a.readPlan(source)
	if err != nil {
		return err
	}
	if len(p.FileChecksums) == 0 {
		return errors.New("plan records no file checksums to watch")
	}

	s, err := a.openSession(ctx, false)
	if err != nil {
		return err
	}
	defer s.Close()

	validator := checksum.NewValidator(checksum.Config{
		Root:   s.root,
		Logger: s.logger.Slog(),
	})

	// The plan may already be stale.
	stale, err := checkStale(ctx, validator, p.FileChecksums)
	if err != nil {
		return err
	}

	if stale == nil {
		watcher, err := checksum.NewWatcher(validator, p.FileChecksums)
		if err != nil {
			return err
		}
		defer watcher.Close()

		if !a.global.json {
			ux.Info(fmt.Sprintf("watching %d file(s); interrupt to stop", len(p.FileChecksums)))
		}
		stale, err = watcher.Wait(ctx)
		if errors.Is(err, context.Canceled) {
			return a.reportWatch(start, nil)
		}
		if err != nil {
			return err
		}
	}
	return a.reportWatch(start, stale)
}

func checkStale(ctx context.Context, v *checksum.Validator, sums map[string]string) (*checksum.StaleError, error) {
	err := v.Validate(ctx, sums)
	var stale *checksum.StaleError
	if errors.As(err, &stale) {
		return stale, nil
	}
	return nil, err
}

func (a *app) reportWatch(start time.Time, stale *checksum.StaleError) error {
	report := watchReport{Stale: stale != nil}
	if stale != nil {
		report.Files = stale.Files
	}

	if a.global.json {
		var err error
		if stale != nil {
			err = stale
		}
		if werr := writeEnvelope(a.stdout, "watch", start, stale == nil, report, err); werr != nil {
			return werr
		}
	} else if stale == nil {
		ux.Success("plan is still current")
	} else {
		ux.Error("plan is stale")
		for _, f := range stale.Files {
			reason := "changed"
			if f.Missing {
				reason = "missing"
			}
			ux.FileStatus(f.Path, ux.IconChanged, reason)
		}
	}

	if stale != nil {
		return findings()
	}
	return nil
}
