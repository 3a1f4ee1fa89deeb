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
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianRefactor/services/refactor/checksum"
)

// fileChecksum is one line of checksum output.
type fileChecksum struct {
	Path     string `json:"path"`
	Checksum string `json:"checksum,omitempty"`
	Error    string `json:"error,omitempty"`
}

// runChecksum prints the checksum of each file in the form a plan's
// file_checksums records it. Unreadable files are reported and make the
// command exit 1.
func (a *app) runChecksum(paths []string) error {
	start := time.Now()
	sums := make([]fileChecksum, 0, len(paths))
	failed := false
	for _, path := range paths {
		sum, err := checksum.Compute(path)
		if err != nil {
			failed = true
			sums = append(sums, fileChecksum{Path: path, Error: err.Error()})
			continue
		}
		sums = append(sums, fileChecksum{Path: path, Checksum: sum})
	}

	if a.global.json {
		if err := writeEnvelope(a.stdout, "checksum", start, !failed, sums, nil); err != nil {
			return err
		}
	} else {
		for _, s := range sums {
			if s.Error != "" {
				fmt.Fprintf(a.stderr, "%s: %s\n", s.Path, s.Error)
				continue
			}
			fmt.Fprintf(a.stdout, "%s  %s\n", s.Checksum, s.Path)
		}
	}
	if failed {
		return findings()
	}
	return nil
}
