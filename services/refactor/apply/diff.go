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
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sourcegraph/go-diff/diff"
)

// diffContext is the number of unchanged lines around each hunk.
const diffContext = 3

// devNull names the missing side of a created or deleted file.
const devNull = "/dev/null"

// fileDiff is one file's before and after content for a preview.
type fileDiff struct {
	path    string
	before  string
	after   string
	created bool
	deleted bool
}

// unifiedDiff renders one file's change. It returns "" when nothing
// changed.
func unifiedDiff(fd fileDiff) (string, error) {
	from, to := "a/"+fd.path, "b/"+fd.path
	if fd.created {
		from = devNull
	}
	if fd.deleted {
		to = devNull
	}
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        splitLines(fd.before),
		B:        splitLines(fd.after),
		FromFile: from,
		ToFile:   to,
		Context:  diffContext,
	})
	if err != nil {
		return "", fmt.Errorf("diffing %s: %w", fd.path, err)
	}
	return text, nil
}

// renderDiff concatenates the diffs of every file in order.
func renderDiff(files []fileDiff) (string, error) {
	var b strings.Builder
	for _, fd := range files {
		text, err := unifiedDiff(fd)
		if err != nil {
			return "", err
		}
		b.WriteString(text)
	}
	return b.String(), nil
}

// diffStats parses a multi-file unified diff and counts its lines.
func diffStats(patch string) (*DiffStats, error) {
	if patch == "" {
		return &DiffStats{}, nil
	}
	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(patch)).ReadAllFiles()
	if err != nil {
		return nil, fmt.Errorf("parsing diff: %w", err)
	}

	stats := &DiffStats{FilesAffected: len(fileDiffs)}
	for _, fd := range fileDiffs {
		for _, hunk := range fd.Hunks {
			for _, line := range strings.Split(string(hunk.Body), "\n") {
				switch {
				case strings.HasPrefix(line, "+"):
					stats.LinesAdded++
				case strings.HasPrefix(line, "-"):
					stats.LinesRemoved++
				}
			}
		}
	}
	return stats, nil
}

// splitLines splits s after each newline, terminating the last line so
// difflib output stays well formed.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if last := len(lines) - 1; lines[last] == "" {
		lines = lines[:last]
	} else {
		lines[last] += "\n"
	}
	return lines
}
