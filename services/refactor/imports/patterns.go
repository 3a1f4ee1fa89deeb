// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package imports

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianRefactor/services/refactor/textedit"
)

// importPatterns recognize the literal of each import form in files that
// have no grammar: stylesheets, markup, component files and prose. The
// literal is always capture group 2.
var importPatterns = []*regexp.Regexp{
	// import x from '…' / export { x } from '…' / } from '…'
	regexp.MustCompile(`\bfrom\s*(['"])([^'"\n]+)['"]`),
	// import '…'
	regexp.MustCompile(`(?:^|[;\s])import\s*(['"])([^'"\n]+)['"]`),
	// require('…')
	regexp.MustCompile(`\brequire\s*\(\s*(['"])([^'"\n]+)['"]\s*\)`),
	// import('…') and @import("…")
	regexp.MustCompile(`@?\bimport\s*\(\s*(['"])([^'"\n]+)['"]\s*\)`),
	// CSS @import '…' and @import url('…')
	regexp.MustCompile(`@import\s+(?:url\(\s*)?(['"])([^'"\n]+)['"]`),
}

// reference is one relative import literal found in a file.
type reference struct {
	// Specifier is the literal without quotes.
	Specifier string

	// Range covers the literal, excluding quotes, in rune positions.
	Range textedit.Range
}

// findPatternReferences matches importPatterns line by line and returns
// every relative literal in document order.
func findPatternReferences(content string) []reference {
	var refs []reference
	for lineNo, line := range strings.Split(content, "\n") {
		seen := make(map[int]struct{})
		var starts []int
		bySt := make(map[int]int)

		for _, re := range importPatterns {
			for _, m := range re.FindAllStringSubmatchIndex(line, -1) {
				start, end := m[4], m[5]
				if start < 0 {
					continue
				}
				if _, dup := seen[start]; dup {
					continue
				}
				if !isRelative(line[start:end]) {
					continue
				}
				seen[start] = struct{}{}
				starts = append(starts, start)
				bySt[start] = end
			}
		}

		sort.Ints(starts)
		for _, start := range starts {
			end := bySt[start]
			startChar := utf8.RuneCountInString(line[:start])
			refs = append(refs, reference{
				Specifier: line[start:end],
				Range: textedit.Range{
					Start: textedit.Position{Line: lineNo, Character: startChar},
					End:   textedit.Position{Line: lineNo, Character: startChar + utf8.RuneCountInString(line[start:end])},
				},
			})
		}
	}
	return refs
}

// isRelative reports whether specifier names a path relative to the importer.
func isRelative(specifier string) bool {
	return strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../")
}
