// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package textedit composes position-based text edits into new file content.
//
// # Description
//
// Apply takes a document and an unordered set of edits for it and returns
// the edited document. Edits are ordered bottom-to-top (descending start
// position) so no pending edit ever needs its coordinates adjusted. The
// document is indexed once by line start, every position is resolved to a
// byte offset against the original text, and the result is spliced in a
// single pass.
//
// # Line Endings
//
// A line ends at "\n"; a "\r" immediately before it belongs to the
// terminator, so CRLF documents address the same characters as LF ones.
// Text outside the edited ranges is copied byte for byte and NewText is
// inserted verbatim, so the document's line-ending convention is preserved.
//
// # Thread Safety
//
// All functions are pure and safe for concurrent use.
package textedit

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// Options controls edit composition.
type Options struct {
	// Validate rejects positions outside the document instead of
	// clamping them to the nearest valid offset.
	Validate bool
}

// document is a line index over immutable content.
type document struct {
	content string
	starts  []int
}

func newDocument(content string) *document {
	starts := make([]int, 1, strings.Count(content, "\n")+1)
	for i := 0; i < len(content); i++ {
		if content[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return &document{content: content, starts: starts}
}

// lineCount returns the number of addressable lines. Content ending in a
// newline has a final empty line.
func (d *document) lineCount() int {
	return len(d.starts)
}

// lineBounds returns the byte span of line n without its terminator.
func (d *document) lineBounds(n int) (int, int) {
	start := d.starts[n]
	if n+1 >= len(d.starts) {
		return start, len(d.content)
	}
	end := d.starts[n+1] - 1
	if end > start && d.content[end-1] == '\r' {
		end--
	}
	return start, end
}

// offset resolves a position to a byte offset in content.
func (d *document) offset(p Position, validate bool) (int, error) {
	if p.Line < 0 || p.Character < 0 {
		return 0, &PositionError{
			Position:   p,
			Reason:     "negative coordinate",
			LineCount:  d.lineCount(),
			LineLength: -1,
		}
	}
	if p.Line >= d.lineCount() {
		if validate {
			return 0, &PositionError{
				Position:   p,
				Reason:     "line out of range",
				LineCount:  d.lineCount(),
				LineLength: -1,
			}
		}
		return len(d.content), nil
	}

	start, end := d.lineBounds(p.Line)
	line := d.content[start:end]

	off := start
	for i := 0; i < p.Character; i++ {
		if off >= end {
			if validate {
				return 0, &PositionError{
					Position:   p,
					Reason:     "character out of range",
					LineCount:  d.lineCount(),
					LineLength: utf8.RuneCountInString(line),
				}
			}
			return end, nil
		}
		_, size := utf8.DecodeRuneInString(d.content[off:end])
		off += size
	}
	return off, nil
}

// span is an edit resolved to byte offsets.
type span struct {
	start, end int
	text       string
	rng        Range
}

// Apply composes edits into content.
//
// # Description
//
// Validates (optionally) and resolves every edit, sorts them descending by
// start position, rejects overlaps, and splices the new text in. The
// result is identical for any permutation of edits.
//
// # Inputs
//
//   - content: The original document.
//   - edits: Unordered edits, all addressed to content's coordinates.
//   - opts: Composition options.
//
// # Outputs
//
//   - string: The edited document.
//   - error: *PositionError (ErrInvalidPosition) or *OverlapError
//     (ErrOverlappingEdits).
//
// # Example
//
//	out, err := textedit.Apply("const oldName = 42;", []textedit.TextEdit{{
//	    Range:   textedit.Range{Start: textedit.Position{Character: 6}, End: textedit.Position{Character: 13}},
//	    NewText: "newName",
//	}}, textedit.Options{Validate: true})
//	// out == "const newName = 42;"
func Apply(content string, edits []TextEdit, opts Options) (string, error) {
	if len(edits) == 0 {
		return content, nil
	}

	doc := newDocument(content)
	spans, err := resolve(doc, edits, opts)
	if err != nil {
		return "", err
	}

	// spans is bottom-to-top; walk it backwards to emit top-to-bottom.
	growth := 0
	for _, s := range spans {
		growth += len(s.text) - (s.end - s.start)
	}
	var b strings.Builder
	b.Grow(max(len(content)+growth, 0))

	cursor := 0
	for i := len(spans) - 1; i >= 0; i-- {
		s := spans[i]
		b.WriteString(content[cursor:s.start])
		b.WriteString(s.text)
		cursor = s.end
	}
	b.WriteString(content[cursor:])
	return b.String(), nil
}

// resolve converts edits to spans sorted descending and checks overlap.
func resolve(doc *document, edits []TextEdit, opts Options) ([]span, error) {
	spans := make([]span, 0, len(edits))
	for _, e := range edits {
		if e.Range.End.Before(e.Range.Start) {
			return nil, &PositionError{
				Position:   e.Range.Start,
				Reason:     "start is after end " + e.Range.End.String(),
				LineCount:  doc.lineCount(),
				LineLength: -1,
			}
		}
		start, err := doc.offset(e.Range.Start, opts.Validate)
		if err != nil {
			return nil, err
		}
		end, err := doc.offset(e.Range.End, opts.Validate)
		if err != nil {
			return nil, err
		}
		spans = append(spans, span{start: start, end: end, text: e.NewText, rng: e.Range})
	}

	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start > spans[j].start
		}
		return spans[i].end > spans[j].end
	})

	for i := 1; i < len(spans); i++ {
		later, earlier := spans[i-1], spans[i]
		if earlier.end > later.start || earlier.start == later.start {
			return nil, &OverlapError{First: earlier.rng, Second: later.rng}
		}
	}
	return spans, nil
}

// LineEnding reports the convention of content: "\r\n" if any CRLF is
// present, otherwise "\n".
func LineEnding(content string) string {
	if strings.Contains(content, "\r\n") {
		return "\r\n"
	}
	return "\n"
}
