// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package textedit

import "fmt"

// Position is a zero-based line and character offset in a document.
//
// Character counts Unicode code points within the line and never
// includes the line terminator.
type Position struct {
	// Line is the zero-based line number.
	Line int `json:"line" validate:"gte=0"`

	// Character is the zero-based code point offset within the line.
	Character int `json:"character" validate:"gte=0"`
}

// Before reports whether p sorts strictly before o.
func (p Position) Before(o Position) bool {
	if p.Line != o.Line {
		return p.Line < o.Line
	}
	return p.Character < o.Character
}

// String renders the position as "line:character".
func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Character)
}

// Range is a half-open span [Start, End) in a document.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// String renders the range as "start-end".
func (r Range) String() string {
	return r.Start.String() + "-" + r.End.String()
}

// IsEmpty reports whether the range selects no text.
func (r Range) IsEmpty() bool {
	return r.Start == r.End
}

// TextEdit replaces the text in Range with NewText.
type TextEdit struct {
	Range   Range  `json:"range"`
	NewText string `json:"newText"`
}
