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

import (
	"errors"
	"fmt"
)

// Sentinel errors for edit composition.
var (
	// ErrInvalidPosition indicates an edit references a position outside
	// the document or a range whose start follows its end.
	ErrInvalidPosition = errors.New("invalid position")

	// ErrOverlappingEdits indicates two edits for the same file touch the
	// same text.
	ErrOverlappingEdits = errors.New("overlapping edits")
)

// PositionError describes an out-of-bounds or reversed edit position.
type PositionError struct {
	// Position is the offending coordinate.
	Position Position

	// Reason says what is wrong with it.
	Reason string

	// LineCount is the number of lines in the document.
	LineCount int

	// LineLength is the code point length of the referenced line,
	// or -1 when the line itself is out of range.
	LineLength int
}

// Error implements the error interface.
func (e *PositionError) Error() string {
	if e.LineLength < 0 {
		return fmt.Sprintf("invalid position %s: %s (document has %d lines)",
			e.Position, e.Reason, e.LineCount)
	}
	return fmt.Sprintf("invalid position %s: %s (document has %d lines, line %d has %d characters)",
		e.Position, e.Reason, e.LineCount, e.Position.Line, e.LineLength)
}

// Unwrap allows errors.Is(err, ErrInvalidPosition).
func (e *PositionError) Unwrap() error {
	return ErrInvalidPosition
}

// OverlapError names the two edits that collide.
type OverlapError struct {
	First  Range
	Second Range
}

// Error implements the error interface.
func (e *OverlapError) Error() string {
	return fmt.Sprintf("overlapping edits: %s and %s", e.First, e.Second)
}

// Unwrap allows errors.Is(err, ErrOverlappingEdits).
func (e *OverlapError) Unwrap() error {
	return ErrOverlappingEdits
}
