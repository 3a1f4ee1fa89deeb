// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plan

import (
	"context"
	"errors"
	"io/fs"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianRefactor/services/refactor/checksum"
	"github.com/AleutianAI/AleutianRefactor/services/refactor/textedit"
)

// Code is a machine-readable failure class.
type Code string

// Error codes reported by the applier.
const (
	// CodeStalePlan: a file changed after the plan was computed. Retry
	// after recomputing the plan.
	CodeStalePlan Code = "STALE_PLAN"

	// CodeInvalidPosition: an edit range is outside its document, reversed,
	// or overlaps another edit.
	CodeInvalidPosition Code = "INVALID_POSITION"

	// CodeFileNotFound: an edited or moved file does not exist.
	CodeFileNotFound Code = "FILE_NOT_FOUND"

	// CodeWriteFailed: a write, rename or delete failed.
	CodeWriteFailed Code = "WRITE_FAILED"

	// CodeReadFailed: a workspace file could not be read while the plan
	// was checked. Nothing was written.
	CodeReadFailed Code = "READ_FAILED"

	// CodeCancelled: the apply was cancelled before its first write.
	CodeCancelled Code = "CANCELLED"

	// CodeInvalidPlan: the plan is malformed or its kind is unknown.
	CodeInvalidPlan Code = "INVALID_PLAN"

	// CodeValidationFailed: the post-apply validation command failed.
	CodeValidationFailed Code = "VALIDATION_FAILED"
)

// Retryable reports whether a failure with this code can succeed when
// retried with a recomputed plan.
func (c Code) Retryable() bool {
	return c == CodeStalePlan
}

// Error is the coded error carried by every apply failure.
type Error struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// NewError creates an Error with Retryable derived from code.
func NewError(code Code, message string, err error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: code.Retryable(),
		Err:       err,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail adds a detail entry and returns e.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// ErrorFrom classifies an error raised while writing into an *Error.
//
// # Description
//
// Errors that already are an *Error are returned unchanged. Otherwise the
// code is chosen from the chain: stale checksums, position errors,
// validator failures, cancellation and missing files map to their codes;
// anything else is a write failure. Returns nil for a nil error.
func ErrorFrom(err error) *Error {
	return classify(err, CodeWriteFailed)
}

// ReadErrorFrom is ErrorFrom for errors raised before anything was
// written: unclassified failures are read failures, not write failures.
func ReadErrorFrom(err error) *Error {
	return classify(err, CodeReadFailed)
}

func classify(err error, fallback Code) *Error {
	if err == nil {
		return nil
	}

	var coded *Error
	if errors.As(err, &coded) {
		return coded
	}

	var stale *checksum.StaleError
	if errors.As(err, &stale) {
		return NewError(CodeStalePlan, err.Error(), err).WithDetail("files", stale.Files)
	}

	var pos *textedit.PositionError
	if errors.As(err, &pos) {
		return NewError(CodeInvalidPosition, err.Error(), err).
			WithDetail("line", pos.Position.Line).
			WithDetail("character", pos.Position.Character).
			WithDetail("line_count", pos.LineCount)
	}
	if errors.Is(err, textedit.ErrInvalidPosition) || errors.Is(err, textedit.ErrOverlappingEdits) {
		return NewError(CodeInvalidPosition, err.Error(), err)
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return NewError(CodeInvalidPlan, err.Error(), err)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewError(CodeCancelled, err.Error(), err)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return NewError(CodeFileNotFound, err.Error(), err)
	}
	return NewError(fallback, err.Error(), err)
}
