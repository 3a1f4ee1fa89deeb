// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"errors"
	"fmt"
)

// Sentinel errors for LSP operations.
var (
	// ErrServerNotRunning indicates the connection is closed or was never
	// started.
	ErrServerNotRunning = errors.New("lsp server not running")

	// ErrServerNotInstalled indicates the server binary was not found.
	ErrServerNotInstalled = errors.New("lsp server not installed")

	// ErrServerAlreadyStarted indicates Start was called twice.
	ErrServerAlreadyStarted = errors.New("server already started")

	// ErrInitializeFailed indicates the initialize handshake failed.
	ErrInitializeFailed = errors.New("lsp initialize failed")

	// ErrRequestTimeout indicates a request's context ended first.
	ErrRequestTimeout = errors.New("lsp request timeout")

	// ErrServerCrashed indicates the server closed its output.
	ErrServerCrashed = errors.New("lsp server crashed")
)

// LSPError is an error response from the language server.
type LSPError struct {
	Code    int
	Message string
	Data    interface{}
}

// Error implements the error interface.
func (e *LSPError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("LSP error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("LSP error %d: %s", e.Code, e.Message)
}

// IsMethodNotFound reports whether the server does not support the method.
func (e *LSPError) IsMethodNotFound() bool {
	return e.Code == -32601
}
