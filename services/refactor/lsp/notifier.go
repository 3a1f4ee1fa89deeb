// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lsp keeps a running language server's view of the workspace in
// sync with files the applier writes.
//
// Only document synchronization is implemented: didOpen on first write,
// full-text didChange on every later one, didClose on delete. Analysis
// requests belong to the plan producer.
package lsp

import (
	"context"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
)

// Conn sends notifications. *Protocol and *Server implement it.
type Conn interface {
	Notify(method string, params interface{}) error
}

// languageIDs maps file extensions to LSP language identifiers.
var languageIDs = map[string]string{
	".ts":     "typescript",
	".tsx":    "typescriptreact",
	".js":     "javascript",
	".jsx":    "javascriptreact",
	".mjs":    "javascript",
	".cjs":    "javascript",
	".json":   "json",
	".vue":    "vue",
	".svelte": "svelte",
	".css":    "css",
	".scss":   "scss",
	".less":   "less",
	".rs":     "rust",
	".go":     "go",
	".py":     "python",
	".md":     "markdown",
	".html":   "html",
}

// LanguageID returns the LSP language identifier for path, "plaintext"
// when the extension is unknown.
func LanguageID(path string) string {
	if id, ok := languageIDs[strings.ToLower(filepath.Ext(path))]; ok {
		return id
	}
	return "plaintext"
}

// PathToURI converts a path to a file:// URI, making it absolute first.
func PathToURI(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	u := &url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	return u.String()
}

// Notifier tells a language server about file writes.
//
// Thread Safety: Safe for concurrent use.
type Notifier struct {
	conn   Conn
	logger *slog.Logger

	mu       sync.Mutex
	versions map[string]int32
}

// NewNotifier creates a Notifier sending over conn.
func NewNotifier(conn Conn, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		conn:     conn,
		logger:   logger.With("component", "lsp.Notifier"),
		versions: make(map[string]int32),
	}
}

// DidWrite sends didOpen the first time path is seen and a full-text
// didChange afterwards.
func (n *Notifier) DidWrite(ctx context.Context, path string, content []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	uri := PathToURI(path)

	n.mu.Lock()
	version, open := n.versions[uri]
	version++
	n.versions[uri] = version
	n.mu.Unlock()

	var err error
	if !open {
		err = n.conn.Notify("textDocument/didOpen", DidOpenTextDocumentParams{
			TextDocument: TextDocumentItem{
				URI:        uri,
				LanguageID: LanguageID(path),
				Version:    version,
				Text:       string(content),
			},
		})
	} else {
		err = n.conn.Notify("textDocument/didChange", DidChangeTextDocumentParams{
			TextDocument:   VersionedTextDocumentIdentifier{URI: uri, Version: version},
			ContentChanges: []TextDocumentContentChangeEvent{{Text: string(content)}},
		})
	}
	if err != nil {
		n.logger.Debug("lsp notification failed", "path", path, "error", err)
	}
	return err
}

// DidDelete sends didClose if path was opened. Unknown paths are ignored.
func (n *Notifier) DidDelete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	uri := PathToURI(path)

	n.mu.Lock()
	_, open := n.versions[uri]
	delete(n.versions, uri)
	n.mu.Unlock()

	if !open {
		return nil
	}
	return n.conn.Notify("textDocument/didClose", DidCloseTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	})
}
