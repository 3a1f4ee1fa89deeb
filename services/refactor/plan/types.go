// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package plan defines the workspace edit plan exchanged between plan
// producers and the applier, together with its validation and the coded
// errors every apply failure is reported with.
package plan

import (
	"slices"
	"sort"
	"time"

	"github.com/AleutianAI/AleutianRefactor/services/refactor/textedit"
)

// =============================================================================
// Plan Kind
// =============================================================================

// Kind identifies what produced a plan. The set is closed.
type Kind string

const (
	KindRename    Kind = "rename"
	KindExtract   Kind = "extract"
	KindInline    Kind = "inline"
	KindMove      Kind = "move"
	KindReorder   Kind = "reorder"
	KindTransform Kind = "transform"
	KindDelete    Kind = "delete"
)

// Kinds lists every valid Kind.
var Kinds = []Kind{
	KindRename, KindExtract, KindInline, KindMove, KindReorder, KindTransform, KindDelete,
}

// Valid reports whether k is a known plan kind.
func (k Kind) Valid() bool {
	return slices.Contains(Kinds, k)
}

// =============================================================================
// File Operations
// =============================================================================

// OpKind is the kind of a file operation.
type OpKind string

const (
	// OpCreate creates Path with Content.
	OpCreate OpKind = "create"

	// OpMove renames OldPath to NewPath. Either may be a directory.
	OpMove OpKind = "move"

	// OpDelete removes Path, recursively for directories.
	OpDelete OpKind = "delete"
)

// FileOperation is a structural change executed before text edits.
type FileOperation struct {
	Kind OpKind `json:"kind" validate:"required,oneof=create move delete"`

	// Path is the target of create and delete.
	Path string `json:"path,omitempty" validate:"required_unless=Kind move"`

	// OldPath and NewPath are the endpoints of a move.
	OldPath string `json:"old_path,omitempty" validate:"required_if=Kind move"`
	NewPath string `json:"new_path,omitempty" validate:"required_if=Kind move"`

	// Content is the initial content of a created file.
	Content string `json:"content,omitempty"`

	// Overwrite allows create to replace an existing file.
	Overwrite bool `json:"overwrite,omitempty"`
}

// Deletion is an entry of a delete plan.
type Deletion struct {
	Path string `json:"path" validate:"required"`

	// Kind is "file" or "directory". Empty means whatever is on disk.
	Kind string `json:"kind,omitempty" validate:"omitempty,oneof=file directory"`
}

// =============================================================================
// Plan
// =============================================================================

// Summary holds the producer's counts for display.
type Summary struct {
	AffectedFiles int `json:"affected_files" validate:"gte=0"`
	CreatedFiles  int `json:"created_files" validate:"gte=0"`
	DeletedFiles  int `json:"deleted_files" validate:"gte=0"`
}

// Warning is a producer-side note carried through to the apply result.
type Warning struct {
	Code       string   `json:"code,omitempty"`
	Message    string   `json:"message"`
	Candidates []string `json:"candidates,omitempty"`
}

// Metadata describes how and when the plan was produced.
type Metadata struct {
	PlanVersion     string    `json:"plan_version,omitempty"`
	Kind            string    `json:"kind,omitempty"`
	Language        string    `json:"language,omitempty"`
	EstimatedImpact string    `json:"estimated_impact,omitempty" validate:"omitempty,oneof=low medium high"`
	CreatedAt       time.Time `json:"created_at,omitempty"`
}

// Plan is a proposed set of workspace changes.
//
// # Description
//
// Changes maps file paths to unordered edits for that file. File
// operations run first, in order; text edits addressed to a moved file use
// its new path. Deletions are only meaningful for KindDelete plans.
// FileChecksums records the content each edited file had when the plan
// was computed.
//
// Relative paths resolve against the applier's workspace root.
type Plan struct {
	Kind           Kind                           `json:"plan_type" validate:"required,plankind"`
	Version        string                         `json:"version" validate:"required,planversion"`
	Changes        map[string][]textedit.TextEdit `json:"changes" validate:"dive,keys,required,endkeys,dive"`
	FileOperations []FileOperation                `json:"file_operations,omitempty" validate:"dive"`
	Deletions      []Deletion                     `json:"deletions,omitempty" validate:"dive"`
	FileChecksums  map[string]string              `json:"file_checksums,omitempty" validate:"dive,keys,required,endkeys,required"`
	Summary        Summary                        `json:"summary"`
	Warnings       []Warning                      `json:"warnings,omitempty"`
	Metadata       Metadata                       `json:"metadata"`
}

// ChangedFiles returns the paths in Changes, sorted.
func (p *Plan) ChangedFiles() []string {
	files := make([]string, 0, len(p.Changes))
	for path := range p.Changes {
		files = append(files, path)
	}
	sort.Strings(files)
	return files
}
