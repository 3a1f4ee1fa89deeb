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
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultResolutionExtensions is the order in which an extensionless
// specifier is tried against the filesystem.
var DefaultResolutionExtensions = []string{
	".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs", ".d.ts", ".json",
	".vue", ".svelte", ".css", ".scss", ".less", ".rs",
}

// Move is one rename of a file or directory. Relative paths resolve
// against the repairer's root.
type Move struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// view answers existence queries as the filesystem looked before a
// sequence of moves.
//
// Moves run in order, so a later move may carry what an earlier one put
// in place. After the moves (moved is true) a pre-move path is answered
// from wherever its content ended up, and a path that is only occupied
// because of a move does not exist. Before the moves the real filesystem
// already is the pre-move view.
type view struct {
	moves []Move
	moved bool
}

// within reports whether p is root or lies below it.
func within(p, root string) bool {
	return p == root || strings.HasPrefix(p, root+string(filepath.Separator))
}

// rebase moves p from under oldRoot to under newRoot.
func rebase(p, oldRoot, newRoot string) string {
	return newRoot + strings.TrimPrefix(p, oldRoot)
}

// forwardFrom maps p, as it is before move i, through moves i and later.
func (v view) forwardFrom(i int, p string) string {
	for _, m := range v.moves[i:] {
		if within(p, m.From) {
			p = rebase(p, m.From, m.To)
		}
	}
	return p
}

// backwardTo maps p, as it is after move i-1, back to before the first move.
func (v view) backwardTo(i int, p string) string {
	for j := i - 1; j >= 0; j-- {
		if m := v.moves[j]; within(p, m.To) {
			p = rebase(p, m.To, m.From)
		}
	}
	return p
}

// oldToNew maps a pre-move path to where it is after every move.
func (v view) oldToNew(p string) string {
	return v.forwardFrom(0, p)
}

// newToOld maps a post-move path to where its content was before.
func (v view) newToOld(p string) string {
	return v.backwardTo(len(v.moves), p)
}

// real returns where p's pre-move content lives now, or "" if p was not
// there before the moves.
func (v view) real(p string) string {
	if !v.moved {
		return p
	}
	current := v.oldToNew(p)
	if v.newToOld(current) != p {
		return ""
	}
	return current
}

func (v view) isFile(p string) bool {
	r := v.real(p)
	if r == "" {
		return false
	}
	info, err := os.Stat(r)
	return err == nil && info.Mode().IsRegular()
}

// list returns the sorted entry names in dir as seen before the moves.
func (v view) list(dir string) []string {
	names := make(map[string]struct{})
	if r := v.real(dir); r != "" {
		entries, _ := os.ReadDir(r)
		for _, e := range entries {
			if v.moved && v.newToOld(filepath.Join(r, e.Name())) != filepath.Join(dir, e.Name()) {
				continue
			}
			names[e.Name()] = struct{}{}
		}
	}
	if v.moved {
		// Entries that were moved out of dir.
		for i, m := range v.moves {
			pre := v.backwardTo(i, m.From)
			if filepath.Dir(pre) == dir && v.real(pre) != "" {
				names[filepath.Base(pre)] = struct{}{}
			}
		}
	}

	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)
	return sorted
}

// resolution describes how a specifier reached its target.
type resolution int

const (
	// resolvedExact: the specifier names the file, extension included.
	resolvedExact resolution = iota
	// resolvedExtension: an extension was appended to the specifier.
	resolvedExtension
	// resolvedIndex: the specifier names a directory holding an index file.
	resolvedIndex
)

// target is a resolved import.
type target struct {
	path string
	how  resolution

	// ext is the extension appended to the specifier, or to "index" for
	// directory targets.
	ext string
}

// resolve finds the file specifier refers to from an importer in dir.
//
// Order: exact path; path + each extension; path/index + each extension;
// the lexicographically first "path.*" sibling. The first hit wins.
func resolve(v view, dir, specifier string, extensions []string) (target, bool) {
	base := filepath.Join(dir, filepath.FromSlash(specifier))

	if v.isFile(base) {
		return target{path: base, how: resolvedExact}, true
	}
	for _, ext := range extensions {
		if v.isFile(base + ext) {
			return target{path: base + ext, how: resolvedExtension, ext: ext}, true
		}
	}
	for _, ext := range extensions {
		index := filepath.Join(base, "index"+ext)
		if v.isFile(index) {
			return target{path: index, how: resolvedIndex, ext: ext}, true
		}
	}

	prefix := filepath.Base(base) + "."
	for _, name := range v.list(filepath.Dir(base)) {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		candidate := filepath.Join(filepath.Dir(base), name)
		if v.isFile(candidate) {
			return target{path: candidate, how: resolvedExtension, ext: name[len(prefix)-1:]}, true
		}
	}
	return target{}, false
}

// respecify builds the specifier for newTarget from an importer in dir,
// keeping the shape of the original: an omitted extension stays omitted,
// and an omitted index stays omitted while the target is still an index
// file.
func respecify(t target, oldSpec, newTarget, dir string) string {
	switch t.how {
	case resolvedIndex:
		if strings.HasPrefix(filepath.Base(newTarget), "index.") {
			return relativeSpec(dir, filepath.Dir(newTarget), strings.HasSuffix(oldSpec, "/"))
		}
		return relativeSpec(dir, stripExtension(newTarget, t.ext), false)
	case resolvedExtension:
		return relativeSpec(dir, stripExtension(newTarget, t.ext), false)
	default:
		return relativeSpec(dir, newTarget, false)
	}
}

// stripExtension removes ext, the suffix that was appended to reach the
// old target. If the move changed the extension, the new one is removed
// instead.
func stripExtension(newTarget, ext string) string {
	name := filepath.Base(newTarget)
	if strings.HasSuffix(name, ext) && len(name) > len(ext) {
		return strings.TrimSuffix(newTarget, ext)
	}
	return strings.TrimSuffix(newTarget, filepath.Ext(newTarget))
}

// relativeSpec formats target relative to dir with forward slashes and a
// "./" prefix unless the path climbs with "../".
func relativeSpec(dir, target string, trailingSlash bool) string {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		rel = target
	}
	rel = filepath.ToSlash(rel)
	if rel != "." && rel != ".." && !strings.HasPrefix(rel, "../") {
		rel = "./" + rel
	}
	if trailingSlash && !strings.HasSuffix(rel, "/") {
		rel += "/"
	}
	return rel
}
