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
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/AleutianAI/AleutianRefactor/services/refactor/textedit"
)

// Node types read from the JavaScript and TypeScript grammars.
const (
	nodeImportStatement     = "import_statement"
	nodeExportStatement     = "export_statement"
	nodeImportRequireClause = "import_require_clause"
	nodeCallExpression      = "call_expression"
	nodeImport              = "import"
	nodeIdentifier          = "identifier"
	nodeArguments           = "arguments"
	nodeString              = "string"
)

// grammarFor returns the tree-sitter grammar for a file, or nil when the
// file type has none and the pattern matcher is used instead.
func grammarFor(path string) *sitter.Language {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts", ".mts", ".cts":
		return typescript.GetLanguage()
	case ".tsx":
		return tsx.GetLanguage()
	case ".js", ".jsx", ".mjs", ".cjs":
		return javascript.GetLanguage()
	}
	return nil
}

// findReferences returns every relative import literal in content, in
// document order.
//
// JavaScript and TypeScript files are parsed, so specifiers are taken only
// from import and export declarations, require() calls and dynamic
// import(). Text in comments and other string literals is never a
// reference. Other file types go through findPatternReferences.
func findReferences(ctx context.Context, path, content string) ([]reference, error) {
	lang := grammarFor(path)
	if lang == nil {
		return findPatternReferences(content), nil
	}

	parser := sitter.NewParser()
	parser.SetLanguage(lang)
	tree, err := parser.ParseCtx(ctx, nil, []byte(content))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return nil, nil
	}

	var literals []*sitter.Node
	stack := []*sitter.Node{root}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch node.Type() {
		case nodeImportStatement, nodeExportStatement:
			if source := node.ChildByFieldName("source"); source != nil && source.Type() == nodeString {
				literals = append(literals, source)
			}
		case nodeImportRequireClause:
			if s := firstChildOfType(node, nodeString); s != nil {
				literals = append(literals, s)
			}
		case nodeCallExpression:
			if s := importCallArgument(node, content); s != nil {
				literals = append(literals, s)
			}
		}

		for i := int(node.NamedChildCount()) - 1; i >= 0; i-- {
			stack = append(stack, node.NamedChild(i))
		}
	}

	index := newLineIndex(content)
	refs := make([]reference, 0, len(literals))
	seen := make(map[int]struct{}, len(literals))
	for _, lit := range literals {
		start, end := int(lit.StartByte())+1, int(lit.EndByte())-1
		if end <= start {
			continue
		}
		if _, dup := seen[start]; dup {
			continue
		}
		seen[start] = struct{}{}
		specifier := content[start:end]
		if strings.ContainsAny(specifier, "\\\n") || !isRelative(specifier) {
			continue
		}
		refs = append(refs, reference{
			Specifier: specifier,
			Range:     textedit.Range{Start: index.position(start), End: index.position(end)},
		})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Range.Start.Before(refs[j].Range.Start) })
	return refs, nil
}

// importCallArgument returns the string argument of require('…') or
// import('…'), or nil for any other call.
func importCallArgument(call *sitter.Node, content string) *sitter.Node {
	fn := call.ChildByFieldName("function")
	if fn == nil {
		return nil
	}
	switch fn.Type() {
	case nodeImport:
	case nodeIdentifier:
		if content[fn.StartByte():fn.EndByte()] != "require" {
			return nil
		}
	default:
		return nil
	}

	args := call.ChildByFieldName("arguments")
	if args == nil || args.Type() != nodeArguments || args.NamedChildCount() == 0 {
		return nil
	}
	if first := args.NamedChild(0); first.Type() == nodeString {
		return first
	}
	return nil
}

func firstChildOfType(node *sitter.Node, typ string) *sitter.Node {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		if child := node.NamedChild(i); child.Type() == typ {
			return child
		}
	}
	return nil
}

// lineIndex converts byte offsets into line and code point positions.
type lineIndex struct {
	content string
	starts  []int
}

func newLineIndex(content string) lineIndex {
	starts := []int{0}
	for i := 0; i < len(content); i++ {
		if content[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return lineIndex{content: content, starts: starts}
}

func (l lineIndex) position(offset int) textedit.Position {
	line := sort.Search(len(l.starts), func(i int) bool { return l.starts[i] > offset }) - 1
	return textedit.Position{
		Line:      line,
		Character: utf8.RuneCountInString(l.content[l.starts[line]:offset]),
	}
}
