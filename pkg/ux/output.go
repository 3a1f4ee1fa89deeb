// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output styling for the refactor CLI.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Aleutian color palette - deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // Bright teal - highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // Primary teal - main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // Deep teal - borders, accents
	ColorSlate       = lipgloss.Color("#2C4A54") // Slate - muted text, borders

	// Semantic colors
	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorAdded   = lipgloss.Color("#58D68D")
	ColorRemoved = lipgloss.Color("#EC7063")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	// Diff lines
	Added   lipgloss.Style
	Removed lipgloss.Style
	Hunk    lipgloss.Style

	Box      lipgloss.Style
	ErrorBox lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),

	Added:   lipgloss.NewStyle().Foreground(ColorAdded),
	Removed: lipgloss.NewStyle().Foreground(ColorRemoved),
	Hunk:    lipgloss.NewStyle().Foreground(ColorTealPrimary),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
	IconAdded   Icon = "+"
	IconRemoved Icon = "-"
	IconChanged Icon = "~"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	if !ShouldShowColors() {
		return string(i)
	}
	switch i {
	case IconSuccess, IconAdded:
		return Styles.Success.Render(string(i))
	case IconWarning, IconChanged:
		return Styles.Warning.Render(string(i))
	case IconError, IconRemoved:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// =============================================================================
// Destinations
// =============================================================================

var (
	stdout   io.Writer = os.Stdout
	stderr   io.Writer = os.Stderr
	outputMu sync.RWMutex
)

// SetOutput redirects normal and diagnostic output. Nil keeps the current
// writer.
func SetOutput(out, errOut io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	if out != nil {
		stdout = out
	}
	if errOut != nil {
		stderr = errOut
	}
}

func outWriter() io.Writer {
	outputMu.RLock()
	defer outputMu.RUnlock()
	return stdout
}

func errWriter() io.Writer {
	outputMu.RLock()
	defer outputMu.RUnlock()
	return stderr
}

// style renders s with st unless colors are off.
func style(st lipgloss.Style, s string) string {
	if !ShouldShowColors() {
		return s
	}
	return st.Render(s)
}

// =============================================================================
// Print helpers that respect personality level
// =============================================================================

// Title prints a styled title
func Title(text string) {
	if GetPersonality().Level == PersonalityMachine {
		return
	}
	fmt.Fprintln(outWriter(), style(Styles.Title, text))
}

// Success prints a success message with checkmark
func Success(text string) {
	switch GetPersonality().Level {
	case PersonalityMachine:
		fmt.Fprintf(outWriter(), "OK: %s\n", text)
	default:
		fmt.Fprintf(outWriter(), "%s %s\n", IconSuccess.Render(), style(Styles.Success, text))
	}
}

// Warning prints a warning message
func Warning(text string) {
	switch GetPersonality().Level {
	case PersonalityMachine:
		fmt.Fprintf(errWriter(), "WARN: %s\n", text)
	default:
		fmt.Fprintf(outWriter(), "%s %s\n", IconWarning.Render(), style(Styles.Warning, text))
	}
}

// Error prints an error message
func Error(text string) {
	switch GetPersonality().Level {
	case PersonalityMachine:
		fmt.Fprintf(errWriter(), "ERROR: %s\n", text)
	default:
		fmt.Fprintf(outWriter(), "%s %s\n", IconError.Render(), style(Styles.Error, text))
	}
}

// Info prints an informational message
func Info(text string) {
	switch GetPersonality().Level {
	case PersonalityMachine:
		fmt.Fprintln(outWriter(), text)
	default:
		fmt.Fprintf(outWriter(), "%s %s\n", style(Styles.Muted, "│"), text)
	}
}

// Muted prints muted/secondary text
func Muted(text string) {
	if GetPersonality().Level == PersonalityMachine {
		return
	}
	fmt.Fprintln(outWriter(), style(Styles.Muted, text))
}

// Box prints text in a rounded box
func Box(title, content string) {
	if GetPersonality().Level != PersonalityStandard {
		fmt.Fprintf(outWriter(), "%s: %s\n", title, content)
		return
	}
	fmt.Fprintln(outWriter(), Styles.Box.Width(72).Render(Styles.Title.Render(title)+"\n"+content))
}

// ErrorBox prints text in an error-styled box
func ErrorBox(title, content string) {
	if GetPersonality().Level != PersonalityStandard {
		fmt.Fprintf(errWriter(), "ERROR %s: %s\n", title, content)
		return
	}
	fmt.Fprintln(outWriter(), Styles.ErrorBox.Width(72).Render(Styles.Error.Bold(true).Render(title)+"\n"+content))
}

// FileStatus prints a file with its status
func FileStatus(path string, status Icon, reason string) {
	switch GetPersonality().Level {
	case PersonalityMachine:
		fmt.Fprintf(outWriter(), "%s\t%s\t%s\n", status, path, reason)
	case PersonalityMinimal:
		fmt.Fprintf(outWriter(), "%s %s\n", status.Render(), path)
	default:
		if reason != "" {
			fmt.Fprintf(outWriter(), "%s %s %s\n", status.Render(), path, style(Styles.Muted, "("+reason+")"))
		} else {
			fmt.Fprintf(outWriter(), "%s %s\n", status.Render(), path)
		}
	}
}

// Summary prints a summary line of file counts
func Summary(changed, created, deleted int) {
	switch GetPersonality().Level {
	case PersonalityMachine:
		fmt.Fprintf(outWriter(), "SUMMARY: changed=%d created=%d deleted=%d\n", changed, created, deleted)
	default:
		fmt.Fprintf(outWriter(), "\n%s %s  %s %s  %s %s\n",
			style(Styles.Warning, fmt.Sprintf("%d", changed)), style(Styles.Muted, "changed"),
			style(Styles.Success, fmt.Sprintf("%d", created)), style(Styles.Muted, "created"),
			style(Styles.Error, fmt.Sprintf("%d", deleted)), style(Styles.Muted, "deleted"),
		)
	}
}

// Diff prints a unified diff, coloring added, removed and hunk lines.
func Diff(text string) {
	if !ShouldShowColors() {
		fmt.Fprint(outWriter(), text)
		return
	}
	fmt.Fprint(outWriter(), ColorDiff(text))
}

// ColorDiff styles each line of a unified diff.
func ColorDiff(text string) string {
	lines := strings.SplitAfter(text, "\n")
	var b strings.Builder
	for _, line := range lines {
		body := strings.TrimSuffix(line, "\n")
		nl := line[len(body):]
		switch {
		case strings.HasPrefix(body, "+++"), strings.HasPrefix(body, "---"):
			b.WriteString(Styles.Bold.Render(body))
		case strings.HasPrefix(body, "@@"):
			b.WriteString(Styles.Hunk.Render(body))
		case strings.HasPrefix(body, "+"):
			b.WriteString(Styles.Added.Render(body))
		case strings.HasPrefix(body, "-"):
			b.WriteString(Styles.Removed.Render(body))
		default:
			b.WriteString(body)
		}
		b.WriteString(nl)
	}
	return b.String()
}
