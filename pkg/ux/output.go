// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output styling for the aleutian-md CLI.
package ux

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
)

// Aleutian color palette - deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // borders, accents
	ColorSlate       = lipgloss.Color("#2C4A54") // muted text, borders

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Subtitle:  lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconRunning Icon = "→"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// Output destinations. Tests swap these.
var (
	Stdout io.Writer = os.Stdout
	Stderr io.Writer = os.Stderr
)

// Title prints a styled title
func Title(text string) {
	if IsMachine() {
		return
	}
	fmt.Fprintln(Stdout, Styles.Title.Render(text))
}

// Success prints a success message with checkmark
func Success(text string) {
	switch GetPersonality().Level {
	case PersonalityMachine:
		fmt.Fprintf(Stdout, "OK: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(Stdout, "%s %s\n", IconSuccess.Render(), text)
	default:
		fmt.Fprintf(Stdout, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
	}
}

// Warning prints a warning message
func Warning(text string) {
	switch GetPersonality().Level {
	case PersonalityMachine:
		fmt.Fprintf(Stderr, "WARN: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(Stdout, "%s %s\n", IconWarning.Render(), text)
	default:
		fmt.Fprintf(Stdout, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
	}
}

// Error prints an error message
func Error(text string) {
	switch GetPersonality().Level {
	case PersonalityMachine:
		fmt.Fprintf(Stderr, "ERROR: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(Stdout, "%s %s\n", IconError.Render(), text)
	default:
		fmt.Fprintf(Stdout, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
	}
}

// Info prints an informational message
func Info(text string) {
	if IsMachine() {
		fmt.Fprintln(Stdout, text)
		return
	}
	fmt.Fprintf(Stdout, "%s %s\n", Styles.Muted.Render("│"), text)
}

// Box prints text in a rounded box
func Box(title, content string) {
	if IsMachine() {
		fmt.Fprintf(Stdout, "%s: %s\n", title, content)
		return
	}
	fmt.Fprintln(Stdout, Styles.Box.Width(60).Render(Styles.Title.Render(title)+"\n"+content))
}

// WarningBox prints text in a warning-styled box
func WarningBox(title, content string) {
	if IsMachine() {
		fmt.Fprintf(Stderr, "WARN %s: %s\n", title, content)
		return
	}
	fmt.Fprintln(Stdout, Styles.WarningBox.Width(60).Render(Styles.Warning.Bold(true).Render(title)+"\n"+content))
}

// StageStatus prints a pipeline stage with its status and an optional detail
func StageStatus(stage string, status Icon, detail string) {
	switch GetPersonality().Level {
	case PersonalityMachine:
		fmt.Fprintf(Stdout, "%s\t%s\t%s\n", status, stage, detail)
	case PersonalityMinimal:
		fmt.Fprintf(Stdout, "%s %s\n", status.Render(), stage)
	default:
		if detail != "" {
			fmt.Fprintf(Stdout, "%s %s %s\n", status.Render(), stage, Styles.Muted.Render("("+detail+")"))
		} else {
			fmt.Fprintf(Stdout, "%s %s\n", status.Render(), stage)
		}
	}
}

// Summary prints record counts for a batch run
func Summary(succeeded, failed, total int) {
	if IsMachine() {
		fmt.Fprintf(Stdout, "SUMMARY: succeeded=%d failed=%d total=%d\n", succeeded, failed, total)
		return
	}
	fmt.Fprintf(Stdout, "\n%s %s  %s %s  %s %s\n",
		Styles.Success.Render(fmt.Sprintf("%d", succeeded)), Styles.Muted.Render("succeeded"),
		Styles.Error.Render(fmt.Sprintf("%d", failed)), Styles.Muted.Render("failed"),
		Styles.Bold.Render(fmt.Sprintf("%d", total)), Styles.Muted.Render("total"),
	)
}

// ProgressBar renders a simple progress bar
func ProgressBar(current, total int, width int) string {
	if IsMachine() {
		return fmt.Sprintf("%d/%d", current, total)
	}
	pct := 0.0
	if total > 0 {
		pct = float64(current) / float64(total)
	}
	filled := int(pct * float64(width))
	empty := width - filled

	bar := Styles.Success.Render(repeatChar('█', filled)) +
		Styles.Muted.Render(repeatChar('░', empty))

	return fmt.Sprintf("%s %3.0f%%", bar, pct*100)
}

func repeatChar(c rune, n int) string {
	if n <= 0 {
		return ""
	}
	result := make([]rune, n)
	for i := range result {
		result[i] = c
	}
	return string(result)
}
