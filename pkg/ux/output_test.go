// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"strings"
	"testing"
)

// capture redirects Stdout and Stderr for the duration of f.
func capture(t *testing.T, level PersonalityLevel, f func()) (string, string) {
	t.Helper()
	orig := GetPersonality()
	oldOut, oldErr := Stdout, Stderr
	var out, errOut bytes.Buffer
	Stdout, Stderr = &out, &errOut
	SetPersonalityLevel(level)
	defer func() {
		Stdout, Stderr = oldOut, oldErr
		SetPersonality(orig)
	}()
	f()
	return out.String(), errOut.String()
}

// =============================================================================
// Icon.Render Tests
// =============================================================================

func TestIcon_Render(t *testing.T) {
	for _, icon := range []Icon{IconSuccess, IconWarning, IconError, IconPending, IconRunning} {
		if !strings.Contains(icon.Render(), string(icon)) {
			t.Errorf("expected rendered %q to contain the icon", icon)
		}
	}
}

// =============================================================================
// Message Tests
// =============================================================================

func TestTitle(t *testing.T) {
	out, _ := capture(t, PersonalityMachine, func() { Title("Solvation") })
	if out != "" {
		t.Errorf("expected no title in machine mode, got %q", out)
	}
	out, _ = capture(t, PersonalityFull, func() { Title("Solvation") })
	if !strings.Contains(out, "Solvation") {
		t.Errorf("expected title text, got %q", out)
	}
}

func TestSuccess(t *testing.T) {
	out, _ := capture(t, PersonalityMachine, func() { Success("minimized") })
	if out != "OK: minimized\n" {
		t.Errorf("unexpected machine output %q", out)
	}
	out, _ = capture(t, PersonalityMinimal, func() { Success("minimized") })
	if !strings.Contains(out, "minimized") || !strings.Contains(out, string(IconSuccess)) {
		t.Errorf("unexpected minimal output %q", out)
	}
}

func TestWarning_MachineGoesToStderr(t *testing.T) {
	out, errOut := capture(t, PersonalityMachine, func() { Warning("no SEQRES") })
	if out != "" {
		t.Errorf("expected empty stdout, got %q", out)
	}
	if errOut != "WARN: no SEQRES\n" {
		t.Errorf("unexpected stderr %q", errOut)
	}
}

func TestError_MachineGoesToStderr(t *testing.T) {
	_, errOut := capture(t, PersonalityMachine, func() { Error("platform unavailable") })
	if errOut != "ERROR: platform unavailable\n" {
		t.Errorf("unexpected stderr %q", errOut)
	}
	out, _ := capture(t, PersonalityFull, func() { Error("platform unavailable") })
	if !strings.Contains(out, "platform unavailable") {
		t.Errorf("unexpected stdout %q", out)
	}
}

func TestInfo(t *testing.T) {
	out, _ := capture(t, PersonalityMachine, func() { Info("12 waters") })
	if out != "12 waters\n" {
		t.Errorf("unexpected machine output %q", out)
	}
	out, _ = capture(t, PersonalityStandard, func() { Info("12 waters") })
	if !strings.Contains(out, "│") {
		t.Errorf("expected gutter in standard output, got %q", out)
	}
}

func TestBox(t *testing.T) {
	out, _ := capture(t, PersonalityMachine, func() { Box("Run", "abc") })
	if out != "Run: abc\n" {
		t.Errorf("unexpected machine output %q", out)
	}
	out, _ = capture(t, PersonalityFull, func() { Box("Run", "abc") })
	if !strings.Contains(out, "Run") || !strings.Contains(out, "abc") {
		t.Errorf("unexpected box %q", out)
	}
	_, errOut := capture(t, PersonalityMachine, func() { WarningBox("Salt", "10 mM") })
	if errOut != "WARN Salt: 10 mM\n" {
		t.Errorf("unexpected warning box %q", errOut)
	}
}

func TestStageStatus(t *testing.T) {
	out, _ := capture(t, PersonalityMachine, func() { StageStatus("equil1", IconSuccess, "2.1 ns/day") })
	if out != "✓\tequil1\t2.1 ns/day\n" {
		t.Errorf("unexpected machine output %q", out)
	}
	out, _ = capture(t, PersonalityMinimal, func() { StageStatus("equil1", IconError, "ignored") })
	if strings.Contains(out, "ignored") {
		t.Errorf("minimal output should omit detail, got %q", out)
	}
	out, _ = capture(t, PersonalityFull, func() { StageStatus("min", IconPending, "") })
	if strings.Contains(out, "(") {
		t.Errorf("expected no detail parentheses, got %q", out)
	}
}

func TestSummary(t *testing.T) {
	out, _ := capture(t, PersonalityMachine, func() { Summary(3, 1, 4) })
	if out != "SUMMARY: succeeded=3 failed=1 total=4\n" {
		t.Errorf("unexpected summary %q", out)
	}
}

// =============================================================================
// ProgressBar Tests
// =============================================================================

func TestProgressBar(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityMachine)
	if got := ProgressBar(5, 10, 20); got != "5/10" {
		t.Errorf("expected 5/10, got %q", got)
	}

	SetPersonalityLevel(PersonalityFull)
	if got := ProgressBar(5, 10, 20); !strings.Contains(got, "50%") {
		t.Errorf("expected 50%%, got %q", got)
	}
	if got := ProgressBar(0, 0, 10); !strings.Contains(got, "0%") {
		t.Errorf("expected 0%% for empty total, got %q", got)
	}
}

func TestRepeatChar(t *testing.T) {
	if got := repeatChar('█', 3); got != "███" {
		t.Errorf("expected three blocks, got %q", got)
	}
	if repeatChar('x', 0) != "" || repeatChar('x', -1) != "" {
		t.Error("expected empty string for non-positive counts")
	}
}
