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
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// PersonalityLevel selects how much decoration CLI output carries.
type PersonalityLevel string

const (
	PersonalityFull     PersonalityLevel = "full"     // colour, icons, boxes
	PersonalityStandard PersonalityLevel = "standard" // colour and icons
	PersonalityMinimal  PersonalityLevel = "minimal"  // icons, no styling
	PersonalityMachine  PersonalityLevel = "machine"  // plain tab separated text
)

// Environment variables read by InitPersonality.
const (
	OutputEnv  = "ALEUTIAN_MD_OUTPUT"
	NoColorEnv = "NO_COLOR"
)

// Personality is the process-wide output setting.
type Personality struct {
	Level PersonalityLevel

	// Color is false when the user opted out of ANSI colour.
	Color bool
}

var (
	personalityMu      sync.RWMutex
	currentPersonality = DefaultPersonality()
)

// DefaultPersonality is full output with colour.
func DefaultPersonality() Personality {
	return Personality{Level: PersonalityFull, Color: true}
}

func GetPersonality() Personality {
	personalityMu.RLock()
	defer personalityMu.RUnlock()
	return currentPersonality
}

func SetPersonality(p Personality) {
	personalityMu.Lock()
	defer personalityMu.Unlock()
	currentPersonality = p
}

// SetPersonalityLevel changes the level and keeps the colour setting.
func SetPersonalityLevel(level PersonalityLevel) {
	personalityMu.Lock()
	defer personalityMu.Unlock()
	currentPersonality.Level = level
}

// ParsePersonalityLevel accepts full names and short aliases. Unknown
// input maps to standard.
func ParsePersonalityLevel(s string) PersonalityLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "full", "f":
		return PersonalityFull
	case "minimal", "min", "m":
		return PersonalityMinimal
	case "machine", "quiet", "q":
		return PersonalityMachine
	default:
		return PersonalityStandard
	}
}

// InitPersonality sets the level from ALEUTIAN_MD_OUTPUT, falling back to
// machine output when stdout is not a terminal so that piped progress
// rows stay parseable. NO_COLOR disables colour at any level.
func InitPersonality() {
	p := DefaultPersonality()
	if _, ok := os.LookupEnv(NoColorEnv); ok {
		p.Color = false
	}
	switch v := os.Getenv(OutputEnv); {
	case v != "":
		p.Level = ParsePersonalityLevel(v)
	case !IsTerminal(os.Stdout):
		p.Level = PersonalityMachine
	}
	SetPersonality(p)
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// IsMachine reports whether output must stay plain and parseable.
func IsMachine() bool {
	return GetPersonality().Level == PersonalityMachine
}

// ShouldShowProgress reports whether live progress rows are wanted.
func ShouldShowProgress() bool {
	return !IsMachine()
}

// ShouldShowColors reports whether ANSI styling is allowed.
func ShouldShowColors() bool {
	p := GetPersonality()
	return p.Color && p.Level != PersonalityMachine
}
