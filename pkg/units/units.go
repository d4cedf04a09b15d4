// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package units provides unit-tagged physical quantities for AleutianMD.
//
// Structures carry positions in angstroms. The simulation engine works in
// nanometers, picoseconds, kJ/mol, atomic mass units and elementary charges.
// Every conversion between the two worlds goes through this package so a raw
// float never crosses a package boundary without a unit attached to it.
//
// # Thread Safety
//
// All types are immutable values and safe for concurrent use.
package units

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// =============================================================================
// Physical Constants
// =============================================================================

const (
	// Avogadro is Avogadro's number in 1/mol.
	Avogadro = 6.02214076e23

	// BoltzmannKJ is the molar Boltzmann constant in kJ/(mol·K).
	BoltzmannKJ = 0.00831446261815324

	// CoulombConstant is 1/(4πε0) in kJ·nm/(mol·e²).
	CoulombConstant = 138.935456

	// KJPerKcal converts kcal/mol to kJ/mol.
	KJPerKcal = 4.184

	// BarNm3ToKJPerMol converts a pressure·volume product in bar·nm³ to kJ/mol.
	BarNm3ToKJPerMol = 0.0602214076

	// AtmToBar converts atmospheres to bar.
	AtmToBar = 1.01325

	// WaterMolarity is the molar concentration of pure water in mol/L.
	WaterMolarity = 55.4
)

// ErrUnknownUnit is returned when a unit suffix cannot be recognized.
var ErrUnknownUnit = errors.New("unknown unit")

// =============================================================================
// Length
// =============================================================================

// LengthUnit identifies a unit of length.
type LengthUnit int

const (
	// Angstrom is the canonical structure unit (1e-10 m).
	Angstrom LengthUnit = iota

	// Nanometer is the engine unit (1e-9 m).
	Nanometer
)

// String returns the unit symbol.
func (u LengthUnit) String() string {
	switch u {
	case Angstrom:
		return "A"
	case Nanometer:
		return "nm"
	default:
		return "unknown"
	}
}

// angstroms returns the size of one u in angstroms.
func (u LengthUnit) angstroms() float64 {
	if u == Nanometer {
		return 10
	}
	return 1
}

// Length is a scalar length with its unit.
type Length struct {
	Value float64
	Unit  LengthUnit
}

// Angstroms builds a length in angstroms.
func Angstroms(v float64) Length { return Length{Value: v, Unit: Angstrom} }

// Nanometers builds a length in nanometers.
func Nanometers(v float64) Length { return Length{Value: v, Unit: Nanometer} }

// In returns the numeric value of l expressed in u.
func (l Length) In(u LengthUnit) float64 {
	return l.Value * l.Unit.angstroms() / u.angstroms()
}

// Angstroms returns l in angstroms.
func (l Length) Angstroms() float64 { return l.In(Angstrom) }

// Nanometers returns l in nanometers.
func (l Length) Nanometers() float64 { return l.In(Nanometer) }

// String formats the length with its unit symbol.
func (l Length) String() string {
	return strconv.FormatFloat(l.Value, 'g', -1, 64) + " " + l.Unit.String()
}

// ParseLength parses strings such as "10", "10A", "10 angstrom" or "1.2nm".
// A bare number is taken to be in angstroms.
func ParseLength(s string) (Length, error) {
	num, suffix := splitQuantity(s)
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return Length{}, fmt.Errorf("parse length %q: %w", s, err)
	}
	switch strings.ToLower(suffix) {
	case "", "a", "å", "ang", "angstrom", "angstroms":
		return Angstroms(v), nil
	case "nm", "nanometer", "nanometers":
		return Nanometers(v), nil
	default:
		return Length{}, fmt.Errorf("%w: %q", ErrUnknownUnit, suffix)
	}
}

// =============================================================================
// Positions
// =============================================================================

// Positions is a coordinate array tagged with its length unit.
//
// The zero value is an empty array in angstroms.
type Positions struct {
	Values []r3.Vec
	Unit   LengthUnit
}

// NewPositions tags values with unit. The slice is not copied.
func NewPositions(values []r3.Vec, unit LengthUnit) Positions {
	return Positions{Values: values, Unit: unit}
}

// Len returns the number of coordinates.
func (p Positions) Len() int { return len(p.Values) }

// In returns a copy of p converted to unit.
func (p Positions) In(unit LengthUnit) Positions {
	f := p.Unit.angstroms() / unit.angstroms()
	out := make([]r3.Vec, len(p.Values))
	for i, v := range p.Values {
		out[i] = r3.Scale(f, v)
	}
	return Positions{Values: out, Unit: unit}
}

// Clone returns a deep copy of p in its own unit.
func (p Positions) Clone() Positions {
	out := make([]r3.Vec, len(p.Values))
	copy(out, p.Values)
	return Positions{Values: out, Unit: p.Unit}
}

// =============================================================================
// Time
// =============================================================================

// TimeUnit identifies a unit of time.
type TimeUnit int

const (
	Femtosecond TimeUnit = iota
	Picosecond
	Nanosecond
)

func (u TimeUnit) picoseconds() float64 {
	switch u {
	case Femtosecond:
		return 1e-3
	case Nanosecond:
		return 1e3
	default:
		return 1
	}
}

// String returns the unit symbol.
func (u TimeUnit) String() string {
	switch u {
	case Femtosecond:
		return "fs"
	case Nanosecond:
		return "ns"
	default:
		return "ps"
	}
}

// Time is a simulated time span with its unit.
type Time struct {
	Value float64
	Unit  TimeUnit
}

// Femtoseconds builds a time in fs.
func Femtoseconds(v float64) Time { return Time{Value: v, Unit: Femtosecond} }

// Picoseconds builds a time in ps.
func Picoseconds(v float64) Time { return Time{Value: v, Unit: Picosecond} }

// Nanoseconds builds a time in ns.
func Nanoseconds(v float64) Time { return Time{Value: v, Unit: Nanosecond} }

// In returns the numeric value of t expressed in u.
func (t Time) In(u TimeUnit) float64 {
	return t.Value * t.Unit.picoseconds() / u.picoseconds()
}

// Picoseconds returns t in ps.
func (t Time) Picoseconds() float64 { return t.In(Picosecond) }

// Steps returns the number of integration steps of size step covering t,
// rounded to the nearest integer.
func (t Time) Steps(step Time) int {
	s := step.Picoseconds()
	if s <= 0 {
		return 0
	}
	return int(t.Picoseconds()/s + 0.5)
}

// =============================================================================
// Thermodynamic Quantities
// =============================================================================

// Kelvin is an absolute temperature.
type Kelvin float64

// KT returns k_B·T in kJ/mol.
func (k Kelvin) KT() float64 { return BoltzmannKJ * float64(k) }

// PressureUnit identifies a unit of pressure.
type PressureUnit int

const (
	Atmosphere PressureUnit = iota
	Bar
)

// Pressure is a pressure with its unit.
type Pressure struct {
	Value float64
	Unit  PressureUnit
}

// Atmospheres builds a pressure in atm.
func Atmospheres(v float64) Pressure { return Pressure{Value: v, Unit: Atmosphere} }

// Bar returns p in bar.
func (p Pressure) Bar() float64 {
	if p.Unit == Atmosphere {
		return p.Value * AtmToBar
	}
	return p.Value
}

// Atm returns p in atm.
func (p Pressure) Atm() float64 {
	if p.Unit == Atmosphere {
		return p.Value
	}
	return p.Value / AtmToBar
}

// ConcentrationUnit identifies a unit of molar concentration.
type ConcentrationUnit int

const (
	Millimolar ConcentrationUnit = iota
	Molar
)

// Concentration is a molar concentration with its unit.
type Concentration struct {
	Value float64
	Unit  ConcentrationUnit
}

// Millimolars builds a concentration in mM.
func Millimolars(v float64) Concentration {
	return Concentration{Value: v, Unit: Millimolar}
}

// Molar returns c in mol/L.
func (c Concentration) Molar() float64 {
	if c.Unit == Millimolar {
		return c.Value / 1000
	}
	return c.Value
}

// Millimolar returns c in mmol/L.
func (c Concentration) Millimolar() float64 { return c.Molar() * 1000 }

// KcalPerMol converts an energy in kJ/mol to kcal/mol.
func KcalPerMol(kj float64) float64 { return kj / KJPerKcal }

// KJPerMol converts an energy in kcal/mol to kJ/mol.
func KJPerMol(kcal float64) float64 { return kcal * KJPerKcal }

// splitQuantity separates the leading number from a trailing unit suffix.
func splitQuantity(s string) (string, string) {
	s = strings.TrimSpace(s)
	i := 0
	for i < len(s) {
		c := s[i]
		if (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '+' || c == 'e' || c == 'E' {
			// an 'e' only belongs to the number when followed by a digit or sign
			if (c == 'e' || c == 'E') && (i+1 >= len(s) || !strings.ContainsRune("0123456789+-", rune(s[i+1]))) {
				break
			}
			i++
			continue
		}
		break
	}
	return s[:i], strings.TrimSpace(s[i:])
}
