// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hydration

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianMD/pkg/units"
)

// ErrMissingEstimate is returned when the analysis lacks a phase.
var ErrMissingEstimate = errors.New("analysis is missing a phase estimate")

// PhaseEstimate is the free energy difference between the fully coupled
// and decoupled states of one phase, in kT.
type PhaseEstimate struct {
	DeltaF  float64 `yaml:"free_energy_diff" json:"free_energy_diff"`
	DDeltaF float64 `yaml:"free_energy_diff_error" json:"free_energy_diff_error"`
}

// Estimates holds both phases of a hydration calculation.
type Estimates struct {
	Solvent PhaseEstimate `yaml:"solvent1"`
	Vacuum  PhaseEstimate `yaml:"solvent2"`
}

// ReadEstimates reads the solvent1 and solvent2 estimates from a JSON or
// YAML document keyed by phase name. Other phases are ignored.
func ReadEstimates(path string) (Estimates, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Estimates{}, fmt.Errorf("read analysis: %w", err)
	}
	var raw map[string]*PhaseEstimate
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Estimates{}, fmt.Errorf("parse analysis %s: %w", path, err)
	}
	solv, vac := raw["solvent1"], raw["solvent2"]
	if solv == nil || vac == nil {
		return Estimates{}, fmt.Errorf("%w: %s", ErrMissingEstimate, path)
	}
	return Estimates{Solvent: *solv, Vacuum: *vac}, nil
}

// FreeEnergy is a hydration free energy in kcal/mol.
type FreeEnergy struct {
	DeltaG  float64
	DDeltaG float64
}

// HydrationFreeEnergy converts phase estimates at temperature t into the
// hydration free energy: vacuum minus solvent, scaled by kT. Phase
// uncertainties add in quadrature.
func HydrationFreeEnergy(e Estimates, t units.Kelvin) FreeEnergy {
	kT := units.KcalPerMol(t.KT())
	return FreeEnergy{
		DeltaG:  (e.Vacuum.DeltaF - e.Solvent.DeltaF) * kT,
		DDeltaG: math.Hypot(e.Vacuum.DDeltaF, e.Solvent.DDeltaF) * kT,
	}
}
