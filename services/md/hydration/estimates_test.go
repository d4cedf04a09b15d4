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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMD/pkg/units"
)

func writeAnalysis(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, EstimatesFile)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestReadEstimates(t *testing.T) {
	path := writeAnalysis(t, t.TempDir(), `
solvent1:
  free_energy_diff: -12.5
  free_energy_diff_error: 0.3
solvent2:
  free_energy_diff: -4.5
  free_energy_diff_error: 0.4
`)
	est, err := ReadEstimates(path)
	require.NoError(t, err)
	assert.Equal(t, Estimates{
		Solvent: PhaseEstimate{DeltaF: -12.5, DDeltaF: 0.3},
		Vacuum:  PhaseEstimate{DeltaF: -4.5, DDeltaF: 0.4},
	}, est)

	kT := units.KcalPerMol(units.Kelvin(300).KT())
	fe := HydrationFreeEnergy(est, 300)
	assert.InDelta(t, 8.0*kT, fe.DeltaG, 1e-12)
	assert.InDelta(t, 0.5*kT, fe.DDeltaG, 1e-12)
	assert.InDelta(t, 0.596, kT, 1e-3)
}

func TestReadEstimates_ConvertedPickle(t *testing.T) {
	est, err := ReadEstimates(filepath.Join("testdata", EstimatesFile))
	require.NoError(t, err)
	assert.InDelta(t, -5.7183, est.Solvent.DeltaF, 1e-4)
	assert.InDelta(t, 0.0292, est.Vacuum.DDeltaF, 1e-4)

	fe := HydrationFreeEnergy(est, 300)
	kT := units.KcalPerMol(units.Kelvin(300).KT())
	assert.InDelta(t, (2.1186904475092213+5.718293514261925)*kT, fe.DeltaG, 1e-9)
}

func TestReadEstimates_Errors(t *testing.T) {
	dir := t.TempDir()
	_, err := ReadEstimates(writeAnalysis(t, dir, "solvent1:\n  free_energy_diff: 1\n"))
	assert.ErrorIs(t, err, ErrMissingEstimate)

	_, err = ReadEstimates(writeAnalysis(t, dir, "solvent1: [unbalanced"))
	assert.Error(t, err)

	_, err = ReadEstimates(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
