// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianMD/cmd/aleutian-md/config"
	"github.com/AleutianAI/AleutianMD/pkg/ux"
	"github.com/AleutianAI/AleutianMD/services/md/pipeline"
)

var (
	solvPH      float64
	solvPadding float64
	solvSalt    float64
)

// systemRequest builds a request from the configuration and the shared
// system flags of build and pipeline.
func systemRequest(cmd *cobra.Command) (pipeline.Request, error) {
	f := cmd.Flags()
	if f.Changed("fixer") {
		switch fixerName {
		case config.FixerBuiltin, config.FixerPDBFixer:
			env.cfg.Solvation.Fixer = fixerName
		default:
			return pipeline.Request{}, fmt.Errorf("%w: unknown fixer %q", config.ErrInvalidConfig, fixerName)
		}
	}

	req := env.cfg.Request()
	req.ProteinPDB = proteinPDB
	req.LigandPDB = ligandPDB
	req.LigandFF = ligandFF
	req.WorkDir = workDir
	req.Prefix = prefix
	if f.Changed("ph") {
		req.PH = solvPH
	}
	if f.Changed("padding") {
		req.PaddingAngstrom = solvPadding
	}
	if f.Changed("salt") {
		req.SaltMillimolar = solvSalt
	}
	return req, nil
}

func runBuild(cmd *cobra.Command, _ []string) error {
	req, err := systemRequest(cmd)
	if err != nil {
		return err
	}
	p, err := env.newPipeline(nil, nil)
	if err != nil {
		return err
	}

	ux.Title("Building system")
	ux.StageStatus(filepath.Base(req.ProteinPDB), ux.IconRunning, "protein")
	if req.LigandPDB != "" {
		ux.StageStatus(filepath.Base(req.LigandPDB), ux.IconRunning, "ligand "+req.LigandTag)
	}
	out, err := p.Build(cmd.Context(), req)
	if err != nil {
		ux.StageStatus(pipeline.NodeSolvate, ux.IconError, "")
		return err
	}
	ux.StageStatus(pipeline.NodeSolvate, ux.IconSuccess, fmt.Sprintf("%d atoms", out.Structure.NumAtoms()))
	ux.Success("Solvated system written to " + out.Output)
	return nil
}
