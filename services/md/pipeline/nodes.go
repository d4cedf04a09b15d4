// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianMD/services/md/builder"
	"github.com/AleutianAI/AleutianMD/services/md/dag"
	"github.com/AleutianAI/AleutianMD/services/md/pdb"
	"github.com/AleutianAI/AleutianMD/services/md/simulation"
	"github.com/AleutianAI/AleutianMD/services/md/structure"
)

// graph wires req into a DAG. Nodes capture req; the run input is unused.
func (p *Pipeline) graph(req Request, logger *slog.Logger) (*dag.DAG, error) {
	b := dag.NewBuilder(Workflow)

	b.AddNode(dag.NewFuncNode(NodeProtein, nil, func(ctx context.Context, _ map[string]any) (any, error) {
		return p.builder.BuildProtein(ctx, req.ProteinPDB, req.builderOptions())
	}))

	mergeDeps := []string{NodeProtein}
	if req.LigandPDB != "" {
		mergeDeps = append(mergeDeps, NodeLigand)
		b.AddNode(dag.NewFuncNode(NodeLigand, nil, func(ctx context.Context, _ map[string]any) (any, error) {
			return p.builder.BuildLigand(ctx, req.LigandPDB, builder.LigandOptions{
				ForceFields: req.LigandFF,
				Tag:         req.LigandTag,
			})
		}))
	}

	b.AddNode(dag.NewFuncNode(NodeMerge, mergeDeps, func(_ context.Context, in map[string]any) (any, error) {
		protein, err := dag.Input[*structure.Structure](in, NodeProtein)
		if err != nil {
			return nil, err
		}
		if req.LigandPDB == "" {
			return protein, nil
		}
		ligand, err := dag.Input[*structure.Structure](in, NodeLigand)
		if err != nil {
			return nil, err
		}
		merged, err := structure.Merge(protein, ligand, structure.MergeOptions{LigandTag: req.LigandTag})
		if err != nil {
			return nil, err
		}
		logger.Info("Merged complex", "protein_atoms", protein.NumAtoms(), "ligand_atoms", ligand.NumAtoms())
		return merged, nil
	}))

	b.AddNode(dag.NewFuncNode(NodeSolvate, []string{NodeMerge}, func(ctx context.Context, in map[string]any) (any, error) {
		merged, err := dag.Input[*structure.Structure](in, NodeMerge)
		if err != nil {
			return nil, err
		}
		cfg, err := req.solvationConfig()
		if err != nil {
			return nil, err
		}
		solvated, err := p.solvate.Solvate(ctx, merged, cfg)
		if err != nil {
			return nil, err
		}
		p.metrics.RecordSystem(ctx, solvated.NumAtoms())
		out := &StageOutput{Name: NodeSolvate, Structure: solvated, Output: req.OutputPath(NodeSolvate, ".pdb")}
		if err := pdb.WriteFile(out.Output, solvated, pdb.DefaultWriteOptions()); err != nil {
			return nil, fmt.Errorf("write %s: %w", out.Output, err)
		}
		return out, nil
	}))

	prev := NodeSolvate
	for i := range req.Protocol {
		b.AddNode(p.stageNode(req, i, prev, logger))
		prev = req.Protocol[i].Name
	}
	return b.Build()
}

// stageNode runs protocol stage i on the output of prev.
//
// Velocities carry over between consecutive dynamics stages through the
// previous stage's final state; a dynamics stage after minimization draws
// fresh ones.
func (p *Pipeline) stageNode(req Request, i int, prev string, logger *slog.Logger) dag.Node {
	spec := req.Protocol[i]
	return dag.NewFuncNode(spec.Name, []string{prev}, func(ctx context.Context, in map[string]any) (any, error) {
		from, err := dag.Input[*StageOutput](in, prev)
		if err != nil {
			return nil, err
		}
		cfg, err := req.StageConfig(i)
		if err != nil {
			return nil, err
		}
		if cfg.Ensemble.Dynamic() && from.Ensemble.Dynamic() {
			cfg.Restart = from.Restart
		}
		cfg.Progress = p.progress

		driver, err := simulation.New(from.Structure, cfg, simulation.WithLogger(logger.With("stage", spec.Name)))
		if err != nil {
			return nil, err
		}
		res, err := driver.Execute(ctx)
		if err != nil {
			return nil, err
		}
		out := &StageOutput{
			Name:      spec.Name,
			Ensemble:  cfg.Ensemble,
			Structure: res.Structure,
			Output:    req.OutputPath(spec.Name, ".pdb"),
			Restart:   res.Final,
			Result:    res,
		}
		if err := pdb.WriteFile(out.Output, res.Structure, pdb.DefaultWriteOptions()); err != nil {
			return nil, fmt.Errorf("write %s: %w", out.Output, err)
		}
		return out, nil
	})
}
