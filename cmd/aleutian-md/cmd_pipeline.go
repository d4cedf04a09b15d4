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
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianMD/pkg/ux"
	"github.com/AleutianAI/AleutianMD/pkg/validation"
	"github.com/AleutianAI/AleutianMD/services/md/pipeline"
	"github.com/AleutianAI/AleutianMD/services/md/runstore"
)

var (
	runName string
	noStore bool
)

func runPipeline(cmd *cobra.Command, _ []string) error {
	req, err := systemRequest(cmd)
	if err != nil {
		return err
	}
	req.Name = runName

	var store *runstore.Store
	if !noStore {
		if store, err = env.openStore(); err != nil {
			return err
		}
	}
	p, err := env.newPipeline(store, progressWriter())
	if err != nil {
		return err
	}

	run, req, err := p.Prepare(cmd.Context(), req)
	if err != nil {
		return err
	}
	ux.Title("Pipeline run " + run.ID)
	for _, name := range run.Plan {
		ux.StageStatus(name, ux.IconPending, "")
	}
	out, err := p.Execute(cmd.Context(), run, req)
	return reportOutcome(cmd.Context(), store, run.ID, out, err)
}

func runResume(cmd *cobra.Command, args []string) error {
	if err := validation.ValidateRunID(args[0]); err != nil {
		return err
	}
	store, err := env.openStore()
	if err != nil {
		return err
	}
	p, err := env.newPipeline(store, progressWriter())
	if err != nil {
		return err
	}
	ux.Title("Resuming run " + args[0])
	out, err := p.Resume(cmd.Context(), args[0])
	return reportOutcome(cmd.Context(), store, args[0], out, err)
}

// reportOutcome prints the stage records of a finished run.
func reportOutcome(ctx context.Context, store *runstore.Store, runID string, out *pipeline.Outcome, runErr error) error {
	if store != nil {
		// The run context may be cancelled; the records are still readable.
		if stages, err := store.Stages(context.WithoutCancel(ctx), runID); err == nil {
			for _, st := range stages {
				ux.StageStatus(st.Name, stageIcon(st.Status), stageDetail(st))
			}
		}
	}
	if runErr != nil {
		if store != nil {
			ux.Info(fmt.Sprintf("Resume with: aleutian-md resume %s", runID))
		}
		return runErr
	}
	msg := fmt.Sprintf("Run %s completed in %s (%d stages)", runID, out.Duration.Round(time.Millisecond), out.Executed)
	if out.Final != nil {
		msg += "; final structure " + out.Final.Output
	}
	ux.Success(msg)
	return nil
}

func stageIcon(s runstore.Status) ux.Icon {
	switch s {
	case runstore.StatusCompleted:
		return ux.IconSuccess
	case runstore.StatusFailed:
		return ux.IconError
	case runstore.StatusRunning:
		return ux.IconRunning
	default:
		return ux.IconPending
	}
}

func stageDetail(st *runstore.StageRecord) string {
	if st.Error != "" {
		return st.Error
	}
	if st.Status != runstore.StatusCompleted {
		return string(st.Status)
	}
	d := st.Elapsed.Round(time.Millisecond).String()
	if st.Ensemble != "" {
		d = st.Ensemble + ", " + d
	}
	return d
}

// progressWriter is stdout unless output is meant for scripts.
func progressWriter() io.Writer {
	if !ux.ShouldShowProgress() {
		return nil
	}
	return os.Stdout
}
