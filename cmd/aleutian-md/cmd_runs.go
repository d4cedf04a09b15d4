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
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianMD/pkg/logging"
	"github.com/AleutianAI/AleutianMD/pkg/ux"
	"github.com/AleutianAI/AleutianMD/pkg/validation"
	"github.com/AleutianAI/AleutianMD/services/md/runstore"
)

var (
	runsStatus   string
	runsLimit    int
	runsJSON     bool
	runsLogLevel string
)

func runRunsList(cmd *cobra.Command, _ []string) error {
	store, err := env.openStore()
	if err != nil {
		return err
	}
	runs, err := store.ListRuns(cmd.Context())
	if err != nil {
		return err
	}
	runs = filterRuns(runs, runstore.Status(runsStatus), runsLimit)
	if len(runs) == 0 {
		ux.Info("No runs recorded")
		return nil
	}
	writeRunTable(os.Stdout, runs)
	return nil
}

func filterRuns(runs []*runstore.Run, status runstore.Status, limit int) []*runstore.Run {
	var out []*runstore.Run
	for _, r := range runs {
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func writeRunTable(w io.Writer, runs []*runstore.Run) {
	headers := []string{"ID", "STATUS", "CREATED", "PREFIX", "STAGES", "ATTEMPTS", "FAILED STAGE"}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID,
			string(r.Status),
			r.CreatedAt.Local().Format(time.DateTime),
			r.Prefix,
			fmt.Sprint(len(r.Plan)),
			fmt.Sprint(r.Attempts),
			r.FailedStage,
		})
	}
	if ux.IsMachine() {
		fmt.Fprintln(w, strings.Join(headers, "\t"))
		for _, row := range rows {
			fmt.Fprintln(w, strings.Join(row, "\t"))
		}
		return
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(ux.Styles.Muted).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			s := lipgloss.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return s.Bold(true)
			}
			if col == 1 {
				switch runstore.Status(rows[row][1]) {
				case runstore.StatusCompleted:
					return s.Inherit(ux.Styles.Success)
				case runstore.StatusFailed:
					return s.Inherit(ux.Styles.Error)
				}
			}
			return s
		})
	fmt.Fprintln(w, t.Render())
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	if err := validation.ValidateRunID(args[0]); err != nil {
		return err
	}
	store, err := env.openStore()
	if err != nil {
		return err
	}
	run, err := store.GetRun(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	stages, err := store.Stages(cmd.Context(), run.ID)
	if err != nil {
		return err
	}
	if runsJSON {
		return writeJSON(os.Stdout, struct {
			Run    *runstore.Run           `json:"run"`
			Stages []*runstore.StageRecord `json:"stages"`
		}{run, stages})
	}
	writeRunDetail(os.Stdout, run, stages)
	return nil
}

// writeRunDetail prints every stored field of run and its stages.
func writeRunDetail(w io.Writer, run *runstore.Run, stages []*runstore.StageRecord) {
	field := func(k string, v any) {
		fmt.Fprintf(w, "%-16s %v\n", k+":", v)
	}
	fmt.Fprintln(w, ux.Styles.Title.Render("Run "+run.ID))
	field("workflow", run.Workflow)
	field("status", run.Status)
	field("created", run.CreatedAt.Local().Format(time.RFC3339))
	field("updated", run.UpdatedAt.Local().Format(time.RFC3339))
	field("attempts", run.Attempts)
	field("work dir", run.WorkDir)
	field("prefix", run.Prefix)
	keys := make([]string, 0, len(run.Inputs))
	for k := range run.Inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		field("input "+k, run.Inputs[k])
	}
	field("plan", strings.Join(run.Plan, " -> "))
	if run.Output != "" {
		field("output", run.Output)
	}
	if run.Error != "" {
		field("failed stage", run.FailedStage)
		field("error", run.Error)
	}

	for _, st := range stages {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "%s %s\n", stageIcon(st.Status).Render(), ux.Styles.Bold.Render(fmt.Sprintf("[%d] %s", st.Index, st.Name)))
		field("  status", st.Status)
		if st.Ensemble != "" {
			field("  ensemble", st.Ensemble)
		}
		field("  started", st.StartedAt.Local().Format(time.RFC3339))
		if !st.FinishedAt.IsZero() {
			field("  finished", st.FinishedAt.Local().Format(time.RFC3339))
			field("  elapsed", st.Elapsed.Round(time.Millisecond))
		}
		if st.Atoms > 0 {
			field("  atoms", st.Atoms)
		}
		if st.Steps > 0 {
			field("  steps", st.Steps)
		}
		if st.Platform != "" {
			field("  platform", st.Platform)
		}
		if st.InitialEnergy != 0 || st.FinalEnergy != 0 {
			field("  energy", fmt.Sprintf("%.3f -> %.3f kJ/mol", st.InitialEnergy, st.FinalEnergy))
		}
		for _, p := range [][2]string{{"output", st.Output}, {"trajectory", st.Trajectory}, {"log", st.Log}} {
			if p[1] != "" {
				field("  "+p[0], p[1])
			}
		}
		if st.HasRestart {
			field("  restart", "stored")
		}
		if st.Error != "" {
			field("  error", st.Error)
		}
	}
}

func runRunsLogs(cmd *cobra.Command, args []string) error {
	if err := validation.ValidateRunID(args[0]); err != nil {
		return err
	}
	minLevel := logging.LevelDebug
	if runsLogLevel != "" {
		var err error
		if minLevel, err = logging.ParseLevel(runsLogLevel); err != nil {
			return err
		}
	}
	store, err := env.openStore()
	if err != nil {
		return err
	}
	if _, err := store.GetRun(cmd.Context(), args[0]); err != nil {
		return err
	}
	entries, err := store.Logs(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Level < minLevel {
			continue
		}
		fmt.Fprintf(os.Stdout, "%s %-5s %s%s\n",
			e.Timestamp.Local().Format("15:04:05.000"), strings.ToUpper(e.Level.String()), e.Message, formatAttrs(e.Attrs))
	}
	return nil
}

func formatAttrs(attrs map[string]any) string {
	if len(attrs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, attrs[k])
	}
	return b.String()
}

func runRunsDelete(cmd *cobra.Command, args []string) error {
	if err := validation.ValidateRunID(args[0]); err != nil {
		return err
	}
	store, err := env.openStore()
	if err != nil {
		return err
	}
	if err := store.DeleteRun(cmd.Context(), args[0]); err != nil {
		return err
	}
	ux.Success("Deleted run " + args[0])
	return nil
}
