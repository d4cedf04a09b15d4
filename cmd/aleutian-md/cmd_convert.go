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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianMD/pkg/ux"
	"github.com/AleutianAI/AleutianMD/services/md/pdb"
	"github.com/AleutianAI/AleutianMD/services/md/trajectory"
)

var (
	convTopology  string
	convOutput    string
	convFormat    string
	convSelection string
)

func runConvert(cmd *cobra.Command, args []string) error {
	var format trajectory.Format
	if convFormat != "" {
		var err error
		if format, err = trajectory.ParseFormat(convFormat); err != nil {
			return err
		}
	}
	top, err := pdb.ReadFile(convTopology)
	if err != nil {
		return err
	}
	res, err := trajectory.Convert(cmd.Context(), trajectory.Request{
		Input:     args[0],
		Topology:  top.Topology,
		Output:    convOutput,
		Format:    format,
		Selection: convSelection,
	}, env.log())
	if err != nil {
		return err
	}
	ux.Success(fmt.Sprintf("Wrote %d frames of %d atoms to %s (%s)", res.Frames, res.Atoms, convOutput, res.Format))
	return nil
}
