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
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianMD/cmd/aleutian-md/config"
	"github.com/AleutianAI/AleutianMD/pkg/ux"
)

var configForce bool

func runConfigShow(cmd *cobra.Command, _ []string) error {
	shown := *env.cfg
	if shown.Server.APIToken != "" {
		shown.Server.APIToken = "redacted"
	}
	data, err := shown.Marshal()
	if err != nil {
		return err
	}
	if !ux.IsMachine() {
		fmt.Fprintln(cmd.OutOrStdout(), ux.Styles.Muted.Render("# "+env.cfgPath))
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runConfigInit(_ *cobra.Command, _ []string) error {
	if _, err := os.Stat(env.cfgPath); err == nil && !configForce {
		return fmt.Errorf("%s already exists; use --force to overwrite", env.cfgPath)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	cfg := config.DefaultConfig()
	if err := cfg.Write(env.cfgPath); err != nil {
		return err
	}
	ux.Success("Wrote the default configuration to " + env.cfgPath)
	return nil
}
