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
	"encoding/json"
	"errors"
	"io"

	"github.com/AleutianAI/AleutianMD/cmd/aleutian-md/config"
	"github.com/AleutianAI/AleutianMD/pkg/validation"
	"github.com/AleutianAI/AleutianMD/services/md/pipeline"
)

// Exit codes for CLI commands.
const (
	exitSuccess     = 0
	exitFailure     = 1   // the operation ran and failed
	exitUsage       = 2   // invalid configuration or request
	exitPartial     = 3   // some records failed, the rest succeeded
	exitInterrupted = 130 // SIGINT
)

// errPartial is returned when a batch routed records to its failure sink.
var errPartial = errors.New("some records failed")

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitSuccess
	case errors.Is(err, context.Canceled):
		return exitInterrupted
	case errors.Is(err, config.ErrInvalidConfig), errors.Is(err, pipeline.ErrInvalidRequest),
		errors.Is(err, validation.ErrInvalidName):
		return exitUsage
	case errors.Is(err, errPartial):
		return exitPartial
	default:
		return exitFailure
	}
}

// writeJSON writes v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
