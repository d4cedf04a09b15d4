// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves the run store and the pipeline over HTTP.
package api

import (
	"time"

	"github.com/AleutianAI/AleutianMD/pkg/logging"
	"github.com/AleutianAI/AleutianMD/services/md/runstore"
)

// ServiceVersion is reported by the health endpoint.
const ServiceVersion = "0.1.0"

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable code.
	Code string `json:"code,omitempty"`

	// Details provides additional context.
	Details string `json:"details,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Store   bool   `json:"store"`
	Runner  bool   `json:"runner"`
}

// RunListResponse is returned by GET /v1/runs.
type RunListResponse struct {
	Runs  []*runstore.Run `json:"runs"`
	Total int             `json:"total"`
}

// RunResponse is returned by GET /v1/runs/:id.
type RunResponse struct {
	Run    *runstore.Run           `json:"run"`
	Stages []*runstore.StageRecord `json:"stages"`
}

// LogsResponse is returned by GET /v1/runs/:id/logs.
type LogsResponse struct {
	RunID   string             `json:"run_id"`
	Entries []logging.LogEntry `json:"entries"`
}

// SubmitResponse is returned when a run is accepted.
type SubmitResponse struct {
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"`
	Accepted  time.Time `json:"accepted_at"`
	StatusURL string    `json:"status_url"`
}

// Stream message types.
const (
	StreamLog    = "log"
	StreamStatus = "status"
	StreamError  = "error"
)

// StreamMessage is one websocket frame sent by GET /v1/runs/:id/stream.
type StreamMessage struct {
	Type  string            `json:"type"`
	Entry *logging.LogEntry `json:"entry,omitempty"`
	Run   *runstore.Run     `json:"run,omitempty"`
	Error string            `json:"error,omitempty"`
}
