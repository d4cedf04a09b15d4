// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianMD/pkg/extensions"
	"github.com/AleutianAI/AleutianMD/pkg/logging"
	"github.com/AleutianAI/AleutianMD/services/md/pipeline"
	"github.com/AleutianAI/AleutianMD/services/md/runstore"
)

// Runner starts pipeline runs. *pipeline.Pipeline implements it.
type Runner interface {
	Prepare(ctx context.Context, req pipeline.Request) (*runstore.Run, pipeline.Request, error)
	Execute(ctx context.Context, run *runstore.Run, req pipeline.Request) (*pipeline.Outcome, error)
	Resume(ctx context.Context, runID string) (*pipeline.Outcome, error)
}

var _ Runner = (*pipeline.Pipeline)(nil)

// Handlers contains the HTTP handlers.
//
// Thread Safety: Safe for concurrent use. Submitted runs execute in
// background goroutines that Close cancels and waits for.
type Handlers struct {
	store  *runstore.Store
	runner Runner
	logger *slog.Logger
	ext    extensions.ServiceOptions

	streamInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// HandlerOption configures Handlers.
type HandlerOption func(*Handlers)

// WithExtensions sets the auth provider and audit logger. Without it every
// caller is the local admin and nothing is audited.
func WithExtensions(opts extensions.ServiceOptions) HandlerOption {
	return func(h *Handlers) {
		h.ext = opts.Normalize()
	}
}

// NewHandlers returns handlers reading from store. runner may be nil, in
// which case the submit and resume endpoints answer 503.
func NewHandlers(store *runstore.Store, runner Runner, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handlers{
		store:  store,
		runner: runner,
		logger: logger,
		ext:    extensions.DefaultOptions(),
		ctx:    ctx,
		cancel: cancel,

		streamInterval: DefaultStreamInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Close cancels background runs, waits for them to record their status and
// flushes the audit log.
func (h *Handlers) Close() {
	h.cancel()
	h.wg.Wait()
	if err := h.ext.AuditLogger.Flush(context.Background()); err != nil {
		h.logger.Warn("Failed to flush audit log", "error", err)
	}
}

// Wait blocks until every background run has finished.
func (h *Handlers) Wait() {
	h.wg.Wait()
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: ServiceVersion,
		Store:   h.store != nil,
		Runner:  h.runner != nil,
	})
}

// HandleListRuns handles GET /v1/runs.
//
// Query Parameters:
//
//	status - Only runs with this status.
//	limit - At most this many runs, newest first.
//
// Response:
//
//	200 OK: RunListResponse
//	400 Bad Request: invalid limit
func (h *Handlers) HandleListRuns(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a non-negative integer", Code: "INVALID_LIMIT"})
			return
		}
		limit = n
	}
	runs, err := h.store.ListRuns(c.Request.Context())
	if err != nil {
		h.internal(c, "list runs", err)
		return
	}
	status := runstore.Status(c.Query("status"))
	out := runs[:0]
	for _, r := range runs {
		if status == "" || r.Status == status {
			out = append(out, r)
		}
	}
	total := len(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	c.JSON(http.StatusOK, RunListResponse{Runs: out, Total: total})
}

// HandleGetRun handles GET /v1/runs/:id.
//
// Response:
//
//	200 OK: RunResponse
//	404 Not Found: unknown run
func (h *Handlers) HandleGetRun(c *gin.Context) {
	id := c.Param("id")
	run, err := h.store.GetRun(c.Request.Context(), id)
	if err != nil {
		h.storeError(c, id, err)
		return
	}
	stages, err := h.store.Stages(c.Request.Context(), id)
	if err != nil {
		h.internal(c, "list stages", err)
		return
	}
	c.JSON(http.StatusOK, RunResponse{Run: run, Stages: stages})
}

// HandleGetLogs handles GET /v1/runs/:id/logs.
//
// Query Parameters:
//
//	level - Minimum level (debug, info, warn, error). Default: all.
func (h *Handlers) HandleGetLogs(c *gin.Context) {
	id := c.Param("id")
	minLevel := logging.LevelDebug
	if v := c.Query("level"); v != "" {
		l, err := logging.ParseLevel(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_LEVEL"})
			return
		}
		minLevel = l
	}
	if _, err := h.store.GetRun(c.Request.Context(), id); err != nil {
		h.storeError(c, id, err)
		return
	}
	entries, err := h.store.Logs(c.Request.Context(), id)
	if err != nil {
		h.internal(c, "read logs", err)
		return
	}
	out := make([]logging.LogEntry, 0, len(entries))
	for _, e := range entries {
		if e.Level >= minLevel {
			out = append(out, e)
		}
	}
	c.JSON(http.StatusOK, LogsResponse{RunID: id, Entries: out})
}

// HandleSubmit handles POST /v1/runs.
//
// Description:
//
//	Validates the pipeline request, records the run and executes it in the
//	background. Poll the status URL for progress.
//
// Response:
//
//	202 Accepted: SubmitResponse
//	400 Bad Request: malformed or invalid request
//	503 Service Unavailable: no runner configured
func (h *Handlers) HandleSubmit(c *gin.Context) {
	if h.runner == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "this server does not run pipelines", Code: "NO_RUNNER"})
		return
	}
	req := pipeline.DefaultRequest()
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_BODY", Details: err.Error()})
		return
	}
	run, req, err := h.runner.Prepare(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidRequest) {
			h.audit(c, "run.submit", "create", "", extensions.OutcomeFailure)
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
			return
		}
		h.internal(c, "prepare run", err)
		return
	}
	h.background(run.ID, func(ctx context.Context) error {
		_, err := h.runner.Execute(ctx, run, req)
		return err
	})
	h.audit(c, "run.submit", "create", run.ID, extensions.OutcomeSuccess)
	c.JSON(http.StatusAccepted, h.accepted(run.ID))
}

// HandleResume handles POST /v1/runs/:id/resume.
//
// Response:
//
//	202 Accepted: SubmitResponse
//	404 Not Found: unknown run
//	409 Conflict: run already completed
func (h *Handlers) HandleResume(c *gin.Context) {
	if h.runner == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "this server does not run pipelines", Code: "NO_RUNNER"})
		return
	}
	id := c.Param("id")
	run, err := h.store.GetRun(c.Request.Context(), id)
	if err != nil {
		h.storeError(c, id, err)
		return
	}
	if run.Status == runstore.StatusCompleted {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "run already completed", Code: "RUN_COMPLETED"})
		return
	}
	h.background(id, func(ctx context.Context) error {
		_, err := h.runner.Resume(ctx, id)
		return err
	})
	h.audit(c, "run.resume", "update", id, extensions.OutcomeSuccess)
	c.JSON(http.StatusAccepted, h.accepted(id))
}

// HandleDeleteRun handles DELETE /v1/runs/:id. Output files are kept.
func (h *Handlers) HandleDeleteRun(c *gin.Context) {
	id := c.Param("id")
	run, err := h.store.GetRun(c.Request.Context(), id)
	if err != nil {
		h.storeError(c, id, err)
		return
	}
	if run.Status == runstore.StatusRunning {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "run is still running", Code: "RUN_ACTIVE"})
		return
	}
	if err := h.store.DeleteRun(c.Request.Context(), id); err != nil {
		h.storeError(c, id, err)
		return
	}
	h.audit(c, "run.delete", "delete", id, extensions.OutcomeSuccess)
	c.Status(http.StatusNoContent)
}

func (h *Handlers) background(runID string, fn func(ctx context.Context) error) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := fn(h.ctx); err != nil {
			h.logger.Warn("Background run failed", "run_id", runID, "error", err)
		}
	}()
}

func (h *Handlers) accepted(id string) SubmitResponse {
	return SubmitResponse{
		RunID:     id,
		Status:    string(runstore.StatusPending),
		Accepted:  time.Now().UTC(),
		StatusURL: "/v1/runs/" + id,
	}
}

func (h *Handlers) storeError(c *gin.Context, id string, err error) {
	if errors.Is(err, runstore.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "run not found", Code: "RUN_NOT_FOUND", Details: id})
		return
	}
	h.internal(c, "run store", err)
}

func (h *Handlers) internal(c *gin.Context, op string, err error) {
	h.logger.Error("Request failed",
		"request_id", c.GetString(requestIDKey),
		"op", op,
		"error", err)
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: op + " failed", Code: "INTERNAL", Details: err.Error()})
}

const (
	requestIDKey = "request_id"
	authInfoKey  = "auth_info"
)

// authenticate validates the bearer token and stores the caller.
func (h *Handlers) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		info, err := h.ext.AuthProvider.Validate(c.Request.Context(), strings.TrimSpace(token))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "authentication required", Code: "UNAUTHORIZED"})
			return
		}
		c.Set(authInfoKey, info)
		c.Next()
	}
}

// requireWrite rejects callers without write access.
func (h *Handlers) requireWrite() gin.HandlerFunc {
	return func(c *gin.Context) {
		info := caller(c)
		if info == nil || !info.CanWrite() {
			h.audit(c, "run.access", c.Request.Method, c.Param("id"), extensions.OutcomeDenied)
			c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{Error: "write access required", Code: "FORBIDDEN"})
			return
		}
		c.Next()
	}
}

func caller(c *gin.Context) *extensions.AuthInfo {
	v, ok := c.Get(authInfoKey)
	if !ok {
		return nil
	}
	info, _ := v.(*extensions.AuthInfo)
	return info
}

func (h *Handlers) audit(c *gin.Context, event, action, runID, outcome string) {
	user := ""
	if info := caller(c); info != nil {
		user = info.UserID
	}
	err := h.ext.AuditLogger.Log(c.Request.Context(), extensions.AuditEvent{
		EventType:    event,
		UserID:       user,
		Action:       action,
		ResourceType: "run",
		ResourceID:   runID,
		Outcome:      outcome,
		Metadata:     map[string]any{requestIDKey: c.GetString(requestIDKey)},
	})
	if err != nil {
		h.logger.Warn("Failed to write audit event", "event", event, "error", err)
	}
}

// requestID echoes or assigns X-Request-ID.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)
		c.Set(requestIDKey, id)
		c.Next()
	}
}
