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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMD/pkg/extensions"
	"github.com/AleutianAI/AleutianMD/pkg/logging"
	"github.com/AleutianAI/AleutianMD/services/md/pipeline"
	"github.com/AleutianAI/AleutianMD/services/md/runstore"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeRunner records a pending run on Prepare and completes it on Execute.
type fakeRunner struct {
	store *runstore.Store

	mu      sync.Mutex
	resumed []string
	execErr error
}

func (f *fakeRunner) Prepare(ctx context.Context, req pipeline.Request) (*runstore.Run, pipeline.Request, error) {
	if err := req.Validate(); err != nil {
		return nil, req, err
	}
	run := &runstore.Run{Workflow: pipeline.Workflow, Prefix: req.Prefix}
	return run, req, f.store.CreateRun(ctx, run)
}

func (f *fakeRunner) Execute(ctx context.Context, run *runstore.Run, _ pipeline.Request) (*pipeline.Outcome, error) {
	status := runstore.StatusCompleted
	if f.execErr != nil {
		status = runstore.StatusFailed
	}
	_, err := f.store.UpdateRun(ctx, run.ID, func(r *runstore.Run) error {
		r.Status = status
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &pipeline.Outcome{RunID: run.ID}, f.execErr
}

func (f *fakeRunner) Resume(_ context.Context, runID string) (*pipeline.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, runID)
	return &pipeline.Outcome{RunID: runID}, nil
}

func setup(t *testing.T, withRunner bool) (*gin.Engine, *runstore.Store, *Handlers, *fakeRunner) {
	t.Helper()
	store, err := runstore.Open(runstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	var runner Runner
	fake := &fakeRunner{store: store}
	if withRunner {
		runner = fake
	}
	h := NewHandlers(store, runner, nil)
	t.Cleanup(h.Close)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "md_stages_total 3\n")
	})
	return NewRouter(h, metrics, nil), store, h, fake
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthAndMetrics(t *testing.T) {
	router, _, _, _ := setup(t, false)

	w := do(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	health := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", health.Status)
	assert.True(t, health.Store)
	assert.False(t, health.Runner)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = do(t, router, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "md_stages_total")
}

func TestRequestIDEchoed(t *testing.T) {
	router, _, _, _ := setup(t, false)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
}

func TestRuns_ListGetLogsDelete(t *testing.T) {
	ctx := context.Background()
	router, store, _, _ := setup(t, false)

	require.NoError(t, store.CreateRun(ctx, &runstore.Run{ID: "old", Status: runstore.StatusFailed}))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, store.CreateRun(ctx, &runstore.Run{ID: "new", Status: runstore.StatusCompleted}))
	require.NoError(t, store.PutStage(ctx, &runstore.StageRecord{RunID: "new", Index: 0, Name: "protein", Status: runstore.StatusCompleted}))
	require.NoError(t, store.AppendLogs(ctx, "new", []logging.LogEntry{
		{Timestamp: time.Now(), Level: logging.LevelInfo, Message: "stage started"},
		{Timestamp: time.Now(), Level: logging.LevelError, Message: "stage failed"},
	}))

	list := decode[RunListResponse](t, do(t, router, http.MethodGet, "/v1/runs", nil))
	require.Len(t, list.Runs, 2)
	assert.Equal(t, "new", list.Runs[0].ID)

	list = decode[RunListResponse](t, do(t, router, http.MethodGet, "/v1/runs?status=failed", nil))
	require.Len(t, list.Runs, 1)
	assert.Equal(t, "old", list.Runs[0].ID)

	list = decode[RunListResponse](t, do(t, router, http.MethodGet, "/v1/runs?limit=1", nil))
	assert.Len(t, list.Runs, 1)
	assert.Equal(t, 2, list.Total)

	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodGet, "/v1/runs?limit=x", nil).Code)

	w := do(t, router, http.MethodGet, "/v1/runs/new", nil)
	require.Equal(t, http.StatusOK, w.Code)
	run := decode[RunResponse](t, w)
	assert.Equal(t, runstore.StatusCompleted, run.Run.Status)
	require.Len(t, run.Stages, 1)
	assert.Equal(t, "protein", run.Stages[0].Name)

	w = do(t, router, http.MethodGet, "/v1/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "RUN_NOT_FOUND", decode[ErrorResponse](t, w).Code)

	logs := decode[LogsResponse](t, do(t, router, http.MethodGet, "/v1/runs/new/logs", nil))
	assert.Len(t, logs.Entries, 2)
	logs = decode[LogsResponse](t, do(t, router, http.MethodGet, "/v1/runs/new/logs?level=error", nil))
	require.Len(t, logs.Entries, 1)
	assert.Equal(t, "stage failed", logs.Entries[0].Message)
	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodGet, "/v1/runs/new/logs?level=loud", nil).Code)

	assert.Equal(t, http.StatusNoContent, do(t, router, http.MethodDelete, "/v1/runs/new", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, router, http.MethodGet, "/v1/runs/new", nil).Code)
}

func TestSubmitAndResume(t *testing.T) {
	ctx := context.Background()
	router, store, h, fake := setup(t, true)

	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodPost, "/v1/runs", map[string]any{}).Code)

	w := do(t, router, http.MethodPost, "/v1/runs", map[string]any{"protein_pdb": "p.pdb"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	sub := decode[SubmitResponse](t, w)
	assert.Equal(t, "/v1/runs/"+sub.RunID, sub.StatusURL)
	h.Wait()

	run, err := store.GetRun(ctx, sub.RunID)
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusCompleted, run.Status)
	assert.Equal(t, "complex", run.Prefix)

	w = do(t, router, http.MethodPost, "/v1/runs/"+sub.RunID+"/resume", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	require.NoError(t, store.CreateRun(ctx, &runstore.Run{ID: "broken", Status: runstore.StatusFailed}))
	w = do(t, router, http.MethodPost, "/v1/runs/broken/resume", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	h.Wait()
	assert.Equal(t, []string{"broken"}, fake.resumed)

	assert.Equal(t, http.StatusNotFound, do(t, router, http.MethodPost, "/v1/runs/none/resume", nil).Code)
}

func TestSubmit_FailedRunStillAccepted(t *testing.T) {
	router, store, h, fake := setup(t, true)
	fake.execErr = errors.New("solvation failed")

	w := do(t, router, http.MethodPost, "/v1/runs", map[string]any{"protein_pdb": "p.pdb"})
	require.Equal(t, http.StatusAccepted, w.Code)
	h.Wait()

	run, err := store.GetRun(context.Background(), decode[SubmitResponse](t, w).RunID)
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusFailed, run.Status)
}

func TestNoRunner(t *testing.T) {
	router, _, _, _ := setup(t, false)
	w := do(t, router, http.MethodPost, "/v1/runs", map[string]any{"protein_pdb": "p.pdb"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "NO_RUNNER", decode[ErrorResponse](t, w).Code)
}

func TestAuthAndAudit(t *testing.T) {
	ctx := context.Background()
	store, err := runstore.Open(runstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	auth := extensions.NewTokenAuthProvider("s3cret")
	auth.AllowAnonymousRead = true
	audit := &extensions.MemoryAuditLogger{}
	h := NewHandlers(store, &fakeRunner{store: store}, nil,
		WithExtensions(extensions.DefaultOptions().WithAuth(auth).WithAudit(audit)))
	t.Cleanup(h.Close)
	router := NewRouter(h, nil, nil)

	require.NoError(t, store.CreateRun(ctx, &runstore.Run{ID: "r1", Status: runstore.StatusFailed}))

	withToken := func(method, path, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	// Anonymous callers may read but not write.
	assert.Equal(t, http.StatusOK, withToken(http.MethodGet, "/v1/runs", "").Code)
	w := withToken(http.MethodDelete, "/v1/runs/r1", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", decode[ErrorResponse](t, w).Code)

	w = withToken(http.MethodGet, "/v1/runs", "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", decode[ErrorResponse](t, w).Code)

	assert.Equal(t, http.StatusNoContent, withToken(http.MethodDelete, "/v1/runs/r1", "s3cret").Code)

	// Health stays open.
	assert.Equal(t, http.StatusOK, withToken(http.MethodGet, "/health", "wrong").Code)

	events := audit.Events()
	require.Len(t, events, 2)
	assert.Equal(t, extensions.OutcomeDenied, events[0].Outcome)
	assert.Equal(t, "anonymous", events[0].UserID)
	assert.Equal(t, "run.delete", events[1].EventType)
	assert.Equal(t, "r1", events[1].ResourceID)
	assert.Equal(t, "token-user", events[1].UserID)
	assert.Equal(t, extensions.OutcomeSuccess, events[1].Outcome)
}

func TestStreamRun(t *testing.T) {
	ctx := context.Background()
	store, err := runstore.Open(runstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	h := NewHandlers(store, nil, nil, WithStreamInterval(10*time.Millisecond))
	t.Cleanup(h.Close)
	srv := httptest.NewServer(NewRouter(h, nil, nil))
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/runs/"

	require.NoError(t, store.CreateRun(ctx, &runstore.Run{ID: "r1", Status: runstore.StatusRunning}))
	require.NoError(t, store.AppendLogs(ctx, "r1", []logging.LogEntry{
		{Timestamp: time.Now(), Level: logging.LevelInfo, Message: "stage started"},
	}))

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL+"r1/stream", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var msg StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, StreamLog, msg.Type)
	assert.Equal(t, "stage started", msg.Entry.Message)

	require.NoError(t, store.AppendLogs(ctx, "r1", []logging.LogEntry{
		{Timestamp: time.Now(), Level: logging.LevelInfo, Message: "stage completed"},
	}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "stage completed", msg.Entry.Message)

	_, err = store.UpdateRun(ctx, "r1", func(r *runstore.Run) error {
		r.Status = runstore.StatusCompleted
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, StreamStatus, msg.Type)
	assert.Equal(t, runstore.StatusCompleted, msg.Run.Status)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL+"missing/stream", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	router, _, _, _ := setup(t, false)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, ln, router, nil) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
