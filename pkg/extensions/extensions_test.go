// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.IsType(t, &NopAuthProvider{}, opts.AuthProvider)
	assert.IsType(t, &NopAuditLogger{}, opts.AuditLogger)
}

func TestServiceOptions_NormalizeAndChaining(t *testing.T) {
	opts := ServiceOptions{}.Normalize()
	assert.NotNil(t, opts.AuthProvider)
	assert.NotNil(t, opts.AuditLogger)

	auth := NewTokenAuthProvider("s3cret")
	audit := &MemoryAuditLogger{}
	chained := DefaultOptions().WithAuth(auth).WithAudit(audit)
	assert.Same(t, auth, chained.AuthProvider)
	assert.Same(t, audit, chained.AuditLogger)

	// WithAuth returns a copy.
	base := DefaultOptions()
	_ = base.WithAuth(auth)
	assert.IsType(t, &NopAuthProvider{}, base.AuthProvider)
}

func TestNopAuthProvider(t *testing.T) {
	info, err := (&NopAuthProvider{}).Validate(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "local-user", info.UserID)
	assert.True(t, info.CanWrite())
}

func TestTokenAuthProvider(t *testing.T) {
	ctx := context.Background()
	p := NewTokenAuthProvider("s3cret")

	info, err := p.Validate(ctx, "s3cret")
	require.NoError(t, err)
	assert.True(t, info.HasRole(RoleAdmin))

	_, err = p.Validate(ctx, "wrong")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = p.Validate(ctx, "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	p.AllowAnonymousRead = true
	info, err = p.Validate(ctx, "")
	require.NoError(t, err)
	assert.True(t, info.HasRole(RoleViewer))
	assert.False(t, info.CanWrite())

	empty := NewTokenAuthProvider("")
	_, err = empty.Validate(ctx, "anything")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestSlogAuditLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.NoError(t, l.Log(context.Background(), AuditEvent{
		EventType:  "run.delete",
		UserID:     "u1",
		ResourceID: "r1",
		Outcome:    OutcomeDenied,
		Metadata:   map[string]any{"request_id": "abc"},
	}))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "WARN", rec["level"])
	audit := rec["audit"].(map[string]any)
	assert.Equal(t, "run.delete", audit["event"])
	assert.Equal(t, "r1", audit["resource_id"])
	assert.Equal(t, "abc", audit["request_id"])
	assert.NoError(t, l.Flush(context.Background()))
}

func TestMemoryAuditLogger(t *testing.T) {
	l := &MemoryAuditLogger{}
	require.NoError(t, l.Log(context.Background(), AuditEvent{EventType: "run.submit"}))
	require.NoError(t, l.Log(context.Background(), AuditEvent{EventType: "run.resume"}))

	events := l.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "run.resume", events[1].EventType)
	assert.False(t, events[0].Timestamp.IsZero())
}
