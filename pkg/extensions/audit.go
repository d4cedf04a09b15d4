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
	"context"
	"log/slog"
	"sync"
	"time"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// AuditEvent represents an action on a run.
//
// Example:
//
//	event := AuditEvent{
//	    EventType:    "run.submit",
//	    UserID:       authInfo.UserID,
//	    Action:       "create",
//	    ResourceType: "run",
//	    ResourceID:   run.ID,
//	    Outcome:      OutcomeSuccess,
//	}
type AuditEvent struct {
	// EventType categorizes the event. Format: "category.action".
	EventType string

	// Timestamp is when the event occurred. Zero means now.
	Timestamp time.Time

	// UserID identifies who performed the action.
	UserID string

	Action       string
	ResourceType string
	ResourceID   string

	// Outcome is OutcomeSuccess, OutcomeFailure or OutcomeDenied.
	Outcome string

	// Metadata holds event-specific details such as the request ID.
	Metadata map[string]any
}

// AuditLogger records actions on runs.
//
// Implementations must be safe for concurrent use and should not block
// the request for long.
type AuditLogger interface {
	// Log records an event.
	Log(ctx context.Context, event AuditEvent) error

	// Flush writes buffered events.
	Flush(ctx context.Context) error
}

// NopAuditLogger discards all events.
type NopAuditLogger struct{}

func (l *NopAuditLogger) Log(context.Context, AuditEvent) error { return nil }
func (l *NopAuditLogger) Flush(context.Context) error           { return nil }

// SlogAuditLogger writes each event as one structured log record.
type SlogAuditLogger struct {
	logger *slog.Logger
}

// NewSlogAuditLogger returns an audit logger writing to logger, or to
// slog.Default when nil.
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditLogger{logger: logger}
}

// Log writes event at Info, or Warn when the outcome is not success.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	attrs := []any{
		slog.String("event", event.EventType),
		slog.Time("at", event.Timestamp),
		slog.String("user", event.UserID),
		slog.String("action", event.Action),
		slog.String("resource_type", event.ResourceType),
		slog.String("resource_id", event.ResourceID),
		slog.String("outcome", event.Outcome),
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.Any(k, v))
	}
	level := slog.LevelInfo
	if event.Outcome != OutcomeSuccess {
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, "Audit", slog.Group("audit", attrs...))
	return nil
}

// Flush is a no-op; records are written by Log.
func (l *SlogAuditLogger) Flush(context.Context) error { return nil }

// MemoryAuditLogger keeps events in memory.
type MemoryAuditLogger struct {
	mu     sync.Mutex
	events []AuditEvent
}

// Log appends event.
func (l *MemoryAuditLogger) Log(_ context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

// Flush is a no-op.
func (l *MemoryAuditLogger) Flush(context.Context) error { return nil }

// Events returns a copy of the recorded events in order.
func (l *MemoryAuditLogger) Events() []AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]AuditEvent(nil), l.events...)
}

var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
	_ AuditLogger = (*MemoryAuditLogger)(nil)
)
