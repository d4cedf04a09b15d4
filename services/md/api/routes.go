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
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// ServiceName is the otelgin server name.
const ServiceName = "aleutian-md"

// NewRouter returns a gin engine with every route registered.
//
// Routes:
//
//	GET    /health
//	GET    /metrics                 (when metrics is non-nil)
//	GET    /v1/runs
//	POST   /v1/runs
//	GET    /v1/runs/:id
//	DELETE /v1/runs/:id
//	GET    /v1/runs/:id/logs
//	GET    /v1/runs/:id/stream      (websocket)
//	POST   /v1/runs/:id/resume
func NewRouter(h *Handlers, metrics http.Handler, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(ServiceName))
	router.Use(requestID())
	router.Use(accessLog(logger))

	router.GET("/health", h.HandleHealth)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}
	RegisterRoutes(router.Group("/v1"), h)
	return router
}

// RegisterRoutes registers the /v1/runs endpoints on rg. Every endpoint
// authenticates; submit, resume and delete also need write access.
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	runs := rg.Group("/runs", h.authenticate())
	write := h.requireWrite()
	runs.GET("", h.HandleListRuns)
	runs.POST("", write, h.HandleSubmit)
	runs.GET("/:id", h.HandleGetRun)
	runs.DELETE("/:id", write, h.HandleDeleteRun)
	runs.GET("/:id/logs", h.HandleGetLogs)
	runs.GET("/:id/stream", h.HandleStreamRun)
	runs.POST("/:id/resume", write, h.HandleResume)
}

func accessLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"request_id", c.GetString(requestIDKey))
	}
}
