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
	"net"
	"os"

	"github.com/awnumar/memguard"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianMD/pkg/extensions"
	"github.com/AleutianAI/AleutianMD/pkg/ux"
	"github.com/AleutianAI/AleutianMD/services/md/api"
	"github.com/AleutianAI/AleutianMD/services/md/runstore"
	"github.com/AleutianAI/AleutianMD/services/md/telemetry"
)

var (
	serveAddr      string
	serveEphemeral bool
)

func runServe(cmd *cobra.Command, _ []string) error {
	addr := env.cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	if env.cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	store, err := serveStore()
	if err != nil {
		return err
	}
	p, err := env.newPipeline(store, nil)
	if err != nil {
		return err
	}
	defer memguard.Purge()
	h := api.NewHandlers(store, p, env.log(), api.WithExtensions(serveExtensions()))
	defer h.Close()
	router := api.NewRouter(h, telemetry.MetricsHandler(), env.log())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	ux.Success("Serving the run API on http://" + ln.Addr().String())
	return api.Serve(cmd.Context(), ln, router, env.log())
}

func serveStore() (*runstore.Store, error) {
	if !serveEphemeral {
		return env.openStore()
	}
	cfg := runstore.InMemoryConfig()
	cfg.Logger = env.log().With("component", "badger")
	s, err := runstore.Open(cfg)
	if err != nil {
		return nil, err
	}
	env.store = s
	return s, nil
}

// serveExtensions requires the configured token when one is set and audits
// through the application log.
func serveExtensions() extensions.ServiceOptions {
	opts := extensions.DefaultOptions().
		WithAudit(extensions.NewSlogAuditLogger(env.log().With("component", "audit")))
	token := env.cfg.Server.APIToken
	if v := os.Getenv("ALEUTIAN_MD_API_TOKEN"); v != "" {
		token = v
	}
	if token == "" {
		return opts
	}
	auth := extensions.NewTokenAuthProvider(token)
	auth.AllowAnonymousRead = env.cfg.Server.AnonymousRead
	return opts.WithAuth(auth)
}
