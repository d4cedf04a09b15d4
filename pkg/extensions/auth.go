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
	"errors"
	"fmt"
	"slices"

	"github.com/awnumar/memguard"
)

// ErrUnauthorized is returned when a token is missing or invalid.
var ErrUnauthorized = errors.New("unauthorized")

// Roles understood by the run API.
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// AuthInfo contains the authenticated caller's identity.
type AuthInfo struct {
	// UserID is the unique identifier for the caller. Never empty.
	UserID string

	// Roles contains the caller's role memberships.
	Roles []string
}

// HasRole checks if the caller has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// CanWrite reports whether the caller may submit, resume or delete runs.
func (a *AuthInfo) CanWrite() bool {
	return a.HasRole(RoleAdmin)
}

// AuthProvider validates authentication tokens and returns the caller's
// identity.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type AuthProvider interface {
	// Validate checks the bearer token from the Authorization header. An
	// absent header is passed as "".
	//
	// Returns:
	//   - *AuthInfo: The caller if the token is valid
	//   - error: ErrUnauthorized (or wrapped) if invalid
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts every caller as the local admin user.
//
// Thread-safe: This implementation has no mutable state.
type NopAuthProvider struct{}

// Validate always returns the local user with admin privileges.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: "local-user", Roles: []string{RoleAdmin}}, nil
}

// TokenAuthProvider accepts a single shared admin token. Callers without a
// token get read-only access when AllowAnonymousRead is set.
//
// The token is sealed in a memguard enclave and only decrypted into locked
// memory for the comparison.
type TokenAuthProvider struct {
	token *memguard.Enclave

	// AllowAnonymousRead grants the viewer role to requests without a token.
	AllowAnonymousRead bool
}

// NewTokenAuthProvider returns a provider accepting token. An empty token
// rejects every bearer token.
func NewTokenAuthProvider(token string) *TokenAuthProvider {
	// NewEnclave returns nil for empty input.
	return &TokenAuthProvider{token: memguard.NewEnclave([]byte(token))}
}

// Validate compares token in constant time.
func (p *TokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		if p.AllowAnonymousRead {
			return &AuthInfo{UserID: "anonymous", Roles: []string{RoleViewer}}, nil
		}
		return nil, ErrUnauthorized
	}
	if p.token == nil {
		return nil, ErrUnauthorized
	}
	buf, err := p.token.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open token: %v", ErrUnauthorized, err)
	}
	defer buf.Destroy()
	if !buf.EqualTo([]byte(token)) {
		return nil, ErrUnauthorized
	}
	return &AuthInfo{UserID: "token-user", Roles: []string{RoleAdmin}}, nil
}

var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ AuthProvider = (*TokenAuthProvider)(nil)
)
