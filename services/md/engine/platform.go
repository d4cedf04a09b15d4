// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Platform selects the compute backend for a Context.
//
// The zero value is Auto: the fastest available backend is chosen. Named
// platforms must exist or Context creation fails with a *PlatformError.
type Platform struct {
	name string
}

// AutoPlatform lets the engine choose the fastest available backend.
func AutoPlatform() Platform {
	return Platform{}
}

// NamedPlatform requests a specific backend by identifier.
func NamedPlatform(id string) Platform {
	return Platform{name: id}
}

// ParsePlatform maps "auto" or "" to AutoPlatform and anything else to a
// named platform.
func ParsePlatform(s string) Platform {
	if s == "" || strings.EqualFold(s, "auto") {
		return AutoPlatform()
	}
	return NamedPlatform(s)
}

// IsAuto reports whether the platform is chosen automatically.
func (p Platform) IsAuto() bool {
	return p.name == ""
}

// Name returns the requested identifier, or "auto".
func (p Platform) Name() string {
	if p.name == "" {
		return "auto"
	}
	return p.name
}

// String implements fmt.Stringer.
func (p Platform) String() string {
	return p.Name()
}

// Sentinel platform errors.
var (
	// ErrUnknownPlatform indicates the identifier names no known backend.
	ErrUnknownPlatform = errors.New("unknown platform")

	// ErrPlatformUnavailable indicates a known backend that this build cannot run.
	ErrPlatformUnavailable = errors.New("platform unavailable")
)

// PlatformError reports a platform request that cannot be satisfied.
type PlatformError struct {
	Requested string
	Available []string
	Err       error
}

// Error returns the error message.
func (e *PlatformError) Error() string {
	return fmt.Sprintf("platform %q: %v (available: %s)", e.Requested, e.Err, strings.Join(e.Available, ", "))
}

// Unwrap returns the underlying error.
func (e *PlatformError) Unwrap() error {
	return e.Err
}

// backend describes how force evaluation is parallelized.
type backend struct {
	name    string
	workers int
}

// Platforms lists the identifiers this build can run, fastest first.
func Platforms() []string {
	return []string{"CPU", "Reference"}
}

// gpuPlatforms are recognized identifiers that need accelerator drivers.
var gpuPlatforms = []string{"CUDA", "OpenCL", "HIP", "Metal"}

// resolve maps a Platform onto a backend.
func resolve(p Platform) (backend, error) {
	if p.IsAuto() {
		return backend{name: "CPU", workers: runtime.GOMAXPROCS(0)}, nil
	}
	switch {
	case strings.EqualFold(p.name, "CPU"):
		return backend{name: "CPU", workers: runtime.GOMAXPROCS(0)}, nil
	case strings.EqualFold(p.name, "Reference"):
		return backend{name: "Reference", workers: 1}, nil
	}
	for _, g := range gpuPlatforms {
		if strings.EqualFold(p.name, g) {
			return backend{}, &PlatformError{Requested: p.name, Available: Platforms(), Err: ErrPlatformUnavailable}
		}
	}
	return backend{}, &PlatformError{Requested: p.name, Available: Platforms(), Err: ErrUnknownPlatform}
}
