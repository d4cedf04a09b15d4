// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package forcefield

import (
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

//go:embed data/*.xml
var builtin embed.FS

// Library resolves force-field names to files and caches loaded force fields.
//
// Description:
//
//	A name is resolved in order: as a path on disk, relative to each search
//	path, then against the files bundled with the binary. Load merges the
//	named files into one ForceField; the merged result is cached by the
//	ordered name list.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Library struct {
	searchPaths []string
	logger      *slog.Logger

	mu    sync.Mutex
	cache map[string]*ForceField
}

// NewLibrary returns a library searching the given directories.
func NewLibrary(searchPaths []string, logger *slog.Logger) *Library {
	if logger == nil {
		logger = slog.Default()
	}
	return &Library{
		searchPaths: append([]string(nil), searchPaths...),
		logger:      logger,
		cache:       make(map[string]*ForceField),
	}
}

// Load returns the force field formed by merging the named files in order.
//
// Outputs:
//
//	*ForceField - The merged force field; shared, do not modify.
//	error - *ForceFieldError wrapping ErrForceFieldNotFound or ErrInvalidForceField.
func (l *Library) Load(names ...string) (*ForceField, error) {
	key := strings.Join(names, "\x00")
	l.mu.Lock()
	defer l.mu.Unlock()
	if ff, ok := l.cache[key]; ok {
		return ff, nil
	}

	ff := New()
	for _, name := range names {
		if name == "" {
			continue
		}
		rc, where, err := l.open(name)
		if err != nil {
			return nil, &ForceFieldError{ForceField: name, Err: err}
		}
		err = ff.Load(name, rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded force field", "name", name, "source", where)
	}
	l.cache[key] = ff
	return ff, nil
}

func (l *Library) open(name string) (io.ReadCloser, string, error) {
	if f, err := os.Open(name); err == nil {
		return f, name, nil
	}
	for _, dir := range l.searchPaths {
		p := filepath.Join(dir, name)
		if f, err := os.Open(p); err == nil {
			return f, p, nil
		}
	}
	f, err := builtin.Open("data/" + filepath.Base(name))
	if err == nil {
		return f, "builtin:" + filepath.Base(name), nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", fmt.Errorf("%w: %s (searched %v and builtin data)", ErrForceFieldNotFound, name, l.searchPaths)
	}
	return nil, "", err
}

// Builtin lists the force-field files bundled with the binary.
func Builtin() []string {
	entries, err := builtin.ReadDir("data")
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}
