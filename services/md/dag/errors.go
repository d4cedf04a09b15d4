// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNilContext    = errors.New("dag: nil context")
	ErrNilNode       = errors.New("dag: nil node")
	ErrDuplicateNode = errors.New("dag: duplicate node name")
	ErrNodeNotFound  = errors.New("dag: unknown dependency")

	// ErrNoProgress means pending nodes remain but none has all of its
	// dependencies satisfied.
	ErrNoProgress = errors.New("dag: pending nodes are unreachable")

	ErrNodeTimeout = errors.New("dag: node exceeded its timeout")

	// ErrMissingInput is returned by Input when a dependency produced no
	// output or an output of another type.
	ErrMissingInput = errors.New("dag: dependency output missing")

	ErrInvalidInput = errors.New("dag: invalid argument")

	// ErrMultipleTerminals means more than one node has no dependents, so
	// the run output would be ambiguous.
	ErrMultipleTerminals = errors.New("dag: graph must end in exactly one node")
)

// NodeError attributes a failure to the stage node that returned it.
type NodeError struct {
	NodeName string
	Err      error
}

func (e *NodeError) Error() string {
	return "stage " + e.NodeName + ": " + e.Err.Error()
}

func (e *NodeError) Unwrap() error { return e.Err }

// NewNodeError returns err attributed to node name.
func NewNodeError(name string, err error) *NodeError {
	return &NodeError{NodeName: name, Err: err}
}

// FailedNode returns the name of the innermost node blamed by err.
func FailedNode(err error) (string, bool) {
	var ne *NodeError
	if !errors.As(err, &ne) {
		return "", false
	}
	return ne.NodeName, true
}

// CycleError reports a dependency cycle. Path starts and ends on the same
// node.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dag: dependency cycle %s", strings.Join(e.Path, " -> "))
}

// NewCycleError returns a CycleError for path.
func NewCycleError(path []string) *CycleError {
	return &CycleError{Path: path}
}
