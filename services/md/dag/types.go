// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dag runs the MD workflow as a graph of named stages.
//
// Each stage (build, merge, solvate, and every protocol step) is a Node
// that declares the stages it consumes. The Executor runs every node whose
// dependencies have completed, in parallel where the graph allows (the
// protein and ligand builds), and stops at the first failure. Stages are
// never retried; a failed run is resumed by seeding a State with the
// outputs of the stages that completed and calling RunFromState.
package dag

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Node is one stage of the workflow.
//
// Thread Safety:
//
//	Execute may run concurrently with other nodes.
type Node interface {
	// Name returns the unique stage name.
	Name() string

	// Dependencies returns the names of nodes whose outputs Execute needs.
	Dependencies() []string

	// Execute runs the stage. inputs holds each dependency's output keyed by
	// node name, or the run input under RootKey for nodes without
	// dependencies.
	Execute(ctx context.Context, inputs map[string]any) (any, error)

	// Timeout bounds Execute. Zero means no bound.
	Timeout() time.Duration
}

// RootKey is the inputs key under which nodes without dependencies receive
// the run input.
const RootKey = "root"

// Input fetches inputs[name] as a T.
func Input[T any](inputs map[string]any, name string) (T, error) {
	var zero T
	v, ok := inputs[name]
	if !ok || v == nil {
		return zero, fmt.Errorf("%w: %s", ErrMissingInput, name)
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is %T, want %T", ErrMissingInput, name, v, zero)
	}
	return t, nil
}

// NodeStatus is the execution status of a node.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
)

// Edge is a dependency: From must complete before To starts.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// DAG is a validated, immutable graph. Build one with a Builder.
type DAG struct {
	name     string
	nodes    map[string]Node
	order    []string
	topo     []string
	edges    []Edge
	adjList  map[string][]string
	terminal string
}

// Name returns the DAG's name.
func (d *DAG) Name() string {
	return d.name
}

// GetNode returns a node by name.
func (d *DAG) GetNode(name string) (Node, bool) {
	node, ok := d.nodes[name]
	return node, ok
}

// NodeCount returns the number of nodes.
func (d *DAG) NodeCount() int {
	return len(d.nodes)
}

// NodeNames returns node names in insertion order.
func (d *DAG) NodeNames() []string {
	return append([]string(nil), d.order...)
}

// TopologicalOrder returns the node names so that every node follows its
// dependencies. Ties keep insertion order.
func (d *DAG) TopologicalOrder() []string {
	return append([]string(nil), d.topo...)
}

// GetDependencies returns the dependency names for a node.
func (d *DAG) GetDependencies(nodeName string) []string {
	return d.adjList[nodeName]
}

// Edges returns a copy of the dependency edges.
func (d *DAG) Edges() []Edge {
	return append([]Edge(nil), d.edges...)
}

// Terminal returns the single node nothing depends on. Its output is the
// run output.
func (d *DAG) Terminal() string {
	return d.terminal
}

// State tracks completed nodes and their outputs during a run.
//
// Thread Safety: Safe for concurrent use.
type State struct {
	mu sync.RWMutex

	SessionID      string
	StartedAt      time.Time
	CompletedNodes map[string]bool
	NodeOutputs    map[string]any
	NodeStatuses   map[string]NodeStatus
	FailedNode     string
	Error          string
}

// NewState creates an empty state.
func NewState(sessionID string) *State {
	return &State{
		SessionID:      sessionID,
		StartedAt:      time.Now(),
		CompletedNodes: make(map[string]bool),
		NodeOutputs:    make(map[string]any),
		NodeStatuses:   make(map[string]NodeStatus),
	}
}

// IsCompleted reports whether a node has completed.
func (s *State) IsCompleted(nodeName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.CompletedNodes[nodeName]
}

// SetCompleted marks a node completed with its output. Resume uses this to
// seed outputs restored from storage.
func (s *State) SetCompleted(nodeName string, output any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CompletedNodes[nodeName] = true
	s.NodeOutputs[nodeName] = output
	s.NodeStatuses[nodeName] = NodeStatusCompleted
}

// GetOutput returns a node's output.
func (s *State) GetOutput(nodeName string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	output, ok := s.NodeOutputs[nodeName]
	return output, ok
}

// SetFailed marks a node and the run failed. The first failure wins.
func (s *State) SetFailed(nodeName string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.NodeStatuses[nodeName] = NodeStatusFailed
	if s.FailedNode == "" {
		s.FailedNode = nodeName
		s.Error = err.Error()
	}
}

// IsFailed reports whether any node failed.
func (s *State) IsFailed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.FailedNode != ""
}

// SetStatus sets a node's status.
func (s *State) SetStatus(nodeName string, status NodeStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.NodeStatuses[nodeName] = status
}

// GetStatus returns a node's status, pending if unknown.
func (s *State) GetStatus(nodeName string) NodeStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if status, ok := s.NodeStatuses[nodeName]; ok {
		return status
	}
	return NodeStatusPending
}

// IsDAGComplete reports whether every node of d has completed.
func (s *State) IsDAGComplete(d *DAG) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, name := range d.order {
		if !s.CompletedNodes[name] {
			return false
		}
	}
	return true
}

// CompletedCount returns the number of completed nodes.
func (s *State) CompletedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.CompletedNodes)
}

// Completed returns the sorted names of completed nodes.
func (s *State) Completed() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.CompletedNodes))
	for name := range s.CompletedNodes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// clearFailure forgets a previous failure so a resumed run can proceed.
func (s *State) clearFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailedNode != "" {
		s.NodeStatuses[s.FailedNode] = NodeStatusPending
	}
	s.FailedNode = ""
	s.Error = ""
}

// Result is the outcome of a run.
type Result struct {
	Success       bool
	SessionID     string
	Duration      time.Duration
	NodesExecuted int
	// Output is the terminal node's output on success.
	Output        any
	Error         string
	FailedNode    string
	NodeDurations map[string]time.Duration
}
