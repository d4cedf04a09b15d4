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
	"context"
	"fmt"
	"time"
)

// BaseNode implements the bookkeeping half of Node. Embed it and
// implement Execute.
type BaseNode struct {
	NodeName         string
	NodeDependencies []string
	NodeTimeout      time.Duration
}

// Name returns the node's unique identifier.
func (n *BaseNode) Name() string {
	return n.NodeName
}

// Dependencies returns the names of nodes that must complete first.
func (n *BaseNode) Dependencies() []string {
	if n.NodeDependencies == nil {
		return []string{}
	}
	return n.NodeDependencies
}

// Timeout returns the execution bound, zero for none.
func (n *BaseNode) Timeout() time.Duration {
	return n.NodeTimeout
}

// Execute returns an error if called directly.
func (n *BaseNode) Execute(_ context.Context, _ map[string]any) (any, error) {
	return nil, fmt.Errorf("%w: BaseNode.Execute must be overridden", ErrInvalidInput)
}

// Builder constructs a DAG with validation.
//
// Thread Safety: Not safe for concurrent use.
//
// Example:
//
//	d, err := dag.NewBuilder("complex-md").
//	    AddNode(buildProtein).
//	    AddNode(buildLigand).
//	    AddNode(merge).
//	    Build()
type Builder struct {
	name   string
	nodes  map[string]Node
	order  []string
	edges  []Edge
	errors []error
}

// NewBuilder creates a builder for a DAG called name.
func NewBuilder(name string) *Builder {
	return &Builder{name: name, nodes: make(map[string]Node)}
}

// AddNode adds node and an edge from each of its dependencies.
// Errors are reported by Build.
func (b *Builder) AddNode(node Node) *Builder {
	if node == nil {
		b.errors = append(b.errors, ErrNilNode)
		return b
	}
	name := node.Name()
	if _, exists := b.nodes[name]; exists {
		b.errors = append(b.errors, &NodeError{NodeName: name, Err: ErrDuplicateNode})
		return b
	}
	b.nodes[name] = node
	b.order = append(b.order, name)
	for _, dep := range node.Dependencies() {
		b.edges = append(b.edges, Edge{From: dep, To: name})
	}
	return b
}

// Build validates and returns the DAG.
//
// Outputs:
//
//	*DAG - The validated graph.
//	error - The first AddNode error, ErrInvalidInput for an empty graph,
//	        a NodeError wrapping ErrNodeNotFound, a *CycleError, or
//	        ErrMultipleTerminals.
func (b *Builder) Build() (*DAG, error) {
	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}
	if len(b.nodes) == 0 {
		return nil, ErrInvalidInput
	}
	deps := make(map[string][]string, len(b.nodes))
	dependents := make(map[string][]string, len(b.nodes))
	for _, e := range b.edges {
		if _, ok := b.nodes[e.From]; !ok {
			return nil, &NodeError{NodeName: e.To, Err: fmt.Errorf("%w: %s", ErrNodeNotFound, e.From)}
		}
		deps[e.To] = append(deps[e.To], e.From)
		dependents[e.From] = append(dependents[e.From], e.To)
	}

	topo, err := b.sort(deps, dependents)
	if err != nil {
		return nil, err
	}

	var terminal string
	for _, name := range b.order {
		if len(dependents[name]) > 0 {
			continue
		}
		if terminal != "" {
			return nil, fmt.Errorf("%w: %s and %s", ErrMultipleTerminals, terminal, name)
		}
		terminal = name
	}

	return &DAG{
		name:     b.name,
		nodes:    b.nodes,
		order:    b.order,
		topo:     topo,
		edges:    b.edges,
		adjList:  deps,
		terminal: terminal,
	}, nil
}

// sort orders nodes after their dependencies, ties in insertion order.
// Nodes left unordered lie on or behind a cycle, which is reported.
func (b *Builder) sort(deps, dependents map[string][]string) ([]string, error) {
	remaining := make(map[string]int, len(b.nodes))
	for _, name := range b.order {
		remaining[name] = len(deps[name])
	}
	topo := make([]string, 0, len(b.order))
	placed := make(map[string]bool, len(b.order))
	for progressed := true; progressed; {
		progressed = false
		for _, name := range b.order {
			if placed[name] || remaining[name] > 0 {
				continue
			}
			placed[name] = true
			topo = append(topo, name)
			progressed = true
			for _, d := range dependents[name] {
				remaining[d]--
			}
		}
	}
	if len(topo) == len(b.order) {
		return topo, nil
	}

	// Every unplaced node has an unplaced dependency; following them must
	// revisit a node.
	var start string
	for _, name := range b.order {
		if !placed[name] {
			start = name
			break
		}
	}
	seen := map[string]int{}
	var path []string
	for cur := start; ; {
		if i, ok := seen[cur]; ok {
			return nil, NewCycleError(append(path[i:], cur))
		}
		seen[cur] = len(path)
		path = append(path, cur)
		for _, d := range deps[cur] {
			if !placed[d] {
				cur = d
				break
			}
		}
	}
}

// FuncNode wraps a function as a Node.
type FuncNode struct {
	BaseNode
	fn func(context.Context, map[string]any) (any, error)
}

// NewFuncNode creates a node named name depending on deps.
func NewFuncNode(name string, deps []string, fn func(context.Context, map[string]any) (any, error)) *FuncNode {
	return &FuncNode{
		BaseNode: BaseNode{NodeName: name, NodeDependencies: deps},
		fn:       fn,
	}
}

// Execute runs the wrapped function.
func (n *FuncNode) Execute(ctx context.Context, inputs map[string]any) (any, error) {
	if n.fn == nil {
		return nil, ErrInvalidInput
	}
	return n.fn(ctx, inputs)
}

// WithTimeout sets the node timeout.
func (n *FuncNode) WithTimeout(d time.Duration) *FuncNode {
	n.NodeTimeout = d
	return n
}
