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
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("aleutian.md.dag")
	meter  = otel.Meter("aleutian.md.dag")
)

// Observer is told about node lifecycle events. The pipeline uses it to
// record stages in the run store as they happen.
//
// Thread Safety: Methods may be called concurrently for different nodes.
type Observer interface {
	NodeStarted(ctx context.Context, name string)
	NodeCompleted(ctx context.Context, name string, output any, elapsed time.Duration)
	NodeFailed(ctx context.Context, name string, err error, elapsed time.Duration)
}

// Executor runs a DAG.
//
// Description:
//
//	Runs every ready node concurrently, waits for the wave to finish, then
//	looks for the next ready set. The first failure stops the run after
//	the current wave. Each run gets a root span and each node a child span.
//
// Thread Safety:
//
//	Safe for concurrent use; each Run has its own State.
type Executor struct {
	dag       *DAG
	logger    *slog.Logger
	observers []Observer

	metricsOnce     sync.Once
	nodeLatency     metric.Float64Histogram
	nodeSuccesses   metric.Int64Counter
	nodeFailures    metric.Int64Counter
	activeNodes     metric.Int64UpDownCounter
	pipelineLatency metric.Float64Histogram
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithObserver adds a lifecycle observer.
func WithObserver(o Observer) ExecutorOption {
	return func(e *Executor) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

// NewExecutor creates an executor for d. A nil logger uses slog.Default().
func NewExecutor(d *DAG, logger *slog.Logger, opts ...ExecutorOption) (*Executor, error) {
	if d == nil {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{dag: d, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// initMetrics creates the instruments once. Failures degrade to no metrics.
func (e *Executor) initMetrics() {
	e.metricsOnce.Do(func() {
		var errs []error
		var err error
		e.nodeLatency, err = meter.Float64Histogram("md_dag_node_duration_seconds",
			metric.WithDescription("Time spent executing each DAG node"),
			metric.WithUnit("s"),
		)
		errs = append(errs, err)
		e.nodeSuccesses, err = meter.Int64Counter("md_dag_node_success_total",
			metric.WithDescription("Successful node executions"),
		)
		errs = append(errs, err)
		e.nodeFailures, err = meter.Int64Counter("md_dag_node_failure_total",
			metric.WithDescription("Failed node executions"),
		)
		errs = append(errs, err)
		e.activeNodes, err = meter.Int64UpDownCounter("md_dag_active_nodes",
			metric.WithDescription("Nodes currently executing"),
		)
		errs = append(errs, err)
		e.pipelineLatency, err = meter.Float64Histogram("md_dag_pipeline_duration_seconds",
			metric.WithDescription("Total DAG execution time"),
			metric.WithUnit("s"),
		)
		errs = append(errs, err)
		if err := errors.Join(errs...); err != nil {
			e.logger.Error("failed to initialize DAG metrics", slog.String("error", err.Error()))
		}
	})
}

// Run executes the DAG from scratch with input passed to root nodes.
//
// Outputs:
//
//	*Result - Always non-nil once the run starts.
//	error - The failing node's *NodeError, ctx.Err(), or ErrNoProgress.
func (e *Executor) Run(ctx context.Context, input any) (*Result, error) {
	return e.RunWithSession(ctx, uuid.NewString()[:12], input)
}

// RunWithSession is Run with a caller-chosen session ID, such as a run ID
// from the run store.
func (e *Executor) RunWithSession(ctx context.Context, sessionID string, input any) (*Result, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	state := NewState(sessionID)
	state.NodeOutputs[RootKey] = input
	return e.execute(ctx, state, "dag.Run")
}

// RunFromState continues a run whose completed nodes are already recorded
// in state. A previous failure is cleared so the failed node runs again.
func (e *Executor) RunFromState(ctx context.Context, state *State) (*Result, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if state == nil {
		return nil, ErrInvalidInput
	}
	state.clearFailure()
	e.logger.Info("pipeline resuming",
		slog.String("dag", e.dag.Name()),
		slog.String("session_id", state.SessionID),
		slog.Any("completed", state.Completed()),
	)
	return e.execute(ctx, state, "dag.Resume")
}

func (e *Executor) execute(ctx context.Context, state *State, spanName string) (*Result, error) {
	e.initMetrics()

	ctx, span := tracer.Start(ctx, spanName,
		trace.WithAttributes(
			attribute.String("dag.name", e.dag.Name()),
			attribute.String("dag.session_id", state.SessionID),
			attribute.Int("dag.node_count", e.dag.NodeCount()),
			attribute.Int("dag.completed_nodes", state.CompletedCount()),
		),
	)
	defer span.End()

	start := time.Now()
	durations := make(map[string]time.Duration)

	e.logger.Info("pipeline started",
		slog.String("dag", e.dag.Name()),
		slog.String("session_id", state.SessionID),
		slog.Int("nodes", e.dag.NodeCount()),
	)

	for !state.IsDAGComplete(e.dag) && !state.IsFailed() {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "context canceled")
			return e.buildResult(state, start, durations, err), err
		}

		ready := e.findReadyNodes(state)
		if len(ready) == 0 {
			err := ErrNoProgress
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return e.buildResult(state, start, durations, err), err
		}

		if err := e.executeParallel(ctx, ready, state, durations); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.logger.Error("pipeline failed",
				slog.String("session_id", state.SessionID),
				slog.String("failed_node", state.FailedNode),
				slog.String("error", err.Error()),
			)
			return e.buildResult(state, start, durations, err), err
		}
	}

	elapsed := time.Since(start)
	if e.pipelineLatency != nil {
		e.pipelineLatency.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(attribute.String("dag", e.dag.Name())),
		)
	}
	span.SetStatus(codes.Ok, "")
	result := e.buildResult(state, start, durations, nil)
	e.logger.Info("pipeline completed",
		slog.String("session_id", state.SessionID),
		slog.Duration("duration", elapsed),
		slog.Int("nodes_executed", result.NodesExecuted),
	)
	return result, nil
}

// findReadyNodes returns pending nodes whose dependencies have completed,
// in insertion order.
func (e *Executor) findReadyNodes(state *State) []Node {
	var ready []Node
	for _, name := range e.dag.order {
		if state.IsCompleted(name) || state.GetStatus(name) == NodeStatusRunning {
			continue
		}
		ok := true
		for _, dep := range e.dag.GetDependencies(name) {
			if !state.IsCompleted(dep) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, e.dag.nodes[name])
		}
	}
	return ready
}

func (e *Executor) executeParallel(ctx context.Context, nodes []Node, state *State, durations map[string]time.Duration) error {
	type outcome struct {
		name    string
		elapsed time.Duration
		err     error
	}
	results := make([]outcome, len(nodes))

	var wg sync.WaitGroup
	for i, node := range nodes {
		state.SetStatus(node.Name(), NodeStatusRunning)
		wg.Add(1)
		go func(i int, n Node) {
			defer wg.Done()
			begin := time.Now()
			err := e.executeNode(ctx, n, state)
			results[i] = outcome{name: n.Name(), elapsed: time.Since(begin), err: err}
		}(i, node)
	}
	wg.Wait()

	var first error
	for _, r := range results {
		durations[r.name] = r.elapsed
		if r.err != nil && first == nil {
			first = r.err
		}
	}
	return first
}

func (e *Executor) executeNode(ctx context.Context, node Node, state *State) error {
	ctx, span := tracer.Start(ctx, node.Name(),
		trace.WithAttributes(
			attribute.String("dag.node", node.Name()),
			attribute.StringSlice("dag.dependencies", node.Dependencies()),
			attribute.String("dag.session_id", state.SessionID),
		),
	)
	defer span.End()

	if e.activeNodes != nil {
		e.activeNodes.Add(ctx, 1)
		defer e.activeNodes.Add(ctx, -1)
	}

	inputs := make(map[string]any, len(node.Dependencies())+1)
	for _, dep := range node.Dependencies() {
		inputs[dep], _ = state.GetOutput(dep)
	}
	if len(node.Dependencies()) == 0 {
		inputs[RootKey], _ = state.GetOutput(RootKey)
	}

	for _, o := range e.observers {
		o.NodeStarted(ctx, node.Name())
	}
	e.logger.Debug("node starting", slog.String("node", node.Name()))

	nodeCtx := ctx
	if timeout := node.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	output, err := node.Execute(nodeCtx, inputs)
	elapsed := time.Since(start)

	if e.nodeLatency != nil {
		e.nodeLatency.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(attribute.String("node", node.Name())),
		)
	}

	if err != nil {
		if errors.Is(nodeCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = errors.Join(ErrNodeTimeout, err)
		}
		if e.nodeFailures != nil {
			e.nodeFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("node", node.Name())))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		state.SetFailed(node.Name(), err)
		for _, o := range e.observers {
			o.NodeFailed(ctx, node.Name(), err, elapsed)
		}
		e.logger.Error("node failed",
			slog.String("node", node.Name()),
			slog.Duration("duration", elapsed),
			slog.String("error", err.Error()),
		)
		return NewNodeError(node.Name(), err)
	}

	if e.nodeSuccesses != nil {
		e.nodeSuccesses.Add(ctx, 1, metric.WithAttributes(attribute.String("node", node.Name())))
	}
	span.SetStatus(codes.Ok, "")
	state.SetCompleted(node.Name(), output)
	for _, o := range e.observers {
		o.NodeCompleted(ctx, node.Name(), output, elapsed)
	}
	e.logger.Info("node completed",
		slog.String("node", node.Name()),
		slog.Duration("duration", elapsed),
	)
	return nil
}

func (e *Executor) buildResult(state *State, start time.Time, durations map[string]time.Duration, err error) *Result {
	result := &Result{
		SessionID:     state.SessionID,
		Duration:      time.Since(start),
		NodesExecuted: len(durations),
		NodeDurations: durations,
	}
	switch {
	case state.IsFailed():
		state.mu.RLock()
		result.Error = state.Error
		result.FailedNode = state.FailedNode
		state.mu.RUnlock()
	case err != nil:
		result.Error = err.Error()
	default:
		result.Success = true
		if t := e.dag.Terminal(); t != "" {
			result.Output, _ = state.GetOutput(t)
		}
	}
	return result
}
