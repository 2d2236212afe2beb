// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/evalgraph/events"
	"github.com/AleutianAI/evalgraph/graph"
	"github.com/AleutianAI/evalgraph/keys"
)

var (
	tracer = otel.Tracer("aleutian.evalgraph")
	meter  = otel.Meter("aleutian.evalgraph")
)

// Evaluator walks the transitive deps of requested roots, invoking
// builders to produce missing values and reusing memoized results
// whose transitive inputs have not changed.
//
// An Evaluator owns no builder state: the graph may outlive it and may
// be shared with later Evaluators, as long as versions keep
// non-decreasing.
//
// Eval and Invalidate serialize against each other; builders run on
// the evaluation's own worker pool.
type Evaluator struct {
	graph    graph.Graph
	builders Registry

	keepGoing   bool
	threadCount int
	maxCycles   int
	logger      *slog.Logger
	reporter    events.Reporter
	progress    ProgressReceiver

	// replay deduplicates event replay across the evaluator's lifetime,
	// so shared subtrees report once per Evaluator, not once per Eval.
	replay *events.Visitor

	// evalMu serializes Eval and Invalidate calls.
	evalMu      sync.Mutex
	version     graph.Version
	lastVersion graph.Version
	evaluated   bool

	// Metrics (initialized lazily)
	metricsOnce    sync.Once
	builderLatency metric.Float64Histogram
	evalLatency    metric.Float64Histogram
	nodesBuilt     metric.Int64Counter
	nodesClean     metric.Int64Counter
	nodeFailures   metric.Int64Counter
	activeNodes    metric.Int64UpDownCounter
}

// New creates an Evaluator over g with the given builder registry.
func New(g graph.Graph, builders Registry, cfg Config) (*Evaluator, error) {
	if g == nil {
		return nil, ErrNilGraph
	}
	if _, ok := builders[transienceKind]; ok {
		return nil, fmt.Errorf("%w: kind %q is reserved", ErrNoBuilder, transienceKind)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	ev := &Evaluator{
		graph:       g,
		builders:    builders,
		keepGoing:   cfg.KeepGoing,
		threadCount: cfg.ThreadCount,
		maxCycles:   cfg.MaxCyclesReported,
		logger:      cfg.Logger,
		reporter:    cfg.Reporter,
		progress:    cfg.Progress,
	}
	ev.replay = events.NewVisitor(events.NewReporterReceiver(ev.reporter))
	return ev, nil
}

// initMetrics lazily initializes instruments; failures degrade to
// logging only.
func (ev *Evaluator) initMetrics() {
	ev.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		ev.builderLatency, err = meter.Float64Histogram("evalgraph_builder_duration_seconds",
			metric.WithDescription("Time spent in a single builder invocation"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "builder_latency: "+err.Error())
		}

		ev.evalLatency, err = meter.Float64Histogram("evalgraph_eval_duration_seconds",
			metric.WithDescription("Total wall time of an Eval call"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "eval_latency: "+err.Error())
		}

		ev.nodesBuilt, err = meter.Int64Counter("evalgraph_nodes_built_total",
			metric.WithDescription("Nodes whose value was (re)computed"),
		)
		if err != nil {
			initErrors = append(initErrors, "nodes_built: "+err.Error())
		}

		ev.nodesClean, err = meter.Int64Counter("evalgraph_nodes_clean_total",
			metric.WithDescription("Nodes reused without a value change"),
		)
		if err != nil {
			initErrors = append(initErrors, "nodes_clean: "+err.Error())
		}

		ev.nodeFailures, err = meter.Int64Counter("evalgraph_node_failures_total",
			metric.WithDescription("Builder invocations that failed"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_failures: "+err.Error())
		}

		ev.activeNodes, err = meter.Int64UpDownCounter("evalgraph_active_builders",
			metric.WithDescription("Builders currently executing"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_builders: "+err.Error())
		}

		if len(initErrors) > 0 {
			ev.logger.Error("failed to initialize some evalgraph metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

func (ev *Evaluator) notifyEnqueueing(key keys.Key) {
	if ev.progress != nil {
		ev.progress.Enqueueing(key)
	}
}

func (ev *Evaluator) notifyEvaluated(ctx context.Context, key keys.Key, value Value, state EvaluationState) {
	if ev.progress != nil {
		ev.progress.Evaluated(key, value, state)
	}
	switch state {
	case Built:
		if ev.nodesBuilt != nil {
			ev.nodesBuilt.Add(ctx, 1)
		}
	case Clean:
		if ev.nodesClean != nil {
			ev.nodesClean.Add(ctx, 1)
		}
	}
}

// Eval computes the values of the requested roots at the given graph
// version. It may be called repeatedly on the same graph with
// non-decreasing versions; results whose transitive inputs did not
// change since their last evaluation are reused without rebuilding.
//
// On cancellation the graph is restored to a consistent state and an
// error wrapping ErrInterrupted is returned.
func (ev *Evaluator) Eval(ctx context.Context, roots []keys.Key, version graph.Version) (*Result, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if version < 0 {
		return nil, fmt.Errorf("%w: negative version %d", ErrVersionRegression, version)
	}

	ev.evalMu.Lock()
	defer ev.evalMu.Unlock()
	if ev.evaluated && version < ev.lastVersion {
		return nil, fmt.Errorf("%w: got %d after %d", ErrVersionRegression, version, ev.lastVersion)
	}
	ev.lastVersion = version
	ev.evaluated = true
	ev.version = version

	ev.initMetrics()

	ctx, span := tracer.Start(ctx, "evalgraph.Eval",
		trace.WithAttributes(
			attribute.Int("eval.roots", len(roots)),
			attribute.Int64("eval.version", int64(version)),
			attribute.Bool("eval.keep_going", ev.keepGoing),
			attribute.Int("eval.threads", ev.threadCount),
		),
	)
	defer span.End()

	start := time.Now()
	session := uuid.NewString()[:12]
	logger := ev.logger.With(slog.String("session_id", session))

	rootSet := make(keys.Set, len(roots))
	uniqueRoots := make([]keys.Key, 0, len(roots))
	for _, r := range roots {
		if rootSet.Add(r) {
			uniqueRoots = append(uniqueRoots, r)
		}
	}

	logger.Info("evaluation started",
		slog.Int("roots", len(uniqueRoots)),
		slog.Int64("version", int64(version)),
	)

	// The transience entry must exist before any transient failure
	// registers a dep on it, and its bump must precede the fast-path
	// check so nodes with transient errors are dirtied (and therefore
	// retried) rather than served from cache.
	ev.injectErrorTransience()

	// Fast path: everything requested is already done; skip the pool.
	if ev.allDone(uniqueRoots) {
		result := ev.constructResult(ctx, nil, uniqueRoots, nil)
		span.SetAttributes(attribute.Bool("eval.fast_path", true))
		span.SetStatus(codes.Ok, "")
		logger.Info("evaluation complete",
			slog.Bool("cached", true),
			slog.Bool("has_error", result.HasError),
			slog.Duration("duration", time.Since(start)),
		)
		return result, nil
	}

	vis := newVisitor(ev)
	for _, root := range uniqueRoots {
		entry := ev.graph.CreateIfAbsent(root)
		// Must mirror enqueueChild to stay race-free against workers.
		switch entry.AddReverseDepAndCheckIfDone(keys.Key{}) {
		case graph.NeedsScheduling:
			vis.enqueueEvaluation(root)
		case graph.Done:
			if v := entry.Value(); v != nil {
				state := Built
				if entry.Version() < version {
					state = Clean
				}
				ev.notifyEvaluated(ctx, root, v, state)
			}
		case graph.AddedDep:
		}
	}

	runErr := vis.run(ctx)

	var bubble map[keys.Key]graph.ValueWithMetadata
	if runErr != nil {
		var se *schedulerError
		switch {
		case errors.As(runErr, &se) && ctx.Err() == nil:
			// Fail-fast builder failure: walk it up to a requested root.
			// A nil map means bubbling hit a cycle; cycle detection in
			// constructResult takes over.
			bubble = ev.bubbleErrorUp(ctx, se.info, se.key, rootSet, vis)
		case ctx.Err() != nil:
			vis.clean()
			span.RecordError(ctx.Err())
			span.SetStatus(codes.Error, "interrupted")
			logger.Warn("evaluation interrupted", slog.Duration("duration", time.Since(start)))
			return nil, fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
		default:
			vis.clean()
			span.RecordError(runErr)
			span.SetStatus(codes.Error, runErr.Error())
			logger.Error("evaluation failed fatally",
				slog.String("error", runErr.Error()),
				slog.Duration("duration", time.Since(start)),
			)
			return nil, runErr
		}
	}

	result := ev.constructResult(ctx, vis, uniqueRoots, bubble)
	vis.clean()

	duration := time.Since(start)
	if ev.evalLatency != nil {
		ev.evalLatency.Record(ctx, duration.Seconds())
	}
	if result.HasError {
		span.SetStatus(codes.Error, "evaluation finished with errors")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	logger.Info("evaluation complete",
		slog.Int("values", len(result.Values)),
		slog.Int("errors", len(result.Errors)),
		slog.Bool("has_error", result.HasError),
		slog.Duration("duration", duration),
	)
	return result, nil
}

// Invalidate marks the given done entries dirty, transitively dirtying
// their reverse deps so the next Eval re-checks the affected subgraph.
// changed forces a rebuild of the named keys; false lets the dirty
// check verify them clean if their deps turn out unchanged. Keys not
// present are ignored. Keys that are already dirty are not walked
// again; with changed set, one that is still only being checked and
// not yet scheduled is upgraded to a forced rebuild.
func (ev *Evaluator) Invalidate(invalidated []keys.Key, changed bool) {
	ev.evalMu.Lock()
	defer ev.evalMu.Unlock()
	n := ev.markDirtyTransitively(invalidated, changed)
	ev.logger.Debug("invalidation complete",
		slog.Int("requested", len(invalidated)),
		slog.Int("dirtied", n),
		slog.Bool("changed", changed),
	)
}

// markDirtyTransitively dirties the given keys and walks reverse-dep
// edges upward, marking ancestors dirty-not-changed. Propagation stops
// at entries that are already dirty. Returns the number of entries
// newly dirtied.
func (ev *Evaluator) markDirtyTransitively(initial []keys.Key, changed bool) int {
	dirtied := 0
	stack := make([]keys.Key, 0, len(initial))
	for _, k := range initial {
		if entry := ev.graph.Get(k); entry != nil && entry.MarkDirty(changed) {
			dirtied++
			stack = append(stack, entry.ReverseDeps()...)
		}
	}
	for len(stack) > 0 {
		k := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		entry := ev.graph.Get(k)
		if entry == nil || !entry.MarkDirty(false) {
			continue
		}
		dirtied++
		stack = append(stack, entry.ReverseDeps()...)
	}
	return dirtied
}

// injectErrorTransience creates the transience entry on first use and
// bumps its version on later evaluations, dirtying every node that
// committed a transient error so it is rebuilt this evaluation.
func (ev *Evaluator) injectErrorTransience() {
	entry := ev.graph.CreateIfAbsent(transienceKey())
	if !entry.IsDone() {
		if st := entry.AddReverseDepAndCheckIfDone(keys.Key{}); st != graph.NeedsScheduling {
			panic(&graph.InvariantError{Msg: fmt.Sprintf(
				"fresh transience entry in state %v", st)})
		}
		entry.SetValue(graph.Normal(transienceValue{version: int64(ev.version)}, nil, nil), ev.version)
		return
	}
	if entry.Version() >= ev.version {
		return
	}
	parents := entry.Overwrite(
		graph.Normal(transienceValue{version: int64(ev.version)}, nil, nil), ev.version)
	// Direct parents are the nodes that committed transient errors. They
	// are marked changed, not merely dirty: their dep lists include the
	// transience key, which the dirty-check path is forbidden to request.
	ev.markDirtyTransitively(parents, true)
}

func (ev *Evaluator) allDone(roots []keys.Key) bool {
	for _, r := range roots {
		if !ev.isDoneForBuild(r) {
			return false
		}
	}
	return true
}

func (ev *Evaluator) isDoneForBuild(key keys.Key) bool {
	entry := ev.graph.Get(key)
	return entry != nil && entry.IsDone()
}

// valueMaybeFromError resolves a key's payload, preferring the
// bubbling sideband map over the graph. ok is false when the node is
// not done and has no sideband value.
func (ev *Evaluator) valueMaybeFromError(key keys.Key,
	bubble map[keys.Key]graph.ValueWithMetadata) (graph.ValueWithMetadata, bool) {
	if bubble != nil {
		if vm, ok := bubble[key]; ok {
			return vm, true
		}
	}
	entry := ev.graph.Get(key)
	if entry != nil && entry.IsDone() {
		return entry.ValueWithMetadata(), true
	}
	return graph.ValueWithMetadata{}, false
}

// enqueueChild introduces the dep edge parent -> child and schedules
// whichever side needs it. This is the only way edges are created,
// which is why no wake-up can be lost: either the child was done and
// the parent signals itself here, or the parent is on the child's
// signal list before the child can commit.
func (ev *Evaluator) enqueueChild(parent keys.Key, parentEntry *graph.Entry,
	child keys.Key, vis *visitor) {
	if parentEntry.IsDone() {
		panic(&graph.InvariantError{Msg: fmt.Sprintf("enqueueChild on done parent %s", parent)})
	}
	if child == transienceKey() {
		panic(&graph.InvariantError{Msg: fmt.Sprintf(
			"%s may not request the error-transience key as a dep", parent)})
	}
	depEntry := ev.graph.CreateIfAbsent(child)
	switch depEntry.AddReverseDepAndCheckIfDone(parent) {
	case graph.Done:
		if parentEntry.SignalDep(depEntry.Version()) {
			// Only possible once no more children remain to be added.
			vis.enqueueEvaluation(parent)
		}
	case graph.AddedDep:
	case graph.NeedsScheduling:
		vis.enqueueEvaluation(child)
	}
}

// signalAndEnqueue signals every waiting parent at the given version,
// enqueueing those that became ready. A nil visitor (commit during
// shutdown or cycle repair) only signals, skipping parents that are
// already done, which can happen inside cycles.
func (ev *Evaluator) signalAndEnqueue(vis *visitor, parents []keys.Key, version graph.Version) {
	if vis != nil {
		for _, p := range parents {
			if ev.graph.Get(p).SignalDep(version) {
				vis.enqueueEvaluation(p)
			}
		}
		return
	}
	for _, p := range parents {
		entry := ev.graph.Get(p)
		if entry != nil && !entry.IsDone() {
			entry.SignalDep(version)
		}
	}
}

// registerNewlyDiscoveredDepsForDoneEntry registers deps a builder
// requested during the run that finished it. Deps that are not done
// are dropped: the builder finished without them, so the graph must
// not record an edge that was never satisfied. The done ones are
// registered and self-signaled to keep the entry ready.
func (ev *Evaluator) registerNewlyDiscoveredDepsForDoneEntry(key keys.Key,
	entry *graph.Entry, env *Env) {
	unfinished := make(keys.Set)
	for _, nd := range env.newDeps.Keys() {
		if !ev.isDoneForBuild(nd) {
			unfinished.Add(nd)
		}
	}
	env.newDeps.Remove(unfinished)
	entry.AddTemporaryDirectDeps(env.newDeps.List())
	for _, nd := range env.newDeps.Keys() {
		depEntry := ev.graph.Get(nd)
		if st := depEntry.AddReverseDepAndCheckIfDone(key); st != graph.Done {
			panic(&graph.InvariantError{Msg: fmt.Sprintf(
				"new dep %s of %s not done at registration: %v", nd, key, st)})
		}
		entry.ForceSignalDep()
	}
	if !entry.IsReady() {
		panic(&graph.InvariantError{Msg: fmt.Sprintf(
			"%s not ready after registering discovered deps", key)})
	}
}

// processKey is one work-queue step: drive the entry's dirty lifecycle
// or run its builder, then commit the outcome.
func (ev *Evaluator) processKey(ctx context.Context, key keys.Key, vis *visitor) error {
	entry := ev.graph.Get(key)
	if entry == nil || !entry.IsReady() {
		panic(&graph.InvariantError{Msg: fmt.Sprintf("dequeued %s not ready", key)})
	}

	if entry.IsDirty() {
		switch entry.DirtyState() {
		case graph.CheckDependencies:
			// Re-check the previous deps one group at a time: a change
			// in an earlier group must be discovered before later
			// groups are even requested, since the rebuild may no
			// longer need them. Members of one group check in parallel.
			for _, dep := range entry.GetNextDirtyDirectDeps() {
				ev.enqueueChild(key, entry, dep, vis)
			}
			return nil
		case graph.VerifiedClean:
			// Every dep unchanged: reuse the value without rebuilding.
			vis.notifyDone(key)
			sig := entry.MarkClean(ev.version)
			ev.notifyEvaluated(ctx, key, entry.Value(), Clean)
			ev.logger.Debug("node verified clean", slog.String("key", key.String()))
			ev.signalAndEnqueue(vis, sig, entry.Version())
			return nil
		case graph.Rebuilding:
			// Fall through to a normal build.
		}
	}

	directDeps := entry.TemporaryDirectDeps()
	if directDeps.Has(transienceKey()) {
		panic(&graph.InvariantError{Msg: fmt.Sprintf(
			"%s depends on the error-transience key during building", key)})
	}

	builder := ev.builders[key.Kind()]
	if builder == nil {
		return fmt.Errorf("%w: %q (key %s)", ErrNoBuilder, key.Kind(), key)
	}

	env := newEnv(ev, ctx, key, directDeps, nil, vis)
	if ev.activeNodes != nil {
		ev.activeNodes.Add(ctx, 1)
	}
	buildStart := time.Now()
	value, buildErr := builder.Build(key, env)
	if ev.builderLatency != nil {
		ev.builderLatency.Record(ctx, time.Since(buildStart).Seconds(),
			metric.WithAttributes(attribute.String("kind", string(key.Kind()))))
	}
	if ev.activeNodes != nil {
		ev.activeNodes.Add(ctx, -1)
	}
	env.doneBuilding()

	if buildErr != nil {
		var be *BuilderError
		if !errors.As(buildErr, &be) {
			// Outcome 4: not a builder-declared failure. Fatal.
			return &fatalError{key: key, parents: entry.InProgressReverseDeps(), cause: buildErr}
		}
		if ev.nodeFailures != nil {
			ev.nodeFailures.Add(ctx, 1,
				metric.WithAttributes(attribute.String("kind", string(key.Kind()))))
		}
		ev.logger.Error("builder failed",
			slog.String("key", key.String()),
			slog.Bool("transient", be.Transient),
			slog.String("error", be.Cause.Error()),
		)
		ev.registerNewlyDiscoveredDepsForDoneEntry(key, entry, env)
		env.setError(graph.NewBuilderErrorInfo(key, be.Cause, be.Transient))
		env.commit(ev.keepGoing)
		if ev.keepGoing {
			return nil
		}
		return &schedulerError{key: key, info: ev.graph.Get(key).ErrorInfo()}
	}

	if value != nil {
		if env.depsMissing {
			panic(&graph.InvariantError{Msg: fmt.Sprintf(
				"%s produced a value with deps still missing", key)})
		}
		env.value = value
		ev.registerNewlyDiscoveredDepsForDoneEntry(key, entry, env)
		env.commit(true)
		return nil
	}

	// Deferred: record the newly requested deps, then hand each one to
	// the enqueue protocol. The parent is not re-enqueued here; its
	// re-entry is driven solely by the last child's signal.
	newDeps := env.newDeps
	entry.AddTemporaryDirectDeps(newDeps.List())

	if newDeps.Empty() {
		// No new deps requested: every requested dep was already done
		// but in error. The environment collected the child errors;
		// commit them as this node's failure.
		if len(env.childErrors) == 0 {
			panic(&graph.InvariantError{Msg: fmt.Sprintf(
				"%s returned no value, no error, and requested nothing new", key)})
		}
		env.commit(ev.keepGoing)
		if ev.keepGoing {
			return nil
		}
		return &schedulerError{key: key, info: ev.graph.Get(key).ErrorInfo()}
	}
	for _, dep := range newDeps.Keys() {
		ev.enqueueChild(key, entry, dep, vis)
	}
	// No code after the child loop: the final registration may make the
	// parent ready on another worker immediately.
	return nil
}

// bubbleErrorUp walks a fail-fast failure up reverse edges to a
// requested root, re-running each unfinished parent's builder against
// a sideband error map so it may translate the child failure into a
// more specific one. The graph itself is not mutated. Returns nil if a
// cycle interrupts the walk; cycle detection then takes over.
func (ev *Evaluator) bubbleErrorUp(ctx context.Context, leafFailure *graph.ErrorInfo,
	errorKey keys.Key, roots keys.Set, vis *visitor) map[keys.Key]graph.ValueWithMetadata {
	errInfo := leafFailure
	bubble := make(map[keys.Key]graph.ValueWithMetadata)
	for !roots.Has(errorKey) {
		errorEntry := ev.graph.Get(errorKey)
		if errorEntry == nil {
			panic(&graph.InvariantError{Msg: fmt.Sprintf("bubbling through absent %s", errorKey)})
		}
		var rdeps []keys.Key
		if errorEntry.IsDone() {
			rdeps = errorEntry.ReverseDeps()
		} else {
			rdeps = errorEntry.InProgressReverseDeps()
		}
		if len(rdeps) == 0 {
			panic(&graph.InvariantError{Msg: fmt.Sprintf("no parent to bubble %s to", errorKey)})
		}
		parent := rdeps[0]
		if _, seen := bubble[parent]; seen {
			// Cycle along the bubble path; let cycle detection report it.
			return nil
		}
		parentEntry := ev.graph.Get(parent)
		if parentEntry == nil {
			panic(&graph.InvariantError{Msg: fmt.Sprintf(
				"parent %s of %s not in graph", parent, errorKey)})
		}
		if parentEntry.IsDone() {
			// The parent raced ahead and finished itself with this
			// failure already; adopt its error and keep climbing.
			perr := parentEntry.ErrorInfo()
			if perr == nil {
				panic(&graph.InvariantError{Msg: fmt.Sprintf(
					"%s done without error but child %s failed", parent, errorKey)})
			}
			errInfo = perr
			errorKey = parent
			continue
		}
		if !vis.isInflight(parent) {
			panic(&graph.InvariantError{Msg: fmt.Sprintf("bubble parent %s not in flight", parent)})
		}
		errorKey = parent
		if parentEntry.IsDirty() && parentEntry.DirtyState() == graph.CheckDependencies {
			// The failed child never signaled this parent; force it
			// ready (and into Rebuilding) so the builder may run.
			parentEntry.ForceSignalDep()
		}
		builder := ev.builders[parent.Kind()]
		env := newEnv(ev, ctx, parent, parentEntry.TemporaryDirectDeps(), bubble, vis)
		childErr := errInfo
		if builder != nil {
			// Run only to see whether the parent turns the child
			// failure into something more specific.
			if value, buildErr := ev.buildForBubble(builder, parent, env); value == nil && buildErr != nil {
				var be *BuilderError
				if errors.As(buildErr, &be) {
					childErr = graph.NewBuilderErrorInfo(parent, be.Cause, be.Transient)
				}
			}
		}
		env.doneBuilding()
		errInfo = childErr
		bubble[parent] = graph.ErrorPayload(
			graph.NewChildErrorInfo(parent, []*graph.ErrorInfo{errInfo}),
			env.buildEvents(true),
		)
	}
	return bubble
}

// buildForBubble shields the bubbling walk from builder panics; a
// panicking parent simply contributes no refinement.
func (ev *Evaluator) buildForBubble(builder Builder, key keys.Key, env *Env) (v Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, nil
		}
	}()
	return builder.Build(key, env)
}
