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
	"fmt"

	"github.com/AleutianAI/evalgraph/depgroup"
	"github.com/AleutianAI/evalgraph/events"
	"github.com/AleutianAI/evalgraph/graph"
	"github.com/AleutianAI/evalgraph/keys"
)

// Env is the per-invocation handle a builder uses to request deps and
// emit diagnostics. An Env is valid only for the duration of one Build
// call and must not be retained or shared.
type Env struct {
	ev      *Evaluator
	ctx     context.Context
	key     keys.Key
	visitor *visitor

	// directDeps are the deps already registered for this node when
	// the builder started; requesting one again returns it without
	// re-registration.
	directDeps keys.Set

	// newDeps collects deps first requested during this run, with
	// group boundaries.
	newDeps *depgroup.Helper

	// bubble is the sideband error map during error bubbling and cycle
	// construction; nil during normal builds. Nodes built against it
	// may not register new deps.
	bubble map[keys.Key]graph.ValueWithMetadata

	building    bool
	depsMissing bool

	value       Value
	errorInfo   *graph.ErrorInfo
	childErrors []*graph.ErrorInfo
	localEvents []events.Event
}

func newEnv(ev *Evaluator, ctx context.Context, key keys.Key, directDeps keys.Set,
	bubble map[keys.Key]graph.ValueWithMetadata, vis *visitor) *Env {
	return &Env{
		ev:         ev,
		ctx:        ctx,
		key:        key,
		visitor:    vis,
		directDeps: directDeps,
		newDeps:    depgroup.NewHelper(),
		bubble:     bubble,
		building:   true,
	}
}

func (env *Env) checkActive() {
	if !env.building {
		panic(&graph.InvariantError{Msg: fmt.Sprintf("environment for %s used after build", env.key)})
	}
}

// Context returns the evaluation context. Builders doing long work
// should honor its cancellation.
func (env *Env) Context() context.Context { return env.ctx }

// depValue loads a dep's committed payload, registering the request.
// Returns ok=false when the dep is not done, after recording the miss.
func (env *Env) depValue(dep keys.Key) (graph.ValueWithMetadata, bool) {
	env.checkActive()
	vm, done := env.ev.valueMaybeFromError(dep, env.bubble)
	if !done {
		env.depsMissing = true
		if env.bubble != nil {
			// Nodes built just for their errors don't get new children.
			return graph.ValueWithMetadata{}, false
		}
		if env.directDeps.Has(dep) {
			panic(&graph.InvariantError{Msg: fmt.Sprintf(
				"registered dep %s of %s not done at build time", dep, env.key)})
		}
		env.newDeps.Add(dep)
		return graph.ValueWithMetadata{}, false
	}
	if !env.directDeps.Has(dep) {
		// Done already, but newly requested: record it so the edge is
		// registered in the graph at commit.
		env.newDeps.Add(dep)
	}
	env.ev.replay.Visit(vm.Events)
	if vm.Err != nil {
		env.childErrors = append(env.childErrors, vm.Err)
	}
	return vm, true
}

// depOutcome applies the error-surfacing policy shared by the single
// and grouped accessors.
func (env *Env) depOutcome(dep keys.Key, surfaceErr bool) ValueOrError {
	vm, ok := env.depValue(dep)
	if !ok {
		return ValueOrError{}
	}
	if vm.Err == nil {
		return ValueOrError{Value: vm.Value}
	}
	if env.ev.keepGoing && vm.Value != nil {
		// Recoverable failure: keep-going builds hand out the value and
		// the error stays recorded as a child error.
		return ValueOrError{Value: vm.Value}
	}
	if surfaceErr && vm.Err.Err != nil {
		// Give the builder a chance to handle the underlying failure.
		return ValueOrError{Err: vm.Err.Err}
	}
	// Either the caller doesn't want errors or the failure has no
	// underlying cause to hand over (pure cycle); insulate the builder.
	env.depsMissing = true
	return ValueOrError{}
}

// GetDep returns the dep's value if it is done and error-free (or done
// at all in keep-going mode). Otherwise records the miss and returns
// nil; the builder should eventually return (nil, nil) to be resumed
// once the dep completes.
func (env *Env) GetDep(dep keys.Key) Value {
	return env.depOutcome(dep, false).Value
}

// GetDepOrError is GetDep but surfaces the dep's underlying builder
// failure for the builder to handle (inspect with errors.As). A
// builder that cannot handle the returned error must wrap it in its
// own BuilderError rather than ignore it.
func (env *Env) GetDepOrError(dep keys.Key) (Value, error) {
	out := env.depOutcome(dep, true)
	return out.Value, out.Err
}

// GetDeps requests the keys as one dependency group; on a later dirty
// check the whole group is re-checked in parallel. Missing deps are
// recorded and absent from the result.
func (env *Env) GetDeps(deps ...keys.Key) map[keys.Key]Value {
	env.checkActive()
	out := make(map[keys.Key]Value, len(deps))
	requested := make(keys.Set, len(deps))
	env.newDeps.StartGroup()
	for _, dep := range deps {
		if !requested.Add(dep) {
			continue
		}
		if v := env.depOutcome(dep, false); v.Value != nil {
			out[dep] = v.Value
		}
	}
	env.newDeps.EndGroup()
	return out
}

// GetDepsOrError requests the keys as one group, surfacing per-dep
// failures.
func (env *Env) GetDepsOrError(deps ...keys.Key) map[keys.Key]ValueOrError {
	env.checkActive()
	out := make(map[keys.Key]ValueOrError, len(deps))
	requested := make(keys.Set, len(deps))
	env.newDeps.StartGroup()
	for _, dep := range deps {
		if !requested.Add(dep) {
			continue
		}
		out[dep] = env.depOutcome(dep, true)
	}
	env.newDeps.EndGroup()
	return out
}

// DepsMissing reports whether any requested dep was not done. A
// builder returning (nil, nil) with DepsMissing false is a builder
// bug.
func (env *Env) DepsMissing() bool { return env.depsMissing }

// Warnf stores a warning, replayed through the reporter on commit.
func (env *Env) Warnf(format string, args ...any) {
	env.checkActive()
	env.localEvents = append(env.localEvents, events.Event{
		Severity: events.Warning,
		Message:  fmt.Sprintf(format, args...),
	})
}

// Errorf stores an error diagnostic, replayed on commit even when the
// node itself fails.
func (env *Env) Errorf(format string, args ...any) {
	env.checkActive()
	env.localEvents = append(env.localEvents, events.Event{
		Severity: events.Error,
		Message:  fmt.Sprintf(format, args...),
	})
}

// Progressf forwards a progress message to the reporter immediately;
// it is not stored for replay.
func (env *Env) Progressf(format string, args ...any) {
	env.checkActive()
	env.ev.reporter.Progress(env.tag(), fmt.Sprintf(format, args...))
}

func (env *Env) tag() string { return env.key.String() }

func (env *Env) doneBuilding() { env.building = false }

// setError records the node's failure. All deps must already be
// registered: a transient failure appends the implicit transience dep,
// which must be the node's last dep.
func (env *Env) setError(info *graph.ErrorInfo) {
	if env.value != nil || env.errorInfo != nil {
		panic(&graph.InvariantError{Msg: fmt.Sprintf(
			"setError on %s with value=%v err=%v", env.key, env.value, env.errorInfo)})
	}
	if info.Transient {
		tkey := transienceKey()
		tentry := env.ev.graph.Get(tkey)
		if tentry == nil || tentry.AddReverseDepAndCheckIfDone(env.key) != graph.Done {
			panic(&graph.InvariantError{Msg: "error-transience entry not done"})
		}
		entry := env.ev.graph.Get(env.key)
		var tdep depgroup.List
		tdep.Append(tkey)
		entry.AddTemporaryDirectDeps(&tdep)
		entry.ForceSignalDep()
	}
	env.errorInfo = info
}

// finalizeError synthesizes an aggregate error from recorded child
// failures when the builder did not raise its own.
func (env *Env) finalizeError() {
	if env.errorInfo == nil && len(env.childErrors) > 0 {
		env.errorInfo = graph.NewChildErrorInfo(env.key, env.childErrors)
	}
}

// buildEvents aggregates this run's stored events with the transitive
// sets of every registered dep. missingChildren permits unfinished
// deps, which happens only for nodes built during bubbling or cycle
// construction.
func (env *Env) buildEvents(missingChildren bool) *events.Set {
	var b events.SetBuilder
	if len(env.localEvents) > 0 {
		b.Add(events.Tagged{Tag: env.tag(), Events: env.localEvents})
	}
	entry := env.ev.graph.Get(env.key)
	for dep := range entry.TemporaryDirectDeps() {
		vm, done := env.ev.valueMaybeFromError(dep, env.bubble)
		if done {
			b.AddTransitive(vm.Events)
		} else if !missingChildren {
			panic(&graph.InvariantError{Msg: fmt.Sprintf(
				"dep %s of %s missing at commit", dep, env.key)})
		}
	}
	return b.Build()
}

// commit applies the build outcome to the graph and signals waiting
// parents. Parents are enqueued unless the evaluation is shutting down
// (fail-fast failure) or the node is being finished by the cycle
// detector.
func (env *Env) commit(enqueueParents bool) {
	entry := env.ev.graph.Get(env.key)
	if entry == nil {
		panic(&graph.InvariantError{Msg: fmt.Sprintf("commit of absent entry %s", env.key)})
	}
	env.finalizeError()

	evs := env.buildEvents(false)
	if env.value == nil {
		if env.errorInfo == nil {
			panic(&graph.InvariantError{Msg: fmt.Sprintf(
				"commit of %s with neither value nor error", env.key)})
		}
		sig := entry.SetValue(graph.ErrorPayload(env.errorInfo, evs), env.ev.version)
		vis := env.visitor
		if !enqueueParents {
			vis = nil
		}
		env.ev.signalAndEnqueue(vis, sig, env.ev.version)
	} else {
		if !enqueueParents {
			panic(&graph.InvariantError{Msg: fmt.Sprintf(
				"value commit of %s without enqueueing parents", env.key)})
		}
		sig := entry.SetValue(graph.Normal(env.value, env.errorInfo, evs), env.ev.version)
		// The entry keeps its old version when the rebuild produced an
		// equal payload; parents are then signaled below the graph
		// version and do not see a change.
		nodeVersion := entry.Version()
		state := Built
		if nodeVersion < env.ev.version {
			state = Clean
		}
		env.ev.notifyEvaluated(env.ctx, env.key, env.value, state)
		env.ev.signalAndEnqueue(env.visitor, sig, nodeVersion)
	}

	if env.visitor != nil {
		env.visitor.notifyDone(env.key)
	}
	env.ev.replay.Visit(evs)
}
