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

	"github.com/AleutianAI/evalgraph/graph"
	"github.com/AleutianAI/evalgraph/keys"
)

// Result maps each requested root to its value or its error. In
// keep-going mode a root appears under Values whenever its builder
// produced a value, even if parts of its subtree failed; HasError
// still reports those partial failures.
type Result struct {
	Values   map[keys.Key]Value
	Errors   map[keys.Key]*graph.ErrorInfo
	HasError bool
}

// Value returns the root's value, nil if it failed or was not requested.
func (r *Result) Value(key keys.Key) Value {
	return r.Values[key]
}

// Err returns the root's error, nil if it succeeded.
func (r *Result) Err(key keys.Key) *graph.ErrorInfo {
	return r.Errors[key]
}

// constructResult assembles the per-root outcome after the pool has
// drained. Roots that are neither done nor covered by the bubbling
// sideband map must be stuck behind a cycle, unless an error already
// bubbled, in which case cycle detection is skipped for them.
func (ev *Evaluator) constructResult(ctx context.Context, vis *visitor,
	roots []keys.Key, bubble map[keys.Key]graph.ValueWithMetadata) *Result {
	if ev.keepGoing && bubble != nil {
		panic(&graph.InvariantError{Msg: "bubbled errors in a keep-going evaluation"})
	}
	result := &Result{
		Values: make(map[keys.Key]Value),
		Errors: make(map[keys.Key]*graph.ErrorInfo),
	}
	var cycleRoots []keys.Key
	hasError := false
	for _, root := range roots {
		vm, done := ev.valueMaybeFromError(root, bubble)
		if !done {
			// Evaluation ran out of work without finishing this root.
			if bubble == nil {
				cycleRoots = append(cycleRoots, root)
			}
			hasError = true
			continue
		}
		// Replay is needed here only for cached roots; freshly built
		// nodes replayed at commit, and the visitor deduplicates.
		ev.replay.Visit(vm.Events)
		if vm.Value == nil && vm.Err == nil {
			panic(&graph.InvariantError{Msg: fmt.Sprintf(
				"root %s done with neither value nor error", root)})
		}
		if vm.Err != nil {
			hasError = true
			if !ev.keepGoing || vm.Value == nil {
				result.Errors[root] = vm.Err
				continue
			}
		}
		result.Values[root] = vm.Value
	}
	if len(cycleRoots) > 0 {
		if vis == nil {
			panic(&graph.InvariantError{Msg: "unfinished roots on the fast path"})
		}
		ev.checkForCycles(ctx, cycleRoots, result, vis)
	}
	result.HasError = hasError
	return result
}
