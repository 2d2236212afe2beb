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

// childrenFinished is the sentinel pushed onto the DFS stack before a
// node's children; popping it means the node's whole subtree has been
// visited.
var childrenFinished = keys.New("EVAL_INTERNAL_MARKER", "CHILDREN_FINISHED")

// cycleChildPlaceholder stands in for the one unfinished child of a
// cycle node while its error is synthesized.
type cycleChildPlaceholder struct{}

// checkForCycles runs only when evaluation drained without a bubbled
// error yet some roots are unfinished: the only way that happens is a
// dependency cycle. Iterative DFS from each such root; done entries
// are skipped since they are transitively cycle-free.
func (ev *Evaluator) checkForCycles(ctx context.Context, badRoots []keys.Key,
	result *Result, vis *visitor) {
	for _, root := range badRoots {
		errInfo := ev.checkForCyclesFrom(ctx, root, vis)
		if errInfo == nil {
			// No cycle below this root; it was merely unfinished when a
			// fail-fast evaluation stopped.
			if ev.keepGoing {
				panic(&graph.InvariantError{Msg: fmt.Sprintf(
					"keep-going root %s unfinished without a cycle", root)})
			}
			continue
		}
		if !errInfo.IsCycle() {
			panic(&graph.InvariantError{Msg: fmt.Sprintf(
				"%s was not evaluated, but was not part of a cycle", root)})
		}
		result.Errors[root] = errInfo
		if !ev.keepGoing {
			return
		}
	}
}

// checkForCyclesFrom visits the unfinished subgraph under root with an
// explicit stack. The current DFS path is kept both as a list (for
// cycle extraction) and a set (for O(1) membership). In fail-fast mode
// the first cycle is returned immediately; in keep-going mode each
// cycle node gets a synthesized error committed and traversal
// continues, capped at maxCycles cycles.
func (ev *Evaluator) checkForCyclesFrom(ctx context.Context, root keys.Key,
	vis *visitor) *graph.ErrorInfo {
	cyclesFound := 0
	var graphPath []keys.Key
	pathSet := make(keys.Set)
	toVisit := []keys.Key{root}

	for len(toVisit) > 0 {
		key := toVisit[len(toVisit)-1]
		toVisit = toVisit[:len(toVisit)-1]

		if key == childrenFinished {
			// All children of the path's tail are finished; the node
			// itself can now be finished from their errors.
			key = graphPath[len(graphPath)-1]
			graphPath = graphPath[:len(graphPath)-1]
			pathSet.Remove(key)
			entry := ev.graph.Get(key)
			if entry == nil || entry.IsDone() {
				// Already processed as the head of its own cycle.
				continue
			}
			if !ev.keepGoing {
				// A cycle below would have returned already; the node
				// simply never finished.
				continue
			}
			if cyclesFound < ev.maxCycles {
				if !entry.IsReady() {
					panic(&graph.InvariantError{Msg: fmt.Sprintf(
						"%s not ready with all children finished", key)})
				}
			} else if !entry.IsReady() {
				ev.removeIncompleteChildrenForCycle(key, entry,
					entry.TemporaryDirectDeps().Keys())
			}
			directDeps := entry.TemporaryDirectDeps()
			errorDeps := ev.childrenErrorsForCycle(directDeps.Keys())
			if len(errorDeps) == 0 {
				panic(&graph.InvariantError{Msg: fmt.Sprintf(
					"%s unfinished with no child errors", key)})
			}
			env := newEnv(ev, ctx, key, directDeps, nil, vis)
			env.setError(graph.NewChildErrorInfo(key, errorDeps))
			env.commit(false)
			continue
		}

		entry := ev.graph.Get(key)
		if entry == nil || entry.IsDone() {
			continue
		}
		if cyclesFound == ev.maxCycles {
			// Stop hunting for more cycles to bound the work.
			continue
		}

		if pathSet.Has(key) {
			// Found a cycle: it runs from key's position on the path to
			// the path's tail.
			cycleStart := indexOf(graphPath, key)
			cyclesFound++
			cycle := copyPath(graphPath[cycleStart:])
			if entry.IsDirty() && entry.DirtyState() == graph.CheckDependencies {
				// Mid-check the entry has exactly one unfinished child,
				// which must be on this cycle; make the entry buildable.
				entry.ForceSignalDep()
			}
			if !ev.keepGoing {
				if graphPath[0] != root {
					panic(&graph.InvariantError{Msg: fmt.Sprintf(
						"%s not reached from %s", key, root)})
				}
				return graph.NewCycleErrorInfo(graph.CycleInfo{
					PathToCycle: copyPath(graphPath[:cycleStart]),
					Cycle:       cycle,
				})
			}
			// This node is about to be finished, so none of its other
			// children are worth visiting; the only interesting child
			// is the one on the cycle.
			cycleChild := selectCycleChild(key, graphPath, cycleStart)
			toVisit = ev.removeDescendantsOfCycleNode(key, entry, cycleChild,
				toVisit, len(graphPath)-cycleStart)
			dummy := graph.Normal(cycleChildPlaceholder{}, nil, nil)
			env := newEnv(ev, ctx, key, entry.TemporaryDirectDeps(),
				map[keys.Key]graph.ValueWithMetadata{cycleChild: dummy}, vis)
			allErrors := ev.childrenErrors(entry.TemporaryDirectDeps().Keys(), cycleChild)
			allErrors = append(allErrors, graph.NewCycleErrorInfo(graph.CycleInfo{Cycle: cycle}))
			env.setError(graph.NewChildErrorInfo(key, allErrors))
			env.commit(false)
			continue
		}

		children := entry.TemporaryDirectDeps().Keys()
		if len(children) == 0 {
			continue
		}
		toVisit = append(toVisit, childrenFinished)
		graphPath = append(graphPath, key)
		pathSet.Add(key)
		toVisit = append(toVisit, children...)
	}
	if ev.keepGoing {
		return ev.getAndCheckDone(root).ErrorInfo()
	}
	return nil
}

// selectCycleChild returns key's direct child on the cycle, or key
// itself for a self-edge.
func selectCycleChild(key keys.Key, graphPath []keys.Key, cycleStart int) keys.Key {
	if cycleStart+1 == len(graphPath) {
		return key
	}
	return graphPath[cycleStart+1]
}

// removeDescendantsOfCycleNode prunes key's children other than
// cycleChild from both the entry and the pending traversal stack, and
// restores the ready invariant. A parent must never be built before
// its children; children that will now never be built must not remain
// as its deps.
func (ev *Evaluator) removeDescendantsOfCycleNode(key keys.Key, entry *graph.Entry,
	cycleChild keys.Key, toVisit []keys.Key, cycleLength int) []keys.Key {
	unvisited := entry.TemporaryDirectDeps()
	unvisited.Remove(cycleChild)
	ev.removeIncompleteChildrenForCycle(key, entry, unvisited.Keys())
	if !entry.IsReady() {
		// At most one undone dep remains, the cycleChild; it may even
		// be done already if it headed a different cycle.
		entry.ForceSignalDep()
	}
	if !entry.IsReady() {
		panic(&graph.InvariantError{Msg: fmt.Sprintf(
			"%s not ready after pruning cycle descendants (child %s)", key, cycleChild)})
	}
	for i := len(toVisit) - 1; i >= 0; i-- {
		descendant := toVisit[i]
		if descendant == childrenFinished {
			// Marker delineating one enqueued batch of children.
			cycleLength--
			if cycleLength == 0 {
				return toVisit
			}
			continue
		}
		if cycleLength == 1 {
			// These are key's own remaining children.
			if !unvisited.Has(descendant) {
				panic(&graph.InvariantError{Msg: fmt.Sprintf(
					"unexpected descendant %s while pruning %s", descendant, key)})
			}
			toVisit = append(toVisit[:i], toVisit[i+1:]...)
		}
	}
	panic(&graph.InvariantError{Msg: fmt.Sprintf(
		"missing %d marker(s) while pruning children of %s", cycleLength, key)})
}

// removeIncompleteChildrenForCycle deregisters key from each
// unfinished child and drops those children from key's temporary deps.
func (ev *Evaluator) removeIncompleteChildrenForCycle(key keys.Key, entry *graph.Entry,
	children []keys.Key) {
	unfinished := make(keys.Set)
	for _, child := range children {
		if ev.removeIncompleteChild(key, child) {
			unfinished.Add(child)
		}
	}
	entry.RemoveUnfinishedDeps(unfinished)
}

// removeIncompleteChild removes key from child's reverse deps if child
// is unfinished; reports whether child should also leave key's deps.
func (ev *Evaluator) removeIncompleteChild(key, child keys.Key) bool {
	childEntry := ev.graph.Get(child)
	if childEntry != nil && !childEntry.IsDone() {
		childEntry.RemoveReverseDep(key)
		return true
	}
	return false
}

// childrenErrorsForCycle gathers the errors of children that must all
// be done; at least one must carry a cycle.
func (ev *Evaluator) childrenErrorsForCycle(children []keys.Key) []*graph.ErrorInfo {
	var all []*graph.ErrorInfo
	foundCycle := false
	for _, child := range children {
		if errInfo := ev.getAndCheckDone(child).ErrorInfo(); errInfo != nil {
			foundCycle = foundCycle || errInfo.IsCycle()
			all = append(all, errInfo)
		}
	}
	if !foundCycle {
		panic(&graph.InvariantError{Msg: fmt.Sprintf(
			"no cycle among child errors of %v", children)})
	}
	return all
}

// childrenErrors gathers child errors, tolerating one specific
// unfinished child (the cycle child).
func (ev *Evaluator) childrenErrors(children []keys.Key, unfinishedChild keys.Key) []*graph.ErrorInfo {
	var all []*graph.ErrorInfo
	for _, child := range children {
		if errInfo := ev.errorMaybe(child, child == unfinishedChild); errInfo != nil {
			all = append(all, errInfo)
		}
	}
	return all
}

func (ev *Evaluator) errorMaybe(key keys.Key, allowUnfinished bool) *graph.ErrorInfo {
	if !allowUnfinished {
		return ev.getAndCheckDone(key).ErrorInfo()
	}
	entry := ev.graph.Get(key)
	if entry != nil && entry.IsDone() {
		return entry.ErrorInfo()
	}
	return nil
}

func (ev *Evaluator) getAndCheckDone(key keys.Key) *graph.Entry {
	entry := ev.graph.Get(key)
	if entry == nil || !entry.IsDone() {
		panic(&graph.InvariantError{Msg: fmt.Sprintf("%s expected to be done", key)})
	}
	return entry
}

func indexOf(path []keys.Key, key keys.Key) int {
	for i, k := range path {
		if k == key {
			return i
		}
	}
	panic(&graph.InvariantError{Msg: fmt.Sprintf("%s not on graph path", key)})
}

func copyPath(path []keys.Key) []keys.Key {
	out := make([]keys.Key, len(path))
	copy(out, path)
	return out
}
