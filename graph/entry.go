// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"fmt"
	"sync"

	"github.com/AleutianAI/evalgraph/depgroup"
	"github.com/AleutianAI/evalgraph/events"
	"github.com/AleutianAI/evalgraph/keys"
)

// DependencyState is the result of registering a reverse-dep edge on an
// entry.
type DependencyState int

const (
	// Done: the entry already has a committed value; the caller must
	// signal itself with the entry's version.
	Done DependencyState = iota
	// AddedDep: the entry is already evaluating; the caller will be
	// signaled when it commits.
	AddedDep
	// NeedsScheduling: this registration transitioned the entry to
	// evaluating; the caller must schedule it. Returned exactly once
	// per evaluating cycle.
	NeedsScheduling
)

func (s DependencyState) String() string {
	switch s {
	case Done:
		return "DONE"
	case AddedDep:
		return "ADDED_DEP"
	case NeedsScheduling:
		return "NEEDS_SCHEDULING"
	default:
		return "UNKNOWN"
	}
}

// DirtyState tracks where a dirty entry is in its re-check lifecycle.
type DirtyState int

const (
	// NotDirty: the entry is not dirty.
	NotDirty DirtyState = iota
	// CheckDependencies: the entry's previous deps must be re-checked
	// group by group before deciding whether to rebuild.
	CheckDependencies
	// VerifiedClean: every previous dep re-checked unchanged; the old
	// value stands and no rebuild is needed.
	VerifiedClean
	// Rebuilding: the entry itself changed or a dep did; a full rebuild
	// is required or in progress.
	Rebuilding
)

func (s DirtyState) String() string {
	switch s {
	case NotDirty:
		return "NOT_DIRTY"
	case CheckDependencies:
		return "CHECK_DEPENDENCIES"
	case VerifiedClean:
		return "VERIFIED_CLEAN"
	case Rebuilding:
		return "REBUILDING"
	default:
		return "UNKNOWN"
	}
}

// InvariantError is raised (via panic) when the entry state machine is
// driven through an illegal transition. It indicates a scheduler bug,
// never a user error; the evaluator converts it into a fatal failure.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string { return "invariant violation: " + e.Msg }

func invariant(cond bool, format string, args ...any) {
	if !cond {
		panic(&InvariantError{Msg: fmt.Sprintf(format, args...)})
	}
}

// buildingState holds everything an entry needs only while it is not
// done: the first build, or a dirty re-check/rebuild. A done entry
// carries no buildingState; dirtying installs a fresh one.
type buildingState struct {
	// evaluating is set by the reverse-dep registration that schedules
	// the entry and stays set until the entry is done, including for
	// dirty entries that end up verified clean.
	evaluating bool

	// dirty is NotDirty for a first build.
	dirty DirtyState

	// signaledDeps counts direct deps known to be done. The entry is
	// ready when it equals the number of known direct deps; only the
	// signal that makes them equal reports readiness, which is what
	// prevents double-scheduling.
	signaledDeps int

	// directDeps accumulates the deps discovered this build, grouped as
	// the builder requested them. Written to the entry on commit.
	directDeps depgroup.List

	// toSignal is the set of parents registered while building; they
	// are signaled on commit and then folded into the permanent
	// reverse-dep set.
	toSignal keys.Set

	// Snapshot taken when the entry was marked dirty, used for change
	// comparison and for driving the group-wise dep re-check.
	lastBuildDeps *depgroup.List
	lastValue     any
	lastErr       *ErrorInfo

	// dirtyIter is the cursor into lastBuildDeps groups; iterExhausted
	// flags that the final group has been handed out, so the last
	// signal can conclude VerifiedClean.
	dirtyIter     int
	iterExhausted bool
}

func (b *buildingState) ready() bool {
	invariant(b.signaledDeps <= b.directDeps.Len(),
		"signaledDeps %d exceeds directDeps %d", b.signaledDeps, b.directDeps.Len())
	return b.signaledDeps == b.directDeps.Len()
}

// signal increments the done-dep counter and advances the dirty state:
// a changed child forces Rebuilding; the last unchanged signal of the
// last group concludes VerifiedClean.
func (b *buildingState) signal(childChanged bool) bool {
	b.signaledDeps++
	if b.dirty == CheckDependencies || b.dirty == VerifiedClean {
		if childChanged {
			b.dirty = Rebuilding
		} else if b.dirty == CheckDependencies && b.iterExhausted && b.ready() {
			b.dirty = VerifiedClean
		}
	}
	return b.ready()
}

// Entry is the memoized state of one node. All methods synchronize on
// the entry's own lock; the graph store never locks across entries.
type Entry struct {
	mu  sync.Mutex
	key keys.Key

	// Committed state, meaningful only when building == nil. version is
	// the last version at which the value changed; lastEvaluated the
	// version of the most recent successful evaluation.
	value         any
	err           *ErrorInfo
	events        *events.Set
	deps          *depgroup.List
	version       Version
	lastEvaluated Version

	// reverseDeps is the permanent set of parents. Parents registered
	// mid-build live in building.toSignal until commit.
	reverseDeps keys.Set

	// building is nil iff the entry is done.
	building *buildingState
}

func newEntry(key keys.Key) *Entry {
	return &Entry{
		key:         key,
		reverseDeps: make(keys.Set),
		building:    &buildingState{toSignal: make(keys.Set)},
	}
}

// Key returns the entry's key.
func (e *Entry) Key() keys.Key { return e.key }

// IsDone reports whether the entry has a committed value or error and
// is not being rebuilt.
func (e *Entry) IsDone() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.building == nil
}

// IsDirty reports whether the entry is in any dirty state.
func (e *Entry) IsDirty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.building != nil && e.building.dirty != NotDirty
}

// IsChanged reports whether the entry is known to require a rebuild.
func (e *Entry) IsChanged() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.building != nil && e.building.dirty == Rebuilding
}

// IsReady reports whether every known direct dep has signaled.
func (e *Entry) IsReady() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	invariant(e.building != nil, "IsReady on done entry %s", e.key)
	return e.building.ready()
}

// Value returns the committed value, nil for failed or unfinished
// entries.
func (e *Entry) Value() any {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.building != nil {
		return nil
	}
	return e.value
}

// ErrorInfo returns the committed failure state, nil if none or if the
// entry is not done.
func (e *Entry) ErrorInfo() *ErrorInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.building != nil {
		return nil
	}
	return e.err
}

// ValueWithMetadata returns the full committed payload. The entry must
// be done.
func (e *Entry) ValueWithMetadata() ValueWithMetadata {
	e.mu.Lock()
	defer e.mu.Unlock()
	invariant(e.building == nil, "ValueWithMetadata on unfinished entry %s", e.key)
	return ValueWithMetadata{Value: e.value, Err: e.err, Events: e.events}
}

// Version returns the version at which the value last changed.
func (e *Entry) Version() Version {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

// LastEvaluated returns the graph version of the most recent
// successful evaluation (commit or clean verification).
func (e *Entry) LastEvaluated() Version {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastEvaluated
}

// DirectDeps returns the final grouped dep list of a done entry.
func (e *Entry) DirectDeps() *depgroup.List {
	e.mu.Lock()
	defer e.mu.Unlock()
	invariant(e.building == nil, "DirectDeps on unfinished entry %s", e.key)
	if e.deps == nil {
		return &depgroup.List{}
	}
	return e.deps
}

// ReverseDeps returns a snapshot of the permanent reverse-dep set.
func (e *Entry) ReverseDeps() []keys.Key {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reverseDeps.Keys()
}

// InProgressReverseDeps returns the parents registered during the
// current build, the ones that will be signaled on commit.
func (e *Entry) InProgressReverseDeps() []keys.Key {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.building == nil {
		return nil
	}
	return e.building.toSignal.Keys()
}

// AddReverseDepAndCheckIfDone registers parent as depending on this
// entry. A zero parent registers a requested root. This is the only
// legal way to introduce a dep edge; together with SignalDep it is why
// no wake-up can be lost. Idempotent per parent.
func (e *Entry) AddReverseDepAndCheckIfDone(parent keys.Key) DependencyState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.building == nil {
		if !parent.IsZero() {
			e.reverseDeps.Add(parent)
		}
		return Done
	}
	if !parent.IsZero() {
		e.building.toSignal.Add(parent)
	}
	if !e.building.evaluating {
		e.building.evaluating = true
		return NeedsScheduling
	}
	return AddedDep
}

// RemoveReverseDep deregisters parent entirely. Used when partially
// built parents are discarded after an interrupt or for cycle cleanup.
func (e *Entry) RemoveReverseDep(parent keys.Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reverseDeps.Remove(parent)
	if e.building != nil {
		e.building.toSignal.Remove(parent)
	}
}

// SignalDep records that a direct dep with the given version is done
// and reports whether the entry became ready. While dirty-checking, a
// child whose value changed after this entry's version forces
// Rebuilding; the final unchanged signal concludes VerifiedClean.
func (e *Entry) SignalDep(childVersion Version) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	invariant(e.building != nil, "SignalDep on done entry %s", e.key)
	return e.building.signal(childVersion > e.version)
}

// ForceSignalDep signals a dep completion without version
// information, conservatively treating the child as changed. Used for
// self-signals (late-registered done deps, the transience dep) and for
// readiness restoration during error bubbling and cycle cleanup, where
// a dirty entry mid-check must land in Rebuilding, not VerifiedClean.
func (e *Entry) ForceSignalDep() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	invariant(e.building != nil, "ForceSignalDep on done entry %s", e.key)
	return e.building.signal(true)
}

// DirtyState returns the dirty lifecycle position. The entry must be
// dirty and scheduled.
func (e *Entry) DirtyState() DirtyState {
	e.mu.Lock()
	defer e.mu.Unlock()
	invariant(e.building != nil && e.building.dirty != NotDirty,
		"DirtyState on non-dirty entry %s", e.key)
	invariant(e.building.evaluating, "DirtyState before scheduling %s", e.key)
	return e.building.dirty
}

// GetNextDirtyDirectDeps returns the next unchecked group of the
// previous build's deps and registers it as known for this build. On
// handing out the last group the iterator is exhausted so the final
// SignalDep can conclude VerifiedClean.
func (e *Entry) GetNextDirtyDirectDeps() []keys.Key {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.building
	invariant(b != nil && b.dirty == CheckDependencies,
		"GetNextDirtyDirectDeps in state %v for %s", b, e.key)
	invariant(b.evaluating, "GetNextDirtyDirectDeps before scheduling %s", e.key)
	invariant(!b.iterExhausted && b.dirtyIter < b.lastBuildDeps.NumGroups(),
		"dirty dep iterator exhausted for %s", e.key)
	group := b.lastBuildDeps.Group(b.dirtyIter)
	b.directDeps.AppendGroup(group)
	b.dirtyIter++
	if b.dirtyIter == b.lastBuildDeps.NumGroups() {
		b.iterExhausted = true
	}
	return group
}

// TemporaryDirectDeps returns the set of deps known so far this build.
func (e *Entry) TemporaryDirectDeps() keys.Set {
	e.mu.Lock()
	defer e.mu.Unlock()
	invariant(e.building != nil, "TemporaryDirectDeps on done entry %s", e.key)
	return e.building.directDeps.ToSet()
}

// AddTemporaryDirectDeps appends newly discovered dep groups.
func (e *Entry) AddTemporaryDirectDeps(deps *depgroup.List) {
	e.mu.Lock()
	defer e.mu.Unlock()
	invariant(e.building != nil, "AddTemporaryDirectDeps on done entry %s", e.key)
	e.building.directDeps.AppendList(deps)
}

// RemoveUnfinishedDeps prunes deps that were requested this build but
// never completed, preserving the group boundaries of the survivors.
func (e *Entry) RemoveUnfinishedDeps(unfinished keys.Set) {
	e.mu.Lock()
	defer e.mu.Unlock()
	invariant(e.building != nil, "RemoveUnfinishedDeps on done entry %s", e.key)
	e.building.directDeps.Remove(unfinished)
}

// unchangedFromLastBuild reports whether the new payload equals the
// previous build: same value, no errors either time, and a group-equal
// dep structure. Caller holds the lock.
func (b *buildingState) unchangedFromLastBuild(v ValueWithMetadata) bool {
	if b.dirty == NotDirty {
		return false
	}
	if v.Err != nil || b.lastErr != nil {
		return false
	}
	return valuesEqual(b.lastValue, v.Value) && b.lastBuildDeps.Equal(&b.directDeps)
}

// SetValue commits the build. If the payload is unchanged from the
// previous build the entry's version is preserved, so the change does
// not propagate to parents; otherwise the version advances to
// graphVersion. Returns the parents to signal.
func (e *Entry) SetValue(v ValueWithMetadata, graphVersion Version) []keys.Key {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.building
	invariant(b != nil, "SetValue on done entry %s", e.key)
	invariant(b.evaluating, "SetValue before scheduling %s", e.key)
	invariant(b.ready(), "SetValue on entry with outstanding deps %s", e.key)
	if !b.unchangedFromLastBuild(v) {
		e.version = graphVersion
	}
	e.lastEvaluated = graphVersion
	e.value = v.Value
	e.err = v.Err
	if v.Events != nil {
		e.events = v.Events
	} else {
		e.events = events.Empty()
	}
	final := b.directDeps
	e.deps = &final
	return e.finishLocked(b)
}

// MarkClean finalizes a VerifiedClean re-check: the previous value,
// error, deps, and version all stand. Returns the parents to signal at
// the preserved version.
func (e *Entry) MarkClean(graphVersion Version) []keys.Key {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.building
	invariant(b != nil && b.dirty == VerifiedClean, "MarkClean in state %v for %s", b, e.key)
	invariant(b.ready(), "MarkClean on entry with outstanding deps %s", e.key)
	e.lastEvaluated = graphVersion
	e.deps = b.lastBuildDeps
	e.value = b.lastValue
	e.err = b.lastErr
	return e.finishLocked(b)
}

// finishLocked folds the in-progress parents into the permanent
// reverse-dep set and transitions to done.
func (e *Entry) finishLocked(b *buildingState) []keys.Key {
	sig := b.toSignal.Keys()
	for _, p := range sig {
		e.reverseDeps.Add(p)
	}
	e.building = nil
	return sig
}

// MarkDirty transitions a done entry back to evaluating, snapshotting
// the previous build for change comparison. isChanged forces a rebuild;
// otherwise the entry re-checks its previous deps group by group. A
// done entry with no deps is always treated as changed, since it has
// no children whose re-check could verify it clean. Returns true only
// when the entry transitioned from done to dirty, so invalidation
// walks propagate each entry exactly once; upgrading an already-dirty
// entry from checking to changed returns false.
func (e *Entry) MarkDirty(isChanged bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.building != nil {
		// Already dirty: at most upgrade check to rebuild.
		b := e.building
		if isChanged && b.dirty == CheckDependencies && !b.evaluating {
			b.dirty = Rebuilding
		}
		return false
	}
	last := e.deps
	if last == nil {
		last = &depgroup.List{}
	}
	if last.Empty() {
		isChanged = true
	}
	b := &buildingState{
		toSignal:      make(keys.Set),
		lastBuildDeps: last,
		lastValue:     e.value,
		lastErr:       e.err,
	}
	if isChanged {
		b.dirty = Rebuilding
	} else {
		b.dirty = CheckDependencies
	}
	e.deps = nil
	e.building = b
	return true
}

// Overwrite replaces the payload of a done entry in place, advancing
// its version unconditionally. Reserved for the evaluator's version
// bump of the error-transience entry; regular nodes always go through
// MarkDirty and SetValue. Returns the parents that must be dirtied.
func (e *Entry) Overwrite(v ValueWithMetadata, graphVersion Version) []keys.Key {
	e.mu.Lock()
	defer e.mu.Unlock()
	invariant(e.building == nil, "Overwrite on unfinished entry %s", e.key)
	e.value = v.Value
	e.err = v.Err
	if v.Events != nil {
		e.events = v.Events
	}
	e.version = graphVersion
	e.lastEvaluated = graphVersion
	return e.reverseDeps.Keys()
}

func (e *Entry) String() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.building == nil {
		return fmt.Sprintf("entry(%s done v%d)", e.key, e.version)
	}
	b := e.building
	return fmt.Sprintf("entry(%s evaluating=%t dirty=%v signaled=%d/%d)",
		e.key, b.evaluating, b.dirty, b.signaledDeps, b.directDeps.Len())
}
