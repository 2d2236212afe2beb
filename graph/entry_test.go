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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/evalgraph/depgroup"
	"github.com/AleutianAI/evalgraph/keys"
)

func tk(id string) keys.Key { return keys.New("TEST", id) }

func depsOf(ids ...string) *depgroup.List {
	var l depgroup.List
	for _, id := range ids {
		l.Append(tk(id))
	}
	return &l
}

// buildDone drives a fresh entry through a complete first build.
func buildDone(t *testing.T, e *Entry, deps *depgroup.List, value any, version Version) {
	t.Helper()
	if st := e.AddReverseDepAndCheckIfDone(keys.Key{}); st != NeedsScheduling {
		require.Equal(t, NeedsScheduling, st)
	}
	e.AddTemporaryDirectDeps(deps)
	for i := 0; i < deps.Len(); i++ {
		e.SignalDep(version)
	}
	require.True(t, e.IsReady())
	e.SetValue(Normal(value, nil, nil), version)
	require.True(t, e.IsDone())
}

func TestEntry_FreshLifecycle(t *testing.T) {
	e := newEntry(tk("n"))

	assert.False(t, e.IsDone())
	assert.False(t, e.IsDirty())

	// Exactly one registration drives Fresh -> Evaluating.
	assert.Equal(t, NeedsScheduling, e.AddReverseDepAndCheckIfDone(keys.Key{}))
	assert.Equal(t, AddedDep, e.AddReverseDepAndCheckIfDone(tk("p1")))

	e.AddTemporaryDirectDeps(depsOf("d1", "d2"))
	assert.False(t, e.IsReady())
	assert.False(t, e.SignalDep(1))
	assert.True(t, e.SignalDep(1), "last signal must report readiness")

	sig := e.SetValue(Normal("v", nil, nil), 1)
	assert.ElementsMatch(t, []keys.Key{tk("p1")}, sig)
	assert.True(t, e.IsDone())
	assert.Equal(t, "v", e.Value())
	assert.Equal(t, Version(1), e.Version())
	assert.Equal(t, Version(1), e.LastEvaluated())

	// Late registration observes Done and lands in the permanent set.
	assert.Equal(t, Done, e.AddReverseDepAndCheckIfDone(tk("p2")))
	assert.ElementsMatch(t, []keys.Key{tk("p1"), tk("p2")}, e.ReverseDeps())
}

func TestEntry_SignalOnlyOnceReportsReady(t *testing.T) {
	e := newEntry(tk("n"))
	e.AddReverseDepAndCheckIfDone(keys.Key{})
	e.AddTemporaryDirectDeps(depsOf("a", "b", "c"))

	ready := 0
	for i := 0; i < 3; i++ {
		if e.SignalDep(1) {
			ready++
		}
	}
	assert.Equal(t, 1, ready, "readiness must be reported exactly once")
}

func TestEntry_DirtyCheckVerifiedClean(t *testing.T) {
	e := newEntry(tk("n"))
	buildDone(t, e, depsOf("a", "b"), "v", 1)

	require.True(t, e.MarkDirty(false))
	assert.False(t, e.IsDone())
	assert.True(t, e.IsDirty())
	assert.False(t, e.IsChanged())

	// Scheduling re-registration.
	assert.Equal(t, NeedsScheduling, e.AddReverseDepAndCheckIfDone(tk("p")))
	assert.Equal(t, CheckDependencies, e.DirtyState())

	// Two singleton groups: walk them in order.
	g1 := e.GetNextDirtyDirectDeps()
	require.Equal(t, []keys.Key{tk("a")}, g1)
	assert.True(t, e.SignalDep(1), "single-group member signaled")
	assert.Equal(t, CheckDependencies, e.DirtyState())

	g2 := e.GetNextDirtyDirectDeps()
	require.Equal(t, []keys.Key{tk("b")}, g2)
	// Unchanged child (version <= entry's) on the last group: clean.
	assert.True(t, e.SignalDep(1))
	assert.Equal(t, VerifiedClean, e.DirtyState())

	sig := e.MarkClean(2)
	assert.ElementsMatch(t, []keys.Key{tk("p")}, sig)
	assert.True(t, e.IsDone())
	assert.Equal(t, "v", e.Value())
	assert.Equal(t, Version(1), e.Version(), "clean verification preserves the version")
	assert.Equal(t, Version(2), e.LastEvaluated())
}

func TestEntry_DirtyCheckChangedChildForcesRebuild(t *testing.T) {
	e := newEntry(tk("n"))
	buildDone(t, e, depsOf("a"), "v", 1)

	require.True(t, e.MarkDirty(false))
	e.AddReverseDepAndCheckIfDone(keys.Key{})
	e.GetNextDirtyDirectDeps()
	// Child rebuilt at a later version than ours: must rebuild.
	assert.True(t, e.SignalDep(2))
	assert.Equal(t, Rebuilding, e.DirtyState())
}

func TestEntry_EqualRebuildPreservesVersion(t *testing.T) {
	e := newEntry(tk("n"))
	buildDone(t, e, depsOf("a"), "v", 1)

	require.True(t, e.MarkDirty(true))
	e.AddReverseDepAndCheckIfDone(keys.Key{})
	require.Equal(t, Rebuilding, e.DirtyState())

	// Rebuild discovers the same dep and the same value.
	e.AddTemporaryDirectDeps(depsOf("a"))
	e.SignalDep(1)
	e.SetValue(Normal("v", nil, nil), 5)
	assert.Equal(t, Version(1), e.Version(), "equal payload must not advance the version")
	assert.Equal(t, Version(5), e.LastEvaluated())
}

func TestEntry_ChangedRebuildAdvancesVersion(t *testing.T) {
	e := newEntry(tk("n"))
	buildDone(t, e, depsOf("a"), "v", 1)

	require.True(t, e.MarkDirty(true))
	e.AddReverseDepAndCheckIfDone(keys.Key{})
	e.AddTemporaryDirectDeps(depsOf("a"))
	e.SignalDep(1)
	e.SetValue(Normal("v2", nil, nil), 5)
	assert.Equal(t, Version(5), e.Version())
}

func TestEntry_StructurallyDifferentDepsAdvanceVersion(t *testing.T) {
	e := newEntry(tk("n"))
	var grouped depgroup.List
	grouped.AppendGroup([]keys.Key{tk("a"), tk("b")})
	buildDone(t, e, &grouped, "v", 1)

	require.True(t, e.MarkDirty(true))
	e.AddReverseDepAndCheckIfDone(keys.Key{})
	// Same members, different grouping: counts as changed.
	e.AddTemporaryDirectDeps(depsOf("a", "b"))
	e.SignalDep(1)
	e.SignalDep(1)
	e.SetValue(Normal("v", nil, nil), 5)
	assert.Equal(t, Version(5), e.Version())
}

func TestEntry_MarkDirtyOnLeafIsPromotedToChanged(t *testing.T) {
	e := newEntry(tk("leaf"))
	buildDone(t, e, &depgroup.List{}, "v", 1)

	require.True(t, e.MarkDirty(false))
	e.AddReverseDepAndCheckIfDone(keys.Key{})
	assert.Equal(t, Rebuilding, e.DirtyState(),
		"a dep-less entry cannot be verified clean, so it must rebuild")
}

func TestEntry_MarkDirtyIdempotentAndUpgrades(t *testing.T) {
	e := newEntry(tk("n"))
	buildDone(t, e, depsOf("a"), "v", 1)

	require.True(t, e.MarkDirty(false))
	assert.False(t, e.MarkDirty(false), "second dirtying must not re-propagate")
	assert.False(t, e.IsChanged())

	// Upgrade check -> rebuild before scheduling.
	assert.False(t, e.MarkDirty(true))
	assert.True(t, e.IsChanged())
}

func TestEntry_ErrorCommit(t *testing.T) {
	e := newEntry(tk("n"))
	e.AddReverseDepAndCheckIfDone(keys.Key{})
	errInfo := NewBuilderErrorInfo(tk("n"), assert.AnError, false)
	e.SetValue(ErrorPayload(errInfo, nil), 3)

	assert.True(t, e.IsDone())
	assert.Nil(t, e.Value())
	require.NotNil(t, e.ErrorInfo())
	assert.Equal(t, []keys.Key{tk("n")}, e.ErrorInfo().RootCauses)
	assert.Equal(t, Version(3), e.Version())
}

func TestEntry_RemoveUnfinishedDeps(t *testing.T) {
	e := newEntry(tk("n"))
	e.AddReverseDepAndCheckIfDone(keys.Key{})
	e.AddTemporaryDirectDeps(depsOf("a", "b", "c"))
	e.SignalDep(1) // only "a" ever completed

	e.RemoveUnfinishedDeps(keys.NewSet(tk("b"), tk("c")))
	assert.True(t, e.IsReady(), "pruning unfinished deps restores readiness")
}

func TestEntry_OverwriteBumpsVersionAndReturnsParents(t *testing.T) {
	e := newEntry(tk("n"))
	buildDone(t, e, &depgroup.List{}, "v1", 1)
	e.AddReverseDepAndCheckIfDone(tk("p"))

	parents := e.Overwrite(Normal("v2", nil, nil), 7)
	assert.ElementsMatch(t, []keys.Key{tk("p")}, parents)
	assert.True(t, e.IsDone())
	assert.Equal(t, "v2", e.Value())
	assert.Equal(t, Version(7), e.Version())
}

func TestEntry_InvariantViolationsPanic(t *testing.T) {
	e := newEntry(tk("n"))
	e.AddReverseDepAndCheckIfDone(keys.Key{})
	e.AddTemporaryDirectDeps(depsOf("a"))

	assert.PanicsWithError(t,
		"invariant violation: SetValue on entry with outstanding deps TEST:n",
		func() { e.SetValue(Normal("v", nil, nil), 1) })

	e.SignalDep(1)
	e.SetValue(Normal("v", nil, nil), 1)
	assert.Panics(t, func() { e.SignalDep(1) }, "signaling a done entry is a scheduler bug")
}
