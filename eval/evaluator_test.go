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
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/evalgraph/graph"
	"github.com/AleutianAI/evalgraph/keys"
)

const testKind keys.Kind = "NODE"

func nk(id string) keys.Key { return keys.New(testKind, id) }

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

// harness wires a concatenating test builder over a declared dep
// topology: a node's value is its own id followed by its deps' values
// in declaration order, so A->{B,D}, B->{C} yields A = "ABCD".
type harness struct {
	t  *testing.T
	g  *graph.InMemory
	ev *Evaluator

	mu      sync.Mutex
	deps    map[string][]string
	grouped map[string]bool // request deps as one group instead of singly
	outputs map[string]string
	fail    map[string]error
	calls   map[string]int
}

func newHarness(t *testing.T, deps map[string][]string, cfg Config) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		g:       graph.NewInMemory(),
		deps:    deps,
		grouped: make(map[string]bool),
		outputs: make(map[string]string),
		fail:    make(map[string]error),
		calls:   make(map[string]int),
	}
	if cfg.ThreadCount == 0 {
		cfg.ThreadCount = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	ev, err := New(h.g, Registry{testKind: BuilderFunc(h.build)}, cfg)
	require.NoError(t, err)
	h.ev = ev
	return h
}

func (h *harness) build(key keys.Key, env *Env) (Value, error) {
	id := key.ID()
	h.mu.Lock()
	h.calls[id]++
	failErr := h.fail[id]
	depIDs := h.deps[id]
	grouped := h.grouped[id]
	out, hasOut := h.outputs[id]
	h.mu.Unlock()

	if failErr != nil {
		return nil, failErr
	}

	var vals []string
	if grouped {
		dk := make([]keys.Key, len(depIDs))
		for i, d := range depIDs {
			dk[i] = nk(d)
		}
		got := env.GetDeps(dk...)
		for _, d := range dk {
			if v, ok := got[d]; ok {
				vals = append(vals, v.(string))
			}
		}
	} else {
		for _, d := range depIDs {
			if v := env.GetDep(nk(d)); v != nil {
				vals = append(vals, v.(string))
			}
		}
	}
	if env.DepsMissing() {
		return nil, nil
	}
	if !hasOut {
		out = id
	}
	return out + strings.Join(vals, ""), nil
}

func (h *harness) callCount(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[id]
}

func (h *harness) setFail(id string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		delete(h.fail, id)
	} else {
		h.fail[id] = err
	}
}

func (h *harness) setOutput(id, out string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.outputs[id] = out
}

func (h *harness) eval(version graph.Version, ids ...string) (*Result, error) {
	roots := make([]keys.Key, len(ids))
	for i, id := range ids {
		roots[i] = nk(id)
	}
	return h.ev.Eval(context.Background(), roots, version)
}

func (h *harness) entry(id string) *graph.Entry { return h.g.Get(nk(id)) }

var chainDeps = map[string][]string{
	"A": {"B", "D"},
	"B": {"C"},
	"C": nil,
	"D": nil,
}

func TestEval_SimpleChain(t *testing.T) {
	h := newHarness(t, chainDeps, Config{})

	res, err := h.eval(1, "A")
	require.NoError(t, err)

	assert.Equal(t, "ABCD", res.Value(nk("A")))
	assert.False(t, res.HasError)
	assert.Empty(t, res.Errors)

	for _, id := range []string{"A", "B", "C", "D"} {
		e := h.entry(id)
		require.NotNil(t, e, id)
		assert.True(t, e.IsDone(), id)
		assert.Equal(t, graph.Version(1), e.Version(), id)
	}

	// Leaves build once; inner nodes run once to discover deps and once
	// more after they complete.
	assert.Equal(t, 1, h.callCount("C"))
	assert.Equal(t, 1, h.callCount("D"))
	assert.Equal(t, 2, h.callCount("B"))
	assert.Equal(t, 2, h.callCount("A"))
}

func TestEval_SecondCallIsCached(t *testing.T) {
	h := newHarness(t, chainDeps, Config{})

	_, err := h.eval(1, "A")
	require.NoError(t, err)
	before := h.callCount("A") + h.callCount("B") + h.callCount("C") + h.callCount("D")

	// Round-trip law: a later version with no invalidation changes
	// nothing and invokes no builder.
	res, err := h.eval(5, "A")
	require.NoError(t, err)
	assert.Equal(t, "ABCD", res.Value(nk("A")))
	after := h.callCount("A") + h.callCount("B") + h.callCount("C") + h.callCount("D")
	assert.Equal(t, before, after, "cached evaluation must not run builders")
	assert.Equal(t, graph.Version(1), h.entry("A").Version())
}

func TestEval_SharedSubgraphAcrossRoots(t *testing.T) {
	h := newHarness(t, map[string][]string{
		"P1": {"S"},
		"P2": {"S"},
		"S":  nil,
	}, Config{})

	res, err := h.eval(1, "P1", "P2")
	require.NoError(t, err)
	assert.Equal(t, "P1S", res.Value(nk("P1")))
	assert.Equal(t, "P2S", res.Value(nk("P2")))
	assert.Equal(t, 1, h.callCount("S"), "shared dep builds once")
}

func TestEval_WideGraphParallel(t *testing.T) {
	deps := map[string][]string{}
	var leaves []string
	for c := 'a'; c <= 'z'; c++ {
		for d := '0'; d <= '3'; d++ {
			leaves = append(leaves, string(c)+string(d))
		}
	}
	deps["root"] = leaves
	for _, l := range leaves {
		deps[l] = nil
	}

	h := newHarness(t, deps, Config{ThreadCount: 8})
	h.grouped["root"] = true

	res, err := h.eval(1, "root")
	require.NoError(t, err)
	got := res.Value(nk("root")).(string)
	assert.True(t, strings.HasPrefix(got, "root"))
	assert.Len(t, got, len("root")+2*len(leaves))
	for _, l := range leaves {
		assert.Equal(t, 1, h.callCount(l), l)
	}
	assert.Equal(t, 2, h.callCount("root"))
}

func TestEval_DuplicateRoots(t *testing.T) {
	h := newHarness(t, chainDeps, Config{})
	res, err := h.eval(1, "D", "D")
	require.NoError(t, err)
	assert.Equal(t, "D", res.Value(nk("D")))
}

func TestEval_NoBuilderForKind(t *testing.T) {
	h := newHarness(t, chainDeps, Config{})
	_, err := h.ev.Eval(context.Background(), []keys.Key{keys.New("UNKNOWN", "x")}, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoBuilder)
}

func TestEval_VersionRegressionRejected(t *testing.T) {
	h := newHarness(t, chainDeps, Config{})
	_, err := h.eval(5, "D")
	require.NoError(t, err)
	_, err = h.eval(3, "D")
	assert.ErrorIs(t, err, ErrVersionRegression)
	_, err = h.eval(-1, "D")
	assert.ErrorIs(t, err, ErrVersionRegression)
}

func TestEval_NilContextRejected(t *testing.T) {
	h := newHarness(t, chainDeps, Config{})
	//lint:ignore SA1012 the nil-context contract is what is under test
	_, err := h.ev.Eval(nil, []keys.Key{nk("D")}, 1)
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestNew_Validation(t *testing.T) {
	g := graph.NewInMemory()
	_, err := New(nil, Registry{}, Config{})
	assert.ErrorIs(t, err, ErrNilGraph)

	_, err = New(g, Registry{}, Config{ThreadCount: -1})
	assert.Error(t, err)

	_, err = New(g, Registry{transienceKind: BuilderFunc(nil)}, Config{})
	assert.Error(t, err, "the transience kind is reserved")
}

type progressRecorder struct {
	mu        sync.Mutex
	enqueued  []string
	evaluated map[string]EvaluationState
}

func newProgressRecorder() *progressRecorder {
	return &progressRecorder{evaluated: make(map[string]EvaluationState)}
}

func (p *progressRecorder) Enqueueing(key keys.Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueued = append(p.enqueued, key.ID())
}

func (p *progressRecorder) Evaluated(key keys.Key, _ Value, state EvaluationState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evaluated[key.ID()] = state
}

func (p *progressRecorder) state(id string) (EvaluationState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.evaluated[id]
	return s, ok
}

func TestEval_ProgressReceiver(t *testing.T) {
	rec := newProgressRecorder()
	h := newHarness(t, chainDeps, Config{Progress: rec})

	_, err := h.eval(1, "A")
	require.NoError(t, err)

	rec.mu.Lock()
	enq := append([]string(nil), rec.enqueued...)
	rec.mu.Unlock()
	assert.ElementsMatch(t, []string{"A", "B", "C", "D"}, enq,
		"each key is reported enqueueing exactly once per evaluation")

	for _, id := range []string{"A", "B", "C", "D"} {
		s, ok := rec.state(id)
		require.True(t, ok, id)
		assert.Equal(t, Built, s, id)
	}
}
