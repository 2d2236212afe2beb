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

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/evalgraph/keys"
)

// visitor is the work queue and bounded worker pool of one evaluation.
//
// Queue ordering is unspecified and correctness never depends on it: a
// key is only enqueued when it is ready (every known dep signaled), so
// any ready key may run in any order. The pool fails fast on the first
// scheduler error, panic, or context cancellation.
type visitor struct {
	ev *Evaluator

	mu       chan struct{} // 1-buffered; acts as the queue mutex
	queue    []keys.Key
	wake     chan struct{} // 1-buffered wake token for idle workers
	active   int
	closed   bool
	inflight keys.Set
}

func newVisitor(ev *Evaluator) *visitor {
	v := &visitor{
		ev:       ev,
		mu:       make(chan struct{}, 1),
		wake:     make(chan struct{}, 1),
		inflight: make(keys.Set),
	}
	v.mu <- struct{}{}
	return v
}

func (v *visitor) lock()   { <-v.mu }
func (v *visitor) unlock() { v.mu <- struct{}{} }

func (v *visitor) notify() {
	select {
	case v.wake <- struct{}{}:
	default:
	}
}

// enqueueEvaluation inserts a ready key into the queue. The first
// insertion of a key per evaluation records it in-flight and reports
// it to the progress receiver.
func (v *visitor) enqueueEvaluation(key keys.Key) {
	v.lock()
	if v.closed {
		v.unlock()
		return
	}
	first := v.inflight.Add(key)
	v.queue = append(v.queue, key)
	v.unlock()
	if first {
		v.ev.notifyEnqueueing(key)
	}
	v.notify()
}

// notifyDone removes a completed key from the in-flight set.
func (v *visitor) notifyDone(key keys.Key) {
	v.lock()
	v.inflight.Remove(key)
	v.unlock()
}

func (v *visitor) isInflight(key keys.Key) bool {
	v.lock()
	defer v.unlock()
	return v.inflight.Has(key)
}

// run processes the queue with the configured number of workers and
// blocks until the queue drains or a worker fails. The first failure
// cancels the group context, which the remaining workers observe at
// their next dequeue.
func (v *visitor) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < v.ev.threadCount; i++ {
		g.Go(func() error { return v.worker(ctx) })
	}
	err := g.Wait()
	v.lock()
	v.closed = true
	v.unlock()
	return err
}

// worker loops dequeue-process until completion or failure. Builder
// panics are converted into fatal errors carrying the failing key and
// its waiting parents.
func (v *visitor) worker(ctx context.Context) error {
	for {
		key, ok, err := v.dequeue(ctx)
		if err != nil || !ok {
			return err
		}
		if err := v.process(ctx, key); err != nil {
			v.abort()
			return err
		}
		v.settle()
	}
}

// dequeue blocks until work is available, the evaluation completes, or
// ctx is cancelled.
func (v *visitor) dequeue(ctx context.Context) (keys.Key, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return keys.Key{}, false, err
		}
		v.lock()
		if v.closed {
			v.unlock()
			v.notify() // cascade the shutdown wake-up to peers
			return keys.Key{}, false, nil
		}
		if n := len(v.queue); n > 0 {
			key := v.queue[n-1]
			v.queue = v.queue[:n-1]
			v.active++
			if len(v.queue) > 0 {
				v.notify() // more work waiting; rouse another worker
			}
			v.unlock()
			return key, true, nil
		}
		if v.active == 0 {
			// Queue empty and nobody running: evaluation complete.
			v.closed = true
			v.unlock()
			v.notify()
			return keys.Key{}, false, nil
		}
		v.unlock()
		select {
		case <-v.wake:
		case <-ctx.Done():
			return keys.Key{}, false, ctx.Err()
		}
	}
}

// settle retires a finished task and wakes a peer if that made the
// pool idle with an empty queue (completion) or if work arrived.
func (v *visitor) settle() {
	v.lock()
	v.active--
	if v.active == 0 && len(v.queue) == 0 {
		v.closed = true
	}
	v.unlock()
	v.notify()
}

// abort drops all pending work after a failure so peers drain quickly.
func (v *visitor) abort() {
	v.lock()
	v.active--
	v.closed = true
	v.queue = nil
	v.unlock()
	v.notify()
}

// process runs the driver's per-key step, turning panics into fatal
// errors with crash context.
func (v *visitor) process(ctx context.Context, key keys.Key) (err error) {
	defer func() {
		if r := recover(); r != nil {
			var parents []keys.Key
			if entry := v.ev.graph.Get(key); entry != nil && !entry.IsDone() {
				parents = entry.InProgressReverseDeps()
			}
			err = &fatalError{key: key, parents: parents, cause: fmt.Errorf("%v", r)}
		}
	}()
	return v.ev.processKey(ctx, key, v)
}

// clean discards partially computed nodes after an interrupt or fatal
// failure: every unfinished in-flight entry is removed from the graph
// and deregistered from its deps' reverse-dep sets, leaving the graph
// consistent for the next evaluation.
func (v *visitor) clean() {
	v.lock()
	pending := v.inflight.Keys()
	v.inflight = make(keys.Set)
	v.unlock()

	for _, key := range pending {
		entry := v.ev.graph.Get(key)
		if entry == nil || entry.IsDone() {
			// Done entries stay; they committed before the abort.
			continue
		}
		deps := entry.TemporaryDirectDeps()
		v.ev.graph.Remove(key)
		for dep := range deps {
			if depEntry := v.ev.graph.Get(dep); depEntry != nil {
				depEntry.RemoveReverseDep(key)
			}
		}
	}
}
