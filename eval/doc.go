// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package eval is the parallel incremental evaluator over the node
// graph. Clients request root keys; the evaluator walks their
// transitive deps, runs the registered builders for missing values on
// a bounded worker pool, memoizes results, and on later evaluations
// reuses every node whose transitive inputs did not change.
//
// # Scheduling
//
// Builders are synchronous and never block on a dep: requesting an
// unfinished dep records the miss, and the builder returns early with
// no value. The node then waits by yielding its worker slot; the last
// dep to complete signals it back into the queue. A deferred builder
// restarts from scratch each time, seeing strictly more done deps, so
// builders must be deterministic in (key, dep values).
//
// # Failure handling
//
// A builder fails its node by returning a *BuilderError. With
// KeepGoing the error is stored on the node and evaluation continues;
// otherwise evaluation stops and the failure is bubbled along reverse
// edges to a requested root, giving each unfinished ancestor's builder
// one chance to translate it. Cycles are detected after the queue
// drains and reported per root with the offending path. Cancelling the
// context aborts cooperatively and leaves the graph consistent.
//
// # Example
//
//	g := graph.NewInMemory()
//	ev, err := eval.New(g, eval.Registry{
//	    "FILE": eval.BuilderFunc(buildFile),
//	    "LINK": eval.BuilderFunc(buildLink),
//	}, eval.Config{ThreadCount: 16})
//	...
//	res, err := ev.Eval(ctx, []keys.Key{keys.New("LINK", "//app")}, 1)
//
//	ev.Invalidate([]keys.Key{keys.New("FILE", "main.src")}, true)
//	res, err = ev.Eval(ctx, []keys.Key{keys.New("LINK", "//app")}, 2)
package eval
