// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph holds the persistent evaluation graph: one Entry per
// node key, each a small state machine over Fresh, Evaluating, and
// Done, with a dirty lifecycle layered on top for incremental
// re-evaluation.
//
// The graph is a flat arena. Edges are stored as key sets in both
// directions (direct deps forward, reverse deps backward), never as
// pointers between entries, so ownership stays acyclic even when the
// logical dep graph is not.
//
// # Concurrency
//
// Every Entry owns its own mutex and all Entry methods are atomic with
// respect to it. The store takes no lock across entries; scheduler
// correctness rests on per-entry atomicity plus the registration
// protocol (AddReverseDepAndCheckIfDone / SignalDep), not on global
// ordering.
//
// # Versions
//
// Evaluations run at a caller-supplied monotonic version. An entry
// remembers the version at which its value last changed; a rebuild
// that produces an equal value with a group-equal dep structure keeps
// the old version, which is what stops change propagation to parents.
package graph
