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

import "github.com/AleutianAI/evalgraph/keys"

// EvaluationState distinguishes how a node reached its value this
// evaluation.
type EvaluationState int

const (
	// Built: the node's builder ran this evaluation and its value was
	// (re)computed.
	Built EvaluationState = iota
	// Clean: the node's previous value was reused, either verified
	// clean without rebuilding or recomputed to an equal value.
	Clean
)

func (s EvaluationState) String() string {
	switch s {
	case Built:
		return "BUILT"
	case Clean:
		return "CLEAN"
	default:
		return "UNKNOWN"
	}
}

// ProgressReceiver observes scheduling and completion of nodes.
// Callbacks may arrive concurrently from worker goroutines and must be
// fast; heavy work belongs on the receiver's side of a channel.
type ProgressReceiver interface {
	// Enqueueing fires the first time a key enters the work queue
	// during an evaluation.
	Enqueueing(key keys.Key)

	// Evaluated fires when a node completes with a value.
	Evaluated(key keys.Key, value Value, state EvaluationState)
}
