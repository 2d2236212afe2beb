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
	"reflect"

	"github.com/AleutianAI/evalgraph/events"
)

// Version is the monotonic graph clock. Each evaluation runs at one
// version; each done entry remembers the version at which its value
// last changed and the version of its most recent evaluation.
type Version int64

// Equaler lets a value type define its own change-detection equality.
// Values that do not implement it are compared with reflect.DeepEqual.
type Equaler interface {
	Equal(other any) bool
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if eq, ok := a.(Equaler); ok {
		return eq.Equal(b)
	}
	return reflect.DeepEqual(a, b)
}

// ValueWithMetadata is the committed payload of a done entry: the
// value the builder produced (nil for failed nodes), the failure state
// if any, and the aggregated event set of the node's subtree. In
// keep-going mode value and error may coexist.
type ValueWithMetadata struct {
	Value  any
	Err    *ErrorInfo
	Events *events.Set
}

// Normal builds a payload for a node that produced a value, possibly
// alongside recoverable child errors.
func Normal(value any, err *ErrorInfo, evs *events.Set) ValueWithMetadata {
	if evs == nil {
		evs = events.Empty()
	}
	return ValueWithMetadata{Value: value, Err: err, Events: evs}
}

// ErrorPayload builds a payload for a node that failed without a value.
func ErrorPayload(err *ErrorInfo, evs *events.Set) ValueWithMetadata {
	if evs == nil {
		evs = events.Empty()
	}
	return ValueWithMetadata{Err: err, Events: evs}
}
