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
	"github.com/AleutianAI/evalgraph/keys"
)

// Value is a node value produced by a builder. Values are compared for
// change detection with graph.Equaler when implemented, otherwise with
// deep equality, so value types should be plain data.
type Value = any

// Builder produces the value for every key of one kind.
//
// Outcomes of Build:
//
//  1. (v, nil) with no missing deps: success. The value is committed
//     and parents are signaled.
//  2. (nil, nil) after requesting deps that were not yet done: the
//     node is deferred and Build will be called again once every
//     requested dep is done, with those deps now available.
//  3. (nil, *BuilderError): failure. The error is committed; in
//     keep-going mode evaluation continues, in fail-fast mode it is
//     bubbled to the requesting roots.
//  4. any other error, or a panic: fatal; the whole evaluation aborts.
//
// A builder may run several times for the same key within one
// evaluation, each time seeing a larger set of done deps, so it must
// be deterministic given the same key and dep values. Once Build
// returns a value the key is done and is not re-invoked during that
// evaluation.
type Builder interface {
	Build(key keys.Key, env *Env) (Value, error)
}

// BuilderFunc adapts a function to the Builder interface.
type BuilderFunc func(key keys.Key, env *Env) (Value, error)

// Build invokes the function.
func (f BuilderFunc) Build(key keys.Key, env *Env) (Value, error) {
	return f(key, env)
}

// Registry maps node kinds to their builders. Lookup is O(1) per key.
type Registry map[keys.Kind]Builder

// ValueOrError is the per-key outcome of a grouped dep request that
// surfaces dep failures to the builder.
type ValueOrError struct {
	// Value is the dep's value if available (always in keep-going mode,
	// only for error-free deps otherwise).
	Value Value

	// Err is the dep's underlying builder failure, nil if the dep
	// succeeded or is not done yet.
	Err error
}
