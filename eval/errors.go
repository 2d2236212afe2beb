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
	"errors"
	"fmt"

	"github.com/AleutianAI/evalgraph/graph"
	"github.com/AleutianAI/evalgraph/keys"
)

// Sentinel errors for the eval package.
var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNilGraph is returned when the evaluator is built without a graph.
	ErrNilGraph = errors.New("graph must not be nil")

	// ErrNoBuilder is returned when no builder is registered for a key's kind.
	ErrNoBuilder = errors.New("no builder registered for kind")

	// ErrVersionRegression is returned when Eval is called with a version
	// lower than a previous call's.
	ErrVersionRegression = errors.New("graph version must be non-decreasing")

	// ErrInterrupted is returned when evaluation was cancelled; the graph
	// has been restored to a consistent state.
	ErrInterrupted = errors.New("evaluation interrupted")

	// ErrFatal wraps unrecoverable failures (builder panics, invariant
	// violations). The evaluation is aborted and cleaned.
	ErrFatal = errors.New("fatal evaluation failure")
)

// BuilderError is how a builder signals failure for its node. Any
// other error returned from Build is treated as fatal.
type BuilderError struct {
	// Cause is the underlying failure.
	Cause error

	// Transient marks failures that should be retried on the next
	// evaluation; the node gains an implicit dep on the evaluator's
	// error-transience entry.
	Transient bool
}

// NewBuilderError wraps cause as a permanent builder failure.
func NewBuilderError(cause error) *BuilderError {
	return &BuilderError{Cause: cause}
}

// NewTransientBuilderError wraps cause as a transient builder failure.
func NewTransientBuilderError(cause error) *BuilderError {
	return &BuilderError{Cause: cause, Transient: true}
}

// Error returns the failure message.
func (e *BuilderError) Error() string {
	if e.Transient {
		return fmt.Sprintf("transient builder failure: %v", e.Cause)
	}
	return fmt.Sprintf("builder failure: %v", e.Cause)
}

// Unwrap returns the underlying cause.
func (e *BuilderError) Unwrap() error { return e.Cause }

// schedulerError aborts the worker pool in fail-fast mode, carrying
// the failed key and its error up to the driver for bubbling.
type schedulerError struct {
	key  keys.Key
	info *graph.ErrorInfo
}

func (e *schedulerError) Error() string {
	return fmt.Sprintf("evaluation of %s failed: %v", e.key, e.info)
}

func (e *schedulerError) Unwrap() error { return e.info }

// fatalError carries context for unrecoverable failures: the failing
// key and the parents that requested it.
type fatalError struct {
	key     keys.Key
	parents []keys.Key
	cause   error
}

func (e *fatalError) Error() string {
	return fmt.Sprintf("unrecoverable error while evaluating %s (requested by %v): %v",
		e.key, e.parents, e.cause)
}

func (e *fatalError) Unwrap() error { return ErrFatal }
