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
	"strings"

	"github.com/AleutianAI/evalgraph/keys"
)

// CycleInfo describes one dependency cycle found under a requested
// root: the acyclic path from the root to the first node on the cycle,
// and the cycle itself in traversal order.
type CycleInfo struct {
	PathToCycle []keys.Key
	Cycle       []keys.Key
}

func (c CycleInfo) String() string {
	var b strings.Builder
	b.WriteString("cycle: ")
	writeKeyPath(&b, c.Cycle)
	if len(c.PathToCycle) > 0 {
		b.WriteString(" (via ")
		writeKeyPath(&b, c.PathToCycle)
		b.WriteByte(')')
	}
	return b.String()
}

func writeKeyPath(b *strings.Builder, path []keys.Key) {
	for i, k := range path {
		if i > 0 {
			b.WriteString(" -> ")
		}
		b.WriteString(k.String())
	}
}

// ErrorInfo is the committed failure state of a node: the underlying
// builder error if one was raised, any cycles beneath the node, the
// keys whose builders originally failed, and whether the failure is
// transient (retried on the next evaluation).
type ErrorInfo struct {
	// Err is the underlying cause. Nil for pure cycle errors and for
	// aggregates whose children carried no cause.
	Err error

	// RootCauses lists the keys whose builders failed, deduplicated.
	RootCauses []keys.Key

	// Cycles holds every cycle detected beneath the node.
	Cycles []CycleInfo

	// Transient marks failures that should be retried next evaluation.
	Transient bool
}

// NewBuilderErrorInfo records a failure raised by key's own builder.
func NewBuilderErrorInfo(key keys.Key, cause error, transient bool) *ErrorInfo {
	return &ErrorInfo{
		Err:        cause,
		RootCauses: []keys.Key{key},
		Transient:  transient,
	}
}

// NewChildErrorInfo aggregates the failures of key's children. The
// cause of the first child carrying one is adopted, root causes are
// unioned, cycles are concatenated, and transience is inherited from
// any transient child.
func NewChildErrorInfo(key keys.Key, children []*ErrorInfo) *ErrorInfo {
	agg := &ErrorInfo{}
	seen := make(keys.Set)
	for _, c := range children {
		if c == nil {
			continue
		}
		if agg.Err == nil {
			agg.Err = c.Err
		}
		for _, rc := range c.RootCauses {
			if seen.Add(rc) {
				agg.RootCauses = append(agg.RootCauses, rc)
			}
		}
		agg.Cycles = append(agg.Cycles, c.Cycles...)
		agg.Transient = agg.Transient || c.Transient
	}
	if len(agg.RootCauses) == 0 {
		agg.RootCauses = []keys.Key{key}
	}
	return agg
}

// NewCycleErrorInfo records a cycle with no builder failure involved.
func NewCycleErrorInfo(ci CycleInfo) *ErrorInfo {
	return &ErrorInfo{Cycles: []CycleInfo{ci}}
}

// IsCycle reports whether any cycle was recorded.
func (e *ErrorInfo) IsCycle() bool { return len(e.Cycles) > 0 }

// Error renders the failure for human consumption.
func (e *ErrorInfo) Error() string {
	switch {
	case e.Err != nil && e.IsCycle():
		return fmt.Sprintf("%v; %s", e.Err, e.Cycles[0])
	case e.Err != nil:
		return e.Err.Error()
	case e.IsCycle():
		return e.Cycles[0].String()
	default:
		return fmt.Sprintf("evaluation failed for %v", e.RootCauses)
	}
}

// Unwrap exposes the underlying cause to errors.Is / errors.As.
func (e *ErrorInfo) Unwrap() error { return e.Err }
