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
	"sync"

	"github.com/AleutianAI/evalgraph/keys"
)

// Graph is the store of node entries. Implementations guarantee
// atomic create-if-absent and per-key total order for observers via
// the entry's own lock; there is no ordering between distinct keys.
type Graph interface {
	// Get returns the entry for key, nil if absent.
	Get(key keys.Key) *Entry

	// CreateIfAbsent returns the existing entry or atomically installs
	// a fresh one ready to be scheduled.
	CreateIfAbsent(key keys.Key) *Entry

	// Remove deletes the entry. Used to discard partially built nodes
	// after an interrupted evaluation.
	Remove(key keys.Key)
}

// InMemory is the canonical Graph backed by a map. Safe for concurrent
// use.
type InMemory struct {
	mu      sync.RWMutex
	entries map[keys.Key]*Entry
}

// NewInMemory returns an empty graph.
func NewInMemory() *InMemory {
	return &InMemory{entries: make(map[keys.Key]*Entry)}
}

// Get returns the entry for key, nil if absent.
func (g *InMemory) Get(key keys.Key) *Entry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.entries[key]
}

// CreateIfAbsent returns the existing entry or installs a new one.
func (g *InMemory) CreateIfAbsent(key keys.Key) *Entry {
	g.mu.RLock()
	e := g.entries[key]
	g.mu.RUnlock()
	if e != nil {
		return e
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if e := g.entries[key]; e != nil {
		return e
	}
	e = newEntry(key)
	g.entries[key] = e
	return e
}

// Remove deletes the entry for key.
func (g *InMemory) Remove(key keys.Key) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, key)
}

// Len returns the number of entries. Intended for tests and metrics.
func (g *InMemory) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entries)
}

var _ Graph = (*InMemory)(nil)
