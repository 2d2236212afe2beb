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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemory_CreateIfAbsent(t *testing.T) {
	g := NewInMemory()
	assert.Nil(t, g.Get(tk("a")))

	e1 := g.CreateIfAbsent(tk("a"))
	require.NotNil(t, e1)
	assert.Same(t, e1, g.CreateIfAbsent(tk("a")))
	assert.Same(t, e1, g.Get(tk("a")))
	assert.Equal(t, 1, g.Len())
}

func TestInMemory_Remove(t *testing.T) {
	g := NewInMemory()
	g.CreateIfAbsent(tk("a"))
	g.Remove(tk("a"))
	assert.Nil(t, g.Get(tk("a")))
	g.Remove(tk("a")) // idempotent
}

func TestInMemory_ConcurrentCreateYieldsOneEntry(t *testing.T) {
	g := NewInMemory()
	const workers = 32

	entries := make([]*Entry, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entries[i] = g.CreateIfAbsent(tk("shared"))
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		assert.Same(t, entries[0], entries[i])
	}
	assert.Equal(t, 1, g.Len())
}
