// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package depgroup stores dependency keys as an ordered list of groups.
//
// Builders request dependencies one at a time or as a batch; a batch
// forms a group. Group boundaries matter for incremental evaluation:
// when a previously built node is re-checked for changes, all members
// of a group can be checked in parallel, while distinct groups must be
// checked in request order.
package depgroup

import (
	"strings"

	"github.com/AleutianAI/evalgraph/keys"
)

// List is an ordered sequence of dependency groups. The zero value is
// an empty list ready for use. List is not safe for concurrent use;
// callers synchronize (the node entry holds its own lock).
type List struct {
	groups [][]keys.Key
	size   int
}

// Append adds a single key as its own group.
func (l *List) Append(k keys.Key) {
	l.groups = append(l.groups, []keys.Key{k})
	l.size++
}

// AppendGroup adds the keys as one group, preserving order. Empty
// groups are dropped.
func (l *List) AppendGroup(ks []keys.Key) {
	if len(ks) == 0 {
		return
	}
	g := make([]keys.Key, len(ks))
	copy(g, ks)
	l.groups = append(l.groups, g)
	l.size += len(g)
}

// AppendList appends every group of other, preserving boundaries.
func (l *List) AppendList(other *List) {
	if other == nil {
		return
	}
	for _, g := range other.groups {
		l.AppendGroup(g)
	}
}

// Len returns the total number of keys across all groups.
func (l *List) Len() int { return l.size }

// Empty reports whether the list has no keys.
func (l *List) Empty() bool { return l.size == 0 }

// NumGroups returns the number of groups.
func (l *List) NumGroups() int { return len(l.groups) }

// Group returns the i-th group. The returned slice is owned by the
// list and must not be mutated.
func (l *List) Group(i int) []keys.Key { return l.groups[i] }

// Groups returns all groups in insertion order. Shared storage; do not
// mutate.
func (l *List) Groups() [][]keys.Key { return l.groups }

// All returns every key in insertion order, flattened.
func (l *List) All() []keys.Key {
	out := make([]keys.Key, 0, l.size)
	for _, g := range l.groups {
		out = append(out, g...)
	}
	return out
}

// ToSet returns the set of all member keys.
func (l *List) ToSet() keys.Set {
	s := make(keys.Set, l.size)
	for _, g := range l.groups {
		for _, k := range g {
			s[k] = struct{}{}
		}
	}
	return s
}

// Remove deletes every key in drop. Group boundaries of the survivors
// are preserved: removing the key that ended a group leaves its
// predecessor as the new group end. Groups emptied entirely disappear.
func (l *List) Remove(drop keys.Set) {
	if len(drop) == 0 {
		return
	}
	out := l.groups[:0]
	size := 0
	for _, g := range l.groups {
		kept := g[:0]
		for _, k := range g {
			if !drop.Has(k) {
				kept = append(kept, k)
			}
		}
		if len(kept) > 0 {
			out = append(out, kept)
			size += len(kept)
		}
	}
	l.groups = out
	l.size = size
}

// Equal reports grouped equality: same groups, same order, same
// members in the same order within each group.
func (l *List) Equal(other *List) bool {
	if other == nil {
		return l.size == 0
	}
	if len(l.groups) != len(other.groups) {
		return false
	}
	for i, g := range l.groups {
		og := other.groups[i]
		if len(g) != len(og) {
			return false
		}
		for j, k := range g {
			if k != og[j] {
				return false
			}
		}
	}
	return true
}

// Clone returns a deep copy.
func (l *List) Clone() *List {
	out := &List{size: l.size, groups: make([][]keys.Key, len(l.groups))}
	for i, g := range l.groups {
		cg := make([]keys.Key, len(g))
		copy(cg, g)
		out.groups[i] = cg
	}
	return out
}

func (l *List) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, g := range l.groups {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteByte('(')
		for j, k := range g {
			if j > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(k.String())
		}
		b.WriteByte(')')
	}
	b.WriteByte(']')
	return b.String()
}

// Helper collects dependency requests as they arrive from a builder,
// deduplicating keys and recording group boundaries. StartGroup and
// EndGroup bracket a batch request; keys added outside a bracket each
// form their own group.
type Helper struct {
	list List
	seen keys.Set
	open bool
	cur  []keys.Key
}

// NewHelper returns an empty Helper.
func NewHelper() *Helper {
	return &Helper{seen: make(keys.Set)}
}

// StartGroup opens a batch. Panics if a batch is already open.
func (h *Helper) StartGroup() {
	if h.open {
		panic("depgroup: nested StartGroup")
	}
	h.open = true
}

// EndGroup closes the current batch, sealing its members as one group.
func (h *Helper) EndGroup() {
	if !h.open {
		panic("depgroup: EndGroup without StartGroup")
	}
	h.open = false
	if len(h.cur) > 0 {
		h.list.AppendGroup(h.cur)
		h.cur = h.cur[:0]
	}
}

// Add records k if it has not been requested yet this run.
func (h *Helper) Add(k keys.Key) {
	if !h.seen.Add(k) {
		return
	}
	if h.open {
		h.cur = append(h.cur, k)
		return
	}
	h.list.Append(k)
}

// Contains reports whether k has been requested this run.
func (h *Helper) Contains(k keys.Key) bool { return h.seen.Has(k) }

// Empty reports whether nothing has been requested.
func (h *Helper) Empty() bool { return len(h.seen) == 0 }

// Keys returns all requested keys in request order.
func (h *Helper) Keys() []keys.Key { return h.list.All() }

// List returns the collected groups. The helper retains ownership.
func (h *Helper) List() *List { return &h.list }

// Remove forgets every key in drop, preserving the group boundaries of
// the survivors.
func (h *Helper) Remove(drop keys.Set) {
	h.list.Remove(drop)
	for k := range drop {
		h.seen.Remove(k)
	}
}
