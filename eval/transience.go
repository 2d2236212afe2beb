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

// transienceKind is reserved; builders must not request deps of this
// kind and no builder may be registered for it.
const transienceKind keys.Kind = "ERROR_TRANSIENCE"

// transienceKey returns the singleton error-transience key. Nodes that
// commit a transient error gain an implicit dep on it; the evaluator
// bumps its version at the start of every evaluation whose version is
// newer than the entry's, which dirties those nodes and forces the
// retry. A repeated evaluation at the same version does not bump it.
func transienceKey() keys.Key {
	return keys.New(transienceKind, "singleton")
}

// transienceValue is the marker payload of the transience entry. Fresh
// per evaluation so the rewrite is never equality-suppressed.
type transienceValue struct {
	version int64
}

// Equal always reports false: every bump counts as a change.
func (transienceValue) Equal(any) bool { return false }
