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
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/evalgraph/events"
)

// Defaults applied by Config.normalize.
const (
	// DefaultThreadCount sizes the worker pool when unset.
	DefaultThreadCount = 8

	// DefaultMaxCyclesReported caps reported cycles per root to bound
	// cycle-detection work on pathological graphs.
	DefaultMaxCyclesReported = 20
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config tunes an Evaluator. The zero value is valid; zero fields get
// defaults.
type Config struct {
	// KeepGoing continues evaluation past failed nodes; roots whose
	// subtrees succeeded still produce values. When false, the first
	// failure aborts evaluation and is bubbled to the requesting roots.
	KeepGoing bool

	// ThreadCount is the fixed worker pool size per evaluation.
	ThreadCount int `validate:"gte=1,lte=4096"`

	// MaxCyclesReported caps the cycles reported per root.
	MaxCyclesReported int `validate:"gte=1"`

	// Logger receives evaluation logs. Nil means slog.Default().
	Logger *slog.Logger

	// Reporter receives replayed builder diagnostics and progress
	// messages. Nil means discard.
	Reporter events.Reporter

	// Progress optionally observes node scheduling and completion.
	Progress ProgressReceiver
}

// normalize fills defaults and validates the result.
func (c *Config) normalize() error {
	if c.ThreadCount == 0 {
		c.ThreadCount = DefaultThreadCount
	}
	if c.MaxCyclesReported == 0 {
		c.MaxCyclesReported = DefaultMaxCyclesReported
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Reporter == nil {
		c.Reporter = events.NopReporter{}
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid evaluator config: %w", err)
	}
	return nil
}
