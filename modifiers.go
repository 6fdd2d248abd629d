// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vis

import (
	. "github.com/gomlx/exceptions"
)

// Modifier is a one-time structural transform of a model, applied before a
// visualization is bound to it. Modifiers are pure: they return a derived
// model and never touch the original. Composition is sequential and
// order-sensitive: Model.Modify(a, b) applies a first.
type Modifier func(*Model) *Model

// ReplaceToLinear re-routes the model's output to its "logits" tap,
// bypassing the final activation (usually a softmax). Most attribution
// methods work noticeably better on the linear output; apply this first when
// the model ends in a saturating activation.
//
// The model's forward function must record the pre-activation output under
// the tap name "logits"; otherwise the first graph build fails with a
// descriptive error.
func ReplaceToLinear() Modifier {
	return func(m *Model) *Model {
		return m.withOutputTap(LogitsTap)
	}
}

// ExtractIntermediateLayer truncates the model at the named tap: the tap's
// activation becomes the model's (single) output. Scores are then computed
// on that activation, which is how channel- or unit-level visualizations are
// expressed.
func ExtractIntermediateLayer(name string) Modifier {
	if name == "" {
		Panicf("vis: ExtractIntermediateLayer requires a tap name")
	}
	return func(m *Model) *Model {
		return m.withOutputTap(name)
	}
}

// LogitsTap is the conventional tap name for the pre-activation output.
const LogitsTap = "logits"
