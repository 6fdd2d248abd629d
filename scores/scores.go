// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package scores defines the score functions the visualization algorithms
// maximize or explain.
//
// A Score maps one model output (a batched *graph.Node) to a per-sample
// scalar, shape [batch_size]. The visualization packages accept one Score
// per model output (a single Score is applied to every output) and sum the
// per-sample values into the objective, so with a multi-output model
// individual outputs can be silenced with Inactive.
//
// Scores are ordinary graph-building functions: they run while the
// visualization compiles its graph, and they fail fast -- with a panic in
// the graph-building style, surfaced as an error by the public APIs -- when
// the output shape does not match their expectations.
package scores

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
)

// Score maps a model output to a per-sample scalar, shape [batch_size].
type Score func(output *Node) *Node

// Categorical scores the given class channel of a categorical classifier
// output.
//
// The output must have rank >= 2, shaped [batch_size, ..., channels]. With a
// single index, that class is scored for every sample; otherwise one index
// per sample must be given. Spatial outputs (rank > 2) are averaged over
// their non-batch axes after the class channel is selected.
//
// Indices must lie in [0, channels); Categorical panics immediately when
// called with no indices and at graph-building time on any shape mismatch.
func Categorical(indices ...int) Score {
	if len(indices) == 0 {
		Panicf("scores.Categorical requires at least one class index")
	}
	for _, index := range indices {
		if index < 0 {
			Panicf("scores.Categorical: class indices must be non-negative, got %d", index)
		}
	}
	return func(output *Node) *Node {
		if output.Rank() < 2 {
			Panicf("scores.Categorical: output rank must be 2 or more (batch_size, ..., channels), got shape %s",
				output.Shape())
		}
		dims := output.Shape().Dimensions
		batchSize, channels := dims[0], dims[output.Rank()-1]
		for _, index := range indices {
			if index >= channels {
				Panicf("scores.Categorical: invalid class index %d for output shape %s", index, output.Shape())
			}
		}
		perSample := indices
		if len(perSample) == 1 && batchSize > 1 {
			perSample = make([]int, batchSize)
			for ii := range perSample {
				perSample[ii] = indices[0]
			}
		}
		if len(perSample) != batchSize {
			Panicf("scores.Categorical: got %d class indices for batch size %d -- give one index or one per sample",
				len(indices), batchSize)
		}
		g := output.Graph()
		asInt32 := make([]int32, batchSize)
		for ii, index := range perSample {
			asInt32[ii] = int32(index)
		}
		oneHot := OneHot(Const(g, asInt32), channels, output.DType()) // [batch, channels]
		if output.Rank() > 2 {
			middle := make([]int, output.Rank()-2)
			for ii := range middle {
				middle[ii] = 1
			}
			oneHot = InsertAxes(oneHot, middle...) // [batch, 1, ..., 1, channels]
		}
		selected := ReduceSum(Mul(output, oneHot), -1) // [batch, ...]
		return reduceNonBatch(selected)
	}
}

// Binary scores a binary classifier output, shaped [batch_size] or
// [batch_size, 1]: samples whose target is true score the output value v,
// the others score 1-v. A single target broadcasts over the batch.
func Binary(targets ...bool) Score {
	if len(targets) == 0 {
		Panicf("scores.Binary requires at least one target value")
	}
	return func(output *Node) *Node {
		rank := output.Rank()
		if rank != 1 && !(rank == 2 && output.Shape().Dimensions[1] == 1) {
			Panicf("scores.Binary: output shape must be (batch_size,) or (batch_size, 1), but was %s",
				output.Shape())
		}
		batchSize := output.Shape().Dimensions[0]
		output = Reshape(output, batchSize)
		perSample := targets
		if len(perSample) == 1 && batchSize > 1 {
			perSample = make([]bool, batchSize)
			for ii := range perSample {
				perSample[ii] = targets[0]
			}
		}
		if len(perSample) != batchSize {
			Panicf("scores.Binary: got %d target values for batch size %d -- give one target or one per sample",
				len(targets), batchSize)
		}
		g := output.Graph()
		positives := Const(g, perSample)
		return Where(positives, output, OneMinus(output))
	}
}

// Inactive silences an output: its score is identically zero, so it
// contributes nothing to objectives or gradients. Use it for the outputs of
// a multi-output model that should not take part in the visualization.
func Inactive() Score {
	return func(output *Node) *Node {
		return MulScalar(output, 0.0)
	}
}

// Values applies one Score per model output and returns the per-sample
// value of each, every one with shape [batch_size]. A single score is
// applied to every output; otherwise there must be exactly one score per
// output. Score results with extra axes are averaged over their non-batch
// axes first, so full-shaped results (e.g. Inactive's) reduce to a
// per-sample value.
func Values(outputs []*Node, ss []Score) []*Node {
	if len(outputs) == 0 {
		Panicf("scores: model produced no outputs")
	}
	if len(ss) == 0 {
		Panicf("scores: no scores given")
	}
	if len(ss) == 1 && len(outputs) > 1 {
		// A single score broadcasts over all outputs.
		broadcast := make([]Score, len(outputs))
		for ii := range broadcast {
			broadcast[ii] = ss[0]
		}
		ss = broadcast
	}
	if len(ss) != len(outputs) {
		Panicf("scores: got %d scores for %d model outputs -- provide exactly one score per output",
			len(ss), len(outputs))
	}
	values := make([]*Node, len(ss))
	for ii, score := range ss {
		if score == nil {
			Panicf("scores: score #%d is nil", ii)
		}
		value := score(outputs[ii])
		if value == nil {
			Panicf("scores: score #%d returned nil", ii)
		}
		value = reduceNonBatch(value)
		if value.Rank() != 1 {
			Panicf("scores: score #%d produced shape %s, want a per-sample vector [batch_size]",
				ii, value.Shape())
		}
		wantBatch := outputs[ii].Shape().Dimensions[0]
		if value.Shape().Dimensions[0] != wantBatch {
			Panicf("scores: score #%d produced %d values for batch size %d (output shape %s)",
				ii, value.Shape().Dimensions[0], wantBatch, outputs[ii].Shape())
		}
		values[ii] = value
	}
	return values
}

// Apply is Values summed into a single per-sample objective, shape
// [batch_size].
func Apply(outputs []*Node, ss []Score) *Node {
	values := Values(outputs, ss)
	total := values[0]
	for _, value := range values[1:] {
		total = Add(total, value)
	}
	return total
}

// reduceNonBatch averages away all axes but the leading batch axis.
func reduceNonBatch(value *Node) *Node {
	if value.Rank() <= 1 {
		return value
	}
	axes := make([]int, value.Rank()-1)
	for ii := range axes {
		axes[ii] = ii + 1
	}
	return ReduceMean(value, axes...)
}
