// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package maputil has the in-graph post-processing steps shared by the
// attribution packages: per-sample normalization and resizing of maps.
package maputil

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
)

// Epsilon added to min-max denominators, so constant maps come out as zeros
// instead of NaNs.
const Epsilon = 1e-7

// Normalize01 rescales each sample of x (taken along axis 0) to the [0, 1]
// range: (x - min) / (max - min + Epsilon), with min and max reduced over all
// non-batch axes. A constant sample maps to all zeros.
func Normalize01(x *Node) *Node {
	if x.Rank() < 2 {
		Panicf("Normalize01 requires a batched map with rank >= 2, got shape %s", x.Shape())
	}
	axes := nonBatchAxes(x)
	minimum := ReduceAndKeep(x, ReduceMin, axes...)
	maximum := ReduceAndKeep(x, ReduceMax, axes...)
	return Div(Sub(x, minimum), AddScalar(Sub(maximum, minimum), Epsilon))
}

// ResizeMap bilinearly resizes a [batch, <spatial...>] map to the given
// spatial dimensions. It is a no-op if the dimensions already match.
func ResizeMap(m *Node, spatial []int) *Node {
	if len(spatial) != m.Rank()-1 {
		Panicf("ResizeMap: map with shape %s cannot be resized to %d spatial dimensions %v",
			m.Shape(), len(spatial), spatial)
	}
	sizes := make([]int, m.Rank())
	sizes[0] = NoInterpolation
	copy(sizes[1:], spatial)
	return Interpolate(m, sizes...).Bilinear().Done()
}

// InputSpatial returns the spatial dimensions of a channels-last input
// shaped [batch, <spatial...>, channels].
func InputSpatial(input *Node) []int {
	if input.Rank() < 3 {
		Panicf("expanding a map to the input spatial dimensions requires a "+
			"[batch, <spatial...>, channels] input, got shape %s", input.Shape())
	}
	dims := input.Shape().Dimensions
	spatial := make([]int, len(dims)-2)
	copy(spatial, dims[1:len(dims)-1])
	return spatial
}

func nonBatchAxes(x *Node) []int {
	axes := make([]int, 0, x.Rank()-1)
	for axis := 1; axis < x.Rank(); axis++ {
		axes = append(axes, axis)
	}
	return axes
}
