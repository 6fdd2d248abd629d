// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package actmax

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
)

// Regularizer adds a per-sample penalty to the optimization objective,
// steering the optimized input away from degenerate solutions.
type Regularizer interface {
	// Name identifies the regularizer in error messages.
	Name() string

	// Penalty returns the penalty for the current inputs, shaped [batch].
	Penalty(inputs []*Node) *Node
}

type totalVariation2D struct {
	weight float64
}

// TotalVariation2D returns a regularizer penalizing the anisotropic total
// variation of each input, the mean absolute difference between spatially
// adjacent values, scaled by weight. It suppresses high-frequency noise in
// the optimized image. Requires rank-4 [batch, height, width, channels]
// inputs.
func TotalVariation2D(weight float64) Regularizer {
	return &totalVariation2D{weight: weight}
}

func (tv *totalVariation2D) Name() string { return "TotalVariation2D" }

func (tv *totalVariation2D) Penalty(inputs []*Node) *Node {
	var total *Node
	for _, x := range inputs {
		if x.Rank() != 4 {
			Panicf("actmax: TotalVariation2D requires rank-4 [batch, height, width, channels] inputs, got %s",
				x.Shape())
		}
		dims := x.Shape().Dimensions
		h, w := dims[1], dims[2]
		sum := ReduceSum(ZerosLike(x), 1, 2, 3) // [batch]
		if h > 1 {
			dy := Sub(
				Slice(x, AxisRange(), AxisRange(1)),
				Slice(x, AxisRange(), AxisRange(0, h-1)))
			sum = Add(sum, ReduceSum(Abs(dy), 1, 2, 3))
		}
		if w > 1 {
			dx := Sub(
				Slice(x, AxisRange(), AxisRange(), AxisRange(1)),
				Slice(x, AxisRange(), AxisRange(), AxisRange(0, w-1)))
			sum = Add(sum, ReduceSum(Abs(dx), 1, 2, 3))
		}
		per := DivScalar(sum, float64(dims[1]*dims[2]*dims[3]))
		if total == nil {
			total = per
		} else {
			total = Add(total, per)
		}
	}
	return MulScalar(total, tv.weight)
}

type norm struct {
	weight float64
	p      float64
}

// Norm returns a regularizer penalizing the L-p norm of each input,
// divided by its per-sample element count and scaled by weight. It keeps
// the optimized values from growing without bound.
func Norm(weight, p float64) Regularizer {
	return &norm{weight: weight, p: p}
}

func (n *norm) Name() string { return "Norm" }

func (n *norm) Penalty(inputs []*Node) *Node {
	if n.p < 1 {
		Panicf("actmax: Norm requires p >= 1, got %g", n.p)
	}
	var total *Node
	for _, x := range inputs {
		if x.Rank() < 2 {
			Panicf("actmax: Norm requires batched inputs of rank >= 2, got %s", x.Shape())
		}
		g := x.Graph()
		dtype := x.DType()
		dims := x.Shape().Dimensions
		elems := x.Shape().Size() / dims[0]
		flat := Reshape(x, dims[0], elems)
		lp := Pow(
			ReduceSum(Pow(Abs(flat), Scalar(g, dtype, n.p)), 1),
			Scalar(g, dtype, 1/n.p))
		per := DivScalar(lp, float64(elems))
		if total == nil {
			total = per
		} else {
			total = Add(total, per)
		}
	}
	return MulScalar(total, n.weight)
}
