// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package actmax

import (
	"math"
	"math/rand"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
)

// InputModifier perturbs the optimized input at the start of every step,
// in-graph. The gradient is taken at the perturbed input, it does not flow
// back through the modifier.
type InputModifier interface {
	// Params draws the modifier's random parameters for one step, for an
	// input with the given dimensions. They are fed to Apply as graph
	// nodes, in order; the count must not change between steps.
	Params(rng *rand.Rand, dims []int) []*tensors.Tensor

	// Apply transforms the batched input node.
	Apply(x *Node, params []*Node) *Node
}

type jitter struct {
	pixels int
}

// Jitter returns an input modifier that circularly rolls the input along
// its two spatial axes by a random shift in [-pixels, pixels], the same
// shift for the whole batch. Requires rank-4
// [batch, height, width, channels] inputs.
//
// Small translations force the optimization to produce features that score
// well regardless of exact position, reducing high-frequency noise.
func Jitter(pixels int) InputModifier {
	return &jitter{pixels: pixels}
}

func (j *jitter) Params(rng *rand.Rand, dims []int) []*tensors.Tensor {
	if j.pixels < 0 {
		Panicf("actmax: Jitter pixels must be non-negative, got %d", j.pixels)
	}
	if len(dims) != 4 {
		Panicf("actmax: Jitter requires rank-4 [batch, height, width, channels] inputs, got dimensions %v", dims)
	}
	params := make([]*tensors.Tensor, 0, 2)
	for _, size := range dims[1:3] {
		shift := rng.Intn(2*j.pixels+1) - j.pixels
		indices := make([]int32, size)
		for ii := range indices {
			indices[ii] = int32(((ii-shift)%size + size) % size)
		}
		params = append(params, tensors.FromFlatDataAndDimensions(indices, size, 1))
	}
	return params
}

func (j *jitter) Apply(x *Node, params []*Node) *Node {
	if x.Rank() != 4 {
		Panicf("actmax: Jitter requires rank-4 [batch, height, width, channels] inputs, got %s", x.Shape())
	}
	x = gatherAxis(x, 1, params[0])
	x = gatherAxis(x, 2, params[1])
	return x
}

// gatherAxis reorders one axis of x by the given [n, 1] index vector.
func gatherAxis(x *Node, axis int, indices *Node) *Node {
	rank := x.Rank()
	perm := make([]int, 0, rank)
	perm = append(perm, axis)
	for a := 0; a < rank; a++ {
		if a != axis {
			perm = append(perm, a)
		}
	}
	moved := TransposeAllDims(x, perm...)
	gathered := Gather(moved, indices)
	inverse := make([]int, rank)
	for pos, a := range perm {
		inverse[a] = pos
	}
	return TransposeAllDims(gathered, inverse...)
}

type rotate2D struct {
	maxDegrees float64
}

// Rotate2D returns an input modifier that rotates the input by a random
// angle drawn uniformly from [-maxDegrees, maxDegrees] about the image
// center, with bilinear resampling and zero fill outside the image.
// Requires rank-4 [batch, height, width, channels] inputs.
func Rotate2D(maxDegrees float64) InputModifier {
	return &rotate2D{maxDegrees: maxDegrees}
}

func (r *rotate2D) Params(rng *rand.Rand, dims []int) []*tensors.Tensor {
	if r.maxDegrees < 0 {
		Panicf("actmax: Rotate2D degrees must be non-negative, got %g", r.maxDegrees)
	}
	if len(dims) != 4 {
		Panicf("actmax: Rotate2D requires rank-4 [batch, height, width, channels] inputs, got dimensions %v", dims)
	}
	radians := (rng.Float64()*2 - 1) * r.maxDegrees * math.Pi / 180
	return []*tensors.Tensor{tensors.FromScalar(radians)}
}

func (r *rotate2D) Apply(x *Node, params []*Node) *Node {
	if x.Rank() != 4 {
		Panicf("actmax: Rotate2D requires rank-4 [batch, height, width, channels] inputs, got %s", x.Shape())
	}
	g := x.Graph()
	dtype := x.DType()
	dims := x.Shape().Dimensions
	batchSize, h, w, channels := dims[0], dims[1], dims[2], dims[3]
	angle := ConvertDType(params[0], dtype)

	// Source coordinate of each output pixel: the inverse rotation about
	// the image center.
	yGrid := Iota(g, shapes.Make(dtype, h, w), 0)
	xGrid := Iota(g, shapes.Make(dtype, h, w), 1)
	dy := AddScalar(yGrid, -float64(h-1)/2)
	dx := AddScalar(xGrid, -float64(w-1)/2)
	sin, cos := Sin(angle), Cos(angle)
	ys := AddScalar(Add(Mul(cos, dy), Mul(sin, dx)), float64(h-1)/2)
	xs := AddScalar(Sub(Mul(cos, dx), Mul(sin, dy)), float64(w-1)/2)

	y0, x0 := Floor(ys), Floor(xs)
	wy, wx := Sub(ys, y0), Sub(xs, x0)

	flat := TransposeAllDims(Reshape(x, batchSize, h*w, channels), 1, 0, 2) // [h*w, batch, channels]

	// sample fetches pixel (yf, xf) for every output position, zeroed
	// where the source falls outside the image.
	sample := func(yf, xf *Node) *Node {
		inBounds := Mul(
			Mul(ConvertDType(GreaterOrEqual(yf, ScalarZero(g, dtype)), dtype),
				ConvertDType(LessThan(yf, Scalar(g, dtype, float64(h))), dtype)),
			Mul(ConvertDType(GreaterOrEqual(xf, ScalarZero(g, dtype)), dtype),
				ConvertDType(LessThan(xf, Scalar(g, dtype, float64(w))), dtype)))
		yi := ConvertDType(ClipScalar(yf, 0, float64(h-1)), dtypes.Int32)
		xi := ConvertDType(ClipScalar(xf, 0, float64(w-1)), dtypes.Int32)
		indices := Reshape(Add(MulScalar(yi, float64(w)), xi), h*w, 1)
		gathered := TransposeAllDims(Gather(flat, indices), 1, 0, 2) // [batch, h*w, channels]
		return Mul(gathered, Reshape(inBounds, 1, h*w, 1))
	}

	c00 := sample(y0, x0)
	c01 := sample(y0, AddScalar(x0, 1))
	c10 := sample(AddScalar(y0, 1), x0)
	c11 := sample(AddScalar(y0, 1), AddScalar(x0, 1))

	weight := func(wn *Node) *Node { return Reshape(wn, 1, h*w, 1) }
	out := Add(
		Add(Mul(c00, weight(Mul(OneMinus(wy), OneMinus(wx)))),
			Mul(c01, weight(Mul(OneMinus(wy), wx)))),
		Add(Mul(c10, weight(Mul(wy, OneMinus(wx)))),
			Mul(c11, weight(Mul(wy, wx)))))
	return Reshape(out, batchSize, h, w, channels)
}
