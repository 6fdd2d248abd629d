// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package vistest holds test utilities for the visualization packages:
// a cached test backend and small fixture models with hand-set weights, so
// algorithm tests can assert exact values.
package vistest

import (
	"fmt"
	"sync"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/vis"
)

var (
	backendOnce   sync.Once
	cachedBackend backends.Backend
)

// BuildTestBackend sets backends.DefaultConfig to "xla:cpu" -- it can be
// overwritten by the GOMLX_BACKEND environment variable -- and returns the
// cached backend for it.
func BuildTestBackend() backends.Backend {
	backends.DefaultConfig = "xla:cpu"
	backendOnce.Do(func() {
		cachedBackend = backends.MustNew()
		fmt.Printf("Backend: %s\n", cachedBackend.Description())
	})
	return cachedBackend
}

// LinearModel returns a single dense layer over 3 features with 2 classes,
// fixed weights and a softmax output. Taps: "logits".
//
// The logits are x·W+b with W = {{1, -1}, {2, 0}, {-1, 3}} and
// b = {0.5, -0.5}, so the gradient of logit c w.r.t. the input is exactly
// column c of W.
func LinearModel(backend backends.Backend) *vis.Model {
	ctx := context.New()
	// layers.Dense creates its variables under a "dense" sub-scope.
	ctx.In("linear").In("dense").VariableWithValue("weights", [][]float32{{1, -1}, {2, 0}, {-1, 3}})
	ctx.In("linear").In("dense").VariableWithValue("biases", []float32{0.5, -0.5})
	forward := func(ctx *context.Context, rec *vis.Recorder, inputs []*graph.Node) []*graph.Node {
		logits := rec.Tap("logits", layers.DenseWithBias(ctx.In("linear"), inputs[0], 2))
		return []*graph.Node{graph.Softmax(logits)}
	}
	return vis.NewModel(backend, ctx, forward)
}

// ConvModel returns a tiny convolutional classifier over 4x4 single-channel
// images (channels-last), with fixed weights:
//
//	conv1: 3x3, 1->2 channels, same padding, relu    tap "conv1" [batch, 4, 4, 2]
//	pool:  2x2 max pool                                           [batch, 2, 2, 2]
//	conv2: 3x3, 2->1 channels, same padding, relu    tap "conv2" [batch, 2, 2, 1]
//	dense: 4 -> 2 classes                            tap "logits"
//	softmax output
//
// conv2's kernel and bias are strictly positive, so for non-negative inputs
// its activation is strictly positive -- which the CAM tests rely on. The
// dense weights are strictly positive as well, making the gradient of either
// logit w.r.t. conv2 positive everywhere.
func ConvModel(backend backends.Backend) *vis.Model {
	ctx := context.New()
	conv1Kernel := make([][][][]float32, 3)
	for ky := range conv1Kernel {
		conv1Kernel[ky] = make([][][]float32, 3)
		for kx := range conv1Kernel[ky] {
			conv1Kernel[ky][kx] = [][]float32{{0.1 * float32(ky+1), 0.05 * float32(kx+1)}}
		}
	}
	ctx.In("conv1").VariableWithValue("weights", conv1Kernel)
	ctx.In("conv1").VariableWithValue("biases", []float32{0.05, -0.05})

	conv2Kernel := make([][][][]float32, 3)
	for ky := range conv2Kernel {
		conv2Kernel[ky] = make([][][]float32, 3)
		for kx := range conv2Kernel[ky] {
			conv2Kernel[ky][kx] = [][]float32{{0.2}, {0.2}}
		}
	}
	ctx.In("conv2").VariableWithValue("weights", conv2Kernel)
	ctx.In("conv2").VariableWithValue("biases", []float32{0.1})

	ctx.In("head").In("dense").VariableWithValue("weights", [][]float32{{1.0, 0.2}, {0.9, 0.3}, {0.8, 0.4}, {0.7, 0.5}})
	ctx.In("head").In("dense").VariableWithValue("biases", []float32{0, 0})

	forward := func(ctx *context.Context, rec *vis.Recorder, inputs []*graph.Node) []*graph.Node {
		batchSize := inputs[0].Shape().Dimensions[0]
		x := inputs[0] // [batch, 4, 4, 1]
		x = layers.Convolution(ctx.In("conv1"), x).CurrentScope().Filters(2).KernelSize(3).PadSame().Done()
		x = rec.Tap("conv1", activations.Relu(x))
		x = graph.MaxPool(x).Window(2).Done()
		x = layers.Convolution(ctx.In("conv2"), x).CurrentScope().Filters(1).KernelSize(3).PadSame().Done()
		x = rec.Tap("conv2", activations.Relu(x))
		x = graph.Reshape(x, batchSize, 4)
		logits := rec.Tap("logits", layers.DenseWithBias(ctx.In("head"), x, 2))
		return []*graph.Node{graph.Softmax(logits)}
	}
	return vis.NewModel(backend, ctx, forward)
}

// TwoHeadModel returns a model with two linear outputs over 2 features: head
// A with 2 units and head B with 3 units. Taps: "logitsA" and "logitsB".
// Outputs are the raw logits, so gradients are the fixed weight columns.
func TwoHeadModel(backend backends.Backend) *vis.Model {
	ctx := context.New()
	ctx.In("headA").VariableWithValue("weights", [][]float32{{1, 2}, {3, 4}})
	ctx.In("headA").VariableWithValue("biases", []float32{0, 0})
	ctx.In("headB").VariableWithValue("weights", [][]float32{{-1, 0, 1}, {1, 0, -1}})
	ctx.In("headB").VariableWithValue("biases", []float32{0.5, 0.5, 0.5})
	forward := func(ctx *context.Context, rec *vis.Recorder, inputs []*graph.Node) []*graph.Node {
		x := inputs[0]
		logitsA := rec.Tap("logitsA", layers.DenseWithBias(ctx.In("headA"), x, 2))
		logitsB := rec.Tap("logitsB", layers.DenseWithBias(ctx.In("headB"), x, 3))
		return []*graph.Node{logitsA, logitsB}
	}
	return vis.NewModel(backend, ctx, forward)
}

// Images returns a deterministic batch of 4x4 single-channel float32 images:
// sample s has pixel (i, j) set to (1+i*4+j) * 0.1 * (s+1), so every sample
// has a distinct, non-constant ramp.
func Images(batchSize int) *tensors.Tensor {
	data := make([]float32, batchSize*4*4)
	for s := 0; s < batchSize; s++ {
		for p := 0; p < 16; p++ {
			data[s*16+p] = float32(1+p) * 0.1 * float32(s+1)
		}
	}
	return tensors.FromFlatDataAndDimensions(data, batchSize, 4, 4, 1)
}

// Rows returns a deterministic batch of 3-feature rows for LinearModel:
// sample s is {1, 2, 3} scaled by (s+1).
func Rows(batchSize int) *tensors.Tensor {
	data := make([]float32, batchSize*3)
	for s := 0; s < batchSize; s++ {
		for f := 0; f < 3; f++ {
			data[s*3+f] = float32(f+1) * float32(s+1)
		}
	}
	return tensors.FromFlatDataAndDimensions(data, batchSize, 3)
}
