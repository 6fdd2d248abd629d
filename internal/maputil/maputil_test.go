// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package maputil

import (
	"testing"

	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/vis/vistest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize01(t *testing.T) {
	backend := vistest.BuildTestBackend()
	exec := graph.NewExec(backend, func(x *graph.Node) *graph.Node {
		return Normalize01(x)
	})
	got := exec.Call(tensors.FromValue([][]float32{
		{0, 1, 3},
		{2, 2, 2}, // Constant sample normalizes to zeros.
	}))[0]
	want := [][]float32{
		{0, 1.0 / 3.0, 1},
		{0, 0, 0},
	}
	flat := tensors.CopyFlatData[float32](got)
	for i, w := range append(want[0], want[1]...) {
		assert.InDelta(t, w, flat[i], 1e-5)
	}

	require.Panics(t, func() {
		_ = graph.NewExec(backend, func(x *graph.Node) *graph.Node {
			return Normalize01(x)
		}).Call(tensors.FromValue([]float32{1, 2, 3}))
	}, "rank-1 input must be rejected")
}

func TestResizeMap(t *testing.T) {
	backend := vistest.BuildTestBackend()

	// Same-size resize is the identity.
	identity := graph.NewExec(backend, func(m *graph.Node) *graph.Node {
		return ResizeMap(m, []int{2, 2})
	})
	in := [][][]float32{{{1, 2}, {3, 4}}}
	got := identity.Call(tensors.FromValue(in))[0]
	flat := tensors.CopyFlatData[float32](got)
	for i, w := range []float32{1, 2, 3, 4} {
		assert.InDelta(t, w, flat[i], 1e-6)
	}

	// Upsampling preserves shape contract and value bounds.
	up := graph.NewExec(backend, func(m *graph.Node) *graph.Node {
		return ResizeMap(m, []int{4, 4})
	})
	got = up.Call(tensors.FromValue(in))[0]
	require.Equal(t, []int{1, 4, 4}, got.Shape().Dimensions)
	for _, v := range tensors.CopyFlatData[float32](got) {
		assert.GreaterOrEqual(t, v, float32(1))
		assert.LessOrEqual(t, v, float32(4))
	}
}

func TestInputSpatial(t *testing.T) {
	backend := vistest.BuildTestBackend()
	exec := graph.NewExec(backend, func(x *graph.Node) *graph.Node {
		spatial := InputSpatial(x)
		require.Equal(t, []int{4, 4}, spatial)
		return x
	})
	exec.Call(vistest.Images(2))
}
