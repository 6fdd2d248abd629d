// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vis_test

import (
	"testing"

	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/vis"
	"github.com/gomlx/vis/vistest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flatF32(t *tensors.Tensor) []float32 {
	return tensors.CopyFlatData[float32](t)
}

func TestRecorder(t *testing.T) {
	backend := vistest.BuildTestBackend()
	g := graph.NewGraph(backend, "recorder-test")
	a := graph.Const(g, []float32{1, 2})
	b := graph.Const(g, [][]float32{{1}, {2}})

	rec := vis.NewRecorder()
	assert.Same(t, a, rec.Tap("a", a), "Tap returns its node unchanged")
	rec.Tap("b", b)

	assert.Equal(t, []string{"a", "b"}, rec.Names())
	assert.Same(t, a, rec.Node("a"))
	assert.Same(t, b, rec.Node("b"))

	name, node := rec.LastWithRank(1)
	assert.Equal(t, "a", name)
	assert.Same(t, a, node)
	name, node = rec.LastWithRank(2)
	assert.Equal(t, "b", name)
	assert.Same(t, b, node)

	assert.Panics(t, func() { rec.Tap("a", b) }, "duplicate tap names are rejected")
	assert.Panics(t, func() { rec.Tap("", a) })
	assert.Panics(t, func() { rec.Tap("nil", nil) })
	assert.Panics(t, func() { rec.Node("missing") })
	assert.Panics(t, func() { rec.LastWithRank(4) })
}

func TestRecorderLastWithRankPicksLast(t *testing.T) {
	backend := vistest.BuildTestBackend()
	g := graph.NewGraph(backend, "recorder-test")
	first := graph.Const(g, []float32{1})
	second := graph.Const(g, []float32{2})

	rec := vis.NewRecorder()
	rec.Tap("first", first)
	rec.Tap("second", second)
	name, node := rec.LastWithRank(1)
	assert.Equal(t, "second", name)
	assert.Same(t, second, node)
}

func TestNewModelValidation(t *testing.T) {
	backend := vistest.BuildTestBackend()
	forward := func(ctx *context.Context, rec *vis.Recorder, inputs []*graph.Node) []*graph.Node {
		return inputs
	}
	assert.Panics(t, func() { vis.NewModel(nil, context.New(), forward) })
	assert.Panics(t, func() { vis.NewModel(backend, context.New(), nil) })
	assert.NotNil(t, vis.NewModel(backend, nil, forward).Context(), "nil context is replaced by an empty one")
}

func TestPredict(t *testing.T) {
	backend := vistest.BuildTestBackend()
	model := vistest.LinearModel(backend)

	outputs, err := model.Predict(vistest.Rows(2))
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	require.Equal(t, []int{2, 2}, outputs[0].Shape().Dimensions)

	// Softmax output: rows sum to one.
	probs := flatF32(outputs[0])
	assert.InDelta(t, 1.0, probs[0]+probs[1], 1e-5)
	assert.InDelta(t, 1.0, probs[2]+probs[3], 1e-5)

	// Second call reuses the compiled executor.
	again, err := model.Predict(vistest.Rows(2))
	require.NoError(t, err)
	assert.Equal(t, probs, flatF32(again[0]))

	_, err = model.Predict()
	assert.ErrorContains(t, err, "requires at least one input")
}

func TestReplaceToLinear(t *testing.T) {
	backend := vistest.BuildTestBackend()
	model := vistest.LinearModel(backend).Modify(vis.ReplaceToLinear())

	outputs, err := model.Predict(vistest.Rows(1))
	require.NoError(t, err)

	// Row {1, 2, 3} against W = {{1, -1}, {2, 0}, {-1, 3}} and b = {0.5, -0.5}.
	logits := flatF32(outputs[0])
	require.Len(t, logits, 2)
	assert.InDelta(t, 2.5, logits[0], 1e-5)
	assert.InDelta(t, 7.5, logits[1], 1e-5)
}

func TestExtractIntermediateLayer(t *testing.T) {
	backend := vistest.BuildTestBackend()
	model := vistest.ConvModel(backend).Modify(vis.ExtractIntermediateLayer("conv1"))

	outputs, err := model.Predict(vistest.Images(2))
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, []int{2, 4, 4, 2}, outputs[0].Shape().Dimensions)

	_, err = vistest.ConvModel(backend).
		Modify(vis.ExtractIntermediateLayer("missing")).
		Predict(vistest.Images(1))
	assert.ErrorContains(t, err, `no tap named "missing"`)

	assert.Panics(t, func() { vis.ExtractIntermediateLayer("") })
}

func TestModifyDoesNotMutate(t *testing.T) {
	backend := vistest.BuildTestBackend()
	model := vistest.LinearModel(backend)
	linear := model.Modify(vis.ReplaceToLinear())

	probs, err := model.Predict(vistest.Rows(1))
	require.NoError(t, err)
	logits, err := linear.Predict(vistest.Rows(1))
	require.NoError(t, err)

	p := flatF32(probs[0])
	assert.InDelta(t, 1.0, p[0]+p[1], 1e-5, "original model still ends in softmax")
	l := flatF32(logits[0])
	assert.Greater(t, l[0]+l[1], float32(2), "modified model returns raw logits")

	assert.Panics(t, func() { model.Modify(nil) })
}

func TestCloneIsolation(t *testing.T) {
	backend := vistest.BuildTestBackend()
	model := vistest.LinearModel(backend)
	clone := model.Clone()

	clone.Context().EnumerateVariables(func(v *context.Variable) {
		v.Trainable = false
	})
	model.Context().EnumerateVariables(func(v *context.Variable) {
		assert.True(t, v.Trainable, "freezing the clone must not touch the original")
	})

	want, err := model.Predict(vistest.Rows(1))
	require.NoError(t, err)
	got, err := clone.Predict(vistest.Rows(1))
	require.NoError(t, err)
	assert.Equal(t, flatF32(want[0]), flatF32(got[0]))
}

func TestForwardOutputValidation(t *testing.T) {
	backend := vistest.BuildTestBackend()

	empty := vis.NewModel(backend, nil,
		func(ctx *context.Context, rec *vis.Recorder, inputs []*graph.Node) []*graph.Node {
			return nil
		})
	_, err := empty.Predict(vistest.Rows(1))
	assert.ErrorContains(t, err, "returned no outputs")

	nilOutput := vis.NewModel(backend, nil,
		func(ctx *context.Context, rec *vis.Recorder, inputs []*graph.Node) []*graph.Node {
			return []*graph.Node{nil}
		})
	_, err = nilOutput.Predict(vistest.Rows(1))
	assert.ErrorContains(t, err, "nil output")
}
