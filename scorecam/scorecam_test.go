// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package scorecam

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/vis"
	"github.com/gomlx/vis/scores"
	"github.com/gomlx/vis/vistest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// normalize01 is the host-side mirror of the per-sample min-max
// normalization, for computing expected values.
func normalize01(vals []float32, batch, perSample int) []float32 {
	out := make([]float32, len(vals))
	for b := 0; b < batch; b++ {
		lo, hi := vals[b*perSample], vals[b*perSample]
		for i := 1; i < perSample; i++ {
			v := vals[b*perSample+i]
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		den := hi - lo + 1e-7
		for i := 0; i < perSample; i++ {
			out[b*perSample+i] = (vals[b*perSample+i] - lo) / den
		}
	}
	return out
}

// conv2Activations runs the fixture model truncated at the "conv2" tap.
func conv2Activations(t *testing.T, images *tensors.Tensor) []float32 {
	backend := vistest.BuildTestBackend()
	truncated := vistest.ConvModel(backend).Modify(vis.ExtractIntermediateLayer("conv2"))
	acts, err := truncated.Predict(images)
	require.NoError(t, err)
	require.Equal(t, []int{2, 2, 2, 1}, acts[0].Shape().Dimensions)
	return tensors.CopyFlatData[float32](acts[0])
}

// With a single activation channel the weighted sum is the channel scaled
// by its (positive, for this fixture) score, so the normalized map equals
// the normalized activation.
func TestSingleChannelIdentity(t *testing.T) {
	backend := vistest.BuildTestBackend()
	model := vistest.ConvModel(backend).Modify(vis.ReplaceToLinear())
	images := vistest.Images(2)
	want := normalize01(conv2Activations(t, images), 2, 4)

	maps, err := New(model).Expand(false).Maps(scores.Categorical(0), images)
	require.NoError(t, err)
	require.Len(t, maps, 1)
	require.Equal(t, []int{2, 2, 2}, maps[0].Shape().Dimensions)
	got := tensors.CopyFlatData[float32](maps[0])
	for ii, w := range want {
		assert.InDeltaf(t, w, got[ii], 1e-4, "element %d", ii)
	}
}

func TestExpandToInputSize(t *testing.T) {
	backend := vistest.BuildTestBackend()
	model := vistest.ConvModel(backend)
	images := vistest.Images(2)

	maps, err := New(model).Maps(scores.Categorical(0), images)
	require.NoError(t, err)
	require.Len(t, maps, 1)
	require.Equal(t, []int{2, 4, 4}, maps[0].Shape().Dimensions)
	for _, v := range tensors.CopyFlatData[float32](maps[0]) {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.LessOrEqual(t, v, float32(1))
	}
}

// Chunking the masked forward passes must not change the result.
func TestBatchSizeInvariance(t *testing.T) {
	backend := vistest.BuildTestBackend()
	model := vistest.ConvModel(backend).Modify(vis.ReplaceToLinear())
	images := vistest.Images(2)

	// "conv1" has 2 channels over a batch of 2: BatchSize(1) splits the 4
	// masked inputs into 4 chunks.
	whole, err := New(model).Layer("conv1").Maps(scores.Categorical(0), images)
	require.NoError(t, err)
	chunked, err := New(model).Layer("conv1").BatchSize(1).Maps(scores.Categorical(0), images)
	require.NoError(t, err)

	wantVals := tensors.CopyFlatData[float32](whole[0])
	gotVals := tensors.CopyFlatData[float32](chunked[0])
	require.Len(t, gotVals, len(wantVals))
	for ii, w := range wantVals {
		assert.InDeltaf(t, w, gotVals[ii], 1e-5, "element %d", ii)
	}
}

// Each sample's map only depends on that sample: masks are normalized per
// sample, and each channel weight is the score of that sample's masked
// prediction.
func TestBatchInvariance(t *testing.T) {
	backend := vistest.BuildTestBackend()
	model := vistest.ConvModel(backend).Modify(vis.ReplaceToLinear())
	images := vistest.Images(2)

	batched, err := New(model).Layer("conv1").Maps(scores.Categorical(0), images)
	require.NoError(t, err)
	batchedVals := tensors.CopyFlatData[float32](batched[0])

	flat := tensors.CopyFlatData[float32](images)
	perSample := len(flat) / 2
	for sample := 0; sample < 2; sample++ {
		single := tensors.FromFlatDataAndDimensions(
			flat[sample*perSample:(sample+1)*perSample], 1, 4, 4, 1)
		maps, err := New(model).Layer("conv1").Maps(scores.Categorical(0), single)
		require.NoError(t, err)
		singleVals := tensors.CopyFlatData[float32](maps[0])
		for ii, w := range singleVals {
			assert.InDeltaf(t, w, batchedVals[sample*len(singleVals)+ii], 1e-4,
				"sample %d element %d", sample, ii)
		}
	}
}

func TestMaxChannels(t *testing.T) {
	backend := vistest.BuildTestBackend()
	model := vistest.ConvModel(backend).Modify(vis.ReplaceToLinear())
	images := vistest.Images(2)

	// Keeping at least as many channels as the layer has is full Score-CAM.
	full, err := New(model).Layer("conv1").Maps(scores.Categorical(0), images)
	require.NoError(t, err)
	capped, err := New(model).Layer("conv1").MaxChannels(5).Maps(scores.Categorical(0), images)
	require.NoError(t, err)
	assert.Equal(t, tensors.CopyFlatData[float32](full[0]), tensors.CopyFlatData[float32](capped[0]))

	// A strict subset of channels still yields well-formed maps.
	faster, err := New(model).Layer("conv1").MaxChannels(1).Maps(scores.Categorical(0), images)
	require.NoError(t, err)
	require.Equal(t, []int{2, 4, 4}, faster[0].Shape().Dimensions)
	for _, v := range tensors.CopyFlatData[float32](faster[0]) {
		assert.False(t, math.IsNaN(float64(v)), "map value is NaN")
		assert.GreaterOrEqual(t, v, float32(0))
		assert.LessOrEqual(t, v, float32(1))
	}
}

func TestTopChannels(t *testing.T) {
	std := tensors.FromFlatDataAndDimensions([]float32{
		0.1, 0.9, 0.5,
		0.9, 0.1, 0.5,
	}, 2, 3)
	// Per-sample winners, deduplicated in first-occurrence order.
	assert.Equal(t, []int32{1, 0}, topChannels(std, 1))
	assert.Equal(t, []int32{1, 2, 0}, topChannels(std, 2))

	tied := tensors.FromFlatDataAndDimensions([]float32{0.5, 0.5, 0.2}, 1, 3)
	assert.Equal(t, []int32{0}, topChannels(tied, 1))
}

func TestRowHelpers(t *testing.T) {
	full := tensors.FromFlatDataAndDimensions([]float32{0, 1, 2, 3, 4, 5, 6, 7}, 4, 2)

	middle := sliceRows(full, 1, 3)
	assert.Equal(t, []int{2, 2}, middle.Shape().Dimensions)
	assert.Equal(t, []float32{2, 3, 4, 5}, tensors.CopyFlatData[float32](middle))

	// The full range is returned as-is.
	assert.Same(t, full, sliceRows(full, 0, 4))

	glued := concatRows([]*tensors.Tensor{sliceRows(full, 0, 1), sliceRows(full, 1, 4)})
	assert.Equal(t, []int{4, 2}, glued.Shape().Dimensions)
	assert.Equal(t, tensors.CopyFlatData[float32](full), tensors.CopyFlatData[float32](glued))
}

func TestArgumentErrors(t *testing.T) {
	backend := vistest.BuildTestBackend()
	model := vistest.ConvModel(backend)
	images := vistest.Images(2)

	_, err := New(model).Maps(scores.Categorical(0))
	assert.ErrorContains(t, err, "at least one input")

	_, err = New(model).MapsWithScores(nil, []*tensors.Tensor{images})
	assert.ErrorContains(t, err, "at least one score")

	_, err = New(model).MaxChannels(0).Maps(scores.Categorical(0), images)
	assert.ErrorContains(t, err, "can't be 0")

	_, err = New(model).BatchSize(0).Maps(scores.Categorical(0), images)
	assert.ErrorContains(t, err, "must be positive")

	_, err = New(model).MapsWithScores(
		[]scores.Score{scores.Categorical(0), scores.Categorical(1)},
		[]*tensors.Tensor{images})
	assert.ErrorContains(t, err, "one score per output")
}
