// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package saliency computes gradient saliency maps: the gradient of a score
// with respect to the model inputs, either plain ("vanilla") or averaged
// over several noisy copies of each input (SmoothGrad, see
// https://arxiv.org/abs/1706.03825).
//
// Example, the sensitivity of class 3 for a batch of images:
//
//	sal := saliency.New(model.Modify(vis.ReplaceToLinear()))
//	maps, err := sal.SmoothSamples(20).Maps(scores.Categorical(3), images)
//
// Maps returns one tensor per model input, shaped like the input without its
// channels axis (unless KeepChannels is set), normalized per sample to
// [0, 1] (unless Normalize(false)).
package saliency

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/vis"
	"github.com/gomlx/vis/internal/maputil"
	"github.com/gomlx/vis/scores"
	"github.com/pkg/errors"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
)

// Saliency is bound to one model and holds the map options. Configure it
// with the chained option methods, then call Maps. It is not safe for
// concurrent use.
type Saliency struct {
	model         *vis.Model
	smoothSamples int
	smoothNoise   float64
	keepChannels  bool
	gradModifier  func(*Node) *Node
	normalize     bool
}

// New creates a Saliency bound to model.
//
// Defaults: no smoothing (vanilla gradients), SmoothNoise 0.2, channels
// reduced with max, absolute-value gradient modifier, per-sample
// normalization to [0, 1].
func New(model *vis.Model) *Saliency {
	if model == nil {
		Panicf("saliency.New: model cannot be nil")
	}
	return &Saliency{
		model:        model,
		smoothNoise:  0.2,
		gradModifier: Abs,
		normalize:    true,
	}
}

// SmoothSamples sets the number of noisy copies averaged per input sample
// (SmoothGrad). Zero, the default, computes plain gradients.
func (s *Saliency) SmoothSamples(n int) *Saliency {
	s.smoothSamples = n
	return s
}

// SmoothNoise sets the SmoothGrad noise level: the Gaussian noise added to
// each copy has standard deviation noise*(max-min) of the sample. Default
// is 0.2.
func (s *Saliency) SmoothNoise(noise float64) *Saliency {
	s.smoothNoise = noise
	return s
}

// KeepChannels keeps the channels (last) axis of the gradient maps. By
// default it is reduced away with a max.
func (s *Saliency) KeepChannels(keep bool) *Saliency {
	s.keepChannels = keep
	return s
}

// GradientModifier sets the function applied to the raw gradients -- for
// SmoothGrad, to each noisy copy's gradients before averaging. Default is
// Abs; nil leaves the gradients signed.
func (s *Saliency) GradientModifier(fn func(*Node) *Node) *Saliency {
	s.gradModifier = fn
	return s
}

// Normalize sets whether each map is min-max normalized to [0, 1] per
// sample. Default is true.
func (s *Saliency) Normalize(enabled bool) *Saliency {
	s.normalize = enabled
	return s
}

// Maps computes the saliency maps for the given inputs, scoring every model
// output with score. It returns one map tensor per model input, batched
// like the input.
func (s *Saliency) Maps(score scores.Score, inputs ...*tensors.Tensor) ([]*tensors.Tensor, error) {
	return s.MapsWithScores([]scores.Score{score}, inputs)
}

// MapsWithScores is Maps with one score per model output.
func (s *Saliency) MapsWithScores(scoreList []scores.Score, inputs []*tensors.Tensor) (maps []*tensors.Tensor, err error) {
	if len(inputs) == 0 {
		return nil, errors.New("saliency: at least one input is required")
	}
	if len(scoreList) == 0 {
		return nil, errors.New("saliency: at least one score is required")
	}
	if s.smoothSamples < 0 {
		return nil, errors.Errorf("saliency: SmoothSamples must be >= 0, got %d", s.smoothSamples)
	}
	err = TryCatch[error](func() {
		exec, newErr := context.NewExecAny(s.model.Backend(), s.model.Context().Reuse(),
			func(ctx *context.Context, inputs []*Node) []*Node {
				return s.buildGraph(ctx, inputs, scoreList)
			})
		if newErr != nil {
			panic(errors.WithMessage(newErr, "saliency: failed to create executor"))
		}
		maps = exec.Call(tensorsToAny(inputs)...)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "saliency: computing maps failed")
	}
	return maps, nil
}

func (s *Saliency) buildGraph(ctx *context.Context, inputs []*Node, scoreList []scores.Score) []*Node {
	if s.smoothSamples == 0 {
		grads := s.gradients(ctx, inputs, scoreList)
		for ii, grad := range grads {
			grads[ii] = s.modify(grad)
		}
		return s.finish(grads)
	}

	// SmoothGrad: fold the noisy copies into the batch axis, so a single
	// forward+backward pass covers all of them.
	n := s.smoothSamples
	noisy := make([]*Node, len(inputs))
	for ii, x := range inputs {
		tiled := tileBatch(x, n)
		sigma := MulScalar(sampleSpread(tiled), s.smoothNoise)
		noise := Mul(ctx.RandomNormal(tiled.Graph(), tiled.Shape()), sigma)
		noisy[ii] = Add(tiled, noise)
	}
	grads := s.gradients(ctx, noisy, scoreList)
	for ii, grad := range grads {
		grad = s.modify(grad)
		// Unfold and average over the n noisy copies: [n*batch, ...] -> [batch, ...].
		batchSize := inputs[ii].Shape().Dimensions[0]
		unfolded := make([]int, 0, grad.Rank()+1)
		unfolded = append(unfolded, n, batchSize)
		unfolded = append(unfolded, grad.Shape().Dimensions[1:]...)
		grads[ii] = ReduceMean(Reshape(grad, unfolded...), 0)
	}
	return s.finish(grads)
}

// gradients builds the forward pass and returns the gradient of the summed
// per-sample objective w.r.t. each of the given input nodes.
func (s *Saliency) gradients(ctx *context.Context, inputs []*Node, scoreList []scores.Score) []*Node {
	rec := vis.NewRecorder()
	outputs := s.model.Forward(ctx, rec, inputs)
	objective := scores.Apply(outputs, scoreList)
	return Gradient(ReduceAllSum(objective), inputs...)
}

func (s *Saliency) modify(grad *Node) *Node {
	if s.gradModifier == nil {
		return grad
	}
	return s.gradModifier(grad)
}

// finish reduces the channels axis and normalizes, per the options.
func (s *Saliency) finish(grads []*Node) []*Node {
	for ii, grad := range grads {
		if !s.keepChannels && grad.Rank() >= 2 {
			grad = ReduceMax(grad, grad.Rank()-1)
		}
		if s.normalize && grad.Rank() >= 2 {
			grad = maputil.Normalize01(grad)
		}
		grads[ii] = grad
	}
	return grads
}

// tileBatch repeats x n times along the batch axis: [batch, ...] ->
// [n*batch, ...], copy i of the batch at rows [i*batch, (i+1)*batch).
func tileBatch(x *Node, n int) *Node {
	dims := x.Shape().Dimensions
	tiled := InsertAxes(x, 0) // [1, batch, ...]
	broadcast := make([]int, 0, len(dims)+1)
	broadcast = append(broadcast, n)
	broadcast = append(broadcast, dims...)
	tiled = BroadcastToDims(tiled, broadcast...)
	folded := make([]int, 0, len(dims))
	folded = append(folded, n*dims[0])
	folded = append(folded, dims[1:]...)
	return Reshape(tiled, folded...)
}

// sampleSpread returns max-min per sample, reduced over the non-batch axes
// (keeping them as size-1, so it broadcasts against x).
func sampleSpread(x *Node) *Node {
	if x.Rank() < 2 {
		return ZerosLike(x)
	}
	axes := make([]int, 0, x.Rank()-1)
	for axis := 1; axis < x.Rank(); axis++ {
		axes = append(axes, axis)
	}
	return Sub(ReduceAndKeep(x, ReduceMax, axes...), ReduceAndKeep(x, ReduceMin, axes...))
}

func tensorsToAny(ts []*tensors.Tensor) []any {
	args := make([]any, len(ts))
	for ii, t := range ts {
		args[ii] = t
	}
	return args
}
