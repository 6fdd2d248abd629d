// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package scorecam computes Score-CAM maps: gradient-free class activation
// maps whose channel weights come from re-running the model on inputs masked
// by each (upsampled, normalized) activation channel
// (https://arxiv.org/abs/1910.01279).
//
// The cost is one forward pass per activation channel, so for wide layers
// prefer the Faster Score-CAM variant: MaxChannels(k) keeps only the k
// channels with the largest spatial variance per sample
// (https://github.com/tabayashi0117/Score-CAM#faster-score-cam).
//
//	heatmaps, err := scorecam.New(model.Modify(vis.ReplaceToLinear())).
//		MaxChannels(10).Maps(scores.Categorical(281), images)
package scorecam

import (
	"cmp"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/vis"
	"github.com/gomlx/vis/internal/floats"
	"github.com/gomlx/vis/internal/maputil"
	"github.com/gomlx/vis/scores"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
)

// Above this many masked forward passes a cost warning is logged.
const maskWarnThreshold = 512

// ScoreCAM is the Score-CAM algorithm bound to a model. Configure it with
// the chained option methods, then call Maps. It is not safe for concurrent
// use.
type ScoreCAM struct {
	model       *vis.Model
	layer       string
	maxChannels int
	batchSize   int
	actModifier func(*Node) *Node
	expand      bool
	normalize   bool
}

// New creates a ScoreCAM bound to model.
//
// Defaults: last rank-4 tap as the attribution layer, all channels (full
// Score-CAM), mask predictions in batches of 32, relu rectification, maps
// expanded to the input size and normalized per sample.
func New(model *vis.Model) *ScoreCAM {
	if model == nil {
		Panicf("scorecam.New: model cannot be nil")
	}
	return &ScoreCAM{
		model:       model,
		maxChannels: -1,
		batchSize:   32,
		actModifier: activations.Relu,
		expand:      true,
		normalize:   true,
	}
}

// Layer selects the tap to attribute against. The default is the model's
// last rank-4 tap.
func (s *ScoreCAM) Layer(name string) *ScoreCAM {
	s.layer = name
	return s
}

// MaxChannels enables Faster Score-CAM: only the k channels with the
// largest spatial standard deviation are masked and evaluated, per sample
// (the union over the batch is kept). -1, the default, keeps all channels;
// 0 is invalid.
func (s *ScoreCAM) MaxChannels(k int) *ScoreCAM {
	s.maxChannels = k
	return s
}

// BatchSize sets how many masked inputs are evaluated per forward pass.
// Default is 32.
func (s *ScoreCAM) BatchSize(n int) *ScoreCAM {
	s.batchSize = n
	return s
}

// ActivationModifier sets the rectification applied to the weighted sum.
// Default is relu; nil disables rectification.
func (s *ScoreCAM) ActivationModifier(fn func(*Node) *Node) *ScoreCAM {
	s.actModifier = fn
	return s
}

// NoRectification disables the rectification of the weighted sum.
func (s *ScoreCAM) NoRectification() *ScoreCAM { return s.ActivationModifier(nil) }

// Expand sets whether maps are bilinearly resized to each input's spatial
// dimensions (the default). With false, Maps returns a single map at the
// attribution layer's resolution.
func (s *ScoreCAM) Expand(enabled bool) *ScoreCAM {
	s.expand = enabled
	return s
}

// Normalize sets whether each map is min-max normalized to [0, 1] per
// sample. Default is true.
func (s *ScoreCAM) Normalize(enabled bool) *ScoreCAM {
	s.normalize = enabled
	return s
}

// Maps computes the Score-CAM maps for the given inputs, scoring every
// model output with score. It returns one map tensor per model input
// (shaped [batch, <input spatial dims...>]), or a single layer-resolution
// map with Expand(false).
func (s *ScoreCAM) Maps(score scores.Score, inputs ...*tensors.Tensor) ([]*tensors.Tensor, error) {
	return s.MapsWithScores([]scores.Score{score}, inputs)
}

// MapsWithScores is Maps with one score per model output.
func (s *ScoreCAM) MapsWithScores(scoreList []scores.Score, inputs []*tensors.Tensor) (maps []*tensors.Tensor, err error) {
	if len(inputs) == 0 {
		return nil, errors.New("scorecam: at least one input is required")
	}
	if len(scoreList) == 0 {
		return nil, errors.New("scorecam: at least one score is required")
	}
	if s.maxChannels == 0 {
		return nil, errors.New("scorecam: MaxChannels can't be 0, must be -1 (all channels) or 1 or more")
	}
	if s.batchSize <= 0 {
		return nil, errors.Errorf("scorecam: BatchSize must be positive, got %d", s.batchSize)
	}
	err = TryCatch[error](func() {
		maps = s.run(scoreList, inputs)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "scorecam: computing maps failed")
	}
	return maps, nil
}

// run is the whole recipe; it panics on failures, Maps catches.
func (s *ScoreCAM) run(scoreList []scores.Score, inputs []*tensors.Tensor) []*tensors.Tensor {
	backend := s.model.Backend()
	ctx := s.model.Context()

	// The activation of the attribution layer, and its per-channel spatial
	// standard deviation used for Faster Score-CAM channel selection.
	actExec, err := context.NewExecAny(backend, ctx.Reuse(), s.activationGraph)
	if err != nil {
		panic(errors.WithMessage(err, "failed to create activation executor"))
	}
	actResults := actExec.Call(tensorsToAny(inputs)...)
	act, std := actResults[0], actResults[1]
	channels := act.Shape().Dimensions[act.Rank()-1]
	batchSize := act.Shape().Dimensions[0]

	var indices []int32
	if s.maxChannels > 0 && s.maxChannels < channels {
		indices = topChannels(std, s.maxChannels)
	}
	kept := channels
	if indices != nil {
		kept = len(indices)
	}
	if rows := kept * batchSize; rows > maskWarnThreshold {
		klog.Warningf("scorecam: evaluating %s masked inputs (%d channels x batch %d); "+
			"use MaxChannels to reduce the cost", humanize.Comma(int64(rows)), kept, batchSize)
	}

	// Mask every input with every kept channel's upsampled, normalized map.
	maskExec, err := context.NewExecAny(backend, ctx.Reuse(),
		func(_ *context.Context, nodes []*Node) []*Node {
			return s.maskGraph(nodes, indices)
		})
	if err != nil {
		panic(errors.WithMessage(err, "failed to create masking executor"))
	}
	maskArgs := append([]any{act}, tensorsToAny(inputs)...)
	maskResults := maskExec.Call(maskArgs...)
	selected, masked := maskResults[0], maskResults[1:]

	preds := s.predictMasked(masked)

	// Score the masked predictions into channel weights and weigh the
	// activation channels.
	weightExec, err := context.NewExecAny(backend, ctx.Reuse(),
		func(_ *context.Context, nodes []*Node) []*Node {
			return s.weightGraph(nodes, scoreList, inputs)
		})
	if err != nil {
		panic(errors.WithMessage(err, "failed to create weighting executor"))
	}
	weightArgs := append([]any{selected}, tensorsToAny(preds)...)
	return weightExec.Call(weightArgs...)
}

// activationGraph returns the attribution layer's activation and its
// per-sample per-channel standard deviation over the spatial axes.
func (s *ScoreCAM) activationGraph(ctx *context.Context, inputs []*Node) []*Node {
	rec := vis.NewRecorder()
	_ = s.model.Forward(ctx, rec, inputs)
	var act *Node
	if s.layer == "" {
		_, act = rec.LastWithRank(4)
	} else {
		act = rec.Node(s.layer)
	}
	if act.Rank() < 3 {
		Panicf("scorecam: layer %q has shape %s, the attribution layer must be "+
			"[batch, <spatial...>, channels]", s.layer, act.Shape())
	}
	spatial := make([]int, 0, act.Rank()-2)
	for axis := 1; axis < act.Rank()-1; axis++ {
		spatial = append(spatial, axis)
	}
	mean := ReduceAndKeep(act, ReduceMean, spatial...)
	variance := ReduceMean(Square(Sub(act, mean)), spatial...) // [batch, channels]
	return []*Node{act, Sqrt(variance)}
}

// maskGraph: nodes[0] is the activation [batch, <spatial...>, channels],
// nodes[1:] the seed inputs. Returns the selected channel-major activation
// [kept, batch, <spatial...>] followed by one masked batch
// [kept*batch, <input dims...>] per input.
func (s *ScoreCAM) maskGraph(nodes []*Node, indices []int32) []*Node {
	act, inputs := nodes[0], nodes[1:]
	g := act.Graph()
	rank := act.Rank()

	// Channel-major: [channels, batch, <spatial...>].
	perm := make([]int, 0, rank)
	perm = append(perm, rank-1)
	for axis := 0; axis < rank-1; axis++ {
		perm = append(perm, axis)
	}
	selected := TransposeAllDims(act, perm...)
	if indices != nil {
		gatherIndices := make([][]int32, len(indices))
		for ii, channel := range indices {
			gatherIndices[ii] = []int32{channel}
		}
		selected = Gather(selected, Const(g, gatherIndices))
	}
	kept, batchSize := selected.Shape().Dimensions[0], selected.Shape().Dimensions[1]
	actSpatial := rank - 2

	results := []*Node{selected}
	for _, input := range inputs {
		inDims := input.Shape().Dimensions
		if input.Rank() != rank {
			Panicf("scorecam: activation has %d spatial axes but input shaped %s has %d -- "+
				"masks cannot be upsampled", actSpatial, input.Shape(), input.Rank()-2)
		}
		spatial := inDims[1 : len(inDims)-1]

		sizes := make([]int, 0, selected.Rank())
		sizes = append(sizes, NoInterpolation, NoInterpolation)
		sizes = append(sizes, spatial...)
		up := Interpolate(selected, sizes...).Bilinear().Done() // [kept, batch, <input spatial...>]

		axes := make([]int, 0, up.Rank()-2)
		for axis := 2; axis < up.Rank(); axis++ {
			axes = append(axes, axis)
		}
		lo := ReduceAndKeep(up, ReduceMin, axes...)
		hi := ReduceAndKeep(up, ReduceMax, axes...)
		norm := Div(Sub(up, lo), AddScalar(Sub(hi, lo), maputil.Epsilon))

		withChannel := InsertAxes(norm, -1) // [kept, batch, <spatial...>, 1]
		tiled := InsertAxes(input, 0)       // [1, batch, <spatial...>, channels]
		masked := Mul(tiled, withChannel)   // [kept, batch, <spatial...>, channels]
		folded := append([]int{kept * batchSize}, inDims[1:]...)
		results = append(results, Reshape(masked, folded...))
	}
	return results
}

// predictMasked runs the model over the masked inputs in batches of at most
// s.batchSize rows, concatenating the per-output predictions.
func (s *ScoreCAM) predictMasked(masked []*tensors.Tensor) []*tensors.Tensor {
	rows := masked[0].Shape().Dimensions[0]
	var parts [][]*tensors.Tensor // parts[outputIdx] = chunks
	for start := 0; start < rows; start += s.batchSize {
		end := min(start+s.batchSize, rows)
		chunk := make([]*tensors.Tensor, len(masked))
		for ii, m := range masked {
			chunk[ii] = sliceRows(m, start, end)
		}
		outputs, err := s.model.Predict(chunk...)
		if err != nil {
			panic(errors.WithMessage(err, "predicting masked inputs failed"))
		}
		if parts == nil {
			parts = make([][]*tensors.Tensor, len(outputs))
		}
		for oi, out := range outputs {
			parts[oi] = append(parts[oi], out)
		}
	}
	preds := make([]*tensors.Tensor, len(parts))
	for oi, chunks := range parts {
		preds[oi] = concatRows(chunks)
	}
	return preds
}

// weightGraph: nodes[0] is the selected channel-major activation
// [kept, batch, <spatial...>], nodes[1:] the model predictions for the
// masked inputs, [kept*batch, ...] each. Returns the finished maps.
func (s *ScoreCAM) weightGraph(nodes []*Node, scoreList []scores.Score, inputs []*tensors.Tensor) []*Node {
	selected, preds := nodes[0], nodes[1:]
	kept := selected.Shape().Dimensions[0]
	batchSize := selected.Shape().Dimensions[1]

	if len(scoreList) == 1 && len(preds) > 1 {
		broadcast := make([]scores.Score, len(preds))
		for ii := range broadcast {
			broadcast[ii] = scoreList[0]
		}
		scoreList = broadcast
	}
	if len(scoreList) != len(preds) {
		Panicf("scorecam: got %d scores for %d model outputs -- provide exactly one score per output",
			len(scoreList), len(preds))
	}

	// weights[c][b] = summed scores of the predictions for input masked by
	// channel c.
	var weights *Node
	for oi, pred := range preds {
		unfolded := append([]int{kept, batchSize}, pred.Shape().Dimensions[1:]...)
		pred = Reshape(pred, unfolded...)
		perChannel := make([]*Node, kept)
		for c := 0; c < kept; c++ {
			slice := Slice(pred, AxisElem(c))
			slice = Reshape(slice, slice.Shape().Dimensions[1:]...)
			value := scores.Values([]*Node{slice}, []scores.Score{scoreList[oi]})[0]
			perChannel[c] = InsertAxes(value, 0) // [1, batch]
		}
		w := Concatenate(perChannel, 0) // [kept, batch]
		if weights == nil {
			weights = w
		} else {
			weights = Add(weights, w)
		}
	}

	wDims := make([]int, selected.Rank())
	wDims[0], wDims[1] = kept, batchSize
	for ii := 2; ii < len(wDims); ii++ {
		wDims[ii] = 1
	}
	cam := ReduceSum(Mul(selected, Reshape(weights, wDims...)), 0) // [batch, <act spatial...>]
	if s.actModifier != nil {
		cam = s.actModifier(cam)
	}

	if !s.expand {
		if s.normalize && cam.Rank() >= 2 {
			cam = maputil.Normalize01(cam)
		}
		return []*Node{cam}
	}
	maps := make([]*Node, len(inputs))
	for ii, input := range inputs {
		dims := input.Shape().Dimensions
		m := maputil.ResizeMap(cam, dims[1:len(dims)-1])
		if s.normalize {
			m = maputil.Normalize01(m)
		}
		maps[ii] = m
	}
	return maps
}

// topChannels returns, in first-occurrence order, the union over the batch
// of each sample's k channels with the largest standard deviation. Ties
// break towards the lower channel index.
func topChannels(std *tensors.Tensor, k int) []int32 {
	dims := std.Shape().Dimensions
	batchSize, channels := dims[0], dims[1]
	flat := flatFloats(std)
	var union []int32
	seen := make(map[int]bool, channels)
	order := make([]int, channels)
	for sample := 0; sample < batchSize; sample++ {
		row := flat[sample*channels : (sample+1)*channels]
		for ii := range order {
			order[ii] = ii
		}
		slices.SortStableFunc(order, func(a, b int) int {
			if row[a] != row[b] {
				return cmp.Compare(row[b], row[a])
			}
			return cmp.Compare(a, b)
		})
		for _, channel := range order[:k] {
			if !seen[channel] {
				seen[channel] = true
				union = append(union, int32(channel))
			}
		}
	}
	return union
}

// sliceRows returns rows [from, to) of a batched tensor, avoiding the copy
// when the full range is requested.
func sliceRows(t *tensors.Tensor, from, to int) *tensors.Tensor {
	dims := t.Shape().Dimensions
	if from == 0 && to == dims[0] {
		return t
	}
	perRow := t.Shape().Size() / dims[0]
	newDims := append([]int{to - from}, dims[1:]...)
	switch t.DType() {
	case dtypes.Float32:
		flat := tensors.CopyFlatData[float32](t)
		out := make([]float32, (to-from)*perRow)
		copy(out, flat[from*perRow:to*perRow])
		return tensors.FromFlatDataAndDimensions(out, newDims...)
	case dtypes.Float64:
		flat := tensors.CopyFlatData[float64](t)
		out := make([]float64, (to-from)*perRow)
		copy(out, flat[from*perRow:to*perRow])
		return tensors.FromFlatDataAndDimensions(out, newDims...)
	default:
		Panicf("scorecam: batched masking supports float32 and float64 inputs, got %s", t.DType())
	}
	return nil
}

// concatRows concatenates batched tensors along axis 0.
func concatRows(parts []*tensors.Tensor) *tensors.Tensor {
	if len(parts) == 1 {
		return parts[0]
	}
	dims := parts[0].Shape().Dimensions
	rows := 0
	for _, part := range parts {
		rows += part.Shape().Dimensions[0]
	}
	newDims := append([]int{rows}, dims[1:]...)
	switch parts[0].DType() {
	case dtypes.Float32:
		var out []float32
		for _, part := range parts {
			out = append(out, tensors.CopyFlatData[float32](part)...)
		}
		return tensors.FromFlatDataAndDimensions(out, newDims...)
	case dtypes.Float64:
		var out []float64
		for _, part := range parts {
			out = append(out, tensors.CopyFlatData[float64](part)...)
		}
		return tensors.FromFlatDataAndDimensions(out, newDims...)
	default:
		Panicf("scorecam: batched masking supports float32 and float64 outputs, got %s", parts[0].DType())
	}
	return nil
}

// flatFloats reads a rank-2 float tensor as float64s.
func flatFloats(t *tensors.Tensor) []float64 {
	flat, ok := floats.Flat(t)
	if !ok {
		Panicf("scorecam: channel selection supports float32 and float64 activations, got %s", t.DType())
	}
	return flat
}

func tensorsToAny(ts []*tensors.Tensor) []any {
	args := make([]any, len(ts))
	for ii, t := range ts {
		args[ii] = t
	}
	return args
}
