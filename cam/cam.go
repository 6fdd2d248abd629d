// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cam computes gradient-weighted class activation maps: spatial
// heatmaps of how much each region of a convolutional activation contributes
// to a score.
//
// Three weightings share the same engine:
//
//   - Gradcam: channel weights are the spatial mean of ∂score/∂activation
//     (https://arxiv.org/abs/1610.02391).
//   - GradcamPlusPlus: second-order corrected channel weights
//     (https://arxiv.org/abs/1710.11063).
//   - LayerCAM: element-wise weighting by the rectified gradient
//     (https://doi.org/10.1109/TIP.2021.3089943).
//
// The activation attributed against is a tap recorded by the model's forward
// function: the last rank-4 tap by default, or any tap chosen with Layer.
//
//	heatmaps, err := cam.Gradcam(model.Modify(vis.ReplaceToLinear())).
//		Maps(scores.Categorical(281), images)
package cam

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/vis"
	"github.com/gomlx/vis/internal/maputil"
	"github.com/gomlx/vis/scores"
	"github.com/pkg/errors"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
)

type variant int

const (
	variantGradcam variant = iota
	variantPlusPlus
	variantLayercam
)

func (v variant) String() string {
	switch v {
	case variantGradcam:
		return "Gradcam"
	case variantPlusPlus:
		return "GradcamPlusPlus"
	default:
		return "LayerCAM"
	}
}

// CAM is one of the class-activation-map algorithms bound to a model.
// Configure it with the chained option methods, then call Maps. It is not
// safe for concurrent use.
type CAM struct {
	model   *vis.Model
	variant variant

	layer           string
	gradModifier    func(*Node) *Node
	gradModifierSet bool
	actModifier     func(*Node) *Node
	expand          bool
	normalize       bool
}

func newCAM(model *vis.Model, v variant) *CAM {
	if model == nil {
		Panicf("cam.%s: model cannot be nil", v)
	}
	return &CAM{
		model:       model,
		variant:     v,
		actModifier: activations.Relu,
		expand:      true,
		normalize:   true,
	}
}

// Gradcam creates a Grad-CAM bound to model: channel weights are the spatial
// mean of the score gradient at the chosen layer.
func Gradcam(model *vis.Model) *CAM { return newCAM(model, variantGradcam) }

// GradcamPlusPlus creates a Grad-CAM++ bound to model: channel weights are
// corrected with second- and third-order gradient terms, which behaves
// better with multiple instances of a class in one image.
func GradcamPlusPlus(model *vis.Model) *CAM { return newCAM(model, variantPlusPlus) }

// LayerCAM creates a Layer-CAM bound to model: the activation is weighted
// element-wise by its rectified gradient, which keeps spatial detail at
// earlier layers.
func LayerCAM(model *vis.Model) *CAM { return newCAM(model, variantLayercam) }

// Layer selects the tap to attribute against. The default is the model's
// last rank-4 tap ("the penultimate convolutional layer").
func (c *CAM) Layer(name string) *CAM {
	c.layer = name
	return c
}

// GradientModifier sets the function applied to the gradient term before
// weighting. Defaults: none for Gradcam; relu for LayerCAM and for
// GradcamPlusPlus (where it applies to the first-derivative term). Passing
// nil uses the raw gradients.
func (c *CAM) GradientModifier(fn func(*Node) *Node) *CAM {
	c.gradModifier = fn
	c.gradModifierSet = true
	return c
}

// ActivationModifier sets the rectification applied to the weighted sum.
// Default is relu; nil disables rectification, in which case maps may be
// negative.
func (c *CAM) ActivationModifier(fn func(*Node) *Node) *CAM {
	c.actModifier = fn
	return c
}

// NoRectification disables the rectification of the weighted sum, the same
// as ActivationModifier(nil).
func (c *CAM) NoRectification() *CAM { return c.ActivationModifier(nil) }

// Expand sets whether maps are bilinearly resized to each input's spatial
// dimensions (the default). With false, Maps returns a single map at the
// attribution layer's resolution.
func (c *CAM) Expand(enabled bool) *CAM {
	c.expand = enabled
	return c
}

// Normalize sets whether each map is min-max normalized to [0, 1] per
// sample. Default is true.
func (c *CAM) Normalize(enabled bool) *CAM {
	c.normalize = enabled
	return c
}

// Maps computes the class activation maps for the given inputs, scoring
// every model output with score. It returns one map tensor per model input
// (shaped [batch, <input spatial dims...>]), or a single layer-resolution
// map with Expand(false).
func (c *CAM) Maps(score scores.Score, inputs ...*tensors.Tensor) ([]*tensors.Tensor, error) {
	return c.MapsWithScores([]scores.Score{score}, inputs)
}

// MapsWithScores is Maps with one score per model output.
func (c *CAM) MapsWithScores(scoreList []scores.Score, inputs []*tensors.Tensor) (maps []*tensors.Tensor, err error) {
	if len(inputs) == 0 {
		return nil, errors.Errorf("cam: %s requires at least one input", c.variant)
	}
	if len(scoreList) == 0 {
		return nil, errors.Errorf("cam: %s requires at least one score", c.variant)
	}
	err = TryCatch[error](func() {
		exec, newErr := context.NewExecAny(c.model.Backend(), c.model.Context().Reuse(),
			func(ctx *context.Context, inputs []*Node) []*Node {
				return c.buildGraph(ctx, inputs, scoreList)
			})
		if newErr != nil {
			panic(errors.WithMessagef(newErr, "cam: failed to create %s executor", c.variant))
		}
		maps = exec.Call(tensorsToAny(inputs)...)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "cam: computing %s maps failed", c.variant)
	}
	return maps, nil
}

func (c *CAM) buildGraph(ctx *context.Context, inputs []*Node, scoreList []scores.Score) []*Node {
	rec := vis.NewRecorder()
	outputs := c.model.Forward(ctx, rec, inputs)
	var act *Node
	if c.layer == "" {
		_, act = rec.LastWithRank(4)
	} else {
		act = rec.Node(c.layer)
	}
	if act.Rank() < 2 {
		Panicf("cam: layer %q has rank %d, the attribution layer must be at least rank-2 [batch, ..., channels]",
			c.layer, act.Rank())
	}

	values := scores.Values(outputs, scoreList)
	objective := values[0]
	for _, value := range values[1:] {
		objective = Add(objective, value)
	}
	grads := Gradient(ReduceAllSum(objective), act)[0]

	var cam *Node
	switch c.variant {
	case variantGradcam:
		cam = c.gradcam(act, grads)
	case variantPlusPlus:
		cam = c.gradcamPlusPlus(act, grads, values)
	default:
		cam = c.layercam(act, grads)
	}
	if c.actModifier != nil {
		cam = c.actModifier(cam)
	}

	if !c.expand {
		if c.normalize && cam.Rank() >= 2 {
			cam = maputil.Normalize01(cam)
		}
		return []*Node{cam}
	}
	maps := make([]*Node, len(inputs))
	for ii, input := range inputs {
		m := maputil.ResizeMap(cam, maputil.InputSpatial(input))
		if c.normalize {
			m = maputil.Normalize01(m)
		}
		maps[ii] = m
	}
	return maps
}

// gradcam: cam = Σ_ch act·w, w the spatial mean of the gradients per channel.
func (c *CAM) gradcam(act, grads *Node) *Node {
	if c.gradModifier != nil {
		grads = c.gradModifier(grads)
	}
	weights := grads
	if middle := spatialAxes(act); len(middle) > 0 {
		weights = ReduceAndKeep(grads, ReduceMean, middle...)
	}
	return ReduceSum(Mul(act, weights), act.Rank()-1)
}

// layercam: cam = Σ_ch act·relu(grads), element-wise.
func (c *CAM) layercam(act, grads *Node) *Node {
	modifier := c.gradModifier
	if !c.gradModifierSet {
		modifier = activations.Relu
	}
	if modifier != nil {
		grads = modifier(grads)
	}
	return ReduceSum(Mul(act, grads), act.Rank()-1)
}

// gradcamPlusPlus: alpha-weighted rectified first derivatives, with the
// zero-denominator guards of the reference formulation.
func (c *CAM) gradcamPlusPlus(act, grads *Node, values []*Node) *Node {
	g := act.Graph()
	dtype := act.DType()
	middle := spatialAxes(act)

	// exp of each output's score, summed, broadcast against the gradients.
	sv := Exp(values[0])
	for _, value := range values[1:] {
		sv = Add(sv, Exp(value))
	}
	svDims := make([]int, act.Rank())
	svDims[0] = act.Shape().Dimensions[0]
	for ii := 1; ii < len(svDims); ii++ {
		svDims[ii] = 1
	}
	sv = Reshape(sv, svDims...)

	first := Mul(sv, grads)
	second := Mul(first, grads)
	third := Mul(second, grads)

	globalSum := sumKeep(act, middle)
	denom := Add(MulScalar(second, 2), Mul(third, globalSum))
	// +1 where second is zero, so those alphas come out zero instead of NaN.
	denom = Add(denom, ConvertDType(Equal(second, ScalarZero(g, dtype)), dtype))
	alphas := Div(second, denom)
	norm := sumKeep(alphas, middle)
	norm = Add(norm, ConvertDType(Equal(norm, ScalarZero(g, dtype)), dtype))
	alphas = Div(alphas, norm)

	modifier := c.gradModifier
	if !c.gradModifierSet {
		modifier = activations.Relu
	}
	weighted := first
	if modifier != nil {
		weighted = modifier(first)
	}
	weights := sumKeep(Mul(weighted, alphas), middle)
	return ReduceSum(Mul(act, weights), act.Rank()-1)
}

// spatialAxes returns the axes between batch and channels.
func spatialAxes(act *Node) []int {
	axes := make([]int, 0, act.Rank()-2)
	for axis := 1; axis < act.Rank()-1; axis++ {
		axes = append(axes, axis)
	}
	return axes
}

func sumKeep(x *Node, axes []int) *Node {
	if len(axes) == 0 {
		return x
	}
	return ReduceAndKeep(x, ReduceSum, axes...)
}

func tensorsToAny(ts []*tensors.Tensor) []any {
	args := make([]any, len(ts))
	for ii, t := range ts {
		args[ii] = t
	}
	return args
}
