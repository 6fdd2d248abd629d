// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package actmax synthesizes inputs that maximize a score on a model's
// outputs, the "feature visualization" technique: starting from a seed, it
// repeatedly applies input modifiers (jitter, rotation), measures the score
// minus regularization penalties, and lets an optimizer update the input
// along the gradient. Model weights are never touched: the loop runs on a
// cloned context with every model variable frozen.
//
//	result, err := actmax.New(model.Modify(vis.ReplaceToLinear())).
//		Shapes(shapes.Make(dtypes.Float32, 1, 224, 224, 3)).
//		Optimize(scores.Categorical(281))
package actmax

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/vis"
	"github.com/gomlx/vis/scores"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
)

// Scope under which the optimized input variables are created in the
// cloned context.
const inputScope = "actmax"

// Result of an optimization run.
type Result struct {
	// Inputs holds the optimized inputs, one per model input, clipped to
	// the configured InputRange.
	Inputs []*tensors.Tensor

	// Scores holds the per-sample objective values of every step run,
	// shaped [batch] each.
	Scores []*tensors.Tensor

	// Steps actually run; smaller than configured when a callback stopped
	// the run early.
	Steps int
}

// ActMax is the activation maximization loop bound to a model. Configure it
// with the chained option methods, then call Optimize. It is not safe for
// concurrent use.
type ActMax struct {
	model            *vis.Model
	steps            int
	optimizer        optimizers.Interface
	rangeLo, rangeHi float64
	modifiers        []InputModifier
	modifiersSet     bool
	regularizers     []Regularizer
	regularizersSet  bool
	callbacks        []Callback
	seeds            []*tensors.Tensor
	shapes           []shapes.Shape
	rngSeed          int64
	rngSeedSet       bool
}

// New creates an ActMax bound to model.
//
// Defaults: 200 steps, Adam with learning rate 0.1, input range [0, 255],
// input modifiers Jitter(8) and Rotate2D(3), regularizers
// TotalVariation2D(1) and Norm(10, 2), no callbacks.
func New(model *vis.Model) *ActMax {
	if model == nil {
		Panicf("actmax.New: model cannot be nil")
	}
	return &ActMax{
		model:   model,
		steps:   200,
		rangeLo: 0,
		rangeHi: 255,
	}
}

// Steps sets the number of optimization steps. 0 returns the seed
// unchanged. Default is 200.
func (am *ActMax) Steps(n int) *ActMax {
	am.steps = n
	return am
}

// Optimizer sets the optimizer updating the input. Its state lives in the
// run's cloned context, so an optimizer value can be shared between runs.
// Default is optimizers.Adam().LearningRate(0.1).Done().
func (am *ActMax) Optimizer(opt optimizers.Interface) *ActMax {
	am.optimizer = opt
	return am
}

// InputRange sets the value range used for seed generation and for
// clipping the final inputs. Default is [0, 255].
func (am *ActMax) InputRange(lo, hi float64) *ActMax {
	am.rangeLo, am.rangeHi = lo, hi
	return am
}

// InputModifiers sets the modifiers applied, in order, to each input at
// the start of every step. Calling it with no arguments disables them.
// Default is Jitter(8) and Rotate2D(3).
func (am *ActMax) InputModifiers(mods ...InputModifier) *ActMax {
	am.modifiers = mods
	am.modifiersSet = true
	return am
}

// Regularizers sets the per-sample penalties subtracted from the
// objective. Calling it with no arguments disables them. Default is
// TotalVariation2D(1) and Norm(10, 2).
func (am *ActMax) Regularizers(regs ...Regularizer) *ActMax {
	am.regularizers = regs
	am.regularizersSet = true
	return am
}

// Callbacks sets the per-step hooks. A callback returning ErrStop ends the
// run early and cleanly; any other error aborts it.
func (am *ActMax) Callbacks(cbs ...Callback) *ActMax {
	am.callbacks = cbs
	return am
}

// Seed sets explicit seed inputs, one per model input. Mutually exclusive
// with Shapes.
func (am *ActMax) Seed(seeds ...*tensors.Tensor) *ActMax {
	am.seeds = seeds
	return am
}

// Shapes sets the input shapes for which random seeds are generated:
// uniform values in a narrow band around the midpoint of InputRange.
// Mutually exclusive with Seed.
func (am *ActMax) Shapes(ss ...shapes.Shape) *ActMax {
	am.shapes = ss
	return am
}

// WithSeed fixes the random number generator seed, making seed generation,
// jitter and rotation draws reproducible.
func (am *ActMax) WithSeed(seed int64) *ActMax {
	am.rngSeed = seed
	am.rngSeedSet = true
	return am
}

// Optimize runs the loop, scoring every model output with score.
func (am *ActMax) Optimize(score scores.Score) (*Result, error) {
	return am.OptimizeWithScores([]scores.Score{score})
}

// OptimizeWithScores is Optimize with one score per model output.
func (am *ActMax) OptimizeWithScores(scoreList []scores.Score) (result *Result, err error) {
	if len(scoreList) == 0 {
		return nil, errors.New("actmax: at least one score is required")
	}
	if am.steps < 0 {
		return nil, errors.Errorf("actmax: Steps must be non-negative, got %d", am.steps)
	}
	if len(am.seeds) == 0 && len(am.shapes) == 0 {
		return nil, errors.New("actmax: provide seed inputs with Seed or input shapes with Shapes")
	}
	if len(am.seeds) > 0 && len(am.shapes) > 0 {
		return nil, errors.New("actmax: Seed and Shapes are mutually exclusive")
	}
	if am.rangeHi <= am.rangeLo {
		return nil, errors.Errorf("actmax: InputRange upper bound must be above the lower bound, got [%g, %g]",
			am.rangeLo, am.rangeHi)
	}
	err = TryCatch[error](func() {
		result = am.run(scoreList)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "actmax: optimization failed")
	}
	return result, nil
}

func (am *ActMax) run(scoreList []scores.Score) *Result {
	rng := am.newRng()
	seeds := am.seeds
	if len(seeds) == 0 {
		seeds = am.drawSeeds(rng)
	}
	if am.steps == 0 {
		return &Result{Inputs: seeds}
	}

	backend := am.model.Backend()
	work := am.model.Clone()
	ctx := work.Context()
	ctx.EnumerateVariables(func(v *context.Variable) {
		v.Trainable = false
	})
	inputVars := make([]*context.Variable, len(seeds))
	for ii, seed := range seeds {
		inputVars[ii] = ctx.In(inputScope).VariableWithValue(fmt.Sprintf("input%d", ii), seed)
	}

	opt := am.optimizer
	if opt == nil {
		opt = optimizers.Adam().LearningRate(0.1).Done()
	}
	modifiers := am.modifiers
	if !am.modifiersSet {
		modifiers = []InputModifier{Jitter(8), Rotate2D(3)}
	}
	regularizers := am.regularizers
	if !am.regularizersSet {
		regularizers = []Regularizer{TotalVariation2D(1), Norm(10, 2)}
	}

	// Modifier parameters are drawn on the host every step and fed to a
	// fixed graph, so jitter shifts and rotation angles change per step
	// without recompilation. paramCounts is filled by the first draw,
	// before the graph is built.
	var paramCounts []int
	drawParams := func() []any {
		var args []any
		counts := make([]int, 0, len(inputVars)*len(modifiers))
		for ii := range inputVars {
			dims := seeds[ii].Shape().Dimensions
			for _, mod := range modifiers {
				ps := mod.Params(rng, dims)
				counts = append(counts, len(ps))
				for _, p := range ps {
					args = append(args, p)
				}
			}
		}
		paramCounts = counts
		return args
	}

	var modExec *context.Exec
	var modArgs []any
	if len(modifiers) > 0 {
		modArgs = drawParams()
		applyModifiers := func(ctx *context.Context, g *Graph, params []*Node) []*Node {
			modified := make([]*Node, len(inputVars))
			next := 0
			for ii, v := range inputVars {
				x := v.ValueGraph(g)
				for mi, mod := range modifiers {
					n := paramCounts[ii*len(modifiers)+mi]
					x = mod.Apply(x, params[next:next+n])
					next += n
				}
				v.SetValueGraph(x)
				modified[ii] = x
			}
			return modified
		}
		var err error
		if len(modArgs) > 0 {
			modExec, err = context.NewExecAny(backend, ctx.Checked(false),
				func(ctx *context.Context, params []*Node) []*Node {
					return applyModifiers(ctx, params[0].Graph(), params)
				})
		} else {
			modExec, err = context.NewExecAny(backend, ctx.Checked(false),
				func(ctx *context.Context, g *Graph) []*Node {
					return applyModifiers(ctx, g, nil)
				})
		}
		if err != nil {
			panic(errors.WithMessage(err, "failed to create input modifier executor"))
		}
	}

	stepExec, err := context.NewExecAny(backend, ctx.Checked(false),
		func(ctx *context.Context, g *Graph) []*Node {
			inputs := make([]*Node, len(inputVars))
			for ii, v := range inputVars {
				inputs[ii] = v.ValueGraph(g)
			}
			rec := vis.NewRecorder()
			outputs := work.Forward(ctx, rec, inputs)
			objective := scores.Apply(outputs, scoreList)
			penalty := ZerosLike(objective)
			for _, reg := range regularizers {
				p := reg.Penalty(inputs)
				if !p.Shape().Equal(objective.Shape()) {
					Panicf("actmax: regularizer %q returned shape %s, want per-sample penalties shaped %s",
						reg.Name(), p.Shape(), objective.Shape())
				}
				penalty = Add(penalty, p)
			}
			loss := ReduceAllSum(Sub(penalty, objective))
			opt.UpdateGraph(ctx, g, loss)
			return []*Node{objective, penalty}
		})
	if err != nil {
		panic(errors.WithMessage(err, "failed to create optimization step executor"))
	}

	for _, cb := range am.callbacks {
		cb.OnBegin(am.steps)
	}
	history := make([]*tensors.Tensor, 0, am.steps)
	stepsRun := 0
	for step := 0; step < am.steps; step++ {
		if modExec != nil {
			if step > 0 {
				modArgs = drawParams()
			}
			if len(modArgs) > 0 {
				modExec.Call(modArgs...)
			} else {
				modExec.Call()
			}
		}
		results := stepExec.Call()
		objective, penalty := results[0], results[1]
		history = append(history, objective)
		stepsRun++
		if !allFinite(objective) {
			klog.Warningf("actmax: objective is not finite at step %d; "+
				"consider a lower learning rate", step)
		}
		stop, cbErr := am.notifyStep(step, inputVars, objective, penalty)
		if cbErr != nil {
			panic(errors.WithMessagef(cbErr, "callback failed at step %d", step))
		}
		if stop {
			break
		}
	}
	for _, cb := range am.callbacks {
		if cbErr := cb.OnEnd(); cbErr != nil {
			panic(errors.WithMessage(cbErr, "callback failed to finish"))
		}
	}

	return &Result{
		Inputs: am.clipInputs(inputVars),
		Scores: history,
		Steps:  stepsRun,
	}
}

// notifyStep invokes the callbacks; a true return means ErrStop was seen.
func (am *ActMax) notifyStep(step int, inputVars []*context.Variable, objective, penalty *tensors.Tensor) (bool, error) {
	if len(am.callbacks) == 0 {
		return false, nil
	}
	current := make([]*tensors.Tensor, len(inputVars))
	for ii, v := range inputVars {
		current[ii] = v.Value()
	}
	info := Step{
		Index:   step,
		Total:   am.steps,
		Inputs:  current,
		Scores:  objective,
		Penalty: penalty,
	}
	for _, cb := range am.callbacks {
		if err := cb.OnStep(info); err != nil {
			if errors.Is(err, ErrStop) {
				return true, nil
			}
			return false, err
		}
	}
	return false, nil
}

// drawSeeds generates one random seed per configured shape: uniform values
// in a band of a tenth of the input range, centered on its midpoint.
func (am *ActMax) drawSeeds(rng *rand.Rand) []*tensors.Tensor {
	mid := (am.rangeLo + am.rangeHi) / 2
	span := am.rangeHi - am.rangeLo
	out := make([]*tensors.Tensor, len(am.shapes))
	for ii, sh := range am.shapes {
		size := sh.Size()
		switch sh.DType {
		case dtypes.Float32:
			data := make([]float32, size)
			for jj := range data {
				data[jj] = float32(mid + (rng.Float64()-0.5)*span/10)
			}
			out[ii] = tensors.FromFlatDataAndDimensions(data, sh.Dimensions...)
		case dtypes.Float64:
			data := make([]float64, size)
			for jj := range data {
				data[jj] = mid + (rng.Float64()-0.5)*span/10
			}
			out[ii] = tensors.FromFlatDataAndDimensions(data, sh.Dimensions...)
		default:
			Panicf("actmax: seed generation supports float32 and float64 inputs, got %s", sh)
		}
	}
	return out
}

// clipInputs reads the final input variables, clipped to InputRange.
func (am *ActMax) clipInputs(inputVars []*context.Variable) []*tensors.Tensor {
	clipExec := NewExec(am.model.Backend(), func(x *Node) *Node {
		return ClipScalar(x, am.rangeLo, am.rangeHi)
	})
	out := make([]*tensors.Tensor, len(inputVars))
	for ii, v := range inputVars {
		out[ii] = clipExec.Call(v.Value())[0]
	}
	return out
}

func (am *ActMax) newRng() *rand.Rand {
	if am.rngSeedSet {
		return rand.New(rand.NewSource(am.rngSeed))
	}
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// allFinite reports whether every value of a float tensor is finite. Other
// dtypes are not checked.
func allFinite(t *tensors.Tensor) bool {
	switch t.DType() {
	case dtypes.Float32:
		for _, v := range tensors.CopyFlatData[float32](t) {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return false
			}
		}
	case dtypes.Float64:
		for _, v := range tensors.CopyFlatData[float64](t) {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
