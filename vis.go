// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package vis implements attribution visualizations for GoMLX models:
// saliency maps (vanilla gradients and SmoothGrad), class activation maps
// (Grad-CAM, Grad-CAM++, Layer-CAM, Score-CAM) and activation maximization.
//
// The algorithms themselves live in the sub-packages saliency, cam, scorecam
// and actmax; rendering of the resulting maps lives in render. This package
// defines the contract they all share: the Model.
//
// A Model wraps three things: a backends.Backend, a context.Context holding
// the trained weights, and a ForwardFn that builds the forward computation.
// Because GoMLX models are graph-building functions and not introspectable
// layer graphs, a ForwardFn reports the intermediate activations the
// visualizations need by recording them on a Recorder ("taps"):
//
//	func forward(ctx *context.Context, rec *vis.Recorder, inputs []*graph.Node) []*graph.Node {
//		x := inputs[0]
//		x = rec.Tap("conv1", layers.Convolution(ctx.In("conv1"), x).Filters(16).KernelSize(3).PadSame().Done())
//		x = activations.Relu(x)
//		...
//		logits := rec.Tap("logits", layers.DenseWithBias(ctx.In("logits"), x, 10))
//		return []*graph.Node{graph.Softmax(logits)}
//	}
//
// The conventional tap name "logits" marks the pre-activation output and is
// what ReplaceToLinear re-routes to. Convolutional (rank-4) taps are the
// candidates for the CAM family's attribution layer.
//
// Models are never mutated by the visualizations: CAM and saliency methods
// only read the weights, and activation maximization optimizes a separate
// input variable against a cloned, frozen copy of the weights.
package vis

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"

	. "github.com/gomlx/exceptions"
)

// ForwardFn builds a model's forward computation for the given batched
// inputs, recording named intermediate activations on rec. It must return at
// least one output. It is called every time a visualization compiles a graph
// for a new combination of input shapes, always with the model's context.
type ForwardFn func(ctx *context.Context, rec *Recorder, inputs []*graph.Node) []*graph.Node

// Model binds a forward function to the backend and context (weights) it
// runs with. It is the handle every visualization algorithm takes.
//
// Model values are immutable: Modify and Clone return derived models and
// leave the receiver untouched.
type Model struct {
	backend backends.Backend
	ctx     *context.Context
	forward ForwardFn

	// outputTap, when set, re-routes the model output to the tap with that
	// name. See ReplaceToLinear and ExtractIntermediateLayer.
	outputTap string

	// exec is the lazily built Predict executor. Like everything else here it
	// is not safe for concurrent use.
	exec *context.Exec
}

// NewModel creates a Model from a backend, the context holding the model's
// weights and the forward function. If ctx is nil a new empty context is
// created -- only useful for models without variables, since visualizations
// execute with Context().Reuse().
func NewModel(backend backends.Backend, ctx *context.Context, forward ForwardFn) *Model {
	if backend == nil {
		Panicf("vis.NewModel: backend cannot be nil")
	}
	if forward == nil {
		Panicf("vis.NewModel: forward function cannot be nil")
	}
	if ctx == nil {
		ctx = context.New()
	}
	return &Model{backend: backend, ctx: ctx, forward: forward}
}

// Backend returns the backend the model executes on.
func (m *Model) Backend() backends.Backend { return m.backend }

// Context returns the context holding the model's variables. Visualizations
// use it with Context().Reuse(); they never create variables in it.
func (m *Model) Context() *context.Context { return m.ctx }

// Clone returns a model whose variables live in a fresh context, with the
// same scopes, names, values and trainability. The variable values (tensors)
// are shared, not copied: they are only ever replaced wholesale, never
// written in place, so sharing is safe.
func (m *Model) Clone() *Model {
	clonedCtx := context.New()
	m.ctx.EnumerateVariables(func(v *context.Variable) {
		clonedCtx.InAbsPath(v.Scope()).
			VariableWithValue(v.Name(), v.Value()).
			SetTrainable(v.Trainable)
	})
	return &Model{backend: m.backend, ctx: clonedCtx, forward: m.forward, outputTap: m.outputTap}
}

// Modify applies the given modifiers in order and returns the resulting
// model. The receiver is not changed.
func (m *Model) Modify(modifiers ...Modifier) *Model {
	modified := m
	for _, modifier := range modifiers {
		if modifier == nil {
			Panicf("vis: nil model modifier")
		}
		modified = modifier(modified)
	}
	return modified
}

// withOutputTap returns a shallow copy re-routing the output to the named tap.
func (m *Model) withOutputTap(name string) *Model {
	c := *m
	c.outputTap = name
	c.exec = nil
	return &c
}

// Forward builds the model's forward computation on the current graph,
// applying the model's output re-routing. Algorithm packages call it while
// assembling their own graphs; ctx is the context the executor passes in,
// which is this model's context.
//
// It panics (in the graph-building style) if the forward function returns no
// outputs, returns a nil output, or if a re-routed output tap was never
// recorded.
func (m *Model) Forward(ctx *context.Context, rec *Recorder, inputs []*graph.Node) []*graph.Node {
	outputs := m.forward(ctx, rec, inputs)
	if len(outputs) == 0 {
		Panicf("vis: model forward function returned no outputs")
	}
	for ii, output := range outputs {
		if output == nil {
			Panicf("vis: model forward function returned nil output #%d", ii)
		}
	}
	if m.outputTap != "" {
		outputs = []*graph.Node{rec.Node(m.outputTap)}
	}
	return outputs
}

// Predict executes the model's forward pass on the given inputs and returns
// its outputs. The first call for a given combination of input shapes
// compiles the graph; later calls reuse it.
func (m *Model) Predict(inputs ...*tensors.Tensor) (outputs []*tensors.Tensor, err error) {
	if len(inputs) == 0 {
		return nil, errors.New("vis: Model.Predict requires at least one input")
	}
	err = TryCatch[error](func() {
		if m.exec == nil {
			var newErr error
			m.exec, newErr = context.NewExecAny(m.backend, m.ctx.Reuse(),
				func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
					rec := NewRecorder()
					return m.Forward(ctx, rec, inputs)
				})
			if newErr != nil {
				panic(errors.WithMessage(newErr, "failed to build Model.Predict executor"))
			}
		}
		outputs = m.exec.Call(tensorsToAny(inputs)...)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "vis: Model.Predict failed")
	}
	return outputs, nil
}

// tensorsToAny converts a tensor slice to the []any form Exec.Call takes.
func tensorsToAny(ts []*tensors.Tensor) []any {
	args := make([]any, len(ts))
	for ii, t := range ts {
		args[ii] = t
	}
	return args
}
