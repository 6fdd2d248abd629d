// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vis

import (
	"github.com/gomlx/gomlx/graph"

	. "github.com/gomlx/exceptions"
)

// Recorder collects the named intermediate activations ("taps") a ForwardFn
// reports while building a graph. A fresh Recorder is used for every graph
// build; it never outlives the graph whose nodes it holds.
//
// Tap order is the order of the Tap calls, which visualizations rely on when
// picking a default layer (e.g. the last convolutional tap).
type Recorder struct {
	names []string
	nodes map[string]*graph.Node
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{nodes: make(map[string]*graph.Node)}
}

// Tap records node under name and returns node unchanged, so it can be used
// inline in the middle of a forward function. Recording the same name twice
// or a nil node panics with a build error.
func (r *Recorder) Tap(name string, node *graph.Node) *graph.Node {
	if name == "" {
		Panicf("vis: tap name cannot be empty")
	}
	if node == nil {
		Panicf("vis: tap %q recorded a nil node", name)
	}
	if _, found := r.nodes[name]; found {
		Panicf("vis: tap %q recorded twice", name)
	}
	r.names = append(r.names, name)
	r.nodes[name] = node
	return node
}

// Node returns the tap recorded under name. It panics with a descriptive
// error -- including the recorded tap names -- if there is no such tap.
func (r *Recorder) Node(name string) *graph.Node {
	node, found := r.nodes[name]
	if !found {
		Panicf("vis: no tap named %q recorded by the model, recorded taps: %v", name, r.names)
	}
	return node
}

// Names returns the recorded tap names in recording order.
func (r *Recorder) Names() []string {
	names := make([]string, len(r.names))
	copy(names, r.names)
	return names
}

// LastWithRank returns the name and node of the last recorded tap whose rank
// is rank, scanning in reverse recording order. The CAM family uses
// LastWithRank(4) to find the "penultimate convolutional layer" when no
// layer is named explicitly. It panics if no tap with that rank exists.
func (r *Recorder) LastWithRank(rank int) (string, *graph.Node) {
	for ii := len(r.names) - 1; ii >= 0; ii-- {
		name := r.names[ii]
		node := r.nodes[name]
		if node.Rank() == rank {
			return name, node
		}
	}
	Panicf("vis: model recorded no tap of rank %d (recorded taps: %v) -- "+
		"record the convolutional activation with Recorder.Tap or select a layer explicitly", rank, r.names)
	return "", nil
}
