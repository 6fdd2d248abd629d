// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package floats has host-side helpers for reading float tensors, shared by
// the packages that post-process results on the host.
package floats

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"golang.org/x/exp/constraints"
)

// Widen converts a flat float slice to float64s.
func Widen[T constraints.Float](data []T) []float64 {
	out := make([]float64, len(data))
	for ii, v := range data {
		out[ii] = float64(v)
	}
	return out
}

// Flat reads a float32 or float64 tensor's values as float64s; ok is false
// for any other dtype.
func Flat(t *tensors.Tensor) (values []float64, ok bool) {
	switch t.DType() {
	case dtypes.Float32:
		return Widen(tensors.CopyFlatData[float32](t)), true
	case dtypes.Float64:
		return tensors.CopyFlatData[float64](t), true
	}
	return nil, false
}

// Mean averages values; an empty slice averages to 0.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
