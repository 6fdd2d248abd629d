// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package render turns attribution maps into images: colormapped heatmaps,
// heatmap-over-input overlays and animated GIFs.
//
//	heat, err := render.Heatmap(maps[0]).Colormap(render.Jet).Batch()
//	blended := render.Overlay(heat[0], photo).Alpha(0.4).Done()
package render

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/vis/internal/floats"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	. "github.com/gomlx/exceptions"
)

// Colormap maps a value in [0, 1] to a color. Out-of-range values are
// clamped.
type Colormap func(v float64) color.NRGBA

// Jet is the classic blue-cyan-yellow-red heatmap colormap.
func Jet(v float64) color.NRGBA {
	v = clamp01(v)
	channel := func(center float64) uint8 {
		c := 1.5 - 4*abs(v-center)
		return uint8(clamp01(c) * 255)
	}
	return color.NRGBA{
		R: channel(0.75),
		G: channel(0.5),
		B: channel(0.25),
		A: 255,
	}
}

// Grayscale maps values to shades from black (0) to white (1).
func Grayscale(v float64) color.NRGBA {
	g := uint8(clamp01(v) * 255)
	return color.NRGBA{R: g, G: g, B: g, A: 255}
}

// HeatmapConfig is returned by Heatmap and configures the conversion of a
// map tensor to images. Call Single or Batch to convert.
type HeatmapConfig struct {
	maps     *tensors.Tensor
	colormap Colormap
	maxValue float64
}

// Heatmap converts a map tensor to colormapped images. The tensor holds
// float16, float32 or float64 values, shaped [height, width] for Single or
// [batch, height, width] for Batch.
//
// Defaults: Jet colormap, values in [0, 1] (see MaxValue).
func Heatmap(maps *tensors.Tensor) *HeatmapConfig {
	return &HeatmapConfig{
		maps:     maps,
		colormap: Jet,
		maxValue: 1,
	}
}

// Colormap sets the colormap. Default is Jet.
func (h *HeatmapConfig) Colormap(cm Colormap) *HeatmapConfig {
	h.colormap = cm
	return h
}

// MaxValue sets the value mapped to the top of the colormap; values are
// divided by it before colormapping. Default is 1.
func (h *HeatmapConfig) MaxValue(v float64) *HeatmapConfig {
	h.maxValue = v
	return h
}

// Single converts a [height, width] map to one image.
func (h *HeatmapConfig) Single() (img image.Image, err error) {
	err = TryCatch[error](func() {
		if h.maps.Rank() != 2 {
			Panicf("render: Heatmap.Single requires a [height, width] map, got shape %s", h.maps.Shape())
		}
		dims := h.maps.Shape().Dimensions
		img = h.render(mapValues(h.maps), dims[0], dims[1])
	})
	if err != nil {
		return nil, errors.WithMessage(err, "render: converting map to image failed")
	}
	return img, nil
}

// Batch converts a [batch, height, width] map to one image per sample.
func (h *HeatmapConfig) Batch() (imgs []image.Image, err error) {
	err = TryCatch[error](func() {
		if h.maps.Rank() != 3 {
			Panicf("render: Heatmap.Batch requires a [batch, height, width] map, got shape %s", h.maps.Shape())
		}
		dims := h.maps.Shape().Dimensions
		values := mapValues(h.maps)
		perSample := dims[1] * dims[2]
		imgs = make([]image.Image, dims[0])
		for ii := range imgs {
			imgs[ii] = h.render(values[ii*perSample:(ii+1)*perSample], dims[1], dims[2])
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "render: converting maps to images failed")
	}
	return imgs, nil
}

func (h *HeatmapConfig) render(values []float64, height, width int) *image.NRGBA {
	if h.maxValue <= 0 {
		Panicf("render: MaxValue must be positive, got %g", h.maxValue)
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, h.colormap(values[y*width+x]/h.maxValue))
		}
	}
	return img
}

// OverlayConfig is returned by Overlay; call Done to blend.
type OverlayConfig struct {
	heat, base image.Image
	alpha      float64
}

// Overlay blends a heatmap over a base image: the heatmap is resized to
// the base's dimensions (Lanczos) and drawn on top with the configured
// opacity.
func Overlay(heat, base image.Image) *OverlayConfig {
	return &OverlayConfig{heat: heat, base: base, alpha: 0.5}
}

// Alpha sets the heatmap opacity in [0, 1]. Default is 0.5.
func (o *OverlayConfig) Alpha(a float64) *OverlayConfig {
	o.alpha = a
	return o
}

// Done returns the blended image, sized as the base image.
func (o *OverlayConfig) Done() image.Image {
	bounds := o.base.Bounds()
	resized := imaging.Resize(o.heat, bounds.Dx(), bounds.Dy(), imaging.Lanczos)
	return imaging.Overlay(o.base, resized, bounds.Min, clamp01(o.alpha))
}

// mapValues reads a float map tensor as float64s.
func mapValues(t *tensors.Tensor) []float64 {
	if t.DType() == dtypes.Float16 {
		data := tensors.CopyFlatData[float16.Float16](t)
		out := make([]float64, len(data))
		for ii, v := range data {
			out[ii] = float64(v.Float32())
		}
		return out
	}
	flat, ok := floats.Flat(t)
	if !ok {
		Panicf("render: map tensors must be float16, float32 or float64, got %s", t.DType())
	}
	return flat
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
