// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package render

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"testing"
	"time"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestColormaps(t *testing.T) {
	assert.Equal(t, color.NRGBA{R: 0, G: 0, B: 127, A: 255}, Jet(0))
	assert.Equal(t, color.NRGBA{R: 127, G: 255, B: 127, A: 255}, Jet(0.5))
	assert.Equal(t, color.NRGBA{R: 127, G: 0, B: 0, A: 255}, Jet(1))

	// Out-of-range values clamp to the ends.
	assert.Equal(t, Jet(0), Jet(-3))
	assert.Equal(t, Jet(1), Jet(7))

	assert.Equal(t, color.NRGBA{R: 0, G: 0, B: 0, A: 255}, Grayscale(0))
	assert.Equal(t, color.NRGBA{R: 255, G: 255, B: 255, A: 255}, Grayscale(1))
	assert.Equal(t, color.NRGBA{R: 127, G: 127, B: 127, A: 255}, Grayscale(0.5))
}

func TestHeatmapSingle(t *testing.T) {
	maps := tensors.FromFlatDataAndDimensions([]float32{0, 1, 0.5, 0.25}, 2, 2)
	img := must.M1(Heatmap(maps).Colormap(Grayscale).Single())
	require.Equal(t, image.Rect(0, 0, 2, 2), img.Bounds())
	nrgba := img.(*image.NRGBA)
	assert.Equal(t, color.NRGBA{R: 0, G: 0, B: 0, A: 255}, nrgba.NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{R: 255, G: 255, B: 255, A: 255}, nrgba.NRGBAAt(1, 0))
	assert.Equal(t, color.NRGBA{R: 127, G: 127, B: 127, A: 255}, nrgba.NRGBAAt(0, 1))
	assert.Equal(t, color.NRGBA{R: 63, G: 63, B: 63, A: 255}, nrgba.NRGBAAt(1, 1))

	_, err := Heatmap(tensors.FromFlatDataAndDimensions([]float32{0, 1}, 1, 1, 2)).Single()
	require.ErrorContains(t, err, "requires a [height, width] map")
}

func TestHeatmapBatch(t *testing.T) {
	maps := tensors.FromFlatDataAndDimensions([]float32{0, 1, 1, 0}, 2, 1, 2)
	imgs := must.M1(Heatmap(maps).Colormap(Grayscale).Batch())
	require.Len(t, imgs, 2)
	for _, img := range imgs {
		require.Equal(t, image.Rect(0, 0, 2, 1), img.Bounds())
	}
	first := imgs[0].(*image.NRGBA)
	second := imgs[1].(*image.NRGBA)
	assert.Equal(t, uint8(0), first.NRGBAAt(0, 0).R)
	assert.Equal(t, uint8(255), first.NRGBAAt(1, 0).R)
	assert.Equal(t, uint8(255), second.NRGBAAt(0, 0).R)
	assert.Equal(t, uint8(0), second.NRGBAAt(1, 0).R)

	_, err := Heatmap(tensors.FromFlatDataAndDimensions([]float32{0, 1}, 2)).Batch()
	require.ErrorContains(t, err, "requires a [batch, height, width] map")
}

func TestHeatmapMaxValue(t *testing.T) {
	maps := tensors.FromFlatDataAndDimensions([]float64{0, 255, 510}, 1, 3)
	img := must.M1(Heatmap(maps).Colormap(Grayscale).MaxValue(510).Single())
	nrgba := img.(*image.NRGBA)
	assert.Equal(t, uint8(0), nrgba.NRGBAAt(0, 0).R)
	assert.Equal(t, uint8(127), nrgba.NRGBAAt(1, 0).R)
	assert.Equal(t, uint8(255), nrgba.NRGBAAt(2, 0).R)

	_, err := Heatmap(maps).MaxValue(0).Single()
	require.ErrorContains(t, err, "MaxValue must be positive")
}

func TestHeatmapFloat16(t *testing.T) {
	values := []float16.Float16{
		float16.Fromfloat32(0),
		float16.Fromfloat32(1),
	}
	maps := tensors.FromFlatDataAndDimensions(values, 1, 2)
	img := must.M1(Heatmap(maps).Colormap(Grayscale).Single())
	nrgba := img.(*image.NRGBA)
	assert.Equal(t, uint8(0), nrgba.NRGBAAt(0, 0).R)
	assert.Equal(t, uint8(255), nrgba.NRGBAAt(1, 0).R)
}

func TestHeatmapUnsupportedDType(t *testing.T) {
	maps := tensors.FromFlatDataAndDimensions([]int32{0, 1}, 1, 2)
	_, err := Heatmap(maps).Single()
	require.ErrorContains(t, err, "must be float16, float32 or float64")
}

func TestOverlay(t *testing.T) {
	base := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			base.SetNRGBA(x, y, color.NRGBA{R: 0, G: 0, B: 255, A: 255})
		}
	}
	heat := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			heat.SetNRGBA(x, y, color.NRGBA{R: 255, G: 0, B: 0, A: 255})
		}
	}

	// Full opacity: the (resized) heatmap replaces the base.
	opaque := Overlay(heat, base).Alpha(1).Done()
	require.Equal(t, base.Bounds(), opaque.Bounds())
	r, _, b, _ := opaque.At(2, 2).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	assert.Equal(t, uint32(0), b)

	// Zero opacity leaves the base untouched.
	transparent := Overlay(heat, base).Alpha(0).Done()
	r, _, b, _ = transparent.At(2, 2).RGBA()
	assert.Equal(t, uint32(0), r)
	assert.Equal(t, uint32(0xffff), b)

	// Default blends half-way.
	blended := Overlay(heat, base).Done()
	r, _, b, _ = blended.At(2, 2).RGBA()
	assert.InDelta(t, 0x8000, int(r), 0x200)
	assert.InDelta(t, 0x8000, int(b), 0x200)
}

func TestEncodeGIF(t *testing.T) {
	frames := []image.Image{
		solidFrame(color.NRGBA{R: 255, A: 255}),
		solidFrame(color.NRGBA{G: 255, A: 255}),
		solidFrame(color.NRGBA{B: 255, A: 255}),
	}
	var buf bytes.Buffer
	require.NoError(t, EncodeGIF(&buf, frames, 50*time.Millisecond))

	decoded := must.M1(gif.DecodeAll(&buf))
	require.Len(t, decoded.Image, 3)
	assert.Equal(t, []int{5, 5, 5}, decoded.Delay)
	assert.Equal(t, image.Rect(0, 0, 3, 3), decoded.Image[0].Bounds())

	require.ErrorContains(t, EncodeGIF(&buf, nil, time.Second), "at least one frame")
}

func solidFrame(c color.NRGBA) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, 3, 3))
	for y := 0; y < 3; y++ {
		for x := 0; x < 3; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}
