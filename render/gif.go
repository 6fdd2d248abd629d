// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package render

import (
	"image"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"io"
	"time"

	"github.com/pkg/errors"
)

// EncodeGIF writes frames as a looping animated GIF. All frames should
// share the same dimensions; delay is the time between frames, rounded to
// GIF's 10ms resolution (minimum one tick).
func EncodeGIF(w io.Writer, frames []image.Image, delay time.Duration) error {
	if len(frames) == 0 {
		return errors.New("render: EncodeGIF requires at least one frame")
	}
	ticks := int(delay / (10 * time.Millisecond))
	if ticks < 1 {
		ticks = 1
	}
	anim := &gif.GIF{
		Image: make([]*image.Paletted, 0, len(frames)),
		Delay: make([]int, 0, len(frames)),
	}
	for _, frame := range frames {
		bounds := frame.Bounds()
		paletted := image.NewPaletted(bounds, palette.Plan9)
		draw.FloydSteinberg.Draw(paletted, bounds, frame, bounds.Min)
		anim.Image = append(anim.Image, paletted)
		anim.Delay = append(anim.Delay, ticks)
	}
	if err := gif.EncodeAll(w, anim); err != nil {
		return errors.Wrap(err, "render: encoding GIF failed")
	}
	return nil
}
