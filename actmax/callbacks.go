// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package actmax

import (
	"fmt"
	"image"
	"io"
	"os"
	"time"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/tensors/images"
	"github.com/gomlx/vis/internal/floats"
	"github.com/gomlx/vis/render"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"

	. "github.com/gomlx/exceptions"
)

// ErrStop can be returned by a callback's OnStep to end the run early and
// cleanly: the steps so far are kept and Optimize still succeeds.
var ErrStop = errors.New("stop requested by callback")

// Step is the snapshot handed to callbacks after each optimization step.
type Step struct {
	// Index of the step, 0-based; Total is the configured number of steps.
	Index, Total int

	// Inputs under optimization, one per model input, as of this step. Not
	// yet clipped to the input range.
	Inputs []*tensors.Tensor

	// Scores holds the per-sample objective, shaped [batch]; Penalty the
	// per-sample regularization penalties, same shape.
	Scores, Penalty *tensors.Tensor
}

// Callback observes an optimization run. OnBegin is called once before the
// first step, OnStep after every step and OnEnd once after the last, also
// when a callback stopped the run early.
type Callback interface {
	OnBegin(totalSteps int)
	OnStep(step Step) error
	OnEnd() error
}

// Progress returns a callback drawing a terminal progress bar over the
// optimization steps.
func Progress() Callback {
	return &progress{}
}

type progress struct {
	bar *progressbar.ProgressBar
}

func (p *progress) OnBegin(totalSteps int) {
	p.bar = progressbar.NewOptions(totalSteps,
		progressbar.OptionSetDescription("Maximizing: "),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
}

func (p *progress) OnStep(Step) error {
	_ = p.bar.Add(1)
	return nil
}

func (p *progress) OnEnd() error {
	fmt.Println()
	return nil
}

// PrintLogger returns a callback printing the mean objective and penalty
// every interval steps, and on the last step.
func PrintLogger(interval int) Callback {
	if interval < 1 {
		interval = 1
	}
	return &printLogger{interval: interval, writer: os.Stdout}
}

type printLogger struct {
	interval int
	writer   io.Writer
}

func (p *printLogger) OnBegin(int) {}

func (p *printLogger) OnStep(step Step) error {
	if (step.Index+1)%p.interval != 0 && step.Index != step.Total-1 {
		return nil
	}
	_, err := fmt.Fprintf(p.writer, "step %d/%d: score=%.4f penalty=%.4f\n",
		step.Index+1, step.Total, meanValue(step.Scores), meanValue(step.Penalty))
	return err
}

func (p *printLogger) OnEnd() error { return nil }

// meanValue averages a float tensor's values on the host.
func meanValue(t *tensors.Tensor) float64 {
	if t == nil {
		return 0
	}
	flat, ok := floats.Flat(t)
	if !ok {
		return 0
	}
	return floats.Mean(flat)
}

// GIFRecorder records the first sample of the first input at every step
// and encodes the frames as an animated GIF when the run ends. Created
// with GIF.
type GIFRecorder struct {
	path     string
	delay    time.Duration
	maxValue float64
	frames   []image.Image
}

// GIF returns a callback writing an animated GIF of the optimization to
// path. Inputs must be image-shaped, [batch, height, width, channels].
//
// Defaults: 100ms between frames, input values read against a maximum of
// 255 (see MaxValue).
func GIF(path string) *GIFRecorder {
	return &GIFRecorder{
		path:     path,
		delay:    100 * time.Millisecond,
		maxValue: 255,
	}
}

// Delay sets the time between frames. Default is 100ms.
func (g *GIFRecorder) Delay(d time.Duration) *GIFRecorder {
	g.delay = d
	return g
}

// MaxValue sets the input value mapped to full pixel intensity; match it
// to the upper bound of the input range. Default is 255.
func (g *GIFRecorder) MaxValue(v float64) *GIFRecorder {
	g.maxValue = v
	return g
}

// OnBegin resets previously recorded frames.
func (g *GIFRecorder) OnBegin(int) {
	g.frames = g.frames[:0]
}

// OnStep records the first sample of the first input as a frame.
func (g *GIFRecorder) OnStep(step Step) error {
	if len(step.Inputs) == 0 {
		return nil
	}
	input := step.Inputs[0]
	if input.Rank() != 4 {
		return errors.Errorf("GIF callback requires image-shaped inputs [batch, height, width, channels], got %s",
			input.Shape())
	}
	frame, err := g.frame(input)
	if err != nil {
		return err
	}
	g.frames = append(g.frames, frame)
	return nil
}

// frame converts the first sample of input to an image: single-channel
// inputs become grayscale, 3- and 4-channel ones RGB/RGBA.
func (g *GIFRecorder) frame(input *tensors.Tensor) (frame image.Image, err error) {
	dims := input.Shape().Dimensions
	switch channels := dims[3]; channels {
	case 1:
		gray, grayErr := graySample(input)
		if grayErr != nil {
			return nil, grayErr
		}
		return render.Heatmap(gray).Colormap(render.Grayscale).MaxValue(g.maxValue).Single()
	case 3, 4:
		err = TryCatch[error](func() {
			frame = images.ToImage().MaxValue(g.maxValue).Batch(input)[0]
		})
		return frame, err
	default:
		return nil, errors.Errorf("GIF callback requires inputs with 1, 3 or 4 channels, got %d", channels)
	}
}

// graySample extracts the first sample of a [batch, height, width, 1]
// tensor as a [height, width] float64 tensor.
func graySample(input *tensors.Tensor) (*tensors.Tensor, error) {
	flat, ok := floats.Flat(input)
	if !ok {
		return nil, errors.Errorf("GIF callback supports float32 and float64 inputs, got %s", input.DType())
	}
	dims := input.Shape().Dimensions
	return tensors.FromFlatDataAndDimensions(flat[:dims[1]*dims[2]], dims[1], dims[2]), nil
}

// OnEnd encodes the recorded frames and writes the GIF file.
func (g *GIFRecorder) OnEnd() error {
	f, err := os.Create(g.path)
	if err != nil {
		return errors.Wrapf(err, "GIF callback failed to create %q", g.path)
	}
	if err = render.EncodeGIF(f, g.frames, g.delay); err != nil {
		_ = f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "GIF callback failed to write %q", g.path)
}
