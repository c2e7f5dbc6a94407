// Package saliency attributes a classifier decision to image regions with
// Grad-CAM and re-scores the image by how much of it is highlighted.
package saliency

import (
	"context"
	"fmt"
	"image"
	"math"

	"github.com/Brownie44l1/deepfake-api/internal/failure"
	"github.com/Brownie44l1/deepfake-api/internal/imaging"
	"github.com/Brownie44l1/deepfake-api/internal/model"
	"golang.org/x/image/draw"
)

// Map is a per-pixel activation strength in [0,1].
type Map struct {
	Width, Height int
	Values        []float32
}

func NewMap(width, height int) *Map {
	return &Map{Width: width, Height: height, Values: make([]float32, width*height)}
}

func (m *Map) At(x, y int) float32 { return m.Values[y*m.Width+x] }

// Result is the output of one saliency pass.
type Result struct {
	Map    *Map
	Logits []float32
}

// Compute runs a gradient-enabled pass of clf on in, targets class target and
// returns the class activation map upsampled to width×height.
func Compute(ctx context.Context, clf *model.Classifier, in *imaging.Tensor, target, width, height int) (*Result, error) {
	var (
		cam    *Map
		logits []float32
	)
	err := clf.WithGradients(ctx, func(scope *model.GradientScope) error {
		var err error
		logits, err = scope.Forward(in)
		if err != nil {
			return err
		}
		if err := scope.Backward(target); err != nil {
			return err
		}
		cam, err = GradCAM(scope.Activations(), scope.Gradients())
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Result{Map: Upsample(cam, width, height), Logits: logits}, nil
}

// GradCAM weights each activation channel by its mean gradient, sums the
// weighted channels, clips negatives and min-max normalizes to [0,1].
func GradCAM(activations, gradients *model.FeatureMap) (*Map, error) {
	if activations == nil || gradients == nil {
		return nil, fmt.Errorf("%w: missing activations or gradients", failure.ErrInference)
	}
	if activations.Channels != gradients.Channels ||
		activations.Height != gradients.Height ||
		activations.Width != gradients.Width {
		return nil, fmt.Errorf("%w: activations %dx%dx%d and gradients %dx%dx%d differ", failure.ErrInference,
			activations.Channels, activations.Height, activations.Width,
			gradients.Channels, gradients.Height, gradients.Width)
	}

	area := activations.Height * activations.Width
	sum := make([]float64, area)
	for c := 0; c < activations.Channels; c++ {
		var weight float64
		for _, g := range gradients.Plane(c) {
			weight += float64(g)
		}
		weight /= float64(area)
		if weight == 0 {
			continue
		}
		for i, a := range activations.Plane(c) {
			sum[i] += weight * float64(a)
		}
	}

	minVal, maxVal := math.Inf(1), math.Inf(-1)
	for i, v := range sum {
		if v < 0 {
			v = 0
			sum[i] = 0
		}
		minVal = math.Min(minVal, v)
		maxVal = math.Max(maxVal, v)
	}

	cam := NewMap(activations.Width, activations.Height)
	for i, v := range sum {
		v -= minVal
		cam.Values[i] = float32(v / (maxVal - minVal + 1e-7))
	}
	return cam, nil
}

// Upsample scales m to width×height with bilinear interpolation. Values are
// carried through a 16-bit gray image.
func Upsample(m *Map, width, height int) *Map {
	if m.Width == width && m.Height == height {
		out := NewMap(width, height)
		copy(out.Values, m.Values)
		return out
	}

	src := image.NewGray16(image.Rect(0, 0, m.Width, m.Height))
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			v := math.Round(float64(clamp01(m.At(x, y))) * 0xffff)
			i := src.PixOffset(x, y)
			src.Pix[i] = uint8(uint16(v) >> 8)
			src.Pix[i+1] = uint8(uint16(v))
		}
	}

	dst := image.NewGray16(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := NewMap(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := dst.PixOffset(x, y)
			v := uint16(dst.Pix[i])<<8 | uint16(dst.Pix[i+1])
			out.Values[y*width+x] = float32(v) / 0xffff
		}
	}
	return out
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
