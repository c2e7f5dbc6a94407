// Package modeltest provides a deterministic in-process backbone so the
// detection pipeline can be exercised without an ONNX runtime.
package modeltest

import (
	"fmt"
	"sync/atomic"

	"github.com/Brownie44l1/deepfake-api/internal/imaging"
	"github.com/Brownie44l1/deepfake-api/internal/model"
)

// Backbone average-pools the input into a Grid×Grid map. Channel c carries
// the pooled value of input channel c%3 unless Fill is set.
type Backbone struct {
	Channels int
	Grid     int
	Fill     func(c, y, x int) float32
	Err      error

	calls  atomic.Int64
	closed atomic.Bool
}

func (b *Backbone) Extract(in *imaging.Tensor) (*model.FeatureMap, error) {
	b.calls.Add(1)
	if b.Err != nil {
		return nil, b.Err
	}
	if len(in.Shape) != 4 || in.Shape[1] != 3 {
		return nil, fmt.Errorf("stub backbone: unexpected input shape %v", in.Shape)
	}

	grid := b.Grid
	if grid <= 0 {
		grid = 7
	}
	fm := model.NewFeatureMap(b.Channels, grid, grid)
	if b.Fill != nil {
		for c := 0; c < b.Channels; c++ {
			for y := 0; y < grid; y++ {
				for x := 0; x < grid; x++ {
					fm.Set(c, y, x, b.Fill(c, y, x))
				}
			}
		}
		return fm, nil
	}

	h, w := int(in.Shape[2]), int(in.Shape[3])
	plane := h * w
	pooled := make([]float32, 3*grid*grid)
	counts := make([]int, grid*grid)
	for y := 0; y < h; y++ {
		gy := y * grid / h
		for x := 0; x < w; x++ {
			gx := x * grid / w
			cell := gy*grid + gx
			counts[cell]++
			for ch := 0; ch < 3; ch++ {
				pooled[ch*grid*grid+cell] += in.Data[ch*plane+y*w+x]
			}
		}
	}
	for c := 0; c < b.Channels; c++ {
		src := c % 3
		for cell := 0; cell < grid*grid; cell++ {
			fm.Data[c*grid*grid+cell] = pooled[src*grid*grid+cell] / float32(counts[cell])
		}
	}
	return fm, nil
}

func (b *Backbone) Close() error {
	b.closed.Store(true)
	return nil
}

func (b *Backbone) Calls() int64 { return b.calls.Load() }

func (b *Backbone) Closed() bool { return b.closed.Load() }

// HeadParams builds checkpoint parameters for arch with weight(k, c) and a
// zero bias.
func HeadParams(arch model.Architecture, weight func(k, c int) float32) map[string]model.Param {
	w := make([]float32, arch.NumClasses*arch.Channels)
	for k := 0; k < arch.NumClasses; k++ {
		for c := 0; c < arch.Channels; c++ {
			w[k*arch.Channels+c] = weight(k, c)
		}
	}
	return map[string]model.Param{
		arch.WeightKey: {Shape: []int64{int64(arch.NumClasses), int64(arch.Channels)}, Data: w},
		arch.BiasKey:   {Shape: []int64{int64(arch.NumClasses)}, Data: make([]float32, arch.NumClasses)},
	}
}
