package model

import (
	"fmt"
	"sort"

	"github.com/Brownie44l1/deepfake-api/internal/failure"
)

// LoadReport describes how a checkpoint matched the architecture. Loading is
// lenient: nothing in the report is fatal.
type LoadReport struct {
	Loaded      []string
	Missing     []string
	Unexpected  []string
	Unsupported []string
	Mismatched  []*failure.ShapeMismatch
}

func (r LoadReport) Clean() bool {
	return len(r.Missing) == 0 && len(r.Unexpected) == 0 &&
		len(r.Unsupported) == 0 && len(r.Mismatched) == 0
}

// LinearHead is global average pooling followed by a fully connected layer.
// Parameters that the checkpoint does not provide stay zero.
type LinearHead struct {
	arch   Architecture
	Weight []float32 // NumClasses × Channels
	Bias   []float32
}

func NewLinearHead(arch Architecture) *LinearHead {
	return &LinearHead{
		arch:   arch,
		Weight: make([]float32, arch.NumClasses*arch.Channels),
		Bias:   make([]float32, arch.NumClasses),
	}
}

// LoadState copies matching parameters from params.
func (h *LinearHead) LoadState(params map[string]Param) LoadReport {
	var report LoadReport
	wantShapes := map[string][]int64{
		h.arch.WeightKey: {int64(h.arch.NumClasses), int64(h.arch.Channels)},
		h.arch.BiasKey:   {int64(h.arch.NumClasses)},
	}
	targets := map[string][]float32{
		h.arch.WeightKey: h.Weight,
		h.arch.BiasKey:   h.Bias,
	}

	for key, want := range wantShapes {
		p, ok := params[key]
		if !ok {
			report.Missing = append(report.Missing, key)
			continue
		}
		if !sameShape(want, p.Shape) {
			report.Mismatched = append(report.Mismatched, &failure.ShapeMismatch{Key: key, Want: want, Got: p.Shape})
			continue
		}
		copy(targets[key], p.Data)
		report.Loaded = append(report.Loaded, key)
	}
	for key := range params {
		if _, ok := wantShapes[key]; !ok {
			report.Unexpected = append(report.Unexpected, key)
		}
	}

	sort.Strings(report.Loaded)
	sort.Strings(report.Missing)
	sort.Strings(report.Unexpected)
	sort.Slice(report.Mismatched, func(i, j int) bool { return report.Mismatched[i].Key < report.Mismatched[j].Key })
	return report
}

func sameShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (h *LinearHead) check(fm *FeatureMap) error {
	if fm.Channels != h.arch.Channels {
		return fmt.Errorf("%w: head expects %d channels, backbone produced %d", failure.ErrInference, h.arch.Channels, fm.Channels)
	}
	if fm.Height*fm.Width == 0 {
		return fmt.Errorf("%w: empty feature map", failure.ErrInference)
	}
	return nil
}

// Forward returns the class logits for fm. Dropout is the identity at inference.
func (h *LinearHead) Forward(fm *FeatureMap) ([]float32, error) {
	if err := h.check(fm); err != nil {
		return nil, err
	}
	area := float64(fm.Height * fm.Width)
	pooled := make([]float64, fm.Channels)
	for c := range pooled {
		var sum float64
		for _, v := range fm.Plane(c) {
			sum += float64(v)
		}
		pooled[c] = sum / area
	}

	logits := make([]float32, h.arch.NumClasses)
	for k := range logits {
		row := h.Weight[k*h.arch.Channels : (k+1)*h.arch.Channels]
		acc := float64(h.Bias[k])
		for c, w := range row {
			acc += float64(w) * pooled[c]
		}
		logits[k] = float32(acc)
	}
	return logits, nil
}

// Backward returns d logits[target] / d fm. Through average pooling every
// position of channel c receives Weight[target][c] / (H×W).
func (h *LinearHead) Backward(fm *FeatureMap, target int) (*FeatureMap, error) {
	if err := h.check(fm); err != nil {
		return nil, err
	}
	if target < 0 || target >= h.arch.NumClasses {
		return nil, fmt.Errorf("%w: target class %d outside [0,%d)", failure.ErrInference, target, h.arch.NumClasses)
	}
	grad := NewFeatureMap(fm.Channels, fm.Height, fm.Width)
	area := float32(fm.Height * fm.Width)
	row := h.Weight[target*h.arch.Channels : (target+1)*h.arch.Channels]
	for c, w := range row {
		g := w / area
		plane := grad.Plane(c)
		for i := range plane {
			plane[i] = g
		}
	}
	return grad, nil
}
