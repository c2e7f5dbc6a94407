package saliency

// Mask marks suspicious pixels.
type Mask struct {
	Width, Height int
	Bits          []bool
}

func (m *Mask) At(x, y int) bool { return m.Bits[y*m.Width+x] }

func (m *Mask) Count() int {
	n := 0
	for _, b := range m.Bits {
		if b {
			n++
		}
	}
	return n
}

// RegionPolicy thresholds a saliency map and labels the image by the share of
// pixels at or above Threshold.
type RegionPolicy struct {
	Threshold float32
	// AreaCutoff is a percentage; coverage strictly above it is "Fake".
	AreaCutoff float64
}

func DefaultRegionPolicy() RegionPolicy {
	return RegionPolicy{Threshold: 0.1, AreaCutoff: 50}
}

func (p RegionPolicy) Label(percentage float64) string {
	if percentage > p.AreaCutoff {
		return "Fake"
	}
	return "Real"
}

// Region is the outcome of area-based re-classification.
type Region struct {
	Mask       *Mask
	Suspicious int
	Percentage float64
	Label      string
}

func Classify(m *Map, p RegionPolicy) Region {
	mask := &Mask{Width: m.Width, Height: m.Height, Bits: make([]bool, len(m.Values))}
	count := 0
	for i, v := range m.Values {
		if v >= p.Threshold {
			mask.Bits[i] = true
			count++
		}
	}

	var pct float64
	if total := len(m.Values); total > 0 {
		pct = 100 * float64(count) / float64(total)
	}
	return Region{
		Mask:       mask,
		Suspicious: count,
		Percentage: pct,
		Label:      p.Label(pct),
	}
}
