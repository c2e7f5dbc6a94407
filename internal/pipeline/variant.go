package pipeline

import (
	"fmt"

	"github.com/Brownie44l1/deepfake-api/internal/model"
	"github.com/Brownie44l1/deepfake-api/internal/overlay"
	"github.com/Brownie44l1/deepfake-api/internal/saliency"
	"github.com/Brownie44l1/deepfake-api/internal/scoring"
)

// Variant selects one of the two detection pipelines. They differ in
// backbone, input size, labeling policy and whether saliency is computed, and
// their outputs are not interchangeable.
type Variant string

const (
	// VariantBinary: EfficientNet-B0 with a 2-class head at 224px, labeled by class index.
	VariantBinary Variant = "binary"
	// VariantSaliency: stock EfficientNet-B7 at 299px with Grad-CAM area re-scoring and overlay.
	VariantSaliency Variant = "saliency"
)

func Variants() []Variant { return []Variant{VariantBinary, VariantSaliency} }

func ParseVariant(s string) (Variant, error) {
	switch Variant(s) {
	case VariantBinary, VariantSaliency:
		return Variant(s), nil
	default:
		return "", fmt.Errorf("unknown pipeline variant: %q", s)
	}
}

type Config struct {
	Variant      Variant
	Architecture model.Architecture
	InputSize    int
	Saliency     bool

	ClassIndex scoring.ClassIndexPolicy
	Threshold  scoring.ThresholdPolicy
	Region     saliency.RegionPolicy
	Overlay    overlay.Options
}

// Preset returns the fixed configuration of v.
func Preset(v Variant) (Config, error) {
	switch v {
	case VariantBinary:
		return Config{
			Variant:      VariantBinary,
			Architecture: model.EfficientNetB0Binary,
			InputSize:    224,
			ClassIndex:   scoring.DefaultClassIndexPolicy(),
		}, nil
	case VariantSaliency:
		return Config{
			Variant:      VariantSaliency,
			Architecture: model.EfficientNetB7ImageNet,
			InputSize:    299,
			Saliency:     true,
			Threshold:    scoring.DefaultThresholdPolicy(),
			Region:       saliency.DefaultRegionPolicy(),
			Overlay:      overlay.DefaultOptions(),
		}, nil
	default:
		return Config{}, fmt.Errorf("unknown pipeline variant: %q", v)
	}
}
