package model

import "fmt"

// Metadata is the JSON sidecar exported next to a backbone .onnx file.
type Metadata struct {
	Architecture string  `json:"architecture"`
	InputName    string  `json:"input_name"`
	OutputName   string  `json:"output_name"`
	InputShape   []int64 `json:"input_shape"`
	OutputShape  []int64 `json:"output_shape"`
	ImageSize    int     `json:"image_size"`
}

func (m *Metadata) applyDefaults() {
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "features"
	}
}

func (m *Metadata) validate() error {
	if len(m.InputShape) != 4 || m.InputShape[0] != 1 || m.InputShape[1] != 3 {
		return fmt.Errorf("input shape must be [1 3 H W], got %v", m.InputShape)
	}
	if len(m.OutputShape) != 4 || m.OutputShape[0] != 1 {
		return fmt.Errorf("output shape must be [1 C h w], got %v", m.OutputShape)
	}
	if m.ImageSize != 0 && (int64(m.ImageSize) != m.InputShape[2] || int64(m.ImageSize) != m.InputShape[3]) {
		return fmt.Errorf("image_size %d disagrees with input shape %v", m.ImageSize, m.InputShape)
	}
	return nil
}

// Architecture names a backbone + classifier head configuration. The two
// presets are distinct models and are never substituted for one another.
type Architecture struct {
	Name       string
	Channels   int
	NumClasses int
	// Dropout before the linear layer. Recorded for completeness; inference never applies it.
	Dropout   float64
	WeightKey string
	BiasKey   string
}

var (
	// EfficientNetB0Binary is EfficientNet-B0 with a fine-tuned 2-class head.
	EfficientNetB0Binary = Architecture{
		Name:       "efficientnet_b0-binary",
		Channels:   1280,
		NumClasses: 2,
		Dropout:    0.5,
		WeightKey:  "classifier.1.weight",
		BiasKey:    "classifier.1.bias",
	}

	// EfficientNetB7ImageNet is stock EfficientNet-B7 with its 1000-class ImageNet head.
	EfficientNetB7ImageNet = Architecture{
		Name:       "efficientnet_b7-imagenet",
		Channels:   2560,
		NumClasses: 1000,
		Dropout:    0.5,
		WeightKey:  "classifier.1.weight",
		BiasKey:    "classifier.1.bias",
	}
)

// FeatureMap holds C×H×W activations in channel-major order.
type FeatureMap struct {
	Channels, Height, Width int
	Data                    []float32
}

func NewFeatureMap(channels, height, width int) *FeatureMap {
	return &FeatureMap{
		Channels: channels,
		Height:   height,
		Width:    width,
		Data:     make([]float32, channels*height*width),
	}
}

func (f *FeatureMap) At(c, y, x int) float32 {
	return f.Data[(c*f.Height+y)*f.Width+x]
}

func (f *FeatureMap) Set(c, y, x int, v float32) {
	f.Data[(c*f.Height+y)*f.Width+x] = v
}

// Plane returns the activations of channel c.
func (f *FeatureMap) Plane(c int) []float32 {
	n := f.Height * f.Width
	return f.Data[c*n : (c+1)*n]
}
