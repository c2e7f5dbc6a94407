package imaging

// ImageNet channel statistics the backbones were trained with.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Tensor is a dense float32 array in row-major order.
type Tensor struct {
	Shape []int64
	Data  []float32
}

func (t *Tensor) Len() int {
	n := 1
	for _, d := range t.Shape {
		n *= int(d)
	}
	return n
}

// Normalize maps img to a 1×3×H×W tensor of (x/255 - mean) / std, planar by channel.
func Normalize(img *RGBImage) *Tensor {
	plane := img.Width * img.Height
	data := make([]float32, 3*plane)

	for p, i := 0, 0; p < plane; p, i = p+1, i+3 {
		for c := 0; c < 3; c++ {
			v := float32(img.Pix[i+c]) / 255.0
			data[c*plane+p] = (v - ImageNetMean[c]) / ImageNetStd[c]
		}
	}

	return &Tensor{
		Shape: []int64{1, 3, int64(img.Height), int64(img.Width)},
		Data:  data,
	}
}

// Prepare resizes img to size×size and normalizes it.
func Prepare(img *RGBImage, size int) *Tensor {
	return Normalize(Resize(img, size))
}
