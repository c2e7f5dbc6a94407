package imaging

import (
	"image"
	"image/color"
)

// RGBImage is a packed 8-bit image, three samples per pixel in R, G, B order.
type RGBImage struct {
	Width, Height int
	Pix           []uint8
}

func NewRGBImage(width, height int) *RGBImage {
	return &RGBImage{Width: width, Height: height, Pix: make([]uint8, width*height*3)}
}

// FromImage copies img into RGB order. Alpha is dropped without compositing,
// keeping the non-premultiplied color values.
func FromImage(img image.Image) *RGBImage {
	b := img.Bounds()
	out := NewRGBImage(b.Dx(), b.Dy())

	if src, ok := img.(*image.NRGBA); ok {
		for y := 0; y < out.Height; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+out.Width*4]
			for x := 0; x < out.Width; x++ {
				i := out.offset(x, y)
				out.Pix[i] = row[x*4]
				out.Pix[i+1] = row[x*4+1]
				out.Pix[i+2] = row[x*4+2]
			}
		}
		return out
	}

	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := out.offset(x, y)
			out.Pix[i] = c.R
			out.Pix[i+1] = c.G
			out.Pix[i+2] = c.B
		}
	}
	return out
}

func (m *RGBImage) offset(x, y int) int {
	return (y*m.Width + x) * 3
}

func (m *RGBImage) RGBAt(x, y int) (r, g, b uint8) {
	i := m.offset(x, y)
	return m.Pix[i], m.Pix[i+1], m.Pix[i+2]
}

func (m *RGBImage) SetRGB(x, y int, r, g, b uint8) {
	i := m.offset(x, y)
	m.Pix[i], m.Pix[i+1], m.Pix[i+2] = r, g, b
}

func (m *RGBImage) ColorModel() color.Model { return color.RGBAModel }

func (m *RGBImage) Bounds() image.Rectangle { return image.Rect(0, 0, m.Width, m.Height) }

func (m *RGBImage) At(x, y int) color.Color {
	if !(image.Point{X: x, Y: y}.In(m.Bounds())) {
		return color.RGBA{}
	}
	r, g, b := m.RGBAt(x, y)
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

// ToRGBA converts to the stdlib layout, which the resizers have fast paths for.
func (m *RGBImage) ToRGBA() *image.RGBA {
	out := image.NewRGBA(m.Bounds())
	for p, i := 0, 0; p < m.Width*m.Height; p, i = p+1, i+3 {
		out.Pix[p*4] = m.Pix[i]
		out.Pix[p*4+1] = m.Pix[i+1]
		out.Pix[p*4+2] = m.Pix[i+2]
		out.Pix[p*4+3] = 255
	}
	return out
}

func (m *RGBImage) Clone() *RGBImage {
	out := &RGBImage{Width: m.Width, Height: m.Height, Pix: make([]uint8, len(m.Pix))}
	copy(out.Pix, m.Pix)
	return out
}
