package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/Brownie44l1/deepfake-api/internal/failure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func solid(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestNativeDecoderKeepsRGBOrder(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	src.Set(0, 0, color.NRGBA{R: 255, A: 255})
	src.Set(1, 0, color.NRGBA{B: 200, A: 255})

	img, format, err := NativeDecoder{}.Decode(encodePNG(t, src))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 2, img.Width)
	assert.Equal(t, 1, img.Height)
	assert.Equal(t, []uint8{255, 0, 0, 0, 0, 200}, img.Pix)
}

func TestNativeDecoderDropsAlphaWithoutCompositing(t *testing.T) {
	src := solid(1, 1, color.NRGBA{R: 10, G: 20, B: 30, A: 0x40})

	img, _, err := NativeDecoder{}.Decode(encodePNG(t, src))
	require.NoError(t, err)
	assert.Equal(t, []uint8{10, 20, 30}, img.Pix)
}

func TestNativeDecoderJPEG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, solid(16, 8, color.NRGBA{R: 128, G: 128, B: 128, A: 255}), &jpeg.Options{Quality: 95}))

	img, format, err := NativeDecoder{}.Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 16, img.Width)
	assert.Equal(t, 8, img.Height)
}

func TestNativeDecoderErrors(t *testing.T) {
	var gifBuf bytes.Buffer
	require.NoError(t, gif.Encode(&gifBuf, image.NewPaletted(image.Rect(0, 0, 2, 2), color.Palette{color.Black}), nil))

	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"garbage", []byte("definitely not an image")},
		{"truncated png", encodePNG(t, solid(4, 4, color.White))[:20]},
		{"gif", gifBuf.Bytes()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := NativeDecoder{}.Decode(tt.raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, failure.ErrDecode)
		})
	}
}

func TestDecodeFileMissingPath(t *testing.T) {
	_, _, err := DecodeFile(NativeDecoder{}, filepath.Join(t.TempDir(), "nope.png"))
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrNotFound)
}

func TestReadFileUnreadablePathsAreNotFound(t *testing.T) {
	dir := t.TempDir()
	paths := map[string]string{
		"missing":    filepath.Join(dir, "nope.png"),
		"directory":  dir,
		"under file": filepath.Join(writeTemp(t, dir, "a.png"), "b.png"),
	}
	for name, path := range paths {
		t.Run(name, func(t *testing.T) {
			_, err := ReadFile(path)
			require.Error(t, err)
			assert.ErrorIs(t, err, failure.ErrNotFound)
			assert.Equal(t, failure.KindNotFound, failure.KindOf(err))
		})
	}
}

func writeTemp(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("x"), 0644))
	return p
}

func TestNewDecoderRegistry(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"", false},
		{"native", false},
		{"tesseract", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewDecoder(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, d)
		})
	}
}

func TestResizeIsExactSquare(t *testing.T) {
	img := FromImage(solid(640, 360, color.NRGBA{R: 40, G: 80, B: 120, A: 255}))

	for _, size := range []int{224, 299} {
		out := Resize(img, size)
		assert.Equal(t, size, out.Width)
		assert.Equal(t, size, out.Height)

		r, g, b := out.RGBAt(size/2, size/2)
		assert.InDelta(t, 40, int(r), 1)
		assert.InDelta(t, 80, int(g), 1)
		assert.InDelta(t, 120, int(b), 1)
	}
}

func TestNormalizeMeanImageIsNearZero(t *testing.T) {
	meanColor := color.NRGBA{
		R: uint8(math.Round(float64(ImageNetMean[0]) * 255)),
		G: uint8(math.Round(float64(ImageNetMean[1]) * 255)),
		B: uint8(math.Round(float64(ImageNetMean[2]) * 255)),
		A: 255,
	}
	tensor := Normalize(FromImage(solid(8, 8, meanColor)))

	require.Equal(t, []int64{1, 3, 8, 8}, tensor.Shape)
	require.Len(t, tensor.Data, tensor.Len())

	plane := 64
	for c := 0; c < 3; c++ {
		var sum, sq float64
		for _, v := range tensor.Data[c*plane : (c+1)*plane] {
			sum += float64(v)
			sq += float64(v) * float64(v)
		}
		mean := sum / float64(plane)
		variance := sq/float64(plane) - mean*mean
		// one 8-bit quantization step divided by std
		assert.InDelta(t, 0, mean, 0.5/255/float64(ImageNetStd[c])+1e-6, "channel %d", c)
		assert.InDelta(t, 0, variance, 1e-6, "channel %d", c)
	}
}

func TestNormalizeExtremes(t *testing.T) {
	img := NewRGBImage(2, 1)
	img.SetRGB(0, 0, 255, 255, 255)

	tensor := Normalize(img)
	for c := 0; c < 3; c++ {
		white := tensor.Data[c*2]
		black := tensor.Data[c*2+1]
		assert.InDelta(t, (1-ImageNetMean[c])/ImageNetStd[c], white, 1e-6)
		assert.InDelta(t, -ImageNetMean[c]/ImageNetStd[c], black, 1e-6)
	}
}

func TestRGBImageImplementsImage(t *testing.T) {
	img := NewRGBImage(3, 2)
	img.SetRGB(2, 1, 1, 2, 3)

	var _ image.Image = img
	assert.Equal(t, color.RGBA{R: 1, G: 2, B: 3, A: 255}, img.At(2, 1))
	assert.Equal(t, color.RGBA{}, img.At(5, 5))

	round := FromImage(img.ToRGBA())
	assert.Equal(t, img.Pix, round.Pix)
}
