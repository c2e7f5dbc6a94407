// Package overlay renders the suspicious-region tint over an image and
// persists the result.
package overlay

import (
	"fmt"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/Brownie44l1/deepfake-api/internal/imaging"
	"github.com/Brownie44l1/deepfake-api/internal/saliency"
)

type Options struct {
	Opacity    float64
	Suspicious color.RGBA
	Clean      color.RGBA
}

func DefaultOptions() Options {
	return Options{
		Opacity:    0.3,
		Suspicious: color.RGBA{R: 255, A: 255},
		Clean:      color.RGBA{G: 255, A: 255},
	}
}

// Render blends every pixel as (1-opacity)*orig + opacity*tint, using the
// suspicious tint where mask is set and the clean tint elsewhere. img is not
// modified.
func Render(img *imaging.RGBImage, mask *saliency.Mask, opts Options) (*imaging.RGBImage, error) {
	if mask.Width != img.Width || mask.Height != img.Height {
		return nil, fmt.Errorf("mask %dx%d does not match image %dx%d", mask.Width, mask.Height, img.Width, img.Height)
	}

	out := imaging.NewRGBImage(img.Width, img.Height)
	keep := 1 - opts.Opacity
	for p, bit := range mask.Bits {
		tint := opts.Clean
		if bit {
			tint = opts.Suspicious
		}
		i := p * 3
		out.Pix[i] = blend(img.Pix[i], tint.R, keep, opts.Opacity)
		out.Pix[i+1] = blend(img.Pix[i+1], tint.G, keep, opts.Opacity)
		out.Pix[i+2] = blend(img.Pix[i+2], tint.B, keep, opts.Opacity)
	}
	return out, nil
}

func blend(orig, tint uint8, keep, opacity float64) uint8 {
	v := math.Round(keep*float64(orig) + opacity*float64(tint))
	if v > 255 {
		v = 255
	}
	return uint8(v)
}

// Encode writes img as JPEG when the extension asks for it, PNG otherwise.
func Encode(w io.Writer, img *imaging.RGBImage, ext string) error {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: 95})
	default:
		return png.Encode(w, img)
	}
}

// WriteFile encodes img next to path in a temporary file and renames it into
// place, so readers never observe a partial overlay. The temporary file is
// removed on failure.
func WriteFile(path string, img *imaging.RGBImage) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".overlay-*"+filepath.Ext(path))
	if err != nil {
		return fmt.Errorf("create overlay: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = Encode(tmp, img, filepath.Ext(path)); err != nil {
		return fmt.Errorf("encode overlay: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close overlay: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("store overlay: %w", err)
	}
	return nil
}
