// Package imaging turns raw uploads into the RGB pixels and normalized
// tensors the classifier consumes.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"os"
	"sort"
	"sync"
	"syscall"

	"github.com/Brownie44l1/deepfake-api/internal/failure"
	"github.com/nfnt/resize"
)

// Decoder loads raw bytes into an RGB image and reports the sniffed format.
type Decoder interface {
	Decode(raw []byte) (*RGBImage, string, error)
}

var (
	decodersMu sync.RWMutex
	decoders   = map[string]func() Decoder{
		"native": func() Decoder { return NativeDecoder{} },
	}
)

func registerDecoder(name string, fn func() Decoder) {
	decodersMu.Lock()
	defer decodersMu.Unlock()
	decoders[name] = fn
}

// NewDecoder returns the decoder registered under name. An empty name selects
// the native Go decoder; "opencv" is available in builds tagged gocv.
func NewDecoder(name string) (Decoder, error) {
	if name == "" {
		name = "native"
	}
	decodersMu.RLock()
	fn, ok := decoders[name]
	decodersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown decoder %q (available: %v)", name, DecoderNames())
	}
	return fn(), nil
}

func DecoderNames() []string {
	decodersMu.RLock()
	defer decodersMu.RUnlock()
	names := make([]string, 0, len(decoders))
	for n := range decoders {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NativeDecoder uses the standard image codecs. Only JPEG and PNG are accepted.
type NativeDecoder struct{}

func (NativeDecoder) Decode(raw []byte) (*RGBImage, string, error) {
	if len(raw) == 0 {
		return nil, "", fmt.Errorf("%w: empty input", failure.ErrDecode)
	}
	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", failure.ErrDecode, err)
	}
	if format != "jpeg" && format != "png" {
		return nil, format, fmt.Errorf("%w: unsupported format %q", failure.ErrDecode, format)
	}
	if img.Bounds().Empty() {
		return nil, format, fmt.Errorf("%w: image has no pixels", failure.ErrDecode)
	}
	return FromImage(img), format, nil
}

// ReadFile reads an image source from disk. A path that is missing, is not a
// regular file or cannot be opened for lack of permission maps to ErrNotFound.
func ReadFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err == nil && !info.Mode().IsRegular() {
		return nil, fmt.Errorf("image %s is not a regular file: %w", path, failure.ErrNotFound)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) ||
			errors.Is(err, fs.ErrInvalid) || errors.Is(err, syscall.ENOTDIR) {
			return nil, fmt.Errorf("image %s: %v: %w", path, err, failure.ErrNotFound)
		}
		return nil, fmt.Errorf("read image %s: %w", path, err)
	}
	return raw, nil
}

// DecodeFile is ReadFile followed by d.Decode.
func DecodeFile(d Decoder, path string) (*RGBImage, string, error) {
	raw, err := ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	return d.Decode(raw)
}

// Resize scales img to exactly size×size with bilinear interpolation.
// Aspect ratio is not preserved.
func Resize(img *RGBImage, size int) *RGBImage {
	if img.Width == size && img.Height == size {
		return img.Clone()
	}
	resized := resize.Resize(uint(size), uint(size), img.ToRGBA(), resize.Bilinear)
	return FromImage(resized)
}
