//go:build gocv

package imaging

import (
	"bytes"
	"fmt"
	"image"

	"github.com/Brownie44l1/deepfake-api/internal/failure"
	"gocv.io/x/gocv"
)

func init() {
	registerDecoder("opencv", func() Decoder { return OpenCVDecoder{} })
}

// OpenCVDecoder decodes through OpenCV. IMDecode yields BGR samples, so the
// Mat is converted to RGB before the pixels are copied out.
type OpenCVDecoder struct{}

func (OpenCVDecoder) Decode(raw []byte) (*RGBImage, string, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", failure.ErrDecode, err)
	}
	if format != "jpeg" && format != "png" {
		return nil, format, fmt.Errorf("%w: unsupported format %q", failure.ErrDecode, format)
	}

	bgr, err := gocv.IMDecode(raw, gocv.IMReadColor)
	if err != nil {
		return nil, format, fmt.Errorf("%w: opencv: %v", failure.ErrDecode, err)
	}
	defer bgr.Close()
	if bgr.Empty() {
		return nil, format, fmt.Errorf("%w: opencv returned an empty matrix", failure.ErrDecode)
	}

	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(bgr, &rgb, gocv.ColorBGRToRGB)

	out := &RGBImage{Width: rgb.Cols(), Height: rgb.Rows(), Pix: rgb.ToBytes()}
	if len(out.Pix) != out.Width*out.Height*3 {
		return nil, format, fmt.Errorf("%w: unexpected opencv buffer size %d", failure.ErrDecode, len(out.Pix))
	}
	return out, format, nil
}
