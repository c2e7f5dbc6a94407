package handlers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/Brownie44l1/deepfake-api/internal/failure"
	"golang.org/x/image/draw"
)

var allowedTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
}

var errBadRequest = errors.New("bad request")

type upload struct {
	data     []byte
	mimeType string
	filename string
}

type jsonUpload struct {
	Image    string `json:"image"`
	MimeType string `json:"mime_type"`
}

// readUpload accepts a multipart form with an "image" file field, or a JSON
// body {"image": "<base64 or data URL>"}.
func readUpload(r *http.Request, maxBytes int64) (*upload, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch ct {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			return nil, fmt.Errorf("%w: failed to parse form: %w", errBadRequest, err)
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			return nil, fmt.Errorf("%w: no image file provided, use 'image' as the form field name", errBadRequest)
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read upload: %w", errBadRequest, err)
		}
		return &upload{
			data:     data,
			mimeType: pickMIME(header.Header.Get("Content-Type"), "", data),
			filename: header.Filename,
		}, nil

	case "application/json":
		var req jsonUpload
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, fmt.Errorf("%w: invalid JSON: %w", errBadRequest, err)
		}
		if strings.TrimSpace(req.Image) == "" {
			return nil, fmt.Errorf("%w: image is empty", errBadRequest)
		}
		data, hint, err := decodeBase64MaybeDataURL(req.Image)
		if err != nil {
			return nil, fmt.Errorf("%w: image is not valid base64", errBadRequest)
		}
		return &upload{data: data, mimeType: pickMIME(req.MimeType, hint, data)}, nil

	default:
		return nil, fmt.Errorf("%w: unsupported content type %q", errBadRequest, ct)
	}
}

// decodeBase64MaybeDataURL decodes base64, returning the MIME type from a
// data: URI prefix when there is one.
func decodeBase64MaybeDataURL(s string) ([]byte, string, error) {
	s = strings.TrimSpace(s)
	var hint string
	if strings.HasPrefix(s, "data:") {
		if idx := strings.IndexByte(s, ','); idx > 0 {
			meta := s[len("data:"):idx]
			if semi := strings.IndexByte(meta, ';'); semi >= 0 {
				hint = meta[:semi]
			} else {
				hint = meta
			}
			s = s[idx+1:]
		}
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, hint, nil
	}
	b, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, "", err
	}
	return b, hint, nil
}

// pickMIME prefers the declared type, then the data URL hint, then sniffs.
func pickMIME(declared, hint string, data []byte) string {
	for _, v := range []string{declared, hint} {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" && v != "application/octet-stream" {
			return v
		}
	}
	return http.DetectContentType(data)
}

func checkMIME(mimeType string) error {
	if !allowedTypes[mimeType] {
		return fmt.Errorf("%w: invalid file type %q, only JPEG and PNG are allowed", errBadRequest, mimeType)
	}
	return nil
}

// preResize squashes the upload to size×size and re-encodes it as PNG.
// Size 0 returns raw unchanged.
func preResize(raw []byte, size int) ([]byte, error) {
	if size <= 0 {
		return raw, nil
	}
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", failure.ErrDecode, err)
	}

	dst := image.NewNRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode resized upload: %w", err)
	}
	return buf.Bytes(), nil
}
