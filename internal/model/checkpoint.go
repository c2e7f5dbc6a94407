package model

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/Brownie44l1/deepfake-api/internal/failure"
)

// NestedPrefix marks keys saved under a training checkpoint's model_state_dict entry.
const NestedPrefix = "model_state_dict."

const maxHeaderSize = 100 << 20

// Param is one named tensor from a checkpoint.
type Param struct {
	Shape []int64
	Data  []float32
}

type tensorEntry struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// LoadCheckpoint reads a safetensors file into float32 parameters. When any
// key carries the model_state_dict prefix only the nested entries are used,
// with the prefix stripped. Tensors with a dtype other than F32/F64 are
// returned by name in skipped.
func LoadCheckpoint(path string) (params map[string]Param, skipped []string, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("checkpoint %s: %w", path, failure.ErrWeightsNotFound)
		}
		return nil, nil, fmt.Errorf("read checkpoint: %w", err)
	}
	return ParseCheckpoint(raw)
}

func ParseCheckpoint(raw []byte) (map[string]Param, []string, error) {
	if len(raw) < 8 {
		return nil, nil, errors.New("checkpoint too short")
	}
	headerLen := binary.LittleEndian.Uint64(raw[:8])
	if headerLen > maxHeaderSize || headerLen > uint64(len(raw)-8) {
		return nil, nil, fmt.Errorf("checkpoint header length %d out of range", headerLen)
	}
	body := raw[8+headerLen:]

	var header map[string]json.RawMessage
	if err := json.Unmarshal(raw[8:8+headerLen], &header); err != nil {
		return nil, nil, fmt.Errorf("parse checkpoint header: %w", err)
	}
	delete(header, "__metadata__")

	nested := false
	for key := range header {
		if strings.HasPrefix(key, NestedPrefix) {
			nested = true
			break
		}
	}

	params := make(map[string]Param, len(header))
	var skipped []string
	for key, msg := range header {
		name := key
		if nested {
			if !strings.HasPrefix(key, NestedPrefix) {
				continue
			}
			name = strings.TrimPrefix(key, NestedPrefix)
		}

		var entry tensorEntry
		if err := json.Unmarshal(msg, &entry); err != nil {
			return nil, nil, fmt.Errorf("tensor %q: %w", key, err)
		}
		data, ok, err := decodeTensor(entry, body)
		if err != nil {
			return nil, nil, fmt.Errorf("tensor %q: %w", key, err)
		}
		if !ok {
			skipped = append(skipped, name)
			continue
		}
		params[name] = Param{Shape: entry.Shape, Data: data}
	}
	sort.Strings(skipped)
	return params, skipped, nil
}

func decodeTensor(entry tensorEntry, body []byte) ([]float32, bool, error) {
	begin, end := entry.DataOffsets[0], entry.DataOffsets[1]
	if begin < 0 || end < begin || end > int64(len(body)) {
		return nil, false, fmt.Errorf("data offsets %v outside %d byte buffer", entry.DataOffsets, len(body))
	}
	buf := body[begin:end]
	if entry.DType != "F32" && entry.DType != "F64" {
		return nil, false, nil
	}
	n, err := numElements(entry.Shape, int64(len(buf)))
	if err != nil {
		return nil, false, err
	}

	switch entry.DType {
	case "F32":
		if int64(len(buf)) != n*4 {
			return nil, false, fmt.Errorf("F32 %v needs %d bytes, has %d", entry.Shape, n*4, len(buf))
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}
		return out, true, nil
	case "F64":
		if int64(len(buf)) != n*8 {
			return nil, false, fmt.Errorf("F64 %v needs %d bytes, has %d", entry.Shape, n*8, len(buf))
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:])))
		}
		return out, true, nil
	default:
		return nil, false, nil
	}
}

// numElements multiplies out shape, refusing non-positive dimensions and
// counts that could not fit in limit bytes.
func numElements(shape []int64, limit int64) (int64, error) {
	n := int64(1)
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("shape %v has a non-positive dimension", shape)
		}
		if n > limit/d {
			return 0, fmt.Errorf("shape %v exceeds %d byte buffer", shape, limit)
		}
		n *= d
	}
	return n, nil
}

// EncodeCheckpoint serializes params as an F32 safetensors file, keys sorted.
func EncodeCheckpoint(params map[string]Param) ([]byte, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	header := make(map[string]tensorEntry, len(keys))
	var offset int64
	for _, k := range keys {
		p := params[k]
		if n, err := numElements(p.Shape, int64(len(p.Data))); err != nil || n != int64(len(p.Data)) {
			return nil, fmt.Errorf("tensor %q: shape %v does not match %d values", k, p.Shape, len(p.Data))
		}
		size := int64(len(p.Data)) * 4
		header[k] = tensorEntry{DType: "F32", Shape: p.Shape, DataOffsets: [2]int64{offset, offset + size}}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	// pad the header to 8 bytes as the format recommends
	for len(headerJSON)%8 != 0 {
		headerJSON = append(headerJSON, ' ')
	}

	out := make([]byte, 8, 8+len(headerJSON)+int(offset))
	binary.LittleEndian.PutUint64(out, uint64(len(headerJSON)))
	out = append(out, headerJSON...)
	for _, k := range keys {
		for _, v := range params[k].Data {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
		}
	}
	return out, nil
}

func WriteCheckpoint(path string, params map[string]Param) error {
	data, err := EncodeCheckpoint(params)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
