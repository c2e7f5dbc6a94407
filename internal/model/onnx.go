package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/Brownie44l1/deepfake-api/internal/failure"
	"github.com/Brownie44l1/deepfake-api/internal/imaging"
	ort "github.com/yalue/onnxruntime_go"
)

// Backbone produces the final convolutional feature maps for one input tensor.
type Backbone interface {
	Extract(in *imaging.Tensor) (*FeatureMap, error)
	Close() error
}

type RuntimeOptions struct {
	// SharedLibraryPath points at libonnxruntime; empty uses the platform default.
	SharedLibraryPath string
	IntraOpThreads    int
}

// InitRuntime prepares the process-wide ONNX environment. Safe to call more than once.
func InitRuntime(opts RuntimeOptions) error {
	if ort.IsInitialized() {
		return nil
	}
	if opts.SharedLibraryPath != "" {
		ort.SetSharedLibraryPath(opts.SharedLibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

func DestroyRuntime() {
	if ort.IsInitialized() {
		ort.DestroyEnvironment()
	}
}

// ONNXBackbone runs a frozen feature extractor exported to ONNX. Input and
// output tensors are bound once, so callers must serialize Extract.
type ONNXBackbone struct {
	session      *ort.AdvancedSession
	Metadata     Metadata
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

func ReadMetadata(path string) (Metadata, error) {
	metaFile, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Metadata{}, fmt.Errorf("metadata %s: %w", path, failure.ErrNotFound)
		}
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	metadata.applyDefaults()
	if err := metadata.validate(); err != nil {
		return Metadata{}, fmt.Errorf("invalid metadata %s: %w", path, err)
	}
	return metadata, nil
}

func NewONNXBackbone(modelPath, metadataPath string, opts RuntimeOptions) (*ONNXBackbone, error) {
	if _, err := os.Stat(modelPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("model %s: %w", modelPath, failure.ErrNotFound)
		}
		return nil, fmt.Errorf("stat model: %w", err)
	}

	metadata, err := ReadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}

	if err := InitRuntime(opts); err != nil {
		return nil, err
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer sessionOpts.Destroy()
	if opts.IntraOpThreads > 0 {
		if err := sessionOpts.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			inputTensor.Destroy()
			outputTensor.Destroy()
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		sessionOpts)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXBackbone{
		session:      session,
		Metadata:     metadata,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

func (b *ONNXBackbone) Extract(in *imaging.Tensor) (*FeatureMap, error) {
	dst := b.inputTensor.GetData()
	if len(in.Data) != len(dst) {
		return nil, fmt.Errorf("%w: expected %d input values, got %d", failure.ErrInference, len(dst), len(in.Data))
	}
	copy(dst, in.Data)

	if err := b.session.Run(); err != nil {
		return nil, fmt.Errorf("%w: %v", failure.ErrInference, err)
	}

	shape := b.Metadata.OutputShape
	fm := NewFeatureMap(int(shape[1]), int(shape[2]), int(shape[3]))
	copy(fm.Data, b.outputTensor.GetData())
	return fm, nil
}

func (b *ONNXBackbone) Close() error {
	if b.inputTensor != nil {
		b.inputTensor.Destroy()
	}
	if b.outputTensor != nil {
		b.outputTensor.Destroy()
	}
	if b.session != nil {
		b.session.Destroy()
	}
	return nil
}
