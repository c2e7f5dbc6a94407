package model_test

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Brownie44l1/deepfake-api/internal/failure"
	"github.com/Brownie44l1/deepfake-api/internal/imaging"
	"github.com/Brownie44l1/deepfake-api/internal/logger"
	"github.com/Brownie44l1/deepfake-api/internal/model"
	"github.com/Brownie44l1/deepfake-api/internal/model/modeltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tinyArch = model.Architecture{
	Name:       "tiny",
	Channels:   3,
	NumClasses: 2,
	WeightKey:  "classifier.1.weight",
	BiasKey:    "classifier.1.bias",
}

func grayTensor(size int) *imaging.Tensor {
	img := imaging.NewRGBImage(size, size)
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	return imaging.Normalize(img)
}

func TestCheckpointRoundTrip(t *testing.T) {
	params := map[string]model.Param{
		"classifier.1.weight": {Shape: []int64{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
		"classifier.1.bias":   {Shape: []int64{2}, Data: []float32{-1, 1}},
	}
	path := filepath.Join(t.TempDir(), "head.safetensors")
	require.NoError(t, model.WriteCheckpoint(path, params))

	got, skipped, err := model.LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Empty(t, skipped)
	assert.Equal(t, params, got)
}

func TestCheckpointNestedStateDict(t *testing.T) {
	raw, err := model.EncodeCheckpoint(map[string]model.Param{
		"model_state_dict.classifier.1.bias": {Shape: []int64{2}, Data: []float32{0.5, -0.5}},
		"epoch":                              {Shape: []int64{1}, Data: []float32{12}},
	})
	require.NoError(t, err)

	params, _, err := model.ParseCheckpoint(raw)
	require.NoError(t, err)
	require.Contains(t, params, "classifier.1.bias")
	assert.NotContains(t, params, "epoch")
	assert.Equal(t, []float32{0.5, -0.5}, params["classifier.1.bias"].Data)
}

func rawCheckpoint(header string, body []byte) []byte {
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint64(raw, uint64(len(header)))
	raw = append(raw, header...)
	return append(raw, body...)
}

func TestCheckpointSkipsUnsupportedDType(t *testing.T) {
	raw := rawCheckpoint(`{"__metadata__":{"format":"pt"},"w":{"dtype":"F16","shape":[2],"data_offsets":[0,4]}}`, []byte{0, 0, 0, 0})

	params, skipped, err := model.ParseCheckpoint(raw)
	require.NoError(t, err)
	assert.Empty(t, params)
	assert.Equal(t, []string{"w"}, skipped)
}

func TestCheckpointErrors(t *testing.T) {
	_, _, err := model.LoadCheckpoint(filepath.Join(t.TempDir(), "missing.safetensors"))
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrWeightsNotFound)
	assert.ErrorIs(t, err, failure.ErrNotFound)

	_, _, err = model.ParseCheckpoint([]byte{1, 2})
	assert.Error(t, err)

	bad := make([]byte, 8)
	binary.LittleEndian.PutUint64(bad, 1<<40)
	_, _, err = model.ParseCheckpoint(bad)
	assert.Error(t, err)
}

func TestCheckpointRejectsImpossibleShapes(t *testing.T) {
	tests := []struct {
		name  string
		shape string
	}{
		{"overflowing", "[4611686018427387905]"},
		{"overflowing product", "[4294967296,4294967297]"},
		{"zero dim", "[0,1]"},
		{"negative dim", "[-1]"},
		{"larger than buffer", "[2]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := `{"w":{"dtype":"F32","shape":` + tt.shape + `,"data_offsets":[0,4]}}`
			require.NotPanics(t, func() {
				_, _, err := model.ParseCheckpoint(rawCheckpoint(header, []byte{0, 0, 0, 0}))
				assert.Error(t, err)
			})
		})
	}
}

func TestLinearHeadLenientLoad(t *testing.T) {
	head := model.NewLinearHead(tinyArch)
	report := head.LoadState(map[string]model.Param{
		"classifier.1.weight": {Shape: []int64{1000, 3}, Data: make([]float32, 3000)},
		"classifier.1.bias":   {Shape: []int64{2}, Data: []float32{0.25, 0.75}},
		"features.0.0.weight": {Shape: []int64{1}, Data: []float32{1}},
	})

	assert.False(t, report.Clean())
	assert.Equal(t, []string{"classifier.1.bias"}, report.Loaded)
	assert.Equal(t, []string{"features.0.0.weight"}, report.Unexpected)
	require.Len(t, report.Mismatched, 1)
	assert.Equal(t, "classifier.1.weight", report.Mismatched[0].Key)
	assert.Equal(t, failure.KindShapeMismatch, failure.KindOf(report.Mismatched[0]))
	assert.Equal(t, []float32{0, 0, 0, 0, 0, 0}, head.Weight)
	assert.Equal(t, []float32{0.25, 0.75}, head.Bias)

	empty := model.NewLinearHead(tinyArch).LoadState(nil)
	assert.Equal(t, []string{"classifier.1.bias", "classifier.1.weight"}, empty.Missing)
}

func TestLinearHeadForwardAndBackward(t *testing.T) {
	head := model.NewLinearHead(tinyArch)
	head.LoadState(map[string]model.Param{
		"classifier.1.weight": {Shape: []int64{2, 3}, Data: []float32{1, 0, -1, 0.5, 0.5, 0.5}},
		"classifier.1.bias":   {Shape: []int64{2}, Data: []float32{0.1, -0.1}},
	})

	fm := model.NewFeatureMap(3, 2, 2)
	for i := range fm.Plane(0) {
		fm.Plane(0)[i] = 2
		fm.Plane(1)[i] = float32(i) // mean 1.5
		fm.Plane(2)[i] = 1
	}

	logits, err := head.Forward(fm)
	require.NoError(t, err)
	assert.InDelta(t, 0.1+2-1, logits[0], 1e-6)
	assert.InDelta(t, -0.1+0.5*(2+1.5+1), logits[1], 1e-6)

	grad, err := head.Backward(fm, 0)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		assert.InDelta(t, 0.25, grad.Plane(0)[i], 1e-7)
		assert.InDelta(t, 0, grad.Plane(1)[i], 1e-7)
		assert.InDelta(t, -0.25, grad.Plane(2)[i], 1e-7)
	}

	_, err = head.Backward(fm, 5)
	assert.ErrorIs(t, err, failure.ErrInference)

	_, err = head.Forward(model.NewFeatureMap(4, 2, 2))
	assert.ErrorIs(t, err, failure.ErrInference)
}

func TestClassifierForward(t *testing.T) {
	backbone := &modeltest.Backbone{Channels: 3, Grid: 7}
	params := modeltest.HeadParams(tinyArch, func(k, c int) float32 { return float32(k - c) })
	clf := model.New(tinyArch, backbone, params, logger.Nop())
	assert.True(t, clf.LoadReport().Clean())

	logits, err := clf.Forward(context.Background(), grayTensor(224))
	require.NoError(t, err)
	assert.Len(t, logits, 2)
	assert.EqualValues(t, 1, backbone.Calls())

	require.NoError(t, clf.Close())
	assert.True(t, backbone.Closed())
}

func TestClassifierForwardWrapsBackboneErrors(t *testing.T) {
	backbone := &modeltest.Backbone{Channels: 3, Err: errors.New("session run failed")}
	clf := model.New(tinyArch, backbone, nil, logger.Nop())

	_, err := clf.Forward(context.Background(), grayTensor(32))
	require.Error(t, err)
	assert.Equal(t, failure.KindInference, failure.KindOf(err))
}

func TestClassifierForwardHonoursCancelledContext(t *testing.T) {
	backbone := &modeltest.Backbone{Channels: 3}
	clf := model.New(tinyArch, backbone, nil, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := clf.Forward(ctx, grayTensor(32))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, backbone.Calls())
}

func TestGradientScopeReleasesState(t *testing.T) {
	backbone := &modeltest.Backbone{Channels: 3, Grid: 4}
	params := modeltest.HeadParams(tinyArch, func(k, c int) float32 { return 1 })
	clf := model.New(tinyArch, backbone, params, logger.Nop())

	var leaked *model.GradientScope
	err := clf.WithGradients(context.Background(), func(s *model.GradientScope) error {
		leaked = s
		assert.ErrorIs(t, s.Backward(0), failure.ErrInference)

		_, err := s.Forward(grayTensor(32))
		require.NoError(t, err)
		require.NoError(t, s.Backward(1))
		assert.NotNil(t, s.Activations())
		assert.NotNil(t, s.Gradients())
		return nil
	})
	require.NoError(t, err)

	assert.Nil(t, leaked.Activations())
	assert.Nil(t, leaked.Gradients())
	_, err = leaked.Forward(grayTensor(32))
	assert.ErrorIs(t, err, model.ErrScopeClosed)
	assert.ErrorIs(t, leaked.Backward(0), model.ErrScopeClosed)

	// the lock was released, so plain inference proceeds
	_, err = clf.Forward(context.Background(), grayTensor(32))
	assert.NoError(t, err)

	// capture state lives on the scope; a new scope starts empty and the
	// leaked one stays closed
	err = clf.WithGradients(context.Background(), func(s *model.GradientScope) error {
		assert.Nil(t, s.Activations())
		_, err := s.Forward(grayTensor(32))
		require.NoError(t, err)
		_, err = leaked.Forward(grayTensor(32))
		assert.ErrorIs(t, err, model.ErrScopeClosed)
		return s.Backward(0)
	})
	assert.NoError(t, err)
}

func TestGradientScopeReleasesOnFailure(t *testing.T) {
	clf := model.New(tinyArch, &modeltest.Backbone{Channels: 3}, nil, logger.Nop())
	boom := errors.New("boom")

	err := clf.WithGradients(context.Background(), func(s *model.GradientScope) error {
		_, _ = s.Forward(grayTensor(32))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assert.Panics(t, func() {
		_ = clf.WithGradients(context.Background(), func(*model.GradientScope) error { panic("backward exploded") })
	})

	_, err = clf.Forward(context.Background(), grayTensor(32))
	assert.NoError(t, err)
}

func TestOpenMissingWeightsFailsFirst(t *testing.T) {
	dir := t.TempDir()
	// the ONNX files are missing too; the weights check must win
	_, err := model.Open(model.EfficientNetB0Binary, model.Paths{
		Model:    filepath.Join(dir, "backbone.onnx"),
		Metadata: filepath.Join(dir, "backbone.json"),
		Weights:  filepath.Join(dir, "best_model.safetensors"),
	}, model.RuntimeOptions{}, logger.Nop())

	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrWeightsNotFound)
}

func TestOpenMissingModelIsNotFound(t *testing.T) {
	dir := t.TempDir()
	weights := filepath.Join(dir, "w.safetensors")
	require.NoError(t, model.WriteCheckpoint(weights, nil))

	_, err := model.Open(model.EfficientNetB0Binary, model.Paths{
		Model:    filepath.Join(dir, "backbone.onnx"),
		Metadata: filepath.Join(dir, "backbone.json"),
		Weights:  weights,
	}, model.RuntimeOptions{}, logger.Nop())

	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrNotFound)
	assert.NotErrorIs(t, err, failure.ErrWeightsNotFound)
}

func TestReadMetadata(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	require.NoError(t, os.WriteFile(good, []byte(`{
		"architecture": "efficientnet_b0-binary",
		"input_shape": [1, 3, 224, 224],
		"output_shape": [1, 1280, 7, 7],
		"image_size": 224
	}`), 0644))

	meta, err := model.ReadMetadata(good)
	require.NoError(t, err)
	assert.Equal(t, "input", meta.InputName)
	assert.Equal(t, "features", meta.OutputName)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"input_shape": [1, 224, 224], "output_shape": [1, 1280, 7, 7]}`), 0644))
	_, err = model.ReadMetadata(bad)
	assert.Error(t, err)

	_, err = model.ReadMetadata(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, failure.ErrNotFound)
}
