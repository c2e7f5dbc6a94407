package bootstrap

import (
	"path/filepath"
	"testing"

	"github.com/Brownie44l1/deepfake-api/internal/config"
	"github.com/Brownie44l1/deepfake-api/internal/failure"
	"github.com/Brownie44l1/deepfake-api/internal/logger"
	"github.com/Brownie44l1/deepfake-api/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenPipelinesMissingWeights(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Variants = map[string]config.VariantConfig{
		"binary": {
			Enabled:  true,
			Model:    filepath.Join(dir, "b0.onnx"),
			Metadata: filepath.Join(dir, "b0.json"),
			Weights:  filepath.Join(dir, "best_model.safetensors"),
		},
	}

	ps, err := OpenPipelines(cfg, logger.Nop())
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrWeightsNotFound)
	assert.Nil(t, ps)
}

func TestOpenVariantsLoadsOnlyNamed(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	for name, vc := range cfg.Variants {
		vc.Weights = filepath.Join(dir, name+".safetensors")
		cfg.Variants[name] = vc
	}

	// binary sorts first, so an error naming saliency means binary was skipped
	_, err := OpenVariants(cfg, logger.Nop(), "saliency")
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrWeightsNotFound)
	assert.Contains(t, err.Error(), "variant saliency")
	assert.NotContains(t, err.Error(), "variant binary")

	ps, err := OpenVariants(cfg, logger.Nop())
	require.NoError(t, err)
	assert.Empty(t, ps)
}

func TestOpenVariantsRejectsDisabledAndUnknown(t *testing.T) {
	cfg := config.Default()
	vc := cfg.Variants["binary"]
	vc.Enabled = false
	cfg.Variants["binary"] = vc

	_, err := OpenVariants(cfg, logger.Nop(), "binary")
	assert.EqualError(t, err, "variant binary is not enabled")

	_, err = OpenVariants(cfg, logger.Nop(), "ensemble")
	assert.Error(t, err)
}

func TestPipelinesGetEmpty(t *testing.T) {
	var ps Pipelines
	assert.Nil(t, ps.Get(pipeline.VariantSaliency))
	ps.Close()
}
