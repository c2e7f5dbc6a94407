// Package bootstrap wires configuration into loaded pipelines for the binaries.
package bootstrap

import (
	"fmt"

	"github.com/Brownie44l1/deepfake-api/internal/config"
	"github.com/Brownie44l1/deepfake-api/internal/logger"
	"github.com/Brownie44l1/deepfake-api/internal/model"
	"github.com/Brownie44l1/deepfake-api/internal/pipeline"
)

type Pipelines []*pipeline.Pipeline

// Get returns the pipeline for v, or nil.
func (ps Pipelines) Get(v pipeline.Variant) *pipeline.Pipeline {
	for _, p := range ps {
		if p.Variant() == v {
			return p
		}
	}
	return nil
}

func (ps Pipelines) Close() {
	for _, p := range ps {
		p.Close()
	}
}

// OpenPipelines loads every enabled variant. On error the ones already
// opened are closed.
func OpenPipelines(cfg *config.Config, log logger.Logger) (Pipelines, error) {
	return OpenVariants(cfg, log, cfg.EnabledVariants()...)
}

// OpenVariants loads only the named variants, each of which must be enabled.
func OpenVariants(cfg *config.Config, log logger.Logger, names ...string) (Pipelines, error) {
	runtime := model.RuntimeOptions{
		SharedLibraryPath: cfg.ONNX.LibraryPath,
		IntraOpThreads:    cfg.ONNX.IntraOpThreads,
	}

	var out Pipelines
	for _, name := range names {
		v, err := pipeline.ParseVariant(name)
		if err != nil {
			out.Close()
			return nil, err
		}
		vc, ok := cfg.Variants[name]
		if !ok || !vc.Enabled {
			out.Close()
			return nil, fmt.Errorf("variant %s is not enabled", name)
		}

		log.Info("bootstrap", "loading model", map[string]interface{}{
			"variant": name, "model": vc.Model, "weights": vc.Weights,
		})
		p, err := pipeline.Open(v, pipeline.OpenOptions{
			Paths:   model.Paths{Model: vc.Model, Metadata: vc.Metadata, Weights: vc.Weights},
			Runtime: runtime,
			Decoder: cfg.Decoder,
		}, log)
		if err != nil {
			out.Close()
			return nil, fmt.Errorf("variant %s: %w", name, err)
		}
		out = append(out, p)
	}
	return out, nil
}
