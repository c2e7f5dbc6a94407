// Package model wraps the frozen convolutional classifiers: an ONNX feature
// extractor plus a linear head loaded leniently from a checkpoint.
package model

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Brownie44l1/deepfake-api/internal/failure"
	"github.com/Brownie44l1/deepfake-api/internal/imaging"
	"github.com/Brownie44l1/deepfake-api/internal/logger"
)

var ErrScopeClosed = errors.New("gradient scope already closed")

type Paths struct {
	Model    string
	Metadata string
	Weights  string
}

// Classifier is shared, read-mostly state. Forward passes and gradient scopes
// are serialized by mu.
type Classifier struct {
	arch     Architecture
	backbone Backbone
	head     *LinearHead
	report   LoadReport

	mu sync.Mutex
}

// Open loads the checkpoint before anything else so a missing weights file
// fails with failure.ErrWeightsNotFound ahead of any runtime setup.
func Open(arch Architecture, paths Paths, opts RuntimeOptions, log logger.Logger) (*Classifier, error) {
	params, skipped, err := LoadCheckpoint(paths.Weights)
	if err != nil {
		return nil, err
	}

	backbone, err := NewONNXBackbone(paths.Model, paths.Metadata, opts)
	if err != nil {
		return nil, err
	}

	shape := backbone.Metadata.OutputShape
	if int(shape[1]) != arch.Channels {
		backbone.Close()
		return nil, fmt.Errorf("backbone %s emits %d channels, %s expects %d", paths.Model, shape[1], arch.Name, arch.Channels)
	}

	c := New(arch, backbone, params, log)
	c.report.Unsupported = skipped
	if len(skipped) > 0 {
		log.Warning("model", "checkpoint tensors with unsupported dtype ignored", map[string]interface{}{
			"arch": arch.Name, "keys": skipped,
		})
	}
	return c, nil
}

// New assembles a classifier from an already constructed backbone.
func New(arch Architecture, backbone Backbone, params map[string]Param, log logger.Logger) *Classifier {
	head := NewLinearHead(arch)
	report := head.LoadState(params)

	for _, m := range report.Mismatched {
		log.Warning("model", "checkpoint parameter shape mismatch, keeping default", map[string]interface{}{
			"arch": arch.Name, "key": m.Key, "want": m.Want, "got": m.Got,
		})
	}
	if len(report.Missing) > 0 {
		log.Warning("model", "checkpoint is missing parameters", map[string]interface{}{
			"arch": arch.Name, "keys": report.Missing,
		})
	}
	if len(report.Unexpected) > 0 {
		log.Debug("model", "checkpoint has unexpected parameters", map[string]interface{}{
			"arch": arch.Name, "count": len(report.Unexpected),
		})
	}
	log.Info("model", "classifier ready", map[string]interface{}{
		"arch": arch.Name, "loaded": report.Loaded,
	})

	return &Classifier{arch: arch, backbone: backbone, head: head, report: report}
}

func (c *Classifier) Architecture() Architecture { return c.arch }

func (c *Classifier) LoadReport() LoadReport { return c.report }

// Forward runs inference without retaining activations or gradients.
func (c *Classifier) Forward(ctx context.Context, in *imaging.Tensor) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	fm, err := c.backbone.Extract(in)
	if err != nil {
		return nil, wrapInference(err)
	}
	return c.head.Forward(fm)
}

// WithGradients runs fn inside a gradient scope. Capture works only while fn
// runs: on every exit path, panics included, the scope is closed and its
// tensors are released.
func (c *Classifier) WithGradients(ctx context.Context, fn func(*GradientScope) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	scope := &GradientScope{c: c}
	defer func() {
		scope.release()
		c.mu.Unlock()
	}()
	return fn(scope)
}

func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backbone.Close()
}

// GradientScope exposes activation and gradient capture for the final
// convolutional layer. It is only valid inside WithGradients.
type GradientScope struct {
	c           *Classifier
	closed      bool
	activations *FeatureMap
	gradients   *FeatureMap
}

// Forward runs the model and retains the final feature maps.
func (s *GradientScope) Forward(in *imaging.Tensor) ([]float32, error) {
	if s.closed {
		return nil, ErrScopeClosed
	}
	fm, err := s.c.backbone.Extract(in)
	if err != nil {
		return nil, wrapInference(err)
	}
	logits, err := s.c.head.Forward(fm)
	if err != nil {
		return nil, err
	}
	s.activations = fm
	s.gradients = nil
	return logits, nil
}

// Backward computes the gradient of logits[target] with respect to the
// retained feature maps.
func (s *GradientScope) Backward(target int) error {
	if s.closed {
		return ErrScopeClosed
	}
	if s.activations == nil {
		return fmt.Errorf("%w: backward called before forward", failure.ErrInference)
	}
	grad, err := s.c.head.Backward(s.activations, target)
	if err != nil {
		return err
	}
	s.gradients = grad
	return nil
}

func (s *GradientScope) Activations() *FeatureMap { return s.activations }

func (s *GradientScope) Gradients() *FeatureMap { return s.gradients }

func (s *GradientScope) release() {
	s.closed = true
	s.activations = nil
	s.gradients = nil
}

func wrapInference(err error) error {
	if errors.Is(err, failure.ErrInference) {
		return err
	}
	return fmt.Errorf("%w: %v", failure.ErrInference, err)
}
