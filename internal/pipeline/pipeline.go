// Package pipeline runs an image end to end: decode, normalize, classify and,
// for the saliency variant, attribute, re-score and render an overlay.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Brownie44l1/deepfake-api/internal/imaging"
	"github.com/Brownie44l1/deepfake-api/internal/logger"
	"github.com/Brownie44l1/deepfake-api/internal/model"
	"github.com/Brownie44l1/deepfake-api/internal/overlay"
	"github.com/Brownie44l1/deepfake-api/internal/saliency"
)

// Input is one image to analyze. Bytes takes precedence over Path. When
// OverlayPath is set the saliency variant writes its overlay there.
type Input struct {
	Bytes       []byte
	Path        string
	OverlayPath string
}

type Result struct {
	Variant Variant
	// Label is "Real" or "Fake". For the saliency variant it comes from the
	// area rule, not from the classifier.
	Label string
	// Confidence is a percentage for the binary variant and a probability in
	// [0,1] for the saliency variant.
	Confidence float64
	ClassIndex int

	// Saliency variant only.
	HeuristicLabel           string
	SuspiciousAreaPercentage float64
	SuspiciousPixels         int
	Overlay                  *imaging.RGBImage
	OverlayWritten           bool

	Width, Height int
	Format        string
}

// Pipeline is safe for concurrent use; model passes are serialized by the classifier.
type Pipeline struct {
	cfg     Config
	decoder imaging.Decoder
	clf     *model.Classifier
	log     logger.Logger
}

func New(cfg Config, clf *model.Classifier, decoder imaging.Decoder, log logger.Logger) (*Pipeline, error) {
	if clf.Architecture().Name != cfg.Architecture.Name {
		return nil, fmt.Errorf("variant %s needs %s, classifier is %s", cfg.Variant, cfg.Architecture.Name, clf.Architecture().Name)
	}
	if decoder == nil {
		decoder = imaging.NativeDecoder{}
	}
	return &Pipeline{cfg: cfg, decoder: decoder, clf: clf, log: log}, nil
}

type OpenOptions struct {
	Paths   model.Paths
	Runtime model.RuntimeOptions
	Decoder string
}

// Open loads the classifier for v. A missing checkpoint fails with
// failure.ErrWeightsNotFound before the backbone is touched.
func Open(v Variant, opts OpenOptions, log logger.Logger) (*Pipeline, error) {
	cfg, err := Preset(v)
	if err != nil {
		return nil, err
	}
	decoder, err := imaging.NewDecoder(opts.Decoder)
	if err != nil {
		return nil, err
	}

	clf, err := model.Open(cfg.Architecture, opts.Paths, opts.Runtime, log)
	if err != nil {
		return nil, fmt.Errorf("open %s classifier: %w", v, err)
	}

	meta, err := model.ReadMetadata(opts.Paths.Metadata)
	if err == nil && (meta.InputShape[2] != int64(cfg.InputSize) || meta.InputShape[3] != int64(cfg.InputSize)) {
		err = fmt.Errorf("backbone input %v does not match %dx%d", meta.InputShape, cfg.InputSize, cfg.InputSize)
	}
	if err != nil {
		clf.Close()
		return nil, fmt.Errorf("open %s classifier: %w", v, err)
	}

	return New(cfg, clf, decoder, log)
}

func (p *Pipeline) Config() Config { return p.cfg }

func (p *Pipeline) Variant() Variant { return p.cfg.Variant }

func (p *Pipeline) Close() error { return p.clf.Close() }

func (p *Pipeline) Run(ctx context.Context, in Input) (*Result, error) {
	start := time.Now()

	raw := in.Bytes
	if raw == nil {
		if in.Path == "" {
			return nil, errors.New("input has neither bytes nor a path")
		}
		var err error
		if raw, err = imaging.ReadFile(in.Path); err != nil {
			return nil, err
		}
	}

	img, format, err := p.decoder.Decode(raw)
	if err != nil {
		return nil, err
	}
	tensor := imaging.Prepare(img, p.cfg.InputSize)

	logits, err := p.clf.Forward(ctx, tensor)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Variant: p.cfg.Variant,
		Width:   img.Width,
		Height:  img.Height,
		Format:  format,
	}

	if !p.cfg.Saliency {
		pred := p.cfg.ClassIndex.Decide(logits)
		res.Label = pred.Label
		res.Confidence = pred.Confidence
		res.ClassIndex = pred.Index
	} else if err := p.runSaliency(ctx, img, tensor, logits, in.OverlayPath, res); err != nil {
		return nil, err
	}

	p.log.Info("pipeline", "image analyzed", map[string]interface{}{
		"variant":    p.cfg.Variant,
		"label":      res.Label,
		"confidence": res.Confidence,
		"width":      res.Width,
		"height":     res.Height,
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
	return res, nil
}

func (p *Pipeline) runSaliency(ctx context.Context, img *imaging.RGBImage, tensor *imaging.Tensor, logits []float32, overlayPath string, res *Result) error {
	pred := p.cfg.Threshold.Decide(logits)
	res.Confidence = pred.Confidence
	res.ClassIndex = pred.Index
	res.HeuristicLabel = pred.Label

	sal, err := saliency.Compute(ctx, p.clf, tensor, pred.Index, img.Width, img.Height)
	if err != nil {
		return err
	}
	region := saliency.Classify(sal.Map, p.cfg.Region)
	res.Label = region.Label
	res.SuspiciousAreaPercentage = region.Percentage
	res.SuspiciousPixels = region.Suspicious

	tinted, err := overlay.Render(img, region.Mask, p.cfg.Overlay)
	if err != nil {
		return err
	}
	res.Overlay = tinted

	if overlayPath == "" {
		return nil
	}
	if err := overlay.WriteFile(overlayPath, tinted); err != nil {
		// the verdict stands without the diagnostic image
		p.log.Error("pipeline", err, map[string]interface{}{"overlay_path": overlayPath})
		return nil
	}
	res.OverlayWritten = true
	p.log.Debug("pipeline", "overlay written", map[string]interface{}{
		"overlay_path": overlayPath, "suspicious_pixels": region.Suspicious,
	})
	return nil
}
