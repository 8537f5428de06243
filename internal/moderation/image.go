package moderation

import (
	"bytes"
	"context"
	"image"
	"strings"

	"github.com/safechat/safechat/internal/metrics"

	// Registered so image.DecodeConfig recognizes the formats clients
	// actually send.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// ImageConfig holds the tunable parameters of the image pipeline.
type ImageConfig struct {
	// Threshold is the minimum classifier score for an explicit label to
	// flag the image.
	Threshold float64

	// MinWidth / MinHeight mark suspiciously tiny images (tracking
	// pixels, degenerate uploads).
	MinWidth  int
	MinHeight int

	// MaxAspectRatio marks extreme banner-like shapes in either
	// orientation.
	MaxAspectRatio float64
}

// DefaultImageConfig returns the standard image pipeline tuning.
func DefaultImageConfig() ImageConfig {
	return ImageConfig{
		Threshold:      0.5,
		MinWidth:       8,
		MinHeight:      8,
		MaxAspectRatio: 20,
	}
}

// ImagePipeline moderates encoded images: it decodes dimensions and
// format for cheap heuristic property checks, then hands the bytes to the
// image classifier. A classifier failure degrades gracefully to
// heuristic-only results; the pipeline never returns an error.
type ImagePipeline struct {
	classifier ImageClassifier
	config     ImageConfig
}

// NewImagePipeline assembles an image pipeline. The classifier may be
// nil, degrading the pipeline to heuristics only.
func NewImagePipeline(classifier ImageClassifier, config ImageConfig) *ImagePipeline {
	return &ImagePipeline{classifier: classifier, config: config}
}

// Moderate runs heuristic checks and classification over the encoded
// image. Media verdicts carry the unknown language tag since no
// normalization applies.
func (p *ImagePipeline) Moderate(ctx context.Context, data []byte) Verdict {
	var flags []Flag

	if flag, ok := p.checkProperties(data); ok {
		flags = append(flags, flag)
	}

	result := p.classify(ctx, data)
	flags = append(flags, result.Flags...)

	if len(flags) == 0 {
		return clean(LangUnknown)
	}
	return flagged(flags, LangUnknown)
}

// checkProperties decodes the image header and reports one heuristic flag
// when the dimensions look anomalous. Undecodable input contributes
// nothing; the classifier stage still sees the raw bytes.
func (p *ImagePipeline) checkProperties(data []byte) (Flag, bool) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Flag{}, false
	}

	anomalous := cfg.Width < p.config.MinWidth || cfg.Height < p.config.MinHeight
	if !anomalous && cfg.Width > 0 && cfg.Height > 0 {
		ratio := float64(cfg.Width) / float64(cfg.Height)
		if ratio < 1 {
			ratio = 1 / ratio
		}
		anomalous = ratio > p.config.MaxAspectRatio
	}

	if !anomalous {
		return Flag{}, false
	}
	return Flag{
		Kind:  FlagHeuristic,
		Label: "image_properties",
		Score: 1.0,
	}, true
}

// classify runs the image classifier stage. Errors make the stage
// unavailable (fail-open).
func (p *ImagePipeline) classify(ctx context.Context, data []byte) StageResult {
	if p.classifier == nil {
		metrics.ModerationUnavailable.WithLabelValues("image_classifier").Inc()
		return StageResult{Status: StageUnavailable}
	}

	predictions, err := p.classifier.ClassifyImage(ctx, data)
	if err != nil {
		metrics.ModerationUnavailable.WithLabelValues("image_classifier").Inc()
		return StageResult{Status: StageUnavailable, Err: err}
	}

	var flags []Flag
	for _, pred := range predictions {
		label := strings.ToLower(pred.Label)
		if !ImageToxicLabels[label] || pred.Score < p.config.Threshold {
			continue
		}
		flags = append(flags, Flag{
			Kind:  FlagMLModel,
			Label: label,
			Score: pred.Score,
		})
	}

	if len(flags) == 0 {
		return StageResult{Status: StageClean}
	}
	return StageResult{Status: StageFlagged, Flags: flags}
}
