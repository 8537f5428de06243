package moderation

import (
	"context"
	"strings"

	"github.com/safechat/safechat/internal/metrics"
)

// TextConfig holds the tunable parameters of the text pipeline. The
// numeric defaults are starting points, not load-bearing requirements.
type TextConfig struct {
	// Threshold is the minimum classifier score for a toxic label to
	// flag the content.
	Threshold float64

	// MaxClassifyChars bounds the text handed to the classifier so a
	// long message cannot inflate inference latency.
	MaxClassifyChars int
}

// DefaultTextConfig returns the standard text pipeline tuning.
func DefaultTextConfig() TextConfig {
	return TextConfig{
		Threshold:        0.5,
		MaxClassifyChars: 512,
	}
}

// TextPipeline runs text through keyword pre-check, language
// normalization, keyword post-check, and probabilistic classification, in
// that order, short-circuiting on the first flag. The keyword pre-check
// catches native-language slurs the translator would paraphrase away; the
// post-check catches slurs obfuscated through another language; the model
// is the most expensive and most error-prone stage and runs last, only on
// content that survived the cheap stages.
type TextPipeline struct {
	filter     *LexicalFilter
	normalizer *Normalizer
	classifier TextClassifier
	config     TextConfig
}

// NewTextPipeline assembles a text pipeline. The classifier may be nil,
// in which case the classification stage always reports unavailable.
func NewTextPipeline(filter *LexicalFilter, normalizer *Normalizer, classifier TextClassifier, config TextConfig) *TextPipeline {
	return &TextPipeline{
		filter:     filter,
		normalizer: normalizer,
		classifier: classifier,
		config:     config,
	}
}

// Moderate runs the full text pipeline. extraTerms is the dynamic,
// administrator-editable blocklist supplied per call. The returned
// Verdict is immutable; callers must not modify its flag slice.
func (p *TextPipeline) Moderate(ctx context.Context, text string, extraTerms []string) Verdict {
	// Stage 1: keyword pre-check on the raw input.
	if flags := p.filter.Check(text, extraTerms); len(flags) > 0 {
		return flagged(flags, LangOriginalMatch)
	}

	// Stage 2: normalize. Always proceeds, even on translator error.
	normalized, lang := p.normalizer.Normalize(ctx, text)

	// Stage 3: keyword post-check on the normalized text.
	if flags := p.filter.Check(normalized, extraTerms); len(flags) > 0 {
		v := flagged(flags, lang)
		if lang != LangEnglish {
			v.TranslatedText = normalized
		}
		return v
	}

	// Stage 4: classify the normalized text.
	result := p.classify(ctx, normalized)
	if result.Status == StageFlagged {
		v := flagged(result.Flags, lang)
		if lang == LangNonEnglish {
			v.TranslatedText = normalized
		}
		return v
	}

	return clean(lang)
}

// classify runs the classifier stage over text, truncated to the
// configured bound. Classifier errors make the stage unavailable
// (fail-open); every toxic label at or above the threshold contributes
// one flag.
func (p *TextPipeline) classify(ctx context.Context, text string) StageResult {
	if p.classifier == nil {
		metrics.ModerationUnavailable.WithLabelValues("text_classifier").Inc()
		return StageResult{Status: StageUnavailable}
	}

	predictions, err := p.classifier.ClassifyText(ctx, truncateRunes(text, p.config.MaxClassifyChars))
	if err != nil {
		metrics.ModerationUnavailable.WithLabelValues("text_classifier").Inc()
		return StageResult{Status: StageUnavailable, Err: err}
	}

	var flags []Flag
	for _, pred := range predictions {
		label := strings.ToLower(pred.Label)
		if !TextToxicLabels[label] || pred.Score < p.config.Threshold {
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

// truncateRunes cuts s to at most n runes without splitting a multi-byte
// character.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
