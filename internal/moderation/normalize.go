package moderation

import (
	"context"
	"log"

	"github.com/safechat/safechat/internal/metrics"
)

// Translator is the external translation capability: it rewrites
// arbitrary-language input into the canonical language used for downstream
// matching. Implementations are expected to be fallible; the Normalizer
// fails open on any error.
type Translator interface {
	Translate(ctx context.Context, text string) (string, error)
}

// Normalizer translates input to the canonical language and reports
// whether translation changed anything. The language tag it produces is
// deliberately coarse: exact detection is not required, only "did
// normalization change the text".
type Normalizer struct {
	translator Translator
}

// NewNormalizer wraps the given translation capability. A nil translator
// is allowed; normalization then always reports LangError and passes the
// original text through.
func NewNormalizer(translator Translator) *Normalizer {
	return &Normalizer{translator: translator}
}

// Normalize returns the normalized text and a language tag. On translator
// error the original text comes back unchanged with LangError so that
// downstream keyword and model checks still run against it.
func (n *Normalizer) Normalize(ctx context.Context, text string) (string, Language) {
	if n.translator == nil {
		metrics.ModerationUnavailable.WithLabelValues("normalizer").Inc()
		return text, LangError
	}

	translated, err := n.translator.Translate(ctx, text)
	if err != nil {
		log.Printf("[moderation] normalize failed, continuing with original text: %v", err)
		metrics.ModerationUnavailable.WithLabelValues("normalizer").Inc()
		return text, LangError
	}

	if translated == text {
		return text, LangEnglish
	}
	return translated, LangNonEnglish
}
