// Package moderation implements the layered content moderation pipeline:
// a lexical keyword filter, a language normalizer, and probabilistic
// classifier adapters, composed per content type (text, image, audio,
// video). Every stage fails open: an unavailable dependency means fewer
// positives, never a blocked pipeline.
package moderation

import "fmt"

// FlagKind identifies which class of detector produced a Flag.
type FlagKind string

const (
	// FlagKeywordMatch is a lexical blocklist hit.
	FlagKeywordMatch FlagKind = "keyword_match"

	// FlagMLModel is a probabilistic classifier detection.
	FlagMLModel FlagKind = "ml_model"

	// FlagHeuristic is a cheap structural property check (image
	// dimension/aspect anomalies).
	FlagHeuristic FlagKind = "heuristic"
)

// Language tags describe what the Language Normalizer learned about the
// input. The detection is intentionally coarse: it only records whether
// normalization changed anything, or why it could not run.
type Language string

const (
	// LangOriginalMatch means the raw input was flagged before any
	// normalization was attempted.
	LangOriginalMatch Language = "original_match"

	// LangNonEnglish means normalization changed the text, so the input
	// was in some non-canonical language.
	LangNonEnglish Language = "detected_non_english"

	// LangEnglish means normalization returned the text unchanged.
	LangEnglish Language = "en"

	// LangUnknown is used for non-text content where no normalization
	// applies.
	LangUnknown Language = "unknown"

	// LangError means the translation capability was unavailable or
	// errored; downstream checks ran against the original text.
	LangError Language = "error"
)

// MaxMatchedTerms caps how many distinct matched terms a keyword Flag
// reports.
const MaxMatchedTerms = 3

// Flag is one detection reported by one pipeline stage.
type Flag struct {
	Kind  FlagKind `json:"kind"`
	Label string   `json:"label"`
	Score float64  `json:"score"`

	// MatchedTerms holds up to MaxMatchedTerms distinct terms that hit,
	// original casing preserved. Only set for keyword matches.
	MatchedTerms []string `json:"matched_terms,omitempty"`
}

// Verdict is the immutable result of running one piece of content through
// the pipeline. Flags are in detection order; the first flag is the
// primary one used for user-facing reason strings. If Flagged is false,
// Flags is empty.
type Verdict struct {
	Flagged          bool     `json:"is_flagged"`
	Flags            []Flag   `json:"flags"`
	OriginalLanguage Language `json:"original_language"`

	// TranslatedText is set only when the content was flagged on its
	// translated form.
	TranslatedText string `json:"translated_text,omitempty"`
}

// Primary returns the first flag (the one used for user-facing reasons)
// and whether any flag exists.
func (v Verdict) Primary() (Flag, bool) {
	if len(v.Flags) == 0 {
		return Flag{}, false
	}
	return v.Flags[0], true
}

// Reason builds the user-facing rejection reason from the primary flag.
// Returns an empty string for clean verdicts.
func (v Verdict) Reason() string {
	primary, ok := v.Primary()
	if !ok {
		return ""
	}
	return fmt.Sprintf("Blocked: %s", primary.Label)
}

// clean returns an unflagged verdict carrying the given language tag.
func clean(lang Language) Verdict {
	return Verdict{OriginalLanguage: lang}
}

// flagged returns a flagged verdict from the given flags and language tag.
func flagged(flags []Flag, lang Language) Verdict {
	return Verdict{Flagged: true, Flags: flags, OriginalLanguage: lang}
}
