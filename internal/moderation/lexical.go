package moderation

import (
	"fmt"
	"regexp"
	"strings"
)

// termPattern is one compiled blocklist entry.
type termPattern struct {
	term     string
	category string
	re       *regexp.Regexp
}

// LexicalFilter matches text against a static blocklist plus per-call
// extra terms. Every term is wrapped to match whole words,
// case-insensitively. The filter is read-only after construction and safe
// for concurrent use; extra terms are supplied per call and never merged
// into the static set.
type LexicalFilter struct {
	static []termPattern
}

// compileTerm builds the whole-word, case-insensitive pattern for a term.
// Terms are quoted, so arbitrary administrator input can never produce an
// invalid pattern at runtime.
func compileTerm(term string) (*regexp.Regexp, error) {
	trimmed := strings.TrimSpace(term)
	if trimmed == "" {
		return nil, fmt.Errorf("moderation: empty blocklist term")
	}
	return regexp.Compile(`(?i)\b` + regexp.QuoteMeta(trimmed) + `\b`)
}

// NewLexicalFilter compiles the given static blocklist. A term that fails
// to compile is a configuration error and aborts construction.
func NewLexicalFilter(terms []BlockedTerm) (*LexicalFilter, error) {
	static := make([]termPattern, 0, len(terms))
	for _, bt := range terms {
		re, err := compileTerm(bt.Term)
		if err != nil {
			return nil, fmt.Errorf("moderation: blocklist term %q: %w", bt.Term, err)
		}
		static = append(static, termPattern{term: bt.Term, category: bt.Category, re: re})
	}
	return &LexicalFilter{static: static}, nil
}

// NewDefaultLexicalFilter builds a filter over the built-in multilingual
// blocklist. The built-in list is known-good, so compilation cannot fail.
func NewDefaultLexicalFilter() *LexicalFilter {
	f, err := NewLexicalFilter(defaultBlocklist)
	if err != nil {
		panic(err) // unreachable: the embedded list is validated by tests
	}
	return f
}

// Check scans text against the static blocklist plus extraTerms. Every
// pattern with at least one match contributes one Flag with score 1.0 and
// up to MaxMatchedTerms distinct matched terms (original casing
// preserved). Returns nil if nothing matches. Extra terms that fail to
// trim to anything are skipped.
func (f *LexicalFilter) Check(text string, extraTerms []string) []Flag {
	if text == "" {
		return nil
	}

	var flags []Flag
	for _, tp := range f.static {
		if flag, ok := matchPattern(tp, text); ok {
			flags = append(flags, flag)
		}
	}

	for _, term := range extraTerms {
		re, err := compileTerm(term)
		if err != nil {
			continue
		}
		tp := termPattern{term: term, category: DynamicTermCategory, re: re}
		if flag, ok := matchPattern(tp, text); ok {
			flags = append(flags, flag)
		}
	}

	return flags
}

// matchPattern runs one pattern against text and builds its Flag. Matched
// terms are deduplicated on the exact matched string and capped at
// MaxMatchedTerms, original casing preserved.
func matchPattern(tp termPattern, text string) (Flag, bool) {
	matches := tp.re.FindAllString(text, -1)
	if len(matches) == 0 {
		return Flag{}, false
	}

	seen := make(map[string]bool, len(matches))
	terms := make([]string, 0, MaxMatchedTerms)
	for _, m := range matches {
		if seen[m] {
			continue
		}
		seen[m] = true
		terms = append(terms, m)
		if len(terms) == MaxMatchedTerms {
			break
		}
	}

	return Flag{
		Kind:         FlagKeywordMatch,
		Label:        tp.category,
		Score:        1.0,
		MatchedTerms: terms,
	}, true
}
