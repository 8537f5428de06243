package moderation

import (
	"context"
	"log"
	"sync"
)

// Prediction is one label/score pair returned by a classifier. Scores are
// in [0, 1]. A prediction is only meaningful against the per-type toxic
// label allow-list; thresholding is the caller's responsibility.
type Prediction struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// TextClassifier classifies text (including transcribed audio) and
// returns label/score pairs.
type TextClassifier interface {
	ClassifyText(ctx context.Context, text string) ([]Prediction, error)
}

// ImageClassifier classifies encoded image bytes and returns label/score
// pairs.
type ImageClassifier interface {
	ClassifyImage(ctx context.Context, image []byte) ([]Prediction, error)
}

// TextToxicLabels is the allow-list of text classifier labels that count
// as toxic. Labels outside this set never flag content.
var TextToxicLabels = map[string]bool{
	"toxic":         true,
	"severe_toxic":  true,
	"obscene":       true,
	"threat":        true,
	"insult":        true,
	"identity_hate": true,
}

// ImageToxicLabels is the allow-list of image classifier labels that
// count as explicit content.
var ImageToxicLabels = map[string]bool{
	"nsfw":     true,
	"porn":     true,
	"explicit": true,
	"hentai":   true,
	"sexy":     true,
}

// loadState tracks a lazy adapter's single acquisition attempt.
type loadState int

const (
	stateNotLoaded loadState = iota
	stateLoaded
	stateUnavailable
)

// LazyTextClassifier defers acquiring its underlying classifier until
// first use. If acquisition fails, the adapter marks itself permanently
// unavailable for the process lifetime and all subsequent calls return an
// empty prediction list, avoiding repeated expensive failed-load attempts.
type LazyTextClassifier struct {
	mu    sync.Mutex
	state loadState
	load  func() (TextClassifier, error)
	inner TextClassifier
}

// NewLazyTextClassifier wraps the given loader.
func NewLazyTextClassifier(load func() (TextClassifier, error)) *LazyTextClassifier {
	return &LazyTextClassifier{load: load}
}

// ClassifyText acquires the classifier on first call and delegates to it.
// An unavailable adapter returns an empty list with no error.
func (l *LazyTextClassifier) ClassifyText(ctx context.Context, text string) ([]Prediction, error) {
	c := l.acquire()
	if c == nil {
		return nil, nil
	}
	return c.ClassifyText(ctx, text)
}

func (l *LazyTextClassifier) acquire() TextClassifier {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case stateLoaded:
		return l.inner
	case stateUnavailable:
		return nil
	}

	inner, err := l.load()
	if err != nil {
		log.Printf("[moderation] text classifier load failed, marking unavailable: %v", err)
		l.state = stateUnavailable
		return nil
	}
	l.inner = inner
	l.state = stateLoaded
	return inner
}

// LazyImageClassifier is the image counterpart of LazyTextClassifier.
type LazyImageClassifier struct {
	mu    sync.Mutex
	state loadState
	load  func() (ImageClassifier, error)
	inner ImageClassifier
}

// NewLazyImageClassifier wraps the given loader.
func NewLazyImageClassifier(load func() (ImageClassifier, error)) *LazyImageClassifier {
	return &LazyImageClassifier{load: load}
}

// ClassifyImage acquires the classifier on first call and delegates to
// it. An unavailable adapter returns an empty list with no error.
func (l *LazyImageClassifier) ClassifyImage(ctx context.Context, image []byte) ([]Prediction, error) {
	c := l.acquire()
	if c == nil {
		return nil, nil
	}
	return c.ClassifyImage(ctx, image)
}

func (l *LazyImageClassifier) acquire() ImageClassifier {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case stateLoaded:
		return l.inner
	case stateUnavailable:
		return nil
	}

	inner, err := l.load()
	if err != nil {
		log.Printf("[moderation] image classifier load failed, marking unavailable: %v", err)
		l.state = stateUnavailable
		return nil
	}
	l.inner = inner
	l.state = stateLoaded
	return inner
}
