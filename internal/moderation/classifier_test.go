package moderation

import (
	"context"
	"errors"
	"testing"
)

func TestLazyTextClassifier_LoadOnce(t *testing.T) {
	loads := 0
	inner := &stubClassifier{predictions: []Prediction{{Label: "toxic", Score: 0.9}}}
	lazy := NewLazyTextClassifier(func() (TextClassifier, error) {
		loads++
		return inner, nil
	})

	for i := 0; i < 3; i++ {
		preds, err := lazy.ClassifyText(context.Background(), "text")
		if err != nil {
			t.Fatalf("ClassifyText: %v", err)
		}
		if len(preds) != 1 {
			t.Fatalf("got %d predictions, want 1", len(preds))
		}
	}

	if loads != 1 {
		t.Errorf("loader invoked %d times, want 1", loads)
	}
	if inner.calls != 3 {
		t.Errorf("inner classifier calls = %d, want 3", inner.calls)
	}
}

func TestLazyTextClassifier_PermanentlyUnavailable(t *testing.T) {
	loads := 0
	lazy := NewLazyTextClassifier(func() (TextClassifier, error) {
		loads++
		return nil, errors.New("model acquisition failed")
	})

	for i := 0; i < 3; i++ {
		preds, err := lazy.ClassifyText(context.Background(), "text")
		if err != nil {
			t.Fatalf("unavailable adapter must not error, got %v", err)
		}
		if len(preds) != 0 {
			t.Fatalf("unavailable adapter returned predictions: %+v", preds)
		}
	}

	// Exactly one acquisition attempt; no retries.
	if loads != 1 {
		t.Errorf("loader invoked %d times, want 1", loads)
	}
}

type stubImageClassifier struct {
	calls       int
	predictions []Prediction
	err         error
}

func (s *stubImageClassifier) ClassifyImage(_ context.Context, _ []byte) ([]Prediction, error) {
	s.calls++
	return s.predictions, s.err
}

func TestLazyImageClassifier_PermanentlyUnavailable(t *testing.T) {
	loads := 0
	lazy := NewLazyImageClassifier(func() (ImageClassifier, error) {
		loads++
		return nil, errors.New("model acquisition failed")
	})

	for i := 0; i < 2; i++ {
		preds, err := lazy.ClassifyImage(context.Background(), []byte{0x1})
		if err != nil || len(preds) != 0 {
			t.Fatalf("unavailable adapter: preds=%v err=%v", preds, err)
		}
	}
	if loads != 1 {
		t.Errorf("loader invoked %d times, want 1", loads)
	}
}
