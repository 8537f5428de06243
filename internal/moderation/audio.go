package moderation

import (
	"context"
	"log"

	"github.com/safechat/safechat/internal/metrics"
)

// Transcriber is the external speech-to-text capability. It is always
// treated as a fallible collaborator; the audio pipeline fails open on
// any transcription error.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// AudioResult wraps the text verdict for a transcript together with the
// transcript itself. TranscriptionErr is the explicit error marker set
// when transcription failed; the verdict is then unflagged rather than
// blocking.
type AudioResult struct {
	Verdict    Verdict `json:"verdict"`
	Transcript string  `json:"transcript"`

	TranscriptionErr string `json:"transcription_error,omitempty"`
}

// AudioPipeline moderates audio by transcribing it and running the
// transcript through the full text pipeline.
type AudioPipeline struct {
	transcriber Transcriber
	text        *TextPipeline
}

// NewAudioPipeline assembles an audio pipeline over the given
// transcription capability and text pipeline.
func NewAudioPipeline(transcriber Transcriber, text *TextPipeline) *AudioPipeline {
	return &AudioPipeline{transcriber: transcriber, text: text}
}

// Moderate transcribes the audio and moderates the transcript. A
// transcription failure yields an unflagged result carrying the error
// marker instead of blocking the content.
func (p *AudioPipeline) Moderate(ctx context.Context, audio []byte, extraTerms []string) AudioResult {
	if p.transcriber == nil {
		metrics.ModerationUnavailable.WithLabelValues("transcriber").Inc()
		return AudioResult{
			Verdict:          clean(LangUnknown),
			TranscriptionErr: "transcription unavailable",
		}
	}

	transcript, err := p.transcriber.Transcribe(ctx, audio)
	if err != nil {
		log.Printf("[moderation] transcription failed, passing audio unflagged: %v", err)
		metrics.ModerationUnavailable.WithLabelValues("transcriber").Inc()
		return AudioResult{
			Verdict:          clean(LangUnknown),
			TranscriptionErr: err.Error(),
		}
	}

	if transcript == "" {
		return AudioResult{Verdict: clean(LangUnknown)}
	}

	return AudioResult{
		Verdict:    p.text.Moderate(ctx, transcript, extraTerms),
		Transcript: transcript,
	}
}
