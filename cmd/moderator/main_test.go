package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/safechat/safechat/internal/messaging"
	"github.com/safechat/safechat/internal/moderation"
	"github.com/safechat/safechat/internal/store"
)

type fakeAPIStore struct {
	terms []string
}

func (f *fakeAPIStore) BlockedTerms(context.Context) ([]string, error)      { return f.terms, nil }
func (f *fakeAPIStore) AddBlockedTerm(context.Context, string, int64) error { return nil }
func (f *fakeAPIStore) RemoveBlockedTerm(context.Context, string) (bool, error) {
	return false, nil
}
func (f *fakeAPIStore) PendingReviews(context.Context, int) ([]store.ModerationLog, error) {
	return nil, nil
}
func (f *fakeAPIStore) ResolveReview(context.Context, int64, string) (bool, error) {
	return false, nil
}

type fakePublisher struct {
	audits []messaging.AuditEvent
}

func (f *fakePublisher) PublishAudit(ev messaging.AuditEvent) error {
	f.audits = append(f.audits, ev)
	return nil
}
func (f *fakePublisher) PublishBlocklistChange(string, string) error { return nil }

type fakeEscalator struct{}

func (fakeEscalator) Escalate(context.Context, int64, string) (time.Duration, error) {
	return 0, nil
}

// stubTranscriber returns a canned transcript or error.
type stubTranscriber struct {
	transcript string
	err        error
}

func (s stubTranscriber) Transcribe(context.Context, []byte) (string, error) {
	return s.transcript, s.err
}

func newTestAPI(tr moderation.Transcriber) *apiServer {
	text := moderation.NewTextPipeline(
		moderation.NewDefaultLexicalFilter(),
		moderation.NewNormalizer(nil),
		nil,
		moderation.DefaultTextConfig(),
	)
	image := moderation.NewImagePipeline(nil, moderation.DefaultImageConfig())
	audio := moderation.NewAudioPipeline(tr, text)
	video := moderation.NewVideoPipeline(nil, nil, image, audio, moderation.DefaultVideoConfig())
	return &apiServer{
		store:   &fakeAPIStore{},
		penalty: fakeEscalator{},
		nats:    &fakePublisher{},
		text:    text,
		image:   image,
		audio:   audio,
		video:   video,
	}
}

func TestModerateAudio_TranscriptionFailureSurfaced(t *testing.T) {
	api := newTestAPI(stubTranscriber{err: errors.New("whisper backend down")})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/moderate/audio", bytes.NewReader([]byte("fake-audio")))
	api.moderateAudio(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp audioResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Flagged {
		t.Error("transcription failure must fail open, got flagged")
	}
	if resp.Error != "whisper backend down" {
		t.Errorf("error = %q, want the transcription error marker", resp.Error)
	}
}

func TestModerateAudio_FlaggedTranscript(t *testing.T) {
	api := newTestAPI(stubTranscriber{transcript: "I will fuck you up"})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/moderate/audio", bytes.NewReader([]byte("fake-audio")))
	api.moderateAudio(rec, req)

	var resp audioResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Flagged {
		t.Fatal("expected flagged verdict for a profane transcript")
	}
	if resp.Error != "" {
		t.Errorf("error = %q, want empty on successful transcription", resp.Error)
	}
	if resp.Transcript != "I will fuck you up" {
		t.Errorf("transcript = %q, want it echoed back", resp.Transcript)
	}
}
