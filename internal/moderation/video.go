package moderation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// ErrNoAudioSupport is returned by an AudioExtractor whose external
// audio-decoding dependency is not installed. The video pipeline degrades
// to frame-only moderation with an explicit warning flag.
var ErrNoAudioSupport = errors.New("moderation: audio extraction not supported")

// Frame is one sampled video frame: the encoded image and its position in
// the video.
type Frame struct {
	Image     []byte
	Timestamp time.Duration
}

// FrameSampler decodes a video and samples frames at the given interval,
// up to max frames. The cap bounds worst-case moderation latency on long
// videos.
type FrameSampler interface {
	SampleFrames(ctx context.Context, video []byte, interval time.Duration, max int) ([]Frame, error)
}

// AudioExtractor pulls the audio track out of a video container. It
// returns ErrNoAudioSupport when the decoding dependency is missing.
type AudioExtractor interface {
	ExtractAudio(ctx context.Context, video []byte) ([]byte, error)
}

// Video flag types, mirroring the audit record shape.
const (
	VideoFlagVisual  = "visual_content"
	VideoFlagAudio   = "audio_content"
	VideoFlagWarning = "system_warning"
)

// VideoFlag is one detection within a video, tagged with the timestamp it
// was found at ("m:ss" for frames, "full_audio" for the audio track,
// "n/a" for warnings).
type VideoFlag struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Details   []Flag `json:"details"`
}

// VideoResult is the outcome of moderating a video: any flagged frame or
// flagged audio marks the whole video flagged, and every individual flag
// is retained with its timestamp for audit.
type VideoResult struct {
	Flagged       bool        `json:"is_flagged"`
	Flags         []VideoFlag `json:"flags"`
	ScannedFrames int         `json:"scanned_frames"`
	Transcript    string      `json:"transcript,omitempty"`
}

// VideoConfig holds the tunable parameters of the video pipeline.
type VideoConfig struct {
	// FrameInterval is the sampling period between analyzed frames.
	FrameInterval time.Duration

	// MaxFrames is the hard cap on sampled frames per video.
	MaxFrames int
}

// DefaultVideoConfig returns the standard video pipeline tuning.
func DefaultVideoConfig() VideoConfig {
	return VideoConfig{
		FrameInterval: 2 * time.Second,
		MaxFrames:     50,
	}
}

// VideoPipeline moderates videos by running sampled frames through the
// image pipeline and the audio track through the audio pipeline.
type VideoPipeline struct {
	sampler   FrameSampler
	extractor AudioExtractor
	image     *ImagePipeline
	audio     *AudioPipeline
	config    VideoConfig
}

// NewVideoPipeline assembles a video pipeline. The extractor may be nil,
// which is treated the same as ErrNoAudioSupport.
func NewVideoPipeline(sampler FrameSampler, extractor AudioExtractor, image *ImagePipeline, audio *AudioPipeline, config VideoConfig) *VideoPipeline {
	return &VideoPipeline{
		sampler:   sampler,
		extractor: extractor,
		image:     image,
		audio:     audio,
		config:    config,
	}
}

// Moderate samples frames and the audio track and aggregates their
// verdicts. Sampler failure fails open (unflagged, zero frames scanned).
func (p *VideoPipeline) Moderate(ctx context.Context, video []byte, extraTerms []string) VideoResult {
	var result VideoResult

	frames, err := p.sampleFrames(ctx, video)
	if err != nil {
		log.Printf("[moderation] frame sampling failed, passing video unflagged: %v", err)
		return result
	}
	result.ScannedFrames = len(frames)

	for _, frame := range frames {
		verdict := p.image.Moderate(ctx, frame.Image)
		if !verdict.Flagged {
			continue
		}
		result.Flagged = true
		result.Flags = append(result.Flags, VideoFlag{
			Type:      VideoFlagVisual,
			Timestamp: FormatTimestamp(frame.Timestamp),
			Details:   verdict.Flags,
		})
	}

	result = p.moderateAudioTrack(ctx, video, extraTerms, result)
	return result
}

func (p *VideoPipeline) sampleFrames(ctx context.Context, video []byte) ([]Frame, error) {
	if p.sampler == nil {
		return nil, errors.New("moderation: no frame sampler configured")
	}
	return p.sampler.SampleFrames(ctx, video, p.config.FrameInterval, p.config.MaxFrames)
}

// moderateAudioTrack extracts and moderates the video's audio. A missing
// audio-decoding dependency degrades to frame-only moderation with an
// explicit warning flag rather than a failure.
func (p *VideoPipeline) moderateAudioTrack(ctx context.Context, video []byte, extraTerms []string, result VideoResult) VideoResult {
	audio, err := p.extractAudio(ctx, video)
	if err != nil {
		if errors.Is(err, ErrNoAudioSupport) {
			result.Flags = append(result.Flags, VideoFlag{
				Type:      VideoFlagWarning,
				Timestamp: "n/a",
				Details: []Flag{{
					Kind:  FlagHeuristic,
					Label: "audio_analysis_skipped",
					Score: 0,
				}},
			})
			return result
		}
		log.Printf("[moderation] audio extraction failed, skipping audio check: %v", err)
		return result
	}

	audioResult := p.audio.Moderate(ctx, audio, extraTerms)
	result.Transcript = audioResult.Transcript
	if audioResult.Verdict.Flagged {
		result.Flagged = true
		result.Flags = append(result.Flags, VideoFlag{
			Type:      VideoFlagAudio,
			Timestamp: "full_audio",
			Details:   audioResult.Verdict.Flags,
		})
	}
	return result
}

func (p *VideoPipeline) extractAudio(ctx context.Context, video []byte) ([]byte, error) {
	if p.extractor == nil {
		return nil, ErrNoAudioSupport
	}
	return p.extractor.ExtractAudio(ctx, video)
}

// FormatTimestamp renders a frame position as "m:ss".
func FormatTimestamp(d time.Duration) string {
	total := int(d.Seconds())
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}
