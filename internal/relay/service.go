// Package relay ties the websocket server, moderation pipelines, and
// broadcast router together. It owns the per-frame policy: signaling
// bypasses moderation, muted and rate-limited senders are rejected,
// flagged content is logged and penalized, and clean content is
// persisted then fanned out.
package relay

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/safechat/safechat/internal/metrics"
	"github.com/safechat/safechat/internal/moderation"
	"github.com/safechat/safechat/internal/protocol"
	"github.com/safechat/safechat/internal/ratelimit"
	"github.com/safechat/safechat/internal/router"
	"github.com/safechat/safechat/internal/store"
	"github.com/safechat/safechat/internal/ws"
)

// Reputation penalties applied when content is blocked.
const (
	PenaltyText  = -10
	PenaltyMedia = -20
)

// Store is the persistence surface the relay needs.
type Store interface {
	SaveMessage(ctx context.Context, m *store.Message) error
	SaveModerationLog(ctx context.Context, l *store.ModerationLog) error
	AdjustReputation(ctx context.Context, userID int64, delta int) (int, error)
	GroupMembers(ctx context.Context, groupID int64) ([]int64, error)
	BlockedTerms(ctx context.Context) ([]string, error)
	DirectHistory(ctx context.Context, userA, userB int64, limit int) ([]store.Message, error)
	GroupHistory(ctx context.Context, groupID int64, limit int) ([]store.Message, error)
	GlobalHistory(ctx context.Context, limit int) ([]store.Message, error)
}

// Muter checks and records moderation strikes.
type Muter interface {
	IsMuted(ctx context.Context, userID int64) (bool, int, string, error)
	RecordStrike(ctx context.Context, userID int64, reason string) (bool, time.Duration, error)
}

// Limiter throttles per-user traffic.
type Limiter interface {
	AllowUser(ctx context.Context, userID int64, rule ratelimit.Rule) (bool, error)
}

// Config holds relay policy settings.
type Config struct {
	// FrameTimeout bounds the handling of one inbound frame, including
	// moderation collaborator calls.
	FrameTimeout time.Duration

	// BlocklistRefresh is how often the dynamic blocklist snapshot is
	// refreshed from the store.
	BlocklistRefresh time.Duration
}

// DefaultConfig returns relay policy defaults.
func DefaultConfig() Config {
	return Config{
		FrameTimeout:     30 * time.Second,
		BlocklistRefresh: time.Minute,
	}
}

// Service handles inbound frames end to end.
type Service struct {
	config Config
	router *router.Router
	store  Store
	muter  Muter
	limit  Limiter

	text  *moderation.TextPipeline
	image *moderation.ImagePipeline
	audio *moderation.AudioPipeline
	video *moderation.VideoPipeline

	// Dynamic blocklist snapshot. Refreshed lazily; a store outage
	// keeps the last snapshot (fail-open, never blocks delivery).
	blockMu      sync.Mutex
	blockTerms   []string
	blockFetched time.Time
}

// New creates a relay Service. Muter and Limiter may be nil, disabling
// those checks (used by tests and single-binary development setups).
func New(config Config, rt *router.Router, st Store, muter Muter, limit Limiter,
	text *moderation.TextPipeline, image *moderation.ImagePipeline,
	audio *moderation.AudioPipeline, video *moderation.VideoPipeline) *Service {
	return &Service{
		config: config,
		router: rt,
		store:  st,
		muter:  muter,
		limit:  limit,
		text:   text,
		image:  image,
		audio:  audio,
		video:  video,
	}
}

// HandleFrame processes one inbound frame from a live connection. It is
// called on the connection's read goroutine, so a slow moderation call
// backpressures only the sending client.
func (s *Service) HandleFrame(conn *ws.Connection, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.FrameTimeout)
	defer cancel()

	frame, err := protocol.ParseFrame(data)
	if err != nil {
		// Malformed frames are dropped; the connection stays up.
		log.Printf("[relay] dropping malformed frame from user=%d: %v", conn.UserID, err)
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		return
	}

	if protocol.IsSignaling(frame.Type) {
		s.relaySignaling(conn, frame)
		return
	}

	if s.rejectMuted(ctx, conn) {
		return
	}

	if err := protocol.ValidateContent(frame.Content); err != nil {
		s.sendError(conn, "Invalid message: "+err.Error())
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		return
	}

	kind := protocol.MediaKind(frame.Content)
	if s.rejectRateLimited(ctx, conn, kind) {
		return
	}

	start := time.Now()
	verdict, contentForLog := s.moderate(ctx, kind, frame.Content)
	metrics.ModerationLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	if verdict.Flagged {
		s.rejectFlagged(ctx, conn, frame, kind, verdict, contentForLog)
		return
	}

	s.persistAndBroadcast(ctx, conn, frame, kind)
}

// relaySignaling forwards a call-signaling frame verbatim to the direct
// counterpart. No moderation, no persistence, no sender echo.
func (s *Service) relaySignaling(conn *ws.Connection, frame protocol.Frame) {
	if frame.ReceiverID == nil {
		log.Printf("[relay] signaling frame without receiver from user=%d, dropping", conn.UserID)
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		return
	}
	peer := *frame.ReceiverID
	// Passing the peer as sender makes the echo set coincide with the
	// target, so the counterpart receives exactly one copy.
	n := s.router.Deliver(frame.Raw, router.Direct(peer), peer)
	metrics.MessagesTotal.WithLabelValues("delivered").Inc()
	metrics.DeliveryFanout.Observe(float64(n))
}

// rejectMuted sends an error to the sender if they are muted. A muter
// outage counts as not muted.
func (s *Service) rejectMuted(ctx context.Context, conn *ws.Connection) bool {
	if s.muter == nil {
		return false
	}
	muted, remaining, reason, err := s.muter.IsMuted(ctx, conn.UserID)
	if err != nil {
		log.Printf("[relay] mute check failed for user=%d: %v (allowing)", conn.UserID, err)
		return false
	}
	if !muted {
		return false
	}
	s.sendError(conn, "You are muted for "+(time.Duration(remaining)*time.Second).String()+" ("+reason+")")
	metrics.MessagesTotal.WithLabelValues("blocked").Inc()
	return true
}

func (s *Service) rejectRateLimited(ctx context.Context, conn *ws.Connection, kind string) bool {
	if s.limit == nil {
		return false
	}
	rule := ratelimit.RuleMessage
	if kind != protocol.MediaText {
		rule = ratelimit.RuleMedia
	}
	ok, _ := s.limit.AllowUser(ctx, conn.UserID, rule)
	if ok {
		return false
	}
	s.sendError(conn, "Rate limit exceeded, slow down")
	metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
	return true
}

// moderate runs the pipeline matching the content kind and returns the
// verdict plus the content value to record if blocked.
func (s *Service) moderate(ctx context.Context, kind, content string) (moderation.Verdict, string) {
	switch kind {
	case protocol.MediaText:
		return s.text.Moderate(ctx, content, s.blocklist(ctx)), content

	case protocol.MediaImage:
		data, err := protocol.DecodeInlineMedia(content)
		if err != nil {
			log.Printf("[relay] undecodable inline image: %v (allowing)", err)
			return moderation.Verdict{}, ""
		}
		return s.image.Moderate(ctx, data), "[inline image]"

	case protocol.MediaAudio:
		data, err := protocol.DecodeInlineMedia(content)
		if err != nil {
			log.Printf("[relay] undecodable inline audio: %v (allowing)", err)
			return moderation.Verdict{}, ""
		}
		res := s.audio.Moderate(ctx, data, s.blocklist(ctx))
		return res.Verdict, res.Transcript

	case protocol.MediaVideo:
		data, err := protocol.DecodeInlineMedia(content)
		if err != nil {
			log.Printf("[relay] undecodable inline video: %v (allowing)", err)
			return moderation.Verdict{}, ""
		}
		res := s.video.Moderate(ctx, data, s.blocklist(ctx))
		return videoVerdict(res), "[inline video]"
	}
	return moderation.Verdict{}, ""
}

// videoVerdict collapses a per-frame video result into the common
// verdict shape used for logging and rejection.
func videoVerdict(res moderation.VideoResult) moderation.Verdict {
	if !res.Flagged {
		return moderation.Verdict{OriginalLanguage: moderation.LangUnknown}
	}
	flags := make([]moderation.Flag, 0, len(res.Flags))
	for _, vf := range res.Flags {
		if vf.Type == moderation.VideoFlagWarning {
			continue
		}
		// The first detail flag carries the stage that actually caught
		// the content (keyword vs. model vs. heuristic).
		kind := moderation.FlagMLModel
		score := 1.0
		if len(vf.Details) > 0 {
			kind = vf.Details[0].Kind
			score = vf.Details[0].Score
		}
		flags = append(flags, moderation.Flag{
			Kind:  kind,
			Label: vf.Type,
			Score: score,
		})
	}
	return moderation.Verdict{
		Flagged:          true,
		Flags:            flags,
		OriginalLanguage: moderation.LangUnknown,
	}
}

// rejectFlagged logs the block, applies penalties, and tells only the
// sender. Persistence or penalty failures never resurrect the message.
func (s *Service) rejectFlagged(ctx context.Context, conn *ws.Connection, frame protocol.Frame, kind string, verdict moderation.Verdict, content string) {
	primary, _ := verdict.Primary()
	metrics.MessagesTotal.WithLabelValues("blocked").Inc()
	metrics.ModerationFlags.WithLabelValues(string(primary.Kind), kind).Inc()

	logEntry := &store.ModerationLog{
		UserID:           conn.UserID,
		ContentType:      kind,
		Content:          content,
		Reason:           verdict.Reason(),
		Stage:            string(primary.Kind),
		Score:            primary.Score,
		OriginalLanguage: string(verdict.OriginalLanguage),
	}
	if err := s.store.SaveModerationLog(ctx, logEntry); err != nil {
		log.Printf("[relay] moderation log write failed for user=%d: %v", conn.UserID, err)
	}

	delta := PenaltyText
	if kind != protocol.MediaText {
		delta = PenaltyMedia
	}
	if _, err := s.store.AdjustReputation(ctx, conn.UserID, delta); err != nil {
		log.Printf("[relay] reputation update failed for user=%d: %v", conn.UserID, err)
	}

	s.sendError(conn, verdict.Reason())

	if s.muter != nil {
		muted, duration, err := s.muter.RecordStrike(ctx, conn.UserID, verdict.Reason())
		if err != nil {
			log.Printf("[relay] strike record failed for user=%d: %v", conn.UserID, err)
		} else if muted {
			s.sendError(conn, "You have been muted for "+duration.String()+" after repeated violations")
		}
	}
}

// persistAndBroadcast saves a clean message and fans it out. A failed
// save is logged and delivery proceeds; connected recipients should not
// lose a live message over a history write.
func (s *Service) persistAndBroadcast(ctx context.Context, conn *ws.Connection, frame protocol.Frame, kind string) {
	msg := &store.Message{
		SenderID:   conn.UserID,
		ReceiverID: frame.ReceiverID,
		GroupID:    frame.GroupID,
		Content:    frame.Content,
		MediaType:  kind,
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		log.Printf("[relay] message persist failed for user=%d: %v (delivering anyway)", conn.UserID, err)
		msg.CreatedAt = time.Now()
	}

	payload, err := protocol.EncodeMessage(protocol.MessageEvent{
		ID:             msg.ID,
		SenderID:       conn.UserID,
		SenderUsername: conn.Username,
		ReceiverID:     frame.ReceiverID,
		GroupID:        frame.GroupID,
		Content:        frame.Content,
		CreatedAt:      protocol.FormatTime(msg.CreatedAt),
	})
	if err != nil {
		log.Printf("[relay] encode message failed: %v", err)
		return
	}

	spec, ok := s.recipientSpec(ctx, frame)
	if !ok {
		s.sendError(conn, "Unknown group")
		return
	}
	n := s.router.Deliver(payload, spec, conn.UserID)
	metrics.MessagesTotal.WithLabelValues("delivered").Inc()
	metrics.DeliveryFanout.Observe(float64(n))
}

// recipientSpec resolves a frame's addressing into a routing spec.
func (s *Service) recipientSpec(ctx context.Context, frame protocol.Frame) (router.RecipientSpec, bool) {
	switch {
	case frame.GroupID != nil:
		members, err := s.store.GroupMembers(ctx, *frame.GroupID)
		if err != nil {
			log.Printf("[relay] group member lookup failed for group=%d: %v", *frame.GroupID, err)
			return router.RecipientSpec{}, false
		}
		return router.Group(members), true
	case frame.ReceiverID != nil:
		return router.Direct(*frame.ReceiverID), true
	}
	return router.Global(), true
}

// Notify broadcasts an out-of-band social event through the router.
func (s *Service) Notify(event string, senderID int64, senderUsername string, spec router.RecipientSpec) error {
	payload, err := protocol.EncodeNotification(event, senderID, senderUsername)
	if err != nil {
		return err
	}
	n := s.router.Deliver(payload, spec, senderID)
	metrics.DeliveryFanout.Observe(float64(n))
	return nil
}

// blocklist returns the current dynamic blocklist snapshot, refreshing
// it from the store when stale.
func (s *Service) blocklist(ctx context.Context) []string {
	s.blockMu.Lock()
	defer s.blockMu.Unlock()
	if time.Since(s.blockFetched) < s.config.BlocklistRefresh {
		return s.blockTerms
	}
	terms, err := s.store.BlockedTerms(ctx)
	if err != nil {
		log.Printf("[relay] blocklist refresh failed: %v (keeping %d cached terms)", err, len(s.blockTerms))
		// Back off a little so a down store is not hammered per frame.
		s.blockFetched = time.Now().Add(-s.config.BlocklistRefresh + 5*time.Second)
		return s.blockTerms
	}
	s.blockTerms = terms
	s.blockFetched = time.Now()
	return s.blockTerms
}

// InvalidateBlocklist forces the next frame to re-read the dynamic
// blocklist. Driven by the blocklist-change events the moderation API
// publishes on NATS.
func (s *Service) InvalidateBlocklist() {
	s.blockMu.Lock()
	s.blockFetched = time.Time{}
	s.blockMu.Unlock()
}

func (s *Service) sendError(conn *ws.Connection, message string) {
	payload, err := protocol.EncodeError(message)
	if err != nil {
		return
	}
	if err := conn.WriteMessage(payload); err != nil {
		log.Printf("[relay] error write failed id=%s user=%d: %v", conn.ID, conn.UserID, err)
	}
}
