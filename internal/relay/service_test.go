package relay

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/safechat/safechat/internal/moderation"
	"github.com/safechat/safechat/internal/ratelimit"
	"github.com/safechat/safechat/internal/router"
	"github.com/safechat/safechat/internal/store"
	"github.com/safechat/safechat/internal/ws"
)

// fakeStore records persistence calls in memory.
type fakeStore struct {
	mu         sync.Mutex
	messages   []store.Message
	logs       []store.ModerationLog
	repDeltas  map[int64]int
	groups     map[int64][]int64
	terms      []string
	saveErr    error
	termsErr   error
	groupErr   error
	historyErr error
	nextID     int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		repDeltas: make(map[int64]int),
		groups:    make(map[int64][]int64),
	}
}

func (f *fakeStore) SaveMessage(_ context.Context, m *store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.nextID++
	m.ID = f.nextID
	m.CreatedAt = time.Now()
	f.messages = append(f.messages, *m)
	return nil
}

func (f *fakeStore) SaveModerationLog(_ context.Context, l *store.ModerationLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, *l)
	return nil
}

func (f *fakeStore) AdjustReputation(_ context.Context, userID int64, delta int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repDeltas[userID] += delta
	return 100 + f.repDeltas[userID], nil
}

func (f *fakeStore) GroupMembers(_ context.Context, groupID int64) ([]int64, error) {
	if f.groupErr != nil {
		return nil, f.groupErr
	}
	return f.groups[groupID], nil
}

func (f *fakeStore) BlockedTerms(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.termsErr != nil {
		return nil, f.termsErr
	}
	return f.terms, nil
}

func (f *fakeStore) DirectHistory(_ context.Context, userA, userB int64, limit int) ([]store.Message, error) {
	return f.filterHistory(limit, func(m store.Message) bool {
		if m.ReceiverID == nil {
			return false
		}
		return (m.SenderID == userA && *m.ReceiverID == userB) ||
			(m.SenderID == userB && *m.ReceiverID == userA)
	})
}

func (f *fakeStore) GroupHistory(_ context.Context, groupID int64, limit int) ([]store.Message, error) {
	return f.filterHistory(limit, func(m store.Message) bool {
		return m.GroupID != nil && *m.GroupID == groupID
	})
}

func (f *fakeStore) GlobalHistory(_ context.Context, limit int) ([]store.Message, error) {
	return f.filterHistory(limit, func(m store.Message) bool {
		return m.ReceiverID == nil && m.GroupID == nil
	})
}

// filterHistory mimics the store contract: the newest limit messages in
// chronological order.
func (f *fakeStore) filterHistory(limit int, match func(store.Message) bool) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	var out []store.Message
	for _, m := range f.messages {
		if match(m) {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// fakeMuter drives mute and strike behavior.
type fakeMuter struct {
	mu      sync.Mutex
	muted   bool
	reason  string
	strikes int
	muteAt  int
}

func (f *fakeMuter) IsMuted(_ context.Context, _ int64) (bool, int, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.muted {
		return true, 60, f.reason, nil
	}
	return false, 0, "", nil
}

func (f *fakeMuter) RecordStrike(_ context.Context, _ int64, reason string) (bool, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strikes++
	if f.muteAt > 0 && f.strikes >= f.muteAt {
		f.muted = true
		f.reason = reason
		return true, 15 * time.Minute, nil
	}
	return false, 0, nil
}

// denyLimiter rejects everything.
type denyLimiter struct{}

func (denyLimiter) AllowUser(context.Context, int64, ratelimit.Rule) (bool, error) {
	return false, nil
}

// capture collects bytes a test connection's client side receives.
type capture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *capture) run(conn net.Conn) {
	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			c.mu.Lock()
			c.buf.Write(chunk[:n])
			c.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (c *capture) waitContains(sub string) bool {
	deadline := time.Now().Add(time.Second)
	for {
		c.mu.Lock()
		found := bytes.Contains(c.buf.Bytes(), []byte(sub))
		c.mu.Unlock()
		if found || time.Now().After(deadline) {
			return found
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (c *capture) contains(sub string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Contains(c.buf.Bytes(), []byte(sub))
}

type fixture struct {
	svc   *Service
	reg   *ws.Registry
	store *fakeStore
	muter *fakeMuter
}

func newFixture(t *testing.T, muter Muter, limit Limiter) *fixture {
	t.Helper()
	fs := newFakeStore()
	reg := ws.NewRegistry()
	rt := router.New(reg, router.DefaultConfig(), nil)

	text := moderation.NewTextPipeline(
		moderation.NewDefaultLexicalFilter(),
		moderation.NewNormalizer(nil),
		nil,
		moderation.DefaultTextConfig(),
	)
	image := moderation.NewImagePipeline(nil, moderation.DefaultImageConfig())
	audio := moderation.NewAudioPipeline(nil, text)
	video := moderation.NewVideoPipeline(nil, nil, image, audio, moderation.DefaultVideoConfig())

	cfg := DefaultConfig()
	cfg.FrameTimeout = 5 * time.Second
	svc := New(cfg, rt, fs, muter, limit, text, image, audio, video)

	fm, _ := muter.(*fakeMuter)
	return &fixture{svc: svc, reg: reg, store: fs, muter: fm}
}

func (fx *fixture) connect(t *testing.T, id string, userID int64, username string) (*ws.Connection, *capture) {
	t.Helper()
	server, client := net.Pipe()
	cap := &capture{}
	go cap.run(client)
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	c := &ws.Connection{
		ID:        id,
		UserID:    userID,
		Username:  username,
		Conn:      server,
		CreatedAt: time.Now(),
	}
	c.Touch()
	fx.reg.Register(c)
	return c, cap
}

func TestHandleFrame_CleanDirectMessage(t *testing.T) {
	fx := newFixture(t, nil, nil)
	sender, senderCap := fx.connect(t, "s", 1, "alice")
	_, peerCap := fx.connect(t, "p", 2, "bob")

	fx.svc.HandleFrame(sender, []byte(`{"content":"hello there","receiver_id":2}`))

	if !peerCap.waitContains(`"content":"hello there"`) {
		t.Error("receiver did not get the message")
	}
	if !senderCap.waitContains(`"content":"hello there"`) {
		t.Error("sender did not get the echo")
	}
	fx.store.mu.Lock()
	defer fx.store.mu.Unlock()
	if len(fx.store.messages) != 1 {
		t.Fatalf("persisted %d messages, want 1", len(fx.store.messages))
	}
	if fx.store.messages[0].MediaType != "text" {
		t.Errorf("media type = %q, want text", fx.store.messages[0].MediaType)
	}
}

func TestHandleFrame_FlaggedTextBlockedSenderOnly(t *testing.T) {
	muter := &fakeMuter{}
	fx := newFixture(t, muter, nil)
	sender, senderCap := fx.connect(t, "s", 1, "alice")
	_, peerCap := fx.connect(t, "p", 2, "bob")

	fx.svc.HandleFrame(sender, []byte(`{"content":"I will fuck you up","receiver_id":2}`))

	if !senderCap.waitContains(`"type":"error"`) {
		t.Fatal("sender did not receive the rejection")
	}
	if !senderCap.contains("Blocked:") {
		t.Error("rejection does not carry the block reason")
	}
	if peerCap.contains("fuck") {
		t.Error("blocked content leaked to the receiver")
	}

	fx.store.mu.Lock()
	if len(fx.store.messages) != 0 {
		t.Error("blocked message was persisted")
	}
	if len(fx.store.logs) != 1 {
		t.Fatalf("moderation logs = %d, want 1", len(fx.store.logs))
	}
	if fx.store.logs[0].Stage != "keyword_match" {
		t.Errorf("log stage = %q, want keyword_match", fx.store.logs[0].Stage)
	}
	if fx.store.repDeltas[1] != PenaltyText {
		t.Errorf("reputation delta = %d, want %d", fx.store.repDeltas[1], PenaltyText)
	}
	fx.store.mu.Unlock()

	if muter.strikes != 1 {
		t.Errorf("strikes = %d, want 1", muter.strikes)
	}
}

func TestHandleFrame_MalformedFrameDropped(t *testing.T) {
	fx := newFixture(t, nil, nil)
	sender, senderCap := fx.connect(t, "s", 1, "alice")
	_, peerCap := fx.connect(t, "p", 2, "bob")

	fx.svc.HandleFrame(sender, []byte(`{not json`))

	time.Sleep(50 * time.Millisecond)
	if senderCap.contains("error") || peerCap.contains("error") {
		t.Error("malformed frame produced output")
	}
	// The connection still works afterwards.
	fx.svc.HandleFrame(sender, []byte(`{"content":"still alive","receiver_id":2}`))
	if !peerCap.waitContains("still alive") {
		t.Error("connection dead after malformed frame")
	}
}

func TestHandleFrame_SignalingBypassesModeration(t *testing.T) {
	fx := newFixture(t, nil, nil)
	sender, senderCap := fx.connect(t, "s", 1, "alice")
	_, peerCap := fx.connect(t, "p", 2, "bob")

	// Signaling content would be blocked if moderated.
	raw := `{"type":"offer","content":"I will fuck you up","receiver_id":2,"sdp":"v=0"}`
	fx.svc.HandleFrame(sender, []byte(raw))

	if !peerCap.waitContains(`"sdp":"v=0"`) {
		t.Fatal("signaling frame not relayed to counterpart")
	}
	if senderCap.contains(`"sdp"`) {
		t.Error("signaling frame echoed to sender")
	}
	fx.store.mu.Lock()
	defer fx.store.mu.Unlock()
	if len(fx.store.messages) != 0 || len(fx.store.logs) != 0 {
		t.Error("signaling frame touched persistence")
	}
}

func TestHandleFrame_MutedSenderRejected(t *testing.T) {
	muter := &fakeMuter{muted: true, reason: "toxic"}
	fx := newFixture(t, muter, nil)
	sender, senderCap := fx.connect(t, "s", 1, "alice")
	_, peerCap := fx.connect(t, "p", 2, "bob")

	fx.svc.HandleFrame(sender, []byte(`{"content":"hello","receiver_id":2}`))

	if !senderCap.waitContains("muted") {
		t.Error("muted sender did not get the rejection")
	}
	if peerCap.contains("hello") {
		t.Error("muted sender's message delivered")
	}
}

func TestHandleFrame_RateLimited(t *testing.T) {
	fx := newFixture(t, nil, denyLimiter{})
	sender, senderCap := fx.connect(t, "s", 1, "alice")
	_, peerCap := fx.connect(t, "p", 2, "bob")

	fx.svc.HandleFrame(sender, []byte(`{"content":"hello","receiver_id":2}`))

	if !senderCap.waitContains("Rate limit") {
		t.Error("rate-limited sender did not get the rejection")
	}
	if peerCap.contains("hello") {
		t.Error("rate-limited message delivered")
	}
}

func TestHandleFrame_GroupDelivery(t *testing.T) {
	fx := newFixture(t, nil, nil)
	fx.store.groups[10] = []int64{1, 2, 3}

	sender, _ := fx.connect(t, "s", 1, "alice")
	_, capB := fx.connect(t, "b", 2, "bob")
	// User 3 is a member but offline.

	fx.svc.HandleFrame(sender, []byte(`{"content":"group hello","group_id":10}`))

	if !capB.waitContains("group hello") {
		t.Error("online group member did not get the message")
	}
	fx.store.mu.Lock()
	defer fx.store.mu.Unlock()
	if len(fx.store.messages) != 1 {
		t.Fatalf("persisted %d messages, want 1", len(fx.store.messages))
	}
	if fx.store.messages[0].GroupID == nil || *fx.store.messages[0].GroupID != 10 {
		t.Error("group id not persisted")
	}
}

func TestHandleFrame_PersistFailureStillDelivers(t *testing.T) {
	fx := newFixture(t, nil, nil)
	fx.store.saveErr = errors.New("pg down")

	sender, _ := fx.connect(t, "s", 1, "alice")
	_, peerCap := fx.connect(t, "p", 2, "bob")

	fx.svc.HandleFrame(sender, []byte(`{"content":"hello anyway","receiver_id":2}`))

	if !peerCap.waitContains("hello anyway") {
		t.Error("delivery blocked by persistence failure")
	}
}

func TestHandleFrame_DynamicBlocklist(t *testing.T) {
	fx := newFixture(t, nil, nil)
	fx.store.terms = []string{"forbiddenword"}

	sender, senderCap := fx.connect(t, "s", 1, "alice")
	_, peerCap := fx.connect(t, "p", 2, "bob")

	fx.svc.HandleFrame(sender, []byte(`{"content":"this is a ForbiddenWord here","receiver_id":2}`))

	if !senderCap.waitContains(`"type":"error"`) {
		t.Fatal("dynamic term did not block")
	}
	if peerCap.contains("ForbiddenWord") {
		t.Error("dynamically blocked content delivered")
	}
}

func TestHandleFrame_StrikeEscalatesToMute(t *testing.T) {
	muter := &fakeMuter{muteAt: 2}
	fx := newFixture(t, muter, nil)
	sender, senderCap := fx.connect(t, "s", 1, "alice")

	fx.svc.HandleFrame(sender, []byte(`{"content":"I will fuck you up"}`))
	fx.svc.HandleFrame(sender, []byte(`{"content":"I will fuck you up"}`))

	if !senderCap.waitContains("You have been muted") {
		t.Error("second strike did not announce the mute")
	}
	// The third message bounces off the mute before moderation.
	fx.svc.HandleFrame(sender, []byte(`{"content":"totally clean now"}`))
	if muter.strikes != 2 {
		t.Errorf("strikes = %d, want 2 (muted frame must not re-moderate)", muter.strikes)
	}
}

func TestHandleFrame_GlobalBroadcast(t *testing.T) {
	fx := newFixture(t, nil, nil)
	sender, _ := fx.connect(t, "s", 1, "alice")
	_, capB := fx.connect(t, "b", 2, "bob")
	_, capC := fx.connect(t, "c", 3, "carol")

	fx.svc.HandleFrame(sender, []byte(`{"content":"hi everyone"}`))

	for name, cap := range map[string]*capture{"bob": capB, "carol": capC} {
		if !cap.waitContains("hi everyone") {
			t.Errorf("%s missed the global broadcast", name)
		}
	}
}

func TestNotify(t *testing.T) {
	fx := newFixture(t, nil, nil)
	_, capB := fx.connect(t, "b", 2, "bob")

	err := fx.svc.Notify("friend_request", 1, "alice", router.Direct(2))
	if err != nil {
		t.Fatalf("Notify() error: %v", err)
	}
	if !capB.waitContains(`"event":"friend_request"`) {
		t.Error("notification not delivered")
	}
	if !capB.waitContains(`"sender_username":"alice"`) {
		t.Error("notification missing sender")
	}
}

func TestHandleFrame_BlocklistCacheInvalidation(t *testing.T) {
	fx := newFixture(t, nil, nil)
	sender, senderCap := fx.connect(t, "s", 1, "alice")
	_, peerCap := fx.connect(t, "p", 2, "bob")

	// First frame primes an empty blocklist cache.
	fx.svc.HandleFrame(sender, []byte(`{"content":"zorblax is fine","receiver_id":2}`))
	if !peerCap.waitContains("zorblax is fine") {
		t.Fatal("clean message not delivered")
	}

	fx.store.mu.Lock()
	fx.store.terms = []string{"zorblax"}
	fx.store.mu.Unlock()
	fx.svc.InvalidateBlocklist()

	fx.svc.HandleFrame(sender, []byte(`{"content":"zorblax again","receiver_id":2}`))
	if !senderCap.waitContains(`"type":"error"`) {
		t.Error("newly added term not enforced after invalidation")
	}
	if peerCap.contains("zorblax again") {
		t.Error("blocked content delivered after invalidation")
	}
}

func TestHandleFrame_SignalingWithoutReceiverDropped(t *testing.T) {
	fx := newFixture(t, nil, nil)
	sender, senderCap := fx.connect(t, "s", 1, "alice")

	fx.svc.HandleFrame(sender, []byte(`{"type":"ice-candidate","candidate":"..."}`))

	time.Sleep(50 * time.Millisecond)
	if senderCap.contains("candidate") || senderCap.contains("error") {
		t.Error("receiverless signaling frame produced output")
	}
}

func TestVideoVerdict_PreservesDetectionStage(t *testing.T) {
	res := moderation.VideoResult{
		Flagged: true,
		Flags: []moderation.VideoFlag{
			{Type: moderation.VideoFlagWarning, Timestamp: "n/a"},
			{Type: moderation.VideoFlagAudio, Timestamp: "full_audio", Details: []moderation.Flag{
				{Kind: moderation.FlagKeywordMatch, Label: "profanity", Score: 1, MatchedTerms: []string{"fuck"}},
			}},
			{Type: moderation.VideoFlagVisual, Timestamp: "0:04", Details: []moderation.Flag{
				{Kind: moderation.FlagMLModel, Label: "nsfw", Score: 0.87},
			}},
		},
	}

	v := videoVerdict(res)

	if !v.Flagged {
		t.Fatal("expected flagged verdict")
	}
	if len(v.Flags) != 2 {
		t.Fatalf("got %d flags, want 2 (warning excluded): %+v", len(v.Flags), v.Flags)
	}
	if v.Flags[0].Kind != moderation.FlagKeywordMatch {
		t.Errorf("audio flag kind = %q, want %q", v.Flags[0].Kind, moderation.FlagKeywordMatch)
	}
	if v.Flags[1].Kind != moderation.FlagMLModel {
		t.Errorf("visual flag kind = %q, want %q", v.Flags[1].Kind, moderation.FlagMLModel)
	}
	if v.Flags[1].Score != 0.87 {
		t.Errorf("visual flag score = %v, want the detail score", v.Flags[1].Score)
	}
	primary, _ := v.Primary()
	if primary.Kind != moderation.FlagKeywordMatch {
		t.Errorf("primary kind = %q, want the keyword stage that caught the audio", primary.Kind)
	}
}
