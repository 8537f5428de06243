// Package protocol defines the WebSocket wire format between clients and
// the relay. Inbound frames carry chat content or call signaling; outbound
// events are JSON objects with a type discriminator ("message", "error",
// "notification", or a relayed signaling type).
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Outbound event types.
const (
	TypeMessage      = "message"
	TypeError        = "error"
	TypeNotification = "notification"
)

// Signaling types. Frames with these types bypass moderation and
// persistence entirely and are relayed verbatim to the direct counterpart
// only.
const (
	TypeCallRequest  = "call-request"
	TypeCallResponse = "call-response"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
)

// IsSignaling reports whether the frame type is call signaling.
func IsSignaling(frameType string) bool {
	switch frameType {
	case TypeCallRequest, TypeCallResponse, TypeOffer, TypeAnswer, TypeICECandidate:
		return true
	}
	return false
}

// Frame is one inbound client frame. Raw preserves the exact bytes so
// signaling frames can be relayed without re-serialization.
type Frame struct {
	Type           string `json:"type,omitempty"`
	Content        string `json:"content"`
	SenderUsername string `json:"sender_username"`
	ReceiverID     *int64 `json:"receiver_id,omitempty"`
	GroupID        *int64 `json:"group_id,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// ParseFrame decodes an inbound frame. A parse error means the frame is
// malformed; the caller drops it and keeps the connection alive.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("protocol: malformed frame: %w", err)
	}
	f.Raw = make(json.RawMessage, len(data))
	copy(f.Raw, data)
	return f, nil
}

// MessageEvent is the outbound broadcast shape for a persisted chat
// message.
type MessageEvent struct {
	Type           string `json:"type"`
	ID             int64  `json:"id"`
	SenderID       int64  `json:"sender_id"`
	SenderUsername string `json:"sender_username"`
	ReceiverID     *int64 `json:"receiver_id"`
	GroupID        *int64 `json:"group_id"`
	Content        string `json:"content"`
	CreatedAt      string `json:"created_at"`
}

// EncodeMessage serializes a MessageEvent, forcing the type discriminator.
func EncodeMessage(ev MessageEvent) ([]byte, error) {
	ev.Type = TypeMessage
	out, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal message event: %w", err)
	}
	return out, nil
}

// ErrorEvent is a rejection sent only to the originating connection.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// EncodeError serializes an error event with the given user-facing
// message.
func EncodeError(message string) ([]byte, error) {
	out, err := json.Marshal(ErrorEvent{Type: TypeError, Message: message})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal error event: %w", err)
	}
	return out, nil
}

// NotificationEvent carries an out-of-band social event (friend request,
// mention, group invite) routed through the same broadcast router as chat
// messages.
type NotificationEvent struct {
	Type           string `json:"type"`
	Event          string `json:"event"`
	SenderID       int64  `json:"sender_id"`
	SenderUsername string `json:"sender_username"`
}

// EncodeNotification serializes a notification event.
func EncodeNotification(event string, senderID int64, senderUsername string) ([]byte, error) {
	out, err := json.Marshal(NotificationEvent{
		Type:           TypeNotification,
		Event:          event,
		SenderID:       senderID,
		SenderUsername: senderUsername,
	})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal notification event: %w", err)
	}
	return out, nil
}

// Inline media kinds recognized in frame content.
const (
	MediaText  = "text"
	MediaImage = "image"
	MediaVideo = "video"
	MediaAudio = "audio"
)

// MediaKind classifies frame content as text or an inline data URL.
func MediaKind(content string) string {
	switch {
	case strings.HasPrefix(content, "data:image"):
		return MediaImage
	case strings.HasPrefix(content, "data:video"):
		return MediaVideo
	case strings.HasPrefix(content, "data:audio"):
		return MediaAudio
	}
	return MediaText
}

// DecodeInlineMedia extracts and decodes the base64 payload of a data
// URL ("data:<mime>;base64,<payload>").
func DecodeInlineMedia(content string) ([]byte, error) {
	_, payload, found := strings.Cut(content, ",")
	if !found {
		return nil, fmt.Errorf("protocol: inline media has no payload separator")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode inline media: %w", err)
	}
	return data, nil
}

// FormatTime renders a persistence timestamp for outbound events.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
