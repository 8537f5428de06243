// Package messaging provides a NATS client wrapper for pub/sub messaging
// across relay instances: cross-instance broadcast fan-out and moderation
// audit events. It handles connection lifecycle and subject-based
// subscriptions.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/safechat/safechat/internal/router"
)

// NATS subjects used across relay instances.
const (
	// SubjectFanout carries cleared outbound deliveries for replay on
	// peer instances.
	SubjectFanout = "relay.fanout"

	// SubjectModerationAudit carries moderation verdict events for
	// offline consumers (review tooling, analytics pipelines).
	SubjectModerationAudit = "moderation.audit"

	// SubjectBlocklist carries dynamic-blocklist mutations so relay
	// instances can drop their cached snapshot immediately instead of
	// waiting out the refresh window.
	SubjectBlocklist = "moderation.blocklist"
)

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "safechat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Client wraps the NATS connection with helper methods for pub/sub.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{conn: nc}, nil
}

// Publish sends data to the given NATS subject.
func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription for later cleanup.
func (c *Client) Subscribe(subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", sub.Subject, err)
		}
	}
	c.subs = nil

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// DeliveryEnvelope is the cross-instance fan-out message: the serialized
// outbound payload, its recipient spec, and the originating instance so
// peers can skip their own publications.
type DeliveryEnvelope struct {
	Instance string               `json:"instance"`
	Payload  json.RawMessage      `json:"payload"`
	Spec     router.RecipientSpec `json:"spec"`
	SenderID int64                `json:"sender_id"`
}

// FanoutBridge republishes local deliveries on NATS and replays peer
// deliveries against the local registry. It implements router.Bridge.
type FanoutBridge struct {
	client   *Client
	instance string
}

// NewFanoutBridge creates a bridge for the named relay instance.
func NewFanoutBridge(client *Client, instance string) *FanoutBridge {
	return &FanoutBridge{client: client, instance: instance}
}

// PublishDelivery sends a locally-originated delivery to peer instances.
func (b *FanoutBridge) PublishDelivery(payload []byte, spec router.RecipientSpec, senderID int64) error {
	data, err := json.Marshal(DeliveryEnvelope{
		Instance: b.instance,
		Payload:  payload,
		Spec:     spec,
		SenderID: senderID,
	})
	if err != nil {
		return fmt.Errorf("messaging: marshal delivery envelope: %w", err)
	}
	return b.client.Publish(SubjectFanout, data)
}

// Start subscribes to the fan-out subject and replays peer deliveries
// through the given local-delivery function. Envelopes from this
// instance are skipped to prevent redelivery loops.
func (b *FanoutBridge) Start(deliver func(payload []byte, spec router.RecipientSpec, senderID int64)) error {
	return b.client.Subscribe(SubjectFanout, func(data []byte) {
		var env DeliveryEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("[fanout] unmarshal envelope: %v", err)
			return
		}
		if env.Instance == b.instance {
			return
		}
		deliver(env.Payload, env.Spec, env.SenderID)
	})
}

// AuditEvent is one moderation outcome published for offline consumers.
type AuditEvent struct {
	ContentType string      `json:"content_type"`
	Source      string      `json:"source"`
	Flagged     bool        `json:"is_flagged"`
	Details     interface{} `json:"details"`
	Ts          int64       `json:"ts"`
}

// PublishAudit sends a moderation audit event. Audit publishing is best
// effort; failures are logged by the caller.
func (c *Client) PublishAudit(event AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("messaging: marshal audit event: %w", err)
	}
	return c.Publish(SubjectModerationAudit, data)
}

// BlocklistEvent is one dynamic-blocklist mutation, published by the
// moderation API.
type BlocklistEvent struct {
	Action string `json:"action"` // "added" or "removed"
	Term   string `json:"term"`
}

// PublishBlocklistChange announces a blocklist mutation to subscribed
// relay instances. Best effort; a lost event only delays convergence
// until the next snapshot refresh.
func (c *Client) PublishBlocklistChange(action, term string) error {
	data, err := json.Marshal(BlocklistEvent{Action: action, Term: term})
	if err != nil {
		return fmt.Errorf("messaging: marshal blocklist event: %w", err)
	}
	return c.Publish(SubjectBlocklist, data)
}

// SubscribeBlocklistChanges registers a handler for blocklist mutation
// events. Malformed events are logged and dropped.
func (c *Client) SubscribeBlocklistChanges(handler func(BlocklistEvent)) error {
	return c.Subscribe(SubjectBlocklist, func(data []byte) {
		var ev BlocklistEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("[blocklist] unmarshal event: %v", err)
			return
		}
		handler(ev)
	})
}
