package router

import (
	"log"
	"time"

	"github.com/safechat/safechat/internal/ws"
)

// Config holds router tuning parameters.
type Config struct {
	// SendTimeout bounds each per-connection write so one slow client
	// cannot stall fan-out to the rest.
	SendTimeout time.Duration
}

// DefaultConfig returns the standard router tuning.
func DefaultConfig() Config {
	return Config{SendTimeout: 10 * time.Second}
}

// Router delivers serialized messages to every live connection of every
// targeted recipient. Send failures are isolated per connection: they are
// logged, the dead connection is evicted, and delivery to the remaining
// connections proceeds. Delivery never touches persistent storage.
type Router struct {
	registry *ws.Registry
	config   Config

	// evict removes a connection whose write failed. Wired to the
	// server's RemoveConnection so disconnect hooks fire.
	evict func(c *ws.Connection)

	// bridge, when set, republishes locally-originated deliveries to
	// peer relay instances.
	bridge Bridge
}

// Bridge publishes a delivery for peer relay instances to replay against
// their own registries.
type Bridge interface {
	PublishDelivery(payload []byte, spec RecipientSpec, senderID int64) error
}

// New creates a Router over the given registry. If evict is nil, failed
// connections are unregistered directly.
func New(registry *ws.Registry, config Config, evict func(c *ws.Connection)) *Router {
	r := &Router{registry: registry, config: config, evict: evict}
	if r.evict == nil {
		r.evict = func(c *ws.Connection) { registry.Unregister(c) }
	}
	return r
}

// SetBridge attaches the cross-instance fan-out bridge.
func (r *Router) SetBridge(b Bridge) { r.bridge = b }

// Deliver sends payload to every live connection selected by spec and
// republishes the delivery for peer instances. Returns the number of
// local connections delivered to.
func (r *Router) Deliver(payload []byte, spec RecipientSpec, senderID int64) int {
	n := r.deliverLocal(payload, spec, senderID)

	if r.bridge != nil {
		if err := r.bridge.PublishDelivery(payload, spec, senderID); err != nil {
			log.Printf("[router] bridge publish failed (local delivery unaffected): %v", err)
		}
	}
	return n
}

// DeliverLocal sends payload to local connections only. Used when
// replaying a delivery received from a peer instance, where republishing
// would loop.
func (r *Router) DeliverLocal(payload []byte, spec RecipientSpec, senderID int64) int {
	return r.deliverLocal(payload, spec, senderID)
}

func (r *Router) deliverLocal(payload []byte, spec RecipientSpec, senderID int64) int {
	delivered := 0
	for _, c := range r.targets(spec, senderID) {
		if err := c.WriteMessageDeadline(payload, r.config.SendTimeout); err != nil {
			log.Printf("[router] send failed id=%s user=%d, evicting: %v", c.ID, c.UserID, err)
			r.evict(c)
			continue
		}
		delivered++
	}
	return delivered
}

// targets resolves the recipient spec to a snapshot of connections. All
// registry reads happen here, under the registry's own lock, before any
// network send.
func (r *Router) targets(spec RecipientSpec, senderID int64) []*ws.Connection {
	switch spec.Scope {
	case ScopeGlobal:
		return r.registry.All()

	case ScopeDirect:
		conns := r.registry.ConnectionsFor(spec.UserID)
		if senderID != spec.UserID {
			conns = append(conns, r.registry.ConnectionsFor(senderID)...)
		}
		return conns

	case ScopeGroup:
		var conns []*ws.Connection
		for _, member := range spec.Members {
			conns = append(conns, r.registry.ConnectionsFor(member)...)
		}
		return conns
	}

	log.Printf("[router] unknown recipient scope %q, dropping delivery", spec.Scope)
	return nil
}
