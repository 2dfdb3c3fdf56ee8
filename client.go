package mqttcore

import (
	"sync/atomic"

	"github.com/arenmoroz/mqttcore/internal/topictree"
	"github.com/arenmoroz/mqttcore/internal/transport"
	"github.com/google/uuid"
)

// BootstrapFactory builds the transport.Bootstrap a Connection dials
// through. Returning a fresh value per call matters: a reconnect needs
// to open a new Channel, not reuse a torn-down one. A nil factory on a
// Client means each Connection builds its own TCP/WebSocket bootstrap
// from its own config at connect time; tests substitute a factory that
// hands back transport.MemoryBootstrap wrapping a net.Pipe half.
type BootstrapFactory func() transport.Bootstrap

// Client owns a reference-counted handle to a transport bootstrap and
// is the factory Connections are created from. It carries no protocol
// state of its own.
type Client struct {
	refCount int32
	factory  BootstrapFactory
}

// NewClient creates a Client with an initial reference count of one.
// factory may be nil, in which case each Connection built from this
// Client chooses TCP or WebSocket transport based on its own config.
func NewClient(factory BootstrapFactory) *Client {
	return &Client{refCount: 1, factory: factory}
}

// Retain increments the client's reference count and returns it, for
// chaining at handoff sites.
func (cl *Client) Retain() *Client {
	atomic.AddInt32(&cl.refCount, 1)
	return cl
}

// Release decrements the client's reference count. The bootstrap
// factory itself holds no resources that need explicit release in Go;
// this exists to mirror the spec's reference-counted lifecycle
// faithfully rather than to free anything concrete.
func (cl *Client) Release() {
	atomic.AddInt32(&cl.refCount, -1)
}

// NewConnection creates a Connection against client, applying opts in
// order. If no client ID was set by an option, one is generated.
func NewConnection(client *Client, opts ...Option) *Connection {
	client.Retain()

	c := &Connection{
		client: client,
		cfg:    defaultConfig(),
	}
	c.refCount = 1
	c.outstanding = make(map[uint16]*request)
	c.w.tree = topictree.New()

	for _, opt := range opts {
		opt(c)
	}

	if c.cfg.ClientID == "" {
		c.cfg.ClientID = "mqttcore-" + uuid.NewString()
	}
	c.reconnect = newReconnectScheduler(c.cfg.ReconnectMinSec, c.cfg.ReconnectMaxSec)

	return c
}
