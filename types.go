package mqttcore

import (
	"bufio"
	"crypto/tls"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/arenmoroz/mqttcore/internal/topictree"
	"github.com/arenmoroz/mqttcore/internal/transport"
)

// State is the connection's lifecycle state.
type State uint8

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Will describes the message the broker publishes on the client's
// behalf if it disconnects ungracefully.
type Will struct {
	Topic   string
	QoS     byte
	Retain  bool
	Payload []byte
}

// PublishHandler receives an inbound PUBLISH matching a subscription.
type PublishHandler = topictree.PublishHandler

// InterruptedFunc is called when a previously Connected connection
// loses its channel unexpectedly, before any reconnect attempt.
type InterruptedFunc func(err error)

// ResumedFunc is called after a reconnect succeeds, reporting whether
// the broker reports a persisted session (sessionPresent).
type ResumedFunc func(sessionPresent bool)

// ConnectCompleteFunc reports the outcome of a Connect call.
type ConnectCompleteFunc func(err error, sessionPresent bool)

// DisconnectFunc is invoked once a Disconnect completes and the
// channel has fully torn down.
type DisconnectFunc func()

// CompletionFunc is the generic per-operation completion callback:
// err is nil on success.
type CompletionFunc func(packetID uint16, err error)

// config is the connection's Config region (spec §3): mutable only
// while state is Disconnected or Connected for most fields, and never
// while Connecting/Reconnecting/Disconnecting. The one exception
// (registering the any-publish handler) is enforced at the call site.
type config struct {
	Host      string
	Port      int
	Dialer    transport.ContextDialer
	TLS       *tls.Config
	WebSocket *wsOptions
	Proxy     *transport.ProxyOptions

	ClientID     string
	CleanSession bool
	KeepAlive    time.Duration

	OperationTimeout time.Duration
	PingTimeout      time.Duration

	Will *Will

	Username    string
	Password    string
	HasPassword bool

	OnInterrupted InterruptedFunc
	OnResumed     ResumedFunc
	OnAnyPublish  PublishHandler

	ReconnectMinSec int
	ReconnectMaxSec int

	Logger *slog.Logger

	MaxIncomingPacket int
	MaxMessageSize    int
}

// wsOptions holds WebSocket-specific dial configuration; nil means the
// connection dials plain TCP/TLS instead.
type wsOptions struct {
	URL          string
	Header       http.Header
	Subprotocols []string
	Transformer  transport.MessageTransformer
	Validator    transport.MessageValidator
}

// connStats mirrors the teacher's ClientStats: simple counters updated
// by the counting reader/writer wrapped around the active channel.
type connStats struct {
	bytesSent     uint64
	bytesReceived uint64
	packetsSent   uint64
	packetsRecv   uint64
	reconnects    uint64
}

// Stats is a point-in-time snapshot of connStats.
type Stats struct {
	BytesSent     uint64
	BytesReceived uint64
	PacketsSent   uint64
	PacketsRecv   uint64
	Reconnects    uint64
}

// synced is the Synced region (spec §3): guarded by Connection.mu.
type synced struct {
	state       State
	pending     []*request
	outstanding map[uint16]*request
	nextID      uint16
	selfPinned  bool

	// liveChannel mirrors w.channel for cross-domain signaling: a
	// caller on an arbitrary goroutine may not touch the worker
	// region directly, but may safely read this under mu to decide
	// whether there is anyone to Post a wakeup to. The worker keeps it
	// in sync every time it sets or clears w.channel.
	liveChannel *transport.Channel
}

// worker is the I/O-worker region (spec §3): touched only from the
// channel's worker goroutine.
type worker struct {
	channel             *transport.Channel
	writer              *bufio.Writer
	counting            *countingWriter
	ongoing             []*request
	tree                *topictree.Tree
	recvQoS2            map[uint16]struct{}
	waitingOnPingResp   bool
	lastPingAt          time.Time
	reconnectCurrentSec int
	reconnectTask       *reconnectTask
	reconnectStableAt   time.Time
	sessionPresent      bool
}

// Connection is the central entity: a reference-counted MQTT session
// against a single broker endpoint.
type Connection struct {
	client *Client

	cfg   config
	cfgMu sync.RWMutex

	mu sync.Mutex
	synced

	// worker region fields live in w; by convention they are touched
	// only from within a function running on w.channel's worker
	// goroutine (i.e. inside Post/Schedule callbacks). The decode loop
	// posts each packet to the worker rather than touching them.
	w worker

	stats connStats

	connectComplete ConnectCompleteFunc
	disconnectCB    DisconnectFunc

	refCount int32

	connackTask *transport.Task
	pingTask    *transport.Task

	reconnect *reconnectScheduler
}
