package mqttcore

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/arenmoroz/mqttcore/internal/packets"
	"github.com/arenmoroz/mqttcore/internal/topictree"
	"github.com/arenmoroz/mqttcore/internal/transport"
)

// Connect dials the broker using the connection's current config and
// reports the outcome through onComplete. Legal only from
// Disconnected.
func (c *Connection) Connect(onComplete ConnectCompleteFunc) error {
	c.cfgMu.RLock()
	keepAlive := c.cfg.KeepAlive
	pingTimeout := c.cfg.PingTimeout
	c.cfgMu.RUnlock()
	if keepAlive > 0 && keepAlive <= pingTimeout {
		return newErr(KindInvalidState, "keep_alive must exceed ping_timeout")
	}

	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = Connecting
	if !c.selfPinned {
		c.selfPinned = true
		atomic.AddInt32(&c.refCount, 1)
	}
	c.mu.Unlock()

	c.connectComplete = onComplete
	c.dial()
	return nil
}

// Disconnect initiates a graceful shutdown. Legal only from {Connected,
// Reconnecting}.
func (c *Connection) Disconnect(onDisconnect DisconnectFunc) error {
	c.mu.Lock()
	state := c.state
	if state != Connected && state != Reconnecting {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.state = Disconnecting
	ch := c.liveChannel
	c.mu.Unlock()

	c.disconnectCB = onDisconnect

	if c.w.reconnectTask != nil {
		c.w.reconnectTask.Cancel()
		c.w.reconnectTask = nil
	}

	if ch == nil {
		// Reconnecting with no live channel: there is nothing to shut
		// down on the wire, so finish the transition synchronously.
		c.finishDisconnectNoChannel()
		return nil
	}

	ch.Post(func() {
		var pkt packets.DisconnectPacket
		_ = writePacket(c.w.writer, &pkt)
		ch.CloseWithError(nil)
	})
	return nil
}

// finishDisconnectNoChannel handles Disconnect() called while
// Reconnecting with no channel currently open: there is no shutdown
// callback coming, so the Disconnecting -> Disconnected transition
// must be driven directly.
func (c *Connection) finishDisconnectNoChannel() {
	c.onChannelLost()

	c.mu.Lock()
	c.state = Disconnected
	c.mu.Unlock()

	c.releaseSelfPin()
	cb := c.disconnectCB
	c.disconnectCB = nil
	if cb != nil {
		cb()
	}
}

// Retain increments the connection's reference count.
func (c *Connection) Retain() *Connection {
	atomic.AddInt32(&c.refCount, 1)
	return c
}

// Release decrements the connection's reference count. If it reaches
// zero, the client reference is released. If only the self-pin
// remains (refCount drops to one while the channel is still alive),
// Release implicitly disconnects so teardown eventually completes and
// the self-pin's own release brings the count to zero.
func (c *Connection) Release() {
	n := atomic.AddInt32(&c.refCount, -1)
	if n == 0 {
		c.client.Release()
		return
	}
	if n == 1 {
		c.mu.Lock()
		pinned := c.selfPinned
		state := c.state
		c.mu.Unlock()
		if pinned && state != Disconnecting {
			_ = c.Disconnect(nil)
		}
	}
}

func (c *Connection) releaseSelfPin() {
	c.mu.Lock()
	pinned := c.selfPinned
	c.selfPinned = false
	c.mu.Unlock()
	if pinned {
		c.Release()
	}
}

// dial builds a bootstrap from the current config and opens it.
func (c *Connection) dial() {
	bootstrap := c.buildBootstrap()
	bootstrap.Open(
		func(err error, ch *transport.Channel) { c.onChannelSetup(err, ch) },
		func(err error) { c.onChannelShutdown(err) },
	)
}

func (c *Connection) buildBootstrap() transport.Bootstrap {
	if c.client.factory != nil {
		return c.client.factory()
	}

	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()

	if c.cfg.WebSocket != nil {
		ws := c.cfg.WebSocket
		return &transport.WebSocketBootstrap{Options: transport.WebSocketOptions{
			URL:          ws.URL,
			Header:       ws.Header,
			Subprotocols: ws.Subprotocols,
			Proxy:        c.cfg.Proxy,
			Transformer:  ws.Transformer,
			Validator:    ws.Validator,
		}}
	}

	return &transport.TCPBootstrap{Options: transport.TCPOptions{
		Host:      c.cfg.Host,
		Port:      c.cfg.Port,
		TLSConfig: c.cfg.TLS,
		Dialer:    c.cfg.Dialer,
	}}
}

// onChannelSetup is invoked once a dial attempt (initial connect or a
// reconnect) finishes, successfully or not.
func (c *Connection) onChannelSetup(err error, ch *transport.Channel) {
	if err != nil {
		c.handleDialFailure(err)
		return
	}

	c.w.channel = ch
	c.w.counting = &countingWriter{w: ch, stats: &c.stats}
	c.w.writer = bufio.NewWriter(c.w.counting)

	c.mu.Lock()
	c.liveChannel = ch
	c.mu.Unlock()

	c.armConnackTimeout(ch)

	connectPkt := c.buildConnectPacket()
	if err := writePacket(c.w.writer, connectPkt); err != nil {
		ch.CloseWithError(wrapErr(KindTransportFailure, "failed to send CONNECT", err))
		return
	}
	atomic.AddUint64(&c.stats.packetsSent, 1)

	go c.readLoop(ch)
}

func (c *Connection) handleDialFailure(err error) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case Connecting:
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
		c.releaseSelfPin()
		cb := c.connectComplete
		c.connectComplete = nil
		if cb != nil {
			cb(err, false)
		}
	case Reconnecting:
		c.scheduleReconnect()
	}
}

// onChannelShutdown is the Channel's onShutdown callback: it always
// runs on the channel's own worker goroutine (posted there by
// Channel.CloseWithError), so it may touch the worker region directly.
func (c *Connection) onChannelShutdown(err error) {
	c.cancelConnackTimer()
	c.cancelPingTimer()

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case Connected:
		c.onChannelLost()
		c.clearWorkerChannel()
		c.mu.Lock()
		c.state = Reconnecting
		c.mu.Unlock()
		if err == nil {
			err = ErrUnexpectedHangup
		}
		c.cfgMu.RLock()
		onInterrupted := c.cfg.OnInterrupted
		c.cfgMu.RUnlock()
		if onInterrupted != nil {
			onInterrupted(err)
		}
		c.scheduleReconnect()

	case Disconnecting:
		c.onChannelLost()
		c.clearWorkerChannel()
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
		c.releaseSelfPin()
		cb := c.disconnectCB
		c.disconnectCB = nil
		if cb != nil {
			cb()
		}

	case Connecting:
		c.clearWorkerChannel()
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
		c.releaseSelfPin()
		cb := c.connectComplete
		c.connectComplete = nil
		if cb != nil {
			cb(err, false)
		}

	case Reconnecting:
		c.clearWorkerChannel()
		c.scheduleReconnect()
	}
}

func (c *Connection) clearWorkerChannel() {
	c.w.channel = nil
	c.w.writer = nil
	c.w.counting = nil
	c.mu.Lock()
	c.liveChannel = nil
	c.mu.Unlock()
}

// onChannelLost applies the clean-session rule of spec §4.1 to every
// pending and ongoing request, whether the channel was lost to an
// unexpected hangup or a deliberate disconnect.
func (c *Connection) onChannelLost() {
	c.cfgMu.RLock()
	clean := c.cfg.CleanSession
	c.cfgMu.RUnlock()

	if clean {
		c.drainForCleanSession()
	} else {
		c.requeueOngoing()
	}
}

func (c *Connection) drainForCleanSession() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	ongoing := c.w.ongoing
	c.w.ongoing = nil
	c.w.recvQoS2 = nil

	for _, r := range pending {
		c.cancelTimeout(r)
		c.finishRequest(r, ErrCancelledForCleanSession)
	}
	for _, r := range ongoing {
		c.cancelTimeout(r)
		c.finishRequest(r, ErrCancelledForCleanSession)
	}
}

// requeueOngoing moves ongoing requests back to pending so the next
// successful connect re-drives them, per spec §4.2's retry policy:
// requests marked dropOnReconnect (QoS 0 publish, PINGREQ) are not
// worth resending and instead complete with NotConnected immediately.
func (c *Connection) requeueOngoing() {
	ongoing := c.w.ongoing
	c.w.ongoing = nil

	var keep []*request
	for _, r := range ongoing {
		c.cancelTimeout(r)
		if r.dropOnReconnect {
			c.finishRequest(r, ErrNotConnected)
		} else {
			keep = append(keep, r)
		}
	}

	c.mu.Lock()
	c.pending = append(keep, c.pending...)
	c.mu.Unlock()
}

// attemptReconnect is scheduled by the reconnect scheduler; it is a
// no-op if the connection left Reconnecting in the meantime (e.g. the
// user called Disconnect first).
func (c *Connection) attemptReconnect() {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != Reconnecting {
		return
	}
	c.dial()
}

// readLoop decodes packets from ch until a decode error closes the
// channel. It never touches worker-region state directly; every
// decoded packet is posted onto the worker for dispatch.
func (c *Connection) readLoop(ch *transport.Channel) {
	c.cfgMu.RLock()
	maxIncoming := c.cfg.MaxIncomingPacket
	c.cfgMu.RUnlock()

	br := bufio.NewReader(&countingReader{r: ch, stats: &c.stats})
	for {
		pkt, err := packets.ReadPacket(br, maxIncoming)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				// The broker closed the stream.
				ch.CloseWithError(ErrUnexpectedHangup)
			} else {
				ch.CloseWithError(wrapErr(KindProtocolViolation, "decode failed", err))
			}
			return
		}
		atomic.AddUint64(&c.stats.packetsRecv, 1)
		ch.Post(func() { c.handleInbound(ch, pkt) })
	}
}

func (c *Connection) handleInbound(ch *transport.Channel, pkt packets.Packet) {
	switch p := pkt.(type) {
	case *packets.ConnackPacket:
		c.handleConnack(ch, p)
	case *packets.PublishPacket:
		c.handlePublish(ch, p)
	case *packets.PubackPacket:
		c.onAck(p.PacketID)
	case *packets.PubrecPacket:
		c.handlePubrec(ch, p)
	case *packets.PubrelPacket:
		c.handlePubrel(ch, p)
	case *packets.PubcompPacket:
		c.onAck(p.PacketID)
	case *packets.SubackPacket:
		c.onAck(p.PacketID)
	case *packets.UnsubackPacket:
		c.onAck(p.PacketID)
	case *packets.PingrespPacket:
		c.w.waitingOnPingResp = false
	default:
		ch.CloseWithError(newErr(KindProtocolViolation, "unexpected packet from broker"))
	}
}

func (c *Connection) handleConnack(ch *transport.Channel, p *packets.ConnackPacket) {
	c.cancelConnackTimer()

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != Connecting && state != Reconnecting {
		return
	}

	if p.ReturnCode != packets.ConnAccepted {
		ch.CloseWithError(newErr(KindProtocolViolation, fmt.Sprintf("broker refused connection: code %d", p.ReturnCode)))
		return
	}

	wasReconnect := state == Reconnecting
	c.w.sessionPresent = p.SessionPresent

	c.mu.Lock()
	c.state = Connected
	c.mu.Unlock()

	c.armPingTimer(ch)
	c.noteConnectedForStability(ch)

	if wasReconnect {
		atomic.AddUint64(&c.stats.reconnects, 1)
		c.cfgMu.RLock()
		onResumed := c.cfg.OnResumed
		c.cfgMu.RUnlock()
		if onResumed != nil {
			onResumed(p.SessionPresent)
		}
		c.drivePending(false)
	} else {
		cb := c.connectComplete
		c.connectComplete = nil
		if cb != nil {
			cb(nil, p.SessionPresent)
		}
		c.drivePending(true)
	}
}

func (c *Connection) handlePublish(ch *transport.Channel, p *packets.PublishPacket) {
	dispatch := true
	if p.QoS == packets.QoS2 {
		if c.w.recvQoS2 == nil {
			c.w.recvQoS2 = make(map[uint16]struct{})
		}
		if _, dup := c.w.recvQoS2[p.PacketID]; dup {
			dispatch = false
		} else {
			c.w.recvQoS2[p.PacketID] = struct{}{}
		}
	}

	if dispatch {
		c.dispatchPublish(p.Topic, p.Payload, p.Dup, p.QoS, p.Retain)
	}

	switch p.QoS {
	case packets.QoS1:
		_ = writePacket(c.w.writer, &packets.PubackPacket{PacketID: p.PacketID})
	case packets.QoS2:
		_ = writePacket(c.w.writer, &packets.PubrecPacket{PacketID: p.PacketID})
	}
}

// handlePubrec is the outbound QoS2 publish path: PUBREC does not
// complete the request (per §4.2 it stays ongoing until PUBCOMP), it
// only triggers PUBREL.
func (c *Connection) handlePubrec(ch *transport.Channel, p *packets.PubrecPacket) {
	c.mu.Lock()
	_, known := c.outstanding[p.PacketID]
	c.mu.Unlock()
	if !known {
		return
	}
	_ = writePacket(c.w.writer, &packets.PubrelPacket{PacketID: p.PacketID})
}

func (c *Connection) handlePubrel(ch *transport.Channel, p *packets.PubrelPacket) {
	delete(c.w.recvQoS2, p.PacketID)
	_ = writePacket(c.w.writer, &packets.PubcompPacket{PacketID: p.PacketID})
}

func (c *Connection) dispatchPublish(topic string, payload []byte, dup bool, qos byte, retain bool) {
	matched := false
	c.w.tree.Match(topic, func(sub *topictree.Subscription) {
		matched = true
		if sub.Handler != nil {
			sub.Handler(topic, payload, dup, qos, retain)
		}
	})
	if !matched {
		c.cfgMu.RLock()
		h := c.cfg.OnAnyPublish
		c.cfgMu.RUnlock()
		if h != nil {
			h(topic, payload, dup, qos, retain)
		}
	}
}

func (c *Connection) buildConnectPacket() *packets.ConnectPacket {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()

	pkt := &packets.ConnectPacket{
		ProtocolName:  "MQTT",
		ProtocolLevel: 4,
		CleanSession:  c.cfg.CleanSession,
		KeepAlive:     uint16(c.cfg.KeepAlive / time.Second),
		ClientID:      c.cfg.ClientID,
	}
	if c.cfg.Will != nil {
		pkt.WillFlag = true
		pkt.WillTopic = c.cfg.Will.Topic
		pkt.WillQoS = c.cfg.Will.QoS
		pkt.WillRetain = c.cfg.Will.Retain
		pkt.WillMessage = c.cfg.Will.Payload
	}
	if c.cfg.Username != "" {
		pkt.UsernameFlag = true
		pkt.Username = c.cfg.Username
	}
	if c.cfg.HasPassword {
		pkt.PasswordFlag = true
		pkt.Password = c.cfg.Password
	}
	return pkt
}

// armConnackTimeout arms the one-shot CONNACK timeout of spec §4.8.
func (c *Connection) armConnackTimeout(ch *transport.Channel) {
	c.cfgMu.RLock()
	timeout := c.cfg.PingTimeout
	c.cfgMu.RUnlock()

	c.connackTask = ch.Schedule(timeout, func() {
		c.mu.Lock()
		state := c.state
		c.mu.Unlock()
		if state == Connecting || state == Reconnecting {
			ch.CloseWithError(ErrTimeout)
		}
	})
}

func (c *Connection) cancelConnackTimer() {
	if c.connackTask != nil {
		c.connackTask.Cancel()
		c.connackTask = nil
	}
}

func (c *Connection) cancelPingTimer() {
	if c.pingTask != nil {
		c.pingTask.Cancel()
		c.pingTask = nil
	}
}

// armPingTimer schedules the next keep-alive PINGREQ per spec §4.7.
func (c *Connection) armPingTimer(ch *transport.Channel) {
	c.cfgMu.RLock()
	keepAlive := c.cfg.KeepAlive
	c.cfgMu.RUnlock()
	if keepAlive <= 0 {
		return
	}

	interval := keepAlive - time.Second
	if interval <= 0 {
		interval = keepAlive
	}
	c.pingTask = ch.Schedule(interval, func() { c.sendKeepAlivePing(ch) })
}

func (c *Connection) sendKeepAlivePing(ch *transport.Channel) {
	if c.w.channel != ch {
		return
	}

	c.w.waitingOnPingResp = true
	_ = writePacket(c.w.writer, &packets.PingreqPacket{})

	c.cfgMu.RLock()
	timeout := c.cfg.PingTimeout
	c.cfgMu.RUnlock()
	ch.Schedule(timeout, func() { c.checkPingTimeout(ch) })

	c.armPingTimer(ch)
}

func (c *Connection) checkPingTimeout(ch *transport.Channel) {
	if c.w.channel != ch {
		return
	}
	if c.w.waitingOnPingResp {
		ch.CloseWithError(ErrTimeout)
	}
}

// Ping sends an unsolicited PINGREQ outside the keep-alive schedule. A
// no-op while no channel is live.
func (c *Connection) Ping() {
	c.postToWorker(func() {
		ch := c.w.channel
		if ch == nil {
			return
		}
		c.w.waitingOnPingResp = true
		_ = writePacket(c.w.writer, &packets.PingreqPacket{})
	})
}

// postToWorker posts fn onto the currently live channel's worker, if
// any. Safe to call from any goroutine.
func (c *Connection) postToWorker(fn func()) {
	c.mu.Lock()
	ch := c.liveChannel
	c.mu.Unlock()
	if ch != nil {
		ch.Post(fn)
	}
}

// pokeWorker asks the worker to drain pending, used after a public API
// call enqueues a new request while potentially already Connected.
func (c *Connection) pokeWorker() {
	c.postToWorker(func() { c.drivePending(true) })
}

// writePacket encodes pkt to bw and flushes immediately, so a packet
// whose encoding fits in bw's buffer becomes exactly one underlying
// Channel.Write call regardless of how many small io.Writer calls its
// WriteTo makes internally. That matters for WebSocket framing: one
// flush is one WS message. A larger packet assembled from several
// writes can reach the channel in more than one Write call.
func writePacket(bw *bufio.Writer, pkt packets.Packet) error {
	if _, err := pkt.WriteTo(bw); err != nil {
		return err
	}
	return bw.Flush()
}

// writeChunked writes pkt's encoded bytes directly to the channel's
// counting writer in slices no larger than limit, bypassing the
// buffered writer so a single large PUBLISH can be split across
// multiple transport messages per spec §4.6. limit <= 0 means no
// chunking is needed. bw must already be flushed (callers always flush
// via writePacket immediately after use, so it is empty between
// calls).
func writeChunked(bw *bufio.Writer, counting *countingWriter, limit int, pkt packets.Packet) error {
	if limit <= 0 {
		return writePacket(bw, pkt)
	}

	var buf bytes.Buffer
	if _, err := pkt.WriteTo(&buf); err != nil {
		return err
	}
	data := buf.Bytes()
	for len(data) > 0 {
		n := limit
		if n > len(data) {
			n = len(data)
		}
		if _, err := counting.Write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}
