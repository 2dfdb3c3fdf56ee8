package mqttcore

import "sync"

// requestKind identifies the protocol operation a request drives.
type requestKind uint8

const (
	kindPublishQoS0 requestKind = iota
	kindPublishQoS1
	kindPublishQoS2
	kindSubscribe
	kindUnsubscribe
	kindPing
	kindLocalSubscribe
)

// sendResult is returned by a request's sendFunc.
type sendResult uint8

const (
	sendOngoing sendResult = iota
	sendComplete
	sendErr
)

// sendFunc encodes and writes the packet for a request's current
// attempt. firstAttempt is false on every retry driven after a
// reconnect.
type sendFunc func(id uint16, firstAttempt bool) (sendResult, error)

// request is the in-flight record for one protocol operation, keyed
// by its 16-bit packet id.
type request struct {
	id   uint16
	kind requestKind

	// dropOnReconnect marks operations that are not worth resending
	// after a reconnect (QoS 0 publish, PINGREQ): on reconnect they
	// complete with NotConnected instead of being redriven. Everything
	// else (QoS>=1 publish, SUBSCRIBE, UNSUBSCRIBE) is redriven with
	// firstAttempt=false.
	dropOnReconnect bool

	send     sendFunc
	complete CompletionFunc

	timeout *requestTimeout
}

var requestPool = sync.Pool{New: func() any { return &request{} }}

func allocRequest() *request {
	return requestPool.Get().(*request)
}

func releaseRequest(r *request) {
	*r = request{}
	requestPool.Put(r)
}

// requestTimeout implements the mutual back-pointer of spec §4.3: the
// request holds a pointer to the timeout, the timeout holds a pointer
// back to the request. Both are only ever touched from the channel's
// worker goroutine, so whichever runs first can clear both without
// any additional synchronization.
type requestTimeout struct {
	req  *request
	task cancelable
}

type cancelable interface{ Cancel() }

// createRequest allocates a request from the pool, assigns it the
// lowest free packet id, links it into pending, and registers it in
// outstanding. Returns 0 if no id is free.
func (c *Connection) createRequest(kind requestKind, dropOnReconnect bool, send sendFunc, complete CompletionFunc) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.allocateIDLocked()
	if id == 0 {
		return 0
	}

	r := allocRequest()
	r.id = id
	r.kind = kind
	r.dropOnReconnect = dropOnReconnect
	r.send = send
	r.complete = complete

	c.pending = append(c.pending, r)
	c.outstanding[id] = r
	return id
}

// allocateIDLocked must be called with c.mu held.
func (c *Connection) allocateIDLocked() uint16 {
	if len(c.outstanding) >= 0xFFFF {
		return 0
	}
	for i := 0; i < 0xFFFF; i++ {
		c.nextID++
		if c.nextID == 0 {
			c.nextID = 1
		}
		if _, taken := c.outstanding[c.nextID]; !taken {
			return c.nextID
		}
	}
	return 0
}

// detachPendingHead pops the head of pending under c.mu, or returns
// nil.
func (c *Connection) detachPendingHead() *request {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}
	r := c.pending[0]
	c.pending = c.pending[1:]
	return r
}

func (c *Connection) removeOutstanding(id uint16) {
	c.mu.Lock()
	delete(c.outstanding, id)
	c.mu.Unlock()
}

// drivePending runs the send loop (spec §4.2): while pending is
// non-empty, detach the head, invoke its send callback, and route the
// result. It does not check for a live channel itself; its callers run
// it on the worker goroutine of the channel they write to.
func (c *Connection) drivePending(firstAttempt bool) {
	for {
		r := c.detachPendingHead()
		if r == nil {
			return
		}
		c.driveOne(r, firstAttempt)
	}
}

func (c *Connection) driveOne(r *request, firstAttempt bool) {
	result, err := r.send(r.id, firstAttempt)
	switch result {
	case sendComplete:
		c.finishRequest(r, nil)
	case sendOngoing:
		c.w.ongoing = append(c.w.ongoing, r)
		c.armTimeout(r)
	case sendErr:
		c.finishRequest(r, err)
	}
}

// finishRequest removes r from outstanding, returns it to the pool,
// and invokes its completion callback exactly once.
func (c *Connection) finishRequest(r *request, err error) {
	c.removeOutstanding(r.id)
	cb := r.complete
	id := r.id
	releaseRequest(r)
	if cb != nil {
		cb(id, err)
	}
}

// removeOngoing detaches the request with the given id from the
// ongoing list, returning nil if it is not present there.
func (c *Connection) removeOngoing(id uint16) *request {
	for i, r := range c.w.ongoing {
		if r.id == id {
			c.w.ongoing = append(c.w.ongoing[:i], c.w.ongoing[i+1:]...)
			return r
		}
	}
	return nil
}

// onAck handles receipt of a SUBACK/UNSUBACK/PUBACK/PUBCOMP with
// packet id id, per spec §4.2 (PUBREC goes to handlePubrec instead).
// Reports whether a live request was found (false means a protocol
// violation: the ack is discarded).
func (c *Connection) onAck(id uint16) bool {
	c.mu.Lock()
	_, known := c.outstanding[id]
	c.mu.Unlock()
	if !known {
		return false
	}

	r := c.removeOngoing(id)
	if r == nil {
		// Registered as outstanding but not yet in ongoing: a
		// duplicate or out-of-order ack. Treat as a protocol
		// violation rather than completing twice.
		return false
	}
	c.cancelTimeout(r)
	c.finishRequest(r, nil)
	return true
}

// armTimeout schedules r's operation timeout, if one is configured.
// Must run on the worker goroutine.
func (c *Connection) armTimeout(r *request) {
	c.cfgMu.RLock()
	d := c.cfg.OperationTimeout
	c.cfgMu.RUnlock()
	if d <= 0 {
		return
	}
	if c.w.channel == nil {
		return
	}

	rt := &requestTimeout{req: r}
	r.timeout = rt
	rt.task = c.w.channel.Schedule(d, func() {
		c.onRequestTimeout(rt)
	})
}

// onRequestTimeout is the timeout-first path of the mutual
// back-pointer protocol: if the ack already cleared rt.req, this is a
// no-op; otherwise it completes the request with Timeout.
func (c *Connection) onRequestTimeout(rt *requestTimeout) {
	if rt.req == nil {
		return
	}
	r := rt.req
	rt.req = nil
	r.timeout = nil

	c.removeOngoing(r.id)
	c.finishRequest(r, newErr(KindTimeout, "operation timed out"))
}

// cancelTimeout is the ack-first path: it clears both sides of the
// mutual back-pointer so a timeout that later fires observes nil and
// no-ops.
func (c *Connection) cancelTimeout(r *request) {
	rt := r.timeout
	if rt == nil {
		return
	}
	rt.req = nil
	if rt.task != nil {
		rt.task.Cancel()
	}
	r.timeout = nil
}
