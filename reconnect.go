package mqttcore

import (
	"sync/atomic"
	"time"

	"github.com/arenmoroz/mqttcore/internal/transport"
	"github.com/jpillora/backoff"
)

const reconnectStabilityGuard = 10 * time.Second

// reconnectTask is the self-contained timer of spec §3/§4.4/§9: unlike
// a CONNACK or ping timeout, it cannot be scheduled on a channel's
// worker because, by definition, there is no live channel while a
// reconnect is pending. It runs on its own timer goroutine and carries
// an atomic pointer back to its owning connection so Cancel and a
// concurrently firing timer can never race: whichever runs first, the callback tolerates observing
// a cleared pointer by simply doing nothing.
type reconnectTask struct {
	timer *time.Timer
	conn  atomic.Pointer[Connection]
}

func (rt *reconnectTask) Cancel() {
	if rt == nil {
		return
	}
	rt.conn.Store(nil)
	if rt.timer != nil {
		rt.timer.Stop()
	}
}

// reconnectScheduler wraps jpillora/backoff with the stability-reset
// rule of spec §4.4: after a connection has been stably Connected for
// 10s beyond the previously scheduled attempt, the backoff resets to
// its minimum instead of continuing to grow, which would otherwise
// punish a connection that flaps rarely.
type reconnectScheduler struct {
	b *backoff.Backoff
}

func newReconnectScheduler(minSec, maxSec int) *reconnectScheduler {
	if minSec <= 0 {
		minSec = 1
	}
	if maxSec <= 0 {
		maxSec = 128
	}
	return &reconnectScheduler{
		b: &backoff.Backoff{
			Min:    time.Duration(minSec) * time.Second,
			Max:    time.Duration(maxSec) * time.Second,
			Factor: 2,
			Jitter: false,
		},
	}
}

// next returns the delay before the next reconnect attempt and
// advances the backoff state (clamped doubling, saturating at Max).
func (s *reconnectScheduler) next() time.Duration {
	return s.b.Duration()
}

// noteStableConnection resets the backoff to its minimum once the
// connection has stayed up past the stability guard.
func (s *reconnectScheduler) noteStableConnection() {
	s.b.Reset()
}

// scheduleReconnect arms the next reconnect attempt on its own timer
// (there is no live channel to schedule on while Reconnecting),
// honoring the stability-reset rule: if the connection has been
// Connected for at least reconnectStabilityGuard past the time the
// previous attempt was scheduled for, the backoff resets first.
func (c *Connection) scheduleReconnect() {
	delay := c.reconnect.next()
	c.w.reconnectStableAt = time.Now().Add(delay).Add(reconnectStabilityGuard)

	rt := &reconnectTask{}
	rt.conn.Store(c)
	rt.timer = time.AfterFunc(delay, func() {
		conn := rt.conn.Load()
		if conn == nil {
			return
		}
		conn.attemptReconnect()
	})
	c.w.reconnectTask = rt
}

// noteConnectedForStability is called once a reconnect attempt
// succeeds; it arms a check that resets the backoff if the connection
// remains up past the stability guard window.
func (c *Connection) noteConnectedForStability(ch *transport.Channel) {
	stableAt := c.w.reconnectStableAt
	if stableAt.IsZero() {
		return
	}
	d := time.Until(stableAt)
	if d < 0 {
		d = 0
	}
	ch.Schedule(d, func() {
		c.mu.Lock()
		stillConnected := c.state == Connected
		c.mu.Unlock()
		if stillConnected {
			c.reconnect.noteStableConnection()
		}
	})
}
