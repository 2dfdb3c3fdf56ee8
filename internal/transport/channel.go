// Package transport implements the byte-oriented channel collaborator
// the connection state machine drives: an ordered, bidirectional
// stream with open/shutdown callbacks and a scheduled-task facility
// bound to the channel's own I/O worker goroutine.
//
// Every Channel serializes three kinds of work onto one goroutine:
// decoded-packet dispatch, user-submitted posts, and fired timers.
// That goroutine is the "I/O worker" referenced throughout the
// package that imports transport.
package transport

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// SetupFunc is invoked once a Bootstrap finishes (or fails) opening a
// Channel.
type SetupFunc func(err error, ch *Channel)

// ShutdownFunc is invoked when an open Channel's underlying stream is
// closed, whether by a read/write error, a deliberate Close, or a
// protocol-level shutdown request.
type ShutdownFunc func(err error)

// Task is a handle to a scheduled callback.
type Task struct {
	timer *time.Timer
}

// Cancel prevents a not-yet-fired task from running. It is a no-op if
// the task already fired or was already cancelled.
func (t *Task) Cancel() {
	if t == nil || t.timer == nil {
		return
	}
	t.timer.Stop()
}

// Channel is an open transport stream plus the task scheduler bound to
// its worker goroutine. Only code running on that worker (i.e. inside
// a function passed to Post or Schedule, or the initial SetupFunc
// callback) may treat Channel state as lock-free.
type Channel struct {
	rw         io.ReadWriteCloser
	maxMessage int
	onShutdown ShutdownFunc

	tasks    chan func()
	once     sync.Once
	stopping atomic.Bool
}

func newChannel(rw io.ReadWriteCloser, maxMessage int, onShutdown ShutdownFunc) *Channel {
	return &Channel{
		rw:         rw,
		maxMessage: maxMessage,
		onShutdown: onShutdown,
		tasks:      make(chan func(), 256),
	}
}

// Run drains the worker's task queue, in order, until the task that
// finalizes a shutdown runs. The owner must call Run exactly once,
// from the goroutine it designates as the I/O worker; every
// Post/Schedule callback then executes there, one at a time.
func (ch *Channel) Run() {
	for fn := range ch.tasks {
		fn()
		if ch.stopping.Load() {
			return
		}
	}
}

// Post enqueues fn to run on the worker goroutine. Safe to call from
// any goroutine, including the worker itself. A Post after the channel
// has begun shutting down is silently dropped rather than blocking.
func (ch *Channel) Post(fn func()) {
	if ch.stopping.Load() {
		return
	}
	ch.tasks <- fn
}

// Schedule arms fn to run on the worker goroutine after d elapses.
func (ch *Channel) Schedule(d time.Duration, fn func()) *Task {
	t := &Task{}
	t.timer = time.AfterFunc(d, func() { ch.Post(fn) })
	return t
}

// Now reads the channel's timebase, the same one Schedule measures
// against.
func (ch *Channel) Now() time.Time { return time.Now() }

// Read implements io.Reader against the underlying stream. Only the
// connection's decode loop goroutine may call Read.
func (ch *Channel) Read(p []byte) (int, error) { return ch.rw.Read(p) }

// Write implements io.Writer against the underlying stream. Writes
// larger than MaxMessageSize are still accepted by Write itself;
// callers that must respect per-message capacity (e.g. WebSocket
// framing) should chunk before calling Write.
func (ch *Channel) Write(p []byte) (int, error) { return ch.rw.Write(p) }

// MaxMessageSize returns the largest single write the transport can
// carry as one message, or 0 if there is no such limit (e.g. raw TCP).
func (ch *Channel) MaxMessageSize() int { return ch.maxMessage }

// Close shuts the channel down with no associated error, as for a
// deliberate, local disconnect. Idempotent.
func (ch *Channel) Close() error {
	return ch.CloseWithError(nil)
}

// CloseWithError shuts the channel down and reports err to the
// bootstrap's onShutdown callback, posted onto the worker goroutine so
// it observes a consistent ordering with in-flight packet dispatch.
// The underlying stream is closed synchronously so a blocked Read
// unblocks promptly; onShutdown fires exactly once regardless of how
// many times CloseWithError is called or from how many goroutines.
func (ch *Channel) CloseWithError(err error) error {
	closeErr := ch.rw.Close()
	ch.once.Do(func() {
		ch.tasks <- func() {
			if ch.onShutdown != nil {
				ch.onShutdown(err)
			}
			ch.stopping.Store(true)
		}
	})
	return closeErr
}

// Bootstrap opens Channels. A Connection obtains one for each dial,
// either from its Client's factory or built from its own config.
type Bootstrap interface {
	Open(onSetup SetupFunc, onShutdown ShutdownFunc)
}
