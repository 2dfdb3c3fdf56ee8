package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

// ContextDialer matches the signature of net.Dialer.DialContext, so a
// custom dialer can be dropped in for tests or non-standard network
// stacks.
type ContextDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// TCPOptions configures a TCPBootstrap.
type TCPOptions struct {
	// Host and Port identify the broker. Port defaults to 1883, or
	// 8883 when TLSConfig is non-nil.
	Host string
	Port int

	// TLSConfig, if non-nil, upgrades the connection to TLS
	// immediately after dialing.
	TLSConfig *tls.Config

	// Dialer overrides the default net.Dialer. Tests substitute an
	// in-memory dialer here.
	Dialer ContextDialer

	// MaxMessageSize bounds a single Channel.Write call; 0 means
	// unbounded, appropriate for a raw byte stream.
	MaxMessageSize int
}

// TCPBootstrap opens a Channel over plain TCP or TLS.
type TCPBootstrap struct {
	Options TCPOptions
}

// Open dials the configured host:port and reports the outcome via
// onSetup. If the dial succeeds, the Channel's worker goroutine is
// started; onShutdown runs on it once the Channel is closed.
func (b *TCPBootstrap) Open(onSetup SetupFunc, onShutdown ShutdownFunc) {
	go b.open(onSetup, onShutdown)
}

func (b *TCPBootstrap) open(onSetup SetupFunc, onShutdown ShutdownFunc) {
	opts := b.Options
	port := opts.Port
	if port == 0 {
		if opts.TLSConfig != nil {
			port = 8883
		} else {
			port = 1883
		}
	}
	addr := net.JoinHostPort(opts.Host, fmt.Sprintf("%d", port))

	var conn net.Conn
	var err error
	switch {
	case opts.Dialer != nil:
		conn, err = opts.Dialer.DialContext(context.Background(), "tcp", addr)
	case opts.TLSConfig != nil:
		d := &tls.Dialer{NetDialer: &net.Dialer{}, Config: opts.TLSConfig}
		conn, err = d.DialContext(context.Background(), "tcp", addr)
	default:
		var d net.Dialer
		conn, err = d.DialContext(context.Background(), "tcp", addr)
	}
	if err != nil {
		onSetup(fmt.Errorf("dial %s: %w", addr, err), nil)
		return
	}

	ch := newChannel(conn, opts.MaxMessageSize, onShutdown)
	onSetup(nil, ch)
	go ch.Run()
}
