package transport

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// ProxyOptions configures an HTTP proxy the WebSocket dialer tunnels
// through.
type ProxyOptions struct {
	URL      *url.URL
	Username string
	Password string
}

func (p *ProxyOptions) proxyFunc() func(*http.Request) (*url.URL, error) {
	if p == nil || p.URL == nil {
		return nil
	}
	u := *p.URL
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return http.ProxyURL(&u)
}

// MessageTransformer rewrites an outbound payload before it is framed
// as a WebSocket message, e.g. to apply a subprotocol-specific
// envelope.
type MessageTransformer func(payload []byte) ([]byte, error)

// MessageValidator inspects an inbound WebSocket message before its
// bytes are handed to the MQTT decoder.
type MessageValidator func(payload []byte) error

// WebSocketOptions configures a WebSocketBootstrap.
type WebSocketOptions struct {
	URL              string
	Header           http.Header
	Subprotocols     []string
	Proxy            *ProxyOptions
	Transformer      MessageTransformer
	Validator        MessageValidator
	HandshakeTimeout int // milliseconds; 0 leaves the handshake without a timeout

	// MaxMessageSize bounds a single Channel.Write call; callers that
	// must send more than this in one packet split it across several
	// WriteMessage calls, which wsStream.Read reassembles transparently.
	// 0 means unbounded.
	MaxMessageSize int
}

// WebSocketBootstrap opens a Channel tunnelled over a WebSocket
// connection, optionally through an HTTP proxy.
type WebSocketBootstrap struct {
	Options WebSocketOptions
}

// Open dials the configured WebSocket URL and reports the outcome via
// onSetup.
func (b *WebSocketBootstrap) Open(onSetup SetupFunc, onShutdown ShutdownFunc) {
	go b.open(onSetup, onShutdown)
}

func (b *WebSocketBootstrap) open(onSetup SetupFunc, onShutdown ShutdownFunc) {
	opts := b.Options
	dialer := websocket.Dialer{
		Subprotocols:     opts.Subprotocols,
		HandshakeTimeout: time.Duration(opts.HandshakeTimeout) * time.Millisecond,
	}
	if opts.Proxy != nil {
		dialer.Proxy = opts.Proxy.proxyFunc()
	}

	conn, _, err := dialer.Dial(opts.URL, opts.Header)
	if err != nil {
		onSetup(fmt.Errorf("websocket dial %s: %w", opts.URL, err), nil)
		return
	}

	stream := &wsStream{conn: conn, transform: opts.Transformer, validate: opts.Validator}
	ch := newChannel(stream, opts.MaxMessageSize, onShutdown)
	onSetup(nil, ch)
	go ch.Run()
}

// wsStream adapts a message-oriented *websocket.Conn to the
// io.ReadWriteCloser byte-stream contract Channel expects: writes are
// framed one call per WebSocket binary message, and reads transparently
// advance across message boundaries so the MQTT decoder sees one
// continuous stream.
type wsStream struct {
	conn      *websocket.Conn
	transform MessageTransformer
	validate  MessageValidator
	cur       io.Reader
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.cur == nil {
			_, r, err := s.conn.NextReader()
			if err != nil {
				return 0, err
			}
			if s.validate != nil {
				buf, err := io.ReadAll(r)
				if err != nil {
					return 0, err
				}
				if err := s.validate(buf); err != nil {
					return 0, fmt.Errorf("websocket message rejected: %w", err)
				}
				s.cur = bytes.NewReader(buf)
			} else {
				s.cur = r
			}
		}
		n, err := s.cur.Read(p)
		if err == io.EOF {
			s.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	payload := p
	if s.transform != nil {
		out, err := s.transform(p)
		if err != nil {
			return 0, fmt.Errorf("websocket transform: %w", err)
		}
		payload = out
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error { return s.conn.Close() }
