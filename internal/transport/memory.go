package transport

import "net"

// MemoryBootstrap wraps an already-established net.Conn (typically
// one half of a net.Pipe()) as a Bootstrap. It exists for tests that
// drive a connection against an in-process mock broker without
// touching the network, mirroring the synchronous hand-built
// Client/Connection fixtures the teacher's own tests construct.
type MemoryBootstrap struct {
	Conn           net.Conn
	MaxMessageSize int
}

// Open immediately hands back a Channel wrapping Conn; there is no
// dial step.
func (b *MemoryBootstrap) Open(onSetup SetupFunc, onShutdown ShutdownFunc) {
	ch := newChannel(b.Conn, b.MaxMessageSize, onShutdown)
	onSetup(nil, ch)
	go ch.Run()
}
