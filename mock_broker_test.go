package mqttcore

import (
	"bufio"
	"net"
	"testing"

	"github.com/arenmoroz/mqttcore/internal/packets"
	"github.com/arenmoroz/mqttcore/internal/transport"
)

// mockBroker is a hand-rolled test double for the wire side of a
// broker: it reads and writes raw MQTT control packets over one half
// of a net.Pipe, the way the teacher's own tests drive a connection
// against a synchronous in-process fixture instead of a real socket.
type mockBroker struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
}

func newMockBroker(t *testing.T, conn net.Conn) *mockBroker {
	return &mockBroker{t: t, conn: conn, br: bufio.NewReader(conn), bw: bufio.NewWriter(conn)}
}

func (m *mockBroker) read() packets.Packet {
	m.t.Helper()
	pkt, err := packets.ReadPacket(m.br, 0)
	if err != nil {
		m.t.Fatalf("mock broker: read packet: %v", err)
	}
	return pkt
}

func (m *mockBroker) write(pkt packets.Packet) {
	m.t.Helper()
	if _, err := pkt.WriteTo(m.bw); err != nil {
		m.t.Fatalf("mock broker: write packet: %v", err)
	}
	if err := m.bw.Flush(); err != nil {
		m.t.Fatalf("mock broker: flush: %v", err)
	}
}

// expectConnect reads a CONNECT and replies with a CONNACK carrying
// sessionPresent.
func (m *mockBroker) expectConnect(sessionPresent bool) *packets.ConnectPacket {
	m.t.Helper()
	pkt, ok := m.read().(*packets.ConnectPacket)
	if !ok {
		m.t.Fatalf("mock broker: expected CONNECT, got %T", pkt)
	}
	m.write(&packets.ConnackPacket{SessionPresent: sessionPresent, ReturnCode: packets.ConnAccepted})
	return pkt
}

// stepBootstrap hands back a fresh net.Pipe half on every Open call,
// running a test-supplied broker step on the server-side half so a
// test scripting multiple dials (e.g. across a reconnect) gets its own
// mock broker goroutine per attempt.
type stepBootstrap struct {
	t     *testing.T
	steps []func(*mockBroker)
	n     int
}

func newStepBootstrap(t *testing.T, steps ...func(*mockBroker)) *stepBootstrap {
	return &stepBootstrap{t: t, steps: steps}
}

func (b *stepBootstrap) factory() BootstrapFactory {
	return func() transport.Bootstrap { return b }
}

func (b *stepBootstrap) Open(onSetup transport.SetupFunc, onShutdown transport.ShutdownFunc) {
	client, server := net.Pipe()
	i := b.n
	b.n++
	step := b.steps[i%len(b.steps)]
	go step(newMockBroker(b.t, server))
	(&transport.MemoryBootstrap{Conn: client}).Open(onSetup, onShutdown)
}
