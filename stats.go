package mqttcore

import (
	"io"
	"sync/atomic"
)

// countingReader wraps a transport's Read side to accumulate
// connStats.bytesReceived, the way the teacher's own client wraps its
// connection for traffic counters.
type countingReader struct {
	r     io.Reader
	stats *connStats
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		atomic.AddUint64(&cr.stats.bytesReceived, uint64(n))
	}
	return n, err
}

// countingWriter wraps a transport's Write side to accumulate
// connStats.bytesSent.
type countingWriter struct {
	w     io.Writer
	stats *connStats
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 {
		atomic.AddUint64(&cw.stats.bytesSent, uint64(n))
	}
	return n, err
}

// Stats returns a point-in-time snapshot of the connection's traffic
// counters.
func (c *Connection) Stats() Stats {
	return Stats{
		BytesSent:     atomic.LoadUint64(&c.stats.bytesSent),
		BytesReceived: atomic.LoadUint64(&c.stats.bytesReceived),
		PacketsSent:   atomic.LoadUint64(&c.stats.packetsSent),
		PacketsRecv:   atomic.LoadUint64(&c.stats.packetsRecv),
		Reconnects:    atomic.LoadUint64(&c.stats.reconnects),
	}
}
