package harborlib

import (
	"fmt"
	"time"

	"github.com/valyala/bytebufferpool"
)

// Conn is one long-lived stream to an endpoint, shared across many
// sequential Transactions and up to pipelineLimit+1 pending ones. All
// counter fields are guarded by the owning Pool's mutex; stream I/O is
// performed outside it by the sole writer or reader.
type Conn struct {
	pool *Pool

	kind StreamKind
	host string
	port string

	peerPort  int // informational only
	localPort int

	pipelineLimit int // frozen at creation
	stream        Stream

	excess     *bytebufferpool.ByteBuffer // bytes belonging to the next response
	writeBusy  bool
	writeCount int
	readCount  int
	reader     *Transaction // read-lock owner
	timestamp  time.Time
	parser     Parser
}

func newConn(p *Pool, kind StreamKind, host, port string, pipelineLimit int, stream Stream) *Conn {
	return &Conn{
		pool:          p,
		kind:          kind,
		host:          host,
		port:          port,
		peerPort:      stream.PeerPort(),
		localPort:     stream.LocalPort(),
		pipelineLimit: pipelineLimit,
		stream:        stream,
		timestamp:     time.Now(),
	}
}

func (c *Conn) matches(kind StreamKind, host, port string) bool {
	return c.kind == kind && c.host == host && c.port == port
}

func (c *Conn) matchesEndpoint(kind StreamKind, host, port string, pipelineLimit int) bool {
	return c.matches(kind, host, port) && c.pipelineLimit == pipelineLimit
}

func (c *Conn) inactiveSeconds() float64 { return time.Since(c.timestamp).Seconds() }

// bytesAvailable prefers the excess view over stream-level availability.
func (c *Conn) bytesAvailable() int {
	if c.excess != nil && c.excess.Len() > 0 {
		return c.excess.Len()
	}
	return c.stream.BytesAvailable()
}

// purge drains residual bytes after the stream has been closed so that
// bytesAvailable returns to zero, and resets the excess view.
func (c *Conn) purge() {
	for c.stream.BytesAvailable() > 0 {
		if _, err := c.stream.ReadAvailable(); err != nil {
			break
		}
	}
	c.resetExcess()
}

func (c *Conn) setExcess(b []byte) {
	if c.excess == nil {
		c.excess = bytebufferpool.Get()
	}
	c.excess.Reset()
	_, _ = c.excess.Write(b)
}

// takeExcess returns and clears the excess bytes, nil when empty.
func (c *Conn) takeExcess() []byte {
	if c.excess == nil || c.excess.Len() == 0 {
		return nil
	}
	b := append([]byte(nil), c.excess.B...)
	c.resetExcess()
	return b
}

func (c *Conn) resetExcess() {
	if c.excess != nil {
		bytebufferpool.Put(c.excess)
		c.excess = nil
	}
}

// writeTo renders the one-line human view of the connection.
func (c *Conn) writeTo(buf *bytebufferpool.ByteBuffer) {
	_, _ = fmt.Fprintf(buf, "[%c] %s://%s:%s:%d", c.stream.Status().Symbol(), c.kind, c.host, c.port, c.localPort)
	_, _ = fmt.Fprintf(buf, " w=%d", c.writeCount)
	if c.writeBusy {
		_ = buf.WriteByte('!')
	}
	_, _ = fmt.Fprintf(buf, " r=%d", c.readCount)
	if c.reader != nil {
		_ = buf.WriteByte('*')
	}
	_, _ = fmt.Fprintf(buf, " pipe=%d", c.pipelineLimit)
	if c.excess != nil && c.excess.Len() > 0 {
		_, _ = fmt.Fprintf(buf, " excess=%dB", c.excess.Len())
	}
	if idle := c.inactiveSeconds(); idle > 5 {
		_, _ = fmt.Fprintf(buf, " idle=%.1fs", idle)
	}
	if n := c.stream.BytesAvailable(); n > 0 {
		_, _ = fmt.Fprintf(buf, " avail=%dB", n)
	}
	_ = buf.WriteByte('\n')
}
