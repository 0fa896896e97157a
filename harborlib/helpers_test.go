package harborlib

import (
	"io"
	"net"
	"sync"
	"testing"

	"github.com/lithdew/bytesutil"
	"github.com/stretchr/testify/require"
)

// The test protocol frames every request and response with a 4-byte
// big-endian length prefix so readers know exact response boundaries.

func appendFrame(dst []byte, body []byte) []byte {
	dst = bytesutil.AppendUint32BE(dst, uint32(len(body)))
	return append(dst, body...)
}

func readConnFrame(conn net.Conn) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return nil, err
	}
	body := make([]byte, bytesutil.Uint32BE(header[:]))
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, err
	}
	return body, nil
}

func writeFrame(t *testing.T, tx *Transaction, body []byte) {
	t.Helper()
	_, err := tx.Write(appendFrame(nil, body))
	require.NoError(t, err)
}

// readFrame consumes exactly one response frame through tx, pushing any
// bytes past the frame boundary back as excess for the next reader.
func readFrame(tx *Transaction) ([]byte, error) {
	var buf []byte
	for {
		if len(buf) >= 4 {
			size := int(bytesutil.Uint32BE(buf[:4]))
			if len(buf) >= 4+size {
				frame := append([]byte(nil), buf[4:4+size]...)
				if extra := buf[4+size:]; len(extra) > 0 {
					tx.Unread(extra)
				}
				return frame, nil
			}
		}
		b, err := tx.ReadAvailable()
		if err != nil {
			return nil, err
		}
		buf = append(buf, b...)
	}
}

type testServer struct {
	ln   net.Listener
	wg   sync.WaitGroup
	host string
	port string
}

// newTestServer accepts connections and runs handle per connection
// until the listener or the connection goes away.
func newTestServer(t *testing.T, handle func(conn net.Conn)) *testServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &testServer{ln: ln}
	s.host, s.port, err = net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer conn.Close()
				handle(conn)
			}()
		}
	}()

	return s
}

// newFrameEchoServer echoes every request frame back as one response
// frame.
func newFrameEchoServer(t *testing.T) *testServer {
	return newTestServer(t, func(conn net.Conn) {
		for {
			body, err := readConnFrame(conn)
			if err != nil {
				return
			}
			if _, err := conn.Write(appendFrame(nil, body)); err != nil {
				return
			}
		}
	})
}

func (s *testServer) close() {
	_ = s.ln.Close()
	s.wg.Wait()
}

// pipeDialer replaces the pool's dial function with in-memory pipes so
// allocator behavior can be exercised without sockets.
type pipeDialer struct {
	mu    sync.Mutex
	n     int
	peers []net.Conn
}

func (d *pipeDialer) dial(kind StreamKind, host, port string, opts DialOptions) (Stream, error) {
	c1, c2 := net.Pipe()
	d.mu.Lock()
	d.n++
	d.peers = append(d.peers, c2)
	d.mu.Unlock()
	return newNetStream(kind, c1), nil
}

func (d *pipeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}

func (d *pipeDialer) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.peers {
		_ = c.Close()
	}
}
