package harborlib

import (
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/jpillora/backoff"
)

const DefaultDialTimeout = 5 * time.Second

type DialOptions struct {
	Timeout   time.Duration // per attempt; DefaultDialTimeout when zero
	Attempts  int           // total attempts; 1 when zero
	TLSConfig *tls.Config   // KindTLS only; ServerName defaults to host
}

// Dial connects a stream of the requested kind to host:port. Attempts
// beyond the first sleep on a jittered backoff. The pool itself never
// retries a request; retry lives entirely inside one Dial call.
func Dial(kind StreamKind, host, port string, opts DialOptions) (Stream, error) {
	attempts := opts.Attempts
	if attempts < 1 {
		attempts = 1
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	addr := net.JoinHostPort(host, port)

	b := &backoff.Backoff{
		Factor: 1.25,
		Jitter: true,
		Min:    500 * time.Millisecond,
		Max:    1 * time.Second,
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			duration := b.Duration()
			log.Printf("Dialing %s://%s failed: %v. Sleeping for %s.", kind, addr, err, duration)

			timer := timerPool.acquire(duration)
			<-timer.C
			timerPool.release(timer)
		}

		var conn net.Conn
		conn, err = net.DialTimeout("tcp", addr, timeout)
		if err != nil {
			continue
		}

		if kind == KindTLS {
			cfg := opts.TLSConfig
			if cfg == nil {
				cfg = &tls.Config{}
			}
			if cfg.ServerName == "" {
				cfg = cfg.Clone()
				cfg.ServerName = host
			}
			tc := tls.Client(conn, cfg)
			_ = tc.SetDeadline(time.Now().Add(timeout))
			if err = tc.Handshake(); err != nil {
				_ = conn.Close()
				continue
			}
			_ = tc.SetDeadline(time.Time{})
			conn = tc
		}

		return newNetStream(kind, conn), nil
	}

	return nil, fmt.Errorf("dial %s://%s: %w", kind, addr, err)
}
