package harborlib

import (
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"
)

const (
	DefaultDuplicateLimit = 8
	DefaultPipelineLimit  = 16
)

type Options struct {
	PipelineLimit  int // in-flight window per stream, admitting PipelineLimit+1 unread requests; DefaultPipelineLimit when zero
	ReuseLimit     int // lifetime request cap per stream; <= 0 means unlimited
	DuplicateLimit int // parallel streams per endpoint; DefaultDuplicateLimit when zero
	Dial           DialOptions
}

func (o Options) withDefaults() Options {
	if o.PipelineLimit <= 0 {
		o.PipelineLimit = DefaultPipelineLimit
	}
	if o.DuplicateLimit <= 0 {
		o.DuplicateLimit = DefaultDuplicateLimit
	}
	return o
}

// Pool multiplexes request/response traffic onto a bounded set of
// long-lived streams. One mutex guards the connection list and every
// state-machine counter; one condition variable is broadcast on every
// transition so that any waiter able to make progress wakes up.
type Pool struct {
	NewParser func() Parser // optional factory for the per-conn parser slot

	mu    sync.Mutex
	cond  *sync.Cond
	rng   *rand.Rand
	conns []*Conn

	dial func(kind StreamKind, host, port string, opts DialOptions) (Stream, error)

	nd uint32 // connections dialed
	nu uint32 // connections reused
	nw uint32 // allocator waits
}

var DefaultPool = &Pool{}

func Acquire(kind StreamKind, host, port string, opts Options) (*Transaction, error) {
	return DefaultPool.Acquire(kind, host, port, opts)
}

func CloseAll() { DefaultPool.CloseAll() }

func ShowPool(w io.Writer) error { return DefaultPool.ShowPool(w) }

func (p *Pool) initLocked() {
	if p.cond == nil {
		p.cond = sync.NewCond(&p.mu)
		p.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if p.dial == nil {
		p.dial = Dial
	}
}

// Acquire hands out a Transaction bound to a connection for the given
// endpoint, in strict order: retire over-used connections, sweep dead
// ones, reuse an idle writable one, dial a new one, pipeline onto a
// busy-reader one, or wait for a transition and rescan.
func (p *Pool) Acquire(kind StreamKind, host, port string, opts Options) (*Transaction, error) {
	o := opts.withDefaults()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.initLocked()

	for {
		if o.ReuseLimit > 0 {
			for _, c := range p.conns {
				if c.matches(kind, host, port) && c.readCount >= o.ReuseLimit && c.reader == nil && c.stream.IsOpen() {
					_ = c.stream.Close()
				}
			}
		}

		p.sweepLocked()

		writable := p.findWritableLocked(kind, host, port, o)
		var idle []*Conn
		for _, c := range writable {
			if c.reader == nil {
				idle = append(idle, c)
			}
		}
		if len(idle) > 0 {
			atomic.AddUint32(&p.nu, uint32(1))
			return p.transactionLocked(idle[p.rng.Intn(len(idle))]), nil
		}

		if p.countEndpointLocked(kind, host, port, o.PipelineLimit) < o.DuplicateLimit {
			// Dialing happens with the pool lock held; new-connection
			// establishment is serialized pool-wide.
			stream, err := p.dial(kind, host, port, o.Dial)
			if err != nil {
				return nil, err
			}
			c := newConn(p, kind, host, port, o.PipelineLimit, stream)
			p.conns = append(p.conns, c)
			atomic.AddUint32(&p.nd, uint32(1))
			return p.transactionLocked(c), nil
		}

		if len(writable) > 0 {
			atomic.AddUint32(&p.nu, uint32(1))
			return p.transactionLocked(writable[p.rng.Intn(len(writable))]), nil
		}

		atomic.AddUint32(&p.nw, uint32(1))
		p.cond.Wait()
	}
}

// transactionLocked issues a fresh Transaction on c, which immediately
// owns the write side. Sequences are contiguous per connection because
// creation happens serially under the pool mutex.
func (p *Pool) transactionLocked(c *Conn) *Transaction {
	t := transactionPool.acquire(c, c.writeCount)
	c.writeBusy = true
	return t
}

func (p *Pool) findWritableLocked(kind StreamKind, host, port string, o Options) []*Conn {
	var out []*Conn
	for _, c := range p.conns {
		if !c.matchesEndpoint(kind, host, port, o.PipelineLimit) {
			continue
		}
		if c.writeBusy || !c.stream.IsOpen() {
			continue
		}
		if o.ReuseLimit > 0 && c.writeCount >= o.ReuseLimit {
			continue
		}
		if c.writeCount-c.readCount >= c.pipelineLimit+1 {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (p *Pool) countEndpointLocked(kind StreamKind, host, port string, pipelineLimit int) int {
	n := 0
	for _, c := range p.conns {
		if c.matchesEndpoint(kind, host, port, pipelineLimit) {
			n++
		}
	}
	return n
}

// sweepLocked drops connections that are closed and owe nothing. A
// closed connection still owing a response stays; its reader observes
// eof.
func (p *Pool) sweepLocked() {
	kept := p.conns[:0]
	for _, c := range p.conns {
		if !c.stream.IsOpen() && c.readCount >= c.writeCount {
			c.resetExcess()
			continue
		}
		kept = append(kept, c)
	}
	p.conns = kept
}

// CloseAll closes every connection and empties the pool. Closing an
// already-closed stream is a no-op.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	p.initLocked()
	for _, c := range p.conns {
		_ = c.stream.Close()
		c.resetExcess()
	}
	p.conns = nil
	p.cond.Broadcast()
	p.mu.Unlock()
}

// ShowPool writes the human-readable rendering of every pooled
// connection.
func (p *Pool) ShowPool(w io.Writer) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	p.mu.Lock()
	_, _ = fmt.Fprintf(buf, "pool: %d connection(s), dialed=%d reused=%d waited=%d\n",
		len(p.conns),
		atomic.LoadUint32(&p.nd),
		atomic.LoadUint32(&p.nu),
		atomic.LoadUint32(&p.nw),
	)
	for _, c := range p.conns {
		c.writeTo(buf)
	}
	p.mu.Unlock()

	_, err := w.Write(buf.B)
	return err
}
